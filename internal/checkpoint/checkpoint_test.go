package checkpoint

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emirks/applications-of-llms-in-recruitment/internal/candidate"
	"github.com/emirks/applications-of-llms-in-recruitment/internal/job"
	"github.com/emirks/applications-of-llms-in-recruitment/internal/retrieval"
)

var (
	goReq  = job.Requirement{Text: "Go", Kind: job.MustHave}
	sqlReq = job.Requirement{Text: "SQL", Kind: job.NiceToHave, Category: "data"}
)

func matchResult(req job.Requirement, owner string, score float64) *retrieval.MatchResult {
	return &retrieval.MatchResult{
		Requirement: req,
		OwnerID:     owner,
		Ranked: []retrieval.ScoredStatement{{
			Statement: candidate.Statement{
				Text:    req.Text + ": five years",
				Type:    candidate.TypeSkill,
				OwnerID: owner,
				Seq:     2,
				Aux:     map[string]string{candidate.AuxSkill: req.Text},
			},
			Score: score,
		}},
		BestScore: score,
	}
}

func stores(t *testing.T) map[string]Store {
	t.Helper()

	sqlite, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "checkpoint.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })

	return map[string]Store{"memory": NewMemory(), "sqlite": sqlite}
}

func TestRunKey(t *testing.T) {
	base := RunKey("fp", retrieval.ModeBulk, 0, "embed", 0, "rerank")
	assert.Len(t, base, 64)
	assert.Equal(t, base, RunKey("fp", retrieval.ModeBulk, -5, "embed", 0, "rerank"))

	for _, other := range []string{
		RunKey("fp2", retrieval.ModeBulk, 0, "embed", 0, "rerank"),
		RunKey("fp", retrieval.ModePerCandidate, 0, "embed", 0, "rerank"),
		RunKey("fp", retrieval.ModeBulk, 10, "embed", 0, "rerank"),
		RunKey("fp", retrieval.ModeBulk, 0, "embed2", 0, "rerank"),
		RunKey("fp", retrieval.ModeBulk, 0, "embed", 0, "rerank2"),
		RunKey("fp", retrieval.ModeBulk, 0, "embed", 256, "rerank"),
	} {
		assert.NotEqual(t, base, other)
	}
}

func TestStores(t *testing.T) {
	ctx := context.Background()

	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			empty, err := store.Load(ctx, "run")
			require.NoError(t, err)
			assert.Zero(t, empty.Len())
			assert.False(t, empty.RequirementDone(goReq.Text))

			require.NoError(t, store.SaveSearch(ctx, "run", goReq, []string{"alice", "bob"}))
			require.NoError(t, store.SavePair(ctx, "run", goReq, "alice", matchResult(goReq, "alice", 0.8)))
			require.NoError(t, store.SavePair(ctx, "run", sqlReq, "alice", matchResult(sqlReq, "alice", 0.3)))
			require.NoError(t, store.SavePair(ctx, "run", sqlReq, "carol", nil))
			require.NoError(t, store.SavePair(ctx, "other", goReq, "bob", matchResult(goReq, "bob", 0.9)))

			st, err := store.Load(ctx, "run")
			require.NoError(t, err)
			assert.Equal(t, 3, st.Len())
			assert.True(t, st.PairDone(goReq.Text, "alice"))
			assert.True(t, st.PairDone(sqlReq.Text, "carol"))
			assert.False(t, st.PairDone(goReq.Text, "bob"))
			assert.False(t, st.RequirementDone(goReq.Text))
			assert.False(t, st.RequirementDone(sqlReq.Text), "never searched")

			matches := st.Matches([]job.Requirement{goReq, sqlReq})
			require.Len(t, matches, 1)
			assert.Equal(t, []retrieval.MatchResult{*matchResult(goReq, "alice", 0.8), *matchResult(sqlReq, "alice", 0.3)}, matches["alice"])
			assert.Len(t, st.Matches([]job.Requirement{sqlReq})["alice"], 1)

			require.NoError(t, store.SavePair(ctx, "run", goReq, "bob", nil))
			st, err = store.Load(ctx, "run")
			require.NoError(t, err)
			assert.True(t, st.RequirementDone(goReq.Text))

			// Snapshots do not change behind the caller's back.
			require.NoError(t, store.SaveSearch(ctx, "run", sqlReq, nil))
			assert.False(t, st.RequirementDone(sqlReq.Text))
		})
	}
}

func TestSQLiteSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "checkpoint.db")

	store, err := OpenSQLite(ctx, path)
	require.NoError(t, err)
	require.NoError(t, store.SaveSearch(ctx, "run", goReq, nil))
	require.NoError(t, store.SavePair(ctx, "run", goReq, "alice", matchResult(goReq, "alice", 0.7)))
	require.NoError(t, store.Close())

	store, err = OpenSQLite(ctx, path)
	require.NoError(t, err)
	defer store.Close()

	st, err := store.Load(ctx, "run")
	require.NoError(t, err)
	assert.True(t, st.RequirementDone(goReq.Text))
	assert.Equal(t, 0.7, st.Matches([]job.Requirement{goReq})["alice"][0].BestScore)
}

func TestSQLitePrune(t *testing.T) {
	ctx := context.Background()
	store, err := OpenSQLite(ctx, filepath.Join(t.TempDir(), "checkpoint.db"))
	require.NoError(t, err)
	defer store.Close()

	old := time.Now().Add(-48 * time.Hour)
	store.now = func() time.Time { return old }
	require.NoError(t, store.SavePair(ctx, "stale", goReq, "alice", nil))
	require.NoError(t, store.SaveSearch(ctx, "stale", goReq, []string{"alice"}))
	require.NoError(t, store.SavePair(ctx, "current", goReq, "alice", nil))
	store.now = time.Now

	n, err := store.Prune(ctx, "current", time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	st, err := store.Load(ctx, "current")
	require.NoError(t, err)
	assert.Equal(t, 1, st.Len())
	st, err = store.Load(ctx, "stale")
	require.NoError(t, err)
	assert.Zero(t, st.Len())
}
