package matching

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/emirks/applications-of-llms-in-recruitment/internal/cache"
	"github.com/emirks/applications-of-llms-in-recruitment/internal/candidate"
	"github.com/emirks/applications-of-llms-in-recruitment/internal/checkpoint"
	"github.com/emirks/applications-of-llms-in-recruitment/internal/index"
	"github.com/emirks/applications-of-llms-in-recruitment/internal/job"
	"github.com/emirks/applications-of-llms-in-recruitment/internal/metrics"
	"github.com/emirks/applications-of-llms-in-recruitment/internal/provider"
	"github.com/emirks/applications-of-llms-in-recruitment/internal/provider/providertest"
	"github.com/emirks/applications-of-llms-in-recruitment/internal/retrieval"
	"github.com/emirks/applications-of-llms-in-recruitment/internal/scoring"
)

var vocabulary = []string{"go", "kubernetes", "sql", "python", "aws"}

func description() *job.Description {
	return &job.Description{
		Title: "Platform engineer",
		MustHave: []job.Requirement{
			{Text: "Go", Kind: job.MustHave},
			{Text: "Kubernetes", Kind: job.MustHave},
		},
		NiceToHave: []job.Requirement{
			{Text: "SQL", Kind: job.NiceToHave},
		},
	}
}

func records() candidate.Records {
	return candidate.Records{
		{
			ID: "alice",
			Skills: []candidate.Skill{
				{Name: "Go", Description: "services on kubernetes"},
				{Name: "SQL", Description: "reporting"},
			},
		},
		{
			ID:        "bob",
			Skills:    []candidate.Skill{{Name: "Python", Description: "pipelines"}},
			Education: []string{"BSc"},
		},
		{
			ID:                "carol",
			Skills:            []candidate.Skill{{Name: "Kubernetes", Description: "operators"}},
			Certifications:    []string{"CKA"},
			PersonalityTraits: []string{"calm", "patient"},
		},
		{ID: "dave"},
	}
}

func config() Config {
	return Config{Mode: retrieval.ModeBulk, Metric: index.InnerProduct, Weights: scoring.DefaultWeights()}
}

type fixture struct {
	orchestrator *Orchestrator
	embedder     *providertest.Embedder
	reranker     *providertest.Reranker
}

func newFixture(t *testing.T, indexPath string, cp checkpoint.Store) *fixture {
	t.Helper()

	f := &fixture{
		embedder: &providertest.Embedder{Vocabulary: vocabulary},
		reranker: &providertest.Reranker{Vocabulary: vocabulary},
	}
	logger := zaptest.NewLogger(t)
	engine, err := retrieval.New(context.Background(), retrieval.Config{
		Workers: 1,
		Retry:   retrieval.RetryPolicy{MaxAttempts: 2, InitialBackoff: time.Millisecond},
	}, providertest.Factory(f.embedder, f.reranker), cache.NewMemory(100), metrics.NewNop(), logger)
	require.NoError(t, err)

	f.orchestrator = New(engine, &index.Store{Path: indexPath, Logger: logger}, cp, logger)
	return f
}

func ids(scores []scoring.CandidateScore) []string {
	out := make([]string, 0, len(scores))
	for _, s := range scores {
		out = append(out, s.OwnerID)
	}
	return out
}

func TestRunRanksCandidates(t *testing.T) {
	f := newFixture(t, "", nil)

	res, err := f.orchestrator.Run(context.Background(), description(), records(), config())
	require.NoError(t, err)

	assert.NotEmpty(t, res.RunID)
	assert.True(t, res.Complete())
	assert.Zero(t, res.Failed())
	assert.Equal(t, 4, res.Candidates)
	assert.Equal(t, 8, res.Statements)
	assert.Equal(t, []string{"alice", "carol"}, ids(res.Ranked))

	alice := res.Scores["alice"]
	assert.InDelta(t, retrieval.Normalize(3), alice.Score, 1e-12)
	assert.Equal(t, 1.0, alice.MustHaveCoverage)
	assert.Equal(t, 1.0, alice.StatementCoverage)

	carol := res.Scores["carol"]
	assert.Equal(t, 0.5, carol.MustHaveCoverage)
	assert.Equal(t, 0.25, carol.StatementCoverage)

	assert.Zero(t, res.Scores["bob"].Score)
	assert.Zero(t, res.Scores["bob"].MustHaveCoverage)
	assert.Equal(t, scoring.CandidateScore{OwnerID: "dave"}, res.Scores["dave"])
	assert.NotContains(t, res.Matches, "dave")
	assert.Len(t, res.Matches["alice"], 3)
}

func TestRunTopN(t *testing.T) {
	f := newFixture(t, "", nil)

	cfg := config()
	cfg.TopN = 1
	res, err := f.orchestrator.Run(context.Background(), description(), records(), cfg)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, ids(res.Ranked))
}

func TestRunModesAgree(t *testing.T) {
	f := newFixture(t, "", nil)

	bulk, err := f.orchestrator.Run(context.Background(), description(), records(), config())
	require.NoError(t, err)

	cfg := config()
	cfg.Mode = retrieval.ModePerCandidate
	perCandidate, err := f.orchestrator.Run(context.Background(), description(), records(), cfg)
	require.NoError(t, err)

	assert.NotEqual(t, bulk.RunKey, perCandidate.RunKey)
	assert.Equal(t, bulk.Scores, perCandidate.Scores)
	assert.Equal(t, bulk.Ranked, perCandidate.Ranked)
}

func TestRunReusesIndexAndCheckpoint(t *testing.T) {
	dir := t.TempDir()
	cp, err := checkpoint.OpenSQLite(context.Background(), filepath.Join(dir, "checkpoint.db"))
	require.NoError(t, err)
	defer cp.Close()
	indexPath := filepath.Join(dir, "corpus")

	first, err := newFixture(t, indexPath, cp).orchestrator.Run(context.Background(), description(), records(), config())
	require.NoError(t, err)

	again := newFixture(t, indexPath, cp)
	second, err := again.orchestrator.Run(context.Background(), description(), records(), config())
	require.NoError(t, err)

	single, batch := again.embedder.Calls()
	assert.Zero(t, single)
	assert.Zero(t, batch)
	assert.Zero(t, again.reranker.Calls())
	assert.Equal(t, 9, second.Resumed)
	assert.Equal(t, first.RunKey, second.RunKey)
	assert.Equal(t, first.Ranked, second.Ranked)
}

func TestRunRebuildsIndexWhenDimensionsChange(t *testing.T) {
	dir := t.TempDir()
	indexPath := filepath.Join(dir, "corpus")
	logger := zaptest.NewLogger(t)
	// A cache shared by both runs, like a Redis or Badger one.
	shared := cache.NewMemory(100)

	run := func(dim int) *Result {
		t.Helper()
		embedder := &providertest.Embedder{Vocabulary: vocabulary, Dim: dim}
		reranker := &providertest.Reranker{Vocabulary: vocabulary}
		engine, err := retrieval.New(context.Background(), retrieval.Config{Workers: 1},
			providertest.Factory(embedder, reranker), shared, metrics.NewNop(), logger)
		require.NoError(t, err)

		res, err := New(engine, &index.Store{Path: indexPath, Logger: logger}, nil, logger).
			Run(context.Background(), description(), records(), config())
		require.NoError(t, err)
		require.True(t, res.Complete())
		return res
	}

	wide := run(16)
	narrow := run(8)

	idx, err := index.Load(indexPath)
	require.NoError(t, err)
	assert.Equal(t, 8, idx.Dimension())
	assert.NotEqual(t, wide.RunKey, narrow.RunKey)
	assert.Equal(t, ids(wide.Ranked), ids(narrow.Ranked))
}

func TestRunResumesAfterCancel(t *testing.T) {
	reference, err := newFixture(t, "", nil).orchestrator.Run(context.Background(), description(), records(), config())
	require.NoError(t, err)

	cp := checkpoint.NewMemory()
	f := newFixture(t, "", cp)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.reranker.OnCall = func(n int) {
		if n == 3 {
			cancel()
		}
	}

	interrupted, err := f.orchestrator.Run(ctx, description(), records(), config())
	require.NoError(t, err)
	assert.True(t, interrupted.Cancelled)
	assert.Len(t, interrupted.Pending, 6)
	assert.False(t, interrupted.Complete())
	for _, owner := range []string{"alice", "bob", "carol"} {
		assert.True(t, interrupted.Scores[owner].Partial, owner)
	}

	f.reranker.OnCall = nil
	resumed, err := f.orchestrator.Run(context.Background(), description(), records(), config())
	require.NoError(t, err)
	assert.True(t, resumed.Complete())
	assert.Equal(t, 3, resumed.Resumed)
	assert.Equal(t, 9, f.reranker.Calls())
	assert.Equal(t, reference.Ranked, resumed.Ranked)
	assert.Equal(t, reference.Scores, resumed.Scores)
}

func TestRunMarksPartialScores(t *testing.T) {
	f := newFixture(t, "", nil)
	f.reranker.Fail = func(query string, texts []string) error {
		for _, text := range texts {
			if strings.Contains(text, "operators") {
				return provider.Permanent("fake", "rerank", errors.New("rejected"))
			}
		}
		return nil
	}

	res, err := f.orchestrator.Run(context.Background(), description(), records(), config())
	require.NoError(t, err)

	assert.Equal(t, 3, res.Failed())
	assert.False(t, res.Complete())
	assert.True(t, res.Scores["carol"].Partial)
	assert.False(t, res.Scores["alice"].Partial)
	assert.Equal(t, []string{"alice"}, ids(res.Ranked))
}

func TestRunEmptyCorpus(t *testing.T) {
	f := newFixture(t, "", nil)

	res, err := f.orchestrator.Run(context.Background(), description(), candidate.Records{{ID: "dave"}}, config())
	require.NoError(t, err)
	assert.Empty(t, res.Ranked)
	assert.Contains(t, res.Scores, "dave")

	single, batch := f.embedder.Calls()
	assert.Zero(t, single+batch)
}

func TestRunWithoutRequirements(t *testing.T) {
	f := newFixture(t, "", nil)

	_, err := f.orchestrator.Run(context.Background(), &job.Description{Title: "empty"}, records(), config())
	assert.ErrorIs(t, err, job.ErrNoRequirements)
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, config().Validate())

	cases := map[string]func(*Config){
		"negative top_k": func(c *Config) { c.TopK = -1 },
		"negative top_n": func(c *Config) { c.TopN = -3 },
		"unknown mode":   func(c *Config) { c.Mode = "hybrid" },
		"zero weights":   func(c *Config) { c.Weights = scoring.Weights{} },
		"unknown metric": func(c *Config) { c.Metric = index.Metric(7) },
	}
	for name, mutate := range cases {
		cfg := config()
		mutate(&cfg)
		assert.ErrorIs(t, cfg.Validate(), ErrConfig, name)
	}

	cfg := config()
	cfg.Weights.NiceToHave = -1
	assert.ErrorIs(t, cfg.Validate(), scoring.ErrConfig)
}

func TestRank(t *testing.T) {
	scores := map[string]scoring.CandidateScore{
		"b": {OwnerID: "b", Score: 0.4},
		"a": {OwnerID: "a", Score: 0.4},
		"c": {OwnerID: "c", Score: 0.9},
		"d": {OwnerID: "d", Score: 0},
		"e": {OwnerID: "e", Score: -0.1},
	}

	assert.Equal(t, []string{"c", "a", "b"}, ids(Rank(scores, 0)))
	assert.Equal(t, []string{"c", "a"}, ids(Rank(scores, 2)))
	assert.Empty(t, Rank(nil, 5))
}
