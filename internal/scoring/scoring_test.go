package scoring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emirks/applications-of-llms-in-recruitment/internal/candidate"
	"github.com/emirks/applications-of-llms-in-recruitment/internal/job"
	"github.com/emirks/applications-of-llms-in-recruitment/internal/retrieval"
)

func must(text string) job.Requirement {
	return job.Requirement{Text: text, Kind: job.MustHave}
}

func nice(text string) job.Requirement {
	return job.Requirement{Text: text, Kind: job.NiceToHave}
}

// result builds a match whose ranked statements carry the given scores, in
// order, as statements 0..n-1 of owner.
func result(req job.Requirement, owner string, scores ...float64) retrieval.MatchResult {
	res := retrieval.MatchResult{Requirement: req, OwnerID: owner}
	for i, s := range scores {
		res.Ranked = append(res.Ranked, retrieval.ScoredStatement{
			Statement: candidate.Statement{Text: "statement", OwnerID: owner, Seq: i},
			Score:     s,
		})
	}
	if len(scores) > 0 {
		res.BestScore = scores[0]
	}
	return res
}

func TestWeightsValidate(t *testing.T) {
	require.NoError(t, DefaultWeights().Validate())
	require.NoError(t, Weights{MustHave: 1}.Validate())

	for _, w := range []Weights{{}, {MustHave: -0.1, NiceToHave: 1}, {MustHave: 1, NiceToHave: -1}} {
		assert.ErrorIs(t, w.Validate(), ErrConfig, "%+v", w)
	}
}

func TestAggregateWorkedExample(t *testing.T) {
	python, sql := must("Python experience"), must("SQL experience")
	reqs := []job.Requirement{python, sql}

	matches := map[string][]retrieval.MatchResult{
		"A": {result(python, "A", 0.9, 0.1)},
	}
	totals := map[string]int{"A": 10, "B": 10}

	scores, err := Aggregate(reqs, matches, totals, Weights{MustHave: 0.7, NiceToHave: 0.3})
	require.NoError(t, err)

	a := scores["A"]
	assert.InDelta(t, 0.5, a.MustHaveCoverage, 1e-12)
	assert.InDelta(t, 0.0, a.NiceToHaveCoverage, 1e-12)
	assert.InDelta(t, 0.2, a.StatementCoverage, 1e-12)
	assert.Equal(t, 1, a.MatchedStatements)
	assert.InDelta(t, 0.063, a.Score, 1e-12)

	assert.Equal(t, CandidateScore{OwnerID: "B", TotalStatements: 10}, scores["B"])
}

func TestAggregateGate(t *testing.T) {
	reqs := []job.Requirement{must("a"), must("b"), must("c"), must("d"), nice("e")}

	// One covered must-have out of four is below the gate even though the
	// match itself is excellent.
	matches := map[string][]retrieval.MatchResult{
		"gated": {
			result(reqs[0], "gated", 0.99),
			result(reqs[1], "gated", 0.4),
			result(reqs[4], "gated", 0.95),
		},
	}

	scores, err := Aggregate(reqs, matches, map[string]int{"gated": 3}, DefaultWeights())
	require.NoError(t, err)

	got := scores["gated"]
	assert.Zero(t, got.Score)
	assert.Zero(t, got.MustHaveCoverage)
	assert.Zero(t, got.NiceToHaveCoverage)
	assert.Zero(t, got.StatementCoverage)
}

func TestAggregateStatementCoverage(t *testing.T) {
	req := must("a")
	reqs := []job.Requirement{req}

	t.Run("floor", func(t *testing.T) {
		scores, err := Aggregate(reqs, map[string][]retrieval.MatchResult{"x": {result(req, "x", 0.8)}}, map[string]int{"x": 100}, DefaultWeights())
		require.NoError(t, err)
		assert.InDelta(t, StatementCoverageFloor, scores["x"].StatementCoverage, 1e-12)
		assert.InDelta(t, 0.8*1*0.7*0.2, scores["x"].Score, 1e-12)
	})

	t.Run("ratio", func(t *testing.T) {
		scores, err := Aggregate(reqs, map[string][]retrieval.MatchResult{"x": {result(req, "x", 0.8, 0.7, 0.6, 0.2)}}, map[string]int{"x": 5}, DefaultWeights())
		require.NoError(t, err)
		assert.Equal(t, 3, scores["x"].MatchedStatements)
		assert.InDelta(t, 0.6, scores["x"].StatementCoverage, 1e-12)
	})

	t.Run("clamped", func(t *testing.T) {
		scores, err := Aggregate(reqs, map[string][]retrieval.MatchResult{"x": {result(req, "x", 0.8, 0.7)}}, map[string]int{"x": 1}, DefaultWeights())
		require.NoError(t, err)
		assert.InDelta(t, 1.0, scores["x"].StatementCoverage, 1e-12)
	})

	t.Run("no statements", func(t *testing.T) {
		scores, err := Aggregate(reqs, map[string][]retrieval.MatchResult{"x": {result(req, "x", 0.8)}}, nil, DefaultWeights())
		require.NoError(t, err)
		assert.Zero(t, scores["x"].StatementCoverage)
		assert.Zero(t, scores["x"].Score)
	})
}

func TestAggregateMissingIsNotZero(t *testing.T) {
	a, b := must("a"), must("b")
	reqs := []job.Requirement{a, b}
	totals := map[string]int{"x": 2}

	// A present result at or below the threshold still enters the mean; a
	// missing one does not.
	absent, err := Aggregate(reqs, map[string][]retrieval.MatchResult{"x": {result(a, "x", 0.9)}}, totals, DefaultWeights())
	require.NoError(t, err)
	present, err := Aggregate(reqs, map[string][]retrieval.MatchResult{"x": {result(a, "x", 0.9), result(b, "x", 0.1)}}, totals, DefaultWeights())
	require.NoError(t, err)

	assert.Equal(t, absent["x"].MustHaveCoverage, present["x"].MustHaveCoverage)
	assert.InDelta(t, 0.9*0.5*0.7*0.5, absent["x"].Score, 1e-12)
	assert.InDelta(t, 0.5*0.5*0.7*0.5, present["x"].Score, 1e-12)
}

func TestAggregateWithoutMustHaves(t *testing.T) {
	req := nice("a")
	scores, err := Aggregate([]job.Requirement{req}, map[string][]retrieval.MatchResult{"x": {result(req, "x", 0.6)}}, map[string]int{"x": 1}, DefaultWeights())
	require.NoError(t, err)

	assert.InDelta(t, 1.0, scores["x"].MustHaveCoverage, 1e-12)
	assert.InDelta(t, 1.0, scores["x"].NiceToHaveCoverage, 1e-12)
	assert.InDelta(t, 0.6*0.3, scores["x"].Score, 1e-12)
}

func TestAggregateIgnoresUnknownRequirements(t *testing.T) {
	req := must("a")
	matches := map[string][]retrieval.MatchResult{"x": {result(must("other"), "x", 0.9)}}

	scores, err := Aggregate([]job.Requirement{req}, matches, map[string]int{"x": 4}, DefaultWeights())
	require.NoError(t, err)
	assert.Zero(t, scores["x"].Score)
}

func TestAggregateRejectsWeights(t *testing.T) {
	_, err := Aggregate(nil, nil, nil, Weights{})
	assert.ErrorIs(t, err, ErrConfig)
}
