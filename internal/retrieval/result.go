package retrieval

import (
	"math"

	"github.com/emirks/applications-of-llms-in-recruitment/internal/candidate"
	"github.com/emirks/applications-of-llms-in-recruitment/internal/job"
)

// ScoredStatement is a retrieved statement with its normalized rerank score.
type ScoredStatement struct {
	Statement candidate.Statement `json:"statement" msgpack:"statement"`
	Score     float64             `json:"score" msgpack:"score"`
}

// MatchResult is the evidence one candidate offers for one requirement.
type MatchResult struct {
	Requirement job.Requirement `json:"requirement" msgpack:"requirement"`
	OwnerID     string          `json:"owner_id" msgpack:"owner_id"`
	// Ranked is sorted by score descending; ties keep retrieval order.
	Ranked    []ScoredStatement `json:"ranked" msgpack:"ranked"`
	BestScore float64           `json:"best_score" msgpack:"best_score"`
}

// Top returns at most n of the best ranked statements.
func (m MatchResult) Top(n int) []ScoredStatement {
	if n < 0 || n > len(m.Ranked) {
		n = len(m.Ranked)
	}
	return m.Ranked[:n]
}

var (
	normalizedMax = math.Nextafter(1, 0)
	normalizedMin = math.Nextafter(-1, 0)
)

// Normalize maps an unbounded reranker score into (-1, 1). The mapping is
// increasing, strictly so until float64 saturates, and 0 maps to 0.
func Normalize(raw float64) float64 {
	n := 2/(1+math.Exp(-raw/2)) - 1
	return min(max(n, normalizedMin), normalizedMax)
}
