// Package scoring turns per-requirement match results into one ranking score
// per candidate.
package scoring

import (
	"errors"
	"fmt"
	"math"

	"github.com/emirks/applications-of-llms-in-recruitment/internal/job"
	"github.com/emirks/applications-of-llms-in-recruitment/internal/retrieval"
)

const (
	// RelevanceThreshold is the normalized score a match must exceed to count
	// as covering its requirement.
	RelevanceThreshold = 0.5
	// MustHaveGate is the must-have coverage below which a candidate scores 0.
	MustHaveGate = 0.3
	// StatementCoverageFloor is the lowest statement coverage multiplier for
	// a candidate with at least one statement.
	StatementCoverageFloor = 0.2
)

// ErrConfig is returned for unusable weights.
var ErrConfig = errors.New("invalid scoring configuration")

// Weights balance the two requirement categories.
type Weights struct {
	MustHave   float64 `json:"must_have" mapstructure:"must_have" validate:"gte=0"`
	NiceToHave float64 `json:"nice_to_have" mapstructure:"nice_to_have" validate:"gte=0"`
}

// DefaultWeights favour must-have requirements 70/30.
func DefaultWeights() Weights {
	return Weights{MustHave: 0.7, NiceToHave: 0.3}
}

// Validate rejects negative, non-finite or all-zero weights.
func (w Weights) Validate() error {
	for name, v := range map[string]float64{"must_have": w.MustHave, "nice_to_have": w.NiceToHave} {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return fmt.Errorf("%w: weight %s must be a non-negative number, got %v", ErrConfig, name, v)
		}
	}
	if w.MustHave == 0 && w.NiceToHave == 0 {
		return fmt.Errorf("%w: at least one weight must be positive", ErrConfig)
	}
	return nil
}

// CandidateScore is the aggregated result for one candidate.
type CandidateScore struct {
	OwnerID            string  `json:"owner_id"`
	Score              float64 `json:"score"`
	MustHaveCoverage   float64 `json:"must_have_coverage"`
	NiceToHaveCoverage float64 `json:"nice_to_have_coverage"`
	// StatementCoverage is the multiplier applied to the score.
	StatementCoverage float64 `json:"statement_coverage"`
	MatchedStatements int     `json:"matched_statements"`
	TotalStatements   int     `json:"total_statements"`
	// Partial is set when work concerning this candidate failed or never
	// ran, so the score may be lower than a complete run would give.
	Partial bool `json:"partial,omitempty"`
}

// Aggregate scores every candidate found in matches or totals. A missing
// (requirement, candidate) pair contributes nothing; matches for
// requirements not in reqs are ignored.
func Aggregate(reqs []job.Requirement, matches map[string][]retrieval.MatchResult, totals map[string]int, w Weights) (map[string]CandidateScore, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}

	kinds := make(map[string]job.Kind, len(reqs))
	var mustHaveCount, niceToHaveCount int
	for _, r := range reqs {
		if _, dup := kinds[r.Text]; dup {
			continue
		}
		kinds[r.Text] = r.Kind
		if r.Kind == job.MustHave {
			mustHaveCount++
		} else {
			niceToHaveCount++
		}
	}

	scores := make(map[string]CandidateScore, len(totals))
	for owner, total := range totals {
		scores[owner] = score(owner, matches[owner], total, kinds, mustHaveCount, niceToHaveCount, w)
	}
	for owner, results := range matches {
		if _, ok := scores[owner]; !ok {
			scores[owner] = score(owner, results, 0, kinds, mustHaveCount, niceToHaveCount, w)
		}
	}
	return scores, nil
}

func score(owner string, results []retrieval.MatchResult, total int, kinds map[string]job.Kind, mustHaveCount, niceToHaveCount int, w Weights) CandidateScore {
	var mustHave, niceToHave []float64
	var mustHaveCovered, niceToHaveCovered int
	matched := make(map[string]struct{})
	seen := make(map[string]struct{})

	for _, res := range results {
		kind, ok := kinds[res.Requirement.Text]
		if !ok {
			continue
		}
		if _, dup := seen[res.Requirement.Text]; dup {
			continue
		}
		seen[res.Requirement.Text] = struct{}{}

		covered := res.BestScore > RelevanceThreshold
		if kind == job.MustHave {
			mustHave = append(mustHave, res.BestScore)
			if covered {
				mustHaveCovered++
			}
		} else {
			niceToHave = append(niceToHave, res.BestScore)
			if covered {
				niceToHaveCovered++
			}
		}

		for _, s := range res.Ranked {
			if s.Score > RelevanceThreshold {
				matched[res.Requirement.Text+"\x00"+s.Statement.Key()] = struct{}{}
			}
		}
	}

	cs := CandidateScore{OwnerID: owner, TotalStatements: total}

	// Without must-have requirements the gate has nothing to test.
	mustHaveCoverage := 1.0
	if mustHaveCount > 0 {
		mustHaveCoverage = float64(mustHaveCovered) / float64(mustHaveCount)
	}
	if mustHaveCoverage < MustHaveGate {
		return cs
	}
	niceToHaveCoverage := float64(niceToHaveCovered) / float64(max(niceToHaveCount, 1))

	multiplier := 0.0
	if total > 0 {
		multiplier = max(StatementCoverageFloor, min(1, float64(len(matched))/float64(total)))
	}

	cs.MustHaveCoverage = mustHaveCoverage
	cs.NiceToHaveCoverage = niceToHaveCoverage
	cs.StatementCoverage = multiplier
	cs.MatchedStatements = len(matched)
	cs.Score = (mean(mustHave)*mustHaveCoverage*w.MustHave + mean(niceToHave)*niceToHaveCoverage*w.NiceToHave) * multiplier
	return cs
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
