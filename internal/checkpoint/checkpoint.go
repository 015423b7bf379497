// Package checkpoint remembers which (requirement, candidate) pairs a run has
// finished so that an interrupted run resumes where it stopped.
package checkpoint

import (
	"cmp"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"
	"sync"

	"github.com/emirks/applications-of-llms-in-recruitment/internal/job"
	"github.com/emirks/applications-of-llms-in-recruitment/internal/retrieval"
)

// Store persists run progress. Implementations are safe for concurrent use.
type Store interface {
	// Load returns a snapshot of everything recorded under runKey.
	Load(ctx context.Context, runKey string) (*State, error)
	// SaveSearch records that req was searched and which candidates
	// received statements.
	SaveSearch(ctx context.Context, runKey string, req job.Requirement, owners []string) error
	// SavePair records a finished pair. A nil result means the candidate
	// had no evidence for the requirement.
	SavePair(ctx context.Context, runKey string, req job.Requirement, owner string, res *retrieval.MatchResult) error
	Close() error
}

// RunKey identifies runs whose results are interchangeable.
func RunKey(fingerprint string, mode retrieval.Mode, topK int, embedModel string, embedDim int, rerankModel string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%d\x00%s\x00%d\x00%s", fingerprint, mode, max(topK, 0), embedModel, embedDim, rerankModel)
	return hex.EncodeToString(h.Sum(nil))
}

type pair struct {
	requirement string
	owner       string
}

// State is the recorded progress of one run key.
type State struct {
	searched map[string][]string
	pairs    map[pair]*retrieval.MatchResult
}

// NewState returns an empty state.
func NewState() *State {
	return &State{
		searched: make(map[string][]string),
		pairs:    make(map[pair]*retrieval.MatchResult),
	}
}

// RequirementDone reports whether the requirement was searched and every
// candidate it retrieved has been finished.
func (s *State) RequirementDone(requirement string) bool {
	owners, ok := s.searched[requirement]
	if !ok {
		return false
	}
	for _, owner := range owners {
		if !s.PairDone(requirement, owner) {
			return false
		}
	}
	return true
}

// PairDone reports whether the pair was finished.
func (s *State) PairDone(requirement, owner string) bool {
	_, ok := s.pairs[pair{requirement, owner}]
	return ok
}

// Len is the number of finished pairs.
func (s *State) Len() int {
	return len(s.pairs)
}

// Matches returns the recorded results of reqs grouped by candidate, in
// requirement order.
func (s *State) Matches(reqs []job.Requirement) map[string][]retrieval.MatchResult {
	order := make(map[string]int, len(reqs))
	for i, r := range reqs {
		if _, ok := order[r.Text]; !ok {
			order[r.Text] = i
		}
	}

	out := make(map[string][]retrieval.MatchResult)
	for key, res := range s.pairs {
		if res == nil {
			continue
		}
		if _, ok := order[key.requirement]; !ok {
			continue
		}
		out[key.owner] = append(out[key.owner], *res)
	}
	for _, results := range out {
		slices.SortFunc(results, func(a, b retrieval.MatchResult) int {
			return cmp.Compare(order[a.Requirement.Text], order[b.Requirement.Text])
		})
	}
	return out
}

func (s *State) search(requirement string, owners []string) {
	s.searched[requirement] = slices.Clone(owners)
}

func (s *State) finish(requirement, owner string, res *retrieval.MatchResult) {
	s.pairs[pair{requirement, owner}] = res
}

func (s *State) clone() *State {
	c := NewState()
	for k, v := range s.searched {
		c.searched[k] = slices.Clone(v)
	}
	for k, v := range s.pairs {
		c.pairs[k] = v
	}
	return c
}

// Memory keeps progress for the life of the process.
type Memory struct {
	mu   sync.Mutex
	runs map[string]*State
}

func NewMemory() *Memory {
	return &Memory{runs: make(map[string]*State)}
}

func (m *Memory) Load(_ context.Context, runKey string) (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if st, ok := m.runs[runKey]; ok {
		return st.clone(), nil
	}
	return NewState(), nil
}

func (m *Memory) SaveSearch(_ context.Context, runKey string, req job.Requirement, owners []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state(runKey).search(req.Text, owners)
	return nil
}

func (m *Memory) SavePair(_ context.Context, runKey string, req job.Requirement, owner string, res *retrieval.MatchResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if res != nil {
		copied := *res
		copied.Ranked = slices.Clone(res.Ranked)
		res = &copied
	}
	m.state(runKey).finish(req.Text, owner, res)
	return nil
}

func (m *Memory) Close() error { return nil }

func (m *Memory) state(runKey string) *State {
	st, ok := m.runs[runKey]
	if !ok {
		st = NewState()
		m.runs[runKey] = st
	}
	return st
}
