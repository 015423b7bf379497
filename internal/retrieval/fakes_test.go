package retrieval

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/emirks/applications-of-llms-in-recruitment/internal/cache"
	"github.com/emirks/applications-of-llms-in-recruitment/internal/candidate"
	"github.com/emirks/applications-of-llms-in-recruitment/internal/index"
	"github.com/emirks/applications-of-llms-in-recruitment/internal/job"
	"github.com/emirks/applications-of-llms-in-recruitment/internal/metrics"
	"github.com/emirks/applications-of-llms-in-recruitment/internal/provider"
)

var vocabulary = []string{"go", "kubernetes", "sql", "python", "aws", "team"}

// wordEmbedder embeds text as vocabulary word counts plus a constant bias
// component, so related texts end up close to each other.
type wordEmbedder struct {
	mu         sync.Mutex
	calls      int
	batchCalls int
	texts      []string
	fail       func(texts []string) error
	dim        int
}

func (e *wordEmbedder) vector(text string) []float32 {
	dim := len(vocabulary) + 1
	if e.dim > 0 {
		dim = e.dim
	}
	vec := make([]float32, dim)
	for _, word := range strings.Fields(strings.ToLower(text)) {
		word = strings.Trim(word, ":,.()-")
		for i, v := range vocabulary {
			if word == v && i < dim {
				vec[i]++
			}
		}
	}
	vec[dim-1] = 0.1
	return vec
}

func (e *wordEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.mu.Lock()
	e.calls++
	e.texts = append(e.texts, text)
	fail := e.fail
	e.mu.Unlock()

	if fail != nil {
		if err := fail([]string{text}); err != nil {
			return nil, err
		}
	}
	return e.vector(text), nil
}

func (e *wordEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	e.batchCalls++
	fail := e.fail
	e.mu.Unlock()

	if fail != nil {
		if err := fail(texts); err != nil {
			return nil, err
		}
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = e.vector(text)
	}
	return out, nil
}

func (e *wordEmbedder) Dimensions() int { return len(vocabulary) + 1 }

func (e *wordEmbedder) Model() string { return "words" }

func (e *wordEmbedder) queryCalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

// overlapReranker scores a text by the vocabulary words it shares with the
// query: 3 per shared word, minus 1.
type overlapReranker struct {
	mu    sync.Mutex
	calls int
	fail  func(query string, texts []string, call int) ([]float64, error)
}

func (r *overlapReranker) Rerank(ctx context.Context, query string, texts []string) ([]float64, error) {
	r.mu.Lock()
	r.calls++
	call := r.calls
	fail := r.fail
	r.mu.Unlock()

	if fail != nil {
		if scores, err := fail(query, texts, call); scores != nil || err != nil {
			return scores, err
		}
	}

	queryWords := words(query)
	scores := make([]float64, len(texts))
	for i, text := range texts {
		shared := 0
		for w := range words(text) {
			if _, ok := queryWords[w]; ok {
				shared++
			}
		}
		scores[i] = 3*float64(shared) - 1
	}
	return scores, nil
}

func (r *overlapReranker) Model() string { return "overlap" }

func (r *overlapReranker) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func words(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, word := range strings.Fields(strings.ToLower(text)) {
		word = strings.Trim(word, ":,.()-")
		for _, v := range vocabulary {
			if word == v {
				set[word] = struct{}{}
			}
		}
	}
	return set
}

func sampleRecords() []candidate.Record {
	return []candidate.Record{
		{
			ID: "alice",
			Skills: []candidate.Skill{
				{Name: "Go", Description: "backend services on kubernetes", Years: 5, Evidence: []string{"migrated billing to go"}},
				{Name: "SQL", Description: "query tuning"},
			},
			PersonalityTraits: []string{"team player"},
		},
		{
			ID: "bob",
			Skills: []candidate.Skill{
				{Name: "Python", Description: "data pipelines on aws", Years: 3},
			},
			Education: []string{"MSc in data engineering"},
		},
		{
			ID:     "carol",
			Skills: []candidate.Skill{{Name: "Kubernetes", Description: "cluster upgrades", Evidence: []string{"ran aws eks for the team"}}},
		},
	}
}

func sampleRequirements() []job.Requirement {
	return []job.Requirement{
		{Text: "Go on kubernetes", Kind: job.MustHave},
		{Text: "SQL", Kind: job.MustHave},
		{Text: "aws experience", Kind: job.NiceToHave},
	}
}

type harness struct {
	engine   *Engine
	embedder *wordEmbedder
	reranker *overlapReranker
	cache    *cache.Memory
	inits    []int
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()

	h := &harness{
		embedder: &wordEmbedder{},
		reranker: &overlapReranker{},
		cache:    cache.NewMemory(100),
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}
	}

	var mu sync.Mutex
	factory := func(ctx context.Context, worker int) (provider.Set, error) {
		mu.Lock()
		h.inits = append(h.inits, worker)
		mu.Unlock()
		return provider.Set{Embedder: h.embedder, Reranker: h.reranker}, nil
	}

	engine, err := New(context.Background(), cfg, factory, h.cache, metrics.NewNop(), zaptest.NewLogger(t))
	require.NoError(t, err)
	h.engine = engine
	return h
}

func (h *harness) build(t *testing.T) *index.Index {
	t.Helper()

	idx, report, err := h.engine.BuildIndex(context.Background(), candidate.BuildCorpus(sampleRecords()), index.InnerProduct)
	require.NoError(t, err)
	require.Empty(t, report.Failures)
	return idx
}

var errUnavailable = errors.New("service unavailable")

func transient() error {
	return provider.FromStatus("fake", "rerank", 503, errUnavailable)
}

func permanent() error {
	return provider.FromStatus("fake", "rerank", 400, errors.New("bad request"))
}

// progress records finished work like a checkpoint store does.
type progress struct {
	mu       sync.Mutex
	searched map[string][]string
	pairs    map[string]*MatchResult
}

func newProgress() *progress {
	return &progress{searched: make(map[string][]string), pairs: make(map[string]*MatchResult)}
}

func (p *progress) RequirementDone(req string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	owners, ok := p.searched[req]
	if !ok {
		return false
	}
	for _, owner := range owners {
		if _, done := p.pairs[req+"\x00"+owner]; !done {
			return false
		}
	}
	return true
}

func (p *progress) PairDone(req, owner string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.pairs[req+"\x00"+owner]
	return ok
}

func (p *progress) onSearch(req job.Requirement, owners []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.searched[req.Text] = owners
	return nil
}

func (p *progress) onPair(req job.Requirement, owner string, res *MatchResult) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pairs[req.Text+"\x00"+owner] = res
	return nil
}

func (p *progress) matches() map[string][]MatchResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string][]MatchResult)
	for _, res := range p.pairs {
		if res != nil {
			out[res.OwnerID] = append(out[res.OwnerID], *res)
		}
	}
	return out
}

func sampleCorpus() []candidate.Statement {
	return candidate.BuildCorpus(sampleRecords())
}
