// Package providertest provides deterministic in-memory providers for tests.
// Texts are compared by the vocabulary words they contain.
package providertest

import (
	"context"
	"strings"
	"sync"

	"github.com/emirks/applications-of-llms-in-recruitment/internal/provider"
)

// Words extracts the vocabulary words of text, lower-cased.
func Words(vocabulary []string, text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, word := range strings.Fields(strings.ToLower(text)) {
		word = strings.Trim(word, ":;,.()-")
		for _, v := range vocabulary {
			if word == v {
				set[word] = struct{}{}
			}
		}
	}
	return set
}

// Embedder maps a text to one component per vocabulary word plus a constant
// bias component.
type Embedder struct {
	Vocabulary []string
	// Dim pads vectors with zeros up to Dim components when it is larger
	// than the vocabulary plus bias.
	Dim int
	// Fail, when set, may reject a call.
	Fail func(texts []string) error

	mu         sync.Mutex
	calls      int
	batchCalls int
}

func (e *Embedder) vector(text string) []float32 {
	vec := make([]float32, e.Dimensions())
	words := Words(e.Vocabulary, text)
	for i, v := range e.Vocabulary {
		if _, ok := words[v]; ok {
			vec[i] = 1
		}
	}
	vec[len(e.Vocabulary)] = 0.1
	return vec
}

func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()

	if e.Fail != nil {
		if err := e.Fail([]string{text}); err != nil {
			return nil, err
		}
	}
	return e.vector(text), nil
}

func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	e.batchCalls++
	e.mu.Unlock()

	if e.Fail != nil {
		if err := e.Fail(texts); err != nil {
			return nil, err
		}
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = e.vector(text)
	}
	return out, nil
}

func (e *Embedder) Dimensions() int { return max(e.Dim, len(e.Vocabulary)+1) }

func (e *Embedder) Model() string { return "vocabulary" }

// Calls returns the number of single and batch embedding calls.
func (e *Embedder) Calls() (single, batch int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls, e.batchCalls
}

// Reranker scores 4 per vocabulary word shared with the query, minus 1.
type Reranker struct {
	Vocabulary []string
	Fail       func(query string, texts []string) error
	// OnCall runs before every call with the 1-based call number.
	OnCall func(n int)

	mu    sync.Mutex
	calls int
}

func (r *Reranker) Rerank(ctx context.Context, query string, texts []string) ([]float64, error) {
	r.mu.Lock()
	r.calls++
	n := r.calls
	r.mu.Unlock()

	if r.OnCall != nil {
		r.OnCall(n)
	}
	if r.Fail != nil {
		if err := r.Fail(query, texts); err != nil {
			return nil, err
		}
	}

	queryWords := Words(r.Vocabulary, query)
	scores := make([]float64, len(texts))
	for i, text := range texts {
		shared := 0
		for w := range Words(r.Vocabulary, text) {
			if _, ok := queryWords[w]; ok {
				shared++
			}
		}
		scores[i] = 4*float64(shared) - 1
	}
	return scores, nil
}

func (r *Reranker) Model() string { return "vocabulary-overlap" }

// Calls returns the number of rerank calls.
func (r *Reranker) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

// Factory hands the same pair of fakes to every worker.
func Factory(e *Embedder, r *Reranker) provider.Factory {
	return func(ctx context.Context, worker int) (provider.Set, error) {
		return provider.Set{Embedder: e, Reranker: r}, nil
	}
}
