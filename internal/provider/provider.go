// Package provider defines the embedding and reranking capabilities the
// retrieval engine consumes, and the error contract shared by every backend.
package provider

import "context"

// Embedder turns text into fixed-dimension vectors.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	// EmbedBatch returns one vector per text, in input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	Model() string
}

// Reranker scores how relevant each candidate text is to a query. Scores are
// unbounded and returned in input order.
type Reranker interface {
	Rerank(ctx context.Context, query string, texts []string) ([]float64, error)
	Model() string
}

// Set is the provider clients owned by one worker.
type Set struct {
	Embedder Embedder
	Reranker Reranker
}

// Factory builds a fresh provider set; it is called once per worker.
type Factory func(ctx context.Context, worker int) (Set, error)
