// Package openai embeds statements through the OpenAI embeddings API or any
// compatible endpoint.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/emirks/applications-of-llms-in-recruitment/internal/provider"
)

const (
	name         = "openai"
	defaultModel = "text-embedding-3-small"
	maxBatch     = 2048
)

// Embedder implements provider.Embedder on top of the official SDK.
type Embedder struct {
	client *openai.Client
	model  string
	dim    int
}

var _ provider.Embedder = (*Embedder)(nil)

// Config configures an Embedder.
type Config struct {
	APIKey     string
	Model      string
	Dimensions int
	BaseURL    string
	HTTPClient *http.Client
}

// New creates an embedder. SDK level retries are disabled; the retrieval
// engine owns retry policy.
func New(cfg Config) (*Embedder, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("openai api key is required")
	}

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModel
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	client := openai.NewClient(opts...)

	return &Embedder{client: &client, model: model, dim: cfg.Dimensions}, nil
}

func (e *Embedder) Model() string { return e.model }

func (e *Embedder) Dimensions() int { return e.dim }

func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch splits large inputs into API sized requests.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, provider.Permanent(name, "embed", provider.ErrEmptyInput)
	}

	result := make([][]float32, len(texts))
	for i := 0; i < len(texts); i += maxBatch {
		end := min(i+maxBatch, len(texts))

		vecs, err := e.call(ctx, texts[i:end])
		if err != nil {
			return nil, err
		}
		copy(result[i:], vecs)
	}

	return result, nil
}

func (e *Embedder) call(ctx context.Context, texts []string) ([][]float32, error) {
	params := openai.EmbeddingNewParams{
		Model:          e.model,
		Input:          openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		EncodingFormat: openai.EmbeddingNewParamsEncodingFormatFloat,
	}
	if e.dim > 0 {
		params.Dimensions = openai.Int(int64(e.dim))
	}

	resp, err := e.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, classify(err)
	}

	vecs := make([][]float32, len(texts))
	for _, item := range resp.Data {
		idx := item.Index
		if idx < 0 || idx >= int64(len(texts)) {
			return nil, provider.Permanent(name, "embed", fmt.Errorf("unexpected embedding index %d for batch size %d", idx, len(texts)))
		}
		vec := make([]float32, len(item.Embedding))
		for j, v := range item.Embedding {
			vec[j] = float32(v)
		}
		vecs[idx] = vec
	}

	for i, v := range vecs {
		if v == nil {
			return nil, provider.Permanent(name, "embed", fmt.Errorf("missing embedding for index %d", i))
		}
	}

	return vecs, nil
}

func classify(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return provider.FromStatus(name, "embed", apiErr.StatusCode, err)
	}
	return provider.FromTransport(name, "embed", err)
}
