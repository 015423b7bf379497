package gemini

import (
	"context"
	"fmt"

	"google.golang.org/genai"

	"github.com/emirks/applications-of-llms-in-recruitment/internal/provider"
)

// maxBatch is the number of contents the embed endpoint accepts per request.
const maxBatch = 100

// Embedder implements provider.Embedder with the Gemini embedding models.
type Embedder struct {
	client *Client
}

var _ provider.Embedder = (*Embedder)(nil)

func (e *Embedder) Model() string { return e.client.cfg.EmbedModel }

func (e *Embedder) Dimensions() int { return e.client.cfg.Dimensions }

func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, provider.Permanent(name, "embed", provider.ErrEmptyInput)
	}

	cfg := &genai.EmbedContentConfig{TaskType: defaultEmbedTaskType}
	if e.client.cfg.Dimensions > 0 {
		dim := int32(e.client.cfg.Dimensions)
		cfg.OutputDimensionality = &dim
	}

	result := make([][]float32, 0, len(texts))
	for i := 0; i < len(texts); i += maxBatch {
		end := min(i+maxBatch, len(texts))

		contents := make([]*genai.Content, 0, end-i)
		for _, text := range texts[i:end] {
			contents = append(contents, &genai.Content{
				Role:  genai.RoleUser,
				Parts: []*genai.Part{{Text: text}},
			})
		}

		resp, err := e.client.models.EmbedContent(ctx, e.Model(), contents, cfg)
		if err != nil {
			return nil, classify("embed", err)
		}

		if resp == nil || len(resp.Embeddings) != end-i {
			got := 0
			if resp != nil {
				got = len(resp.Embeddings)
			}
			return nil, provider.Permanent(name, "embed", fmt.Errorf("got %d embeddings for %d texts", got, end-i))
		}

		for j, emb := range resp.Embeddings {
			if emb == nil || len(emb.Values) == 0 {
				return nil, provider.Permanent(name, "embed", fmt.Errorf("empty embedding for text %d", i+j))
			}
			result = append(result, emb.Values)
		}
	}

	return result, nil
}
