// Package gemini provides a Gemini embedder and an LLM based relevance
// reranker on top of the Google GenAI SDK.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/emirks/applications-of-llms-in-recruitment/internal/provider"
)

const (
	name = "gemini"

	defaultEmbedModel    = "gemini-embedding-001"
	defaultRerankModel   = "gemini-2.5-flash"
	defaultMaxLogLength  = 200
	defaultEmbedTaskType = "SEMANTIC_SIMILARITY"
)

// modelsAPI is the part of genai.Models used here.
type modelsAPI interface {
	EmbedContent(ctx context.Context, model string, contents []*genai.Content, config *genai.EmbedContentConfig) (*genai.EmbedContentResponse, error)
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Config configures the Gemini clients.
type Config struct {
	APIKey       string
	EmbedModel   string
	RerankModel  string
	Dimensions   int
	MaxLogLength int
}

// Client wraps one genai client; create one per worker.
type Client struct {
	models modelsAPI
	cfg    Config
	logger *zap.Logger
}

// New creates a client configured for the Gemini API backend.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("gemini api key is required")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}

	return newClient(client.Models, cfg, logger), nil
}

func newClient(models modelsAPI, cfg Config, logger *zap.Logger) *Client {
	if cfg.EmbedModel = strings.TrimSpace(cfg.EmbedModel); cfg.EmbedModel == "" {
		cfg.EmbedModel = defaultEmbedModel
	}
	if cfg.RerankModel = strings.TrimSpace(cfg.RerankModel); cfg.RerankModel == "" {
		cfg.RerankModel = defaultRerankModel
	}
	if cfg.MaxLogLength <= 0 {
		cfg.MaxLogLength = defaultMaxLogLength
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{models: models, cfg: cfg, logger: logger}
}

// Embedder exposes the client as a provider.Embedder.
func (c *Client) Embedder() provider.Embedder {
	return &Embedder{client: c}
}

// Reranker exposes the client as a provider.Reranker.
func (c *Client) Reranker() provider.Reranker {
	return &Reranker{client: c}
}

// classify maps SDK errors onto the provider error contract.
func classify(op string, err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return provider.FromStatus(name, op, apiErr.Code, err)
	}

	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return provider.FromStatus(name, op, apiErrPtr.Code, err)
	}

	return provider.FromTransport(name, op, err)
}
