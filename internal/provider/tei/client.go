// Package tei talks to a Hugging Face text-embeddings-inference server, which
// serves both bi-encoder embeddings and cross-encoder reranking.
package tei

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/emirks/applications-of-llms-in-recruitment/internal/provider"
	"github.com/emirks/applications-of-llms-in-recruitment/internal/utils"
)

const (
	name        = "tei"
	contentType = "application/json"
	userAgent   = "resume-matcher"

	defaultTimeout   = 30 * time.Second
	maxErrorBodySize = 4096
	maxLogLength     = 200
)

// Client is a text-embeddings-inference client. It satisfies both
// provider.Embedder and provider.Reranker.
type Client struct {
	baseURL    string
	model      string
	token      string
	dim        atomic.Int64
	logger     *zap.Logger
	HTTPClient *http.Client
}

var (
	_ provider.Embedder = (*Client)(nil)
	_ provider.Reranker = (*Client)(nil)
)

// Option configures a Client.
type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.HTTPClient = c }
}

// WithModel sets the reported model name. TEI serves one model per server, so
// this is informational and only feeds cache keys and logs.
func WithModel(model string) Option {
	return func(cl *Client) { cl.model = strings.TrimSpace(model) }
}

// WithDimensions declares the embedding size up front.
func WithDimensions(dim int) Option {
	return func(cl *Client) { cl.dim.Store(int64(dim)) }
}

// WithToken sets a bearer token for servers behind an auth proxy or HF endpoints.
func WithToken(token string) Option {
	return func(cl *Client) { cl.token = strings.TrimSpace(token) }
}

func WithLogger(logger *zap.Logger) Option {
	return func(cl *Client) { cl.logger = logger }
}

// New creates a client for the server at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("tei base url is required")
	}

	c := &Client{
		baseURL:    baseURL,
		model:      name,
		logger:     zap.NewNop(),
		HTTPClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

func (c *Client) Model() string { return c.model }

// Dimensions returns the declared size, or the size seen in the last response.
func (c *Client) Dimensions() int { return int(c.dim.Load()) }

type embedRequest struct {
	Inputs   []string `json:"inputs"`
	Truncate bool     `json:"truncate"`
}

type rerankRequest struct {
	Query     string   `json:"query"`
	Texts     []string `json:"texts"`
	RawScores bool     `json:"raw_scores"`
	Truncate  bool     `json:"truncate"`
}

type rerankItem struct {
	Index int     `json:"index"`
	Score float64 `json:"score"`
}

type errorResponse struct {
	Error     string `json:"error"`
	ErrorType string `json:"error_type"`
}

func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, provider.Permanent(name, "embed", provider.ErrEmptyInput)
	}

	var vecs [][]float32
	if err := c.postJSON(ctx, "embed", "/embed", embedRequest{Inputs: texts, Truncate: true}, &vecs); err != nil {
		return nil, err
	}

	if len(vecs) != len(texts) {
		return nil, provider.Permanent(name, "embed", fmt.Errorf("got %d embeddings for %d inputs", len(vecs), len(texts)))
	}

	dim := len(vecs[0])
	for i, v := range vecs {
		if len(v) != dim || dim == 0 {
			return nil, provider.Permanent(name, "embed", fmt.Errorf("embedding %d has dimension %d, expected %d", i, len(v), dim))
		}
	}
	c.dim.Store(int64(dim))

	return vecs, nil
}

// Rerank returns raw (pre-sigmoid) cross-encoder scores in input order.
func (c *Client) Rerank(ctx context.Context, query string, texts []string) ([]float64, error) {
	if len(texts) == 0 {
		return nil, provider.Permanent(name, "rerank", provider.ErrEmptyInput)
	}

	var items []rerankItem
	req := rerankRequest{Query: query, Texts: texts, RawScores: true, Truncate: true}
	if err := c.postJSON(ctx, "rerank", "/rerank", req, &items); err != nil {
		return nil, err
	}

	scores := make([]float64, len(texts))
	seen := make([]bool, len(texts))
	for _, item := range items {
		if item.Index < 0 || item.Index >= len(texts) || seen[item.Index] {
			return nil, provider.Permanent(name, "rerank", fmt.Errorf("unexpected rerank index %d for %d texts", item.Index, len(texts)))
		}
		scores[item.Index] = item.Score
		seen[item.Index] = true
	}
	for i, ok := range seen {
		if !ok {
			return nil, provider.Permanent(name, "rerank", fmt.Errorf("missing score for text %d", i))
		}
	}

	return scores, nil
}

func (c *Client) postJSON(ctx context.Context, op, path string, body, target any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return provider.Permanent(name, op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return provider.Permanent(name, op, err)
	}
	req = c.setHeaders(req)

	c.logger.Debug("make request", zap.String("url", req.URL.String()), zap.Int("body_size", len(payload)))

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return provider.FromTransport(name, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		return provider.FromStatus(name, op, resp.StatusCode, errors.New(describeError(resp.Status, data)))
	}

	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		return provider.Permanent(name, op, fmt.Errorf("decoding response: %w", err))
	}

	return nil
}

func (c *Client) setHeaders(req *http.Request) *http.Request {
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", contentType)
	req.Header.Set("User-Agent", userAgent)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req
}

func describeError(status string, body []byte) string {
	var e errorResponse
	if err := json.Unmarshal(body, &e); err == nil && e.Error != "" {
		if e.ErrorType != "" {
			return fmt.Sprintf("bad status: %s: %s (%s)", status, e.Error, e.ErrorType)
		}
		return fmt.Sprintf("bad status: %s: %s", status, e.Error)
	}
	if text := utils.TruncateForLog(string(body), maxLogLength); text != "" {
		return fmt.Sprintf("bad status: %s: %s", status, text)
	}
	return fmt.Sprintf("bad status: %s", status)
}
