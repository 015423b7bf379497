package provider

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/emirks/applications-of-llms-in-recruitment/internal/logger"
	"github.com/emirks/applications-of-llms-in-recruitment/internal/metrics"
)

// Guard wraps provider clients with the shared request budget, input checks,
// call metrics and debug logging. One Guard is shared by all workers.
type Guard struct {
	Name    string
	Limiter *rate.Limiter
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

// NewLimiter builds the shared limiter. A non-positive rate disables limiting.
func NewLimiter(perSecond float64, burst int) *rate.Limiter {
	if perSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

// Embedder returns e guarded by g.
func (g *Guard) Embedder(e Embedder) Embedder {
	return &guardedEmbedder{guard: g, next: e}
}

// Reranker returns r guarded by g.
func (g *Guard) Reranker(r Reranker) Reranker {
	return &guardedReranker{guard: g, next: r}
}

func (g *Guard) wait(ctx context.Context, op string) error {
	if g.Limiter == nil {
		return nil
	}
	if err := g.Limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return FromTransport(g.Name, op, ctx.Err())
		}
		return Transient(g.Name, op, fmt.Errorf("rate limiter: %w", err))
	}
	return nil
}

func (g *Guard) observe(op string, start time.Time, err error) {
	outcome := metrics.OutcomeOK
	switch {
	case err == nil:
	case IsTransient(err):
		outcome = metrics.OutcomeTransient
	case IsPermanent(err):
		outcome = metrics.OutcomePermanent
	default:
		outcome = metrics.OutcomeError
	}
	g.Metrics.ObserveProviderCall(g.Name, op, outcome, start)

	if err != nil {
		logger.WithFields(g.Logger).Debug("provider call failed",
			zap.String("op", op),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err),
		)
	}
}

func checkTexts(name, op string, texts []string) error {
	if len(texts) == 0 {
		return Permanent(name, op, ErrEmptyInput)
	}
	for i, t := range texts {
		if strings.TrimSpace(t) == "" {
			return Permanent(name, op, fmt.Errorf("%w: text %d is blank", ErrEmptyInput, i))
		}
	}
	return nil
}

type guardedEmbedder struct {
	guard *Guard
	next  Embedder
}

func (e *guardedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (e *guardedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	const op = "embed"

	if err := checkTexts(e.guard.Name, op, texts); err != nil {
		return nil, err
	}
	if err := e.guard.wait(ctx, op); err != nil {
		return nil, err
	}

	start := time.Now()
	vecs, err := e.next.EmbedBatch(ctx, texts)
	if err == nil && len(vecs) != len(texts) {
		err = Permanent(e.guard.Name, op, fmt.Errorf("got %d embeddings for %d texts", len(vecs), len(texts)))
	}
	e.guard.observe(op, start, err)

	return vecs, err
}

func (e *guardedEmbedder) Dimensions() int { return e.next.Dimensions() }

func (e *guardedEmbedder) Model() string { return e.next.Model() }

type guardedReranker struct {
	guard *Guard
	next  Reranker
}

func (r *guardedReranker) Rerank(ctx context.Context, query string, texts []string) ([]float64, error) {
	const op = "rerank"

	if strings.TrimSpace(query) == "" {
		return nil, Permanent(r.guard.Name, op, fmt.Errorf("%w: blank query", ErrEmptyInput))
	}
	if err := checkTexts(r.guard.Name, op, texts); err != nil {
		return nil, err
	}
	if err := r.guard.wait(ctx, op); err != nil {
		return nil, err
	}

	start := time.Now()
	scores, err := r.next.Rerank(ctx, query, texts)
	if err == nil && len(scores) != len(texts) {
		err = Permanent(r.guard.Name, op, fmt.Errorf("got %d scores for %d texts", len(scores), len(texts)))
	}
	r.guard.observe(op, start, err)

	return scores, err
}

func (r *guardedReranker) Model() string { return r.next.Model() }
