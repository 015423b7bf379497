package provider

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emirks/applications-of-llms-in-recruitment/internal/metrics"
)

type fakeEmbedder struct {
	calls int
	out   [][]float32
	err   error
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	v, err := f.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return v[0], nil
}

func (f *fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if f.out != nil {
		return f.out, nil
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{float32(i)}
	}
	return out, nil
}

func (f *fakeEmbedder) Dimensions() int { return 1 }

func (f *fakeEmbedder) Model() string { return "fake-embed" }

type fakeReranker struct {
	scores []float64
}

func (f *fakeReranker) Rerank(context.Context, string, []string) ([]float64, error) {
	return f.scores, nil
}

func (f *fakeReranker) Model() string { return "fake-rerank" }

func TestGuardRejectsBlankInput(t *testing.T) {
	next := &fakeEmbedder{}
	g := &Guard{Name: "fake"}
	e := g.Embedder(next)

	_, err := e.Embed(context.Background(), "   ")
	require.True(t, IsPermanent(err))
	require.ErrorIs(t, err, ErrEmptyInput)
	assert.Zero(t, next.calls, "blank text must not reach the provider")

	_, err = g.Reranker(&fakeReranker{}).Rerank(context.Background(), "", []string{"x"})
	require.ErrorIs(t, err, ErrEmptyInput)
}

func TestGuardCountsOutcomes(t *testing.T) {
	m := metrics.NewNop()
	g := &Guard{Name: "fake", Metrics: m, Limiter: NewLimiter(0, 0)}

	e := g.Embedder(&fakeEmbedder{})
	vecs, err := e.EmbedBatch(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Len(t, vecs, 2)

	failing := g.Embedder(&fakeEmbedder{err: Transient("fake", "embed", errors.New("503"))})
	_, err = failing.Embed(context.Background(), "a")
	require.True(t, IsTransient(err))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ProviderCalls.WithLabelValues("fake", "embed", metrics.OutcomeOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ProviderCalls.WithLabelValues("fake", "embed", metrics.OutcomeTransient)))
}

func TestGuardChecksResultCount(t *testing.T) {
	g := &Guard{Name: "fake"}

	_, err := g.Embedder(&fakeEmbedder{out: [][]float32{{1}}}).EmbedBatch(context.Background(), []string{"a", "b"})
	require.True(t, IsPermanent(err))

	_, err = g.Reranker(&fakeReranker{scores: []float64{1}}).Rerank(context.Background(), "q", []string{"a", "b"})
	require.True(t, IsPermanent(err))

	scores, err := g.Reranker(&fakeReranker{scores: []float64{1, 2}}).Rerank(context.Background(), "q", []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2}, scores)
}

func TestGuardLimiterRespectsDeadline(t *testing.T) {
	g := &Guard{Name: "fake", Limiter: NewLimiter(0.001, 1)}
	e := g.Embedder(&fakeEmbedder{})

	_, err := e.Embed(context.Background(), "first")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = e.Embed(ctx, "second")
	require.Error(t, err)
	assert.True(t, IsTransient(err), "budget exhaustion is retryable: %v", err)
}
