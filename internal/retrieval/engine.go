// Package retrieval finds the statements that support each job requirement:
// a vector search narrows the corpus and a reranker scores what it returns.
// All provider work runs on a worker pool with bounded retries.
package retrieval

import (
	"cmp"
	"context"
	"fmt"
	"math"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/emirks/applications-of-llms-in-recruitment/internal/cache"
	"github.com/emirks/applications-of-llms-in-recruitment/internal/candidate"
	"github.com/emirks/applications-of-llms-in-recruitment/internal/index"
	"github.com/emirks/applications-of-llms-in-recruitment/internal/job"
	"github.com/emirks/applications-of-llms-in-recruitment/internal/metrics"
	"github.com/emirks/applications-of-llms-in-recruitment/internal/provider"
)

const (
	DefaultEmbedBatchSize  = 64
	DefaultRerankBatchSize = 32
)

// Mode selects how requirements are searched.
type Mode string

const (
	// ModeBulk embeds each requirement once and searches the whole index.
	ModeBulk Mode = "bulk"
	// ModePerCandidate searches each candidate's statements separately.
	ModePerCandidate Mode = "per-candidate"
)

// ParseMode accepts "bulk" and "per-candidate"; empty means bulk.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeBulk:
		return ModeBulk, nil
	case ModePerCandidate:
		return ModePerCandidate, nil
	default:
		return "", fmt.Errorf("unknown retrieval mode %q", s)
	}
}

// Config tunes the engine.
type Config struct {
	Workers         int
	Retry           RetryPolicy
	CallTimeout     time.Duration
	EmbedBatchSize  int
	RerankBatchSize int
}

// Progress tells which work a previous run already finished.
type Progress interface {
	RequirementDone(requirement string) bool
	PairDone(requirement, owner string) bool
}

// Options control one MatchAll call.
type Options struct {
	// TopK is the number of nearest statements searched per requirement
	// (per candidate in per-candidate mode). Zero or less means all.
	TopK int
	Mode Mode
	// Owners limits matching to these candidates. Empty means every
	// candidate in the index.
	Owners []string
	Done   Progress
	// OnSearch is called when a requirement was searched in bulk mode, with
	// the candidates that received statements.
	OnSearch func(req job.Requirement, owners []string) error
	// OnPair is called once per finished (requirement, candidate) pair. A
	// nil result means the candidate had no statement to rerank.
	OnPair func(req job.Requirement, owner string, res *MatchResult) error
}

// Batch is the outcome of MatchAll.
type Batch struct {
	Matches   map[string][]MatchResult
	Failures  []Failure
	Pending   []WorkItem
	Cancelled bool
}

// Engine runs retrieval on a worker pool. Provider clients are built per
// worker by the factory passed to New.
type Engine struct {
	cfg     Config
	pool    *Pool
	cache   cache.Cache
	metrics *metrics.Metrics
	logger  *zap.Logger
	flight  singleflight.Group
}

// New starts the worker pool. A nil cache disables caching.
func New(ctx context.Context, cfg Config, factory provider.Factory, c cache.Cache, m *metrics.Metrics, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if c == nil {
		c = cache.Nop{}
	}
	if cfg.EmbedBatchSize < 1 {
		cfg.EmbedBatchSize = DefaultEmbedBatchSize
	}
	if cfg.RerankBatchSize < 1 {
		cfg.RerankBatchSize = DefaultRerankBatchSize
	}

	pool, err := NewPool(ctx, PoolConfig{
		Workers:     cfg.Workers,
		Retry:       cfg.Retry,
		CallTimeout: cfg.CallTimeout,
		Init:        factory,
		Logger:      logger,
		Metrics:     m,
	})
	if err != nil {
		return nil, err
	}

	return &Engine{
		cfg:     cfg,
		pool:    pool,
		cache:   c,
		metrics: m,
		logger:  logger,
	}, nil
}

// EmbedModel is the embedding model used by the workers.
func (e *Engine) EmbedModel() string {
	return e.pool.Providers().Embedder.Model()
}

// EmbedDimensions is the declared embedding size; 0 when the provider
// only learns it from its first response.
func (e *Engine) EmbedDimensions() int {
	return e.pool.Providers().Embedder.Dimensions()
}

// RerankModel is the reranking model used by the workers.
func (e *Engine) RerankModel() string {
	return e.pool.Providers().Reranker.Model()
}

// Match reranks the statements of a single candidate for one requirement.
// It returns nil when the candidate has no statement in the index.
func (e *Engine) Match(ctx context.Context, req job.Requirement, idx *index.Index, topK int, ownerID string) (*MatchResult, error) {
	batch, err := e.MatchAll(ctx, []job.Requirement{req}, idx, Options{
		TopK:   topK,
		Mode:   ModePerCandidate,
		Owners: []string{ownerID},
	})
	if err != nil {
		return nil, err
	}
	if len(batch.Failures) > 0 {
		return nil, batch.Failures[0].Err
	}
	if batch.Cancelled {
		return nil, ctx.Err()
	}
	if results := batch.Matches[ownerID]; len(results) > 0 {
		return &results[0], nil
	}
	return nil, nil
}

// MatchAll matches every requirement against the candidates in scope. Work
// reported done by opts.Done is skipped. Failed and unfinished work is listed
// in the batch; the error is reserved for fatal conditions.
func (e *Engine) MatchAll(ctx context.Context, reqs []job.Requirement, idx *index.Index, opts Options) (*Batch, error) {
	if idx == nil {
		return nil, fmt.Errorf("%w: nil index", index.ErrConfig)
	}

	mode, err := ParseMode(string(opts.Mode))
	if err != nil {
		return nil, err
	}

	owners := opts.Owners
	var keep func(candidate.Statement) bool
	if len(owners) == 0 {
		owners = indexOwners(idx)
	} else {
		scope := make(map[string]struct{}, len(owners))
		for _, id := range owners {
			scope[id] = struct{}{}
		}
		keep = func(s candidate.Statement) bool {
			_, ok := scope[s.OwnerID]
			return ok
		}
	}

	col := &collector{opts: opts, matches: make(map[string][]MatchResult)}
	var tasks []*Task
	for _, req := range reqs {
		switch mode {
		case ModeBulk:
			if opts.Done != nil && opts.Done.RequirementDone(req.Text) {
				continue
			}
			tasks = append(tasks, e.searchTask(req, idx, opts, keep, col))
		case ModePerCandidate:
			for _, owner := range owners {
				if opts.Done != nil && opts.Done.PairDone(req.Text, owner) {
					continue
				}
				tasks = append(tasks, e.matchTask(req, owner, idx, opts.TopK, col))
			}
		}
	}

	e.logger.Info("matching requirements",
		zap.String("mode", string(mode)),
		zap.Int("requirements", len(reqs)),
		zap.Int("candidates", len(owners)),
		zap.Int("tasks", len(tasks)),
	)

	report, runErr := e.pool.Run(ctx, tasks)
	order := requirementOrder(reqs)
	batch := &Batch{
		Matches:   col.sorted(order),
		Failures:  report.Failures,
		Pending:   report.Pending,
		Cancelled: report.Cancelled,
	}
	sortItems(batch.Failures, func(f Failure) WorkItem { return f.Item }, order)
	sortItems(batch.Pending, func(w WorkItem) WorkItem { return w }, order)

	return batch, runErr
}

func (e *Engine) searchTask(req job.Requirement, idx *index.Index, opts Options, keep func(candidate.Statement) bool, col *collector) *Task {
	return &Task{
		Item: WorkItem{Stage: StageSearch, Requirement: req.Text},
		Run: func(ctx context.Context, w *Worker) error {
			query, err := e.embedQuery(ctx, w.Providers.Embedder, req.Text)
			if err != nil {
				return err
			}
			hits, err := idx.SearchFunc(query, searchDepth(opts.TopK, idx), keep)
			if err != nil {
				return err
			}

			groups, err := groupByOwner(idx, hits)
			if err != nil {
				return err
			}
			owners := make([]string, 0, len(groups))
			for _, g := range groups {
				owners = append(owners, g.owner)
			}
			if err := col.searched(req, owners); err != nil {
				return err
			}

			w.Logger.Debug("requirement searched",
				zap.String("requirement", req.Text),
				zap.Int("hits", len(hits)),
				zap.Int("candidates", len(groups)),
			)

			for _, g := range groups {
				if opts.Done != nil && opts.Done.PairDone(req.Text, g.owner) {
					continue
				}
				w.Submit(e.rerankTask(req, g, col))
			}
			return nil
		},
	}
}

func (e *Engine) rerankTask(req job.Requirement, g ownerGroup, col *collector) *Task {
	return &Task{
		Item: WorkItem{Stage: StageRerank, Requirement: req.Text, OwnerID: g.owner},
		Run: func(ctx context.Context, w *Worker) error {
			res, err := e.rerank(ctx, w.Providers.Reranker, req, g.owner, g.statements)
			if err != nil {
				return err
			}
			return col.finished(req, g.owner, res)
		},
	}
}

func (e *Engine) matchTask(req job.Requirement, owner string, idx *index.Index, topK int, col *collector) *Task {
	keep := func(s candidate.Statement) bool { return s.OwnerID == owner }

	return &Task{
		Item: WorkItem{Stage: StageMatch, Requirement: req.Text, OwnerID: owner},
		Run: func(ctx context.Context, w *Worker) error {
			query, err := e.embedQuery(ctx, w.Providers.Embedder, req.Text)
			if err != nil {
				return err
			}
			hits, err := idx.SearchFunc(query, searchDepth(topK, idx), keep)
			if err != nil {
				return err
			}
			if len(hits) == 0 {
				return col.finished(req, owner, nil)
			}

			groups, err := groupByOwner(idx, hits)
			if err != nil {
				return err
			}
			res, err := e.rerank(ctx, w.Providers.Reranker, req, owner, groups[0].statements)
			if err != nil {
				return err
			}
			return col.finished(req, owner, res)
		},
	}
}

// rerank scores statements in retrieval order and ranks them.
func (e *Engine) rerank(ctx context.Context, rr provider.Reranker, req job.Requirement, owner string, statements []candidate.Statement) (*MatchResult, error) {
	ranked := make([]ScoredStatement, 0, len(statements))
	for start := 0; start < len(statements); start += e.cfg.RerankBatchSize {
		end := min(start+e.cfg.RerankBatchSize, len(statements))
		chunk := statements[start:end]

		raw, err := rr.Rerank(ctx, req.Text, candidate.Texts(chunk))
		if err != nil {
			return nil, err
		}
		if len(raw) != len(chunk) {
			return nil, provider.Permanent(rr.Model(), "rerank", fmt.Errorf("got %d scores for %d texts", len(raw), len(chunk)))
		}
		for i, score := range raw {
			if math.IsNaN(score) || math.IsInf(score, 0) {
				return nil, provider.Permanent(rr.Model(), "rerank", fmt.Errorf("non-finite score %v for statement %s", score, chunk[i].Key()))
			}
			ranked = append(ranked, ScoredStatement{Statement: chunk[i], Score: Normalize(score)})
		}
	}

	slices.SortStableFunc(ranked, func(a, b ScoredStatement) int {
		return cmp.Compare(b.Score, a.Score)
	})

	res := &MatchResult{Requirement: req, OwnerID: owner, Ranked: ranked}
	if len(ranked) > 0 {
		res.BestScore = ranked[0].Score
	}
	return res, nil
}

// embedQuery embeds a requirement once per model, however many tasks ask.
func (e *Engine) embedQuery(ctx context.Context, emb provider.Embedder, text string) ([]float32, error) {
	key := cache.Key(emb.Model(), emb.Dimensions(), text)
	if vec, ok := e.cached(ctx, key); ok {
		return vec, nil
	}

	v, err, _ := e.flight.Do(key, func() (any, error) {
		vec, err := emb.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		e.store(ctx, key, vec)
		return vec, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]float32), nil
}

func (e *Engine) cached(ctx context.Context, key string) ([]float32, bool) {
	vec, ok, err := e.cache.Get(ctx, key)
	switch {
	case err != nil:
		e.metrics.CacheLookup(e.cache.Name(), "error")
		e.logger.Warn("embedding cache lookup failed", zap.String("backend", e.cache.Name()), zap.Error(err))
		return nil, false
	case ok:
		e.metrics.CacheLookup(e.cache.Name(), "hit")
		return vec, true
	default:
		e.metrics.CacheLookup(e.cache.Name(), "miss")
		return nil, false
	}
}

func (e *Engine) store(ctx context.Context, key string, vec []float32) {
	if err := e.cache.Set(ctx, key, vec); err != nil {
		e.logger.Warn("embedding cache write failed", zap.String("backend", e.cache.Name()), zap.Error(err))
	}
}

type ownerGroup struct {
	owner      string
	statements []candidate.Statement
}

// groupByOwner splits hits per candidate, keeping retrieval order inside
// each group and ordering groups by their best hit.
func groupByOwner(idx *index.Index, hits []index.Hit) ([]ownerGroup, error) {
	var groups []ownerGroup
	at := make(map[string]int)
	for _, hit := range hits {
		s, err := idx.Payload(hit.Position)
		if err != nil {
			return nil, err
		}
		i, ok := at[s.OwnerID]
		if !ok {
			i = len(groups)
			at[s.OwnerID] = i
			groups = append(groups, ownerGroup{owner: s.OwnerID})
		}
		groups[i].statements = append(groups[i].statements, s)
	}
	return groups, nil
}

func searchDepth(topK int, idx *index.Index) int {
	if topK <= 0 {
		return idx.Len()
	}
	return topK
}

func indexOwners(idx *index.Index) []string {
	var owners []string
	seen := make(map[string]struct{})
	for _, s := range idx.Payloads() {
		if _, ok := seen[s.OwnerID]; ok {
			continue
		}
		seen[s.OwnerID] = struct{}{}
		owners = append(owners, s.OwnerID)
	}
	return owners
}

func requirementOrder(reqs []job.Requirement) map[string]int {
	order := make(map[string]int, len(reqs))
	for i, r := range reqs {
		if _, ok := order[r.Text]; !ok {
			order[r.Text] = i
		}
	}
	return order
}

func sortItems[T any](items []T, item func(T) WorkItem, order map[string]int) {
	slices.SortStableFunc(items, func(a, b T) int {
		x, y := item(a), item(b)
		return cmp.Or(
			cmp.Compare(order[x.Requirement], order[y.Requirement]),
			cmp.Compare(x.OwnerID, y.OwnerID),
			cmp.Compare(x.Batch, y.Batch),
		)
	})
}

// collector gathers results from the workers and forwards them to the
// progress callbacks one at a time.
type collector struct {
	mu      sync.Mutex
	opts    Options
	matches map[string][]MatchResult
}

func (c *collector) searched(req job.Requirement, owners []string) error {
	if c.opts.OnSearch == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opts.OnSearch(req, owners)
}

func (c *collector) finished(req job.Requirement, owner string, res *MatchResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.opts.OnPair != nil {
		if err := c.opts.OnPair(req, owner, res); err != nil {
			return fmt.Errorf("record match: %w", err)
		}
	}
	if res != nil {
		c.matches[owner] = append(c.matches[owner], *res)
	}
	return nil
}

func (c *collector) sorted(order map[string]int) map[string][]MatchResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, results := range c.matches {
		slices.SortStableFunc(results, func(a, b MatchResult) int {
			return cmp.Compare(order[a.Requirement.Text], order[b.Requirement.Text])
		})
	}
	return c.matches
}
