package retrieval

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/emirks/applications-of-llms-in-recruitment/internal/logger"
	"github.com/emirks/applications-of-llms-in-recruitment/internal/metrics"
	"github.com/emirks/applications-of-llms-in-recruitment/internal/provider"
)

// PoolConfig configures a worker pool.
type PoolConfig struct {
	Workers int
	Retry   RetryPolicy
	// CallTimeout bounds one attempt of a task. Attempts run detached from
	// the run context so that cancellation never cuts a provider call short.
	CallTimeout time.Duration
	// Init builds the provider clients of each worker.
	Init    provider.Factory
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Worker is one pool slot and the provider clients it owns.
type Worker struct {
	ID        int
	Providers provider.Set
	Logger    *zap.Logger

	pool *Pool
}

// Submit enqueues a follow-up task from inside a running task.
func (w *Worker) Submit(t *Task) {
	w.pool.enqueue(t)
}

// Report summarizes one pool run.
type Report struct {
	Failures  []Failure
	Pending   []WorkItem
	Cancelled bool
}

// Pool runs tasks on a fixed set of workers. Transient provider failures are
// requeued after a backoff until the retry budget is spent. A pool executes
// one Run at a time.
type Pool struct {
	cfg     PoolConfig
	workers []*Worker
	logger  *zap.Logger

	runMu sync.Mutex

	mu       sync.Mutex
	queue    []*Task
	pending  int
	waiting  map[*Task]*time.Timer
	timers   sync.WaitGroup
	closed   bool
	failures []Failure
	ready    chan struct{}
	done     chan struct{}
}

// NewPool builds the provider clients of every worker.
func NewPool(ctx context.Context, cfg PoolConfig) (*Pool, error) {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.Init == nil {
		return nil, fmt.Errorf("worker pool: provider factory is required")
	}
	cfg.Retry = cfg.Retry.withDefaults()
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	p := &Pool{cfg: cfg, logger: cfg.Logger}
	for i := 0; i < cfg.Workers; i++ {
		set, err := cfg.Init(ctx, i)
		if err != nil {
			return nil, fmt.Errorf("init worker %d: %w", i, err)
		}
		if set.Embedder == nil || set.Reranker == nil {
			return nil, fmt.Errorf("init worker %d: incomplete provider set", i)
		}
		p.workers = append(p.workers, &Worker{
			ID:        i,
			Providers: set,
			Logger:    logger.WithWorker(cfg.Logger, i),
			pool:      p,
		})
	}

	p.logger.Debug("worker pool started", zap.Int("workers", len(p.workers)))
	return p, nil
}

// Providers returns the clients of the first worker, for model names.
func (p *Pool) Providers() provider.Set {
	return p.workers[0].Providers
}

// Run executes tasks and everything they submit until the queue drains, ctx
// is cancelled or a task returns a non-provider error. The returned error is
// that fatal error; failures and pending work are described by the report.
func (p *Pool) Run(ctx context.Context, tasks []*Task) (*Report, error) {
	p.runMu.Lock()
	defer p.runMu.Unlock()

	p.mu.Lock()
	p.queue = nil
	p.pending = 0
	p.waiting = make(map[*Task]*time.Timer)
	p.closed = false
	p.failures = nil
	p.ready = make(chan struct{}, 1)
	p.done = make(chan struct{})
	p.mu.Unlock()

	if len(tasks) == 0 {
		return &Report{}, nil
	}
	for _, t := range tasks {
		p.enqueue(t)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range p.workers {
		g.Go(func() error {
			for {
				t, ok := p.next(gctx)
				if !ok {
					return nil
				}
				if err := p.execute(gctx, w, t); err != nil {
					return err
				}
			}
		})
	}
	err := g.Wait()

	report := p.drain()
	report.Cancelled = ctx.Err() != nil && len(report.Pending) > 0
	if report.Cancelled {
		p.logger.Warn("run cancelled",
			zap.Int("pending", len(report.Pending)),
			zap.Int("failures", len(report.Failures)),
		)
	}
	return report, err
}

func (p *Pool) enqueue(t *Task) {
	p.mu.Lock()
	p.pending++
	p.queue = append(p.queue, t)
	p.mu.Unlock()
	p.notify()
}

func (p *Pool) notify() {
	select {
	case p.ready <- struct{}{}:
	default:
	}
}

func (p *Pool) next(ctx context.Context) (*Task, bool) {
	for {
		if ctx.Err() != nil {
			return nil, false
		}

		p.mu.Lock()
		if len(p.queue) > 0 {
			t := p.queue[0]
			p.queue[0] = nil
			p.queue = p.queue[1:]
			more := len(p.queue) > 0
			p.mu.Unlock()
			if more {
				p.notify()
			}
			return t, true
		}
		if p.pending == 0 {
			p.mu.Unlock()
			return nil, false
		}
		p.mu.Unlock()

		select {
		case <-p.ready:
		case <-p.done:
		case <-ctx.Done():
			return nil, false
		}
	}
}

func (p *Pool) execute(ctx context.Context, w *Worker, t *Task) error {
	callCtx := context.WithoutCancel(ctx)
	cancel := func() {}
	if p.cfg.CallTimeout > 0 {
		callCtx, cancel = context.WithTimeout(callCtx, p.cfg.CallTimeout)
	}
	err := t.Run(callCtx, w)
	cancel()
	t.Attempt++

	stage := string(t.Item.Stage)
	switch {
	case err == nil:
		p.complete()
		return nil

	case provider.IsTransient(err):
		if t.Attempt >= p.cfg.Retry.MaxAttempts {
			w.Logger.Error("giving up on task",
				zap.Stringer("item", t.Item),
				zap.Int("attempts", t.Attempt),
				zap.Error(err),
			)
			p.cfg.Metrics.Failure(stage, "exhausted")
			p.fail(Failure{
				Item:     t.Item,
				Attempts: t.Attempt,
				Err:      fmt.Errorf("%w: %s after %d attempts: %w", ErrRetrievalFailed, t.Item, t.Attempt, err),
			})
			return nil
		}

		delay := p.cfg.Retry.Delay(t.Attempt)
		w.Logger.Warn("retrying task",
			zap.Stringer("item", t.Item),
			zap.Int("attempt", t.Attempt),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		p.cfg.Metrics.Retry(stage)
		p.retryLater(t, delay)
		return nil

	case provider.IsPermanent(err):
		w.Logger.Error("skipping task after permanent provider error",
			zap.Stringer("item", t.Item),
			zap.Error(err),
		)
		p.cfg.Metrics.Failure(stage, "permanent")
		p.fail(Failure{Item: t.Item, Attempts: t.Attempt, Permanent: true, Err: err})
		return nil

	default:
		p.cfg.Metrics.Failure(stage, "fatal")
		return fmt.Errorf("%s: %w", t.Item, err)
	}
}

func (p *Pool) retryLater(t *Task, delay time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		p.queue = append(p.queue, t)
		return
	}

	p.timers.Add(1)
	p.waiting[t] = time.AfterFunc(delay, func() {
		defer p.timers.Done()

		p.mu.Lock()
		delete(p.waiting, t)
		p.queue = append(p.queue, t)
		p.mu.Unlock()
		p.notify()
	})
}

func (p *Pool) fail(f Failure) {
	p.mu.Lock()
	p.failures = append(p.failures, f)
	p.mu.Unlock()
	p.complete()
}

func (p *Pool) complete() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.pending--
	if p.pending == 0 {
		close(p.done)
	}
}

// drain stops backoff timers and collects whatever never finished.
func (p *Pool) drain() *Report {
	p.mu.Lock()
	p.closed = true
	for t, timer := range p.waiting {
		if timer.Stop() {
			delete(p.waiting, t)
			p.queue = append(p.queue, t)
			p.timers.Done()
		}
	}
	p.mu.Unlock()

	// Timers that already fired are appending their task right now.
	p.timers.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()

	report := &Report{Failures: p.failures}
	for _, t := range p.queue {
		report.Pending = append(report.Pending, t.Item)
	}
	p.queue = nil
	return report
}
