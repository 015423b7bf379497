// Package matching runs a whole ranking: it prepares the index, matches every
// requirement against every candidate, resumes from recorded progress and
// turns the results into an ordered shortlist.
package matching

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/emirks/applications-of-llms-in-recruitment/internal/candidate"
	"github.com/emirks/applications-of-llms-in-recruitment/internal/checkpoint"
	"github.com/emirks/applications-of-llms-in-recruitment/internal/index"
	"github.com/emirks/applications-of-llms-in-recruitment/internal/job"
	"github.com/emirks/applications-of-llms-in-recruitment/internal/retrieval"
	"github.com/emirks/applications-of-llms-in-recruitment/internal/scoring"
)

// ErrConfig is returned for an unusable run configuration.
var ErrConfig = errors.New("invalid matching configuration")

// Config controls one ranking run.
type Config struct {
	// TopK is the stage 1 recall depth; 0 searches the whole corpus.
	TopK int `validate:"gte=0"`
	// TopN truncates the ranking; 0 keeps every candidate with a positive score.
	TopN    int            `validate:"gte=0"`
	Mode    retrieval.Mode `validate:"omitempty,oneof=bulk per-candidate"`
	Metric  index.Metric
	Weights scoring.Weights
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if err := c.Weights.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrConfig, err)
	}
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrConfig, err)
	}
	if c.Metric != index.InnerProduct && c.Metric != index.L2 {
		return fmt.Errorf("%w: unknown metric %s", ErrConfig, c.Metric)
	}
	return nil
}

// Result is the outcome of a run.
type Result struct {
	RunID  string `json:"run_id"`
	RunKey string `json:"run_key"`

	// Ranked holds candidates with a positive score, best first.
	Ranked []scoring.CandidateScore `json:"ranked"`
	// Scores holds every candidate, including those gated to 0.
	Scores  map[string]scoring.CandidateScore  `json:"-"`
	Matches map[string][]retrieval.MatchResult `json:"-"`

	Failures  []retrieval.Failure  `json:"failures,omitempty"`
	Pending   []retrieval.WorkItem `json:"pending,omitempty"`
	Cancelled bool                 `json:"cancelled,omitempty"`
	// Resumed counts pairs restored from a previous run.
	Resumed int `json:"resumed,omitempty"`

	Candidates int           `json:"candidates"`
	Statements int           `json:"statements"`
	Duration   time.Duration `json:"duration"`
}

// Failed is the number of work items that were given up on.
func (r *Result) Failed() int {
	return len(r.Failures)
}

// Complete reports whether every work item finished.
func (r *Result) Complete() bool {
	return len(r.Failures) == 0 && len(r.Pending) == 0
}

// Orchestrator wires the index, the retrieval engine and the checkpoint store.
type Orchestrator struct {
	engine     *retrieval.Engine
	indexes    *index.Store
	checkpoint checkpoint.Store
	logger     *zap.Logger
}

// New creates an orchestrator. A nil index store disables persistence and a
// nil checkpoint store keeps progress in memory.
func New(engine *retrieval.Engine, indexes *index.Store, cp checkpoint.Store, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if indexes == nil {
		indexes = &index.Store{Logger: logger}
	}
	if cp == nil {
		cp = checkpoint.NewMemory()
	}
	return &Orchestrator{engine: engine, indexes: indexes, checkpoint: cp, logger: logger}
}

// PrepareIndex loads the persisted index of statements or builds it.
func (o *Orchestrator) PrepareIndex(ctx context.Context, statements []candidate.Statement, metric index.Metric) (*index.Index, error) {
	model, dim := o.engine.EmbedModel(), o.engine.EmbedDimensions()
	fingerprint := index.Fingerprint(model, dim, metric, statements)

	return o.indexes.LoadOrBuild(ctx, fingerprint, model, dim, func(ctx context.Context) (*index.Index, error) {
		idx, report, err := o.engine.BuildIndex(ctx, statements, metric)
		if report != nil && len(report.Failures) > 0 {
			o.logger.Warn("statements skipped while building the index",
				zap.Int("skipped", len(report.Failures)),
			)
		}
		return idx, err
	})
}

// Run ranks records against the job description.
func (o *Orchestrator) Run(ctx context.Context, desc *job.Description, records candidate.Records, cfg Config) (*Result, error) {
	start := time.Now()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Mode == "" {
		cfg.Mode = retrieval.ModeBulk
	}

	reqs := desc.Requirements()
	if len(reqs) == 0 {
		return nil, job.ErrNoRequirements
	}

	statements := candidate.BuildCorpus(records)
	totals := candidate.CountByOwner(records, statements)
	owners := records.IDs()

	res := &Result{
		RunID:      uuid.NewString(),
		Candidates: len(owners),
		Statements: len(statements),
	}
	logger := o.logger.With(zap.String("run_id", res.RunID))
	logger.Info("starting ranking run",
		zap.String("job", desc.Title),
		zap.Int("must_have", desc.Count(job.MustHave)),
		zap.Int("nice_to_have", desc.Count(job.NiceToHave)),
		zap.Int("candidates", len(owners)),
		zap.Int("statements", len(statements)),
		zap.String("mode", string(cfg.Mode)),
		zap.Int("top_k", cfg.TopK),
	)

	matches := map[string][]retrieval.MatchResult{}
	if len(statements) > 0 {
		idx, err := o.PrepareIndex(ctx, statements, cfg.Metric)
		if err != nil {
			return nil, err
		}

		res.RunKey = checkpoint.RunKey(idx.Fingerprint(), cfg.Mode, cfg.TopK, o.engine.EmbedModel(), idx.Dimension(), o.engine.RerankModel())
		state, err := o.checkpoint.Load(ctx, res.RunKey)
		if err != nil {
			return nil, fmt.Errorf("loading checkpoint: %w", err)
		}
		res.Resumed = state.Len()
		if res.Resumed > 0 {
			logger.Info("resuming from checkpoint", zap.Int("finished_pairs", res.Resumed))
		}

		// Progress is saved even while the run is being cancelled.
		saveCtx := context.WithoutCancel(ctx)
		batch, err := o.engine.MatchAll(ctx, reqs, idx, retrieval.Options{
			TopK:   cfg.TopK,
			Mode:   cfg.Mode,
			Owners: owners,
			Done:   state,
			OnSearch: func(req job.Requirement, found []string) error {
				return o.checkpoint.SaveSearch(saveCtx, res.RunKey, req, found)
			},
			OnPair: func(req job.Requirement, owner string, m *retrieval.MatchResult) error {
				return o.checkpoint.SavePair(saveCtx, res.RunKey, req, owner, m)
			},
		})
		if err != nil {
			return nil, err
		}

		matches = merge(reqs, state.Matches(reqs), batch.Matches)
		res.Failures = batch.Failures
		res.Pending = batch.Pending
		res.Cancelled = batch.Cancelled
	}

	scores, err := scoring.Aggregate(reqs, matches, totals, cfg.Weights)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	markPartial(scores, owners, res.Failures, res.Pending)

	res.Scores = scores
	res.Matches = matches
	res.Ranked = Rank(scores, cfg.TopN)
	res.Duration = time.Since(start)

	logger.Info("ranking run finished",
		zap.Int("ranked", len(res.Ranked)),
		zap.Int("failed", res.Failed()),
		zap.Int("pending", len(res.Pending)),
		zap.Bool("cancelled", res.Cancelled),
		zap.Duration("duration", res.Duration),
	)
	return res, nil
}

// Rank keeps candidates with a positive score, sorted by score descending
// then owner id, truncated to topN when topN > 0.
func Rank(scores map[string]scoring.CandidateScore, topN int) []scoring.CandidateScore {
	ranked := make([]scoring.CandidateScore, 0, len(scores))
	for _, s := range scores {
		if s.Score > 0 {
			ranked = append(ranked, s)
		}
	}
	slices.SortFunc(ranked, func(a, b scoring.CandidateScore) int {
		return cmp.Or(cmp.Compare(b.Score, a.Score), cmp.Compare(a.OwnerID, b.OwnerID))
	})
	if topN > 0 && len(ranked) > topN {
		ranked = ranked[:topN]
	}
	return ranked
}

func merge(reqs []job.Requirement, sets ...map[string][]retrieval.MatchResult) map[string][]retrieval.MatchResult {
	order := make(map[string]int, len(reqs))
	for i, r := range reqs {
		if _, ok := order[r.Text]; !ok {
			order[r.Text] = i
		}
	}

	out := make(map[string][]retrieval.MatchResult)
	for _, set := range sets {
		for owner, results := range set {
			out[owner] = append(out[owner], results...)
		}
	}
	for _, results := range out {
		slices.SortStableFunc(results, func(a, b retrieval.MatchResult) int {
			return cmp.Compare(order[a.Requirement.Text], order[b.Requirement.Text])
		})
	}
	return out
}

func markPartial(scores map[string]scoring.CandidateScore, owners []string, failures []retrieval.Failure, pending []retrieval.WorkItem) {
	items := make([]retrieval.WorkItem, 0, len(failures)+len(pending))
	for _, f := range failures {
		items = append(items, f.Item)
	}
	items = append(items, pending...)

	mark := func(owner string) {
		if s, ok := scores[owner]; ok {
			s.Partial = true
			scores[owner] = s
		}
	}
	for _, item := range items {
		if item.OwnerID != "" {
			mark(item.OwnerID)
			continue
		}
		for _, owner := range owners {
			mark(owner)
		}
	}
}
