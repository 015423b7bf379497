package retrieval

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/emirks/applications-of-llms-in-recruitment/internal/cache"
	"github.com/emirks/applications-of-llms-in-recruitment/internal/candidate"
	"github.com/emirks/applications-of-llms-in-recruitment/internal/index"
	"github.com/emirks/applications-of-llms-in-recruitment/internal/provider"
)

// BuildIndex embeds the corpus on the worker pool and appends the vectors in
// statement order. Statements the provider permanently rejects are left out
// and listed in the report. Exhausted retries and cancellation fail the build.
func (e *Engine) BuildIndex(ctx context.Context, statements []candidate.Statement, metric index.Metric) (*index.Index, *Report, error) {
	vectors := make([][]float32, len(statements))

	var tasks []*Task
	for start, batch := 0, 0; start < len(statements); start, batch = start+e.cfg.EmbedBatchSize, batch+1 {
		end := min(start+e.cfg.EmbedBatchSize, len(statements))
		positions := make([]int, 0, end-start)
		for i := start; i < end; i++ {
			positions = append(positions, i)
		}
		tasks = append(tasks, e.embedTask(WorkItem{Stage: StageEmbed, Batch: batch}, statements, positions, vectors))
	}

	e.logger.Info("building index",
		zap.Int("statements", len(statements)),
		zap.Int("batches", len(tasks)),
		zap.Stringer("metric", metric),
	)

	report, err := e.pool.Run(ctx, tasks)
	if err != nil {
		return nil, report, err
	}
	if report.Cancelled {
		return nil, report, fmt.Errorf("index build interrupted: %w", context.Cause(ctx))
	}
	for _, f := range report.Failures {
		if !f.Permanent {
			return nil, report, f.Err
		}
	}

	dim := 0
	keptVectors := make([][]float32, 0, len(statements))
	keptStatements := make([]candidate.Statement, 0, len(statements))
	for i, vec := range vectors {
		if vec == nil {
			e.logger.Warn("statement left out of the index",
				zap.String("statement", statements[i].Key()),
				zap.String("type", string(statements[i].Type)),
			)
			continue
		}
		if dim == 0 {
			dim = len(vec)
		}
		keptVectors = append(keptVectors, vec)
		keptStatements = append(keptStatements, statements[i])
	}
	if dim == 0 {
		dim = e.pool.Providers().Embedder.Dimensions()
	}

	idx, err := index.New(dim, metric)
	if err != nil {
		return nil, report, fmt.Errorf("no statement could be embedded: %w", err)
	}
	if err := idx.Add(keptVectors, keptStatements); err != nil {
		return nil, report, err
	}

	e.logger.Info("index built",
		zap.Int("entries", idx.Len()),
		zap.Int("dimension", dim),
		zap.Int("skipped", len(statements)-idx.Len()),
	)
	return idx, report, nil
}

// embedTask embeds the statements at positions, filling vectors in place.
// A batch the provider rejects is split so that only the offending
// statements fail.
func (e *Engine) embedTask(item WorkItem, statements []candidate.Statement, positions []int, vectors [][]float32) *Task {
	return &Task{
		Item: item,
		Run: func(ctx context.Context, w *Worker) error {
			emb := w.Providers.Embedder

			var missing []int
			for _, pos := range positions {
				if vectors[pos] != nil {
					continue
				}
				if vec, ok := e.cached(ctx, cache.Key(emb.Model(), emb.Dimensions(), statements[pos].Text)); ok {
					vectors[pos] = vec
					continue
				}
				missing = append(missing, pos)
			}
			if len(missing) == 0 {
				return nil
			}

			texts := make([]string, len(missing))
			for i, pos := range missing {
				texts[i] = statements[pos].Text
			}

			vecs, err := emb.EmbedBatch(ctx, texts)
			if err != nil {
				if provider.IsPermanent(err) && len(missing) > 1 {
					w.Logger.Warn("embedding batch rejected, retrying statements one by one",
						zap.Stringer("item", item),
						zap.Error(err),
					)
					for _, pos := range missing {
						single := WorkItem{Stage: StageEmbed, Batch: item.Batch, OwnerID: statements[pos].OwnerID}
						w.Submit(e.embedTask(single, statements, []int{pos}, vectors))
					}
					return nil
				}
				return err
			}
			if len(vecs) != len(missing) {
				return provider.Permanent(emb.Model(), "embed", fmt.Errorf("got %d vectors for %d texts", len(vecs), len(missing)))
			}

			for i, pos := range missing {
				vectors[pos] = vecs[i]
				e.store(ctx, cache.Key(emb.Model(), emb.Dimensions(), texts[i]), vecs[i])
			}
			return nil
		},
	}
}
