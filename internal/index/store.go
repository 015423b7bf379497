package index

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/emirks/applications-of-llms-in-recruitment/internal/candidate"
)

// BuildFunc produces a fresh index when the persisted one cannot be reused.
type BuildFunc func(ctx context.Context) (*Index, error)

// Store keeps an index on disk and reuses it while the corpus is unchanged.
type Store struct {
	// Path is the artifact base path. Empty disables persistence.
	Path   string
	Logger *zap.Logger
}

// LoadOrBuild returns the persisted index when its fingerprint matches and,
// for a non-zero dim, its dimension equals dim. Otherwise it builds, stamps
// and saves a new one.
func (s *Store) LoadOrBuild(ctx context.Context, fingerprint, model string, dim int, build BuildFunc) (*Index, error) {
	logger := s.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	if s.Path != "" {
		x, err := Load(s.Path)
		switch {
		case err == nil && dim > 0 && x.Dimension() != dim:
			logger.Info("persisted index has another dimension, rebuilding",
				zap.String("path", s.Path),
				zap.Int("persisted_dimension", x.Dimension()),
				zap.Int("dimension", dim),
			)
		case err == nil && x.Fingerprint() == fingerprint:
			logger.Info("reusing persisted index",
				zap.String("path", s.Path),
				zap.Int("entries", x.Len()),
			)
			return x, nil
		case err == nil:
			logger.Info("persisted index is stale, rebuilding",
				zap.String("path", s.Path),
				zap.String("persisted_fingerprint", x.Fingerprint()),
				zap.String("fingerprint", fingerprint),
			)
		case errors.Is(err, ErrIndexNotFound):
			logger.Info("no persisted index, building", zap.String("path", s.Path))
		default:
			logger.Warn("persisted index is unusable, rebuilding", zap.String("path", s.Path), zap.Error(err))
		}
	}

	x, err := build(ctx)
	if err != nil {
		return nil, fmt.Errorf("building index: %w", err)
	}

	x.SetSource(fingerprint, model)

	if s.Path == "" {
		return x, nil
	}

	if err := x.Save(s.Path); err != nil {
		return nil, fmt.Errorf("saving index: %w", err)
	}

	logger.Info("index saved", zap.String("path", s.Path), zap.Int("entries", x.Len()))

	return x, nil
}

// Fingerprint hashes everything that determines index contents: the
// embedding model and its declared dimensions, the metric and every
// statement in order.
func Fingerprint(model string, dim int, metric Metric, statements []candidate.Statement) string {
	h := sha256.New()

	write := func(parts ...string) {
		for _, p := range parts {
			h.Write([]byte(p))
			h.Write([]byte{0})
		}
		h.Write([]byte{'\n'})
	}

	write(model, strconv.Itoa(dim), metric.String(), strconv.Itoa(len(statements)))
	for _, s := range statements {
		write(s.OwnerID, strconv.Itoa(s.Seq), string(s.Type), s.Text)
	}

	return hex.EncodeToString(h.Sum(nil))
}
