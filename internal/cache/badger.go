package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

// BadgerConfig configures the on-disk cache.
type BadgerConfig struct {
	// Dir is required unless InMemory is set.
	Dir      string
	InMemory bool
	TTL      time.Duration
	Logger   *zap.Logger
}

// Badger keeps embeddings on local disk across runs.
type Badger struct {
	db  *badger.DB
	ttl time.Duration
}

// NewBadger opens (or creates) the cache database.
func NewBadger(cfg BadgerConfig) (*Badger, error) {
	if !cfg.InMemory && cfg.Dir == "" {
		return nil, errors.New("badger cache dir is required")
	}

	opts := badger.DefaultOptions(cfg.Dir)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts = opts.WithLogger(badgerLogger{logger: cfg.Logger})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger cache: %w", err)
	}

	return &Badger{db: db, ttl: cfg.TTL}, nil
}

func (b *Badger) Name() string { return "badger" }

func (b *Badger) Get(_ context.Context, key string) ([]float32, bool, error) {
	var data []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	vec, err := decode(data)
	if err != nil {
		return nil, false, err
	}
	return vec, true, nil
}

func (b *Badger) Set(_ context.Context, key string, vec []float32) error {
	return b.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(key), encode(vec))
		if b.ttl > 0 {
			entry = entry.WithTTL(b.ttl)
		}
		return txn.SetEntry(entry)
	})
}

func (b *Badger) Close() error {
	return b.db.Close()
}

// badgerLogger routes badger's own logging into zap, demoting info to debug.
type badgerLogger struct {
	logger *zap.Logger
}

func (l badgerLogger) sugar() *zap.SugaredLogger {
	if l.logger == nil {
		return zap.NewNop().Sugar()
	}
	return l.logger.Named("badger").Sugar()
}

func (l badgerLogger) Errorf(format string, args ...any) { l.sugar().Errorf(format, args...) }

func (l badgerLogger) Warningf(format string, args ...any) { l.sugar().Warnf(format, args...) }

func (l badgerLogger) Infof(format string, args ...any) { l.sugar().Debugf(format, args...) }

func (l badgerLogger) Debugf(format string, args ...any) { l.sugar().Debugf(format, args...) }
