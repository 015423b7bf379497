package cmd

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/emirks/applications-of-llms-in-recruitment/internal/cache"
	"github.com/emirks/applications-of-llms-in-recruitment/internal/checkpoint"
	"github.com/emirks/applications-of-llms-in-recruitment/internal/logger"
	"github.com/emirks/applications-of-llms-in-recruitment/internal/metrics"
	"github.com/emirks/applications-of-llms-in-recruitment/internal/provider"
	"github.com/emirks/applications-of-llms-in-recruitment/internal/provider/gemini"
	"github.com/emirks/applications-of-llms-in-recruitment/internal/provider/openai"
	"github.com/emirks/applications-of-llms-in-recruitment/internal/provider/tei"
	"github.com/emirks/applications-of-llms-in-recruitment/internal/retrieval"
	"github.com/emirks/applications-of-llms-in-recruitment/internal/secrets"
)

const (
	backendGemini = "gemini"
	backendOpenAI = "openai"
	backendTEI    = "tei"
)

// newProviderFactory returns the pool init hook. Every worker gets its own
// clients; the limiter and metrics are shared by all of them.
func newProviderFactory(cfg *ProviderConfig, limiter *rate.Limiter, m *metrics.Metrics, log *zap.Logger) (provider.Factory, error) {
	if cfg.Embed == nil {
		return nil, fmt.Errorf("provider.embed is required")
	}
	if cfg.Rerank == nil {
		return nil, fmt.Errorf("provider.rerank is required")
	}

	embedKey, err := resolveKey(cfg.Embed)
	if err != nil {
		return nil, err
	}
	rerankKey, err := resolveKey(cfg.Rerank)
	if err != nil {
		return nil, err
	}

	embedGuard := &provider.Guard{
		Name:    backendName(cfg.Embed),
		Limiter: limiter,
		Metrics: m,
		Logger:  logger.WithProvider(log, backendName(cfg.Embed), cfg.Embed.Model),
	}
	rerankGuard := &provider.Guard{
		Name:    backendName(cfg.Rerank),
		Limiter: limiter,
		Metrics: m,
		Logger:  logger.WithProvider(log, backendName(cfg.Rerank), cfg.Rerank.Model),
	}

	return func(ctx context.Context, worker int) (provider.Set, error) {
		wlog := logger.WithWorker(log, worker)

		emb, err := newEmbedder(ctx, cfg.Embed, embedKey, wlog)
		if err != nil {
			return provider.Set{}, fmt.Errorf("embedder: %w", err)
		}
		rr, err := newReranker(ctx, cfg.Rerank, rerankKey, wlog)
		if err != nil {
			return provider.Set{}, fmt.Errorf("reranker: %w", err)
		}

		return provider.Set{
			Embedder: embedGuard.Embedder(emb),
			Reranker: rerankGuard.Reranker(rr),
		}, nil
	}, nil
}

func backendName(cfg *BackendConfig) string {
	return strings.ToLower(strings.TrimSpace(cfg.Name))
}

func resolveKey(cfg *BackendConfig) (string, error) {
	name := backendName(cfg)

	env := cfg.APIKeyEnv
	switch {
	case env != "":
	case name == backendGemini:
		env = "GEMINI_API_KEY"
	case name == backendOpenAI:
		env = "OPENAI_API_KEY"
	}

	key, err := secrets.Load(secrets.Source{
		Name:  name + " api key",
		Value: cfg.APIKey,
		File:  cfg.APIKeyFile,
		Env:   env,
	})
	// TEI servers usually run without auth.
	if err != nil && name == backendTEI {
		return "", nil
	}
	return key, err
}

func newEmbedder(ctx context.Context, cfg *BackendConfig, key string, log *zap.Logger) (provider.Embedder, error) {
	switch backendName(cfg) {
	case backendGemini:
		client, err := gemini.New(ctx, gemini.Config{
			APIKey:       key,
			EmbedModel:   cfg.Model,
			Dimensions:   cfg.Dimensions,
			MaxLogLength: cfg.MaxLogLength,
		}, logger.WithProvider(log, backendGemini, cfg.Model))
		if err != nil {
			return nil, err
		}
		return client.Embedder(), nil
	case backendOpenAI:
		return openai.New(openai.Config{
			APIKey:     key,
			Model:      cfg.Model,
			Dimensions: cfg.Dimensions,
			BaseURL:    cfg.URL,
		})
	case backendTEI:
		return tei.New(cfg.URL,
			tei.WithModel(cfg.Model),
			tei.WithDimensions(cfg.Dimensions),
			tei.WithToken(key),
			tei.WithLogger(logger.WithProvider(log, backendTEI, cfg.Model)),
		)
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %q", cfg.Name)
	}
}

func newReranker(ctx context.Context, cfg *BackendConfig, key string, log *zap.Logger) (provider.Reranker, error) {
	switch backendName(cfg) {
	case backendGemini:
		client, err := gemini.New(ctx, gemini.Config{
			APIKey:       key,
			RerankModel:  cfg.Model,
			MaxLogLength: cfg.MaxLogLength,
		}, logger.WithProvider(log, backendGemini, cfg.Model))
		if err != nil {
			return nil, err
		}
		return client.Reranker(), nil
	case backendTEI:
		return tei.New(cfg.URL,
			tei.WithModel(cfg.Model),
			tei.WithToken(key),
			tei.WithLogger(logger.WithProvider(log, backendTEI, cfg.Model)),
		)
	default:
		return nil, fmt.Errorf("unsupported reranking provider: %q", cfg.Name)
	}
}

func newCache(ctx context.Context, cfg *CacheConfig, log *zap.Logger) (cache.Cache, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", "memory":
		return cache.NewMemory(cfg.MaxEntries), nil
	case "none":
		return cache.Nop{}, nil
	case "redis":
		if cfg.Redis == nil {
			return nil, fmt.Errorf("cache.redis is required for the redis backend")
		}
		var password string
		if cfg.Redis.PasswordEnv != "" {
			// An unset variable means no password.
			password, _ = secrets.Load(secrets.Source{Name: "redis password", Env: cfg.Redis.PasswordEnv})
		}
		return cache.NewRedis(ctx, cache.RedisConfig{
			Address:  cfg.Redis.Address,
			Password: password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
			TTL:      cfg.TTL,
		})
	case "badger":
		return cache.NewBadger(cache.BadgerConfig{
			Dir:    cfg.Dir,
			TTL:    cfg.TTL,
			Logger: log,
		})
	default:
		return nil, fmt.Errorf("unsupported cache backend: %q", cfg.Backend)
	}
}

func newCheckpointStore(ctx context.Context, cfg *CheckpointConf) (checkpoint.Store, error) {
	if cfg.Path == "" {
		return checkpoint.NewMemory(), nil
	}
	return checkpoint.OpenSQLite(ctx, cfg.Path)
}

func engineConfig(cfg *RetrievalConf) retrieval.Config {
	return retrieval.Config{
		Workers: cfg.Workers,
		Retry: retrieval.RetryPolicy{
			MaxAttempts:    cfg.Retry.MaxAttempts,
			InitialBackoff: cfg.Retry.InitialBackoff,
			MaxBackoff:     cfg.Retry.MaxBackoff,
		},
		CallTimeout:     cfg.CallTimeout,
		EmbedBatchSize:  cfg.EmbedBatchSize,
		RerankBatchSize: cfg.RerankBatchSize,
	}
}

// newEngine builds the retrieval engine and everything it owns. The returned
// cleanup closes the cache.
func newEngine(ctx context.Context, config *Config, m *metrics.Metrics, log *zap.Logger) (*retrieval.Engine, func(), error) {
	limiter := provider.NewLimiter(config.Retrieval.RateLimit, config.Retrieval.RateBurst)

	factory, err := newProviderFactory(config.Provider, limiter, m, log)
	if err != nil {
		return nil, nil, err
	}

	c, err := newCache(ctx, config.Cache, log)
	if err != nil {
		return nil, nil, fmt.Errorf("opening embedding cache: %w", err)
	}
	cleanup := func() {
		if err := c.Close(); err != nil {
			log.Warn("closing embedding cache", zap.Error(err))
		}
	}

	engine, err := retrieval.New(ctx, engineConfig(config.Retrieval), factory, c, m, log)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("starting retrieval workers: %w", err)
	}

	log.Info("retrieval engine ready",
		zap.String("embed_model", engine.EmbedModel()),
		zap.String("rerank_model", engine.RerankModel()),
		zap.String("cache", c.Name()),
	)

	return engine, cleanup, nil
}
