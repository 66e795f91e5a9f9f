package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"github.com/firebase/genkit/go/plugins/ollama"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/shopmind/shopmind/db"
	"github.com/shopmind/shopmind/internal/config"
	"github.com/shopmind/shopmind/internal/embedding"
	"github.com/shopmind/shopmind/internal/knowledge"
	"github.com/shopmind/shopmind/internal/orchestrator"
	"github.com/shopmind/shopmind/internal/respcache"
	"github.com/shopmind/shopmind/internal/retrieval"
	"github.com/shopmind/shopmind/internal/tools"
	"github.com/shopmind/shopmind/internal/value"
)

const redisPingTimeout = 5 * time.Second

// Setup creates and initializes the application.
// Returns an App with embedded cleanup — call Close() to release.
func Setup(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *App, retErr error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Config: cfg, Logger: logger}

	// On error, clean up everything already initialized
	defer func() {
		if retErr != nil {
			if err := a.Close(); err != nil {
				logger.Warn("cleanup during setup failure", "error", err)
			}
		}
	}()

	pool, err := providePool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.Pool = pool

	rdb, err := provideRedis(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.Redis = rdb

	g, embedder, err := provideGenkit(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.Genkit = g

	a.Embedding, err = embedding.New(embedder, cfg.EmbedDimension, embedding.Options{
		CacheSize: cfg.EmbedCacheSize,
		CacheTTL:  cfg.EmbedCacheTTL,
		Timeout:   cfg.EmbedTimeout,
	}, logger.With("component", "embedding"))
	if err != nil {
		return nil, fmt.Errorf("creating embedding provider: %w", err)
	}

	a.Knowledge, err = knowledge.NewStore(pool, a.Embedding, logger.With("component", "knowledge"))
	if err != nil {
		return nil, fmt.Errorf("creating knowledge store: %w", err)
	}

	a.Retrieval, err = retrieval.New(a.Knowledge, a.Embedding, retrieval.Options{
		SimilarityFloor: cfg.SimilarityFloor,
		Limit:           cfg.RetrievalLimit,
	}, logger.With("component", "retrieval"))
	if err != nil {
		return nil, fmt.Errorf("creating retrieval engine: %w", err)
	}

	a.Cache, err = respcache.New(rdb, cfg.CacheTTL, logger.With("component", "respcache"))
	if err != nil {
		return nil, fmt.Errorf("creating response cache: %w", err)
	}

	extractor, err := value.NewExtractor(g, cfg.ModelName)
	if err != nil {
		return nil, fmt.Errorf("creating fact extractor: %w", err)
	}
	a.Analyzer, err = value.New(a.Knowledge, extractor, logger.With("component", "value"))
	if err != nil {
		return nil, fmt.Errorf("creating value analyzer: %w", err)
	}

	a.Tools, err = tools.NewRegistry(cfg.Tools, logger.With("component", "tools"))
	if err != nil {
		return nil, fmt.Errorf("creating tool registry: %w", err)
	}

	generator, err := orchestrator.NewGenkitGenerator(g, cfg.ModelName,
		orchestrator.DefaultRetryConfig(), nil, logger.With("component", "generator"))
	if err != nil {
		return nil, fmt.Errorf("creating generator: %w", err)
	}

	// Background work (cache writes, knowledge commits) survives request
	// cancellation and stops when the app shuts down.
	bgCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.cancel = cancel

	a.Orchestrator, err = orchestrator.New(orchestrator.Config{
		Generator:      generator,
		Retriever:      a.Retrieval,
		Cache:          a.Cache,
		Analyzer:       a.Analyzer,
		Tools:          a.Tools,
		Logger:         logger.With("component", "orchestrator"),
		RetrievalLimit: cfg.RetrievalLimit,
		BackgroundCtx:  bgCtx,
	})
	if err != nil {
		return nil, fmt.Errorf("creating orchestrator: %w", err)
	}

	return a, nil
}

// providePool runs migrations and opens the PostgreSQL connection pool.
func providePool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	if err := db.Migrate(cfg.PostgresURL()); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	pool, err := db.NewPool(ctx, cfg.PostgresConnectionString())
	if err != nil {
		return nil, err
	}
	return pool, nil
}

// provideRedis connects the response cache backend and verifies connectivity.
func provideRedis(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return rdb, nil
}

// provideGenkit initializes Genkit with the configured AI provider and
// resolves the embedder. Supports googleai (default) and ollama.
func provideGenkit(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*genkit.Genkit, ai.Embedder, error) {
	provider := cfg.Provider
	if provider == "" {
		provider = "googleai"
	}

	var g *genkit.Genkit
	var embedder ai.Embedder

	switch provider {
	case "ollama":
		ollamaPlugin := &ollama.Ollama{ServerAddress: cfg.OllamaHost}
		g = genkit.Init(ctx, genkit.WithPlugins(ollamaPlugin))
		if g == nil {
			return nil, nil, fmt.Errorf("initializing genkit with ollama provider")
		}
		// Ollama requires explicit model registration (no auto-discovery)
		ollamaPlugin.DefineModel(g, ollama.ModelDefinition{
			Name: cfg.ModelName,
			Type: "chat",
		}, nil)
		ollamaPlugin.DefineEmbedder(g, cfg.OllamaHost, cfg.EmbedderModel, nil)
		embedder = ollama.Embedder(g, cfg.OllamaHost)
		logger.Info("initialized Genkit with ollama provider",
			"model", cfg.ModelName, "host", cfg.OllamaHost)

	case "googleai":
		g = genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))
		if g == nil {
			return nil, nil, fmt.Errorf("initializing genkit with googleai provider")
		}
		embedder = googlegenai.GoogleAIEmbedder(g, cfg.EmbedderModel)
		logger.Info("initialized Genkit with googleai provider", "model", cfg.ModelName)

	default:
		return nil, nil, fmt.Errorf("unknown AI provider %q", provider)
	}

	if embedder == nil {
		return nil, nil, fmt.Errorf("embedder %q not found for provider %q", cfg.EmbedderModel, provider)
	}
	return g, embedder, nil
}
