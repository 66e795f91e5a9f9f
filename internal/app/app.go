// Package app provides application initialization and dependency wiring.
//
// App is the composition root: it connects Postgres and Redis, initializes
// Genkit with the configured AI provider, and assembles the embedding,
// knowledge, retrieval, caching, analysis, and orchestration components.
package app

import (
	"log/slog"

	"github.com/firebase/genkit/go/genkit"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/shopmind/shopmind/internal/config"
	"github.com/shopmind/shopmind/internal/embedding"
	"github.com/shopmind/shopmind/internal/knowledge"
	"github.com/shopmind/shopmind/internal/orchestrator"
	"github.com/shopmind/shopmind/internal/respcache"
	"github.com/shopmind/shopmind/internal/retrieval"
	"github.com/shopmind/shopmind/internal/tools"
	"github.com/shopmind/shopmind/internal/value"
)

// App is the core application container.
type App struct {
	Config *config.Config
	Logger *slog.Logger

	// Core services
	Genkit *genkit.Genkit
	Pool   *pgxpool.Pool
	Redis  *redis.Client

	// Domain components
	Embedding    *embedding.Provider
	Knowledge    *knowledge.Store
	Retrieval    *retrieval.Engine
	Cache        *respcache.Cache
	Analyzer     *value.Analyzer
	Tools        *tools.Registry
	Orchestrator *orchestrator.Orchestrator

	cancel func()
}

// Close gracefully shuts down all resources. Background work (knowledge
// commits, cache writes, touch updates) is drained before connections close.
func (a *App) Close() error {
	a.Logger.Info("shutting down application")

	if a.cancel != nil {
		a.cancel()
	}

	if a.Orchestrator != nil {
		a.Orchestrator.Wait()
	}
	if a.Analyzer != nil {
		a.Analyzer.Wait()
	}
	if a.Retrieval != nil {
		a.Retrieval.Wait()
	}

	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.Logger.Warn("closing redis client", "error", err)
		}
	}
	if a.Pool != nil {
		a.Pool.Close()
		a.Logger.Info("database pool closed")
	}

	return nil
}
