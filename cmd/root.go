// Package cmd provides the shopmind CLI commands.
//
// Commands:
//   - serve: HTTP API server with SSE chat streaming
//   - migrate: apply pending database migrations
//   - maintain: retention purge for stale knowledge
//   - version: build information
package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/shopmind/shopmind/internal/config"
	"github.com/shopmind/shopmind/internal/log"
)

var rootCmd = &cobra.Command{
	Use:   "shopmind",
	Short: "shopmind - retrieval-augmented shopping assistant service",
	Long: `shopmind serves the marketplace chat assistant: per-shopper knowledge
retrieval, response caching, and streaming generation over SSE.

Run 'shopmind serve' to start the HTTP API.`,
	SilenceUsage: true,
}

// Execute is the main entry point for the shopmind CLI.
func Execute() error {
	return rootCmd.Execute()
}

// loadConfig loads configuration, validates it, and installs the default
// logger. Shared by all commands that need the full stack.
func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("validating config: %w", err)
	}

	logger := log.New(log.Config{
		Level: parseLogLevel(cfg.LogLevel),
		JSON:  cfg.LogJSON,
	})
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func init() {
	cobra.OnInitialize(func() {
		// DEBUG=1 forces debug logging before config is even loaded.
		if os.Getenv("DEBUG") != "" {
			slog.SetDefault(log.New(log.Config{Level: slog.LevelDebug}))
		}
	})
}
