package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/shopmind/shopmind/db"
	"github.com/shopmind/shopmind/internal/knowledge"
)

const defaultRetention = 180 * 24 * time.Hour

var maintainRetention time.Duration

var maintainCmd = &cobra.Command{
	Use:   "maintain",
	Short: "Purge stale knowledge items",
	Long: `Deletes knowledge items across all shoppers that have gone unread
and unwritten for longer than the retention window. Intended to run from a
scheduled job; a purge never touches items accessed within the window.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runMaintain(cmd.Context())
	},
}

func init() {
	maintainCmd.Flags().DurationVar(&maintainRetention, "retention", defaultRetention,
		"delete items untouched for longer than this")
	rootCmd.AddCommand(maintainCmd)
}

func runMaintain(ctx context.Context) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	if maintainRetention <= 0 {
		return fmt.Errorf("retention must be positive, got %s", maintainRetention)
	}

	pool, err := db.NewPool(ctx, cfg.PostgresConnectionString())
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	// Purge-only store, no embedder needed.
	store, err := knowledge.NewStore(pool, nil, logger.With("component", "knowledge"))
	if err != nil {
		return fmt.Errorf("creating knowledge store: %w", err)
	}

	start := time.Now()
	purged, err := store.PurgeAllOlderThan(ctx, maintainRetention)
	if err != nil {
		return fmt.Errorf("purging stale knowledge: %w", err)
	}

	logger.Info("retention purge complete",
		"purged", purged,
		"retention", maintainRetention,
		"duration", time.Since(start),
	)
	return nil
}
