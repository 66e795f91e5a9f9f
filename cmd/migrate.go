package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/shopmind/shopmind/db"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	Long: `Applies embedded schema migrations to the configured PostgreSQL
database. Safe to run repeatedly; already-applied migrations are skipped.
The serve command also migrates on startup, so this exists for operators
who migrate ahead of a rolling deploy.`,
	RunE: func(*cobra.Command, []string) error {
		return runMigrate()
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate() error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	if err := db.Migrate(cfg.PostgresURL()); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("migrations applied")
	return nil
}
