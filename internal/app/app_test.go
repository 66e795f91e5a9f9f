package app

import (
	"log/slog"
	"testing"

	"github.com/shopmind/shopmind/internal/config"
)

func TestClose_PartialWiring(t *testing.T) {
	// Setup cleans up via Close on failure paths, so Close must tolerate
	// whatever subset of fields got initialized.
	a := &App{
		Config: &config.Config{},
		Logger: slog.New(slog.DiscardHandler),
	}

	if err := a.Close(); err != nil {
		t.Fatalf("Close() on empty app = %v", err)
	}
}

func TestSetup_UnknownProvider(t *testing.T) {
	cfg := &config.Config{Provider: "mainframe"}

	if _, _, err := provideGenkit(t.Context(), cfg, slog.New(slog.DiscardHandler)); err == nil {
		t.Fatal("expected error for unknown provider")
	}
}
