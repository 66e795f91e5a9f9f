package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"golang.org/x/time/rate"
)

// Generator abstracts the generation model: a streaming prose call plus a
// lightweight classification call for tool intent.
type Generator interface {
	// Stream generates prose for the prompt, delivering chunks through
	// onChunk as they arrive, and returns the full text.
	Stream(ctx context.Context, prompt string, onChunk func(ctx context.Context, text string) error) (string, error)

	// Classify runs a non-streaming pass over the classification prompt
	// and returns the raw model output.
	Classify(ctx context.Context, prompt string) (string, error)
}

// RetryConfig configures backoff for model calls.
type RetryConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryConfig returns sensible defaults for model API calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
	}
}

// retryablePatterns groups transient error substrings by category, matched
// case-insensitively. Provider SDKs do not expose typed errors for these.
var retryablePatterns = [][]string{
	{"rate limit", "quota exceeded", "429"},
	{"500", "502", "503", "504", "unavailable"},
	{"connection reset", "timeout", "temporary"},
}

func retryableError(err error) bool {
	if err == nil {
		return false
	}
	lower := strings.ToLower(err.Error())
	for _, group := range retryablePatterns {
		for _, sub := range group {
			if strings.Contains(lower, sub) {
				return true
			}
		}
	}
	return false
}

// GenkitGenerator is the production Generator backed by genkit.
type GenkitGenerator struct {
	g         *genkit.Genkit
	modelName string
	retry     RetryConfig
	limiter   *rate.Limiter
	logger    *slog.Logger
}

// NewGenkitGenerator creates the genkit-backed generator. The limiter is
// shared across streaming and classification calls; nil enables a default
// of 10 req/s with burst 30.
func NewGenkitGenerator(g *genkit.Genkit, modelName string, retry RetryConfig, limiter *rate.Limiter, logger *slog.Logger) (*GenkitGenerator, error) {
	if g == nil {
		return nil, fmt.Errorf("genkit instance is required")
	}
	if modelName == "" {
		return nil, fmt.Errorf("model name is required")
	}
	if retry.MaxRetries == 0 {
		retry = DefaultRetryConfig()
	}
	if limiter == nil {
		limiter = rate.NewLimiter(10, 30)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GenkitGenerator{
		g:         g,
		modelName: modelName,
		retry:     retry,
		limiter:   limiter,
		logger:    logger.With("component", "generator"),
	}, nil
}

func (gg *GenkitGenerator) Stream(ctx context.Context, prompt string, onChunk func(ctx context.Context, text string) error) (string, error) {
	opts := []ai.GenerateOption{
		ai.WithModelName(gg.modelName),
		ai.WithPrompt(prompt),
	}
	if onChunk != nil {
		opts = append(opts, ai.WithStreaming(func(cbCtx context.Context, chunk *ai.ModelResponseChunk) error {
			text := chunk.Text()
			if text == "" {
				return nil
			}
			return onChunk(cbCtx, text)
		}))
	}

	resp, err := gg.generateWithRetry(ctx, opts)
	if err != nil {
		return "", err
	}
	return resp.Text(), nil
}

func (gg *GenkitGenerator) Classify(ctx context.Context, prompt string) (string, error) {
	resp, err := gg.generateWithRetry(ctx, []ai.GenerateOption{
		ai.WithModelName(gg.modelName),
		ai.WithPrompt(prompt),
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Text()), nil
}

// generateWithRetry executes a model call with exponential backoff. Each
// attempt goes through the rate limiter, including retries.
func (gg *GenkitGenerator) generateWithRetry(ctx context.Context, opts []ai.GenerateOption) (*ai.ModelResponse, error) {
	var lastErr error
	delay := gg.retry.InitialInterval
	start := time.Now()

	for attempt := 0; attempt <= gg.retry.MaxRetries; attempt++ {
		if err := gg.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}

		resp, err := genkit.Generate(ctx, gg.g, opts...)
		if err == nil {
			gg.logger.Debug("model call succeeded", "attempts", attempt+1, "elapsed", time.Since(start))
			return resp, nil
		}

		lastErr = err
		if !retryableError(err) {
			return nil, fmt.Errorf("generating: %w", err)
		}
		if attempt == gg.retry.MaxRetries {
			break
		}

		gg.logger.Debug("retrying model call", "attempt", attempt+1, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("context canceled during retry: %w", ctx.Err())
		case <-time.After(delay):
			delay = min(delay*2, gg.retry.MaxInterval)
		}
	}

	return nil, fmt.Errorf("generating after %d retries (elapsed: %v): %w",
		gg.retry.MaxRetries, time.Since(start), lastErr)
}
