// Package embedding wraps the upstream embedding model behind a cached,
// failure-tolerant provider.
//
// The provider never fails the caller on upstream trouble: when the model is
// unreachable or returns garbage, it hands back a deterministic fallback
// vector flagged Degraded so downstream ranking can discount it. Callers that
// need guaranteed precision must check the flag and fall back to lexical
// matching.
package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"google.golang.org/genai"
)

// Result is the outcome of an embedding call.
type Result struct {
	// Vector is the fixed-length embedding. Always len == Provider dimension.
	Vector []float32

	// Degraded reports that Vector is a local fallback, not a real model
	// embedding. Degraded vectors must not be trusted for similarity ranking.
	Degraded bool
}

// Provider turns text into fixed-length vectors with an in-process cache.
//
// Provider is safe for concurrent use by multiple goroutines.
type Provider struct {
	embedder  ai.Embedder
	dimension int
	timeout   time.Duration
	cache     *expirable.LRU[string, []float32]
	logger    *slog.Logger
}

// Options configures optional Provider behavior.
type Options struct {
	// CacheSize bounds the in-process cache. Default 512 entries.
	CacheSize int

	// CacheTTL expires cache entries. Default 5 minutes.
	CacheTTL time.Duration

	// Timeout bounds a single upstream call. Default 10 seconds.
	Timeout time.Duration
}

// New creates a Provider for the given embedder and vector dimension.
func New(embedder ai.Embedder, dimension int, opts Options, logger *slog.Logger) (*Provider, error) {
	if embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	if dimension <= 0 {
		return nil, fmt.Errorf("dimension must be positive, got %d", dimension)
	}
	if logger == nil {
		logger = slog.Default()
	}

	size := opts.CacheSize
	if size <= 0 {
		size = 512
	}
	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &Provider{
		embedder:  embedder,
		dimension: dimension,
		timeout:   timeout,
		cache:     expirable.NewLRU[string, []float32](size, nil, ttl),
		logger:    logger,
	}, nil
}

// Dimension returns the fixed vector length this provider produces.
func (p *Provider) Dimension() int {
	return p.dimension
}

// Embed returns the embedding for text.
//
// The same query text is typically embedded more than once within a single
// turn (retrieval plus cache lookup), so results are cached by content hash.
// On upstream failure Embed returns a flagged fallback vector instead of an
// error; the only error return is caller context cancellation.
func (p *Provider) Embed(ctx context.Context, text string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, fmt.Errorf("embedding %d bytes: %w", len(text), err)
	}

	key := cacheKey(text)
	if vec, ok := p.cache.Get(key); ok {
		return Result{Vector: vec}, nil
	}

	embedCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	vec, err := p.callUpstream(embedCtx, text)
	if err != nil {
		// The caller going away is not an upstream failure; report it.
		if ctx.Err() != nil {
			return Result{}, fmt.Errorf("embedding %d bytes: %w", len(text), ctx.Err())
		}
		p.logger.Warn("embedding upstream failed, using degraded fallback", "error", err, "text_len", len(text))
		return Result{Vector: p.fallbackVector(text), Degraded: true}, nil
	}

	p.cache.Add(key, vec)
	return Result{Vector: vec}, nil
}

// callUpstream performs one embedding call and validates the response shape.
func (p *Provider) callUpstream(ctx context.Context, text string) ([]float32, error) {
	dim := int32(p.dimension)
	resp, err := p.embedder.Embed(ctx, &ai.EmbedRequest{
		Input:   []*ai.Document{ai.DocumentFromText(text, nil)},
		Options: &genai.EmbedContentConfig{OutputDimensionality: &dim},
	})
	if err != nil {
		return nil, fmt.Errorf("embedding text: %w", err)
	}
	if len(resp.Embeddings) == 0 || len(resp.Embeddings[0].Embedding) == 0 {
		return nil, fmt.Errorf("empty embedding response")
	}
	vec := resp.Embeddings[0].Embedding
	if len(vec) != p.dimension {
		return nil, fmt.Errorf("embedding dimension %d, want %d", len(vec), p.dimension)
	}
	return vec, nil
}

// fallbackVector derives a deterministic unit vector from the text hash.
// Deterministic so repeated failures for the same text stay stable; never
// cached so a recovered upstream replaces it on the next call.
func (p *Provider) fallbackVector(text string) []float32 {
	vec := make([]float32, p.dimension)
	seed := sha256.Sum256([]byte(text))

	var norm float64
	block := seed[:]
	for i := 0; i < p.dimension; i++ {
		// Expand the hash into as many bytes as the dimension needs.
		if off := (i * 4) % sha256.Size; off == 0 && i > 0 {
			next := sha256.Sum256(block)
			block = next[:]
		}
		bits := binary.BigEndian.Uint32(block[(i*4)%sha256.Size:])
		v := float64(int32(bits)) / float64(math.MaxInt32)
		vec[i] = float32(v)
		norm += v * v
	}

	if norm > 0 {
		inv := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= inv
		}
	}
	return vec
}

// cacheKey hashes text so arbitrarily large inputs key a bounded cache.
func cacheKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return string(sum[:])
}
