// Package retrieval ranks a user's knowledge against a query using hybrid
// scoring: vector similarity from the store, an exact-match safety net, and
// recency tiers. Pure similarity is unreliable at small corpus sizes and
// under the degraded-embedding fallback, so exact match and recency keep the
// ordering useful even when the embedding upstream is down.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shopmind/shopmind/internal/embedding"
	"github.com/shopmind/shopmind/internal/knowledge"
)

var (
	ErrEmptyQuery  = errors.New("query text is required")
	ErrMissingUser = errors.New("user ID is required")
)

// Priority tiers, evaluated in order with first match winning.
const (
	priorityExact        = 3.0
	priorityRecentMemory = 2.5
	priorityDay          = 1.5
	priorityWeek         = 1.0
	priorityBase         = 0.5
)

// Confidence bands derived from similarity.
const (
	confidenceExact  = 1.0
	confidenceHigh   = 0.9
	confidenceMedium = 0.7
	confidenceLow    = 0.4

	// confidenceRecencyFloor keeps fresh preference and memory items
	// retrievable when the query vector is degraded and similarity is
	// meaningless.
	confidenceRecencyFloor = 0.35

	similarityHighBand   = 0.8
	similarityMediumBand = 0.6
)

const (
	DefaultLimit = 6
	MaxLimit     = 20

	defaultTouchTimeout = 5 * time.Second
)

// Embedder produces query vectors, possibly degraded.
type Embedder interface {
	Embed(ctx context.Context, text string) (embedding.Result, error)
}

// CandidateSource supplies the per-user candidate pool and access tracking.
type CandidateSource interface {
	Candidates(ctx context.Context, userID, queryText string, vec []float32, limit int) ([]knowledge.Candidate, error)
	Touch(ctx context.Context, ids []uuid.UUID) error
}

// ScoredItem is one ranked knowledge item with its scoring breakdown.
type ScoredItem struct {
	knowledge.Item

	Similarity float64
	Priority   float64
	Confidence float64
	Exact      bool
}

// Result is the ranked context set for one query. Not persisted; every call
// recomputes from scratch.
type Result struct {
	Items []ScoredItem

	// QueryVector is the embedding the ranking ran against. Callers that
	// memoize the turn (response cache) keep it alongside the answer.
	QueryVector []float32

	// Degraded reports that the query vector came from the embedding
	// fallback, so similarity scores were zeroed.
	Degraded bool
}

// Options tunes the engine. Zero values fall back to defaults.
type Options struct {
	// SimilarityFloor is the minimum similarity for non-exact,
	// non-recent items to appear at all.
	SimilarityFloor float64

	// Limit is the default result cap when the caller passes limit <= 0.
	Limit int

	// TouchTimeout bounds the fire-and-forget access-tracking update.
	TouchTimeout time.Duration
}

// Engine ranks knowledge items for chat context.
//
// Engine is safe for concurrent use by multiple goroutines.
type Engine struct {
	source   CandidateSource
	embedder Embedder
	floor    float64
	limit    int
	touchTTL time.Duration
	logger   *slog.Logger

	wg sync.WaitGroup
}

// New creates a retrieval Engine.
func New(source CandidateSource, embedder Embedder, opts Options, logger *slog.Logger) (*Engine, error) {
	if source == nil {
		return nil, fmt.Errorf("candidate source is required")
	}
	if embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if opts.SimilarityFloor <= 0 || opts.SimilarityFloor >= 1 {
		opts.SimilarityFloor = 0.25
	}
	if opts.Limit <= 0 || opts.Limit > MaxLimit {
		opts.Limit = DefaultLimit
	}
	if opts.TouchTimeout <= 0 {
		opts.TouchTimeout = defaultTouchTimeout
	}
	return &Engine{
		source:   source,
		embedder: embedder,
		floor:    opts.SimilarityFloor,
		limit:    opts.Limit,
		touchTTL: opts.TouchTimeout,
		logger:   logger.With("component", "retrieval"),
	}, nil
}

// Retrieve returns the ranked context set for a user's query.
//
// An empty knowledge base yields an empty result, not an error. Access
// tracking for returned items happens in the background and never delays
// the caller.
func (e *Engine) Retrieve(ctx context.Context, userID, queryText string, limit int) (*Result, error) {
	if userID == "" {
		return nil, ErrMissingUser
	}
	if strings.TrimSpace(queryText) == "" {
		return nil, ErrEmptyQuery
	}
	if limit <= 0 {
		limit = e.limit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	embedded, err := e.embedder.Embed(ctx, queryText)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	candidates, err := e.source.Candidates(ctx, userID, queryText, embedded.Vector, knowledge.MaxCandidates)
	if err != nil {
		return nil, fmt.Errorf("gathering candidates: %w", err)
	}

	result := e.rank(candidates, queryText, embedded.Degraded, limit)
	result.QueryVector = embedded.Vector

	if len(result.Items) > 0 {
		ids := make([]uuid.UUID, len(result.Items))
		for i, item := range result.Items {
			ids[i] = item.ID
		}
		e.touchAsync(ctx, ids)
	}

	return result, nil
}

// rank scores, filters, and orders a candidate pool. Pure: no I/O.
func (e *Engine) rank(candidates []knowledge.Candidate, queryText string, degraded bool, limit int) *Result {
	now := time.Now()
	scored := make([]ScoredItem, 0, len(candidates))

	for _, c := range candidates {
		similarity := c.Similarity
		if degraded {
			// A fallback query vector produces meaningless distances.
			similarity = 0
		}

		exact := c.Lexical || containsFold(c.Content, queryText)
		priority := priorityFor(c.Item, exact, now)
		confidence := confidenceFor(c.Item, exact, similarity, e.floor, now)

		if confidence <= 0 {
			continue
		}
		if !exact && similarity < e.floor && !recentMemory(c.Item, now) {
			continue
		}

		scored = append(scored, ScoredItem{
			Item:       c.Item,
			Similarity: similarity,
			Priority:   priority,
			Confidence: confidence,
			Exact:      exact,
		})
	}

	// Deterministic order keeps repeated identical queries stable, which
	// the response cache fingerprint depends on.
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Priority != scored[j].Priority {
			return scored[i].Priority > scored[j].Priority
		}
		if scored[i].Similarity != scored[j].Similarity {
			return scored[i].Similarity > scored[j].Similarity
		}
		return scored[i].CreatedAt.After(scored[j].CreatedAt)
	})

	if len(scored) > limit {
		scored = scored[:limit]
	}
	return &Result{Items: scored, Degraded: degraded}
}

// priorityFor assigns the tie-break weight. Rules are evaluated in order;
// the first match wins.
func priorityFor(item knowledge.Item, exact bool, now time.Time) float64 {
	age := now.Sub(item.CreatedAt)
	switch {
	case exact:
		return priorityExact
	case recentMemory(item, now):
		return priorityRecentMemory
	case age <= 24*time.Hour:
		return priorityDay
	case age <= 7*24*time.Hour:
		return priorityWeek
	default:
		return priorityBase
	}
}

// confidenceFor derives the noise filter scalar. Zero means the item never
// appears, no matter what else matched.
func confidenceFor(item knowledge.Item, exact bool, similarity, floor float64, now time.Time) float64 {
	if exact {
		return confidenceExact
	}

	var band float64
	switch {
	case similarity >= similarityHighBand:
		band = confidenceHigh
	case similarity >= similarityMediumBand:
		band = confidenceMedium
	case similarity >= floor:
		band = confidenceLow
	}

	if recentMemory(item, now) && band < confidenceRecencyFloor {
		return confidenceRecencyFloor
	}
	return band
}

// recentMemory reports whether the item is a preference or memory created
// within the last 7 days.
func recentMemory(item knowledge.Item, now time.Time) bool {
	if item.Type != knowledge.TypePreference && item.Type != knowledge.TypeMemory {
		return false
	}
	return now.Sub(item.CreatedAt) <= 7*24*time.Hour
}

// containsFold reports a case-insensitive substring match of query in content.
func containsFold(content, query string) bool {
	query = strings.TrimSpace(query)
	if query == "" {
		return false
	}
	return strings.Contains(strings.ToLower(content), strings.ToLower(query))
}

// touchAsync updates access tracking in the background. The update survives
// request cancellation but is bounded by its own timeout.
func (e *Engine) touchAsync(ctx context.Context, ids []uuid.UUID) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		touchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.touchTTL)
		defer cancel()
		if err := e.source.Touch(touchCtx, ids); err != nil {
			e.logger.Warn("access tracking update failed", "error", err, "count", len(ids))
		}
	}()
}

// Wait blocks until background access-tracking updates finish. Called during
// graceful shutdown.
func (e *Engine) Wait() {
	e.wg.Wait()
}
