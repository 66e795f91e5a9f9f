// Package respcache memoizes generated answers per user in Redis. Entries
// are keyed by (user, query fingerprint) and expire on a short TTL; a hit
// for one user is never visible to another, even for byte-identical
// queries, because the key always embeds the user ID.
package respcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrMiss is returned when no live entry exists. A miss is never a
	// failure, callers fall through to the full retrieval path.
	ErrMiss = errors.New("cache miss")

	ErrMissingUser = errors.New("user ID is required")
	ErrEmptyQuery  = errors.New("query text is required")
)

const (
	// DefaultTTL bounds how long a memoized answer stays valid.
	DefaultTTL = 30 * time.Minute

	keyPrefix = "chatcache"
)

// Response is the memoized payload: the generated prose plus which
// knowledge items informed it. Tool-bearing turns are never cached, so no
// tool payload appears here.
type Response struct {
	Text      string      `json:"text"`
	SourceIDs []uuid.UUID `json:"source_ids,omitempty"`
}

// Entry is one cached answer with hit accounting. QueryEmbedding is the
// vector the original retrieval ran against, kept for offline analysis of
// near-duplicate queries that normalized to different fingerprints.
type Entry struct {
	UserID         string     `json:"user_id"`
	Fingerprint    string     `json:"fingerprint"`
	QueryEmbedding []float32  `json:"query_embedding,omitempty"`
	Response       Response   `json:"response"`
	CreatedAt      time.Time  `json:"created_at"`
	ExpiresAt      time.Time  `json:"expires_at"`
	HitCount       int        `json:"hit_count"`
	LastHitAt      *time.Time `json:"last_hit_at,omitempty"`
}

// Cache is the Redis-backed response cache.
//
// Cache is safe for concurrent use by multiple goroutines.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// New creates a response Cache. ttl <= 0 falls back to DefaultTTL.
func New(client *redis.Client, ttl time.Duration, logger *slog.Logger) (*Cache, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{client: client, ttl: ttl, logger: logger.With("component", "respcache")}, nil
}

// Lookup returns the live entry for a user's query, or ErrMiss.
// Expired entries are treated as misses even if Redis has not swept
// them yet.
func (c *Cache) Lookup(ctx context.Context, userID, queryText string) (*Entry, error) {
	if userID == "" {
		return nil, ErrMissingUser
	}
	if strings.TrimSpace(queryText) == "" {
		return nil, ErrEmptyQuery
	}

	key := cacheKey(userID, Fingerprint(queryText))
	raw, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("reading cache entry: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		// A corrupt entry is unrecoverable; drop it and report a miss.
		c.logger.Warn("dropping corrupt cache entry", "key", key, "error", err)
		if delErr := c.client.Del(ctx, key).Err(); delErr != nil {
			c.logger.Warn("deleting corrupt cache entry", "key", key, "error", delErr)
		}
		return nil, ErrMiss
	}

	if !entry.ExpiresAt.After(time.Now()) {
		if delErr := c.client.Del(ctx, key).Err(); delErr != nil {
			c.logger.Warn("deleting expired cache entry", "key", key, "error", delErr)
		}
		return nil, ErrMiss
	}

	return &entry, nil
}

// Store upserts the answer for a user's query. A fresh write resets hit
// accounting and restarts the TTL clock. queryVec may be nil (degraded
// embeddings are not worth keeping).
func (c *Cache) Store(ctx context.Context, userID, queryText string, queryVec []float32, resp Response) error {
	if userID == "" {
		return ErrMissingUser
	}
	if strings.TrimSpace(queryText) == "" {
		return ErrEmptyQuery
	}

	now := time.Now()
	entry := Entry{
		UserID:         userID,
		Fingerprint:    Fingerprint(queryText),
		QueryEmbedding: queryVec,
		Response:       resp,
		CreatedAt:      now,
		ExpiresAt:      now.Add(c.ttl),
	}

	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding cache entry: %w", err)
	}

	key := cacheKey(userID, entry.Fingerprint)
	if err := c.client.Set(ctx, key, raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("writing cache entry: %w", err)
	}
	return nil
}

// RecordHit bumps hit accounting for a served entry without extending its
// lifetime. Best-effort: used for cache-effectiveness metrics, not
// correctness.
func (c *Cache) RecordHit(ctx context.Context, entry *Entry) error {
	if entry == nil {
		return fmt.Errorf("entry is required")
	}

	now := time.Now()
	entry.HitCount++
	entry.LastHitAt = &now

	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding cache entry: %w", err)
	}

	key := cacheKey(entry.UserID, entry.Fingerprint)
	// KEEPTTL preserves the original expiry; a hit must not refresh it.
	if err := c.client.Set(ctx, key, raw, redis.KeepTTL).Err(); err != nil {
		return fmt.Errorf("recording cache hit: %w", err)
	}
	return nil
}

// Invalidate removes every cached answer for a user. Called when the
// user's knowledge base changes enough that memoized answers go stale.
func (c *Cache) Invalidate(ctx context.Context, userID string) error {
	if userID == "" {
		return ErrMissingUser
	}

	pattern := keyPrefix + ":" + userID + ":*"
	iter := c.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			c.logger.Warn("invalidating cache entry", "key", iter.Val(), "error", err)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scanning cache entries: %w", err)
	}
	return nil
}

// Fingerprint produces the stable hash of a normalized query. Queries that
// differ only in case or surrounding whitespace share a fingerprint.
func Fingerprint(queryText string) string {
	normalized := normalizeQuery(queryText)
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// normalizeQuery trims, lowercases, and collapses internal whitespace runs
// to single spaces.
func normalizeQuery(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func cacheKey(userID, fingerprint string) string {
	return keyPrefix + ":" + userID + ":" + fingerprint
}
