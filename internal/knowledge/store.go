// Package knowledge persists per-user knowledge items in PostgreSQL with
// pgvector embeddings. Every read and write is scoped to a single user ID;
// nothing in this package ever returns another user's rows.
package knowledge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/shopmind/shopmind/internal/embedding"
)

// Embedder supplies vectors for content written without one.
type Embedder interface {
	Embed(ctx context.Context, text string) (embedding.Result, error)
}

// querier is the common interface satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// itemCols is the standard SELECT column list for scanItems.
const itemCols = `id, user_id, content, content_type, metadata, topics,
	importance, access_count, created_at, updated_at, last_accessed_at`

// Store manages knowledge items backed by PostgreSQL + pgvector.
//
// Store is safe for concurrent use by multiple goroutines.
type Store struct {
	db       querier
	embedder Embedder
	logger   *slog.Logger
}

// NewStore creates a knowledge Store on top of a pgx pool. embedder may be
// nil for maintenance-only stores; writes without a precomputed vector then
// fail instead of embedding.
func NewStore(pool *pgxpool.Pool, embedder Embedder, logger *slog.Logger) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: pool, embedder: embedder, logger: logger}, nil
}

// newStoreWithQuerier is the test seam; production code uses NewStore.
func newStoreWithQuerier(q querier, embedder Embedder, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: q, embedder: embedder, logger: logger}
}

// WriteInput carries everything needed to persist one knowledge item.
type WriteInput struct {
	UserID     string
	Content    string
	Type       ContentType
	Vector     []float32
	Metadata   map[string]string
	Topics     []string
	Importance float32
}

func (in WriteInput) validate() error {
	if in.UserID == "" {
		return ErrMissingUser
	}
	if strings.TrimSpace(in.Content) == "" {
		return ErrEmptyContent
	}
	if len(in.Content) > MaxContentLength {
		return fmt.Errorf("%w: %d bytes, max %d", ErrContentTooLong, len(in.Content), MaxContentLength)
	}
	if !in.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidContentType, in.Type)
	}
	return nil
}

// Write inserts a knowledge item, or refreshes the existing row when the same
// user already stored identical content of the same type. On conflict the row
// keeps its identity; access stats bump as if the item had been retrieved,
// updated_at moves forward, and importance keeps whichever value is higher.
//
// When in.Vector is empty the content is embedded here. A degraded embedding
// is stored as a NULL vector rather than dropped: the item stays reachable
// through exact-match and recency tiers until a later write re-embeds it.
func (s *Store) Write(ctx context.Context, in WriteInput) (uuid.UUID, error) {
	if err := in.validate(); err != nil {
		return uuid.Nil, err
	}

	vec := in.Vector
	if len(vec) == 0 {
		if s.embedder == nil {
			return uuid.Nil, fmt.Errorf("writing without a vector requires an embedder")
		}
		embedded, err := s.embedder.Embed(ctx, in.Content)
		if err != nil {
			return uuid.Nil, fmt.Errorf("embedding knowledge content: %w", err)
		}
		if embedded.Degraded {
			s.logger.Warn("storing knowledge without embedding, provider degraded", "user_id", in.UserID)
			vec = nil
		} else {
			vec = embedded.Vector
		}
	}
	var embeddingArg any
	if len(vec) > 0 {
		embeddingArg = pgvector.NewVector(vec)
	}

	importance := in.Importance
	if importance <= 0 {
		importance = 1.0
	}
	metadata := in.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}

	var id uuid.UUID
	err := s.db.QueryRow(ctx,
		`INSERT INTO knowledge_items (user_id, content, content_type, embedding, metadata, topics, importance)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (user_id, md5(content), content_type) DO UPDATE
		 SET updated_at = now(),
		     access_count = knowledge_items.access_count + 1,
		     last_accessed_at = now(),
		     importance = GREATEST(knowledge_items.importance, EXCLUDED.importance),
		     metadata = EXCLUDED.metadata,
		     topics = EXCLUDED.topics
		 RETURNING id`,
		in.UserID, in.Content, in.Type, embeddingArg,
		metadata, in.Topics, importance,
	).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("writing knowledge item: %w", err)
	}
	return id, nil
}

// Candidates runs the single ranking query for a user's knowledge. The pool
// is the union of three branches, each capped at limit rows: nearest
// neighbors by vector distance, verbatim substring matches on the query
// text, and preference/memory items from the last 7 days. The union keeps
// the exact-match and recency safety nets intact when the query vector is
// degraded and distance ordering is meaningless. NULL-embedding rows scan
// as similarity 0. The caller applies priority and confidence on top.
//
// The lexical flag uses position() rather than a pattern match so % and _
// in the query text stay literal.
//
// The user_id predicate is the tenancy boundary. It must appear in every
// branch and in no weaker form.
func (s *Store) Candidates(ctx context.Context, userID, queryText string, vec []float32, limit int) ([]Candidate, error) {
	if userID == "" {
		return nil, ErrMissingUser
	}
	if len(vec) == 0 {
		return []Candidate{}, nil
	}
	if limit <= 0 || limit > MaxCandidates {
		limit = MaxCandidates
	}
	if strings.ContainsRune(queryText, 0) {
		return []Candidate{}, nil
	}

	rows, err := s.db.Query(ctx,
		`WITH pool AS (
		     (SELECT id FROM knowledge_items
		      WHERE user_id = $1
		      ORDER BY embedding <=> $2 NULLS LAST
		      LIMIT $4)
		     UNION
		     (SELECT id FROM knowledge_items
		      WHERE user_id = $1
		        AND $3 <> ''
		        AND position(lower($3) in lower(content)) > 0
		      LIMIT $4)
		     UNION
		     (SELECT id FROM knowledge_items
		      WHERE user_id = $1
		        AND content_type IN ('preference', 'memory')
		        AND created_at >= now() - interval '7 days'
		      LIMIT $4)
		 )
		 SELECT `+itemCols+`,
		        COALESCE(1 - (embedding <=> $2), 0) AS similarity,
		        ($3 <> '' AND position(lower($3) in lower(content)) > 0) AS lexical
		 FROM knowledge_items
		 WHERE id IN (SELECT id FROM pool)
		 ORDER BY embedding <=> $2 NULLS LAST`,
		userID, pgvector.NewVector(vec), queryText, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying knowledge candidates: %w", err)
	}
	defer rows.Close()

	return scanCandidates(rows)
}

// Touch increments access_count and sets last_accessed_at for the given IDs.
//
// Best-effort: runs outside a transaction. A partial update is acceptable,
// access tracking is advisory rather than authoritative.
func (s *Store) Touch(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}

	_, err := s.db.Exec(ctx,
		`UPDATE knowledge_items
		 SET access_count = access_count + 1,
		     last_accessed_at = now()
		 WHERE id = ANY($1)`,
		ids,
	)
	if err != nil {
		return fmt.Errorf("touching %d knowledge items: %w", len(ids), err)
	}
	return nil
}

// Get returns a single item by ID for the given user.
// Returns ErrNotFound if no row exists, ErrForbidden if it belongs to
// someone else.
func (s *Store) Get(ctx context.Context, id uuid.UUID, userID string) (*Item, error) {
	if userID == "" {
		return nil, ErrMissingUser
	}

	item := &Item{}
	err := s.db.QueryRow(ctx,
		`SELECT `+itemCols+` FROM knowledge_items WHERE id = $1 AND user_id = $2`,
		id, userID,
	).Scan(
		&item.ID, &item.UserID, &item.Content, &item.Type,
		&item.Metadata, &item.Topics, &item.Importance, &item.AccessCount,
		&item.CreatedAt, &item.UpdatedAt, &item.LastAccessedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		// Distinguish not-found from wrong owner.
		var owner string
		lookupErr := s.db.QueryRow(ctx,
			`SELECT user_id FROM knowledge_items WHERE id = $1`, id,
		).Scan(&owner)
		if errors.Is(lookupErr, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		if lookupErr != nil {
			return nil, fmt.Errorf("looking up knowledge item %s: %w", id, lookupErr)
		}
		return nil, ErrForbidden
	}
	if err != nil {
		return nil, fmt.Errorf("getting knowledge item %s: %w", id, err)
	}
	return item, nil
}

// List returns a user's items newest first, optionally filtered by content
// type and a created-at lower bound (zero since means no bound).
func (s *Store) List(ctx context.Context, userID string, contentType ContentType, since time.Time, limit int) ([]*Item, error) {
	if userID == "" {
		return nil, ErrMissingUser
	}
	if contentType != "" && !contentType.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidContentType, contentType)
	}
	if limit <= 0 {
		limit = 100
	}

	// The user_id predicate always comes first; optional filters append.
	query := `SELECT ` + itemCols + ` FROM knowledge_items WHERE user_id = $1`
	args := []any{userID}
	if contentType != "" {
		args = append(args, contentType)
		query += fmt.Sprintf(" AND content_type = $%d", len(args))
	}
	if !since.IsZero() {
		args = append(args, since)
		query += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY updated_at DESC LIMIT $%d", len(args))

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing knowledge items: %w", err)
	}
	defer rows.Close()

	return scanItems(rows)
}

// Delete removes a single item for the given user.
// Returns ErrNotFound or ErrForbidden following the Get semantics.
func (s *Store) Delete(ctx context.Context, id uuid.UUID, userID string) error {
	if userID == "" {
		return ErrMissingUser
	}

	tag, err := s.db.Exec(ctx,
		`DELETE FROM knowledge_items WHERE id = $1 AND user_id = $2`,
		id, userID,
	)
	if err != nil {
		return fmt.Errorf("deleting knowledge item %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		var owner string
		lookupErr := s.db.QueryRow(ctx,
			`SELECT user_id FROM knowledge_items WHERE id = $1`, id,
		).Scan(&owner)
		if errors.Is(lookupErr, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if lookupErr != nil {
			return fmt.Errorf("looking up knowledge item %s: %w", id, lookupErr)
		}
		return ErrForbidden
	}
	return nil
}

// DeleteAll removes every item a user owns. Used for account erasure.
func (s *Store) DeleteAll(ctx context.Context, userID string) (int, error) {
	if userID == "" {
		return 0, ErrMissingUser
	}

	tag, err := s.db.Exec(ctx,
		`DELETE FROM knowledge_items WHERE user_id = $1`, userID,
	)
	if err != nil {
		return 0, fmt.Errorf("deleting all knowledge for user: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// PurgeOlderThan deletes a user's items that have not been touched within
// the retention window. Items accessed recently survive even if old.
func (s *Store) PurgeOlderThan(ctx context.Context, userID string, retention time.Duration) (int, error) {
	if userID == "" {
		return 0, ErrMissingUser
	}
	return s.purge(ctx, `AND user_id = $2`, retention, userID)
}

// PurgeAllOlderThan is the global retention sweep across every user.
func (s *Store) PurgeAllOlderThan(ctx context.Context, retention time.Duration) (int, error) {
	return s.purge(ctx, ``, retention)
}

func (s *Store) purge(ctx context.Context, userClause string, retention time.Duration, extra ...any) (int, error) {
	if retention <= 0 {
		return 0, fmt.Errorf("retention must be positive, got %s", retention)
	}

	cutoff := time.Now().Add(-retention)
	args := append([]any{cutoff}, extra...)
	tag, err := s.db.Exec(ctx,
		`DELETE FROM knowledge_items
		 WHERE updated_at < $1
		   AND (last_accessed_at IS NULL OR last_accessed_at < $1) `+userClause,
		args...,
	)
	if err != nil {
		return 0, fmt.Errorf("purging knowledge items: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Count returns how many items a user currently owns.
func (s *Store) Count(ctx context.Context, userID string) (int, error) {
	if userID == "" {
		return 0, ErrMissingUser
	}

	var count int
	if err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM knowledge_items WHERE user_id = $1`, userID,
	).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting knowledge items: %w", err)
	}
	return count, nil
}

// scanItems reads Item structs from pgx.Rows (standard column set).
func scanItems(rows pgx.Rows) ([]*Item, error) {
	var items []*Item
	for rows.Next() {
		item := &Item{}
		if err := rows.Scan(
			&item.ID, &item.UserID, &item.Content, &item.Type,
			&item.Metadata, &item.Topics, &item.Importance, &item.AccessCount,
			&item.CreatedAt, &item.UpdatedAt, &item.LastAccessedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning knowledge item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating knowledge items: %w", err)
	}
	return items, nil
}

// scanCandidates reads items plus the trailing similarity and lexical columns.
func scanCandidates(rows pgx.Rows) ([]Candidate, error) {
	var candidates []Candidate
	for rows.Next() {
		var c Candidate
		if err := rows.Scan(
			&c.ID, &c.UserID, &c.Content, &c.Type,
			&c.Metadata, &c.Topics, &c.Importance, &c.AccessCount,
			&c.CreatedAt, &c.UpdatedAt, &c.LastAccessedAt,
			&c.Similarity, &c.Lexical,
		); err != nil {
			return nil, fmt.Errorf("scanning knowledge candidate: %w", err)
		}
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating knowledge candidates: %w", err)
	}
	return candidates, nil
}
