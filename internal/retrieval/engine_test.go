package retrieval

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/shopmind/shopmind/internal/embedding"
	"github.com/shopmind/shopmind/internal/knowledge"
	"github.com/shopmind/shopmind/internal/log"
)

type mockEmbedder struct {
	degraded bool
	err      error
	calls    int
}

func (m *mockEmbedder) Embed(_ context.Context, _ string) (embedding.Result, error) {
	m.calls++
	if m.err != nil {
		return embedding.Result{}, m.err
	}
	return embedding.Result{Vector: []float32{0.1, 0.2, 0.3}, Degraded: m.degraded}, nil
}

type mockSource struct {
	mu         sync.Mutex
	candidates []knowledge.Candidate
	err        error
	touched    [][]uuid.UUID
	lastUser   string
}

func (m *mockSource) Candidates(_ context.Context, userID, _ string, _ []float32, _ int) ([]knowledge.Candidate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastUser = userID
	if m.err != nil {
		return nil, m.err
	}
	// The real store scopes by user_id in SQL; the mock mirrors that here.
	var out []knowledge.Candidate
	for _, c := range m.candidates {
		if c.UserID == userID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *mockSource) Touch(_ context.Context, ids []uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touched = append(m.touched, ids)
	return nil
}

func (m *mockSource) touchCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.touched)
}

func candidate(userID, content string, ct knowledge.ContentType, age time.Duration, similarity float64, lexical bool) knowledge.Candidate {
	now := time.Now()
	return knowledge.Candidate{
		Item: knowledge.Item{
			ID:        uuid.New(),
			UserID:    userID,
			Content:   content,
			Type:      ct,
			CreatedAt: now.Add(-age),
			UpdatedAt: now.Add(-age),
		},
		Similarity: similarity,
		Lexical:    lexical,
	}
}

func newTestEngine(t *testing.T, source CandidateSource, emb Embedder) *Engine {
	t.Helper()
	e, err := New(source, emb, Options{SimilarityFloor: 0.25}, log.NewNop())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return e
}

func TestRetrieveValidation(t *testing.T) {
	e := newTestEngine(t, &mockSource{}, &mockEmbedder{})
	ctx := context.Background()

	if _, err := e.Retrieve(ctx, "", "query", 0); !errors.Is(err, ErrMissingUser) {
		t.Errorf("Retrieve(empty user) error = %v, want ErrMissingUser", err)
	}
	if _, err := e.Retrieve(ctx, "user-1", "", 0); !errors.Is(err, ErrEmptyQuery) {
		t.Errorf("Retrieve(empty query) error = %v, want ErrEmptyQuery", err)
	}
	if _, err := e.Retrieve(ctx, "user-1", "   \n ", 0); !errors.Is(err, ErrEmptyQuery) {
		t.Errorf("Retrieve(whitespace query) error = %v, want ErrEmptyQuery", err)
	}
}

func TestRetrieveEmptyKnowledgeBase(t *testing.T) {
	e := newTestEngine(t, &mockSource{}, &mockEmbedder{})

	res, err := e.Retrieve(context.Background(), "user-1", "anything", 0)
	if err != nil {
		t.Fatalf("Retrieve() error: %v", err)
	}
	if len(res.Items) != 0 {
		t.Errorf("Retrieve() on empty base returned %d items, want 0", len(res.Items))
	}
}

func TestRetrieveNeverCrossesUsers(t *testing.T) {
	source := &mockSource{candidates: []knowledge.Candidate{
		candidate("user-b", "likes mechanical keyboards", knowledge.TypePreference, time.Hour, 0.99, true),
	}}
	e := newTestEngine(t, source, &mockEmbedder{})

	res, err := e.Retrieve(context.Background(), "user-a", "mechanical keyboards", 0)
	if err != nil {
		t.Fatalf("Retrieve() error: %v", err)
	}
	for _, item := range res.Items {
		if item.UserID != "user-a" {
			t.Fatalf("Retrieve(user-a) returned item owned by %q", item.UserID)
		}
	}
	if source.lastUser != "user-a" {
		t.Errorf("candidate query scoped to %q, want user-a", source.lastUser)
	}
}

func TestExactMatchDominates(t *testing.T) {
	source := &mockSource{candidates: []knowledge.Candidate{
		candidate("u1", "shipping takes 3 days", knowledge.TypeConversation, 30*24*time.Hour, 0.95, false),
		candidate("u1", "how long does shipping take to Oslo", knowledge.TypeConversation, 60*24*time.Hour, 0.40, true),
	}}
	e := newTestEngine(t, source, &mockEmbedder{})

	res, err := e.Retrieve(context.Background(), "u1", "shipping take to Oslo", 0)
	if err != nil {
		t.Fatalf("Retrieve() error: %v", err)
	}
	if len(res.Items) < 2 {
		t.Fatalf("Retrieve() returned %d items, want 2", len(res.Items))
	}
	first := res.Items[0]
	if !first.Exact {
		t.Errorf("first item Exact = false, want the verbatim match ranked first")
	}
	for _, item := range res.Items[1:] {
		if !item.Exact && item.Priority >= first.Priority {
			t.Errorf("non-matching item priority %v >= exact match priority %v", item.Priority, first.Priority)
		}
	}
}

func TestDegradedSimilarityZeroed(t *testing.T) {
	source := &mockSource{candidates: []knowledge.Candidate{
		candidate("u1", "completely unrelated old note", knowledge.TypeConversation, 90*24*time.Hour, 0.97, false),
		candidate("u1", "my favorite brand is Acme", knowledge.TypePreference, time.Hour, 0.10, false),
	}}
	e := newTestEngine(t, source, &mockEmbedder{degraded: true})

	res, err := e.Retrieve(context.Background(), "u1", "favorite brand?", 0)
	if err != nil {
		t.Fatalf("Retrieve() error: %v", err)
	}
	if !res.Degraded {
		t.Error("Result.Degraded = false, want true")
	}
	for _, item := range res.Items {
		if item.Similarity != 0 {
			t.Errorf("item %q similarity = %v under degraded embedding, want 0", item.Content, item.Similarity)
		}
		// The stale unrelated note has zero similarity and no recency or
		// exact claim; it must not survive filtering.
		if item.Content == "completely unrelated old note" {
			t.Error("degraded similarity let a stale unrelated item through")
		}
	}
}

func TestRecentPreferenceSurvivesDegradedEmbedding(t *testing.T) {
	stored := candidate("u1", "My name is Ava and I am a designer", knowledge.TypePreference, 2*time.Hour, 0.0, false)
	source := &mockSource{candidates: []knowledge.Candidate{stored}}
	e := newTestEngine(t, source, &mockEmbedder{degraded: true})

	res, err := e.Retrieve(context.Background(), "u1", "what is my name?", 0)
	if err != nil {
		t.Fatalf("Retrieve() error: %v", err)
	}
	if len(res.Items) == 0 {
		t.Fatal("recent preference item dropped, want it retrieved despite degraded similarity")
	}
	top := res.Items[0]
	if top.ID != stored.ID {
		t.Errorf("top item = %q, want the stored preference", top.Content)
	}
	if top.Confidence <= 0 {
		t.Errorf("top item confidence = %v, want > 0", top.Confidence)
	}
}

func TestRoundTripExactContentFirst(t *testing.T) {
	query := "I prefer eco-friendly packaging"
	source := &mockSource{candidates: []knowledge.Candidate{
		candidate("u1", "asked about return policy last week", knowledge.TypeConversation, 3*24*time.Hour, 0.55, false),
		candidate("u1", query, knowledge.TypePreference, 10*24*time.Hour, 0.88, true),
	}}
	e := newTestEngine(t, source, &mockEmbedder{})

	res, err := e.Retrieve(context.Background(), "u1", query, 0)
	if err != nil {
		t.Fatalf("Retrieve() error: %v", err)
	}
	if len(res.Items) == 0 || res.Items[0].Content != query {
		t.Fatalf("exact-content item not ranked first, got %+v", res.Items)
	}
}

func TestSimilarityFloorFilters(t *testing.T) {
	source := &mockSource{candidates: []knowledge.Candidate{
		candidate("u1", "near orthogonal noise", knowledge.TypeConversation, 2*24*time.Hour, 0.05, false),
		candidate("u1", "relevant conversation", knowledge.TypeConversation, 2*24*time.Hour, 0.70, false),
	}}
	e := newTestEngine(t, source, &mockEmbedder{})

	res, err := e.Retrieve(context.Background(), "u1", "what did we discuss", 0)
	if err != nil {
		t.Fatalf("Retrieve() error: %v", err)
	}
	if len(res.Items) != 1 {
		t.Fatalf("Retrieve() returned %d items, want 1 (noise below floor filtered)", len(res.Items))
	}
	if res.Items[0].Content != "relevant conversation" {
		t.Errorf("surviving item = %q, want the relevant one", res.Items[0].Content)
	}
}

func TestDeterministicTieBreak(t *testing.T) {
	now := time.Now()
	older := candidate("u1", "older fact about delivery", knowledge.TypeConversation, 0, 0.70, false)
	older.CreatedAt = now.Add(-3 * time.Hour)
	newer := candidate("u1", "newer fact about delivery", knowledge.TypeConversation, 0, 0.70, false)
	newer.CreatedAt = now.Add(-1 * time.Hour)

	source := &mockSource{candidates: []knowledge.Candidate{older, newer}}
	e := newTestEngine(t, source, &mockEmbedder{})

	for range 5 {
		res, err := e.Retrieve(context.Background(), "u1", "delivery status", 0)
		if err != nil {
			t.Fatalf("Retrieve() error: %v", err)
		}
		if len(res.Items) != 2 {
			t.Fatalf("Retrieve() returned %d items, want 2", len(res.Items))
		}
		if res.Items[0].ID != newer.ID {
			t.Fatalf("tie broken wrong: first = %q, want newest createdAt", res.Items[0].Content)
		}
	}
}

func TestTouchRunsInBackground(t *testing.T) {
	source := &mockSource{candidates: []knowledge.Candidate{
		candidate("u1", "prefers overnight shipping", knowledge.TypePreference, time.Hour, 0.80, false),
	}}
	e := newTestEngine(t, source, &mockEmbedder{})

	res, err := e.Retrieve(context.Background(), "u1", "shipping preference", 0)
	if err != nil {
		t.Fatalf("Retrieve() error: %v", err)
	}
	if len(res.Items) != 1 {
		t.Fatalf("Retrieve() returned %d items, want 1", len(res.Items))
	}

	e.Wait()
	if source.touchCount() != 1 {
		t.Errorf("Touch called %d times, want 1", source.touchCount())
	}
}

func TestPriorityTiers(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name  string
		item  knowledge.Item
		exact bool
		want  float64
	}{
		{
			name:  "exact wins over everything",
			item:  knowledge.Item{Type: knowledge.TypePreference, CreatedAt: now.Add(-time.Hour)},
			exact: true,
			want:  priorityExact,
		},
		{
			name: "recent preference",
			item: knowledge.Item{Type: knowledge.TypePreference, CreatedAt: now.Add(-3 * 24 * time.Hour)},
			want: priorityRecentMemory,
		},
		{
			name: "recent memory",
			item: knowledge.Item{Type: knowledge.TypeMemory, CreatedAt: now.Add(-6 * 24 * time.Hour)},
			want: priorityRecentMemory,
		},
		{
			name: "conversation within 24h",
			item: knowledge.Item{Type: knowledge.TypeConversation, CreatedAt: now.Add(-12 * time.Hour)},
			want: priorityDay,
		},
		{
			name: "conversation within 7d",
			item: knowledge.Item{Type: knowledge.TypeConversation, CreatedAt: now.Add(-5 * 24 * time.Hour)},
			want: priorityWeek,
		},
		{
			name: "old document",
			item: knowledge.Item{Type: knowledge.TypeDocument, CreatedAt: now.Add(-30 * 24 * time.Hour)},
			want: priorityBase,
		},
		{
			name: "old preference falls to base",
			item: knowledge.Item{Type: knowledge.TypePreference, CreatedAt: now.Add(-30 * 24 * time.Hour)},
			want: priorityBase,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := priorityFor(tt.item, tt.exact, now); got != tt.want {
				t.Errorf("priorityFor() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestConfidenceBands(t *testing.T) {
	now := time.Now()
	old := knowledge.Item{Type: knowledge.TypeConversation, CreatedAt: now.Add(-30 * 24 * time.Hour)}
	floor := 0.25

	tests := []struct {
		name       string
		similarity float64
		want       float64
	}{
		{name: "high band", similarity: 0.85, want: confidenceHigh},
		{name: "medium band", similarity: 0.65, want: confidenceMedium},
		{name: "low band", similarity: 0.30, want: confidenceLow},
		{name: "below floor is zero", similarity: 0.10, want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := confidenceFor(old, false, tt.similarity, floor, now); got != tt.want {
				t.Errorf("confidenceFor(sim=%v) = %v, want %v", tt.similarity, got, tt.want)
			}
		})
	}

	t.Run("exact is full confidence", func(t *testing.T) {
		if got := confidenceFor(old, true, 0, floor, now); got != confidenceExact {
			t.Errorf("confidenceFor(exact) = %v, want %v", got, confidenceExact)
		}
	})

	t.Run("recent memory floor", func(t *testing.T) {
		recent := knowledge.Item{Type: knowledge.TypeMemory, CreatedAt: now.Add(-time.Hour)}
		if got := confidenceFor(recent, false, 0, floor, now); got != confidenceRecencyFloor {
			t.Errorf("confidenceFor(recent memory, sim=0) = %v, want %v", got, confidenceRecencyFloor)
		}
	})
}

func TestRetrieveEmbedderError(t *testing.T) {
	e := newTestEngine(t, &mockSource{}, &mockEmbedder{err: errors.New("hard failure")})

	if _, err := e.Retrieve(context.Background(), "u1", "query", 0); err == nil {
		t.Error("Retrieve() with failing embedder expected error, got nil")
	}
}

func TestRetrieveSourceError(t *testing.T) {
	source := &mockSource{err: errors.New("connection refused")}
	e := newTestEngine(t, source, &mockEmbedder{})

	if _, err := e.Retrieve(context.Background(), "u1", "query", 0); err == nil {
		t.Error("Retrieve() with failing store expected error, got nil")
	}
}
