package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/shopmind/shopmind/internal/knowledge"
	"github.com/shopmind/shopmind/internal/log"
	"github.com/shopmind/shopmind/internal/respcache"
	"github.com/shopmind/shopmind/internal/retrieval"
	"github.com/shopmind/shopmind/internal/tools"
)

type mockGenerator struct {
	chunks       []string
	streamErr    error
	classifyOut  string
	classifyErr  error
	streamCalls  int
	classifyCall int
}

func (m *mockGenerator) Stream(ctx context.Context, _ string, onChunk func(context.Context, string) error) (string, error) {
	m.streamCalls++
	if m.streamErr != nil {
		return "", m.streamErr
	}
	var full strings.Builder
	for _, chunk := range m.chunks {
		if onChunk != nil {
			if err := onChunk(ctx, chunk); err != nil {
				return "", err
			}
		}
		full.WriteString(chunk)
	}
	return full.String(), nil
}

func (m *mockGenerator) Classify(_ context.Context, _ string) (string, error) {
	m.classifyCall++
	if m.classifyErr != nil {
		return "", m.classifyErr
	}
	return m.classifyOut, nil
}

type mockRetriever struct {
	result *retrieval.Result
	err    error
	calls  int
}

func (m *mockRetriever) Retrieve(_ context.Context, _, _ string, _ int) (*retrieval.Result, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	if m.result == nil {
		return &retrieval.Result{}, nil
	}
	return m.result, nil
}

// memCache is an in-memory ResponseCache good enough for sequencing tests.
type memCache struct {
	mu      sync.Mutex
	entries map[string]*respcache.Entry
	hits    int
	stores  int
}

func newMemCache() *memCache {
	return &memCache{entries: make(map[string]*respcache.Entry)}
}

func (m *memCache) key(userID, queryText string) string {
	return userID + ":" + respcache.Fingerprint(queryText)
}

func (m *memCache) Lookup(_ context.Context, userID, queryText string) (*respcache.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[m.key(userID, queryText)]
	if !ok {
		return nil, respcache.ErrMiss
	}
	return entry, nil
}

func (m *memCache) Store(_ context.Context, userID, queryText string, _ []float32, resp respcache.Response) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stores++
	m.entries[m.key(userID, queryText)] = &respcache.Entry{
		UserID:      userID,
		Fingerprint: respcache.Fingerprint(queryText),
		Response:    resp,
	}
	return nil
}

func (m *memCache) RecordHit(_ context.Context, entry *respcache.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hits++
	entry.HitCount++
	return nil
}

type mockAnalyzer struct {
	mu    sync.Mutex
	calls int
}

func (m *mockAnalyzer) Commit(_ context.Context, _, _, _ string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
}

type mockTools struct {
	executed []string
	err      error
}

func (m *mockTools) Execute(_ context.Context, name string, _ map[string]any) (map[string]any, error) {
	m.executed = append(m.executed, name)
	if m.err != nil {
		return nil, m.err
	}
	return map[string]any{"action": name}, nil
}

func (m *mockTools) Names() []string {
	return []string{tools.NameApplyFilter, tools.NameNavigate, tools.NameCartAdd}
}

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
	failAt int // 1-based index of the emit call that fails; 0 = never
}

func (r *eventRecorder) emit(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	if r.failAt > 0 && len(r.events) >= r.failAt {
		return errors.New("client disconnected")
	}
	return nil
}

func (r *eventRecorder) kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]EventKind, len(r.events))
	for i, e := range r.events {
		kinds[i] = e.Kind
	}
	return kinds
}

func (r *eventRecorder) last() Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

type fixture struct {
	orch      *Orchestrator
	generator *mockGenerator
	retriever *mockRetriever
	cache     *memCache
	analyzer  *mockAnalyzer
	tools     *mockTools
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	f := &fixture{
		generator: &mockGenerator{chunks: []string{"Here is ", "your answer."}, classifyOut: "none"},
		retriever: &mockRetriever{},
		cache:     newMemCache(),
		analyzer:  &mockAnalyzer{},
		tools:     &mockTools{},
	}
	cfg := Config{
		Generator: f.generator,
		Retriever: f.retriever,
		Cache:     f.cache,
		Analyzer:  f.analyzer,
		Tools:     f.tools,
		Logger:    log.NewNop(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	orch, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	f.orch = orch
	return f
}

func TestRunValidation(t *testing.T) {
	f := newFixture(t, nil)
	rec := &eventRecorder{}
	ctx := context.Background()

	if err := f.orch.Run(ctx, Turn{UserID: "", Message: "hello"}, rec.emit); !errors.Is(err, ErrMissingUser) {
		t.Errorf("Run(no user) error = %v, want ErrMissingUser", err)
	}
	if err := f.orch.Run(ctx, Turn{UserID: "u1", Message: "  "}, rec.emit); !errors.Is(err, ErrEmptyMessage) {
		t.Errorf("Run(blank message) error = %v, want ErrEmptyMessage", err)
	}
}

func TestRunFullPathStreamsAndCaches(t *testing.T) {
	item := retrieval.ScoredItem{Item: knowledge.Item{ID: uuid.New(), UserID: "u1", Content: "prefers eco packaging"}}
	f := newFixture(t, func(cfg *Config) {})
	f.retriever.result = &retrieval.Result{Items: []retrieval.ScoredItem{item}}

	rec := &eventRecorder{}
	if err := f.orch.Run(context.Background(), Turn{UserID: "u1", Message: "what do you recommend for me"}, rec.emit); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	f.orch.Wait()

	kinds := rec.kinds()
	if len(kinds) != 3 || kinds[0] != EventContent || kinds[1] != EventContent || kinds[2] != EventDone {
		t.Fatalf("event kinds = %v, want [content content done]", kinds)
	}
	done := rec.last().Done
	if done.Cached || done.ContextCount != 1 || done.ToolRan {
		t.Errorf("done = %+v, want uncached, 1 context item, no tool", done)
	}
	if f.retriever.calls != 1 {
		t.Errorf("retriever calls = %d, want 1", f.retriever.calls)
	}
	if f.cache.stores != 1 {
		t.Errorf("cache stores = %d, want 1 for a tool-free turn", f.cache.stores)
	}
	if f.analyzer.calls != 1 {
		t.Errorf("analyzer commits = %d, want 1", f.analyzer.calls)
	}
}

func TestRunSecondIdenticalQueryHitsCache(t *testing.T) {
	f := newFixture(t, nil)
	f.retriever.result = &retrieval.Result{Items: []retrieval.ScoredItem{
		{Item: knowledge.Item{ID: uuid.New(), UserID: "u1", Content: "likes blue"}},
	}}
	turn := Turn{UserID: "u1", Message: "What colors suit me?"}

	rec1 := &eventRecorder{}
	if err := f.orch.Run(context.Background(), turn, rec1.emit); err != nil {
		t.Fatalf("first Run() error: %v", err)
	}
	f.orch.Wait()

	rec2 := &eventRecorder{}
	if err := f.orch.Run(context.Background(), turn, rec2.emit); err != nil {
		t.Fatalf("second Run() error: %v", err)
	}
	f.orch.Wait()

	if f.retriever.calls != 1 {
		t.Errorf("retriever calls = %d, want 1 (second run served from cache)", f.retriever.calls)
	}
	if f.generator.streamCalls != 1 {
		t.Errorf("generation calls = %d, want 1", f.generator.streamCalls)
	}
	if f.cache.hits != 1 {
		t.Errorf("cache hits recorded = %d, want 1", f.cache.hits)
	}
	done := rec2.last().Done
	if done == nil || !done.Cached {
		t.Errorf("second run done = %+v, want Cached = true", done)
	}
}

func TestRunCacheNeverCrossesUsers(t *testing.T) {
	f := newFixture(t, nil)
	msg := "What colors suit me?"

	rec1 := &eventRecorder{}
	if err := f.orch.Run(context.Background(), Turn{UserID: "user-a", Message: msg}, rec1.emit); err != nil {
		t.Fatalf("Run(user-a) error: %v", err)
	}
	f.orch.Wait()

	rec2 := &eventRecorder{}
	if err := f.orch.Run(context.Background(), Turn{UserID: "user-b", Message: msg}, rec2.emit); err != nil {
		t.Fatalf("Run(user-b) error: %v", err)
	}
	f.orch.Wait()

	// Byte-identical question from a different user must take the full
	// path, not user-a's cached answer.
	if done := rec2.last().Done; done == nil || done.Cached {
		t.Errorf("user-b done = %+v, want a cache miss", rec2.last().Done)
	}
	if f.generator.streamCalls != 2 {
		t.Errorf("generation calls = %d, want 2", f.generator.streamCalls)
	}
}

func TestRunToolTurn(t *testing.T) {
	f := newFixture(t, nil)
	f.generator.classifyOut = `{"tool":"apply_filter","params":{"price_max":500}}`

	rec := &eventRecorder{}
	if err := f.orch.Run(context.Background(), Turn{UserID: "u1", Message: "show me laptops under $500"}, rec.emit); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	f.orch.Wait()

	kinds := rec.kinds()
	if kinds[len(kinds)-2] != EventTool {
		t.Fatalf("event kinds = %v, want a tool event before done", kinds)
	}
	if len(f.tools.executed) != 1 || f.tools.executed[0] != tools.NameApplyFilter {
		t.Errorf("executed tools = %v, want [apply_filter]", f.tools.executed)
	}
	done := rec.last().Done
	if !done.ToolRan {
		t.Error("done.ToolRan = false, want true")
	}
	if f.cache.stores != 0 {
		t.Errorf("cache stores = %d, want 0 for a tool turn", f.cache.stores)
	}
}

func TestRunMalformedToolPayloadFallsBackToIntent(t *testing.T) {
	f := newFixture(t, nil)
	f.generator.classifyOut = `{"tool": "apply_filter", "params": {` // truncated

	rec := &eventRecorder{}
	if err := f.orch.Run(context.Background(), Turn{UserID: "u1", Message: "show me laptops under $500"}, rec.emit); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	f.orch.Wait()

	if len(f.tools.executed) != 1 || f.tools.executed[0] != tools.NameApplyFilter {
		t.Fatalf("executed tools = %v, want fallback-derived [apply_filter]", f.tools.executed)
	}
	var toolEvent *Event
	for i := range rec.events {
		if rec.events[i].Kind == EventTool {
			toolEvent = &rec.events[i]
		}
	}
	if toolEvent == nil || !toolEvent.Tool.OK {
		t.Errorf("tool event = %+v, want a successful fallback execution", toolEvent)
	}
}

func TestRunMalformedPayloadNoInferableIntent(t *testing.T) {
	f := newFixture(t, nil)
	f.generator.classifyOut = `{"tool": "navi` // truncated, and the text implies nothing

	rec := &eventRecorder{}
	if err := f.orch.Run(context.Background(), Turn{UserID: "u1", Message: "tell me about your warranty terms"}, rec.emit); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	f.orch.Wait()

	if len(f.tools.executed) != 0 {
		t.Errorf("executed tools = %v, want none", f.tools.executed)
	}
	var toolEvent *Event
	for i := range rec.events {
		if rec.events[i].Kind == EventTool {
			toolEvent = &rec.events[i]
		}
	}
	if toolEvent == nil {
		t.Fatal("no tool event emitted, want a typed parameter failure")
	}
	if toolEvent.Tool.OK || !strings.Contains(toolEvent.Tool.Error, "could not determine") {
		t.Errorf("tool event = %+v, want typed parameter failure", toolEvent.Tool)
	}
	// The already-streamed prose still finishes normally.
	if rec.last().Kind != EventDone {
		t.Errorf("last event = %v, want done", rec.last().Kind)
	}
}

func TestRunToolFailureDoesNotAbort(t *testing.T) {
	f := newFixture(t, nil)
	f.generator.classifyOut = `{"tool":"navigate","params":{"page":"cart"}}`
	f.tools.err = errors.New("page disabled")

	rec := &eventRecorder{}
	if err := f.orch.Run(context.Background(), Turn{UserID: "u1", Message: "please open my cart view"}, rec.emit); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	var toolEvent *Event
	for i := range rec.events {
		if rec.events[i].Kind == EventTool {
			toolEvent = &rec.events[i]
		}
	}
	if toolEvent == nil || toolEvent.Tool.OK {
		t.Fatalf("tool event = %+v, want inline failure", toolEvent)
	}
	if rec.last().Kind != EventDone {
		t.Errorf("last event = %v, want done after tool failure", rec.last().Kind)
	}
}

func TestRunGenerationFailureAborts(t *testing.T) {
	f := newFixture(t, nil)
	f.generator.streamErr = errors.New("model exploded")

	rec := &eventRecorder{}
	err := f.orch.Run(context.Background(), Turn{UserID: "u1", Message: "any question at all"}, rec.emit)
	if !errors.Is(err, ErrGenerationFailed) {
		t.Fatalf("Run() error = %v, want ErrGenerationFailed", err)
	}
	if rec.last().Kind != EventError {
		t.Errorf("last event = %v, want error", rec.last().Kind)
	}
	if f.cache.stores != 0 {
		t.Errorf("cache stores = %d, want 0 after failed generation", f.cache.stores)
	}
}

func TestRunRetrievalFailureDegrades(t *testing.T) {
	f := newFixture(t, nil)
	f.retriever.err = errors.New("database unreachable")

	rec := &eventRecorder{}
	if err := f.orch.Run(context.Background(), Turn{UserID: "u1", Message: "what fits my style"}, rec.emit); err != nil {
		t.Fatalf("Run() error = %v, want degraded success", err)
	}

	done := rec.last().Done
	if done == nil || done.ContextCount != 0 {
		t.Errorf("done = %+v, want zero context and a finished turn", done)
	}
}

func TestRunEmptyGenerationServesFallback(t *testing.T) {
	f := newFixture(t, nil)
	f.generator.chunks = nil

	rec := &eventRecorder{}
	if err := f.orch.Run(context.Background(), Turn{UserID: "u1", Message: "what fits my style"}, rec.emit); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	kinds := rec.kinds()
	if kinds[0] != EventContent || rec.events[0].Content == "" {
		t.Errorf("events = %v, want a fallback content chunk first", kinds)
	}
}

func TestRunClientDisconnectStopsTurn(t *testing.T) {
	f := newFixture(t, nil)

	rec := &eventRecorder{failAt: 1}
	err := f.orch.Run(context.Background(), Turn{UserID: "u1", Message: "any question here"}, rec.emit)
	if err == nil {
		t.Fatal("Run() error = nil, want disconnect error")
	}
	if f.cache.stores != 0 {
		t.Errorf("cache stores = %d, want 0 after disconnect", f.cache.stores)
	}
}

func TestStateString(t *testing.T) {
	states := map[State]string{
		StateIdle:             "idle",
		StateContextGathering: "context_gathering",
		StateStreaming:        "streaming",
		StateToolDecision:     "tool_decision",
		StateToolExecuting:    "tool_executing",
		StateFinalizing:       "finalizing",
		StateDone:             "done",
		State(99):             "unknown",
	}
	for s, want := range states {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", s, got, want)
		}
	}
}

func TestRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "rate limited", err: errors.New("429 rate limit exceeded"), want: true},
		{name: "server error", err: errors.New("upstream returned 503"), want: true},
		{name: "timeout", err: errors.New("request timeout after 10s"), want: true},
		{name: "bad request", err: errors.New("invalid prompt"), want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := retryableError(tt.err); got != tt.want {
				t.Errorf("retryableError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
