package api

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shopmind/shopmind/internal/orchestrator"
)

// stubRunner replays a scripted event sequence or fails with err.
type stubRunner struct {
	events []orchestrator.Event
	err    error

	gotTurn orchestrator.Turn
}

func (s *stubRunner) Run(ctx context.Context, turn orchestrator.Turn, emit orchestrator.EmitFunc) error {
	s.gotTurn = turn
	if s.err != nil {
		return s.err
	}
	for _, ev := range s.events {
		if err := emit(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

func newChatHandler(runner TurnRunner) *chatHandler {
	return &chatHandler{runner: runner, logger: slog.New(slog.DiscardHandler)}
}

func postStream(t *testing.T, h *chatHandler, body string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/api/v1/chat/stream", strings.NewReader(body))
	h.stream(w, r)
	return w
}

func TestChatStream_EventFraming(t *testing.T) {
	runner := &stubRunner{events: []orchestrator.Event{
		{Kind: orchestrator.EventContent, Content: "Hello"},
		{Kind: orchestrator.EventContent, Content: " there"},
		{Kind: orchestrator.EventTool, Tool: &orchestrator.ToolOutcome{Name: "apply_filter", OK: true}},
		{Kind: orchestrator.EventDone, Done: &orchestrator.DoneInfo{ContextCount: 2, ToolRan: true}},
	}}

	w := postStream(t, newChatHandler(runner), `{"user_id":"u1","message":"filter under 50"}`)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}

	body := w.Body.String()
	for _, want := range []string{
		"event: content\ndata: {\"text\":\"Hello\"}\n\n",
		"event: content\ndata: {\"text\":\" there\"}\n\n",
		"event: tool\n",
		`"name":"apply_filter"`,
		"event: done\n",
		`"tool_ran":true`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("body missing %q\nbody:\n%s", want, body)
		}
	}

	if runner.gotTurn.UserID != "u1" || runner.gotTurn.Message != "filter under 50" {
		t.Errorf("turn = %+v, want user u1 and original message", runner.gotTurn)
	}
}

func TestChatStream_Validation(t *testing.T) {
	tests := []struct {
		name string
		body string
		code string
	}{
		{"invalid json", `{not json`, "INVALID_REQUEST"},
		{"missing user", `{"message":"hi"}`, "MISSING_USER_ID"},
		{"missing message", `{"user_id":"u1"}`, "MISSING_MESSAGE"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &stubRunner{}
			w := postStream(t, newChatHandler(runner), tt.body)

			if !strings.Contains(w.Body.String(), `"code":"`+tt.code+`"`) {
				t.Errorf("body = %q, want error code %q", w.Body.String(), tt.code)
			}
			if runner.gotTurn.UserID != "" {
				t.Error("runner should not be invoked on invalid input")
			}
		})
	}
}

func TestChatStream_GenerationFailure(t *testing.T) {
	runner := &stubRunner{err: orchestrator.ErrGenerationFailed}

	w := postStream(t, newChatHandler(runner), `{"user_id":"u1","message":"hi"}`)

	body := w.Body.String()
	if !strings.Contains(body, "event: error\n") {
		t.Fatalf("body missing error event:\n%s", body)
	}
	if !strings.Contains(body, `"code":"GENERATION_FAILED"`) {
		t.Errorf("body = %q, want GENERATION_FAILED code", body)
	}
}

func TestChatStream_ClientDisconnect(t *testing.T) {
	// A canceled request context must not produce an error event; there is
	// nobody left to read it.
	runner := &stubRunner{err: context.Canceled}

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/api/v1/chat/stream", strings.NewReader(`{"user_id":"u1","message":"hi"}`))
	ctx, cancel := context.WithCancel(r.Context())
	cancel()
	newChatHandler(runner).stream(w, r.WithContext(ctx))

	if strings.Contains(w.Body.String(), "event: error") {
		t.Errorf("disconnect produced an error event: %s", w.Body.String())
	}
}
