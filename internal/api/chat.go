package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/shopmind/shopmind/internal/orchestrator"
)

// SSE event types for chat streaming.
const (
	EventContent = "content" // partial response text
	EventTool    = "tool"    // tool execution outcome
	EventDone    = "done"    // stream completed successfully
	EventError   = "error"   // error occurred during streaming
)

// TurnRunner executes one chat turn, emitting stream events.
type TurnRunner interface {
	Run(ctx context.Context, turn orchestrator.Turn, emit orchestrator.EmitFunc) error
}

// chatHandler serves the streaming chat endpoint.
type chatHandler struct {
	runner TurnRunner
	logger *slog.Logger
}

// chatRequest is the POST /api/v1/chat/stream body.
type chatRequest struct {
	UserID  string `json:"user_id"`
	Message string `json:"message"`
}

// ContentPayload is the SSE data payload for streaming text chunks.
type ContentPayload struct {
	Text string `json:"text"`
}

// ErrorPayload is the SSE data payload when an error occurs.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// stream handles SSE streaming chat requests. Content and tool events may
// interleave in any order before the terminal done event.
func (h *chatHandler) stream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	var req chatRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1024*1024)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		_ = writeEvent(w, flusher, EventError, ErrorPayload{
			Code:    "INVALID_REQUEST",
			Message: "invalid request body",
		})
		return
	}
	if req.UserID == "" {
		_ = writeEvent(w, flusher, EventError, ErrorPayload{Code: "MISSING_USER_ID", Message: "user_id is required"})
		return
	}
	if req.Message == "" {
		_ = writeEvent(w, flusher, EventError, ErrorPayload{Code: "MISSING_MESSAGE", Message: "message is required"})
		return
	}

	ctx := r.Context()
	h.logger.Debug("SSE stream started", "user_id", req.UserID)

	err := h.runner.Run(ctx, orchestrator.Turn{UserID: req.UserID, Message: req.Message},
		func(_ context.Context, event orchestrator.Event) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			return h.writeTurnEvent(w, flusher, event)
		})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			h.logger.Info("client disconnected", "user_id", req.UserID)
			return
		}
		h.handleStreamError(w, flusher, err)
		return
	}

	h.logger.Debug("SSE stream completed", "user_id", req.UserID)
}

// writeTurnEvent maps an orchestrator event onto the wire.
func (*chatHandler) writeTurnEvent(w io.Writer, flusher http.Flusher, event orchestrator.Event) error {
	switch event.Kind {
	case orchestrator.EventContent:
		return writeEvent(w, flusher, EventContent, ContentPayload{Text: event.Content})
	case orchestrator.EventTool:
		return writeEvent(w, flusher, EventTool, event.Tool)
	case orchestrator.EventDone:
		return writeEvent(w, flusher, EventDone, event.Done)
	case orchestrator.EventError:
		return writeEvent(w, flusher, EventError, ErrorPayload{Code: "STREAM_ERROR", Message: event.Message})
	default:
		return fmt.Errorf("unknown event kind %q", event.Kind)
	}
}

// handleStreamError maps orchestrator errors to SSE error events.
func (*chatHandler) handleStreamError(w io.Writer, f http.Flusher, err error) {
	code := "STREAM_ERROR"
	switch {
	case errors.Is(err, orchestrator.ErrMissingUser):
		code = "MISSING_USER_ID"
	case errors.Is(err, orchestrator.ErrEmptyMessage):
		code = "MISSING_MESSAGE"
	case errors.Is(err, orchestrator.ErrGenerationFailed):
		code = "GENERATION_FAILED"
	}

	_ = writeEvent(w, f, EventError, ErrorPayload{
		Code:    code,
		Message: err.Error(),
	})
}

// writeEvent writes a single SSE event with JSON-encoded data.
// SSE format: "event: <type>\ndata: <json>\n\n"
func writeEvent[T any](w io.Writer, flusher http.Flusher, event string, data T) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}

	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData); err != nil {
		return fmt.Errorf("write event: %w", err)
	}

	flusher.Flush()
	return nil
}
