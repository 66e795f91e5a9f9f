package orchestrator

import "context"

// EventKind discriminates the stream events a turn produces. Clients must
// tolerate any interleaving of content and tool events before the terminal
// done event.
type EventKind string

const (
	EventContent EventKind = "content"
	EventTool    EventKind = "tool"
	EventDone    EventKind = "done"
	EventError   EventKind = "error"
)

// ToolOutcome reports one tool execution, success or typed failure.
type ToolOutcome struct {
	Name    string         `json:"name"`
	OK      bool           `json:"ok"`
	Payload map[string]any `json:"payload,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// DoneInfo is the terminal marker for a turn.
type DoneInfo struct {
	Cached       bool `json:"cached"`
	ContextCount int  `json:"context_count"`
	ToolRan      bool `json:"tool_ran"`
}

// Event is one unit of the server-to-client stream.
type Event struct {
	Kind    EventKind    `json:"kind"`
	Content string       `json:"content,omitempty"`
	Tool    *ToolOutcome `json:"tool,omitempty"`
	Done    *DoneInfo    `json:"done,omitempty"`
	Message string       `json:"message,omitempty"`
}

// EmitFunc delivers one event to the client. Returning an error aborts the
// stream; the usual cause is client disconnect.
type EmitFunc func(ctx context.Context, event Event) error
