// Package orchestrator runs one chat turn end to end: cache check,
// knowledge retrieval, streamed generation, at most one tool call, then the
// background hand-off to the value analyzer and response cache.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shopmind/shopmind/internal/respcache"
	"github.com/shopmind/shopmind/internal/retrieval"
	"github.com/shopmind/shopmind/internal/tools"
)

// State tracks where a turn is in its lifecycle. States advance strictly
// forward; ToolExecuting is skipped when no tool applies.
type State int

const (
	StateIdle State = iota
	StateContextGathering
	StateStreaming
	StateToolDecision
	StateToolExecuting
	StateFinalizing
	StateDone
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateContextGathering:
		return "context_gathering"
	case StateStreaming:
		return "streaming"
	case StateToolDecision:
		return "tool_decision"
	case StateToolExecuting:
		return "tool_executing"
	case StateFinalizing:
		return "finalizing"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

var (
	ErrMissingUser  = errors.New("user ID is required")
	ErrEmptyMessage = errors.New("message is required")

	// ErrGenerationFailed is the only error that aborts a turn after
	// streaming starts. Retrieval, cache, and tool failures degrade the
	// turn without killing it.
	ErrGenerationFailed = errors.New("generation failed")
)

const (
	// retrievalTimeout bounds context gathering. On expiry the turn
	// proceeds with no context rather than failing.
	retrievalTimeout = 5 * time.Second

	// classifyTimeout bounds the tool-intent pass.
	classifyTimeout = 10 * time.Second

	// cacheWriteTimeout bounds the background cache write.
	cacheWriteTimeout = 5 * time.Second

	// fallbackResponse is served when the model returns empty prose.
	fallbackResponse = "I couldn't come up with an answer for that. Could you rephrase?"
)

// Retriever produces ranked context for a query.
type Retriever interface {
	Retrieve(ctx context.Context, userID, queryText string, limit int) (*retrieval.Result, error)
}

// ResponseCache memoizes tool-free answers.
type ResponseCache interface {
	Lookup(ctx context.Context, userID, queryText string) (*respcache.Entry, error)
	Store(ctx context.Context, userID, queryText string, queryVec []float32, resp respcache.Response) error
	RecordHit(ctx context.Context, entry *respcache.Entry) error
}

// Analyzer receives the finished turn for possible knowledge storage.
type Analyzer interface {
	Commit(ctx context.Context, userID, userMessage, assistantText string)
}

// ToolExecutor runs a named tool.
type ToolExecutor interface {
	Execute(ctx context.Context, name string, params map[string]any) (map[string]any, error)
	Names() []string
}

// Config wires the orchestrator's dependencies.
type Config struct {
	Generator Generator
	Retriever Retriever
	Cache     ResponseCache
	Analyzer  Analyzer
	Tools     ToolExecutor
	Logger    *slog.Logger

	// RetrievalLimit caps context items per turn. Zero uses the
	// retriever's default.
	RetrievalLimit int

	// BackgroundCtx outlives individual requests; cache writes and
	// analyzer commits run under it so a client disconnect does not
	// cancel them.
	BackgroundCtx context.Context //nolint:containedctx // app lifecycle context, not a request context
}

func (cfg Config) validate() error {
	if cfg.Generator == nil {
		return errors.New("generator is required")
	}
	if cfg.Retriever == nil {
		return errors.New("retriever is required")
	}
	if cfg.Cache == nil {
		return errors.New("response cache is required")
	}
	if cfg.Analyzer == nil {
		return errors.New("analyzer is required")
	}
	if cfg.Tools == nil {
		return errors.New("tool executor is required")
	}
	return nil
}

// Turn is one incoming chat request.
type Turn struct {
	UserID  string
	Message string
}

// Orchestrator executes chat turns. It holds no per-turn state; every Run
// call walks its own state machine.
//
// Orchestrator is safe for concurrent use by multiple goroutines.
type Orchestrator struct {
	generator Generator
	retriever Retriever
	cache     ResponseCache
	analyzer  Analyzer
	tools     ToolExecutor
	limit     int
	logger    *slog.Logger

	bgCtx context.Context //nolint:containedctx // app lifecycle context, not a request context
	wg    sync.WaitGroup
}

// New creates an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	bgCtx := cfg.BackgroundCtx
	if bgCtx == nil {
		bgCtx = context.Background()
	}
	return &Orchestrator{
		generator: cfg.Generator,
		retriever: cfg.Retriever,
		cache:     cfg.Cache,
		analyzer:  cfg.Analyzer,
		tools:     cfg.Tools,
		limit:     cfg.RetrievalLimit,
		logger:    logger.With("component", "orchestrator"),
		bgCtx:     bgCtx,
	}, nil
}

// Run executes one turn, emitting stream events as they happen. The caller
// sees every content chunk, at most one tool event, and exactly one done
// event on success. Only a failed generation aborts the turn; every other
// dependency failure degrades it.
func (o *Orchestrator) Run(ctx context.Context, turn Turn, emit EmitFunc) error {
	if turn.UserID == "" {
		return ErrMissingUser
	}
	if strings.TrimSpace(turn.Message) == "" {
		return ErrEmptyMessage
	}
	if emit == nil {
		return errors.New("emit function is required")
	}

	state := StateIdle
	advance := func(next State) {
		o.logger.Debug("turn state", "from", state.String(), "to", next.String(), "user_id", turn.UserID)
		state = next
	}

	// A turn whose text already implies a tool is never cache-eligible:
	// replaying a cached "apply this filter" answer would silently re-run
	// a stale action.
	_, toolImplied := tools.InferIntent(turn.Message)
	cacheEligible := !toolImplied

	advance(StateContextGathering)

	if cacheEligible {
		if entry, err := o.cache.Lookup(ctx, turn.UserID, turn.Message); err == nil {
			// Replay as a single chunk and finish immediately.
			if emitErr := emit(ctx, Event{Kind: EventContent, Content: entry.Response.Text}); emitErr != nil {
				return emitErr
			}
			if emitErr := emit(ctx, Event{Kind: EventDone, Done: &DoneInfo{
				Cached:       true,
				ContextCount: len(entry.Response.SourceIDs),
			}}); emitErr != nil {
				return emitErr
			}
			o.recordHitAsync(entry)
			advance(StateDone)
			return nil
		} else if !errors.Is(err, respcache.ErrMiss) {
			o.logger.Warn("cache lookup failed", "error", err, "user_id", turn.UserID)
		}
	}

	result := o.gatherContext(ctx, turn)

	advance(StateStreaming)

	prompt := buildGenerationPrompt(result, turn.Message)
	assistantText, err := o.generator.Stream(ctx, prompt, func(chunkCtx context.Context, text string) error {
		return emit(chunkCtx, Event{Kind: EventContent, Content: text})
	})
	if err != nil {
		emitErr := emit(ctx, Event{Kind: EventError, Message: "generation failed"})
		if emitErr != nil {
			o.logger.Debug("emitting error event", "error", emitErr)
		}
		return fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}
	if strings.TrimSpace(assistantText) == "" {
		assistantText = fallbackResponse
		if emitErr := emit(ctx, Event{Kind: EventContent, Content: assistantText}); emitErr != nil {
			return emitErr
		}
	}

	advance(StateToolDecision)

	directive := o.decideTool(ctx, turn)
	toolRan := false
	if directive != nil {
		advance(StateToolExecuting)
		outcome := o.executeTool(ctx, directive)
		toolRan = true
		if emitErr := emit(ctx, Event{Kind: EventTool, Tool: outcome}); emitErr != nil {
			return emitErr
		}
	}

	advance(StateFinalizing)

	o.analyzer.Commit(o.bgCtx, turn.UserID, turn.Message, assistantText)

	contextCount := 0
	var sourceIDs []uuid.UUID
	if result != nil {
		contextCount = len(result.Items)
		sourceIDs = make([]uuid.UUID, contextCount)
		for i, item := range result.Items {
			sourceIDs[i] = item.ID
		}
	}
	if !toolRan && cacheEligible {
		var queryVec []float32
		if result != nil && !result.Degraded {
			queryVec = result.QueryVector
		}
		o.storeCacheAsync(turn, assistantText, queryVec, sourceIDs)
	}

	if emitErr := emit(ctx, Event{Kind: EventDone, Done: &DoneInfo{
		ContextCount: contextCount,
		ToolRan:      toolRan,
	}}); emitErr != nil {
		return emitErr
	}

	advance(StateDone)
	return nil
}

// gatherContext retrieves ranked knowledge with a bounded timeout. Any
// failure means an empty context, never a failed turn.
func (o *Orchestrator) gatherContext(ctx context.Context, turn Turn) *retrieval.Result {
	retrCtx, cancel := context.WithTimeout(ctx, retrievalTimeout)
	defer cancel()

	result, err := o.retriever.Retrieve(retrCtx, turn.UserID, turn.Message, o.limit)
	if err != nil {
		o.logger.Warn("retrieval failed, proceeding with no context", "error", err, "user_id", turn.UserID)
		return nil
	}
	return result
}

// decideTool runs the intent classification pass and resolves it into an
// executable directive, falling back to text heuristics when the model's
// structured output is unusable. Returns nil when no tool applies.
func (o *Orchestrator) decideTool(ctx context.Context, turn Turn) *tools.Directive {
	classifyCtx, cancel := context.WithTimeout(ctx, classifyTimeout)
	defer cancel()

	raw, err := o.generator.Classify(classifyCtx, buildClassificationPrompt(o.tools.Names(), turn.Message))
	if err != nil {
		o.logger.Warn("intent classification failed", "error", err, "user_id", turn.UserID)
		// The classifier being down should not strand obvious intents.
		if d, ok := tools.InferIntent(turn.Message); ok {
			return d
		}
		return nil
	}

	if raw == "" || strings.EqualFold(strings.TrimSpace(raw), noToolMarker) {
		return nil
	}

	directive, parseErr := tools.ParseDirective(raw)
	if parseErr == nil {
		return directive
	}

	// Model output is not guaranteed well-formed; re-derive parameters
	// from the raw user text before giving up.
	o.logger.Debug("malformed tool payload, trying intent fallback", "error", parseErr, "user_id", turn.UserID)
	if d, ok := tools.InferIntent(turn.Message); ok {
		return d
	}

	// Both paths failed: report a typed failure, keep the prose.
	return &tools.Directive{Tool: "", Params: nil}
}

// executeTool runs the directive and converts the result into a stream
// outcome. Failures are inline events, never turn aborts.
func (o *Orchestrator) executeTool(ctx context.Context, directive *tools.Directive) *ToolOutcome {
	if directive.Tool == "" {
		return &ToolOutcome{OK: false, Error: "could not determine tool parameters"}
	}

	payload, err := o.tools.Execute(ctx, directive.Tool, directive.Params)
	if err != nil {
		o.logger.Warn("tool execution failed", "tool", directive.Tool, "error", err)
		return &ToolOutcome{Name: directive.Tool, OK: false, Error: err.Error()}
	}
	return &ToolOutcome{Name: directive.Tool, OK: true, Payload: payload}
}

// recordHitAsync bumps cache hit accounting in the background.
func (o *Orchestrator) recordHitAsync(entry *respcache.Entry) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		hitCtx, cancel := context.WithTimeout(o.bgCtx, cacheWriteTimeout)
		defer cancel()
		if err := o.cache.RecordHit(hitCtx, entry); err != nil {
			o.logger.Warn("recording cache hit", "error", err)
		}
	}()
}

// storeCacheAsync memoizes a tool-free answer in the background.
func (o *Orchestrator) storeCacheAsync(turn Turn, assistantText string, queryVec []float32, sourceIDs []uuid.UUID) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		storeCtx, cancel := context.WithTimeout(o.bgCtx, cacheWriteTimeout)
		defer cancel()
		err := o.cache.Store(storeCtx, turn.UserID, turn.Message, queryVec, respcache.Response{
			Text:      assistantText,
			SourceIDs: sourceIDs,
		})
		if err != nil {
			o.logger.Warn("storing cache entry", "error", err, "user_id", turn.UserID)
		}
	}()
}

// Wait blocks until background cache writes finish. Called during graceful
// shutdown.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}
