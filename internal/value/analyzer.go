// Package value decides, after a chat turn completes, whether the turn is
// worth persisting as knowledge. Cheap string heuristics run first; an
// optional model-backed extractor refines what gets stored. All writes
// happen in the background and never delay the response.
package value

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shopmind/shopmind/internal/knowledge"
)

const (
	// minMessageLength rejects turns too short to carry facts.
	minMessageLength = 8

	// minAnswerLength separates informational answers from one-line
	// confirmations.
	minAnswerLength = 40

	defaultImportance  = 1.0
	elevatedImportance = 2.0

	commitTimeout = 15 * time.Second
)

// Writer persists knowledge items. Content goes in without a vector; the
// store owns embedding.
type Writer interface {
	Write(ctx context.Context, in knowledge.WriteInput) (uuid.UUID, error)
}

// Assessment is the verdict for one finished turn.
type Assessment struct {
	ShouldStore bool
	Type        knowledge.ContentType
	Importance  float32

	// Content is what gets persisted: an extracted user fact, or the
	// formatted exchange for conversation-type storage.
	Content string
}

// Analyzer applies the storage heuristics and commits accepted turns.
//
// Analyzer is safe for concurrent use by multiple goroutines.
type Analyzer struct {
	writer    Writer
	extractor *Extractor
	logger    *slog.Logger

	wg sync.WaitGroup
}

// New creates an Analyzer. extractor may be nil; heuristics alone then
// decide what to store.
func New(writer Writer, extractor *Extractor, logger *slog.Logger) (*Analyzer, error) {
	if writer == nil {
		return nil, fmt.Errorf("knowledge writer is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{
		writer:    writer,
		extractor: extractor,
		logger:    logger.With("component", "value"),
	}, nil
}

// Assess runs the heuristics in order, cheapest first.
//
// Pure tool confirmations are never stored as knowledge; they pollute
// future retrieval. Only the user-side fact, if any, survives such turns.
func Assess(userMessage, assistantText string) Assessment {
	userMessage = strings.TrimSpace(userMessage)
	assistantText = strings.TrimSpace(assistantText)

	if len(userMessage) < minMessageLength {
		return Assessment{}
	}
	if isBoilerplate(assistantText) {
		return Assessment{}
	}

	if fact, contentType, ok := firstPersonFact(userMessage); ok {
		return Assessment{
			ShouldStore: true,
			Type:        contentType,
			Importance:  elevatedImportance,
			Content:     fact,
		}
	}

	if isToolConfirmation(assistantText) {
		return Assessment{}
	}

	if len(assistantText) >= minAnswerLength {
		return Assessment{
			ShouldStore: true,
			Type:        knowledge.TypeConversation,
			Importance:  defaultImportance,
			Content:     FormatExchange(userMessage, assistantText),
		}
	}

	return Assessment{}
}

// Commit persists an accepted turn in the background. Failures are logged,
// never surfaced: a dropped knowledge write costs personalization quality,
// not correctness.
func (a *Analyzer) Commit(ctx context.Context, userID string, userMessage, assistantText string) {
	assessment := Assess(userMessage, assistantText)
	if !assessment.ShouldStore || userID == "" {
		return
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		bgCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
		defer cancel()

		a.store(bgCtx, userID, assessment)

		if a.extractor != nil {
			a.extractFacts(bgCtx, userID, userMessage, assistantText)
		}
	}()
}

// Wait blocks until background writes finish. Called during graceful
// shutdown.
func (a *Analyzer) Wait() {
	a.wg.Wait()
}

func (a *Analyzer) store(ctx context.Context, userID string, assessment Assessment) {
	id, err := a.writer.Write(ctx, knowledge.WriteInput{
		UserID:     userID,
		Content:    assessment.Content,
		Type:       assessment.Type,
		Metadata:   map[string]string{"source": "chat"},
		Importance: assessment.Importance,
	})
	if err != nil {
		a.logger.Warn("knowledge write failed", "error", err, "user_id", userID)
		return
	}
	a.logger.Debug("stored turn as knowledge", "id", id, "type", assessment.Type, "user_id", userID)
}

func (a *Analyzer) extractFacts(ctx context.Context, userID, userMessage, assistantText string) {
	facts, err := a.extractor.Extract(ctx, FormatExchange(userMessage, assistantText))
	if err != nil {
		a.logger.Warn("fact extraction failed", "error", err, "user_id", userID)
		return
	}
	for _, fact := range facts {
		a.store(ctx, userID, Assessment{
			ShouldStore: true,
			Type:        fact.Type,
			Importance:  fact.Importance,
			Content:     fact.Content,
		})
	}
}

// boilerplatePhrases marks assistant output that carries no knowledge.
var boilerplatePhrases = []string{
	"i'm sorry",
	"i am sorry",
	"i can't help with that",
	"i cannot help with that",
	"something went wrong",
	"an error occurred",
	"please try again",
}

func isBoilerplate(assistantText string) bool {
	if assistantText == "" {
		return true
	}
	lower := strings.ToLower(assistantText)
	for _, phrase := range boilerplatePhrases {
		if strings.HasPrefix(lower, phrase) {
			return true
		}
	}
	return false
}

// toolConfirmations marks one-line action acknowledgements.
var toolConfirmations = []string{
	"filter applied",
	"filters applied",
	"added to cart",
	"added to your cart",
	"navigating to",
	"taking you to",
	"done.",
	"done!",
}

func isToolConfirmation(assistantText string) bool {
	lower := strings.ToLower(strings.TrimSpace(assistantText))
	for _, phrase := range toolConfirmations {
		if strings.HasPrefix(lower, phrase) {
			return true
		}
	}
	return false
}

// firstPersonMarkers map self-describing openers to a content type.
// Identity-flavored statements persist as memory; taste-flavored ones as
// preference.
var firstPersonMarkers = []struct {
	marker      string
	contentType knowledge.ContentType
}{
	{"my name is", knowledge.TypeMemory},
	{"call me", knowledge.TypeMemory},
	{"i work as", knowledge.TypeMemory},
	{"i work at", knowledge.TypeMemory},
	{"i live in", knowledge.TypeMemory},
	{"i am a", knowledge.TypeMemory},
	{"i am an", knowledge.TypeMemory},
	{"i'm a", knowledge.TypeMemory},
	{"i'm an", knowledge.TypeMemory},
	{"i prefer", knowledge.TypePreference},
	{"i like", knowledge.TypePreference},
	{"i love", knowledge.TypePreference},
	{"i hate", knowledge.TypePreference},
	{"i don't like", knowledge.TypePreference},
	{"i usually", knowledge.TypePreference},
	{"i always", knowledge.TypePreference},
	{"i never", knowledge.TypePreference},
}

// firstPersonFact finds a self-describing statement in the user message and
// returns the sentence that contains it.
func firstPersonFact(userMessage string) (fact string, contentType knowledge.ContentType, ok bool) {
	lower := strings.ToLower(userMessage)
	for _, fp := range firstPersonMarkers {
		idx := strings.Index(lower, fp.marker)
		if idx == -1 {
			continue
		}
		// Marker must start a sentence or clause, not sit inside a word.
		if idx > 0 && !isBoundary(lower[idx-1]) {
			continue
		}
		return extractSentence(userMessage, idx), fp.contentType, true
	}
	return "", "", false
}

func isBoundary(b byte) bool {
	switch b {
	case ' ', '\t', '\n', '.', ',', ';', ':', '!', '?', '(', '"', '\'':
		return true
	}
	return false
}

// extractSentence returns the sentence surrounding position idx.
func extractSentence(s string, idx int) string {
	start := idx
	for start > 0 && !isSentenceEnd(s[start-1]) {
		start--
	}
	end := idx
	for end < len(s) && !isSentenceEnd(s[end]) {
		end++
	}
	if end < len(s) {
		end++ // keep the terminator
	}
	return strings.TrimSpace(s[start:end])
}

func isSentenceEnd(b byte) bool {
	return b == '.' || b == '!' || b == '?' || b == '\n'
}

// FormatExchange renders a turn for storage or extraction. Inputs are
// sanitized so stored content cannot mimic prompt delimiters later.
func FormatExchange(userMessage, assistantText string) string {
	return "User: " + sanitizeDelimiters(userMessage) + "\nAssistant: " + sanitizeDelimiters(assistantText)
}
