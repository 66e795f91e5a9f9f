package knowledge

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ContentType classifies what kind of knowledge an item carries.
type ContentType string

const (
	TypeConversation ContentType = "conversation"
	TypeDocument     ContentType = "document"
	TypePreference   ContentType = "preference"
	TypeFeedback     ContentType = "feedback"
	TypeMemory       ContentType = "memory"
)

// AllContentTypes returns every valid content type.
func AllContentTypes() []ContentType {
	return []ContentType{TypeConversation, TypeDocument, TypePreference, TypeFeedback, TypeMemory}
}

// Valid reports whether t is a known content type.
func (t ContentType) Valid() bool {
	switch t {
	case TypeConversation, TypeDocument, TypePreference, TypeFeedback, TypeMemory:
		return true
	}
	return false
}

const (
	// MaxContentLength caps stored content size in bytes.
	MaxContentLength = 8192

	// MaxCandidates caps the candidate pool a single ranking query returns.
	MaxCandidates = 50
)

var (
	ErrNotFound           = errors.New("knowledge item not found")
	ErrForbidden          = errors.New("knowledge item belongs to a different user")
	ErrInvalidContentType = errors.New("invalid content type")
	ErrEmptyContent       = errors.New("content is required")
	ErrMissingUser        = errors.New("user ID is required")
	ErrContentTooLong     = errors.New("content exceeds maximum length")
)

// Item is one stored knowledge row, always owned by exactly one user.
type Item struct {
	ID             uuid.UUID
	UserID         string
	Content        string
	Type           ContentType
	Metadata       map[string]string
	Topics         []string
	Importance     float32
	AccessCount    int
	CreatedAt      time.Time
	UpdatedAt      time.Time
	LastAccessedAt *time.Time
}

// Candidate is an Item paired with the ranking signals the database computed.
type Candidate struct {
	Item

	// Similarity is cosine similarity against the query vector, in [0, 1].
	Similarity float64

	// Lexical reports whether the raw query text appears verbatim in Content.
	Lexical bool
}
