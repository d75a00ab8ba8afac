package rag

import (
	"fmt"
	"time"
)

// Status is the processing state of a Document.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// transitions lists the legal target states for each source state.
// Completed and failed documents may be re-ingested; nothing returns to pending.
var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing},
	StatusProcessing: {StatusCompleted, StatusFailed},
	StatusCompleted:  {StatusProcessing},
	StatusFailed:     {StatusProcessing},
}

// Valid reports whether s is one of the four known states.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Terminal reports whether s is completed or failed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether moving from s to next is legal.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ParseStatus converts a string to a Status. The empty string is accepted
// and means "any status" for list filters.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if s == "" || st.Valid() {
		return st, nil
	}
	return "", fmt.Errorf("rag: unknown status %q: %w", s, ErrInvalidInput)
}

// Document is an uploaded file and its processing state.
type Document struct {
	ID          string
	Filename    string
	ContentType string
	Size        int64

	// ObjectKey locates the raw bytes in the ObjectStore.
	ObjectKey string

	Status Status

	// ExtractionError is set when text extraction failed.
	ExtractionError string

	// ProcessingError is set when a later stage (embedding, indexing) failed.
	ProcessingError string

	// ExtractedText is nil until extraction has run.
	ExtractedText *string

	PageCount  *int
	ChunkCount int

	Metadata map[string]string

	CreatedAt time.Time
	UpdatedAt time.Time

	// CompletedAt is set when the document reaches a terminal state.
	CompletedAt *time.Time
}

// Transition moves doc to next, enforcing the status state machine. It is the
// only place a document's Status changes. Entering processing clears the
// previous failure and completion fields; entering a terminal state stamps
// CompletedAt.
func Transition(doc *Document, next Status, now time.Time) error {
	if !doc.Status.CanTransition(next) {
		return fmt.Errorf("rag: document %s: %s -> %s: %w", doc.ID, doc.Status, next, ErrInvalidTransition)
	}
	doc.Status = next
	doc.UpdatedAt = now
	switch next {
	case StatusProcessing:
		doc.ExtractionError = ""
		doc.ProcessingError = ""
		doc.CompletedAt = nil
	case StatusCompleted, StatusFailed:
		t := now
		doc.CompletedAt = &t
	}
	return nil
}

// Chunk is a contiguous span of a document's extracted text together with
// its embedding.
type Chunk struct {
	ID         string
	DocumentID string

	// Index is the 0-based position within the document.
	Index int

	Content string

	// Embedding has exactly D components once the chunk is persisted.
	Embedding []float32

	// Start and End are rune offsets into the extracted text.
	Start int
	End   int

	// Overlap is the number of leading runes shared with the previous chunk.
	Overlap int

	Metadata map[string]string
}
