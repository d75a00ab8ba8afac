package rag

import "errors"

// Sentinel errors shared by every component. Wrap them with fmt.Errorf and
// match with errors.Is.
var (
	// ErrExtractionFailure means text could not be extracted from the raw bytes.
	ErrExtractionFailure = errors.New("extraction failure")

	// ErrProviderUnavailable means the embedding provider failed after retries.
	ErrProviderUnavailable = errors.New("embedding provider unavailable")

	// ErrDimensionMismatch means a vector did not have the index dimension.
	ErrDimensionMismatch = errors.New("dimension mismatch")

	// ErrIndexBusy means the index is rebuilding and the caller should retry.
	ErrIndexBusy = errors.New("index busy")

	// ErrNotFound means the requested document, chunk, or entry does not exist.
	ErrNotFound = errors.New("not found")

	ErrInvalidInput      = errors.New("invalid input")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrAlreadyProcessing = errors.New("ingestion already in progress")
	ErrUnsupportedType   = errors.New("unsupported content type")
	ErrTooLarge          = errors.New("payload too large")
)

// kinds orders the sentinels from most to least specific for Kind.
var kinds = []struct {
	err  error
	name string
}{
	{ErrDimensionMismatch, "dimension_mismatch"},
	{ErrExtractionFailure, "extraction_failure"},
	{ErrProviderUnavailable, "provider_unavailable"},
	{ErrIndexBusy, "index_busy"},
	{ErrNotFound, "not_found"},
	{ErrInvalidTransition, "invalid_transition"},
	{ErrAlreadyProcessing, "already_processing"},
	{ErrUnsupportedType, "unsupported_type"},
	{ErrTooLarge, "too_large"},
	{ErrInvalidInput, "invalid_input"},
}

// Kind returns a stable, low-cardinality label for err suitable for metric
// labels and API error codes. Unknown errors map to "internal"; nil maps to "ok".
func Kind(err error) string {
	if err == nil {
		return "ok"
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "internal"
}
