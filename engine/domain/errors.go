package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors identifying the failing pipeline stage.
var (
	ErrEmbedding  = errors.New("embedding failed")
	ErrQuery      = errors.New("query failed")
	ErrGeneration = errors.New("generation failed")
)

// Stage names used in logs, metrics and transport error payloads.
const (
	StageEmbed    = "embed"
	StageSearch   = "search"
	StageGenerate = "generate"
)

// StageError wraps the cause of a failed stage with its kind.
type StageError struct {
	Stage   string
	Kind    error
	Wrapped error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Stage, e.Kind, e.Wrapped)
}

// Unwrap exposes both the kind sentinel and the underlying cause.
func (e *StageError) Unwrap() []error { return []error{e.Kind, e.Wrapped} }

// EmbeddingError reports a failure of the embedding model call.
func EmbeddingError(err error) *StageError {
	return &StageError{Stage: StageEmbed, Kind: ErrEmbedding, Wrapped: err}
}

// QueryError reports a database or connectivity failure during search.
func QueryError(err error) *StageError {
	return &StageError{Stage: StageSearch, Kind: ErrQuery, Wrapped: err}
}

// GenerationError reports a failure of the text-generation model call.
func GenerationError(err error) *StageError {
	return &StageError{Stage: StageGenerate, Kind: ErrGeneration, Wrapped: err}
}

// KindOf returns the stage name of err, or "" if err is not a StageError.
func KindOf(err error) string {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return ""
}
