package stageplan

import (
	"fmt"
	"time"
)

// StreamError represents an error that occurred while producing a record.
// It captures both the partial item (if any) and the underlying cause.
//
//nolint:govet // fieldalignment: struct layout optimized for readability over memory
type StreamError[T any] struct {
	// Item is the value that was being produced, zero if none existed yet.
	Item T

	// Err is the underlying error.
	Err error

	// OperatorName identifies which operator raised the error.
	OperatorName string

	// Timestamp records when the error occurred.
	Timestamp time.Time
}

// NewStreamError creates a new StreamError with the current timestamp.
func NewStreamError[T any](item T, err error, operatorName string) *StreamError[T] {
	return &StreamError[T]{
		Item:         item,
		Err:          err,
		OperatorName: operatorName,
		Timestamp:    time.Now(),
	}
}

// String returns a human-readable representation of the error.
func (se *StreamError[T]) String() string {
	return fmt.Sprintf("StreamError[%s]: %v (time: %s)", se.OperatorName, se.Err, se.Timestamp.Format(time.RFC3339))
}

// Unwrap returns the underlying error, enabling error wrapping chains.
func (se *StreamError[T]) Unwrap() error {
	return se.Err
}

// Error implements the error interface.
func (se *StreamError[T]) Error() string {
	return se.String()
}

// ErrorKind classifies a PlanError: plan-shape errors surfaced before any
// stage is registered, I/O errors from the filesystem, codec errors from
// malformed or mismatched IPC data, and not-supported errors for operations
// this implementation declines eagerly.
type ErrorKind int

// Recognized error kinds.
const (
	ErrPlanShape ErrorKind = iota
	ErrIO
	ErrCodec
	ErrNotSupported
)

// String renders an ErrorKind for diagnostics.
func (k ErrorKind) String() string {
	switch k {
	case ErrPlanShape:
		return "plan-shape"
	case ErrIO:
		return "io"
	case ErrCodec:
		return "codec"
	case ErrNotSupported:
		return "not-supported"
	default:
		return "unknown"
	}
}

// PlanError is the single error type surfaced by this package's public API:
// a kind plus a diagnostic string sufficient to locate the offending
// operator or file.
type PlanError struct {
	Kind    ErrorKind
	Subject string // operator name, stage id, or file path, whichever applies
	Err     error
}

// NewPlanError constructs a PlanError.
func NewPlanError(kind ErrorKind, subject string, err error) *PlanError {
	return &PlanError{Kind: kind, Subject: subject, Err: err}
}

// Error implements the error interface.
func (e *PlanError) Error() string {
	if e.Subject == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Subject, e.Err)
}

// Unwrap returns the underlying cause so errors.Is/errors.As see through it.
func (e *PlanError) Unwrap() error {
	return e.Err
}
