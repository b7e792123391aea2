// Package engine drives workflow executions through their step graphs.
package engine

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failure for retry and audit purposes.
type ErrorKind string

const (
	// KindValidation marks bad workflow or trigger configuration. Rejected
	// before activation; never reaches a running execution.
	KindValidation ErrorKind = "validation"

	// KindExecutor marks a step executor failure. Subject to the workflow's
	// retry policy.
	KindExecutor ErrorKind = "executor"

	// KindTimeout marks a step that exceeded its deadline. A subtype of
	// executor failure; it goes through the same retry path.
	KindTimeout ErrorKind = "timeout"

	// KindSystem marks a persistence or infrastructure failure. Retried with
	// backoff at the engine boundary, never silently dropped.
	KindSystem ErrorKind = "system"

	// KindConfiguration marks a graph referencing an unknown step or edge.
	// Fails the execution immediately; retrying cannot help.
	KindConfiguration ErrorKind = "configuration"
)

// Error carries the failure classification alongside the cause.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError wraps an error with its classification.
func NewError(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// KindOf extracts the classification, defaulting unclassified errors to
// system failures.
func KindOf(err error) ErrorKind {
	var engineErr *Error
	if errors.As(err, &engineErr) {
		return engineErr.Kind
	}

	return KindSystem
}

var (
	// ErrExecutionNotRunning is returned when a command requires a running execution.
	ErrExecutionNotRunning = errors.New("execution is not running")

	// ErrExecutionTerminal is returned when a command targets a finished execution.
	ErrExecutionTerminal = errors.New("execution already reached a terminal state")

	// ErrInvalidTransition is returned for a disallowed status change.
	ErrInvalidTransition = errors.New("invalid execution status transition")

	// ErrStepNotSuspended is returned when a resume call targets a step that
	// is not waiting for input.
	ErrStepNotSuspended = errors.New("step is not suspended")
)
