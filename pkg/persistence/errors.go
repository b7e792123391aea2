// Package persistence provides standardized error types for persistence operations.
package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types that all implementations should use.
var (
	// ErrWorkflowNotFound indicates a workflow was not found by the given identifier.
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrPublishedWorkflowNotFound indicates no published version exists for the workflow.
	ErrPublishedWorkflowNotFound = errors.New("published workflow not found")

	// ErrTriggerNotFound indicates a trigger was not found by the given identifier.
	ErrTriggerNotFound = errors.New("trigger not found")

	// ErrExecutionNotFound indicates an execution was not found by the given identifier.
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrStepExecutionNotFound indicates a step execution record was not found.
	ErrStepExecutionNotFound = errors.New("step execution not found")

	// ErrVersionConflict indicates an optimistic concurrency check failed;
	// the caller should re-read and retry.
	ErrVersionConflict = errors.New("store version conflict")

	// ErrDuplicateDispatch indicates a step dispatch with the same
	// (execution, step, attempt) key was already applied.
	ErrDuplicateDispatch = errors.New("duplicate step dispatch")

	// ErrDuplicateTriggerEvent indicates a firing with the same dedup key was
	// already recorded for the trigger.
	ErrDuplicateTriggerEvent = errors.New("duplicate trigger event")
)

// ExecutionError wraps execution-related errors with operation context.
type ExecutionError struct {
	Op          string // Operation being performed (e.g., "Save", "Create")
	ExecutionID string
	StepID      string // Step ID if applicable
	Err         error
}

func (e *ExecutionError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("%s operation failed for execution %s step %s: %v", e.Op, e.ExecutionID, e.StepID, e.Err)
	}

	return fmt.Sprintf("%s operation failed for execution %s: %v", e.Op, e.ExecutionID, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// Is implements error comparison for execution errors.
func (e *ExecutionError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewExecutionError creates a new execution error with context.
func NewExecutionError(op, executionID string, err error) *ExecutionError {
	return &ExecutionError{
		Op:          op,
		ExecutionID: executionID,
		Err:         err,
	}
}

// NewStepExecutionError creates a new execution error scoped to one step.
func NewStepExecutionError(op, executionID, stepID string, err error) *ExecutionError {
	return &ExecutionError{
		Op:          op,
		ExecutionID: executionID,
		StepID:      stepID,
		Err:         err,
	}
}

// TriggerError wraps trigger-related errors with operation context.
type TriggerError struct {
	Op        string
	TriggerID string
	Err       error
}

func (e *TriggerError) Error() string {
	return fmt.Sprintf("%s operation failed for trigger %s: %v", e.Op, e.TriggerID, e.Err)
}

func (e *TriggerError) Unwrap() error {
	return e.Err
}

func (e *TriggerError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewTriggerError creates a new trigger error with context.
func NewTriggerError(op, triggerID string, err error) *TriggerError {
	return &TriggerError{
		Op:        op,
		TriggerID: triggerID,
		Err:       err,
	}
}
