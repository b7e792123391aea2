package models

import (
	"strconv"
	"time"
)

// ExecutionStatus is the lifecycle state of a workflow execution.
type ExecutionStatus string

const (
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusPaused    ExecutionStatus = "paused"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are allowed.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionStatusCompleted || s == ExecutionStatusFailed || s == ExecutionStatusCancelled
}

// CanTransitionTo encodes the execution state machine:
// running -> {paused, completed, failed, cancelled}, paused -> {running, cancelled}.
func (s ExecutionStatus) CanTransitionTo(next ExecutionStatus) bool {
	switch s {
	case ExecutionStatusRunning:
		return next == ExecutionStatusPaused || next.IsTerminal()
	case ExecutionStatusPaused:
		return next == ExecutionStatusRunning || next == ExecutionStatusCancelled
	default:
		return false
	}
}

// WorkflowExecution is one run of a published workflow version. The version is
// pinned at creation and never changes, even if the workflow is republished
// mid-run. Once terminal the record is immutable except for audit appends.
type WorkflowExecution struct {
	ID              string          `json:"id"`
	WorkflowID      string          `json:"workflow_id"`
	WorkflowVersion int             `json:"workflow_version"`
	Status          ExecutionStatus `json:"status"`

	// CurrentSteps holds the step ids currently active; more than one entry
	// means parallel branches are in flight.
	CurrentSteps []string `json:"current_steps"`

	// Context is the execution-scoped variable map, seeded from trigger data
	// and workflow variables and merged with step outputs as steps complete.
	Context map[string]any `json:"context"`

	Metadata    map[string]any `json:"metadata,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	SLADeadline *time.Time     `json:"sla_deadline,omitempty"`

	// StoreVersion is the optimistic concurrency token; the store rejects a
	// write whose StoreVersion does not match the stored row.
	StoreVersion int64 `json:"store_version"`
}

// HasCurrentStep reports whether the step is in the active set.
func (e *WorkflowExecution) HasCurrentStep(stepID string) bool {
	for _, id := range e.CurrentSteps {
		if id == stepID {
			return true
		}
	}

	return false
}

// RemoveCurrentStep drops the step from the active set.
func (e *WorkflowExecution) RemoveCurrentStep(stepID string) {
	remaining := e.CurrentSteps[:0]

	for _, id := range e.CurrentSteps {
		if id != stepID {
			remaining = append(remaining, id)
		}
	}

	e.CurrentSteps = remaining
}

// StepStatus is the sub-state of a single step activation.
type StepStatus string

const (
	StepStatusPending    StepStatus = "pending"
	StepStatusInProgress StepStatus = "in_progress"
	StepStatusSuspended  StepStatus = "suspended"
	StepStatusCompleted  StepStatus = "completed"
	StepStatusFailed     StepStatus = "failed"
	StepStatusSkipped    StepStatus = "skipped"
)

// IsTerminal reports whether the step activation is finished. Suspended steps
// are not terminal: they are pure state waiting on an external resume.
func (s StepStatus) IsTerminal() bool {
	return s == StepStatusCompleted || s == StepStatusFailed || s == StepStatusSkipped
}

// StepExecution is one activation record of a single step. The history is
// append-only: a retry creates a fresh row with Attempt incremented instead of
// overwriting the failed one.
type StepExecution struct {
	ID          string         `json:"id"`
	ExecutionID string         `json:"execution_id"`
	StepID      string         `json:"step_id"`
	Status      StepStatus     `json:"status"`
	Attempt     int            `json:"attempt"`
	Input       map[string]any `json:"input,omitempty"`
	Output      map[string]any `json:"output,omitempty"`
	Error       string         `json:"error,omitempty"`
	ResumeToken string         `json:"resume_token,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// DispatchKey is the idempotency key for one step dispatch. The store rejects
// a duplicate apply of the same key so a crashed-and-retried dispatch cannot
// double-execute a step's side effects.
func (s *StepExecution) DispatchKey() string {
	return s.ExecutionID + "/" + s.StepID + "/" + strconv.Itoa(s.Attempt)
}
