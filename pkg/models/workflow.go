// Package models defines the core domain models for the workflow orchestration core.
package models

import "time"

// WorkflowStatus represents the lifecycle state of a workflow definition.
type WorkflowStatus string

const (
	WorkflowStatusDraft       WorkflowStatus = "draft"       // Editable, not executable
	WorkflowStatusPublished   WorkflowStatus = "published"   // Current active, executable
	WorkflowStatusUnpublished WorkflowStatus = "unpublished" // Historical, not executable
)

// ErrorPolicyKind controls how the engine reacts when a step exhausts its retries.
type ErrorPolicyKind string

const (
	ErrorPolicyStop     ErrorPolicyKind = "stop"     // Fail the whole execution
	ErrorPolicyContinue ErrorPolicyKind = "continue" // Mark the step failed, keep walking other paths
	ErrorPolicyRetry    ErrorPolicyKind = "retry"    // Retry with exponential backoff up to MaxRetries
)

// ErrorPolicy is the per-workflow retry configuration.
type ErrorPolicy struct {
	Kind          ErrorPolicyKind `json:"kind"                      validate:"required,oneof=stop continue retry"`
	MaxRetries    int             `json:"max_retries"               validate:"gte=0"`
	BackoffBaseMS int             `json:"backoff_base_ms,omitempty" validate:"gte=0"`
}

// WorkflowSettings carries execution-wide limits for a workflow version.
type WorkflowSettings struct {
	// StepTimeoutSeconds bounds a single step dispatch. Zero means no timeout.
	StepTimeoutSeconds int `json:"step_timeout_seconds,omitempty" validate:"gte=0"`

	// SLASeconds is the target completion time for an execution. Breaching it
	// raises an audit event but never fails the run on its own.
	SLASeconds int `json:"sla_seconds,omitempty" validate:"gte=0"`

	ErrorPolicy ErrorPolicy `json:"error_policy"`
}

// Workflow is one version of a workflow definition. Published versions are
// immutable; republishing creates a new row with Version incremented, and
// running executions keep pointing at the version they started with.
type Workflow struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"        validate:"required,min=3"`
	Description string           `json:"description"`
	Version     int              `json:"version"     validate:"gte=1"`
	Status      WorkflowStatus   `json:"status"      validate:"required"`
	Steps       *StepGraph       `json:"steps"       validate:"required"`
	Settings    WorkflowSettings `json:"settings"`
	Variables   map[string]any   `json:"variables,omitempty"`
	Metadata    map[string]any   `json:"metadata,omitempty"`
	Owner       string           `json:"owner"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
	PublishedAt *time.Time       `json:"published_at,omitempty"`
}

// IsPublished reports whether this version is the executable one.
func (w *Workflow) IsPublished() bool {
	return w.Status == WorkflowStatusPublished
}
