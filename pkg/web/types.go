// Package web provides HTTP request and response types for the workflow API.
package web

import "github.com/dukex/stepflow/pkg/models"

// CreateWorkflowRequest represents the request body for creating a new workflow.
type CreateWorkflowRequest struct {
	Name        string                  `json:"name"        validate:"required,min=3"`
	Description string                  `json:"description"`
	Steps       *models.StepGraph       `json:"steps"       validate:"required"`
	Settings    models.WorkflowSettings `json:"settings"`
	Variables   map[string]any          `json:"variables"`
	Metadata    map[string]any          `json:"metadata,omitempty"`
	Owner       string                  `json:"owner"       validate:"required"`
}

// UpdateWorkflowRequest represents the request body for updating a draft
// workflow. The whole definition is replaced.
type UpdateWorkflowRequest struct {
	Name        string                  `json:"name"        validate:"required,min=3"`
	Description string                  `json:"description"`
	Steps       *models.StepGraph       `json:"steps"       validate:"required"`
	Settings    models.WorkflowSettings `json:"settings"`
	Variables   map[string]any          `json:"variables"`
	Metadata    map[string]any          `json:"metadata,omitempty"`
}

// CreateTriggerRequest represents the request body for creating a trigger.
type CreateTriggerRequest struct {
	WorkflowID string             `json:"workflow_id" validate:"required"`
	Kind       models.TriggerKind `json:"kind"        validate:"required,oneof=manual scheduled webhook event-poll condition-poll"`
	Name       string             `json:"name"        validate:"required,min=1"`
	Config     map[string]any     `json:"config"`
}

// UpdateTriggerRequest represents the request body for updating a trigger.
// The kind is fixed at creation.
type UpdateTriggerRequest struct {
	Name   string         `json:"name"   validate:"required,min=1"`
	Config map[string]any `json:"config"`
}

// StartExecutionRequest represents the request body for starting an execution
// through a manual trigger or directly against a published workflow.
type StartExecutionRequest struct {
	Input map[string]any `json:"input"`
	Actor string         `json:"actor"`
}

// ResumeStepRequest represents the request body for resuming a suspended step.
type ResumeStepRequest struct {
	ResumeToken string         `json:"resume_token" validate:"required"`
	Input       map[string]any `json:"input"`
	Actor       string         `json:"actor"`
}

// ResumeStepInputRequest represents the request body for resuming a suspended
// step addressed by execution and step ID.
type ResumeStepInputRequest struct {
	Input map[string]any `json:"input"`
	Actor string         `json:"actor"`
}

// ExecutionCommandRequest represents the request body for pause, resume, and
// cancel commands.
type ExecutionCommandRequest struct {
	Actor string `json:"actor"`
}
