// Package persistence provides the data storage abstraction for workflows,
// triggers, and execution state.
package persistence

import (
	"context"

	"github.com/dukex/stepflow/pkg/models"
)

type Persistence interface {
	WorkflowRepository() WorkflowRepository
	TriggerRepository() TriggerRepository
	TriggerEventRepository() TriggerEventRepository
	ExecutionRepository() ExecutionRepository
	StepExecutionRepository() StepExecutionRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// WorkflowRepository stores workflow definition versions. A published version
// is immutable; republishing writes a new version row.
type WorkflowRepository interface {
	Workflows(ctx context.Context) ([]*models.Workflow, error)
	WorkflowByVersion(ctx context.Context, id string, version int) (*models.Workflow, error)
	PublishedWorkflow(ctx context.Context, id string) (*models.Workflow, error)
	LatestWorkflow(ctx context.Context, id string) (*models.Workflow, error)
	SaveWorkflow(ctx context.Context, workflow *models.Workflow) error
	DeleteWorkflow(ctx context.Context, id string) error
}

// TriggerRepository stores trigger configurations. SaveTrigger applies
// optimistic concurrency on StoreVersion so a monitor updating firing
// counters and an administrative update can race safely.
type TriggerRepository interface {
	Triggers(ctx context.Context) ([]*models.WorkflowTrigger, error)
	ActiveTriggers(ctx context.Context) ([]*models.WorkflowTrigger, error)
	TriggerByID(ctx context.Context, id string) (*models.WorkflowTrigger, error)
	SaveTrigger(ctx context.Context, trigger *models.WorkflowTrigger) error
	DeleteTrigger(ctx context.Context, id string) error
}

// TriggerEventRepository appends immutable firing records. An append whose
// (trigger, dedup key) pair was already recorded fails with
// ErrDuplicateTriggerEvent, which is how one external event fires at most once.
type TriggerEventRepository interface {
	AppendTriggerEvent(ctx context.Context, event *models.TriggerEvent) error
	UpdateTriggerEvent(ctx context.Context, event *models.TriggerEvent) error
	TriggerEvents(ctx context.Context, triggerID string) ([]*models.TriggerEvent, error)
}

// ExecutionRepository stores execution state. SaveExecution rejects writes
// whose StoreVersion does not match the stored row (single writer per
// execution via optimistic versioning).
type ExecutionRepository interface {
	CreateExecution(ctx context.Context, execution *models.WorkflowExecution) error
	ExecutionByID(ctx context.Context, id string) (*models.WorkflowExecution, error)
	Executions(ctx context.Context) ([]*models.WorkflowExecution, error)
	SaveExecution(ctx context.Context, execution *models.WorkflowExecution) error
}

// StepExecutionRepository appends step activation records. AppendStepExecution
// enforces uniqueness of the (execution, step, attempt) dispatch key.
type StepExecutionRepository interface {
	AppendStepExecution(ctx context.Context, step *models.StepExecution) error
	UpdateStepExecution(ctx context.Context, step *models.StepExecution) error
	StepExecutions(ctx context.Context, executionID string) ([]*models.StepExecution, error)
	StepExecutionByResumeToken(ctx context.Context, token string) (*models.StepExecution, error)
}
