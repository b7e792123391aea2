package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/dukex/stepflow/pkg/models"
	"github.com/dukex/stepflow/pkg/persistence"
)

// ErrWorkflowNotFound is returned when a workflow is not found.
var ErrWorkflowNotFound = persistence.ErrWorkflowNotFound

// Workflow implements workflow definition management with draft and publish
// versioning. Published versions are immutable: an edit goes through a new
// draft version, and publishing that draft unpublishes its predecessor.
type Workflow struct {
	persistence persistence.Persistence
	validator   *validator.Validate
}

// NewWorkflow creates a new workflow service.
func NewWorkflow(persistence persistence.Persistence, validator *validator.Validate) *Workflow {
	return &Workflow{
		persistence: persistence,
		validator:   validator,
	}
}

// HealthCheck checks the health of the persistence layer.
func (w *Workflow) HealthCheck(ctx context.Context) (string, bool) {
	if w.persistence == nil {
		return "Persistence layer not initialized", false
	}

	err := w.persistence.HealthCheck(ctx)
	if err != nil {
		return "Persistence layer is unhealthy: " + err.Error(), false
	}

	return "Persistence layer is healthy", true
}

// ListWorkflows returns the latest version of every workflow.
func (w *Workflow) ListWorkflows(ctx context.Context) ([]*models.Workflow, error) {
	workflows, err := w.persistence.WorkflowRepository().Workflows(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}

	return workflows, nil
}

// GetWorkflow returns the latest version of one workflow.
func (w *Workflow) GetWorkflow(ctx context.Context, id string) (*models.Workflow, error) {
	return w.persistence.WorkflowRepository().LatestWorkflow(ctx, id)
}

// GetWorkflowVersion returns one specific version of a workflow.
func (w *Workflow) GetWorkflowVersion(ctx context.Context, id string, version int) (*models.Workflow, error) {
	return w.persistence.WorkflowRepository().WorkflowByVersion(ctx, id, version)
}

// CreateWorkflow stores a new workflow as version 1 in draft status.
func (w *Workflow) CreateWorkflow(ctx context.Context, workflow *models.Workflow) (*models.Workflow, error) {
	if workflow == nil {
		return nil, ErrWorkflowNil
	}

	if workflow.ID == "" {
		workflow.ID = uuid.New().String()
	}

	now := time.Now().UTC()
	workflow.Version = 1
	workflow.Status = models.WorkflowStatusDraft
	workflow.CreatedAt = now
	workflow.UpdatedAt = now
	workflow.PublishedAt = nil

	if err := w.validate(workflow); err != nil {
		return nil, err
	}

	if err := w.persistence.WorkflowRepository().SaveWorkflow(ctx, workflow); err != nil {
		return nil, fmt.Errorf("failed to save workflow: %w", err)
	}

	return workflow, nil
}

// UpdateWorkflow replaces the definition of the latest version, which must be
// a draft. Editing a published workflow requires CreateDraft first.
func (w *Workflow) UpdateWorkflow(ctx context.Context, id string, update *models.Workflow) (*models.Workflow, error) {
	if update == nil {
		return nil, ErrWorkflowNil
	}

	current, err := w.persistence.WorkflowRepository().LatestWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}

	if current.Status != models.WorkflowStatusDraft {
		return nil, NewValidationError("update_workflow", "latest version is "+string(current.Status), ErrNotDraft)
	}

	current.Name = update.Name
	current.Description = update.Description
	current.Steps = update.Steps
	current.Settings = update.Settings
	current.Variables = update.Variables
	current.Metadata = update.Metadata
	current.UpdatedAt = time.Now().UTC()

	if err := w.validate(current); err != nil {
		return nil, err
	}

	if err := w.persistence.WorkflowRepository().SaveWorkflow(ctx, current); err != nil {
		return nil, fmt.Errorf("failed to save workflow: %w", err)
	}

	return current, nil
}

// CreateDraft copies the published version into a new draft version for
// editing. Running executions keep pointing at the version they started with.
func (w *Workflow) CreateDraft(ctx context.Context, id string) (*models.Workflow, error) {
	repo := w.persistence.WorkflowRepository()

	latest, err := repo.LatestWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}

	if latest.Status == models.WorkflowStatusDraft {
		return nil, NewValidationError("create_draft", "version "+strconv.Itoa(latest.Version)+" is still a draft", ErrDraftExists)
	}

	published, err := repo.PublishedWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}

	draft := *published
	draft.Version = latest.Version + 1
	draft.Status = models.WorkflowStatusDraft
	draft.PublishedAt = nil
	draft.UpdatedAt = time.Now().UTC()

	if err := repo.SaveWorkflow(ctx, &draft); err != nil {
		return nil, fmt.Errorf("failed to save draft: %w", err)
	}

	return &draft, nil
}

// PublishWorkflow promotes the latest draft to the published version and
// unpublishes its predecessor. The published definition is frozen from here.
func (w *Workflow) PublishWorkflow(ctx context.Context, id string) (*models.Workflow, error) {
	repo := w.persistence.WorkflowRepository()

	draft, err := repo.LatestWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}

	if draft.Status == models.WorkflowStatusPublished {
		return nil, NewValidationError("publish_workflow", "version "+strconv.Itoa(draft.Version)+" is already live", ErrAlreadyPublished)
	}

	if err := w.validateForPublishing(draft); err != nil {
		return nil, err
	}

	previous, err := repo.PublishedWorkflow(ctx, id)
	if err != nil && !errors.Is(err, persistence.ErrPublishedWorkflowNotFound) {
		return nil, err
	}

	if previous != nil {
		previous.Status = models.WorkflowStatusUnpublished
		previous.UpdatedAt = time.Now().UTC()

		if err := repo.SaveWorkflow(ctx, previous); err != nil {
			return nil, fmt.Errorf("failed to unpublish previous version: %w", err)
		}
	}

	now := time.Now().UTC()
	draft.Status = models.WorkflowStatusPublished
	draft.PublishedAt = &now
	draft.UpdatedAt = now

	if err := repo.SaveWorkflow(ctx, draft); err != nil {
		return nil, fmt.Errorf("failed to publish workflow: %w", err)
	}

	return draft, nil
}

// DeleteWorkflow removes every version of a workflow.
func (w *Workflow) DeleteWorkflow(ctx context.Context, id string) error {
	return w.persistence.WorkflowRepository().DeleteWorkflow(ctx, id)
}

func (w *Workflow) validate(workflow *models.Workflow) error {
	if workflow.Name == "" {
		return ErrWorkflowNameRequired
	}

	if workflow.Steps == nil || len(workflow.Steps.Steps) == 0 {
		return ErrStepsRequired
	}

	if err := w.validator.Struct(workflow); err != nil {
		return NewValidationError("validate_workflow", err.Error(), ErrInvalidRequest)
	}

	if err := workflow.Steps.Validate(); err != nil {
		return NewValidationError("validate_workflow", err.Error(), ErrInvalidRequest)
	}

	return nil
}

// validateForPublishing ensures a workflow is ready to receive executions.
func (w *Workflow) validateForPublishing(workflow *models.Workflow) error {
	if workflow == nil {
		return ErrWorkflowNil
	}

	return w.validate(workflow)
}
