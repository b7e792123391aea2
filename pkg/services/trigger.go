package services

import (
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/dukex/stepflow/pkg/models"
	"github.com/dukex/stepflow/pkg/persistence"
)

// Trigger implements trigger configuration management. Starting and stopping
// the actual monitors is the engine registry's job; this service owns the
// stored configuration and its activation flag.
type Trigger struct {
	persistence persistence.Persistence
	validator   *validator.Validate
}

// NewTrigger creates a new trigger service.
func NewTrigger(persistence persistence.Persistence, validator *validator.Validate) *Trigger {
	return &Trigger{
		persistence: persistence,
		validator:   validator,
	}
}

// ListTriggers returns every configured trigger.
func (t *Trigger) ListTriggers(ctx context.Context) ([]*models.WorkflowTrigger, error) {
	return t.persistence.TriggerRepository().Triggers(ctx)
}

// GetTrigger returns one trigger by id.
func (t *Trigger) GetTrigger(ctx context.Context, id string) (*models.WorkflowTrigger, error) {
	return t.persistence.TriggerRepository().TriggerByID(ctx, id)
}

// CreateTrigger stores a new trigger. The referenced workflow must exist; the
// trigger starts inactive until explicitly activated.
func (t *Trigger) CreateTrigger(ctx context.Context, trigger *models.WorkflowTrigger) (*models.WorkflowTrigger, error) {
	if trigger.ID == "" {
		trigger.ID = uuid.New().String()
	}

	now := time.Now().UTC()
	trigger.CreatedAt = now
	trigger.UpdatedAt = now
	trigger.StoreVersion = 0
	trigger.FiringCount = 0
	trigger.ErrorCount = 0
	trigger.LastFired = nil

	if err := t.validator.Struct(trigger); err != nil {
		return nil, NewValidationError("create_trigger", err.Error(), ErrInvalidRequest)
	}

	if _, err := t.persistence.WorkflowRepository().LatestWorkflow(ctx, trigger.WorkflowID); err != nil {
		return nil, err
	}

	if err := t.persistence.TriggerRepository().SaveTrigger(ctx, trigger); err != nil {
		return nil, fmt.Errorf("failed to save trigger: %w", err)
	}

	return trigger, nil
}

// UpdateTrigger replaces the mutable fields of a trigger. The kind is fixed
// at creation so a monitor never changes shape under a running registry.
func (t *Trigger) UpdateTrigger(ctx context.Context, id string, update *models.WorkflowTrigger) (*models.WorkflowTrigger, error) {
	current, err := t.persistence.TriggerRepository().TriggerByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if update.Kind != "" && update.Kind != current.Kind {
		return nil, NewValidationError("update_trigger", "trigger is "+string(current.Kind), ErrTriggerKindChange)
	}

	current.Name = update.Name
	current.Config = update.Config

	if err := t.validator.Struct(current); err != nil {
		return nil, NewValidationError("update_trigger", err.Error(), ErrInvalidRequest)
	}

	if err := t.persistence.TriggerRepository().SaveTrigger(ctx, current); err != nil {
		return nil, fmt.Errorf("failed to save trigger: %w", err)
	}

	return current, nil
}

// SetActive flips the trigger's activation flag.
func (t *Trigger) SetActive(ctx context.Context, id string, active bool) (*models.WorkflowTrigger, error) {
	trigger, err := t.persistence.TriggerRepository().TriggerByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if trigger.Active == active {
		return trigger, nil
	}

	trigger.Active = active

	if err := t.persistence.TriggerRepository().SaveTrigger(ctx, trigger); err != nil {
		return nil, fmt.Errorf("failed to save trigger: %w", err)
	}

	return trigger, nil
}

// DeleteTrigger removes a trigger configuration.
func (t *Trigger) DeleteTrigger(ctx context.Context, id string) error {
	return t.persistence.TriggerRepository().DeleteTrigger(ctx, id)
}

// ListTriggerEvents returns the firing history of one trigger.
func (t *Trigger) ListTriggerEvents(ctx context.Context, triggerID string) ([]*models.TriggerEvent, error) {
	return t.persistence.TriggerEventRepository().TriggerEvents(ctx, triggerID)
}
