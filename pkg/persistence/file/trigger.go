package file

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dukex/stepflow/pkg/models"
	"github.com/dukex/stepflow/pkg/persistence"
)

// TriggerRepository stores one document per trigger and applies optimistic
// concurrency on SaveTrigger.
type TriggerRepository struct {
	root string
	mu   sync.Mutex
}

func (r *TriggerRepository) path(id string) string {
	return filepath.Join(r.root, "triggers", id+".json")
}

func (r *TriggerRepository) Triggers(_ context.Context) ([]*models.WorkflowTrigger, error) {
	paths, err := listJSON(filepath.Join(r.root, "triggers"))
	if err != nil {
		return nil, err
	}

	triggers := make([]*models.WorkflowTrigger, 0, len(paths))

	for _, path := range paths {
		trigger := &models.WorkflowTrigger{}
		if err := readJSON(path, trigger); err != nil {
			return nil, err
		}

		triggers = append(triggers, trigger)
	}

	return triggers, nil
}

func (r *TriggerRepository) ActiveTriggers(ctx context.Context) ([]*models.WorkflowTrigger, error) {
	all, err := r.Triggers(ctx)
	if err != nil {
		return nil, err
	}

	active := make([]*models.WorkflowTrigger, 0, len(all))

	for _, trigger := range all {
		if trigger.Active {
			active = append(active, trigger)
		}
	}

	return active, nil
}

func (r *TriggerRepository) TriggerByID(_ context.Context, id string) (*models.WorkflowTrigger, error) {
	trigger := &models.WorkflowTrigger{}

	err := readJSON(r.path(id), trigger)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, persistence.ErrTriggerNotFound
		}

		return nil, err
	}

	return trigger, nil
}

// SaveTrigger writes the trigger if its StoreVersion matches the stored row,
// then increments the version. New triggers must carry StoreVersion zero.
func (r *TriggerRepository) SaveTrigger(ctx context.Context, trigger *models.WorkflowTrigger) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, err := r.TriggerByID(ctx, trigger.ID)

	switch {
	case err == nil:
		if existing.StoreVersion != trigger.StoreVersion {
			return persistence.NewTriggerError("Save", trigger.ID, persistence.ErrVersionConflict)
		}
	case errors.Is(err, persistence.ErrTriggerNotFound):
		if trigger.StoreVersion != 0 {
			return persistence.NewTriggerError("Save", trigger.ID, persistence.ErrVersionConflict)
		}
	default:
		return err
	}

	trigger.StoreVersion++
	trigger.UpdatedAt = time.Now().UTC()

	return writeJSON(r.path(trigger.ID), trigger)
}

func (r *TriggerRepository) DeleteTrigger(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	err := os.Remove(r.path(id))
	if os.IsNotExist(err) {
		return persistence.ErrTriggerNotFound
	}

	return err
}

// TriggerEventRepository stores one append-only document per trigger.
type TriggerEventRepository struct {
	root string
	mu   sync.Mutex
}

func (r *TriggerEventRepository) path(triggerID string) string {
	return filepath.Join(r.root, "trigger_events", triggerID+".json")
}

func (r *TriggerEventRepository) load(triggerID string) ([]*models.TriggerEvent, error) {
	var eventList []*models.TriggerEvent

	err := readJSON(r.path(triggerID), &eventList)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, err
	}

	return eventList, nil
}

// AppendTriggerEvent records a firing. A non-empty dedup key that was already
// recorded for this trigger fails with ErrDuplicateTriggerEvent.
func (r *TriggerEventRepository) AppendTriggerEvent(_ context.Context, event *models.TriggerEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	eventList, err := r.load(event.TriggerID)
	if err != nil {
		return err
	}

	if event.DedupKey != "" {
		for _, existing := range eventList {
			if existing.DedupKey == event.DedupKey {
				return persistence.NewTriggerError("Append", event.TriggerID, persistence.ErrDuplicateTriggerEvent)
			}
		}
	}

	eventList = append(eventList, event)

	return writeJSON(r.path(event.TriggerID), eventList)
}

// UpdateTriggerEvent writes back the result of a firing (execution id or
// error) onto an already-recorded event.
func (r *TriggerEventRepository) UpdateTriggerEvent(_ context.Context, event *models.TriggerEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	eventList, err := r.load(event.TriggerID)
	if err != nil {
		return err
	}

	for i, existing := range eventList {
		if existing.ID == event.ID {
			eventList[i] = event

			return writeJSON(r.path(event.TriggerID), eventList)
		}
	}

	return persistence.NewTriggerError("Update", event.TriggerID, persistence.ErrTriggerNotFound)
}

func (r *TriggerEventRepository) TriggerEvents(_ context.Context, triggerID string) ([]*models.TriggerEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.load(triggerID)
}
