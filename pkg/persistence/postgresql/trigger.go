package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dukex/stepflow/pkg/models"
	"github.com/dukex/stepflow/pkg/persistence"
)

const triggerColumns = `
	id
  , workflow_id
  , kind
  , name
  , config
  , active
  , last_fired
  , firing_count
  , error_count
  , created_at
  , updated_at
  , store_version
`

// TriggerRepository stores trigger configurations with optimistic concurrency
// on store_version.
type TriggerRepository struct {
	db *sql.DB
}

func (r *TriggerRepository) Triggers(ctx context.Context) ([]*models.WorkflowTrigger, error) {
	return r.query(ctx, `SELECT `+triggerColumns+` FROM triggers ORDER BY created_at`)
}

func (r *TriggerRepository) ActiveTriggers(ctx context.Context) ([]*models.WorkflowTrigger, error) {
	return r.query(ctx, `SELECT `+triggerColumns+` FROM triggers WHERE active ORDER BY created_at`)
}

func (r *TriggerRepository) TriggerByID(ctx context.Context, id string) (*models.WorkflowTrigger, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+triggerColumns+` FROM triggers WHERE id = $1`, id)

	trigger, err := scanTrigger(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrTriggerNotFound
		}

		return nil, fmt.Errorf("failed to scan trigger: %w", err)
	}

	return trigger, nil
}

// SaveTrigger inserts a new trigger when StoreVersion is zero, otherwise
// updates the row guarded by the version the caller read. Either path bumps
// StoreVersion on the passed trigger on success.
func (r *TriggerRepository) SaveTrigger(ctx context.Context, trigger *models.WorkflowTrigger) error {
	configJSON, err := json.Marshal(trigger.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal trigger config: %w", err)
	}

	trigger.UpdatedAt = time.Now().UTC()

	if trigger.StoreVersion == 0 {
		query := `
			INSERT INTO triggers (id, workflow_id, kind, name, config, active,
				last_fired, firing_count, error_count, created_at, updated_at, store_version)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 1)
		`

		_, err := r.db.ExecContext(ctx, query,
			trigger.ID,
			trigger.WorkflowID,
			trigger.Kind,
			trigger.Name,
			configJSON,
			trigger.Active,
			trigger.LastFired,
			trigger.FiringCount,
			trigger.ErrorCount,
			trigger.CreatedAt,
			trigger.UpdatedAt,
		)
		if err != nil {
			if isUniqueViolation(err, "") {
				return persistence.NewTriggerError("Save", trigger.ID, persistence.ErrVersionConflict)
			}

			return fmt.Errorf("failed to insert trigger: %w", err)
		}

		trigger.StoreVersion = 1

		return nil
	}

	query := `
		UPDATE triggers SET
			workflow_id = $2,
			kind = $3,
			name = $4,
			config = $5,
			active = $6,
			last_fired = $7,
			firing_count = $8,
			error_count = $9,
			updated_at = $10,
			store_version = store_version + 1
		WHERE id = $1 AND store_version = $11
	`

	result, err := r.db.ExecContext(ctx, query,
		trigger.ID,
		trigger.WorkflowID,
		trigger.Kind,
		trigger.Name,
		configJSON,
		trigger.Active,
		trigger.LastFired,
		trigger.FiringCount,
		trigger.ErrorCount,
		trigger.UpdatedAt,
		trigger.StoreVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to update trigger: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return persistence.NewTriggerError("Save", trigger.ID, persistence.ErrVersionConflict)
	}

	trigger.StoreVersion++

	return nil
}

func (r *TriggerRepository) DeleteTrigger(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM triggers WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to delete trigger: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return persistence.ErrTriggerNotFound
	}

	return nil
}

func (r *TriggerRepository) query(ctx context.Context, query string) ([]*models.WorkflowTrigger, error) {
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query triggers: %w", err)
	}

	defer func() { _ = rows.Close() }()

	triggers := make([]*models.WorkflowTrigger, 0)

	for rows.Next() {
		trigger, err := scanTrigger(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trigger: %w", err)
		}

		triggers = append(triggers, trigger)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating triggers: %w", err)
	}

	return triggers, nil
}

func scanTrigger(scanner interface{ Scan(dest ...any) error }) (*models.WorkflowTrigger, error) {
	var (
		trigger    models.WorkflowTrigger
		configJSON []byte
	)

	err := scanner.Scan(
		&trigger.ID,
		&trigger.WorkflowID,
		&trigger.Kind,
		&trigger.Name,
		&configJSON,
		&trigger.Active,
		&trigger.LastFired,
		&trigger.FiringCount,
		&trigger.ErrorCount,
		&trigger.CreatedAt,
		&trigger.UpdatedAt,
		&trigger.StoreVersion,
	)
	if err != nil {
		return nil, err
	}

	if configJSON != nil {
		if err := json.Unmarshal(configJSON, &trigger.Config); err != nil {
			return nil, fmt.Errorf("failed to unmarshal trigger config: %w", err)
		}
	}

	return &trigger, nil
}

const triggerEventColumns = `
	id
  , trigger_id
  , event_data
  , occurred_at
  , resulting_execution_id
  , error
  , dedup_key
`

// TriggerEventRepository stores append-only firing records.
type TriggerEventRepository struct {
	db *sql.DB
}

// AppendTriggerEvent records a firing. The partial unique index on
// (trigger_id, dedup_key) turns a duplicate delivery into
// ErrDuplicateTriggerEvent.
func (r *TriggerEventRepository) AppendTriggerEvent(ctx context.Context, event *models.TriggerEvent) error {
	query := `
		INSERT INTO trigger_events (id, trigger_id, event_data, occurred_at,
			resulting_execution_id, error, dedup_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	eventDataJSON, err := json.Marshal(event.EventData)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}

	_, err = r.db.ExecContext(ctx, query,
		event.ID,
		event.TriggerID,
		eventDataJSON,
		event.Timestamp,
		event.ResultingExecutionID,
		event.Error,
		event.DedupKey,
	)
	if err != nil {
		if isUniqueViolation(err, "trigger_events_dedup_key") {
			return persistence.NewTriggerError("Append", event.TriggerID, persistence.ErrDuplicateTriggerEvent)
		}

		return fmt.Errorf("failed to append trigger event: %w", err)
	}

	return nil
}

// UpdateTriggerEvent writes back the firing result onto an existing event.
func (r *TriggerEventRepository) UpdateTriggerEvent(ctx context.Context, event *models.TriggerEvent) error {
	eventDataJSON, err := json.Marshal(event.EventData)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}

	query := `
		UPDATE trigger_events SET
			event_data = $2,
			occurred_at = $3,
			resulting_execution_id = $4,
			error = $5,
			dedup_key = $6
		WHERE id = $1
	`

	result, err := r.db.ExecContext(ctx, query,
		event.ID,
		eventDataJSON,
		event.Timestamp,
		event.ResultingExecutionID,
		event.Error,
		event.DedupKey,
	)
	if err != nil {
		return fmt.Errorf("failed to update trigger event: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return persistence.NewTriggerError("Update", event.TriggerID, persistence.ErrTriggerNotFound)
	}

	return nil
}

func (r *TriggerEventRepository) TriggerEvents(ctx context.Context, triggerID string) ([]*models.TriggerEvent, error) {
	query := `SELECT ` + triggerEventColumns + ` FROM trigger_events WHERE trigger_id = $1 ORDER BY seq`

	rows, err := r.db.QueryContext(ctx, query, triggerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query trigger events: %w", err)
	}

	defer func() { _ = rows.Close() }()

	events := make([]*models.TriggerEvent, 0)

	for rows.Next() {
		var (
			event         models.TriggerEvent
			eventDataJSON []byte
		)

		err := rows.Scan(
			&event.ID,
			&event.TriggerID,
			&eventDataJSON,
			&event.Timestamp,
			&event.ResultingExecutionID,
			&event.Error,
			&event.DedupKey,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trigger event: %w", err)
		}

		if eventDataJSON != nil {
			if err := json.Unmarshal(eventDataJSON, &event.EventData); err != nil {
				return nil, fmt.Errorf("failed to unmarshal event data: %w", err)
			}
		}

		events = append(events, &event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating trigger events: %w", err)
	}

	return events, nil
}
