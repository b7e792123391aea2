package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dukex/stepflow/pkg/models"
	"github.com/dukex/stepflow/pkg/persistence"
)

const executionColumns = `
	id
  , workflow_id
  , workflow_version
  , status
  , current_steps
  , context
  , metadata
  , started_at
  , completed_at
  , sla_deadline
  , store_version
`

// ExecutionRepository stores execution state guarded by the store_version
// token.
type ExecutionRepository struct {
	db *sql.DB
}

// CreateExecution inserts a fresh execution at StoreVersion 1. An existing row
// with the same id fails with ErrVersionConflict.
func (r *ExecutionRepository) CreateExecution(ctx context.Context, execution *models.WorkflowExecution) error {
	currentStepsJSON, contextJSON, metadataJSON, err := marshalExecutionFields(execution)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO executions (id, workflow_id, workflow_version, status,
			current_steps, context, metadata, started_at, completed_at, sla_deadline, store_version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 1)
	`

	_, err = r.db.ExecContext(ctx, query,
		execution.ID,
		execution.WorkflowID,
		execution.WorkflowVersion,
		execution.Status,
		currentStepsJSON,
		contextJSON,
		metadataJSON,
		execution.StartedAt,
		execution.CompletedAt,
		execution.SLADeadline,
	)
	if err != nil {
		if isUniqueViolation(err, "") {
			return persistence.NewExecutionError("Create", execution.ID, persistence.ErrVersionConflict)
		}

		return fmt.Errorf("failed to insert execution: %w", err)
	}

	execution.StoreVersion = 1

	return nil
}

func (r *ExecutionRepository) ExecutionByID(ctx context.Context, id string) (*models.WorkflowExecution, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = $1`, id)

	execution, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrExecutionNotFound
		}

		return nil, fmt.Errorf("failed to scan execution: %w", err)
	}

	return execution, nil
}

func (r *ExecutionRepository) Executions(ctx context.Context) ([]*models.WorkflowExecution, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+executionColumns+` FROM executions ORDER BY started_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}

	defer func() { _ = rows.Close() }()

	executions := make([]*models.WorkflowExecution, 0)

	for rows.Next() {
		execution, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}

		executions = append(executions, execution)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating executions: %w", err)
	}

	return executions, nil
}

// SaveExecution updates the row guarded by the StoreVersion the caller read,
// then bumps the version on the passed execution.
func (r *ExecutionRepository) SaveExecution(ctx context.Context, execution *models.WorkflowExecution) error {
	currentStepsJSON, contextJSON, metadataJSON, err := marshalExecutionFields(execution)
	if err != nil {
		return err
	}

	query := `
		UPDATE executions SET
			status = $2,
			current_steps = $3,
			context = $4,
			metadata = $5,
			completed_at = $6,
			sla_deadline = $7,
			store_version = store_version + 1
		WHERE id = $1 AND store_version = $8
	`

	result, err := r.db.ExecContext(ctx, query,
		execution.ID,
		execution.Status,
		currentStepsJSON,
		contextJSON,
		metadataJSON,
		execution.CompletedAt,
		execution.SLADeadline,
		execution.StoreVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to update execution: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		var exists bool
		if err := r.db.QueryRowContext(ctx, "SELECT EXISTS (SELECT 1 FROM executions WHERE id = $1)", execution.ID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check execution existence: %w", err)
		}

		if !exists {
			return persistence.NewExecutionError("Save", execution.ID, persistence.ErrExecutionNotFound)
		}

		return persistence.NewExecutionError("Save", execution.ID, persistence.ErrVersionConflict)
	}

	execution.StoreVersion++

	return nil
}

func marshalExecutionFields(execution *models.WorkflowExecution) (currentSteps, executionContext, metadata []byte, err error) {
	currentSteps, err = json.Marshal(execution.CurrentSteps)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to marshal current steps: %w", err)
	}

	executionContext, err = json.Marshal(execution.Context)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to marshal context: %w", err)
	}

	metadata, err = json.Marshal(execution.Metadata)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}

	return currentSteps, executionContext, metadata, nil
}

func scanExecution(scanner interface{ Scan(dest ...any) error }) (*models.WorkflowExecution, error) {
	var (
		execution                               models.WorkflowExecution
		currentStepsJSON, contextJSON, metaJSON []byte
	)

	err := scanner.Scan(
		&execution.ID,
		&execution.WorkflowID,
		&execution.WorkflowVersion,
		&execution.Status,
		&currentStepsJSON,
		&contextJSON,
		&metaJSON,
		&execution.StartedAt,
		&execution.CompletedAt,
		&execution.SLADeadline,
		&execution.StoreVersion,
	)
	if err != nil {
		return nil, err
	}

	if currentStepsJSON != nil {
		if err := json.Unmarshal(currentStepsJSON, &execution.CurrentSteps); err != nil {
			return nil, fmt.Errorf("failed to unmarshal current steps: %w", err)
		}
	}

	if contextJSON != nil {
		if err := json.Unmarshal(contextJSON, &execution.Context); err != nil {
			return nil, fmt.Errorf("failed to unmarshal context: %w", err)
		}
	}

	if metaJSON != nil {
		if err := json.Unmarshal(metaJSON, &execution.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}

	return &execution, nil
}

const stepExecutionColumns = `
	id
  , execution_id
  , step_id
  , status
  , attempt
  , input
  , output
  , error
  , resume_token
  , started_at
  , completed_at
`

// StepExecutionRepository stores the append-only step activation history.
type StepExecutionRepository struct {
	db *sql.DB
}

// AppendStepExecution records an activation. The unique constraint on the
// (execution, step, attempt) key turns a replayed dispatch into
// ErrDuplicateDispatch.
func (r *StepExecutionRepository) AppendStepExecution(ctx context.Context, step *models.StepExecution) error {
	inputJSON, outputJSON, err := marshalStepFields(step)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO step_executions (id, execution_id, step_id, status, attempt,
			input, output, error, resume_token, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err = r.db.ExecContext(ctx, query,
		step.ID,
		step.ExecutionID,
		step.StepID,
		step.Status,
		step.Attempt,
		inputJSON,
		outputJSON,
		step.Error,
		step.ResumeToken,
		step.StartedAt,
		step.CompletedAt,
	)
	if err != nil {
		if isUniqueViolation(err, "step_executions_dispatch_key") {
			return persistence.NewStepExecutionError("Append", step.ExecutionID, step.StepID, persistence.ErrDuplicateDispatch)
		}

		return fmt.Errorf("failed to append step execution: %w", err)
	}

	return nil
}

// UpdateStepExecution writes back status and output changes to an existing
// activation record.
func (r *StepExecutionRepository) UpdateStepExecution(ctx context.Context, step *models.StepExecution) error {
	inputJSON, outputJSON, err := marshalStepFields(step)
	if err != nil {
		return err
	}

	query := `
		UPDATE step_executions SET
			status = $2,
			input = $3,
			output = $4,
			error = $5,
			resume_token = $6,
			completed_at = $7
		WHERE id = $1
	`

	result, err := r.db.ExecContext(ctx, query,
		step.ID,
		step.Status,
		inputJSON,
		outputJSON,
		step.Error,
		step.ResumeToken,
		step.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update step execution: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return persistence.NewStepExecutionError("Update", step.ExecutionID, step.StepID, persistence.ErrStepExecutionNotFound)
	}

	return nil
}

func (r *StepExecutionRepository) StepExecutions(ctx context.Context, executionID string) ([]*models.StepExecution, error) {
	query := `SELECT ` + stepExecutionColumns + ` FROM step_executions WHERE execution_id = $1 ORDER BY seq`

	rows, err := r.db.QueryContext(ctx, query, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query step executions: %w", err)
	}

	defer func() { _ = rows.Close() }()

	steps := make([]*models.StepExecution, 0)

	for rows.Next() {
		step, err := scanStepExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan step execution: %w", err)
		}

		steps = append(steps, step)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating step executions: %w", err)
	}

	return steps, nil
}

// StepExecutionByResumeToken finds the suspended activation carrying the
// token. Activations in any other status never match.
func (r *StepExecutionRepository) StepExecutionByResumeToken(ctx context.Context, token string) (*models.StepExecution, error) {
	query := `SELECT ` + stepExecutionColumns + ` FROM step_executions WHERE resume_token = $1 AND status = $2`

	row := r.db.QueryRowContext(ctx, query, token, models.StepStatusSuspended)

	step, err := scanStepExecution(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrStepExecutionNotFound
		}

		return nil, fmt.Errorf("failed to scan step execution: %w", err)
	}

	return step, nil
}

func marshalStepFields(step *models.StepExecution) (input, output []byte, err error) {
	input, err = json.Marshal(step.Input)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal step input: %w", err)
	}

	output, err = json.Marshal(step.Output)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal step output: %w", err)
	}

	return input, output, nil
}

func scanStepExecution(scanner interface{ Scan(dest ...any) error }) (*models.StepExecution, error) {
	var (
		step                  models.StepExecution
		inputJSON, outputJSON []byte
	)

	err := scanner.Scan(
		&step.ID,
		&step.ExecutionID,
		&step.StepID,
		&step.Status,
		&step.Attempt,
		&inputJSON,
		&outputJSON,
		&step.Error,
		&step.ResumeToken,
		&step.StartedAt,
		&step.CompletedAt,
	)
	if err != nil {
		return nil, err
	}

	if inputJSON != nil {
		if err := json.Unmarshal(inputJSON, &step.Input); err != nil {
			return nil, fmt.Errorf("failed to unmarshal step input: %w", err)
		}
	}

	if outputJSON != nil {
		if err := json.Unmarshal(outputJSON, &step.Output); err != nil {
			return nil, fmt.Errorf("failed to unmarshal step output: %w", err)
		}
	}

	return &step, nil
}
