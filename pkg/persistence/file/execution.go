package file

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"github.com/dukex/stepflow/pkg/models"
	"github.com/dukex/stepflow/pkg/persistence"
)

// ExecutionRepository stores one document per execution. Writes go through an
// optimistic StoreVersion check under the shared execution lock.
type ExecutionRepository struct {
	root string
	mu   *sync.Mutex
}

func (r *ExecutionRepository) path(id string) string {
	return filepath.Join(r.root, "executions", id+".json")
}

func (r *ExecutionRepository) CreateExecution(_ context.Context, execution *models.WorkflowExecution) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := os.Stat(r.path(execution.ID)); err == nil {
		return persistence.NewExecutionError("Create", execution.ID, persistence.ErrVersionConflict)
	}

	execution.StoreVersion = 1

	return writeJSON(r.path(execution.ID), execution)
}

func (r *ExecutionRepository) ExecutionByID(_ context.Context, id string) (*models.WorkflowExecution, error) {
	execution := &models.WorkflowExecution{}

	err := readJSON(r.path(id), execution)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, persistence.ErrExecutionNotFound
		}

		return nil, err
	}

	return execution, nil
}

func (r *ExecutionRepository) Executions(_ context.Context) ([]*models.WorkflowExecution, error) {
	paths, err := listJSON(filepath.Join(r.root, "executions"))
	if err != nil {
		return nil, err
	}

	executions := make([]*models.WorkflowExecution, 0, len(paths))

	for _, path := range paths {
		execution := &models.WorkflowExecution{}
		if err := readJSON(path, execution); err != nil {
			return nil, err
		}

		executions = append(executions, execution)
	}

	return executions, nil
}

// SaveExecution rejects the write when the stored StoreVersion differs from
// the one the caller read, then bumps the version.
func (r *ExecutionRepository) SaveExecution(ctx context.Context, execution *models.WorkflowExecution) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, err := r.ExecutionByID(ctx, execution.ID)
	if err != nil {
		if errors.Is(err, persistence.ErrExecutionNotFound) {
			return persistence.NewExecutionError("Save", execution.ID, persistence.ErrExecutionNotFound)
		}

		return err
	}

	if stored.StoreVersion != execution.StoreVersion {
		return persistence.NewExecutionError("Save", execution.ID, persistence.ErrVersionConflict)
	}

	execution.StoreVersion++

	return writeJSON(r.path(execution.ID), execution)
}

// StepExecutionRepository stores one append-only document per execution.
type StepExecutionRepository struct {
	root string
	mu   *sync.Mutex
}

func (r *StepExecutionRepository) path(executionID string) string {
	return filepath.Join(r.root, "step_executions", executionID+".json")
}

func (r *StepExecutionRepository) load(executionID string) ([]*models.StepExecution, error) {
	var stepList []*models.StepExecution

	err := readJSON(r.path(executionID), &stepList)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, err
	}

	return stepList, nil
}

// AppendStepExecution records a step activation. A record carrying the same
// (execution, step, attempt) dispatch key as an existing one is rejected so a
// retried store call cannot double-apply a dispatch.
func (r *StepExecutionRepository) AppendStepExecution(_ context.Context, step *models.StepExecution) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stepList, err := r.load(step.ExecutionID)
	if err != nil {
		return err
	}

	key := step.DispatchKey()

	for _, existing := range stepList {
		if existing.DispatchKey() == key {
			return persistence.NewStepExecutionError("Append", step.ExecutionID, step.StepID, persistence.ErrDuplicateDispatch)
		}
	}

	stepList = append(stepList, step)

	return writeJSON(r.path(step.ExecutionID), stepList)
}

// UpdateStepExecution writes back status/output changes to an existing
// activation record. History rows are superseded, never removed.
func (r *StepExecutionRepository) UpdateStepExecution(_ context.Context, step *models.StepExecution) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stepList, err := r.load(step.ExecutionID)
	if err != nil {
		return err
	}

	for i, existing := range stepList {
		if existing.ID == step.ID {
			stepList[i] = step

			return writeJSON(r.path(step.ExecutionID), stepList)
		}
	}

	return persistence.NewStepExecutionError("Update", step.ExecutionID, step.StepID, persistence.ErrStepExecutionNotFound)
}

func (r *StepExecutionRepository) StepExecutions(_ context.Context, executionID string) ([]*models.StepExecution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.load(executionID)
}

// StepExecutionByResumeToken scans for the suspended activation carrying the
// token. Tokens are unique per suspension.
func (r *StepExecutionRepository) StepExecutionByResumeToken(_ context.Context, token string) (*models.StepExecution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	paths, err := listJSON(filepath.Join(r.root, "step_executions"))
	if err != nil {
		return nil, err
	}

	for _, path := range paths {
		var stepList []*models.StepExecution
		if err := readJSON(path, &stepList); err != nil {
			return nil, err
		}

		for _, step := range stepList {
			if step.ResumeToken == token && step.Status == models.StepStatusSuspended {
				return step, nil
			}
		}
	}

	return nil, persistence.ErrStepExecutionNotFound
}
