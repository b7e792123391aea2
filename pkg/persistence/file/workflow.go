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

// WorkflowRepository stores each workflow as one document holding all of its
// versions, newest last.
type WorkflowRepository struct {
	root string
	mu   sync.Mutex
}

func (r *WorkflowRepository) path(id string) string {
	return filepath.Join(r.root, "workflows", id+".json")
}

func (r *WorkflowRepository) load(id string) ([]*models.Workflow, error) {
	var versions []*models.Workflow

	err := readJSON(r.path(id), &versions)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, persistence.ErrWorkflowNotFound
		}

		return nil, err
	}

	if len(versions) == 0 {
		return nil, persistence.ErrWorkflowNotFound
	}

	return versions, nil
}

func (r *WorkflowRepository) Workflows(_ context.Context) ([]*models.Workflow, error) {
	paths, err := listJSON(filepath.Join(r.root, "workflows"))
	if err != nil {
		return nil, err
	}

	workflows := make([]*models.Workflow, 0, len(paths))

	for _, path := range paths {
		var versions []*models.Workflow
		if err := readJSON(path, &versions); err != nil {
			return nil, err
		}

		if len(versions) > 0 {
			// Latest version represents the workflow in listings.
			workflows = append(workflows, versions[len(versions)-1])
		}
	}

	return workflows, nil
}

func (r *WorkflowRepository) WorkflowByVersion(_ context.Context, id string, version int) (*models.Workflow, error) {
	versions, err := r.load(id)
	if err != nil {
		return nil, err
	}

	for _, wf := range versions {
		if wf.Version == version {
			return wf, nil
		}
	}

	return nil, persistence.ErrWorkflowNotFound
}

func (r *WorkflowRepository) PublishedWorkflow(_ context.Context, id string) (*models.Workflow, error) {
	versions, err := r.load(id)
	if err != nil {
		if errors.Is(err, persistence.ErrWorkflowNotFound) {
			return nil, persistence.ErrPublishedWorkflowNotFound
		}

		return nil, err
	}

	for i := len(versions) - 1; i >= 0; i-- {
		if versions[i].Status == models.WorkflowStatusPublished {
			return versions[i], nil
		}
	}

	return nil, persistence.ErrPublishedWorkflowNotFound
}

func (r *WorkflowRepository) LatestWorkflow(_ context.Context, id string) (*models.Workflow, error) {
	versions, err := r.load(id)
	if err != nil {
		return nil, err
	}

	return versions[len(versions)-1], nil
}

// SaveWorkflow inserts or replaces the version row matching the workflow's
// Version field. Published rows other than the saved one are left untouched;
// demoting a previously published version is the caller's explicit operation.
func (r *WorkflowRepository) SaveWorkflow(_ context.Context, workflow *models.Workflow) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	versions, err := r.load(workflow.ID)
	if err != nil && !errors.Is(err, persistence.ErrWorkflowNotFound) {
		return err
	}

	replaced := false

	for i, existing := range versions {
		if existing.Version == workflow.Version {
			versions[i] = workflow
			replaced = true

			break
		}
	}

	if !replaced {
		versions = append(versions, workflow)
	}

	return writeJSON(r.path(workflow.ID), versions)
}

func (r *WorkflowRepository) DeleteWorkflow(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	err := os.Remove(r.path(id))
	if os.IsNotExist(err) {
		return persistence.ErrWorkflowNotFound
	}

	return err
}
