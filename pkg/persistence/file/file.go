// Package file provides the file-based persistence implementation. It is the
// development and test backend; every repository keeps one JSON document per
// aggregate under the configured root directory.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dukex/stepflow/pkg/persistence"
)

// Persistence implements persistence.Persistence on the local file system.
type Persistence struct {
	root string

	workflowRepo      *WorkflowRepository
	triggerRepo       *TriggerRepository
	triggerEventRepo  *TriggerEventRepository
	executionRepo     *ExecutionRepository
	stepExecutionRepo *StepExecutionRepository
}

// NewPersistence creates a file persistence rooted at the given directory.
// A "file://" prefix on the path is accepted and stripped.
func NewPersistence(root string) *Persistence {
	cleanRoot := strings.Replace(root, "file://", "", 1)

	// One lock shared by the execution-side repositories: the optimistic
	// version check and the write must be atomic in-process.
	executionMu := &sync.Mutex{}

	return &Persistence{
		root:              cleanRoot,
		workflowRepo:      &WorkflowRepository{root: cleanRoot},
		triggerRepo:       &TriggerRepository{root: cleanRoot},
		triggerEventRepo:  &TriggerEventRepository{root: cleanRoot},
		executionRepo:     &ExecutionRepository{root: cleanRoot, mu: executionMu},
		stepExecutionRepo: &StepExecutionRepository{root: cleanRoot, mu: executionMu},
	}
}

func (fp *Persistence) WorkflowRepository() persistence.WorkflowRepository {
	return fp.workflowRepo
}

func (fp *Persistence) TriggerRepository() persistence.TriggerRepository {
	return fp.triggerRepo
}

func (fp *Persistence) TriggerEventRepository() persistence.TriggerEventRepository {
	return fp.triggerEventRepo
}

func (fp *Persistence) ExecutionRepository() persistence.ExecutionRepository {
	return fp.executionRepo
}

func (fp *Persistence) StepExecutionRepository() persistence.StepExecutionRepository {
	return fp.stepExecutionRepo
}

// HealthCheck verifies the root directory exists and is writable.
func (fp *Persistence) HealthCheck(_ context.Context) error {
	info, err := os.Stat(fp.root)
	if err != nil {
		return err
	}

	if !info.IsDir() {
		return fmt.Errorf("persistence root %s is not a directory", fp.root)
	}

	return nil
}

// Close performs any necessary cleanup. Nothing to do for files.
func (fp *Persistence) Close(_ context.Context) error {
	return nil
}

// readJSON loads a JSON document into target; missing files return os.ErrNotExist.
func readJSON(path string, target any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	return json.Unmarshal(data, target)
}

// writeJSON writes a JSON document, creating parent directories as needed.
func writeJSON(path string, value any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o644)
}

// listJSON returns the paths of every .json document in a directory. A
// missing directory yields an empty list.
func listJSON(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, err
	}

	paths := make([]string, 0, len(entries))

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		paths = append(paths, filepath.Join(dir, entry.Name()))
	}

	return paths, nil
}
