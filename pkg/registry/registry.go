// Package registry holds the factories for step executors and trigger
// monitors, looked up by kind at dispatch time.
package registry

import (
	"fmt"
	"log/slog"

	"github.com/dukex/stepflow/pkg/models"
	"github.com/dukex/stepflow/pkg/protocol"
)

type Registry struct {
	logger            *slog.Logger
	executorFactories map[string]protocol.ExecutorFactory
	monitorFactories  map[string]protocol.MonitorFactory

	// kindDefaults maps a step kind to the executor id used when the step
	// config does not name one explicitly.
	kindDefaults map[models.StepKind]string
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger:            logger,
		executorFactories: make(map[string]protocol.ExecutorFactory),
		monitorFactories:  make(map[string]protocol.MonitorFactory),
		kindDefaults:      make(map[models.StepKind]string),
	}
}

func (r *Registry) RegisterExecutor(factory protocol.ExecutorFactory) {
	r.executorFactories[factory.ID()] = factory
}

func (r *Registry) RegisterMonitor(factory protocol.MonitorFactory) {
	r.monitorFactories[factory.ID()] = factory
}

// SetKindDefault binds a step kind to a default executor id.
func (r *Registry) SetKindDefault(kind models.StepKind, executorID string) {
	r.kindDefaults[kind] = executorID
}

// ExecutorIDForStep resolves which executor a step dispatches to: an explicit
// "executor" config entry wins, otherwise the kind default applies.
func (r *Registry) ExecutorIDForStep(step *models.Step) (string, error) {
	if id, ok := step.Config["executor"].(string); ok && id != "" {
		return id, nil
	}

	if id, ok := r.kindDefaults[step.Kind]; ok {
		return id, nil
	}

	return "", fmt.Errorf("no executor registered for step kind '%s'", step.Kind)
}

func (r *Registry) CreateExecutor(executorID string, config map[string]any, logger *slog.Logger) (protocol.StepExecutor, error) {
	factory, ok := r.executorFactories[executorID]
	if !ok {
		return nil, fmt.Errorf("executor '%s' not registered", executorID)
	}

	return factory.Create(config, logger)
}

func (r *Registry) CreateMonitor(trigger *models.WorkflowTrigger, logger *slog.Logger) (protocol.Monitor, error) {
	factory, ok := r.monitorFactories[string(trigger.Kind)]
	if !ok {
		return nil, fmt.Errorf("trigger kind '%s' not registered", trigger.Kind)
	}

	return factory.Create(trigger, logger)
}
