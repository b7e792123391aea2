package schedule

import (
	"log/slog"

	"github.com/dukex/stepflow/pkg/models"
	"github.com/dukex/stepflow/pkg/protocol"
)

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) ID() string {
	return string(models.TriggerKindScheduled)
}

func (f *Factory) Create(trigger *models.WorkflowTrigger, logger *slog.Logger) (protocol.Monitor, error) {
	return NewMonitor(trigger, logger)
}
