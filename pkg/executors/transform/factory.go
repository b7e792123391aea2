package transform

import (
	"log/slog"

	"github.com/dukex/stepflow/pkg/protocol"
)

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Create(config map[string]any, logger *slog.Logger) (protocol.StepExecutor, error) {
	return NewExecutor(config, logger)
}

func (f *Factory) ID() string {
	return "transform"
}
