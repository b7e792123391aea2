package httprequest

import (
	"log/slog"

	"github.com/dukex/stepflow/pkg/protocol"
)

// Factory creates HTTP request executors for update steps.
type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Create(config map[string]any, logger *slog.Logger) (protocol.StepExecutor, error) {
	return NewExecutor(config, logger)
}

func (f *Factory) ID() string {
	return "http_request"
}
