// Package webhook implements the passive trigger monitor for inbound HTTP
// deliveries. The monitor itself holds no loop; the web layer receives the
// request, asks the gate to authenticate and validate it, and fires the
// trigger synchronously.
package webhook

import (
	"context"
	"log/slog"

	"github.com/dukex/stepflow/pkg/models"
	"github.com/dukex/stepflow/pkg/protocol"
)

// Monitor is the passive end of a webhook trigger. Start returns immediately;
// the Gate does the per-delivery work.
type Monitor struct {
	logger  *slog.Logger
	trigger *models.WorkflowTrigger
	gate    *Gate
}

func NewMonitor(trigger *models.WorkflowTrigger, logger *slog.Logger) (*Monitor, error) {
	gate, err := NewGate(trigger.Config)
	if err != nil {
		return nil, err
	}

	return &Monitor{
		logger:  logger.With("module", "webhook_monitor", "trigger_id", trigger.ID),
		trigger: trigger,
		gate:    gate,
	}, nil
}

func (m *Monitor) Validate(_ context.Context) error {
	return m.gate.Validate()
}

func (m *Monitor) Start(ctx context.Context, _ protocol.FireCallback) error {
	m.logger.InfoContext(ctx, "Webhook monitor registered, waiting for deliveries")

	return nil
}

func (m *Monitor) Stop(_ context.Context) error {
	return nil
}
