package protocol

import (
	"context"
	"log/slog"

	"github.com/dukex/stepflow/pkg/models"
)

// FireCallback is invoked by a monitor when its trigger condition is met.
// EventData becomes the execution's initial trigger data; a non-empty
// dedupKey identifies the external event so the same event never fires twice.
// A callback error never stops the monitor; it is recorded and the monitor
// continues on its next cycle.
type FireCallback func(ctx context.Context, eventData map[string]any, dedupKey string) error

// Monitor is one long-lived watcher bound to a single trigger. Start blocks
// until the context is cancelled or Stop is called; webhook monitors are
// passive and return from Start immediately after registering themselves.
type Monitor interface {
	Start(ctx context.Context, callback FireCallback) error
	Stop(ctx context.Context) error
	Validate(ctx context.Context) error
}

// MonitorFactory creates monitors for one trigger kind.
type MonitorFactory interface {
	Create(trigger *models.WorkflowTrigger, logger *slog.Logger) (Monitor, error)
	ID() string
}
