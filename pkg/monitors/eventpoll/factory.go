package eventpoll

import (
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/dukex/stepflow/pkg/models"
	"github.com/dukex/stepflow/pkg/protocol"
)

// Factory creates event poll monitors sharing one stream client.
type Factory struct {
	client redis.UniversalClient
}

func NewFactory(client redis.UniversalClient) *Factory {
	return &Factory{client: client}
}

func (f *Factory) ID() string {
	return string(models.TriggerKindEventPoll)
}

func (f *Factory) Create(trigger *models.WorkflowTrigger, logger *slog.Logger) (protocol.Monitor, error) {
	return NewMonitor(trigger, f.client, logger)
}
