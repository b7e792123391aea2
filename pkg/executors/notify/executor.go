// Package notify provides the notification executor. It renders a message to
// the structured log; real deployments point it at the notification sink.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dukex/stepflow/pkg/protocol"
	"github.com/dukex/stepflow/pkg/template"
)

type Executor struct {
	Message string
	Level   string
	logger  *slog.Logger
}

func NewExecutor(config map[string]any, logger *slog.Logger) (*Executor, error) {
	message, _ := config["message"].(string)

	level, _ := config["level"].(string)
	if level == "" {
		level = "info"
	}

	if _, err := template.Parse(message); err != nil {
		return nil, fmt.Errorf("invalid message template: %w", err)
	}

	return &Executor{
		Message: message,
		Level:   level,
		logger:  logger.With("module", "notify_executor"),
	}, nil
}

func (e *Executor) Execute(ctx context.Context, _ map[string]any, executionContext map[string]any) (*protocol.Result, error) {
	message, err := template.RenderString(e.Message, executionContext)
	if err != nil {
		return protocol.FailedResult(fmt.Sprintf("failed to render message: %v", err)), nil
	}

	switch e.Level {
	case "warn":
		e.logger.WarnContext(ctx, "Notification", "message", message)
	case "error":
		e.logger.ErrorContext(ctx, "Notification", "message", message)
	default:
		e.logger.InfoContext(ctx, "Notification", "message", message)
	}

	return protocol.CompletedResult(map[string]any{"message": message}), nil
}

// Resume is not supported: notify steps never suspend.
func (e *Executor) Resume(_ context.Context, _ string, _ map[string]any) (*protocol.Result, error) {
	return protocol.FailedResult("notify steps cannot be resumed"), nil
}
