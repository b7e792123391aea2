// Package humantask provides the executor behind capture, review, and approve
// steps. Dispatch suspends immediately with a resume token; the step holds no
// goroutine while it waits, and an external resume call re-enters it with the
// human's input.
package humantask

import (
	"context"
	"log/slog"

	"github.com/dukex/stepflow/pkg/protocol"
	"github.com/google/uuid"
)

type Executor struct {
	// Assignee is informational: the operator or group expected to act.
	Assignee string
	// Form describes the input the task expects; rendering it is out of scope
	// here, it travels with the suspension for the upstream UI.
	Form   map[string]any
	logger *slog.Logger
}

func NewExecutor(config map[string]any, logger *slog.Logger) (*Executor, error) {
	assignee, _ := config["assignee"].(string)
	form, _ := config["form"].(map[string]any)

	return &Executor{
		Assignee: assignee,
		Form:     form,
		logger:   logger.With("module", "humantask_executor"),
	}, nil
}

func (e *Executor) Execute(ctx context.Context, _ map[string]any, _ map[string]any) (*protocol.Result, error) {
	token := uuid.New().String()

	e.logger.InfoContext(ctx, "Suspending human task", "assignee", e.Assignee, "resume_token", token)

	return protocol.SuspendedResult(token), nil
}

// Resume completes the task with the submitted input as the step output. A
// rejected approval arrives as input {"approved": false} and still completes
// the step; routing on the outcome is the graph's job, not the executor's.
func (e *Executor) Resume(ctx context.Context, resumeToken string, input map[string]any) (*protocol.Result, error) {
	e.logger.InfoContext(ctx, "Resuming human task", "resume_token", resumeToken)

	if input == nil {
		input = map[string]any{}
	}

	return protocol.CompletedResult(input), nil
}
