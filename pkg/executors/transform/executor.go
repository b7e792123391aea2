// Package transform provides the data-shaping executor for update steps that
// only rewrite the execution context.
package transform

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dukex/stepflow/pkg/protocol"
	"github.com/dukex/stepflow/pkg/template"
)

type Executor struct {
	// Output maps output keys to template expressions rendered against the
	// execution context.
	Output map[string]string
	logger *slog.Logger
}

func NewExecutor(config map[string]any, logger *slog.Logger) (*Executor, error) {
	output := make(map[string]string)

	if outputConfig, ok := config["output"].(map[string]any); ok {
		for key, value := range outputConfig {
			expr, ok := value.(string)
			if !ok {
				return nil, fmt.Errorf("transform output %q must be a string expression", key)
			}

			if _, err := template.Parse(expr); err != nil {
				return nil, fmt.Errorf("invalid transform expression for %q: %w", key, err)
			}

			output[key] = expr
		}
	}

	return &Executor{
		Output: output,
		logger: logger.With("module", "transform_executor"),
	}, nil
}

func (e *Executor) Execute(ctx context.Context, _ map[string]any, executionContext map[string]any) (*protocol.Result, error) {
	e.logger.InfoContext(ctx, "Executing transform step")

	result := make(map[string]any, len(e.Output))

	for key, expr := range e.Output {
		value, err := template.Render(expr, executionContext)
		if err != nil {
			return protocol.FailedResult(fmt.Sprintf("transformation of %q failed: %v", key, err)), nil
		}

		result[key] = value
	}

	return protocol.CompletedResult(result), nil
}

// Resume is not supported: transform steps never suspend.
func (e *Executor) Resume(_ context.Context, _ string, _ map[string]any) (*protocol.Result, error) {
	return protocol.FailedResult("transform steps cannot be resumed"), nil
}
