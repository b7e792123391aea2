// Package protocol defines the contracts between the engine, step executors,
// and trigger monitors.
package protocol

import (
	"context"
	"log/slog"
)

// ResultStatus is the outcome of one executor invocation.
type ResultStatus string

const (
	ResultCompleted ResultStatus = "completed"
	ResultFailed    ResultStatus = "failed"
	ResultSuspended ResultStatus = "suspended"
)

// Result is what a step executor hands back to the engine. A suspended result
// carries the token an external resume call must present; a failed result
// carries the error message that feeds the retry policy.
type Result struct {
	Status      ResultStatus
	Output      map[string]any
	ResumeToken string
	Error       string
}

// CompletedResult builds a completed result with the given output.
func CompletedResult(output map[string]any) *Result {
	return &Result{Status: ResultCompleted, Output: output}
}

// FailedResult builds a failed result with the given error message.
func FailedResult(message string) *Result {
	return &Result{Status: ResultFailed, Error: message}
}

// SuspendedResult builds a suspended result carrying the resume token.
func SuspendedResult(token string) *Result {
	return &Result{Status: ResultSuspended, ResumeToken: token}
}

// StepExecutor performs the actual work of a step. Execute must observe
// context cancellation cooperatively; an executor that cannot abort completes
// and its output is discarded by the engine. The returned error is reserved
// for infrastructure failures; a step-level failure is a ResultFailed result.
type StepExecutor interface {
	Execute(ctx context.Context, config map[string]any, executionContext map[string]any) (*Result, error)

	// Resume re-enters a previously suspended step with external input.
	// Executors that never suspend may return a failed result.
	Resume(ctx context.Context, resumeToken string, input map[string]any) (*Result, error)
}

// ExecutorFactory creates step executors for one step kind.
type ExecutorFactory interface {
	Create(config map[string]any, logger *slog.Logger) (StepExecutor, error)
	ID() string
}
