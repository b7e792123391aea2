package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/dukex/stepflow/pkg/events"
	"github.com/dukex/stepflow/pkg/models"
	"github.com/dukex/stepflow/pkg/persistence"
	"github.com/dukex/stepflow/pkg/protocol"
)

// ResumeStep re-enters a suspended step with external input, identified by the
// resume token handed out when the step suspended. A resumed step does not
// re-run the retry loop: its result is final.
func (e *Engine) ResumeStep(ctx context.Context, resumeToken string, input map[string]any, actor string) (*models.WorkflowExecution, error) {
	row, err := e.persistence.StepExecutionRepository().StepExecutionByResumeToken(ctx, resumeToken)
	if err != nil {
		if errors.Is(err, persistence.ErrStepExecutionNotFound) {
			return nil, NewError(KindValidation, err)
		}

		return nil, NewError(KindSystem, err)
	}

	if row.Status != models.StepStatusSuspended {
		return nil, NewError(KindValidation, fmt.Errorf("%w: step %s", ErrStepNotSuspended, row.StepID))
	}

	execution, err := e.Status(ctx, row.ExecutionID)
	if err != nil {
		return nil, err
	}

	if execution.Status != models.ExecutionStatusRunning {
		return nil, NewError(KindValidation, fmt.Errorf("%w: execution is %s", ErrExecutionNotRunning, execution.Status))
	}

	workflow, err := e.persistence.WorkflowRepository().WorkflowByVersion(ctx, execution.WorkflowID, execution.WorkflowVersion)
	if err != nil {
		return nil, NewError(KindSystem, err)
	}

	step, ok := workflow.Steps.StepByID(row.StepID)
	if !ok {
		return nil, NewError(KindConfiguration, fmt.Errorf("suspended step %q is not in the workflow graph", row.StepID))
	}

	executorID, err := e.registry.ExecutorIDForStep(step)
	if err != nil {
		return nil, NewError(KindConfiguration, err)
	}

	executor, err := e.registry.CreateExecutor(executorID, step.Config, e.logger)
	if err != nil {
		return nil, NewError(KindConfiguration, err)
	}

	resumed := events.StepResumed{
		BaseEvent: events.NewBaseEvent(events.StepResumedEvent, execution.WorkflowID, execution.ID),
		StepID:    step.ID,
	}
	resumed.Actor = actor
	e.emit(ctx, execution.ID, resumed)

	result, err := executor.Resume(ctx, resumeToken, input)
	if err != nil {
		return nil, NewError(KindSystem, err)
	}

	if result.Status == protocol.ResultSuspended {
		// An executor may refresh its token and keep waiting.
		result.ResumeToken = nonEmpty(result.ResumeToken, resumeToken)
	}

	if err := e.settleAttempt(ctx, execution, step, row, result); err != nil {
		return nil, NewError(KindSystem, err)
	}

	outcome := &stepOutcome{step: step, row: row}

	switch result.Status {
	case protocol.ResultCompleted:
		outcome.kind = outcomeCompleted
		outcome.output = result.Output
	case protocol.ResultSuspended:
		outcome.kind = outcomeSuspended
	case protocol.ResultFailed:
		outcome.kind = outcomeFailed
		outcome.errMsg = result.Error
		outcome.errKind = KindExecutor
	}

	if err := e.applyOutcome(ctx, execution.ID, workflow, outcome); err != nil {
		return nil, err
	}

	if err := e.Run(ctx, execution.ID); err != nil {
		return nil, err
	}

	return e.Status(ctx, execution.ID)
}

func nonEmpty(value, fallback string) string {
	if value != "" {
		return value
	}

	return fallback
}
