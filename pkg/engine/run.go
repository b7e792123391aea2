package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dukex/stepflow/pkg/events"
	"github.com/dukex/stepflow/pkg/models"
	"github.com/dukex/stepflow/pkg/otelhelper"
	"github.com/dukex/stepflow/pkg/persistence"
	"github.com/dukex/stepflow/pkg/protocol"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// outcomeKind is how a step activation resolved.
type outcomeKind string

const (
	outcomeCompleted  outcomeKind = "completed"
	outcomeSuspended  outcomeKind = "suspended"
	outcomeFailed     outcomeKind = "failed"     // Retries exhausted, policy decides what happens next
	outcomeStructural outcomeKind = "structural" // Routing step, resolved while applying
	outcomeDiscarded  outcomeKind = "discarded"  // Dispatch aborted, nothing to apply
)

type stepOutcome struct {
	kind    outcomeKind
	step    *models.Step
	row     *models.StepExecution
	output  map[string]any
	errMsg  string
	errKind ErrorKind
}

// Run drives the execution until it completes, fails, pauses, or every
// remaining current step is waiting on an external resume. It is safe to call
// again on the same execution; a run that finds nothing dispatchable returns
// immediately.
func (e *Engine) Run(ctx context.Context, executionID string) error {
	for {
		execution, err := e.persistence.ExecutionRepository().ExecutionByID(ctx, executionID)
		if err != nil {
			if errors.Is(err, persistence.ErrExecutionNotFound) {
				return NewError(KindValidation, err)
			}

			return NewError(KindSystem, err)
		}

		if execution.Status != models.ExecutionStatusRunning {
			return nil
		}

		// The last step can finish while the execution is paused; the resume
		// then finds nothing left to do and the run finalizes here.
		if len(execution.CurrentSteps) == 0 {
			return e.finalizeDrained(ctx, executionID)
		}

		workflow, err := e.persistence.WorkflowRepository().WorkflowByVersion(ctx, execution.WorkflowID, execution.WorkflowVersion)
		if err != nil {
			return NewError(KindSystem, err)
		}

		dispatchable, err := e.dispatchableSteps(ctx, execution)
		if err != nil {
			return err
		}

		if len(dispatchable) == 0 {
			// Everything left is suspended or in flight elsewhere.
			return nil
		}

		outcomes := make([]*stepOutcome, len(dispatchable))

		var wg sync.WaitGroup

		for i, stepID := range dispatchable {
			wg.Add(1)

			go func(i int, stepID string) {
				defer wg.Done()

				outcomes[i] = e.dispatchStep(ctx, workflow, execution, stepID)
			}(i, stepID)
		}

		wg.Wait()

		// Outcomes are applied in current-step order, which follows edge
		// declaration order; concurrent branches therefore merge into the
		// context deterministically.
		for _, outcome := range outcomes {
			if outcome == nil || outcome.kind == outcomeDiscarded {
				continue
			}

			if err := e.applyOutcome(ctx, executionID, workflow, outcome); err != nil {
				return err
			}
		}
	}
}

// finalizeDrained completes a running execution whose current steps all
// resolved while it was paused.
func (e *Engine) finalizeDrained(ctx context.Context, executionID string) error {
	execution, err := e.mutateExecution(ctx, executionID, func(execution *models.WorkflowExecution) error {
		if execution.Status != models.ExecutionStatusRunning || len(execution.CurrentSteps) > 0 {
			return errOutcomeDiscarded
		}

		execution.Status = models.ExecutionStatusCompleted
		now := time.Now().UTC()
		execution.CompletedAt = &now

		return nil
	})
	if err != nil {
		if errors.Is(err, errOutcomeDiscarded) {
			return nil
		}

		return err
	}

	e.emit(ctx, executionID, events.ExecutionCompleted{
		BaseEvent: events.NewBaseEvent(events.ExecutionCompletedEvent, execution.WorkflowID, executionID),
		Duration:  time.Since(execution.StartedAt),
	})

	e.logger.InfoContext(ctx, "Execution completed",
		"execution_id", executionID,
		"workflow_id", execution.WorkflowID,
	)

	return nil
}

// dispatchableSteps returns the current steps that need a fresh activation.
// A step whose latest activation is suspended or still in flight is waiting,
// not dispatchable.
func (e *Engine) dispatchableSteps(ctx context.Context, execution *models.WorkflowExecution) ([]string, error) {
	rows, err := e.persistence.StepExecutionRepository().StepExecutions(ctx, execution.ID)
	if err != nil {
		return nil, NewError(KindSystem, err)
	}

	latest := make(map[string]*models.StepExecution)
	for _, row := range rows {
		latest[row.StepID] = row
	}

	var dispatchable []string

	for _, stepID := range execution.CurrentSteps {
		row, ok := latest[stepID]
		if !ok || row.Status.IsTerminal() {
			dispatchable = append(dispatchable, stepID)
		}
	}

	return dispatchable, nil
}

// dispatchStep runs one step activation to its resolution, including the
// retry loop. It touches only the append-only step history; the execution
// record is updated later when the outcome is applied under the lock.
func (e *Engine) dispatchStep(ctx context.Context, workflow *models.Workflow, execution *models.WorkflowExecution, stepID string) *stepOutcome {
	step, ok := workflow.Steps.StepByID(stepID)
	if !ok {
		return &stepOutcome{
			kind:    outcomeFailed,
			errMsg:  fmt.Sprintf("current step %q is not in the workflow graph", stepID),
			errKind: KindConfiguration,
		}
	}

	switch step.Kind {
	case models.StepKindCondition, models.StepKindParallel, models.StepKindLoop:
		return e.dispatchStructural(ctx, execution, step)
	default:
		return e.dispatchExecutor(ctx, workflow, execution, step)
	}
}

// dispatchStructural records the activation of a routing step. The routing
// decision itself needs the live execution context, so it is made while the
// outcome is applied.
func (e *Engine) dispatchStructural(ctx context.Context, execution *models.WorkflowExecution, step *models.Step) *stepOutcome {
	row, err := e.appendActivation(ctx, execution, step)
	if err != nil {
		return &stepOutcome{kind: outcomeFailed, step: step, errMsg: err.Error(), errKind: KindSystem}
	}

	return &stepOutcome{kind: outcomeStructural, step: step, row: row}
}

// dispatchExecutor resolves the step's executor and runs it, retrying failed
// attempts per the workflow's error policy. Every attempt is its own history
// row; the returned outcome carries the final one.
func (e *Engine) dispatchExecutor(ctx context.Context, workflow *models.Workflow, execution *models.WorkflowExecution, step *models.Step) *stepOutcome {
	executorID, err := e.registry.ExecutorIDForStep(step)
	if err != nil {
		return &stepOutcome{kind: outcomeFailed, step: step, errMsg: err.Error(), errKind: KindConfiguration}
	}

	executor, err := e.registry.CreateExecutor(executorID, step.Config, e.logger)
	if err != nil {
		return &stepOutcome{kind: outcomeFailed, step: step, errMsg: err.Error(), errKind: KindConfiguration}
	}

	policy := workflow.Settings.ErrorPolicy
	backoffBase := defaultBackoffBase

	if policy.BackoffBaseMS > 0 {
		backoffBase = time.Duration(policy.BackoffBaseMS) * time.Millisecond
	}

	var (
		row     *models.StepExecution
		result  *protocol.Result
		errKind ErrorKind
	)

	for retry := 0; retry <= policy.MaxRetries; retry++ {
		if retry > 0 {
			e.emit(ctx, execution.ID, events.StepRetried{
				BaseEvent:   events.NewBaseEvent(events.StepRetriedEvent, execution.WorkflowID, execution.ID),
				StepID:      step.ID,
				NextAttempt: row.Attempt + 1,
				Backoff:     backoffBase * time.Duration(1<<(retry-1)),
			})
			sleepBackoff(ctx, retry, backoffBase)
		}

		if ctx.Err() != nil {
			return &stepOutcome{kind: outcomeDiscarded, step: step}
		}

		row, err = e.appendActivation(ctx, execution, step)
		if err != nil {
			return &stepOutcome{kind: outcomeFailed, step: step, errMsg: err.Error(), errKind: KindSystem}
		}

		result, errKind = e.runAttempt(ctx, workflow, execution, step, executor, row)
		if result == nil {
			// Dispatch context cancelled; the cancel path marks the row.
			return &stepOutcome{kind: outcomeDiscarded, step: step}
		}

		if e.settleAttempt(ctx, execution, step, row, result) != nil {
			return &stepOutcome{kind: outcomeFailed, step: step, errMsg: "failed to record step result", errKind: KindSystem}
		}

		switch result.Status {
		case protocol.ResultCompleted:
			return &stepOutcome{kind: outcomeCompleted, step: step, row: row, output: result.Output}
		case protocol.ResultSuspended:
			return &stepOutcome{kind: outcomeSuspended, step: step, row: row}
		case protocol.ResultFailed:
			// Next retry, if any.
		}
	}

	return &stepOutcome{kind: outcomeFailed, step: step, row: row, errMsg: result.Error, errKind: errKind}
}

// runAttempt invokes the executor under the step timeout. A nil result means
// the dispatch was aborted by cancellation and must not be settled.
func (e *Engine) runAttempt(
	ctx context.Context,
	workflow *models.Workflow,
	execution *models.WorkflowExecution,
	step *models.Step,
	executor protocol.StepExecutor,
	row *models.StepExecution,
) (*protocol.Result, ErrorKind) {
	attemptCtx := ctx

	var cancel context.CancelFunc

	if timeout := workflow.Settings.StepTimeoutSeconds; timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, time.Duration(timeout)*time.Second)
	} else {
		attemptCtx, cancel = context.WithCancel(ctx)
	}

	defer cancel()

	attemptCtx, span := otelhelper.StartSpan(attemptCtx, e.tracer, "engine.dispatch_step",
		attribute.String(otelhelper.ExecutionIDKey, execution.ID),
		attribute.String(otelhelper.StepIDKey, step.ID),
		attribute.String(otelhelper.StepKindKey, string(step.Kind)),
		attribute.Int(otelhelper.AttemptKey, row.Attempt),
	)
	defer span.End()

	e.registerCancel(execution.ID, step.ID, cancel)
	defer e.unregisterCancel(execution.ID, step.ID)

	e.emit(ctx, execution.ID, events.StepStarted{
		BaseEvent: events.NewBaseEvent(events.StepStartedEvent, execution.WorkflowID, execution.ID),
		StepID:    step.ID,
		Attempt:   row.Attempt,
	})

	result, err := executor.Execute(attemptCtx, step.Config, execution.Context)

	switch {
	case err == nil:
		return result, KindExecutor
	case errors.Is(err, context.DeadlineExceeded):
		otelhelper.SetError(span, err)

		return protocol.FailedResult(fmt.Sprintf("step timed out after %ds", workflow.Settings.StepTimeoutSeconds)), KindTimeout
	case errors.Is(err, context.Canceled):
		return nil, KindExecutor
	default:
		otelhelper.SetError(span, err)

		return protocol.FailedResult(err.Error()), KindSystem
	}
}

// appendActivation opens a fresh history row for the step. Attempt numbering
// counts every prior activation, so the idempotency key is unique per dispatch
// even when a loop revisits the step.
func (e *Engine) appendActivation(ctx context.Context, execution *models.WorkflowExecution, step *models.Step) (*models.StepExecution, error) {
	stepRepo := e.persistence.StepExecutionRepository()

	rows, err := stepRepo.StepExecutions(ctx, execution.ID)
	if err != nil {
		return nil, err
	}

	attempt := 1

	for _, row := range rows {
		if row.StepID == step.ID {
			attempt++
		}
	}

	row := &models.StepExecution{
		ID:          uuid.New().String(),
		ExecutionID: execution.ID,
		StepID:      step.ID,
		Status:      models.StepStatusInProgress,
		Attempt:     attempt,
		Input:       execution.Context,
		StartedAt:   time.Now().UTC(),
	}

	err = e.withBackoff(ctx, func() error {
		return stepRepo.AppendStepExecution(ctx, row)
	})
	if err != nil {
		return nil, err
	}

	return row, nil
}

// settleAttempt writes the executor result into the activation row and emits
// the matching audit event.
func (e *Engine) settleAttempt(ctx context.Context, execution *models.WorkflowExecution, step *models.Step, row *models.StepExecution, result *protocol.Result) error {
	now := time.Now().UTC()

	switch result.Status {
	case protocol.ResultCompleted:
		row.Status = models.StepStatusCompleted
		row.Output = result.Output
		row.CompletedAt = &now
	case protocol.ResultSuspended:
		row.Status = models.StepStatusSuspended
		row.ResumeToken = result.ResumeToken
	case protocol.ResultFailed:
		row.Status = models.StepStatusFailed
		row.Error = result.Error
		row.CompletedAt = &now
	}

	err := e.withBackoff(ctx, func() error {
		return e.persistence.StepExecutionRepository().UpdateStepExecution(ctx, row)
	})
	if err != nil {
		e.logger.ErrorContext(ctx, "Failed to record step result",
			"error", err,
			"execution_id", execution.ID,
			"step_id", step.ID,
		)

		return err
	}

	switch result.Status {
	case protocol.ResultCompleted:
		e.emit(ctx, execution.ID, events.StepCompleted{
			BaseEvent:  events.NewBaseEvent(events.StepCompletedEvent, execution.WorkflowID, execution.ID),
			StepID:     step.ID,
			Attempt:    row.Attempt,
			Output:     result.Output,
			DurationMs: now.Sub(row.StartedAt).Milliseconds(),
		})
	case protocol.ResultSuspended:
		e.emit(ctx, execution.ID, events.StepSuspended{
			BaseEvent:   events.NewBaseEvent(events.StepSuspendedEvent, execution.WorkflowID, execution.ID),
			StepID:      step.ID,
			ResumeToken: result.ResumeToken,
		})
	case protocol.ResultFailed:
		e.emit(ctx, execution.ID, events.StepFailed{
			BaseEvent: events.NewBaseEvent(events.StepFailedEvent, execution.WorkflowID, execution.ID),
			StepID:    step.ID,
			Attempt:   row.Attempt,
			Error:     result.Error,
		})
	}

	return nil
}
