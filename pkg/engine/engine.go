package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dukex/stepflow/pkg/conditions"
	"github.com/dukex/stepflow/pkg/eventbus"
	"github.com/dukex/stepflow/pkg/events"
	"github.com/dukex/stepflow/pkg/models"
	"github.com/dukex/stepflow/pkg/otelhelper"
	"github.com/dukex/stepflow/pkg/persistence"
	"github.com/dukex/stepflow/pkg/registry"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	persistAttempts    = 3
	persistBackoffBase = 100 * time.Millisecond
	defaultBackoffBase = 500 * time.Millisecond
)

// Engine is the scheduler and state machine advancing workflow executions.
// Step transitions are linearized per execution: commands and dispatch results
// for one execution are applied under its lock, and every persist goes through
// the store's optimistic version check.
type Engine struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	registry    *registry.Registry
	audit       eventbus.EventPublisher
	evaluator   *conditions.Evaluator
	tracer      trace.Tracer

	locks sync.Map // executionID -> *sync.Mutex

	cancelMu sync.Mutex
	cancels  map[string]map[string]context.CancelFunc // executionID -> stepID -> cancel
}

func New(
	persistence persistence.Persistence,
	registry *registry.Registry,
	audit eventbus.EventPublisher,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		logger:      logger.With("module", "engine"),
		persistence: persistence,
		registry:    registry,
		audit:       audit,
		evaluator:   conditions.NewEvaluator(),
		tracer:      otel.Tracer("stepflow/engine"),
		cancels:     make(map[string]map[string]context.CancelFunc),
	}
}

// StartOptions carries optional provenance for an execution start.
type StartOptions struct {
	TriggerID string
	Actor     string
}

// StartExecution creates a new execution pinned to the workflow's currently
// published version. The caller drives it afterwards with Run.
func (e *Engine) StartExecution(ctx context.Context, workflowID string, initialContext map[string]any, opts StartOptions) (*models.WorkflowExecution, error) {
	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "engine.start_execution",
		attribute.String(otelhelper.WorkflowIDKey, workflowID),
		attribute.String(otelhelper.TriggerIDKey, opts.TriggerID),
	)
	defer span.End()

	workflow, err := e.persistence.WorkflowRepository().PublishedWorkflow(ctx, workflowID)
	if err != nil {
		if errors.Is(err, persistence.ErrPublishedWorkflowNotFound) {
			return nil, NewError(KindValidation, err)
		}

		return nil, NewError(KindSystem, err)
	}

	if err := workflow.Steps.Validate(); err != nil {
		return nil, NewError(KindValidation, err)
	}

	execContext := make(map[string]any)
	for k, v := range workflow.Variables {
		execContext[k] = v
	}

	for k, v := range initialContext {
		execContext[k] = v
	}

	now := time.Now().UTC()

	execution := &models.WorkflowExecution{
		ID:              "exec-" + uuid.New().String(),
		WorkflowID:      workflow.ID,
		WorkflowVersion: workflow.Version,
		Status:          models.ExecutionStatusRunning,
		CurrentSteps:    []string{workflow.Steps.StartStepID},
		Context:         execContext,
		Metadata:        map[string]any{},
		StartedAt:       now,
	}

	if workflow.Settings.SLASeconds > 0 {
		deadline := now.Add(time.Duration(workflow.Settings.SLASeconds) * time.Second)
		execution.SLADeadline = &deadline
	}

	err = e.withBackoff(ctx, func() error {
		return e.persistence.ExecutionRepository().CreateExecution(ctx, execution)
	})
	if err != nil {
		return nil, NewError(KindSystem, err)
	}

	started := events.ExecutionStarted{
		BaseEvent:       events.NewBaseEvent(events.ExecutionStartedEvent, workflow.ID, execution.ID),
		WorkflowVersion: workflow.Version,
		TriggerID:       opts.TriggerID,
	}
	started.Actor = opts.Actor
	e.emit(ctx, execution.ID, started)

	e.logger.InfoContext(ctx, "Created workflow execution",
		"execution_id", execution.ID,
		"workflow_id", workflow.ID,
		"workflow_version", workflow.Version,
	)

	return execution, nil
}

// Status returns the execution record.
func (e *Engine) Status(ctx context.Context, executionID string) (*models.WorkflowExecution, error) {
	execution, err := e.persistence.ExecutionRepository().ExecutionByID(ctx, executionID)
	if err != nil {
		if errors.Is(err, persistence.ErrExecutionNotFound) {
			return nil, NewError(KindValidation, err)
		}

		return nil, NewError(KindSystem, err)
	}

	return execution, nil
}

// StepHistory returns the execution's append-only step activation records.
func (e *Engine) StepHistory(ctx context.Context, executionID string) ([]*models.StepExecution, error) {
	rows, err := e.persistence.StepExecutionRepository().StepExecutions(ctx, executionID)
	if err != nil {
		return nil, NewError(KindSystem, err)
	}

	return rows, nil
}

// Pause stops dispatching new steps. Steps already in progress or suspended
// are left untouched.
func (e *Engine) Pause(ctx context.Context, executionID, actor string) error {
	execution, err := e.mutateExecution(ctx, executionID, func(execution *models.WorkflowExecution) error {
		return transitionStatus(execution, models.ExecutionStatusPaused)
	})
	if err != nil {
		return err
	}

	paused := events.ExecutionPaused{
		BaseEvent: events.NewBaseEvent(events.ExecutionPausedEvent, execution.WorkflowID, executionID),
	}
	paused.Actor = actor
	e.emit(ctx, executionID, paused)

	return nil
}

// Resume moves a paused execution back to running. The caller restarts
// dispatch with Run.
func (e *Engine) Resume(ctx context.Context, executionID, actor string) error {
	execution, err := e.mutateExecution(ctx, executionID, func(execution *models.WorkflowExecution) error {
		return transitionStatus(execution, models.ExecutionStatusRunning)
	})
	if err != nil {
		return err
	}

	resumed := events.ExecutionResumed{
		BaseEvent: events.NewBaseEvent(events.ExecutionResumedEvent, execution.WorkflowID, executionID),
	}
	resumed.Actor = actor
	e.emit(ctx, executionID, resumed)

	return nil
}

// Cancel marks the execution cancelled and signals in-flight executors to
// abort. Abort is best-effort: an executor that cannot stop completes and its
// output is discarded. Active steps are marked skipped to preserve their
// audit trail.
func (e *Engine) Cancel(ctx context.Context, executionID, actor string) error {
	execution, err := e.mutateExecution(ctx, executionID, func(execution *models.WorkflowExecution) error {
		if err := transitionStatus(execution, models.ExecutionStatusCancelled); err != nil {
			return err
		}

		now := time.Now().UTC()
		execution.CompletedAt = &now
		execution.CurrentSteps = nil

		return nil
	})
	if err != nil {
		return err
	}

	e.cancelInFlight(executionID, "")

	e.skipOpenSteps(ctx, executionID, execution.WorkflowID, "execution cancelled")

	cancelled := events.ExecutionCancelled{
		BaseEvent: events.NewBaseEvent(events.ExecutionCancelledEvent, execution.WorkflowID, executionID),
	}
	cancelled.Actor = actor
	e.emit(ctx, executionID, cancelled)

	return nil
}

// CheckSLAs scans running executions and emits one breach event for each that
// passed its deadline. Breaching never fails the run; that decision belongs to
// the operator.
func (e *Engine) CheckSLAs(ctx context.Context) error {
	executions, err := e.persistence.ExecutionRepository().Executions(ctx)
	if err != nil {
		return NewError(KindSystem, err)
	}

	now := time.Now().UTC()

	for _, execution := range executions {
		if execution.Status != models.ExecutionStatusRunning || execution.SLADeadline == nil {
			continue
		}

		if execution.SLADeadline.After(now) {
			continue
		}

		if breached, _ := execution.Metadata["sla_breached"].(bool); breached {
			continue
		}

		deadline := *execution.SLADeadline

		_, err := e.mutateExecution(ctx, execution.ID, func(execution *models.WorkflowExecution) error {
			if execution.Status != models.ExecutionStatusRunning {
				return ErrExecutionNotRunning
			}

			if execution.Metadata == nil {
				execution.Metadata = map[string]any{}
			}

			execution.Metadata["sla_breached"] = true

			return nil
		})
		if err != nil {
			continue
		}

		e.emit(ctx, execution.ID, events.ExecutionSLABreached{
			BaseEvent: events.NewBaseEvent(events.ExecutionSLABreachedEvent, execution.WorkflowID, execution.ID),
			Deadline:  deadline,
		})

		e.logger.WarnContext(ctx, "Execution breached its SLA deadline",
			"execution_id", execution.ID,
			"deadline", deadline,
		)
	}

	return nil
}

func transitionStatus(execution *models.WorkflowExecution, next models.ExecutionStatus) error {
	if execution.Status.IsTerminal() {
		return NewError(KindValidation, ErrExecutionTerminal)
	}

	if !execution.Status.CanTransitionTo(next) {
		return NewError(KindValidation, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, execution.Status, next))
	}

	execution.Status = next

	return nil
}

// lockFor returns the per-execution mutex that linearizes transitions.
func (e *Engine) lockFor(executionID string) *sync.Mutex {
	lock, _ := e.locks.LoadOrStore(executionID, &sync.Mutex{})

	return lock.(*sync.Mutex)
}

// mutateExecution applies fn to a fresh copy of the execution and persists it,
// retrying when the optimistic version check rejects the write.
func (e *Engine) mutateExecution(ctx context.Context, executionID string, fn func(*models.WorkflowExecution) error) (*models.WorkflowExecution, error) {
	lock := e.lockFor(executionID)
	lock.Lock()
	defer lock.Unlock()

	var lastErr error

	for attempt := range persistAttempts {
		if attempt > 0 {
			sleepBackoff(ctx, attempt, persistBackoffBase)
		}

		execution, err := e.persistence.ExecutionRepository().ExecutionByID(ctx, executionID)
		if err != nil {
			if errors.Is(err, persistence.ErrExecutionNotFound) {
				return nil, NewError(KindValidation, err)
			}

			lastErr = err

			continue
		}

		if err := fn(execution); err != nil {
			return nil, err
		}

		err = e.persistence.ExecutionRepository().SaveExecution(ctx, execution)
		if err == nil {
			return execution, nil
		}

		if errors.Is(err, persistence.ErrVersionConflict) {
			lastErr = err

			continue
		}

		lastErr = err
	}

	return nil, NewError(KindSystem, fmt.Errorf("failed to persist execution %s: %w", executionID, lastErr))
}

// withBackoff retries infrastructure operations with exponential backoff.
func (e *Engine) withBackoff(ctx context.Context, fn func() error) error {
	var lastErr error

	for attempt := range persistAttempts {
		if attempt > 0 {
			sleepBackoff(ctx, attempt, persistBackoffBase)
		}

		if err := fn(); err != nil {
			lastErr = err

			continue
		}

		return nil
	}

	return lastErr
}

func sleepBackoff(ctx context.Context, attempt int, base time.Duration) {
	delay := base * time.Duration(1<<(attempt-1))

	select {
	case <-ctx.Done():
	case <-time.After(delay):
	}
}

// emit publishes an audit event. Audit failures are logged, never propagated:
// losing one event must not wedge an execution.
func (e *Engine) emit(ctx context.Context, key string, event eventbus.Event) {
	if e.audit == nil {
		return
	}

	if err := e.audit.Publish(ctx, key, event); err != nil {
		e.logger.ErrorContext(ctx, "Failed to publish audit event",
			"error", err,
			"event_type", event.GetType(),
			"key", key,
		)
	}
}

// registerCancel records the cancel function for an in-flight dispatch.
func (e *Engine) registerCancel(executionID, stepID string, cancel context.CancelFunc) {
	e.cancelMu.Lock()
	defer e.cancelMu.Unlock()

	if e.cancels[executionID] == nil {
		e.cancels[executionID] = make(map[string]context.CancelFunc)
	}

	e.cancels[executionID][stepID] = cancel
}

func (e *Engine) unregisterCancel(executionID, stepID string) {
	e.cancelMu.Lock()
	defer e.cancelMu.Unlock()

	delete(e.cancels[executionID], stepID)

	if len(e.cancels[executionID]) == 0 {
		delete(e.cancels, executionID)
	}
}

// cancelInFlight aborts in-flight dispatches; an empty stepID aborts all of
// the execution's dispatches.
func (e *Engine) cancelInFlight(executionID, stepID string) {
	e.cancelMu.Lock()
	defer e.cancelMu.Unlock()

	for id, cancel := range e.cancels[executionID] {
		if stepID == "" || id == stepID {
			cancel()
		}
	}
}

// skipOpenSteps marks every non-terminal step activation as skipped.
func (e *Engine) skipOpenSteps(ctx context.Context, executionID, workflowID, reason string) {
	stepRepo := e.persistence.StepExecutionRepository()

	rows, err := stepRepo.StepExecutions(ctx, executionID)
	if err != nil {
		e.logger.ErrorContext(ctx, "Failed to load step executions", "error", err, "execution_id", executionID)

		return
	}

	now := time.Now().UTC()

	for _, row := range rows {
		if row.Status.IsTerminal() {
			continue
		}

		row.Status = models.StepStatusSkipped
		row.Error = reason
		row.CompletedAt = &now

		if err := stepRepo.UpdateStepExecution(ctx, row); err != nil {
			e.logger.ErrorContext(ctx, "Failed to skip step execution", "error", err, "step_id", row.StepID)

			continue
		}

		skipped := events.StepSkipped{
			BaseEvent: events.NewBaseEvent(events.StepSkippedEvent, workflowID, executionID),
			StepID:    row.StepID,
			Reason:    reason,
		}
		e.emit(ctx, executionID, skipped)
	}
}
