package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dukex/stepflow/pkg/eventbus"
	"github.com/dukex/stepflow/pkg/events"
	"github.com/dukex/stepflow/pkg/models"
	"github.com/dukex/stepflow/pkg/persistence"
	"github.com/dukex/stepflow/pkg/protocol"
	"github.com/dukex/stepflow/pkg/registry"
	"github.com/google/uuid"
)

// EngineRegistry owns the set of live trigger monitors and funnels every
// firing through one protocol: record the trigger event, deduplicate, publish
// a firing onto the bus, and bump the trigger's counters. The execution side
// consumes firings from the bus, so monitors never block on workflow work.
type EngineRegistry struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	registry    *registry.Registry
	bus         eventbus.EventPublisher
	engine      *Engine

	mu       sync.Mutex
	monitors map[string]protocol.Monitor
	cancels  map[string]context.CancelFunc
	wg       sync.WaitGroup
}

func NewEngineRegistry(
	persistence persistence.Persistence,
	registry *registry.Registry,
	bus eventbus.EventPublisher,
	engine *Engine,
	logger *slog.Logger,
) *EngineRegistry {
	return &EngineRegistry{
		logger:      logger.With("module", "engine_registry"),
		persistence: persistence,
		registry:    registry,
		bus:         bus,
		engine:      engine,
		monitors:    make(map[string]protocol.Monitor),
		cancels:     make(map[string]context.CancelFunc),
	}
}

// Start brings up a monitor for every active trigger.
func (r *EngineRegistry) Start(ctx context.Context) error {
	triggers, err := r.persistence.TriggerRepository().ActiveTriggers(ctx)
	if err != nil {
		return NewError(KindSystem, err)
	}

	for _, trigger := range triggers {
		// Manual triggers fire through the API, never through a monitor.
		if trigger.Kind == models.TriggerKindManual {
			continue
		}

		if err := r.StartMonitor(ctx, trigger.ID); err != nil {
			r.logger.ErrorContext(ctx, "Failed to start trigger monitor",
				"error", err,
				"trigger_id", trigger.ID,
			)
		}
	}

	return nil
}

// StartMonitor activates the monitor for one trigger. Starting an already
// monitored trigger is a no-op.
func (r *EngineRegistry) StartMonitor(ctx context.Context, triggerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, running := r.monitors[triggerID]; running {
		return nil
	}

	trigger, err := r.persistence.TriggerRepository().TriggerByID(ctx, triggerID)
	if err != nil {
		if errors.Is(err, persistence.ErrTriggerNotFound) {
			return NewError(KindValidation, err)
		}

		return NewError(KindSystem, err)
	}

	if !trigger.Active {
		return NewError(KindValidation, fmt.Errorf("trigger %s is not active", triggerID))
	}

	monitor, err := r.registry.CreateMonitor(trigger, r.logger)
	if err != nil {
		return NewError(KindConfiguration, err)
	}

	if err := monitor.Validate(ctx); err != nil {
		return NewError(KindValidation, err)
	}

	monitorCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	r.monitors[triggerID] = monitor
	r.cancels[triggerID] = cancel

	r.wg.Add(1)

	go func() {
		defer r.wg.Done()

		if err := monitor.Start(monitorCtx, r.fireCallback(trigger)); err != nil {
			r.logger.ErrorContext(monitorCtx, "Trigger monitor stopped with error",
				"error", err,
				"trigger_id", trigger.ID,
				"trigger_kind", trigger.Kind,
			)
		}
	}()

	r.logger.InfoContext(ctx, "Started trigger monitor",
		"trigger_id", trigger.ID,
		"trigger_kind", trigger.Kind,
		"workflow_id", trigger.WorkflowID,
	)

	return nil
}

// StopMonitor deactivates the monitor for one trigger. Stopping a trigger
// that is not monitored is a no-op.
func (r *EngineRegistry) StopMonitor(ctx context.Context, triggerID string) error {
	r.mu.Lock()

	monitor, running := r.monitors[triggerID]
	cancel := r.cancels[triggerID]

	delete(r.monitors, triggerID)
	delete(r.cancels, triggerID)

	r.mu.Unlock()

	if !running {
		return nil
	}

	cancel()

	if err := monitor.Stop(ctx); err != nil {
		return NewError(KindSystem, err)
	}

	r.logger.InfoContext(ctx, "Stopped trigger monitor", "trigger_id", triggerID)

	return nil
}

// Monitoring reports whether a trigger currently has a live monitor.
func (r *EngineRegistry) Monitoring(triggerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, running := r.monitors[triggerID]

	return running
}

// Stop shuts down every monitor and waits for their loops to return.
func (r *EngineRegistry) Stop(ctx context.Context) {
	r.mu.Lock()

	ids := make([]string, 0, len(r.monitors))
	for id := range r.monitors {
		ids = append(ids, id)
	}

	r.mu.Unlock()

	for _, id := range ids {
		if err := r.StopMonitor(ctx, id); err != nil {
			r.logger.ErrorContext(ctx, "Failed to stop trigger monitor", "error", err, "trigger_id", id)
		}
	}

	r.wg.Wait()
}

// Fire runs the firing protocol for one trigger directly, handing the
// execution start to the bus like a monitor firing would.
func (r *EngineRegistry) Fire(ctx context.Context, trigger *models.WorkflowTrigger, eventData map[string]any, dedupKey string) error {
	return r.fireCallback(trigger)(ctx, eventData, dedupKey)
}

// FireSync records the trigger event and creates the execution in the
// caller's path, so a webhook delivery or manual start learns the execution
// id (or the refusal) in the same request. The caller drives the created
// execution with Run. A duplicate delivery returns (nil, nil).
func (r *EngineRegistry) FireSync(ctx context.Context, trigger *models.WorkflowTrigger, eventData map[string]any, dedupKey string) (*models.WorkflowExecution, error) {
	event := &models.TriggerEvent{
		ID:        uuid.New().String(),
		TriggerID: trigger.ID,
		EventData: eventData,
		Timestamp: time.Now().UTC(),
		DedupKey:  dedupKey,
	}

	err := r.persistence.TriggerEventRepository().AppendTriggerEvent(ctx, event)
	if err != nil {
		if errors.Is(err, persistence.ErrDuplicateTriggerEvent) {
			r.logger.DebugContext(ctx, "Skipped duplicate trigger event",
				"trigger_id", trigger.ID,
				"dedup_key", dedupKey,
			)

			return nil, nil
		}

		r.bumpCounters(ctx, trigger.ID, false)

		return nil, NewError(KindSystem, err)
	}

	execution, err := r.engine.StartExecution(ctx, trigger.WorkflowID, eventData, StartOptions{
		TriggerID: trigger.ID,
		Actor:     "trigger:" + trigger.ID,
	})
	if err != nil {
		event.Error = err.Error()

		if updateErr := r.persistence.TriggerEventRepository().UpdateTriggerEvent(ctx, event); updateErr != nil {
			r.logger.ErrorContext(ctx, "Failed to record firing failure", "error", updateErr, "trigger_id", trigger.ID)
		}

		r.bumpCounters(ctx, trigger.ID, false)

		return nil, err
	}

	event.ResultingExecutionID = execution.ID

	if updateErr := r.persistence.TriggerEventRepository().UpdateTriggerEvent(ctx, event); updateErr != nil {
		r.logger.ErrorContext(ctx, "Failed to record firing result", "error", updateErr, "trigger_id", trigger.ID)
	}

	r.bumpCounters(ctx, trigger.ID, true)

	r.logger.InfoContext(ctx, "Trigger fired",
		"trigger_id", trigger.ID,
		"workflow_id", trigger.WorkflowID,
		"execution_id", execution.ID,
		"dedup_key", dedupKey,
	)

	return execution, nil
}

// fireCallback builds the uniform firing protocol for one trigger: append the
// trigger event (this is where duplicate dedup keys die), publish the firing,
// and bump the counters.
func (r *EngineRegistry) fireCallback(trigger *models.WorkflowTrigger) protocol.FireCallback {
	return func(ctx context.Context, eventData map[string]any, dedupKey string) error {
		event := &models.TriggerEvent{
			ID:        uuid.New().String(),
			TriggerID: trigger.ID,
			EventData: eventData,
			Timestamp: time.Now().UTC(),
			DedupKey:  dedupKey,
		}

		err := r.persistence.TriggerEventRepository().AppendTriggerEvent(ctx, event)
		if err != nil {
			if errors.Is(err, persistence.ErrDuplicateTriggerEvent) {
				r.logger.DebugContext(ctx, "Skipped duplicate trigger event",
					"trigger_id", trigger.ID,
					"dedup_key", dedupKey,
				)

				return nil
			}

			r.bumpCounters(ctx, trigger.ID, false)

			return NewError(KindSystem, err)
		}

		fired := events.TriggerFired{
			BaseEvent:      events.NewBaseEvent(events.TriggerFiredEvent, trigger.WorkflowID, ""),
			TriggerID:      trigger.ID,
			TriggerEventID: event.ID,
			EventData:      eventData,
			DedupKey:       dedupKey,
		}

		if err := r.bus.Publish(ctx, trigger.ID, fired); err != nil {
			r.bumpCounters(ctx, trigger.ID, false)

			return NewError(KindSystem, err)
		}

		r.bumpCounters(ctx, trigger.ID, true)

		r.logger.InfoContext(ctx, "Trigger fired",
			"trigger_id", trigger.ID,
			"workflow_id", trigger.WorkflowID,
			"dedup_key", dedupKey,
		)

		return nil
	}
}

// bumpCounters updates the trigger's firing stats, retrying over the store's
// version check.
func (r *EngineRegistry) bumpCounters(ctx context.Context, triggerID string, fired bool) {
	repo := r.persistence.TriggerRepository()

	for attempt := range persistAttempts {
		if attempt > 0 {
			sleepBackoff(ctx, attempt, persistBackoffBase)
		}

		trigger, err := repo.TriggerByID(ctx, triggerID)
		if err != nil {
			continue
		}

		if fired {
			now := time.Now().UTC()
			trigger.LastFired = &now
			trigger.FiringCount++
		} else {
			trigger.ErrorCount++
		}

		err = repo.SaveTrigger(ctx, trigger)
		if err == nil {
			return
		}

		if !errors.Is(err, persistence.ErrVersionConflict) {
			r.logger.ErrorContext(ctx, "Failed to update trigger counters", "error", err, "trigger_id", triggerID)

			return
		}
	}
}

// HandleTriggerFired is the bus consumer turning firings into executions. The
// resulting execution id, or the failure, is written back onto the trigger
// event so each firing's outcome is auditable.
func (r *EngineRegistry) HandleTriggerFired(ctx context.Context, event any) error {
	fired, ok := event.(*events.TriggerFired)
	if !ok {
		return fmt.Errorf("unexpected event payload %T", event)
	}

	trigger, err := r.persistence.TriggerRepository().TriggerByID(ctx, fired.TriggerID)
	if err != nil {
		return NewError(KindSystem, err)
	}

	execution, err := r.engine.StartExecution(ctx, trigger.WorkflowID, fired.EventData, StartOptions{
		TriggerID: trigger.ID,
		Actor:     "trigger:" + trigger.ID,
	})

	record := &models.TriggerEvent{
		ID:        fired.TriggerEventID,
		TriggerID: fired.TriggerID,
		EventData: fired.EventData,
		Timestamp: fired.Timestamp,
		DedupKey:  fired.DedupKey,
	}

	if err != nil {
		record.Error = err.Error()

		if updateErr := r.persistence.TriggerEventRepository().UpdateTriggerEvent(ctx, record); updateErr != nil {
			r.logger.ErrorContext(ctx, "Failed to record firing failure", "error", updateErr, "trigger_id", fired.TriggerID)
		}

		r.logger.ErrorContext(ctx, "Failed to start execution for firing",
			"error", err,
			"trigger_id", fired.TriggerID,
			"workflow_id", trigger.WorkflowID,
		)

		// Validation failures are not retryable; let the bus ack them.
		if KindOf(err) == KindValidation {
			return nil
		}

		return err
	}

	record.ResultingExecutionID = execution.ID

	if updateErr := r.persistence.TriggerEventRepository().UpdateTriggerEvent(ctx, record); updateErr != nil {
		r.logger.ErrorContext(ctx, "Failed to record firing result", "error", updateErr, "trigger_id", fired.TriggerID)
	}

	return r.engine.Run(ctx, execution.ID)
}
