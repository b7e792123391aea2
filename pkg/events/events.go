// Package events defines the immutable lifecycle events emitted for every
// state transition. The stream is append-only and is what the external audit
// sink consumes.
package events

import (
	"time"

	"github.com/google/uuid"
)

type EventType string

// Topics.
const (
	TriggerTopic = "stepflow.trigger.firings" // Monitor -> engine boundary
	AuditTopic   = "stepflow.audit"           // Engine -> audit sink
)

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	// Trigger firing boundary.
	TriggerFiredEvent EventType = "trigger.fired"

	// Execution lifecycle.
	ExecutionStartedEvent     EventType = "execution.started"
	ExecutionCompletedEvent   EventType = "execution.completed"
	ExecutionFailedEvent      EventType = "execution.failed"
	ExecutionCancelledEvent   EventType = "execution.cancelled"
	ExecutionPausedEvent      EventType = "execution.paused"
	ExecutionResumedEvent     EventType = "execution.resumed"
	ExecutionSLABreachedEvent EventType = "execution.sla_breached"

	// Step lifecycle.
	StepStartedEvent   EventType = "step.started"
	StepCompletedEvent EventType = "step.completed"
	StepFailedEvent    EventType = "step.failed"
	StepSuspendedEvent EventType = "step.suspended"
	StepResumedEvent   EventType = "step.resumed"
	StepSkippedEvent   EventType = "step.skipped"
	StepRetriedEvent   EventType = "step.retried"
)

type BaseEvent struct {
	ID          string         `json:"id"`
	Type        EventType      `json:"type"`
	Timestamp   time.Time      `json:"timestamp"`
	WorkflowID  string         `json:"workflow_id,omitempty"`
	ExecutionID string         `json:"execution_id,omitempty"`
	Actor       string         `json:"actor,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
}

func NewBaseEvent(eventType EventType, workflowID, executionID string) BaseEvent {
	return BaseEvent{
		ID:          uuid.New().String(),
		Type:        eventType,
		Timestamp:   time.Now().UTC(),
		WorkflowID:  workflowID,
		ExecutionID: executionID,
	}
}

// TriggerFired crosses the monitor/engine boundary: a monitor detected its
// condition and asks for an execution to be created.
type TriggerFired struct {
	BaseEvent

	TriggerID      string         `json:"trigger_id"`
	TriggerEventID string         `json:"trigger_event_id"`
	EventData      map[string]any `json:"event_data,omitempty"`
	DedupKey       string         `json:"dedup_key,omitempty"`
}

func (e TriggerFired) GetType() EventType { return TriggerFiredEvent }

type ExecutionStarted struct {
	BaseEvent

	WorkflowVersion int    `json:"workflow_version"`
	TriggerID       string `json:"trigger_id,omitempty"`
}

func (e ExecutionStarted) GetType() EventType { return ExecutionStartedEvent }

type ExecutionCompleted struct {
	BaseEvent

	Duration time.Duration `json:"duration"`
}

func (e ExecutionCompleted) GetType() EventType { return ExecutionCompletedEvent }

type ExecutionFailed struct {
	BaseEvent

	StepID   string        `json:"step_id,omitempty"`
	Error    string        `json:"error"`
	Duration time.Duration `json:"duration"`
}

func (e ExecutionFailed) GetType() EventType { return ExecutionFailedEvent }

type ExecutionCancelled struct {
	BaseEvent
}

func (e ExecutionCancelled) GetType() EventType { return ExecutionCancelledEvent }

type ExecutionPaused struct {
	BaseEvent
}

func (e ExecutionPaused) GetType() EventType { return ExecutionPausedEvent }

type ExecutionResumed struct {
	BaseEvent
}

func (e ExecutionResumed) GetType() EventType { return ExecutionResumedEvent }

// ExecutionSLABreached is emitted once when the SLA deadline passes while the
// execution is still running. It is a signal to operators, not an enforcement:
// the run keeps going.
type ExecutionSLABreached struct {
	BaseEvent

	Deadline time.Time `json:"deadline"`
}

func (e ExecutionSLABreached) GetType() EventType { return ExecutionSLABreachedEvent }

type StepStarted struct {
	BaseEvent

	StepID  string `json:"step_id"`
	Attempt int    `json:"attempt"`
}

func (e StepStarted) GetType() EventType { return StepStartedEvent }

type StepCompleted struct {
	BaseEvent

	StepID     string         `json:"step_id"`
	Attempt    int            `json:"attempt"`
	Output     map[string]any `json:"output,omitempty"`
	DurationMs int64          `json:"duration_ms"`
}

func (e StepCompleted) GetType() EventType { return StepCompletedEvent }

type StepFailed struct {
	BaseEvent

	StepID  string `json:"step_id"`
	Attempt int    `json:"attempt"`
	Error   string `json:"error"`
}

func (e StepFailed) GetType() EventType { return StepFailedEvent }

type StepSuspended struct {
	BaseEvent

	StepID      string `json:"step_id"`
	ResumeToken string `json:"resume_token"`
}

func (e StepSuspended) GetType() EventType { return StepSuspendedEvent }

type StepResumed struct {
	BaseEvent

	StepID string `json:"step_id"`
}

func (e StepResumed) GetType() EventType { return StepResumedEvent }

type StepSkipped struct {
	BaseEvent

	StepID string `json:"step_id"`
	Reason string `json:"reason,omitempty"`
}

func (e StepSkipped) GetType() EventType { return StepSkippedEvent }

type StepRetried struct {
	BaseEvent

	StepID      string        `json:"step_id"`
	NextAttempt int           `json:"next_attempt"`
	Backoff     time.Duration `json:"backoff"`
}

func (e StepRetried) GetType() EventType { return StepRetriedEvent }
