package models

import "time"

// TriggerKind is the closed set of trigger monitor types.
type TriggerKind string

const (
	TriggerKindManual        TriggerKind = "manual"
	TriggerKindScheduled     TriggerKind = "scheduled"
	TriggerKindWebhook       TriggerKind = "webhook"
	TriggerKindEventPoll     TriggerKind = "event-poll"
	TriggerKindConditionPoll TriggerKind = "condition-poll"
)

// WorkflowTrigger is a configured condition that starts workflow executions.
// Active and LastFired are mutated only through explicit operations; the
// StoreVersion token tolerates a monitor and an administrative update racing.
type WorkflowTrigger struct {
	ID          string         `json:"id"          validate:"required"`
	WorkflowID  string         `json:"workflow_id" validate:"required"`
	Kind        TriggerKind    `json:"kind"        validate:"required,oneof=manual scheduled webhook event-poll condition-poll"`
	Name        string         `json:"name"        validate:"required,min=1"`
	Config      map[string]any `json:"config"`
	Active      bool           `json:"active"`
	LastFired   *time.Time     `json:"last_fired,omitempty"`
	FiringCount int64          `json:"firing_count"`
	ErrorCount  int64          `json:"error_count"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`

	StoreVersion int64 `json:"store_version"`
}

// TriggerEvent is the immutable record of one firing attempt. A firing that
// fails to create an execution still leaves an event behind, with Error set.
type TriggerEvent struct {
	ID                   string         `json:"id"`
	TriggerID            string         `json:"trigger_id"`
	EventData            map[string]any `json:"event_data,omitempty"`
	Timestamp            time.Time      `json:"timestamp"`
	ResultingExecutionID string         `json:"resulting_execution_id,omitempty"`
	Error                string         `json:"error,omitempty"`

	// DedupKey is the source-provided cursor identifying the external event;
	// two firings carrying the same key produce at most one execution.
	DedupKey string `json:"dedup_key,omitempty"`
}
