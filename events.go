package cascade

import (
	"fmt"
	"time"
)

// InvocationEventType represents the type of a timeline event.
type InvocationEventType string

const (
	EventInvocationQueued    InvocationEventType = "invocation_queued"
	EventInvocationStarted   InvocationEventType = "invocation_started"
	EventInvocationSuspended InvocationEventType = "invocation_suspended"
	EventInvocationResumed   InvocationEventType = "invocation_resumed"
	EventInvocationSucceeded InvocationEventType = "invocation_succeeded"
	EventInvocationFailed    InvocationEventType = "invocation_failed"
	EventInvocationCanceled  InvocationEventType = "invocation_canceled"
	EventInvocationRetried   InvocationEventType = "invocation_retried"
	EventDeadLettered        InvocationEventType = "invocation_dead_lettered"

	EventStepStarted   InvocationEventType = "step_started"
	EventStepCompleted InvocationEventType = "step_completed"
	EventStepFailed    InvocationEventType = "step_failed"
	EventStepRetried   InvocationEventType = "step_retried"

	EventCompensationStarted   InvocationEventType = "compensation_started"
	EventCompensationCompleted InvocationEventType = "compensation_completed"
	EventCompensationFailed    InvocationEventType = "compensation_failed"

	EventOperationRecorded InvocationEventType = "operation_recorded"
	EventSnapshotSaved     InvocationEventType = "snapshot_saved"
)

// InvocationEvent is a single entry in an invocation's timeline: an ordered,
// append-only history of lifecycle, step, and operation activity. The
// sequence is unique and strictly increasing per invocation, so a reader can
// restart from the last sequence it has seen.
type InvocationEvent struct {
	ID           string              `json:"id"`
	InvocationID string              `json:"invocation_id"`
	Sequence     int64               `json:"sequence"`
	Timestamp    time.Time           `json:"timestamp"`
	EventType    InvocationEventType `json:"event_type"`
	StepName     string              `json:"step_name,omitempty"`
	Data         map[string]any      `json:"data,omitempty"`
}

// Validate checks the event's required fields.
func (e *InvocationEvent) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("event id is required")
	}
	if e.InvocationID == "" {
		return fmt.Errorf("invocation id is required")
	}
	if e.Sequence <= 0 {
		return fmt.Errorf("sequence must be positive")
	}
	if e.EventType == "" {
		return fmt.Errorf("event type is required")
	}
	return nil
}

// Event is an external event delivered through the broker to a waiting
// invocation.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// EventDelivery is the broker's single notification for a subscription:
// either a matching event, or TimedOut set with a nil event.
type EventDelivery struct {
	Event    *Event
	TimedOut bool
}
