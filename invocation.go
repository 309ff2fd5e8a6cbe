package cascade

import "time"

// Status represents the lifecycle state of an invocation. The lifecycle
// controller is the only component that writes it.
type Status string

const (
	StatusQueued       Status = "queued"
	StatusRunning      Status = "running"
	StatusSuspended    Status = "suspended"
	StatusSucceeded    Status = "succeeded"
	StatusFailed       Status = "failed"
	StatusCanceled     Status = "canceled"
	StatusCompensating Status = "compensating"
	StatusDeadLettered Status = "dead_lettered"
)

// statusTransitions enumerates every legal lifecycle transition. Anything not
// listed here is rejected by the controller and by conforming stores.
var statusTransitions = map[Status][]Status{
	StatusQueued:       {StatusRunning, StatusCanceled},
	StatusRunning:      {StatusSucceeded, StatusFailed, StatusSuspended, StatusCanceled},
	StatusSuspended:    {StatusRunning, StatusCanceled, StatusFailed},
	StatusFailed:       {StatusCompensating, StatusDeadLettered},
	StatusCanceled:     {StatusCompensating},
	StatusCompensating: {StatusDeadLettered},
}

// CanTransitionTo reports whether moving from s to next is a legal lifecycle
// transition.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range statusTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Transitions returns the set of states reachable from s in one step.
func (s Status) Transitions() []Status {
	return statusTransitions[s]
}

// Terminal reports whether s admits no further transitions. Canceled is only
// terminal when no compensation applies, which the controller decides, so it
// is not included here.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusDeadLettered
}

// Invocation is one execution attempt of a registered entrypoint. It is owned
// by the lifecycle controller and mutated only through state machine
// transitions. The entrypoint id and version are fixed for the invocation's
// lifetime: a running invocation never migrates versions.
type Invocation struct {
	ID                string         `json:"id"`
	EntrypointID      string         `json:"entrypoint_id"`
	EntrypointVersion string         `json:"entrypoint_version"`
	TenantID          string         `json:"tenant_id,omitempty"`
	Mode              Mode           `json:"mode"`
	Input             map[string]any `json:"input,omitempty"`
	Status            Status         `json:"status"`
	Attempt           int            `json:"attempt"`
	Output            map[string]any `json:"output,omitempty"`
	Error             *Error         `json:"error,omitempty"`
	DedupKey          string         `json:"dedup_key,omitempty"`
	CorrelationID     string         `json:"correlation_id,omitempty"`
	SnapshotID        string         `json:"snapshot_id,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	StartedAt         time.Time      `json:"started_at,omitempty"`
	SuspendedAt       time.Time      `json:"suspended_at,omitempty"`
	FinishedAt        time.Time      `json:"finished_at,omitempty"`
}

// StepStatus represents the state of a single step record.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
)

// StepRecord is one named unit of work inside a workflow invocation. A record
// is immutable once succeeded: re-execution of the owning invocation reads
// the recorded output instead of re-running the step.
type StepRecord struct {
	Name         string     `json:"name"`
	Input        any        `json:"input,omitempty"`
	Output       any        `json:"output,omitempty"`
	Attempts     int        `json:"attempts"`
	Status       StepStatus `json:"status"`
	Compensation string     `json:"compensation,omitempty"`

	// CompletionIndex is the wall-clock completion order at the first
	// successful execution. It is persisted with the record so compensation
	// ordering survives crashes and retries.
	CompletionIndex int `json:"completion_index,omitempty"`

	Error       string    `json:"error,omitempty"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

// CompensationResult records one compensation handler invocation, kept in the
// invocation's error details for operator inspection.
type CompensationResult struct {
	StepName string `json:"step_name"`
	Handler  string `json:"handler"`
	Error    string `json:"error,omitempty"`
}
