package cascade

import (
	"context"
	"time"
)

// InvocationStore is the durable store behind the engine. Writes that mutate
// an invocation carry the fencing token obtained from Claim; conforming
// stores reject writes made with a stale token, so an executor that lost its
// claim can never corrupt state.
type InvocationStore interface {
	// Create persists a new invocation. It fails if the id already exists.
	Create(ctx context.Context, inv *Invocation) error

	// Load returns the invocation and its latest snapshot, if any.
	Load(ctx context.Context, invocationID string) (*Invocation, *Snapshot, error)

	// FindByDedupKey returns the invocation previously submitted with the
	// given dedup key for the entrypoint, or nil if none exists.
	FindByDedupKey(ctx context.Context, entrypointID, dedupKey string) (*Invocation, error)

	// Claim acquires the exclusive right to execute an invocation and
	// returns a fencing token greater than any token issued before.
	Claim(ctx context.Context, invocationID, executorID string) (int64, error)

	// Release gives up a claim. A stale token is ignored.
	Release(ctx context.Context, invocationID string, fence int64) error

	// Transition applies a status change exactly once. It fails when the
	// transition is not legal from the current status or the fence is stale.
	Transition(ctx context.Context, invocationID string, to Status, fence int64) error

	// Update persists mutable invocation fields (attempt, result, error,
	// timestamps, latest snapshot pointer) without changing status.
	Update(ctx context.Context, inv *Invocation, fence int64) error

	// SaveSnapshot persists a snapshot, superseding any previous one for the
	// invocation.
	SaveSnapshot(ctx context.Context, snapshot *Snapshot, fence int64) error

	// AppendStep persists a step record in completion order.
	AppendStep(ctx context.Context, invocationID string, step *StepRecord, fence int64) error

	// ListSteps returns the step records appended for the invocation, in
	// append order.
	ListSteps(ctx context.Context, invocationID string) ([]*StepRecord, error)

	// AppendEvents appends timeline events.
	AppendEvents(ctx context.Context, events []*InvocationEvent) error

	// ListEvents returns timeline events with sequence >= fromSeq, ordered
	// by sequence.
	ListEvents(ctx context.Context, invocationID string, fromSeq int64) ([]*InvocationEvent, error)

	// ListByStatus returns invocations currently in the given status.
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Invocation, error)
}

// EventBroker delivers external events to waiting invocations. Each
// subscription receives at most one delivery: a matching event or a timeout.
type EventBroker interface {
	Subscribe(ctx context.Context, sub *EventSubscription) (<-chan EventDelivery, error)
	Cancel(ctx context.Context, subscriptionID string) error
	Publish(ctx context.Context, event *Event) error
}

// Clock provides real time. Programs only reach it through the call
// boundary.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

// RandomSource provides real randomness, reached only through the call
// boundary.
type RandomSource interface {
	Float64() (float64, error)
	Int63n(n int64) (int64, error)
}

// OutboundRequest describes a network call performed on behalf of a program.
type OutboundRequest struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    []byte            `json:"body,omitempty"`
}

// OutboundResponse is the recorded result of an outbound call.
type OutboundResponse struct {
	StatusCode int               `json:"status_code"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       []byte            `json:"body,omitempty"`
}

// OutboundCaller performs network operations for programs. Every call passes
// through the call boundary for recording.
type OutboundCaller interface {
	Call(ctx context.Context, req *OutboundRequest) (*OutboundResponse, error)
}

// StepFunc is the body of a named step.
type StepFunc func(ctx context.Context, input any) (any, error)

// CompensationFunc reverses the effect of a completed step. It receives the
// step's recorded input and output.
type CompensationFunc func(ctx context.Context, input, output any) error

// StepOptions configures a single RunStep call.
type StepOptions struct {
	Retry *RetryPolicy

	// Compensation names the handler to run if the invocation later fails or
	// is canceled. The handler itself is registered on the runtime's
	// compensation registry under this name.
	Compensation string
}

// Runtime is the capability surface handed to a running program. Every
// non-deterministic operation a program performs goes through it, so the
// engine can record results on first execution and replay them afterwards.
type Runtime interface {
	// Now returns the current time, recorded for replay.
	Now() (time.Time, error)

	// Random returns a float64 in [0, 1), recorded for replay.
	Random() (float64, error)

	// RandomInt returns a random integer in [min, max), recorded for replay.
	RandomInt(min, max int64) (int64, error)

	// Sleep pauses execution. On replay it is a no-op.
	Sleep(d time.Duration) error

	// Call performs an outbound request through the configured caller.
	Call(req *OutboundRequest) (*OutboundResponse, error)

	// AwaitEvent waits for an external event. If no matching event is
	// immediately available, the invocation suspends durably until one
	// arrives or the timeout elapses.
	AwaitEvent(eventType, filter string, timeout time.Duration) (*Event, error)

	// AwaitAll resolves multiple pending operations concurrently, joining
	// results in call-site order so replay is order-stable.
	AwaitAll(ops []AwaitOp) ([]any, error)

	// CallOp wraps an outbound request as an AwaitAll operation.
	CallOp(req *OutboundRequest) AwaitOp

	// SleepOp wraps a pause as an AwaitAll operation.
	SleepOp(d time.Duration) AwaitOp

	// EventOp wraps an event wait as an AwaitAll operation. Unlike
	// AwaitEvent it resolves in-process and never suspends the invocation:
	// if no matching event arrives within the timeout it settles with an
	// event timeout error.
	EventOp(eventType, filter string, timeout time.Duration) AwaitOp

	// RunStep executes a named unit of work with tracked attempts and
	// optional compensation. A step that already succeeded returns its
	// recorded output without re-running.
	RunStep(name string, fn StepFunc, input any, opts *StepOptions) (any, error)

	// RegisterCompensation registers a named compensation handler for this
	// execution. Handlers are scoped to the single execution, never global.
	RegisterCompensation(name string, fn CompensationFunc)

	// Checkpoint persists a snapshot of the current execution state.
	Checkpoint() error

	// Canceled reports whether a cooperative cancel has been requested.
	// Long-running step bodies should poll it.
	Canceled() bool
}

// AwaitOp is one operation fanned out by AwaitAll.
type AwaitOp struct {
	Kind RecordingKind
	Fn   func(ctx context.Context) (any, error)
}

// Program is a loaded entrypoint ready to execute. Implementations must be
// deterministic given identical Runtime behavior: replaying a program against
// recorded results must follow the identical path.
type Program interface {
	Run(ctx context.Context, rt Runtime, input map[string]any) (map[string]any, error)
}

// ProgramLoader turns entrypoint source into an executable Program. Any
// embeddable, deterministic-by-convention interpreter satisfies this; the
// engine never depends on a specific language.
type ProgramLoader interface {
	Load(ctx context.Context, source string) (Program, error)
}

// ProgramFunc adapts a Go function into a Program, used for natively
// registered entrypoints and in tests.
type ProgramFunc func(ctx context.Context, rt Runtime, input map[string]any) (map[string]any, error)

func (f ProgramFunc) Run(ctx context.Context, rt Runtime, input map[string]any) (map[string]any, error) {
	return f(ctx, rt, input)
}
