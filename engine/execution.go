package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/deepnoodle-ai/cascade"
	"github.com/deepnoodle-ai/cascade/slogger"
)

// SuspendSignal unwinds a program when an event wait cannot resolve
// immediately. The controller catches it, persists a snapshot, and parks the
// invocation until the broker delivers the event or the wait times out.
type SuspendSignal struct {
	Subscription *cascade.EventSubscription
	Delivery     <-chan cascade.EventDelivery
}

func (s *SuspendSignal) Error() string {
	return fmt.Sprintf("execution suspended: waiting for event %q", s.Subscription.EventType)
}

// errReplayExhausted aborts a replay-only execution at the point where live
// operations would begin. Used to rebuild in-memory state (the compensation
// registry in particular) for an invocation that will not run further.
var errReplayExhausted = errors.New("recorded history exhausted")

// ExecutionOptions configures a single attempt of an invocation.
type ExecutionOptions struct {
	Invocation *cascade.Invocation
	Snapshot   *cascade.Snapshot
	Program    cascade.Program
	Store      cascade.InvocationStore
	Broker     cascade.EventBroker
	Clock      cascade.Clock
	Random     cascade.RandomSource
	Caller     cascade.OutboundCaller
	Logger     slogger.Logger
	Recorder   *EventRecorder
	Fence      int64

	// OperationBudget caps the number of boundary operations per attempt.
	// Zero means unlimited.
	OperationBudget int

	// Timeout bounds the attempt's live wall-clock time.
	Timeout time.Duration

	// ReplayOnly aborts the execution as soon as a live operation would be
	// needed, instead of performing it.
	ReplayOnly bool
}

// Execution is one attempt run of an invocation. It implements
// cascade.Runtime: the program's only window onto time, randomness, network,
// events, and steps.
type Execution struct {
	inv        *cascade.Invocation
	program    cascade.Program
	store      cascade.InvocationStore
	broker     cascade.EventBroker
	clock      cascade.Clock
	random     cascade.RandomSource
	caller     cascade.OutboundCaller
	logger     slogger.Logger
	recorder   *EventRecorder
	boundary   *CallBoundary
	ledger     *stepLedger
	fence      int64
	budget     int64
	timeout    time.Duration
	replayOnly bool

	ctx      context.Context
	deadline time.Time
	opCount  atomic.Int64
	canceled atomic.Bool

	mutex         sync.Mutex
	compensations map[string]cascade.CompensationFunc
}

// NewExecution prepares an attempt, seeding the call boundary and step ledger
// from the snapshot when one exists.
func NewExecution(opts ExecutionOptions) (*Execution, error) {
	if opts.Invocation == nil {
		return nil, fmt.Errorf("invocation is required")
	}
	if opts.Program == nil {
		return nil, fmt.Errorf("program is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.Clock == nil {
		opts.Clock = NewSystemClock()
	}
	if opts.Random == nil {
		opts.Random = NewCryptoRandom()
	}
	if opts.Logger == nil {
		opts.Logger = slogger.DefaultLogger
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Minute
	}
	e := &Execution{
		inv:           opts.Invocation,
		program:       opts.Program,
		store:         opts.Store,
		broker:        opts.Broker,
		clock:         opts.Clock,
		random:        opts.Random,
		caller:        opts.Caller,
		logger:        opts.Logger,
		recorder:      opts.Recorder,
		fence:         opts.Fence,
		budget:        int64(opts.OperationBudget),
		timeout:       opts.Timeout,
		replayOnly:    opts.ReplayOnly,
		boundary:      NewCallBoundary(),
		compensations: map[string]cascade.CompensationFunc{},
	}
	if opts.Snapshot != nil {
		e.boundary.Seed(opts.Snapshot.Recordings)
		e.ledger = newStepLedger(opts.Snapshot.Steps)
	} else {
		e.ledger = newStepLedger(nil)
	}
	return e, nil
}

// Run executes the program once. It returns the program's output, a
// SuspendSignal, or a classified error. Panics in program code are converted
// to non-retryable program errors.
func (e *Execution) Run(ctx context.Context) (output map[string]any, err error) {
	e.ctx = ctx
	e.deadline = time.Now().Add(e.timeout)
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("program panicked",
				"invocation_id", e.inv.ID, "panic", fmt.Sprintf("%v", r))
			output = nil
			err = cascade.NewProgramError(fmt.Sprintf("program panic: %v", r), false)
		}
	}()
	return e.program.Run(ctx, e, e.inv.Input)
}

// Cancel requests cooperative cancellation. The program observes it at the
// next boundary operation or by polling Canceled.
func (e *Execution) Cancel() {
	e.canceled.Store(true)
}

// Canceled implements cascade.Runtime.
func (e *Execution) Canceled() bool {
	return e.canceled.Load()
}

// Ledger exposes the step records accumulated so far, in record order.
func (e *Execution) Ledger() []*cascade.StepRecord {
	return e.ledger.records()
}

// Recordings exposes the call boundary log for snapshotting.
func (e *Execution) Recordings() []*cascade.Recording {
	return e.boundary.Recordings()
}

// beforeOp enforces the cooperative scheduling guardrails ahead of every
// boundary operation: cancellation, the operation budget, and the attempt
// deadline. Replayed operations are exempt from the deadline since they cost
// no real time.
func (e *Execution) beforeOp() error {
	if e.canceled.Load() {
		return cascade.NewCanceledError("")
	}
	n := e.opCount.Add(1)
	if e.budget > 0 && n > e.budget {
		return cascade.NewResourceLimitError(
			fmt.Sprintf("operation budget of %d exceeded", e.budget))
	}
	if !e.boundary.Replaying() {
		if e.replayOnly {
			return errReplayExhausted
		}
		if time.Now().After(e.deadline) {
			return cascade.NewResourceLimitError(
				fmt.Sprintf("execution exceeded %s timeout", e.timeout))
		}
	}
	return nil
}

// passthrough reports whether err must unwind the program untouched, without
// feeding step retry policies.
func passthrough(err error) bool {
	var sus *SuspendSignal
	if errors.As(err, &sus) {
		return true
	}
	if errors.Is(err, errReplayExhausted) {
		return true
	}
	switch cascade.CodeOf(err) {
	case cascade.ErrCodeCanceled, cascade.ErrCodeResourceLimit, cascade.ErrCodeReplayDivergence:
		return true
	}
	return false
}
