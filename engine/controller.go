package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/deepnoodle-ai/cascade"
	"github.com/deepnoodle-ai/cascade/registry"
	"github.com/deepnoodle-ai/cascade/retry"
	"github.com/deepnoodle-ai/cascade/slogger"
	"go.jetify.com/typeid"
)

// Config holds the controller's platform guardrails.
type Config struct {
	// OperationBudget caps boundary operations per attempt.
	OperationBudget int

	// DefaultTimeout applies to entrypoints that declare no timeout.
	DefaultTimeout time.Duration

	// MaxTimeout is the hard ceiling: entrypoint timeouts are clamped to it.
	MaxTimeout time.Duration

	// DefaultMaxSuspension bounds event waits for entrypoints that declare
	// no bound of their own.
	DefaultMaxSuspension time.Duration

	// EventBatchSize controls timeline event write batching.
	EventBatchSize int
}

// DefaultConfig returns the default guardrails.
func DefaultConfig() Config {
	return Config{
		OperationBudget:      10_000,
		DefaultTimeout:       5 * time.Minute,
		MaxTimeout:           30 * time.Minute,
		DefaultMaxSuspension: 30 * 24 * time.Hour,
		EventBatchSize:       10,
	}
}

// Options configures a Controller.
type Options struct {
	Store    cascade.InvocationStore
	Broker   cascade.EventBroker
	Registry *registry.Registry
	Loader   cascade.ProgramLoader

	// Programs maps entrypoint ids to natively registered programs, which
	// take precedence over the loader.
	Programs map[string]cascade.Program

	Clock      cascade.Clock
	Random     cascade.RandomSource
	Caller     cascade.OutboundCaller
	Logger     slogger.Logger
	ExecutorID string
	Config     Config
}

// Controller drives invocations through their lifecycle. It is the sole
// writer of invocation status: every mutation happens under a claim with a
// fencing token, so a controller that lost its claim cannot corrupt state.
type Controller struct {
	store      cascade.InvocationStore
	broker     cascade.EventBroker
	registry   *registry.Registry
	loader     cascade.ProgramLoader
	programs   map[string]cascade.Program
	clock      cascade.Clock
	random     cascade.RandomSource
	caller     cascade.OutboundCaller
	logger     slogger.Logger
	executorID string
	config     Config

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mutex    sync.Mutex
	live     map[string]*Execution
	inflight map[string]int
	waiters  map[string][]chan struct{}
}

// New creates a Controller.
func New(opts Options) (*Controller, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.Broker == nil {
		return nil, fmt.Errorf("broker is required")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("registry is required")
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
	if opts.ExecutorID == "" {
		value, err := typeid.WithPrefix("exec")
		if err != nil {
			return nil, fmt.Errorf("error creating executor id: %w", err)
		}
		opts.ExecutorID = value.String()
	}
	config := opts.Config
	defaults := DefaultConfig()
	if config.OperationBudget == 0 {
		config.OperationBudget = defaults.OperationBudget
	}
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = defaults.DefaultTimeout
	}
	if config.MaxTimeout <= 0 {
		config.MaxTimeout = defaults.MaxTimeout
	}
	if config.DefaultMaxSuspension <= 0 {
		config.DefaultMaxSuspension = defaults.DefaultMaxSuspension
	}
	if config.EventBatchSize <= 0 {
		config.EventBatchSize = defaults.EventBatchSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		store:      opts.Store,
		broker:     opts.Broker,
		registry:   opts.Registry,
		loader:     opts.Loader,
		programs:   opts.Programs,
		clock:      opts.Clock,
		random:     opts.Random,
		caller:     opts.Caller,
		logger:     opts.Logger,
		executorID: opts.ExecutorID,
		config:     config,
		baseCtx:    ctx,
		cancel:     cancel,
		live:       map[string]*Execution{},
		inflight:   map[string]int{},
		waiters:    map[string][]chan struct{}{},
	}, nil
}

// Close stops background work and waits for in-flight goroutines. Running
// invocations are left claimed; a later Recover picks them up.
func (c *Controller) Close() {
	c.cancel()
	c.wg.Wait()
}

// SubmitOptions describes a new invocation.
type SubmitOptions struct {
	EntrypointID string
	Version      string
	TenantID     string
	Mode         cascade.Mode
	Input        map[string]any

	// DedupKey makes submission idempotent per entrypoint: a repeat submit
	// with the same key returns the original invocation.
	DedupKey      string
	CorrelationID string
}

// Submit creates and starts an invocation. In sync mode it blocks until the
// invocation settles; in async mode it returns as soon as the invocation is
// queued.
func (c *Controller) Submit(ctx context.Context, opts SubmitOptions) (*cascade.Invocation, error) {
	entry, err := c.registry.Get(opts.EntrypointID, opts.Version)
	if err != nil {
		return nil, err
	}
	if opts.DedupKey != "" {
		existing, err := c.store.FindByDedupKey(ctx, entry.ID, opts.DedupKey)
		if err != nil {
			return nil, fmt.Errorf("dedup lookup failed: %w", err)
		}
		if existing != nil {
			return existing, nil
		}
	}
	mode := opts.Mode
	if mode == "" {
		if entry.Kind == "workflow" {
			mode = cascade.ModeAsync
		} else {
			mode = cascade.ModeSync
		}
	}
	inv := &cascade.Invocation{
		ID:                cascade.NewInvocationID(),
		EntrypointID:      entry.ID,
		EntrypointVersion: entry.Version,
		TenantID:          opts.TenantID,
		Mode:              mode,
		Input:             opts.Input,
		Status:            cascade.StatusQueued,
		Attempt:           1,
		DedupKey:          opts.DedupKey,
		CorrelationID:     opts.CorrelationID,
		CreatedAt:         c.clock.Now().UTC(),
	}
	if err := c.store.Create(ctx, inv); err != nil {
		if opts.DedupKey != "" {
			// lost a dedup race: surface the winner
			existing, lookupErr := c.store.FindByDedupKey(ctx, entry.ID, opts.DedupKey)
			if lookupErr == nil && existing != nil {
				return existing, nil
			}
		}
		return nil, fmt.Errorf("failed to create invocation: %w", err)
	}
	recorder := NewEventRecorder(c.store, inv.ID, 0, 1, c.logger)
	recorder.Record(ctx, cascade.EventInvocationQueued, "", map[string]any{
		"entrypoint_id": entry.ID, "entrypoint_version": entry.Version,
	})
	c.logger.Info("invocation submitted",
		"invocation_id", inv.ID, "entrypoint_id", entry.ID, "mode", mode)
	c.launch(inv.ID)
	if mode == cascade.ModeSync {
		return c.Wait(ctx, inv.ID)
	}
	return inv, nil
}

// Get returns the invocation and its latest snapshot.
func (c *Controller) Get(ctx context.Context, invocationID string) (*cascade.Invocation, *cascade.Snapshot, error) {
	return c.store.Load(ctx, invocationID)
}

// Timeline returns the invocation's timeline events from the given sequence.
func (c *Controller) Timeline(ctx context.Context, invocationID string, fromSeq int64) ([]*cascade.InvocationEvent, error) {
	return c.store.ListEvents(ctx, invocationID, fromSeq)
}

// Publish delivers an external event through the broker.
func (c *Controller) Publish(ctx context.Context, event *cascade.Event) error {
	if event.ID == "" {
		event.ID = cascade.NewEventID()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = c.clock.Now().UTC()
	}
	return c.broker.Publish(ctx, event)
}

// Wait blocks until the invocation settles and returns its final state.
func (c *Controller) Wait(ctx context.Context, invocationID string) (*cascade.Invocation, error) {
	for {
		ch := c.addWaiter(invocationID)
		inv, _, err := c.store.Load(ctx, invocationID)
		if err != nil {
			return nil, err
		}
		if c.settled(inv) {
			return inv, nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// settled reports whether the invocation is at rest: terminal, or in a
// resting failure state with no work pending in this process.
func (c *Controller) settled(inv *cascade.Invocation) bool {
	if inv.Status.Terminal() {
		return true
	}
	if inv.Status != cascade.StatusFailed && inv.Status != cascade.StatusCanceled {
		return false
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.inflight[inv.ID] == 0
}

func (c *Controller) addWaiter(invocationID string) chan struct{} {
	ch := make(chan struct{})
	c.mutex.Lock()
	c.waiters[invocationID] = append(c.waiters[invocationID], ch)
	c.mutex.Unlock()
	return ch
}

func (c *Controller) notify(invocationID string) {
	c.mutex.Lock()
	for _, ch := range c.waiters[invocationID] {
		close(ch)
	}
	delete(c.waiters, invocationID)
	c.mutex.Unlock()
}

func (c *Controller) beginWork(invocationID string) {
	c.mutex.Lock()
	c.inflight[invocationID]++
	c.mutex.Unlock()
}

func (c *Controller) endWork(invocationID string) {
	c.mutex.Lock()
	c.inflight[invocationID]--
	if c.inflight[invocationID] <= 0 {
		delete(c.inflight, invocationID)
	}
	c.mutex.Unlock()
	c.notify(invocationID)
}

// launch starts executing an invocation in the background.
func (c *Controller) launch(invocationID string) {
	c.beginWork(invocationID)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.endWork(invocationID)
		c.execute(c.baseCtx, invocationID)
	}()
}

// execute claims the invocation and drives attempts until it succeeds,
// suspends, or settles in failure.
func (c *Controller) execute(ctx context.Context, invocationID string) {
	log := c.logger.With("invocation_id", invocationID)

	var fence int64
	err := retry.WithRetry(ctx, retry.DefaultPolicy(), func() error {
		var claimErr error
		fence, claimErr = c.store.Claim(ctx, invocationID, c.executorID)
		return claimErr
	})
	if err != nil {
		log.Error("failed to claim invocation", "error", err)
		return
	}
	defer func() {
		if releaseErr := c.store.Release(ctx, invocationID, fence); releaseErr != nil {
			log.Warn("failed to release claim", "error", releaseErr)
		}
	}()

	inv, snapshot, err := c.store.Load(ctx, invocationID)
	if err != nil {
		log.Error("failed to load invocation", "error", err)
		return
	}
	snapshot, err = c.mergeStepJournal(ctx, inv, snapshot)
	if err != nil {
		log.Error("failed to load step records", "error", err)
		return
	}
	entry, err := c.registry.Get(inv.EntrypointID, inv.EntrypointVersion)
	if err != nil {
		c.settleFailed(ctx, log, inv, nil, fence,
			cascade.NewProgramError(err.Error(), false), nil)
		return
	}
	recorder := NewEventRecorder(c.store, inv.ID, c.lastEventSeq(ctx, inv.ID),
		c.config.EventBatchSize, c.logger)
	defer recorder.Flush(ctx)

	program, err := c.resolveProgram(ctx, entry)
	if err != nil {
		c.settleFailed(ctx, log, inv, recorder, fence,
			cascade.NewProgramError(fmt.Sprintf("failed to load program: %v", err), false), nil)
		return
	}

	switch inv.Status {
	case cascade.StatusQueued:
		inv.StartedAt = c.clock.Now().UTC()
		if err := c.store.Update(ctx, inv, fence); err != nil {
			log.Error("failed to update invocation", "error", err)
			return
		}
		if err := c.store.Transition(ctx, inv.ID, cascade.StatusRunning, fence); err != nil {
			log.Error("failed to transition to running", "error", err)
			return
		}
		inv.Status = cascade.StatusRunning
		recorder.Record(ctx, cascade.EventInvocationStarted, "", nil)
	case cascade.StatusRunning:
		// resume after an event delivery or crash recovery: replay from the
		// latest snapshot
		log.Info("re-executing invocation from snapshot",
			"attempt", inv.Attempt, "has_snapshot", snapshot != nil)
	default:
		log.Warn("invocation is not executable", "status", inv.Status)
		return
	}

	policy := cascade.DefaultRetryPolicy()
	if entry.Retry != nil {
		policy = *entry.Retry
	}

	for {
		exec, err := NewExecution(ExecutionOptions{
			Invocation:      inv,
			Snapshot:        snapshot,
			Program:         program,
			Store:           c.store,
			Broker:          c.broker,
			Clock:           c.clock,
			Random:          c.random,
			Caller:          c.caller,
			Logger:          c.logger,
			Recorder:        recorder,
			Fence:           fence,
			OperationBudget: c.config.OperationBudget,
			Timeout:         c.effectiveTimeout(entry),
		})
		if err != nil {
			c.settleFailed(ctx, log, inv, recorder, fence,
				cascade.NewProgramError(err.Error(), false), nil)
			return
		}
		c.mutex.Lock()
		c.live[inv.ID] = exec
		c.mutex.Unlock()

		output, runErr := exec.Run(ctx)

		c.mutex.Lock()
		delete(c.live, inv.ID)
		c.mutex.Unlock()

		if runErr == nil {
			inv.Output = output
			inv.FinishedAt = c.clock.Now().UTC()
			if err := c.store.Update(ctx, inv, fence); err != nil {
				log.Error("failed to persist output", "error", err)
				return
			}
			if err := c.store.Transition(ctx, inv.ID, cascade.StatusSucceeded, fence); err != nil {
				log.Error("failed to transition to succeeded", "error", err)
				return
			}
			inv.Status = cascade.StatusSucceeded
			recorder.Record(ctx, cascade.EventInvocationSucceeded, "", nil)
			log.Info("invocation succeeded", "attempt", inv.Attempt)
			return
		}

		if sig, ok := asSuspend(runErr); ok {
			c.suspendInvocation(ctx, log, inv, exec, entry, recorder, fence, sig)
			return
		}
		if cascade.CodeOf(runErr) == cascade.ErrCodeCanceled {
			c.settleCanceled(ctx, log, inv, exec, recorder, fence, runErr)
			return
		}

		classified := cascade.AsError(runErr)
		if policy.ShouldRetry(inv.Attempt, classified) {
			inv.Attempt++
			recorder.Record(ctx, cascade.EventInvocationRetried, "", map[string]any{
				"attempt": inv.Attempt, "error": classified.Error(),
			})
			log.Warn("retrying invocation",
				"attempt", inv.Attempt, "error", classified.Error())
			// the step ledger carries over; boundary recordings do not, so
			// the new attempt re-records everything outside committed steps
			snapshot = &cascade.Snapshot{
				ID:           cascade.NewSnapshotID(),
				InvocationID: inv.ID,
				Attempt:      inv.Attempt,
				Steps:        exec.Ledger(),
				LastEventSeq: recorder.Seq(),
				CreatedAt:    time.Now().UTC(),
			}
			if err := c.store.SaveSnapshot(ctx, snapshot, fence); err != nil {
				log.Error("failed to save retry snapshot", "error", err)
				return
			}
			inv.SnapshotID = snapshot.ID
			if err := c.store.Update(ctx, inv, fence); err != nil {
				log.Error("failed to update invocation", "error", err)
				return
			}
			if err := c.clock.Sleep(ctx, policy.Backoff(inv.Attempt-2)); err != nil {
				return
			}
			continue
		}

		c.settleFailed(ctx, log, inv, recorder, fence, classified, exec)
		return
	}
}

// mergeStepJournal folds independently persisted step records into the
// snapshot's step ledger. Step records commit before the covering snapshot
// does, so a crash between the two writes leaves the journal ahead of the
// snapshot; seeding execution from the merged view keeps committed steps from
// re-running. Journal entries win over snapshot entries of the same name.
func (c *Controller) mergeStepJournal(ctx context.Context, inv *cascade.Invocation, snapshot *cascade.Snapshot) (*cascade.Snapshot, error) {
	journal, err := c.store.ListSteps(ctx, inv.ID)
	if err != nil {
		return nil, err
	}
	if len(journal) == 0 {
		return snapshot, nil
	}
	if snapshot == nil {
		snapshot = &cascade.Snapshot{
			ID:           cascade.NewSnapshotID(),
			InvocationID: inv.ID,
			Attempt:      inv.Attempt,
			CreatedAt:    time.Now().UTC(),
		}
	}
	index := make(map[string]int, len(snapshot.Steps))
	for i, rec := range snapshot.Steps {
		index[rec.Name] = i
	}
	for _, rec := range journal {
		if i, ok := index[rec.Name]; ok {
			snapshot.Steps[i] = rec
			continue
		}
		index[rec.Name] = len(snapshot.Steps)
		snapshot.Steps = append(snapshot.Steps, rec)
	}
	return snapshot, nil
}

func asSuspend(err error) (*SuspendSignal, bool) {
	var sig *SuspendSignal
	if errors.As(err, &sig) {
		return sig, true
	}
	return nil, false
}

// settleFailed moves the invocation to failed and, when compensation
// applies, on through compensating to dead_lettered.
func (c *Controller) settleFailed(ctx context.Context, log slogger.Logger, inv *cascade.Invocation, recorder *EventRecorder, fence int64, cause *cascade.Error, exec *Execution) {
	inv.Error = cause
	inv.FinishedAt = c.clock.Now().UTC()
	if err := c.store.Update(ctx, inv, fence); err != nil {
		log.Error("failed to persist failure", "error", err)
		return
	}
	if err := c.store.Transition(ctx, inv.ID, cascade.StatusFailed, fence); err != nil {
		log.Error("failed to transition to failed", "error", err)
		return
	}
	inv.Status = cascade.StatusFailed
	if recorder != nil {
		recorder.Record(ctx, cascade.EventInvocationFailed, "", map[string]any{
			"code": string(cause.Code), "error": cause.Message,
		})
	}
	log.Warn("invocation failed", "code", cause.Code, "error", cause.Message)
	c.runCompensation(ctx, log, inv, recorder, fence, exec)
}

// settleCanceled moves the invocation to canceled, compensating first when
// any committed step calls for it.
func (c *Controller) settleCanceled(ctx context.Context, log slogger.Logger, inv *cascade.Invocation, exec *Execution, recorder *EventRecorder, fence int64, cause error) {
	inv.Error = cascade.AsError(cause)
	inv.FinishedAt = c.clock.Now().UTC()
	if err := c.store.Update(ctx, inv, fence); err != nil {
		log.Error("failed to persist cancellation", "error", err)
		return
	}
	if err := c.store.Transition(ctx, inv.ID, cascade.StatusCanceled, fence); err != nil {
		log.Error("failed to transition to canceled", "error", err)
		return
	}
	inv.Status = cascade.StatusCanceled
	if recorder != nil {
		recorder.Record(ctx, cascade.EventInvocationCanceled, "", nil)
	}
	log.Info("invocation canceled")
	c.runCompensation(ctx, log, inv, recorder, fence, exec)
}

// runCompensation drives failed or canceled invocations through the
// compensating state to dead_lettered when any committed step named a
// compensation handler. Without one the invocation rests where it is, open
// to an operator retry.
func (c *Controller) runCompensation(ctx context.Context, log slogger.Logger, inv *cascade.Invocation, recorder *EventRecorder, fence int64, exec *Execution) {
	if exec == nil || !exec.HasCompensations() {
		return
	}
	if err := c.store.Transition(ctx, inv.ID, cascade.StatusCompensating, fence); err != nil {
		log.Error("failed to transition to compensating", "error", err)
		return
	}
	inv.Status = cascade.StatusCompensating
	results := exec.Compensate(ctx)
	if inv.Error != nil && len(results) > 0 {
		inv.Error = inv.Error.WithDetail("compensation", results)
		if err := c.store.Update(ctx, inv, fence); err != nil {
			log.Error("failed to persist compensation results", "error", err)
		}
	}
	if err := c.store.Transition(ctx, inv.ID, cascade.StatusDeadLettered, fence); err != nil {
		log.Error("failed to transition to dead_lettered", "error", err)
		return
	}
	inv.Status = cascade.StatusDeadLettered
	if recorder != nil {
		recorder.Record(ctx, cascade.EventDeadLettered, "", map[string]any{
			"compensated_steps": len(results),
		})
	}
	log.Info("invocation dead lettered", "compensated_steps", len(results))
}

// suspendInvocation persists the suspension snapshot, parks the invocation,
// and hands the wait to a background watcher.
func (c *Controller) suspendInvocation(ctx context.Context, log slogger.Logger, inv *cascade.Invocation, exec *Execution, entry *registry.Entrypoint, recorder *EventRecorder, fence int64, sig *SuspendSignal) {
	snapshot := exec.BuildSnapshot(sig.Subscription)
	if err := c.store.SaveSnapshot(ctx, snapshot, fence); err != nil {
		c.abortSuspension(ctx, log, inv, exec, recorder, fence, sig, err)
		return
	}
	inv.SnapshotID = snapshot.ID
	inv.SuspendedAt = c.clock.Now().UTC()
	if err := c.store.Update(ctx, inv, fence); err != nil {
		c.abortSuspension(ctx, log, inv, exec, recorder, fence, sig, err)
		return
	}
	if err := c.store.Transition(ctx, inv.ID, cascade.StatusSuspended, fence); err != nil {
		c.abortSuspension(ctx, log, inv, exec, recorder, fence, sig, err)
		return
	}
	inv.Status = cascade.StatusSuspended
	recorder.Record(ctx, cascade.EventInvocationSuspended, "", map[string]any{
		"event_type": sig.Subscription.EventType,
		"timeout":    sig.Subscription.Timeout.String(),
	})
	log.Info("invocation suspended",
		"event_type", sig.Subscription.EventType, "timeout", sig.Subscription.Timeout)
	c.watchSuspension(inv.ID, sig.Subscription, sig.Delivery, c.maxSuspension(entry, inv))
}

// abortSuspension unwinds a suspension whose durable state could not be
// written. The subscription is canceled first: an orphaned subscription would
// keep consuming its one delivery, so a matching event published later would
// vanish instead of reaching a recovered wait. The invocation then settles as
// failed rather than stranding at running with no watcher.
func (c *Controller) abortSuspension(ctx context.Context, log slogger.Logger, inv *cascade.Invocation, exec *Execution, recorder *EventRecorder, fence int64, sig *SuspendSignal, cause error) {
	log.Error("failed to persist suspension", "error", cause)
	if err := c.broker.Cancel(ctx, sig.Subscription.ID); err != nil {
		log.Warn("failed to cancel subscription", "error", err)
	}
	c.settleFailed(ctx, log, inv, recorder, fence, cascade.NewInfrastructureError(cause), exec)
}

func (c *Controller) effectiveTimeout(entry *registry.Entrypoint) time.Duration {
	timeout := entry.Timeout.Std()
	if timeout <= 0 {
		timeout = c.config.DefaultTimeout
	}
	if timeout > c.config.MaxTimeout {
		timeout = c.config.MaxTimeout
	}
	return timeout
}

func (c *Controller) maxSuspension(entry *registry.Entrypoint, inv *cascade.Invocation) time.Duration {
	limit := entry.MaxSuspension.Std()
	if limit <= 0 {
		limit = c.config.DefaultMaxSuspension
	}
	if !inv.SuspendedAt.IsZero() {
		elapsed := c.clock.Now().Sub(inv.SuspendedAt)
		if elapsed > 0 {
			limit -= elapsed
		}
	}
	if limit < time.Second {
		limit = time.Second
	}
	return limit
}

func (c *Controller) resolveProgram(ctx context.Context, entry *registry.Entrypoint) (cascade.Program, error) {
	if program, ok := c.programs[entry.ID]; ok {
		return program, nil
	}
	if c.loader == nil {
		return nil, fmt.Errorf("no program loader configured for entrypoint %q", entry.ID)
	}
	return c.loader.Load(ctx, entry.Source)
}

func (c *Controller) lastEventSeq(ctx context.Context, invocationID string) int64 {
	events, err := c.store.ListEvents(ctx, invocationID, 0)
	if err != nil || len(events) == 0 {
		return 0
	}
	return events[len(events)-1].Sequence
}
