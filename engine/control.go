package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/deepnoodle-ai/cascade"
)

// Cancel requests cancellation of an invocation. Queued invocations settle
// immediately; running ones are canceled cooperatively at their next
// operation boundary; suspended ones are woken and settled, compensating
// committed steps when any call for it.
func (c *Controller) Cancel(ctx context.Context, invocationID, reason string) error {
	inv, snapshot, err := c.store.Load(ctx, invocationID)
	if err != nil {
		return err
	}
	switch inv.Status {
	case cascade.StatusQueued:
		return c.cancelQueued(ctx, inv, reason)
	case cascade.StatusRunning:
		c.mutex.Lock()
		exec := c.live[invocationID]
		c.mutex.Unlock()
		if exec == nil {
			return fmt.Errorf("invocation %s is not executing in this process", invocationID)
		}
		exec.Cancel()
		return nil
	case cascade.StatusSuspended:
		return c.cancelSuspended(ctx, inv, snapshot, reason)
	default:
		return fmt.Errorf("cannot cancel invocation in status %q", inv.Status)
	}
}

func (c *Controller) cancelQueued(ctx context.Context, inv *cascade.Invocation, reason string) error {
	log := c.logger.With("invocation_id", inv.ID)
	c.beginWork(inv.ID)
	defer c.endWork(inv.ID)

	fence, err := c.claimWithRetry(ctx, inv.ID)
	if err != nil {
		return err
	}
	defer c.release(ctx, inv.ID, fence)

	inv.Error = cascade.NewCanceledError(reason)
	inv.FinishedAt = c.clock.Now().UTC()
	if err := c.store.Update(ctx, inv, fence); err != nil {
		return err
	}
	if err := c.store.Transition(ctx, inv.ID, cascade.StatusCanceled, fence); err != nil {
		return err
	}
	recorder := NewEventRecorder(c.store, inv.ID, c.lastEventSeq(ctx, inv.ID), 1, c.logger)
	recorder.Record(ctx, cascade.EventInvocationCanceled, "", map[string]any{"reason": reason})
	recorder.Flush(ctx)
	log.Info("queued invocation canceled")
	return nil
}

func (c *Controller) cancelSuspended(ctx context.Context, inv *cascade.Invocation, snapshot *cascade.Snapshot, reason string) error {
	log := c.logger.With("invocation_id", inv.ID)
	c.beginWork(inv.ID)
	defer c.endWork(inv.ID)

	if snapshot != nil && snapshot.Subscription != nil {
		if err := c.broker.Cancel(ctx, snapshot.Subscription.ID); err != nil {
			log.Warn("failed to cancel subscription", "error", err)
		}
	}
	fence, err := c.claimWithRetry(ctx, inv.ID)
	if err != nil {
		return err
	}
	defer c.release(ctx, inv.ID, fence)

	// re-check under the claim: a resume may have won the race
	inv, snapshot, err = c.store.Load(ctx, inv.ID)
	if err != nil {
		return err
	}
	if inv.Status != cascade.StatusSuspended {
		return fmt.Errorf("cannot cancel invocation in status %q", inv.Status)
	}
	exec := c.rebuildForSettlement(ctx, inv, snapshot)
	recorder := NewEventRecorder(c.store, inv.ID, c.lastEventSeq(ctx, inv.ID), 1, c.logger)
	defer recorder.Flush(ctx)
	c.settleCanceled(ctx, log, inv, exec, recorder, fence, cascade.NewCanceledError(reason))
	return nil
}

// Resume wakes a suspended invocation without delivering an event. The
// pending wait is re-evaluated from scratch: a retained matching event
// resolves it, otherwise the invocation suspends again on a fresh
// subscription.
func (c *Controller) Resume(ctx context.Context, invocationID string) error {
	log := c.logger.With("invocation_id", invocationID)
	inv, snapshot, err := c.store.Load(ctx, invocationID)
	if err != nil {
		return err
	}
	if inv.Status != cascade.StatusSuspended {
		return fmt.Errorf("cannot resume invocation in status %q", inv.Status)
	}
	if snapshot != nil && snapshot.Subscription != nil {
		if err := c.broker.Cancel(ctx, snapshot.Subscription.ID); err != nil {
			log.Warn("failed to cancel subscription", "error", err)
		}
	}
	fence, err := c.claimWithRetry(ctx, invocationID)
	if err != nil {
		return err
	}
	defer c.release(ctx, invocationID, fence)

	inv, snapshot, err = c.store.Load(ctx, invocationID)
	if err != nil {
		return err
	}
	if inv.Status != cascade.StatusSuspended {
		return fmt.Errorf("cannot resume invocation in status %q", inv.Status)
	}
	if snapshot != nil && snapshot.Subscription != nil {
		snapshot.Subscription = nil
		if err := c.store.SaveSnapshot(ctx, snapshot, fence); err != nil {
			return err
		}
	}
	if err := c.store.Transition(ctx, invocationID, cascade.StatusRunning, fence); err != nil {
		return err
	}
	recorder := NewEventRecorder(c.store, invocationID, c.lastEventSeq(ctx, invocationID), 1, c.logger)
	recorder.Record(ctx, cascade.EventInvocationResumed, "", map[string]any{"manual": true})
	recorder.Flush(ctx)
	c.release(ctx, invocationID, fence)
	log.Info("invocation manually resumed")
	c.launch(invocationID)
	return nil
}

// RetryStrategy selects how much prior progress a retried invocation keeps.
type RetryStrategy string

const (
	// RetryFromStart discards all prior progress.
	RetryFromStart RetryStrategy = "from_start"

	// RetryFromFailure keeps the step ledger, so committed steps return
	// their recorded outputs and execution effectively resumes at the
	// failed step.
	RetryFromFailure RetryStrategy = "from_failure"
)

// Retry creates a fresh invocation from a settled one. The original is left
// untouched; the new invocation carries the original's id as its correlation
// id.
func (c *Controller) Retry(ctx context.Context, invocationID string, strategy RetryStrategy) (*cascade.Invocation, error) {
	orig, snapshot, err := c.store.Load(ctx, invocationID)
	if err != nil {
		return nil, err
	}
	switch orig.Status {
	case cascade.StatusFailed, cascade.StatusCanceled, cascade.StatusDeadLettered:
	default:
		return nil, fmt.Errorf("cannot retry invocation in status %q", orig.Status)
	}
	if strategy == "" {
		strategy = RetryFromFailure
	}
	correlation := orig.CorrelationID
	if correlation == "" {
		correlation = orig.ID
	}
	fresh := &cascade.Invocation{
		ID:                cascade.NewInvocationID(),
		EntrypointID:      orig.EntrypointID,
		EntrypointVersion: orig.EntrypointVersion,
		TenantID:          orig.TenantID,
		Mode:              cascade.ModeAsync,
		Input:             orig.Input,
		Status:            cascade.StatusQueued,
		Attempt:           1,
		CorrelationID:     correlation,
		CreatedAt:         c.clock.Now().UTC(),
	}
	if err := c.store.Create(ctx, fresh); err != nil {
		return nil, fmt.Errorf("failed to create retry invocation: %w", err)
	}
	if strategy == RetryFromFailure && snapshot != nil && len(snapshot.Steps) > 0 {
		fence, err := c.claimWithRetry(ctx, fresh.ID)
		if err != nil {
			return nil, err
		}
		carried := &cascade.Snapshot{
			ID:           cascade.NewSnapshotID(),
			InvocationID: fresh.ID,
			Attempt:      1,
			Steps:        snapshot.Steps,
			CreatedAt:    time.Now().UTC(),
		}
		if err := c.store.SaveSnapshot(ctx, carried, fence); err != nil {
			c.release(ctx, fresh.ID, fence)
			return nil, err
		}
		c.release(ctx, fresh.ID, fence)
	}
	recorder := NewEventRecorder(c.store, fresh.ID, 0, 1, c.logger)
	recorder.Record(ctx, cascade.EventInvocationQueued, "", map[string]any{
		"retry_of": orig.ID, "strategy": string(strategy),
	})
	recorder.Flush(ctx)
	c.logger.Info("invocation retried",
		"invocation_id", fresh.ID, "retry_of", orig.ID, "strategy", strategy)
	c.launch(fresh.ID)
	return fresh, nil
}

// ListRecoverable returns invocations marked running in the store. After a
// crash these are orphans: their executor holds a claim it can no longer use
// once a recovering controller re-claims with a higher fence.
func (c *Controller) ListRecoverable(ctx context.Context) ([]*cascade.Invocation, error) {
	return c.store.ListByStatus(ctx, cascade.StatusRunning, 0)
}

// Recover re-adopts work left behind by a crashed process: running
// invocations are re-executed from their latest snapshots, and suspended
// invocations get their event watches re-established.
func (c *Controller) Recover(ctx context.Context) error {
	running, err := c.ListRecoverable(ctx)
	if err != nil {
		return fmt.Errorf("failed to list running invocations: %w", err)
	}
	for _, inv := range running {
		c.logger.Info("recovering invocation", "invocation_id", inv.ID)
		c.launch(inv.ID)
	}

	suspended, err := c.store.ListByStatus(ctx, cascade.StatusSuspended, 0)
	if err != nil {
		return fmt.Errorf("failed to list suspended invocations: %w", err)
	}
	for _, inv := range suspended {
		if err := c.rewatch(ctx, inv); err != nil {
			c.logger.Error("failed to re-establish event watch",
				"invocation_id", inv.ID, "error", err)
		}
	}
	return nil
}

func (c *Controller) rewatch(ctx context.Context, inv *cascade.Invocation) error {
	_, snapshot, err := c.store.Load(ctx, inv.ID)
	if err != nil {
		return err
	}
	entry, err := c.registry.Get(inv.EntrypointID, inv.EntrypointVersion)
	if err != nil {
		return err
	}
	if snapshot == nil || snapshot.Subscription == nil {
		// suspended without a live wait: wake it and let the program
		// re-evaluate
		return c.Resume(ctx, inv.ID)
	}
	// the broker restarts the subscription timeout from zero on subscribe, so
	// charge the time already spent suspended against the wait's deadline
	if !inv.SuspendedAt.IsZero() {
		if elapsed := c.clock.Now().Sub(inv.SuspendedAt); elapsed > 0 {
			snapshot.Subscription.Timeout -= elapsed
		}
		if snapshot.Subscription.Timeout < time.Second {
			snapshot.Subscription.Timeout = time.Second
		}
	}
	ch, err := c.broker.Subscribe(c.baseCtx, snapshot.Subscription)
	if err != nil {
		return err
	}
	c.watchSuspension(inv.ID, snapshot.Subscription, ch, c.maxSuspension(entry, inv))
	c.logger.Info("re-established event watch",
		"invocation_id", inv.ID, "event_type", snapshot.Subscription.EventType)
	return nil
}
