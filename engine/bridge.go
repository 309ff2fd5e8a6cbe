package engine

import (
	"context"
	"time"

	"github.com/deepnoodle-ai/cascade"
	"github.com/deepnoodle-ai/cascade/retry"
)

// watchSuspension parks a goroutine on a suspended invocation's delivery
// channel. Exactly one of three things resumes or ends the wait: the broker
// delivers (an event or its timeout), the suspension bound expires, or the
// controller shuts down, in which case the suspension stays durable for a
// later Recover.
func (c *Controller) watchSuspension(invocationID string, sub *cascade.EventSubscription, delivery <-chan cascade.EventDelivery, maxSuspension time.Duration) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		timer := time.NewTimer(maxSuspension)
		defer timer.Stop()
		select {
		case d, ok := <-delivery:
			if !ok {
				// subscription canceled elsewhere (explicit resume or cancel)
				return
			}
			c.resumeWithDelivery(invocationID, d)
		case <-timer.C:
			c.expireSuspension(invocationID, sub)
		case <-c.baseCtx.Done():
		}
	}()
}

// resumeWithDelivery hands a broker delivery to a suspended invocation: the
// delivery is appended to the stored snapshot as an event recording, the
// invocation transitions back to running, and a fresh execution replays to
// the wait point where the recording now resolves it.
func (c *Controller) resumeWithDelivery(invocationID string, delivery cascade.EventDelivery) {
	ctx := c.baseCtx
	log := c.logger.With("invocation_id", invocationID)
	c.beginWork(invocationID)
	defer c.endWork(invocationID)

	fence, err := c.claimWithRetry(ctx, invocationID)
	if err != nil {
		log.Error("failed to claim invocation for resume", "error", err)
		return
	}
	defer c.release(ctx, invocationID, fence)

	inv, snapshot, err := c.store.Load(ctx, invocationID)
	if err != nil {
		log.Error("failed to load invocation for resume", "error", err)
		return
	}
	if inv.Status != cascade.StatusSuspended || snapshot == nil || snapshot.Subscription == nil {
		log.Warn("invocation is no longer waiting", "status", inv.Status)
		return
	}

	var rec *cascade.Recording
	if delivery.TimedOut {
		rec, _ = newRecording(cascade.RecordingEvent, nil,
			cascade.NewEventTimeoutError(snapshot.Subscription.EventType))
	} else {
		rec, err = newRecording(cascade.RecordingEvent, delivery.Event, nil)
		if err != nil {
			log.Error("failed to record event delivery", "error", err)
			return
		}
	}
	rec.Sequence = int64(len(snapshot.Recordings) + 1)
	snapshot.Recordings = append(snapshot.Recordings, rec)
	snapshot.ResumeMarker = int64(len(snapshot.Recordings))
	snapshot.Subscription = nil

	recorder := NewEventRecorder(c.store, invocationID,
		c.lastEventSeq(ctx, invocationID), 1, c.logger)
	data := map[string]any{"timed_out": delivery.TimedOut}
	if delivery.Event != nil {
		data["event_id"] = delivery.Event.ID
		data["event_type"] = delivery.Event.Type
	}
	recorder.Record(ctx, cascade.EventInvocationResumed, "", data)
	snapshot.LastEventSeq = recorder.Seq()

	if err := c.store.SaveSnapshot(ctx, snapshot, fence); err != nil {
		log.Error("failed to save resume snapshot", "error", err)
		return
	}
	if err := c.store.Transition(ctx, invocationID, cascade.StatusRunning, fence); err != nil {
		log.Error("failed to transition to running", "error", err)
		return
	}
	c.release(ctx, invocationID, fence)
	log.Info("invocation resumed", "timed_out", delivery.TimedOut)
	c.launch(invocationID)
}

// expireSuspension fails an invocation that stayed suspended past its bound.
func (c *Controller) expireSuspension(invocationID string, sub *cascade.EventSubscription) {
	ctx := c.baseCtx
	log := c.logger.With("invocation_id", invocationID)
	c.beginWork(invocationID)
	defer c.endWork(invocationID)

	if err := c.broker.Cancel(ctx, sub.ID); err != nil {
		log.Warn("failed to cancel subscription", "error", err)
	}
	fence, err := c.claimWithRetry(ctx, invocationID)
	if err != nil {
		log.Error("failed to claim invocation", "error", err)
		return
	}
	defer c.release(ctx, invocationID, fence)

	inv, snapshot, err := c.store.Load(ctx, invocationID)
	if err != nil {
		log.Error("failed to load invocation", "error", err)
		return
	}
	if inv.Status != cascade.StatusSuspended {
		return
	}
	exec := c.rebuildForSettlement(ctx, inv, snapshot)
	recorder := NewEventRecorder(c.store, invocationID,
		c.lastEventSeq(ctx, invocationID), 1, c.logger)
	defer recorder.Flush(ctx)
	c.settleFailed(ctx, log, inv, recorder, fence,
		cascade.NewResourceLimitError("invocation exceeded its maximum suspension time"), exec)
}

// rebuildForSettlement replays an invocation's snapshot without performing
// live operations, to reconstruct in-memory state (the compensation handler
// registry) for an invocation that will not run further. Errors are expected
// here: replay stops exactly where live execution would resume.
func (c *Controller) rebuildForSettlement(ctx context.Context, inv *cascade.Invocation, snapshot *cascade.Snapshot) *Execution {
	entry, err := c.registry.Get(inv.EntrypointID, inv.EntrypointVersion)
	if err != nil {
		return nil
	}
	program, err := c.resolveProgram(ctx, entry)
	if err != nil {
		return nil
	}
	exec, err := NewExecution(ExecutionOptions{
		Invocation: inv,
		Snapshot:   snapshot,
		Program:    program,
		Store:      c.store,
		Broker:     c.broker,
		Clock:      c.clock,
		Random:     c.random,
		Caller:     c.caller,
		Logger:     c.logger,
		ReplayOnly: true,
	})
	if err != nil {
		return nil
	}
	_, _ = exec.Run(ctx)
	return exec
}

func (c *Controller) claimWithRetry(ctx context.Context, invocationID string) (int64, error) {
	var fence int64
	err := retry.WithRetry(ctx, retry.DefaultPolicy(), func() error {
		var claimErr error
		fence, claimErr = c.store.Claim(ctx, invocationID, c.executorID)
		return claimErr
	})
	return fence, err
}

func (c *Controller) release(ctx context.Context, invocationID string, fence int64) {
	if err := c.store.Release(ctx, invocationID, fence); err != nil {
		c.logger.Warn("failed to release claim",
			"invocation_id", invocationID, "error", err)
	}
}
