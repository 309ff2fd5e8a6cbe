package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/deepnoodle-ai/cascade"
)

// Now implements cascade.Runtime. The instant is recorded as an RFC 3339
// string so the replayed value is byte-identical to the persisted one.
func (e *Execution) Now() (time.Time, error) {
	if err := e.beforeOp(); err != nil {
		return time.Time{}, err
	}
	result, err := e.boundary.Execute(cascade.RecordingTime, func() (any, error) {
		return e.clock.Now().UTC().Format(time.RFC3339Nano), nil
	})
	if err != nil {
		return time.Time{}, err
	}
	s, ok := result.(string)
	if !ok {
		return time.Time{}, cascade.NewReplayDivergenceError(
			fmt.Sprintf("time recording holds %T, expected string", result))
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, cascade.NewReplayDivergenceError(
			fmt.Sprintf("time recording %q is not RFC 3339", s))
	}
	return t, nil
}

// Random implements cascade.Runtime.
func (e *Execution) Random() (float64, error) {
	if err := e.beforeOp(); err != nil {
		return 0, err
	}
	result, err := e.boundary.Execute(cascade.RecordingRandom, func() (any, error) {
		return e.random.Float64()
	})
	if err != nil {
		return 0, err
	}
	f, ok := result.(float64)
	if !ok {
		return 0, cascade.NewReplayDivergenceError(
			fmt.Sprintf("random recording holds %T, expected float64", result))
	}
	return f, nil
}

// RandomInt implements cascade.Runtime, returning a value in [min, max).
func (e *Execution) RandomInt(min, max int64) (int64, error) {
	if max <= min {
		return 0, cascade.NewProgramError(
			fmt.Sprintf("random range [%d, %d) is empty", min, max), false)
	}
	if err := e.beforeOp(); err != nil {
		return 0, err
	}
	result, err := e.boundary.Execute(cascade.RecordingRandom, func() (any, error) {
		v, err := e.random.Int63n(max - min)
		if err != nil {
			return nil, err
		}
		return min + v, nil
	})
	if err != nil {
		return 0, err
	}
	// JSON normalization stores integers as float64
	switch v := result.(type) {
	case float64:
		return int64(v), nil
	case int64:
		return v, nil
	default:
		return 0, cascade.NewReplayDivergenceError(
			fmt.Sprintf("random recording holds %T, expected number", result))
	}
}

// Sleep implements cascade.Runtime. The pause happens once; replay skips it.
func (e *Execution) Sleep(d time.Duration) error {
	if err := e.beforeOp(); err != nil {
		return err
	}
	_, err := e.boundary.Execute(cascade.RecordingSleep, func() (any, error) {
		return nil, e.clock.Sleep(e.ctx, d)
	})
	return err
}

// Call implements cascade.Runtime.
func (e *Execution) Call(req *cascade.OutboundRequest) (*cascade.OutboundResponse, error) {
	if err := e.beforeOp(); err != nil {
		return nil, err
	}
	result, err := e.boundary.Execute(cascade.RecordingCall, func() (any, error) {
		return e.performCall(e.ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return decodeRecorded[cascade.OutboundResponse](result)
}

func (e *Execution) performCall(ctx context.Context, req *cascade.OutboundRequest) (*cascade.OutboundResponse, error) {
	if e.caller == nil {
		return nil, cascade.NewProgramError("no outbound caller configured", false)
	}
	return e.caller.Call(ctx, req)
}

// AwaitEvent implements cascade.Runtime. On replay the recorded delivery (or
// its timeout) is returned. Live, an immediately available event resolves the
// wait in place; otherwise the execution unwinds with a SuspendSignal and the
// invocation suspends durably.
func (e *Execution) AwaitEvent(eventType, filter string, timeout time.Duration) (*cascade.Event, error) {
	if err := e.beforeOp(); err != nil {
		return nil, err
	}
	if e.boundary.Replaying() {
		result, err := e.boundary.Execute(cascade.RecordingEvent, func() (any, error) {
			return nil, cascade.NewReplayDivergenceError("event wait reached live execution during replay")
		})
		if err != nil {
			return nil, err
		}
		return decodeRecorded[cascade.Event](result)
	}
	if e.broker == nil {
		return nil, cascade.NewProgramError("no event broker configured", false)
	}
	sub := &cascade.EventSubscription{
		ID:           cascade.NewSubscriptionID(),
		InvocationID: e.inv.ID,
		EventType:    eventType,
		Filter:       filter,
		Timeout:      timeout,
		CreatedAt:    e.clock.Now().UTC(),
	}
	ch, err := e.broker.Subscribe(e.ctx, sub)
	if err != nil {
		return nil, cascade.NewInfrastructureError(err)
	}
	select {
	case delivery := <-ch:
		return e.recordDelivery(eventType, delivery)
	default:
	}
	return nil, &SuspendSignal{Subscription: sub, Delivery: ch}
}

func (e *Execution) recordDelivery(eventType string, delivery cascade.EventDelivery) (*cascade.Event, error) {
	result, err := e.boundary.Execute(cascade.RecordingEvent, func() (any, error) {
		if delivery.TimedOut {
			return nil, cascade.NewEventTimeoutError(eventType)
		}
		return delivery.Event, nil
	})
	if err != nil {
		return nil, err
	}
	return decodeRecorded[cascade.Event](result)
}

// AwaitAll implements cascade.Runtime.
func (e *Execution) AwaitAll(ops []cascade.AwaitOp) ([]any, error) {
	if err := e.beforeOp(); err != nil {
		return nil, err
	}
	return e.boundary.ExecuteAll(e.ctx, ops)
}

// CallOp implements cascade.Runtime.
func (e *Execution) CallOp(req *cascade.OutboundRequest) cascade.AwaitOp {
	return cascade.AwaitOp{
		Kind: cascade.RecordingCall,
		Fn: func(ctx context.Context) (any, error) {
			return e.performCall(ctx, req)
		},
	}
}

// SleepOp implements cascade.Runtime.
func (e *Execution) SleepOp(d time.Duration) cascade.AwaitOp {
	return cascade.AwaitOp{
		Kind: cascade.RecordingSleep,
		Fn: func(ctx context.Context) (any, error) {
			return nil, e.clock.Sleep(ctx, d)
		},
	}
}

// EventOp implements cascade.Runtime. The wait resolves in-process: inside a
// parallel combinator there is no single suspension point to snapshot, so the
// invocation stays running and the wait settles with the event or a timeout.
func (e *Execution) EventOp(eventType, filter string, timeout time.Duration) cascade.AwaitOp {
	return cascade.AwaitOp{
		Kind: cascade.RecordingEvent,
		Fn: func(ctx context.Context) (any, error) {
			if e.broker == nil {
				return nil, cascade.NewProgramError("no event broker configured", false)
			}
			sub := &cascade.EventSubscription{
				ID:           cascade.NewSubscriptionID(),
				InvocationID: e.inv.ID,
				EventType:    eventType,
				Filter:       filter,
				Timeout:      timeout,
				CreatedAt:    e.clock.Now().UTC(),
			}
			ch, err := e.broker.Subscribe(ctx, sub)
			if err != nil {
				return nil, cascade.NewInfrastructureError(err)
			}
			select {
			case delivery := <-ch:
				if delivery.TimedOut {
					return nil, cascade.NewEventTimeoutError(eventType)
				}
				return delivery.Event, nil
			case <-ctx.Done():
				_ = e.broker.Cancel(context.WithoutCancel(ctx), sub.ID)
				return nil, ctx.Err()
			}
		},
	}
}

// Checkpoint implements cascade.Runtime, persisting a snapshot of the current
// execution state.
func (e *Execution) Checkpoint() error {
	if e.replayOnly {
		return nil
	}
	snapshot := e.BuildSnapshot(nil)
	if err := e.store.SaveSnapshot(e.ctx, snapshot, e.fence); err != nil {
		return cascade.NewInfrastructureError(err)
	}
	e.inv.SnapshotID = snapshot.ID
	if e.recorder != nil {
		e.recorder.Record(e.ctx, cascade.EventSnapshotSaved, "", map[string]any{
			"snapshot_id": snapshot.ID,
		})
	}
	return nil
}

// BuildSnapshot captures the execution's durable state. A non-nil
// subscription marks the snapshot as suspended on an event wait.
func (e *Execution) BuildSnapshot(sub *cascade.EventSubscription) *cascade.Snapshot {
	recordings := e.boundary.Recordings()
	snapshot := &cascade.Snapshot{
		ID:           cascade.NewSnapshotID(),
		InvocationID: e.inv.ID,
		Attempt:      e.inv.Attempt,
		Steps:        e.ledger.records(),
		Recordings:   recordings,
		ResumeMarker: int64(len(recordings)),
		Subscription: sub,
		CreatedAt:    time.Now().UTC(),
	}
	if e.recorder != nil {
		snapshot.LastEventSeq = e.recorder.Seq()
	}
	return snapshot
}

// decodeRecorded converts a JSON-normalized recording result back into its
// typed form.
func decodeRecorded[T any](v any) (*T, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, cascade.NewReplayDivergenceError(
			fmt.Sprintf("recording is not decodable: %v", err))
	}
	out := new(T)
	if err := json.Unmarshal(data, out); err != nil {
		return nil, cascade.NewReplayDivergenceError(
			fmt.Sprintf("recording does not match expected shape: %v", err))
	}
	return out, nil
}
