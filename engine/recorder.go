package engine

import (
	"context"
	"sync"
	"time"

	"github.com/deepnoodle-ai/cascade"
	"github.com/deepnoodle-ai/cascade/slogger"
)

// EventRecorder appends timeline events for one invocation with a strictly
// increasing sequence. Events are buffered and flushed in batches; a write
// failure is logged and dropped rather than failing the invocation, since
// the timeline is observability, not execution state.
type EventRecorder struct {
	store        cascade.InvocationStore
	invocationID string
	logger       slogger.Logger
	batchSize    int

	mutex  sync.Mutex
	seq    int64
	buffer []*cascade.InvocationEvent
}

// NewEventRecorder creates a recorder starting after lastSeq.
func NewEventRecorder(store cascade.InvocationStore, invocationID string, lastSeq int64, batchSize int, logger slogger.Logger) *EventRecorder {
	if batchSize <= 0 {
		batchSize = 10
	}
	if logger == nil {
		logger = slogger.DefaultLogger
	}
	return &EventRecorder{
		store:        store,
		invocationID: invocationID,
		logger:       logger,
		batchSize:    batchSize,
		seq:          lastSeq,
	}
}

// Seq returns the sequence of the most recently recorded event.
func (r *EventRecorder) Seq() int64 {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.seq
}

// Record buffers one timeline event.
func (r *EventRecorder) Record(ctx context.Context, eventType cascade.InvocationEventType, stepName string, data map[string]any) {
	r.mutex.Lock()
	r.seq++
	r.buffer = append(r.buffer, &cascade.InvocationEvent{
		ID:           cascade.NewEventID(),
		InvocationID: r.invocationID,
		Sequence:     r.seq,
		Timestamp:    time.Now().UTC(),
		EventType:    eventType,
		StepName:     stepName,
		Data:         data,
	})
	flush := len(r.buffer) >= r.batchSize
	r.mutex.Unlock()
	if flush {
		r.Flush(ctx)
	}
}

// Flush writes all buffered events.
func (r *EventRecorder) Flush(ctx context.Context) {
	r.mutex.Lock()
	pending := r.buffer
	r.buffer = nil
	r.mutex.Unlock()
	if len(pending) == 0 {
		return
	}
	if err := r.store.AppendEvents(ctx, pending); err != nil {
		r.logger.Warn("failed to append timeline events",
			"invocation_id", r.invocationID, "count", len(pending), "error", err)
	}
}
