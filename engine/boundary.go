package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/deepnoodle-ai/cascade"
)

// CallBoundary mediates every non-deterministic operation a program
// performs. On first execution it runs the real operation and appends the
// result to its recording log; on replay it returns recorded results
// positionally, in the exact order they were first taken. Call-site identity
// is the order-dependent position in the log, never wall-clock or memory
// addresses, so replay order always matches record order.
//
// Recorded results are passed through a JSON round trip at record time, so a
// log rebuilt from a persisted snapshot behaves identically to the in-memory
// one.
type CallBoundary struct {
	log    []*cascade.Recording
	cursor int
	mutex  sync.Mutex
}

// NewCallBoundary creates an empty boundary in live mode.
func NewCallBoundary() *CallBoundary {
	return &CallBoundary{}
}

// Seed loads recordings from a snapshot and puts the boundary in replay mode
// until they are consumed.
func (b *CallBoundary) Seed(recordings []*cascade.Recording) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.log = append([]*cascade.Recording{}, recordings...)
	b.cursor = 0
}

// Replaying reports whether recorded results remain to be consumed.
func (b *CallBoundary) Replaying() bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.cursor < len(b.log)
}

// Position returns the current log position. Step boundaries capture it so
// recordings taken inside a step can be pruned once the step commits.
func (b *CallBoundary) Position() int {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.cursor
}

// TruncateTo discards recordings at and after pos. Called when a step
// commits: the step ledger short-circuits replay of the whole step, so
// recordings taken inside it can never be consumed again.
func (b *CallBoundary) TruncateTo(pos int) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if pos < len(b.log) {
		b.log = b.log[:pos]
	}
	if b.cursor > pos {
		b.cursor = pos
	}
}

// Recordings returns a copy of the full log.
func (b *CallBoundary) Recordings() []*cascade.Recording {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return append([]*cascade.Recording{}, b.log...)
}

// Append adds a recording directly, bypassing execution. The event bridge
// uses it to hand a delivered event (or its timeout) to the next replay.
func (b *CallBoundary) Append(rec *cascade.Recording) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	rec.Sequence = int64(len(b.log) + 1)
	b.log = append(b.log, rec)
}

// Execute runs one operation through the boundary: replayed if a recording
// is available, performed and recorded otherwise.
func (b *CallBoundary) Execute(kind cascade.RecordingKind, fn func() (any, error)) (any, error) {
	b.mutex.Lock()
	if b.cursor < len(b.log) {
		rec := b.log[b.cursor]
		b.cursor++
		b.mutex.Unlock()
		if rec.Kind != kind {
			return nil, cascade.NewReplayDivergenceError(
				fmt.Sprintf("recording %d is %s, program requested %s", rec.Sequence, rec.Kind, kind))
		}
		return rec.Result, rec.Err()
	}
	b.mutex.Unlock()

	result, err := fn()
	rec, recErr := newRecording(kind, result, err)
	if recErr != nil {
		return nil, recErr
	}

	b.mutex.Lock()
	rec.Sequence = int64(len(b.log) + 1)
	b.log = append(b.log, rec)
	b.cursor = len(b.log)
	b.mutex.Unlock()
	return rec.Result, rec.Err()
}

// ExecuteAll resolves multiple operations through the boundary at once. The
// operations run concurrently, but results join in call-site order and are
// recorded in call-site order, so replay is order-stable regardless of
// completion order. All operations settle before any error is returned; the
// first error by call-site order wins.
func (b *CallBoundary) ExecuteAll(ctx context.Context, ops []cascade.AwaitOp) ([]any, error) {
	results := make([]any, len(ops))
	errs := make([]error, len(ops))

	b.mutex.Lock()
	replayed := 0
	for ; replayed < len(ops) && b.cursor < len(b.log); replayed++ {
		rec := b.log[b.cursor]
		b.cursor++
		if rec.Kind != ops[replayed].Kind {
			b.mutex.Unlock()
			return nil, cascade.NewReplayDivergenceError(
				fmt.Sprintf("recording %d is %s, program requested %s", rec.Sequence, rec.Kind, ops[replayed].Kind))
		}
		results[replayed] = rec.Result
		errs[replayed] = rec.Err()
	}
	b.mutex.Unlock()

	if replayed < len(ops) {
		var wg sync.WaitGroup
		live := make([]*cascade.Recording, len(ops)-replayed)
		for i := replayed; i < len(ops); i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				result, err := ops[i].Fn(ctx)
				rec, recErr := newRecording(ops[i].Kind, result, err)
				if recErr != nil {
					rec, _ = newRecording(ops[i].Kind, nil, recErr)
				}
				live[i-replayed] = rec
			}(i)
		}
		wg.Wait()

		b.mutex.Lock()
		for i, rec := range live {
			rec.Sequence = int64(len(b.log) + 1)
			b.log = append(b.log, rec)
			results[replayed+i] = rec.Result
			errs[replayed+i] = rec.Err()
		}
		b.cursor = len(b.log)
		b.mutex.Unlock()
	}

	for _, err := range errs {
		if err != nil {
			return results, err
		}
	}
	return results, nil
}

// newRecording normalizes a result through JSON so live and reloaded logs
// are indistinguishable.
func newRecording(kind cascade.RecordingKind, result any, err error) (*cascade.Recording, error) {
	rec := &cascade.Recording{
		Kind:       kind,
		RecordedAt: time.Now().UTC(),
	}
	if err != nil {
		rec.Failure = cascade.AsError(err)
		return rec, nil
	}
	normalized, normErr := normalizeValue(result)
	if normErr != nil {
		return nil, fmt.Errorf("failed to normalize %s result: %w", kind, normErr)
	}
	rec.Result = normalized
	return rec, nil
}

// normalizeValue round-trips a value through JSON.
func normalizeValue(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
