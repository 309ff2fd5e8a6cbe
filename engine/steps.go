package engine

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/deepnoodle-ai/cascade"
	"github.com/deepnoodle-ai/cascade/retry"
)

// stepLedger tracks named step records for one invocation. Records for
// succeeded steps are immutable: re-execution reads the recorded output
// instead of re-running the body.
type stepLedger struct {
	mutex          sync.Mutex
	byName         map[string]*cascade.StepRecord
	order          []string
	running        map[string]bool
	nextCompletion int
}

func newStepLedger(steps []*cascade.StepRecord) *stepLedger {
	l := &stepLedger{
		byName:         map[string]*cascade.StepRecord{},
		running:        map[string]bool{},
		nextCompletion: 1,
	}
	for _, rec := range steps {
		l.byName[rec.Name] = rec
		l.order = append(l.order, rec.Name)
		if rec.CompletionIndex >= l.nextCompletion {
			l.nextCompletion = rec.CompletionIndex + 1
		}
	}
	return l
}

func (l *stepLedger) get(name string) *cascade.StepRecord {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return l.byName[name]
}

// begin marks a step as executing. It fails when the same name is already
// executing: two concurrent executions of one step means the program is
// structurally broken, and the error is fatal rather than retryable.
func (l *stepLedger) begin(name string) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	if l.running[name] {
		return cascade.NewProgramError(
			fmt.Sprintf("step %q is already executing", name), false)
	}
	l.running[name] = true
	return nil
}

func (l *stepLedger) end(name string) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	delete(l.running, name)
}

// commit stores a terminal record. Succeeded records get the next completion
// index, which fixes compensation order durably.
func (l *stepLedger) commit(rec *cascade.StepRecord) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	if rec.Status == cascade.StepSucceeded {
		rec.CompletionIndex = l.nextCompletion
		l.nextCompletion++
	}
	if _, exists := l.byName[rec.Name]; !exists {
		l.order = append(l.order, rec.Name)
	}
	l.byName[rec.Name] = rec
}

func (l *stepLedger) records() []*cascade.StepRecord {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	out := make([]*cascade.StepRecord, 0, len(l.order))
	for _, name := range l.order {
		out = append(out, l.byName[name])
	}
	return out
}

// succeededReverse returns succeeded records in reverse completion order, the
// order compensation runs in.
func (l *stepLedger) succeededReverse() []*cascade.StepRecord {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	var out []*cascade.StepRecord
	for _, rec := range l.byName {
		if rec.Status == cascade.StepSucceeded {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CompletionIndex > out[j].CompletionIndex
	})
	return out
}

// RunStep implements cascade.Runtime. A step that already succeeded returns
// its recorded output without re-running; otherwise the body executes with
// per-step retries, and on success the record commits durably and the
// boundary recordings taken inside the step are pruned, since the committed
// record short-circuits any future replay of them.
func (e *Execution) RunStep(name string, fn cascade.StepFunc, input any, opts *cascade.StepOptions) (any, error) {
	if err := e.beforeOp(); err != nil {
		return nil, err
	}
	if opts == nil {
		opts = &cascade.StepOptions{}
	}
	if existing := e.ledger.get(name); existing != nil && existing.Status == cascade.StepSucceeded {
		return existing.Output, nil
	}
	if err := e.ledger.begin(name); err != nil {
		return nil, err
	}
	defer e.ledger.end(name)

	normalizedInput, err := normalizeValue(input)
	if err != nil {
		return nil, cascade.NewProgramError(
			fmt.Sprintf("step %q input is not serializable: %v", name, err), false)
	}
	policy := cascade.DefaultRetryPolicy()
	if opts.Retry != nil {
		policy = *opts.Retry
	}
	startPos := e.boundary.Position()
	record := &cascade.StepRecord{
		Name:         name,
		Input:        normalizedInput,
		Status:       cascade.StepRunning,
		Compensation: opts.Compensation,
		StartedAt:    time.Now().UTC(),
	}
	e.emit(cascade.EventStepStarted, name, nil)

	for {
		record.Attempts++
		output, err := e.runStepBody(fn, normalizedInput)
		if err == nil {
			normalizedOutput, normErr := normalizeValue(output)
			if normErr != nil {
				return nil, cascade.NewProgramError(
					fmt.Sprintf("step %q output is not serializable: %v", name, normErr), false)
			}
			record.Output = normalizedOutput
			record.Status = cascade.StepSucceeded
			record.CompletedAt = time.Now().UTC()
			e.ledger.commit(record)
			e.boundary.TruncateTo(startPos)
			if persistErr := e.commitStep(record); persistErr != nil {
				return nil, persistErr
			}
			e.emit(cascade.EventStepCompleted, name, map[string]any{"attempts": record.Attempts})
			if checkpointErr := e.Checkpoint(); checkpointErr != nil {
				return nil, checkpointErr
			}
			return normalizedOutput, nil
		}

		if passthrough(err) {
			return nil, err
		}
		if policy.ShouldRetry(record.Attempts, err) {
			e.emit(cascade.EventStepRetried, name, map[string]any{
				"attempt": record.Attempts, "error": err.Error(),
			})
			// discard recordings from the failed attempt before re-running
			e.boundary.TruncateTo(startPos)
			if sleepErr := e.clock.Sleep(e.ctx, policy.Backoff(record.Attempts-1)); sleepErr != nil {
				return nil, cascade.NewCanceledError("canceled while waiting to retry step")
			}
			continue
		}

		classified := cascade.AsError(err)
		record.Status = cascade.StepFailed
		record.Error = classified.Error()
		record.CompletedAt = time.Now().UTC()
		e.ledger.commit(record)
		e.boundary.TruncateTo(startPos)
		if persistErr := e.commitStep(record); persistErr != nil {
			return nil, persistErr
		}
		e.emit(cascade.EventStepFailed, name, map[string]any{
			"attempts": record.Attempts, "error": classified.Error(),
		})
		return nil, classified.WithDetail("step", name)
	}
}

func (e *Execution) runStepBody(fn cascade.StepFunc, input any) (output any, err error) {
	defer func() {
		if r := recover(); r != nil {
			output = nil
			err = cascade.NewProgramError(fmt.Sprintf("step panic: %v", r), false)
		}
	}()
	return fn(e.ctx, input)
}

// commitStep persists a terminal step record, with infrastructure-level
// retries since the invocation's own policy does not cover store hiccups.
func (e *Execution) commitStep(record *cascade.StepRecord) error {
	if e.replayOnly {
		return nil
	}
	err := retry.WithRetry(e.ctx, retry.DefaultPolicy(), func() error {
		return e.store.AppendStep(e.ctx, e.inv.ID, record, e.fence)
	})
	if err != nil {
		return cascade.NewInfrastructureError(err)
	}
	return nil
}

func (e *Execution) emit(eventType cascade.InvocationEventType, stepName string, data map[string]any) {
	if e.recorder == nil || e.replayOnly {
		return
	}
	e.recorder.Record(e.ctx, eventType, stepName, data)
}
