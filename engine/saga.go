package engine

import (
	"context"
	"fmt"

	"github.com/deepnoodle-ai/cascade"
)

// RegisterCompensation implements cascade.Runtime. Handlers are scoped to
// this execution; nothing survives it except the handler names persisted on
// step records.
func (e *Execution) RegisterCompensation(name string, fn cascade.CompensationFunc) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.compensations[name] = fn
}

func (e *Execution) compensation(name string) cascade.CompensationFunc {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.compensations[name]
}

// HasCompensations reports whether any committed step carries a compensation
// handler name, which is what decides whether a failed or canceled
// invocation enters the compensating state at all.
func (e *Execution) HasCompensations() bool {
	for _, rec := range e.ledger.succeededReverse() {
		if rec.Compensation != "" {
			return true
		}
	}
	return false
}

// Compensate runs compensation for every committed step that names a
// handler, in reverse completion order. Each eligible step is attempted
// exactly once; a handler failure is recorded and the walk continues, so one
// broken handler never blocks the rest of the rollback.
func (e *Execution) Compensate(ctx context.Context) []cascade.CompensationResult {
	var results []cascade.CompensationResult
	for _, rec := range e.ledger.succeededReverse() {
		if rec.Compensation == "" {
			continue
		}
		result := cascade.CompensationResult{
			StepName: rec.Name,
			Handler:  rec.Compensation,
		}
		e.emit(cascade.EventCompensationStarted, rec.Name, map[string]any{
			"handler": rec.Compensation,
		})
		if err := e.compensateStep(ctx, rec); err != nil {
			result.Error = err.Error()
			e.logger.Error("compensation failed",
				"invocation_id", e.inv.ID, "step", rec.Name,
				"handler", rec.Compensation, "error", err)
			e.emit(cascade.EventCompensationFailed, rec.Name, map[string]any{
				"handler": rec.Compensation, "error": err.Error(),
			})
		} else {
			e.emit(cascade.EventCompensationCompleted, rec.Name, map[string]any{
				"handler": rec.Compensation,
			})
		}
		results = append(results, result)
	}
	return results
}

func (e *Execution) compensateStep(ctx context.Context, rec *cascade.StepRecord) (err error) {
	fn := e.compensation(rec.Compensation)
	if fn == nil {
		return fmt.Errorf("compensation handler %q is not registered", rec.Compensation)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("compensation panic: %v", r)
		}
	}()
	return fn(ctx, rec.Input, rec.Output)
}
