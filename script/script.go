// Package script loads entrypoint programs written in Risor. The runtime is
// exposed to scripts as builtin functions (now, random, sleep, call, step,
// await_event, and friends), so every non-deterministic operation a script
// performs flows through the recording call boundary. Scripts are
// deterministic by convention: anything outside those builtins must not vary
// between runs.
package script

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/deepnoodle-ai/cascade"
	"github.com/deepnoodle-ai/cascade/slogger"
	"github.com/risor-io/risor"
	"github.com/risor-io/risor/object"
	"github.com/risor-io/risor/parser"
)

// Loader implements cascade.ProgramLoader for Risor source.
type Loader struct {
	logger slogger.Logger
}

// NewLoader creates a Loader.
func NewLoader(logger slogger.Logger) *Loader {
	if logger == nil {
		logger = slogger.DefaultLogger
	}
	return &Loader{logger: logger}
}

// Load validates the source and returns an executable program. Parse errors
// surface at load time, not first invocation.
func (l *Loader) Load(ctx context.Context, source string) (cascade.Program, error) {
	if _, err := parser.Parse(ctx, source); err != nil {
		return nil, fmt.Errorf("failed to parse program: %w", err)
	}
	return &Program{source: source, logger: l.logger}, nil
}

// Program is a loaded Risor script.
type Program struct {
	source string
	logger slogger.Logger
}

// runState carries per-run bookkeeping. Typed engine errors (suspension
// signals in particular) cannot travel through the interpreter's error
// values, so builtins stash them here and Run restores the stashed error
// when evaluation fails.
type runState struct {
	rt cascade.Runtime

	mutex   sync.Mutex
	stashed error
	ops     []cascade.AwaitOp
}

func (s *runState) stash(err error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.stashed == nil {
		s.stashed = err
	}
}

func (s *runState) addOp(op cascade.AwaitOp) int64 {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.ops = append(s.ops, op)
	return int64(len(s.ops) - 1)
}

func (s *runState) op(handle int64) (cascade.AwaitOp, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if handle < 0 || handle >= int64(len(s.ops)) {
		return cascade.AwaitOp{}, false
	}
	return s.ops[handle], true
}

// Run implements cascade.Program.
func (p *Program) Run(ctx context.Context, rt cascade.Runtime, input map[string]any) (map[string]any, error) {
	state := &runState{rt: rt}
	globals := map[string]any{"input": input}
	for name, builtin := range state.builtins() {
		globals[name] = builtin
	}
	result, err := risor.Eval(ctx, p.source, risor.WithGlobals(globals))
	if err != nil {
		if state.stashed != nil {
			return nil, state.stashed
		}
		return nil, cascade.NewProgramError(err.Error(), true)
	}
	return convertResult(result)
}

// fail stashes the underlying error and converts it for the interpreter.
func (s *runState) fail(err error) object.Object {
	s.stash(err)
	return object.NewError(err)
}

func (s *runState) builtins() map[string]*object.Builtin {
	return map[string]*object.Builtin{
		"now": object.NewBuiltin("now", func(ctx context.Context, args ...object.Object) object.Object {
			if len(args) != 0 {
				return object.TypeErrorf("type error: now() takes no arguments")
			}
			t, err := s.rt.Now()
			if err != nil {
				return s.fail(err)
			}
			return object.NewTime(t)
		}),
		"random": object.NewBuiltin("random", func(ctx context.Context, args ...object.Object) object.Object {
			if len(args) != 0 {
				return object.TypeErrorf("type error: random() takes no arguments")
			}
			f, err := s.rt.Random()
			if err != nil {
				return s.fail(err)
			}
			return object.NewFloat(f)
		}),
		"random_int": object.NewBuiltin("random_int", func(ctx context.Context, args ...object.Object) object.Object {
			if len(args) != 2 {
				return object.TypeErrorf("type error: random_int() takes exactly 2 arguments")
			}
			min, errObj := object.AsInt(args[0])
			if errObj != nil {
				return errObj
			}
			max, errObj := object.AsInt(args[1])
			if errObj != nil {
				return errObj
			}
			v, err := s.rt.RandomInt(min, max)
			if err != nil {
				return s.fail(err)
			}
			return object.NewInt(v)
		}),
		"sleep": object.NewBuiltin("sleep", func(ctx context.Context, args ...object.Object) object.Object {
			if len(args) != 1 {
				return object.TypeErrorf("type error: sleep() takes exactly 1 argument")
			}
			seconds, errObj := object.AsFloat(args[0])
			if errObj != nil {
				return errObj
			}
			if err := s.rt.Sleep(secondsToDuration(seconds)); err != nil {
				return s.fail(err)
			}
			return object.Nil
		}),
		"call":            s.callBuiltin(),
		"step":            s.stepBuiltin(),
		"compensation":    s.compensationBuiltin(),
		"await_event":     s.awaitEventBuiltin(),
		"await_all":       s.awaitAllBuiltin(),
		"call_op":         s.callOpBuiltin(),
		"sleep_op":        s.sleepOpBuiltin(),
		"event_op":        s.eventOpBuiltin(),
		"checkpoint": object.NewBuiltin("checkpoint", func(ctx context.Context, args ...object.Object) object.Object {
			if err := s.rt.Checkpoint(); err != nil {
				return s.fail(err)
			}
			return object.Nil
		}),
		"canceled": object.NewBuiltin("canceled", func(ctx context.Context, args ...object.Object) object.Object {
			return object.NewBool(s.rt.Canceled())
		}),
	}
}

func (s *runState) callBuiltin() *object.Builtin {
	return object.NewBuiltin("call", func(ctx context.Context, args ...object.Object) object.Object {
		if len(args) != 1 {
			return object.TypeErrorf("type error: call() takes exactly 1 argument")
		}
		req, errObj := outboundRequest(args[0])
		if errObj != nil {
			return errObj
		}
		resp, err := s.rt.Call(req)
		if err != nil {
			return s.fail(err)
		}
		return toObject(map[string]any{
			"status_code": int64(resp.StatusCode),
			"headers":     stringMapToAny(resp.Headers),
			"body":        string(resp.Body),
		})
	})
}

func (s *runState) stepBuiltin() *object.Builtin {
	return object.NewBuiltin("step", func(ctx context.Context, args ...object.Object) object.Object {
		if len(args) < 2 || len(args) > 4 {
			return object.TypeErrorf("type error: step() takes 2 to 4 arguments")
		}
		name, errObj := object.AsString(args[0])
		if errObj != nil {
			return errObj
		}
		fn, ok := args[1].(*object.Function)
		if !ok {
			return object.TypeErrorf("type error: step() second argument must be a function")
		}
		callFunc, found := object.GetCallFunc(ctx)
		if !found {
			return object.EvalErrorf("eval error: step() context has no call function")
		}
		var input any
		if len(args) >= 3 {
			value, err := convertObject(args[2])
			if err != nil {
				return object.NewError(err)
			}
			input = value
		}
		var opts *cascade.StepOptions
		if len(args) == 4 {
			parsed, err := stepOptions(args[3])
			if err != nil {
				return object.NewError(err)
			}
			opts = parsed
		}
		output, err := s.rt.RunStep(name, func(ctx context.Context, in any) (any, error) {
			result, callErr := callFunc(ctx, fn, []object.Object{toObject(in)})
			if callErr != nil {
				return nil, callErr
			}
			if errValue, isErr := result.(*object.Error); isErr {
				return nil, errValue.Value()
			}
			return convertObject(result)
		}, input, opts)
		if err != nil {
			return s.fail(err)
		}
		return toObject(output)
	})
}

func (s *runState) compensationBuiltin() *object.Builtin {
	return object.NewBuiltin("compensation", func(ctx context.Context, args ...object.Object) object.Object {
		if len(args) != 2 {
			return object.TypeErrorf("type error: compensation() takes exactly 2 arguments")
		}
		name, errObj := object.AsString(args[0])
		if errObj != nil {
			return errObj
		}
		fn, ok := args[1].(*object.Function)
		if !ok {
			return object.TypeErrorf("type error: compensation() second argument must be a function")
		}
		callFunc, found := object.GetCallFunc(ctx)
		if !found {
			return object.EvalErrorf("eval error: compensation() context has no call function")
		}
		s.rt.RegisterCompensation(name, func(ctx context.Context, input, output any) error {
			result, err := callFunc(ctx, fn, []object.Object{
				toObject(input), toObject(output),
			})
			if err != nil {
				return err
			}
			if errValue, isErr := result.(*object.Error); isErr {
				return errValue.Value()
			}
			return nil
		})
		return object.Nil
	})
}

func (s *runState) awaitEventBuiltin() *object.Builtin {
	return object.NewBuiltin("await_event", func(ctx context.Context, args ...object.Object) object.Object {
		if len(args) < 2 || len(args) > 3 {
			return object.TypeErrorf("type error: await_event() takes 2 or 3 arguments")
		}
		eventType, errObj := object.AsString(args[0])
		if errObj != nil {
			return errObj
		}
		seconds, errObj := object.AsFloat(args[1])
		if errObj != nil {
			return errObj
		}
		var filter string
		if len(args) == 3 {
			filter, errObj = object.AsString(args[2])
			if errObj != nil {
				return errObj
			}
		}
		event, err := s.rt.AwaitEvent(eventType, filter, secondsToDuration(seconds))
		if err != nil {
			return s.fail(err)
		}
		return eventToObject(event)
	})
}

func (s *runState) awaitAllBuiltin() *object.Builtin {
	return object.NewBuiltin("await_all", func(ctx context.Context, args ...object.Object) object.Object {
		if len(args) != 1 {
			return object.TypeErrorf("type error: await_all() takes exactly 1 argument")
		}
		list, ok := args[0].(*object.List)
		if !ok {
			return object.TypeErrorf("type error: await_all() argument must be a list of operations")
		}
		var ops []cascade.AwaitOp
		for _, item := range list.Value() {
			handle, errObj := object.AsInt(item)
			if errObj != nil {
				return errObj
			}
			op, found := s.op(handle)
			if !found {
				return object.EvalErrorf("eval error: await_all() received an unknown operation")
			}
			ops = append(ops, op)
		}
		results, err := s.rt.AwaitAll(ops)
		if err != nil {
			return s.fail(err)
		}
		return toObject(results)
	})
}

func (s *runState) callOpBuiltin() *object.Builtin {
	return object.NewBuiltin("call_op", func(ctx context.Context, args ...object.Object) object.Object {
		if len(args) != 1 {
			return object.TypeErrorf("type error: call_op() takes exactly 1 argument")
		}
		req, errObj := outboundRequest(args[0])
		if errObj != nil {
			return errObj
		}
		return object.NewInt(s.addOp(s.rt.CallOp(req)))
	})
}

func (s *runState) sleepOpBuiltin() *object.Builtin {
	return object.NewBuiltin("sleep_op", func(ctx context.Context, args ...object.Object) object.Object {
		if len(args) != 1 {
			return object.TypeErrorf("type error: sleep_op() takes exactly 1 argument")
		}
		seconds, errObj := object.AsFloat(args[0])
		if errObj != nil {
			return errObj
		}
		return object.NewInt(s.addOp(s.rt.SleepOp(secondsToDuration(seconds))))
	})
}

func (s *runState) eventOpBuiltin() *object.Builtin {
	return object.NewBuiltin("event_op", func(ctx context.Context, args ...object.Object) object.Object {
		if len(args) < 2 || len(args) > 3 {
			return object.TypeErrorf("type error: event_op() takes 2 or 3 arguments")
		}
		eventType, errObj := object.AsString(args[0])
		if errObj != nil {
			return errObj
		}
		seconds, errObj := object.AsFloat(args[1])
		if errObj != nil {
			return errObj
		}
		var filter string
		if len(args) == 3 {
			filter, errObj = object.AsString(args[2])
			if errObj != nil {
				return errObj
			}
		}
		return object.NewInt(s.addOp(s.rt.EventOp(eventType, filter, secondsToDuration(seconds))))
	})
}

func secondsToDuration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}
