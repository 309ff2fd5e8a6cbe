package script

import (
	"context"
	"testing"
	"time"

	"github.com/deepnoodle-ai/cascade"
	"github.com/deepnoodle-ai/cascade/engine"
	"github.com/deepnoodle-ai/cascade/store"
	"github.com/stretchr/testify/require"
)

func loadProgram(t *testing.T, source string) cascade.Program {
	t.Helper()
	program, err := NewLoader(nil).Load(context.Background(), source)
	require.NoError(t, err)
	return program
}

func runProgram(t *testing.T, program cascade.Program, input map[string]any, snapshot *cascade.Snapshot) (*engine.Execution, map[string]any, error) {
	t.Helper()
	st := store.NewMemoryStore()
	inv := &cascade.Invocation{
		ID:           cascade.NewInvocationID(),
		EntrypointID: "test",
		Mode:         cascade.ModeSync,
		Status:       cascade.StatusRunning,
		Attempt:      1,
		Input:        input,
		CreatedAt:    time.Now().UTC(),
	}
	require.NoError(t, st.Create(context.Background(), inv))
	exec, err := engine.NewExecution(engine.ExecutionOptions{
		Invocation: inv,
		Snapshot:   snapshot,
		Program:    program,
		Store:      st,
		Timeout:    10 * time.Second,
	})
	require.NoError(t, err)
	output, runErr := exec.Run(context.Background())
	return exec, output, runErr
}

func TestLoaderRejectsSyntaxErrors(t *testing.T) {
	_, err := NewLoader(nil).Load(context.Background(), "func broken( {")
	require.Error(t, err)
	require.Contains(t, err.Error(), "failed to parse program")
}

func TestScriptReadsInputAndReturnsMap(t *testing.T) {
	program := loadProgram(t, `{"greeting": "hello " + input["name"]}`)
	_, output, err := runProgram(t, program, map[string]any{"name": "ada"}, nil)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"greeting": "hello ada"}, output)
}

func TestScriptScalarResultIsWrapped(t *testing.T) {
	program := loadProgram(t, `1 + 2`)
	_, output, err := runProgram(t, program, nil, nil)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"result": int64(3)}, output)
}

func TestScriptStepCommitsAndShortCircuits(t *testing.T) {
	source := `
total := step("add", func(args) {
	return args["a"] + args["b"]
}, {"a": 2, "b": 3})
{"total": total}
`
	program := loadProgram(t, source)
	exec, output, err := runProgram(t, program, nil, nil)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"total": float64(5)}, output)

	records := exec.Ledger()
	require.Len(t, records, 1)
	require.Equal(t, "add", records[0].Name)
	require.Equal(t, cascade.StepSucceeded, records[0].Status)

	// a re-execution seeded with the committed ledger must return the
	// recorded output without running the body again
	_, replayed, err := runProgram(t, program, nil, &cascade.Snapshot{Steps: records})
	require.NoError(t, err)
	require.Equal(t, output, replayed)
}

func TestScriptReplayFromRecordingsIsDeterministic(t *testing.T) {
	source := `
started := now()
pick := random_int(1, 1000)
{"started": string(started), "pick": pick}
`
	program := loadProgram(t, source)
	exec, first, err := runProgram(t, program, nil, nil)
	require.NoError(t, err)
	require.Len(t, exec.Recordings(), 2)

	snapshot := &cascade.Snapshot{Recordings: exec.Recordings()}
	_, second, err := runProgram(t, program, nil, snapshot)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestScriptStepFailurePropagates(t *testing.T) {
	source := `
step("flaky", func(args) {
	return error("downstream unavailable")
}, nil, {"retry": {"max_attempts": 1}})
`
	program := loadProgram(t, source)
	_, _, err := runProgram(t, program, nil, nil)
	require.Error(t, err)
	classified := cascade.AsError(err)
	require.Contains(t, classified.Message, "downstream unavailable")
	require.Equal(t, "flaky", classified.Details["step"])
}

func TestScriptRegistersCompensation(t *testing.T) {
	source := `
compensation("release", func(input, output) { "released" })
step("hold", func(args) {
	return {"hold_id": "h1"}
}, {"sku": "abc"}, {"compensation": "release"})
step("charge", func(args) {
	return error("card declined")
}, nil, {"retry": {"max_attempts": 1}})
`
	program := loadProgram(t, source)
	exec, _, err := runProgram(t, program, nil, nil)
	require.Error(t, err)
	require.True(t, exec.HasCompensations())

	records := exec.Ledger()
	require.Len(t, records, 2)
	require.Equal(t, "hold", records[0].Name)
	require.Equal(t, "release", records[0].Compensation)
	require.Equal(t, cascade.StepFailed, records[1].Status)
}

func TestScriptUnknownOperationHandleFails(t *testing.T) {
	program := loadProgram(t, `await_all([99])`)
	_, _, err := runProgram(t, program, nil, nil)
	require.Error(t, err)
}

func TestScriptAwaitAllSleeps(t *testing.T) {
	source := `
results := await_all([sleep_op(0.001), sleep_op(0.001)])
{"count": len(results)}
`
	program := loadProgram(t, source)
	exec, output, err := runProgram(t, program, nil, nil)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"count": int64(2)}, output)
	require.Len(t, exec.Recordings(), 2)
}
