package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/deepnoodle-ai/cascade"
	"github.com/stretchr/testify/require"
)

func TestCallBoundaryRecordAndReplay(t *testing.T) {
	b := NewCallBoundary()

	calls := 0
	op := func() (any, error) {
		calls++
		return map[string]any{"value": calls}, nil
	}
	first, err := b.Execute(cascade.RecordingCall, op)
	require.NoError(t, err)
	second, err := b.Execute(cascade.RecordingCall, op)
	require.NoError(t, err)
	require.Equal(t, 2, calls)
	require.NotEqual(t, first, second)

	// replay against the recordings: the operation must not run again
	replayed := NewCallBoundary()
	replayed.Seed(b.Recordings())
	require.True(t, replayed.Replaying())

	got, err := replayed.Execute(cascade.RecordingCall, op)
	require.NoError(t, err)
	require.Equal(t, first, got)
	got, err = replayed.Execute(cascade.RecordingCall, op)
	require.NoError(t, err)
	require.Equal(t, second, got)
	require.Equal(t, 2, calls)
	require.False(t, replayed.Replaying())

	// the log is exhausted, so the next operation goes live
	got, err = replayed.Execute(cascade.RecordingCall, op)
	require.NoError(t, err)
	require.Equal(t, 3, calls)
	require.Equal(t, map[string]any{"value": float64(3)}, got)
}

func TestCallBoundaryRecordsFailures(t *testing.T) {
	b := NewCallBoundary()
	_, err := b.Execute(cascade.RecordingCall, func() (any, error) {
		return nil, cascade.NewProgramError("boom", false)
	})
	require.Error(t, err)

	replayed := NewCallBoundary()
	replayed.Seed(b.Recordings())
	_, err = replayed.Execute(cascade.RecordingCall, func() (any, error) {
		t.Fatal("replay must not re-run the operation")
		return nil, nil
	})
	require.Error(t, err)
	var structured *cascade.Error
	require.True(t, errors.As(err, &structured))
	require.Equal(t, cascade.ErrCodeProgram, structured.Code)
	require.Equal(t, "boom", structured.Message)
	require.False(t, structured.Retryable)
}

func TestCallBoundaryKindMismatchIsDivergence(t *testing.T) {
	b := NewCallBoundary()
	_, err := b.Execute(cascade.RecordingTime, func() (any, error) {
		return "2026-01-02T03:04:05Z", nil
	})
	require.NoError(t, err)

	replayed := NewCallBoundary()
	replayed.Seed(b.Recordings())
	_, err = replayed.Execute(cascade.RecordingRandom, func() (any, error) {
		return 0.5, nil
	})
	require.Error(t, err)
	require.Equal(t, cascade.ErrCodeReplayDivergence, cascade.CodeOf(err))
	require.False(t, cascade.IsRetryable(err))
}

func TestCallBoundaryTruncateTo(t *testing.T) {
	b := NewCallBoundary()
	for i := 0; i < 3; i++ {
		_, err := b.Execute(cascade.RecordingRandom, func() (any, error) {
			return float64(i), nil
		})
		require.NoError(t, err)
	}
	require.Equal(t, 3, b.Position())

	b.TruncateTo(1)
	recs := b.Recordings()
	require.Len(t, recs, 1)
	require.Equal(t, 1, b.Position())
	require.Equal(t, float64(0), recs[0].Result)
}

func TestCallBoundaryExecuteAllJoinsInCallSiteOrder(t *testing.T) {
	b := NewCallBoundary()
	release := make(chan struct{})
	ops := []cascade.AwaitOp{
		{Kind: cascade.RecordingCall, Fn: func(ctx context.Context) (any, error) {
			// finishes last even though it is first at the call site
			<-release
			return "first", nil
		}},
		{Kind: cascade.RecordingCall, Fn: func(ctx context.Context) (any, error) {
			close(release)
			return "second", nil
		}},
	}
	results, err := b.ExecuteAll(context.Background(), ops)
	require.NoError(t, err)
	require.Equal(t, []any{"first", "second"}, results)

	recs := b.Recordings()
	require.Len(t, recs, 2)
	require.Equal(t, "first", recs[0].Result)
	require.Equal(t, "second", recs[1].Result)

	// replay preserves the join order
	replayed := NewCallBoundary()
	replayed.Seed(recs)
	results, err = replayed.ExecuteAll(context.Background(), []cascade.AwaitOp{
		{Kind: cascade.RecordingCall, Fn: func(ctx context.Context) (any, error) {
			t.Fatal("replay must not re-run operations")
			return nil, nil
		}},
		{Kind: cascade.RecordingCall, Fn: func(ctx context.Context) (any, error) {
			t.Fatal("replay must not re-run operations")
			return nil, nil
		}},
	})
	require.NoError(t, err)
	require.Equal(t, []any{"first", "second"}, results)
}

func TestCallBoundaryExecuteAllSettlesEverythingBeforeFailing(t *testing.T) {
	b := NewCallBoundary()
	settled := make(chan string, 2)
	ops := []cascade.AwaitOp{
		{Kind: cascade.RecordingCall, Fn: func(ctx context.Context) (any, error) {
			settled <- "a"
			return nil, cascade.NewProgramError("a failed", false)
		}},
		{Kind: cascade.RecordingCall, Fn: func(ctx context.Context) (any, error) {
			settled <- "b"
			return "b ok", nil
		}},
	}
	results, err := b.ExecuteAll(context.Background(), ops)
	require.Error(t, err)
	require.Equal(t, "program_error: a failed", err.Error())
	require.Len(t, settled, 2)
	require.Equal(t, "b ok", results[1])
}
