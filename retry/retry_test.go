package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWithRetry_SucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), DefaultPolicy(), func() error {
		calls++
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, calls)
}

func TestWithRetry_RetriesThenSucceeds(t *testing.T) {
	policy := Policy{MaxRetries: 3, BaseWait: time.Millisecond}
	calls := 0
	err := WithRetry(context.Background(), policy, func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestWithRetry_Exhausted(t *testing.T) {
	policy := Policy{MaxRetries: 2, BaseWait: time.Millisecond}
	sentinel := errors.New("still broken")
	calls := 0
	err := WithRetry(context.Background(), policy, func() error {
		calls++
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)
	require.Equal(t, 2, calls)
}

func TestWithRetry_PermanentStopsImmediately(t *testing.T) {
	policy := Policy{MaxRetries: 5, BaseWait: time.Millisecond}
	sentinel := errors.New("bad request")
	calls := 0
	err := WithRetry(context.Background(), policy, func() error {
		calls++
		return Permanent(sentinel)
	})
	require.ErrorIs(t, err, sentinel)
	require.Equal(t, 1, calls)
}

func TestWithRetry_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := Policy{MaxRetries: 5, BaseWait: 50 * time.Millisecond}
	calls := 0
	err := WithRetry(ctx, policy, func() error {
		calls++
		cancel()
		return errors.New("transient")
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, calls)
}
