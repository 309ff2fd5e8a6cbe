package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/deepnoodle-ai/cascade"
	"github.com/stretchr/testify/require"
)

type listStepsStore interface {
	cascade.InvocationStore
	ListSteps(ctx context.Context, invocationID string) ([]*cascade.StepRecord, error)
}

func newTestInvocation() *cascade.Invocation {
	return &cascade.Invocation{
		ID:                cascade.NewInvocationID(),
		EntrypointID:      "orders.fulfill",
		EntrypointVersion: "1",
		Mode:              cascade.ModeAsync,
		Status:            cascade.StatusQueued,
		Input:             map[string]any{"order_id": "o-1"},
		CreatedAt:         time.Now().UTC(),
	}
}

func runStoreTests(t *testing.T, newStore func(t *testing.T) listStepsStore) {
	ctx := context.Background()

	t.Run("create and load", func(t *testing.T) {
		s := newStore(t)
		inv := newTestInvocation()
		require.NoError(t, s.Create(ctx, inv))

		loaded, snapshot, err := s.Load(ctx, inv.ID)
		require.NoError(t, err)
		require.Nil(t, snapshot)
		require.Equal(t, inv.ID, loaded.ID)
		require.Equal(t, cascade.StatusQueued, loaded.Status)
		require.Equal(t, "o-1", loaded.Input["order_id"])

		_, _, err = s.Load(ctx, "inv_missing")
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("duplicate id rejected", func(t *testing.T) {
		s := newStore(t)
		inv := newTestInvocation()
		require.NoError(t, s.Create(ctx, inv))
		require.Error(t, s.Create(ctx, inv))
	})

	t.Run("dedup key lookup", func(t *testing.T) {
		s := newStore(t)
		inv := newTestInvocation()
		inv.DedupKey = "submit-1"
		require.NoError(t, s.Create(ctx, inv))

		found, err := s.FindByDedupKey(ctx, inv.EntrypointID, "submit-1")
		require.NoError(t, err)
		require.NotNil(t, found)
		require.Equal(t, inv.ID, found.ID)

		missing, err := s.FindByDedupKey(ctx, inv.EntrypointID, "other")
		require.NoError(t, err)
		require.Nil(t, missing)
	})

	t.Run("transition follows state machine", func(t *testing.T) {
		s := newStore(t)
		inv := newTestInvocation()
		require.NoError(t, s.Create(ctx, inv))

		fence, err := s.Claim(ctx, inv.ID, "executor-1")
		require.NoError(t, err)

		require.NoError(t, s.Transition(ctx, inv.ID, cascade.StatusRunning, fence))
		require.NoError(t, s.Transition(ctx, inv.ID, cascade.StatusSucceeded, fence))

		// Terminal states have no outgoing transitions.
		err = s.Transition(ctx, inv.ID, cascade.StatusRunning, fence)
		require.ErrorIs(t, err, ErrInvalidTransition)
	})

	t.Run("stale fence rejected", func(t *testing.T) {
		s := newStore(t)
		inv := newTestInvocation()
		require.NoError(t, s.Create(ctx, inv))

		fence1, err := s.Claim(ctx, inv.ID, "executor-1")
		require.NoError(t, err)
		fence2, err := s.Claim(ctx, inv.ID, "executor-2")
		require.NoError(t, err)
		require.Greater(t, fence2, fence1)

		// The first executor lost its claim; its writes must be rejected.
		err = s.Transition(ctx, inv.ID, cascade.StatusRunning, fence1)
		require.ErrorIs(t, err, ErrStaleFence)

		err = s.SaveSnapshot(ctx, &cascade.Snapshot{
			ID:           cascade.NewSnapshotID(),
			InvocationID: inv.ID,
			CreatedAt:    time.Now().UTC(),
		}, fence1)
		require.ErrorIs(t, err, ErrStaleFence)

		require.NoError(t, s.Transition(ctx, inv.ID, cascade.StatusRunning, fence2))
	})

	t.Run("snapshot superseded", func(t *testing.T) {
		s := newStore(t)
		inv := newTestInvocation()
		require.NoError(t, s.Create(ctx, inv))
		fence, err := s.Claim(ctx, inv.ID, "executor-1")
		require.NoError(t, err)

		first := &cascade.Snapshot{
			ID:           cascade.NewSnapshotID(),
			InvocationID: inv.ID,
			ResumeMarker: 1,
			Recordings: []*cascade.Recording{
				{Sequence: 1, Kind: cascade.RecordingTime, Result: "2026-01-02T03:04:05Z"},
			},
			CreatedAt: time.Now().UTC(),
		}
		require.NoError(t, s.SaveSnapshot(ctx, first, fence))

		second := &cascade.Snapshot{
			ID:           cascade.NewSnapshotID(),
			InvocationID: inv.ID,
			ResumeMarker: 2,
			CreatedAt:    time.Now().UTC(),
		}
		require.NoError(t, s.SaveSnapshot(ctx, second, fence))

		loaded, snapshot, err := s.Load(ctx, inv.ID)
		require.NoError(t, err)
		require.NotNil(t, snapshot)
		require.Equal(t, second.ID, snapshot.ID)
		require.Equal(t, int64(2), snapshot.ResumeMarker)
		require.Equal(t, second.ID, loaded.SnapshotID)
	})

	t.Run("steps append in order", func(t *testing.T) {
		s := newStore(t)
		inv := newTestInvocation()
		require.NoError(t, s.Create(ctx, inv))
		fence, err := s.Claim(ctx, inv.ID, "executor-1")
		require.NoError(t, err)

		for i, name := range []string{"reserve", "charge", "ship"} {
			require.NoError(t, s.AppendStep(ctx, inv.ID, &cascade.StepRecord{
				Name:            name,
				Status:          cascade.StepSucceeded,
				CompletionIndex: i + 1,
			}, fence))
		}

		steps, err := s.ListSteps(ctx, inv.ID)
		require.NoError(t, err)
		require.Len(t, steps, 3)
		require.Equal(t, "reserve", steps[0].Name)
		require.Equal(t, "charge", steps[1].Name)
		require.Equal(t, "ship", steps[2].Name)
	})

	t.Run("events append and list from sequence", func(t *testing.T) {
		s := newStore(t)
		inv := newTestInvocation()
		require.NoError(t, s.Create(ctx, inv))

		var events []*cascade.InvocationEvent
		for i := 1; i <= 3; i++ {
			events = append(events, &cascade.InvocationEvent{
				ID:           cascade.NewEventID(),
				InvocationID: inv.ID,
				Sequence:     int64(i),
				Timestamp:    time.Now().UTC(),
				EventType:    cascade.EventInvocationStarted,
				Data:         map[string]any{"n": i},
			})
		}
		require.NoError(t, s.AppendEvents(ctx, events))

		all, err := s.ListEvents(ctx, inv.ID, 0)
		require.NoError(t, err)
		require.Len(t, all, 3)

		tail, err := s.ListEvents(ctx, inv.ID, 3)
		require.NoError(t, err)
		require.Len(t, tail, 1)
		require.Equal(t, int64(3), tail[0].Sequence)
	})

	t.Run("list by status", func(t *testing.T) {
		s := newStore(t)
		queued := newTestInvocation()
		running := newTestInvocation()
		require.NoError(t, s.Create(ctx, queued))
		require.NoError(t, s.Create(ctx, running))

		fence, err := s.Claim(ctx, running.ID, "executor-1")
		require.NoError(t, err)
		require.NoError(t, s.Transition(ctx, running.ID, cascade.StatusRunning, fence))

		found, err := s.ListByStatus(ctx, cascade.StatusRunning, 10)
		require.NoError(t, err)
		require.Len(t, found, 1)
		require.Equal(t, running.ID, found[0].ID)
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreTests(t, func(t *testing.T) listStepsStore {
		return NewMemoryStore()
	})
}

func TestSQLiteStore(t *testing.T) {
	runStoreTests(t, func(t *testing.T) listStepsStore {
		dbPath := filepath.Join(t.TempDir(), "cascade.db")
		s, err := NewSQLiteStore(dbPath, DefaultSQLiteOptions())
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}
