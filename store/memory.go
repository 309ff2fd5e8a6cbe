package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/deepnoodle-ai/cascade"
)

// MemoryStore implements cascade.InvocationStore in memory. All reads and
// writes go through a JSON round trip so stored values behave exactly like
// values reloaded from a durable store, which matters for replay fidelity.
type MemoryStore struct {
	invocations map[string]*cascade.Invocation
	snapshots   map[string]*cascade.Snapshot
	steps       map[string][]*cascade.StepRecord
	events      map[string][]*cascade.InvocationEvent
	dedup       map[string]string
	fences      map[string]int64
	holders     map[string]string
	mutex       sync.RWMutex
}

// NewMemoryStore creates a new in-memory invocation store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		invocations: make(map[string]*cascade.Invocation),
		snapshots:   make(map[string]*cascade.Snapshot),
		steps:       make(map[string][]*cascade.StepRecord),
		events:      make(map[string][]*cascade.InvocationEvent),
		dedup:       make(map[string]string),
		fences:      make(map[string]int64),
		holders:     make(map[string]string),
	}
}

func (s *MemoryStore) Create(ctx context.Context, inv *cascade.Invocation) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.invocations[inv.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateID, inv.ID)
	}
	copied, err := deepCopy(inv)
	if err != nil {
		return err
	}
	s.invocations[inv.ID] = copied
	if inv.DedupKey != "" {
		s.dedup[dedupKey(inv.EntrypointID, inv.DedupKey)] = inv.ID
	}
	return nil
}

func (s *MemoryStore) Load(ctx context.Context, invocationID string) (*cascade.Invocation, *cascade.Snapshot, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	inv, exists := s.invocations[invocationID]
	if !exists {
		return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, invocationID)
	}
	invCopy, err := deepCopy(inv)
	if err != nil {
		return nil, nil, err
	}
	var snapCopy *cascade.Snapshot
	if snap, ok := s.snapshots[invocationID]; ok {
		snapCopy, err = snap.Clone()
		if err != nil {
			return nil, nil, err
		}
	}
	return invCopy, snapCopy, nil
}

func (s *MemoryStore) FindByDedupKey(ctx context.Context, entrypointID, key string) (*cascade.Invocation, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	id, exists := s.dedup[dedupKey(entrypointID, key)]
	if !exists {
		return nil, nil
	}
	return deepCopy(s.invocations[id])
}

func (s *MemoryStore) Claim(ctx context.Context, invocationID, executorID string) (int64, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.invocations[invocationID]; !exists {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, invocationID)
	}
	s.fences[invocationID]++
	s.holders[invocationID] = executorID
	return s.fences[invocationID], nil
}

func (s *MemoryStore) Release(ctx context.Context, invocationID string, fence int64) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.fences[invocationID] == fence {
		delete(s.holders, invocationID)
	}
	return nil
}

func (s *MemoryStore) Transition(ctx context.Context, invocationID string, to cascade.Status, fence int64) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	inv, exists := s.invocations[invocationID]
	if !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, invocationID)
	}
	if err := s.checkFence(invocationID, fence); err != nil {
		return err
	}
	if !inv.Status.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, inv.Status, to)
	}
	inv.Status = to
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, inv *cascade.Invocation, fence int64) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	current, exists := s.invocations[inv.ID]
	if !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, inv.ID)
	}
	if err := s.checkFence(inv.ID, fence); err != nil {
		return err
	}
	copied, err := deepCopy(inv)
	if err != nil {
		return err
	}
	// Status is owned by Transition.
	copied.Status = current.Status
	s.invocations[inv.ID] = copied
	return nil
}

func (s *MemoryStore) SaveSnapshot(ctx context.Context, snapshot *cascade.Snapshot, fence int64) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.invocations[snapshot.InvocationID]; !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, snapshot.InvocationID)
	}
	if err := s.checkFence(snapshot.InvocationID, fence); err != nil {
		return err
	}
	copied, err := snapshot.Clone()
	if err != nil {
		return err
	}
	// The previous snapshot is superseded, not kept.
	s.snapshots[snapshot.InvocationID] = copied
	s.invocations[snapshot.InvocationID].SnapshotID = snapshot.ID
	return nil
}

func (s *MemoryStore) AppendStep(ctx context.Context, invocationID string, step *cascade.StepRecord, fence int64) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.invocations[invocationID]; !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, invocationID)
	}
	if err := s.checkFence(invocationID, fence); err != nil {
		return err
	}
	copied, err := deepCopy(step)
	if err != nil {
		return err
	}
	s.steps[invocationID] = append(s.steps[invocationID], copied)
	return nil
}

func (s *MemoryStore) AppendEvents(ctx context.Context, events []*cascade.InvocationEvent) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for _, event := range events {
		if err := event.Validate(); err != nil {
			return fmt.Errorf("invalid event: %w", err)
		}
		copied, err := deepCopy(event)
		if err != nil {
			return err
		}
		s.events[event.InvocationID] = append(s.events[event.InvocationID], copied)
	}
	return nil
}

func (s *MemoryStore) ListEvents(ctx context.Context, invocationID string, fromSeq int64) ([]*cascade.InvocationEvent, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var out []*cascade.InvocationEvent
	for _, event := range s.events[invocationID] {
		if event.Sequence >= fromSeq {
			copied, err := deepCopy(event)
			if err != nil {
				return nil, err
			}
			out = append(out, copied)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListByStatus(ctx context.Context, status cascade.Status, limit int) ([]*cascade.Invocation, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var out []*cascade.Invocation
	for _, inv := range s.invocations {
		if inv.Status != status {
			continue
		}
		copied, err := deepCopy(inv)
		if err != nil {
			return nil, err
		}
		out = append(out, copied)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// ListSteps returns the persisted step records for an invocation in append
// order. Used by tests and operational tooling.
func (s *MemoryStore) ListSteps(ctx context.Context, invocationID string) ([]*cascade.StepRecord, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var out []*cascade.StepRecord
	for _, step := range s.steps[invocationID] {
		copied, err := deepCopy(step)
		if err != nil {
			return nil, err
		}
		out = append(out, copied)
	}
	return out, nil
}

// checkFence verifies the caller still holds the current claim. Caller holds
// the lock.
func (s *MemoryStore) checkFence(invocationID string, fence int64) error {
	if current := s.fences[invocationID]; fence != current {
		return fmt.Errorf("%w: have %d, current %d", ErrStaleFence, fence, current)
	}
	return nil
}

func dedupKey(entrypointID, key string) string {
	return entrypointID + "\x00" + key
}

func deepCopy[T any](value *T) (*T, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
