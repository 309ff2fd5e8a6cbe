// Package broker provides an in-process EventBroker. Published events that
// match no live subscription are retained (up to a cap per event type) so a
// subscriber arriving later still observes them; each subscription receives
// at most one delivery.
package broker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/deepnoodle-ai/cascade"
)

const defaultRetainLimit = 256

type subscription struct {
	sub   *cascade.EventSubscription
	ch    chan cascade.EventDelivery
	timer *time.Timer
}

// MemoryBroker implements cascade.EventBroker in memory.
type MemoryBroker struct {
	subscriptions map[string]*subscription          // subscription id -> sub
	byType        map[string][]*subscription        // event type -> subs in arrival order
	retained      map[string][]*cascade.Event       // event type -> undelivered events
	retainLimit   int
	mutex         sync.Mutex
}

// NewMemoryBroker creates a new in-memory broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		subscriptions: make(map[string]*subscription),
		byType:        make(map[string][]*subscription),
		retained:      make(map[string][]*cascade.Event),
		retainLimit:   defaultRetainLimit,
	}
}

// Subscribe registers interest in one event. If a retained event already
// matches, it is delivered immediately. Otherwise the subscription waits for
// a publish or for its timeout, whichever comes first.
func (b *MemoryBroker) Subscribe(ctx context.Context, sub *cascade.EventSubscription) (<-chan cascade.EventDelivery, error) {
	if sub.ID == "" {
		return nil, fmt.Errorf("subscription id is required")
	}
	if sub.EventType == "" {
		return nil, fmt.Errorf("subscription event type is required")
	}

	b.mutex.Lock()
	defer b.mutex.Unlock()

	if _, exists := b.subscriptions[sub.ID]; exists {
		return nil, fmt.Errorf("subscription %s already exists", sub.ID)
	}

	// Buffered so delivery never blocks the publisher.
	ch := make(chan cascade.EventDelivery, 1)

	// Check retained events first: an already-published matching event
	// resolves the subscription without waiting.
	queue := b.retained[sub.EventType]
	for i, event := range queue {
		if matchesFilter(event, sub.Filter) {
			b.retained[sub.EventType] = append(queue[:i:i], queue[i+1:]...)
			ch <- cascade.EventDelivery{Event: event}
			close(ch)
			return ch, nil
		}
	}

	s := &subscription{sub: sub, ch: ch}
	if sub.Timeout > 0 {
		s.timer = time.AfterFunc(sub.Timeout, func() {
			b.expire(sub.ID)
		})
	}
	b.subscriptions[sub.ID] = s
	b.byType[sub.EventType] = append(b.byType[sub.EventType], s)
	return ch, nil
}

// Cancel removes a subscription without delivering anything. Its channel is
// closed so any waiter unblocks.
func (b *MemoryBroker) Cancel(ctx context.Context, subscriptionID string) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if s, exists := b.subscriptions[subscriptionID]; exists {
		b.remove(subscriptionID)
		close(s.ch)
	}
	return nil
}

// Publish delivers the event to the oldest matching subscription, or retains
// it if no subscription matches.
func (b *MemoryBroker) Publish(ctx context.Context, event *cascade.Event) error {
	if event.Type == "" {
		return fmt.Errorf("event type is required")
	}
	if event.ID == "" {
		event.ID = cascade.NewEventID()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mutex.Lock()
	defer b.mutex.Unlock()

	for _, s := range b.byType[event.Type] {
		if matchesFilter(event, s.sub.Filter) {
			b.remove(s.sub.ID)
			s.ch <- cascade.EventDelivery{Event: event}
			close(s.ch)
			return nil
		}
	}

	queue := b.retained[event.Type]
	if len(queue) >= b.retainLimit {
		queue = queue[1:]
	}
	b.retained[event.Type] = append(queue, event)
	return nil
}

// expire fires a timeout delivery for a subscription still waiting.
func (b *MemoryBroker) expire(subscriptionID string) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	s, exists := b.subscriptions[subscriptionID]
	if !exists {
		return
	}
	b.remove(subscriptionID)
	s.ch <- cascade.EventDelivery{TimedOut: true}
	close(s.ch)
}

// remove unregisters a subscription. Caller holds the lock.
func (b *MemoryBroker) remove(subscriptionID string) {
	s, exists := b.subscriptions[subscriptionID]
	if !exists {
		return
	}
	delete(b.subscriptions, subscriptionID)
	if s.timer != nil {
		s.timer.Stop()
	}
	subs := b.byType[s.sub.EventType]
	for i, candidate := range subs {
		if candidate.sub.ID == subscriptionID {
			b.byType[s.sub.EventType] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
}

// matchesFilter evaluates a subscription filter against an event payload.
// Filters are comma-separated key=value pairs compared against the string
// form of payload fields; an empty filter matches every event of the type.
func matchesFilter(event *cascade.Event, filter string) bool {
	filter = strings.TrimSpace(filter)
	if filter == "" {
		return true
	}
	for _, clause := range strings.Split(filter, ",") {
		key, want, found := strings.Cut(strings.TrimSpace(clause), "=")
		if !found {
			return false
		}
		value, exists := event.Payload[strings.TrimSpace(key)]
		if !exists || fmt.Sprintf("%v", value) != strings.TrimSpace(want) {
			return false
		}
	}
	return true
}
