package broker

import (
	"context"
	"testing"
	"time"

	"github.com/deepnoodle-ai/cascade"
	"github.com/stretchr/testify/require"
)

func newSubscription(eventType, filter string, timeout time.Duration) *cascade.EventSubscription {
	return &cascade.EventSubscription{
		ID:           cascade.NewSubscriptionID(),
		InvocationID: cascade.NewInvocationID(),
		EventType:    eventType,
		Filter:       filter,
		Timeout:      timeout,
		CreatedAt:    time.Now(),
	}
}

func TestMemoryBroker_DeliversPublishedEvent(t *testing.T) {
	b := NewMemoryBroker()
	ctx := context.Background()

	ch, err := b.Subscribe(ctx, newSubscription("order.shipped", "", time.Second))
	require.NoError(t, err)

	err = b.Publish(ctx, &cascade.Event{
		Type:    "order.shipped",
		Payload: map[string]any{"order_id": "o-1"},
	})
	require.NoError(t, err)

	select {
	case delivery := <-ch:
		require.False(t, delivery.TimedOut)
		require.NotNil(t, delivery.Event)
		require.Equal(t, "o-1", delivery.Event.Payload["order_id"])
	case <-time.After(time.Second):
		t.Fatal("expected delivery")
	}
}

func TestMemoryBroker_RetainedEventDeliveredImmediately(t *testing.T) {
	b := NewMemoryBroker()
	ctx := context.Background()

	// Publish before anyone subscribes.
	require.NoError(t, b.Publish(ctx, &cascade.Event{Type: "order.shipped"}))

	ch, err := b.Subscribe(ctx, newSubscription("order.shipped", "", time.Second))
	require.NoError(t, err)

	select {
	case delivery := <-ch:
		require.NotNil(t, delivery.Event)
	default:
		t.Fatal("expected immediate delivery of retained event")
	}
}

func TestMemoryBroker_Timeout(t *testing.T) {
	b := NewMemoryBroker()
	ctx := context.Background()

	start := time.Now()
	ch, err := b.Subscribe(ctx, newSubscription("never.arrives", "", 100*time.Millisecond))
	require.NoError(t, err)

	select {
	case delivery := <-ch:
		require.True(t, delivery.TimedOut)
		require.Nil(t, delivery.Event)
		require.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
	case <-time.After(time.Second):
		t.Fatal("expected timeout delivery")
	}
}

func TestMemoryBroker_FilterMatching(t *testing.T) {
	b := NewMemoryBroker()
	ctx := context.Background()

	ch, err := b.Subscribe(ctx, newSubscription("order.shipped", "region=eu", time.Second))
	require.NoError(t, err)

	// Non-matching event is retained, not delivered.
	require.NoError(t, b.Publish(ctx, &cascade.Event{
		Type:    "order.shipped",
		Payload: map[string]any{"region": "us"},
	}))
	select {
	case <-ch:
		t.Fatal("event should not match filter")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, b.Publish(ctx, &cascade.Event{
		Type:    "order.shipped",
		Payload: map[string]any{"region": "eu"},
	}))
	select {
	case delivery := <-ch:
		require.Equal(t, "eu", delivery.Event.Payload["region"])
	case <-time.After(time.Second):
		t.Fatal("expected matching delivery")
	}
}

func TestMemoryBroker_AtMostOneDelivery(t *testing.T) {
	b := NewMemoryBroker()
	ctx := context.Background()

	ch, err := b.Subscribe(ctx, newSubscription("tick", "", time.Second))
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, &cascade.Event{Type: "tick"}))
	require.NoError(t, b.Publish(ctx, &cascade.Event{Type: "tick"}))

	<-ch
	// The channel is closed after the single delivery.
	_, open := <-ch
	require.False(t, open)
}

func TestMemoryBroker_Cancel(t *testing.T) {
	b := NewMemoryBroker()
	ctx := context.Background()

	sub := newSubscription("tick", "", time.Second)
	ch, err := b.Subscribe(ctx, sub)
	require.NoError(t, err)
	require.NoError(t, b.Cancel(ctx, sub.ID))

	// A publish after cancel is retained rather than delivered.
	require.NoError(t, b.Publish(ctx, &cascade.Event{Type: "tick"}))
	select {
	case delivery, open := <-ch:
		require.False(t, open, "canceled subscription should not receive events, got %+v", delivery)
	case <-time.After(50 * time.Millisecond):
	}
}
