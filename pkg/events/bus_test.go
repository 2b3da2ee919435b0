package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeReceivesPublishedEvent(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(4)
	defer sub.Close()

	bus.Publish(TypeModelLoaded, ModelLoadedPayload{ModelID: "m1", BackendKind: "primary-tensor-backend"})

	select {
	case ev := <-sub.Events():
		assert.Equal(t, TypeModelLoaded, ev.Type)
		payload, ok := ev.Payload.(ModelLoadedPayload)
		require.True(t, ok)
		assert.Equal(t, "m1", payload.ModelID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublishDoesNotBlockOnFullQueue(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(2)
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			bus.Publish(TypeModelUnloaded, ModelUnloadedPayload{ModelID: "m1"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber queue")
	}

	// The queue should hold exactly its capacity worth of (the most
	// recent) events — older ones were dropped, never blocking Publish.
	assert.LessOrEqual(t, len(sub.Events()), 2)
}

func TestUnsubscribedConnectionReceivesNoFurtherEvents(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(4)
	sub.Close()

	bus.Publish(TypeModelLoaded, ModelLoadedPayload{ModelID: "m1"})

	_, ok := <-sub.Events()
	assert.False(t, ok, "closed subscription's channel should be drained and closed")
}

func TestSubscriberCountTracksSubscribeAndClose(t *testing.T) {
	bus := NewBus()
	assert.Equal(t, 0, bus.SubscriberCount())

	sub1 := bus.Subscribe(4)
	sub2 := bus.Subscribe(4)
	assert.Equal(t, 2, bus.SubscriberCount())

	sub1.Close()
	assert.Equal(t, 1, bus.SubscriberCount())
	sub2.Close()
	assert.Equal(t, 0, bus.SubscriberCount())
}

func TestNextReturnsEventWhenPublished(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(4)
	defer sub.Close()

	bus.Publish(TypeRunStarted, TracePayload{RunID: "r1"})

	ev, ok, err := sub.Next(context.Background(), time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, TypeRunStarted, ev.Type)
}

func TestNextReturnsHeartbeatWhenIdle(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(4)
	defer sub.Close()

	ev, ok, err := sub.Next(context.Background(), 10*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, Event{}, ev)
}

func TestNextReturnsErrorWhenContextCancelled(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(4)
	defer sub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, ok, err := sub.Next(ctx, time.Second)
	assert.False(t, ok)
	assert.Error(t, err)
}
