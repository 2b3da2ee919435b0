package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

const defaultQueueSize = 64

// Bus fans typed events out to every current subscriber. Publish never
// blocks: a subscriber whose queue is full has its oldest queued entry
// dropped to make room for the newest, rather than stall the publisher
// or the other subscribers.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[uint64]*Subscription
	nextSubID   uint64
	nextEventID uint64
}

// NewBus constructs an empty Bus.
func NewBus() *Bus {
	return &Bus{subscribers: make(map[uint64]*Subscription)}
}

// Subscription is one subscriber's bounded event queue.
type Subscription struct {
	id     uint64
	events chan Event
	bus    *Bus
}

// Events returns the channel events are delivered on. Closed once the
// subscription is closed.
func (s *Subscription) Events() <-chan Event { return s.events }

// Close unsubscribes s from its Bus. Safe to call more than once.
func (s *Subscription) Close() { s.bus.unsubscribe(s.id) }

// Next waits for the next event, or for heartbeatInterval to elapse with
// nothing delivered. Returns (event, true, nil) when an event arrived,
// (zero, false, nil) on a heartbeat timeout, and (zero, false, err) if
// ctx is done or the subscription was closed out from under the caller.
// The `/admin/events` SSE handler drives its heartbeat/typed-event
// interleaving entirely from this method.
func (s *Subscription) Next(ctx context.Context, heartbeatInterval time.Duration) (Event, bool, error) {
	timer := time.NewTimer(heartbeatInterval)
	defer timer.Stop()
	select {
	case ev, ok := <-s.events:
		if !ok {
			return Event{}, false, context.Canceled
		}
		return ev, true, nil
	case <-timer.C:
		return Event{}, false, nil
	case <-ctx.Done():
		return Event{}, false, ctx.Err()
	}
}

// Subscribe registers a new subscriber with a bounded queue of
// queueSize (defaultQueueSize if queueSize <= 0). Callers must Close the
// returned Subscription when done to free the queue.
func (b *Bus) Subscribe(queueSize int) *Subscription {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	id := atomic.AddUint64(&b.nextSubID, 1)
	sub := &Subscription{id: id, events: make(chan Event, queueSize), bus: b}

	b.mu.Lock()
	b.subscribers[id] = sub
	b.mu.Unlock()
	return sub
}

func (b *Bus) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subscribers[id]; ok {
		delete(b.subscribers, id)
		close(sub.events)
	}
}

// Publish fans out an event of the given type and payload to every
// current subscriber.
func (b *Bus) Publish(typ Type, payload any) {
	ev := Event{
		ID:        atomic.AddUint64(&b.nextEventID, 1),
		Type:      typ,
		Timestamp: time.Now(),
		Payload:   payload,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subscribers {
		deliver(sub.events, ev)
	}
}

// deliver attempts a non-blocking send; if the queue is full it drops
// the oldest queued event and retries once. Both the drain and the
// retry are best-effort: if a concurrent receive already made room, or
// empties the queue between the two selects, the retry still succeeds.
func deliver(ch chan Event, ev Event) {
	select {
	case ch <- ev:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- ev:
	default:
	}
}

// SubscriberCount reports the number of currently active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
