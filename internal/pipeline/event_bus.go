package pipeline

import (
	"sync"
)

// EventBus provides pub/sub for committed events. Writers publish after
// commit; the live feed subscribes. Delivery is best effort and never
// back-pressures the writers.
type EventBus struct {
	subscribers map[*busSubscription]bool
	mu          sync.RWMutex
}

type busSubscription struct {
	cameraFilter string // empty means receive all cameras
	channel      chan EventAnnouncement
}

// NewEventBus creates a new event bus.
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[*busSubscription]bool),
	}
}

// Subscribe returns a channel receiving announcements, optionally filtered
// to one camera (empty string means all), and an unsubscribe function.
func (b *EventBus) Subscribe(camera string, bufferSize int) (<-chan EventAnnouncement, func()) {
	if bufferSize <= 0 {
		bufferSize = 16
	}

	sub := &busSubscription{
		cameraFilter: camera,
		channel:      make(chan EventAnnouncement, bufferSize),
	}

	b.mu.Lock()
	b.subscribers[sub] = true
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		if _, ok := b.subscribers[sub]; ok {
			delete(b.subscribers, sub)
			close(sub.channel)
		}
		b.mu.Unlock()
	}

	return sub.channel, unsubscribe
}

// Publish sends an announcement to all matching subscribers. Full
// subscriber channels skip the announcement.
func (b *EventBus) Publish(a EventAnnouncement) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		if sub.cameraFilter != "" && sub.cameraFilter != a.Camera {
			continue
		}
		select {
		case sub.channel <- a:
		default:
			// Subscriber is lagging, skip this announcement
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *EventBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close unsubscribes all subscribers and closes their channels.
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subscribers {
		close(sub.channel)
		delete(b.subscribers, sub)
	}
}
