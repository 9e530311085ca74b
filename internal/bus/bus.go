// Package bus provides the in-process event bus used for cross-component
// fan-out. Delivery is synchronous and in registration order; a failing
// subscriber never prevents later subscribers from running.
package bus

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// Topics published across the bridge.
const (
	TopicRateUpdated  = "rate:updated"
	TopicRateError    = "rate:error"
	TopicBridgeFilled = "bridge:filled"
	TopicBridgeError  = "bridge:error"
	TopicQuoteEvent   = "quote:event"
	TopicDisconnect   = "upstream:disconnected"
)

// Handler receives the payload published on a topic.
type Handler func(payload interface{})

// Subscription identifies a registered handler so it can be removed.
type Subscription struct {
	topic string
	id    uint64
}

type subscriber struct {
	id uint64
	fn Handler
}

// Bus is an in-process topic pub/sub. Subscriber lists are copy-on-write so
// Publish never holds the lock while invoking handlers.
type Bus struct {
	mu     sync.Mutex
	nextID uint64
	topics map[string][]subscriber

	published atomic.Int64
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{topics: make(map[string][]subscriber)}
}

// Subscribe registers a handler for a topic. Handlers for the same topic run
// in registration order.
func (b *Bus) Subscribe(topic string, fn Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID

	existing := b.topics[topic]
	next := make([]subscriber, len(existing), len(existing)+1)
	copy(next, existing)
	b.topics[topic] = append(next, subscriber{id: id, fn: fn})

	return Subscription{topic: topic, id: id}
}

// Unsubscribe removes a previously registered handler. Unknown subscriptions
// are ignored.
func (b *Bus) Unsubscribe(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	existing := b.topics[sub.topic]
	next := make([]subscriber, 0, len(existing))
	for _, s := range existing {
		if s.id != sub.id {
			next = append(next, s)
		}
	}
	if len(next) == 0 {
		delete(b.topics, sub.topic)
		return
	}
	b.topics[sub.topic] = next
}

// Publish synchronously invokes every subscriber of the topic. A panicking
// subscriber is recovered and logged; remaining subscribers still run and
// the publisher never observes the failure.
func (b *Bus) Publish(topic string, payload interface{}) {
	b.mu.Lock()
	subs := b.topics[topic]
	b.mu.Unlock()

	b.published.Add(1)

	for _, s := range subs {
		invoke(topic, s, payload)
	}
}

// Published returns the total number of Publish calls, for the admin surface.
func (b *Bus) Published() int64 {
	return b.published.Load()
}

// SubscriberCount returns the number of handlers registered on a topic.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics[topic])
}

func invoke(topic string, s subscriber, payload interface{}) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("topic", topic).
				Uint64("subscriber", s.id).
				Interface("panic", r).
				Msg("event subscriber panicked")
		}
	}()
	s.fn(payload)
}
