// Package pubsub is a small typed publish/subscribe bus. Every subscription
// returns an unsubscribe function so listeners are always released by the
// code that registered them.
package pubsub

import "sync"

// Topic names a stream of events.
type Topic string

// Handler receives published events. Handlers run synchronously on the
// publishing goroutine and must not block.
type Handler[T any] func(T)

// Bus fans events of type T out to per-topic subscribers.
type Bus[T any] struct {
	mu   sync.RWMutex
	next uint64
	subs map[Topic]map[uint64]Handler[T]
}

// NewBus creates an empty bus.
func NewBus[T any]() *Bus[T] {
	return &Bus[T]{subs: make(map[Topic]map[uint64]Handler[T])}
}

// Subscribe registers h for topic. Calling the returned function more than
// once is safe.
func (b *Bus[T]) Subscribe(topic Topic, h Handler[T]) (unsubscribe func()) {
	b.mu.Lock()
	b.next++
	id := b.next
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[uint64]Handler[T])
	}
	b.subs[topic][id] = h
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs[topic], id)
			if len(b.subs[topic]) == 0 {
				delete(b.subs, topic)
			}
		})
	}
}

// Publish delivers ev to every current subscriber of topic.
func (b *Bus[T]) Publish(topic Topic, ev T) {
	b.mu.RLock()
	handlers := make([]Handler[T], 0, len(b.subs[topic]))
	for _, h := range b.subs[topic] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
}

// Subscribers returns the number of handlers registered for topic.
func (b *Bus[T]) Subscribers(topic Topic) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}
