// Package events fans session events out to in-process listeners.
package events

import (
	"sync"

	"github.com/rs/zerolog/log"
)

const DefaultBuffer = 64

// Topic is a typed event category.
type Topic[T any] struct {
	name string
}

func NewTopic[T any](name string) Topic[T] {
	return Topic[T]{name: name}
}

func (t Topic[T]) Name() string { return t.name }

// Event is the untyped form delivered to catch-all subscribers.
type Event struct {
	Topic   string `json:"topic"`
	Payload any    `json:"payload"`
}

type subscriber struct {
	deliver func(any) bool
	close   func()
}

// Bus delivers events without blocking the publisher. A full subscriber drops the event.
type Bus struct {
	mu     sync.RWMutex
	next   uint64
	topics map[string]map[uint64]*subscriber
	all    map[uint64]*subscriber
	buffer int
}

func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Bus{
		topics: make(map[string]map[uint64]*subscriber),
		all:    make(map[uint64]*subscriber),
		buffer: buffer,
	}
}

// Subscription is a listener handle. Close ends delivery and closes C.
type Subscription[T any] struct {
	ch     chan T
	cancel func()
	once   sync.Once
}

func (s *Subscription[T]) C() <-chan T { return s.ch }

func (s *Subscription[T]) Close() {
	s.once.Do(s.cancel)
}

// Subscribe registers a listener for one topic.
func Subscribe[T any](b *Bus, t Topic[T]) *Subscription[T] {
	ch := make(chan T, b.buffer)
	var closeOnce sync.Once
	sub := &subscriber{
		deliver: func(v any) bool {
			select {
			case ch <- v.(T):
				return true
			default:
				return false
			}
		},
		close: func() { closeOnce.Do(func() { close(ch) }) },
	}

	b.mu.Lock()
	b.next++
	id := b.next
	if b.topics[t.name] == nil {
		b.topics[t.name] = make(map[uint64]*subscriber)
	}
	b.topics[t.name][id] = sub
	b.mu.Unlock()

	return &Subscription[T]{
		ch: ch,
		cancel: func() {
			b.mu.Lock()
			delete(b.topics[t.name], id)
			b.mu.Unlock()
			sub.close()
		},
	}
}

// SubscribeAll registers a listener for every topic.
func (b *Bus) SubscribeAll() *Subscription[Event] {
	ch := make(chan Event, b.buffer)
	var closeOnce sync.Once
	sub := &subscriber{
		deliver: func(v any) bool {
			select {
			case ch <- v.(Event):
				return true
			default:
				return false
			}
		},
		close: func() { closeOnce.Do(func() { close(ch) }) },
	}

	b.mu.Lock()
	b.next++
	id := b.next
	b.all[id] = sub
	b.mu.Unlock()

	return &Subscription[Event]{
		ch: ch,
		cancel: func() {
			b.mu.Lock()
			delete(b.all, id)
			b.mu.Unlock()
			sub.close()
		},
	}
}

// Publish delivers v to every subscriber of t and to catch-all subscribers.
func Publish[T any](b *Bus, t Topic[T], v T) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.topics[t.name] {
		if !sub.deliver(v) {
			log.Warn().Str("module", "events").Str("topic", t.name).Msg("subscriber full, event dropped")
		}
	}
	if len(b.all) == 0 {
		return
	}
	ev := Event{Topic: t.name, Payload: v}
	for _, sub := range b.all {
		if !sub.deliver(ev) {
			log.Warn().Str("module", "events").Str("topic", t.name).Msg("stream subscriber full, event dropped")
		}
	}
}

// Close closes every subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for name, subs := range b.topics {
		for id, sub := range subs {
			sub.close()
			delete(subs, id)
		}
		delete(b.topics, name)
	}
	for id, sub := range b.all {
		sub.close()
		delete(b.all, id)
	}
}
