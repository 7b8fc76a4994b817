// Package bus implements the typed topic-based event spine. Delivery is
// synchronous and ordered per topic; handlers registered by a module can be
// released in one call when the module shuts down.
package bus

import (
	"log/slog"
	"sync"
)

// Event is a single publication on a topic.
type Event struct {
	Topic   string      `json:"topic"`
	Payload interface{} `json:"payload,omitempty"`
}

// Handler receives events for one topic. Handlers run synchronously on the
// emitter's goroutine and must not block; work that suspends should be spawned.
type Handler func(Event)

// ErrorSink receives handler panics so dispatch can continue. Wired to the
// audit logger at startup; nil sinks fall back to slog.
type ErrorSink func(topic string, recovered interface{})

// Subscription identifies one registered handler. Pass it to Off to remove
// exactly that handler.
type Subscription struct {
	topic    string
	seq      uint64
	moduleID string
	handler  Handler
}

// Topic returns the topic this subscription listens on.
func (s *Subscription) Topic() string { return s.topic }

// Bus is the event spine. The zero value is not usable; use New.
type Bus struct {
	mu      sync.Mutex
	nextSeq uint64
	topics  map[string][]*Subscription
	onError ErrorSink

	// Re-entrant emits from inside a handler are queued and drained after the
	// outer dispatch returns, so no handler observes stack depth > 1.
	dispatching bool
	pending     []Event
}

func New() *Bus {
	return &Bus{topics: make(map[string][]*Subscription)}
}

// SetErrorSink installs the sink that receives handler panics.
func (b *Bus) SetErrorSink(sink ErrorSink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onError = sink
}

// On subscribes handler to topic under moduleID. Handlers fire in
// registration order.
func (b *Bus) On(topic string, handler Handler, moduleID string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextSeq++
	sub := &Subscription{topic: topic, seq: b.nextSeq, moduleID: moduleID, handler: handler}
	b.topics[topic] = append(b.topics[topic], sub)
	return sub
}

// Off removes a single subscription.
func (b *Bus) Off(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.topics[sub.topic]
	for i, s := range subs {
		if s == sub {
			b.topics[sub.topic] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// UnsubscribeModule releases every subscription held by moduleID and returns
// how many were removed.
func (b *Bus) UnsubscribeModule(moduleID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	removed := 0
	for topic, subs := range b.topics {
		kept := subs[:0]
		for _, s := range subs {
			if s.moduleID == moduleID {
				removed++
				continue
			}
			kept = append(kept, s)
		}
		if len(kept) == 0 {
			delete(b.topics, topic)
		} else {
			b.topics[topic] = kept
		}
	}
	return removed
}

// Emit publishes an event to topic. Handlers run synchronously in
// registration order; a panicking handler is reported to the error sink and
// does not abort dispatch. Emits issued from inside a handler are queued and
// drained after the current dispatch completes, so no handler ever observes
// nested dispatch.
func (b *Bus) Emit(topic string, payload interface{}) {
	b.mu.Lock()
	if b.dispatching {
		b.pending = append(b.pending, Event{Topic: topic, Payload: payload})
		b.mu.Unlock()
		return
	}
	b.dispatching = true
	b.mu.Unlock()

	b.dispatch(Event{Topic: topic, Payload: payload})

	for {
		b.mu.Lock()
		if len(b.pending) == 0 {
			b.dispatching = false
			b.mu.Unlock()
			return
		}
		next := b.pending[0]
		b.pending = b.pending[1:]
		b.mu.Unlock()
		b.dispatch(next)
	}
}

func (b *Bus) dispatch(ev Event) {
	b.mu.Lock()
	subs := make([]*Subscription, len(b.topics[ev.Topic]))
	copy(subs, b.topics[ev.Topic])
	sink := b.onError
	b.mu.Unlock()

	for _, s := range subs {
		b.invoke(s, ev, sink)
	}
}

func (b *Bus) invoke(s *Subscription, ev Event, sink ErrorSink) {
	defer func() {
		if r := recover(); r != nil {
			if sink != nil {
				sink(ev.Topic, r)
			} else {
				slog.Warn("bus.handler_panic", "topic", ev.Topic, "module", s.moduleID, "error", r)
			}
		}
	}()
	s.handler(ev)
}

// SubscriberCount returns the number of handlers registered on topic.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics[topic])
}
