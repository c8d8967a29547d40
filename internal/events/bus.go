package events

import (
	"github.com/kelindar/event"
)

// Bus wraps kelindar/event dispatcher for lifecycle event broadcasting.
// Delivery is asynchronous: every subscriber has its own queue.
type Bus struct {
	dispatcher *event.Dispatcher
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{
		dispatcher: event.NewDispatcher(),
	}
}

// Publish publishes an event to all subscribers of its type.
// A nil bus is a no-op so that components can run without lifecycle listeners.
// Usage: events.Publish(bus, ReadyEvent{...})
func Publish[T Event](b *Bus, ev T) {
	if b == nil {
		return
	}
	event.Publish(b.dispatcher, ev)
}

// Subscribe registers a handler for one event type, inferred from the handler.
// Returns an unsubscribe function.
// Usage: unsub := events.Subscribe(bus, func(e FatalEvent) { ... })
func Subscribe[T Event](b *Bus, handler func(T)) func() {
	if b == nil {
		return func() {}
	}
	return event.Subscribe(b.dispatcher, handler)
}
