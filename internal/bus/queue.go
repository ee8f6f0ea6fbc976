package bus

import (
	"context"
)

// EventBus carries gateway events to the monitor session over a buffered
// Go channel. Publishing never blocks the gateway's read loop as long as the
// consumer keeps draining the buffer.
type EventBus struct {
	events chan Event
}

// NewEventBus creates a new EventBus with the given buffer size.
// If bufSize is 0, defaults to 100.
func NewEventBus(bufSize int) *EventBus {
	if bufSize <= 0 {
		bufSize = 100
	}
	return &EventBus{
		events: make(chan Event, bufSize),
	}
}

// PublishReady signals a completed gateway handshake.
func (b *EventBus) PublishReady() {
	b.events <- Event{Type: EventReady}
}

// PublishMessage puts an inbound chat message onto the bus.
func (b *EventBus) PublishMessage(msg InboundMessage) {
	b.events <- Event{Type: EventMessage, Message: &msg}
}

// PublishDisconnect signals that the gateway connection dropped.
func (b *EventBus) PublishDisconnect() {
	b.events <- Event{Type: EventDisconnect}
}

// PublishError reports a gateway-side error. source names the handler the
// error came from.
func (b *EventBus) PublishError(source string, err error) {
	b.events <- Event{Type: EventError, Context: source, Err: err}
}

// Consume blocks until an event is available or ctx is cancelled.
func (b *EventBus) Consume(ctx context.Context) (Event, error) {
	select {
	case ev, ok := <-b.events:
		if !ok {
			return Event{}, context.Canceled
		}
		return ev, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// Close closes the event channel. The gateway must be stopped before Close;
// publishing on a closed bus panics.
func (b *EventBus) Close() {
	close(b.events)
}
