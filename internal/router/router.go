// Package router demultiplexes inbound server events into per-type handlers.
// It is the single point of truth for "what just happened on the wire": the
// transport feeds it raw frames, and registered listeners receive typed
// events. Delivery is replay-from-now — a handler registered late does not see
// earlier events.
package router

import (
	"log"
	"sync"

	"github.com/vikasv13579/doctor-chat-client/internal/protocol"
)

// Handler is the callback signature for a decoded server event. The event
// parameter is the concrete struct returned by protocol.ParseServerEvent
// (e.g., protocol.ReceiveMessageMsg, protocol.UserTypingMsg).
//
// Handlers are invoked from the transport read goroutine, so they should not
// block for extended periods.
type Handler func(event interface{})

// Router routes incoming server events to registered handlers based on the
// event type. Malformed events are dropped and logged; they never affect
// delivery to other listeners.
type Router struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	closed   bool
}

// New creates an empty Router ready for use.
func New() *Router {
	return &Router{
		handlers: make(map[string]Handler),
	}
}

// Register associates a Handler with an event type. If a handler was already
// registered for the given type, it is silently replaced.
func (r *Router) Register(eventType string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.handlers[eventType] = handler
}

// Unregister removes the handler for an event type. Removing a type that has
// no handler is a no-op.
func (r *Router) Unregister(eventType string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, eventType)
}

// Dispatch parses raw bytes into a typed server event and routes it to the
// registered handler. Parse errors and unregistered types are logged and
// dropped.
func (r *Router) Dispatch(data []byte) {
	evType, ev, err := protocol.ParseServerEvent(data)
	if err != nil {
		log.Printf("[router] dropping malformed event: %v", err)
		return
	}

	r.mu.RLock()
	handler := r.handlers[evType]
	r.mu.RUnlock()

	if handler == nil {
		log.Printf("[router] no handler for event type=%q", evType)
		return
	}

	handler(ev)
}

// Close removes all handlers. Subsequent Register calls are ignored so that a
// late subscription cannot outlive session teardown.
func (r *Router) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = make(map[string]Handler)
	r.closed = true
}
