package pusher

import (
	"encoding/json"
	"errors"
	"sync"

	"surveyrelay/pkg/types"
)

// Handler receives the JSON payload of an event.
type Handler func(data json.RawMessage)

// Channel is one subscription on a Client. Handlers run on their own
// goroutines, so two events on the same channel may be handled
// concurrently.
type Channel struct {
	name string

	mu         sync.RWMutex
	subscribed bool
	err        error
	handlers   map[string][]Handler
}

func newChannel(name string) *Channel {
	return &Channel{
		name:     name,
		handlers: make(map[string][]Handler),
	}
}

// Name returns the channel name.
func (ch *Channel) Name() string {
	return ch.name
}

// Subscribed reports whether the service confirmed the subscription.
func (ch *Channel) Subscribed() bool {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	return ch.subscribed
}

// Err returns why the last subscription attempt failed, or nil. A
// confirmed subscription clears it.
func (ch *Channel) Err() error {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	return ch.err
}

// Bind adds a handler for event.
func (ch *Channel) Bind(event string, h Handler) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.handlers[event] = append(ch.handlers[event], h)
}

// Unbind removes every handler for event.
func (ch *Channel) Unbind(event string) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	delete(ch.handlers, event)
}

// UnbindAll removes every handler on the channel.
func (ch *Channel) UnbindAll() {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.handlers = make(map[string][]Handler)
}

func (ch *Channel) setSubscribed(subscribed bool) {
	ch.mu.Lock()
	ch.subscribed = subscribed
	ch.mu.Unlock()
}

func (ch *Channel) emit(event string, data json.RawMessage) bool {
	ch.mu.RLock()
	handlers := append([]Handler(nil), ch.handlers[event]...)
	ch.mu.RUnlock()

	for _, h := range handlers {
		go h(data)
	}
	return len(handlers) > 0
}

func (ch *Channel) succeeded(data json.RawMessage) {
	ch.mu.Lock()
	ch.subscribed = true
	ch.err = nil
	ch.mu.Unlock()
	ch.emit(EventSubscriptionSucceeded, data)
}

// failed reports a subscription that will not be retried. The
// connection itself is left alone.
func (ch *Channel) failed(err error) {
	ch.mu.Lock()
	ch.subscribed = false
	ch.err = err
	ch.mu.Unlock()

	payload := SubscriptionErrorData{Type: "SubscriptionError", Error: err.Error()}
	var authErr *types.AuthError
	if errors.As(err, &authErr) {
		payload.Type = "AuthError"
		payload.Status = authErr.Status
	}
	ch.emit(EventSubscriptionError, mustJSON(payload))
}
