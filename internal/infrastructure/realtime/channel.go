package realtime

import (
	"encoding/json"
	"sync"

	"ticketdesk/internal/core/domain"
)

// Handler receives an event name and its decoded payload.
type Handler func(event string, data json.RawMessage)

// Channel is a subscription handle. Handlers stay bound across reconnects.
type Channel struct {
	name string

	mu           sync.RWMutex
	subscribed   bool
	bindings     map[string][]Handler
	global       []Handler
	onSubscribed []func(data json.RawMessage)
	onError      []func(err error)
}

func newChannel(name string) *Channel {
	return &Channel{
		name:     name,
		bindings: make(map[string][]Handler),
	}
}

func (ch *Channel) Name() string { return ch.name }

// Private reports whether subscribing needs a channel grant.
func (ch *Channel) Private() bool { return domain.RequiresAuthorization(ch.name) }

func (ch *Channel) IsSubscribed() bool {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	return ch.subscribed
}

// Bind registers h for one event name.
func (ch *Channel) Bind(event string, h Handler) *Channel {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.bindings[event] = append(ch.bindings[event], h)
	return ch
}

// BindAll registers h for every application event on the channel.
func (ch *Channel) BindAll(h Handler) *Channel {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.global = append(ch.global, h)
	return ch
}

// OnSubscribed runs fn after every successful (re)subscription.
func (ch *Channel) OnSubscribed(fn func(data json.RawMessage)) *Channel {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.onSubscribed = append(ch.onSubscribed, fn)
	return ch
}

// OnError runs fn when authorization or subscription fails.
func (ch *Channel) OnError(fn func(err error)) *Channel {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.onError = append(ch.onError, fn)
	return ch
}

func (ch *Channel) setSubscribed(v bool) {
	ch.mu.Lock()
	ch.subscribed = v
	ch.mu.Unlock()
}

func (ch *Channel) succeeded(data json.RawMessage) {
	ch.mu.Lock()
	ch.subscribed = true
	hooks := append([]func(json.RawMessage){}, ch.onSubscribed...)
	ch.mu.Unlock()

	for _, fn := range hooks {
		fn(data)
	}
}

func (ch *Channel) failed(err error) {
	ch.mu.Lock()
	ch.subscribed = false
	hooks := append([]func(error){}, ch.onError...)
	ch.mu.Unlock()

	for _, fn := range hooks {
		fn(err)
	}
}

func (ch *Channel) dispatch(event string, data json.RawMessage) int {
	ch.mu.RLock()
	handlers := append([]Handler{}, ch.bindings[event]...)
	handlers = append(handlers, ch.global...)
	ch.mu.RUnlock()

	for _, h := range handlers {
		h(event, data)
	}
	return len(handlers)
}
