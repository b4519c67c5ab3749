// Package signal wraps the realtime message channel that carries signaling
// events between an endpoint and the relay. It exposes subscribe/emit with
// explicit subscription handles, a connectivity flag, and automatic
// reconnection with backoff.
//
// Delivery contract: Emit silently drops the message while the channel is
// disconnected — nothing is queued, callers must not assume delivery.
// Handler registrations live on the client, not the connection, so they
// survive reconnects. Server-side room membership does not: dependents must
// re-run their auth/join sequence from an OnConnect hook.
package signal

import (
	"encoding/json"
	"sync"
)

// Handler processes the decoded data of one signaling event. Handlers for a
// connection run sequentially: each runs to completion before the next
// inbound event is dispatched.
type Handler func(data json.RawMessage)

// Subscription is the handle returned by Subscribe and the hook registrars.
// Cancel removes the registration; it is idempotent.
type Subscription struct {
	once   sync.Once
	cancel func()
}

// Cancel removes the subscription.
func (s *Subscription) Cancel() {
	if s == nil {
		return
	}
	s.once.Do(s.cancel)
}

func newSubscription(cancel func()) *Subscription {
	return &Subscription{cancel: cancel}
}

// Channel is the surface the endpoint packages program against. *Client is
// the real websocket implementation; *Fake is the in-process test double.
type Channel interface {
	// Subscribe registers h for event. Multiple handlers per event are
	// allowed and fire in registration order.
	Subscribe(event string, h Handler) *Subscription

	// Emit sends an event with the given payload. While disconnected the
	// message is dropped and Emit returns nil.
	Emit(event string, payload any) error

	// Connected reports whether the underlying transport is up.
	Connected() bool

	// OnConnect registers fn to run after every successful (re)connect.
	OnConnect(fn func()) *Subscription

	// OnDisconnect registers fn to run when the transport drops.
	OnDisconnect(fn func(err error)) *Subscription
}

// registry holds event handlers and lifecycle hooks for a channel. Shared by
// Client and Fake so both dispatch identically.
type registry struct {
	mu        sync.RWMutex
	next      uint64
	handlers  map[string]map[uint64]Handler
	onConnect map[uint64]func()
	onDisconn map[uint64]func(error)
}

func newRegistry() *registry {
	return &registry{
		handlers:  make(map[string]map[uint64]Handler),
		onConnect: make(map[uint64]func()),
		onDisconn: make(map[uint64]func(error)),
	}
}

func (r *registry) subscribe(event string, h Handler) *Subscription {
	r.mu.Lock()
	r.next++
	id := r.next
	m, ok := r.handlers[event]
	if !ok {
		m = make(map[uint64]Handler)
		r.handlers[event] = m
	}
	m[id] = h
	r.mu.Unlock()
	return newSubscription(func() {
		r.mu.Lock()
		if m, ok := r.handlers[event]; ok {
			delete(m, id)
		}
		r.mu.Unlock()
	})
}

func (r *registry) onConnectHook(fn func()) *Subscription {
	r.mu.Lock()
	r.next++
	id := r.next
	r.onConnect[id] = fn
	r.mu.Unlock()
	return newSubscription(func() {
		r.mu.Lock()
		delete(r.onConnect, id)
		r.mu.Unlock()
	})
}

func (r *registry) onDisconnectHook(fn func(error)) *Subscription {
	r.mu.Lock()
	r.next++
	id := r.next
	r.onDisconn[id] = fn
	r.mu.Unlock()
	return newSubscription(func() {
		r.mu.Lock()
		delete(r.onDisconn, id)
		r.mu.Unlock()
	})
}

// dispatch runs every handler registered for event, in registration order.
func (r *registry) dispatch(event string, data json.RawMessage) {
	r.mu.RLock()
	m := r.handlers[event]
	ids := make([]uint64, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sortIDs(ids)
	hs := make([]Handler, 0, len(ids))
	for _, id := range ids {
		hs = append(hs, m[id])
	}
	r.mu.RUnlock()
	for _, h := range hs {
		h(data)
	}
}

func (r *registry) fireConnect() {
	r.mu.RLock()
	fns := make([]func(), 0, len(r.onConnect))
	ids := make([]uint64, 0, len(r.onConnect))
	for id := range r.onConnect {
		ids = append(ids, id)
	}
	sortIDs(ids)
	for _, id := range ids {
		fns = append(fns, r.onConnect[id])
	}
	r.mu.RUnlock()
	for _, fn := range fns {
		fn()
	}
}

func (r *registry) fireDisconnect(err error) {
	r.mu.RLock()
	fns := make([]func(error), 0, len(r.onDisconn))
	for _, fn := range r.onDisconn {
		fns = append(fns, fn)
	}
	r.mu.RUnlock()
	for _, fn := range fns {
		fn(err)
	}
}

func sortIDs(ids []uint64) {
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j] < ids[j-1]; j-- {
			ids[j], ids[j-1] = ids[j-1], ids[j]
		}
	}
}
