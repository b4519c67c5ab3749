package signal

import (
	"encoding/json"
	"sync"

	"github.com/vigilhq/vigil/internal/proto"
)

// Fake is an in-process Channel for tests: Deliver injects inbound events,
// Sent records outbound ones. It starts connected.
type Fake struct {
	reg *registry

	mu        sync.Mutex
	connected bool
	sent      []proto.Message
}

var _ Channel = (*Fake)(nil)

// NewFake returns a connected fake channel.
func NewFake() *Fake {
	return &Fake{reg: newRegistry(), connected: true}
}

// Deliver dispatches an inbound event to subscribers synchronously, the way
// the real client's read loop does.
func (f *Fake) Deliver(event string, payload any) {
	msg, err := proto.NewMessage(event, payload)
	if err != nil {
		panic(err)
	}
	data := msg.Data
	if data == nil {
		data = json.RawMessage("{}")
	}
	f.reg.dispatch(event, data)
}

// Sent returns a copy of every message emitted so far.
func (f *Fake) Sent() []proto.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]proto.Message, len(f.sent))
	copy(out, f.sent)
	return out
}

// SentOf returns the emitted messages with the given event name.
func (f *Fake) SentOf(event string) []proto.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []proto.Message
	for _, m := range f.sent {
		if m.Event == event {
			out = append(out, m)
		}
	}
	return out
}

// Reset discards the recorded outbound messages.
func (f *Fake) Reset() {
	f.mu.Lock()
	f.sent = nil
	f.mu.Unlock()
}

// SetConnected flips the connectivity flag, firing the matching hooks.
func (f *Fake) SetConnected(up bool) {
	f.mu.Lock()
	was := f.connected
	f.connected = up
	f.mu.Unlock()
	if up && !was {
		f.reg.fireConnect()
	}
	if !up && was {
		f.reg.fireDisconnect(nil)
	}
}

func (f *Fake) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *Fake) Subscribe(event string, h Handler) *Subscription {
	return f.reg.subscribe(event, h)
}

func (f *Fake) OnConnect(fn func()) *Subscription {
	return f.reg.onConnectHook(fn)
}

func (f *Fake) OnDisconnect(fn func(err error)) *Subscription {
	return f.reg.onDisconnectHook(fn)
}

// Emit records the message, or drops it while "disconnected" — same contract
// as the real client.
func (f *Fake) Emit(event string, payload any) error {
	msg, err := proto.NewMessage(event, payload)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return nil
	}
	f.sent = append(f.sent, msg)
	return nil
}
