// Package ice buffers remote ICE candidates that arrive before the remote
// description is set. Candidates are order-sensitive relative to each other
// but may be deferred as a batch; once drained the buffer is bypassed and
// later candidates apply immediately.
package ice

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

// Applier consumes candidates once a remote description exists.
// *webrtc.PeerConnection satisfies it.
type Applier interface {
	AddICECandidate(webrtc.ICECandidateInit) error
}

// Buffer is a per-connection-attempt candidate queue.
type Buffer struct {
	mu      sync.Mutex
	pending []webrtc.ICECandidateInit
	target  Applier
}

// Enqueue stores c if the buffer has not been drained yet, otherwise applies
// it directly. An empty candidate (end-of-candidates marker) is kept in
// order like any other — discarding it would leave the remote gathering
// state dangling.
func (b *Buffer) Enqueue(c webrtc.ICECandidateInit) error {
	b.mu.Lock()
	if b.target == nil {
		b.pending = append(b.pending, c)
		b.mu.Unlock()
		return nil
	}
	t := b.target
	b.mu.Unlock()
	return t.AddICECandidate(c)
}

// DrainInto applies every buffered candidate to t in arrival order, then
// routes all later candidates straight to t. Call it right after the remote
// description is set. Stops at the first apply error; the remaining
// candidates stay buffered so a retry can finish the drain.
func (b *Buffer) DrainInto(t Applier) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.pending) > 0 {
		c := b.pending[0]
		if err := t.AddICECandidate(c); err != nil {
			return err
		}
		b.pending = b.pending[1:]
	}
	b.target = t
	return nil
}

// Len reports how many candidates are waiting.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
