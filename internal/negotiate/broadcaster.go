package negotiate

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/vigilhq/vigil/internal/ice"
	"github.com/vigilhq/vigil/internal/proto"
	"github.com/vigilhq/vigil/internal/signal"
)

// Broadcaster is the employee-side negotiator for one attached viewer. It
// answers the viewer's offer point-to-point (routed by socket id through
// the relay) while its own ICE candidates go out un-targeted for the relay
// to fan out to the session room.
//
// The employee endpoint routes inbound candidates to the right Broadcaster
// by the relay-stamped origin socket, so this type subscribes to nothing
// itself.
type Broadcaster struct {
	sessionID    string
	viewerSocket string

	ch  signal.Channel
	pc  PeerConn
	buf *ice.Buffer

	mu    sync.Mutex
	state State
	err   error

	onState func(State)
}

// BroadcasterOpts carries the optional state observer.
type BroadcasterOpts struct {
	OnState func(State)
}

// StartBroadcaster answers offer from the viewer at viewerSocket, attaching
// track (the broadcast-owned capture track, shared by reference across all
// viewers of the session).
func StartBroadcaster(ch signal.Channel, dial Dialer, sessionID, viewerSocket string, track webrtc.TrackLocal, offer webrtc.SessionDescription, opts BroadcasterOpts) (*Broadcaster, error) {
	pc, err := dial()
	if err != nil {
		return nil, fmt.Errorf("dial peer connection: %w", err)
	}

	b := &Broadcaster{
		sessionID:    sessionID,
		viewerSocket: viewerSocket,
		ch:           ch,
		pc:           pc,
		buf:          &ice.Buffer{},
		state:        StateIdle,
		onState:      opts.OnState,
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		_ = ch.Emit(proto.EventICECandidate, proto.ICECandidatePayload{
			SessionID: sessionID,
			Candidate: c.ToJSON(),
		})
	})
	pc.OnConnectionStateChange(b.handleConnState)

	sender, err := pc.AddTrack(track)
	if err != nil {
		b.release(StateFailed, err)
		return nil, fmt.Errorf("add track: %w", err)
	}
	go drainRTCP(sender)

	b.setState(StateOffering)
	if err := pc.SetRemoteDescription(offer); err != nil {
		b.release(StateFailed, err)
		return nil, fmt.Errorf("set remote description: %w", err)
	}
	if err := b.buf.DrainInto(pc); err != nil {
		b.release(StateFailed, err)
		return nil, err
	}
	answer, err := pc.CreateAnswer()
	if err != nil {
		b.release(StateFailed, err)
		return nil, fmt.Errorf("create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		b.release(StateFailed, err)
		return nil, fmt.Errorf("set local description: %w", err)
	}
	if err := ch.Emit(proto.EventAnswer, proto.AnswerPayload{
		SessionID:  sessionID,
		Answer:     answer,
		ToSocketID: viewerSocket,
	}); err != nil {
		b.release(StateFailed, err)
		return nil, err
	}
	b.setState(StateAwaitingAnswer)
	log.Debugf("broadcaster %s → %s: answer sent", sessionID, viewerSocket)
	return b, nil
}

// ViewerSocketID identifies the viewer this negotiator serves.
func (b *Broadcaster) ViewerSocketID() string { return b.viewerSocket }

// SessionID returns the session being shared.
func (b *Broadcaster) SessionID() string { return b.sessionID }

// State returns the current lifecycle state.
func (b *Broadcaster) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Err returns the failure cause after a Failed transition.
func (b *Broadcaster) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// HandleCandidate applies one viewer candidate, buffered only in the window
// before the remote description was set.
func (b *Broadcaster) HandleCandidate(c webrtc.ICECandidateInit) error {
	return b.buf.Enqueue(c)
}

// Close releases the peer connection. Idempotent.
func (b *Broadcaster) Close() {
	b.release(StateClosed, nil)
}

func (b *Broadcaster) handleConnState(s webrtc.PeerConnectionState) {
	switch s {
	case webrtc.PeerConnectionStateConnected:
		b.setState(StateConnected)
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected:
		b.release(StateFailed, fmt.Errorf("transport %s", s))
	}
}

func (b *Broadcaster) setState(s State) {
	b.mu.Lock()
	if b.state.Terminal() {
		b.mu.Unlock()
		return
	}
	b.state = s
	cb := b.onState
	b.mu.Unlock()
	if cb != nil {
		cb(s)
	}
}

func (b *Broadcaster) release(final State, cause error) {
	b.mu.Lock()
	if b.state.Terminal() {
		b.mu.Unlock()
		return
	}
	b.state = final
	b.err = cause
	cb := b.onState
	b.mu.Unlock()

	if err := b.pc.Close(); err != nil {
		log.Debugf("broadcaster %s: close pc: %v", b.sessionID, err)
	}
	if cause != nil {
		log.Warnf("broadcaster %s → %s failed: %v", b.sessionID, b.viewerSocket, cause)
	}
	if cb != nil {
		cb(final)
	}
}

// drainRTCP reads and discards RTCP from the sender to keep the transport
// alive. Tolerates a nil sender from fakes.
func drainRTCP(sender *webrtc.RTPSender) {
	if sender == nil {
		return
	}
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}
