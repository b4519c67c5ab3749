package negotiate

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/vigilhq/vigil/internal/ice"
	"github.com/vigilhq/vigil/internal/proto"
	"github.com/vigilhq/vigil/internal/signal"
)

// Viewer is the admin-side negotiator for one session: it sends the offer,
// waits for the broadcaster's answer, and surfaces the remote tracks.
type Viewer struct {
	sessionID string
	attempt   uint64

	ch  signal.Channel
	pc  PeerConn
	buf *ice.Buffer

	mu       sync.Mutex
	state    State
	answered bool
	err      error
	subs     []*signal.Subscription
	tracks   []*webrtc.TrackRemote

	onState func(State)
	onTrack func(*webrtc.TrackRemote)
}

// ViewerOpts carries the optional observer callbacks. Callbacks run outside
// the negotiator lock and must not block.
type ViewerOpts struct {
	OnState func(State)
	OnTrack func(*webrtc.TrackRemote)
}

// StartViewer creates a viewer negotiator for sessionID, constructs the
// local offer, emits it tagged with the session id, and transitions to
// AwaitingAnswer. The caller enforces the one-connected-negotiator-per-
// session rule by closing any previous attempt first.
func StartViewer(ch signal.Channel, dial Dialer, sessionID string, attempt uint64, opts ViewerOpts) (*Viewer, error) {
	pc, err := dial()
	if err != nil {
		return nil, fmt.Errorf("dial peer connection: %w", err)
	}

	v := &Viewer{
		sessionID: sessionID,
		attempt:   attempt,
		ch:        ch,
		pc:        pc,
		buf:       &ice.Buffer{},
		state:     StateIdle,
		onState:   opts.OnState,
		onTrack:   opts.OnTrack,
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
	pc.OnConnectionStateChange(v.handleConnState)
	pc.OnTrack(func(t *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		v.mu.Lock()
		closed := v.state.Terminal()
		if !closed {
			v.tracks = append(v.tracks, t)
		}
		cb := v.onTrack
		v.mu.Unlock()
		if !closed && cb != nil {
			cb(t)
		}
	})

	v.subscribe()

	if err := pc.AddVideoReceiver(); err != nil {
		v.release(StateFailed, err)
		return nil, err
	}

	offer, err := pc.CreateOffer()
	if err != nil {
		v.release(StateFailed, err)
		return nil, fmt.Errorf("create offer: %w", err)
	}
	v.setState(StateOffering)
	if err := pc.SetLocalDescription(offer); err != nil {
		v.release(StateFailed, err)
		return nil, fmt.Errorf("set local description: %w", err)
	}
	if err := ch.Emit(proto.EventOffer, proto.OfferPayload{SessionID: sessionID, Offer: offer}); err != nil {
		v.release(StateFailed, err)
		return nil, err
	}
	v.setState(StateAwaitingAnswer)
	log.Debugf("viewer %s attempt %d: offer sent", sessionID, attempt)
	return v, nil
}

// SessionID returns the session this viewer negotiates for.
func (v *Viewer) SessionID() string { return v.sessionID }

// Attempt returns the negotiation attempt id.
func (v *Viewer) Attempt() uint64 { return v.attempt }

// State returns the current lifecycle state.
func (v *Viewer) State() State {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

// Err returns the failure cause after a Failed transition.
func (v *Viewer) Err() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.err
}

// Tracks returns the remote media stream handle: the tracks delivered by
// the broadcaster. Empty once the negotiator is closed or failed.
func (v *Viewer) Tracks() []*webrtc.TrackRemote {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]*webrtc.TrackRemote, len(v.tracks))
	copy(out, v.tracks)
	return out
}

// Close tears the negotiator down: cancels every subscription, closes the
// peer connection, and discards the media stream — all before returning.
// Idempotent.
func (v *Viewer) Close() {
	v.release(StateClosed, nil)
}

// subscribe registers the answer and candidate handlers, collected for
// exhaustive cancellation on teardown.
func (v *Viewer) subscribe() {
	ansSub := v.ch.Subscribe(proto.EventAnswer, func(data json.RawMessage) {
		var p proto.AnswerPayload
		if err := json.Unmarshal(data, &p); err != nil || p.SessionID != v.sessionID {
			return
		}
		v.applyAnswer(p.Answer)
	})
	iceSub := v.ch.Subscribe(proto.EventICECandidate, func(data json.RawMessage) {
		var p proto.ICECandidatePayload
		if err := json.Unmarshal(data, &p); err != nil || p.SessionID != v.sessionID {
			return
		}
		if err := v.buf.Enqueue(p.Candidate); err != nil {
			log.Debugf("viewer %s: apply candidate: %v", v.sessionID, err)
		}
	})
	v.mu.Lock()
	v.subs = append(v.subs, ansSub, iceSub)
	v.mu.Unlock()
}

func (v *Viewer) applyAnswer(answer webrtc.SessionDescription) {
	// The answered flag is claimed under the lock so a duplicate answer
	// arriving before the Connected transition never reaches the peer
	// connection twice.
	v.mu.Lock()
	if v.state != StateAwaitingAnswer || v.answered {
		v.mu.Unlock()
		return
	}
	v.answered = true
	v.mu.Unlock()

	if err := v.pc.SetRemoteDescription(answer); err != nil {
		v.fail(fmt.Errorf("set remote description: %w", err))
		return
	}
	// Remote description present: flush candidates that arrived early, in
	// arrival order, then bypass the buffer.
	if err := v.buf.DrainInto(v.pc); err != nil {
		v.fail(fmt.Errorf("drain candidates: %w", err))
		return
	}
	log.Debugf("viewer %s: answer applied", v.sessionID)
}

func (v *Viewer) handleConnState(s webrtc.PeerConnectionState) {
	switch s {
	case webrtc.PeerConnectionStateConnected:
		v.setState(StateConnected)
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected:
		v.fail(fmt.Errorf("transport %s", s))
	}
}

// fail is the AnyState → Failed edge. Resources are released exactly as on
// Close; the caller may start a fresh attempt independently.
func (v *Viewer) fail(err error) {
	v.release(StateFailed, err)
}

func (v *Viewer) setState(s State) {
	v.mu.Lock()
	if v.state.Terminal() {
		v.mu.Unlock()
		return
	}
	v.state = s
	cb := v.onState
	v.mu.Unlock()
	if cb != nil {
		cb(s)
	}
}

// release moves to a terminal state and frees everything exactly once.
func (v *Viewer) release(final State, cause error) {
	v.mu.Lock()
	if v.state.Terminal() {
		v.mu.Unlock()
		return
	}
	v.state = final
	v.err = cause
	subs := v.subs
	v.subs = nil
	v.tracks = nil
	cb := v.onState
	v.mu.Unlock()

	for _, s := range subs {
		s.Cancel()
	}
	if err := v.pc.Close(); err != nil {
		log.Debugf("viewer %s: close pc: %v", v.sessionID, err)
	}
	if cause != nil {
		log.Warnf("viewer %s attempt %d failed: %v", v.sessionID, v.attempt, cause)
	}
	if cb != nil {
		cb(final)
	}
}
