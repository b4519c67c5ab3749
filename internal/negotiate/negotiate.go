// Package negotiate drives per-viewer media connection setup: the
// offer/answer/ICE exchange between one admin viewer and one employee
// broadcaster, brokered by the signaling relay.
//
// One negotiator exists per (session, role) connection attempt. Attempts are
// tagged with a monotonically increasing id by the caller; when a new
// attempt supersedes an old one, closing the old negotiator cancels all of
// its channel subscriptions, so events referencing the superseded attempt
// can no longer act.
//
// Teardown contract: Close and a failure transition both synchronously
// release the owned media stream, close the underlying connection, and
// unregister every handler registered during the negotiation. Partial
// cleanup is a resource leak, not an option.
package negotiate

import (
	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"
)

var log = logging.Logger("negotiate")

// State is the negotiator lifecycle position.
type State int32

const (
	StateIdle State = iota
	StateOffering
	StateAwaitingAnswer
	StateConnected
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOffering:
		return "offering"
	case StateAwaitingAnswer:
		return "awaiting-answer"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state is Closed or Failed.
func (s State) Terminal() bool { return s == StateClosed || s == StateFailed }

// PeerConn is the negotiation surface of a peer connection. The pion
// implementation comes from Dialer; tests substitute a FakeConn.
type PeerConn interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error
	AddTrack(webrtc.TrackLocal) (*webrtc.RTPSender, error)
	AddVideoReceiver() error
	OnICECandidate(func(*webrtc.ICECandidate))
	OnConnectionStateChange(func(webrtc.PeerConnectionState))
	OnTrack(func(*webrtc.TrackRemote, *webrtc.RTPReceiver))
	Close() error
}

// Dialer constructs a fresh peer connection per negotiation attempt.
type Dialer func() (PeerConn, error)
