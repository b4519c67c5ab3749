package negotiate

import (
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
)

// FakeConn is an in-process PeerConn for tests. It records descriptions,
// candidates and tracks, and lets tests drive connection-state transitions
// explicitly (FireState) or automatically once a remote description lands
// (AutoConnect).
type FakeConn struct {
	AutoConnect bool

	// Error injection.
	FailCreateOffer  bool
	FailCreateAnswer bool
	FailSetRemote    bool

	mu         sync.Mutex
	localDesc  *webrtc.SessionDescription
	remoteDesc *webrtc.SessionDescription
	candidates []webrtc.ICECandidateInit
	tracks     []webrtc.TrackLocal
	receivers  int
	closed     bool

	onICE   func(*webrtc.ICECandidate)
	onState func(webrtc.PeerConnectionState)
	onTrack func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
}

var _ PeerConn = (*FakeConn)(nil)

// FakeDialer returns a Dialer handing out the conns in order, then fresh
// default fakes.
func FakeDialer(conns ...*FakeConn) Dialer {
	i := 0
	var mu sync.Mutex
	return func() (PeerConn, error) {
		mu.Lock()
		defer mu.Unlock()
		if i < len(conns) {
			c := conns[i]
			i++
			return c, nil
		}
		return &FakeConn{AutoConnect: true}, nil
	}
}

func (f *FakeConn) CreateOffer() (webrtc.SessionDescription, error) {
	if f.FailCreateOffer {
		return webrtc.SessionDescription{}, errors.New("fake: create offer refused")
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\nfake-offer\r\n"}, nil
}

func (f *FakeConn) CreateAnswer() (webrtc.SessionDescription, error) {
	if f.FailCreateAnswer {
		return webrtc.SessionDescription{}, errors.New("fake: create answer refused")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.remoteDesc == nil {
		return webrtc.SessionDescription{}, errors.New("fake: no remote description")
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0\r\nfake-answer\r\n"}, nil
}

func (f *FakeConn) SetLocalDescription(d webrtc.SessionDescription) error {
	f.mu.Lock()
	f.localDesc = &d
	f.mu.Unlock()
	return nil
}

func (f *FakeConn) SetRemoteDescription(d webrtc.SessionDescription) error {
	if f.FailSetRemote {
		return errors.New("fake: set remote refused")
	}
	f.mu.Lock()
	f.remoteDesc = &d
	auto := f.AutoConnect
	f.mu.Unlock()
	if auto {
		f.FireState(webrtc.PeerConnectionStateConnected)
	}
	return nil
}

func (f *FakeConn) AddICECandidate(c webrtc.ICECandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.remoteDesc == nil {
		return errors.New("fake: candidate before remote description")
	}
	f.candidates = append(f.candidates, c)
	return nil
}

func (f *FakeConn) AddTrack(t webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	f.mu.Lock()
	f.tracks = append(f.tracks, t)
	f.mu.Unlock()
	return nil, nil
}

func (f *FakeConn) AddVideoReceiver() error {
	f.mu.Lock()
	f.receivers++
	f.mu.Unlock()
	return nil
}

func (f *FakeConn) OnICECandidate(fn func(*webrtc.ICECandidate)) {
	f.mu.Lock()
	f.onICE = fn
	f.mu.Unlock()
}

func (f *FakeConn) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	f.mu.Lock()
	f.onState = fn
	f.mu.Unlock()
}

func (f *FakeConn) OnTrack(fn func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	f.mu.Lock()
	f.onTrack = fn
	f.mu.Unlock()
}

func (f *FakeConn) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

// FireState invokes the registered connection-state callback.
func (f *FakeConn) FireState(s webrtc.PeerConnectionState) {
	f.mu.Lock()
	fn := f.onState
	f.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

// Closed reports whether Close was called.
func (f *FakeConn) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// RemoteDescription returns the stored remote description, if any.
func (f *FakeConn) RemoteDescription() *webrtc.SessionDescription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remoteDesc
}

// AppliedCandidates returns the candidates applied so far, in order.
func (f *FakeConn) AppliedCandidates() []webrtc.ICECandidateInit {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]webrtc.ICECandidateInit, len(f.candidates))
	copy(out, f.candidates)
	return out
}

// AttachedTracks returns the local tracks added to the connection.
func (f *FakeConn) AttachedTracks() []webrtc.TrackLocal {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]webrtc.TrackLocal, len(f.tracks))
	copy(out, f.tracks)
	return out
}
