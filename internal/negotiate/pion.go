package negotiate

import (
	"github.com/pion/webrtc/v4"
)

// DefaultSTUN is used when no ICE servers are configured.
var DefaultSTUN = []string{"stun:stun.l.google.com:19302"}

// PionDialer returns a Dialer producing real pion peer connections with the
// given STUN/TURN URLs.
func PionDialer(iceServers []string) Dialer {
	if len(iceServers) == 0 {
		iceServers = DefaultSTUN
	}
	cfg := webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: iceServers}},
	}
	return func() (PeerConn, error) {
		pc, err := webrtc.NewPeerConnection(cfg)
		if err != nil {
			return nil, err
		}
		return &pionConn{pc: pc}, nil
	}
}

type pionConn struct {
	pc *webrtc.PeerConnection
}

func (p *pionConn) CreateOffer() (webrtc.SessionDescription, error) {
	return p.pc.CreateOffer(nil)
}

func (p *pionConn) CreateAnswer() (webrtc.SessionDescription, error) {
	return p.pc.CreateAnswer(nil)
}

func (p *pionConn) SetLocalDescription(d webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(d)
}

func (p *pionConn) SetRemoteDescription(d webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(d)
}

func (p *pionConn) AddICECandidate(c webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(c)
}

func (p *pionConn) AddTrack(t webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	return p.pc.AddTrack(t)
}

func (p *pionConn) AddVideoReceiver() error {
	_, err := p.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	})
	return err
}

func (p *pionConn) OnICECandidate(fn func(*webrtc.ICECandidate)) {
	p.pc.OnICECandidate(fn)
}

func (p *pionConn) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(fn)
}

func (p *pionConn) OnTrack(fn func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	p.pc.OnTrack(fn)
}

func (p *pionConn) Close() error {
	return p.pc.Close()
}
