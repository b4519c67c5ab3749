// Package agent implements the employee endpoint: it authenticates against
// the relay, fields connection requests from admins, owns the local screen
// capture while sharing, and answers each attached viewer's negotiation
// point-to-point.
package agent

import (
	"encoding/json"
	"errors"
	"sync"

	logging "github.com/ipfs/go-log/v2"

	"github.com/vigilhq/vigil/internal/capture"
	"github.com/vigilhq/vigil/internal/negotiate"
	"github.com/vigilhq/vigil/internal/proto"
	"github.com/vigilhq/vigil/internal/registry"
	"github.com/vigilhq/vigil/internal/signal"
	"github.com/vigilhq/vigil/internal/statestore"
)

var log = logging.Logger("agent")

// ErrNotSharing is returned by StopSharing when no capture is running.
var ErrNotSharing = errors.New("agent: not sharing")

// ConnectionRequest is the transient handshake object for one admin asking
// to watch. It lives until Accept or Decline; nothing is persisted.
type ConnectionRequest struct {
	AdminName     string
	AdminSocketID string

	once    sync.Once
	respond func(accepted bool)
}

// Accept grants the request.
func (r *ConnectionRequest) Accept() { r.once.Do(func() { r.respond(true) }) }

// Decline refuses the request.
func (r *ConnectionRequest) Decline() { r.once.Do(func() { r.respond(false) }) }

// Options configures an Agent.
type Options struct {
	Name       string
	Token      string
	AvatarURL  string
	AutoAccept bool
	Dialer     negotiate.Dialer
	Store      *statestore.Store // optional; persists the issued session id
}

// Agent is the employee endpoint.
type Agent struct {
	ch    signal.Channel
	reg   *registry.Registry
	opts  Options
	bcast *capture.Broadcast

	mu        sync.Mutex
	sessionID string
	conns     map[string]*negotiate.Broadcaster // viewer socket id → negotiator
	subs      []*signal.Subscription
	onRequest []func(*ConnectionRequest)
	closed    bool
}

// New creates an agent on ch. Call Start to begin handling events.
func New(ch signal.Channel, reg *registry.Registry, opts Options) *Agent {
	if opts.Dialer == nil {
		opts.Dialer = negotiate.PionDialer(nil)
	}
	return &Agent{
		ch:    ch,
		reg:   reg,
		opts:  opts,
		bcast: &capture.Broadcast{},
		conns: make(map[string]*negotiate.Broadcaster),
	}
}

// OnConnectionRequest registers a callback fired for each incoming request.
// Without any callback (and without AutoAccept) requests are declined.
func (a *Agent) OnConnectionRequest(fn func(*ConnectionRequest)) {
	a.mu.Lock()
	a.onRequest = append(a.onRequest, fn)
	a.mu.Unlock()
}

// SessionID returns the relay-issued session id, "" before the first auth.
func (a *Agent) SessionID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessionID
}

// Sharing reports whether a capture is running.
func (a *Agent) Sharing() bool { return a.bcast.Active() }

// ViewerCount returns the number of live per-viewer negotiations.
func (a *Agent) ViewerCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.conns)
}

// Start subscribes to signaling events and authenticates. Re-auth runs
// automatically after every transport reconnect.
func (a *Agent) Start() {
	a.bcast.OnStop(a.closeAllConns)

	subs := []*signal.Subscription{
		a.ch.Subscribe(proto.EventSessionCreated, a.handleSessionCreated),
		a.ch.Subscribe(proto.EventConnectionRequest, a.handleConnectionRequest),
		a.ch.Subscribe(proto.EventAdminJoined, a.handleAdminJoined),
		a.ch.Subscribe(proto.EventAdminLeft, a.handleAdminLeft),
		a.ch.Subscribe(proto.EventOffer, a.handleOffer),
		a.ch.Subscribe(proto.EventICECandidate, a.handleCandidate),
		a.ch.Subscribe(proto.EventError, a.handleError),
		a.ch.OnConnect(a.authenticate),
	}
	a.mu.Lock()
	a.subs = append(a.subs, subs...)
	a.mu.Unlock()

	if a.ch.Connected() {
		a.authenticate()
	}
}

// StartSharing takes ownership of src and announces the stream.
func (a *Agent) StartSharing(src capture.Source) error {
	if err := a.bcast.Start(src); err != nil {
		return err
	}
	a.mu.Lock()
	sid := a.sessionID
	a.mu.Unlock()
	if sid != "" {
		a.reg.MarkStreamActive(sid, true, "")
	}
	return a.ch.Emit(proto.EventStartSharing, nil)
}

// StopSharing announces the stop, then tears down the capture and every
// attached negotiation.
func (a *Agent) StopSharing() error {
	if !a.bcast.Active() {
		return ErrNotSharing
	}
	err := a.ch.Emit(proto.EventStopSharing, nil)
	a.bcast.Stop()
	a.mu.Lock()
	sid := a.sessionID
	a.mu.Unlock()
	if sid != "" {
		a.reg.MarkStreamActive(sid, false, proto.ReasonEnded)
	}
	return err
}

// Close is the logout path. While broadcasting, the local capture is torn
// down immediately — before any signaling — so the screen stops leaving
// this machine even if the relay never hears about it.
func (a *Agent) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	subs := a.subs
	a.subs = nil
	a.mu.Unlock()

	wasSharing := a.bcast.Active()
	a.bcast.Stop() // fires closeAllConns
	if wasSharing {
		_ = a.ch.Emit(proto.EventStopSharing, nil)
	}
	for _, s := range subs {
		s.Cancel()
	}
}

// authenticate runs on every (re)connect; room membership at the relay does
// not survive a transport reconnect.
func (a *Agent) authenticate() {
	_ = a.ch.Emit(proto.EventAuth, proto.AuthPayload{
		Token: a.opts.Token,
		Role:  proto.RoleEmployee,
		Name:  a.opts.Name,
	})
	// The relay marks the stream stopped when the socket drops, so a capture
	// that survived the blip has to announce itself again or every new offer
	// gets refused.
	if a.bcast.Active() {
		_ = a.ch.Emit(proto.EventStartSharing, nil)
	}
}

func (a *Agent) handleSessionCreated(data json.RawMessage) {
	var p proto.SessionCreatedPayload
	if err := json.Unmarshal(data, &p); err != nil || p.SessionID == "" {
		return
	}
	a.mu.Lock()
	a.sessionID = p.SessionID
	a.mu.Unlock()

	a.reg.ApplyRealtime(proto.SessionInfo{
		SessionID:    p.SessionID,
		EmployeeName: a.opts.Name,
		AvatarURL:    a.opts.AvatarURL,
		StreamActive: a.bcast.Active(),
	})
	a.reg.JoinRoom(p.SessionID)

	if a.opts.Store != nil {
		if err := a.opts.Store.SetSessionID(p.SessionID); err != nil {
			log.Warnf("persist session id: %v", err)
		}
	}
	log.Infof("session %s", p.SessionID)
}

func (a *Agent) handleConnectionRequest(data json.RawMessage) {
	var p proto.ConnectionRequestPayload
	if err := json.Unmarshal(data, &p); err != nil || p.AdminSocketID == "" {
		return
	}
	req := &ConnectionRequest{
		AdminName:     p.AdminName,
		AdminSocketID: p.AdminSocketID,
		respond: func(accepted bool) {
			_ = a.ch.Emit(proto.EventRespondConnection, proto.RespondConnectionPayload{
				AdminSocketID: p.AdminSocketID,
				Accepted:      accepted,
			})
		},
	}

	if a.opts.AutoAccept {
		req.Accept()
		return
	}
	a.mu.Lock()
	handlers := make([]func(*ConnectionRequest), len(a.onRequest))
	copy(handlers, a.onRequest)
	a.mu.Unlock()
	if len(handlers) == 0 {
		log.Infof("declining request from %s: no handler registered", p.AdminName)
		req.Decline()
		return
	}
	for _, fn := range handlers {
		fn(req)
	}
}

func (a *Agent) handleAdminJoined(data json.RawMessage) {
	a.mu.Lock()
	sid := a.sessionID
	a.mu.Unlock()
	if sid != "" {
		a.reg.IncrementAdminCount(sid)
	}
}

func (a *Agent) handleAdminLeft(data json.RawMessage) {
	a.mu.Lock()
	sid := a.sessionID
	a.mu.Unlock()
	if sid != "" {
		a.reg.DecrementAdminCount(sid)
	}
}

// handleOffer answers an authorized viewer. The relay already refuses
// offers for inactive sessions; the local check covers the race where
// capture stopped while the offer was in flight.
func (a *Agent) handleOffer(data json.RawMessage) {
	var p proto.OfferPayload
	if err := json.Unmarshal(data, &p); err != nil || p.FromSocketID == "" {
		return
	}
	a.mu.Lock()
	sid := a.sessionID
	a.mu.Unlock()
	if p.SessionID != sid {
		return
	}
	track, err := a.bcast.Track()
	if err != nil {
		log.Debugf("offer from %s ignored: %v", p.FromSocketID, err)
		return
	}

	// A repeat offer from the same viewer supersedes its old negotiation.
	a.mu.Lock()
	if old, ok := a.conns[p.FromSocketID]; ok {
		delete(a.conns, p.FromSocketID)
		a.mu.Unlock()
		old.Close()
		a.mu.Lock()
	}
	a.mu.Unlock()

	from := p.FromSocketID
	b, err := negotiate.StartBroadcaster(a.ch, a.opts.Dialer, sid, from, track, p.Offer,
		negotiate.BroadcasterOpts{OnState: func(s negotiate.State) {
			if s.Terminal() {
				a.mu.Lock()
				if cur, ok := a.conns[from]; ok && cur.State().Terminal() {
					delete(a.conns, from)
				}
				a.mu.Unlock()
			}
		}})
	if err != nil {
		log.Warnf("answer %s: %v", from, err)
		return
	}
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		b.Close()
		return
	}
	a.conns[from] = b
	a.mu.Unlock()
}

func (a *Agent) handleCandidate(data json.RawMessage) {
	var p proto.ICECandidatePayload
	if err := json.Unmarshal(data, &p); err != nil || p.FromSocketID == "" {
		return
	}
	a.mu.Lock()
	b, ok := a.conns[p.FromSocketID]
	a.mu.Unlock()
	if !ok {
		return
	}
	if err := b.HandleCandidate(p.Candidate); err != nil {
		log.Debugf("candidate from %s: %v", p.FromSocketID, err)
	}
}

func (a *Agent) handleError(data json.RawMessage) {
	var p proto.ErrorPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	log.Warnf("relay error: %s (session %q)", p.Message, p.SessionID)
}

// closeAllConns closes every per-viewer negotiation. Runs from the
// broadcast OnStop hook: stopping capture closes every attached connection.
func (a *Agent) closeAllConns() {
	a.mu.Lock()
	conns := a.conns
	a.conns = make(map[string]*negotiate.Broadcaster)
	a.mu.Unlock()
	for _, b := range conns {
		b.Close()
	}
}
