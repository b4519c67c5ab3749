// Package monitor implements the admin endpoint: it authenticates against
// the relay, attaches to employee sessions, keeps the session registry fresh
// from both push events and a periodic re-fetch, and drives one viewing
// negotiation per visible session card.
package monitor

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"

	"github.com/vigilhq/vigil/internal/negotiate"
	"github.com/vigilhq/vigil/internal/proto"
	"github.com/vigilhq/vigil/internal/registry"
	"github.com/vigilhq/vigil/internal/signal"
	"github.com/vigilhq/vigil/internal/statestore"
	"github.com/vigilhq/vigil/internal/viewport"
)

var log = logging.Logger("monitor")

// Fetcher returns the relay's full session list.
type Fetcher func(ctx context.Context) ([]proto.SessionInfo, error)

const defaultRetryDelay = 2 * time.Second

// Options configures a Monitor.
type Options struct {
	Name  string
	Token string

	Dialer       negotiate.Dialer
	Store        *statestore.Store // optional; persists the attached list
	Fetch        Fetcher           // optional; enables the re-fetch poll
	PollInterval time.Duration
	Debounce     time.Duration // card start debounce; 0 selects the default
	RetryDelay   time.Duration // delay before re-offering after a failure
	WatchAll     bool          // every card behaves as full-view

	// OnTrack delivers remote media as it arrives, tagged with the session.
	OnTrack func(sessionID string, t *webrtc.TrackRemote)
	// OnDenied fires when an employee declines a connection request.
	OnDenied func(employeeName string)
}

type viewerEntry struct {
	v       *negotiate.Viewer
	attempt uint64
}

// Monitor is the admin endpoint.
type Monitor struct {
	ch   signal.Channel
	reg  *registry.Registry
	opts Options

	mu       sync.Mutex
	cards    map[string]*viewport.Card
	viewers  map[string]viewerEntry
	attempt  uint64            // attempt id generator
	attempts map[string]uint64 // per session: the attempt currently allowed to win
	subs     []*signal.Subscription
	undo     []func() // registry listener cancels
	done     chan struct{}
	closed   bool
}

// New creates a monitor on ch. Call Start to begin handling events.
func New(ch signal.Channel, reg *registry.Registry, opts Options) *Monitor {
	if opts.Dialer == nil {
		opts.Dialer = negotiate.PionDialer(nil)
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = defaultRetryDelay
	}
	return &Monitor{
		ch:       ch,
		reg:      reg,
		opts:     opts,
		cards:    make(map[string]*viewport.Card),
		viewers:  make(map[string]viewerEntry),
		attempts: make(map[string]uint64),
		done:     make(chan struct{}),
	}
}

// Start restores persisted attachments, subscribes to signaling events, and
// authenticates. Re-auth and room re-join run after every reconnect.
func (m *Monitor) Start() {
	m.restore()

	subs := []*signal.Subscription{
		m.ch.Subscribe(proto.EventConnectSuccess, m.handleConnectSuccess),
		m.ch.Subscribe(proto.EventConnectError, m.handleConnectError),
		m.ch.Subscribe(proto.EventSessionJoined, m.handleSessionJoined),
		m.ch.Subscribe(proto.EventNewSession, m.handleNewSession),
		m.ch.Subscribe(proto.EventStreamStarted, m.handleStreamStarted),
		m.ch.Subscribe(proto.EventStreamStopped, m.handleStreamStopped),
		m.ch.Subscribe(proto.EventSessionEnded, m.handleSessionEnded),
		m.ch.Subscribe(proto.EventRequestSent, m.handleRequestSent),
		m.ch.Subscribe(proto.EventRequestDenied, m.handleRequestDenied),
		m.ch.Subscribe(proto.EventError, m.handleError),
		m.ch.OnConnect(m.authenticate),
	}
	undo := []func(){
		m.reg.OnStreamChange(m.streamChanged),
		m.reg.OnChange(m.persist),
	}
	m.mu.Lock()
	m.subs = append(m.subs, subs...)
	m.undo = append(m.undo, undo...)
	m.mu.Unlock()

	if m.ch.Connected() {
		m.authenticate()
	}
	if m.opts.Fetch != nil && m.opts.PollInterval > 0 {
		go m.pollLoop()
	}
}

// RequestConnection asks the relay to attach this admin to the employee's
// session, creating a connection-request handshake at the employee end.
func (m *Monitor) RequestConnection(employeeID string) error {
	return m.ch.Emit(proto.EventConnectByIdentity, proto.ConnectByIdentityPayload{
		EmployeeID: employeeID,
	})
}

// Card returns the viewport card for sessionID, creating it if needed. The
// card drives the session's viewing connection from its visibility inputs.
func (m *Monitor) Card(sessionID string) *viewport.Card {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cardLocked(sessionID)
}

func (m *Monitor) cardLocked(sessionID string) *viewport.Card {
	if c, ok := m.cards[sessionID]; ok {
		return c
	}
	c := viewport.NewCard(sessionID, m.opts.Debounce, m.startViewing, m.closeViewer)
	m.cards[sessionID] = c
	if m.opts.WatchAll {
		c.SetFullView(true)
	}
	if s, ok := m.reg.Get(sessionID); ok {
		c.SetStreamActive(s.StreamActive)
	}
	return c
}

// Viewing reports whether a live viewing connection exists for sessionID.
func (m *Monitor) Viewing(sessionID string) bool {
	m.mu.Lock()
	e, ok := m.viewers[sessionID]
	m.mu.Unlock()
	return ok && e.v.State() == negotiate.StateConnected
}

// Detach drops the session entirely: connection, card, room membership, and
// registry entry. The relay is told to stop routing the session's events
// to this socket.
func (m *Monitor) Detach(sessionID string) {
	m.mu.Lock()
	card := m.cards[sessionID]
	delete(m.cards, sessionID)
	m.mu.Unlock()
	if card != nil {
		card.Close() // releases the viewer through the stop callback
	}
	m.closeViewer(sessionID)

	_ = m.ch.Emit(proto.EventLeaveSession, proto.LeaveSessionPayload{SessionID: sessionID})
	m.reg.Remove(sessionID)
}

// Refresh runs one full re-fetch immediately.
func (m *Monitor) Refresh(ctx context.Context) error {
	if m.opts.Fetch == nil {
		return nil
	}
	list, err := m.opts.Fetch(ctx)
	if err != nil {
		return err
	}
	m.reg.MergeRefresh(list)
	return nil
}

// Close tears down every card and viewing connection, leaves all rooms, and
// cancels every subscription. Idempotent.
func (m *Monitor) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	close(m.done)
	cards := m.cards
	m.cards = make(map[string]*viewport.Card)
	viewers := m.viewers
	m.viewers = make(map[string]viewerEntry)
	subs := m.subs
	m.subs = nil
	undo := m.undo
	m.undo = nil
	m.mu.Unlock()

	for _, c := range cards {
		c.Close()
	}
	for _, e := range viewers {
		e.v.Close()
	}
	// Empty session id leaves every room this socket joined.
	_ = m.ch.Emit(proto.EventLeaveSession, proto.LeaveSessionPayload{})
	for _, s := range subs {
		s.Cancel()
	}
	for _, fn := range undo {
		fn()
	}
}

// restore seeds the registry and rooms from the persisted attached list.
// Stream state restored this way is provisional until the first push event
// or re-fetch; it is merged without a realtime stamp so either can correct it.
func (m *Monitor) restore() {
	if m.opts.Store == nil {
		return
	}
	list, err := m.opts.Store.LoadAttached()
	if err != nil {
		log.Warnf("restore attached sessions: %v", err)
		return
	}
	// Rooms first: the merge fires the persist listener, which writes back
	// only sessions with room membership.
	for _, info := range list {
		m.reg.JoinRoom(info.SessionID)
	}
	m.reg.MergeRefresh(list)
	if len(list) > 0 {
		log.Infof("restored %d attached sessions", len(list))
	}
}

// authenticate runs on every (re)connect. Room membership at the relay does
// not survive a reconnect, so every desired room is re-joined.
func (m *Monitor) authenticate() {
	_ = m.ch.Emit(proto.EventAuth, proto.AuthPayload{
		Token: m.opts.Token,
		Role:  proto.RoleAdmin,
		Name:  m.opts.Name,
	})
	for _, id := range m.reg.Rooms() {
		_ = m.ch.Emit(proto.EventJoinSession, proto.JoinSessionPayload{SessionID: id})
	}
}

func (m *Monitor) handleConnectSuccess(data json.RawMessage) {
	var info proto.SessionInfo
	if err := json.Unmarshal(data, &info); err != nil || info.SessionID == "" {
		return
	}
	m.reg.ApplyRealtime(info)
	if m.reg.JoinRoom(info.SessionID) {
		_ = m.ch.Emit(proto.EventJoinSession, proto.JoinSessionPayload{SessionID: info.SessionID})
	}
	m.mu.Lock()
	if !m.closed {
		m.cardLocked(info.SessionID)
	}
	m.mu.Unlock()
	log.Infof("attached to session %s (%s)", info.SessionID, info.EmployeeName)
}

func (m *Monitor) handleConnectError(data json.RawMessage) {
	var p proto.ErrorPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	log.Warnf("connect failed: %s", p.Message)
}

func (m *Monitor) handleSessionJoined(data json.RawMessage) {
	var p proto.SessionJoinedPayload
	if err := json.Unmarshal(data, &p); err != nil || p.SessionID == "" {
		return
	}
	s, ok := m.reg.Get(p.SessionID)
	if !ok {
		s = registry.Session{ID: p.SessionID}
	}
	info := s.Info()
	info.AvatarURL = p.AvatarURL
	info.StreamActive = p.StreamActive
	if p.StreamActive {
		info.DisconnectReason = proto.ReasonNone
	}
	m.reg.ApplyRealtime(info)
}

// handleNewSession records a freshly created employee session. It is not an
// attachment: no room is joined until the admin connects to it.
func (m *Monitor) handleNewSession(data json.RawMessage) {
	var info proto.SessionInfo
	if err := json.Unmarshal(data, &info); err != nil || info.SessionID == "" {
		return
	}
	m.reg.ApplyRealtime(info)
}

func (m *Monitor) handleStreamStarted(data json.RawMessage) {
	var p proto.StreamStartedPayload
	if err := json.Unmarshal(data, &p); err != nil || p.SessionID == "" {
		return
	}
	m.reg.MarkStreamActive(p.SessionID, true, proto.ReasonNone)
}

func (m *Monitor) handleStreamStopped(data json.RawMessage) {
	var p proto.StreamStoppedPayload
	if err := json.Unmarshal(data, &p); err != nil || p.SessionID == "" {
		return
	}
	m.reg.MarkStreamActive(p.SessionID, false, p.Reason)
}

func (m *Monitor) handleSessionEnded(data json.RawMessage) {
	var p proto.SessionEndedPayload
	if err := json.Unmarshal(data, &p); err != nil || p.SessionID == "" {
		return
	}
	log.Infof("session %s ended", p.SessionID)
	m.mu.Lock()
	card := m.cards[p.SessionID]
	delete(m.cards, p.SessionID)
	m.mu.Unlock()
	if card != nil {
		card.Close()
	}
	m.closeViewer(p.SessionID)
	m.reg.Remove(p.SessionID)
}

func (m *Monitor) handleRequestSent(data json.RawMessage) {
	var p proto.RequestResultPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	log.Infof("request delivered to %s", p.EmployeeName)
}

func (m *Monitor) handleRequestDenied(data json.RawMessage) {
	var p proto.RequestResultPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	log.Infof("request denied by %s", p.EmployeeName)
	if m.opts.OnDenied != nil {
		m.opts.OnDenied(p.EmployeeName)
	}
}

// handleError corrects stale references: a session the relay no longer knows
// is dropped locally so the UI stops offering it.
func (m *Monitor) handleError(data json.RawMessage) {
	var p proto.ErrorPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	log.Warnf("relay error: %s (session %q)", p.Message, p.SessionID)
	if p.SessionID != "" && strings.Contains(p.Message, "not found") {
		m.mu.Lock()
		card := m.cards[p.SessionID]
		delete(m.cards, p.SessionID)
		m.mu.Unlock()
		if card != nil {
			card.Close()
		}
		m.closeViewer(p.SessionID)
		m.reg.Remove(p.SessionID)
	}
}

// streamChanged feeds registry stream transitions into the session's card.
func (m *Monitor) streamChanged(sessionID string, active bool, reason string) {
	m.mu.Lock()
	card := m.cards[sessionID]
	m.mu.Unlock()
	if card != nil {
		card.SetStreamActive(active)
	}
	if !active && reason != proto.ReasonNone {
		log.Debugf("session %s stream stopped: %s", sessionID, reason)
	}
}

// startViewing is the card start callback: it supersedes any previous
// negotiation for the session and sends a fresh offer.
func (m *Monitor) startViewing(sessionID string) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.attempt++
	attempt := m.attempt
	m.attempts[sessionID] = attempt
	old, had := m.viewers[sessionID]
	delete(m.viewers, sessionID)
	m.mu.Unlock()
	if had {
		old.v.Close()
	}

	onTrack := m.opts.OnTrack
	v, err := negotiate.StartViewer(m.ch, m.opts.Dialer, sessionID, attempt, negotiate.ViewerOpts{
		OnState: func(s negotiate.State) {
			if s == negotiate.StateFailed {
				m.viewerFailed(sessionID, attempt)
			}
		},
		OnTrack: func(t *webrtc.TrackRemote) {
			if onTrack != nil {
				onTrack(sessionID, t)
			}
		},
	})
	if err != nil {
		log.Warnf("view %s: %v", sessionID, err)
		m.scheduleRetry(sessionID, attempt)
		return
	}

	m.mu.Lock()
	if m.closed || m.attempts[sessionID] != attempt {
		// Superseded (or shut down) while the offer was being built.
		m.mu.Unlock()
		v.Close()
		return
	}
	m.viewers[sessionID] = viewerEntry{v: v, attempt: attempt}
	m.mu.Unlock()
}

// closeViewer is the card stop callback. Room membership is kept so stream
// events still arrive and can restart the card later.
func (m *Monitor) closeViewer(sessionID string) {
	m.mu.Lock()
	e, ok := m.viewers[sessionID]
	delete(m.viewers, sessionID)
	m.mu.Unlock()
	if ok {
		e.v.Close()
	}
}

// viewerFailed handles a transport failure on the current attempt. A fresh
// offer is sent after a short delay, provided the card still wants to view
// and no newer attempt took over in the meantime.
func (m *Monitor) viewerFailed(sessionID string, attempt uint64) {
	m.mu.Lock()
	if e, ok := m.viewers[sessionID]; ok && e.attempt == attempt {
		delete(m.viewers, sessionID)
	}
	m.mu.Unlock()
	m.scheduleRetry(sessionID, attempt)
}

func (m *Monitor) scheduleRetry(sessionID string, attempt uint64) {
	time.AfterFunc(m.opts.RetryDelay, func() {
		m.mu.Lock()
		closed := m.closed
		superseded := m.attempts[sessionID] != attempt
		card := m.cards[sessionID]
		m.mu.Unlock()
		if closed || superseded || card == nil || !card.Viewing() {
			return
		}
		log.Debugf("session %s: re-offering after failure", sessionID)
		m.startViewing(sessionID)
	})
}

// persist mirrors the attached sessions into the state store after every
// registry mutation.
func (m *Monitor) persist() {
	if m.opts.Store == nil {
		return
	}
	attached := make(map[string]bool)
	for _, id := range m.reg.Rooms() {
		attached[id] = true
	}
	var list []proto.SessionInfo
	for _, s := range m.reg.List() {
		if attached[s.ID] {
			list = append(list, s.Info())
		}
	}
	if err := m.opts.Store.SaveAttached(list); err != nil {
		log.Warnf("persist attached sessions: %v", err)
	}
}

// pollLoop re-fetches the session list on a fixed interval. The merge
// ignores stream flags for sessions a push event touched within the race
// window, so a poll that raced a push cannot flicker state backwards.
func (m *Monitor) pollLoop() {
	t := time.NewTicker(m.opts.PollInterval)
	defer t.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), m.opts.PollInterval)
			if err := m.Refresh(ctx); err != nil {
				log.Warnf("session re-fetch: %v", err)
			}
			cancel()
		}
	}
}
