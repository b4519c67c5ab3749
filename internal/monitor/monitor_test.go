package monitor

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/vigilhq/vigil/internal/negotiate"
	"github.com/vigilhq/vigil/internal/proto"
	"github.com/vigilhq/vigil/internal/registry"
	"github.com/vigilhq/vigil/internal/signal"
	"github.com/vigilhq/vigil/internal/statestore"
)

const testDebounce = 20 * time.Millisecond

func newTestMonitor(t *testing.T, opts Options) (*Monitor, *signal.Fake, *registry.Registry) {
	t.Helper()
	ch := signal.NewFake()
	reg := registry.New()
	if opts.Name == "" {
		opts.Name = "Admin"
	}
	if opts.Token == "" {
		opts.Token = "tok"
	}
	if opts.Dialer == nil {
		opts.Dialer = negotiate.FakeDialer()
	}
	if opts.Debounce == 0 {
		opts.Debounce = testDebounce
	}
	if opts.RetryDelay == 0 {
		opts.RetryDelay = testDebounce
	}
	m := New(ch, reg, opts)
	m.Start()
	t.Cleanup(m.Close)
	return m, ch, reg
}

func waitFor(t *testing.T, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func session(id string) proto.SessionInfo {
	return proto.SessionInfo{SessionID: id, EmployeeID: "e-" + id, EmployeeName: "Emp " + id}
}

// waitViewing blocks until the session's negotiation is registered, so a
// teardown delivered next cannot race the registration.
func waitViewing(t *testing.T, m *Monitor, sessionID string) {
	t.Helper()
	waitFor(t, "negotiation never registered", func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		_, ok := m.viewers[sessionID]
		return ok
	})
}

func TestAuthAsAdminOnStart(t *testing.T) {
	_, ch, _ := newTestMonitor(t, Options{})
	auths := ch.SentOf(proto.EventAuth)
	if len(auths) != 1 {
		t.Fatalf("emitted %d auths, want 1", len(auths))
	}
	var p proto.AuthPayload
	json.Unmarshal(auths[0].Data, &p)
	if p.Role != proto.RoleAdmin {
		t.Errorf("auth role = %q", p.Role)
	}
}

func TestConnectSuccessAttaches(t *testing.T) {
	m, ch, reg := newTestMonitor(t, Options{})
	ch.Deliver(proto.EventConnectSuccess, session("s1"))

	if _, ok := reg.Get("s1"); !ok {
		t.Fatal("session not in registry")
	}
	joins := ch.SentOf(proto.EventJoinSession)
	if len(joins) != 1 {
		t.Fatalf("emitted %d join-session, want 1", len(joins))
	}
	var p proto.JoinSessionPayload
	json.Unmarshal(joins[0].Data, &p)
	if p.SessionID != "s1" {
		t.Errorf("joined %q", p.SessionID)
	}
	if m.Card("s1") == nil {
		t.Error("no card created")
	}
}

func TestReconnectReauthsAndRejoinsRooms(t *testing.T) {
	_, ch, _ := newTestMonitor(t, Options{})
	ch.Deliver(proto.EventConnectSuccess, session("s1"))
	ch.Deliver(proto.EventConnectSuccess, session("s2"))

	ch.Reset()
	ch.SetConnected(false)
	ch.SetConnected(true)

	if n := len(ch.SentOf(proto.EventAuth)); n != 1 {
		t.Errorf("emitted %d auths after reconnect, want 1", n)
	}
	if n := len(ch.SentOf(proto.EventJoinSession)); n != 2 {
		t.Errorf("re-joined %d rooms, want 2", n)
	}
}

func TestStreamStartDrivesViewingConnection(t *testing.T) {
	_, ch, _ := newTestMonitor(t, Options{WatchAll: true})
	ch.Deliver(proto.EventConnectSuccess, session("s1"))
	ch.Deliver(proto.EventStreamStarted, proto.StreamStartedPayload{SessionID: "s1"})

	waitFor(t, "no offer sent", func() bool {
		return len(ch.SentOf(proto.EventOffer)) == 1
	})
	var p proto.OfferPayload
	json.Unmarshal(ch.SentOf(proto.EventOffer)[0].Data, &p)
	if p.SessionID != "s1" {
		t.Errorf("offer for %q", p.SessionID)
	}
}

func TestNoConnectionWithoutVisibility(t *testing.T) {
	_, ch, _ := newTestMonitor(t, Options{})
	ch.Deliver(proto.EventConnectSuccess, session("s1"))
	ch.Deliver(proto.EventStreamStarted, proto.StreamStartedPayload{SessionID: "s1"})

	time.Sleep(4 * testDebounce)
	if n := len(ch.SentOf(proto.EventOffer)); n != 0 {
		t.Errorf("emitted %d offers for an off-screen card, want 0", n)
	}
}

func TestVisibilityDrivesConnection(t *testing.T) {
	m, ch, _ := newTestMonitor(t, Options{})
	ch.Deliver(proto.EventConnectSuccess, session("s1"))
	ch.Deliver(proto.EventStreamStarted, proto.StreamStartedPayload{SessionID: "s1"})

	m.Card("s1").SetVisible(true)
	waitFor(t, "no offer after card became visible", func() bool {
		return len(ch.SentOf(proto.EventOffer)) == 1
	})
}

func TestStreamStopTearsDownImmediately(t *testing.T) {
	pc := &negotiate.FakeConn{AutoConnect: true}
	m, ch, _ := newTestMonitor(t, Options{WatchAll: true, Dialer: negotiate.FakeDialer(pc)})
	ch.Deliver(proto.EventConnectSuccess, session("s1"))
	ch.Deliver(proto.EventStreamStarted, proto.StreamStartedPayload{SessionID: "s1"})
	waitViewing(t, m, "s1")

	ch.Deliver(proto.EventStreamStopped, proto.StreamStoppedPayload{
		SessionID: "s1", Reason: proto.ReasonEnded,
	})
	if !pc.Closed() {
		t.Error("connection survived stream-stopped")
	}
}

func TestSessionEndedDetaches(t *testing.T) {
	pc := &negotiate.FakeConn{AutoConnect: true}
	m, ch, reg := newTestMonitor(t, Options{WatchAll: true, Dialer: negotiate.FakeDialer(pc)})
	ch.Deliver(proto.EventConnectSuccess, session("s1"))
	ch.Deliver(proto.EventStreamStarted, proto.StreamStartedPayload{SessionID: "s1"})
	waitViewing(t, m, "s1")

	ch.Deliver(proto.EventSessionEnded, proto.SessionEndedPayload{SessionID: "s1"})
	if _, ok := reg.Get("s1"); ok {
		t.Error("session still in registry")
	}
	if !pc.Closed() {
		t.Error("connection survived session-ended")
	}
	if m.Viewing("s1") {
		t.Error("still viewing an ended session")
	}
}

func TestNotFoundErrorDropsStaleSession(t *testing.T) {
	_, ch, reg := newTestMonitor(t, Options{})
	ch.Deliver(proto.EventConnectSuccess, session("s1"))
	ch.Deliver(proto.EventError, proto.ErrorPayload{Message: "session not found", SessionID: "s1"})
	if _, ok := reg.Get("s1"); ok {
		t.Error("stale session kept after not-found error")
	}
}

func TestRequestDeniedNotifies(t *testing.T) {
	var denied string
	_, ch, _ := newTestMonitor(t, Options{OnDenied: func(name string) { denied = name }})
	ch.Deliver(proto.EventRequestDenied, proto.RequestResultPayload{EmployeeName: "Ann"})
	if denied != "Ann" {
		t.Errorf("denied = %q, want Ann", denied)
	}
}

func TestFailedConnectionReoffers(t *testing.T) {
	pc1 := &negotiate.FakeConn{AutoConnect: true}
	pc2 := &negotiate.FakeConn{AutoConnect: true}
	m, ch, _ := newTestMonitor(t, Options{WatchAll: true, Dialer: negotiate.FakeDialer(pc1, pc2)})
	ch.Deliver(proto.EventConnectSuccess, session("s1"))
	ch.Deliver(proto.EventStreamStarted, proto.StreamStartedPayload{SessionID: "s1"})
	waitViewing(t, m, "s1")

	pc1.FireState(webrtc.PeerConnectionStateFailed)
	waitFor(t, "no re-offer after transport failure", func() bool {
		return len(ch.SentOf(proto.EventOffer)) == 2
	})
	if !pc1.Closed() {
		t.Error("failed connection not released")
	}
}

func TestRefreshMergesFetchedList(t *testing.T) {
	fetch := func(ctx context.Context) ([]proto.SessionInfo, error) {
		s := session("s1")
		s.StreamActive = true
		return []proto.SessionInfo{s, session("s2")}, nil
	}
	m, _, reg := newTestMonitor(t, Options{Fetch: fetch})
	if err := m.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	s1, ok := reg.Get("s1")
	if !ok || !s1.StreamActive {
		t.Errorf("s1 = %+v ok=%v", s1, ok)
	}
	if _, ok := reg.Get("s2"); !ok {
		t.Error("s2 missing after refresh")
	}
}

func TestAttachedListPersistsAndRestores(t *testing.T) {
	dir := t.TempDir()
	store, err := statestore.Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	m, ch, _ := newTestMonitor(t, Options{Store: store})
	ch.Deliver(proto.EventConnectSuccess, session("s1"))
	m.Close()
	store.Close()

	store, err = statestore.Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	_, ch2, reg2 := newTestMonitor(t, Options{Store: store})
	if _, ok := reg2.Get("s1"); !ok {
		t.Fatal("restored registry missing s1")
	}
	// The restored room is re-joined as part of auth.
	joins := ch2.SentOf(proto.EventJoinSession)
	if len(joins) != 1 {
		t.Fatalf("emitted %d join-session after restore, want 1", len(joins))
	}
}

func TestDetachLeavesRoom(t *testing.T) {
	m, ch, reg := newTestMonitor(t, Options{})
	ch.Deliver(proto.EventConnectSuccess, session("s1"))
	m.Detach("s1")

	leaves := ch.SentOf(proto.EventLeaveSession)
	if len(leaves) != 1 {
		t.Fatalf("emitted %d leave-session, want 1", len(leaves))
	}
	var p proto.LeaveSessionPayload
	json.Unmarshal(leaves[0].Data, &p)
	if p.SessionID != "s1" {
		t.Errorf("left %q", p.SessionID)
	}
	if _, ok := reg.Get("s1"); ok {
		t.Error("detached session still in registry")
	}
	if len(reg.Rooms()) != 0 {
		t.Error("room membership kept after detach")
	}
}

func TestCloseLeavesAllRooms(t *testing.T) {
	m, ch, _ := newTestMonitor(t, Options{})
	ch.Deliver(proto.EventConnectSuccess, session("s1"))
	m.Close()

	leaves := ch.SentOf(proto.EventLeaveSession)
	if len(leaves) != 1 {
		t.Fatalf("emitted %d leave-session on close, want 1", len(leaves))
	}
	var p proto.LeaveSessionPayload
	json.Unmarshal(leaves[0].Data, &p)
	if p.SessionID != "" {
		t.Errorf("close left %q, want the leave-all form", p.SessionID)
	}
}

func TestRequestConnectionByIdentity(t *testing.T) {
	m, ch, _ := newTestMonitor(t, Options{})
	if err := m.RequestConnection("e-77"); err != nil {
		t.Fatal(err)
	}
	sent := ch.SentOf(proto.EventConnectByIdentity)
	if len(sent) != 1 {
		t.Fatalf("emitted %d connect-by-identity, want 1", len(sent))
	}
	var p proto.ConnectByIdentityPayload
	json.Unmarshal(sent[0].Data, &p)
	if p.EmployeeID != "e-77" {
		t.Errorf("employeeId = %q", p.EmployeeID)
	}
}
