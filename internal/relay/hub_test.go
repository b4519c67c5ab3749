package relay

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/vigilhq/vigil/internal/proto"
)

const testSecret = "test-secret"

type testClient struct {
	t    *testing.T
	hub  *Hub
	sock *Socket

	mu   sync.Mutex
	recv []proto.Message
}

func connect(t *testing.T, h *Hub) *testClient {
	t.Helper()
	c := &testClient{t: t, hub: h}
	c.sock = h.Register(func(msg proto.Message) {
		c.mu.Lock()
		c.recv = append(c.recv, msg)
		c.mu.Unlock()
	})
	return c
}

func (c *testClient) send(event string, payload any) {
	c.t.Helper()
	msg, err := proto.NewMessage(event, payload)
	if err != nil {
		c.t.Fatal(err)
	}
	c.hub.HandleMessage(c.sock, msg)
}

func (c *testClient) auth(uid, name, role string) {
	c.t.Helper()
	tok, err := IssueToken(testSecret, uid, name, role, time.Hour)
	if err != nil {
		c.t.Fatal(err)
	}
	c.send(proto.EventAuth, proto.AuthPayload{Token: tok, Role: role, Name: name})
}

func (c *testClient) of(event string) []proto.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []proto.Message
	for _, m := range c.recv {
		if m.Event == event {
			out = append(out, m)
		}
	}
	return out
}

func (c *testClient) one(event string, into any) {
	c.t.Helper()
	got := c.of(event)
	if len(got) != 1 {
		c.t.Fatalf("received %d %s, want 1", len(got), event)
	}
	if into != nil {
		if err := json.Unmarshal(got[0].Data, into); err != nil {
			c.t.Fatal(err)
		}
	}
}

func newHub(ttl time.Duration) *Hub {
	return NewHub(JWTAuth(testSecret), ttl, nil)
}

// attachedAdmin runs the full handshake: connect-by-identity, accept, join.
func attachedAdmin(t *testing.T, h *Hub, emp *testClient, name string) (*testClient, string) {
	t.Helper()
	adm := connect(t, h)
	adm.auth("a-"+name, name, proto.RoleAdmin)
	adm.send(proto.EventConnectByIdentity, proto.ConnectByIdentityPayload{EmployeeID: emp.sock.uid})

	var req proto.ConnectionRequestPayload
	reqs := emp.of(proto.EventConnectionRequest)
	if len(reqs) == 0 {
		t.Fatal("employee received no connection-request")
	}
	json.Unmarshal(reqs[len(reqs)-1].Data, &req)
	emp.send(proto.EventRespondConnection, proto.RespondConnectionPayload{
		AdminSocketID: req.AdminSocketID, Accepted: true,
	})

	var info proto.SessionInfo
	adm.one(proto.EventConnectSuccess, &info)
	adm.send(proto.EventJoinSession, proto.JoinSessionPayload{SessionID: info.SessionID})
	return adm, info.SessionID
}

func TestEmployeeAuthCreatesSession(t *testing.T) {
	h := newHub(time.Minute)
	adm := connect(t, h)
	adm.auth("a1", "Admin", proto.RoleAdmin)

	emp := connect(t, h)
	emp.auth("e1", "Ann", proto.RoleEmployee)

	var created proto.SessionCreatedPayload
	emp.one(proto.EventSessionCreated, &created)
	if created.SessionID == "" {
		t.Fatal("empty session id")
	}

	var info proto.SessionInfo
	adm.one(proto.EventNewSession, &info)
	if info.SessionID != created.SessionID || info.EmployeeName != "Ann" || info.EmployeeID != "e1" {
		t.Errorf("new-session = %+v", info)
	}
}

func TestInvalidTokenRejected(t *testing.T) {
	h := newHub(time.Minute)
	c := connect(t, h)
	c.send(proto.EventAuth, proto.AuthPayload{Token: "garbage", Role: proto.RoleEmployee})

	var p proto.ErrorPayload
	c.one(proto.EventError, &p)
	if p.Message != "invalid token" {
		t.Errorf("error = %q", p.Message)
	}
	// Still unauthenticated: other events are refused.
	c.send(proto.EventStartSharing, nil)
	if n := len(c.of(proto.EventError)); n != 2 {
		t.Errorf("received %d errors, want 2", n)
	}
}

func TestConnectionHandshake(t *testing.T) {
	h := newHub(time.Minute)
	emp := connect(t, h)
	emp.auth("e1", "Ann", proto.RoleEmployee)
	adm := connect(t, h)
	adm.auth("a1", "Boss", proto.RoleAdmin)

	adm.send(proto.EventConnectByIdentity, proto.ConnectByIdentityPayload{EmployeeID: "e1"})

	var sent proto.RequestResultPayload
	adm.one(proto.EventRequestSent, &sent)
	if sent.EmployeeName != "Ann" {
		t.Errorf("request-sent for %q", sent.EmployeeName)
	}
	var req proto.ConnectionRequestPayload
	emp.one(proto.EventConnectionRequest, &req)
	if req.AdminName != "Boss" || req.AdminSocketID != adm.sock.ID {
		t.Errorf("connection-request = %+v", req)
	}

	emp.send(proto.EventRespondConnection, proto.RespondConnectionPayload{
		AdminSocketID: req.AdminSocketID, Accepted: true,
	})
	var info proto.SessionInfo
	adm.one(proto.EventConnectSuccess, &info)
	if info.EmployeeID != "e1" {
		t.Errorf("connect-success = %+v", info)
	}
}

func TestDeniedHandshake(t *testing.T) {
	h := newHub(time.Minute)
	emp := connect(t, h)
	emp.auth("e1", "Ann", proto.RoleEmployee)
	adm := connect(t, h)
	adm.auth("a1", "Boss", proto.RoleAdmin)

	adm.send(proto.EventConnectByIdentity, proto.ConnectByIdentityPayload{EmployeeID: "e1"})
	var req proto.ConnectionRequestPayload
	emp.one(proto.EventConnectionRequest, &req)
	emp.send(proto.EventRespondConnection, proto.RespondConnectionPayload{
		AdminSocketID: req.AdminSocketID, Accepted: false,
	})

	var denied proto.RequestResultPayload
	adm.one(proto.EventRequestDenied, &denied)
	if denied.EmployeeName != "Ann" {
		t.Errorf("request-denied by %q", denied.EmployeeName)
	}
	if n := len(adm.of(proto.EventConnectSuccess)); n != 0 {
		t.Errorf("received %d connect-success after denial", n)
	}
}

func TestConnectByIdentityUnknownEmployee(t *testing.T) {
	h := newHub(time.Minute)
	adm := connect(t, h)
	adm.auth("a1", "Boss", proto.RoleAdmin)
	adm.send(proto.EventConnectByIdentity, proto.ConnectByIdentityPayload{EmployeeID: "nobody"})
	adm.one(proto.EventConnectError, nil)
}

func TestJoinSessionNotifiesEmployee(t *testing.T) {
	h := newHub(time.Minute)
	emp := connect(t, h)
	emp.auth("e1", "Ann", proto.RoleEmployee)
	attachedAdmin(t, h, emp, "Boss")

	var joined proto.AdminPresencePayload
	emp.one(proto.EventAdminJoined, &joined)
	if joined.AdminName != "Boss" {
		t.Errorf("admin-joined = %+v", joined)
	}
}

func TestJoinUnknownSession(t *testing.T) {
	h := newHub(time.Minute)
	adm := connect(t, h)
	adm.auth("a1", "Boss", proto.RoleAdmin)
	adm.send(proto.EventJoinSession, proto.JoinSessionPayload{SessionID: "gone"})

	var p proto.ErrorPayload
	adm.one(proto.EventError, &p)
	if p.Message != "session not found" || p.SessionID != "gone" {
		t.Errorf("error = %+v", p)
	}
}

func TestStreamEventsReachRoomOnly(t *testing.T) {
	h := newHub(time.Minute)
	emp := connect(t, h)
	emp.auth("e1", "Ann", proto.RoleEmployee)
	watcher, sid := attachedAdmin(t, h, emp, "Watcher")

	// Authenticated admin outside the room.
	outsider := connect(t, h)
	outsider.auth("a2", "Outsider", proto.RoleAdmin)

	emp.send(proto.EventStartSharing, nil)

	var started proto.StreamStartedPayload
	watcher.one(proto.EventStreamStarted, &started)
	if started.SessionID != sid {
		t.Errorf("stream-started for %q", started.SessionID)
	}
	if n := len(outsider.of(proto.EventStreamStarted)); n != 0 {
		t.Errorf("outsider received %d stream-started", n)
	}
}

// Two admins watch the same session; the employee stops sharing and both are
// torn down by a single stream-stopped each.
func TestStopSharingReachesEveryWatcher(t *testing.T) {
	h := newHub(time.Minute)
	emp := connect(t, h)
	emp.auth("e1", "Ann", proto.RoleEmployee)
	adm1, _ := attachedAdmin(t, h, emp, "One")
	adm2, _ := attachedAdmin(t, h, emp, "Two")

	emp.send(proto.EventStartSharing, nil)
	emp.send(proto.EventStopSharing, nil)

	for _, adm := range []*testClient{adm1, adm2} {
		var p proto.StreamStoppedPayload
		adm.one(proto.EventStreamStopped, &p)
		if p.Reason != proto.ReasonEnded {
			t.Errorf("reason = %q, want %q", p.Reason, proto.ReasonEnded)
		}
	}
}

func TestOfferRefusedWhileNotSharing(t *testing.T) {
	h := newHub(time.Minute)
	emp := connect(t, h)
	emp.auth("e1", "Ann", proto.RoleEmployee)
	adm, sid := attachedAdmin(t, h, emp, "Boss")

	adm.send(proto.EventOffer, proto.OfferPayload{
		SessionID: sid,
		Offer:     webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\n"},
	})

	var p proto.ErrorPayload
	adm.one(proto.EventError, &p)
	if p.Message != "not sharing" || p.SessionID != sid {
		t.Errorf("error = %+v", p)
	}
	if n := len(emp.of(proto.EventOffer)); n != 0 {
		t.Errorf("employee received %d offers", n)
	}
}

func TestOfferForwardedWithOriginStamp(t *testing.T) {
	h := newHub(time.Minute)
	emp := connect(t, h)
	emp.auth("e1", "Ann", proto.RoleEmployee)
	adm, sid := attachedAdmin(t, h, emp, "Boss")
	emp.send(proto.EventStartSharing, nil)

	adm.send(proto.EventOffer, proto.OfferPayload{
		SessionID: sid,
		Offer:     webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\n"},
	})

	var p proto.OfferPayload
	emp.one(proto.EventOffer, &p)
	if p.FromSocketID != adm.sock.ID {
		t.Errorf("fromSocketId = %q, want %q", p.FromSocketID, adm.sock.ID)
	}
}

func TestAnswerRoutedPointToPoint(t *testing.T) {
	h := newHub(time.Minute)
	emp := connect(t, h)
	emp.auth("e1", "Ann", proto.RoleEmployee)
	adm1, sid := attachedAdmin(t, h, emp, "One")
	adm2, _ := attachedAdmin(t, h, emp, "Two")

	emp.send(proto.EventAnswer, proto.AnswerPayload{
		SessionID:  sid,
		Answer:     webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0\r\n"},
		ToSocketID: adm1.sock.ID,
	})
	adm1.one(proto.EventAnswer, nil)
	if n := len(adm2.of(proto.EventAnswer)); n != 0 {
		t.Errorf("second admin received %d answers", n)
	}
}

func TestCandidateRouting(t *testing.T) {
	h := newHub(time.Minute)
	emp := connect(t, h)
	emp.auth("e1", "Ann", proto.RoleEmployee)
	adm1, sid := attachedAdmin(t, h, emp, "One")
	adm2, _ := attachedAdmin(t, h, emp, "Two")
	emp.send(proto.EventStartSharing, nil)

	// Broadcaster candidates fan out to the whole room.
	emp.send(proto.EventICECandidate, proto.ICECandidatePayload{
		SessionID: sid, Candidate: webrtc.ICECandidateInit{Candidate: "from-emp"},
	})
	adm1.one(proto.EventICECandidate, nil)
	adm2.one(proto.EventICECandidate, nil)

	// Viewer candidates go only to the employee, stamped with the origin.
	adm1.send(proto.EventICECandidate, proto.ICECandidatePayload{
		SessionID: sid, Candidate: webrtc.ICECandidateInit{Candidate: "from-adm"},
	})
	var p proto.ICECandidatePayload
	emp.one(proto.EventICECandidate, &p)
	if p.FromSocketID != adm1.sock.ID {
		t.Errorf("fromSocketId = %q", p.FromSocketID)
	}
	if n := len(adm2.of(proto.EventICECandidate)); n != 1 {
		t.Errorf("second admin received %d candidates, want only the fan-out one", n)
	}
}

func TestEmployeeDropMarksOfflineAndRestores(t *testing.T) {
	h := newHub(time.Minute)
	emp := connect(t, h)
	emp.auth("e1", "Ann", proto.RoleEmployee)
	adm, sid := attachedAdmin(t, h, emp, "Boss")
	emp.send(proto.EventStartSharing, nil)

	h.Disconnect(emp.sock)

	var p proto.StreamStoppedPayload
	adm.one(proto.EventStreamStopped, &p)
	if p.Reason != proto.ReasonOffline {
		t.Errorf("reason = %q, want %q", p.Reason, proto.ReasonOffline)
	}

	// Same identity returns inside the grace period: same session id.
	emp2 := connect(t, h)
	emp2.auth("e1", "Ann", proto.RoleEmployee)
	var created proto.SessionCreatedPayload
	emp2.one(proto.EventSessionCreated, &created)
	if created.SessionID != sid {
		t.Errorf("restored session %q, want %q", created.SessionID, sid)
	}
	// Restoration is not a new session.
	if n := len(adm.of(proto.EventNewSession)); n != 1 {
		t.Errorf("admin received %d new-session, want just the original", n)
	}
}

func TestSessionExpiresAfterGrace(t *testing.T) {
	h := newHub(30 * time.Millisecond)
	emp := connect(t, h)
	emp.auth("e1", "Ann", proto.RoleEmployee)
	adm, sid := attachedAdmin(t, h, emp, "Boss")

	h.Disconnect(emp.sock)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(adm.of(proto.EventSessionEnded)) == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	var p proto.SessionEndedPayload
	adm.one(proto.EventSessionEnded, &p)
	if p.SessionID != sid {
		t.Errorf("session-ended for %q", p.SessionID)
	}
	if len(h.Sessions()) != 0 {
		t.Error("expired session still listed")
	}
}

func TestAdminDropNotifiesEmployee(t *testing.T) {
	h := newHub(time.Minute)
	emp := connect(t, h)
	emp.auth("e1", "Ann", proto.RoleEmployee)
	adm, _ := attachedAdmin(t, h, emp, "Boss")

	h.Disconnect(adm.sock)

	var p proto.AdminPresencePayload
	emp.one(proto.EventAdminLeft, &p)
	if p.AdminName != "Boss" {
		t.Errorf("admin-left = %+v", p)
	}
}

func TestLeaveAllRooms(t *testing.T) {
	h := newHub(time.Minute)
	emp1 := connect(t, h)
	emp1.auth("e1", "Ann", proto.RoleEmployee)
	emp2 := connect(t, h)
	emp2.auth("e2", "Bob", proto.RoleEmployee)

	adm := connect(t, h)
	adm.auth("a1", "Boss", proto.RoleAdmin)
	for _, emp := range []*testClient{emp1, emp2} {
		adm.send(proto.EventConnectByIdentity, proto.ConnectByIdentityPayload{EmployeeID: emp.sock.uid})
		var req proto.ConnectionRequestPayload
		emp.one(proto.EventConnectionRequest, &req)
		emp.send(proto.EventRespondConnection, proto.RespondConnectionPayload{
			AdminSocketID: req.AdminSocketID, Accepted: true,
		})
	}
	var infos []proto.Message
	infos = adm.of(proto.EventConnectSuccess)
	for _, m := range infos {
		var info proto.SessionInfo
		json.Unmarshal(m.Data, &info)
		adm.send(proto.EventJoinSession, proto.JoinSessionPayload{SessionID: info.SessionID})
	}

	adm.send(proto.EventLeaveSession, proto.LeaveSessionPayload{})

	emp1.one(proto.EventAdminLeft, nil)
	emp2.one(proto.EventAdminLeft, nil)
}
