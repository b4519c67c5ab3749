// Package relay implements the signaling server: it authenticates both
// endpoint roles, owns the session records, routes the connection handshake
// and the offer/answer/candidate exchange, and manages room membership so
// stream events reach exactly the admins watching a session.
package relay

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/vigilhq/vigil/internal/proto"
	"github.com/vigilhq/vigil/internal/util"
)

var log = logging.Logger("relay")

// Claims is the identity carried by a client credential.
type Claims struct {
	UID    string
	Name   string
	Role   string
	Avatar string
}

// AuthFunc validates a raw token and returns its claims.
type AuthFunc func(token string) (*Claims, error)

// Emitter delivers one signaling message to a connected socket. The hub
// never blocks on it; transports buffer or drop on their own.
type Emitter func(proto.Message)

// Socket is one connected signaling client.
type Socket struct {
	ID string

	emit Emitter

	// Guarded by the hub lock after registration.
	role string
	uid  string
	name string
}

func (s *Socket) send(event string, payload any) {
	msg, err := proto.NewMessage(event, payload)
	if err != nil {
		log.Errorf("marshal %s: %v", event, err)
		return
	}
	s.emit(msg)
}

type session struct {
	id               string
	employeeUID      string
	employeeName     string
	avatarURL        string
	streamActive     bool
	disconnectReason string

	employee *Socket     // nil while the employee is offline
	expire   *time.Timer // armed while offline
}

func (s *session) info() proto.SessionInfo {
	return proto.SessionInfo{
		SessionID:        s.id,
		EmployeeID:       s.employeeUID,
		EmployeeName:     s.employeeName,
		AvatarURL:        s.avatarURL,
		StreamActive:     s.streamActive,
		DisconnectReason: s.disconnectReason,
	}
}

// Hub is the signaling state machine. One instance serves every socket.
type Hub struct {
	auth AuthFunc
	ttl  time.Duration // offline grace before a session is ended
	ring *util.LogRing

	mu      sync.Mutex
	byUID   map[string]*session
	byID    map[string]*session
	admins  map[string]*Socket            // authed admin sockets
	rooms   map[string]map[string]*Socket // session id → admin sockets
	sockets map[string]*Socket            // every registered socket
}

// NewHub creates a hub. ring may be nil.
func NewHub(auth AuthFunc, ttl time.Duration, ring *util.LogRing) *Hub {
	return &Hub{
		auth:    auth,
		ttl:     ttl,
		ring:    ring,
		byUID:   make(map[string]*session),
		byID:    make(map[string]*session),
		admins:  make(map[string]*Socket),
		rooms:   make(map[string]map[string]*Socket),
		sockets: make(map[string]*Socket),
	}
}

// Register creates a socket for a new transport connection.
func (h *Hub) Register(emit Emitter) *Socket {
	s := &Socket{ID: uuid.NewString(), emit: emit}
	h.mu.Lock()
	h.sockets[s.ID] = s
	h.mu.Unlock()
	return s
}

// Sessions returns the full session list, for the list endpoint.
func (h *Hub) Sessions() []proto.SessionInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]proto.SessionInfo, 0, len(h.byID))
	for _, sess := range h.byID {
		out = append(out, sess.info())
	}
	return out
}

// HandleMessage routes one inbound frame. Unauthenticated sockets may only
// authenticate.
func (h *Hub) HandleMessage(sock *Socket, msg proto.Message) {
	if msg.Event == proto.EventAuth {
		h.handleAuth(sock, msg.Data)
		return
	}
	h.mu.Lock()
	role := sock.role
	h.mu.Unlock()
	if role == "" {
		sock.send(proto.EventError, proto.ErrorPayload{Message: "not authenticated"})
		return
	}

	switch msg.Event {
	case proto.EventConnectByIdentity:
		h.handleConnectByIdentity(sock, msg.Data)
	case proto.EventRespondConnection:
		h.handleRespondConnection(sock, msg.Data)
	case proto.EventJoinSession:
		h.handleJoinSession(sock, msg.Data)
	case proto.EventLeaveSession:
		h.handleLeaveSession(sock, msg.Data)
	case proto.EventStartSharing:
		h.handleSharing(sock, true)
	case proto.EventStopSharing:
		h.handleSharing(sock, false)
	case proto.EventOffer:
		h.handleOffer(sock, msg.Data)
	case proto.EventAnswer:
		h.handleAnswer(sock, msg.Data)
	case proto.EventICECandidate:
		h.handleCandidate(sock, msg.Data)
	default:
		log.Debugf("socket %s: unknown event %q", sock.ID, msg.Event)
	}
}

// Disconnect handles a transport drop for sock.
func (h *Hub) Disconnect(sock *Socket) {
	h.mu.Lock()
	delete(h.sockets, sock.ID)
	role := sock.role
	h.mu.Unlock()

	switch role {
	case proto.RoleEmployee:
		h.employeeOffline(sock)
	case proto.RoleAdmin:
		h.adminGone(sock)
	}
}

func (h *Hub) logf(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	log.Info(line)
	if h.ring != nil {
		h.ring.Append(line)
	}
}

func (h *Hub) handleAuth(sock *Socket, data json.RawMessage) {
	var p proto.AuthPayload
	if err := json.Unmarshal(data, &p); err != nil {
		sock.send(proto.EventError, proto.ErrorPayload{Message: "malformed auth"})
		return
	}
	claims, err := h.auth(p.Token)
	if err != nil {
		log.Warnf("socket %s: auth rejected: %v", sock.ID, err)
		sock.send(proto.EventError, proto.ErrorPayload{Message: "invalid token"})
		return
	}
	role := claims.Role
	if role == "" {
		role = p.Role
	}
	name := claims.Name
	if name == "" {
		name = p.Name
	}

	switch role {
	case proto.RoleEmployee:
		h.employeeOnline(sock, claims.UID, name, claims.Avatar)
	case proto.RoleAdmin:
		h.mu.Lock()
		sock.role = proto.RoleAdmin
		sock.uid = claims.UID
		sock.name = name
		h.admins[sock.ID] = sock
		h.mu.Unlock()
		h.logf("admin %s connected (socket %s)", name, sock.ID)
	default:
		sock.send(proto.EventError, proto.ErrorPayload{Message: "unknown role"})
	}
}

// employeeOnline creates the employee's session or restores the existing one
// when the same identity returns within the offline grace period.
func (h *Hub) employeeOnline(sock *Socket, uid, name, avatar string) {
	h.mu.Lock()
	sock.role = proto.RoleEmployee
	sock.uid = uid
	sock.name = name

	sess, restored := h.byUID[uid]
	if restored {
		if sess.expire != nil {
			sess.expire.Stop()
			sess.expire = nil
		}
		if old := sess.employee; old != nil && old != sock {
			// A second login replaces the previous socket.
			delete(h.sockets, old.ID)
		}
	} else {
		sess = &session{id: uuid.NewString(), employeeUID: uid}
		h.byUID[uid] = sess
		h.byID[sess.id] = sess
	}
	sess.employeeName = name
	if avatar != "" {
		sess.avatarURL = avatar
	}
	sess.employee = sock
	sess.disconnectReason = proto.ReasonNone
	info := sess.info()
	var admins []*Socket
	if !restored {
		for _, a := range h.admins {
			admins = append(admins, a)
		}
	}
	h.mu.Unlock()

	sock.send(proto.EventSessionCreated, proto.SessionCreatedPayload{SessionID: info.SessionID})
	for _, a := range admins {
		a.send(proto.EventNewSession, info)
	}
	if restored {
		h.logf("employee %s restored session %s", name, info.SessionID)
	} else {
		h.logf("employee %s opened session %s", name, info.SessionID)
	}
}

func (h *Hub) handleConnectByIdentity(sock *Socket, data json.RawMessage) {
	var p proto.ConnectByIdentityPayload
	if err := json.Unmarshal(data, &p); err != nil || p.EmployeeID == "" {
		return
	}
	h.mu.Lock()
	sess := h.byUID[p.EmployeeID]
	var employee *Socket
	var employeeName, adminName string
	if sess != nil {
		employee = sess.employee
		employeeName = sess.employeeName
	}
	adminName = sock.name
	h.mu.Unlock()

	if employee == nil {
		sock.send(proto.EventConnectError, proto.ErrorPayload{Message: "employee not available"})
		return
	}
	employee.send(proto.EventConnectionRequest, proto.ConnectionRequestPayload{
		AdminName:     adminName,
		AdminSocketID: sock.ID,
	})
	sock.send(proto.EventRequestSent, proto.RequestResultPayload{EmployeeName: employeeName})
}

func (h *Hub) handleRespondConnection(sock *Socket, data json.RawMessage) {
	var p proto.RespondConnectionPayload
	if err := json.Unmarshal(data, &p); err != nil || p.AdminSocketID == "" {
		return
	}
	h.mu.Lock()
	admin := h.admins[p.AdminSocketID]
	var sess *session
	if sock.role == proto.RoleEmployee {
		sess = h.byUID[sock.uid]
	}
	h.mu.Unlock()
	if admin == nil || sess == nil {
		return
	}
	if p.Accepted {
		admin.send(proto.EventConnectSuccess, sess.info())
		h.logf("employee %s accepted %s", sess.employeeName, admin.name)
	} else {
		admin.send(proto.EventRequestDenied, proto.RequestResultPayload{EmployeeName: sess.employeeName})
		h.logf("employee %s denied %s", sess.employeeName, admin.name)
	}
}

func (h *Hub) handleJoinSession(sock *Socket, data json.RawMessage) {
	var p proto.JoinSessionPayload
	if err := json.Unmarshal(data, &p); err != nil || p.SessionID == "" {
		return
	}
	h.mu.Lock()
	sess := h.byID[p.SessionID]
	if sess == nil {
		h.mu.Unlock()
		sock.send(proto.EventError, proto.ErrorPayload{Message: "session not found", SessionID: p.SessionID})
		return
	}
	room := h.rooms[p.SessionID]
	if room == nil {
		room = make(map[string]*Socket)
		h.rooms[p.SessionID] = room
	}
	_, already := room[sock.ID]
	room[sock.ID] = sock
	employee := sess.employee
	joined := proto.SessionJoinedPayload{
		SessionID:    sess.id,
		AvatarURL:    sess.avatarURL,
		StreamActive: sess.streamActive,
	}
	adminName := sock.name
	h.mu.Unlock()

	sock.send(proto.EventSessionJoined, joined)
	if employee != nil && !already {
		employee.send(proto.EventAdminJoined, proto.AdminPresencePayload{AdminName: adminName})
	}
}

func (h *Hub) handleLeaveSession(sock *Socket, data json.RawMessage) {
	var p proto.LeaveSessionPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	var notify []*Socket

	h.mu.Lock()
	for id, room := range h.rooms {
		if p.SessionID != "" && id != p.SessionID {
			continue
		}
		if _, ok := room[sock.ID]; !ok {
			continue
		}
		delete(room, sock.ID)
		if len(room) == 0 {
			delete(h.rooms, id)
		}
		if sess := h.byID[id]; sess != nil && sess.employee != nil {
			notify = append(notify, sess.employee)
		}
	}
	adminName := sock.name
	h.mu.Unlock()

	for _, employee := range notify {
		employee.send(proto.EventAdminLeft, proto.AdminPresencePayload{AdminName: adminName})
	}
}

// handleSharing flips the employee's stream flag and tells the room.
func (h *Hub) handleSharing(sock *Socket, active bool) {
	h.mu.Lock()
	sess := h.byUID[sock.uid]
	if sess == nil || sock.role != proto.RoleEmployee {
		h.mu.Unlock()
		return
	}
	sess.streamActive = active
	if active {
		sess.disconnectReason = proto.ReasonNone
	} else {
		sess.disconnectReason = proto.ReasonEnded
	}
	id := sess.id
	watchers := h.roomSocketsLocked(id)
	h.mu.Unlock()

	if active {
		h.logf("session %s: stream started", id)
		for _, a := range watchers {
			a.send(proto.EventStreamStarted, proto.StreamStartedPayload{SessionID: id})
		}
	} else {
		h.logf("session %s: stream stopped by employee", id)
		for _, a := range watchers {
			a.send(proto.EventStreamStopped, proto.StreamStoppedPayload{
				SessionID: id, Reason: proto.ReasonEnded,
			})
		}
	}
}

// handleOffer forwards a viewer's offer to the broadcasting employee, stamped
// with the viewer's socket id so the answer and candidates can route back.
// Offers for sessions that are not streaming are refused.
func (h *Hub) handleOffer(sock *Socket, data json.RawMessage) {
	var p proto.OfferPayload
	if err := json.Unmarshal(data, &p); err != nil || p.SessionID == "" {
		return
	}
	h.mu.Lock()
	sess := h.byID[p.SessionID]
	h.mu.Unlock()
	if sess == nil {
		sock.send(proto.EventError, proto.ErrorPayload{Message: "session not found", SessionID: p.SessionID})
		return
	}
	h.mu.Lock()
	active := sess.streamActive
	employee := sess.employee
	h.mu.Unlock()
	if !active || employee == nil {
		sock.send(proto.EventError, proto.ErrorPayload{Message: "not sharing", SessionID: p.SessionID})
		return
	}
	p.FromSocketID = sock.ID
	employee.send(proto.EventOffer, p)
}

// handleAnswer forwards the broadcaster's answer to exactly the viewer that
// offered.
func (h *Hub) handleAnswer(sock *Socket, data json.RawMessage) {
	var p proto.AnswerPayload
	if err := json.Unmarshal(data, &p); err != nil || p.ToSocketID == "" {
		return
	}
	h.mu.Lock()
	admin := h.admins[p.ToSocketID]
	h.mu.Unlock()
	if admin == nil {
		log.Debugf("answer for gone socket %s dropped", p.ToSocketID)
		return
	}
	admin.send(proto.EventAnswer, p)
}

// handleCandidate routes ICE. Employee candidates fan out to the session
// room; admin candidates are forwarded to the employee with the origin
// socket stamped.
func (h *Hub) handleCandidate(sock *Socket, data json.RawMessage) {
	var p proto.ICECandidatePayload
	if err := json.Unmarshal(data, &p); err != nil || p.SessionID == "" {
		return
	}
	h.mu.Lock()
	sess := h.byID[p.SessionID]
	if sess == nil {
		h.mu.Unlock()
		return
	}
	role := sock.role
	employee := sess.employee
	watchers := h.roomSocketsLocked(p.SessionID)
	h.mu.Unlock()

	if role == proto.RoleEmployee {
		p.FromSocketID = ""
		for _, a := range watchers {
			a.send(proto.EventICECandidate, p)
		}
		return
	}
	if employee == nil {
		return
	}
	p.FromSocketID = sock.ID
	employee.send(proto.EventICECandidate, p)
}

// employeeOffline marks the stream stopped and arms the expiry timer. The
// session itself survives the grace period so a reconnect restores it.
func (h *Hub) employeeOffline(sock *Socket) {
	h.mu.Lock()
	sess := h.byUID[sock.uid]
	if sess == nil || sess.employee != sock {
		h.mu.Unlock()
		return
	}
	sess.employee = nil
	wasActive := sess.streamActive
	sess.streamActive = false
	sess.disconnectReason = proto.ReasonOffline
	id := sess.id
	watchers := h.roomSocketsLocked(id)
	if sess.expire != nil {
		sess.expire.Stop()
	}
	sess.expire = time.AfterFunc(h.ttl, func() { h.expireSession(id) })
	h.mu.Unlock()

	h.logf("session %s: employee offline", id)
	if wasActive {
		for _, a := range watchers {
			a.send(proto.EventStreamStopped, proto.StreamStoppedPayload{
				SessionID: id, Reason: proto.ReasonOffline,
			})
		}
	}
}

// expireSession removes a session whose employee never came back.
func (h *Hub) expireSession(id string) {
	h.mu.Lock()
	sess := h.byID[id]
	if sess == nil || sess.employee != nil {
		// Reconnected while the timer fired.
		h.mu.Unlock()
		return
	}
	delete(h.byID, id)
	delete(h.byUID, sess.employeeUID)
	delete(h.rooms, id)
	var admins []*Socket
	for _, a := range h.admins {
		admins = append(admins, a)
	}
	h.mu.Unlock()

	h.logf("session %s: expired", id)
	for _, a := range admins {
		a.send(proto.EventSessionEnded, proto.SessionEndedPayload{SessionID: id})
	}
}

// adminGone removes a dropped admin from every room.
func (h *Hub) adminGone(sock *Socket) {
	var notify []*Socket
	h.mu.Lock()
	delete(h.admins, sock.ID)
	for id, room := range h.rooms {
		if _, ok := room[sock.ID]; !ok {
			continue
		}
		delete(room, sock.ID)
		if len(room) == 0 {
			delete(h.rooms, id)
		}
		if sess := h.byID[id]; sess != nil && sess.employee != nil {
			notify = append(notify, sess.employee)
		}
	}
	adminName := sock.name
	h.mu.Unlock()

	for _, employee := range notify {
		employee.send(proto.EventAdminLeft, proto.AdminPresencePayload{AdminName: adminName})
	}
}

// roomSocketsLocked snapshots the admin sockets in a room. Caller holds the
// hub lock.
func (h *Hub) roomSocketsLocked(sessionID string) []*Socket {
	room := h.rooms[sessionID]
	out := make([]*Socket, 0, len(room))
	for _, s := range room {
		out = append(out, s)
	}
	return out
}
