// Package proto defines the signaling wire contract between the relay and
// both endpoint roles. Event names and payload field names are load-bearing:
// they must match what the relay routes and what browser clients emit.
package proto

import (
	"encoding/json"
	"time"

	"github.com/pion/webrtc/v4"
)

// Signaling event names. Direction is noted per event.
const (
	EventAuth              = "monitoring:auth"                // client → relay
	EventSessionCreated    = "monitoring:session-created"     // relay → employee
	EventError             = "monitoring:error"               // relay → client
	EventConnectionRequest = "monitoring:connection-request"  // relay → employee
	EventRespondConnection = "monitoring:respond-connection"  // employee → relay
	EventRequestSent       = "monitoring:request-sent"        // relay → admin
	EventRequestDenied     = "monitoring:request-denied"      // relay → admin
	EventConnectByIdentity = "monitoring:connect-by-identity" // admin → relay
	EventConnectSuccess    = "monitoring:connect-success"     // relay → admin
	EventConnectError      = "monitoring:connect-error"       // relay → admin
	EventJoinSession       = "monitoring:join-session"        // admin → relay
	EventLeaveSession      = "monitoring:leave-session"       // admin → relay
	EventSessionJoined     = "monitoring:session-joined"      // relay → admin
	EventStartSharing      = "monitoring:start-sharing"       // employee → relay
	EventStopSharing       = "monitoring:stop-sharing"        // employee → relay
	EventStreamStarted     = "monitoring:stream-started"      // relay → admins in room
	EventStreamStopped     = "monitoring:stream-stopped"      // relay → admins in room
	EventSessionEnded      = "monitoring:session-ended"       // relay → admins
	EventAdminJoined       = "monitoring:admin-joined"        // relay → employee
	EventAdminLeft         = "monitoring:admin-left"          // relay → employee
	EventOffer             = "monitoring:offer"               // viewer → broadcaster
	EventAnswer            = "monitoring:answer"              // broadcaster → viewer
	EventICECandidate      = "monitoring:ice-candidate"       // either → relay
	EventNewSession        = "monitoring:new-session"         // relay → admins
)

// Endpoint roles carried in the auth payload.
const (
	RoleAdmin    = "admin"
	RoleEmployee = "employee"
)

// Disconnect reasons carried by stream-stopped.
const (
	ReasonNone    = ""
	ReasonOffline = "offline"
	ReasonEnded   = "ended-by-employee"
)

// Message is the envelope every signaling frame travels in.
type Message struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewMessage marshals payload into a Message envelope.
func NewMessage(event string, payload any) (Message, error) {
	if payload == nil {
		return Message{Event: event}, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	return Message{Event: event, Data: b}, nil
}

type AuthPayload struct {
	Token string `json:"token"`
	Role  string `json:"role"`
	Name  string `json:"name"`
}

type SessionCreatedPayload struct {
	SessionID string `json:"sessionId"`
}

type ErrorPayload struct {
	Message   string `json:"message"`
	SessionID string `json:"sessionId,omitempty"`
}

type ConnectionRequestPayload struct {
	AdminName     string `json:"adminName"`
	AdminSocketID string `json:"adminSocketId"`
}

type RespondConnectionPayload struct {
	AdminSocketID string `json:"adminSocketId"`
	Accepted      bool   `json:"accepted"`
}

// RequestResultPayload is shared by request-sent and request-denied.
type RequestResultPayload struct {
	EmployeeName string `json:"employeeName"`
}

type ConnectByIdentityPayload struct {
	EmployeeID string `json:"employeeId"`
}

type JoinSessionPayload struct {
	SessionID string `json:"sessionId"`
}

// LeaveSessionPayload scopes a leave to one session. An empty sessionId
// leaves every room the socket is in.
type LeaveSessionPayload struct {
	SessionID string `json:"sessionId,omitempty"`
}

type SessionJoinedPayload struct {
	SessionID    string `json:"sessionId"`
	AvatarURL    string `json:"avatarUrl"`
	StreamActive bool   `json:"streamActive"`
}

type StreamStartedPayload struct {
	SessionID string `json:"sessionId"`
}

type StreamStoppedPayload struct {
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason"`
}

type SessionEndedPayload struct {
	SessionID string `json:"sessionId"`
}

// AdminPresencePayload is shared by admin-joined and admin-left.
type AdminPresencePayload struct {
	AdminName string `json:"adminName"`
}

// OfferPayload carries a viewer's SDP offer. FromSocketID is stamped by the
// relay before forwarding so the broadcaster can answer point-to-point.
type OfferPayload struct {
	SessionID    string                    `json:"sessionId"`
	Offer        webrtc.SessionDescription `json:"offer"`
	FromSocketID string                    `json:"fromSocketId,omitempty"`
}

type AnswerPayload struct {
	SessionID  string                    `json:"sessionId"`
	Answer     webrtc.SessionDescription `json:"answer"`
	ToSocketID string                    `json:"toSocketId"`
}

// ICECandidatePayload carries one candidate. Candidates from a broadcaster
// are sent un-targeted and fanned out to the session room by the relay;
// candidates from a viewer are forwarded to the broadcaster with
// FromSocketID stamped for routing to the right per-viewer connection.
type ICECandidatePayload struct {
	SessionID    string                  `json:"sessionId"`
	Candidate    webrtc.ICECandidateInit `json:"candidate"`
	FromSocketID string                  `json:"fromSocketId,omitempty"`
}

// SessionInfo is the full session object: sent as new-session and
// connect-success, and returned by the relay's session-list endpoint.
type SessionInfo struct {
	SessionID        string `json:"sessionId"`
	EmployeeID       string `json:"employeeId"`
	EmployeeName     string `json:"employeeName"`
	AvatarURL        string `json:"avatarUrl"`
	StreamActive     bool   `json:"streamActive"`
	DisconnectReason string `json:"disconnectReason,omitempty"`
}

// NowMillis returns the current wall clock in milliseconds, the timestamp
// unit used across the wire.
func NowMillis() int64 { return time.Now().UnixMilli() }
