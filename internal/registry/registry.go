// Package registry tracks every monitoring session known to this endpoint:
// an admin tracks many employee sessions, an employee tracks only its own.
// It owns session metadata (stream-active flag, disconnect reason,
// participant identity), the employee-observed viewer count, and membership
// in the broadcast rooms used for routing.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/vigilhq/vigil/internal/proto"
)

// RaceWindow is how long a realtime update shields a session from being
// overwritten by a full re-fetch. A poll that raced a push event and
// completed just after it would otherwise flicker streamActive back.
const RaceWindow = 5 * time.Second

// Session is one monitoring relationship: exactly one employee, any number
// of attached admin viewers.
type Session struct {
	ID               string
	EmployeeID       string
	EmployeeName     string
	AvatarURL        string
	StreamActive     bool
	DisconnectReason string
	AdminCount       int

	lastRealtime time.Time
}

// Info converts the session to its wire representation.
func (s *Session) Info() proto.SessionInfo {
	return proto.SessionInfo{
		SessionID:        s.ID,
		EmployeeID:       s.EmployeeID,
		EmployeeName:     s.EmployeeName,
		AvatarURL:        s.AvatarURL,
		StreamActive:     s.StreamActive,
		DisconnectReason: s.DisconnectReason,
	}
}

// StreamListener observes stream-active transitions applied to the registry.
type StreamListener func(sessionID string, active bool, reason string)

// Registry is safe for concurrent use. All accessors return copies.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	rooms    map[string]bool // rooms this endpoint wants membership in

	now func() time.Time // swappable for tests

	listenerMu sync.Mutex
	nextID     uint64
	onStream   map[uint64]StreamListener
	onChange   map[uint64]func()
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		rooms:    make(map[string]bool),
		now:      time.Now,
		onStream: make(map[uint64]StreamListener),
		onChange: make(map[uint64]func()),
	}
}

// SetClock replaces the time source. Test hook.
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	r.now = now
	r.mu.Unlock()
}

// OnStreamChange registers fn to run after every stream-active transition.
// Returns a cancel func.
func (r *Registry) OnStreamChange(fn StreamListener) func() {
	r.listenerMu.Lock()
	r.nextID++
	id := r.nextID
	r.onStream[id] = fn
	r.listenerMu.Unlock()
	return func() {
		r.listenerMu.Lock()
		delete(r.onStream, id)
		r.listenerMu.Unlock()
	}
}

// OnChange registers fn to run after any mutation. Used to persist the
// attached-session list. Returns a cancel func.
func (r *Registry) OnChange(fn func()) func() {
	r.listenerMu.Lock()
	r.nextID++
	id := r.nextID
	r.onChange[id] = fn
	r.listenerMu.Unlock()
	return func() {
		r.listenerMu.Lock()
		delete(r.onChange, id)
		r.listenerMu.Unlock()
	}
}

func (r *Registry) fireStream(id string, active bool, reason string) {
	r.listenerMu.Lock()
	fns := make([]StreamListener, 0, len(r.onStream))
	for _, fn := range r.onStream {
		fns = append(fns, fn)
	}
	r.listenerMu.Unlock()
	for _, fn := range fns {
		fn(id, active, reason)
	}
}

func (r *Registry) fireChange() {
	r.listenerMu.Lock()
	fns := make([]func(), 0, len(r.onChange))
	for _, fn := range r.onChange {
		fns = append(fns, fn)
	}
	r.listenerMu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// ApplyRealtime upserts a session from a push event, stamping it so a
// racing re-fetch cannot claw back stale stream state.
func (r *Registry) ApplyRealtime(info proto.SessionInfo) {
	r.mu.Lock()
	s, ok := r.sessions[info.SessionID]
	if !ok {
		s = &Session{ID: info.SessionID}
		r.sessions[info.SessionID] = s
	}
	prevActive := s.StreamActive
	s.EmployeeID = info.EmployeeID
	s.EmployeeName = info.EmployeeName
	s.AvatarURL = info.AvatarURL
	s.StreamActive = info.StreamActive
	s.DisconnectReason = info.DisconnectReason
	s.lastRealtime = r.now()
	changed := prevActive != s.StreamActive && ok
	active, reason := s.StreamActive, s.DisconnectReason
	r.mu.Unlock()

	if changed {
		r.fireStream(info.SessionID, active, reason)
	}
	r.fireChange()
}

// MarkStreamActive flips the stream flag from a push event. Clearing the
// flag records reason; raising it clears any previous reason.
func (r *Registry) MarkStreamActive(sessionID string, active bool, reason string) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	s.StreamActive = active
	if active {
		s.DisconnectReason = proto.ReasonNone
	} else {
		s.DisconnectReason = reason
	}
	s.lastRealtime = r.now()
	r.mu.Unlock()

	r.fireStream(sessionID, active, reason)
	r.fireChange()
}

// MergeRefresh folds a full re-fetch into the registry. For any session
// touched by a realtime update within RaceWindow, the fetched streamActive
// and disconnectReason are ignored in favor of the realtime values.
// Sessions absent from the fetch are left alone — removal happens only on
// explicit session-ended or not-found signals.
func (r *Registry) MergeRefresh(list []proto.SessionInfo) {
	type transition struct {
		id     string
		active bool
		reason string
	}
	var fired []transition

	r.mu.Lock()
	now := r.now()
	for _, info := range list {
		s, ok := r.sessions[info.SessionID]
		if !ok {
			s = &Session{ID: info.SessionID}
			r.sessions[info.SessionID] = s
			s.StreamActive = info.StreamActive
			s.DisconnectReason = info.DisconnectReason
		}
		s.EmployeeID = info.EmployeeID
		s.EmployeeName = info.EmployeeName
		s.AvatarURL = info.AvatarURL

		if now.Sub(s.lastRealtime) < RaceWindow {
			continue // realtime value wins inside the race window
		}
		if s.StreamActive != info.StreamActive {
			s.StreamActive = info.StreamActive
			s.DisconnectReason = info.DisconnectReason
			fired = append(fired, transition{info.SessionID, info.StreamActive, info.DisconnectReason})
		}
	}
	r.mu.Unlock()

	for _, tr := range fired {
		r.fireStream(tr.id, tr.active, tr.reason)
	}
	r.fireChange()
}

// Remove deletes a session and its room membership. Used for session-ended
// and stale-reference (not-found/expired) corrections.
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	_, ok := r.sessions[sessionID]
	delete(r.sessions, sessionID)
	delete(r.rooms, sessionID)
	r.mu.Unlock()
	if ok {
		r.fireChange()
	}
}

// Get returns a copy of the session.
func (r *Registry) Get(sessionID string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// List returns copies of all sessions, ordered by employee name then id.
func (r *Registry) List() []Session {
	r.mu.RLock()
	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, *s)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].EmployeeName != out[j].EmployeeName {
			return out[i].EmployeeName < out[j].EmployeeName
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// IncrementAdminCount bumps the employee-observed viewer count.
func (r *Registry) IncrementAdminCount(sessionID string) {
	r.adjustAdmins(sessionID, +1)
}

// DecrementAdminCount drops the viewer count, floored at zero.
func (r *Registry) DecrementAdminCount(sessionID string) {
	r.adjustAdmins(sessionID, -1)
}

func (r *Registry) adjustAdmins(sessionID string, delta int) {
	r.mu.Lock()
	if s, ok := r.sessions[sessionID]; ok {
		s.AdminCount += delta
		if s.AdminCount < 0 {
			s.AdminCount = 0
		}
	}
	r.mu.Unlock()
	r.fireChange()
}

// JoinRoom records the desire for room membership. Returns true the first
// time for a given session. The caller emits the actual join-session event —
// once per session after every (re)connect, which Rooms supports.
func (r *Registry) JoinRoom(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rooms[sessionID] {
		return false
	}
	r.rooms[sessionID] = true
	return true
}

// LeaveRoom drops the membership record.
func (r *Registry) LeaveRoom(sessionID string) {
	r.mu.Lock()
	delete(r.rooms, sessionID)
	r.mu.Unlock()
}

// Rooms lists every room this endpoint wants to be in, for re-join after a
// transport reconnect.
func (r *Registry) Rooms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.rooms))
	for id := range r.rooms {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
