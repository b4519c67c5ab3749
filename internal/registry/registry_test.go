package registry

import (
	"testing"
	"time"

	"github.com/vigilhq/vigil/internal/proto"
)

func info(id string, active bool) proto.SessionInfo {
	return proto.SessionInfo{
		SessionID:    id,
		EmployeeID:   "emp-" + id,
		EmployeeName: "Employee " + id,
		StreamActive: active,
	}
}

func TestApplyRealtimeAndGet(t *testing.T) {
	r := New()
	r.ApplyRealtime(info("s1", true))

	s, ok := r.Get("s1")
	if !ok {
		t.Fatal("Get returned ok=false after ApplyRealtime")
	}
	if !s.StreamActive || s.EmployeeID != "emp-s1" {
		t.Errorf("unexpected session: %+v", s)
	}
}

func TestGetReturnsCopy(t *testing.T) {
	r := New()
	r.ApplyRealtime(info("s1", false))
	s, _ := r.Get("s1")
	s.EmployeeName = "mutated"
	s2, _ := r.Get("s1")
	if s2.EmployeeName == "mutated" {
		t.Error("Get did not return a copy")
	}
}

func TestMarkStreamActiveSetsAndClearsReason(t *testing.T) {
	r := New()
	r.ApplyRealtime(info("s1", true))

	r.MarkStreamActive("s1", false, proto.ReasonOffline)
	s, _ := r.Get("s1")
	if s.StreamActive {
		t.Error("StreamActive still true after MarkStreamActive(false)")
	}
	if s.DisconnectReason != proto.ReasonOffline {
		t.Errorf("DisconnectReason = %q, want %q", s.DisconnectReason, proto.ReasonOffline)
	}

	r.MarkStreamActive("s1", true, "")
	s, _ = r.Get("s1")
	if !s.StreamActive || s.DisconnectReason != proto.ReasonNone {
		t.Errorf("reason not cleared on restart: %+v", s)
	}
}

func TestMergeRefreshRaceGuard(t *testing.T) {
	r := New()
	now := time.Unix(1000, 0)
	r.SetClock(func() time.Time { return now })

	r.ApplyRealtime(info("s1", true))

	// Push: stream stopped at t.
	r.MarkStreamActive("s1", false, proto.ReasonOffline)

	// Poll response with stale streamActive=true lands 2s later — inside
	// the race window, so it must be ignored.
	now = now.Add(2 * time.Second)
	r.MergeRefresh([]proto.SessionInfo{info("s1", true)})

	s, _ := r.Get("s1")
	if s.StreamActive {
		t.Fatal("stale re-fetch overrode realtime stream-stopped inside race window")
	}
	if s.DisconnectReason != proto.ReasonOffline {
		t.Errorf("DisconnectReason = %q, want offline", s.DisconnectReason)
	}

	// Past the window the fetched value is authoritative again.
	now = now.Add(RaceWindow)
	r.MergeRefresh([]proto.SessionInfo{info("s1", true)})
	s, _ = r.Get("s1")
	if !s.StreamActive {
		t.Fatal("re-fetch after race window did not apply")
	}
}

func TestMergeRefreshDoesNotRemoveMissing(t *testing.T) {
	r := New()
	r.ApplyRealtime(info("s1", false))
	r.MergeRefresh([]proto.SessionInfo{info("s2", false)})
	if _, ok := r.Get("s1"); !ok {
		t.Error("MergeRefresh removed a session missing from the fetch")
	}
	if _, ok := r.Get("s2"); !ok {
		t.Error("MergeRefresh did not add the fetched session")
	}
}

func TestOnStreamChangeFires(t *testing.T) {
	r := New()
	r.ApplyRealtime(info("s1", true))

	var gotID, gotReason string
	var gotActive bool
	calls := 0
	cancel := r.OnStreamChange(func(id string, active bool, reason string) {
		calls++
		gotID, gotActive, gotReason = id, active, reason
	})
	defer cancel()

	r.MarkStreamActive("s1", false, proto.ReasonEnded)
	if calls != 1 {
		t.Fatalf("listener fired %d times, want 1", calls)
	}
	if gotID != "s1" || gotActive || gotReason != proto.ReasonEnded {
		t.Errorf("listener got (%q,%v,%q)", gotID, gotActive, gotReason)
	}

	cancel()
	r.MarkStreamActive("s1", true, "")
	if calls != 1 {
		t.Error("listener fired after cancel")
	}
}

func TestAdminCountFloorsAtZero(t *testing.T) {
	r := New()
	r.ApplyRealtime(info("s1", true))
	r.DecrementAdminCount("s1")
	s, _ := r.Get("s1")
	if s.AdminCount != 0 {
		t.Errorf("AdminCount = %d, want 0", s.AdminCount)
	}
	r.IncrementAdminCount("s1")
	r.IncrementAdminCount("s1")
	r.DecrementAdminCount("s1")
	s, _ = r.Get("s1")
	if s.AdminCount != 1 {
		t.Errorf("AdminCount = %d, want 1", s.AdminCount)
	}
}

func TestJoinRoomIdempotent(t *testing.T) {
	r := New()
	if !r.JoinRoom("s1") {
		t.Error("first JoinRoom returned false")
	}
	if r.JoinRoom("s1") {
		t.Error("second JoinRoom returned true")
	}
	rooms := r.Rooms()
	if len(rooms) != 1 || rooms[0] != "s1" {
		t.Errorf("Rooms() = %v", rooms)
	}
}

func TestRemoveDropsSessionAndRoom(t *testing.T) {
	r := New()
	r.ApplyRealtime(info("s1", true))
	r.JoinRoom("s1")
	r.Remove("s1")
	if _, ok := r.Get("s1"); ok {
		t.Error("session still present after Remove")
	}
	if len(r.Rooms()) != 0 {
		t.Error("room membership survived Remove")
	}
}

func TestListSorted(t *testing.T) {
	r := New()
	r.ApplyRealtime(proto.SessionInfo{SessionID: "b", EmployeeName: "Zoe"})
	r.ApplyRealtime(proto.SessionInfo{SessionID: "a", EmployeeName: "Ann"})
	list := r.List()
	if len(list) != 2 || list[0].EmployeeName != "Ann" {
		t.Errorf("List() order wrong: %+v", list)
	}
}
