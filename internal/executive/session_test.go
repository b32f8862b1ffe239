package executive

import (
	"testing"
	"time"
)

func TestSessionOpenClampsEventsAndHeartbeat(t *testing.T) {
	m := NewSessionManager()
	s, err := m.Open("client1", nil, nil, 1, 10000)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if s.MaxEvents != sessionEventsMin {
		t.Errorf("MaxEvents = %d, want clamped to %d", s.MaxEvents, sessionEventsMin)
	}
	if s.HeartbeatS != heartbeatMax {
		t.Errorf("HeartbeatS = %d, want clamped to %d", s.HeartbeatS, heartbeatMax)
	}
}

func TestSessionOpenWarnsOnUnknownFeature(t *testing.T) {
	m := NewSessionManager()
	s, err := m.Open("client1", []string{"events", "bogus"}, nil, 10, 5)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !s.Features[FeatureEvents] {
		t.Errorf("known feature 'events' should be accepted")
	}
	if len(s.Warnings) != 1 {
		t.Fatalf("Warnings = %v, want exactly one unknown_feature warning", s.Warnings)
	}
}

func TestPIDLockRejectsSecondHolder(t *testing.T) {
	m := NewSessionManager()
	if _, err := m.Open("client1", nil, []uint32{1}, 10, 5); err != nil {
		t.Fatalf("first Open: %v", err)
	}
	_, err := m.Open("client2", nil, []uint32{1}, 10, 5)
	if err == nil {
		t.Fatalf("second Open locking pid 1 should fail with pid_locked")
	}
}

func TestPIDLockReleasedOnClose(t *testing.T) {
	m := NewSessionManager()
	s1, _ := m.Open("client1", nil, []uint32{2}, 10, 5)
	m.Close(s1.ID)
	s2, err := m.Open("client2", nil, []uint32{2}, 10, 5)
	if err != nil {
		t.Fatalf("reopen after close should succeed: %v", err)
	}
	if !s2.PIDLock[2] {
		t.Errorf("second session should now hold the pid-2 lock")
	}
}

func TestCheckPIDAccessDeniesOtherSession(t *testing.T) {
	m := NewSessionManager()
	s1, _ := m.Open("owner", nil, []uint32{3}, 10, 5)
	if err := m.CheckPIDAccess(s1.ID, 3); err != nil {
		t.Errorf("owning session should have access: %v", err)
	}
	if err := m.CheckPIDAccess("someone-else", 3); err == nil {
		t.Errorf("non-owning session should be denied pid-locked access")
	}
}

func TestPruneExpiredReleasesLocksAndReturnsIDs(t *testing.T) {
	m := NewSessionManager()
	s, _ := m.Open("client1", nil, []uint32{9}, 10, 1)
	s.LastSeen = timeNow().Add(-time.Hour)

	expired := m.PruneExpired()
	if len(expired) != 1 || expired[0] != s.ID {
		t.Fatalf("PruneExpired = %v, want [%s]", expired, s.ID)
	}
	if _, err := m.Open("client2", nil, []uint32{9}, 10, 5); err != nil {
		t.Errorf("pid 9 lock should be released after expiry: %v", err)
	}
}
