package executive

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/xid"
)

// Feature names negotiable at session.open (spec.md §4.7).
const (
	FeatureEvents  = "events"
	FeatureStack   = "stack"
	FeatureSymbols = "symbols"
	FeatureMemory  = "memory"
	FeatureWatch   = "watch"
	FeatureDisasm  = "disasm"
)

var knownFeatures = map[string]bool{
	FeatureEvents: true, FeatureStack: true, FeatureSymbols: true,
	FeatureMemory: true, FeatureWatch: true, FeatureDisasm: true,
}

const (
	sessionEventsMin = 2
	sessionEventsMax = 4096
	heartbeatMin     = 5
	heartbeatMax     = 300
)

// Session is an RPC client's negotiated context (spec.md §3 "Session").
type Session struct {
	ID          string
	Client      string
	Features    map[string]bool
	MaxEvents   int
	PIDLock     map[uint32]bool
	HeartbeatS  int
	LastSeen    time.Time
	Warnings    []string
}

// SessionManager owns session lifetime, PID locks, and heartbeat pruning,
// grounded on runtime_ipc.go's accept/track-connection shape generalized
// from a single Unix-socket listener to many concurrently negotiated RPC
// sessions.
type SessionManager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	pidLocks map[uint32]string // pid -> session id holding the lock
}

func NewSessionManager() *SessionManager {
	return &SessionManager{
		sessions: make(map[string]*Session),
		pidLocks: make(map[uint32]string),
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Open negotiates a new session (spec.md §4.7 session.open): unknown
// features warn but don't fail; max_events and heartbeat_s are clamped;
// a requested PID lock already held by another live session fails.
func (m *SessionManager) Open(client string, features []string, pidLock []uint32, maxEvents, heartbeatS int) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, pid := range pidLock {
		if holder, ok := m.pidLocks[pid]; ok {
			if _, alive := m.sessions[holder]; alive {
				return nil, fmt.Errorf("pid_locked:%d", pid)
			}
		}
	}

	s := &Session{
		ID:         xid.New().String(),
		Client:     client,
		Features:   make(map[string]bool),
		MaxEvents:  clamp(maxEvents, sessionEventsMin, sessionEventsMax),
		HeartbeatS: clamp(heartbeatS, heartbeatMin, heartbeatMax),
		LastSeen:   timeNow(),
	}
	for _, f := range features {
		if knownFeatures[f] {
			s.Features[f] = true
		} else {
			s.Warnings = append(s.Warnings, "unknown_feature:"+f)
		}
	}
	if len(pidLock) > 0 {
		s.PIDLock = make(map[uint32]bool, len(pidLock))
		for _, pid := range pidLock {
			s.PIDLock[pid] = true
			m.pidLocks[pid] = s.ID
		}
	}
	m.sessions[s.ID] = s
	return s, nil
}

// Keepalive refreshes a session's LastSeen; used by session.keepalive.
func (m *SessionManager) Keepalive(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("session_required")
	}
	s.LastSeen = timeNow()
	return nil
}

// Close releases a session's PID locks and removes it.
func (m *SessionManager) Close(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseLocked(id)
}

func (m *SessionManager) releaseLocked(id string) {
	if s, ok := m.sessions[id]; ok {
		for pid := range s.PIDLock {
			if m.pidLocks[pid] == id {
				delete(m.pidLocks, pid)
			}
		}
	}
	delete(m.sessions, id)
}

// Get returns the session, or (nil, false) if it doesn't exist.
func (m *SessionManager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// CheckPIDAccess fails with pid_locked if pid is locked by a session other
// than sessionID (spec.md §4.7 "Command-access to PIDs with an active lock
// from another session fails with pid_locked").
func (m *SessionManager) CheckPIDAccess(sessionID string, pid uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	holder, locked := m.pidLocks[pid]
	if locked && holder != sessionID {
		if _, alive := m.sessions[holder]; alive {
			return fmt.Errorf("pid_locked:%d", pid)
		}
	}
	return nil
}

// RunReaper periodically prunes expired sessions and unsubscribes their
// event streams until ctx is cancelled (cmd/hsxd wires this as one of the
// errgroup-supervised goroutines, spec.md §4.7 heartbeat expiry).
func (m *SessionManager) RunReaper(ctx context.Context, bus *EventBus, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for _, id := range m.PruneExpired() {
				bus.UnsubscribeSession(id)
			}
		}
	}
}

// PruneExpired releases locks and returns the IDs of sessions whose
// heartbeat has expired (now - LastSeen > HeartbeatS), per spec.md §4.7.
// Callers must also unsubscribe each returned session's event streams.
func (m *SessionManager) PruneExpired() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := timeNow()
	var expired []string
	for id, s := range m.sessions {
		if now.Sub(s.LastSeen) > time.Duration(s.HeartbeatS)*time.Second {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		m.releaseLocked(id)
	}
	return expired
}
