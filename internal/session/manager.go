// Package session tracks active sessions in memory: lifecycle (active,
// paused, terminated, completed), a sliding window of action counts per
// action kind, and an owner -> sessions registry feed for Remediator's
// cascade tracker. AgentMemory has no session persistence model -- a
// session here is a live-process concept, not a durable record, and the
// source of truth for anything that outlives a restart (blocks, rate
// limits, alerts) stays in internal/memory via the SessionID foreign key
// on those records.
package session

import (
	"crypto/rand"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	sessionIDPrefix = "ses_"
	sessionIDLength = 20

	StatusActive     = "active"
	StatusCompleted  = "completed"
	StatusTerminated = "terminated"
	StatusPaused     = "paused"
)

// Session is the in-memory lifecycle record for one active session.
type Session struct {
	ID          string
	AgentID     string
	UserID      string
	StartedAt   time.Time
	EndedAt     *time.Time
	Status      string
	ActionCount int
}

// OwnerID is whichever of AgentID/UserID identifies the principal other
// sessions should be cascaded against; UserID wins when both are set since
// a human operator's other sessions are the more actionable blast radius.
func (s *Session) OwnerID() string {
	if s.UserID != "" {
		return s.UserID
	}
	return s.AgentID
}

// sessionState holds mutable state accessed only while the Manager is locked.
type sessionState struct {
	session          *Session
	paused           bool
	actionTimestamps map[string][]time.Time
}

// Manager tracks active sessions with thread-safe in-memory state. It is
// the feed point for Remediator's CascadeTracker: every GetOrCreate/End/
// Terminate call, if hooks are wired, reports the owner/session pair so
// suspend_user and isolate_agent can offer the same action to an owner's
// other active sessions.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*sessionState
	logger   *slog.Logger

	onObserve func(ownerID, sessionID string)
	onForget  func(ownerID, sessionID string)
}

// NewManager creates an empty session registry.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		sessions: make(map[string]*sessionState),
		logger:   logger.With("component", "session.Manager"),
	}
}

// SetCascadeHooks wires the Manager to a remediate.CascadeTracker without
// either package importing the other: observe is called whenever a session
// is created or reused, forget when it ends or is terminated. Both are
// optional; a nil hook is simply skipped.
func (m *Manager) SetCascadeHooks(observe, forget func(ownerID, sessionID string)) {
	m.mu.Lock()
	m.onObserve = observe
	m.onForget = forget
	m.mu.Unlock()
}

// GetOrCreate retrieves an existing in-memory session or starts a new one.
// If sessionID is empty, a new one is generated. agentID is required;
// userID is optional and, when set, becomes the cascade owner.
func (m *Manager) GetOrCreate(agentID, userID, sessionID string) (*Session, error) {
	if agentID == "" {
		return nil, fmt.Errorf("agentID is required")
	}

	m.mu.Lock()
	if sessionID != "" {
		if state, ok := m.sessions[sessionID]; ok {
			sess := state.session
			observe := m.onObserve
			m.mu.Unlock()
			if observe != nil {
				observe(sess.OwnerID(), sess.ID)
			}
			return sess, nil
		}
	}

	if sessionID == "" {
		sessionID = generateSessionID()
	}

	sess := &Session{
		ID:        sessionID,
		AgentID:   agentID,
		UserID:    userID,
		StartedAt: time.Now().UTC(),
		Status:    StatusActive,
	}
	m.sessions[sessionID] = &sessionState{
		session:          sess,
		actionTimestamps: make(map[string][]time.Time),
	}
	observe := m.onObserve
	m.mu.Unlock()

	m.logger.Info("created session", "session_id", sessionID, "agent_id", agentID, "user_id", userID)
	if observe != nil {
		observe(sess.OwnerID(), sessionID)
	}
	return sess, nil
}

// Get returns the session for the given ID, or nil if it isn't tracked.
func (m *Manager) Get(sessionID string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if state, ok := m.sessions[sessionID]; ok {
		return state.session
	}
	return nil
}

// End marks a session completed and removes it from the active set.
func (m *Manager) End(sessionID string) error {
	return m.close(sessionID, StatusCompleted)
}

// Terminate marks a session terminated (the terminate_session/isolate_agent
// effector path) and removes it from the active set. Unlike End, ending an
// unknown session is not an error: the effector may fire against a
// sessionID this process never observed directly.
func (m *Manager) Terminate(sessionID string) error {
	if err := m.close(sessionID, StatusTerminated); err != nil {
		m.logger.Debug("terminate of untracked session", "session_id", sessionID)
		return nil
	}
	return nil
}

func (m *Manager) close(sessionID, status string) error {
	m.mu.Lock()
	state, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("session %s not found", sessionID)
	}
	delete(m.sessions, sessionID)
	now := time.Now().UTC()
	state.session.EndedAt = &now
	state.session.Status = status
	owner := state.session.OwnerID()
	forget := m.onForget
	m.mu.Unlock()

	m.logger.Info("session closed", "session_id", sessionID, "status", status, "action_count", state.session.ActionCount)
	if forget != nil {
		forget(owner, sessionID)
	}
	return nil
}

// IncrementActions bumps the session's action count and records a timestamp
// for actionType under its sliding window.
func (m *Manager) IncrementActions(sessionID, actionType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session %s not found", sessionID)
	}
	state.session.ActionCount++
	state.actionTimestamps[actionType] = append(state.actionTimestamps[actionType], time.Now())
	return nil
}

// GetActionCount returns how many actions of actionType occurred within the
// trailing window, pruning expired timestamps as it goes.
func (m *Manager) GetActionCount(sessionID, actionType string, window time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.sessions[sessionID]
	if !ok {
		return 0
	}
	timestamps, ok := state.actionTimestamps[actionType]
	if !ok {
		return 0
	}
	cutoff := time.Now().Add(-window)
	kept := timestamps[:0]
	for _, ts := range timestamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	state.actionTimestamps[actionType] = kept
	return len(kept)
}

// SetPaused sets a session's paused state. Paused sessions remain tracked
// but ingest should hold or reject further activity for them.
func (m *Manager) SetPaused(sessionID string, paused bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session %s not found", sessionID)
	}
	state.paused = paused
	if paused {
		state.session.Status = StatusPaused
	} else {
		state.session.Status = StatusActive
	}
	return nil
}

// IsPaused reports whether the session is currently paused.
func (m *Manager) IsPaused(sessionID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if state, ok := m.sessions[sessionID]; ok {
		return state.paused
	}
	return false
}

// ActiveCount returns the number of currently tracked sessions.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func generateSessionID() string {
	const charset = "abcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, sessionIDLength)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%s%d", sessionIDPrefix, time.Now().UnixNano())
	}
	for i := range b {
		b[i] = charset[b[i]%byte(len(charset))]
	}
	return sessionIDPrefix + string(b)
}
