package remediate

import (
	"log/slog"
	"sync"
)

// CascadeTracker is the "related sessions" cascade: rather than tracking a
// parent/child agent-spawn tree, it tracks a flat owner -> sessions
// registry (no depth, no budget inheritance -- sessions under one user or
// agent are siblings, not a tree) and cascade-offers a remediation action
// to an owner's other active sessions when suspend_user or isolate_agent
// fires.
type CascadeTracker struct {
	mu          sync.Mutex
	enabled     bool
	maxSessions int
	owners      map[string]map[string]struct{} // ownerID -> set of sessionIDs
	logger      *slog.Logger
}

// NewCascadeTracker creates a tracker. enabled/maxSessions come from
// config.RemediationConfig.Cascade.
func NewCascadeTracker(enabled bool, maxSessions int, logger *slog.Logger) *CascadeTracker {
	if logger == nil {
		logger = slog.Default()
	}
	if maxSessions <= 0 {
		maxSessions = 10
	}
	return &CascadeTracker{
		enabled: enabled, maxSessions: maxSessions,
		owners: make(map[string]map[string]struct{}),
		logger: logger.With("component", "remediate.CascadeTracker"),
	}
}

// Observe records that sessionID belongs to ownerID (a user or agent id),
// the way every detector hit or alert that carries both fields should.
func (c *CascadeTracker) Observe(ownerID, sessionID string) {
	if ownerID == "" || sessionID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.owners[ownerID]
	if !ok {
		set = make(map[string]struct{})
		c.owners[ownerID] = set
	}
	set[sessionID] = struct{}{}
}

// Related returns up to maxSessions other sessions tracked under ownerID,
// excluding excludeSessionID (the session the triggering action already
// covers). Returns nil if cascading is disabled.
func (c *CascadeTracker) Related(ownerID, excludeSessionID string) []string {
	if !c.enabled || ownerID == "" {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.owners[ownerID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(set))
	for sessionID := range set {
		if sessionID == excludeSessionID {
			continue
		}
		out = append(out, sessionID)
		if len(out) >= c.maxSessions {
			break
		}
	}
	return out
}

// Forget drops a session from tracking once it's been terminated/suspended.
func (c *CascadeTracker) Forget(ownerID, sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if set, ok := c.owners[ownerID]; ok {
		delete(set, sessionID)
		if len(set) == 0 {
			delete(c.owners, ownerID)
		}
	}
}
