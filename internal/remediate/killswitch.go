package remediate

import (
	"log/slog"
	"os"
	"sync"
	"time"
)

// KillState is whether a scope is currently armed (normal) or triggered
// (stopped).
type KillState string

const (
	KillStateArmed     KillState = "armed"
	KillStateTriggered KillState = "triggered"
)

// KillScope is the blast radius of a kill switch trigger.
type KillScope string

const (
	KillScopeGlobal  KillScope = "global"
	KillScopeAgent   KillScope = "agent"
	KillScopeSession KillScope = "session"
)

// KillRecord is one entry in the kill switch's history log.
type KillRecord struct {
	Scope     KillScope `json:"scope"`
	TargetID  string    `json:"target_id,omitempty"`
	Reason    string    `json:"reason"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
}

// KillSwitch is an out-of-band, in-memory stop that Remediator consults
// ahead of PolicyEngine: a sub-microsecond map lookup that halts
// remediation for an agent, a session, or the whole deployment, independent
// of whatever the policy config says. Adapted near-verbatim from the
// teacher's emergency-stop mechanism; here it gates remediation dispatch
// instead of agent tool calls.
type KillSwitch struct {
	mu      sync.RWMutex
	global  bool
	agents  map[string]bool
	sessions map[string]bool
	history []KillRecord

	killFilePath string
	logger       *slog.Logger
}

// NewKillSwitch creates an armed (non-triggered) KillSwitch. killFilePath,
// if non-empty, is a sentinel file CheckFileKill polls for — its presence
// triggers a global stop, letting an operator halt remediation by touching
// a file even if the ops API is unreachable.
func NewKillSwitch(killFilePath string, logger *slog.Logger) *KillSwitch {
	if logger == nil {
		logger = slog.Default()
	}
	return &KillSwitch{
		agents:       make(map[string]bool),
		sessions:     make(map[string]bool),
		killFilePath: killFilePath,
		logger:       logger.With("component", "remediate.KillSwitch"),
	}
}

// IsBlocked reports whether remediation for the given agent/session is
// currently stopped by global, agent, or session scope.
func (k *KillSwitch) IsBlocked(agentID, sessionID string) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.global {
		return true
	}
	if agentID != "" && k.agents[agentID] {
		return true
	}
	if sessionID != "" && k.sessions[sessionID] {
		return true
	}
	return false
}

// TriggerGlobal stops all remediation.
func (k *KillSwitch) TriggerGlobal(reason, source string) {
	k.mu.Lock()
	k.global = true
	k.record(KillScopeGlobal, "", reason, source)
	k.mu.Unlock()
	k.logger.Error("global kill switch triggered", "reason", reason, "source", source)
}

// TriggerAgent stops remediation scoped to a single agent.
func (k *KillSwitch) TriggerAgent(agentID, reason, source string) {
	k.mu.Lock()
	k.agents[agentID] = true
	k.record(KillScopeAgent, agentID, reason, source)
	k.mu.Unlock()
	k.logger.Warn("agent kill switch triggered", "agent_id", agentID, "reason", reason, "source", source)
}

// TriggerSession stops remediation scoped to a single session.
func (k *KillSwitch) TriggerSession(sessionID, reason, source string) {
	k.mu.Lock()
	k.sessions[sessionID] = true
	k.record(KillScopeSession, sessionID, reason, source)
	k.mu.Unlock()
	k.logger.Warn("session kill switch triggered", "session_id", sessionID, "reason", reason, "source", source)
}

// ResetGlobal re-arms global remediation.
func (k *KillSwitch) ResetGlobal() {
	k.mu.Lock()
	k.global = false
	k.mu.Unlock()
	k.logger.Info("global kill switch reset")
}

// ResetAgent re-arms remediation for a single agent.
func (k *KillSwitch) ResetAgent(agentID string) {
	k.mu.Lock()
	delete(k.agents, agentID)
	k.mu.Unlock()
	k.logger.Info("agent kill switch reset", "agent_id", agentID)
}

// ResetSession re-arms remediation for a single session.
func (k *KillSwitch) ResetSession(sessionID string) {
	k.mu.Lock()
	delete(k.sessions, sessionID)
	k.mu.Unlock()
	k.logger.Info("session kill switch reset", "session_id", sessionID)
}

// Status returns the current KillState for a scope/target combination.
func (k *KillSwitch) Status(scope KillScope, targetID string) KillState {
	k.mu.RLock()
	defer k.mu.RUnlock()
	switch scope {
	case KillScopeGlobal:
		if k.global {
			return KillStateTriggered
		}
	case KillScopeAgent:
		if k.agents[targetID] {
			return KillStateTriggered
		}
	case KillScopeSession:
		if k.sessions[targetID] {
			return KillStateTriggered
		}
	}
	return KillStateArmed
}

// History returns a copy of the trigger history log. Resets are not
// recorded.
func (k *KillSwitch) History() []KillRecord {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make([]KillRecord, len(k.history))
	copy(out, k.history)
	return out
}

// record appends to the history log. Caller must hold k.mu.
func (k *KillSwitch) record(scope KillScope, targetID, reason, source string) {
	k.history = append(k.history, KillRecord{
		Scope: scope, TargetID: targetID, Reason: reason, Source: source,
		Timestamp: time.Now().UTC(),
	})
}

// CheckFileKill polls the sentinel file path, if configured, and triggers a
// global stop on first sight of it. Intended to run on a ticker from the
// Remediator's main loop.
func (k *KillSwitch) CheckFileKill() {
	if k.killFilePath == "" {
		return
	}
	if _, err := os.Stat(k.killFilePath); err == nil {
		k.mu.RLock()
		alreadyTripped := k.global
		k.mu.RUnlock()
		if !alreadyTripped {
			k.TriggerGlobal("kill file present: "+k.killFilePath, "file_poll")
		}
	}
}
