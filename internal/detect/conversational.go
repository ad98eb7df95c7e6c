package detect

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// turn is one classified entry in a session's sliding window.
type turn struct {
	tag       string
	message   string
	timestamp int64
}

type sessionWindow struct {
	turns    []turn
	lastSeen time.Time
}

// ConversationalDetector watches each session's recent turns for one of five
// named multi-turn manipulation patterns. Unlike the other detectors it
// needs history, not just the current message, so it owns a per-session
// sliding window that nothing else may read or write.
type ConversationalDetector struct {
	mu         sync.Mutex
	windowSize int
	ttl        time.Duration
	sessions   map[string]*sessionWindow
}

// NewConversationalDetector creates a ConversationalDetector keeping the last
// windowSize turns per session, evicting sessions idle longer than ttl.
func NewConversationalDetector(windowSize int, ttl time.Duration) *ConversationalDetector {
	if windowSize <= 0 {
		windowSize = 20
	}
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &ConversationalDetector{
		windowSize: windowSize,
		ttl:        ttl,
		sessions:   make(map[string]*sessionWindow),
	}
}

func (d *ConversationalDetector) Name() string { return "ConversationalDetector" }

// Analyze appends log to its session's window, evicts expired sessions, and
// checks the resulting turn sequence against all five named patterns.
func (d *ConversationalDetector) Analyze(_ context.Context, log LogEntry) (*Alert, error) {
	if log.SessionID == "" || strings.TrimSpace(log.Message) == "" {
		return nil, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	d.evictExpiredLocked(now)

	w, ok := d.sessions[log.SessionID]
	if !ok {
		w = &sessionWindow{}
		d.sessions[log.SessionID] = w
	}
	w.lastSeen = now
	w.turns = append(w.turns, turn{tag: classifyTurn(log.Message), message: log.Message, timestamp: log.Timestamp})
	if len(w.turns) > d.windowSize {
		w.turns = w.turns[len(w.turns)-d.windowSize:]
	}

	if match := matchPatterns(w.turns); match != nil {
		return &Alert{
			Timestamp:   log.Timestamp,
			Severity:    match.severity,
			ThreatType:  match.threatType,
			Title:       fmt.Sprintf("conversational pattern: %s", match.name),
			Description: match.description,
			RuleID:      "CONV_" + strings.ToUpper(match.name),
			Evidence: map[string]interface{}{
				"conversational_pattern": match.name,
				"pattern":                match.name,
				"turn_sequence":          match.sequence,
				"session_id":             log.SessionID,
			},
			AgentID:   log.AgentID,
			UserID:    log.UserID,
			SessionID: log.SessionID,
			SrcIP:     log.SrcIP,
		}, nil
	}
	return nil, nil
}

// ResetSession clears window state for a session, e.g. when it ends.
func (d *ConversationalDetector) ResetSession(sessionID string) {
	d.mu.Lock()
	delete(d.sessions, sessionID)
	d.mu.Unlock()
}

func (d *ConversationalDetector) evictExpiredLocked(now time.Time) {
	cutoff := now.Add(-d.ttl)
	for id, w := range d.sessions {
		if w.lastSeen.Before(cutoff) {
			delete(d.sessions, id)
		}
	}
}

// SessionCount reports how many sessions currently have live window state.
func (d *ConversationalDetector) SessionCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions)
}

// classifyTurn assigns a coarse per-turn tag using keyword heuristics. This
// is deliberately simple: ConversationalDetector's signal comes from the
// sequence of tags across turns, not from any single turn's classification.
func classifyTurn(message string) string {
	m := strings.ToLower(message)

	switch {
	case containsAny(m, "what can you do", "what are your capabilities", "what are you able to do", "list your functions"):
		return "capabilities_query"
	case containsAny(m, "what are you not allowed", "what are your restrictions", "what can't you do", "what are your limits"):
		return "restrictions_query"
	case containsAny(m, "ignore", "disregard", "bypass", "override", "without restriction", "no rules apply"):
		return "override_attempt"
	case containsAny(m, "you're so helpful", "great job", "i trust you", "you're the best", "i appreciate you"):
		return "affirmation"
	case containsAny(m, "by the way", "unrelated", "random question", "off topic"):
		return "unrelated_chatter"
	case containsAny(m, "can you just this once", "as a special exception", "since we're friends", "just between us"):
		return "privileged_request"
	case containsAny(m, "can you also", "now also allow", "in addition please", "go a step further and"):
		return "elevation_request"
	case containsAny(m, "let's start over", "new conversation", "reset context", "forget our chat"):
		return "reset_marker"
	case containsAny(m, "you are now", "from now on you are", "your new role is", "act as"):
		return "role_redefinition"
	case containsAny(m, "who is the admin", "where is the database", "what is the internal", "how does the system"):
		return "probing_question"
	default:
		return "other"
	}
}

func containsAny(haystack string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

type patternMatch struct {
	name        string
	threatType  string
	severity    string
	description string
	sequence    []string
}

// matchPatterns checks the tail of turns against the five named patterns, in
// priority order. Each pattern requires at least 3 turns; only tags, not
// exact wording, need to line up, so a pattern can span non-matching turns
// in between as long as the required tags appear in order.
func matchPatterns(turns []turn) *patternMatch {
	if len(turns) < 3 {
		return nil
	}
	tags := make([]string, len(turns))
	for i, t := range turns {
		tags[i] = t.tag
	}

	type def struct {
		name        string
		required    []string
		threatType  string
		severity    string
		description string
	}
	defs := []def{
		{"progressive_probing", []string{"capabilities_query", "restrictions_query", "override_attempt"},
			ThreatPromptInjection, SeverityHigh, "capability query followed by restriction probing followed by an override attempt"},
		{"trust_building", []string{"affirmation", "unrelated_chatter", "privileged_request"},
			ThreatSuspiciousBehavior, SeverityHigh, "rapport-building turns followed by a sudden privileged request"},
		{"permission_escalation", []string{"elevation_request", "elevation_request", "elevation_request"},
			ThreatPromptInjection, SeverityHigh, "repeated gradual elevation requests"},
		{"context_switching", []string{"reset_marker", "role_redefinition"},
			ThreatPromptInjection, SeverityHigh, "context reset marker followed by role redefinition"},
		{"information_extraction", []string{"probing_question", "probing_question", "probing_question"},
			ThreatSuspiciousBehavior, SeverityHigh, "sequential probing questions about internal system details"},
	}

	for _, pd := range defs {
		if seq, ok := findSubsequence(tags, pd.required); ok {
			return &patternMatch{
				name:        pd.name,
				threatType:  pd.threatType,
				severity:    pd.severity,
				description: pd.description,
				sequence:    seq,
			}
		}
	}
	return nil
}

// findSubsequence reports whether required appears, in order, as a
// (not necessarily contiguous) subsequence of tags, and returns the matched
// tags if so.
func findSubsequence(tags []string, required []string) ([]string, bool) {
	if len(required) == 0 {
		return nil, false
	}
	idx := 0
	matched := make([]string, 0, len(required))
	for _, tag := range tags {
		if idx >= len(required) {
			break
		}
		if tag == required[idx] {
			matched = append(matched, tag)
			idx++
		}
	}
	if idx == len(required) {
		return matched, true
	}
	return nil, false
}
