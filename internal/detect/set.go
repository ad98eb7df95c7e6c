package detect

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// DetectorSet composes the four detectors into one logical
// analyze(log) -> Alert? operation. Detectors run in priority order,
// highest first, and the first one to produce an alert wins; a lower-
// priority detector is still consulted when every higher-priority detector
// declined. Exactly one alert comes out per log.
type DetectorSet struct {
	semantic       *SemanticDetector
	conversational *ConversationalDetector
	intelligent    *IntelligentDetector
	rules          *RulesDetector

	dedupWindow time.Duration
	mu          sync.Mutex
	lastSeen    map[string]time.Time

	logger *slog.Logger
}

// NewDetectorSet composes the four detectors in their fixed priority order.
// Any detector may be nil, in which case it is skipped (e.g. IntelligentDetector
// disabled by config).
func NewDetectorSet(semantic *SemanticDetector, conversational *ConversationalDetector, intelligent *IntelligentDetector, rules *RulesDetector, dedupWindow time.Duration, logger *slog.Logger) *DetectorSet {
	if dedupWindow <= 0 {
		dedupWindow = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DetectorSet{
		semantic:       semantic,
		conversational: conversational,
		intelligent:    intelligent,
		rules:          rules,
		dedupWindow:    dedupWindow,
		lastSeen:       make(map[string]time.Time),
		logger:         logger.With("component", "detect.DetectorSet"),
	}
}

// Analyze runs the detectors in priority order and returns the first alert
// produced, or nil if none fire or the result is a duplicate within the
// dedup window.
func (s *DetectorSet) Analyze(ctx context.Context, log LogEntry) (*Alert, error) {
	for _, d := range s.orderedDetectors() {
		alert, err := d.Analyze(ctx, log)
		if err != nil {
			s.logger.Error("detector failed", "detector", d.Name(), "error", err)
			continue
		}
		if alert == nil {
			continue
		}

		if s.isDuplicate(log) {
			s.logger.Debug("suppressing duplicate alert within dedup window",
				"detector", d.Name(), "user_id", log.UserID)
			return nil, nil
		}

		s.logger.Warn("alert produced", "detector", d.Name(), "threat_type", alert.ThreatType,
			"severity", alert.Severity, "agent_id", alert.AgentID, "session_id", alert.SessionID)
		return alert, nil
	}
	return nil, nil
}

func (s *DetectorSet) orderedDetectors() []Detector {
	var ordered []Detector
	if s.semantic != nil {
		ordered = append(ordered, s.semantic)
	}
	if s.conversational != nil {
		ordered = append(ordered, s.conversational)
	}
	if s.intelligent != nil {
		ordered = append(ordered, s.intelligent)
	}
	if s.rules != nil {
		ordered = append(ordered, s.rules)
	}
	return ordered
}

// isDuplicate reports whether (user_id, normalized message hash) was seen
// within the dedup window, and records this observation either way.
func (s *DetectorSet) isDuplicate(log LogEntry) bool {
	key := log.UserID + "|" + normalizedMessageHash(log.Message)

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	s.pruneLocked(now)

	if last, ok := s.lastSeen[key]; ok && now.Sub(last) < s.dedupWindow {
		return true
	}
	s.lastSeen[key] = now
	return false
}

func (s *DetectorSet) pruneLocked(now time.Time) {
	for k, t := range s.lastSeen {
		if now.Sub(t) > s.dedupWindow*2 {
			delete(s.lastSeen, k)
		}
	}
}

func normalizedMessageHash(message string) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(message)), " ")
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}
