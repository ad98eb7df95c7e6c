// Package memory implements AgentMemory, the persistent store for detector
// patterns, alert/remediation decisions, remediation state, and the
// learning system's missed-attack pipeline.
package memory

import (
	"encoding/json"
	"time"
)

// PatternKind classifies stored detector knowledge.
type PatternKind string

const (
	PatternKindRuleKeyword     PatternKind = "rule_keyword"
	PatternKindSemanticExemplar PatternKind = "semantic_exemplar"
	PatternKindConversational  PatternKind = "conversational_signature"
	PatternKindLearnedVariation PatternKind = "learned_variation"
)

// Pattern is stored detector knowledge: rule keywords, semantic exemplars,
// conversational signatures, or variations learned from missed attacks.
type Pattern struct {
	ID               string      `json:"id" db:"id"`
	Text             string      `json:"text" db:"text"`
	Kind             PatternKind `json:"kind" db:"kind"`
	ThreatType       string      `json:"threat_type" db:"threat_type"`
	Confidence       float64     `json:"confidence" db:"confidence"`
	DetectionCount   int         `json:"detection_count" db:"detection_count"`
	FalsePositiveCount int       `json:"false_positive_count" db:"false_positive_count"`
	SourceAttackID   string      `json:"source_attack_id,omitempty" db:"source_attack_id"`
	Embedding        []float64   `json:"embedding,omitempty" db:"-"`
	Active           bool        `json:"active" db:"active"`
	CreatedAt        time.Time   `json:"created_at" db:"created_at"`
}

// EffectiveConfidence recomputes confidence the way the spec's learning hook
// does: base confidence scaled down by the ratio of false positives seen.
func (p Pattern) EffectiveConfidence() float64 {
	denom := float64(p.DetectionCount + p.FalsePositiveCount + 1)
	return p.Confidence * (float64(p.DetectionCount) / denom)
}

// Alert is the persisted form of a detector's finding.
type Alert struct {
	ID          string          `json:"id" db:"id"`
	Timestamp   time.Time       `json:"timestamp" db:"timestamp"`
	Severity    string          `json:"severity" db:"severity"`
	ThreatType  string          `json:"threat_type" db:"threat_type"`
	Title       string          `json:"title" db:"title"`
	Description string          `json:"description" db:"description"`
	RuleID      string          `json:"rule_id" db:"rule_id"`
	Evidence    json.RawMessage `json:"evidence" db:"evidence"`
	AgentID     string          `json:"agent_id,omitempty" db:"agent_id"`
	UserID      string          `json:"user_id,omitempty" db:"user_id"`
	SessionID   string          `json:"session_id,omitempty" db:"session_id"`
	SrcIP       string          `json:"src_ip,omitempty" db:"src_ip"`
}

// Decision is the Analyst's output record for an Alert.
type Decision struct {
	AlertID        string          `json:"alert_id" db:"alert_id"`
	Decision       string          `json:"decision" db:"decision"` // alert, false_positive, investigate
	Certainty      float64         `json:"certainty" db:"certainty"`
	FPProbability  float64         `json:"fp_probability" db:"fp_probability"`
	Reasoning      json.RawMessage `json:"reasoning" db:"reasoning"`
	AnalystContext json.RawMessage `json:"analyst_context,omitempty" db:"analyst_context"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}

// RemediationDecision records the PolicyEngine's verdict for a playbook/action.
type RemediationDecision struct {
	ID         string    `json:"id" db:"id"`
	PlaybookID string    `json:"playbook_id" db:"playbook_id"`
	ActionKind string    `json:"action_kind" db:"action_kind"`
	Effect     string    `json:"effect" db:"effect"` // allow, deny, require_approval, dry_run_only
	Reason     string    `json:"reason,omitempty" db:"reason"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// Block is a RemediationState entry: a blocked IP, suspended user, or
// terminated session, with a TTL the sweeper enforces.
type Block struct {
	EntityType string    `json:"entity_type" db:"entity_type"` // ip, user, session, agent
	EntityID   string    `json:"entity_id" db:"entity_id"`
	Reason     string    `json:"reason" db:"reason"`
	AlertID    string    `json:"alert_id,omitempty" db:"alert_id"`
	BlockedAt  time.Time `json:"blocked_at" db:"blocked_at"`
	ExpiresAt  time.Time `json:"expires_at" db:"expires_at"`
}

// RateLimitState is the persisted token-bucket state for one entity, so
// buckets survive process restarts.
type RateLimitState struct {
	EntityType string    `json:"entity_type" db:"entity_type"`
	EntityID   string    `json:"entity_id" db:"entity_id"`
	Limit      int       `json:"limit" db:"limit_tokens"`
	Window     time.Duration `json:"window" db:"window_seconds"`
	Tokens     float64   `json:"tokens" db:"tokens"`
	LastRefill time.Time `json:"last_refill" db:"last_refill"`
}

// MissedAttack is a human- or Analyst-reported attack the DetectorSet failed
// to catch, awaiting the LearningSystem's variation-generation pass.
type MissedAttack struct {
	ID         string    `json:"id" db:"id"`
	Message    string    `json:"message" db:"message"`
	ThreatType string    `json:"threat_type" db:"threat_type"`
	ReportedBy string    `json:"reported_by" db:"reported_by"`
	ReportedAt time.Time `json:"reported_at" db:"reported_at"`
	Processed  bool      `json:"processed" db:"processed"`
}

// PatternVariation is one AI- or rule-generated variation of a missed
// attack, pending or admitted as an active Pattern.
type PatternVariation struct {
	ID             string    `json:"id" db:"id"`
	SourceAttackID string    `json:"source_attack_id" db:"source_attack_id"`
	PatternID      string    `json:"pattern_id,omitempty" db:"pattern_id"`
	Method         string    `json:"method" db:"method"` // obfuscation, synonym, encoding, multi_step, ai_generated
	Text           string    `json:"text" db:"text"`
	Confidence     float64   `json:"confidence" db:"confidence"`
	Admitted       bool      `json:"admitted" db:"admitted"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// LearningMetrics is a point-in-time snapshot of LearningSystem effectiveness.
type LearningMetrics struct {
	TotalMissed            int       `json:"total_missed" db:"total_missed"`
	PatternsLearned        int       `json:"patterns_learned" db:"patterns_learned"`
	VariationsGenerated    int       `json:"variations_generated" db:"variations_generated"`
	DetectionImprovement   float64   `json:"detection_improvement" db:"detection_improvement"`
	FalseNegativeRate      float64   `json:"false_negative_rate" db:"false_negative_rate"`
	ComputedAt             time.Time `json:"computed_at" db:"computed_at"`
}

// PatternFilter narrows a GetPatterns query.
type PatternFilter struct {
	Kind       PatternKind
	ActiveOnly bool
}

// AlertFilter narrows a ListAlerts query for opsapi's detection feed.
type AlertFilter struct {
	Severity   string
	ThreatType string
	AgentID    string
	SessionID  string
	Since      *time.Time
	Limit      int
	Offset     int
}
