package memory

import "time"

// Store defines the AgentMemory persistence contract: pattern knowledge,
// alert/remediation decisions, remediation state (blocks, rate limits),
// and the learning system's missed-attack/variation pipeline.
type Store interface {
	Initialize() error
	Close() error

	// Patterns
	StorePattern(p *Pattern) error
	GetPatterns(filter PatternFilter) ([]*Pattern, error)
	UpdatePatternConfidence(id string, delta float64) error
	RecordPatternMatch(id string) error
	RecordPatternFalsePositive(id string) error

	// Alerts and decisions
	StoreAlert(a *Alert) error
	ListAlerts(filter AlertFilter) ([]*Alert, int, error)
	StoreAlertDecision(d *Decision) error
	GetDecision(alertID string) (*Decision, error)
	StoreRemediationDecision(d *RemediationDecision) error

	// RemediationState
	PutBlock(b *Block) error
	RemoveBlock(entityType, entityID string) error
	GetBlock(entityType, entityID string) (*Block, error)
	ListBlocksExpiringBefore(t time.Time) ([]*Block, error)
	ListActiveBlocks(entityType string) ([]*Block, error)

	PutRateLimitState(r *RateLimitState) error
	GetRateLimitState(entityType, entityID string) (*RateLimitState, error)
	DeleteRateLimitState(entityType, entityID string) error

	// Learning
	ReportMissedAttack(m *MissedAttack) error
	ListUnprocessedMisses() ([]*MissedAttack, error)
	MarkMissProcessed(id string) error
	StorePatternVariation(v *PatternVariation) error
	ListVariations(sourceAttackID string) ([]*PatternVariation, error)
	AdmitVariation(id string) error
	StoreLearningMetrics(m *LearningMetrics) error
	LatestLearningMetrics() (*LearningMetrics, error)

	// Maintenance
	SweepExpired(now time.Time) (int64, error)
}
