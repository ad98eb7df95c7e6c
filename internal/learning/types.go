// Package learning implements LearningSystem: it takes a missed attack (a
// message that slipped past every detector), generates variations of it
// across a handful of methods, and admits the confident ones into
// DetectorSet's patterns so the same family of attack is caught next time.
package learning

import (
	"time"

	"github.com/agentwarden/soc-sentry/internal/memory"
)

// VariationMethod names one of the five generation strategies.
type VariationMethod string

const (
	MethodObfuscation      VariationMethod = "obfuscation"
	MethodSynonym          VariationMethod = "synonym"
	MethodEncoding         VariationMethod = "encoding"
	MethodMultiStep        VariationMethod = "multi_step"
	MethodAIGenerated      VariationMethod = "ai_generated"
)

// ReportInput is what a caller supplies to report_missed_attack.
type ReportInput struct {
	Message        string
	ActualThreatType string
	Severity       string
	Reporter       string
	Metadata       map[string]interface{}
	AutoUpdate     bool
}

// ProcessResult summarizes one missed attack's processing pass.
type ProcessResult struct {
	AttackID            string
	VariationsGenerated int
	PatternsAdmitted    int
	ByMethod            map[VariationMethod]int
	Metrics             memory.LearningMetrics
}

// candidate is a generated variation before it's scored and persisted.
type candidate struct {
	method     VariationMethod
	text       string
	confidence float64
}

// budgetDeadline is the wall-clock ceiling placed on a single processing
// pass; AI generation is the only method slow enough to hit it.
func budgetDeadline(budget time.Duration) time.Time {
	if budget <= 0 {
		budget = 5 * time.Second
	}
	return time.Now().Add(budget)
}
