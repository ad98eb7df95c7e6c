package analyst

import (
	"time"

	"github.com/agentwarden/soc-sentry/internal/config"
	"github.com/agentwarden/soc-sentry/internal/detect"
	"github.com/agentwarden/soc-sentry/internal/memory"
)

// score bundles the four weighted components certainty and fp_probability
// are each built from, plus the reasoning strings accumulated along the way.
type score struct {
	certainty     float64
	fpProbability float64
	reasoning     []string
	degraded      bool
}

// computeScore combines a weighted sum of pattern_legitimacy, user_behavior,
// context_awareness, and threat_indicators for certainty, and a symmetric
// (not identical) weighted sum for fp_probability.
func (a *Analyst) computeScore(alert *detect.Alert, environment string) score {
	w := a.weights
	var reasoning []string
	degraded := false

	patternScore, patternReason, ok := a.patternLegitimacy(alert)
	if !ok {
		degraded = true
	}
	reasoning = append(reasoning, patternReason)

	userScore, userFPRate, userReason := a.behavior.score(alert.UserID, time.Now())
	reasoning = append(reasoning, userReason)

	contextScore, contextReason := contextAwareness(environment, alert.Timestamp)
	reasoning = append(reasoning, contextReason)

	threatScore, threatReason := threatIndicators(alert)
	reasoning = append(reasoning, threatReason)

	certainty := w.PatternLegitimacy*patternScore +
		w.UserBehavior*userScore +
		w.ContextAwareness*contextScore +
		w.ThreatIndicators*threatScore

	fp := w.PatternLegitimacy*(1-patternScore) +
		w.UserBehavior*userFPRate +
		w.ContextAwareness*benignContext(environment) +
		w.ThreatIndicators*(1-threatScore)

	return score{
		certainty:     clamp01(certainty),
		fpProbability: clamp01(fp),
		reasoning:     reasoning,
		degraded:      degraded,
	}
}

// patternLegitimacy looks up the matched pattern's effective confidence in
// AgentMemory. Conversational and LLM-derived rule ids have no corresponding
// Pattern row; a severity-based default stands in for those. ok=false
// signals the degraded path: no store is configured, or a pattern read
// failed.
func (a *Analyst) patternLegitimacy(alert *detect.Alert) (float64, string, bool) {
	if a.store == nil {
		return severityFallback(alert.Severity), "pattern lookup skipped: no memory store configured", false
	}
	readFailed := false
	for _, kind := range []memory.PatternKind{memory.PatternKindRuleKeyword, memory.PatternKindSemanticExemplar, memory.PatternKindLearnedVariation} {
		patterns, err := a.store.GetPatterns(memory.PatternFilter{Kind: kind, ActiveOnly: true})
		if err != nil {
			readFailed = true
			continue
		}
		for _, p := range patterns {
			if p.ID == alert.RuleID {
				return clamp01(p.EffectiveConfidence()), "matched stored pattern " + p.ID, true
			}
		}
	}
	if readFailed {
		return severityFallback(alert.Severity), "pattern read failed for rule " + alert.RuleID + ", used severity default", false
	}
	return severityFallback(alert.Severity), "no stored pattern for rule " + alert.RuleID + ", used severity default", true
}

func severityFallback(severity string) float64 {
	switch severity {
	case detect.SeverityCritical:
		return 0.75
	case detect.SeverityHigh:
		return 0.6
	case detect.SeverityMedium:
		return 0.45
	default:
		return 0.3
	}
}

// contextAwareness scores how much the environment and time of day raise
// suspicion. Alert carries no source field (LogEntry.Source isn't retained
// once an alert is built), so this component is environment + timing only.
func contextAwareness(environment string, timestamp int64) (float64, string) {
	env := envThreatWeight(environment)
	hour := time.Unix(timestamp, 0).UTC().Hour()
	offHours := hour < 6 || hour >= 22
	timing := 0.3
	reason := "business-hours activity"
	if offHours {
		timing = 1.0
		reason = "off-hours activity (UTC)"
	}
	return clamp01(env*0.75 + timing*0.25), "environment=" + environment + ", " + reason
}

func envThreatWeight(environment string) float64 {
	switch environment {
	case "medical", "financial":
		return 0.85
	case "production":
		return 0.7
	case "staging":
		return 0.5
	case "dev", "lab":
		return 0.2
	default:
		return 0.5
	}
}

// benignContext is the fp_probability counterpart: how much the environment
// alone explains the alert away as test/dev traffic.
func benignContext(environment string) float64 {
	switch environment {
	case "dev", "lab":
		return 0.8
	case "staging":
		return 0.4
	default:
		return 0.1
	}
}

// threatIndicators reads whichever specificity signal the winning detector
// left in Evidence and normalizes it to [0,1].
func threatIndicators(alert *detect.Alert) (float64, string) {
	if v, ok := floatEvidence(alert.Evidence, "similarity_score"); ok {
		return clamp01(v), "similarity_score evidence"
	}
	if v, ok := floatEvidence(alert.Evidence, "llm_score"); ok {
		return clamp01(v), "llm danger_score evidence"
	}
	if _, ok := alert.Evidence["conversational_pattern"]; ok {
		return 0.75, "multi-turn conversational pattern evidence"
	}
	if v, ok := intEvidence(alert.Evidence, "pattern_matches"); ok {
		return clamp01(float64(v) / 3.0), "pattern_matches evidence"
	}
	return severityFallback(alert.Severity), "no specific evidence field, used severity default"
}

func floatEvidence(evidence map[string]interface{}, key string) (float64, bool) {
	v, ok := evidence[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	}
	return 0, false
}

func intEvidence(evidence map[string]interface{}, key string) (int, bool) {
	v, ok := evidence[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case float64:
		return int(n), true
	}
	return 0, false
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// decide applies the threshold rule: certainty>0.7 => alert;
// fp_probability>0.7 => false_positive; else investigate.
func decide(s score, cfg config.AnalystConfig) Decision {
	if s.certainty > cfg.CertaintyThreshold {
		return DecisionAlert
	}
	if s.fpProbability > cfg.FPThreshold {
		return DecisionFalsePositive
	}
	return DecisionInvestigate
}
