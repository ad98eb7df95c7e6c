package detect

import (
	"context"
	"fmt"
	"strings"

	"github.com/agentwarden/soc-sentry/internal/detectrules"
)

// RulesDetector matches LogEntry content against a hot-reloadable catalogue
// of keyword/regex rules keyed by rule_id. Lowest priority in the fusion
// order: it exists to catch the obvious cases the smarter detectors miss.
type RulesDetector struct {
	catalogue   *detectrules.Catalogue
	environment string
}

// NewRulesDetector creates a RulesDetector backed by catalogue. environment
// is passed to each rule's context predicate (e.g. a rule scoped to
// "production" never fires in dev/lab).
func NewRulesDetector(catalogue *detectrules.Catalogue, environment string) *RulesDetector {
	return &RulesDetector{catalogue: catalogue, environment: environment}
}

func (d *RulesDetector) Name() string { return "RulesDetector" }

// Analyze scans log.Message against every rule in the catalogue, case-
// insensitively unless a rule pins its own case sensitivity. The first rule
// that meets its minimum-hit count and context predicate produces the alert;
// rules are evaluated in catalogue order so operators control precedence by
// ordering their rules file.
func (d *RulesDetector) Analyze(_ context.Context, log LogEntry) (*Alert, error) {
	if strings.TrimSpace(log.Message) == "" {
		return nil, nil
	}
	content := log.Message

	for _, rule := range d.catalogue.Rules() {
		if !rule.ContextOK(d.environment, log.Source) {
			continue
		}
		hits := rule.CountHits(content)
		if hits < rule.MinHits {
			continue
		}

		return &Alert{
			Timestamp:   log.Timestamp,
			Severity:    rule.Severity,
			ThreatType:  rule.ThreatType,
			Title:       fmt.Sprintf("rule match: %s", rule.ID),
			Description: fmt.Sprintf("message matched %d pattern(s) in rule %s", hits, rule.ID),
			RuleID:      rule.ID,
			Evidence: map[string]interface{}{
				"pattern_matches": hits,
				"rule_id":         rule.ID,
			},
			AgentID:   log.AgentID,
			UserID:    log.UserID,
			SessionID: log.SessionID,
			SrcIP:     log.SrcIP,
		}, nil
	}

	return nil, nil
}
