package analyst

import (
	"net/netip"
	"strings"
	"time"

	"github.com/agentwarden/soc-sentry/internal/detect"
)

const playbookTTL = 24 * time.Hour

// buildPlaybook applies environment-aware guards, then a severity-banded
// action set for the decision.
func (a *Analyst) buildPlaybook(alert *detect.Alert, decision Decision, environment string) Playbook {
	actions := actionsFor(alert, decision)
	actions, guardNote := applyGuards(actions, alert, environment)

	justification := "decision=" + string(decision)
	if guardNote != "" {
		justification += "; " + guardNote
	}

	status := PlaybookPending
	if requiresApproval(actions, environment) {
		status = PlaybookDryRun
	}

	return Playbook{
		AlertID:       alert.ID,
		CreatedAt:     time.Now().UTC(),
		Owner:         "soc_analyst",
		Justification: justification,
		Actions:       actions,
		LegacyTarget:  legacyTarget(actions),
		Status:        status,
		ExpiresAt:     time.Now().UTC().Add(playbookTTL),
		CreatedBy:     "analyst",
	}
}

// actionsFor maps a decision (and, for "alert", the alert's severity band)
// to its action set.
func actionsFor(alert *detect.Alert, decision Decision) []Action {
	switch decision {
	case DecisionInvestigate:
		actions := []Action{
			{Kind: "flag_user", Parameter: alert.UserID, RiskLevel: "low"},
			{Kind: "enable_enhanced_monitoring", Parameter: alert.SessionID, RiskLevel: "low"},
		}
		if alert.ThreatType == detect.ThreatPrivacyViolation || alert.ThreatType == detect.ThreatDataExfiltration {
			actions = append(actions, Action{Kind: "notify_compliance_team", Parameter: alert.ID, RiskLevel: "low"})
		}
		return actions
	case DecisionAlert:
		return actionsForSeverity(alert)
	default: // DecisionFalsePositive: a single low-risk review marker; handleAlert never enqueues these.
		return []Action{{Kind: "require_human_review", Parameter: alert.ID, RiskLevel: "low"}}
	}
}

func actionsForSeverity(alert *detect.Alert) []Action {
	switch alert.Severity {
	case detect.SeverityLow:
		return []Action{{Kind: "require_human_review", Parameter: alert.ID, RiskLevel: "low"}}
	case detect.SeverityMedium:
		actions := []Action{}
		if alert.SrcIP != "" {
			actions = append(actions, Action{Kind: "rate_limit_ip", Parameter: alert.SrcIP, RiskLevel: "medium"})
		}
		if alert.UserID != "" {
			actions = append(actions, Action{Kind: "rate_limit_user", Parameter: alert.UserID, RiskLevel: "medium"})
		}
		if len(actions) == 0 {
			actions = append(actions, Action{Kind: "require_human_review", Parameter: alert.ID, RiskLevel: "low"})
		}
		return actions
	case detect.SeverityHigh:
		var actions []Action
		if alert.SrcIP != "" {
			actions = append(actions, Action{Kind: "rate_limit_ip", Parameter: alert.SrcIP, RiskLevel: "high"})
		}
		if alert.UserID != "" {
			actions = append(actions, Action{Kind: "rate_limit_user", Parameter: alert.UserID, RiskLevel: "high"})
		}
		actions = append(actions, Action{Kind: "terminate_session", Parameter: alert.SessionID, RiskLevel: "high", RequiresRealMode: true})
		return actions
	case detect.SeverityCritical:
		var actions []Action
		if alert.SrcIP != "" {
			actions = append(actions, Action{Kind: "block_ip", Parameter: alert.SrcIP, RiskLevel: "critical", RequiresRealMode: true})
		}
		actions = append(actions, Action{Kind: "terminate_session", Parameter: alert.SessionID, RiskLevel: "critical", RequiresRealMode: true})
		if alert.UserID != "" {
			actions = append(actions, Action{Kind: "suspend_user", Parameter: alert.UserID, RiskLevel: "critical", RequiresRealMode: true})
		}
		return actions
	default:
		return []Action{{Kind: "require_human_review", Parameter: alert.ID, RiskLevel: "low"}}
	}
}

var destructiveKinds = map[string]bool{
	"block_ip": true, "suspend_user": true, "terminate_session": true,
	"isolate_agent": true, "quarantine_account": true, "kill_session": true,
	"revoke_credentials": true,
}

// applyGuards downgrades destructive actions to require_human_review in
// dev/lab when the source is loopback or RFC1918, regardless of certainty;
// everything else is left as scored.
func applyGuards(actions []Action, alert *detect.Alert, environment string) ([]Action, string) {
	if !isDevOrLab(environment) {
		return actions, ""
	}
	if !isLocalOrPrivate(alert.SrcIP) {
		return actions, ""
	}
	downgraded := false
	out := make([]Action, 0, len(actions))
	for _, act := range actions {
		if destructiveKinds[act.Kind] {
			out = append(out, Action{Kind: "require_human_review", Parameter: act.Parameter, RiskLevel: "low"})
			downgraded = true
			continue
		}
		out = append(out, act)
	}
	if downgraded {
		return out, "destructive actions downgraded: dev/lab environment with loopback/private source"
	}
	return out, ""
}

// requiresApproval implements the MED/FIN half of step 4: regulated
// environments require approval for any high+ destructive action.
func requiresApproval(actions []Action, environment string) bool {
	if environment != "medical" && environment != "financial" {
		return false
	}
	for _, act := range actions {
		if destructiveKinds[act.Kind] && (act.RiskLevel == "high" || act.RiskLevel == "critical") {
			return true
		}
	}
	return false
}

func isDevOrLab(environment string) bool {
	return environment == "dev" || environment == "lab"
}

func isLocalOrPrivate(ip string) bool {
	if ip == "" {
		return false
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	return addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast()
}

func legacyTarget(actions []Action) string {
	parts := make([]string, 0, len(actions))
	for _, act := range actions {
		if act.Parameter == "" {
			parts = append(parts, act.Kind)
			continue
		}
		parts = append(parts, act.Kind+":"+act.Parameter)
	}
	return strings.Join(parts, ",")
}
