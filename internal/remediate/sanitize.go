package remediate

import (
	"fmt"
	"strings"

	"github.com/agentwarden/soc-sentry/internal/analyst"
)

// maxParameterLength caps an action parameter's length.
const maxParameterLength = 1000

// dangerousChars are stripped from every action parameter before
// validation.
const dangerousChars = ";&|`$()<>\"'\\\n\r"

// sanitizeParameter strips shell-metacharacters and caps length.
func sanitizeParameter(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if strings.ContainsRune(dangerousChars, r) {
			continue
		}
		b.WriteRune(r)
	}
	out := b.String()
	if len(out) > maxParameterLength {
		out = out[:maxParameterLength]
	}
	return out
}

// extractActions prefers playbook.Actions; falls back to parsing
// LegacyTarget ("kind:param,kind:param").
func extractActions(p analyst.Playbook) []analyst.Action {
	if len(p.Actions) > 0 {
		return p.Actions
	}
	if p.LegacyTarget == "" {
		return nil
	}
	var actions []analyst.Action
	for _, entry := range strings.Split(p.LegacyTarget, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 2)
		a := analyst.Action{Kind: parts[0]}
		if len(parts) == 2 {
			a.Parameter = parts[1]
		}
		actions = append(actions, a)
	}
	return actions
}

// validateAction checks kind against the catalogue and sanitizes/validates
// the parameter. Returns the sanitized action and an error if it fails the
// whitelist.
func validateAction(a analyst.Action, catalogue map[string]Effector) (analyst.Action, error) {
	if _, ok := catalogue[a.Kind]; !ok {
		return a, fmt.Errorf("action kind %q is not in the catalogue", a.Kind)
	}
	a.Parameter = sanitizeParameter(a.Parameter)
	if requiresRealModeKinds[a.Kind] {
		a.RequiresRealMode = true
	}
	return a, nil
}
