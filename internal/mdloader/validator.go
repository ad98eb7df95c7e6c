package mdloader

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ValidationResult holds the outcome of a ValidateAll check.
type ValidationResult struct {
	Errors   []string
	Warnings []string
}

// OK returns true if there are no errors.
func (v *ValidationResult) OK() bool {
	return len(v.Errors) == 0
}

// Summary returns a human-readable summary of the validation result.
func (v *ValidationResult) Summary() string {
	var b strings.Builder
	if v.OK() {
		fmt.Fprintf(&b, "Validation passed (%d warnings)\n", len(v.Warnings))
	} else {
		fmt.Fprintf(&b, "Validation failed: %d errors, %d warnings\n", len(v.Errors), len(v.Warnings))
	}
	for _, e := range v.Errors {
		fmt.Fprintf(&b, "  ERROR: %s\n", e)
	}
	for _, w := range v.Warnings {
		fmt.Fprintf(&b, "  WARN:  %s\n", w)
	}
	return b.String()
}

// PolicyRef describes a policy to validate. Used by ValidateAll to check
// that ai-judge policies have their referenced POLICY.md files.
type PolicyRef struct {
	Name    string // policy name from config
	Type    string // "ai-judge" or "" (deterministic/CEL)
	Context string // path to POLICY.md (relative to policies dir), only for ai-judge
}

// RuleRef describes a detection rule to validate. Used by ValidateAll to
// warn about rules with no rationale document.
type RuleRef struct {
	ID string
}

// ValidateAll checks that all referenced Markdown files exist and that the
// directory structure is well-formed. It is used by `sentryd doctor` and
// `sentryd policy validate`.
//
// Checks performed:
//   - Every ai-judge policy has its referenced POLICY.md (error if missing)
//   - Rule rationale docs are optional (warning only if missing)
func ValidateAll(
	rulesDir, policiesDir, playbooksDir string,
	policies []PolicyRef,
	rules []RuleRef,
) *ValidationResult {
	result := &ValidationResult{}

	validatePolicies(policiesDir, policies, result)
	validateRules(rulesDir, rules, result)

	return result
}

// validatePolicies checks that every ai-judge policy has its POLICY.md.
func validatePolicies(policiesDir string, policies []PolicyRef, result *ValidationResult) {
	for _, p := range policies {
		if p.Type != "ai-judge" {
			continue
		}

		if p.Context == "" {
			result.Errors = append(result.Errors,
				fmt.Sprintf("policy %q: ai-judge policy has no context path configured", p.Name))
			continue
		}

		// The Context field is the subdirectory name within policiesDir.
		policyMD := filepath.Join(policiesDir, p.Context, "POLICY.md")
		if _, err := os.Stat(policyMD); os.IsNotExist(err) {
			result.Errors = append(result.Errors,
				fmt.Sprintf("policy %q: referenced POLICY.md not found at %s", p.Name, policyMD))
		}
	}
}

// validateRules warns (but does not error) about rules with no rationale
// doc — a missing rule doc never blocks detection, only the operator's
// understanding of why the rule exists.
func validateRules(rulesDir string, rules []RuleRef, result *ValidationResult) {
	if len(rules) == 0 {
		return
	}
	if _, err := os.Stat(rulesDir); os.IsNotExist(err) {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("rules directory does not exist: %s (rule rationale docs will be unavailable)", rulesDir))
		return
	}

	for _, r := range rules {
		ruleMD := filepath.Join(rulesDir, r.ID+".md")
		if _, err := os.Stat(ruleMD); os.IsNotExist(err) {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("rule %q: no rationale doc found at %s", r.ID, ruleMD))
		}
	}
}

// ValidatePlaybooks checks that every threat type a Playbook was ever
// created for has a corresponding playbooks/<NAME>.md runbook. Called
// separately from ValidateAll since the threat-type list comes from
// memory.Store rather than static config.
func ValidatePlaybooks(playbooksDir string, threatTypes []string) *ValidationResult {
	result := &ValidationResult{}
	for _, t := range threatTypes {
		filename := strings.ToUpper(t) + ".md"
		playbookPath := filepath.Join(playbooksDir, filename)
		if _, err := os.Stat(playbookPath); os.IsNotExist(err) {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("threat type %q: no runbook found at %s", t, playbookPath))
		}
	}
	return result
}
