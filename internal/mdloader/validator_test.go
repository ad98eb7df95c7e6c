package mdloader

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestValidationResult_OK(t *testing.T) {
	tests := []struct {
		name   string
		result ValidationResult
		want   bool
	}{
		{
			name:   "no errors or warnings",
			result: ValidationResult{},
			want:   true,
		},
		{
			name:   "warnings only",
			result: ValidationResult{Warnings: []string{"warning 1", "warning 2"}},
			want:   true,
		},
		{
			name:   "errors only",
			result: ValidationResult{Errors: []string{"error 1"}},
			want:   false,
		},
		{
			name: "both errors and warnings",
			result: ValidationResult{
				Errors:   []string{"error 1"},
				Warnings: []string{"warning 1"},
			},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.result.OK(); got != tt.want {
				t.Errorf("ValidationResult.OK() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestValidationResult_Summary(t *testing.T) {
	tests := []struct {
		name     string
		result   ValidationResult
		contains []string
	}{
		{
			name:   "no errors or warnings",
			result: ValidationResult{},
			contains: []string{
				"Validation passed",
				"0 warnings",
			},
		},
		{
			name:   "warnings only",
			result: ValidationResult{Warnings: []string{"no rationale doc", "rules directory missing"}},
			contains: []string{
				"Validation passed",
				"2 warnings",
				"WARN:  no rationale doc",
				"WARN:  rules directory missing",
			},
		},
		{
			name:   "errors only",
			result: ValidationResult{Errors: []string{"missing POLICY.md"}},
			contains: []string{
				"Validation failed",
				"1 errors",
				"0 warnings",
				"ERROR: missing POLICY.md",
			},
		},
		{
			name: "both errors and warnings",
			result: ValidationResult{
				Errors:   []string{"missing POLICY.md", "missing context"},
				Warnings: []string{"no rationale doc"},
			},
			contains: []string{
				"Validation failed",
				"2 errors",
				"1 warnings",
				"ERROR: missing POLICY.md",
				"ERROR: missing context",
				"WARN:  no rationale doc",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			summary := tt.result.Summary()
			for _, expected := range tt.contains {
				if !strings.Contains(summary, expected) {
					t.Errorf("Summary() missing expected text %q\nGot:\n%s", expected, summary)
				}
			}
		})
	}
}

func TestValidateAll_ValidConfig(t *testing.T) {
	tmpDir := t.TempDir()
	rulesDir := filepath.Join(tmpDir, "rules")
	policiesDir := filepath.Join(tmpDir, "policies")

	if err := os.MkdirAll(rulesDir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(rulesDir, "credential_keyword.md"), []byte("# Rule"), 0644); err != nil {
		t.Fatal(err)
	}

	policyDir := filepath.Join(policiesDir, "safety")
	if err := os.MkdirAll(policyDir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(policyDir, "POLICY.md"), []byte("# Policy"), 0644); err != nil {
		t.Fatal(err)
	}

	policies := []PolicyRef{
		{Name: "safety-check", Type: "ai-judge", Context: "safety"},
		{Name: "budget-check", Type: "cel", Context: ""},
	}
	rules := []RuleRef{
		{ID: "credential_keyword"},
	}

	result := ValidateAll(rulesDir, policiesDir, "", policies, rules)

	if !result.OK() {
		t.Errorf("ValidateAll() should pass for valid config, got:\n%s", result.Summary())
	}
	if len(result.Errors) != 0 {
		t.Errorf("ValidateAll() should have no errors, got: %v", result.Errors)
	}
	if len(result.Warnings) != 0 {
		t.Errorf("ValidateAll() should have no warnings, got: %v", result.Warnings)
	}
}

func TestValidateAll_AIJudgePolicyMissingContext(t *testing.T) {
	tmpDir := t.TempDir()

	policies := []PolicyRef{
		{Name: "safety-check", Type: "ai-judge", Context: ""},
	}

	result := ValidateAll("", tmpDir, "", policies, nil)

	if result.OK() {
		t.Error("ValidateAll() should fail when AI-judge policy has no context")
	}
	if len(result.Errors) == 0 {
		t.Error("ValidateAll() should have errors for AI-judge policy missing context")
	}
	if !strings.Contains(result.Summary(), "has no context path configured") {
		t.Errorf("Summary should mention missing context path, got:\n%s", result.Summary())
	}
}

func TestValidateAll_AIJudgePolicyMissingFile(t *testing.T) {
	tmpDir := t.TempDir()
	policiesDir := filepath.Join(tmpDir, "policies")
	if err := os.MkdirAll(policiesDir, 0755); err != nil {
		t.Fatal(err)
	}

	policies := []PolicyRef{
		{Name: "safety-check", Type: "ai-judge", Context: "safety"},
	}

	result := ValidateAll("", policiesDir, "", policies, nil)

	if result.OK() {
		t.Error("ValidateAll() should fail when AI-judge POLICY.md is missing")
	}
	if len(result.Errors) == 0 {
		t.Error("ValidateAll() should have errors for missing POLICY.md")
	}
	if !strings.Contains(result.Summary(), "referenced POLICY.md not found") {
		t.Errorf("Summary should mention missing POLICY.md, got:\n%s", result.Summary())
	}
}

func TestValidateAll_CELPolicyNoValidation(t *testing.T) {
	tmpDir := t.TempDir()

	policies := []PolicyRef{
		{Name: "budget-check", Type: "cel", Context: ""},
		{Name: "rate-limit", Type: "", Context: ""},
	}

	result := ValidateAll("", tmpDir, "", policies, nil)

	if !result.OK() {
		t.Errorf("ValidateAll() should pass for non-AI-judge policies, got:\n%s", result.Summary())
	}
}

func TestValidateAll_RulesDirMissing(t *testing.T) {
	tmpDir := t.TempDir()
	rulesDir := filepath.Join(tmpDir, "nonexistent-rules")

	rules := []RuleRef{
		{ID: "credential_keyword"},
	}

	result := ValidateAll(rulesDir, "", "", nil, rules)

	if !result.OK() {
		t.Errorf("ValidateAll() should pass with warning when rules directory doesn't exist, got:\n%s", result.Summary())
	}
	if len(result.Warnings) == 0 {
		t.Error("ValidateAll() should have warning for missing rules directory")
	}
	if !strings.Contains(result.Summary(), "rules directory does not exist") {
		t.Errorf("Summary should mention rules directory doesn't exist, got:\n%s", result.Summary())
	}
}

func TestValidateAll_RuleMissingRationale(t *testing.T) {
	tmpDir := t.TempDir()
	rulesDir := filepath.Join(tmpDir, "rules")
	if err := os.MkdirAll(rulesDir, 0755); err != nil {
		t.Fatal(err)
	}

	rules := []RuleRef{
		{ID: "credential_keyword"},
		{ID: "prompt_override"},
	}

	result := ValidateAll(rulesDir, "", "", nil, rules)

	if !result.OK() {
		t.Errorf("ValidateAll() should pass with warnings for missing rule docs, got:\n%s", result.Summary())
	}
	if len(result.Warnings) != 2 {
		t.Errorf("expected 2 warnings, got %d: %v", len(result.Warnings), result.Warnings)
	}
	if !strings.Contains(result.Summary(), `rule "credential_keyword": no rationale doc found`) {
		t.Errorf("Summary should mention missing rationale doc, got:\n%s", result.Summary())
	}
}

func TestValidateAll_NoRules(t *testing.T) {
	tmpDir := t.TempDir()
	rulesDir := filepath.Join(tmpDir, "rules")

	result := ValidateAll(rulesDir, "", "", nil, nil)

	if !result.OK() {
		t.Errorf("ValidateAll() should pass when there are no rules to check, got:\n%s", result.Summary())
	}
	if len(result.Warnings) != 0 {
		t.Errorf("ValidateAll() should have no warnings when rules list is empty, got: %v", result.Warnings)
	}
}

func TestValidatePlaybooks_MissingRunbook(t *testing.T) {
	tmpDir := t.TempDir()
	playbooksDir := filepath.Join(tmpDir, "playbooks")
	if err := os.MkdirAll(playbooksDir, 0755); err != nil {
		t.Fatal(err)
	}

	result := ValidatePlaybooks(playbooksDir, []string{"prompt_injection"})

	if !result.OK() {
		t.Errorf("ValidatePlaybooks() should only warn, never error, got:\n%s", result.Summary())
	}
	if len(result.Warnings) == 0 {
		t.Error("ValidatePlaybooks() should have warning for missing runbook")
	}
	if !strings.Contains(result.Summary(), "PROMPT_INJECTION.md") {
		t.Errorf("Summary should mention missing PROMPT_INJECTION.md, got:\n%s", result.Summary())
	}
}

func TestValidatePlaybooks_ExistingRunbook(t *testing.T) {
	tmpDir := t.TempDir()
	playbooksDir := filepath.Join(tmpDir, "playbooks")
	if err := os.MkdirAll(playbooksDir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(playbooksDir, "DATA_EXFILTRATION.md"), []byte("# Data Exfiltration"), 0644); err != nil {
		t.Fatal(err)
	}

	result := ValidatePlaybooks(playbooksDir, []string{"data_exfiltration"})

	if !result.OK() {
		t.Errorf("ValidatePlaybooks() should pass when runbook exists, got:\n%s", result.Summary())
	}
	if len(result.Warnings) != 0 {
		t.Errorf("ValidatePlaybooks() should have no warnings, got: %v", result.Warnings)
	}
}

func TestValidateAll_ComplexScenario(t *testing.T) {
	tmpDir := t.TempDir()
	rulesDir := filepath.Join(tmpDir, "rules")
	policiesDir := filepath.Join(tmpDir, "policies")

	if err := os.MkdirAll(rulesDir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(rulesDir, "credential_keyword.md"), []byte("# Rule"), 0644); err != nil {
		t.Fatal(err)
	}

	policyDir := filepath.Join(policiesDir, "safety")
	if err := os.MkdirAll(policyDir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(policyDir, "POLICY.md"), []byte("# Policy"), 0644); err != nil {
		t.Fatal(err)
	}

	policies := []PolicyRef{
		{Name: "safety-check", Type: "ai-judge", Context: "safety"},
		{Name: "missing-context", Type: "ai-judge", Context: ""},
		{Name: "budget-check", Type: "cel", Context: ""},
	}
	rules := []RuleRef{
		{ID: "credential_keyword"},
		{ID: "prompt_override"},
	}

	result := ValidateAll(rulesDir, policiesDir, "", policies, rules)

	if result.OK() {
		t.Error("ValidateAll() should fail with an error for missing-context policy")
	}

	summary := result.Summary()

	if len(result.Errors) != 1 {
		t.Errorf("expected 1 error, got %d: %v", len(result.Errors), result.Errors)
	}
	if len(result.Warnings) != 1 {
		t.Errorf("expected 1 warning, got %d: %v", len(result.Warnings), result.Warnings)
	}

	expected := []string{
		"has no context path configured",
		`rule "prompt_override": no rationale doc found`,
	}
	for _, e := range expected {
		if !strings.Contains(summary, e) {
			t.Errorf("Summary missing expected text %q\nGot:\n%s", e, summary)
		}
	}
}
