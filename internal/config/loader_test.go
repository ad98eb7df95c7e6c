package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoader_LoadValidConfig(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "sentry.yaml")

	yamlContent := `
server:
  port: 8080
  log_level: debug
  cors: true
  fail_mode: closed

rules_dir: ./rules
playbooks_dir: ./playbooks

storage:
  driver: sqlite
  path: ./test.db
  retention: 168h

policies:
  - name: budget-limit
    condition: "session.cost > 10.0"
    effect: terminate
    message: "Over budget"

detection:
  rules:
    enabled: true
  semantic:
    enabled: true
    threshold: 0.85
  conversational:
    enabled: true
    window_size: 15
`
	if err := os.WriteFile(configPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	loader := NewLoader()
	if err := loader.Load(configPath); err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	cfg := loader.Get()

	// Server
	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Server.LogLevel != "debug" {
		t.Errorf("Server.LogLevel = %q, want \"debug\"", cfg.Server.LogLevel)
	}
	if !cfg.Server.CORS {
		t.Error("Server.CORS = false, want true")
	}
	if cfg.Server.FailMode != "closed" {
		t.Errorf("Server.FailMode = %q, want \"closed\"", cfg.Server.FailMode)
	}
	if cfg.RulesDir != "./rules" {
		t.Errorf("RulesDir = %q, want \"./rules\"", cfg.RulesDir)
	}
	if cfg.PlaybooksDir != "./playbooks" {
		t.Errorf("PlaybooksDir = %q, want \"./playbooks\"", cfg.PlaybooksDir)
	}

	// Policies
	if len(cfg.Policies) != 1 {
		t.Fatalf("Policies length = %d, want 1", len(cfg.Policies))
	}
	if cfg.Policies[0].Name != "budget-limit" {
		t.Errorf("Policies[0].Name = %q, want \"budget-limit\"", cfg.Policies[0].Name)
	}
	if cfg.Policies[0].Effect != "terminate" {
		t.Errorf("Policies[0].Effect = %q, want \"terminate\"", cfg.Policies[0].Effect)
	}

	// Detection
	if !cfg.Detection.Semantic.Enabled {
		t.Error("Detection.Semantic.Enabled = false, want true")
	}
	if cfg.Detection.Semantic.Threshold != 0.85 {
		t.Errorf("Detection.Semantic.Threshold = %f, want 0.85", cfg.Detection.Semantic.Threshold)
	}
	if cfg.Detection.Conversational.WindowSize != 15 {
		t.Errorf("Detection.Conversational.WindowSize = %d, want 15", cfg.Detection.Conversational.WindowSize)
	}
}

func TestLoader_DefaultConfig(t *testing.T) {
	loader := NewLoader()
	cfg := loader.Get()

	if cfg.Server.Port != 6777 {
		t.Errorf("default Server.Port = %d, want 6777", cfg.Server.Port)
	}
	if cfg.Server.FailMode != "closed" {
		t.Errorf("default Server.FailMode = %q, want \"closed\"", cfg.Server.FailMode)
	}
	if cfg.Storage.Driver != "sqlite" {
		t.Errorf("default Storage.Driver = %q, want \"sqlite\"", cfg.Storage.Driver)
	}
	if cfg.Storage.PoolSize != 5 {
		t.Errorf("default Storage.PoolSize = %d, want 5", cfg.Storage.PoolSize)
	}
	if !cfg.Detection.Semantic.Enabled {
		t.Error("default Detection.Semantic.Enabled = false, want true")
	}
	if cfg.Detection.Semantic.Threshold != 0.65 {
		t.Errorf("default Detection.Semantic.Threshold = %f, want 0.65", cfg.Detection.Semantic.Threshold)
	}
	if cfg.Remediation.RealMode {
		t.Error("default Remediation.RealMode = true, want false")
	}
	if cfg.Remediation.ApprovalTTL.Seconds() != 86400 {
		t.Errorf("default Remediation.ApprovalTTL = %v, want 86400s", cfg.Remediation.ApprovalTTL)
	}
	if cfg.Remediation.BlockTTL.Seconds() != 3600 {
		t.Errorf("default Remediation.BlockTTL = %v, want 3600s", cfg.Remediation.BlockTTL)
	}
}

func TestLoader_LoadNonExistentFile(t *testing.T) {
	loader := NewLoader()
	err := loader.Load("/nonexistent/path/to/config.yaml")
	if err == nil {
		t.Error("Load() with nonexistent file should return error")
	}
}

func TestLoader_LoadInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "bad.yaml")

	if err := os.WriteFile(configPath, []byte(`{{{invalid yaml`), 0644); err != nil {
		t.Fatalf("failed to write bad config: %v", err)
	}

	loader := NewLoader()
	err := loader.Load(configPath)
	if err == nil {
		t.Error("Load() with invalid YAML should return error")
	}
}

func TestLoader_FilePath(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "sentry.yaml")
	if err := os.WriteFile(configPath, []byte("server:\n  port: 9999\n"), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	loader := NewLoader()
	if loader.FilePath() != "" {
		t.Errorf("FilePath() before Load() = %q, want empty", loader.FilePath())
	}

	if err := loader.Load(configPath); err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if loader.FilePath() != configPath {
		t.Errorf("FilePath() = %q, want %q", loader.FilePath(), configPath)
	}
}

func TestLoader_Reload(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "sentry.yaml")

	if err := os.WriteFile(configPath, []byte("server:\n  port: 8080\n"), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	loader := NewLoader()
	if err := loader.Load(configPath); err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if loader.Get().Server.Port != 8080 {
		t.Errorf("initial port = %d, want 8080", loader.Get().Server.Port)
	}

	if err := os.WriteFile(configPath, []byte("server:\n  port: 9999\n"), 0644); err != nil {
		t.Fatalf("failed to overwrite config: %v", err)
	}

	if err := loader.Reload(); err != nil {
		t.Fatalf("Reload() error: %v", err)
	}

	if loader.Get().Server.Port != 9999 {
		t.Errorf("reloaded port = %d, want 9999", loader.Get().Server.Port)
	}
}

func TestLoader_ReloadWithoutLoad(t *testing.T) {
	loader := NewLoader()
	err := loader.Reload()
	if err == nil {
		t.Error("Reload() without prior Load() should return error")
	}
}

func TestSubstituteEnvVars(t *testing.T) {
	os.Setenv("TEST_SENTRY_PORT", "9999")
	os.Setenv("TEST_SENTRY_SECRET", "my-secret")
	defer os.Unsetenv("TEST_SENTRY_PORT")
	defer os.Unsetenv("TEST_SENTRY_SECRET")

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "simple substitution",
			input: "port: ${TEST_SENTRY_PORT}",
			want:  "port: 9999",
		},
		{
			name:  "multiple substitutions",
			input: "port: ${TEST_SENTRY_PORT}\nsecret: ${TEST_SENTRY_SECRET}",
			want:  "port: 9999\nsecret: my-secret",
		},
		{
			name:  "undefined variable",
			input: "value: ${UNDEFINED_TEST_VAR_XYZ}",
			want:  "value: ",
		},
		{
			name:  "default value syntax",
			input: "value: ${UNDEFINED_TEST_VAR_XYZ:-default-val}",
			want:  "value: default-val",
		},
		{
			name:  "default value not used when env var set",
			input: "port: ${TEST_SENTRY_PORT:-1234}",
			want:  "port: 9999",
		},
		{
			name:  "no env vars",
			input: "port: 8080",
			want:  "port: 8080",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := substituteEnvVars(tt.input)
			if got != tt.want {
				t.Errorf("substituteEnvVars(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestSubstituteEnvVars_InConfigLoad(t *testing.T) {
	os.Setenv("TEST_SENTRY_CFG_PORT", "7777")
	defer os.Unsetenv("TEST_SENTRY_CFG_PORT")

	dir := t.TempDir()
	configPath := filepath.Join(dir, "sentry.yaml")

	yamlContent := `
server:
  port: ${TEST_SENTRY_CFG_PORT}
  log_level: info
`
	if err := os.WriteFile(configPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	loader := NewLoader()
	if err := loader.Load(configPath); err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	cfg := loader.Get()
	if cfg.Server.Port != 7777 {
		t.Errorf("Server.Port with env var = %d, want 7777", cfg.Server.Port)
	}
}

func TestGenerateDefault(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "sentry.yaml")

	if err := GenerateDefault(configPath); err != nil {
		t.Fatalf("GenerateDefault() error: %v", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("failed to read generated config: %v", err)
	}

	content := string(data)
	if len(content) == 0 {
		t.Error("generated config is empty")
	}

	loader := NewLoader()
	if err := loader.Load(configPath); err != nil {
		t.Fatalf("generated config is not valid YAML: %v", err)
	}

	cfg := loader.Get()
	if cfg.Server.Port != 6777 {
		t.Errorf("generated config port = %d, want 6777", cfg.Server.Port)
	}
}
