package config

import (
	"time"
)

// Config is the top-level soc-sentry configuration.
type Config struct {
	Environment  string            `yaml:"environment"` // production, staging, dev, lab
	Server       ServerConfig      `yaml:"server"`
	Storage      StorageConfig     `yaml:"storage"`
	Policies     []PolicyConfig    `yaml:"policies"`
	Invariants   InvariantsConfig  `yaml:"invariants"`
	Detection    DetectionConfig   `yaml:"detection"`
	Analyst      AnalystConfig     `yaml:"analyst"`
	Remediation  RemediationConfig `yaml:"remediation"`
	Learning     LearningConfig    `yaml:"learning"`
	Alerts       AlertsConfig      `yaml:"alerts"`
	RulesDir     string            `yaml:"rules_dir"`
	PoliciesDir  string            `yaml:"policies_dir"`
	PlaybooksDir string            `yaml:"playbooks_dir"`
}

// InvariantsConfig holds the operator-extensible inputs to the PolicyEngine's
// built-in, non-overridable rules: the IP/CIDR allowlist that must never be
// blocked, and the action kinds classified as destructive.
type InvariantsConfig struct {
	WhitelistCIDRs     []string `yaml:"whitelist_cidrs"`
	DestructiveActions []string `yaml:"destructive_actions"`
}

type ServerConfig struct {
	Port     int        `yaml:"port"`
	LogLevel string     `yaml:"log_level"`
	CORS     bool       `yaml:"cors"`
	FailMode string     `yaml:"fail_mode"` // "closed" = deny on error, "open" = allow on error
	Auth     AuthConfig `yaml:"auth"`
}

// AuthConfig gates opsapi's token-based RBAC. Disabled by default for local/
// lab use; every production-profile default config should turn it on.
type AuthConfig struct {
	Enabled  bool          `yaml:"enabled"`
	TokenTTL time.Duration `yaml:"token_ttl"`
}

type StorageConfig struct {
	Driver        string        `yaml:"driver"`
	Path          string        `yaml:"path"`
	Retention     time.Duration `yaml:"retention"`
	PoolSize      int           `yaml:"pool_size"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
}

// PolicyConfig is a CEL/budget/rate-limit/AI-judge/approval policy,
// evaluated against ActionContext fields by the Remediator pipeline.
type PolicyConfig struct {
	Name          string        `yaml:"name"`
	Condition     string        `yaml:"condition"`
	Effect        string        `yaml:"effect"` // allow, deny, terminate, throttle, approve
	Message       string        `yaml:"message"`
	Type          string        `yaml:"type"` // "" (deterministic/CEL) or "ai-judge"
	Delay         time.Duration `yaml:"delay"`
	Prompt        string        `yaml:"prompt"`
	Model         string        `yaml:"model"`
	Context       string        `yaml:"context"`
	Approvers     []string      `yaml:"approvers"`
	Timeout       time.Duration `yaml:"timeout"`
	TimeoutEffect string        `yaml:"timeout_effect"`
}

type DetectionConfig struct {
	Rules          RulesDetectionConfig        `yaml:"rules"`
	Semantic       SemanticDetectionConfig     `yaml:"semantic"`
	Conversational ConversationalDetectionConfig `yaml:"conversational"`
	Intelligent    IntelligentDetectionConfig  `yaml:"intelligent"`
	DedupWindow    time.Duration               `yaml:"dedup_window"`
}

type RulesDetectionConfig struct {
	Enabled      bool   `yaml:"enabled"`
	PatternsFile string `yaml:"patterns_file"`
}

type SemanticDetectionConfig struct {
	Enabled   bool    `yaml:"enabled"`
	Threshold float64 `yaml:"threshold"`
	EmbedDim  int     `yaml:"embed_dim"`
}

type ConversationalDetectionConfig struct {
	Enabled      bool          `yaml:"enabled"`
	WindowSize   int           `yaml:"window_size"`
	SessionTTL   time.Duration `yaml:"session_ttl"`
}

type IntelligentDetectionConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Model          string  `yaml:"model"`
	DangerThreshold float64 `yaml:"danger_threshold"`
	Timeout        time.Duration `yaml:"timeout"`
}

type AnalystConfig struct {
	CertaintyThreshold float64       `yaml:"certainty_threshold"`
	FPThreshold        float64       `yaml:"fp_threshold"`
	Weights            ScoreWeights  `yaml:"weights"`
}

// ScoreWeights are the weights Analyst applies when computing certainty and,
// symmetrically, fp_probability.
type ScoreWeights struct {
	PatternLegitimacy float64 `yaml:"pattern_legitimacy"`
	UserBehavior      float64 `yaml:"user_behavior"`
	ContextAwareness  float64 `yaml:"context_awareness"`
	ThreatIndicators  float64 `yaml:"threat_indicators"`
}

type RemediationConfig struct {
	RealMode           bool              `yaml:"real_mode"`
	ApprovalTTL        time.Duration     `yaml:"approval_ttl"`
	BlockTTL           time.Duration     `yaml:"block_ttl"`
	RateLimitDefault   RateLimitDefault  `yaml:"rate_limit_default"`
	WorkerPoolSize     int               `yaml:"worker_pool_size"`
	QueueSize          int               `yaml:"queue_size"`
	EffectorTimeout    time.Duration     `yaml:"effector_timeout"`
	LLMTimeout         time.Duration     `yaml:"llm_timeout"`
	DBTimeout          time.Duration     `yaml:"db_timeout"`
	CircuitBreaker     CircuitBreakerConfig `yaml:"circuit_breaker"`
	Cascade            CascadeConfig     `yaml:"cascade"`
}

type RateLimitDefault struct {
	Limit  int           `yaml:"limit"`
	Window time.Duration `yaml:"window"`
}

type CircuitBreakerConfig struct {
	MaxFailures  uint32        `yaml:"max_failures"`
	CooldownTime time.Duration `yaml:"cooldown_time"`
}

// CascadeConfig bounds how far a suspend/isolate action propagates to an
// agent's or user's other active sessions.
type CascadeConfig struct {
	Enabled    bool `yaml:"enabled"`
	MaxSessions int `yaml:"max_sessions"`
}

type LearningConfig struct {
	Enabled            bool          `yaml:"enabled"`
	Model              string        `yaml:"model"`
	VariationBudget    time.Duration `yaml:"variation_budget"`
	MinVariations      int           `yaml:"min_variations"`
	AdmitConfidence    float64       `yaml:"admit_confidence"`
}

type AlertsConfig struct {
	Slack   SlackAlertConfig   `yaml:"slack"`
	Webhook WebhookAlertConfig `yaml:"webhook"`
}

type SlackAlertConfig struct {
	WebhookURL string `yaml:"webhook_url"`
	Channel    string `yaml:"channel"`
}

type WebhookAlertConfig struct {
	URL    string `yaml:"url"`
	Secret string `yaml:"secret"`
}

// DefaultConfig returns a config with sensible defaults for zero-config startup,
// following sensible production-safe defaults.
func DefaultConfig() *Config {
	return &Config{
		Environment: "dev",
		Invariants: InvariantsConfig{
			WhitelistCIDRs: []string{"127.0.0.0/8", "::1/128"},
			DestructiveActions: []string{
				"kill_session", "terminate_session", "isolate_agent",
				"revoke_credentials", "quarantine_account", "delete_data",
			},
		},
		Server: ServerConfig{
			Port:     6777,
			LogLevel: "info",
			CORS:     false,
			FailMode: "closed",
			Auth: AuthConfig{
				Enabled:  false,
				TokenTTL: time.Hour,
			},
		},
		RulesDir:     "./rules",
		PoliciesDir:  "./policies",
		PlaybooksDir: "./playbooks",
		Storage: StorageConfig{
			Driver:       "sqlite",
			Path:         "./sentry.db",
			Retention:    30 * 24 * time.Hour,
			PoolSize:     5,
			WriteTimeout: 2 * time.Second,
		},
		Detection: DetectionConfig{
			Rules: RulesDetectionConfig{
				Enabled:      true,
				PatternsFile: "./rules/patterns.yaml",
			},
			Semantic: SemanticDetectionConfig{
				Enabled:   true,
				Threshold: 0.65,
				EmbedDim:  384,
			},
			Conversational: ConversationalDetectionConfig{
				Enabled:    true,
				WindowSize: 20,
				SessionTTL: 30 * time.Minute,
			},
			Intelligent: IntelligentDetectionConfig{
				Enabled:         true,
				DangerThreshold: 0.7,
				Timeout:         30 * time.Second,
			},
			DedupWindow: 10 * time.Second,
		},
		Analyst: AnalystConfig{
			CertaintyThreshold: 0.7,
			FPThreshold:        0.7,
			Weights: ScoreWeights{
				PatternLegitimacy: 0.30,
				UserBehavior:      0.25,
				ContextAwareness:  0.25,
				ThreatIndicators:  0.20,
			},
		},
		Remediation: RemediationConfig{
			RealMode:    false,
			ApprovalTTL: 86400 * time.Second,
			BlockTTL:    3600 * time.Second,
			RateLimitDefault: RateLimitDefault{
				Limit:  5,
				Window: 120 * time.Second,
			},
			WorkerPoolSize:  4,
			QueueSize:       512,
			EffectorTimeout: 10 * time.Second,
			LLMTimeout:      30 * time.Second,
			DBTimeout:       2 * time.Second,
			CircuitBreaker: CircuitBreakerConfig{
				MaxFailures:  5,
				CooldownTime: 60 * time.Second,
			},
			Cascade: CascadeConfig{
				Enabled:     true,
				MaxSessions: 10,
			},
		},
		Learning: LearningConfig{
			Enabled:         true,
			VariationBudget: 5 * time.Second,
			MinVariations:   10,
			AdmitConfidence: 0.7,
		},
	}
}
