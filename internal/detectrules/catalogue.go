// Package detectrules loads and hot-reloads the keyword/regex rule catalogue
// consumed by detect.RulesDetector. Rules are authored as YAML on disk so an
// operator can add or tune a rule without a rebuild.
package detectrules

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// RawRule is the on-disk shape of a single catalogue rule.
type RawRule struct {
	ID            string   `yaml:"id"`
	Patterns      []string `yaml:"patterns"`
	ThreatType    string   `yaml:"threat_type"`
	Severity      string   `yaml:"severity"`
	MinHits       int      `yaml:"min_hits"`
	CaseSensitive bool     `yaml:"case_sensitive"`
	Environment   string   `yaml:"environment"` // optional context predicate
	Source        string   `yaml:"source"`      // optional context predicate
}

// RawCatalogue is the on-disk shape of the whole rules file.
type RawCatalogue struct {
	Rules []RawRule `yaml:"rules"`
}

// Rule is a compiled catalogue entry.
type Rule struct {
	ID          string
	Patterns    []*regexp.Regexp
	ThreatType  string
	Severity    string
	MinHits     int
	Environment string
	Source      string
}

// ContextOK reports whether the rule's context predicate (if any) is
// satisfied for the given environment/source.
func (r *Rule) ContextOK(environment, source string) bool {
	if r.Environment != "" && r.Environment != environment {
		return false
	}
	if r.Source != "" && r.Source != source {
		return false
	}
	return true
}

// CountHits returns how many distinct patterns in the rule matched content.
// Case-insensitive rules are compiled with (?i), so content is matched as
// given and need not be case-folded by the caller.
func (r *Rule) CountHits(content string) int {
	hits := 0
	for _, re := range r.Patterns {
		if re.MatchString(content) {
			hits++
		}
	}
	return hits
}

// Catalogue is a read-optimized, swappable snapshot of compiled rules.
type Catalogue struct {
	mu    sync.RWMutex
	rules []*Rule
}

// Rules returns a snapshot slice of the current rules. Safe for concurrent
// use; callers must not mutate the returned slice contents.
func (c *Catalogue) Rules() []*Rule {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rules
}

func (c *Catalogue) replace(rules []*Rule) {
	c.mu.Lock()
	c.rules = rules
	c.mu.Unlock()
}

// AddRule appends a single compiled rule to the live catalogue, for
// LearningSystem admitting a rule-based pattern variation at runtime. A
// subsequent file-based reload (Loader.Watch) replaces the whole set and
// drops anything added this way that wasn't also persisted to disk.
func (c *Catalogue) AddRule(r *Rule) {
	c.mu.Lock()
	c.rules = append(c.rules, r)
	c.mu.Unlock()
}

// CompileRule compiles a single RawRule the same way the catalogue loader
// does, for runtime rule admission outside of Load/LoadDefault.
func CompileRule(rr RawRule, logger *slog.Logger) *Rule {
	if logger == nil {
		logger = slog.Default()
	}
	rules := compile(RawCatalogue{Rules: []RawRule{rr}}, logger)
	if len(rules) == 0 {
		return nil
	}
	return rules[0]
}

// Load reads and compiles a rule catalogue from a YAML file. Rules whose
// patterns fail to compile are skipped and logged, not fatal.
func Load(path string, logger *slog.Logger) (*Catalogue, error) {
	if logger == nil {
		logger = slog.Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rule catalogue %q: %w", path, err)
	}

	var raw RawCatalogue
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse rule catalogue %q: %w", path, err)
	}

	rules := compile(raw, logger)
	return &Catalogue{rules: rules}, nil
}

// LoadDefault returns the seeded default catalogue, used when no rules file
// is configured or the file is missing at first boot.
func LoadDefault(logger *slog.Logger) *Catalogue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalogue{rules: compile(defaultRawCatalogue(), logger)}
}

func compile(raw RawCatalogue, logger *slog.Logger) []*Rule {
	rules := make([]*Rule, 0, len(raw.Rules))
	for _, rr := range raw.Rules {
		compiled := make([]*regexp.Regexp, 0, len(rr.Patterns))
		for _, p := range rr.Patterns {
			expr := p
			if !rr.CaseSensitive {
				expr = "(?i)" + expr
			}
			re, err := regexp.Compile(expr)
			if err != nil {
				logger.Warn("skipping uncompilable rule pattern", "rule_id", rr.ID, "pattern", p, "error", err)
				continue
			}
			compiled = append(compiled, re)
		}
		if len(compiled) == 0 {
			logger.Warn("rule has no valid patterns, skipping", "rule_id", rr.ID)
			continue
		}
		minHits := rr.MinHits
		if minHits <= 0 {
			minHits = 1
		}
		rules = append(rules, &Rule{
			ID:          rr.ID,
			Patterns:    compiled,
			ThreatType:  rr.ThreatType,
			Severity:    rr.Severity,
			MinHits:     minHits,
			Environment: rr.Environment,
			Source:      rr.Source,
		})
	}
	return rules
}

// normalize lowercases content for case-insensitive rules; regexes built
// with the (?i) flag already fold case, so this mainly keeps CountHits
// cheap for large catalogues by avoiding repeated per-pattern folding.
func normalize(content string) string {
	return strings.ToLower(content)
}

// defaultRawCatalogue seeds the five rule families named for this domain:
// prompt injection, data exfiltration, system manipulation, medical and
// financial data handling.
func defaultRawCatalogue() RawCatalogue {
	return RawCatalogue{Rules: []RawRule{
		{
			ID:         "PROMPT_INJ_001",
			ThreatType: "prompt_injection",
			Severity:   "critical",
			Patterns: []string{
				`ignore\s+(all\s+)?(previous|prior|above)\s+instructions`,
				`\bsystem\s*:\s*you\s+are\b`,
				`\bdisregard\s+(all\s+)?(previous|prior|safety)`,
			},
		},
		{
			ID:         "PROMPT_INJ_002",
			ThreatType: "prompt_injection",
			Severity:   "high",
			Patterns: []string{
				`\bnew\s+instructions?\s*:`,
				`\byou\s+are\s+now\b`,
				`\bforget\s+(all\s+)?(your\s+)?rules\b`,
			},
		},
		{
			ID:         "DATA_EXF_001",
			ThreatType: "data_exfiltration",
			Severity:   "critical",
			Patterns: []string{
				`\b(send|post|upload|transmit|forward)\s+.{0,30}(data|info|credentials?|keys?|tokens?|passwords?)\s+to\b`,
				`sk-[A-Za-z0-9]{20,}`,
				`AKIA[A-Z0-9]{16}`,
				`-----BEGIN\s+(RSA|EC|OPENSSH|PGP)?\s*PRIVATE KEY-----`,
			},
		},
		{
			ID:         "DATA_EXF_002",
			ThreatType: "data_exfiltration",
			Severity:   "medium",
			Patterns: []string{
				`\b\d{3}-\d{2}-\d{4}\b`, // SSN-shaped
				`\bsend\s+(this|it|data|information)\s+to\b`,
			},
		},
		{
			ID:         "SYS_MAN_001",
			ThreatType: "system_manipulation",
			Severity:   "high",
			Patterns: []string{
				`\b(admin|administrator|developer|system\s+admin)\s+(says?|requests?|commands?|instructs?)`,
				`\b(execute|run|perform|do)\s+the\s+following\s*(command|action|task)s?`,
				`\bdelete\s+(all|every)\b`,
			},
		},
		{
			ID:          "MED_001",
			ThreatType:  "privacy_violation",
			Severity:    "high",
			Environment: "production",
			Patterns: []string{
				`\b(diagnos[ie]s|medical\s+record|patient\s+id|prescription)\b.{0,40}\b(share|export|send)\b`,
			},
		},
		{
			ID:          "FIN_001",
			ThreatType:  "privacy_violation",
			Severity:    "high",
			Environment: "production",
			Patterns: []string{
				`\b(account\s+number|routing\s+number|card\s+number|cvv)\b.{0,40}\b(share|export|send)\b`,
			},
		},
	}}
}
