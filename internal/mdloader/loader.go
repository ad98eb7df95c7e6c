// Package mdloader reads, caches, and watches the Markdown documents that
// give detection rules and remediation playbooks their human-readable
// rationale: rule docs consulted by operators and `sentryd doctor`,
// POLICY.md context docs the ai-judge PolicyEngine rule sends an LLM
// alongside the action under review, and playbook runbooks describing the
// analysis/remediation steps for each threat type.
package mdloader

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Loader reads and caches MD files from the filesystem. It is safe for
// concurrent use. The cache is keyed by absolute file path and entries are
// automatically invalidated when the Watcher detects a filesystem change.
type Loader struct {
	rulesDir     string // e.g. "./rules"
	policiesDir  string // e.g. "./policies"
	playbooksDir string // e.g. "./playbooks"
	cache        map[string]*CachedMD
	mu           sync.RWMutex
	watcher      *Watcher
}

// CachedMD holds a single cached Markdown file and its metadata.
type CachedMD struct {
	Path     string
	Content  string
	ModTime  time.Time
	LoadedAt time.Time
}

// NewLoader creates a new Loader for the given directory layout. The
// directories do not need to exist at construction time — they are checked
// on each load call.
func NewLoader(rulesDir, policiesDir, playbooksDir string) *Loader {
	return &Loader{
		rulesDir:     rulesDir,
		policiesDir:  policiesDir,
		playbooksDir: playbooksDir,
		cache:        make(map[string]*CachedMD),
	}
}

// RulesDir returns the configured rule-rationale directory.
func (l *Loader) RulesDir() string { return l.rulesDir }

// PoliciesDir returns the configured policies directory.
func (l *Loader) PoliciesDir() string { return l.policiesDir }

// PlaybooksDir returns the configured playbooks directory.
func (l *Loader) PlaybooksDir() string { return l.playbooksDir }

// SetWatcher associates a filesystem Watcher with this Loader. The watcher
// calls Invalidate on file changes. This is called by NewWatcher automatically.
func (l *Loader) SetWatcher(w *Watcher) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.watcher = w
}

// ---------------------------------------------------------------------------
// Rule rationale
// ---------------------------------------------------------------------------

// LoadRuleMD loads rules/<ruleID>.md: the prose rationale for one
// detectrules.Catalogue entry — what it catches, known false-positive
// sources, tuning history. Optional; a rule works fine without one.
func (l *Loader) LoadRuleMD(ruleID string) (string, error) {
	p := filepath.Join(l.rulesDir, ruleID+".md")
	return l.loadFile(p)
}

// ---------------------------------------------------------------------------
// Policy context (ai-judge)
// ---------------------------------------------------------------------------

// LoadPolicyMD loads policies/<policyPath>/POLICY.md: the context an
// ai-judge PolicyEngine rule sends the judge LLM alongside the action under
// review. policyPath is the policy name from config.
func (l *Loader) LoadPolicyMD(policyPath string) (string, error) {
	p := filepath.Join(l.policiesDir, policyPath, "POLICY.md")
	return l.loadFile(p)
}

// ---------------------------------------------------------------------------
// Playbook runbooks
// ---------------------------------------------------------------------------

// LoadPlaybook loads playbooks/<NAME>.md: the runbook an operator (or the
// ops console) reads when a Playbook's analysis steps and remediation
// options need spelling out for a given threat type. name is uppercased
// before lookup (e.g. "prompt_injection" -> "playbooks/PROMPT_INJECTION.md").
func (l *Loader) LoadPlaybook(name string) (string, error) {
	filename := strings.ToUpper(name) + ".md"
	p := filepath.Join(l.playbooksDir, filename)
	return l.loadFile(p)
}

// ---------------------------------------------------------------------------
// Cache management
// ---------------------------------------------------------------------------

// Invalidate removes a cached entry by its absolute or relative path. Called
// by the Watcher on filesystem change events.
func (l *Loader) Invalidate(path string) {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.cache, abs)
}

// InvalidateAll clears the entire cache.
func (l *Loader) InvalidateAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cache = make(map[string]*CachedMD)
}

// ---------------------------------------------------------------------------
// Internal
// ---------------------------------------------------------------------------

// loadFile returns the file content from cache if the file has not been
// modified since it was cached, otherwise reads from disk and updates the
// cache.
func (l *Loader) loadFile(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve absolute path for %q: %w", path, err)
	}

	// Stat the file to check existence and mod time.
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("file not found: %s", abs)
	}

	// Fast path: return cached content if the file has not changed.
	l.mu.RLock()
	cached, ok := l.cache[abs]
	l.mu.RUnlock()

	if ok && !info.ModTime().After(cached.ModTime) {
		return cached.Content, nil
	}

	// Slow path: read from disk.
	data, err := os.ReadFile(abs)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", abs, err)
	}

	entry := &CachedMD{
		Path:     abs,
		Content:  string(data),
		ModTime:  info.ModTime(),
		LoadedAt: time.Now(),
	}

	l.mu.Lock()
	l.cache[abs] = entry
	l.mu.Unlock()

	return entry.Content, nil
}
