package policy

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/agentwarden/soc-sentry/internal/config"
	"github.com/fsnotify/fsnotify"
)

// PolicyCategory classifies how an operator-defined policy is evaluated.
type PolicyCategory string

const (
	CategoryCEL      PolicyCategory = "cel"
	CategoryAIJudge  PolicyCategory = "ai_judge"
	CategoryApproval PolicyCategory = "approval"
)

// CompiledPolicy wraps a config.PolicyConfig with its compiled evaluation
// artefact. CEL policies carry a compiled program; ai-judge and approval
// policies are resolved by inspecting the config at evaluation time.
type CompiledPolicy struct {
	Config   config.PolicyConfig
	Category PolicyCategory
	CELRule  *CompiledRule
}

// Loader compiles policy configs into evaluation-ready CompiledPolicy
// objects and optionally watches a config file for hot-reload notifications.
type Loader struct {
	celEval *CELEvaluator
	logger  *slog.Logger

	mu        sync.Mutex
	watcher   *fsnotify.Watcher
	watchDone chan struct{}
}

// NewLoader creates a policy Loader.
func NewLoader(celEval *CELEvaluator, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{celEval: celEval, logger: logger.With("component", "policy.Loader")}
}

// LoadFromConfig compiles an ordered slice of PolicyConfig into
// CompiledPolicy objects. Policies that fail compilation are logged and
// skipped rather than failing the whole load, so one bad policy never
// prevents the rest of the pipeline from starting.
func (l *Loader) LoadFromConfig(configs []config.PolicyConfig) ([]CompiledPolicy, error) {
	policies := make([]CompiledPolicy, 0, len(configs))

	for i, cfg := range configs {
		cat := classifyPolicy(cfg)
		cp := CompiledPolicy{Config: cfg, Category: cat}

		if cat == CategoryCEL {
			rule, err := l.celEval.CompileExpression(cfg.Condition)
			if err != nil {
				l.logger.Error("skipping policy with invalid CEL expression",
					"policy_name", cfg.Name, "index", i, "error", err)
				continue
			}
			cp.CELRule = &rule
		}

		policies = append(policies, cp)
		l.logger.Info("loaded policy", "name", cfg.Name, "category", string(cat), "effect", cfg.Effect)
	}

	l.logger.Info("policy loading complete", "total_configs", len(configs), "loaded_policies", len(policies))
	return policies, nil
}

// classifyPolicy determines the evaluation category for a PolicyConfig.
func classifyPolicy(cfg config.PolicyConfig) PolicyCategory {
	if cfg.Type == "ai-judge" {
		return CategoryAIJudge
	}
	if len(cfg.Approvers) > 0 {
		return CategoryApproval
	}
	return CategoryCEL
}

// WatchConfig starts an fsnotify watcher on the directory containing
// configPath (not the file itself, to survive editor rename-replace saves).
// On write/create events for the target file, onReload is invoked with its
// absolute path. Call StopWatch to clean up.
func (l *Loader) WatchConfig(configPath string, onReload func(path string)) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.watcher != nil {
		l.stopWatchLocked()
	}

	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}

	dir := filepath.Dir(absPath)
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return fmt.Errorf("watch directory %s: %w", dir, err)
	}

	l.watcher = w
	l.watchDone = make(chan struct{})
	go l.watchLoop(absPath, onReload)

	l.logger.Info("watching policy config for changes", "path", absPath)
	return nil
}

func (l *Loader) watchLoop(targetPath string, onReload func(string)) {
	defer close(l.watchDone)

	for {
		select {
		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			absEvent, _ := filepath.Abs(event.Name)
			if absEvent != targetPath {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				l.logger.Info("policy config changed, triggering reload", "path", targetPath)
				onReload(targetPath)
			}

		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error("fsnotify error", "error", err)
		}
	}
}

// StopWatch stops the config file watcher, if running.
func (l *Loader) StopWatch() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopWatchLocked()
}

func (l *Loader) stopWatchLocked() {
	if l.watcher != nil {
		_ = l.watcher.Close()
		if l.watchDone != nil {
			<-l.watchDone
		}
		l.watcher = nil
		l.watchDone = nil
	}
}
