package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Loader loads a Config from YAML, substituting environment variables, and
// supports hot-reload via fsnotify watching the config file's directory --
// the same watch-the-directory-not-the-file pattern policy.Loader uses to
// survive editor rename-replace saves.
type Loader struct {
	mu       sync.RWMutex
	cfg      *Config
	filePath string
	logger   *slog.Logger

	watcher   *fsnotify.Watcher
	watchDone chan struct{}
}

// NewLoader creates a Loader seeded with DefaultConfig so callers can run
// zero-config before ever calling Load.
func NewLoader() *Loader {
	return &Loader{
		cfg:    DefaultConfig(),
		logger: slog.Default().With("component", "config.Loader"),
	}
}

// Load reads, env-substitutes, and parses the YAML file at path, replacing
// the current config on success. On any error the previous config is kept.
func (l *Loader) Load(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}

	expanded := substituteEnvVars(string(raw))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}

	l.mu.Lock()
	l.cfg = cfg
	l.filePath = path
	l.mu.Unlock()

	return nil
}

// Reload re-reads the file previously passed to Load.
func (l *Loader) Reload() error {
	l.mu.RLock()
	path := l.filePath
	l.mu.RUnlock()

	if path == "" {
		return fmt.Errorf("reload: no config file loaded yet")
	}
	return l.Load(path)
}

// Get returns the current config. Safe for concurrent use.
func (l *Loader) Get() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

// FilePath returns the path last passed to Load, or "" if Load has not run.
func (l *Loader) FilePath() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.filePath
}

// WatchConfig starts watching the config file's directory for writes and
// invokes onReload after each successful Reload. Mirrors
// policy.Loader.WatchConfig.
func (l *Loader) WatchConfig(onReload func(path string)) error {
	l.mu.RLock()
	path := l.filePath
	l.mu.RUnlock()
	if path == "" {
		return fmt.Errorf("watch config: no config file loaded yet")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch dir %s: %w", dir, err)
	}

	l.mu.Lock()
	l.watcher = watcher
	l.watchDone = make(chan struct{})
	done := l.watchDone
	l.mu.Unlock()

	go l.watchLoop(watcher, done, path, onReload)
	return nil
}

func (l *Loader) watchLoop(watcher *fsnotify.Watcher, done chan struct{}, path string, onReload func(string)) {
	for {
		select {
		case <-done:
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Name != path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := l.Reload(); err != nil {
				l.logger.Warn("config reload failed", "path", path, "error", err)
				continue
			}
			l.logger.Info("config reloaded", "path", path)
			if onReload != nil {
				onReload(path)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.Warn("config watcher error", "error", err)
		}
	}
}

// StopWatch stops the fsnotify watcher started by WatchConfig, if any.
func (l *Loader) StopWatch() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.watchDone != nil {
		close(l.watchDone)
		l.watchDone = nil
	}
	if l.watcher != nil {
		l.watcher.Close()
		l.watcher = nil
	}
}

// GenerateDefault writes DefaultConfig as YAML to path, for `sentryd init`.
func GenerateDefault(path string) error {
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return fmt.Errorf("marshal default config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write default config %s: %w", path, err)
	}
	return nil
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-[^}]*)?\}`)

// substituteEnvVars expands ${VAR} and ${VAR:-default} placeholders in raw
// YAML text before parsing, so secrets and per-environment values never need
// to be hardcoded in committed config files.
func substituteEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		name := groups[1]
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		if len(groups[2]) > 2 {
			return groups[2][2:] // strip leading ":-"
		}
		return ""
	})
}
