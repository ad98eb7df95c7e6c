package detectrules

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Loader owns the live Catalogue and, optionally, a filesystem watcher that
// recompiles it whenever the rules file changes on disk.
type Loader struct {
	path   string
	logger *slog.Logger

	mu        sync.Mutex
	watcher   *fsnotify.Watcher
	watchDone chan struct{}
}

// NewLoader creates a Loader for the rule catalogue at path. If path is
// empty, Reload always falls back to the seeded default catalogue.
func NewLoader(path string, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{path: path, logger: logger.With("component", "detectrules.Loader")}
}

// LoadInitial loads the catalogue at startup, falling back to the default
// catalogue if no path is configured or the file can't be read.
func (l *Loader) LoadInitial() *Catalogue {
	if l.path == "" {
		l.logger.Info("no rules file configured, using default catalogue")
		return LoadDefault(l.logger)
	}
	cat, err := Load(l.path, l.logger)
	if err != nil {
		l.logger.Warn("failed to load rules file, using default catalogue", "path", l.path, "error", err)
		return LoadDefault(l.logger)
	}
	return cat
}

// Watch starts an fsnotify watcher on the directory containing the rules
// file (not the file itself, to survive editor rename-replace saves). On
// write/create events it reloads and swaps the catalogue in place via
// target.replace, so RulesDetector sees the new rules without restarting.
func (l *Loader) Watch(target *Catalogue) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.path == "" {
		return nil
	}
	if l.watcher != nil {
		l.stopWatchLocked()
	}

	absPath, err := filepath.Abs(l.path)
	if err != nil {
		return fmt.Errorf("resolve rules path: %w", err)
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
	go l.watchLoop(absPath, target)

	l.logger.Info("watching rule catalogue for changes", "path", absPath)
	return nil
}

func (l *Loader) watchLoop(targetPath string, target *Catalogue) {
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
				cat, err := Load(targetPath, l.logger)
				if err != nil {
					l.logger.Error("rule catalogue reload failed, keeping previous rules", "error", err)
					continue
				}
				target.replace(cat.Rules())
				l.logger.Info("rule catalogue reloaded", "path", targetPath, "rule_count", len(cat.Rules()))
			}

		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error("fsnotify error", "error", err)
		}
	}
}

// StopWatch stops the rules-file watcher, if running.
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
