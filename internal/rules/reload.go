package rules

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v2"
)

// RuleFile is the on-disk YAML shape for one rule set. Predicates are not
// YAML-serializable, so a RuleFile only carries the declarative fields;
// the caller-supplied apply function turns each entry into a compiled
// model.Rule (a Go closure predicate, or a CompileRego policy when
// RegoPolicy is set) and installs it into the Engine.
type RuleFile struct {
	Rules []RuleEntry `yaml:"rules"`
}

// RuleEntry is one rule as declared in YAML.
type RuleEntry struct {
	ID           string            `yaml:"id"`
	Enabled      bool              `yaml:"enabled"`
	RegoPolicy   string            `yaml:"rego_policy,omitempty"`
	ConnectorID  string            `yaml:"connector_id"`
	CapabilityID string            `yaml:"capability_id"`
	Operation    string            `yaml:"operation"`
	Params       map[string]string `yaml:"params"`
	ThrottleKey  string            `yaml:"throttle_key"`
	ThrottleSecs int               `yaml:"throttle_seconds"`
}

// Watcher hot-reloads an Engine's rule set whenever its backing file is
// written, grounded on the teacher's fsnotify-based config hot-reload
// (99souls-ariadne's engine/internal/runtime/runtime.go WatchConfigChanges).
type Watcher struct {
	path  string
	apply func(RuleFile) error

	mu       sync.Mutex
	watching bool
	watcher  *fsnotify.Watcher
}

// NewWatcher constructs a hot-reload watcher for the rule file at path.
// apply is called with the parsed file on load and on every subsequent
// write; it is responsible for turning entries into model.Rule values and
// installing them into an Engine (typically via Engine.ReplaceAll).
func NewWatcher(path string, apply func(RuleFile) error) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("rules: create file watcher: %w", err)
	}
	return &Watcher{path: path, apply: apply, watcher: w}, nil
}

// LoadOnce reads and applies the rule file immediately, without watching.
func (w *Watcher) LoadOnce() error {
	return w.reload()
}

// Watch begins watching the rule file's directory for writes, applying
// each change until ctx is cancelled.
func (w *Watcher) Watch(ctx context.Context) error {
	w.mu.Lock()
	if w.watching {
		w.mu.Unlock()
		return nil
	}
	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		w.mu.Unlock()
		return fmt.Errorf("rules: watch dir %s: %w", dir, err)
	}
	w.watching = true
	w.mu.Unlock()

	go func() {
		for {
			select {
			case <-ctx.Done():
				w.watcher.Close()
				return
			case ev, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				if ev.Name != w.path || ev.Op&fsnotify.Write != fsnotify.Write {
					continue
				}
				if err := w.reload(); err != nil {
					slog.Error("rules: hot reload failed, keeping previous rule set", "error", err)
				} else {
					slog.Info("rules: reloaded rule set", "path", w.path)
				}
			case err, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				slog.Error("rules: watcher error", "error", err)
			}
		}
	}()

	return nil
}

func (w *Watcher) reload() error {
	raw, err := os.ReadFile(w.path)
	if err != nil {
		return fmt.Errorf("rules: read %s: %w", w.path, err)
	}
	var file RuleFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("rules: parse %s: %w", w.path, err)
	}
	return w.apply(file)
}
