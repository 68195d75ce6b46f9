package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v2"
)

// TenantOverride is the subset of Config a tenant is allowed to override.
type TenantOverride struct {
	RuleMax          int      `yaml:"rule_max"`
	EventQueueSize   int      `yaml:"event_queue_size"`
	CORSAllowOrigins []string `yaml:"cors_allow_origins"`
}

// TenantsConfig holds the per-tenant override map loaded from
// TENANTS_CONFIG_PATH.
type TenantsConfig struct {
	Tenants map[string]TenantOverride `yaml:"tenants"`
}

// Manager resolves the effective configuration for a tenant, merging
// TenantsConfig overrides on top of the global Config, and keeps the
// overrides current by watching the tenants file for changes.
type Manager struct {
	globalConfig *Config
	tenantsPath  string

	mu      sync.RWMutex
	tenants map[string]TenantOverride
}

// NewManager loads the master config and the tenants override file. A
// missing tenants file is not an error — it just means no tenant has an
// override yet.
func NewManager(masterPath, tenantsPath string) (*Manager, error) {
	master, err := LoadConfig(masterPath)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		globalConfig: master,
		tenantsPath:  tenantsPath,
		tenants:      make(map[string]TenantOverride),
	}

	if err := m.reload(); err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	return m, nil
}

func (m *Manager) reload() error {
	f, err := os.Open(m.tenantsPath)
	if err != nil {
		return err
	}
	defer f.Close()

	var tc TenantsConfig
	if err := yaml.NewDecoder(f).Decode(&tc); err != nil {
		return err
	}

	m.mu.Lock()
	m.tenants = tc.Tenants
	m.mu.Unlock()
	return nil
}

// Get returns the effective config for a tenant: a copy of the global
// config with any registered overrides applied.
func (m *Manager) Get(tenantID string) *Config {
	m.mu.RLock()
	override, ok := m.tenants[tenantID]
	m.mu.RUnlock()

	effective := *m.globalConfig
	if !ok {
		return &effective
	}

	if override.RuleMax != 0 {
		effective.Runtime.RuleMax = override.RuleMax
	}
	if override.EventQueueSize != 0 {
		effective.Runtime.EventQueueSize = override.EventQueueSize
	}
	if len(override.CORSAllowOrigins) != 0 {
		effective.Server.CORSAllowOrigins = override.CORSAllowOrigins
	}

	return &effective
}

// Watch starts watching TENANTS_CONFIG_PATH for writes and reloads the
// override table in place. It watches the containing directory rather
// than the file itself, since editors commonly replace a file instead of
// writing it in place. Stops when ctx is cancelled.
func (m *Manager) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	dir := filepath.Dir(m.tenantsPath)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(m.tenantsPath) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := m.reload(); err != nil {
					slog.Warn("config: failed to reload tenants file", "path", m.tenantsPath, "error", err)
					continue
				}
				slog.Info("config: reloaded tenant overrides", "path", m.tenantsPath)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("config: tenants watcher error", "error", err)
			}
		}
	}()

	return nil
}
