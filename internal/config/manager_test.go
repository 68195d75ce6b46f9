package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestNewManager_MissingTenantsFileIsNotAnError(t *testing.T) {
	dir := t.TempDir()
	masterPath := filepath.Join(dir, "config.yaml")
	writeFile(t, masterPath, "server:\n  addr: \":8080\"\n")

	m, err := NewManager(masterPath, filepath.Join(dir, "tenants.yaml"))
	require.NoError(t, err)

	effective := m.Get("unknown-tenant")
	assert.Equal(t, ":8080", effective.Server.Addr)
}

func TestGet_AppliesTenantOverride(t *testing.T) {
	dir := t.TempDir()
	masterPath := filepath.Join(dir, "config.yaml")
	tenantsPath := filepath.Join(dir, "tenants.yaml")
	writeFile(t, masterPath, "runtime:\n  rule_max: 100\n")
	writeFile(t, tenantsPath, "tenants:\n  acme:\n    rule_max: 10\n")

	m, err := NewManager(masterPath, tenantsPath)
	require.NoError(t, err)

	assert.Equal(t, 10, m.Get("acme").Runtime.RuleMax)
	assert.Equal(t, 100, m.Get("other").Runtime.RuleMax)
}

func TestWatch_ReloadsOverridesOnFileWrite(t *testing.T) {
	dir := t.TempDir()
	masterPath := filepath.Join(dir, "config.yaml")
	tenantsPath := filepath.Join(dir, "tenants.yaml")
	writeFile(t, masterPath, "runtime:\n  rule_max: 100\n")
	writeFile(t, tenantsPath, "tenants:\n  acme:\n    rule_max: 10\n")

	m, err := NewManager(masterPath, tenantsPath)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.Watch(ctx))

	writeFile(t, tenantsPath, "tenants:\n  acme:\n    rule_max: 999\n")

	require.Eventually(t, func() bool {
		return m.Get("acme").Runtime.RuleMax == 999
	}, 2*time.Second, 20*time.Millisecond)
}
