package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_ParsesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":9000"
runtime:
  rule_max: 50
persistence:
  backend: postgres
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, 50, cfg.Runtime.RuleMax)
	assert.Equal(t, "postgres", cfg.Persistence.Backend)
}

func TestApplyEnvOverrides_EnvWinsOverYAMLAndDefaultsFillGaps(t *testing.T) {
	t.Setenv("RULE_MAX", "200")
	t.Setenv("PERSISTENCE_BACKEND", "spanner")

	cfg := &Config{Runtime: RuntimeConfig{RuleMax: 50}}
	cfg.applyEnvOverrides()

	assert.Equal(t, 200, cfg.Runtime.RuleMax)
	assert.Equal(t, "spanner", cfg.Persistence.Backend)
	assert.Equal(t, 1024, cfg.Runtime.EventQueueSize)
	assert.Equal(t, 16, cfg.Runtime.ActionWorkers)
	assert.Equal(t, ":8080", cfg.Server.Addr)
}

func TestApplyDefaults_FillsZeroValuesOnly(t *testing.T) {
	cfg := &Config{Runtime: RuntimeConfig{RuleMax: 7}}
	cfg.applyDefaults()

	assert.Equal(t, 7, cfg.Runtime.RuleMax)
	assert.Equal(t, 1024, cfg.Runtime.EventQueueSize)
	assert.Equal(t, 10000, cfg.Runtime.ActionTimeoutMs)
	assert.Equal(t, "none", cfg.Persistence.Backend)
	assert.Equal(t, []string{"*"}, cfg.Server.CORSAllowOrigins)
}

func TestActionTimeout_ConvertsMillisToDuration(t *testing.T) {
	cfg := &Config{Runtime: RuntimeConfig{ActionTimeoutMs: 2500}}
	assert.Equal(t, 2500e6, float64(cfg.ActionTimeout()))
}
