package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v2"
)

// =============================================================================
// Connector Fabric Configuration with Environment Overrides
// =============================================================================

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Runtime     RuntimeConfig     `yaml:"runtime"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Redis       RedisConfig       `yaml:"redis"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// ServerConfig controls the Outward API's net/http server.
type ServerConfig struct {
	Addr               string   `yaml:"addr"`
	Env                string   `yaml:"env"`
	ReadTimeoutSec     int      `yaml:"read_timeout_sec"`
	WriteTimeoutSec    int      `yaml:"write_timeout_sec"`
	IdleTimeoutSec     int      `yaml:"idle_timeout_sec"`
	ShutdownTimeoutSec int      `yaml:"shutdown_timeout_sec"`
	CORSAllowOrigins   []string `yaml:"cors_allow_origins"`
}

// RuntimeConfig bounds the fabric's core components: the event bus queue,
// the rule engine's table size, and the action dispatcher's worker pool.
type RuntimeConfig struct {
	EventQueueSize  int `yaml:"event_queue_size"`
	RuleMax         int `yaml:"rule_max"`
	ActionWorkers   int `yaml:"action_workers"`
	ActionTimeoutMs int `yaml:"action_timeout_ms"`
}

// PersistenceConfig selects the Persistence Collaborator's backend.
type PersistenceConfig struct {
	Backend     string        `yaml:"backend"` // none|postgres|spanner
	PostgresDSN string        `yaml:"postgres_dsn"`
	Spanner     SpannerConfig `yaml:"spanner"`
}

type SpannerConfig struct {
	ProjectID  string `yaml:"project_id"`
	InstanceID string `yaml:"instance_id"`
	DatabaseID string `yaml:"database_id"`
}

// RedisConfig configures the optional Redis store for the connector
// runtime's dedup state.
type RedisConfig struct {
	Addr string `yaml:"addr"`
}

// MetricsConfig configures the Prometheus listener.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// =============================================================================
// Singleton Pattern with Environment Overrides
// =============================================================================

var (
	instance *Config
	once     sync.Once
)

// Get returns the process-wide singleton config instance, loading
// CONFIG_PATH (default "config.yaml") on first use.
func Get() *Config {
	once.Do(func() {
		cfg, err := LoadConfig(getEnv("CONFIG_PATH", "config.yaml"))
		if err != nil {
			slog.Warn("config: failed to load config file, using defaults", "error", err)
		}
		if cfg == nil {
			cfg = &Config{}
		}
		cfg.applyEnvOverrides()
		instance = cfg
	})
	return instance
}

// LoadConfig loads config from a YAML file.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides on top of
// whatever was loaded from YAML, then fills in defaults for zero values.
func (c *Config) applyEnvOverrides() {
	c.Server.Addr = getEnv("SERVER_ADDR", c.Server.Addr)
	c.Server.Env = getEnv("FABRIC_ENV", c.Server.Env)
	if v := getEnvInt("SERVER_READ_TIMEOUT_SEC", 0); v > 0 {
		c.Server.ReadTimeoutSec = v
	}
	if v := getEnvInt("SERVER_WRITE_TIMEOUT_SEC", 0); v > 0 {
		c.Server.WriteTimeoutSec = v
	}
	if v := getEnvInt("SERVER_IDLE_TIMEOUT_SEC", 0); v > 0 {
		c.Server.IdleTimeoutSec = v
	}
	if v := getEnvInt("SERVER_SHUTDOWN_TIMEOUT_SEC", 0); v > 0 {
		c.Server.ShutdownTimeoutSec = v
	}
	if origins := getEnv("CORS_ALLOW_ORIGINS", ""); origins != "" {
		c.Server.CORSAllowOrigins = splitCSV(origins)
	}

	if v := getEnvInt("EVENT_QUEUE_SIZE", 0); v > 0 {
		c.Runtime.EventQueueSize = v
	}
	if v := getEnvInt("RULE_MAX", 0); v > 0 {
		c.Runtime.RuleMax = v
	}
	if v := getEnvInt("ACTION_WORKERS", 0); v > 0 {
		c.Runtime.ActionWorkers = v
	}
	if v := getEnvInt("ACTION_TIMEOUT_MS", 0); v > 0 {
		c.Runtime.ActionTimeoutMs = v
	}

	c.Persistence.Backend = getEnv("PERSISTENCE_BACKEND", c.Persistence.Backend)
	c.Persistence.PostgresDSN = getEnv("POSTGRES_DSN", c.Persistence.PostgresDSN)
	c.Persistence.Spanner.ProjectID = getEnv("SPANNER_PROJECT_ID", c.Persistence.Spanner.ProjectID)
	c.Persistence.Spanner.InstanceID = getEnv("SPANNER_INSTANCE_ID", c.Persistence.Spanner.InstanceID)
	c.Persistence.Spanner.DatabaseID = getEnv("SPANNER_DATABASE_ID", c.Persistence.Spanner.DatabaseID)

	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Metrics.Addr = getEnv("METRICS_ADDR", c.Metrics.Addr)

	c.applyDefaults()
}

// applyDefaults sets sensible defaults for zero-valued config fields.
func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.ReadTimeoutSec == 0 {
		c.Server.ReadTimeoutSec = 15
	}
	if c.Server.WriteTimeoutSec == 0 {
		c.Server.WriteTimeoutSec = 15
	}
	if c.Server.IdleTimeoutSec == 0 {
		c.Server.IdleTimeoutSec = 60
	}
	if c.Server.ShutdownTimeoutSec == 0 {
		c.Server.ShutdownTimeoutSec = 30
	}
	if len(c.Server.CORSAllowOrigins) == 0 {
		c.Server.CORSAllowOrigins = []string{"*"}
	}
	if c.Runtime.EventQueueSize == 0 {
		c.Runtime.EventQueueSize = 1024
	}
	if c.Runtime.RuleMax == 0 {
		c.Runtime.RuleMax = 100
	}
	if c.Runtime.ActionWorkers == 0 {
		c.Runtime.ActionWorkers = 16
	}
	if c.Runtime.ActionTimeoutMs == 0 {
		c.Runtime.ActionTimeoutMs = 10000
	}
	if c.Persistence.Backend == "" {
		c.Persistence.Backend = "none"
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9090"
	}
}

// =============================================================================
// Helper Functions
// =============================================================================

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func splitCSV(s string) []string {
	parts := make([]string, 0)
	for _, p := range strings.Split(s, ",") {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

// =============================================================================
// Convenience Methods
// =============================================================================

func (c *Config) IsProduction() bool { return c.Server.Env == "production" }

func (c *Config) ActionTimeout() time.Duration {
	return time.Duration(c.Runtime.ActionTimeoutMs) * time.Millisecond
}

func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeoutSec) * time.Second
}
