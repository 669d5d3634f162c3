// ABOUTME: Configuration loading and parsing for hearth
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete hearth configuration
type Config struct {
	Database      DatabaseConfig      `yaml:"database"`
	Agents        AgentsConfig        `yaml:"agents"`
	Pool          PoolConfig          `yaml:"pool"`
	Lease         LeaseConfig         `yaml:"lease"`
	Conversations ConversationsConfig `yaml:"conversations"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AgentsConfig holds agent subprocess configuration
type AgentsConfig struct {
	// Binary is the agent executable spawned for every pool entry.
	Binary string `yaml:"binary"`
	// DefaultProvider and DefaultModel fill unspecified routing fields.
	DefaultProvider string `yaml:"default_provider"`
	DefaultModel    string `yaml:"default_model"`

	CallTimeout  time.Duration `yaml:"-"`
	StartupGrace time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	CallTimeoutRaw  string `yaml:"call_timeout"`
	StartupGraceRaw string `yaml:"startup_grace"`
}

// PoolConfig holds warm-process pool configuration
type PoolConfig struct {
	ResetTimeout  time.Duration `yaml:"-"`
	IdleThreshold time.Duration `yaml:"-"`

	ResetTimeoutRaw  string `yaml:"reset_timeout"`
	IdleThresholdRaw string `yaml:"idle_threshold"`
}

// LeaseConfig holds distributed lease configuration
type LeaseConfig struct {
	Duration time.Duration `yaml:"-"`

	DurationRaw string `yaml:"duration"`
}

// ConversationsConfig holds turn staleness and recovery configuration
type ConversationsConfig struct {
	StaleThreshold time.Duration `yaml:"-"`
	SweepInterval  time.Duration `yaml:"-"`

	StaleThresholdRaw string `yaml:"stale_threshold"`
	SweepIntervalRaw  string `yaml:"sweep_interval"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults applied where the file leaves a tunable unset.
const (
	defaultCallTimeout    = 5 * time.Minute
	defaultStartupGrace   = 30 * time.Second
	defaultResetTimeout   = 10 * time.Second
	defaultIdleThreshold  = 10 * time.Minute
	defaultLeaseDuration  = 10 * time.Minute
	defaultStaleThreshold = 10 * time.Minute
	defaultSweepInterval  = time.Minute
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills unset timing tunables.
func (c *Config) applyDefaults() {
	if c.Agents.CallTimeout == 0 {
		c.Agents.CallTimeout = defaultCallTimeout
	}
	if c.Agents.StartupGrace == 0 {
		c.Agents.StartupGrace = defaultStartupGrace
	}
	if c.Pool.ResetTimeout == 0 {
		c.Pool.ResetTimeout = defaultResetTimeout
	}
	if c.Pool.IdleThreshold == 0 {
		c.Pool.IdleThreshold = defaultIdleThreshold
	}
	if c.Lease.Duration == 0 {
		c.Lease.Duration = defaultLeaseDuration
	}
	if c.Conversations.StaleThreshold == 0 {
		c.Conversations.StaleThreshold = defaultStaleThreshold
	}
	if c.Conversations.SweepInterval == 0 {
		c.Conversations.SweepInterval = defaultSweepInterval
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Agents.Binary == "" {
		return fmt.Errorf("agents.binary is required")
	}

	for _, d := range []struct {
		name  string
		value time.Duration
	}{
		{"agents.call_timeout", c.Agents.CallTimeout},
		{"agents.startup_grace", c.Agents.StartupGrace},
		{"pool.reset_timeout", c.Pool.ResetTimeout},
		{"pool.idle_threshold", c.Pool.IdleThreshold},
		{"lease.duration", c.Lease.Duration},
		{"conversations.stale_threshold", c.Conversations.StaleThreshold},
		{"conversations.sweep_interval", c.Conversations.SweepInterval},
	} {
		if d.value <= 0 {
			return fmt.Errorf("%s must be positive", d.name)
		}
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	for _, d := range []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"agents.call_timeout", cfg.Agents.CallTimeoutRaw, &cfg.Agents.CallTimeout},
		{"agents.startup_grace", cfg.Agents.StartupGraceRaw, &cfg.Agents.StartupGrace},
		{"pool.reset_timeout", cfg.Pool.ResetTimeoutRaw, &cfg.Pool.ResetTimeout},
		{"pool.idle_threshold", cfg.Pool.IdleThresholdRaw, &cfg.Pool.IdleThreshold},
		{"lease.duration", cfg.Lease.DurationRaw, &cfg.Lease.Duration},
		{"conversations.stale_threshold", cfg.Conversations.StaleThresholdRaw, &cfg.Conversations.StaleThreshold},
		{"conversations.sweep_interval", cfg.Conversations.SweepIntervalRaw, &cfg.Conversations.SweepInterval},
	} {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", d.name, d.raw, err)
		}
		*d.dst = parsed
	}
	return nil
}
