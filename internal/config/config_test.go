// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML loading, env var expansion, duration parsing, and validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing config file: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	configPath := writeConfig(t, `
database:
  path: "./test.db"

agents:
  binary: "qi"
  default_provider: "anthropic"
  default_model: "haiku"
  call_timeout: "2m"
  startup_grace: "45s"

pool:
  reset_timeout: "8s"
  idle_threshold: "20m"

lease:
  duration: "15m"

conversations:
  stale_threshold: "12m"
  sweep_interval: "30s"

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Database.Path != "./test.db" {
		t.Errorf("database path = %q, want ./test.db", cfg.Database.Path)
	}
	if cfg.Agents.Binary != "qi" {
		t.Errorf("agents binary = %q, want qi", cfg.Agents.Binary)
	}
	if cfg.Agents.DefaultProvider != "anthropic" {
		t.Errorf("default provider = %q, want anthropic", cfg.Agents.DefaultProvider)
	}
	if cfg.Agents.CallTimeout != 2*time.Minute {
		t.Errorf("call timeout = %v, want 2m", cfg.Agents.CallTimeout)
	}
	if cfg.Agents.StartupGrace != 45*time.Second {
		t.Errorf("startup grace = %v, want 45s", cfg.Agents.StartupGrace)
	}
	if cfg.Pool.ResetTimeout != 8*time.Second {
		t.Errorf("reset timeout = %v, want 8s", cfg.Pool.ResetTimeout)
	}
	if cfg.Pool.IdleThreshold != 20*time.Minute {
		t.Errorf("idle threshold = %v, want 20m", cfg.Pool.IdleThreshold)
	}
	if cfg.Lease.Duration != 15*time.Minute {
		t.Errorf("lease duration = %v, want 15m", cfg.Lease.Duration)
	}
	if cfg.Conversations.StaleThreshold != 12*time.Minute {
		t.Errorf("stale threshold = %v, want 12m", cfg.Conversations.StaleThreshold)
	}
	if cfg.Conversations.SweepInterval != 30*time.Second {
		t.Errorf("sweep interval = %v, want 30s", cfg.Conversations.SweepInterval)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("logging format = %q, want json", cfg.Logging.Format)
	}
}

func TestLoad_Defaults(t *testing.T) {
	configPath := writeConfig(t, `
database:
  path: "./test.db"
agents:
  binary: "qi"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Agents.CallTimeout != defaultCallTimeout {
		t.Errorf("call timeout = %v, want default %v", cfg.Agents.CallTimeout, defaultCallTimeout)
	}
	if cfg.Pool.IdleThreshold != defaultIdleThreshold {
		t.Errorf("idle threshold = %v, want default %v", cfg.Pool.IdleThreshold, defaultIdleThreshold)
	}
	if cfg.Lease.Duration != defaultLeaseDuration {
		t.Errorf("lease duration = %v, want default %v", cfg.Lease.Duration, defaultLeaseDuration)
	}
	if cfg.Conversations.SweepInterval != defaultSweepInterval {
		t.Errorf("sweep interval = %v, want default %v", cfg.Conversations.SweepInterval, defaultSweepInterval)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "text" {
		t.Errorf("logging defaults = %q/%q, want info/text", cfg.Logging.Level, cfg.Logging.Format)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("HEARTH_TEST_DB", "/tmp/hearth-test.db")
	t.Setenv("HEARTH_TEST_BINARY", "qi")

	configPath := writeConfig(t, `
database:
  path: "${HEARTH_TEST_DB}"
agents:
  binary: "${HEARTH_TEST_BINARY}"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Database.Path != "/tmp/hearth-test.db" {
		t.Errorf("database path = %q, want expanded env value", cfg.Database.Path)
	}
	if cfg.Agents.Binary != "qi" {
		t.Errorf("agents binary = %q, want expanded env value", cfg.Agents.Binary)
	}
}

func TestLoad_UnsetEnvVarBecomesEmpty(t *testing.T) {
	configPath := writeConfig(t, `
database:
  path: "${HEARTH_DEFINITELY_UNSET_VAR}"
agents:
  binary: "qi"
`)

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("expected validation error for empty database path")
	}
	if !strings.Contains(err.Error(), "database.path") {
		t.Errorf("error = %v, want mention of database.path", err)
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	configPath := writeConfig(t, `
database:
  path: "./test.db"
agents:
  binary: "qi"
  call_timeout: "not-a-duration"
`)

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("expected error for invalid duration")
	}
	if !strings.Contains(err.Error(), "call_timeout") {
		t.Errorf("error = %v, want mention of call_timeout", err)
	}
}

func TestLoad_MissingBinary(t *testing.T) {
	configPath := writeConfig(t, `
database:
  path: "./test.db"
`)

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("expected error for missing agents.binary")
	}
	if !strings.Contains(err.Error(), "agents.binary") {
		t.Errorf("error = %v, want mention of agents.binary", err)
	}
}

func TestLoad_InvalidLoggingFormat(t *testing.T) {
	configPath := writeConfig(t, `
database:
  path: "./test.db"
agents:
  binary: "qi"
logging:
  format: "xml"
`)

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("expected error for invalid logging format")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}
