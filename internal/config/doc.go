// Package config handles configuration loading for hearth.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults for every timing
// tunable.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	database:
//	  path: "${HEARTH_DB_PATH}"
//
// Syntax: ${VAR_NAME}. Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	agents:
//	  call_timeout: "5m"
//	  startup_grace: "30s"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Database:
//
//	database:
//	  path: "/var/lib/hearth/hearth.db"
//
// Agent subprocess:
//
//	agents:
//	  binary: "qi"
//	  default_provider: "anthropic"
//	  default_model: "haiku"
//	  call_timeout: "5m"
//	  startup_grace: "30s"
//
// Warm-process pool:
//
//	pool:
//	  reset_timeout: "10s"
//	  idle_threshold: "10m"
//
// Distributed lease:
//
//	lease:
//	  duration: "10m"
//
// Turn recovery:
//
//	conversations:
//	  stale_threshold: "10m"
//	  sweep_interval: "1m"
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
package config
