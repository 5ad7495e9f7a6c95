package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for Hearth Core.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Core      CoreConfig      `yaml:"core"`
	Database  DatabaseConfig  `yaml:"database"`
	Hub       HubConfig       `yaml:"hub"`
	Cache     CacheConfig     `yaml:"cache"`
	Audit     AuditConfig     `yaml:"audit"`
	StateLog  StateLogConfig  `yaml:"state_log"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// CoreConfig contains instance-level identity settings.
type CoreConfig struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Timezone string `yaml:"timezone"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// HubConfig contains event bus and scheduler tuning.
//
// DispatchTimeout is the hard per-handler deadline: a handler still running
// when it expires is abandoned for that dispatch. SlowThreshold is the lower
// visibility threshold: handlers exceeding it complete normally but produce a
// warning. SlowThreshold must be shorter than DispatchTimeout.
type HubConfig struct {
	DispatchTimeout time.Duration `yaml:"dispatch_timeout"`
	SlowThreshold   time.Duration `yaml:"slow_threshold"`
}

// CacheConfig contains versioned cache settings.
type CacheConfig struct {
	// MaxPayloadBytes caps the serialised size of a single cache write.
	MaxPayloadBytes int `yaml:"max_payload_bytes"`

	// HistoryDepth is how many prior versions are retained per category.
	HistoryDepth int `yaml:"history_depth"`
}

// AuditConfig contains audit logger settings.
type AuditConfig struct {
	// BufferSize is how many records accumulate before an automatic flush.
	BufferSize int `yaml:"buffer_size"`

	// FlushInterval is how often buffered records are flushed regardless of count.
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// StateLogConfig contains append-only state log settings.
type StateLogConfig struct {
	// Retention is how long state-change rows are kept before pruning.
	Retention time.Duration `yaml:"retention"`

	// PruneInterval is how often the retention task runs.
	PruneInterval time.Duration `yaml:"prune_interval"`
}

// MQTTConfig contains MQTT broker connection settings for the ingest listener.
type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	QoS      int    `yaml:"qos"`
}

// TelemetryConfig contains InfluxDB settings for the bus telemetry recorder.
type TelemetryConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: HEARTH_SECTION_KEY
// For example: HEARTH_DATABASE_PATH, HEARTH_MQTT_HOST
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns a Config with sensible defaults.
// Exported so tests and early-startup code can build a working config
// without a file on disk.
func Default() *Config {
	return &Config{
		Core: CoreConfig{
			ID:       "hearth-001",
			Name:     "Hearth Core",
			Timezone: "UTC",
		},
		Database: DatabaseConfig{
			Path:        "./data/hearth.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		Hub: HubConfig{
			DispatchTimeout: 5 * time.Second,
			SlowThreshold:   100 * time.Millisecond,
		},
		Cache: CacheConfig{
			MaxPayloadBytes: 1 << 20,
			HistoryDepth:    20,
		},
		Audit: AuditConfig{
			BufferSize:    64,
			FlushInterval: 10 * time.Second,
		},
		StateLog: StateLogConfig{
			Retention:     90 * 24 * time.Hour,
			PruneInterval: 6 * time.Hour,
		},
		MQTT: MQTTConfig{
			Host:     "localhost",
			Port:     1883,
			ClientID: "hearth-core",
			QoS:      1,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: HEARTH_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Database
	if v := os.Getenv("HEARTH_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("HEARTH_MQTT_HOST"); v != "" {
		cfg.MQTT.Host = v
	}
	if v := os.Getenv("HEARTH_MQTT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.MQTT.Port = port
		}
	}
	if v := os.Getenv("HEARTH_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Username = v
	}
	if v := os.Getenv("HEARTH_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Password = v
	}

	// Telemetry
	if v := os.Getenv("HEARTH_TELEMETRY_URL"); v != "" {
		cfg.Telemetry.URL = v
	}
	if v := os.Getenv("HEARTH_TELEMETRY_TOKEN"); v != "" {
		cfg.Telemetry.Token = v
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Core.ID == "" {
		errs = append(errs, "core.id is required")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.Hub.DispatchTimeout <= 0 {
		errs = append(errs, "hub.dispatch_timeout must be positive")
	}
	if c.Hub.SlowThreshold <= 0 {
		errs = append(errs, "hub.slow_threshold must be positive")
	}
	if c.Hub.SlowThreshold >= c.Hub.DispatchTimeout {
		errs = append(errs, "hub.slow_threshold must be shorter than hub.dispatch_timeout")
	}

	if c.Cache.MaxPayloadBytes <= 0 {
		errs = append(errs, "cache.max_payload_bytes must be positive")
	}
	if c.Cache.HistoryDepth < 0 {
		errs = append(errs, "cache.history_depth must not be negative")
	}

	if c.Audit.BufferSize <= 0 {
		errs = append(errs, "audit.buffer_size must be positive")
	}

	if c.StateLog.Retention <= 0 {
		errs = append(errs, "state_log.retention must be positive")
	}

	if c.MQTT.Enabled {
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			errs = append(errs, "mqtt.qos must be 0, 1, or 2")
		}
		if c.MQTT.Port < 1 || c.MQTT.Port > 65535 {
			errs = append(errs, "mqtt.port must be between 1 and 65535")
		}
	}

	if c.Telemetry.Enabled {
		if c.Telemetry.URL == "" {
			errs = append(errs, "telemetry.url is required when telemetry is enabled")
		}
		if c.Telemetry.Bucket == "" {
			errs = append(errs, "telemetry.bucket is required when telemetry is enabled")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}
