package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return configPath
}

func TestLoad_ValidConfig(t *testing.T) {
	content := `
core:
  id: "test-core"
database:
  path: "/tmp/test.db"
  wal_mode: true
  busy_timeout: 5
hub:
  dispatch_timeout: 2s
  slow_threshold: 50ms
mqtt:
  enabled: true
  host: "broker.local"
  port: 1883
  client_id: "test-client"
  qos: 1
`
	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Core.ID != "test-core" {
		t.Errorf("Core.ID = %q, want %q", cfg.Core.ID, "test-core")
	}
	if cfg.Database.Path != "/tmp/test.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "/tmp/test.db")
	}
	if cfg.Hub.DispatchTimeout != 2*time.Second {
		t.Errorf("Hub.DispatchTimeout = %v, want 2s", cfg.Hub.DispatchTimeout)
	}
	if cfg.Hub.SlowThreshold != 50*time.Millisecond {
		t.Errorf("Hub.SlowThreshold = %v, want 50ms", cfg.Hub.SlowThreshold)
	}
	if cfg.MQTT.Host != "broker.local" {
		t.Errorf("MQTT.Host = %q, want %q", cfg.MQTT.Host, "broker.local")
	}

	// Sections absent from the file keep their defaults.
	if cfg.Cache.HistoryDepth != 20 {
		t.Errorf("Cache.HistoryDepth = %d, want default 20", cfg.Cache.HistoryDepth)
	}
	if cfg.Audit.BufferSize != 64 {
		t.Errorf("Audit.BufferSize = %d, want default 64", cfg.Audit.BufferSize)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "invalid: [yaml: content"))
	if err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	content := `
database:
  path: "/tmp/from-file.db"
mqtt:
  host: "from-file"
`
	t.Setenv("HEARTH_DATABASE_PATH", "/tmp/from-env.db")
	t.Setenv("HEARTH_MQTT_HOST", "from-env")

	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Database.Path != "/tmp/from-env.db" {
		t.Errorf("Database.Path = %q, want env override", cfg.Database.Path)
	}
	if cfg.MQTT.Host != "from-env" {
		t.Errorf("MQTT.Host = %q, want env override", cfg.MQTT.Host)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:    "defaults are valid",
			mutate:  func(*Config) {},
			wantErr: false,
		},
		{
			name:    "empty core id",
			mutate:  func(c *Config) { c.Core.ID = "" },
			wantErr: true,
		},
		{
			name:    "empty database path",
			mutate:  func(c *Config) { c.Database.Path = "" },
			wantErr: true,
		},
		{
			name:    "zero dispatch timeout",
			mutate:  func(c *Config) { c.Hub.DispatchTimeout = 0 },
			wantErr: true,
		},
		{
			name: "slow threshold not below dispatch timeout",
			mutate: func(c *Config) {
				c.Hub.DispatchTimeout = time.Second
				c.Hub.SlowThreshold = time.Second
			},
			wantErr: true,
		},
		{
			name:    "negative history depth",
			mutate:  func(c *Config) { c.Cache.HistoryDepth = -1 },
			wantErr: true,
		},
		{
			name:    "zero audit buffer",
			mutate:  func(c *Config) { c.Audit.BufferSize = 0 },
			wantErr: true,
		},
		{
			name: "invalid qos only checked when mqtt enabled",
			mutate: func(c *Config) {
				c.MQTT.Enabled = false
				c.MQTT.QoS = 7
			},
			wantErr: false,
		},
		{
			name: "invalid qos rejected when mqtt enabled",
			mutate: func(c *Config) {
				c.MQTT.Enabled = true
				c.MQTT.QoS = 7
			},
			wantErr: true,
		},
		{
			name: "telemetry enabled requires url and bucket",
			mutate: func(c *Config) {
				c.Telemetry.Enabled = true
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
