package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rankmybrand/relay/errors"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultValidates(t *testing.T) {
	assert.NoError(t, Default().Validate())
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
nats:
  url: nats://broker:4222
  stream_name: EVENTS
  group: bridge-test
  kv_bucket: sessions
postgres:
  url: postgres://db:5432/relay
session:
  rotation_interval: 15m
  max_session_age: 2h
  sweep_interval: 1m
broadcast:
  port: 9090
  heartbeat_interval: 10s
log:
  level: debug
  format: json
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "nats://broker:4222", cfg.NATS.URL)
	assert.Equal(t, "bridge-test", cfg.NATS.Group)
	assert.Equal(t, 15*time.Minute, cfg.Session.RotationInterval.Std())
	assert.Equal(t, 2*time.Hour, cfg.Session.MaxSessionAge.Std())
	assert.Equal(t, 9090, cfg.Broadcast.Port)
	assert.Equal(t, 10*time.Second, cfg.Broadcast.HeartbeatInterval.Std())
	assert.Equal(t, "debug", cfg.Log.Level)

	// Unset fields keep their defaults.
	assert.Equal(t, "/ws", cfg.Broadcast.Path)
	assert.Equal(t, 10, cfg.Broadcast.BatchSize)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/relay.yaml")
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("RELAY_NATS_URL", "nats://elsewhere:4222")
	t.Setenv("RELAY_SESSION_ROTATION_INTERVAL", "10m")
	t.Setenv("RELAY_BROADCAST_PORT", "9999")
	t.Setenv("RELAY_BROADCAST_STREAMS", "metrics.calculated, system.health")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "nats://elsewhere:4222", cfg.NATS.URL)
	assert.Equal(t, 10*time.Minute, cfg.Session.RotationInterval.Std())
	assert.Equal(t, 9999, cfg.Broadcast.Port)
	assert.Equal(t, []string{"metrics.calculated", "system.health"}, cfg.Broadcast.Streams)
}

func TestRotationIntervalBoundedByMaxAge(t *testing.T) {
	cfg := Default()
	cfg.Session.RotationInterval = Duration(48 * time.Hour)

	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
	assert.Contains(t, err.Error(), "exceeds")
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty nats url", func(c *Config) { c.NATS.URL = "" }},
		{"bad nats scheme", func(c *Config) { c.NATS.URL = "http://broker" }},
		{"empty group", func(c *Config) { c.NATS.Group = "" }},
		{"empty kv bucket", func(c *Config) { c.NATS.KVBucket = "" }},
		{"bad postgres scheme", func(c *Config) { c.Postgres.URL = "mysql://db" }},
		{"zero rotation", func(c *Config) { c.Session.RotationInterval = 0 }},
		{"zero sweep", func(c *Config) { c.Session.SweepInterval = 0 }},
		{"reserved port", func(c *Config) { c.Broadcast.Port = 80 }},
		{"relative path", func(c *Config) { c.Broadcast.Path = "ws" }},
		{"no streams", func(c *Config) { c.Broadcast.Streams = nil }},
		{"zero batch", func(c *Config) { c.Broadcast.BatchSize = 0 }},
		{"bad log level", func(c *Config) { c.Log.Level = "verbose" }},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
		})
	}
}

func TestDurationYAMLRoundTrip(t *testing.T) {
	path := writeConfig(t, "session:\n  rotation_interval: 90s\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, cfg.Session.RotationInterval.Std())

	path = writeConfig(t, "session:\n  rotation_interval: not-a-duration\n")
	_, err = Load(path)
	assert.Error(t, err)
}
