// Package config loads and validates the application configuration from a
// YAML file with environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rankmybrand/relay/broadcast"
	"github.com/rankmybrand/relay/errors"
)

// envPrefix for all environment overrides (RELAY_NATS_URL and so on).
const envPrefix = "RELAY"

// Duration wraps time.Duration so YAML values like "30m" parse directly.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the complete application configuration.
type Config struct {
	NATS      NATSConfig      `yaml:"nats"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Session   SessionConfig   `yaml:"session"`
	Broadcast BroadcastConfig `yaml:"broadcast"`
	Log       LogConfig       `yaml:"log"`
}

// NATSConfig locates the event log and fast cache.
type NATSConfig struct {
	URL        string `yaml:"url"`
	StreamName string `yaml:"stream_name"` // JetStream stream holding the event subjects
	Group      string `yaml:"group"`       // durable consumer-group name
	KVBucket   string `yaml:"kv_bucket"`   // fast-cache bucket
}

// PostgresConfig locates the durable store.
type PostgresConfig struct {
	URL string `yaml:"url"`
}

// SessionConfig controls session lifetimes.
type SessionConfig struct {
	RotationInterval Duration `yaml:"rotation_interval"`
	MaxSessionAge    Duration `yaml:"max_session_age"`
	SweepInterval    Duration `yaml:"sweep_interval"`
	Proxy            string   `yaml:"proxy"`
}

// BroadcastConfig controls the stream-to-client bridge.
type BroadcastConfig struct {
	Port              int      `yaml:"port"`
	Path              string   `yaml:"path"`
	Streams           []string `yaml:"streams"`
	RequestsSubject   string   `yaml:"requests_subject"`
	BatchSize         int      `yaml:"batch_size"`
	BlockTimeout      Duration `yaml:"block_timeout"`
	ReadBackoff       Duration `yaml:"read_backoff"`
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`
}

// LogConfig controls slog output.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		NATS: NATSConfig{
			URL:        "nats://localhost:4222",
			StreamName: "EVENTS",
			Group:      "relay-bridge",
			KVBucket:   "relay-sessions",
		},
		Postgres: PostgresConfig{
			URL: "postgres://localhost:5432/relay",
		},
		Session: SessionConfig{
			RotationInterval: Duration(30 * time.Minute),
			MaxSessionAge:    Duration(24 * time.Hour),
			SweepInterval:    Duration(5 * time.Minute),
		},
		Broadcast: BroadcastConfig{
			Port:              8082,
			Path:              "/ws",
			Streams:           broadcast.KnownStreams(),
			RequestsSubject:   "automation.requests",
			BatchSize:         10,
			BlockTimeout:      Duration(5 * time.Second),
			ReadBackoff:       Duration(time.Second),
			HeartbeatInterval: Duration(30 * time.Second),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the config file, applies environment overrides, and validates.
// An empty path loads defaults plus overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.WrapInvalid(err, "config", "Load", "read config file "+path)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.WrapInvalid(err, "config", "Load", "parse config file "+path)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays RELAY_* environment variables onto the loaded config.
func (c *Config) applyEnv() {
	setString(&c.NATS.URL, "NATS_URL")
	setString(&c.NATS.StreamName, "NATS_STREAM")
	setString(&c.NATS.Group, "NATS_GROUP")
	setString(&c.NATS.KVBucket, "NATS_KV_BUCKET")
	setString(&c.Postgres.URL, "POSTGRES_URL")
	setString(&c.Session.Proxy, "SESSION_PROXY")
	setDuration(&c.Session.RotationInterval, "SESSION_ROTATION_INTERVAL")
	setDuration(&c.Session.MaxSessionAge, "SESSION_MAX_AGE")
	setDuration(&c.Session.SweepInterval, "SESSION_SWEEP_INTERVAL")
	setInt(&c.Broadcast.Port, "BROADCAST_PORT")
	setString(&c.Broadcast.Path, "BROADCAST_PATH")
	setString(&c.Broadcast.RequestsSubject, "BROADCAST_REQUESTS_SUBJECT")
	setInt(&c.Broadcast.BatchSize, "BROADCAST_BATCH_SIZE")
	setDuration(&c.Broadcast.HeartbeatInterval, "BROADCAST_HEARTBEAT_INTERVAL")
	setString(&c.Log.Level, "LOG_LEVEL")
	setString(&c.Log.Format, "LOG_FORMAT")

	if val := os.Getenv(envPrefix + "_BROADCAST_STREAMS"); val != "" {
		parts := strings.Split(val, ",")
		streams := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				streams = append(streams, p)
			}
		}
		if len(streams) > 0 {
			c.Broadcast.Streams = streams
		}
	}
}

func setString(target *string, key string) {
	if val := os.Getenv(envPrefix + "_" + key); val != "" {
		*target = val
	}
}

func setInt(target *int, key string) {
	if val := os.Getenv(envPrefix + "_" + key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			*target = parsed
		}
	}
}

func setDuration(target *Duration, key string) {
	if val := os.Getenv(envPrefix + "_" + key); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			*target = Duration(parsed)
		}
	}
}
