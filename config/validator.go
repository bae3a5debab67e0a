package config

import (
	"fmt"
	"strings"

	"github.com/rankmybrand/relay/errors"
)

// Validate checks the whole configuration at startup so wiring failures are
// typed errors, not runtime surprises.
func (c *Config) Validate() error {
	if err := c.validateBackends(); err != nil {
		return err
	}
	if err := c.validateSession(); err != nil {
		return err
	}
	if err := c.validateBroadcast(); err != nil {
		return err
	}
	return c.validateLog()
}

func (c *Config) validateBackends() error {
	if c.NATS.URL == "" {
		return invalid("nats.url is required")
	}
	if !strings.HasPrefix(c.NATS.URL, "nats://") && !strings.HasPrefix(c.NATS.URL, "tls://") {
		return invalid("nats.url must start with nats:// or tls://")
	}
	if c.NATS.StreamName == "" {
		return invalid("nats.stream_name is required")
	}
	if c.NATS.Group == "" {
		return invalid("nats.group is required")
	}
	if c.NATS.KVBucket == "" {
		return invalid("nats.kv_bucket is required")
	}
	if c.Postgres.URL == "" {
		return invalid("postgres.url is required")
	}
	if !strings.HasPrefix(c.Postgres.URL, "postgres://") && !strings.HasPrefix(c.Postgres.URL, "postgresql://") {
		return invalid("postgres.url must start with postgres:// or postgresql://")
	}
	return nil
}

func (c *Config) validateSession() error {
	if c.Session.RotationInterval <= 0 {
		return invalid("session.rotation_interval must be positive")
	}
	if c.Session.MaxSessionAge <= 0 {
		return invalid("session.max_session_age must be positive")
	}
	// A rotation interval past the max age would let every session expire
	// between rotations.
	if c.Session.RotationInterval > c.Session.MaxSessionAge {
		return invalid(fmt.Sprintf("session.rotation_interval %s exceeds session.max_session_age %s",
			c.Session.RotationInterval.Std(), c.Session.MaxSessionAge.Std()))
	}
	if c.Session.SweepInterval <= 0 {
		return invalid("session.sweep_interval must be positive")
	}
	return nil
}

func (c *Config) validateBroadcast() error {
	if c.Broadcast.Port < 1024 || c.Broadcast.Port > 65535 {
		return invalid(fmt.Sprintf("broadcast.port %d out of range 1024-65535", c.Broadcast.Port))
	}
	if c.Broadcast.Path == "" || !strings.HasPrefix(c.Broadcast.Path, "/") {
		return invalid("broadcast.path must start with /")
	}
	if len(c.Broadcast.Streams) == 0 {
		return invalid("broadcast.streams cannot be empty")
	}
	if c.Broadcast.RequestsSubject == "" {
		return invalid("broadcast.requests_subject is required")
	}
	if c.Broadcast.BatchSize <= 0 {
		return invalid("broadcast.batch_size must be positive")
	}
	if c.Broadcast.BlockTimeout <= 0 || c.Broadcast.ReadBackoff <= 0 {
		return invalid("broadcast.block_timeout and broadcast.read_backoff must be positive")
	}
	if c.Broadcast.HeartbeatInterval <= 0 {
		return invalid("broadcast.heartbeat_interval must be positive")
	}
	return nil
}

func (c *Config) validateLog() error {
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return invalid("log.level must be one of debug, info, warn, error")
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return invalid("log.format must be text or json")
	}
	return nil
}

func invalid(message string) error {
	return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate", message)
}
