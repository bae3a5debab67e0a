package broadcast

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/rankmybrand/relay/natsclient"
)

func TestTypeForStream(t *testing.T) {
	tests := []struct {
		stream string
		want   string
	}{
		{"metrics.calculated", "metrics"},
		{"recommendations.ready", "recommendations"},
		{"automation.status", "automation"},
		{"system.health", "system"},
		{"gaps.identified", "gaps"},
		{"something.else", "unknown"},
		{"", "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.stream, func(t *testing.T) {
			assert.Equal(t, tt.want, TypeForStream(tt.stream))
		})
	}
}

func TestEnvelopeForDecodesFieldsBestEffort(t *testing.T) {
	ts := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	entry := natsclient.Entry{
		Stream:    "metrics.calculated",
		ID:        "metrics.calculated:7",
		Timestamp: ts,
		Fields: map[string]string{
			"score":   "42.5",
			"brand":   `{"id":"b1","name":"Acme"}`,
			"comment": "not json at all",
		},
	}

	env := envelopeFor(entry)
	assert.Equal(t, "metrics", env.Type)
	assert.Equal(t, "metrics.calculated:7", env.StreamID)
	assert.Equal(t, ts, env.Timestamp)

	assert.Equal(t, 42.5, env.Data["score"])
	assert.Equal(t, map[string]any{"id": "b1", "name": "Acme"}, env.Data["brand"])
	assert.Equal(t, "not json at all", env.Data["comment"])
}

func TestEnvelopeForUnmappedStream(t *testing.T) {
	env := envelopeFor(natsclient.Entry{
		Stream: "audit.trail",
		ID:     "audit.trail:1",
		Fields: map[string]string{"event": "login"},
	})
	assert.Equal(t, TypeUnknown, env.Type)
	assert.Equal(t, "login", env.Data["event"])
	assert.False(t, env.Timestamp.IsZero())
}
