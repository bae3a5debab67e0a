package broadcast

import (
	"encoding/json"
	"time"

	"github.com/rankmybrand/relay/natsclient"
)

// Message types a client can receive.
const (
	TypeConnected    = "connected"
	TypePong         = "pong"
	TypeSubscribed   = "subscribed"
	TypeUnsubscribed = "unsubscribed"
	TypeError        = "error"
	TypeUnknown      = "unknown"
)

// streamTypes maps a stream name to the message type broadcast for its
// entries. Unlisted streams map to "unknown"; their entries still flow.
var streamTypes = map[string]string{
	"metrics.calculated":    "metrics",
	"recommendations.ready": "recommendations",
	"automation.status":     "automation",
	"system.health":         "system",
	"gaps.identified":       "gaps",
}

// KnownStreams returns the stream names in the fixed mapping table. New
// clients are subscribed to all of them by default.
func KnownStreams() []string {
	return []string{
		"metrics.calculated",
		"recommendations.ready",
		"automation.status",
		"system.health",
		"gaps.identified",
	}
}

// TypeForStream derives the client-facing message type for a stream name.
func TypeForStream(stream string) string {
	if t, ok := streamTypes[stream]; ok {
		return t
	}
	return TypeUnknown
}

// Envelope is the normalized unit broadcast to clients.
type Envelope struct {
	Type      string         `json:"type"`
	Data      map[string]any `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
	StreamID  string         `json:"streamId"`
}

// envelopeFor turns one log entry into a client envelope. Field values are
// decoded best-effort: JSON values become structured data, anything else
// passes through as the raw string.
func envelopeFor(entry natsclient.Entry) Envelope {
	data := make(map[string]any, len(entry.Fields))
	for key, value := range entry.Fields {
		data[key] = decodeField(value)
	}
	ts := entry.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return Envelope{
		Type:      TypeForStream(entry.Stream),
		Data:      data,
		Timestamp: ts,
		StreamID:  entry.ID,
	}
}

func decodeField(value string) any {
	var decoded any
	if err := json.Unmarshal([]byte(value), &decoded); err != nil {
		return value
	}
	return decoded
}

// connectedFrame is sent once right after the handshake.
type connectedFrame struct {
	Type     string   `json:"type"`
	ClientID string   `json:"clientId"`
	Streams  []string `json:"streams"`
}

// errorFrame is a scoped error reply to a single client.
type errorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// streamsFrame echoes a client's subscription set after subscribe or
// unsubscribe.
type streamsFrame struct {
	Type    string   `json:"type"`
	Streams []string `json:"streams"`
}

// pongFrame answers a client ping.
type pongFrame struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

// resourceFrame answers a synchronous resource request.
type resourceFrame struct {
	Type      string    `json:"type"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}
