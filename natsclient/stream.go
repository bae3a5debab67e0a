package natsclient

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/rankmybrand/relay/errors"
)

// Entry is one event read from the log. Fields carry the raw string values
// as produced; consumers apply their own per-field decoding.
type Entry struct {
	Stream    string
	ID        string
	Fields    map[string]string
	Timestamp time.Time
}

// StreamGroup reads multiple subjects as a named consumer within a shared
// durable group. Each subject gets its own durable consumer (one reader per
// subject per process preserves per-subject ordering); entries stay pending
// until acknowledged, so a crash before Ack leads to redelivery after the
// ack wait elapses.
type StreamGroup struct {
	client     *Client
	streamName string
	group      string
	ackWait    time.Duration

	consumers map[string]jetstream.Consumer

	// Fetched-but-unacked messages, keyed by entry ID
	pending   map[string]jetstream.Msg
	pendingMu sync.Mutex
}

// StreamGroupConfig configures a consumer group over a set of subjects
type StreamGroupConfig struct {
	StreamName string        // JetStream stream holding the subjects
	Group      string        // Durable consumer-group name
	Subjects   []string      // Subjects to read
	AckWait    time.Duration // Redelivery window for unacked entries
}

// NewStreamGroup registers durable consumers for every subject. Registration
// is idempotent: a consumer group that already exists is reused silently; any
// other registration error is surfaced.
func (c *Client) NewStreamGroup(ctx context.Context, cfg StreamGroupConfig) (*StreamGroup, error) {
	if c.Status() != StatusConnected {
		return nil, ErrNotConnected
	}

	js, err := c.JetStream()
	if err != nil {
		return nil, err
	}

	if cfg.AckWait <= 0 {
		cfg.AckWait = 30 * time.Second
	}

	g := &StreamGroup{
		client:     c,
		streamName: cfg.StreamName,
		group:      cfg.Group,
		ackWait:    cfg.AckWait,
		consumers:  make(map[string]jetstream.Consumer, len(cfg.Subjects)),
		pending:    make(map[string]jetstream.Msg),
	}

	for _, subject := range cfg.Subjects {
		durable := durableName(cfg.Group, subject)
		consumerCfg := jetstream.ConsumerConfig{
			Durable:       durable,
			FilterSubject: subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       cfg.AckWait,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		}

		consumer, err := js.CreateConsumer(ctx, cfg.StreamName, consumerCfg)
		if err != nil {
			if errors.IsConsumerExists(err) {
				// Benign during idempotent startup - reuse the durable
				consumer, err = js.Consumer(ctx, cfg.StreamName, durable)
				if err != nil {
					c.recordFailure()
					return nil, errors.WrapTransient(err, "StreamGroup", "NewStreamGroup",
						fmt.Sprintf("open existing consumer %s", durable))
				}
			} else {
				c.recordFailure()
				return nil, errors.WrapTransient(err, "StreamGroup", "NewStreamGroup",
					fmt.Sprintf("create consumer %s", durable))
			}
		}
		g.consumers[subject] = consumer
	}

	return g, nil
}

// Fetch reads up to batch entries per subject, blocking at most wait in
// total. A timeout with no messages is a normal empty result, not an error.
func (g *StreamGroup) Fetch(ctx context.Context, batch int, wait time.Duration) ([]Entry, error) {
	if batch <= 0 {
		batch = 10
	}
	if len(g.consumers) == 0 {
		return nil, nil
	}

	// Split the block budget across subjects so total wall time stays bounded
	perSubject := wait / time.Duration(len(g.consumers))
	if perSubject < 50*time.Millisecond {
		perSubject = 50 * time.Millisecond
	}

	var entries []Entry
	for subject, consumer := range g.consumers {
		if ctx.Err() != nil {
			return entries, nil
		}

		msgs, err := consumer.Fetch(batch, jetstream.FetchMaxWait(perSubject))
		if err != nil {
			g.client.recordFailure()
			return entries, errors.WrapTransient(err, "StreamGroup", "Fetch",
				fmt.Sprintf("fetch from %s", subject))
		}

		for msg := range msgs.Messages() {
			entry := g.toEntry(subject, msg)
			g.pendingMu.Lock()
			g.pending[entry.ID] = msg
			g.pendingMu.Unlock()
			entries = append(entries, entry)
		}
		if err := msgs.Error(); err != nil && !isFetchTimeout(err) {
			g.client.recordFailure()
			return entries, errors.WrapTransient(err, "StreamGroup", "Fetch",
				fmt.Sprintf("drain batch from %s", subject))
		}
	}

	return entries, nil
}

// Ack acknowledges an entry back to the group. Acking an entry that is no
// longer pending (e.g. after redelivery replaced it) is a no-op.
func (g *StreamGroup) Ack(_ context.Context, id string) error {
	g.pendingMu.Lock()
	msg, ok := g.pending[id]
	if ok {
		delete(g.pending, id)
	}
	g.pendingMu.Unlock()

	if !ok {
		return nil
	}

	if err := msg.Ack(); err != nil {
		g.client.recordFailure()
		return errors.WrapTransient(err, "StreamGroup", "Ack", fmt.Sprintf("ack entry %s", id))
	}
	return nil
}

// Append publishes a new entry to a subject as a JSON field map
func (g *StreamGroup) Append(ctx context.Context, subject string, fields map[string]string) (string, error) {
	data, err := json.Marshal(fields)
	if err != nil {
		return "", errors.WrapInvalid(err, "StreamGroup", "Append", "encode fields")
	}

	js, err := g.client.JetStream()
	if err != nil {
		return "", err
	}

	ack, err := js.Publish(ctx, subject, data)
	if err != nil {
		g.client.recordFailure()
		return "", errors.WrapTransient(err, "StreamGroup", "Append",
			fmt.Sprintf("publish to %s", subject))
	}

	return fmt.Sprintf("%s:%d", subject, ack.Sequence), nil
}

// PendingCount returns the number of fetched-but-unacked entries
func (g *StreamGroup) PendingCount() int {
	g.pendingMu.Lock()
	defer g.pendingMu.Unlock()
	return len(g.pending)
}

// toEntry converts a JetStream message into a log entry. The payload is
// expected to be a JSON object of string fields; anything else is passed
// through under a single "data" field.
func (g *StreamGroup) toEntry(subject string, msg jetstream.Msg) Entry {
	entry := Entry{
		Stream:    subject,
		Timestamp: time.Now().UTC(),
	}

	if meta, err := msg.Metadata(); err == nil {
		entry.ID = fmt.Sprintf("%s:%d", subject, meta.Sequence.Stream)
		entry.Timestamp = meta.Timestamp
	} else {
		entry.ID = fmt.Sprintf("%s:%d", subject, time.Now().UnixNano())
	}

	fields := make(map[string]string)
	if err := json.Unmarshal(msg.Data(), &fields); err != nil {
		// Field values may not all be strings; fall back to generic decode
		var generic map[string]any
		if err := json.Unmarshal(msg.Data(), &generic); err == nil {
			for k, v := range generic {
				if s, ok := v.(string); ok {
					fields[k] = s
					continue
				}
				raw, _ := json.Marshal(v)
				fields[k] = string(raw)
			}
		} else {
			fields["data"] = string(msg.Data())
		}
	}
	entry.Fields = fields

	return entry
}

// durableName derives a valid durable consumer name from group and subject.
// JetStream durable names cannot contain dots.
func durableName(group, subject string) string {
	return group + "-" + strings.ReplaceAll(subject, ".", "-")
}

func isFetchTimeout(err error) bool {
	return errors.Is(err, jetstream.ErrNoMessages) ||
		strings.Contains(err.Error(), "timeout")
}
