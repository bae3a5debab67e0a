package broadcast

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rankmybrand/relay/natsclient"
)

// fakeLog is an in-memory StreamLog. Fetch drains the queue; an empty queue
// blocks for the fetch wait like a real pull consumer.
type fakeLog struct {
	mu       sync.Mutex
	queue    []natsclient.Entry
	acks     []string
	appends  []map[string]string
	fetchErr error
	failures int
}

func (l *fakeLog) push(entries ...natsclient.Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.queue = append(l.queue, entries...)
}

func (l *fakeLog) Fetch(ctx context.Context, batch int, wait time.Duration) ([]natsclient.Entry, error) {
	deadline := time.Now().Add(wait)
	for {
		l.mu.Lock()
		if l.failures > 0 {
			l.failures--
			err := l.fetchErr
			l.mu.Unlock()
			return nil, err
		}
		if len(l.queue) > 0 {
			n := batch
			if n > len(l.queue) {
				n = len(l.queue)
			}
			entries := l.queue[:n]
			l.queue = l.queue[n:]
			l.mu.Unlock()
			return entries, nil
		}
		l.mu.Unlock()

		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (l *fakeLog) Ack(_ context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.acks = append(l.acks, id)
	return nil
}

func (l *fakeLog) Append(_ context.Context, subject string, fields map[string]string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	record := map[string]string{"subject": subject}
	for k, v := range fields {
		record[k] = v
	}
	l.appends = append(l.appends, record)
	return subject + ":1", nil
}

func (l *fakeLog) ackedIDs() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.acks...)
}

func (l *fakeLog) appended() []map[string]string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]map[string]string(nil), l.appends...)
}

// fakeStore is an in-memory ResourceStore.
type fakeStore struct {
	resources map[string]any
	err       error
}

func (s *fakeStore) Resource(_ context.Context, name string) (any, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.resources[name], nil
}

// fakeConn is an in-memory Conn. The test feeds inbound frames through in
// and observes everything the service writes through out.
type fakeConn struct {
	in  chan []byte
	out chan []byte

	mu       sync.Mutex
	controls []int

	closeOnce sync.Once
	closeCh   chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:      make(chan []byte, 16),
		out:     make(chan []byte, 64),
		closeCh: make(chan struct{}),
	}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-f.in:
		return 1, data, nil
	case <-f.closeCh:
		return 0, nil, net.ErrClosed
	}
}

func (f *fakeConn) WriteMessage(_ int, data []byte) error {
	select {
	case f.out <- data:
		return nil
	case <-f.closeCh:
		return net.ErrClosed
	}
}

func (f *fakeConn) WriteControl(messageType int, _ []byte, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.controls = append(f.controls, messageType)
	return nil
}

func (f *fakeConn) SetReadDeadline(time.Time) error      { return nil }
func (f *fakeConn) SetWriteDeadline(time.Time) error     { return nil }
func (f *fakeConn) SetPongHandler(func(string) error)    {}
func (f *fakeConn) Close() error {
	f.closeOnce.Do(func() { close(f.closeCh) })
	return nil
}

func (f *fakeConn) controlTypes() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.controls...)
}

// next decodes the next frame the service wrote, failing after a timeout.
func (f *fakeConn) next(t *testing.T) map[string]any {
	t.Helper()
	select {
	case data := <-f.out:
		var frame map[string]any
		require.NoError(t, json.Unmarshal(data, &frame))
		return frame
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

func (f *fakeConn) sendJSON(t *testing.T, frame any) {
	t.Helper()
	data, err := json.Marshal(frame)
	require.NoError(t, err)
	f.in <- data
}

func testService(t *testing.T, log *fakeLog, store *fakeStore) *Service {
	t.Helper()
	cfg := DefaultConfig()
	cfg.BlockTimeout = 50 * time.Millisecond
	cfg.ReadBackoff = 10 * time.Millisecond
	cfg.HeartbeatInterval = time.Hour
	if store == nil {
		store = &fakeStore{}
	}
	s, err := NewService(cfg, log, store, nil, nil)
	require.NoError(t, err)
	return s
}

// connect wires a fake connection into the service and consumes the
// connected frame.
func connect(t *testing.T, s *Service) *fakeConn {
	t.Helper()
	conn := newFakeConn()
	s.serveClient(context.Background(), conn)
	t.Cleanup(func() { _ = conn.Close() })

	frame := conn.next(t)
	require.Equal(t, TypeConnected, frame["type"])
	require.NotEmpty(t, frame["clientId"])
	return conn
}

func TestConnectedFrameListsDefaultStreams(t *testing.T) {
	s := testService(t, &fakeLog{}, nil)
	conn := newFakeConn()
	s.serveClient(context.Background(), conn)
	defer conn.Close()

	frame := conn.next(t)
	assert.Equal(t, TypeConnected, frame["type"])
	streams, ok := frame["streams"].([]any)
	require.True(t, ok)
	assert.Len(t, streams, len(KnownStreams()))
	assert.Equal(t, 1, s.Registry().Count())
}

func TestPingPong(t *testing.T) {
	s := testService(t, &fakeLog{}, nil)
	conn := connect(t, s)

	conn.sendJSON(t, map[string]string{"type": "ping"})
	frame := conn.next(t)
	assert.Equal(t, TypePong, frame["type"])
}

func TestSubscribeUnsubscribeEchoSet(t *testing.T) {
	s := testService(t, &fakeLog{}, nil)
	conn := connect(t, s)

	// Subscribing to an unmapped stream still stores the subscription.
	conn.sendJSON(t, map[string]any{"type": "subscribe", "streams": []string{"audit.trail"}})
	frame := conn.next(t)
	assert.Equal(t, TypeSubscribed, frame["type"])
	assert.Contains(t, frame["streams"], "audit.trail")

	conn.sendJSON(t, map[string]any{"type": "unsubscribe", "streams": []string{"audit.trail", "metrics.calculated"}})
	frame = conn.next(t)
	assert.Equal(t, TypeUnsubscribed, frame["type"])
	assert.NotContains(t, frame["streams"], "audit.trail")
	assert.NotContains(t, frame["streams"], "metrics.calculated")
	assert.Contains(t, frame["streams"], "system.health")
}

func TestMalformedFrameGetsScopedError(t *testing.T) {
	s := testService(t, &fakeLog{}, nil)
	conn := connect(t, s)

	conn.in <- []byte("{not json")
	frame := conn.next(t)
	assert.Equal(t, TypeError, frame["type"])
	assert.Equal(t, "malformed message", frame["message"])

	// Connection stays open and usable.
	conn.sendJSON(t, map[string]string{"type": "ping"})
	assert.Equal(t, TypePong, conn.next(t)["type"])
}

func TestUnknownCommandType(t *testing.T) {
	s := testService(t, &fakeLog{}, nil)
	conn := connect(t, s)

	conn.sendJSON(t, map[string]string{"type": "teleport"})
	frame := conn.next(t)
	assert.Equal(t, TypeError, frame["type"])
	assert.Contains(t, frame["message"], "teleport")
}

func TestRequestResource(t *testing.T) {
	store := &fakeStore{resources: map[string]any{
		"metrics": []map[string]any{{"brand": "acme", "score": 88.0}},
	}}
	s := testService(t, &fakeLog{}, store)
	conn := connect(t, s)

	conn.sendJSON(t, map[string]string{"type": "request", "resource": "metrics"})
	frame := conn.next(t)
	assert.Equal(t, "metrics", frame["type"])
	assert.NotNil(t, frame["data"])
}

func TestRequestUnknownResource(t *testing.T) {
	s := testService(t, &fakeLog{}, nil)
	conn := connect(t, s)

	conn.sendJSON(t, map[string]string{"type": "request", "resource": "secrets"})
	frame := conn.next(t)
	assert.Equal(t, TypeError, frame["type"])
	assert.Contains(t, frame["message"], "secrets")
}

func TestActionRepublishedWithClientID(t *testing.T) {
	log := &fakeLog{}
	s := testService(t, log, nil)
	conn := connect(t, s)

	conn.sendJSON(t, map[string]string{
		"type":             "action",
		"action":           "approve-recommendation",
		"recommendationId": "42",
	})

	require.Eventually(t, func() bool {
		return len(log.appended()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	entry := log.appended()[0]
	assert.Equal(t, "automation.requests", entry["subject"])
	assert.Equal(t, "approve", entry["action"])
	assert.Equal(t, "42", entry["recommendationId"])
	assert.NotEmpty(t, entry["clientId"])
	assert.NotEmpty(t, entry["timestamp"])
}

func TestActionRejectedWithoutRecommendationID(t *testing.T) {
	log := &fakeLog{}
	s := testService(t, log, nil)
	conn := connect(t, s)

	conn.sendJSON(t, map[string]string{"type": "action", "action": "reject-recommendation"})
	frame := conn.next(t)
	assert.Equal(t, TypeError, frame["type"])
	assert.Empty(t, log.appended())
}

func TestServeClientRejectedAfterShutdown(t *testing.T) {
	s := testService(t, &fakeLog{}, nil)
	s.shutdown = make(chan struct{})
	close(s.shutdown)

	conn := newFakeConn()
	s.serveClient(context.Background(), conn)

	assert.Equal(t, 0, s.Registry().Count())
	select {
	case <-conn.closeCh:
	default:
		t.Fatal("late connection was not closed")
	}
}

func TestReadLoopBroadcastsThenAcks(t *testing.T) {
	log := &fakeLog{}
	s := testService(t, log, nil)
	s.shutdown = make(chan struct{})
	conn := connect(t, s)

	s.wg.Add(1)
	go s.readLoop(context.Background())
	defer func() {
		close(s.shutdown)
		// The client reader only unblocks once its conn closes.
		_ = conn.Close()
		s.wg.Wait()
	}()

	log.push(natsclient.Entry{
		Stream: "metrics.calculated",
		ID:     "metrics.calculated:9",
		Fields: map[string]string{"score": "91"},
	})

	frame := conn.next(t)
	assert.Equal(t, "metrics", frame["type"])
	assert.Equal(t, "metrics.calculated:9", frame["streamId"])
	data, ok := frame["data"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 91.0, data["score"])

	require.Eventually(t, func() bool {
		acks := log.ackedIDs()
		return len(acks) == 1 && acks[0] == "metrics.calculated:9"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestReadLoopSurvivesTransientErrors(t *testing.T) {
	log := &fakeLog{fetchErr: assert.AnError, failures: 3}
	s := testService(t, log, nil)
	s.shutdown = make(chan struct{})
	conn := connect(t, s)

	s.wg.Add(1)
	go s.readLoop(context.Background())
	defer func() {
		close(s.shutdown)
		_ = conn.Close()
		s.wg.Wait()
	}()

	log.push(natsclient.Entry{
		Stream: "system.health",
		ID:     "system.health:1",
		Fields: map[string]string{"status": `"ok"`},
	})

	frame := conn.next(t)
	assert.Equal(t, "system", frame["type"])
}

func TestBroadcastExcludesNonSubscribers(t *testing.T) {
	s := testService(t, &fakeLog{}, nil)
	subscribed := connect(t, s)
	unsubscribed := connect(t, s)

	unsubscribed.sendJSON(t, map[string]any{"type": "unsubscribe", "streams": []string{"gaps.identified"}})
	frame := unsubscribed.next(t)
	require.Equal(t, TypeUnsubscribed, frame["type"])

	s.registry.BroadcastToSubscribers("gaps.identified", Envelope{
		Type:      "gaps",
		Data:      map[string]any{"gap": "pricing"},
		Timestamp: time.Now(),
		StreamID:  "gaps.identified:3",
	})

	frame = subscribed.next(t)
	assert.Equal(t, "gaps", frame["type"])

	select {
	case data := <-unsubscribed.out:
		t.Fatalf("unsubscribed client received %s", data)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHeartbeatRemovesDeadClients(t *testing.T) {
	s := testService(t, &fakeLog{}, nil)
	live := connect(t, s)
	dead := connect(t, s)

	require.Equal(t, 2, s.Registry().Count())

	// First sweep marks everyone awaiting a pong.
	s.registry.sweepDead()
	require.Equal(t, 2, s.Registry().Count())

	// The live client answers; the dead one stays silent.
	for _, c := range s.registry.snapshot() {
		if c.conn == Conn(live) {
			c.alive.Store(true)
		}
	}
	_ = dead

	s.registry.sweepDead()
	assert.Equal(t, 1, s.Registry().Count())
}

func TestSlowClientDropsNewestWithoutBlocking(t *testing.T) {
	s := testService(t, &fakeLog{}, nil)

	// A client whose writer goroutine never runs: the buffer fills, then
	// further messages drop.
	conn := newFakeConn()
	c := newClient("slow", conn, KnownStreams())
	s.registry.add(c)

	env := Envelope{Type: "metrics", Data: map[string]any{"n": 1.0}, Timestamp: time.Now()}
	done := make(chan struct{})
	go func() {
		for i := 0; i < sendBuffer*2; i++ {
			s.registry.BroadcastToSubscribers("metrics.calculated", env)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast blocked on a slow client")
	}
	assert.Len(t, c.send, sendBuffer)
}

func TestRegistryRemoveIdempotent(t *testing.T) {
	s := testService(t, &fakeLog{}, nil)
	conn := newFakeConn()
	c := newClient("c1", conn, KnownStreams())
	s.registry.add(c)

	s.registry.remove("c1")
	s.registry.remove("c1")
	assert.Equal(t, 0, s.Registry().Count())
	assert.True(t, c.closed.Load())
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Port = 80 }},
		{"empty path", func(c *Config) { c.Path = "" }},
		{"no streams", func(c *Config) { c.Streams = nil }},
		{"no requests subject", func(c *Config) { c.RequestsSubject = "" }},
		{"zero batch", func(c *Config) { c.BatchSize = 0 }},
		{"zero heartbeat", func(c *Config) { c.HeartbeatInterval = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			_, err := NewService(cfg, &fakeLog{}, &fakeStore{}, nil, nil)
			assert.Error(t, err)
		})
	}
}
