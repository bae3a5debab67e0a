package broadcast

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// sendBuffer bounds the per-client outbound queue. When full, new
	// messages for that client are dropped so one slow reader never stalls
	// the broadcast path.
	sendBuffer = 64

	writeTimeout = 10 * time.Second
)

// Conn is the subset of *websocket.Conn the client handler needs. Tests
// substitute an in-memory implementation.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// client owns one connected consumer: its socket, subscription set, and
// liveness flag. All outbound traffic goes through the send channel and a
// single writer goroutine, because gorilla connections do not tolerate
// concurrent writes.
type client struct {
	id   string
	conn Conn

	send chan []byte
	done chan struct{}

	subs   map[string]struct{}
	subsMu sync.RWMutex

	alive     atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once

	connectedAt time.Time
}

func newClient(id string, conn Conn, streams []string) *client {
	c := &client{
		id:          id,
		conn:        conn,
		send:        make(chan []byte, sendBuffer),
		done:        make(chan struct{}),
		subs:        make(map[string]struct{}, len(streams)),
		connectedAt: time.Now(),
	}
	for _, stream := range streams {
		c.subs[stream] = struct{}{}
	}
	c.alive.Store(true)
	return c
}

// enqueue queues data for the writer goroutine. Returns false when the
// buffer is full or the client is closed; the message is dropped either way.
func (c *client) enqueue(data []byte) bool {
	if c.closed.Load() {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// writeLoop drains the send channel onto the socket. A write failure closes
// the client; the read loop notices and tears down the registry entry.
func (c *client) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.close()
				return
			}
		}
	}
}

// close shuts the socket down with a normal-closure frame. Safe to call any
// number of times from any goroutine.
func (c *client) close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = c.conn.Close()
	})
}

// ping sends a control ping and clears the liveness flag. The pong handler
// sets it again; a client still unflagged at the next ping is dead.
func (c *client) ping() error {
	c.alive.Store(false)
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second))
}

func (c *client) subscribe(streams []string) []string {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	for _, stream := range streams {
		c.subs[stream] = struct{}{}
	}
	return c.subscriptionsLocked()
}

func (c *client) unsubscribe(streams []string) []string {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	for _, stream := range streams {
		delete(c.subs, stream)
	}
	return c.subscriptionsLocked()
}

func (c *client) subscribedTo(stream string) bool {
	c.subsMu.RLock()
	defer c.subsMu.RUnlock()
	_, ok := c.subs[stream]
	return ok
}

func (c *client) subscriptions() []string {
	c.subsMu.RLock()
	defer c.subsMu.RUnlock()
	return c.subscriptionsLocked()
}

func (c *client) subscriptionsLocked() []string {
	streams := make([]string, 0, len(c.subs))
	for stream := range c.subs {
		streams = append(streams, stream)
	}
	sort.Strings(streams)
	return streams
}
