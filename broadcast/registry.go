package broadcast

import (
	"encoding/json"
	"log/slog"
	"sync"
)

// Registry tracks every connected client. Fan-out enqueues onto per-client
// buffered channels and never blocks: a full buffer drops that message for
// that client only.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*client

	logger  *slog.Logger
	metrics *serviceMetrics
}

func NewRegistry(logger *slog.Logger, metrics *serviceMetrics) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		clients: make(map[string]*client),
		logger:  logger.With("component", "broadcast"),
		metrics: metrics,
	}
}

func (r *Registry) add(c *client) {
	r.mu.Lock()
	r.clients[c.id] = c
	count := len(r.clients)
	r.mu.Unlock()

	r.metrics.recordConnect(count)
	r.logger.Info("client connected", "client_id", c.id, "clients", count)
}

// remove closes the client and drops it from the registry. A no-op for ids
// already gone.
func (r *Registry) remove(id string) {
	r.mu.Lock()
	c, ok := r.clients[id]
	if ok {
		delete(r.clients, id)
	}
	count := len(r.clients)
	r.mu.Unlock()

	if !ok {
		return
	}
	c.close()
	r.metrics.recordDisconnect(count)
	r.logger.Info("client disconnected", "client_id", c.id, "clients", count)
}

// Count returns the number of connected clients.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

func (r *Registry) snapshot() []*client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	clients := make([]*client, 0, len(r.clients))
	for _, c := range r.clients {
		clients = append(clients, c)
	}
	return clients
}

// Broadcast sends an envelope to every connected client regardless of
// subscription. Used for system-wide events.
func (r *Registry) Broadcast(env Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		r.logger.Error("envelope encode failed", "type", env.Type, "error", err)
		return
	}
	for _, c := range r.snapshot() {
		r.deliver(c, env.Type, data)
	}
}

// BroadcastToSubscribers sends an envelope only to clients subscribed to the
// originating stream.
func (r *Registry) BroadcastToSubscribers(stream string, env Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		r.logger.Error("envelope encode failed", "stream", stream, "error", err)
		return
	}
	for _, c := range r.snapshot() {
		if !c.subscribedTo(stream) {
			continue
		}
		r.deliver(c, env.Type, data)
	}
}

func (r *Registry) deliver(c *client, msgType string, data []byte) {
	if c.enqueue(data) {
		r.metrics.recordSent(msgType, len(data))
		return
	}
	r.metrics.recordDropped()
	r.logger.Warn("client buffer full, message dropped", "client_id", c.id, "type", msgType)
}

// sweepDead pings every client and removes the ones that never answered the
// previous ping.
func (r *Registry) sweepDead() {
	for _, c := range r.snapshot() {
		if !c.alive.Load() {
			r.logger.Info("client failed liveness check", "client_id", c.id)
			r.remove(c.id)
			continue
		}
		if err := c.ping(); err != nil {
			r.logger.Info("client ping failed", "client_id", c.id, "error", err)
			r.remove(c.id)
		}
	}
}

// closeAll disconnects every client with a normal-closure frame.
func (r *Registry) closeAll() {
	r.mu.Lock()
	clients := r.clients
	r.clients = make(map[string]*client)
	r.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
	r.metrics.setConnected(0)
}
