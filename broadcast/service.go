package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/rankmybrand/relay/errors"
	"github.com/rankmybrand/relay/metric"
	"github.com/rankmybrand/relay/natsclient"
)

// StreamLog is what the read loop needs from the event log: fetch a batch,
// acknowledge an entry, append a new one.
type StreamLog interface {
	Fetch(ctx context.Context, batch int, wait time.Duration) ([]natsclient.Entry, error)
	Ack(ctx context.Context, id string) error
	Append(ctx context.Context, subject string, fields map[string]string) (string, error)
}

// ResourceStore answers synchronous client resource requests from the
// durable store.
type ResourceStore interface {
	Resource(ctx context.Context, name string) (any, error)
}

// Config holds broadcast bridge configuration.
type Config struct {
	// Port and Path locate the WebSocket endpoint.
	Port int
	Path string

	// Streams the bridge consumes. Defaults to the fixed mapping table.
	Streams []string

	// RequestsSubject is where client action commands are republished.
	RequestsSubject string

	// BatchSize and BlockTimeout bound each fetch so the loop stays
	// responsive to shutdown.
	BatchSize    int
	BlockTimeout time.Duration

	// ReadBackoff is the fixed delay after a transient fetch failure.
	ReadBackoff time.Duration

	// HeartbeatInterval is how often clients are pinged. A client that
	// missed the previous ping is disconnected.
	HeartbeatInterval time.Duration

	// ExtraHandlers are mounted on the bridge's HTTP server alongside the
	// WebSocket endpoint (health, metrics).
	ExtraHandlers map[string]http.Handler
}

// DefaultConfig returns sensible bridge defaults.
func DefaultConfig() Config {
	return Config{
		Port:              8082,
		Path:              "/ws",
		Streams:           KnownStreams(),
		RequestsSubject:   "automation.requests",
		BatchSize:         10,
		BlockTimeout:      5 * time.Second,
		ReadBackoff:       time.Second,
		HeartbeatInterval: 30 * time.Second,
	}
}

func (c Config) validate() error {
	if c.Port < 1024 || c.Port > 65535 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "broadcast", "validate",
			fmt.Sprintf("invalid port %d (out of range 1024-65535)", c.Port))
	}
	if c.Path == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "broadcast", "validate", "WebSocket path cannot be empty")
	}
	if len(c.Streams) == 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "broadcast", "validate", "streams cannot be empty")
	}
	if c.RequestsSubject == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "broadcast", "validate", "requests subject cannot be empty")
	}
	if c.BatchSize <= 0 || c.BlockTimeout <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "broadcast", "validate", "batch size and block timeout must be positive")
	}
	if c.ReadBackoff <= 0 || c.HeartbeatInterval <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "broadcast", "validate", "backoff and heartbeat interval must be positive")
	}
	return nil
}

// Service is the stream-to-client bridge: one consumer-group read loop
// turning log entries into typed envelopes, fanned out to WebSocket clients
// through the registry, plus the command path back from those clients.
type Service struct {
	cfg      Config
	log      StreamLog
	store    ResourceStore
	registry *Registry
	logger   *slog.Logger
	metrics  *serviceMetrics

	server   *http.Server
	upgrader websocket.Upgrader

	startTime time.Time

	mu       sync.Mutex
	running  bool
	shutdown chan struct{}
	wg       sync.WaitGroup
}

// NewService wires the bridge. The stream log must already have its durable
// consumers registered.
func NewService(cfg Config, log StreamLog, store ResourceStore, registry *metric.Registry, logger *slog.Logger) (*Service, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if log == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "broadcast", "NewService", "stream log is required")
	}
	if store == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "broadcast", "NewService", "resource store is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "broadcast")

	metrics := newServiceMetrics(registry)
	return &Service{
		cfg:      cfg,
		log:      log,
		store:    store,
		registry: NewRegistry(logger, metrics),
		logger:   logger,
		metrics:  metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}, nil
}

// Registry exposes the client registry, mainly for health reporting.
func (s *Service) Registry() *Registry {
	return s.registry
}

// Uptime reports how long the bridge has been running.
func (s *Service) Uptime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return 0
	}
	return time.Since(s.startTime)
}

// Start brings up the HTTP server, the read loop, and the heartbeat ticker.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.ErrAlreadyStarted
	}
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, "broadcast", "Start", "context already cancelled")
	}

	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Path, s.handleWebSocket)
	for pattern, handler := range s.cfg.ExtraHandlers {
		mux.Handle(pattern, handler)
	}
	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.cfg.Port),
		Handler: mux,
	}

	s.shutdown = make(chan struct{})
	s.running = true
	s.startTime = time.Now()

	s.wg.Add(3)
	go s.runServer()
	go s.readLoop(ctx)
	go s.heartbeatLoop()

	s.logger.Info("broadcast bridge started",
		"port", s.cfg.Port,
		"path", s.cfg.Path,
		"streams", s.cfg.Streams)
	return nil
}

// Shutdown closes every client with a normal-closure frame, stops the HTTP
// server, and waits for the loops to drain.
func (s *Service) Shutdown(timeout time.Duration) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.shutdown)
	server := s.server
	s.mu.Unlock()

	s.registry.closeAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("http server shutdown", "error", err)
	}

	waited := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(timeout):
		s.logger.Warn("broadcast goroutines did not exit within timeout")
	}

	s.mu.Lock()
	s.server = nil
	s.mu.Unlock()

	s.logger.Info("broadcast bridge stopped")
	return nil
}

func (s *Service) runServer() {
	defer s.wg.Done()

	err := s.server.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		s.logger.Error("http server failed", "error", err)
	}
}

// readLoop is the consumer-group loop: fetch a bounded batch, broadcast each
// entry, then ack it. Transient read errors are logged and followed by a
// fixed backoff; the loop only exits on shutdown.
func (s *Service) readLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.shutdown:
			return
		default:
		}

		entries, err := s.log.Fetch(ctx, s.cfg.BatchSize, s.cfg.BlockTimeout)
		if err != nil {
			s.metrics.recordReadError()
			s.logger.Warn("event log read failed", "error", err)
			select {
			case <-time.After(s.cfg.ReadBackoff):
			case <-s.shutdown:
				return
			case <-ctx.Done():
				return
			}
			continue
		}

		for _, entry := range entries {
			s.dispatch(ctx, entry)
		}
	}
}

// dispatch broadcasts one entry and acknowledges it. The ack follows the
// broadcast attempt; a slow or full client never holds the entry pending.
func (s *Service) dispatch(ctx context.Context, entry natsclient.Entry) {
	s.metrics.recordEntry(entry.Stream)

	env := envelopeFor(entry)
	s.registry.BroadcastToSubscribers(entry.Stream, env)

	if err := s.log.Ack(ctx, entry.ID); err != nil {
		// Unacked entries get redelivered after the ack wait; clients
		// tolerate duplicates.
		s.logger.Warn("entry ack failed", "entry_id", entry.ID, "error", err)
		return
	}
	s.metrics.recordAck(entry.Stream)
}

func (s *Service) heartbeatLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			s.registry.sweepDead()
		}
	}
}

// handleWebSocket upgrades the connection, registers the client with the
// default subscription set, and runs its read loop until disconnect.
func (s *Service) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("connection upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	s.serveClient(r.Context(), conn)
}

// serveClient runs one connection end to end. Split from the HTTP handler so
// tests can drive it with an in-memory Conn.
func (s *Service) serveClient(ctx context.Context, conn Conn) {
	// A connection that upgrades after Shutdown began would otherwise
	// register past the registry's closeAll and never be cleaned up.
	select {
	case <-s.shutdown:
		_ = conn.Close()
		return
	default:
	}

	c := newClient(uuid.NewString(), conn, s.cfg.Streams)
	s.registry.add(c)

	go c.writeLoop()
	s.sendFrame(c, connectedFrame{
		Type:     TypeConnected,
		ClientID: c.id,
		Streams:  c.subscriptions(),
	})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.readClient(ctx, c)
	}()
}

// readClient consumes frames from one client until the socket closes or the
// bridge shuts down.
func (s *Service) readClient(ctx context.Context, c *client) {
	defer s.registry.remove(c.id)

	readWindow := 2 * s.cfg.HeartbeatInterval
	c.conn.SetPongHandler(func(string) error {
		c.alive.Store(true)
		return c.conn.SetReadDeadline(time.Now().Add(readWindow))
	})

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.shutdown:
			return
		case <-c.done:
			return
		default:
		}

		_ = c.conn.SetReadDeadline(time.Now().Add(readWindow))
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		s.handleCommand(ctx, c, data)
	}
}

func (s *Service) sendFrame(c *client, frame any) {
	data, err := json.Marshal(frame)
	if err != nil {
		s.logger.Error("frame encode failed", "client_id", c.id, "error", err)
		return
	}
	s.deliverFrame(c, data)
}

func (s *Service) deliverFrame(c *client, data []byte) {
	if !c.enqueue(data) {
		s.metrics.recordDropped()
	}
}
