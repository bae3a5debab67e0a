// Package main implements the relay entry point: the session lifecycle
// manager and the stream-to-client broadcast bridge, wired over Postgres
// and NATS JetStream.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/rankmybrand/relay/broadcast"
	"github.com/rankmybrand/relay/config"
	"github.com/rankmybrand/relay/health"
	"github.com/rankmybrand/relay/metric"
	"github.com/rankmybrand/relay/natsclient"
	"github.com/rankmybrand/relay/pkg/retry"
	"github.com/rankmybrand/relay/session"
	"github.com/rankmybrand/relay/store"
)

// Build information constants
const (
	Version = "0.1.0"
	appName = "relay"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	slog.Info("Starting relay",
		"version", Version,
		"config_path", cliCfg.ConfigPath)

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	if cliCfg.Validate {
		slog.Info("Configuration is valid")
		return nil
	}

	ctx := context.Background()

	registry := metric.NewRegistry()

	// Durable store comes up first; it is the source of truth for sessions.
	pg, err := connectStore(ctx, cfg.Postgres.URL)
	if err != nil {
		return fmt.Errorf("connect durable store: %w", err)
	}
	defer pg.Close()

	natsClient, err := connectNATS(ctx, cfg.NATS.URL, logger)
	if err != nil {
		return fmt.Errorf("connect NATS: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = natsClient.Close(closeCtx)
	}()

	manager, err := setupSessionManager(ctx, cfg, pg, natsClient, registry, logger)
	if err != nil {
		return err
	}
	defer manager.Shutdown()

	service, err := setupBroadcast(ctx, cfg, pg, natsClient, registry, logger)
	if err != nil {
		return err
	}

	if err := service.Start(ctx); err != nil {
		return fmt.Errorf("start broadcast bridge: %w", err)
	}

	return waitForShutdown(service, cliCfg.ShutdownTimeout)
}

// connectStore dials Postgres with startup retry and applies the schema.
func connectStore(ctx context.Context, url string) (*store.Postgres, error) {
	pg, err := retry.DoWithResult(ctx, retry.Startup(), func() (*store.Postgres, error) {
		return store.Connect(ctx, url)
	})
	if err != nil {
		return nil, err
	}
	if err := pg.EnsureSchema(ctx); err != nil {
		pg.Close()
		return nil, err
	}
	return pg, nil
}

func connectNATS(ctx context.Context, url string, logger *slog.Logger) (*natsclient.Client, error) {
	client, err := natsclient.NewClient(url, natsclient.WithClientName(appName))
	if err != nil {
		return nil, err
	}
	if err := retry.Do(ctx, retry.Startup(), func() error {
		return client.Connect(ctx)
	}); err != nil {
		return nil, err
	}
	logger.Info("connected to NATS", "url", url)
	return client, nil
}

// setupSessionManager builds the fast-cache bucket and starts the manager
// with its rotation and sweep goroutines.
func setupSessionManager(
	ctx context.Context,
	cfg *config.Config,
	pg *store.Postgres,
	natsClient *natsclient.Client,
	registry *metric.Registry,
	logger *slog.Logger,
) (*session.Manager, error) {
	bucket, err := natsClient.EnsureBucket(ctx, cfg.NATS.KVBucket, cfg.Session.MaxSessionAge.Std())
	if err != nil {
		return nil, fmt.Errorf("ensure fast-cache bucket: %w", err)
	}

	manager, err := session.NewManager(session.ManagerConfig{
		RotationInterval: cfg.Session.RotationInterval.Std(),
		MaxSessionAge:    cfg.Session.MaxSessionAge.Std(),
		SweepInterval:    cfg.Session.SweepInterval.Std(),
		Proxy:            cfg.Session.Proxy,
	}, pg, natsClient.NewKVStore(bucket), registry, logger)
	if err != nil {
		return nil, err
	}
	if err := manager.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("initialize session manager: %w", err)
	}
	return manager, nil
}

// setupBroadcast ensures the event stream and durable consumers exist, then
// wires the bridge with its health and metrics endpoints.
func setupBroadcast(
	ctx context.Context,
	cfg *config.Config,
	pg *store.Postgres,
	natsClient *natsclient.Client,
	registry *metric.Registry,
	logger *slog.Logger,
) (*broadcast.Service, error) {
	subjects := append([]string(nil), cfg.Broadcast.Streams...)
	subjects = append(subjects, cfg.Broadcast.RequestsSubject)
	if _, err := natsClient.EnsureStream(ctx, cfg.NATS.StreamName, subjects); err != nil {
		return nil, fmt.Errorf("ensure event stream: %w", err)
	}

	group, err := natsClient.NewStreamGroup(ctx, natsclient.StreamGroupConfig{
		StreamName: cfg.NATS.StreamName,
		Group:      cfg.NATS.Group,
		Subjects:   cfg.Broadcast.Streams,
	})
	if err != nil {
		return nil, fmt.Errorf("register consumer group: %w", err)
	}

	// The reporter needs the client count before the service exists; the
	// closure resolves it lazily.
	var service *broadcast.Service
	reporter := health.NewReporter(func() int {
		if service == nil {
			return 0
		}
		return service.Registry().Count()
	})
	reporter.AddCheck("nats", func(context.Context) error {
		if !natsClient.IsHealthy() {
			return fmt.Errorf("nats connection %s", natsClient.Status())
		}
		return nil
	})
	reporter.AddCheck("store", pg.Ping)

	service, err = broadcast.NewService(broadcast.Config{
		Port:              cfg.Broadcast.Port,
		Path:              cfg.Broadcast.Path,
		Streams:           cfg.Broadcast.Streams,
		RequestsSubject:   cfg.Broadcast.RequestsSubject,
		BatchSize:         cfg.Broadcast.BatchSize,
		BlockTimeout:      cfg.Broadcast.BlockTimeout.Std(),
		ReadBackoff:       cfg.Broadcast.ReadBackoff.Std(),
		HeartbeatInterval: cfg.Broadcast.HeartbeatInterval.Std(),
		ExtraHandlers: map[string]http.Handler{
			"/health":  reporter.Handler(),
			"/metrics": registry.Handler(),
		},
	}, group, pg, registry, logger)
	if err != nil {
		return nil, err
	}
	return service, nil
}

func waitForShutdown(service *broadcast.Service, timeout time.Duration) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	slog.Info("Shutdown signal received", "signal", sig.String())
	return service.Shutdown(timeout)
}
