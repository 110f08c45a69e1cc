// Package app wires the sync pipeline and the trigger API from the configuration.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/trace"

	"github.com/digdir/erproxy-sync/internal/api"
	"github.com/digdir/erproxy-sync/internal/config"
	"github.com/digdir/erproxy-sync/internal/httpclient"
	"github.com/digdir/erproxy-sync/internal/registry"
	"github.com/digdir/erproxy-sync/internal/service"
	"github.com/digdir/erproxy-sync/internal/sink"
	"github.com/digdir/erproxy-sync/internal/status"
	"github.com/digdir/erproxy-sync/internal/sync/changelog"
	"github.com/digdir/erproxy-sync/internal/sync/coordinator"
	"github.com/digdir/erproxy-sync/internal/sync/seed"
	"github.com/digdir/erproxy-sync/internal/sync/snapshot"
	"github.com/digdir/erproxy-sync/internal/sync/state"
	"github.com/digdir/erproxy-sync/internal/telemetry"
)

const (
	// tracerName is the instrumentation scope of pipeline spans
	tracerName = "github.com/digdir/erproxy-sync"

	// No write timeout, the sync trigger answers once the run has finished
	defaultReadTimeout = 10 * time.Second
	defaultIdleTimeout = 60 * time.Second
)

// Option is a function that configures the application builder
type Option func(*appConfig) error

// appConfig holds what the builder needs. Component overrides are used by tests
// and by the seed command, which writes to its own sink.
type appConfig struct {
	config *config.Config

	sink      sink.Sink
	registry  registry.Client
	telemetry *telemetry.Telemetry

	address           string
	middlewares       []func(http.Handler) http.Handler
	readHeaderTimeout time.Duration
	readTimeout       time.Duration
	idleTimeout       time.Duration
}

func baseConfig(opts ...Option) (*appConfig, error) {
	cfg := &appConfig{
		readTimeout: defaultReadTimeout,
		idleTimeout: defaultIdleTimeout,
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	if cfg.config == nil {
		cfg.config = config.Default()
	}
	if cfg.address == "" {
		cfg.address = cfg.config.Server.GetAddress()
	}
	if cfg.readHeaderTimeout == 0 {
		cfg.readHeaderTimeout = cfg.config.Server.GetReadHeaderTimeout()
	}

	return cfg, nil
}

// WithConfig sets the configuration
func WithConfig(c *config.Config) Option {
	return func(cfg *appConfig) error {
		cfg.config = c
		return nil
	}
}

// WithAddress sets the HTTP server address
func WithAddress(addr string) Option {
	return func(cfg *appConfig) error {
		if addr == "" {
			return fmt.Errorf("address cannot be empty")
		}

		host, port, found := strings.Cut(addr, ":")
		if !found || port == "" {
			return fmt.Errorf("address is not a valid port: %s", addr)
		}
		if host == "localhost" {
			host = "127.0.0.1"
		}
		if host == "" {
			host = "0.0.0.0"
		}

		if _, err := netip.ParseAddrPort(host + ":" + port); err != nil {
			return fmt.Errorf("address is not a valid port: %w", err)
		}

		cfg.address = addr
		return nil
	}
}

// WithMiddlewares replaces the default HTTP middlewares
func WithMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *appConfig) error {
		cfg.middlewares = mw
		return nil
	}
}

// WithTelemetry enables metrics and tracing from the given providers
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(cfg *appConfig) error {
		cfg.telemetry = tel
		return nil
	}
}

// WithSink replaces the configured sink
func WithSink(s sink.Sink) Option {
	return func(cfg *appConfig) error {
		if s == nil {
			return fmt.Errorf("sink cannot be nil")
		}
		cfg.sink = s
		return nil
	}
}

// WithRegistryClient replaces the HTTP registry client
func WithRegistryClient(c registry.Client) Option {
	return func(cfg *appConfig) error {
		if c == nil {
			return fmt.Errorf("registry client cannot be nil")
		}
		cfg.registry = c
		return nil
	}
}

// BuildComponents builds the sync pipeline without the HTTP server
func BuildComponents(ctx context.Context, opts ...Option) (*Components, error) {
	cfg, err := baseConfig(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to build base configuration: %w", err)
	}
	return buildComponents(ctx, cfg)
}

func buildComponents(ctx context.Context, b *appConfig) (*Components, error) {
	slog.InfoContext(ctx, "Initializing sync components")

	c := b.config
	partitions := registry.NewPartitions(c.Partitions)

	var (
		tracer      trace.Tracer
		syncMetrics *telemetry.SyncMetrics
	)
	if b.telemetry != nil {
		tracer = b.telemetry.Tracer(tracerName)

		var err error
		syncMetrics, err = telemetry.NewSyncMetrics(b.telemetry.MeterProvider())
		if err != nil {
			return nil, fmt.Errorf("failed to create sync metrics: %w", err)
		}
	}

	if b.registry == nil {
		b.registry = registry.NewHTTPClient(httpclient.NewDefaultClient(
			httpclient.WithTimeout(c.Registry.GetTimeout()),
			httpclient.WithMaxRetries(c.Registry.GetMaxRetries()),
			httpclient.WithRateLimit(c.Registry.RequestsPerSecond, c.Registry.GetBurst()),
			httpclient.WithUserAgent(c.Registry.UserAgent),
		))
	}

	if b.sink == nil {
		s, err := sink.New(ctx, c.Sink)
		if err != nil {
			return nil, fmt.Errorf("failed to create sink: %w", err)
		}
		b.sink = s
	}

	store := state.NewSinkStore(b.sink)

	tracker := status.NewTracker(status.NewSinkStatusPersistence(b.sink))
	names := make([]string, 0, len(partitions))
	for _, p := range partitions {
		names = append(names, p.Name)
	}
	if err := tracker.Initialize(ctx, names); err != nil {
		slog.WarnContext(ctx, "Failed to load persisted sync status", "error", err)
	}

	ingestor := snapshot.New(b.sink,
		snapshot.WithConcurrency(c.Sync.GetConcurrency()),
		snapshot.WithCallTimeout(c.Sync.GetCallTimeout()),
		snapshot.WithProgressEvery(c.Sync.GetProgressEvery()),
		snapshot.WithIDField(c.Sync.GetIDField()),
		snapshot.WithTracer(tracer),
	)

	syncer := changelog.New(b.registry, b.sink, store,
		changelog.WithPageSize(c.Sync.GetPageSize()),
		changelog.WithConcurrency(c.Sync.GetConcurrency()),
		changelog.WithCallTimeout(c.Sync.GetCallTimeout()),
		changelog.WithStrategy(changelog.OffsetCapRestart{MaxOffset: int64(c.Sync.GetPaginationCap())}),
		changelog.WithCursorParam(c.Sync.GetCursorParam()),
		changelog.WithTracer(tracer),
		changelog.WithMetrics(syncMetrics),
	)

	coord := coordinator.New(b.registry, b.sink, store, ingestor, syncer, partitions,
		coordinator.WithSyncMetrics(syncMetrics),
		coordinator.WithTracker(tracker),
		coordinator.WithTracer(tracer),
		coordinator.WithInterval(c.Sync.GetInterval()),
		coordinator.WithRunOnStart(c.Sync.RunOnStart),
	)

	components := &Components{
		Config:      c,
		Partitions:  partitions,
		Registry:    b.registry,
		Sink:        b.sink,
		Store:       store,
		Tracker:     tracker,
		Coordinator: coord,
		Seeder:      seed.New(b.registry, b.sink, store, ingestor, seed.WithTracer(tracer)),
		Service:     service.New(coord, tracker, b.sink),
		Telemetry:   b.telemetry,
	}

	slog.InfoContext(ctx, "Sync components initialized",
		"partitions", len(partitions),
		"sink", c.Sink.Type,
		"container", c.Sink.Container)
	return components, nil
}

// buildHTTPServer builds the HTTP server with router and middleware
func buildHTTPServer(b *appConfig, svc service.SyncService) (*http.Server, error) {
	if b.middlewares == nil {
		b.middlewares = []func(http.Handler) http.Handler{
			middleware.RequestID,
			middleware.RealIP,
			middleware.Recoverer,
			api.LoggingMiddleware,
		}
	}

	serverOpts := []api.ServerOption{}
	if b.telemetry != nil {
		httpMetrics, err := telemetry.NewHTTPMetrics(b.telemetry.MeterProvider())
		if err != nil {
			return nil, fmt.Errorf("failed to create HTTP metrics: %w", err)
		}
		// Telemetry wraps every other middleware
		b.middlewares = append([]func(http.Handler) http.Handler{
			telemetry.TracingMiddleware(b.telemetry.TracerProvider()),
			httpMetrics.Middleware,
		}, b.middlewares...)
		serverOpts = append(serverOpts, api.WithMetricsHandler(b.telemetry.MetricsHandler()))
	}
	serverOpts = append(serverOpts, api.WithMiddlewares(b.middlewares...))

	server := &http.Server{
		Addr:              b.address,
		Handler:           api.NewServer(svc, serverOpts...),
		ReadHeaderTimeout: b.readHeaderTimeout,
		ReadTimeout:       b.readTimeout,
		IdleTimeout:       b.idleTimeout,
	}

	slog.Info("HTTP server configured", "address", b.address)
	return server, nil
}
