package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/digdir/erproxy-sync/internal/config"
)

// SyncApp runs the trigger API together with the scheduled sync loop
type SyncApp struct {
	config     *config.Config
	components *Components
	scheduler  Scheduler
	httpServer *http.Server

	// Lifecycle management
	ctx        context.Context
	cancelFunc context.CancelFunc
}

// NewSyncApp builds the pipeline and the HTTP server
func NewSyncApp(ctx context.Context, opts ...Option) (*SyncApp, error) {
	cfg, err := baseConfig(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to build base configuration: %w", err)
	}

	components, err := buildComponents(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build sync components: %w", err)
	}

	httpServer, err := buildHTTPServer(cfg, components.Service)
	if err != nil {
		return nil, fmt.Errorf("failed to build HTTP server: %w", err)
	}

	appCtx, cancel := context.WithCancel(ctx)
	return &SyncApp{
		config:     cfg.config,
		components: components,
		scheduler:  components.Coordinator,
		httpServer: httpServer,
		ctx:        appCtx,
		cancelFunc: cancel,
	}, nil
}

// Start starts the scheduled loop and serves HTTP.
// It blocks until the server stops or fails.
func (app *SyncApp) Start() error {
	listener, err := net.Listen("tcp", app.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", app.httpServer.Addr, err)
	}
	return app.Serve(listener)
}

// Serve is Start on an existing listener
func (app *SyncApp) Serve(listener net.Listener) error {
	go func() {
		if err := app.scheduler.Start(app.ctx); err != nil {
			slog.Error("Sync scheduler failed", "error", err)
		}
	}()

	slog.Info("Server listening", "address", listener.Addr().String())
	if err := app.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server failed: %w", err)
	}
	return nil
}

// Stop stops the scheduled loop, then shuts the HTTP server down within timeout
func (app *SyncApp) Stop(timeout time.Duration) error {
	slog.Info("Shutting down server")

	if err := app.scheduler.Stop(); err != nil {
		slog.Error("Failed to stop sync scheduler", "error", err)
	}

	if app.cancelFunc != nil {
		app.cancelFunc()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := app.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	slog.Info("Server shutdown complete")
	return nil
}

// GetConfig returns the application configuration
func (app *SyncApp) GetConfig() *config.Config {
	return app.config
}

// Components returns the pipeline the app runs
func (app *SyncApp) Components() *Components {
	return app.components
}

// GetHTTPServer returns the HTTP server
func (app *SyncApp) GetHTTPServer() *http.Server {
	return app.httpServer
}
