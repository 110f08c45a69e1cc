package app

import (
	"context"

	"github.com/digdir/erproxy-sync/internal/config"
	"github.com/digdir/erproxy-sync/internal/registry"
	"github.com/digdir/erproxy-sync/internal/service"
	"github.com/digdir/erproxy-sync/internal/sink"
	"github.com/digdir/erproxy-sync/internal/status"
	"github.com/digdir/erproxy-sync/internal/sync/coordinator"
	"github.com/digdir/erproxy-sync/internal/sync/seed"
	"github.com/digdir/erproxy-sync/internal/sync/state"
	"github.com/digdir/erproxy-sync/internal/telemetry"
)

// Scheduler runs the pipeline in the background
type Scheduler interface {
	Start(ctx context.Context) error
	Stop() error
}

// Components groups the pipeline pieces shared by the serve, run and seed commands
//
//nolint:revive // This name is fine
type Components struct {
	Config     *config.Config
	Partitions []registry.Partition

	Registry registry.Client
	Sink     sink.Sink
	Store    state.Store
	Tracker  *status.Tracker

	Coordinator *coordinator.Coordinator
	Seeder      *seed.Seeder
	Service     service.SyncService

	// Telemetry may be nil when no provider was configured
	Telemetry *telemetry.Telemetry
}
