// Package service provides the operations behind the trigger API
package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/digdir/erproxy-sync/internal/sink"
	"github.com/digdir/erproxy-sync/internal/status"
	"github.com/digdir/erproxy-sync/internal/sync/coordinator"
)

var (
	// ErrPartitionNotFound is returned when a partition is not configured
	ErrPartitionNotFound = errors.New("partition not found")

	// ErrContainerMissing is returned by CheckReadiness before the container was created
	ErrContainerMissing = errors.New("container does not exist")
)

//go:generate mockgen -destination=mocks/mock_service.go -package=mocks -source=service.go SyncService

// SyncService defines the operations exposed by the trigger API
type SyncService interface {
	// CheckReadiness checks that the sink is reachable and its container exists
	CheckReadiness(ctx context.Context) error

	// Sync runs the pipeline once over every partition
	Sync(ctx context.Context, forceFull bool) (*coordinator.Report, error)

	// ListStatus returns the sync status of every partition
	ListStatus(ctx context.Context) map[string]*status.SyncStatus

	// GetStatus returns the sync status of one partition
	GetStatus(ctx context.Context, partition string) (*status.SyncStatus, error)
}

// Runner runs the sync pipeline
type Runner interface {
	Run(ctx context.Context, forceFull bool) (*coordinator.Report, error)
}

type syncService struct {
	runner  Runner
	tracker *status.Tracker
	sink    sink.Sink
}

var _ SyncService = (*syncService)(nil)

// New creates a SyncService
func New(runner Runner, tracker *status.Tracker, s sink.Sink) SyncService {
	return &syncService{runner: runner, tracker: tracker, sink: s}
}

// CheckReadiness implements SyncService
func (s *syncService) CheckReadiness(ctx context.Context) error {
	exists, err := s.sink.ContainerExists(ctx)
	if err != nil {
		return fmt.Errorf("sink unreachable: %w", err)
	}
	if !exists {
		return ErrContainerMissing
	}
	return nil
}

// Sync implements SyncService
func (s *syncService) Sync(ctx context.Context, forceFull bool) (*coordinator.Report, error) {
	return s.runner.Run(ctx, forceFull)
}

// ListStatus implements SyncService
func (s *syncService) ListStatus(context.Context) map[string]*status.SyncStatus {
	return s.tracker.All()
}

// GetStatus implements SyncService
func (s *syncService) GetStatus(_ context.Context, partition string) (*status.SyncStatus, error) {
	st, ok := s.tracker.Get(partition)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPartitionNotFound, partition)
	}
	return st, nil
}
