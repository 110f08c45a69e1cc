// Package status provides sync status tracking and persistence for the partitions.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/digdir/erproxy-sync/internal/sink"
)

const (
	// StatusFileName is the name of the status object below each partition prefix
	StatusFileName = "status.json"

	statusPrefix = "status"
)

// StatusPersistence defines the interface for sync status persistence
//
//nolint:revive // This name is fine
type StatusPersistence interface {
	// SaveStatus saves the sync status of a partition
	SaveStatus(ctx context.Context, partition string, status *SyncStatus) error

	// LoadStatus loads the sync status of a partition.
	// Returns an empty SyncStatus if none was saved yet.
	LoadStatus(ctx context.Context, partition string) (*SyncStatus, error)
}

// sinkStatusPersistence implements StatusPersistence on top of the object sink
type sinkStatusPersistence struct {
	sink sink.Sink
}

// NewSinkStatusPersistence creates a status persistence storing one JSON object
// per partition under status/<partition>/status.json
func NewSinkStatusPersistence(s sink.Sink) StatusPersistence {
	return &sinkStatusPersistence{sink: s}
}

// StatusKey returns the object key holding the status of a partition
func StatusKey(partition string) string {
	return statusPrefix + "/" + partition + "/" + StatusFileName
}

// SaveStatus saves the sync status as a JSON object
func (p *sinkStatusPersistence) SaveStatus(ctx context.Context, partition string, status *SyncStatus) error {
	data, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal status data for partition '%s': %w", partition, err)
	}

	if err := p.sink.Put(ctx, StatusKey(partition), data, "application/json"); err != nil {
		return fmt.Errorf("failed to write status for partition '%s': %w", partition, err)
	}
	return nil
}

// LoadStatus loads the sync status of a partition
func (p *sinkStatusPersistence) LoadStatus(ctx context.Context, partition string) (*SyncStatus, error) {
	data, err := p.sink.Get(ctx, StatusKey(partition))
	if err != nil {
		if errors.Is(err, sink.ErrNotFound) {
			// First run
			return &SyncStatus{}, nil
		}
		return nil, fmt.Errorf("failed to read status for partition '%s': %w", partition, err)
	}

	var status SyncStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, fmt.Errorf("failed to unmarshal status data for partition '%s': %w", partition, err)
	}

	return &status, nil
}
