package status

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Tracker keeps the sync status of every partition in memory and mirrors
// changes to an optional StatusPersistence. It is safe for concurrent use.
// Readers always get copies.
type Tracker struct {
	mu          sync.RWMutex
	statuses    map[string]*SyncStatus
	persistence StatusPersistence
	now         func() time.Time
}

// NewTracker creates a tracker. persistence may be nil.
func NewTracker(persistence StatusPersistence) *Tracker {
	return &Tracker{
		statuses:    make(map[string]*SyncStatus),
		persistence: persistence,
		now:         time.Now,
	}
}

// Initialize loads the persisted status of the given partitions.
// A status left in the Syncing phase belongs to a run that never finished and
// is reported as failed. A partition whose status cannot be loaded starts
// empty, the load errors are joined into the result.
func (t *Tracker) Initialize(ctx context.Context, partitions []string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var errs []error
	for _, name := range partitions {
		loaded := &SyncStatus{}
		if t.persistence != nil {
			persisted, err := t.persistence.LoadStatus(ctx, name)
			if err != nil {
				errs = append(errs, err)
			} else {
				loaded = persisted
			}
		}
		if loaded.Phase == SyncPhaseSyncing {
			loaded.Phase = SyncPhaseFailed
			loaded.Message = "Previous sync was interrupted"
		}
		t.statuses[name] = loaded
	}
	return errors.Join(errs...)
}

// Begin marks a partition as syncing
func (t *Tracker) Begin(ctx context.Context, partition, mode, runID string) {
	now := t.now()
	t.update(ctx, partition, func(s *SyncStatus) {
		s.Phase = SyncPhaseSyncing
		s.Mode = mode
		s.RunID = runID
		s.Message = "Sync in progress"
		s.LastAttempt = &now
	})
}

// Complete records a successful sync
func (t *Tracker) Complete(ctx context.Context, partition string, outcome Outcome) {
	now := t.now()
	t.update(ctx, partition, func(s *SyncStatus) {
		s.Phase = SyncPhaseComplete
		s.Mode = outcome.Mode
		s.Message = "Sync completed successfully"
		s.AttemptCount = 0
		s.LastSyncTime = &now
		s.RecordsWritten = outcome.Written
		s.RecordsDeleted = outcome.Deleted
		if !outcome.Checkpoint.IsZero() {
			checkpoint := outcome.Checkpoint
			s.Checkpoint = &checkpoint
		}
	})
}

// Fail records a failed sync
func (t *Tracker) Fail(ctx context.Context, partition, mode string, err error) {
	t.update(ctx, partition, func(s *SyncStatus) {
		s.Phase = SyncPhaseFailed
		s.Mode = mode
		s.AttemptCount++
		if err != nil {
			s.Message = err.Error()
		}
	})
}

// Get returns a copy of the status of a partition
func (t *Tracker) Get(partition string) (*SyncStatus, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s, ok := t.statuses[partition]
	return s.clone(), ok
}

// All returns a copy of every tracked status
func (t *Tracker) All() map[string]*SyncStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make(map[string]*SyncStatus, len(t.statuses))
	for name, s := range t.statuses {
		result[name] = s.clone()
	}
	return result
}

func (t *Tracker) update(ctx context.Context, partition string, fn func(*SyncStatus)) {
	t.mu.Lock()
	s, ok := t.statuses[partition]
	if !ok {
		s = &SyncStatus{}
		t.statuses[partition] = s
	}
	fn(s)
	snapshot := s.clone()
	t.mu.Unlock()

	if t.persistence == nil {
		return
	}
	if err := t.persistence.SaveStatus(ctx, partition, snapshot); err != nil {
		slog.WarnContext(ctx, "Error persisting sync status",
			"partition", partition,
			"error", err)
	}
}
