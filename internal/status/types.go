package status

import "time"

// SyncPhase represents the current phase of a partition sync
type SyncPhase string

const (
	// SyncPhaseSyncing means sync is currently in progress
	SyncPhaseSyncing SyncPhase = "Syncing"

	// SyncPhaseComplete means the last sync completed successfully
	SyncPhaseComplete SyncPhase = "Complete"

	// SyncPhaseFailed means the last sync failed
	SyncPhaseFailed SyncPhase = "Failed"
)

// SyncStatus represents the sync state of one partition
type SyncStatus struct {
	// Phase represents the current synchronization phase
	Phase SyncPhase `json:"phase,omitempty"`

	// Mode is "full" or "incremental" for the last attempt
	Mode string `json:"mode,omitempty"`

	// Message provides additional information about the sync status
	Message string `json:"message,omitempty"`

	// RunID correlates the status with the log lines of the run
	RunID string `json:"runID,omitempty"`

	// LastAttempt is the timestamp of the last sync attempt
	LastAttempt *time.Time `json:"lastAttempt,omitempty"`

	// AttemptCount is the number of failed attempts since the last success
	AttemptCount int `json:"attemptCount,omitempty"`

	// LastSyncTime is the timestamp of the last successful sync
	LastSyncTime *time.Time `json:"lastSyncTime,omitempty"`

	// Checkpoint is the change feed position reached by the last successful sync
	Checkpoint *time.Time `json:"checkpoint,omitempty"`

	// RecordsWritten and RecordsDeleted count the work of the last successful sync
	RecordsWritten int `json:"recordsWritten,omitempty"`
	RecordsDeleted int `json:"recordsDeleted,omitempty"`
}

// Outcome is the result of a successful partition sync reported to the tracker
type Outcome struct {
	Mode       string
	Written    int
	Deleted    int
	Checkpoint time.Time
}

func (s *SyncStatus) clone() *SyncStatus {
	if s == nil {
		return nil
	}
	c := *s
	c.LastAttempt = cloneTime(s.LastAttempt)
	c.LastSyncTime = cloneTime(s.LastSyncTime)
	c.Checkpoint = cloneTime(s.Checkpoint)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
