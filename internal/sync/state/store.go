// Package state persists the per-partition sync checkpoints.
package state

import (
	"context"
	"errors"
	"time"
)

// Layout is the fixed textual format of a persisted checkpoint, always in UTC
const Layout = "2006-01-02T15:04:05.000Z"

var (
	// ErrNotFound is returned when no checkpoint has been saved under the key
	ErrNotFound = errors.New("checkpoint not found")

	// ErrCorrupt is returned when the stored checkpoint cannot be parsed
	ErrCorrupt = errors.New("checkpoint is corrupt")
)

// Store reads and writes sync checkpoints.
//
//go:generate mockgen -destination=mocks/mock_store.go -package=mocks github.com/digdir/erproxy-sync/internal/sync/state Store
type Store interface {
	// Load returns the checkpoint saved under key, ErrNotFound or ErrCorrupt.
	// A stored zero time is returned as is, callers decide what it means.
	Load(ctx context.Context, key string) (time.Time, error)
	// Save persists the checkpoint under key. Saves to the same key are serialized
	// and a reader never observes a partially written checkpoint.
	Save(ctx context.Context, key string, checkpoint time.Time) error
}

// record is the persisted checkpoint document
type record struct {
	LastUpdated string `json:"lastUpdated"`
}

// Format renders a checkpoint in the persisted layout
func Format(t time.Time) string {
	return t.UTC().Format(Layout)
}

// Parse reads a checkpoint in the persisted layout
func Parse(s string) (time.Time, error) {
	return time.Parse(Layout, s)
}
