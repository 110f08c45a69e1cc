package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/digdir/erproxy-sync/internal/sink"
)

const contentTypeJSON = "application/json"

type sinkStore struct {
	sink sink.Sink

	// One mutex per checkpoint key
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewSinkStore creates a Store that keeps checkpoints as small JSON objects in the sink
func NewSinkStore(s sink.Sink) Store {
	return &sinkStore{
		sink:  s,
		locks: make(map[string]*sync.Mutex),
	}
}

func (s *sinkStore) keyLock(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := s.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[key] = lock
	}
	return lock
}

func (s *sinkStore) Load(ctx context.Context, key string) (time.Time, error) {
	data, err := s.sink.Get(ctx, key)
	if err != nil {
		if errors.Is(err, sink.ErrNotFound) {
			return time.Time{}, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return time.Time{}, fmt.Errorf("failed to load checkpoint %s: %w", key, err)
	}

	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return time.Time{}, fmt.Errorf("%w: %s: %v", ErrCorrupt, key, err)
	}
	if strings.TrimSpace(rec.LastUpdated) == "" {
		return time.Time{}, fmt.Errorf("%w: %s: lastUpdated is empty", ErrCorrupt, key)
	}

	checkpoint, err := Parse(rec.LastUpdated)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s: %v", ErrCorrupt, key, err)
	}
	return checkpoint, nil
}

func (s *sinkStore) Save(ctx context.Context, key string, checkpoint time.Time) error {
	data, err := json.Marshal(record{LastUpdated: Format(checkpoint)})
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}

	lock := s.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	if err := s.sink.Put(ctx, key, data, contentTypeJSON); err != nil {
		return fmt.Errorf("failed to save checkpoint %s: %w", key, err)
	}
	return nil
}
