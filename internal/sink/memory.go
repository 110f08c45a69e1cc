package sink

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
)

// MemoryOption configures a Memory sink
type MemoryOption func(*Memory)

// WithMissingContainer starts the sink without a container
func WithMissingContainer() MemoryOption {
	return func(m *Memory) {
		m.exists = false
	}
}

// WithMemoryHints sets the sink hints
func WithMemoryHints(hints Hints) MemoryOption {
	return func(m *Memory) {
		m.hints = hints
	}
}

// MemoryStats counts the operations a Memory sink served
type MemoryStats struct {
	Puts    int
	Deletes int
}

// Memory is an in-process sink
type Memory struct {
	mu      sync.RWMutex
	objects map[string][]byte
	types   map[string]string
	exists  bool
	hints   Hints
	stats   MemoryStats
}

var _ Sink = (*Memory)(nil)

// NewMemory creates an empty in-memory sink with an existing container
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		objects: make(map[string][]byte),
		types:   make(map[string]string),
		exists:  true,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Put implements Sink
func (m *Memory) Put(ctx context.Context, key string, data []byte, contentType string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateKey(key); err != nil {
		return err
	}
	if err := m.hints.checkSize(key, len(data)); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.exists {
		return fmt.Errorf("failed to put %s: container does not exist", key)
	}
	m.objects[key] = slices.Clone(data)
	m.types[key] = contentType
	m.stats.Puts++
	return nil
}

// Get implements Sink
func (m *Memory) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return slices.Clone(data), nil
}

// Delete implements Sink
func (m *Memory) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateKey(key); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	delete(m.types, key)
	m.stats.Deletes++
	return nil
}

// ContainerExists implements Sink
func (m *Memory) ContainerExists(context.Context) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.exists, nil
}

// CreateContainer implements Sink
func (m *Memory) CreateContainer(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exists = true
	return nil
}

// Keys returns the stored keys in sorted order
func (m *Memory) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Sorted(maps.Keys(m.objects))
}

// ContentType returns the content type an object was stored with
func (m *Memory) ContentType(key string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.types[key]
}

// Stats returns the operation counters
func (m *Memory) Stats() MemoryStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}
