// Package sink provides the key-addressed object store the sync pipeline writes records to.
//
// A Sink is bound to one container (a bucket or a directory). Keys are slash-separated
// paths inside that container, for example "enheter/123456789".
package sink

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned by Get when the key has no object
	ErrNotFound = errors.New("object not found")

	// ErrTooLarge is returned by Put when the payload exceeds the max transfer size
	ErrTooLarge = errors.New("object exceeds max transfer size")

	// ErrInvalidKey is returned for empty keys and keys escaping the container
	ErrInvalidKey = errors.New("invalid object key")
)

// Sink is the destination object store.
// Implementations must be safe for concurrent use on distinct keys.
type Sink interface {
	// Put stores data under key, replacing any existing object
	Put(ctx context.Context, key string, data []byte, contentType string) error

	// Get returns the object stored under key, or ErrNotFound
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes the object stored under key. A missing key is not an error.
	Delete(ctx context.Context, key string) error

	// ContainerExists reports whether the container exists
	ContainerExists(ctx context.Context) (bool, error)

	// CreateContainer creates the container. An existing container is not an error.
	CreateContainer(ctx context.Context) error
}

// Hints tune a sink for the pipeline's load
type Hints struct {
	// MaxConcurrency sizes connection pools for concurrent operations
	MaxConcurrency int

	// MaxTransferSize is the largest single object Put accepts. Zero disables the check.
	MaxTransferSize int64
}

func validateKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	for _, segment := range strings.Split(key, "/") {
		if segment == "" || segment == "." || segment == ".." {
			return fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	return nil
}

func (h Hints) checkSize(key string, size int) error {
	if h.MaxTransferSize > 0 && int64(size) > h.MaxTransferSize {
		return fmt.Errorf("%w: %s is %d bytes, limit is %d", ErrTooLarge, key, size, h.MaxTransferSize)
	}
	return nil
}
