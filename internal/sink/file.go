package sink

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
)

const tempPrefix = ".tmp-"

// File stores objects as files below <root>/<container>
type File struct {
	fs        billy.Filesystem
	container string
	hints     Hints
}

var _ Sink = (*File)(nil)

// NewFile creates a sink rooted at a local directory
func NewFile(root, container string, hints Hints) (*File, error) {
	if root == "" {
		return nil, fmt.Errorf("file sink root is required")
	}
	return NewFileWithFS(osfs.New(root), container, hints)
}

// NewFileWithFS creates a sink on top of an existing billy filesystem.
// Concurrent writers need a filesystem that does its own locking, memfs does not.
func NewFileWithFS(filesystem billy.Filesystem, container string, hints Hints) (*File, error) {
	if err := validateKey(container); err != nil {
		return nil, fmt.Errorf("invalid container: %w", err)
	}
	return &File{fs: filesystem, container: container, hints: hints}, nil
}

func (f *File) path(key string) string {
	return path.Join(f.container, key)
}

// Put writes the object to a temporary file and renames it into place,
// so readers never observe a partial object.
func (f *File) Put(ctx context.Context, key string, data []byte, _ string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateKey(key); err != nil {
		return err
	}
	if err := f.hints.checkSize(key, len(data)); err != nil {
		return err
	}

	target := f.path(key)
	dir := path.Dir(target)
	if err := f.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", key, err)
	}

	tmp, err := f.fs.TempFile(dir, tempPrefix)
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", key, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = f.fs.Remove(tmpName)
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		_ = f.fs.Remove(tmpName)
		return fmt.Errorf("failed to close %s: %w", key, err)
	}

	if err := f.fs.Rename(tmpName, target); err != nil {
		_ = f.fs.Remove(tmpName)
		return fmt.Errorf("failed to rename %s into place: %w", key, err)
	}
	return nil
}

// Get implements Sink
func (f *File) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateKey(key); err != nil {
		return nil, err
	}

	data, err := util.ReadFile(f.fs, f.path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return data, nil
}

// Delete implements Sink
func (f *File) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateKey(key); err != nil {
		return err
	}

	if err := f.fs.Remove(f.path(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// ContainerExists implements Sink
func (f *File) ContainerExists(context.Context) (bool, error) {
	info, err := f.fs.Stat(f.container)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat container: %w", err)
	}
	if !info.IsDir() {
		return false, fmt.Errorf("container %s is not a directory", f.container)
	}
	return true, nil
}

// CreateContainer implements Sink
func (f *File) CreateContainer(context.Context) error {
	if err := f.fs.MkdirAll(f.container, 0o755); err != nil {
		return fmt.Errorf("failed to create container: %w", err)
	}
	return nil
}
