package sink

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFile_Layout(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	s, err := NewFile(root, "output", Hints{})
	require.NoError(t, err)

	ctx := context.Background()
	exists, err := s.ContainerExists(ctx)
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, s.Put(ctx, "enheter/123456789", []byte(`{"organisasjonsnummer":"123456789"}`), ""))

	data, err := os.ReadFile(filepath.Join(root, "output", "enheter", "123456789"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"organisasjonsnummer":"123456789"}`, string(data))

	exists, err = s.ContainerExists(ctx)
	require.NoError(t, err)
	assert.True(t, exists)

	entries, err := os.ReadDir(filepath.Join(root, "output", "enheter"))
	require.NoError(t, err)
	require.Len(t, entries, 1, "temp files must not be left behind")
}

func TestFile_ContainerIsFile(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "erproxy"), []byte("x"), 0o600))

	s, err := NewFile(root, "erproxy", Hints{})
	require.NoError(t, err)

	_, err = s.ContainerExists(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "is not a directory")
}

func TestFile_Constructor(t *testing.T) {
	t.Parallel()

	_, err := NewFile("", "erproxy", Hints{})
	require.Error(t, err)

	_, err = NewFileWithFS(memfs.New(), "../escape", Hints{})
	require.ErrorIs(t, err, ErrInvalidKey)
}

func TestFile_CreateContainerTwice(t *testing.T) {
	t.Parallel()

	s, err := NewFileWithFS(memfs.New(), "erproxy", Hints{})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, s.CreateContainer(ctx))
	require.NoError(t, s.CreateContainer(ctx))

	exists, err := s.ContainerExists(ctx)
	require.NoError(t, err)
	assert.True(t, exists)
}
