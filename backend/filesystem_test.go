package backend

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewFilesystem(t *testing.T) {
	tmpDir := t.TempDir()
	root := filepath.Join(tmpDir, "blobs")

	fs, err := NewFilesystem(root)
	require.NoError(t, err)

	require.Equal(t, root, fs.Root())

	// Check directory was created
	info, err := os.Stat(root)
	require.NoError(t, err)
	require.True(t, info.IsDir())
}

func TestFilesystemWriteRead(t *testing.T) {
	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	key := "kylin/resources-jdbc/table/a.snapshot"
	data := []byte("hello, world!")

	// Write
	err = fs.Write(ctx, key, bytes.NewReader(data))
	require.NoError(t, err)

	// Read
	rc, err := fs.Read(ctx, key)
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()

	got, err := io.ReadAll(rc)
	require.NoError(t, err)

	require.Equal(t, data, got)
}

func TestFilesystemWriteOverwrites(t *testing.T) {
	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	key := "overwrite/test"

	require.NoError(t, fs.Write(ctx, key, bytes.NewReader([]byte("first"))))
	require.NoError(t, fs.Write(ctx, key, bytes.NewReader([]byte("second"))))

	rc, err := fs.Read(ctx, key)
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()

	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, []byte("second"), got)
}

func TestFilesystemReadNotFound(t *testing.T) {
	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()

	_, err = fs.Read(ctx, "nonexistent/key")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFilesystemExists(t *testing.T) {
	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	key := "exists/test"

	// Before write
	exists, err := fs.Exists(ctx, key)
	require.NoError(t, err)
	require.False(t, exists)

	// Write
	err = fs.Write(ctx, key, bytes.NewReader([]byte("data")))
	require.NoError(t, err)

	// After write
	exists, err = fs.Exists(ctx, key)
	require.NoError(t, err)
	require.True(t, exists)
}

func TestFilesystemDelete(t *testing.T) {
	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	key := "delete/test"

	// Write
	err = fs.Write(ctx, key, bytes.NewReader([]byte("data")))
	require.NoError(t, err)

	// Delete
	err = fs.Delete(ctx, key)
	require.NoError(t, err)

	// Verify deleted
	exists, _ := fs.Exists(ctx, key)
	require.False(t, exists)

	// Delete nonexistent should not error (idempotent)
	err = fs.Delete(ctx, "nonexistent")
	require.NoError(t, err)
}

func TestFilesystemCopy(t *testing.T) {
	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	data := []byte("payload to duplicate")

	require.NoError(t, fs.Write(ctx, "copy/src", bytes.NewReader(data)))
	require.NoError(t, fs.Copy(ctx, "copy/src", "copy/src_old"))

	// Source survives
	exists, err := fs.Exists(ctx, "copy/src")
	require.NoError(t, err)
	require.True(t, exists)

	// Destination holds the same bytes
	rc, err := fs.Read(ctx, "copy/src_old")
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()

	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestFilesystemCopyNotFound(t *testing.T) {
	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)

	err = fs.Copy(context.Background(), "missing/src", "missing/dst")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFilesystemCopyOverwritesDestination(t *testing.T) {
	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, fs.Write(ctx, "a", bytes.NewReader([]byte("new"))))
	require.NoError(t, fs.Write(ctx, "b", bytes.NewReader([]byte("stale"))))

	require.NoError(t, fs.Copy(ctx, "a", "b"))

	rc, err := fs.Read(ctx, "b")
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()

	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, []byte("new"), got)
}
