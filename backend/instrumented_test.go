package backend

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInstrumentedWrite(t *testing.T) {
	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)

	ib := NewInstrumented(fs, "filesystem")
	ctx := context.Background()

	err = ib.Write(ctx, "test/key", strings.NewReader("hello world"))
	require.NoError(t, err)
}

func TestInstrumentedReadRoundTrip(t *testing.T) {
	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)

	ib := NewInstrumented(fs, "filesystem")
	ctx := context.Background()

	content := "hello, instrumented backend"
	require.NoError(t, ib.Write(ctx, "test/key", strings.NewReader(content)))

	rc, err := ib.Read(ctx, "test/key")
	require.NoError(t, err)

	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, content, string(got))

	require.NoError(t, rc.Close())
}

func TestInstrumentedReadNotFound(t *testing.T) {
	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)

	ib := NewInstrumented(fs, "filesystem")

	_, err = ib.Read(context.Background(), "nonexistent/key")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestInstrumentedCopyDelete(t *testing.T) {
	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)

	ib := NewInstrumented(fs, "filesystem")
	ctx := context.Background()

	require.NoError(t, ib.Write(ctx, "src", strings.NewReader("data")))
	require.NoError(t, ib.Copy(ctx, "src", "dst"))

	exists, err := ib.Exists(ctx, "dst")
	require.NoError(t, err)
	require.True(t, exists)

	require.NoError(t, ib.Delete(ctx, "src"))
	exists, err = ib.Exists(ctx, "src")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestOutcomeFromError(t *testing.T) {
	require.Equal(t, "success", outcomeFromError(nil))
	require.Equal(t, "not_found", outcomeFromError(ErrNotFound))
	require.Equal(t, "error", outcomeFromError(io.ErrUnexpectedEOF))
}
