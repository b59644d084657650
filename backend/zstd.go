package backend

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// Zstd wraps a Backend and transparently compresses payloads with zstd.
// Overflowed metadata (dictionaries, snapshots) is highly repetitive and
// typically compresses well. Encoder and decoder are goroutine-safe and
// shared across calls.
//
// Copy and Exists operate on the stored (compressed) bytes and delegate to
// the inner backend untouched.
type Zstd struct {
	inner   Backend
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewZstd wraps the given backend with zstd compression.
func NewZstd(inner Backend) (*Zstd, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	return &Zstd{inner: inner, encoder: enc, decoder: dec}, nil
}

// Close releases encoder and decoder resources. The inner backend is not
// closed.
func (z *Zstd) Close() error {
	z.decoder.Close()
	return z.encoder.Close()
}

// Write compresses data and stores it at the given key.
func (z *Zstd) Write(ctx context.Context, key string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("reading data: %w", err)
	}
	compressed := z.encoder.EncodeAll(data, nil)
	return z.inner.Write(ctx, key, bytes.NewReader(compressed))
}

// Read retrieves and decompresses data at the given key.
func (z *Zstd) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	rc, err := z.inner.Read(ctx, key)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()

	compressed, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("reading key %s: %w", key, err)
	}
	data, err := z.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("decompressing key %s: %w", key, err)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Delete removes data at the given key.
func (z *Zstd) Delete(ctx context.Context, key string) error {
	return z.inner.Delete(ctx, key)
}

// Exists checks if a key exists.
func (z *Zstd) Exists(ctx context.Context, key string) (bool, error) {
	return z.inner.Exists(ctx, key)
}

// Copy duplicates the stored bytes at src to dst.
func (z *Zstd) Copy(ctx context.Context, src, dst string) error {
	return z.inner.Copy(ctx, src, dst)
}

// Compile-time interface check
var _ Backend = (*Zstd)(nil)
