// Package storage abstracts the object store behind the ingestion pipeline.
//
// Two backends are provided: an S3-compatible backend (AWS S3, Cloudflare R2,
// MinIO) and a local filesystem backend for development and tests. Files
// larger than the store's per-object ceiling are written as numbered parts
// plus a manifest; see manifest.go.
package storage

import (
	"context"
	"fmt"
	"io"

	"lectern/internal/config"
)

// Backend is the minimal object store surface the pipeline needs.
type Backend interface {
	// Put stores an object. Size must match the reader's length; backends
	// may use it to pick an upload strategy.
	Put(ctx context.Context, key string, r io.Reader, size int64) error

	// Get opens an object for reading. Returns services.ErrNotFound wrapped
	// when the key is absent.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes a single object. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// DeletePrefix removes every object under the given key prefix.
	DeletePrefix(ctx context.Context, prefix string) error
}

// NewBackend constructs the backend selected by configuration.
func NewBackend(ctx context.Context, cfg config.Storage) (Backend, error) {
	switch cfg.Backend {
	case "s3":
		return NewS3(ctx, cfg)
	case "local":
		return NewLocal(cfg.LocalDir)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
