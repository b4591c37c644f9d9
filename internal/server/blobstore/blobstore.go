// Package blobstore stores file bytes keyed by a file's external id.
package blobstore

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/dmitrijs2005/filedrop/internal/server/config"
)

// Store is a flat key/value blob store.
type Store interface {
	// Write stores r under key and returns the number of bytes written.
	// size is the body length, or -1 when unknown.
	Write(ctx context.Context, key string, r io.Reader, size int64) (int64, error)
	// Read opens the blob. A missing key yields common.ErrorNotFound.
	Read(ctx context.Context, key string) (io.ReadCloser, error)
	// Delete removes the blob and reports whether it existed. Deleting a
	// missing key is not an error.
	Delete(ctx context.Context, key string) (bool, error)
	Exists(ctx context.Context, key string) (bool, error)
}

// validateKey rejects keys that could escape a directory or bucket prefix.
func validateKey(key string) error {
	if key == "" || key == "." || key == ".." ||
		strings.ContainsAny(key, `/\`) || strings.ContainsRune(key, 0) {
		return fmt.Errorf("invalid blob key %q", key)
	}
	return nil
}

// New builds the backend selected by cfg.BlobBackend, wrapped with tracing.
func New(ctx context.Context, cfg *config.Config) (Store, error) {
	var (
		s   Store
		err error
	)
	switch cfg.BlobBackend {
	case "local", "":
		s, err = NewLocalStore(cfg.BlobDir)
	case "s3":
		s, err = NewS3Store(ctx, cfg)
	case "minio":
		s, err = NewMinioStore(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown blob backend %q", cfg.BlobBackend)
	}
	if err != nil {
		return nil, err
	}
	return WithTracing(s, cfg.BlobBackend), nil
}
