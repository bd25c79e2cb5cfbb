// Package artifact stores build outputs: environment prefixes as real
// directories on the shared filesystem and every other artifact type as a
// blob in a local directory or an S3-compatible bucket.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/conda-incubator/condastore/internal/config"
	"github.com/conda-incubator/condastore/internal/models"
)

// ErrBlobNotFound is returned by BlobStore.Open for a missing key.
var ErrBlobNotFound = errors.New("artifact: blob not found")

// BlobStore holds non-directory artifacts. Put is atomic, Delete is
// idempotent and Open streams.
type BlobStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
}

// Store bundles the two artifact backends.
type Store struct {
	Prefixes *PrefixStore
	Blobs    BlobStore
}

// New builds a Store from configuration. An S3 backend has its bucket
// created if missing.
func New(ctx context.Context, cfg *config.Config) (*Store, error) {
	blobs, err := NewBlobStore(ctx, cfg.Blob)
	if err != nil {
		return nil, err
	}
	return &Store{Prefixes: NewPrefixStore(cfg.Store.Root), Blobs: blobs}, nil
}

// NewBlobStore returns the configured blob backend.
func NewBlobStore(ctx context.Context, cfg config.BlobConfig) (BlobStore, error) {
	switch cfg.Backend {
	case "", "local":
		return NewLocalBlobStore(cfg.LocalRoot)
	case "s3":
		s, err := NewS3BlobStore(cfg.S3)
		if err != nil {
			return nil, err
		}
		if err := s.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("artifact: unknown blob backend %q", cfg.Backend)
	}
}

// BlobKey names the blob for an artifact: build/{build_id}/{type}/{basename}.
func BlobKey(buildID uint, typ models.ArtifactType, basename string) string {
	return fmt.Sprintf("build/%d/%s/%s", buildID, typ, path.Base(basename))
}

// cleanKey rejects keys that would escape the store root.
func cleanKey(key string) (string, error) {
	if key == "" || strings.HasPrefix(key, "/") {
		return "", fmt.Errorf("artifact: invalid key %q", key)
	}
	cleaned := path.Clean(key)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("artifact: invalid key %q", key)
	}
	return cleaned, nil
}

// CopyBlob copies the blob at src to dst within one store.
func CopyBlob(ctx context.Context, blobs BlobStore, src, dst string) error {
	r, err := blobs.Open(ctx, src)
	if err != nil {
		return err
	}
	defer r.Close()
	if err := blobs.Put(ctx, dst, r, -1); err != nil {
		return fmt.Errorf("artifact: copy %s to %s: %w", src, dst, err)
	}
	return nil
}
