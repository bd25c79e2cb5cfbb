// Package pkgcache manages the package download cache shared by every
// worker. Each file is guarded by its own advisory lock; downloads are
// skipped when the file is already present and extraction is idempotent.
package pkgcache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/conda-incubator/condastore/internal/filelock"
)

// FetchFunc writes the content of a package archive to w.
type FetchFunc func(ctx context.Context, w io.Writer) error

// ExtractFunc unpacks archive into dir. dir exists and is empty.
type ExtractFunc func(ctx context.Context, archive, dir string) error

// Cache is a package directory plus the locker guarding its files.
type Cache struct {
	dir   string
	locks *filelock.Locker
	poll  time.Duration
}

// New returns a Cache rooted at dir.
func New(dir string, locks *filelock.Locker) *Cache {
	return &Cache{dir: dir, locks: locks, poll: 50 * time.Millisecond}
}

// Dir returns the cache directory.
func (c *Cache) Dir() string { return c.dir }

// Path returns where filename lives in the cache.
func (c *Cache) Path(filename string) string {
	return filepath.Join(c.dir, filename)
}

// Ensure makes filename present in the cache, calling fetch only if it is
// missing. fetched reports whether this call downloaded it.
func (c *Cache) Ensure(ctx context.Context, filename string, fetch FetchFunc) (path string, fetched bool, err error) {
	if err := validFilename(filename); err != nil {
		return "", false, err
	}
	path = c.Path(filename)
	if exists(path) {
		return path, false, nil
	}

	lk, err := c.locks.Lock(ctx, filelock.Pkgs, filename, c.poll)
	if err != nil {
		return "", false, fmt.Errorf("pkgcache: lock %s: %w", filename, err)
	}
	defer lk.Unlock()

	// Another worker may have finished the download while we waited.
	if exists(path) {
		return path, false, nil
	}
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return "", false, fmt.Errorf("pkgcache: create dir: %w", err)
	}
	tmp, err := os.CreateTemp(c.dir, ".download-"+filename+"-*")
	if err != nil {
		return "", false, fmt.Errorf("pkgcache: temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := fetch(ctx, tmp); err != nil {
		tmp.Close()
		return "", false, fmt.Errorf("pkgcache: fetch %s: %w", filename, err)
	}
	if err := tmp.Close(); err != nil {
		return "", false, fmt.Errorf("pkgcache: close %s: %w", filename, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", false, fmt.Errorf("pkgcache: rename %s: %w", filename, err)
	}
	return path, true, nil
}

// EnsureExtracted unpacks a cached archive into a sibling directory named
// after it without its extension. An existing directory is reused.
func (c *Cache) EnsureExtracted(ctx context.Context, filename string, extract ExtractFunc) (string, error) {
	if err := validFilename(filename); err != nil {
		return "", err
	}
	archive := c.Path(filename)
	dir := c.Path(trimArchiveExt(filename))
	if exists(dir) {
		return dir, nil
	}

	lk, err := c.locks.Lock(ctx, filelock.Pkgs, filename, c.poll)
	if err != nil {
		return "", fmt.Errorf("pkgcache: lock %s: %w", filename, err)
	}
	defer lk.Unlock()

	if exists(dir) {
		return dir, nil
	}
	if !exists(archive) {
		return "", fmt.Errorf("pkgcache: %s is not in the cache", filename)
	}
	tmp, err := os.MkdirTemp(c.dir, ".extract-"+filepath.Base(dir)+"-*")
	if err != nil {
		return "", fmt.Errorf("pkgcache: temp dir: %w", err)
	}
	defer os.RemoveAll(tmp)

	if err := extract(ctx, archive, tmp); err != nil {
		return "", fmt.Errorf("pkgcache: extract %s: %w", filename, err)
	}
	if err := os.Rename(tmp, dir); err != nil {
		return "", fmt.Errorf("pkgcache: rename %s: %w", dir, err)
	}
	return dir, nil
}

func trimArchiveExt(name string) string {
	for _, ext := range []string{".tar.bz2", ".conda", ".tar.gz", ".zip"} {
		if strings.HasSuffix(name, ext) {
			return strings.TrimSuffix(name, ext)
		}
	}
	return name + ".d"
}

func validFilename(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") {
		return fmt.Errorf("pkgcache: invalid filename %q", name)
	}
	return nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return !errors.Is(err, fs.ErrNotExist) && err == nil
}
