// Package filelock provides named advisory locks backed by flock(2) on a
// shared directory, so they hold across processes and hosts that mount it.
package filelock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Namespace separates lock keys that must not contend with each other.
type Namespace string

const (
	// Build locks a prefix hash while it is being materialized.
	Build Namespace = "build"
	// Solve locks a specification hash while a solve-only job runs.
	Solve Namespace = "solve"
	// Pkgs locks a file in the shared package cache.
	Pkgs Namespace = "pkgs"
)

// ErrLocked is returned by TryLock when another holder has the lock.
var ErrLocked = errors.New("filelock: locked")

// Locker hands out locks under a directory and counts acquisitions per
// namespace.
type Locker struct {
	dir string

	mu       sync.Mutex
	acquired map[Namespace]int64
}

// New returns a Locker that keeps its lock files under dir.
func New(dir string) *Locker {
	return &Locker{dir: dir, acquired: make(map[Namespace]int64)}
}

// Lock is a held advisory lock.
type Lock struct {
	f    *os.File
	once sync.Once
}

// Unlock releases the lock. It is safe to call more than once.
func (lk *Lock) Unlock() error {
	var err error
	lk.once.Do(func() {
		if uerr := unix.Flock(int(lk.f.Fd()), unix.LOCK_UN); uerr != nil {
			err = fmt.Errorf("filelock: unlock %s: %w", lk.f.Name(), uerr)
		}
		if cerr := lk.f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("filelock: close %s: %w", lk.f.Name(), cerr)
		}
	})
	return err
}

// Path returns the lock file for a key.
func (l *Locker) Path(ns Namespace, key string) string {
	safe := strings.NewReplacer("/", "_", `\`, "_").Replace(key)
	return filepath.Join(l.dir, string(ns), safe+".lock")
}

// TryLock takes the lock without waiting. It returns ErrLocked when the
// lock is held elsewhere, including by another goroutine of this process.
func (l *Locker) TryLock(ns Namespace, key string) (*Lock, error) {
	if key == "" {
		return nil, fmt.Errorf("filelock: empty key")
	}
	p := l.Path(ns, key)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return nil, fmt.Errorf("filelock: create lock dir: %w", err)
	}
	f, err := os.OpenFile(p, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("filelock: open %s: %w", p, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("filelock: flock %s: %w", p, err)
	}

	l.mu.Lock()
	l.acquired[ns]++
	l.mu.Unlock()
	return &Lock{f: f}, nil
}

// Lock polls TryLock every interval until it succeeds or ctx is done.
func (l *Locker) Lock(ctx context.Context, ns Namespace, key string, interval time.Duration) (*Lock, error) {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		lk, err := l.TryLock(ns, key)
		if !errors.Is(err, ErrLocked) {
			return lk, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Acquisitions returns how many locks this Locker has granted in ns.
func (l *Locker) Acquisitions(ns Namespace) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.acquired[ns]
}
