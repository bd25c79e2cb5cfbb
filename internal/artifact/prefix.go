package artifact

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/conda-incubator/condastore/internal/fingerprint"
	"github.com/google/uuid"
)

// PrefixStore lays out environment prefixes on the shared filesystem.
// The real prefix lives at {root}/{hash}; {root}/{namespace}/envs/{env} is
// a symlink to it.
type PrefixStore struct {
	root string
}

// NewPrefixStore returns a PrefixStore rooted at root.
func NewPrefixStore(root string) *PrefixStore {
	return &PrefixStore{root: root}
}

// Root returns the store root.
func (p *PrefixStore) Root() string { return p.root }

// Path returns the prefix directory for a build hash.
func (p *PrefixStore) Path(hash string) string {
	return filepath.Join(p.root, hash)
}

// EnvPath returns the symlink path for an environment.
func (p *PrefixStore) EnvPath(namespace, env string) string {
	return filepath.Join(p.root, namespace, "envs", env)
}

// Exists reports whether the prefix for hash is a directory.
func (p *PrefixStore) Exists(hash string) (bool, error) {
	if err := validName(hash); err != nil {
		return false, err
	}
	info, err := os.Stat(p.Path(hash))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("artifact: stat prefix %s: %w", hash, err)
	}
	return info.IsDir(), nil
}

// Remove deletes the prefix for hash. Removing a missing prefix is a no-op.
func (p *PrefixStore) Remove(hash string) error {
	if err := validName(hash); err != nil {
		return err
	}
	if err := os.RemoveAll(p.Path(hash)); err != nil {
		return fmt.Errorf("artifact: remove prefix %s: %w", hash, err)
	}
	return nil
}

// Link points the environment symlink at the prefix for hash. The new link
// is created under a temporary name and renamed over the old one, so the
// environment path always resolves to a complete prefix.
func (p *PrefixStore) Link(namespace, env, hash string) error {
	for _, name := range []string{namespace, env, hash} {
		if err := validName(name); err != nil {
			return err
		}
	}
	link := p.EnvPath(namespace, env)
	if err := os.MkdirAll(filepath.Dir(link), 0o755); err != nil {
		return fmt.Errorf("artifact: create envs dir: %w", err)
	}
	tmp := filepath.Join(filepath.Dir(link), "."+env+"-"+uuid.NewString())
	if err := os.Symlink(p.Path(hash), tmp); err != nil {
		return fmt.Errorf("artifact: symlink %s: %w", env, err)
	}
	if err := os.Rename(tmp, link); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("artifact: replace env link %s: %w", env, err)
	}
	return nil
}

// Target returns the prefix an environment symlink points at, or "" when
// the link does not exist.
func (p *PrefixStore) Target(namespace, env string) (string, error) {
	target, err := os.Readlink(p.EnvPath(namespace, env))
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("artifact: read env link: %w", err)
	}
	return target, nil
}

// Unlink removes an environment symlink if present.
func (p *PrefixStore) Unlink(namespace, env string) error {
	if err := os.Remove(p.EnvPath(namespace, env)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("artifact: remove env link: %w", err)
	}
	return nil
}

// Hashes lists the prefix directories present under root. Only names that
// look like a build hash are returned, so namespace directories and any
// cache or lock directory placed under root are never reported.
func (p *PrefixStore) Hashes() ([]string, error) {
	entries, err := os.ReadDir(p.root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("artifact: list prefixes: %w", err)
	}
	var hashes []string
	for _, e := range entries {
		if e.IsDir() && isHash(e.Name()) {
			hashes = append(hashes, e.Name())
		}
	}
	return hashes, nil
}

func isHash(name string) bool {
	if len(name) != fingerprint.HashLength {
		return false
	}
	for _, c := range name {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

func validName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("artifact: invalid path component %q", name)
	}
	return nil
}
