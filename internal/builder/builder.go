// Package builder turns a claimed build into a prefix and its artifacts:
// it serializes work per prefix hash, reuses a completed prefix when one
// exists, runs the stage graph, records artifacts and moves the build to
// its terminal state.
package builder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/conda-incubator/condastore/internal/artifact"
	"github.com/conda-incubator/condastore/internal/buildstate"
	"github.com/conda-incubator/condastore/internal/catalog"
	"github.com/conda-incubator/condastore/internal/filelock"
	"github.com/conda-incubator/condastore/internal/models"
	"github.com/conda-incubator/condastore/internal/pkgcache"
	"github.com/conda-incubator/condastore/internal/stage"
	"gopkg.in/yaml.v3"
	"gorm.io/gorm"
)

// DefaultLockPoll is how often a contended hash lock is retried.
const DefaultLockPoll = 500 * time.Millisecond

// Options configures a Builder.
type Options struct {
	DB       *gorm.DB
	Store    *artifact.Store
	Locks    *filelock.Locker
	Pkgs     *pkgcache.Cache
	Runner   *stage.Runner
	Logger   *slog.Logger
	LockPoll time.Duration
	// Scratch holds per-build temporary files; os.TempDir when empty.
	Scratch string
}

// Builder executes claimed builds.
type Builder struct {
	db       *gorm.DB
	store    *artifact.Store
	locks    *filelock.Locker
	pkgs     *pkgcache.Cache
	runner   *stage.Runner
	logger   *slog.Logger
	lockPoll time.Duration
	scratch  string

	installs atomic.Int64
}

// New validates opts and returns a Builder.
func New(opts Options) (*Builder, error) {
	if opts.DB == nil || opts.Store == nil || opts.Locks == nil || opts.Runner == nil {
		return nil, fmt.Errorf("builder: db, store, locks and runner are required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.LockPoll <= 0 {
		opts.LockPoll = DefaultLockPoll
	}
	return &Builder{
		db:       opts.DB,
		store:    opts.Store,
		locks:    opts.Locks,
		pkgs:     opts.Pkgs,
		runner:   opts.Runner,
		logger:   opts.Logger,
		lockPoll: opts.LockPoll,
		scratch:  opts.Scratch,
	}, nil
}

// Installs returns how many install stages this Builder has started.
func (b *Builder) Installs() int64 { return b.installs.Load() }

// Outcome describes how a build ended.
type Outcome struct {
	Status        string
	Info          string
	BecameCurrent bool
	Deduplicated  bool
	Result        *stage.Result
}

// Build runs a build the caller has claimed under taskID. It returns an
// error only when the build could not be driven to a terminal state by
// this worker: the lease was lost, ctx ended, or the catalog failed.
func (b *Builder) Build(ctx context.Context, buildID uint, taskID string) (*Outcome, error) {
	build, err := catalog.GetBuild(b.db, buildID)
	if err != nil {
		return nil, err
	}
	if build.Environment == nil || build.Environment.Namespace == nil || build.Specification == nil {
		return nil, fmt.Errorf("builder: build %d is missing its environment or specification", buildID)
	}
	logger := b.logger.With("build_id", build.ID, "hash", build.Hash, "task_id", taskID)

	canceled := func() (bool, error) {
		return catalog.CheckLease(b.db, build.ID, taskID)
	}

	lk, err := b.lockHash(ctx, build.Hash, canceled)
	switch {
	case errors.Is(err, stage.ErrCanceled):
		logger.Info("build canceled while waiting for prefix lock")
		res := b.runner.Run(ctx, stage.RunOpts{
			Build:    b.info(build),
			Canceled: func() (bool, error) { return true, nil },
			Record:   b.recorder(build.ID),
		})
		return b.finish(build, taskID, res, false, false, logger)
	case err != nil:
		return nil, err
	}
	defer lk.Unlock()

	opts := stage.RunOpts{
		Build:    b.info(build),
		Prefix:   b.store.Prefixes.Path(build.Hash),
		Pkgs:     b.pkgs,
		Canceled: canceled,
		Record:   b.recorder(build.ID),
		Guard:    b.countInstalls(logger),
		Skip:     map[string]bool{},
		Preset:   map[string][]stage.Output{},
	}

	deduplicated, err := b.reuseDonor(ctx, build, &opts, logger)
	if err != nil {
		return nil, err
	}
	if !deduplicated && build.Specification.IsLockfile {
		scratch, err := os.MkdirTemp(b.scratch, "condastore-build-")
		if err != nil {
			return nil, fmt.Errorf("builder: scratch dir: %w", err)
		}
		defer os.RemoveAll(scratch)
		lockfile, err := WriteLockfile(scratch, []byte(build.Specification.Spec))
		if err != nil {
			return nil, err
		}
		opts.Preset[stage.Solve] = []stage.Output{{Type: models.ArtifactLockfile, Path: lockfile}}
	}

	logger.Info("running stages", "deduplicated", deduplicated)
	res := b.runner.Run(ctx, opts)
	return b.finish(build, taskID, res, deduplicated, !deduplicated, logger)
}

// lockHash takes the prefix lock for hash, polling while another worker
// holds it. Cancellation is checked between attempts.
func (b *Builder) lockHash(ctx context.Context, hash string, canceled stage.CancelCheck) (*filelock.Lock, error) {
	ticker := time.NewTicker(b.lockPoll)
	defer ticker.Stop()
	for {
		lk, err := b.locks.TryLock(filelock.Build, hash)
		if err == nil {
			return lk, nil
		}
		if !errors.Is(err, filelock.ErrLocked) {
			return nil, err
		}
		c, err := canceled()
		if err != nil {
			return nil, err
		}
		if c {
			return nil, stage.ErrCanceled
		}
		select {
		case <-ctx.Done():
			return nil, context.Cause(ctx)
		case <-ticker.C:
		}
	}
}

// reuseDonor looks for a completed build with the same hash whose prefix is
// still on disk. When found, the donor's blobs are copied to this build
// and every stage except permissions and logs is skipped. Without a donor,
// a leftover prefix from an interrupted build is removed so install starts
// clean.
func (b *Builder) reuseDonor(ctx context.Context, build *models.Build, opts *stage.RunOpts, logger *slog.Logger) (bool, error) {
	prefixes := b.store.Prefixes
	exists, err := prefixes.Exists(build.Hash)
	if err != nil {
		return false, err
	}
	donor, err := catalog.CompletedBuildForHash(b.db, build.Hash, build.ID)
	if err != nil && !errors.Is(err, catalog.ErrNotFound) {
		return false, err
	}
	if donor == nil || !exists {
		if exists {
			logger.Info("removing stale prefix")
			if err := prefixes.Remove(build.Hash); err != nil {
				return false, err
			}
		}
		return false, nil
	}

	arts, err := catalog.ListArtifacts(b.db, donor.ID)
	if err != nil {
		return false, err
	}
	for _, a := range arts {
		if a.ArtifactType == models.ArtifactDirectory || a.ArtifactType == models.ArtifactLogs {
			continue
		}
		key := artifact.BlobKey(build.ID, a.ArtifactType, filepath.Base(a.Key))
		if err := artifact.CopyBlob(ctx, b.store.Blobs, a.Key, key); err != nil {
			return false, err
		}
		if _, err := catalog.InsertArtifact(b.db, build.ID, a.ArtifactType, key); err != nil {
			return false, err
		}
	}
	for _, name := range []string{stage.Solve, stage.ExportYAML, stage.PackArchive, stage.Installer} {
		opts.Skip[name] = true
	}
	opts.Preset[stage.Install] = []stage.Output{{Type: models.ArtifactDirectory, Path: opts.Prefix}}
	logger.Info("reusing prefix", "donor_build_id", donor.ID, "artifacts", len(arts))
	return true, nil
}

// finish moves the build to its terminal state. A COMPLETED build that
// became current gets the environment symlink. ownsPrefix is set when this
// build may have written the prefix, so a cancel removes it.
func (b *Builder) finish(build *models.Build, taskID string, res *stage.Result, deduplicated, ownsPrefix bool, logger *slog.Logger) (*Outcome, error) {
	out := &Outcome{Result: res, Deduplicated: deduplicated}
	switch {
	case res.Err == nil:
		out.Status = buildstate.Completed
	case res.Canceled():
		out.Status = buildstate.Canceled
		out.Info = buildstate.InfoCanceled
	case errors.Is(res.Err, catalog.ErrLeaseLost):
		logger.Warn("lease lost during build", "error", res.Err)
		if ownsPrefix {
			if err := b.removeUnusedPrefix(build, logger); err != nil {
				logger.Warn("cleanup after lease loss failed", "error", err)
			}
		}
		return out, res.Err
	default:
		out.Status = buildstate.Failed
		out.Info = res.StatusInfo()
	}

	if out.Status == buildstate.Canceled && ownsPrefix {
		if err := b.removeUnusedPrefix(build, logger); err != nil {
			logger.Warn("cleanup after cancel failed", "error", err)
		}
	}

	tr, err := catalog.Transition(b.db, build.ID, out.Status, catalog.TransitionOpts{TaskID: taskID, Info: out.Info})
	if err != nil {
		logger.Warn("final transition rejected", "status", out.Status, "error", err)
		return out, err
	}
	out.BecameCurrent = tr.BecameCurrent
	logger.Info("build finished", "status", out.Status, "became_current", out.BecameCurrent)

	if out.BecameCurrent {
		env := build.Environment
		if err := b.store.Prefixes.Link(env.Namespace.Name, env.Name, build.Hash); err != nil {
			logger.Error("link environment", "error", err)
			return out, fmt.Errorf("builder: link environment: %w", err)
		}
	}
	return out, nil
}

// removeUnusedPrefix deletes the build's prefix unless another build still
// needs it.
func (b *Builder) removeUnusedPrefix(build *models.Build, logger *slog.Logger) error {
	inUse, err := catalog.PrefixInUse(b.db, build.Hash, build.ID)
	if err != nil {
		return err
	}
	if inUse {
		return nil
	}
	logger.Info("removing partial prefix")
	return b.store.Prefixes.Remove(build.Hash)
}

func (b *Builder) info(build *models.Build) stage.BuildInfo {
	return stage.BuildInfo{
		ID:          build.ID,
		Hash:        build.Hash,
		Namespace:   build.Environment.Namespace.Name,
		Environment: build.Environment.Name,
		Spec:        []byte(build.Specification.Spec),
		IsLockfile:  build.Specification.IsLockfile,
	}
}

// recorder uploads file outputs to the blob store and inserts their
// artifact rows. DIRECTORY outputs are recorded by path.
func (b *Builder) recorder(buildID uint) stage.Recorder {
	return func(ctx context.Context, stageName string, out stage.Output) error {
		if out.Type == models.ArtifactDirectory {
			_, err := catalog.InsertArtifact(b.db, buildID, out.Type, out.Path)
			return err
		}
		name := out.Name
		if name == "" {
			name = filepath.Base(out.Path)
		}
		key := artifact.BlobKey(buildID, out.Type, name)

		var r io.Reader
		size := int64(-1)
		if out.Data != nil || out.Path == "" {
			r = bytes.NewReader(out.Data)
			size = int64(len(out.Data))
		} else {
			f, err := os.Open(out.Path)
			if err != nil {
				return err
			}
			defer f.Close()
			if info, err := f.Stat(); err == nil {
				size = info.Size()
			}
			r = f
		}
		if err := b.store.Blobs.Put(ctx, key, r, size); err != nil {
			return err
		}
		_, err := catalog.InsertArtifact(b.db, buildID, out.Type, key)
		return err
	}
}

func (b *Builder) countInstalls(logger *slog.Logger) stage.Guard {
	return func(ctx context.Context, name string) (func(), error) {
		if name == stage.Install {
			n := b.installs.Add(1)
			logger.Debug("install started", "installs", n)
		}
		return nil, nil
	}
}

// WriteLockfile extracts the lockfile section of a lockfile specification.
// String lockfiles are written verbatim; structured ones as YAML.
func WriteLockfile(dir string, canonical []byte) (string, error) {
	var doc struct {
		Lockfile any `json:"lockfile"`
	}
	if err := json.Unmarshal(canonical, &doc); err != nil {
		return "", fmt.Errorf("builder: decode lockfile specification: %w", err)
	}
	var data []byte
	switch v := doc.Lockfile.(type) {
	case nil:
		return "", fmt.Errorf("builder: specification has no lockfile section")
	case string:
		data = []byte(v)
	default:
		var err error
		if data, err = yaml.Marshal(v); err != nil {
			return "", fmt.Errorf("builder: encode lockfile: %w", err)
		}
	}
	p := filepath.Join(dir, "conda-lock.yaml")
	if err := os.WriteFile(p, data, 0o644); err != nil {
		return "", fmt.Errorf("builder: write lockfile: %w", err)
	}
	return p, nil
}
