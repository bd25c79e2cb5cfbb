// Package worker runs the build scheduler: a pool of claim loops backed by
// the catalog, per-build heartbeats, and a supervisor sweep that recovers
// builds whose worker disappeared or ran past the build timeout.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/conda-incubator/condastore/internal/artifact"
	"github.com/conda-incubator/condastore/internal/builder"
	"github.com/conda-incubator/condastore/internal/catalog"
	"github.com/conda-incubator/condastore/internal/config"
	"github.com/conda-incubator/condastore/internal/db"
	"github.com/conda-incubator/condastore/internal/filelock"
	"github.com/conda-incubator/condastore/internal/models"
	"github.com/conda-incubator/condastore/internal/stage"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// Options configures a Worker.
type Options struct {
	DB      *gorm.DB
	Config  *config.Config
	Store   *artifact.Store
	Locks   *filelock.Locker
	Builder *builder.Builder
	// Registry supplies the solve plugin for solve jobs. Solve jobs are not
	// claimed when nil.
	Registry *stage.Registry
	// ID is the worker's catalog identity; generated when empty.
	ID string
	// Concurrency overrides Config.Worker.Concurrency when positive.
	Concurrency int
	Logger      *slog.Logger
}

// Worker is one scheduler process.
type Worker struct {
	db       *gorm.DB
	cfg      *config.Config
	store    *artifact.Store
	locks    *filelock.Locker
	builder  *builder.Builder
	registry *stage.Registry
	id       string
	slots    int
	logger   *slog.Logger

	solver *stage.Runner

	builds atomic.Int64
	solves atomic.Int64
}

// New validates opts and returns a Worker. It does not touch the catalog.
func New(opts Options) (*Worker, error) {
	if opts.DB == nil || opts.Config == nil || opts.Store == nil || opts.Locks == nil || opts.Builder == nil {
		return nil, fmt.Errorf("worker: db, config, store, locks and builder are required")
	}
	if opts.ID == "" {
		id, err := catalog.GenerateWorkerID()
		if err != nil {
			return nil, err
		}
		opts.ID = id
	}
	if len(opts.ID) > models.MaxWorkerIDLength {
		return nil, fmt.Errorf("worker: id %q is longer than %d characters", opts.ID, models.MaxWorkerIDLength)
	}
	slots := opts.Concurrency
	if slots <= 0 {
		slots = opts.Config.Worker.Concurrency
	}
	if slots <= 0 {
		return nil, fmt.Errorf("worker: concurrency must be positive")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	w := &Worker{
		db:       opts.DB,
		cfg:      opts.Config,
		store:    opts.Store,
		locks:    opts.Locks,
		builder:  opts.Builder,
		registry: opts.Registry,
		id:       opts.ID,
		slots:    slots,
		logger:   opts.Logger.With("worker_id", opts.ID),
	}
	if opts.Registry != nil {
		if _, ok := opts.Registry.Lookup(stage.Solve); ok {
			solver, err := stage.NewRunner(opts.Registry, solveGraph(), os.TempDir(), w.logger)
			if err != nil {
				return nil, err
			}
			w.solver = solver
		}
	}
	return w, nil
}

// ID returns the worker's catalog identity.
func (w *Worker) ID() string { return w.id }

// Stats reports how many builds and solves this worker has finished.
func (w *Worker) Stats() (builds, solves int64) {
	return w.builds.Load(), w.solves.Load()
}

// Bootstrap registers the worker row and, the first time a worker with
// this ID starts, prepares the shared store: directories, the blob bucket
// and the runtime settings.
func (w *Worker) Bootstrap(ctx context.Context) error {
	row, err := catalog.RegisterWorker(w.db, w.id, w.slots)
	if err != nil {
		return err
	}
	if row.Initialized {
		w.logger.Info("worker registered", "concurrency", w.slots, "plugins", w.plugins())
		return nil
	}

	for _, dir := range []string{w.cfg.Store.Root, w.cfg.Store.PkgsDir, w.cfg.Store.LockDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("worker: create %s: %w", dir, err)
		}
	}
	if b, ok := w.store.Blobs.(interface{ EnsureBucket(context.Context) error }); ok {
		if err := b.EnsureBucket(ctx); err != nil {
			return fmt.Errorf("worker: ensure bucket: %w", err)
		}
	}
	if err := db.SeedSettings(w.db, w.cfg); err != nil {
		return err
	}
	if err := catalog.MarkWorkerInitialized(w.db, w.id); err != nil {
		return err
	}
	w.logger.Info("worker registered and initialized", "concurrency", w.slots, "plugins", w.plugins())
	return nil
}

// plugins lists the stages this worker has plugins for.
func (w *Worker) plugins() []string {
	if w.registry == nil {
		return nil
	}
	return w.registry.Names()
}

// Run bootstraps the worker and drives its claim loops and supervisor
// until ctx is done. In-flight builds are allowed to finish before Run
// returns; the worker row is removed on the way out.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.Bootstrap(ctx); err != nil {
		return err
	}
	defer func() {
		if err := catalog.RemoveWorker(w.db, w.id); err != nil {
			w.logger.Warn("deregister failed", "error", err)
		}
		w.logger.Info("worker stopped")
	}()

	g, gctx := errgroup.WithContext(ctx)
	for slot := range w.slots {
		g.Go(func() error { return w.loop(gctx, slot) })
	}
	g.Go(func() error { return w.supervise(gctx) })
	err := g.Wait()
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// loop claims and executes work until ctx is done. An empty queue backs
// off exponentially from poll_interval up to max_poll_interval.
func (w *Worker) loop(ctx context.Context, slot int) error {
	logger := w.logger.With("slot", slot)
	wait := w.cfg.Worker.PollInterval
	for {
		if ctx.Err() != nil {
			return nil
		}
		did, err := w.Step(ctx)
		if err != nil {
			logger.Error("worker step failed", "error", err)
		}
		if did {
			wait = w.cfg.Worker.PollInterval
			continue
		}
		if !sleepWithContext(ctx, wait) {
			return nil
		}
		wait = min(wait*2, w.cfg.Worker.MaxPollInterval)
	}
}

// Step claims and runs at most one build, or failing that one solve job.
// It reports whether any work was done.
func (w *Worker) Step(ctx context.Context) (bool, error) {
	did, err := w.stepBuild(ctx)
	if did || err != nil {
		return did, err
	}
	return w.stepSolve(ctx)
}

// newTaskID returns a lease token unique to one claim.
func (w *Worker) newTaskID() string {
	return w.id + "/" + uuid.NewString()
}

func (w *Worker) stepBuild(ctx context.Context) (bool, error) {
	limit, err := catalog.MaxConcurrentBuilds(w.db, 0)
	if err != nil {
		return false, err
	}
	taskID := w.newTaskID()
	b, err := catalog.ClaimNextBuild(w.db, catalog.ClaimOpts{TaskID: taskID, MaxConcurrent: limit})
	if err != nil || b == nil {
		return false, err
	}
	logger := w.logger.With("build_id", b.ID, "hash", b.Hash, "task_id", taskID)
	logger.Info("claimed build", "attempt", b.Attempts)

	// In-flight builds run to completion on shutdown, but not past the
	// loss of their lease.
	bctx, stop := context.WithCancelCause(context.WithoutCancel(ctx))
	defer stop(nil)
	hbErrCh := StartHeartbeat(bctx, w.db, b.ID, taskID, w.cfg.Worker.HeartbeatInterval)
	go func() {
		select {
		case err := <-hbErrCh:
			logger.Warn("heartbeat stopped, abandoning build", "error", err)
			stop(err)
		case <-bctx.Done():
		}
	}()

	out, err := w.builder.Build(bctx, b.ID, taskID)
	w.builds.Add(1)
	if errors.Is(err, catalog.ErrLeaseLost) {
		logger.Info("build abandoned after losing its lease")
		return true, nil
	}
	if err != nil {
		return true, fmt.Errorf("worker: build %d: %w", b.ID, err)
	}
	logger.Info("build done", "status", out.Status, "deduplicated", out.Deduplicated)
	return true, nil
}

// sleepWithContext waits for d, returning false if ctx ended first.
func sleepWithContext(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
