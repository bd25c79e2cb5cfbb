// Package reaper garbage-collects build resources on a cron schedule. It
// archives completed builds beyond an environment's retention limit and
// releases the prefixes and blobs of failed, canceled and archived builds.
// Logs are always kept.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/conda-incubator/condastore/internal/artifact"
	"github.com/conda-incubator/condastore/internal/catalog"
	"github.com/conda-incubator/condastore/internal/config"
	"github.com/conda-incubator/condastore/internal/filelock"
	"github.com/conda-incubator/condastore/internal/models"
	"github.com/robfig/cron/v3"
	"gorm.io/gorm"
)

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Options configures a Reaper.
type Options struct {
	DB     *gorm.DB
	Store  *artifact.Store
	Locks  *filelock.Locker
	Config config.ReaperConfig
	Logger *slog.Logger
}

// Reaper releases resources of builds nobody needs any more.
type Reaper struct {
	db       *gorm.DB
	store    *artifact.Store
	locks    *filelock.Locker
	cfg      config.ReaperConfig
	schedule cron.Schedule
	logger   *slog.Logger
}

// Report counts what one pass did.
type Report struct {
	Archived        int
	Reclaimed       int
	BlobsDeleted    int
	PrefixesRemoved int
	// Deferred counts builds whose prefix was locked; they are retried on
	// the next pass.
	Deferred int
	// OrphansRemoved counts prefix directories no build referenced.
	OrphansRemoved int
}

func (r *Report) add(o Report) {
	r.Archived += o.Archived
	r.Reclaimed += o.Reclaimed
	r.BlobsDeleted += o.BlobsDeleted
	r.PrefixesRemoved += o.PrefixesRemoved
	r.Deferred += o.Deferred
	r.OrphansRemoved += o.OrphansRemoved
}

// New validates opts and parses the schedule.
func New(opts Options) (*Reaper, error) {
	if opts.DB == nil || opts.Store == nil || opts.Locks == nil {
		return nil, fmt.Errorf("reaper: db, store and locks are required")
	}
	if opts.Config.KeepBuilds < 1 {
		return nil, fmt.Errorf("reaper: keep_builds must be at least 1")
	}
	sched, err := cronParser.Parse(opts.Config.Schedule)
	if err != nil {
		return nil, fmt.Errorf("reaper: schedule %q: %w", opts.Config.Schedule, err)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Reaper{
		db:       opts.DB,
		store:    opts.Store,
		locks:    opts.Locks,
		cfg:      opts.Config,
		schedule: sched,
		logger:   opts.Logger.With("component", "reaper"),
	}, nil
}

// Next returns the next scheduled pass after t.
func (r *Reaper) Next(t time.Time) time.Time { return r.schedule.Next(t) }

// Run performs a pass at every scheduled time until ctx is done.
func (r *Reaper) Run(ctx context.Context) error {
	timer := time.NewTimer(time.Until(r.Next(time.Now())))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}
		rep, err := r.RunOnce(ctx)
		if err != nil {
			r.logger.Error("reaper pass failed", "error", err)
		} else {
			r.logger.Info("reaper pass done", "archived", rep.Archived, "reclaimed", rep.Reclaimed,
				"blobs_deleted", rep.BlobsDeleted, "prefixes_removed", rep.PrefixesRemoved, "deferred", rep.Deferred,
				"orphans_removed", rep.OrphansRemoved)
		}
		timer.Reset(time.Until(r.Next(time.Now())))
	}
}

// RunOnce archives surplus completed builds, then reclaims every build
// whose resources may be released.
func (r *Reaper) RunOnce(ctx context.Context) (Report, error) {
	var rep Report

	surplus, err := catalog.SurplusBuilds(r.db, r.cfg.KeepBuilds)
	if err != nil {
		return rep, err
	}
	for _, b := range surplus {
		_, err := catalog.ArchiveBuild(r.db, b.ID)
		if errors.Is(err, catalog.ErrConflict) {
			continue
		}
		if err != nil {
			return rep, err
		}
		rep.Archived++
		r.logger.Info("archived surplus build", "build_id", b.ID, "environment_id", b.EnvironmentID)
	}

	reclaimable, err := catalog.ReclaimableBuilds(r.db, r.cfg.CleanupAfter)
	if err != nil {
		return rep, err
	}
	for i := range reclaimable {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		one, err := r.Reclaim(ctx, &reclaimable[i])
		rep.add(one)
		if err != nil {
			return rep, err
		}
	}

	orphans, err := r.removeOrphans()
	rep.OrphansRemoved = orphans
	return rep, err
}

// removeOrphans deletes prefix directories that no unreclaimed build
// references, such as those left by a worker killed before its build row
// was recovered and reclaimed.
func (r *Reaper) removeOrphans() (int, error) {
	hashes, err := r.store.Prefixes.Hashes()
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, hash := range hashes {
		referenced, err := catalog.HashReferenced(r.db, hash)
		if err != nil {
			return removed, err
		}
		if referenced {
			continue
		}
		lk, err := r.locks.TryLock(filelock.Build, hash)
		if errors.Is(err, filelock.ErrLocked) {
			continue
		}
		if err != nil {
			return removed, err
		}
		// A build may have been registered since the first check.
		referenced, err = catalog.HashReferenced(r.db, hash)
		if err == nil && !referenced {
			r.logger.Info("removing orphaned prefix", "hash", hash)
			err = r.store.Prefixes.Remove(hash)
			if err == nil {
				removed++
			}
		}
		lk.Unlock()
		if err != nil {
			return removed, err
		}
	}
	return removed, nil
}

// Reclaim deletes a build's non-log blobs and, when no other build needs
// it, its prefix, then marks the build deleted. A build that is some
// environment's current build is left alone. When the prefix lock is held
// the build is deferred and not marked deleted.
func (r *Reaper) Reclaim(ctx context.Context, b *models.Build) (Report, error) {
	var rep Report
	logger := r.logger.With("build_id", b.ID, "hash", b.Hash)

	current, err := catalog.IsCurrentBuild(r.db, b.ID)
	if err != nil {
		return rep, err
	}
	if current {
		logger.Warn("refusing to reclaim a current build")
		return rep, nil
	}

	arts, err := catalog.ListArtifacts(r.db, b.ID)
	if err != nil {
		return rep, err
	}
	for _, a := range arts {
		switch a.ArtifactType {
		case models.ArtifactLogs, models.ArtifactDirectory:
			continue
		}
		if err := r.store.Blobs.Delete(ctx, a.Key); err != nil {
			return rep, fmt.Errorf("reaper: delete blob %s: %w", a.Key, err)
		}
		if err := catalog.DeleteArtifact(r.db, a.ID); err != nil {
			return rep, err
		}
		rep.BlobsDeleted++
	}

	removed, locked, err := r.releasePrefix(b)
	if err != nil {
		return rep, err
	}
	if locked {
		rep.Deferred++
		logger.Info("prefix busy, deferring reclaim")
		return rep, nil
	}
	if removed {
		rep.PrefixesRemoved++
	}
	for _, a := range arts {
		if a.ArtifactType != models.ArtifactDirectory {
			continue
		}
		if err := catalog.DeleteArtifact(r.db, a.ID); err != nil {
			return rep, err
		}
	}
	if err := catalog.MarkDeleted(r.db, b.ID); err != nil {
		return rep, err
	}
	rep.Reclaimed++
	logger.Info("reclaimed build", "status", b.Status, "blobs_deleted", rep.BlobsDeleted, "prefix_removed", removed)
	return rep, nil
}

// releasePrefix removes the build's prefix unless another build still
// needs it. locked is set when a builder holds the prefix lock.
func (r *Reaper) releasePrefix(b *models.Build) (removed, locked bool, err error) {
	exists, err := r.store.Prefixes.Exists(b.Hash)
	if err != nil || !exists {
		return false, false, err
	}
	lk, err := r.locks.TryLock(filelock.Build, b.Hash)
	if errors.Is(err, filelock.ErrLocked) {
		return false, true, nil
	}
	if err != nil {
		return false, false, err
	}
	defer lk.Unlock()
	inUse, err := catalog.PrefixInUse(r.db, b.Hash, b.ID)
	if err != nil || inUse {
		return false, false, err
	}
	if err := r.store.Prefixes.Remove(b.Hash); err != nil {
		return false, false, err
	}
	return true, false, nil
}
