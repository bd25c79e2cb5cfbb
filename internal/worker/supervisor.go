package worker

import (
	"context"
	"errors"
	"time"

	"github.com/conda-incubator/condastore/internal/buildstate"
	"github.com/conda-incubator/condastore/internal/catalog"
	"github.com/conda-incubator/condastore/internal/filelock"
	"github.com/conda-incubator/condastore/internal/models"
)

// SweepReport counts what one supervisor pass changed.
type SweepReport struct {
	TimedOut int
	Requeued int
	Lost     int
	// PrefixesRemoved counts partial prefixes deleted after recovery.
	PrefixesRemoved int
	SolvesRequeued  int
	SolvesLost      int
}

// supervise runs Sweep every sweep_interval and keeps the worker row fresh.
func (w *Worker) supervise(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.Worker.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if err := catalog.TouchWorker(w.db, w.id); err != nil {
			w.logger.Warn("worker liveness update failed", "error", err)
		}
		if _, err := w.Sweep(ctx); err != nil {
			w.logger.Error("supervisor sweep failed", "error", err)
		}
	}
}

// Sweep fails builds that ran past build_timeout and recovers builds and
// solves whose lease expired. Every worker sweeps; the lease guard on each update makes
// concurrent sweeps act at most once per build.
func (w *Worker) Sweep(ctx context.Context) (SweepReport, error) {
	var rep SweepReport

	timedOut, err := catalog.TimedOutBuilds(w.db, w.cfg.Worker.BuildTimeout)
	if err != nil {
		return rep, err
	}
	for _, b := range timedOut {
		if b.TaskID == nil {
			continue
		}
		_, err := catalog.Transition(w.db, b.ID, buildstate.Failed, catalog.TransitionOpts{TaskID: *b.TaskID, Info: buildstate.InfoTimeout})
		if errors.Is(err, catalog.ErrLeaseLost) || errors.Is(err, catalog.ErrIllegalTransition) {
			continue
		}
		if err != nil {
			return rep, err
		}
		rep.TimedOut++
		w.logger.Warn("build timed out", "build_id", b.ID, "hash", b.Hash, "started_on", b.StartedOn)
	}

	expired, err := catalog.ExpiredLeases(w.db, w.cfg.Worker.LeaseTTL)
	if err != nil {
		return rep, err
	}
	for _, b := range expired {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		if b.TaskID == nil {
			continue
		}
		got, err := catalog.RecoverLease(w.db, b.ID, *b.TaskID, w.cfg.Worker.MaxAttempts)
		if errors.Is(err, catalog.ErrLeaseLost) {
			continue
		}
		if err != nil {
			return rep, err
		}
		if got.Status == buildstate.Queued {
			rep.Requeued++
		} else {
			rep.Lost++
		}
		w.logger.Warn("recovered build from lost worker", "build_id", b.ID, "hash", b.Hash,
			"status", got.Status, "attempts", got.Attempts)

		removed, err := w.removeOrphanPrefix(got)
		if err != nil {
			w.logger.Warn("orphan prefix cleanup failed", "build_id", b.ID, "error", err)
		}
		if removed {
			rep.PrefixesRemoved++
		}
	}

	solves, err := catalog.ExpiredSolves(w.db, w.cfg.Worker.LeaseTTL)
	if err != nil {
		return rep, err
	}
	for _, s := range solves {
		if s.TaskID == nil {
			continue
		}
		got, err := catalog.RecoverSolve(w.db, s.ID, *s.TaskID, w.cfg.Worker.MaxAttempts)
		if errors.Is(err, catalog.ErrLeaseLost) {
			continue
		}
		if err != nil {
			return rep, err
		}
		if got.EndedOn == nil {
			rep.SolvesRequeued++
		} else {
			rep.SolvesLost++
		}
		w.logger.Warn("recovered solve from lost worker", "solve_id", s.ID, "attempts", got.Attempts,
			"status_info", got.StatusInfo)
	}
	return rep, nil
}

// removeOrphanPrefix deletes the partial prefix a lost worker left behind,
// unless another build needs it or someone holds its lock.
func (w *Worker) removeOrphanPrefix(b *models.Build) (bool, error) {
	exists, err := w.store.Prefixes.Exists(b.Hash)
	if err != nil || !exists {
		return false, err
	}
	inUse, err := catalog.PrefixInUse(w.db, b.Hash, b.ID)
	if err != nil || inUse {
		return false, err
	}
	lk, err := w.locks.TryLock(filelock.Build, b.Hash)
	if errors.Is(err, filelock.ErrLocked) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer lk.Unlock()
	w.logger.Info("removing orphaned prefix", "build_id", b.ID, "hash", b.Hash)
	if err := w.store.Prefixes.Remove(b.Hash); err != nil {
		return false, err
	}
	return true, nil
}
