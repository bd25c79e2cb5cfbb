package worker

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/conda-incubator/condastore/internal/builder"
	"github.com/conda-incubator/condastore/internal/catalog"
	"github.com/conda-incubator/condastore/internal/filelock"
	"github.com/conda-incubator/condastore/internal/models"
	"github.com/conda-incubator/condastore/internal/stage"
)

// solveGraph is the single-stage graph a solve job runs.
func solveGraph() []stage.Def {
	return []stage.Def{
		{Name: stage.Solve, Produces: []models.ArtifactType{models.ArtifactLockfile}, Required: true},
	}
}

// stepSolve claims one pending solve and runs the solve plugin for it.
// Solves of the same specification are serialized by the solve lock
// namespace, which is separate from the prefix locks builds take.
func (w *Worker) stepSolve(ctx context.Context) (bool, error) {
	if w.solver == nil {
		return false, nil
	}
	taskID := w.newTaskID()
	claimed, err := catalog.ClaimNextSolve(w.db, taskID)
	if err != nil || claimed == nil {
		return false, err
	}
	s, err := catalog.GetSolve(w.db, claimed.ID)
	if err != nil {
		return true, err
	}
	spec := s.Specification
	logger := w.logger.With("solve_id", s.ID, "sha256", spec.SHA256, "task_id", taskID)
	logger.Info("claimed solve", "attempt", claimed.Attempts)

	ctx, stop := context.WithCancelCause(ctx)
	defer stop(nil)
	hbErrCh := StartSolveHeartbeat(ctx, w.db, s.ID, taskID, w.cfg.Worker.HeartbeatInterval)
	go func() {
		select {
		case err := <-hbErrCh:
			logger.Warn("heartbeat stopped, abandoning solve", "error", err)
			stop(err)
		case <-ctx.Done():
		}
	}()

	lk, err := w.locks.Lock(ctx, filelock.Solve, spec.SHA256, 0)
	if err != nil {
		return true, fmt.Errorf("worker: solve %d lock: %w", s.ID, err)
	}
	defer lk.Unlock()

	var lockfile []byte
	opts := stage.RunOpts{
		Build: stage.BuildInfo{
			ID:         s.ID,
			Hash:       spec.SHA256,
			Spec:       []byte(spec.Spec),
			IsLockfile: spec.IsLockfile,
		},
		Record: func(_ context.Context, _ string, out stage.Output) error {
			if out.Type != models.ArtifactLockfile {
				return nil
			}
			if out.Data != nil || out.Path == "" {
				lockfile = out.Data
				return nil
			}
			data, err := os.ReadFile(out.Path)
			if err != nil {
				return err
			}
			lockfile = data
			return nil
		},
		Preset: map[string][]stage.Output{},
	}
	if spec.IsLockfile {
		dir, err := os.MkdirTemp("", "condastore-solve-")
		if err != nil {
			return true, fmt.Errorf("worker: solve scratch dir: %w", err)
		}
		defer os.RemoveAll(dir)
		p, err := builder.WriteLockfile(dir, []byte(spec.Spec))
		if err != nil {
			return true, err
		}
		opts.Preset[stage.Solve] = []stage.Output{{Type: models.ArtifactLockfile, Path: p}}
	}

	res := w.solver.Run(ctx, opts)
	info := ""
	if res.Err != nil {
		info = res.StatusInfo()
		lockfile = nil
	}
	err = catalog.FinishSolve(w.db, s.ID, taskID, string(lockfile), info)
	if errors.Is(err, catalog.ErrLeaseLost) {
		logger.Info("solve abandoned after losing its lease")
		return true, nil
	}
	if err != nil {
		return true, err
	}
	w.solves.Add(1)
	logger.Info("solve done", "ok", res.Err == nil)
	return true, nil
}
