package catalog

import (
	"fmt"

	"github.com/conda-incubator/condastore/internal/buildstate"
	"github.com/conda-incubator/condastore/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// TransitionOpts guards and annotates a transition.
type TransitionOpts struct {
	// TaskID, when set, must match the build's current lease.
	TaskID string
	// Info is stored as status_info.
	Info string
}

// TransitionResult reports the build after a transition.
type TransitionResult struct {
	Build *models.Build
	// BecameCurrent is true when a COMPLETED build was promoted to its
	// environment's current build.
	BecameCurrent bool
}

// Transition moves a build to a new status. Moving to BUILDING is reserved to
// ClaimNextBuild. On COMPLETED the environment's current_build_id is updated
// in the same transaction, but only if this build was scheduled after the
// build currently there.
func Transition(db *gorm.DB, buildID uint, to string, opts TransitionOpts) (*TransitionResult, error) {
	if to == buildstate.Building {
		return nil, fmt.Errorf("%w: builds enter BUILDING only through a claim", ErrIllegalTransition)
	}

	res := &TransitionResult{}
	err := db.Transaction(func(tx *gorm.DB) error {
		var b models.Build
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&b, buildID).Error; err != nil {
			return notFound(err, "build", buildID)
		}
		if opts.TaskID != "" && (b.TaskID == nil || *b.TaskID != opts.TaskID) {
			return fmt.Errorf("%w: build %d is no longer held by task %s", ErrLeaseLost, buildID, opts.TaskID)
		}
		if err := applyTransition(tx, &b, to, opts.Info); err != nil {
			return err
		}
		if to == buildstate.Completed {
			promoted, err := promoteCurrent(tx, &b)
			if err != nil {
				return err
			}
			res.BecameCurrent = promoted
		}
		res.Build = &b
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// RequestCancel cancels a QUEUED build immediately and flags a BUILDING
// build so its worker stops at the next stage boundary.
func RequestCancel(db *gorm.DB, buildID uint) (*models.Build, error) {
	var b models.Build
	err := db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&b, buildID).Error; err != nil {
			return notFound(err, "build", buildID)
		}
		switch b.Status {
		case buildstate.Queued:
			return applyTransition(tx, &b, buildstate.Canceled, buildstate.InfoCanceled)
		case buildstate.Building:
			if err := tx.Model(&models.Build{}).Where("id = ?", b.ID).
				Update("cancel_requested", true).Error; err != nil {
				return fmt.Errorf("catalog: flag cancel %d: %w", b.ID, err)
			}
			b.CancelRequested = true
			return nil
		default:
			return fmt.Errorf("%w: build %d is already %s", ErrIllegalTransition, b.ID, b.Status)
		}
	})
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// applyTransition writes the status change and its side columns. The update
// is conditional on the status read earlier so a concurrent writer makes it
// fail rather than silently overwrite.
func applyTransition(tx *gorm.DB, b *models.Build, to, info string) error {
	if err := buildstate.Check(b.Status, to); err != nil {
		return fmt.Errorf("%w: build %d: %v", ErrIllegalTransition, b.ID, err)
	}

	t := now()
	updates := map[string]interface{}{
		"status":      to,
		"status_info": info,
	}
	switch {
	case to == buildstate.Queued:
		updates["started_on"] = nil
		updates["heartbeat_on"] = nil
		updates["task_id"] = nil
		updates["cancel_requested"] = false
	case buildstate.Terminal(to):
		updates["ended_on"] = t
		updates["task_id"] = nil
		updates["active_key"] = nil
	}

	result := tx.Model(&models.Build{}).
		Where("id = ? AND status = ?", b.ID, b.Status).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("catalog: transition build %d to %s: %w", b.ID, to, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: build %d changed status concurrently", ErrConflict, b.ID)
	}

	b.Status = to
	b.StatusInfo = info
	switch {
	case to == buildstate.Queued:
		b.StartedOn = nil
		b.HeartbeatOn = nil
		b.TaskID = nil
		b.CancelRequested = false
	case buildstate.Terminal(to):
		b.EndedOn = &t
		b.TaskID = nil
		b.ActiveKey = nil
	}

	if to == buildstate.Failed || to == buildstate.Canceled {
		return repairLatest(tx, b)
	}
	return nil
}

// promoteCurrent points the environment at b if b is newer than the build
// currently there. A current build that has been archived means the catalog
// is already inconsistent; that is reported instead of papered over.
func promoteCurrent(tx *gorm.DB, b *models.Build) (bool, error) {
	var env models.Environment
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&env, b.EnvironmentID).Error; err != nil {
		return false, notFound(err, "environment", b.EnvironmentID)
	}

	var current *models.Build
	if env.CurrentBuildID != nil {
		current = &models.Build{}
		if err := tx.First(current, *env.CurrentBuildID).Error; err != nil {
			return false, notFound(err, "build", *env.CurrentBuildID)
		}
		if current.ArchivedOn != nil || current.Status != buildstate.Completed {
			return false, fmt.Errorf("%w: environment %d current build %d is %s (archived=%v)",
				ErrInvariant, env.ID, current.ID, current.Status, current.ArchivedOn != nil)
		}
	}
	if !b.NewerThan(current) {
		return false, nil
	}

	if err := tx.Model(&models.Environment{}).Where("id = ?", env.ID).
		Update("current_build_id", b.ID).Error; err != nil {
		return false, fmt.Errorf("catalog: set current build: %w", err)
	}
	return true, nil
}

// repairLatest falls back to the current build when the environment's latest
// build ends without success.
func repairLatest(tx *gorm.DB, b *models.Build) error {
	result := tx.Model(&models.Environment{}).
		Where("id = ? AND latest_build_id = ?", b.EnvironmentID, b.ID).
		Update("latest_build_id", gorm.Expr("current_build_id"))
	if result.Error != nil {
		return fmt.Errorf("catalog: repair latest build: %w", result.Error)
	}
	return nil
}
