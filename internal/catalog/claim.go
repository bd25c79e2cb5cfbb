package catalog

import (
	"fmt"
	"time"

	"github.com/conda-incubator/condastore/internal/buildstate"
	"github.com/conda-incubator/condastore/internal/db"
	"github.com/conda-incubator/condastore/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ClaimOpts holds parameters for claiming a queued build.
type ClaimOpts struct {
	// TaskID identifies the lease; it is written to build.task_id.
	TaskID string
	// MaxConcurrent caps BUILDING builds deployment-wide. Zero means no cap.
	MaxConcurrent int
}

// ClaimNextBuild atomically picks the oldest QUEUED build, moves it to
// BUILDING and stamps the lease. It returns nil, nil when the queue is empty
// or another claimer won the race for the candidate row.
//
// The candidate is read with SELECT ... FOR UPDATE SKIP LOCKED and the
// update is conditional on status still being QUEUED, so dialects without
// row locks (SQLite) remain correct, just less concurrent.
//
// Capped claims first lock the max_concurrent_builds setting row, so the
// BUILDING count they read cannot be raced by another capped claim.
func ClaimNextBuild(gdb *gorm.DB, opts ClaimOpts) (*models.Build, error) {
	if opts.TaskID == "" {
		return nil, fmt.Errorf("%w: taskID is required", ErrValidation)
	}

	var claimed *models.Build
	err := gdb.Transaction(func(tx *gorm.DB) error {
		if opts.MaxConcurrent > 0 {
			var kv models.KeyValue
			if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
				Where(&models.KeyValue{Prefix: db.SettingsPrefix, Key: db.KeyMaxConcurrentBuilds}).
				Limit(1).Find(&kv).Error; err != nil {
				return fmt.Errorf("catalog: lock concurrency cap: %w", err)
			}
			var building int64
			if err := tx.Model(&models.Build{}).Where("status = ?", buildstate.Building).
				Count(&building).Error; err != nil {
				return fmt.Errorf("catalog: count building: %w", err)
			}
			if building >= int64(opts.MaxConcurrent) {
				return nil
			}
		}

		var candidate models.Build
		result := tx.Where("status = ?", buildstate.Queued).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Order("scheduled_on ASC, id ASC").
			Limit(1).
			Find(&candidate)
		if result.Error != nil {
			return fmt.Errorf("catalog: find queued build: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return nil
		}

		t := now()
		upd := tx.Model(&models.Build{}).
			Where("id = ? AND status = ?", candidate.ID, buildstate.Queued).
			Updates(map[string]interface{}{
				"status":       buildstate.Building,
				"status_info":  "",
				"task_id":      opts.TaskID,
				"started_on":   t,
				"heartbeat_on": t,
				"attempts":     gorm.Expr("attempts + 1"),
			})
		if upd.Error != nil {
			return fmt.Errorf("catalog: claim build %d: %w", candidate.ID, upd.Error)
		}
		if upd.RowsAffected == 0 {
			return nil
		}

		candidate.Status = buildstate.Building
		candidate.StatusInfo = ""
		candidate.TaskID = &opts.TaskID
		candidate.StartedOn = &t
		candidate.HeartbeatOn = &t
		candidate.Attempts++
		claimed = &candidate
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// Heartbeat refreshes the lease on a BUILDING build.
func Heartbeat(db *gorm.DB, buildID uint, taskID string) error {
	result := db.Model(&models.Build{}).
		Where("id = ? AND task_id = ? AND status = ?", buildID, taskID, buildstate.Building).
		Update("heartbeat_on", now())
	if result.Error != nil {
		return fmt.Errorf("catalog: heartbeat build %d: %w", buildID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: build %d heartbeat for task %s", ErrLeaseLost, buildID, taskID)
	}
	return nil
}

// CheckLease reports whether cancellation was requested for a build the
// caller still holds. It returns ErrLeaseLost once the build has left
// BUILDING or moved to another task.
func CheckLease(db *gorm.DB, buildID uint, taskID string) (cancelRequested bool, err error) {
	var b models.Build
	if err := db.Select("id", "status", "task_id", "cancel_requested").First(&b, buildID).Error; err != nil {
		return false, notFound(err, "build", buildID)
	}
	if b.Status != buildstate.Building || b.TaskID == nil || *b.TaskID != taskID {
		return false, fmt.Errorf("%w: build %d is %s", ErrLeaseLost, buildID, b.Status)
	}
	return b.CancelRequested, nil
}

// ExpiredLeases returns BUILDING builds whose heartbeat is older than ttl.
func ExpiredLeases(db *gorm.DB, ttl time.Duration) ([]models.Build, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("%w: ttl must be positive", ErrValidation)
	}
	cutoff := now().Add(-ttl)
	var builds []models.Build
	if err := db.Where("status = ? AND (heartbeat_on IS NULL OR heartbeat_on < ?)", buildstate.Building, cutoff).
		Order("id ASC").Find(&builds).Error; err != nil {
		return nil, fmt.Errorf("catalog: expired leases: %w", err)
	}
	return builds, nil
}

// TimedOutBuilds returns BUILDING builds started longer than timeout ago.
func TimedOutBuilds(db *gorm.DB, timeout time.Duration) ([]models.Build, error) {
	if timeout <= 0 {
		return nil, fmt.Errorf("%w: timeout must be positive", ErrValidation)
	}
	cutoff := now().Add(-timeout)
	var builds []models.Build
	if err := db.Where("status = ? AND started_on < ?", buildstate.Building, cutoff).
		Order("id ASC").Find(&builds).Error; err != nil {
		return nil, fmt.Errorf("catalog: timed out builds: %w", err)
	}
	return builds, nil
}

// RecoverLease handles a build whose worker stopped heart-beating: it goes
// back to QUEUED while attempts remain, otherwise to FAILED with
// status_info "worker_lost". taskID must still own the build, which keeps
// two sweepers from both acting on it.
func RecoverLease(db *gorm.DB, buildID uint, taskID string, maxAttempts int) (*models.Build, error) {
	var b models.Build
	err := db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&b, buildID).Error; err != nil {
			return notFound(err, "build", buildID)
		}
		if b.Status != buildstate.Building || b.TaskID == nil || *b.TaskID != taskID {
			return fmt.Errorf("%w: build %d already recovered", ErrLeaseLost, buildID)
		}
		if b.Attempts < maxAttempts && !b.CancelRequested {
			return applyTransition(tx, &b, buildstate.Queued, buildstate.InfoLeaseExpiry)
		}
		if b.CancelRequested {
			return applyTransition(tx, &b, buildstate.Canceled, buildstate.InfoCanceled)
		}
		return applyTransition(tx, &b, buildstate.Failed, buildstate.InfoWorkerLost)
	})
	if err != nil {
		return nil, err
	}
	return &b, nil
}
