package catalog

import (
	"fmt"
	"time"

	"github.com/conda-incubator/condastore/internal/buildstate"
	"github.com/conda-incubator/condastore/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CreateSolve queues a specification-only solve.
func CreateSolve(db *gorm.DB, specID uint) (*models.Solve, error) {
	if specID == 0 {
		return nil, fmt.Errorf("%w: specification is required", ErrValidation)
	}
	s := models.Solve{SpecificationID: specID, ScheduledOn: now()}
	if err := db.Create(&s).Error; err != nil {
		return nil, fmt.Errorf("catalog: create solve: %w", err)
	}
	return &s, nil
}

// GetSolve retrieves a solve with its specification.
func GetSolve(db *gorm.DB, id uint) (*models.Solve, error) {
	var s models.Solve
	if err := db.Preload("Specification").First(&s, id).Error; err != nil {
		return nil, notFound(err, "solve", id)
	}
	return &s, nil
}

// ClaimNextSolve claims the oldest pending solve the same way builds are claimed.
func ClaimNextSolve(db *gorm.DB, taskID string) (*models.Solve, error) {
	if taskID == "" {
		return nil, fmt.Errorf("%w: taskID is required", ErrValidation)
	}
	var claimed *models.Solve
	err := db.Transaction(func(tx *gorm.DB) error {
		var candidate models.Solve
		result := tx.Where("started_on IS NULL AND ended_on IS NULL").
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Order("scheduled_on ASC, id ASC").
			Limit(1).
			Find(&candidate)
		if result.Error != nil {
			return fmt.Errorf("catalog: find pending solve: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return nil
		}
		t := now()
		upd := tx.Model(&models.Solve{}).
			Where("id = ? AND started_on IS NULL", candidate.ID).
			Updates(map[string]interface{}{
				"started_on":   t,
				"heartbeat_on": t,
				"task_id":      taskID,
				"attempts":     gorm.Expr("attempts + 1"),
			})
		if upd.Error != nil {
			return fmt.Errorf("catalog: claim solve %d: %w", candidate.ID, upd.Error)
		}
		if upd.RowsAffected == 0 {
			return nil
		}
		candidate.StartedOn = &t
		candidate.HeartbeatOn = &t
		candidate.TaskID = &taskID
		candidate.Attempts++
		claimed = &candidate
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// FinishSolve records a solve's outcome. packageBuilds is empty on failure.
func FinishSolve(db *gorm.DB, id uint, taskID, packageBuilds, info string) error {
	result := db.Model(&models.Solve{}).
		Where("id = ? AND task_id = ? AND ended_on IS NULL", id, taskID).
		Updates(map[string]interface{}{
			"ended_on":       now(),
			"package_builds": packageBuilds,
			"status_info":    info,
		})
	if result.Error != nil {
		return fmt.Errorf("catalog: finish solve %d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: solve %d not held by task %s", ErrLeaseLost, id, taskID)
	}
	return nil
}

// SolveHeartbeat refreshes the lease on a running solve.
func SolveHeartbeat(db *gorm.DB, id uint, taskID string) error {
	result := db.Model(&models.Solve{}).
		Where("id = ? AND task_id = ? AND ended_on IS NULL", id, taskID).
		Update("heartbeat_on", now())
	if result.Error != nil {
		return fmt.Errorf("catalog: heartbeat solve %d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: solve %d heartbeat for task %s", ErrLeaseLost, id, taskID)
	}
	return nil
}

// ExpiredSolves returns running solves whose heartbeat is older than ttl.
func ExpiredSolves(db *gorm.DB, ttl time.Duration) ([]models.Solve, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("%w: ttl must be positive", ErrValidation)
	}
	cutoff := now().Add(-ttl)
	var solves []models.Solve
	if err := db.Where("started_on IS NOT NULL AND ended_on IS NULL AND (heartbeat_on IS NULL OR heartbeat_on < ?)", cutoff).
		Order("id ASC").Find(&solves).Error; err != nil {
		return nil, fmt.Errorf("catalog: expired solves: %w", err)
	}
	return solves, nil
}

// RecoverSolve handles a solve whose worker stopped heart-beating. It is
// made pending again while attempts remain and otherwise ends with
// status_info "worker_lost". As with builds, taskID must still own the row.
func RecoverSolve(db *gorm.DB, id uint, taskID string, maxAttempts int) (*models.Solve, error) {
	var s models.Solve
	err := db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&s, id).Error; err != nil {
			return notFound(err, "solve", id)
		}
		if s.EndedOn != nil || s.TaskID == nil || *s.TaskID != taskID {
			return fmt.Errorf("%w: solve %d already recovered", ErrLeaseLost, id)
		}
		updates := map[string]interface{}{
			"started_on":   nil,
			"heartbeat_on": nil,
			"task_id":      nil,
			"status_info":  buildstate.InfoLeaseExpiry,
		}
		if s.Attempts >= maxAttempts {
			t := now()
			updates = map[string]interface{}{
				"ended_on":       t,
				"package_builds": "",
				"status_info":    buildstate.InfoWorkerLost,
			}
			s.EndedOn = &t
			s.PackageBuilds = ""
			s.StatusInfo = buildstate.InfoWorkerLost
		} else {
			s.StartedOn, s.HeartbeatOn, s.TaskID = nil, nil, nil
			s.StatusInfo = buildstate.InfoLeaseExpiry
		}
		if err := tx.Model(&models.Solve{}).Where("id = ?", id).Updates(updates).Error; err != nil {
			return fmt.Errorf("catalog: recover solve %d: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &s, nil
}
