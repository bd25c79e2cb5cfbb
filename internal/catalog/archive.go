package catalog

import (
	"fmt"
	"time"

	"github.com/conda-incubator/condastore/internal/buildstate"
	"github.com/conda-incubator/condastore/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ArchiveBuild flags a terminal build as archived. It refuses non-terminal
// builds and any build an environment still uses as its current build.
// Archiving an archived build is a no-op.
func ArchiveBuild(db *gorm.DB, buildID uint) (*models.Build, error) {
	var b models.Build
	err := db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&b, buildID).Error; err != nil {
			return notFound(err, "build", buildID)
		}
		if !buildstate.Terminal(b.Status) {
			return fmt.Errorf("%w: build %d is %s", ErrIllegalTransition, b.ID, b.Status)
		}
		if b.ArchivedOn != nil {
			return nil
		}
		var refs int64
		if err := tx.Model(&models.Environment{}).Where("current_build_id = ?", b.ID).
			Count(&refs).Error; err != nil {
			return fmt.Errorf("catalog: check current build refs: %w", err)
		}
		if refs > 0 {
			return fmt.Errorf("%w: build %d is the current build of its environment", ErrConflict, b.ID)
		}
		// Only the display pointer may still reference an archived build.
		if err := tx.Model(&models.Environment{}).Where("latest_build_id = ?", b.ID).
			Update("latest_build_id", gorm.Expr("current_build_id")).Error; err != nil {
			return fmt.Errorf("catalog: clear latest build: %w", err)
		}

		t := now()
		if err := tx.Model(&models.Build{}).Where("id = ?", b.ID).Update("archived_on", t).Error; err != nil {
			return fmt.Errorf("catalog: archive build %d: %w", b.ID, err)
		}
		b.ArchivedOn = &t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// MarkDeleted records that a build's prefix and blobs have been reclaimed.
func MarkDeleted(db *gorm.DB, buildID uint) error {
	if err := db.Model(&models.Build{}).Where("id = ? AND deleted_on IS NULL", buildID).
		Update("deleted_on", now()).Error; err != nil {
		return fmt.Errorf("catalog: mark build %d deleted: %w", buildID, err)
	}
	return nil
}

// ReclaimableBuilds returns builds whose resources may be released and
// have not been reclaimed yet: FAILED or CANCELED builds that ended before
// olderThan ago, and archived builds of any age.
func ReclaimableBuilds(db *gorm.DB, olderThan time.Duration) ([]models.Build, error) {
	cutoff := now().Add(-olderThan)
	var builds []models.Build
	if err := db.Where("deleted_on IS NULL").
		Where("((status IN ? AND ended_on < ?) OR archived_on IS NOT NULL)",
			[]string{buildstate.Failed, buildstate.Canceled}, cutoff).
		Order("id ASC").Find(&builds).Error; err != nil {
		return nil, fmt.Errorf("catalog: reclaimable builds: %w", err)
	}
	return builds, nil
}

// SurplusBuilds returns, per environment, the COMPLETED non-archived builds
// beyond the newest keep, excluding the environment's current build.
func SurplusBuilds(db *gorm.DB, keep int) ([]models.Build, error) {
	if keep < 1 {
		return nil, fmt.Errorf("%w: keep must be at least 1", ErrValidation)
	}

	type envCount struct {
		EnvironmentID uint
		N             int64
	}
	var crowded []envCount
	if err := db.Model(&models.Build{}).
		Select("environment_id, COUNT(*) AS n").
		Where("status = ? AND archived_on IS NULL", buildstate.Completed).
		Group("environment_id").
		Having("COUNT(*) > ?", keep).
		Scan(&crowded).Error; err != nil {
		return nil, fmt.Errorf("catalog: count completed builds: %w", err)
	}

	var surplus []models.Build
	for _, ec := range crowded {
		var env models.Environment
		if err := db.First(&env, ec.EnvironmentID).Error; err != nil {
			return nil, notFound(err, "environment", ec.EnvironmentID)
		}
		var builds []models.Build
		if err := db.Where("environment_id = ? AND status = ? AND archived_on IS NULL", ec.EnvironmentID, buildstate.Completed).
			Order("scheduled_on DESC, id DESC").Find(&builds).Error; err != nil {
			return nil, fmt.Errorf("catalog: list completed builds: %w", err)
		}
		for i, b := range builds {
			if i < keep {
				continue
			}
			if env.CurrentBuildID != nil && *env.CurrentBuildID == b.ID {
				continue
			}
			surplus = append(surplus, b)
		}
	}
	return surplus, nil
}

// PrefixInUse reports whether any build other than exclude still needs the
// prefix for hash: a live build, or a completed one that was not archived.
func PrefixInUse(db *gorm.DB, hash string, exclude uint) (bool, error) {
	var n int64
	if err := db.Model(&models.Build{}).
		Where("hash = ? AND id <> ?", hash, exclude).
		Where("(status IN ? OR (status = ? AND archived_on IS NULL))", buildstate.ActiveStatuses(), buildstate.Completed).
		Count(&n).Error; err != nil {
		return false, fmt.Errorf("catalog: prefix references for %s: %w", hash, err)
	}
	return n > 0, nil
}

// CompletedBuildForHash returns a COMPLETED, non-archived build with the
// given hash other than exclude, used as the donor for the dedup fast path.
func CompletedBuildForHash(db *gorm.DB, hash string, exclude uint) (*models.Build, error) {
	var b models.Build
	if err := db.Where("hash = ? AND id <> ? AND status = ? AND archived_on IS NULL AND deleted_on IS NULL",
		hash, exclude, buildstate.Completed).
		Order("ended_on DESC, id DESC").First(&b).Error; err != nil {
		return nil, notFound(err, "completed build for hash", hash)
	}
	return &b, nil
}

// IsCurrentBuild reports whether any environment points at the build as its
// current build.
func IsCurrentBuild(db *gorm.DB, buildID uint) (bool, error) {
	var n int64
	if err := db.Model(&models.Environment{}).Where("current_build_id = ?", buildID).Count(&n).Error; err != nil {
		return false, fmt.Errorf("catalog: current build refs for %d: %w", buildID, err)
	}
	return n > 0, nil
}

// HashReferenced reports whether any build not yet reclaimed carries hash.
func HashReferenced(db *gorm.DB, hash string) (bool, error) {
	var n int64
	if err := db.Model(&models.Build{}).Where("hash = ? AND deleted_on IS NULL", hash).Count(&n).Error; err != nil {
		return false, fmt.Errorf("catalog: builds for hash %s: %w", hash, err)
	}
	return n > 0, nil
}
