package catalog

import (
	"fmt"

	"github.com/conda-incubator/condastore/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// InsertArtifact records an artifact. Re-inserting the same
// (build, type, key) is a no-op that returns the existing row, which keeps
// stage re-runs idempotent.
func InsertArtifact(db *gorm.DB, buildID uint, typ models.ArtifactType, key string) (*models.BuildArtifact, error) {
	if _, err := models.ParseArtifactType(string(typ)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if key == "" {
		return nil, fmt.Errorf("%w: artifact key is required", ErrValidation)
	}

	row := models.BuildArtifact{BuildID: buildID, ArtifactType: typ, Key: key}
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
		return nil, fmt.Errorf("catalog: insert artifact %s for build %d: %w", typ, buildID, err)
	}
	var existing models.BuildArtifact
	if err := db.Where("build_id = ? AND artifact_type = ? AND `key` = ?", buildID, typ, key).
		First(&existing).Error; err != nil {
		return nil, notFound(err, "artifact", key)
	}
	return &existing, nil
}

// ListArtifacts returns a build's artifacts, optionally restricted to types.
func ListArtifacts(db *gorm.DB, buildID uint, types ...models.ArtifactType) ([]models.BuildArtifact, error) {
	q := db.Where("build_id = ?", buildID)
	if len(types) > 0 {
		q = q.Where("artifact_type IN ?", types)
	}
	var rows []models.BuildArtifact
	if err := q.Order("id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("catalog: list artifacts for build %d: %w", buildID, err)
	}
	return rows, nil
}

// GetArtifact returns the most recent artifact of a type for a build.
func GetArtifact(db *gorm.DB, buildID uint, typ models.ArtifactType) (*models.BuildArtifact, error) {
	var row models.BuildArtifact
	if err := db.Where("build_id = ? AND artifact_type = ?", buildID, typ).
		Order("id DESC").First(&row).Error; err != nil {
		return nil, notFound(err, "artifact", fmt.Sprintf("%d/%s", buildID, typ))
	}
	return &row, nil
}

// DeleteArtifact removes an artifact row. Deleting a missing row is not an error.
func DeleteArtifact(db *gorm.DB, id uint) error {
	if err := db.Delete(&models.BuildArtifact{}, id).Error; err != nil {
		return fmt.Errorf("catalog: delete artifact %d: %w", id, err)
	}
	return nil
}
