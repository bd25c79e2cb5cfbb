package catalog

import (
	"fmt"

	"github.com/conda-incubator/condastore/internal/fingerprint"
	"github.com/conda-incubator/condastore/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// FindOrCreateSpecification upserts a fingerprinted specification on its
// sha256. created reports whether this call inserted the row.
func FindOrCreateSpecification(db *gorm.DB, spec *fingerprint.Spec) (*models.Specification, bool, error) {
	if spec == nil {
		return nil, false, fmt.Errorf("%w: specification is required", ErrValidation)
	}

	row := models.Specification{
		Name:       spec.Name,
		Spec:       string(spec.Canonical),
		SHA256:     spec.SHA256,
		IsLockfile: spec.IsLockfile,
		CreatedAt:  now(),
	}
	result := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "sha256"}},
		DoNothing: true,
	}).Create(&row)
	if result.Error != nil {
		return nil, false, fmt.Errorf("catalog: upsert specification %s: %w", spec.SHA256, result.Error)
	}
	if result.RowsAffected == 1 && row.ID != 0 {
		return &row, true, nil
	}

	var existing models.Specification
	if err := db.Where("sha256 = ?", spec.SHA256).First(&existing).Error; err != nil {
		return nil, false, notFound(err, "specification", spec.SHA256)
	}
	return &existing, false, nil
}

// GetSpecification retrieves a specification by ID.
func GetSpecification(db *gorm.DB, id uint) (*models.Specification, error) {
	var spec models.Specification
	if err := db.First(&spec, id).Error; err != nil {
		return nil, notFound(err, "specification", id)
	}
	return &spec, nil
}
