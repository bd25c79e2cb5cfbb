package catalog

import (
	"fmt"

	"github.com/conda-incubator/condastore/internal/buildstate"
	"github.com/conda-incubator/condastore/internal/models"
	"gorm.io/gorm"
)

// BuildFilter narrows ListBuilds. Zero fields match everything.
type BuildFilter struct {
	Namespace       string
	Environment     string
	Status          string
	SpecificationID uint
	Hash            string
	IncludeArchived bool
	Limit           int
}

// GetBuild retrieves a build with its environment, namespace and specification.
func GetBuild(db *gorm.DB, buildID uint) (*models.Build, error) {
	var b models.Build
	if err := db.Preload("Environment.Namespace").Preload("Specification").
		First(&b, buildID).Error; err != nil {
		return nil, notFound(err, "build", buildID)
	}
	return &b, nil
}

// ListBuilds returns builds matching filter, newest first.
func ListBuilds(db *gorm.DB, filter BuildFilter) ([]models.Build, error) {
	if filter.Status != "" && !buildstate.Valid(filter.Status) {
		return nil, fmt.Errorf("%w: unknown status %q", ErrValidation, filter.Status)
	}

	q := db.Model(&models.Build{}).Preload("Environment.Namespace")
	if filter.Namespace != "" || filter.Environment != "" {
		q = q.Select("builds.*").
			Joins("JOIN environments ON environments.id = builds.environment_id").
			Joins("JOIN namespaces ON namespaces.id = environments.namespace_id")
		if filter.Namespace != "" {
			q = q.Where("namespaces.name = ?", filter.Namespace)
		}
		if filter.Environment != "" {
			q = q.Where("environments.name = ?", filter.Environment)
		}
	}
	if filter.Status != "" {
		q = q.Where("builds.status = ?", filter.Status)
	}
	if filter.SpecificationID != 0 {
		q = q.Where("builds.specification_id = ?", filter.SpecificationID)
	}
	if filter.Hash != "" {
		q = q.Where("builds.hash = ?", filter.Hash)
	}
	if !filter.IncludeArchived {
		q = q.Where("builds.archived_on IS NULL")
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var builds []models.Build
	if err := q.Order("builds.scheduled_on DESC, builds.id DESC").Find(&builds).Error; err != nil {
		return nil, fmt.Errorf("catalog: list builds: %w", err)
	}
	return builds, nil
}

// GetEnvironment looks up a live environment by namespace and name.
func GetEnvironment(db *gorm.DB, namespace, name string) (*models.Environment, error) {
	var env models.Environment
	err := db.Preload("Namespace").Select("environments.*").
		Joins("JOIN namespaces ON namespaces.id = environments.namespace_id").
		Where("namespaces.name = ? AND environments.name = ? AND environments.deleted_on IS NULL", namespace, name).
		First(&env).Error
	if err != nil {
		return nil, notFound(err, "environment", namespace+"/"+name)
	}
	return &env, nil
}

// DeleteEnvironment soft-deletes an environment once every one of its builds
// is archived. Build rows are kept for audit.
func DeleteEnvironment(db *gorm.DB, envID uint) error {
	return db.Transaction(func(tx *gorm.DB) error {
		var env models.Environment
		if err := tx.First(&env, envID).Error; err != nil {
			return notFound(err, "environment", envID)
		}
		var live int64
		if err := tx.Model(&models.Build{}).
			Where("environment_id = ? AND archived_on IS NULL", envID).
			Count(&live).Error; err != nil {
			return fmt.Errorf("catalog: count environment builds: %w", err)
		}
		if live > 0 || env.CurrentBuildID != nil {
			return fmt.Errorf("%w: environment %d still has %d unarchived builds", ErrConflict, envID, live)
		}
		if err := tx.Model(&models.Environment{}).Where("id = ?", envID).Updates(map[string]interface{}{
			"deleted_on":      now(),
			"latest_build_id": nil,
		}).Error; err != nil {
			return fmt.Errorf("catalog: delete environment %d: %w", envID, err)
		}
		return nil
	})
}

// DeleteNamespace soft-deletes a namespace that has no live environments.
func DeleteNamespace(db *gorm.DB, name string) error {
	return db.Transaction(func(tx *gorm.DB) error {
		var ns models.Namespace
		if err := tx.Where("name = ? AND deleted_on IS NULL", name).First(&ns).Error; err != nil {
			return notFound(err, "namespace", name)
		}
		var envs int64
		if err := tx.Model(&models.Environment{}).
			Where("namespace_id = ? AND deleted_on IS NULL", ns.ID).
			Count(&envs).Error; err != nil {
			return fmt.Errorf("catalog: count namespace environments: %w", err)
		}
		if envs > 0 {
			return fmt.Errorf("%w: namespace %q still has %d environments", ErrConflict, name, envs)
		}
		if err := tx.Model(&models.Namespace{}).Where("id = ?", ns.ID).
			Update("deleted_on", now()).Error; err != nil {
			return fmt.Errorf("catalog: delete namespace %q: %w", name, err)
		}
		return nil
	})
}

// SetNamespaceMetadata replaces a namespace's free-form metadata.
func SetNamespaceMetadata(db *gorm.DB, name string, metadata map[string]interface{}) error {
	result := db.Model(&models.Namespace{}).Where("name = ? AND deleted_on IS NULL", name).
		Update("metadata", models.NamespaceMetadata(metadata))
	if result.Error != nil {
		return fmt.Errorf("catalog: set namespace metadata %q: %w", name, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: namespace %s", ErrNotFound, name)
	}
	return nil
}
