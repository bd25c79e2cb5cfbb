package catalog

import (
	"fmt"
	"strings"

	"github.com/conda-incubator/condastore/internal/buildstate"
	"github.com/conda-incubator/condastore/internal/fingerprint"
	"github.com/conda-incubator/condastore/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RegisterOpts holds parameters for registering a build.
type RegisterOpts struct {
	Namespace       string
	Environment     string
	Description     string
	SpecificationID uint
	// BuildKeyVersion overrides the key-value setting when non-zero.
	BuildKeyVersion int
}

// RegisterResult reports what RegisterBuild did.
type RegisterResult struct {
	Build       *models.Build
	Environment *models.Environment
	Superseded  []uint
}

// activeKey is the value of Build.ActiveKey while a build is non-terminal.
func activeKey(envID, specID uint) *string {
	k := fmt.Sprintf("%d:%d", envID, specID)
	return &k
}

// RegisterBuild queues a new build of a specification in one transaction:
// it gets or creates the namespace and environment, cancels every
// non-terminal build already queued or running for that environment, inserts
// the new QUEUED build and points environment.latest_build_id at it.
func RegisterBuild(db *gorm.DB, opts RegisterOpts) (*RegisterResult, error) {
	opts.Namespace = strings.TrimSpace(opts.Namespace)
	opts.Environment = strings.TrimSpace(opts.Environment)
	if opts.Namespace == "" {
		return nil, fmt.Errorf("%w: namespace is required", ErrValidation)
	}
	if opts.Environment == "" {
		return nil, fmt.Errorf("%w: environment name is required", ErrValidation)
	}
	for _, name := range []string{opts.Namespace, opts.Environment} {
		if err := validName(name); err != nil {
			return nil, err
		}
	}
	if opts.SpecificationID == 0 {
		return nil, fmt.Errorf("%w: specification is required", ErrValidation)
	}

	res := &RegisterResult{}
	err := db.Transaction(func(tx *gorm.DB) error {
		var spec models.Specification
		if err := tx.First(&spec, opts.SpecificationID).Error; err != nil {
			return notFound(err, "specification", opts.SpecificationID)
		}

		ns, err := getOrCreateNamespace(tx, opts.Namespace)
		if err != nil {
			return err
		}
		env, err := getOrCreateEnvironment(tx, ns.ID, opts.Environment, opts.Description)
		if err != nil {
			return err
		}

		superseded, err := cancelActive(tx, env.ID)
		if err != nil {
			return err
		}
		res.Superseded = superseded

		version := opts.BuildKeyVersion
		if version == 0 {
			version, err = BuildKeyVersion(tx, 1)
			if err != nil {
				return err
			}
		}

		build := models.Build{
			EnvironmentID:   env.ID,
			SpecificationID: spec.ID,
			Status:          buildstate.Queued,
			Hash:            fingerprint.BuildHash(spec.SHA256, version),
			BuildKeyVersion: version,
			ActiveKey:       activeKey(env.ID, spec.ID),
			ScheduledOn:     now(),
		}
		if err := tx.Create(&build).Error; err != nil {
			return fmt.Errorf("catalog: insert build: %w", err)
		}

		if err := tx.Model(&models.Environment{}).Where("id = ?", env.ID).
			Update("latest_build_id", build.ID).Error; err != nil {
			return fmt.Errorf("catalog: set latest build: %w", err)
		}
		env.LatestBuildID = &build.ID
		env.Namespace = ns

		res.Build = &build
		res.Environment = env
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// cancelActive moves every QUEUED or BUILDING build of the environment to
// CANCELED. A BUILDING build loses its lease; its worker notices at the next
// stage boundary.
func cancelActive(tx *gorm.DB, envID uint) ([]uint, error) {
	var active []models.Build
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("environment_id = ? AND status IN ?", envID, buildstate.ActiveStatuses()).
		Find(&active).Error; err != nil {
		return nil, fmt.Errorf("catalog: find active builds: %w", err)
	}
	ids := make([]uint, 0, len(active))
	for i := range active {
		if err := applyTransition(tx, &active[i], buildstate.Canceled, buildstate.InfoSuperseded); err != nil {
			return nil, err
		}
		ids = append(ids, active[i].ID)
	}
	return ids, nil
}

func getOrCreateNamespace(tx *gorm.DB, name string) (*models.Namespace, error) {
	ns := models.Namespace{Name: name}
	if err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoNothing: true,
	}).Create(&ns).Error; err != nil {
		return nil, fmt.Errorf("catalog: create namespace %q: %w", name, err)
	}
	var existing models.Namespace
	if err := tx.Where("name = ?", name).First(&existing).Error; err != nil {
		return nil, notFound(err, "namespace", name)
	}
	if existing.DeletedOn != nil {
		if err := tx.Model(&existing).Update("deleted_on", nil).Error; err != nil {
			return nil, fmt.Errorf("catalog: restore namespace %q: %w", name, err)
		}
		existing.DeletedOn = nil
	}
	return &existing, nil
}

func getOrCreateEnvironment(tx *gorm.DB, nsID uint, name, description string) (*models.Environment, error) {
	fresh := models.Environment{NamespaceID: nsID, Name: name, Description: description}
	if err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "namespace_id"}, {Name: "name"}},
		DoNothing: true,
	}).Create(&fresh).Error; err != nil {
		return nil, fmt.Errorf("catalog: create environment %q: %w", name, err)
	}

	var env models.Environment
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("namespace_id = ? AND name = ?", nsID, name).First(&env).Error; err != nil {
		return nil, notFound(err, "environment", name)
	}

	updates := map[string]interface{}{}
	if env.DeletedOn != nil {
		updates["deleted_on"] = nil
		env.DeletedOn = nil
	}
	if description != "" && description != env.Description {
		updates["description"] = description
		env.Description = description
	}
	if len(updates) > 0 {
		if err := tx.Model(&models.Environment{}).Where("id = ?", env.ID).Updates(updates).Error; err != nil {
			return nil, fmt.Errorf("catalog: update environment %q: %w", name, err)
		}
	}
	return &env, nil
}

// validName rejects names that cannot be used as a path component of the
// environment symlink.
func validName(name string) error {
	if strings.HasPrefix(name, ".") || strings.ContainsAny(name, "/\\\x00") {
		return fmt.Errorf("%w: invalid name %q", ErrValidation, name)
	}
	return nil
}
