package catalog

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/conda-incubator/condastore/internal/buildstate"
	"github.com/conda-incubator/condastore/internal/db"
	"github.com/conda-incubator/condastore/internal/fingerprint"
	"github.com/conda-incubator/condastore/internal/models"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	gormDB, err := db.OpenSQLite(filepath.Join(t.TempDir(), "catalog.sqlite"))
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	t.Cleanup(func() { db.Close(gormDB) })
	return gormDB
}

func mustSpec(t *testing.T, gormDB *gorm.DB, raw string) *models.Specification {
	t.Helper()
	parsed, err := fingerprint.Parse([]byte(raw))
	if err != nil {
		t.Fatalf("parse spec: %v", err)
	}
	spec, _, err := FindOrCreateSpecification(gormDB, parsed)
	if err != nil {
		t.Fatalf("FindOrCreateSpecification: %v", err)
	}
	return spec
}

func specN(n int) string {
	return fmt.Sprintf(`{"name":"env","channels":["conda-forge"],"dependencies":["python=3.%d"]}`, n)
}

func mustRegister(t *testing.T, gormDB *gorm.DB, ns, env string, specID uint) *models.Build {
	t.Helper()
	res, err := RegisterBuild(gormDB, RegisterOpts{Namespace: ns, Environment: env, SpecificationID: specID})
	if err != nil {
		t.Fatalf("RegisterBuild(%s/%s): %v", ns, env, err)
	}
	return res.Build
}

// mustClaim claims the next queued build and fails the test if there is none.
func mustClaim(t *testing.T, gormDB *gorm.DB, task string) *models.Build {
	t.Helper()
	b, err := ClaimNextBuild(gormDB, ClaimOpts{TaskID: task})
	if err != nil {
		t.Fatalf("ClaimNextBuild: %v", err)
	}
	if b == nil {
		t.Fatal("ClaimNextBuild returned no build")
	}
	return b
}

func mustComplete(t *testing.T, gormDB *gorm.DB, b *models.Build) *TransitionResult {
	t.Helper()
	res, err := Transition(gormDB, b.ID, buildstate.Completed, TransitionOpts{TaskID: *b.TaskID})
	if err != nil {
		t.Fatalf("Transition(%d, COMPLETED): %v", b.ID, err)
	}
	return res
}

func reload(t *testing.T, gormDB *gorm.DB, id uint) *models.Build {
	t.Helper()
	var b models.Build
	if err := gormDB.First(&b, id).Error; err != nil {
		t.Fatalf("reload build %d: %v", id, err)
	}
	return &b
}

func reloadEnv(t *testing.T, gormDB *gorm.DB, id uint) *models.Environment {
	t.Helper()
	var env models.Environment
	if err := gormDB.First(&env, id).Error; err != nil {
		t.Fatalf("reload environment %d: %v", id, err)
	}
	return &env
}
