package catalog

import (
	"errors"
	"strings"
	"testing"

	"github.com/conda-incubator/condastore/internal/buildstate"
	"github.com/conda-incubator/condastore/internal/fingerprint"
	"github.com/conda-incubator/condastore/internal/models"
)

func TestRegisterBuild_Fresh(t *testing.T) {
	gormDB := openTestDB(t)
	spec := mustSpec(t, gormDB, specN(11))

	res, err := RegisterBuild(gormDB, RegisterOpts{
		Namespace:       "default",
		Environment:     "x",
		Description:     "first",
		SpecificationID: spec.ID,
	})
	if err != nil {
		t.Fatalf("RegisterBuild: %v", err)
	}
	b := res.Build
	if b.Status != buildstate.Queued {
		t.Errorf("Status = %q, want QUEUED", b.Status)
	}
	if b.BuildKeyVersion != 1 {
		t.Errorf("BuildKeyVersion = %d, want 1 (no setting)", b.BuildKeyVersion)
	}
	if b.Hash != fingerprint.BuildHash(spec.SHA256, 1) {
		t.Errorf("Hash = %q", b.Hash)
	}
	if b.StartedOn != nil || b.EndedOn != nil || b.TaskID != nil {
		t.Error("fresh build must not have started_on, ended_on or task_id")
	}
	if b.ActiveKey == nil {
		t.Error("fresh build must carry an active key")
	}

	env := reloadEnv(t, gormDB, b.EnvironmentID)
	if env.LatestBuildID == nil || *env.LatestBuildID != b.ID {
		t.Errorf("LatestBuildID = %v, want %d", env.LatestBuildID, b.ID)
	}
	if env.CurrentBuildID != nil {
		t.Errorf("CurrentBuildID = %v, want nil", *env.CurrentBuildID)
	}
	if env.Description != "first" {
		t.Errorf("Description = %q", env.Description)
	}
	if res.Environment.Namespace == nil || res.Environment.Namespace.Name != "default" {
		t.Error("result environment should carry its namespace")
	}
}

func TestRegisterBuild_UsesBuildKeyVersionSetting(t *testing.T) {
	gormDB := openTestDB(t)
	if err := SetSetting(gormDB, "settings", "build_key_version", "3"); err != nil {
		t.Fatal(err)
	}
	spec := mustSpec(t, gormDB, specN(11))
	b := mustRegister(t, gormDB, "default", "x", spec.ID)
	if b.BuildKeyVersion != 3 {
		t.Errorf("BuildKeyVersion = %d, want 3", b.BuildKeyVersion)
	}
	if b.Hash != fingerprint.BuildHash(spec.SHA256, 3) {
		t.Errorf("Hash does not match version 3")
	}
}

func TestRegisterBuild_Validation(t *testing.T) {
	gormDB := openTestDB(t)
	tests := []struct {
		name string
		opts RegisterOpts
		want string
	}{
		{"no namespace", RegisterOpts{Environment: "x", SpecificationID: 1}, "namespace is required"},
		{"no env", RegisterOpts{Namespace: "ns", SpecificationID: 1}, "environment name is required"},
		{"no spec", RegisterOpts{Namespace: "ns", Environment: "x"}, "specification is required"},
		{"slash in env", RegisterOpts{Namespace: "ns", Environment: "a/b", SpecificationID: 1}, "invalid name"},
		{"dot namespace", RegisterOpts{Namespace: "..", Environment: "x", SpecificationID: 1}, "invalid name"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := RegisterBuild(gormDB, tt.opts)
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("error = %v, want ErrValidation", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want %q", err, tt.want)
			}
		})
	}

	_, err := RegisterBuild(gormDB, RegisterOpts{Namespace: "ns", Environment: "x", SpecificationID: 99})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown spec error = %v, want ErrNotFound", err)
	}
}

// A second registration supersedes the queued build of the same environment.
func TestRegisterBuild_Supersede(t *testing.T) {
	gormDB := openTestDB(t)
	specA := mustSpec(t, gormDB, specN(10))
	specB := mustSpec(t, gormDB, specN(11))

	a := mustRegister(t, gormDB, "ns", "env", specA.ID)
	res, err := RegisterBuild(gormDB, RegisterOpts{Namespace: "ns", Environment: "env", SpecificationID: specB.ID})
	if err != nil {
		t.Fatalf("RegisterBuild B: %v", err)
	}
	b := res.Build

	if len(res.Superseded) != 1 || res.Superseded[0] != a.ID {
		t.Errorf("Superseded = %v, want [%d]", res.Superseded, a.ID)
	}
	gotA := reload(t, gormDB, a.ID)
	if gotA.Status != buildstate.Canceled {
		t.Errorf("A status = %q, want CANCELED", gotA.Status)
	}
	if gotA.StatusInfo != buildstate.InfoSuperseded {
		t.Errorf("A status_info = %q", gotA.StatusInfo)
	}
	if gotA.EndedOn == nil || gotA.ActiveKey != nil {
		t.Error("canceled build must have ended_on and no active key")
	}
	if b.Status != buildstate.Queued {
		t.Errorf("B status = %q, want QUEUED", b.Status)
	}
	env := reloadEnv(t, gormDB, b.EnvironmentID)
	if env.LatestBuildID == nil || *env.LatestBuildID != b.ID {
		t.Errorf("LatestBuildID = %v, want %d", env.LatestBuildID, b.ID)
	}
}

func TestRegisterBuild_SupersedesBuildingBuild(t *testing.T) {
	gormDB := openTestDB(t)
	spec := mustSpec(t, gormDB, specN(11))

	first := mustRegister(t, gormDB, "ns", "env", spec.ID)
	claimed := mustClaim(t, gormDB, "task-1")
	if claimed.ID != first.ID {
		t.Fatalf("claimed %d, want %d", claimed.ID, first.ID)
	}

	mustRegister(t, gormDB, "ns", "env", spec.ID)

	got := reload(t, gormDB, first.ID)
	if got.Status != buildstate.Canceled || got.TaskID != nil {
		t.Errorf("superseded building build: status=%s task=%v", got.Status, got.TaskID)
	}
	if _, err := CheckLease(gormDB, first.ID, "task-1"); !errors.Is(err, ErrLeaseLost) {
		t.Errorf("CheckLease error = %v, want ErrLeaseLost", err)
	}
}

func TestRegisterBuild_SameSpecTwoEnvironments(t *testing.T) {
	gormDB := openTestDB(t)
	spec := mustSpec(t, gormDB, specN(11))

	a := mustRegister(t, gormDB, "ns1", "x", spec.ID)
	b := mustRegister(t, gormDB, "ns2", "y", spec.ID)
	if a.Hash != b.Hash {
		t.Error("same spec in two environments must share the prefix hash")
	}
	if reload(t, gormDB, a.ID).Status != buildstate.Queued {
		t.Error("registration in another environment must not cancel a build")
	}
}

// The active key index rejects a second non-terminal build for one pair even
// if application code were to skip the supersede step.
func TestActiveKeyUniqueness(t *testing.T) {
	gormDB := openTestDB(t)
	spec := mustSpec(t, gormDB, specN(11))
	b := mustRegister(t, gormDB, "ns", "env", spec.ID)

	dup := models.Build{
		EnvironmentID:   b.EnvironmentID,
		SpecificationID: b.SpecificationID,
		Status:          buildstate.Queued,
		Hash:            b.Hash,
		BuildKeyVersion: 1,
		ActiveKey:       activeKey(b.EnvironmentID, b.SpecificationID),
		ScheduledOn:     now(),
	}
	if err := gormDB.Create(&dup).Error; err == nil {
		t.Fatal("expected unique violation for duplicate active key")
	}
}

func TestRegisterBuild_RestoresDeletedEnvironment(t *testing.T) {
	gormDB := openTestDB(t)
	spec := mustSpec(t, gormDB, specN(11))
	b := mustRegister(t, gormDB, "ns", "env", spec.ID)
	if _, err := RequestCancel(gormDB, b.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := ArchiveBuild(gormDB, b.ID); err != nil {
		t.Fatal(err)
	}
	if err := DeleteEnvironment(gormDB, b.EnvironmentID); err != nil {
		t.Fatalf("DeleteEnvironment: %v", err)
	}
	if _, err := GetEnvironment(gormDB, "ns", "env"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("deleted environment still visible: %v", err)
	}

	again := mustRegister(t, gormDB, "ns", "env", spec.ID)
	if again.EnvironmentID != b.EnvironmentID {
		t.Errorf("environment id = %d, want reuse of %d", again.EnvironmentID, b.EnvironmentID)
	}
	if _, err := GetEnvironment(gormDB, "ns", "env"); err != nil {
		t.Errorf("environment not restored: %v", err)
	}
}
