package catalog

import (
	"errors"
	"testing"

	"github.com/conda-incubator/condastore/internal/fingerprint"
	"github.com/conda-incubator/condastore/internal/models"
)

func TestFindOrCreateSpecification_Dedup(t *testing.T) {
	gormDB := openTestDB(t)

	a, err := fingerprint.Parse([]byte(`{"name":"x","channels":["conda-forge","defaults"],"dependencies":["python=3.11","numpy"]}`))
	if err != nil {
		t.Fatal(err)
	}
	b, err := fingerprint.Parse([]byte(`{"dependencies":["numpy","python=3.11"],"name":"x","channels":["defaults","conda-forge"]}`))
	if err != nil {
		t.Fatal(err)
	}

	first, created, err := FindOrCreateSpecification(gormDB, a)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	if !created {
		t.Error("first call should create the row")
	}
	second, created, err := FindOrCreateSpecification(gormDB, b)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if created {
		t.Error("second call should reuse the row")
	}
	if first.ID != second.ID {
		t.Errorf("IDs differ: %d vs %d", first.ID, second.ID)
	}

	var count int64
	gormDB.Model(&models.Specification{}).Count(&count)
	if count != 1 {
		t.Errorf("specification rows = %d, want 1", count)
	}
}

func TestFindOrCreateSpecification_Nil(t *testing.T) {
	gormDB := openTestDB(t)
	_, _, err := FindOrCreateSpecification(gormDB, nil)
	if !errors.Is(err, ErrValidation) {
		t.Errorf("error = %v, want ErrValidation", err)
	}
}

func TestGetSpecification_NotFound(t *testing.T) {
	gormDB := openTestDB(t)
	_, err := GetSpecification(gormDB, 42)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}
