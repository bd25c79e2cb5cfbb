package catalog

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/conda-incubator/condastore/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GenerateWorkerID creates a worker ID in wrk-xxxxxxxx format (8-char hex).
func GenerateWorkerID() (string, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("catalog: generate worker ID: %w", err)
	}
	return "wrk-" + hex.EncodeToString(b), nil
}

// RegisterWorker upserts the liveness row for a worker process. An existing
// row keeps its initialized flag, so restarting a worker with a stable ID
// does not redo bootstrap.
func RegisterWorker(db *gorm.DB, id string, concurrency int) (*models.Worker, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: worker id is required", ErrValidation)
	}
	host, _ := os.Hostname()
	t := now()
	w := models.Worker{
		ID:           id,
		Hostname:     host,
		Concurrency:  concurrency,
		StartedAt:    t,
		LastActivity: t,
	}
	if err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"hostname", "concurrency", "started_at", "last_activity"}),
	}).Create(&w).Error; err != nil {
		return nil, fmt.Errorf("catalog: register worker %s: %w", id, err)
	}
	var stored models.Worker
	if err := db.First(&stored, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "worker", id)
	}
	return &stored, nil
}

// MarkWorkerInitialized records that bootstrap finished for a worker.
func MarkWorkerInitialized(db *gorm.DB, id string) error {
	result := db.Model(&models.Worker{}).Where("id = ?", id).Update("initialized", true)
	if result.Error != nil {
		return fmt.Errorf("catalog: mark worker %s initialized: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: worker %s", ErrNotFound, id)
	}
	return nil
}

// TouchWorker refreshes a worker's last_activity timestamp.
func TouchWorker(db *gorm.DB, id string) error {
	result := db.Model(&models.Worker{}).Where("id = ?", id).Update("last_activity", now())
	if result.Error != nil {
		return fmt.Errorf("catalog: touch worker %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: worker %s", ErrNotFound, id)
	}
	return nil
}

// RemoveWorker deletes a worker's liveness row on clean shutdown.
func RemoveWorker(db *gorm.DB, id string) error {
	if err := db.Delete(&models.Worker{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("catalog: remove worker %s: %w", id, err)
	}
	return nil
}
