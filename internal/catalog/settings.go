package catalog

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/conda-incubator/condastore/internal/db"
	"github.com/conda-incubator/condastore/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GetSetting reads a key-value row. ok is false when the key is unset.
func GetSetting(db *gorm.DB, prefix, key string) (value string, ok bool, err error) {
	var kv models.KeyValue
	err = db.Where(&models.KeyValue{Prefix: prefix, Key: key}).First(&kv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("catalog: get setting %s/%s: %w", prefix, key, err)
	}
	return kv.Value, true, nil
}

// SetSetting upserts a key-value row.
func SetSetting(db *gorm.DB, prefix, key, value string) error {
	kv := models.KeyValue{Prefix: prefix, Key: key, Value: value, UpdatedAt: now()}
	if err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "prefix"}, {Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&kv).Error; err != nil {
		return fmt.Errorf("catalog: set setting %s/%s: %w", prefix, key, err)
	}
	return nil
}

// IntSetting reads an integer setting from the "settings" prefix, falling
// back to def when unset.
func IntSetting(gdb *gorm.DB, key string, def int) (int, error) {
	raw, ok, err := GetSetting(gdb, db.SettingsPrefix, key)
	if err != nil {
		return 0, err
	}
	if !ok {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: setting %s=%q is not an integer", ErrValidation, key, raw)
	}
	return n, nil
}

// BuildKeyVersion returns the build key version new builds are stamped with.
func BuildKeyVersion(gdb *gorm.DB, def int) (int, error) {
	v, err := IntSetting(gdb, db.KeyBuildKeyVersion, def)
	if err != nil {
		return 0, err
	}
	if v < 1 {
		return 0, fmt.Errorf("%w: build_key_version must be >= 1, got %d", ErrValidation, v)
	}
	return v, nil
}

// MaxConcurrentBuilds returns the deployment-wide BUILDING cap.
func MaxConcurrentBuilds(gdb *gorm.DB, def int) (int, error) {
	return IntSetting(gdb, db.KeyMaxConcurrentBuilds, def)
}
