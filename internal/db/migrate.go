package db

import (
	"fmt"
	"strconv"

	"github.com/conda-incubator/condastore/internal/config"
	"github.com/conda-incubator/condastore/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Settings keys stored under SettingsPrefix in the key-value table.
const (
	SettingsPrefix         = "settings"
	KeyBuildKeyVersion     = "build_key_version"
	KeyMaxConcurrentBuilds = "max_concurrent_builds"
)

// AllModels returns every catalog model in dependency order.
func AllModels() []interface{} {
	return []interface{}{
		&models.Namespace{},
		&models.Specification{},
		&models.Environment{},
		&models.Build{},
		&models.BuildArtifact{},
		&models.Solve{},
		&models.KeyValue{},
		&models.Worker{},
	}
}

// AutoMigrate creates or updates all catalog tables. Migrations are additive.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}

// SeedSettings writes configuration-derived defaults into the key-value table
// without overwriting values an operator has already changed.
func SeedSettings(db *gorm.DB, cfg *config.Config) error {
	defaults := map[string]string{
		KeyBuildKeyVersion:     strconv.Itoa(cfg.BuildKeyVersion),
		KeyMaxConcurrentBuilds: strconv.Itoa(cfg.Worker.Concurrency),
	}
	for key, value := range defaults {
		kv := models.KeyValue{Prefix: SettingsPrefix, Key: key, Value: value}
		result := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&kv)
		if result.Error != nil {
			return fmt.Errorf("db: seed setting %q: %w", key, result.Error)
		}
	}
	return nil
}
