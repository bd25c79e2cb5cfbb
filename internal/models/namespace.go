package models

import (
	"time"

	"gorm.io/datatypes"
)

// Namespace is the top-level container for environments.
type Namespace struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	Name      string `gorm:"size:255;not null;uniqueIndex"`
	Metadata  datatypes.JSONMap
	DeletedOn *time.Time
}

// Environment is a named pointer, scoped to a namespace, to a current build.
// CurrentBuildID and LatestBuildID are plain columns rather than associations
// so the Environment<->Build cycle never has to be resolved at migrate time.
type Environment struct {
	ID             uint   `gorm:"primaryKey;autoIncrement"`
	NamespaceID    uint   `gorm:"not null;uniqueIndex:idx_env_namespace_name"`
	Name           string `gorm:"size:255;not null;uniqueIndex:idx_env_namespace_name"`
	Description    string `gorm:"type:text"`
	CurrentBuildID *uint
	LatestBuildID  *uint
	DeletedOn      *time.Time

	Namespace *Namespace `gorm:"foreignKey:NamespaceID;constraint:OnDelete:RESTRICT"`
}

// NamespaceMetadata converts a plain map to the JSON column type.
func NamespaceMetadata(m map[string]interface{}) datatypes.JSONMap {
	if m == nil {
		return datatypes.JSONMap{}
	}
	return datatypes.JSONMap(m)
}
