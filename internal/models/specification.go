package models

import "time"

// Specification is an immutable, fingerprinted environment description.
// Spec holds the canonical JSON rendering.
type Specification struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	Name       string `gorm:"size:255;not null"`
	Spec       string `gorm:"type:text;not null"`
	SHA256     string `gorm:"column:sha256;size:64;not null;uniqueIndex"`
	IsLockfile bool   `gorm:"default:false"`
	CreatedAt  time.Time
}

// Solve is a specification-only lock request with no environment attached.
type Solve struct {
	ID              uint      `gorm:"primaryKey;autoIncrement"`
	SpecificationID uint      `gorm:"not null;index"`
	ScheduledOn     time.Time `gorm:"not null;index"`
	StartedOn       *time.Time
	HeartbeatOn     *time.Time
	EndedOn         *time.Time
	TaskID          *string `gorm:"size:128"`
	Attempts        int     `gorm:"default:0"`
	StatusInfo      string  `gorm:"type:text"`
	PackageBuilds   string  `gorm:"type:longtext"`

	Specification *Specification `gorm:"foreignKey:SpecificationID;constraint:OnDelete:RESTRICT"`
}
