package models

import "time"

// Build is one attempt to materialize a specification into a prefix.
//
// ActiveKey is "<environment_id>:<specification_id>" while the build is
// non-terminal and NULL afterwards; its unique index lets the database
// reject a second live build for the same pair.
type Build struct {
	ID              uint      `gorm:"primaryKey;autoIncrement"`
	EnvironmentID   uint      `gorm:"not null;index"`
	SpecificationID uint      `gorm:"not null;index"`
	Status          string    `gorm:"size:16;not null;index"`
	StatusInfo      string    `gorm:"type:text"`
	Hash            string    `gorm:"size:64;not null;index"`
	BuildKeyVersion int       `gorm:"not null;default:1"`
	TaskID          *string   `gorm:"size:128;uniqueIndex"`
	ActiveKey       *string   `gorm:"size:64;uniqueIndex"`
	CancelRequested bool      `gorm:"default:false"`
	Attempts        int       `gorm:"default:0"`
	ScheduledOn     time.Time `gorm:"not null;index"`
	StartedOn       *time.Time
	HeartbeatOn     *time.Time
	EndedOn         *time.Time
	DeletedOn       *time.Time
	ArchivedOn      *time.Time

	Environment   *Environment    `gorm:"foreignKey:EnvironmentID;constraint:OnDelete:RESTRICT"`
	Specification *Specification  `gorm:"foreignKey:SpecificationID;constraint:OnDelete:RESTRICT"`
	Artifacts     []BuildArtifact `gorm:"foreignKey:BuildID"`
}

// NewerThan reports whether b was scheduled after other. Equal timestamps
// fall back to row order so the comparison is total.
func (b *Build) NewerThan(other *Build) bool {
	if other == nil {
		return true
	}
	if b.ScheduledOn.Equal(other.ScheduledOn) {
		return b.ID > other.ID
	}
	return b.ScheduledOn.After(other.ScheduledOn)
}
