package models

import "time"

// KeyValue is a runtime setting addressed by (prefix, key).
type KeyValue struct {
	Prefix    string `gorm:"primaryKey;size:128"`
	Key       string `gorm:"primaryKey;size:128"`
	Value     string `gorm:"type:text"`
	UpdatedAt time.Time
}

// TableName keeps the historical table name.
func (KeyValue) TableName() string {
	return "keyvaluestore"
}

// MaxWorkerIDLength bounds worker ids so that "<id>/<uuid>" task ids fit
// their columns.
const MaxWorkerIDLength = 64

// Worker is a one-row-per-worker-process liveness marker.
type Worker struct {
	ID           string `gorm:"primaryKey;size:64"`
	Hostname     string `gorm:"size:255"`
	Initialized  bool   `gorm:"default:false"`
	Concurrency  int
	StartedAt    time.Time
	LastActivity time.Time `gorm:"index"`
}
