package models

import (
	"time"

	"gorm.io/gorm"
)

// Entity carries the soft lifecycle fields shared by every persisted record.
// Rows are never physically deleted; gorm.DeletedAt scopes all queries to
// non-deleted rows, so uniqueness checks only see live records.
type Entity struct {
	CreatedAt     time.Time      `json:"created_at"`
	CreatedBy     string         `gorm:"column:created_by" json:"created_by"`
	UpdatedAt     time.Time      `json:"updated_at"`
	LastUpdatedBy string         `gorm:"column:last_updated_by" json:"last_updated_by"`
	DeletedAt     gorm.DeletedAt `gorm:"index" json:"-"`
	DeletedBy     string         `gorm:"column:deleted_by" json:"-"`
}

// IsDeleted reports whether the record has been soft-deleted.
func (e Entity) IsDeleted() bool {
	return e.DeletedAt.Valid
}
