package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Term represents an academic term. An offering is considered current
// (and therefore eligible for periodic playlist reconciliation) while
// the wall clock falls inside its term window.
type Term struct {
	ID        string    `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"not null" json:"name"`
	StartDate time.Time `gorm:"column:start_date" json:"start_date"`
	EndDate   time.Time `gorm:"column:end_date" json:"end_date"`
	Entity
}

// BeforeCreate hook to generate UUID before creating record
func (t *Term) BeforeCreate(tx *gorm.DB) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	return nil
}

// TableName specifies the table name for GORM
func (Term) TableName() string {
	return "terms"
}

// IsCurrent reports whether now falls inside the term window.
func (t *Term) IsCurrent(now time.Time) bool {
	return !now.Before(t.StartDate) && !now.After(t.EndDate)
}

// Offering is one run of a course in a term; playlists hang off it.
type Offering struct {
	ID         string `gorm:"primaryKey" json:"id"`
	TermID     string `gorm:"not null;column:term_id;index" json:"term_id"`
	CourseName string `gorm:"column:course_name" json:"course_name"`
	SectionID  string `gorm:"column:section_id" json:"section_id"`
	Entity
}

// BeforeCreate hook to generate UUID before creating record
func (o *Offering) BeforeCreate(tx *gorm.DB) error {
	if o.ID == "" {
		o.ID = uuid.New().String()
	}
	return nil
}

// TableName specifies the table name for GORM
func (Offering) TableName() string {
	return "offerings"
}
