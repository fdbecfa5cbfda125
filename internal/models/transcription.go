package models

import (
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// TranscriptionStatus tracks whether a transcription has produced a
// usable caption file yet.
type TranscriptionStatus string

const (
	TranscriptionPending  TranscriptionStatus = "pending"
	TranscriptionFinished TranscriptionStatus = "finished"
)

// Transcription is the speech-to-text output for one video, in one
// language, plus the caption file generated from it.
type Transcription struct {
	ID             string              `gorm:"primaryKey" json:"id"`
	VideoID        string              `gorm:"not null;column:video_id;index" json:"video_id"`
	Language       string              `gorm:"not null;default:en-US" json:"language"`
	TranscriptJSON string              `gorm:"type:text;column:transcript_json" json:"transcript_json"`
	CaptionFile    string              `gorm:"column:caption_file" json:"caption_file"`
	Status         TranscriptionStatus `gorm:"not null;default:pending" json:"status"`
	Entity
}

// BeforeCreate hook to generate UUID before creating record
func (t *Transcription) BeforeCreate(tx *gorm.DB) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	return nil
}

// TableName specifies the table name for GORM
func (Transcription) TableName() string {
	return "transcriptions"
}

// SearchDocument is the bookkeeping row for one indexed video. Index
// query semantics live in the search service; this table only records
// what has been pushed so BuildSearchIndex and CleanupSearchIndex can
// reconcile against it.
type SearchDocument struct {
	ID        string `gorm:"primaryKey" json:"id"`
	VideoID   string `gorm:"not null;column:video_id;uniqueIndex" json:"video_id"`
	IndexName string `gorm:"not null;column:index_name" json:"index_name"`
	Stale     bool   `gorm:"not null;default:false" json:"stale"`
	Entity
}

// BeforeCreate hook to generate UUID before creating record
func (d *SearchDocument) BeforeCreate(tx *gorm.DB) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	return nil
}

// TableName specifies the table name for GORM
func (SearchDocument) TableName() string {
	return "search_documents"
}
