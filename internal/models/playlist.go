package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// SourceType identifies the external lecture-capture provider a
// playlist is synced from.
type SourceType string

const (
	SourceEcho360   SourceType = "echo360"
	SourceYouTube   SourceType = "youtube"
	SourceKaltura   SourceType = "kaltura"
	SourceBoxFolder SourceType = "box"
	SourceLocal     SourceType = "local"
)

// Playlist is an external media collection attached to an offering.
type Playlist struct {
	ID               string     `gorm:"primaryKey" json:"id"`
	OfferingID       string     `gorm:"not null;column:offering_id;index" json:"offering_id"`
	Name             string     `json:"name"`
	SourceType       SourceType `gorm:"not null;column:source_type" json:"source_type"`
	SourceIdentifier string     `gorm:"not null;column:source_identifier" json:"source_identifier"`
	LastSyncedAt     *time.Time `gorm:"column:last_synced_at" json:"last_synced_at"`
	Entity
}

// BeforeCreate hook to generate UUID before creating record
func (p *Playlist) BeforeCreate(tx *gorm.DB) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	return nil
}

// TableName specifies the table name for GORM
func (Playlist) TableName() string {
	return "playlists"
}

// SyncedWithin reports whether the playlist was synced inside the
// staleness window ending at now.
func (p *Playlist) SyncedWithin(window time.Duration, now time.Time) bool {
	return p.LastSyncedAt != nil && now.Sub(*p.LastSyncedAt) <= window
}
