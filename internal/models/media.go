package models

import (
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Media is one lecture recording discovered on a playlist. The download
// stage fills DownloadedFile; the audio-extract stage fills AudioFile.
type Media struct {
	ID             string `gorm:"primaryKey" json:"id"`
	PlaylistID     string `gorm:"not null;column:playlist_id;index" json:"playlist_id"`
	SourceID       string `gorm:"not null;column:source_id;index" json:"source_id"`
	Name           string `json:"name"`
	DownloadURL    string `gorm:"column:download_url" json:"download_url"`
	DownloadedFile string `gorm:"column:downloaded_file" json:"downloaded_file"`
	AudioFile      string `gorm:"column:audio_file" json:"audio_file"`
	Entity
}

// BeforeCreate hook to generate UUID before creating record
func (m *Media) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	return nil
}

// TableName specifies the table name for GORM
func (Media) TableName() string {
	return "medias"
}

// Video carries the processed artifacts derived from a media file.
type Video struct {
	ID              string  `gorm:"primaryKey" json:"id"`
	MediaID         string  `gorm:"not null;column:media_id;index" json:"media_id"`
	VideoFile       string  `gorm:"column:video_file" json:"video_file"`
	ProcessedFile   string  `gorm:"column:processed_file" json:"processed_file"`
	SceneDataJSON   string  `gorm:"type:text;column:scene_data_json" json:"scene_data_json"`
	DurationSeconds float64 `gorm:"column:duration_seconds" json:"duration_seconds"`
	Entity
}

// BeforeCreate hook to generate UUID before creating record
func (v *Video) BeforeCreate(tx *gorm.DB) error {
	if v.ID == "" {
		v.ID = uuid.New().String()
	}
	return nil
}

// TableName specifies the table name for GORM
func (Video) TableName() string {
	return "videos"
}
