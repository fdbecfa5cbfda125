package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// OAuthCredential holds the persisted token pair for a third-party
// storage provider. Token columns are AES-GCM encrypted at rest and
// never exposed in JSON. One non-deleted row exists per provider.
type OAuthCredential struct {
	ID              string     `gorm:"primaryKey" json:"id"`
	Provider        string     `gorm:"not null;uniqueIndex" json:"provider"`
	AccessTokenEnc  string     `gorm:"not null;column:access_token_enc" json:"-"`
	RefreshTokenEnc string     `gorm:"not null;column:refresh_token_enc" json:"-"`
	ExpiresAt       *time.Time `gorm:"column:expires_at" json:"expires_at"`
	LastRefreshedAt *time.Time `gorm:"column:last_refreshed_at" json:"last_refreshed_at"`
	Entity
}

// BeforeCreate hook to generate UUID before creating record
func (c *OAuthCredential) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	return nil
}

// TableName specifies the table name for GORM
func (OAuthCredential) TableName() string {
	return "oauth_credentials"
}

// RefreshedWithin reports whether the pair was refreshed inside the
// window ending at now.
func (c *OAuthCredential) RefreshedWithin(window time.Duration, now time.Time) bool {
	return c.LastRefreshedAt != nil && now.Sub(*c.LastRefreshedAt) <= window
}
