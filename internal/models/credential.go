package models

import (
	"time"

	"gorm.io/datatypes"
)

// PlatformCredential is owned by the connections subsystem; the orchestrator only reads it.
type PlatformCredential struct {
	ID             uint              `gorm:"primaryKey" json:"id"`
	UserID         uint              `gorm:"not null;index:idx_credential_user_platform" json:"user_id"`
	PlatformName   string            `gorm:"size:50;not null;index:idx_credential_user_platform" json:"platform_name"`
	AccessToken    string            `gorm:"size:1000" json:"-"`
	APIKey         string            `gorm:"size:1000" json:"-"`
	RefreshToken   string            `gorm:"size:1000" json:"-"`
	ExpiresAt      *time.Time        `json:"expires_at"`
	PlatformData   datatypes.JSONMap `gorm:"type:jsonb" json:"platform_data"`
	PublicationID  string            `gorm:"size:255" json:"publication_id"`
	PlatformUserID string            `gorm:"size:255" json:"platform_user_id"`
}

func (PlatformCredential) TableName() string {
	return "platform_credentials"
}
