package models

import (
	"time"

	"gorm.io/datatypes"
)

type PublicationStatus string

const (
	StatusPending    PublicationStatus = "pending"
	StatusProcessing PublicationStatus = "processing"
	StatusSuccess    PublicationStatus = "success"
	StatusFailed     PublicationStatus = "failed"
)

// Terminal reports whether no job of the current lineage is expected to change the status.
func (s PublicationStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// PublicationTarget tracks one (post, platform) pair. It is created once and
// then transitioned in place.
type PublicationTarget struct {
	ID              uint              `gorm:"primaryKey" json:"id"`
	PostID          uint              `gorm:"not null;uniqueIndex:idx_publication_post_platform" json:"post_id"`
	PlatformName    Platform          `gorm:"size:50;not null;uniqueIndex:idx_publication_post_platform" json:"platform_name"`
	Status          PublicationStatus `gorm:"size:20;not null;default:'pending';index" json:"status"`
	Generation      int64             `gorm:"not null;default:0" json:"generation"`
	PlatformPostID  string            `gorm:"size:255" json:"platform_post_id"`
	PlatformPostURL string            `gorm:"size:1000" json:"platform_post_url"`
	ErrorMessage    string            `gorm:"type:text" json:"error_message"`
	ErrorDetails    datatypes.JSON    `gorm:"type:jsonb" json:"error_details,omitempty"`
	RetryCount      int               `gorm:"not null;default:0" json:"retry_count"`
	NextRetryAt     *time.Time        `json:"next_retry_at"`
	PublishedAt     *time.Time        `json:"published_at"`
	LastJobID       string            `gorm:"size:64" json:"last_job_id"`
	CreatedAt       time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}

func (PublicationTarget) TableName() string {
	return "publication_targets"
}
