package models

import (
	"time"

	"gorm.io/datatypes"
)

// PlatformStats is a daily per-platform rollup of publication targets.
type PlatformStats struct {
	ID             uint       `gorm:"primaryKey" json:"id"`
	Date           time.Time  `gorm:"not null;uniqueIndex:idx_platform_stats_day" json:"date"`
	PlatformName   Platform   `gorm:"size:50;not null;uniqueIndex:idx_platform_stats_day" json:"platform_name"`
	TotalTargets   int        `gorm:"default:0" json:"total_targets"`
	SuccessTargets int        `gorm:"default:0" json:"success_targets"`
	FailedTargets  int        `gorm:"default:0" json:"failed_targets"`
	PendingTargets int        `gorm:"default:0" json:"pending_targets"`
	RetryingCount  int        `gorm:"default:0" json:"retrying_count"` // failed rows with a retry scheduled
	LastSuccessAt  *time.Time `json:"last_success_at"`
	LastFailureAt  *time.Time `json:"last_failure_at"`
	ErrorCount     int        `gorm:"default:0" json:"error_count"`
	CreatedAt      time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// ErrorLog keeps terminal publish failures and dispatch failures for operators.
type ErrorLog struct {
	ID           uint           `gorm:"primaryKey" json:"id"`
	Level        string         `gorm:"size:20;not null;index" json:"level"`   // ERROR, WARN, INFO
	Source       string         `gorm:"size:100;not null;index" json:"source"` // dispatcher, executor, scheduler
	PlatformName string         `gorm:"size:50;index" json:"platform_name"`
	PostID       *uint          `gorm:"index" json:"post_id"`
	JobID        string         `gorm:"size:64;index" json:"job_id"`
	Title        string         `gorm:"size:500;not null" json:"title"`
	Message      string         `gorm:"type:text;not null" json:"message"`
	Context      datatypes.JSON `gorm:"type:jsonb" json:"context"`
	Resolved     bool           `gorm:"default:false;index" json:"resolved"`
	ResolvedAt   *time.Time     `json:"resolved_at"`
	CreatedAt    time.Time      `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt    time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}

type MetricsSample struct {
	ID         uint           `gorm:"primaryKey" json:"id"`
	MetricName string         `gorm:"size:100;not null;index" json:"metric_name"`
	MetricType string         `gorm:"size:50;not null" json:"metric_type"` // gauge, counter, histogram
	Value      float64        `gorm:"not null" json:"value"`
	Tags       datatypes.JSON `gorm:"type:jsonb" json:"tags"`
	Timestamp  time.Time      `gorm:"not null;index" json:"timestamp"`
	CreatedAt  time.Time      `gorm:"autoCreateTime" json:"created_at"`
}
