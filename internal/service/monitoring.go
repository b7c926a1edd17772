package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/ifuryst/crosspost/internal/models"
)

const (
	MetricPublishSuccess = "publish_success"
	MetricPublishFailure = "publish_failure"
	MetricPublishRetry   = "publish_retry"
)

type MonitoringService struct {
	db     *gorm.DB
	logger *zap.Logger
	now    func() time.Time
}

func NewMonitoringService(db *gorm.DB, logger *zap.Logger) *MonitoringService {
	return &MonitoringService{
		db:     db,
		logger: logger,
		now:    time.Now,
	}
}

// RecordError stores an operator-facing error log entry.
func (m *MonitoringService) RecordError(ctx context.Context, level, source, title, message string, options ...ErrorLogOption) error {
	errorLog := &models.ErrorLog{
		Level:   level,
		Source:  source,
		Title:   title,
		Message: message,
	}

	for _, option := range options {
		option(errorLog)
	}

	if err := m.db.WithContext(ctx).Create(errorLog).Error; err != nil {
		return fmt.Errorf("failed to record error log: %w", err)
	}
	return nil
}

type ErrorLogOption func(*models.ErrorLog)

func WithPlatform(platform models.Platform) ErrorLogOption {
	return func(e *models.ErrorLog) {
		e.PlatformName = platform.String()
	}
}

func WithPost(postID uint) ErrorLogOption {
	return func(e *models.ErrorLog) {
		e.PostID = &postID
	}
}

func WithJob(jobID string) ErrorLogOption {
	return func(e *models.ErrorLog) {
		e.JobID = jobID
	}
}

func WithContext(context map[string]any) ErrorLogOption {
	return func(e *models.ErrorLog) {
		if contextBytes, err := json.Marshal(context); err == nil {
			e.Context = datatypes.JSON(contextBytes)
		}
	}
}

// RecordMetric stores one metric sample.
func (m *MonitoringService) RecordMetric(ctx context.Context, name, metricType string, value float64, tags map[string]any) error {
	metric := &models.MetricsSample{
		MetricName: name,
		MetricType: metricType,
		Value:      value,
		Timestamp:  m.now(),
	}
	if tags != nil {
		if tagsBytes, err := json.Marshal(tags); err == nil {
			metric.Tags = datatypes.JSON(tagsBytes)
		}
	}

	if err := m.db.WithContext(ctx).Create(metric).Error; err != nil {
		return fmt.Errorf("failed to record metric: %w", err)
	}
	return nil
}

// UpdatePlatformStats recomputes today's rollup row for every platform that has targets.
func (m *MonitoringService) UpdatePlatformStats(ctx context.Context) error {
	db := m.db.WithContext(ctx)
	now := m.now().UTC()
	today := now.Truncate(24 * time.Hour)

	var platforms []models.Platform
	if err := db.Model(&models.PublicationTarget{}).Distinct().Pluck("platform_name", &platforms).Error; err != nil {
		return fmt.Errorf("failed to list platforms: %w", err)
	}

	for _, platform := range platforms {
		var total, success, failed, pending, retrying int64
		scope := db.Model(&models.PublicationTarget{}).Where("platform_name = ?", platform).Session(&gorm.Session{})
		scope.Count(&total)
		scope.Where("status = ?", models.StatusSuccess).Count(&success)
		scope.Where("status = ?", models.StatusFailed).Count(&failed)
		scope.Where("status IN ?", []models.PublicationStatus{models.StatusPending, models.StatusProcessing}).Count(&pending)
		scope.Where("status = ? AND next_retry_at IS NOT NULL", models.StatusFailed).Count(&retrying)

		var lastSuccess, lastFailure models.PublicationTarget
		db.Where("platform_name = ? AND status = ?", platform, models.StatusSuccess).Order("published_at desc").Limit(1).Find(&lastSuccess)
		db.Where("platform_name = ? AND status = ?", platform, models.StatusFailed).Order("updated_at desc").Limit(1).Find(&lastFailure)

		var errorCount int64
		db.Model(&models.ErrorLog{}).Where("platform_name = ? AND created_at >= ?", platform.String(), today).Count(&errorCount)

		stats := models.PlatformStats{
			Date:           today,
			PlatformName:   platform,
			TotalTargets:   int(total),
			SuccessTargets: int(success),
			FailedTargets:  int(failed),
			PendingTargets: int(pending),
			RetryingCount:  int(retrying),
			ErrorCount:     int(errorCount),
		}
		if lastSuccess.ID != 0 {
			stats.LastSuccessAt = lastSuccess.PublishedAt
		}
		if lastFailure.ID != 0 {
			updatedAt := lastFailure.UpdatedAt
			stats.LastFailureAt = &updatedAt
		}

		var existing models.PlatformStats
		err := db.Where("date = ? AND platform_name = ?", today, platform).First(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			if err := db.Create(&stats).Error; err != nil {
				return fmt.Errorf("failed to create platform stats: %w", err)
			}
		case err != nil:
			return fmt.Errorf("failed to load platform stats: %w", err)
		default:
			if err := db.Model(&existing).Updates(map[string]any{
				"total_targets":   stats.TotalTargets,
				"success_targets": stats.SuccessTargets,
				"failed_targets":  stats.FailedTargets,
				"pending_targets": stats.PendingTargets,
				"retrying_count":  stats.RetryingCount,
				"error_count":     stats.ErrorCount,
				"last_success_at": stats.LastSuccessAt,
				"last_failure_at": stats.LastFailureAt,
			}).Error; err != nil {
				return fmt.Errorf("failed to update platform stats: %w", err)
			}
		}
	}

	return nil
}

// GetPlatformStats returns the rollups of the last days.
func (m *MonitoringService) GetPlatformStats(ctx context.Context, days int) ([]models.PlatformStats, error) {
	stats := make([]models.PlatformStats, 0)
	startDate := m.now().UTC().AddDate(0, 0, -days).Truncate(24 * time.Hour)

	err := m.db.WithContext(ctx).
		Where("date >= ?", startDate).
		Order("date desc, platform_name").
		Find(&stats).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get platform stats: %w", err)
	}
	return stats, nil
}

// GetRecentErrors returns the newest error log entries.
func (m *MonitoringService) GetRecentErrors(ctx context.Context, limit int) ([]models.ErrorLog, error) {
	logs := make([]models.ErrorLog, 0)
	if err := m.db.WithContext(ctx).Order("created_at desc").Limit(limit).Find(&logs).Error; err != nil {
		return nil, fmt.Errorf("failed to get recent errors: %w", err)
	}
	return logs, nil
}

// CleanupOldData drops metrics, rollups and resolved errors older than daysToKeep.
func (m *MonitoringService) CleanupOldData(ctx context.Context, daysToKeep int) error {
	db := m.db.WithContext(ctx)
	cutoffDate := m.now().AddDate(0, 0, -daysToKeep)

	if err := db.Where("timestamp < ?", cutoffDate).Delete(&models.MetricsSample{}).Error; err != nil {
		return fmt.Errorf("failed to cleanup metrics samples: %w", err)
	}

	if err := db.Where("date < ?", cutoffDate).Delete(&models.PlatformStats{}).Error; err != nil {
		return fmt.Errorf("failed to cleanup platform stats: %w", err)
	}

	if err := db.Where("created_at < ? AND resolved = ?", cutoffDate, true).Delete(&models.ErrorLog{}).Error; err != nil {
		return fmt.Errorf("failed to cleanup resolved errors: %w", err)
	}

	return nil
}
