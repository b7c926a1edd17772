package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ifuryst/crosspost/internal/models"
	"github.com/ifuryst/crosspost/pkg/util"
)

// MaxErrorMessageLength bounds error_message, in runes.
const MaxErrorMessageLength = 500

// maxPrepareAttempts bounds the optimistic generation bump in Prepare.
const maxPrepareAttempts = 5

var (
	// ErrStaleGeneration is returned when a job belongs to a superseded lineage.
	ErrStaleGeneration = errors.New("publication target has a newer generation")
	ErrConflict        = errors.New("publication target changed concurrently")
)

// Success is what the executor records after an adapter returns a post.
type Success struct {
	PlatformPostID  string
	PlatformPostURL string
	PublishedAt     *time.Time
	Details         map[string]any
}

// Failure is what the executor records after an attempt fails.
type Failure struct {
	Message     string
	Details     map[string]any
	Transient   bool
	NextRetryAt *time.Time
}

// PublicationStore owns the publication_targets table.
type PublicationStore struct {
	db  *gorm.DB
	now func() time.Time
}

func NewPublicationStore(db *gorm.DB) *PublicationStore {
	return &PublicationStore{db: db, now: time.Now}
}

// Prepare makes sure the (post, platform) row exists and opens a new job
// lineage on it. The row is reset to pending and cleared of the previous
// outcome. The returned row carries the new generation.
func (s *PublicationStore) Prepare(ctx context.Context, postID uint, platform models.Platform) (*models.PublicationTarget, error) {
	db := s.db.WithContext(ctx)

	seed := models.PublicationTarget{PostID: postID, PlatformName: platform, Status: models.StatusPending}
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
		return nil, fmt.Errorf("failed to create publication target: %w", err)
	}

	for attempt := 0; attempt < maxPrepareAttempts; attempt++ {
		var current models.PublicationTarget
		if err := db.Where("post_id = ? AND platform_name = ?", postID, platform).First(&current).Error; err != nil {
			return nil, fmt.Errorf("failed to load publication target: %w", err)
		}

		res := db.Model(&models.PublicationTarget{}).
			Where("id = ? AND generation = ?", current.ID, current.Generation).
			Updates(map[string]any{
				"generation":        current.Generation + 1,
				"status":            models.StatusPending,
				"error_message":     "",
				"error_details":     nil,
				"platform_post_id":  "",
				"platform_post_url": "",
				"retry_count":       0,
				"next_retry_at":     nil,
				"published_at":      nil,
			})
		if res.Error != nil {
			return nil, fmt.Errorf("failed to reset publication target: %w", res.Error)
		}
		if res.RowsAffected == 1 {
			return s.getByID(ctx, current.ID)
		}
	}

	return nil, fmt.Errorf("failed to prepare publication target for post %d on %s: %w", postID, platform, ErrConflict)
}

// Begin marks the row as processing for job. It creates the row when it is
// missing, and returns ErrStaleGeneration when a newer lineage owns the row.
func (s *PublicationStore) Begin(ctx context.Context, job *models.Job) (*models.PublicationTarget, error) {
	db := s.db.WithContext(ctx)

	res := db.Model(&models.PublicationTarget{}).
		Where("post_id = ? AND platform_name = ? AND generation = ?", job.PostID, job.Platform, job.Generation).
		Updates(map[string]any{
			"status":      models.StatusProcessing,
			"last_job_id": job.ID,
		})
	if res.Error != nil {
		return nil, fmt.Errorf("failed to mark publication target processing: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return s.Get(ctx, job.PostID, job.Platform)
	}

	existing, err := s.Get(ctx, job.PostID, job.Platform)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, ErrStaleGeneration
	}

	row := models.PublicationTarget{
		PostID:       job.PostID,
		PlatformName: job.Platform,
		Status:       models.StatusProcessing,
		Generation:   job.Generation,
		LastJobID:    job.ID,
	}
	created := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if created.Error != nil {
		return nil, fmt.Errorf("failed to create publication target: %w", created.Error)
	}
	if created.RowsAffected == 0 {
		// Someone else created it between our read and insert.
		return nil, ErrStaleGeneration
	}
	return &row, nil
}

// Complete records a successful publish for job.
func (s *PublicationStore) Complete(ctx context.Context, job *models.Job, result Success) error {
	publishedAt := result.PublishedAt
	if publishedAt == nil {
		now := s.now()
		publishedAt = &now
	}

	return s.updateForJob(ctx, job, map[string]any{
		"status":            models.StatusSuccess,
		"platform_post_id":  result.PlatformPostID,
		"platform_post_url": result.PlatformPostURL,
		"published_at":      publishedAt,
		"error_message":     "",
		"error_details":     encodeDetails(result.Details),
		"next_retry_at":     nil,
	})
}

// Fail records a failed attempt for job. Transient failures count toward retry_count.
func (s *PublicationStore) Fail(ctx context.Context, job *models.Job, failure Failure) error {
	updates := map[string]any{
		"status":        models.StatusFailed,
		"error_message": util.Truncate(failure.Message, MaxErrorMessageLength),
		"error_details": encodeDetails(failure.Details),
		"next_retry_at": failure.NextRetryAt,
	}
	if failure.Transient {
		updates["retry_count"] = gorm.Expr("retry_count + 1")
	}
	return s.updateForJob(ctx, job, updates)
}

// AbandonRetry turns a failure recorded with a pending retry into a terminal
// one after the retry could not be queued.
func (s *PublicationStore) AbandonRetry(ctx context.Context, job *models.Job, message string) error {
	return s.updateForJob(ctx, job, map[string]any{
		"error_message": util.Truncate(message, MaxErrorMessageLength),
		"next_retry_at": nil,
	})
}

// MarkDispatchFailed fails a freshly prepared row whose job never reached the queue.
func (s *PublicationStore) MarkDispatchFailed(ctx context.Context, target *models.PublicationTarget, message string) error {
	res := s.db.WithContext(ctx).Model(&models.PublicationTarget{}).
		Where("id = ? AND generation = ?", target.ID, target.Generation).
		Updates(map[string]any{
			"status":        models.StatusFailed,
			"error_message": util.Truncate(message, MaxErrorMessageLength),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to mark dispatch failure: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrStaleGeneration
	}
	return nil
}

// Get returns the row for (post, platform), or nil when there is none.
func (s *PublicationStore) Get(ctx context.Context, postID uint, platform models.Platform) (*models.PublicationTarget, error) {
	var target models.PublicationTarget
	err := s.db.WithContext(ctx).Where("post_id = ? AND platform_name = ?", postID, platform).First(&target).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get publication target: %w", err)
	}
	return &target, nil
}

// ListByPost returns every row of a post ordered by platform.
func (s *PublicationStore) ListByPost(ctx context.Context, postID uint) ([]models.PublicationTarget, error) {
	targets := make([]models.PublicationTarget, 0)
	if err := s.db.WithContext(ctx).
		Where("post_id = ?", postID).
		Order("platform_name ASC").
		Find(&targets).Error; err != nil {
		return nil, fmt.Errorf("failed to list publication targets: %w", err)
	}
	return targets, nil
}

func (s *PublicationStore) getByID(ctx context.Context, id uint) (*models.PublicationTarget, error) {
	var target models.PublicationTarget
	if err := s.db.WithContext(ctx).First(&target, id).Error; err != nil {
		return nil, fmt.Errorf("failed to reload publication target: %w", err)
	}
	return &target, nil
}

func (s *PublicationStore) updateForJob(ctx context.Context, job *models.Job, updates map[string]any) error {
	res := s.db.WithContext(ctx).Model(&models.PublicationTarget{}).
		Where("post_id = ? AND platform_name = ? AND generation = ?", job.PostID, job.Platform, job.Generation).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to update publication target: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrStaleGeneration
	}
	return nil
}

func encodeDetails(details map[string]any) any {
	if len(details) == 0 {
		return nil
	}
	raw, err := json.Marshal(details)
	if err != nil {
		raw, _ = json.Marshal(map[string]string{"encode_error": err.Error()})
	}
	return datatypes.JSON(raw)
}
