package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ifuryst/crosspost/internal/models"
	"github.com/ifuryst/crosspost/internal/queue"
	"github.com/ifuryst/crosspost/internal/store"
)

// JobStatusUnknown is reported for ids the result backend does not know,
// including ids whose state already expired.
const JobStatusUnknown = "UNKNOWN"

var ErrPostNotFound = errors.New("post not found")

type JobStatusView struct {
	TaskID     string         `json:"task_id"`
	Status     string         `json:"status"`
	Ready      bool           `json:"ready"`
	Successful bool           `json:"successful"`
	Failed     bool           `json:"failed"`
	Result     map[string]any `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
}

type PlatformStatusView struct {
	PlatformName    models.Platform          `json:"platform_name"`
	Status          models.PublicationStatus `json:"status"`
	PlatformPostID  *string                  `json:"platform_post_id"`
	PlatformPostURL *string                  `json:"platform_post_url"`
	PublishedAt     *time.Time               `json:"published_at"`
	ErrorMessage    *string                  `json:"error_message"`
	RetryCount      int                      `json:"retry_count"`
	UpdatedAt       *time.Time               `json:"updated_at,omitempty"`
}

type PostStatusView struct {
	PostID    uint                 `json:"post_id"`
	PostTitle string               `json:"post_title"`
	Platforms []PlatformStatusView `json:"platforms"`
}

type PublishHistoryView struct {
	PostID         uint                 `json:"post_id"`
	PostTitle      string               `json:"post_title"`
	PublishHistory []PlatformStatusView `json:"publish_history"`
}

// StatusService answers polling requests. It never writes.
type StatusService struct {
	targets *store.PublicationStore
	posts   *store.PostRepository
	results queue.ResultBackend
}

func NewStatusService(targets *store.PublicationStore, posts *store.PostRepository, results queue.ResultBackend) *StatusService {
	return &StatusService{targets: targets, posts: posts, results: results}
}

func (s *StatusService) JobStatus(ctx context.Context, jobID string) (*JobStatusView, error) {
	state, err := s.results.GetState(ctx, jobID)
	if errors.Is(err, queue.ErrJobNotFound) {
		return &JobStatusView{TaskID: jobID, Status: JobStatusUnknown}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job state: %w", err)
	}

	return &JobStatusView{
		TaskID:     jobID,
		Status:     string(state.Status),
		Ready:      state.Status.Ready(),
		Successful: state.Status == models.JobSuccess,
		Failed:     state.Status == models.JobFailure,
		Result:     state.Result,
		Error:      state.Error,
	}, nil
}

func (s *StatusService) PostStatus(ctx context.Context, userID, postID uint) (*PostStatusView, error) {
	post, targets, err := s.load(ctx, userID, postID)
	if err != nil {
		return nil, err
	}

	view := &PostStatusView{PostID: post.ID, PostTitle: post.Title, Platforms: make([]PlatformStatusView, 0, len(targets))}
	for _, target := range targets {
		view.Platforms = append(view.Platforms, toPlatformStatus(target, true))
	}
	return view, nil
}

// PublishHistory lists the targets that have been attempted at least once.
func (s *StatusService) PublishHistory(ctx context.Context, userID, postID uint) (*PublishHistoryView, error) {
	post, targets, err := s.load(ctx, userID, postID)
	if err != nil {
		return nil, err
	}

	view := &PublishHistoryView{PostID: post.ID, PostTitle: post.Title, PublishHistory: make([]PlatformStatusView, 0, len(targets))}
	for _, target := range targets {
		if target.Status == models.StatusPending {
			continue
		}
		view.PublishHistory = append(view.PublishHistory, toPlatformStatus(target, false))
	}
	return view, nil
}

func (s *StatusService) load(ctx context.Context, userID, postID uint) (*models.Post, []models.PublicationTarget, error) {
	post, err := s.posts.Get(ctx, postID, userID)
	if err != nil {
		return nil, nil, err
	}
	if post == nil {
		return nil, nil, ErrPostNotFound
	}

	targets, err := s.targets.ListByPost(ctx, postID)
	if err != nil {
		return nil, nil, err
	}
	return post, targets, nil
}

func toPlatformStatus(target models.PublicationTarget, withUpdatedAt bool) PlatformStatusView {
	view := PlatformStatusView{
		PlatformName:    target.PlatformName,
		Status:          target.Status,
		PlatformPostID:  nullable(target.PlatformPostID),
		PlatformPostURL: nullable(target.PlatformPostURL),
		PublishedAt:     target.PublishedAt,
		ErrorMessage:    nullable(target.ErrorMessage),
		RetryCount:      target.RetryCount,
	}
	if withUpdatedAt {
		updatedAt := target.UpdatedAt
		view.UpdatedAt = &updatedAt
	}
	return view
}

// nullable maps an unset column to a JSON null.
func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// saveJobState records a job's state. The result backend is advisory, so
// failures are logged rather than returned.
func saveJobState(ctx context.Context, results queue.ResultBackend, logger *zap.Logger, job *models.Job, status models.JobStatus, result map[string]any, errMsg string) {
	state := &models.JobState{
		JobID:     job.ID,
		Status:    status,
		Platform:  job.Platform,
		PostID:    job.PostID,
		Attempt:   job.Attempt,
		Result:    result,
		Error:     errMsg,
		UpdatedAt: time.Now(),
	}
	if err := results.SetState(ctx, state); err != nil {
		logger.Warn("Failed to store job state",
			zap.String("job_id", job.ID),
			zap.String("status", string(status)),
			zap.Error(err))
	}
}
