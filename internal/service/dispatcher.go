package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ifuryst/crosspost/internal/models"
	"github.com/ifuryst/crosspost/internal/queue"
	"github.com/ifuryst/crosspost/internal/service/publisher/hashnode"
	"github.com/ifuryst/crosspost/internal/store"
)

var (
	ErrValidation          = errors.New("validation error")
	ErrUnsupportedPlatform = errors.New("unsupported platform")
	ErrQueueUnavailable    = errors.New("queue unavailable")
)

type DispatchRequest struct {
	UserID        uint
	PostID        uint
	Platforms     []string
	CanonicalURL  string
	Tags          []string
	PublicationID string
}

// Dispatcher turns a publish request into one queued job per platform.
type Dispatcher struct {
	targets          *store.PublicationStore
	broker           queue.Broker
	results          queue.ResultBackend
	monitoring       *MonitoringService
	canonicalBaseURL string
	logger           *zap.Logger
}

func NewDispatcher(targets *store.PublicationStore, broker queue.Broker, results queue.ResultBackend, monitoring *MonitoringService, canonicalBaseURL string, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		targets:          targets,
		broker:           broker,
		results:          results,
		monitoring:       monitoring,
		canonicalBaseURL: strings.TrimRight(canonicalBaseURL, "/"),
		logger:           logger,
	}
}

// Dispatch validates the request, prepares a publication target per platform
// and enqueues a job for each. It returns the job id of every platform that
// reached the queue, and an error only when none did.
func (d *Dispatcher) Dispatch(ctx context.Context, req DispatchRequest) (map[models.Platform]string, error) {
	platforms, err := d.validate(req)
	if err != nil {
		return nil, err
	}

	canonicalURL := req.CanonicalURL
	if canonicalURL == "" && d.canonicalBaseURL != "" {
		canonicalURL = fmt.Sprintf("%s/%d", d.canonicalBaseURL, req.PostID)
	}

	jobIDs := make(map[models.Platform]string, len(platforms))
	var prepareErr error
	for _, platform := range platforms {
		target, err := d.targets.Prepare(ctx, req.PostID, platform)
		if err != nil {
			prepareErr = errors.Join(prepareErr, fmt.Errorf("failed to prepare %s target: %w", platform, err))
			d.prepareFailed(ctx, req.PostID, platform, err)
			continue
		}

		job := &models.Job{
			ID:           uuid.NewString(),
			UserID:       req.UserID,
			PostID:       req.PostID,
			Platform:     platform,
			CanonicalURL: canonicalURL,
			Tags:         req.Tags,
			Generation:   target.Generation,
		}
		if platform == models.PlatformHashnode && req.PublicationID != "" {
			job.Params = map[string]string{hashnode.ParamPublicationID: req.PublicationID}
		}

		d.setState(ctx, job, models.JobQueued, nil, "")

		if _, err := d.broker.Enqueue(ctx, job, 0); err != nil {
			d.dispatchFailed(ctx, target, job, err)
			continue
		}

		jobIDs[platform] = job.ID
		d.logger.Info("Publish job queued",
			zap.String("job_id", job.ID),
			zap.Uint("post_id", req.PostID),
			zap.String("platform", platform.String()),
			zap.Int64("generation", job.Generation))
	}

	if len(jobIDs) == 0 {
		if prepareErr != nil {
			return jobIDs, prepareErr
		}
		return jobIDs, ErrQueueUnavailable
	}
	return jobIDs, nil
}

// validate checks every platform before anything is written and drops duplicates.
func (d *Dispatcher) validate(req DispatchRequest) ([]models.Platform, error) {
	if req.PostID == 0 {
		return nil, fmt.Errorf("%w: post_id is required", ErrValidation)
	}
	if len(req.Platforms) == 0 {
		return nil, fmt.Errorf("%w: at least one platform is required", ErrValidation)
	}

	seen := make(map[models.Platform]bool, len(req.Platforms))
	platforms := make([]models.Platform, 0, len(req.Platforms))
	for _, name := range req.Platforms {
		platform, err := models.ParsePlatform(name)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedPlatform, name)
		}
		if seen[platform] {
			continue
		}
		seen[platform] = true
		platforms = append(platforms, platform)
	}
	return platforms, nil
}

func (d *Dispatcher) dispatchFailed(ctx context.Context, target *models.PublicationTarget, job *models.Job, cause error) {
	message := fmt.Sprintf("Task dispatch failed: %v", cause)
	d.logger.Error("Failed to enqueue publish job",
		zap.String("job_id", job.ID),
		zap.Uint("post_id", job.PostID),
		zap.String("platform", job.Platform.String()),
		zap.Error(cause))

	if err := d.targets.MarkDispatchFailed(ctx, target, message); err != nil {
		d.logger.Error("Failed to mark dispatch failure", zap.String("job_id", job.ID), zap.Error(err))
	}
	d.setState(ctx, job, models.JobFailure, map[string]any{
		"status":   "error",
		"platform": job.Platform.String(),
		"message":  message,
	}, message)

	if d.monitoring != nil {
		if err := d.monitoring.RecordError(ctx, "ERROR", "dispatcher", "Task dispatch failed", message,
			WithPlatform(job.Platform), WithPost(job.PostID), WithJob(job.ID)); err != nil {
			d.logger.Warn("Failed to record dispatch error", zap.Error(err))
		}
	}
}

func (d *Dispatcher) prepareFailed(ctx context.Context, postID uint, platform models.Platform, cause error) {
	d.logger.Error("Failed to prepare publication target",
		zap.Uint("post_id", postID),
		zap.String("platform", platform.String()),
		zap.Error(cause))

	if d.monitoring != nil {
		if err := d.monitoring.RecordError(ctx, "ERROR", "dispatcher", "Publication target unavailable", cause.Error(),
			WithPlatform(platform), WithPost(postID)); err != nil {
			d.logger.Warn("Failed to record dispatch error", zap.Error(err))
		}
	}
}

func (d *Dispatcher) setState(ctx context.Context, job *models.Job, status models.JobStatus, result map[string]any, errMsg string) {
	saveJobState(ctx, d.results, d.logger, job, status, result, errMsg)
}
