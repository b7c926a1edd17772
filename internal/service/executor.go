package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ifuryst/crosspost/internal/models"
	"github.com/ifuryst/crosspost/internal/queue"
	"github.com/ifuryst/crosspost/internal/service/publisher"
	"github.com/ifuryst/crosspost/internal/store"
)

// dequeueBackoff is how long a worker waits after the broker failed to deliver.
const dequeueBackoff = time.Second

type ExecutorOptions struct {
	Concurrency int
	Timeout     time.Duration
	Retry       RetryPolicy
}

// Executor runs publish jobs taken from the broker.
type Executor struct {
	targets     *store.PublicationStore
	posts       *store.PostRepository
	credentials *store.CredentialRepository
	publishers  *publisher.Manager
	broker      queue.Broker
	results     queue.ResultBackend
	monitoring  *MonitoringService
	retry       RetryPolicy
	concurrency int
	timeout     time.Duration
	logger      *zap.Logger
	now         func() time.Time
}

func NewExecutor(
	targets *store.PublicationStore,
	posts *store.PostRepository,
	credentials *store.CredentialRepository,
	publishers *publisher.Manager,
	broker queue.Broker,
	results queue.ResultBackend,
	monitoring *MonitoringService,
	opts ExecutorOptions,
	logger *zap.Logger,
) *Executor {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	return &Executor{
		targets:     targets,
		posts:       posts,
		credentials: credentials,
		publishers:  publishers,
		broker:      broker,
		results:     results,
		monitoring:  monitoring,
		retry:       opts.Retry,
		concurrency: opts.Concurrency,
		timeout:     opts.Timeout,
		logger:      logger,
		now:         time.Now,
	}
}

// Run starts the workers and blocks until ctx is done or the broker is closed.
func (e *Executor) Run(ctx context.Context) error {
	e.logger.Info("Starting publish workers", zap.Int("concurrency", e.concurrency))

	var wg sync.WaitGroup
	for i := 0; i < e.concurrency; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			e.work(ctx, e.logger.With(zap.Int("worker", worker)))
		}(i)
	}
	wg.Wait()

	e.logger.Info("Publish workers stopped")
	return nil
}

func (e *Executor) work(ctx context.Context, logger *zap.Logger) {
	for {
		delivery, err := e.broker.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return
			}
			logger.Warn("Failed to dequeue job", zap.Error(err))
			select {
			case <-time.After(dequeueBackoff):
				continue
			case <-ctx.Done():
				return
			}
		}

		if err := e.Process(ctx, delivery.Job); err != nil {
			logger.Error("Job left for redelivery",
				zap.String("job_id", delivery.Job.ID),
				zap.Error(err))
			continue
		}

		if err := delivery.Ack(ctx); err != nil {
			logger.Warn("Failed to ack job", zap.String("job_id", delivery.Job.ID), zap.Error(err))
		}
	}
}

// Process runs one attempt of job. Every outcome is written to the
// publication target before it returns nil. A non-nil error means the
// attempt could not be recorded and the delivery must not be acked.
func (e *Executor) Process(ctx context.Context, job *models.Job) error {
	logger := e.logger.With(
		zap.String("job_id", job.ID),
		zap.Uint("post_id", job.PostID),
		zap.String("platform", job.Platform.String()),
		zap.Int("attempt", job.Attempt))

	if _, err := e.targets.Begin(ctx, job); err != nil {
		if errors.Is(err, store.ErrStaleGeneration) {
			e.revoke(ctx, job, logger)
			return nil
		}
		return fmt.Errorf("failed to begin job %s: %w", job.ID, err)
	}
	saveJobState(ctx, e.results, e.logger, job, models.JobStarted, nil, "")
	logger.Info("Publishing post")

	cred, err := e.credentials.Get(ctx, job.UserID, job.Platform)
	if err != nil {
		return err
	}
	if cred == nil {
		return e.fail(ctx, job, logger, publisher.NewError(publisher.KindCredentialMissing, job.Platform, "",
			fmt.Sprintf("no credentials found for %s", job.Platform)))
	}

	post, err := e.posts.Get(ctx, job.PostID, job.UserID)
	if err != nil {
		return err
	}
	if post == nil {
		return e.fail(ctx, job, logger, publisher.NewError(publisher.KindValidation, job.Platform, "",
			fmt.Sprintf("post %d not found", job.PostID)))
	}

	adapter, err := e.publishers.GetPublisher(job.Platform)
	if err != nil {
		return e.fail(ctx, job, logger, err)
	}

	if err := e.publishers.Wait(ctx, job.Platform); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("job %s interrupted: %w", job.ID, ctx.Err())
		}
		return e.fail(ctx, job, logger, err)
	}

	callCtx := ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	start := e.now()
	external, err := adapter.Publish(callCtx,
		publisher.FromPlatformCredential(cred),
		publisher.FromPost(post, job.CanonicalURL, job.Tags),
		job.Params)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("job %s interrupted: %w", job.ID, ctx.Err())
		}
		return e.fail(ctx, job, logger, err)
	}

	logger.Info("Post published",
		zap.String("platform_post_id", external.ID),
		zap.String("url", external.URL),
		zap.Duration("duration", e.now().Sub(start)))
	return e.succeed(ctx, job, logger, external)
}

func (e *Executor) succeed(ctx context.Context, job *models.Job, logger *zap.Logger, external *publisher.ExternalPost) error {
	var details map[string]any
	if external.Synthetic {
		details = map[string]any{"synthetic": true}
	}

	err := e.targets.Complete(ctx, job, store.Success{
		PlatformPostID:  external.ID,
		PlatformPostURL: external.URL,
		PublishedAt:     external.PublishedAt,
		Details:         details,
	})
	if errors.Is(err, store.ErrStaleGeneration) {
		e.revoke(ctx, job, logger)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to record success of job %s: %w", job.ID, err)
	}

	result := map[string]any{
		"status":   "success",
		"platform": job.Platform.String(),
		"post_url": external.URL,
		"data":     external,
	}
	if external.Synthetic {
		result["synthetic"] = true
	}
	saveJobState(ctx, e.results, e.logger, job, models.JobSuccess, result, "")
	e.recordMetric(ctx, MetricPublishSuccess, job)
	return nil
}

func (e *Executor) fail(ctx context.Context, job *models.Job, logger *zap.Logger, cause error) error {
	pubErr := classify(job.Platform, cause)
	message := pubErr.Error()

	details := map[string]any{
		"kind":    string(pubErr.Kind),
		"attempt": job.Attempt,
	}
	if pubErr.Phase != "" {
		details["phase"] = pubErr.Phase
	}
	if pubErr.StatusCode != 0 {
		details["status_code"] = pubErr.StatusCode
	}
	for key, value := range pubErr.Details {
		details[key] = value
	}

	failure := store.Failure{Message: message, Transient: pubErr.Retryable(), Details: details}
	delay, retrying := time.Duration(0), false
	if failure.Transient {
		delay, retrying = e.retry.Next(job.Attempt)
	}
	if retrying {
		retryAt := e.now().Add(delay)
		failure.NextRetryAt = &retryAt
	}

	// The retry is queued only after the failure is on the row.
	err := e.targets.Fail(ctx, job, failure)
	if errors.Is(err, store.ErrStaleGeneration) {
		e.revoke(ctx, job, logger)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to record failure of job %s: %w", job.ID, err)
	}

	if retrying {
		if _, err := e.broker.Enqueue(ctx, job.NextAttempt(), delay); err != nil {
			logger.Error("Failed to schedule retry", zap.Error(err))
			retrying = false
			message = fmt.Sprintf("%s (retry scheduling failed: %v)", message, err)
			if err := e.targets.AbandonRetry(ctx, job, message); err != nil {
				if errors.Is(err, store.ErrStaleGeneration) {
					e.revoke(ctx, job, logger)
					return nil
				}
				return fmt.Errorf("failed to record retry scheduling failure of job %s: %w", job.ID, err)
			}
		} else {
			logger.Warn("Publish failed, retry scheduled",
				zap.String("kind", string(pubErr.Kind)),
				zap.Duration("delay", delay),
				zap.Error(pubErr))
		}
	}

	if retrying {
		saveJobState(ctx, e.results, e.logger, job, models.JobRetry, nil, message)
		e.recordMetric(ctx, MetricPublishRetry, job)
		return nil
	}

	logger.Error("Publish failed",
		zap.String("kind", string(pubErr.Kind)),
		zap.Bool("transient", failure.Transient),
		zap.Error(pubErr))
	saveJobState(ctx, e.results, e.logger, job, models.JobFailure, map[string]any{
		"status":   "error",
		"platform": job.Platform.String(),
		"message":  message,
	}, message)
	e.recordMetric(ctx, MetricPublishFailure, job)

	if e.monitoring != nil {
		if err := e.monitoring.RecordError(ctx, "ERROR", "executor", "Publish failed", message,
			WithPlatform(job.Platform), WithPost(job.PostID), WithJob(job.ID), WithContext(details)); err != nil {
			logger.Warn("Failed to record publish error", zap.Error(err))
		}
	}
	return nil
}

func (e *Executor) revoke(ctx context.Context, job *models.Job, logger *zap.Logger) {
	logger.Info("Skipping job superseded by a newer publish request", zap.Int64("generation", job.Generation))
	saveJobState(ctx, e.results, e.logger, job, models.JobRevoked, nil, "superseded by a newer publish request")
}

func (e *Executor) recordMetric(ctx context.Context, name string, job *models.Job) {
	if e.monitoring == nil {
		return
	}
	tags := map[string]any{"platform": job.Platform.String(), "attempt": job.Attempt}
	if err := e.monitoring.RecordMetric(ctx, name, "counter", 1, tags); err != nil {
		e.logger.Warn("Failed to record metric", zap.String("metric", name), zap.Error(err))
	}
}

// classify turns any adapter failure into a typed error. Untyped timeouts are
// treated as network failures and everything else as terminal.
func classify(platform models.Platform, err error) *publisher.Error {
	var pubErr *publisher.Error
	if errors.As(err, &pubErr) {
		return pubErr
	}
	if publisher.IsTimeout(err) {
		return &publisher.Error{Kind: publisher.KindNetwork, Platform: platform, Message: "request timed out", Err: err}
	}
	return &publisher.Error{Kind: publisher.KindProtocol, Platform: platform, Message: "unexpected adapter failure", Err: err}
}
