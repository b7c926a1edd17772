package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/ifuryst/crosspost/internal/models"
	"github.com/ifuryst/crosspost/internal/queue"
	"github.com/ifuryst/crosspost/internal/service/publisher"
	"github.com/ifuryst/crosspost/internal/store"
	"github.com/ifuryst/crosspost/internal/testutil"
)

const testUserID uint = 7

type delayedJob struct {
	job   *models.Job
	delay time.Duration
}

// recordingBroker delivers immediate jobs through a memory broker and keeps
// delayed ones aside so tests can run retries by hand.
type recordingBroker struct {
	queue.Broker

	mu          sync.Mutex
	delayed     []delayedJob
	failAll     bool
	failDelayed bool
}

func (b *recordingBroker) Enqueue(ctx context.Context, job *models.Job, delay time.Duration) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.failAll || (delay > 0 && b.failDelayed) {
		return "", fmt.Errorf("%w: connection refused", queue.ErrUnavailable)
	}
	if delay > 0 {
		b.delayed = append(b.delayed, delayedJob{job: job, delay: delay})
		return job.ID, nil
	}
	return b.Broker.Enqueue(ctx, job, delay)
}

func (b *recordingBroker) Delayed() []delayedJob {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]delayedJob(nil), b.delayed...)
}

type fakePublisher struct {
	platform models.Platform
	fn       func(ctx context.Context, article publisher.Article) (*publisher.ExternalPost, error)

	mu    sync.Mutex
	calls int
}

func (f *fakePublisher) GetPlatformName() models.Platform { return f.platform }

func (f *fakePublisher) Publish(ctx context.Context, cred publisher.Credential, article publisher.Article, params map[string]string) (*publisher.ExternalPost, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.fn(ctx, article)
}

func (f *fakePublisher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func succeeding(platform models.Platform) *fakePublisher {
	return &fakePublisher{platform: platform, fn: func(ctx context.Context, article publisher.Article) (*publisher.ExternalPost, error) {
		return &publisher.ExternalPost{ID: "42", URL: "https://example.com/posts/42"}, nil
	}}
}

func failing(platform models.Platform, err error) *fakePublisher {
	return &fakePublisher{platform: platform, fn: func(ctx context.Context, article publisher.Article) (*publisher.ExternalPost, error) {
		return nil, err
	}}
}

type fixture struct {
	db         *gorm.DB
	targets    *store.PublicationStore
	broker     *recordingBroker
	results    *queue.MemoryResultBackend
	publishers *publisher.Manager
	monitoring *MonitoringService
	dispatcher *Dispatcher
	executor   *Executor
	status     *StatusService
}

func newFixture(t *testing.T, adapters ...publisher.Publisher) *fixture {
	t.Helper()

	db := testutil.NewDB(t)
	logger := zap.NewNop()

	memory := queue.NewMemoryBroker(16)
	t.Cleanup(func() { _ = memory.Close() })
	broker := &recordingBroker{Broker: memory}
	results := queue.NewMemoryResultBackend(time.Hour)

	manager := publisher.NewPublishManager(logger)
	for _, adapter := range adapters {
		require.NoError(t, manager.RegisterPublisher(adapter))
	}

	targets := store.NewPublicationStore(db)
	posts := store.NewPostRepository(db)
	credentials := store.NewCredentialRepository(db)
	monitoring := NewMonitoringService(db, logger)

	require.NoError(t, db.Create(&models.Post{ID: 1, Title: "Hello World", ContentMarkdown: "# Hello", AuthorID: testUserID}).Error)

	return &fixture{
		db:         db,
		targets:    targets,
		broker:     broker,
		results:    results,
		publishers: manager,
		monitoring: monitoring,
		dispatcher: NewDispatcher(targets, broker, results, monitoring, "https://blog.example.com/", logger),
		executor: NewExecutor(targets, posts, credentials, manager, broker, results, monitoring, ExecutorOptions{
			Concurrency: 2,
			Timeout:     time.Second,
			Retry:       RetryPolicy{MaxAttempts: 3, BaseDelay: time.Minute},
		}, logger),
		status: NewStatusService(targets, posts, results),
	}
}

func (f *fixture) connect(t *testing.T, cred models.PlatformCredential) {
	t.Helper()
	cred.UserID = testUserID
	require.NoError(t, f.db.Create(&cred).Error)
}

func (f *fixture) dispatch(t *testing.T, platforms ...string) map[models.Platform]string {
	t.Helper()
	ids, err := f.dispatcher.Dispatch(context.Background(), DispatchRequest{
		UserID:    testUserID,
		PostID:    1,
		Platforms: platforms,
		Tags:      []string{"go"},
	})
	require.NoError(t, err)
	return ids
}

// next takes the next ready job from the broker.
func (f *fixture) next(t *testing.T) *models.Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	delivery, err := f.broker.Dequeue(ctx)
	require.NoError(t, err)
	return delivery.Job
}

func (f *fixture) target(t *testing.T, platform models.Platform) *models.PublicationTarget {
	t.Helper()
	target, err := f.targets.Get(context.Background(), 1, platform)
	require.NoError(t, err)
	require.NotNil(t, target)
	return target
}

func (f *fixture) state(t *testing.T, jobID string) *models.JobState {
	t.Helper()
	state, err := f.results.GetState(context.Background(), jobID)
	require.NoError(t, err)
	return state
}

func (f *fixture) errorLogs(t *testing.T) []models.ErrorLog {
	t.Helper()
	logs, err := f.monitoring.GetRecentErrors(context.Background(), 10)
	require.NoError(t, err)
	return logs
}

func errorDetails(t *testing.T, target *models.PublicationTarget) map[string]any {
	t.Helper()
	details := map[string]any{}
	if len(target.ErrorDetails) > 0 {
		require.NoError(t, json.Unmarshal(target.ErrorDetails, &details))
	}
	return details
}
