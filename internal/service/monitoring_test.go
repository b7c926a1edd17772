package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ifuryst/crosspost/internal/models"
	"github.com/ifuryst/crosspost/internal/testutil"
)

func TestRecordErrorWithOptions(t *testing.T) {
	m := NewMonitoringService(testutil.NewDB(t), zap.NewNop())
	ctx := context.Background()

	require.NoError(t, m.RecordError(ctx, "ERROR", "executor", "Publish failed", "boom",
		WithPlatform(models.PlatformHashnode), WithPost(3), WithJob("job-1"),
		WithContext(map[string]any{"draft_id": "d1"})))

	logs, err := m.GetRecentErrors(ctx, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "hashnode", logs[0].PlatformName)
	require.NotNil(t, logs[0].PostID)
	assert.Equal(t, uint(3), *logs[0].PostID)
	assert.Equal(t, "job-1", logs[0].JobID)
	assert.JSONEq(t, `{"draft_id":"d1"}`, string(logs[0].Context))
}

func TestUpdatePlatformStats(t *testing.T) {
	f := newFixture(t, succeeding(models.PlatformDevTo))
	f.connect(t, models.PlatformCredential{PlatformName: "dev.to", APIKey: "key"})
	f.dispatch(t, "dev.to", "medium")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		job := f.next(t)
		if job.Platform == models.PlatformDevTo {
			require.NoError(t, f.executor.Process(ctx, job))
		}
	}

	require.NoError(t, f.monitoring.UpdatePlatformStats(ctx))
	require.NoError(t, f.monitoring.UpdatePlatformStats(ctx))

	stats, err := f.monitoring.GetPlatformStats(ctx, 1)
	require.NoError(t, err)
	require.Len(t, stats, 2)

	byPlatform := map[models.Platform]models.PlatformStats{}
	for _, s := range stats {
		byPlatform[s.PlatformName] = s
	}
	assert.Equal(t, 1, byPlatform[models.PlatformDevTo].SuccessTargets)
	assert.NotNil(t, byPlatform[models.PlatformDevTo].LastSuccessAt)
	assert.Equal(t, 1, byPlatform[models.PlatformMedium].PendingTargets)
}

func TestCleanupOldData(t *testing.T) {
	m := NewMonitoringService(testutil.NewDB(t), zap.NewNop())
	ctx := context.Background()

	m.now = func() time.Time { return time.Now().AddDate(0, 0, -200) }
	require.NoError(t, m.RecordMetric(ctx, MetricPublishSuccess, "counter", 1, nil))
	m.now = time.Now
	require.NoError(t, m.RecordMetric(ctx, MetricPublishSuccess, "counter", 1, map[string]any{"platform": "dev.to"}))

	require.NoError(t, m.CleanupOldData(ctx, 90))

	var remaining int64
	require.NoError(t, m.db.Model(&models.MetricsSample{}).Count(&remaining).Error)
	assert.Equal(t, int64(1), remaining)
}
