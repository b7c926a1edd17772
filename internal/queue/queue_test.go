package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ifuryst/crosspost/internal/models"
)

func newRedisBroker(t *testing.T) (*RedisBroker, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisBroker(client, RedisBrokerOptions{Name: "test"}, zap.NewNop()), client
}

func TestRedisBrokerDeliversAndAcks(t *testing.T) {
	b, client := newRedisBroker(t)
	ctx := context.Background()

	job := &models.Job{PostID: 1, Platform: models.PlatformDevTo, Generation: 3}
	id, err := b.Enqueue(ctx, job, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	d, err := b.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, id, d.Job.ID)
	assert.Equal(t, int64(3), d.Job.Generation)
	assert.EqualValues(t, 1, client.LLen(ctx, b.processingKey).Val())
	assert.EqualValues(t, 1, client.HLen(ctx, b.inflightKey).Val())

	require.NoError(t, d.Ack(ctx))
	assert.EqualValues(t, 0, client.LLen(ctx, b.processingKey).Val())
	assert.EqualValues(t, 0, client.HLen(ctx, b.inflightKey).Val())
}

func TestRedisBrokerKeepsFIFOOrder(t *testing.T) {
	b, _ := newRedisBroker(t)
	ctx := context.Background()

	first, err := b.Enqueue(ctx, &models.Job{PostID: 1, Platform: models.PlatformDevTo}, 0)
	require.NoError(t, err)
	second, err := b.Enqueue(ctx, &models.Job{PostID: 2, Platform: models.PlatformDevTo}, 0)
	require.NoError(t, err)

	d1, err := b.Dequeue(ctx)
	require.NoError(t, err)
	d2, err := b.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, d1.Job.ID)
	assert.Equal(t, second, d2.Job.ID)
}

func TestRedisBrokerPromotesDelayedJobs(t *testing.T) {
	b, client := newRedisBroker(t)
	ctx := context.Background()

	base := time.Now()
	b.now = func() time.Time { return base }

	id, err := b.Enqueue(ctx, &models.Job{PostID: 1, Platform: models.PlatformHashnode, Attempt: 1}, time.Minute)
	require.NoError(t, err)

	n, err := b.promote(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.EqualValues(t, 1, client.ZCard(ctx, b.delayedKey).Val())

	b.now = func() time.Time { return base.Add(2 * time.Minute) }
	d, err := b.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, id, d.Job.ID)
	assert.Equal(t, 1, d.Job.Attempt)
	assert.EqualValues(t, 0, client.ZCard(ctx, b.delayedKey).Val())
}

func TestRedisBrokerRecoversExpiredJobs(t *testing.T) {
	b, client := newRedisBroker(t)
	ctx := context.Background()

	base := time.Now()
	b.now = func() time.Time { return base }

	id, err := b.Enqueue(ctx, &models.Job{PostID: 1, Platform: models.PlatformDevTo}, 0)
	require.NoError(t, err)
	_, err = b.Dequeue(ctx)
	require.NoError(t, err)

	n, err := b.Recover(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	b.now = func() time.Time { return base.Add(b.visibilityTimeout + time.Second) }
	n, err = b.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.EqualValues(t, 0, client.LLen(ctx, b.processingKey).Val())

	d, err := b.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, id, d.Job.ID)
}

func TestRedisBrokerUnavailable(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	b := NewRedisBroker(client, RedisBrokerOptions{Name: "test"}, zap.NewNop())
	mr.Close()

	_, err = b.Enqueue(context.Background(), &models.Job{PostID: 1, Platform: models.PlatformDevTo}, 0)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestRedisResultBackend(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	r := NewRedisResultBackend(client, time.Hour)
	ctx := context.Background()

	_, err := r.GetState(ctx, "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)

	require.NoError(t, r.SetState(ctx, &models.JobState{
		JobID:  "job-1",
		Status: models.JobSuccess,
		Result: map[string]any{"post_url": "https://dev.to/x"},
	}))
	state, err := r.GetState(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobSuccess, state.Status)
	assert.Equal(t, "https://dev.to/x", state.Result["post_url"])

	mr.FastForward(2 * time.Hour)
	_, err = r.GetState(ctx, "job-1")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestMemoryBroker(t *testing.T) {
	b := NewMemoryBroker(2)
	ctx := context.Background()

	id, err := b.Enqueue(ctx, &models.Job{PostID: 1, Platform: models.PlatformMedium}, 0)
	require.NoError(t, err)
	d, err := b.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, id, d.Job.ID)
	require.NoError(t, d.Ack(ctx))

	_, err = b.Enqueue(ctx, &models.Job{PostID: 2, Platform: models.PlatformMedium}, 20*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 0, b.Len())

	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	d, err = b.Dequeue(waitCtx)
	require.NoError(t, err)
	assert.Equal(t, uint(2), d.Job.PostID)

	require.NoError(t, b.Close())
	_, err = b.Enqueue(ctx, &models.Job{PostID: 3}, 0)
	assert.ErrorIs(t, err, ErrUnavailable)
	_, err = b.Dequeue(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestMemoryBrokerFull(t *testing.T) {
	b := NewMemoryBroker(1)
	ctx := context.Background()

	_, err := b.Enqueue(ctx, &models.Job{PostID: 1}, 0)
	require.NoError(t, err)
	_, err = b.Enqueue(ctx, &models.Job{PostID: 2}, 0)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestMemoryResultBackendExpires(t *testing.T) {
	r := NewMemoryResultBackend(time.Minute)
	base := time.Now()
	r.now = func() time.Time { return base }
	ctx := context.Background()

	require.NoError(t, r.SetState(ctx, &models.JobState{JobID: "a", Status: models.JobQueued}))
	state, err := r.GetState(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, models.JobQueued, state.Status)

	r.now = func() time.Time { return base.Add(2 * time.Minute) }
	_, err = r.GetState(ctx, "a")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestKafkaRetryHeader(t *testing.T) {
	due := time.UnixMilli(1_700_000_000_000)
	msg := retryMessage("job-1", []byte(`{}`), due)
	assert.Equal(t, "job-1", string(msg.Key))
	assert.True(t, dueTime(msg).Equal(due))

	msg.Headers = nil
	assert.True(t, dueTime(msg).IsZero())
}

func TestOffsetTrackerCommitsAckedPrefixOnly(t *testing.T) {
	tracker := newOffsetTracker()
	for _, offset := range []int64{10, 11, 12} {
		tracker.fetched(0, offset)
	}
	tracker.fetched(1, 4)

	_, ok := tracker.acked(0, 11)
	assert.False(t, ok, "offset 10 is still in flight")

	offset, ok := tracker.acked(1, 4)
	require.True(t, ok)
	assert.Equal(t, int64(4), offset)

	offset, ok = tracker.acked(0, 10)
	require.True(t, ok)
	assert.Equal(t, int64(11), offset)

	offset, ok = tracker.acked(0, 12)
	require.True(t, ok)
	assert.Equal(t, int64(12), offset)
}

func TestOffsetTrackerSkipsGapsAndResetsOnRewind(t *testing.T) {
	tracker := newOffsetTracker()
	tracker.fetched(0, 3)
	tracker.fetched(0, 7)

	offset, ok := tracker.acked(0, 3)
	require.True(t, ok)
	assert.Equal(t, int64(3), offset)

	// a rebalance hands the partition back from the committed offset
	tracker.fetched(0, 4)
	_, ok = tracker.acked(0, 7)
	assert.False(t, ok)

	offset, ok = tracker.acked(0, 4)
	require.True(t, ok)
	assert.Equal(t, int64(4), offset)

	_, ok = tracker.acked(5, 1)
	assert.False(t, ok)
}
