package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/ifuryst/crosspost/internal/models"
	"github.com/ifuryst/crosspost/internal/service/publisher/hashnode"
)

func TestDispatchQueuesOneJobPerPlatform(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ids, err := f.dispatcher.Dispatch(ctx, DispatchRequest{
		UserID:        testUserID,
		PostID:        1,
		Platforms:     []string{"devto", "hashnode", "dev.to"},
		PublicationID: "pub-1",
	})
	require.NoError(t, err)
	require.Len(t, ids, 2)
	assert.NotEqual(t, ids[models.PlatformDevTo], ids[models.PlatformHashnode])

	for platform, id := range ids {
		target := f.target(t, platform)
		assert.Equal(t, models.StatusPending, target.Status)
		assert.Equal(t, int64(1), target.Generation)
		assert.Equal(t, models.JobQueued, f.state(t, id).Status)
	}

	jobs := map[models.Platform]*models.Job{}
	for range ids {
		job := f.next(t)
		jobs[job.Platform] = job
	}
	assert.Equal(t, "pub-1", jobs[models.PlatformHashnode].Params[hashnode.ParamPublicationID])
	assert.Empty(t, jobs[models.PlatformDevTo].Params)
	assert.Equal(t, "https://blog.example.com/1", jobs[models.PlatformDevTo].CanonicalURL)
	assert.Zero(t, jobs[models.PlatformDevTo].Attempt)
}

func TestDispatchKeepsExplicitCanonicalURL(t *testing.T) {
	f := newFixture(t)

	_, err := f.dispatcher.Dispatch(context.Background(), DispatchRequest{
		UserID:       testUserID,
		PostID:       1,
		Platforms:    []string{"medium"},
		CanonicalURL: "https://mine.example.org/hello",
	})
	require.NoError(t, err)
	assert.Equal(t, "https://mine.example.org/hello", f.next(t).CanonicalURL)
}

func TestDispatchRejectsBadRequests(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.dispatcher.Dispatch(ctx, DispatchRequest{UserID: testUserID, PostID: 1})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = f.dispatcher.Dispatch(ctx, DispatchRequest{UserID: testUserID, PostID: 1, Platforms: []string{"dev.to", "myspace"}})
	assert.ErrorIs(t, err, ErrUnsupportedPlatform)

	targets, err := f.targets.ListByPost(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, targets)
}

func TestDispatchQueueUnavailable(t *testing.T) {
	f := newFixture(t)
	f.broker.failAll = true

	ids, err := f.dispatcher.Dispatch(context.Background(), DispatchRequest{
		UserID:    testUserID,
		PostID:    1,
		Platforms: []string{"dev.to", "medium"},
	})
	assert.ErrorIs(t, err, ErrQueueUnavailable)
	assert.Empty(t, ids)

	for _, platform := range []models.Platform{models.PlatformDevTo, models.PlatformMedium} {
		target := f.target(t, platform)
		assert.Equal(t, models.StatusFailed, target.Status)
		assert.Contains(t, target.ErrorMessage, "Task dispatch failed")
	}

	logs := f.errorLogs(t)
	assert.Len(t, logs, 2)
	assert.Equal(t, "dispatcher", logs[0].Source)
}

func TestDispatchKeepsQueuedJobsWhenAPlatformCannotBePrepared(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.db.Callback().Create().Before("gorm:create").Register("test:fail_hashnode_targets", func(tx *gorm.DB) {
		if target, ok := tx.Statement.Dest.(*models.PublicationTarget); ok && target.PlatformName == models.PlatformHashnode {
			_ = tx.AddError(errors.New("db down"))
		}
	}))

	ids, err := f.dispatcher.Dispatch(ctx, DispatchRequest{
		UserID:    testUserID,
		PostID:    1,
		Platforms: []string{"dev.to", "hashnode", "medium"},
	})
	require.NoError(t, err)
	assert.Len(t, ids, 2)
	assert.NotContains(t, ids, models.PlatformHashnode)
	assert.Equal(t, models.JobQueued, f.state(t, ids[models.PlatformMedium]).Status)

	target, err := f.targets.Get(ctx, 1, models.PlatformHashnode)
	require.NoError(t, err)
	assert.Nil(t, target)
	assert.Len(t, f.errorLogs(t), 1)

	ids, err = f.dispatcher.Dispatch(ctx, DispatchRequest{UserID: testUserID, PostID: 1, Platforms: []string{"hashnode"}})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrQueueUnavailable)
	assert.Empty(t, ids)
}
