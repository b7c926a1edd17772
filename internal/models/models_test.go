package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParsePlatform(t *testing.T) {
	cases := map[string]Platform{
		"dev.to":    PlatformDevTo,
		"DevTo":     PlatformDevTo,
		" hashnode": PlatformHashnode,
		"Medium":    PlatformMedium,
	}
	for in, want := range cases {
		got, err := ParsePlatform(in)
		assert.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParsePlatform("myspace")
	assert.Error(t, err)
}

func TestPublicationStatusTerminal(t *testing.T) {
	assert.True(t, StatusSuccess.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusProcessing.Terminal())
}

func TestJobNextAttemptKeepsLineage(t *testing.T) {
	job := Job{ID: "job-1", PostID: 7, Platform: PlatformDevTo, Attempt: 1, Generation: 4, Tags: []string{"go"}}

	next := job.NextAttempt()
	assert.Equal(t, 2, next.Attempt)
	assert.Equal(t, "job-1", next.ID)
	assert.Equal(t, int64(4), next.Generation)
	assert.Equal(t, 1, job.Attempt)
}

func TestJobStatusReady(t *testing.T) {
	assert.True(t, JobSuccess.Ready())
	assert.True(t, JobFailure.Ready())
	assert.True(t, JobRevoked.Ready())
	assert.False(t, JobRetry.Ready())
	assert.False(t, JobQueued.Ready())
}
