package models

import (
	"time"
)

// Job is one scheduled attempt to publish a post to a platform. The ID is
// shared by every attempt of the same lineage.
type Job struct {
	ID           string            `json:"id"`
	UserID       uint              `json:"user_id"`
	PostID       uint              `json:"post_id"`
	Platform     Platform          `json:"platform"`
	CanonicalURL string            `json:"canonical_url,omitempty"`
	Tags         []string          `json:"tags,omitempty"`
	Params       map[string]string `json:"params,omitempty"`
	Attempt      int               `json:"attempt"`
	Generation   int64             `json:"generation"`
	EnqueuedAt   time.Time         `json:"enqueued_at"`
}

// NextAttempt returns a copy of the job for the following retry.
func (j Job) NextAttempt() *Job {
	next := j
	next.Attempt = j.Attempt + 1
	return &next
}

type JobStatus string

const (
	JobQueued  JobStatus = "QUEUED"
	JobStarted JobStatus = "STARTED"
	JobRetry   JobStatus = "RETRY"
	JobSuccess JobStatus = "SUCCESS"
	JobFailure JobStatus = "FAILURE"
	// JobRevoked marks a job superseded by a newer publish request.
	JobRevoked JobStatus = "REVOKED"
)

// Ready reports whether the job lineage has reached a final state.
func (s JobStatus) Ready() bool {
	return s == JobSuccess || s == JobFailure || s == JobRevoked
}

// JobState is what the result backend keeps for a job id.
type JobState struct {
	JobID     string         `json:"job_id"`
	Status    JobStatus      `json:"status"`
	Platform  Platform       `json:"platform"`
	PostID    uint           `json:"post_id"`
	Attempt   int            `json:"attempt"`
	Result    map[string]any `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
}
