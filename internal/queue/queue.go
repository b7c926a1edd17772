package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ifuryst/crosspost/internal/models"
)

var (
	// ErrUnavailable means the job could not be handed to the broker.
	ErrUnavailable = errors.New("job queue unavailable")
	ErrClosed      = errors.New("job queue closed")
	ErrFull        = errors.New("job queue full")
	ErrJobNotFound = errors.New("job not found")
)

// Broker moves jobs from the dispatcher to the workers with at-least-once delivery.
type Broker interface {
	// Enqueue schedules job to become visible after delay and returns its id.
	Enqueue(ctx context.Context, job *models.Job, delay time.Duration) (string, error)
	// Dequeue blocks until a job is available or ctx is done.
	Dequeue(ctx context.Context) (*Delivery, error)
	Close() error
}

// ResultBackend keeps the latest state of each job id for a limited time.
type ResultBackend interface {
	SetState(ctx context.Context, state *models.JobState) error
	GetState(ctx context.Context, jobID string) (*models.JobState, error)
}

// Recoverer is implemented by brokers that can redeliver jobs whose worker vanished.
type Recoverer interface {
	Recover(ctx context.Context) (int, error)
}

// Runner is implemented by brokers that need a background loop.
type Runner interface {
	Run(ctx context.Context) error
}

// Delivery is a dequeued job. It stays owned by the worker until acked.
type Delivery struct {
	Job *models.Job
	ack func(ctx context.Context) error
}

func NewDelivery(job *models.Job, ack func(ctx context.Context) error) *Delivery {
	return &Delivery{Job: job, ack: ack}
}

// Ack tells the broker the job was handled and must not be redelivered.
func (d *Delivery) Ack(ctx context.Context) error {
	if d.ack == nil {
		return nil
	}
	return d.ack(ctx)
}

// prepare assigns an id and enqueue time to job when missing.
func prepare(job *models.Job, now time.Time) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.EnqueuedAt = now
}

func encodeJob(job *models.Job) ([]byte, error) {
	data, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}
	return data, nil
}

func decodeJob(data []byte) (*models.Job, error) {
	var job models.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
