package queue

import (
	"context"
	"sync"
	"time"

	"github.com/ifuryst/crosspost/internal/models"
)

// MemoryBroker is an in-process broker for tests and single-process runs.
// Jobs do not survive a restart.
type MemoryBroker struct {
	mu     sync.Mutex
	ready  chan *models.Job
	timers map[*time.Timer]struct{}
	closed bool
	done   chan struct{}
}

func NewMemoryBroker(capacity int) *MemoryBroker {
	if capacity <= 0 {
		capacity = 1024
	}
	return &MemoryBroker{
		ready:  make(chan *models.Job, capacity),
		timers: make(map[*time.Timer]struct{}),
		done:   make(chan struct{}),
	}
}

func (b *MemoryBroker) Enqueue(ctx context.Context, job *models.Job, delay time.Duration) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return "", unavailable(ErrClosed)
	}

	prepare(job, time.Now())
	queued := *job

	if delay <= 0 {
		select {
		case b.ready <- &queued:
			return queued.ID, nil
		default:
			return "", unavailable(ErrFull)
		}
	}

	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.timers, timer)
		if b.closed {
			return
		}
		select {
		case b.ready <- &queued:
		default:
		}
	})
	b.timers[timer] = struct{}{}
	return queued.ID, nil
}

func (b *MemoryBroker) Dequeue(ctx context.Context) (*Delivery, error) {
	select {
	case job := <-b.ready:
		return NewDelivery(job, nil), nil
	case <-b.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Len returns the number of jobs ready for delivery.
func (b *MemoryBroker) Len() int {
	return len(b.ready)
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	for timer := range b.timers {
		timer.Stop()
	}
	close(b.done)
	return nil
}

// MemoryResultBackend keeps job states in a map with a TTL.
type MemoryResultBackend struct {
	mu     sync.RWMutex
	ttl    time.Duration
	states map[string]memoryState
	now    func() time.Time
}

type memoryState struct {
	state     models.JobState
	expiresAt time.Time
}

func NewMemoryResultBackend(ttl time.Duration) *MemoryResultBackend {
	return &MemoryResultBackend{
		ttl:    ttl,
		states: make(map[string]memoryState),
		now:    time.Now,
	}
}

func (r *MemoryResultBackend) SetState(ctx context.Context, state *models.JobState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	stored := *state
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = now
	}
	r.states[state.JobID] = memoryState{state: stored, expiresAt: now.Add(r.ttl)}

	for id, s := range r.states {
		if r.ttl > 0 && now.After(s.expiresAt) {
			delete(r.states, id)
		}
	}
	return nil
}

func (r *MemoryResultBackend) GetState(ctx context.Context, jobID string) (*models.JobState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.states[jobID]
	if !ok || (r.ttl > 0 && r.now().After(s.expiresAt)) {
		return nil, ErrJobNotFound
	}
	state := s.state
	return &state, nil
}
