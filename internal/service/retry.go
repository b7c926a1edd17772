package service

import (
	"time"

	"github.com/ifuryst/crosspost/internal/config"
)

// RetryPolicy schedules transient failures with a linear backoff.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

func NewRetryPolicy(cfg *config.RetryConfig) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: cfg.MaxAttempts,
		BaseDelay:   config.Duration(cfg.BaseDelay),
	}
}

// Next returns the delay before the attempt after attempt, and false once
// MaxAttempts attempts have been made.
func (p RetryPolicy) Next(attempt int) (time.Duration, bool) {
	if attempt+1 >= p.MaxAttempts {
		return 0, false
	}
	return p.BaseDelay * time.Duration(attempt+1), true
}
