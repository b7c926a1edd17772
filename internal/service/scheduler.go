package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/ifuryst/crosspost/internal/config"
	"github.com/ifuryst/crosspost/internal/queue"
)

// cleanupSpec runs data retention once a day.
const cleanupSpec = "@daily"

type cronJob struct {
	name string
	spec string
	run  func(context.Context) error
}

type Scheduler struct {
	config     *config.SchedulerConfig
	logger     *zap.Logger
	monitoring *MonitoringService
	recoverer  queue.Recoverer
	parser     cron.Parser

	mu   sync.Mutex
	cron *cron.Cron
}

// NewScheduler builds the periodic maintenance jobs. recoverer may be nil
// when the broker cannot redeliver abandoned jobs.
func NewScheduler(cfg *config.SchedulerConfig, logger *zap.Logger, monitoring *MonitoringService, recoverer queue.Recoverer) *Scheduler {
	return &Scheduler{
		config:     cfg,
		logger:     logger,
		monitoring: monitoring,
		recoverer:  recoverer,
		parser:     cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

func (s *Scheduler) Start(ctx context.Context) error {
	if !s.config.Enabled {
		s.logger.Info("Scheduler is disabled")
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return nil
	}

	loc, err := time.LoadLocation(s.config.Timezone)
	if err != nil {
		return fmt.Errorf("invalid scheduler timezone %q: %w", s.config.Timezone, err)
	}

	c := cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	jobs := []cronJob{
		{"platform_stats", s.config.StatsSpec, s.monitoring.UpdatePlatformStats},
		{"cleanup", cleanupSpec, func(ctx context.Context) error {
			return s.monitoring.CleanupOldData(ctx, s.config.RetentionDays)
		}},
	}
	if s.recoverer != nil {
		jobs = append(jobs, cronJob{"queue_recovery", s.config.RecoverySpec, s.recover})
	}

	for _, job := range jobs {
		name, run := job.name, job.run
		if _, err := c.AddFunc(job.spec, func() { s.runJob(ctx, name, run) }); err != nil {
			return fmt.Errorf("invalid schedule %q for %s: %w", job.spec, name, err)
		}
	}

	s.cron = c
	c.Start()
	s.logger.Info("Starting scheduler",
		zap.String("stats_spec", s.config.StatsSpec),
		zap.String("recovery_spec", s.config.RecoverySpec),
		zap.String("timezone", loc.String()))

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.cron = nil
	s.logger.Info("Scheduler shutdown completed")
}

func (s *Scheduler) recover(ctx context.Context) error {
	_, err := s.recoverer.Recover(ctx)
	return err
}

func (s *Scheduler) runJob(ctx context.Context, name string, run func(context.Context) error) {
	start := time.Now()
	err := run(ctx)
	duration := time.Since(start)

	if err != nil {
		s.logger.Error("Scheduled job failed",
			zap.String("job", name),
			zap.Error(err),
			zap.Duration("duration", duration))
		return
	}

	s.logger.Debug("Scheduled job completed",
		zap.String("job", name),
		zap.Duration("duration", duration))
}
