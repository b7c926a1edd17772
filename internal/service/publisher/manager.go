package publisher

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ifuryst/crosspost/internal/models"
)

// Limit configures the outbound request rate for one platform. A zero
// RatePerSec means unlimited.
type Limit struct {
	RatePerSec float64
	Burst      int
}

// Manager is the registry of platform adapters.
type Manager struct {
	mu         sync.RWMutex
	publishers map[models.Platform]Publisher
	limiters   map[models.Platform]*rate.Limiter
	logger     *zap.Logger
}

func NewPublishManager(logger *zap.Logger) *Manager {
	return &Manager{
		publishers: make(map[models.Platform]Publisher),
		limiters:   make(map[models.Platform]*rate.Limiter),
		logger:     logger,
	}
}

func (m *Manager) RegisterPublisher(publisher Publisher) error {
	return m.RegisterPublisherWithLimit(publisher, Limit{})
}

func (m *Manager) RegisterPublisherWithLimit(publisher Publisher, limit Limit) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	platform := publisher.GetPlatformName()
	if _, exists := m.publishers[platform]; exists {
		return fmt.Errorf("publisher for platform %s already registered", platform)
	}

	m.publishers[platform] = publisher
	if limit.RatePerSec > 0 {
		burst := limit.Burst
		if burst <= 0 {
			burst = 1
		}
		m.limiters[platform] = rate.NewLimiter(rate.Limit(limit.RatePerSec), burst)
	}

	m.logger.Info("Publisher registered",
		zap.String("platform", platform.String()),
		zap.Float64("rate_per_sec", limit.RatePerSec))
	return nil
}

func (m *Manager) GetPublisher(platform models.Platform) (Publisher, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	publisher, exists := m.publishers[platform]
	if !exists {
		return nil, NewError(KindUnsupportedPlatform, platform, "", "no adapter registered")
	}
	return publisher, nil
}

// Platforms returns the registered platform names in a stable order.
func (m *Manager) Platforms() []models.Platform {
	m.mu.RLock()
	defer m.mu.RUnlock()

	platforms := make([]models.Platform, 0, len(m.publishers))
	for platform := range m.publishers {
		platforms = append(platforms, platform)
	}
	sort.Slice(platforms, func(i, j int) bool { return platforms[i] < platforms[j] })
	return platforms
}

// Wait blocks until the platform's limiter admits one more request.
func (m *Manager) Wait(ctx context.Context, platform models.Platform) error {
	m.mu.RLock()
	limiter := m.limiters[platform]
	m.mu.RUnlock()

	if limiter == nil {
		return nil
	}
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("failed to wait for %s rate limiter: %w", platform, err)
	}
	return nil
}
