package service

import (
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/ifuryst/crosspost/internal/config"
	"github.com/ifuryst/crosspost/internal/service/publisher"
	"github.com/ifuryst/crosspost/internal/service/publisher/devto"
	"github.com/ifuryst/crosspost/internal/service/publisher/hashnode"
	"github.com/ifuryst/crosspost/internal/service/publisher/medium"
)

// NewPublishManager registers every platform adapter that is not disabled.
func NewPublishManager(cfg *config.Config, logger *zap.Logger) (*publisher.Manager, error) {
	manager := publisher.NewPublishManager(logger)
	client := &http.Client{Timeout: config.Duration(cfg.Worker.PlatformTimeout)}

	type registration struct {
		cfg       config.PlatformConfig
		publisher publisher.Publisher
	}
	registrations := []registration{
		{cfg.Platforms.DevTo, devto.NewDevToPublisher(cfg.Platforms.DevTo.BaseURL, client, logger.Named("devto"))},
		{cfg.Platforms.Hashnode, hashnode.NewHashnodePublisher(cfg.Platforms.Hashnode.BaseURL, client, logger.Named("hashnode"))},
		{cfg.Platforms.Medium, medium.NewMediumPublisher(logger.Named("medium"))},
	}

	for _, r := range registrations {
		if r.cfg.Disabled {
			logger.Info("Platform disabled, skipping", zap.String("platform", r.publisher.GetPlatformName().String()))
			continue
		}
		limit := publisher.Limit{RatePerSec: r.cfg.RatePerSec, Burst: r.cfg.Burst}
		if err := manager.RegisterPublisherWithLimit(r.publisher, limit); err != nil {
			return nil, fmt.Errorf("failed to register %s publisher: %w", r.publisher.GetPlatformName(), err)
		}
	}

	return manager, nil
}
