package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ifuryst/crosspost/internal/config"
	"github.com/ifuryst/crosspost/internal/queue"
)

// Queue bundles the broker and result backend selected by queue.driver.
type Queue struct {
	Broker  queue.Broker
	Results queue.ResultBackend
	client  *redis.Client
}

func NewQueue(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Queue, error) {
	resultTTL := config.Duration(cfg.Queue.ResultTTL)

	if cfg.Queue.Driver == "memory" {
		logger.Warn("Using the in-memory queue, jobs are lost on restart")
		return &Queue{
			Broker:  queue.NewMemoryBroker(1024),
			Results: queue.NewMemoryResultBackend(resultTTL),
		}, nil
	}

	client, err := queue.NewRedisClient(ctx, &cfg.Redis)
	if err != nil {
		return nil, err
	}
	q := &Queue{client: client, Results: queue.NewRedisResultBackend(client, resultTTL)}

	switch cfg.Queue.Driver {
	case "redis":
		q.Broker = queue.NewRedisBroker(client, queue.RedisBrokerOptions{
			Name:              cfg.Queue.Name,
			VisibilityTimeout: config.Duration(cfg.Queue.VisibilityTimeout),
			PollInterval:      config.Duration(cfg.Queue.PollInterval),
		}, logger.Named("queue"))
	case "kafka":
		q.Broker = queue.NewKafkaBroker(queue.KafkaBrokerOptions{
			Brokers:    cfg.Queue.Kafka.Brokers,
			Topic:      cfg.Queue.Kafka.Topic,
			RetryTopic: cfg.Queue.Kafka.RetryTopic,
			GroupID:    cfg.Queue.Kafka.GroupID,
		}, logger.Named("queue"))
	default:
		_ = client.Close()
		return nil, fmt.Errorf("unknown queue driver %q", cfg.Queue.Driver)
	}

	logger.Info("Queue initialized", zap.String("driver", cfg.Queue.Driver))
	return q, nil
}

func (q *Queue) Close() error {
	err := q.Broker.Close()
	if q.client != nil {
		err = errors.Join(err, q.client.Close())
	}
	return err
}
