package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ifuryst/crosspost/internal/config"
	"github.com/ifuryst/crosspost/internal/models"
)

const (
	keyPrefix       = "crosspost:queue:"
	resultKeyPrefix = "crosspost:job:"
	promoteBatch    = 100
)

// promoteScript moves due members of the delayed set onto the ready list.
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, payload in ipairs(due) do
  redis.call('ZREM', KEYS[1], payload)
  redis.call('LPUSH', KEYS[2], payload)
end
return #due
`)

// requeueScript returns an in-flight job to the ready list unless it was acked meanwhile.
var requeueScript = redis.NewScript(`
local removed = redis.call('LREM', KEYS[1], 1, ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
if removed > 0 then
  redis.call('RPUSH', KEYS[3], ARGV[1])
end
return removed
`)

// NewRedisClient connects to redis and pings it once.
func NewRedisClient(ctx context.Context, cfg *config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}
	return client, nil
}

type RedisBrokerOptions struct {
	Name              string
	VisibilityTimeout time.Duration
	PollInterval      time.Duration
}

// RedisBroker keeps ready jobs in a list and delayed jobs in a sorted set
// scored by due time. Dequeued jobs sit on a processing list until acked.
type RedisBroker struct {
	client            *redis.Client
	logger            *zap.Logger
	readyKey          string
	delayedKey        string
	processingKey     string
	inflightKey       string
	visibilityTimeout time.Duration
	pollInterval      time.Duration
	now               func() time.Time
}

func NewRedisBroker(client *redis.Client, opts RedisBrokerOptions, logger *zap.Logger) *RedisBroker {
	if opts.Name == "" {
		opts.Name = "publish"
	}
	if opts.PollInterval < time.Second {
		opts.PollInterval = time.Second
	}
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = 30 * time.Minute
	}
	prefix := keyPrefix + opts.Name + ":"
	return &RedisBroker{
		client:            client,
		logger:            logger,
		readyKey:          prefix + "ready",
		delayedKey:        prefix + "delayed",
		processingKey:     prefix + "processing",
		inflightKey:       prefix + "inflight",
		visibilityTimeout: opts.VisibilityTimeout,
		pollInterval:      opts.PollInterval,
		now:               time.Now,
	}
}

func (b *RedisBroker) Enqueue(ctx context.Context, job *models.Job, delay time.Duration) (string, error) {
	prepare(job, b.now())
	payload, err := encodeJob(job)
	if err != nil {
		return "", err
	}

	if delay <= 0 {
		err = b.client.LPush(ctx, b.readyKey, payload).Err()
	} else {
		due := b.now().Add(delay).UnixMilli()
		err = b.client.ZAdd(ctx, b.delayedKey, redis.Z{Score: float64(due), Member: payload}).Err()
	}
	if err != nil {
		return "", unavailable(err)
	}
	return job.ID, nil
}

func (b *RedisBroker) Dequeue(ctx context.Context) (*Delivery, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if _, err := b.promote(ctx); err != nil && ctx.Err() == nil {
			b.logger.Warn("Failed to promote delayed jobs", zap.Error(err))
		}

		payload, err := b.client.BRPopLPush(ctx, b.readyKey, b.processingKey, b.pollInterval).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if errors.Is(err, redis.ErrClosed) {
				return nil, ErrClosed
			}
			return nil, fmt.Errorf("failed to dequeue job: %w", err)
		}

		started := strconv.FormatInt(b.now().UnixMilli(), 10)
		if err := b.client.HSet(ctx, b.inflightKey, payload, started).Err(); err != nil {
			b.logger.Warn("Failed to track in-flight job", zap.Error(err))
		}

		job, err := decodeJob([]byte(payload))
		if err != nil {
			b.logger.Error("Dropping undecodable job", zap.Error(err), zap.String("payload", payload))
			_ = b.remove(ctx, payload)
			continue
		}

		return NewDelivery(job, func(ctx context.Context) error {
			return b.remove(ctx, payload)
		}), nil
	}
}

// Recover puts in-flight jobs older than the visibility timeout back on the
// ready list and returns how many were requeued.
func (b *RedisBroker) Recover(ctx context.Context) (int, error) {
	inflight, err := b.client.HGetAll(ctx, b.inflightKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read in-flight jobs: %w", err)
	}

	processing, err := b.client.LRange(ctx, b.processingKey, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read processing list: %w", err)
	}

	nowMs := b.now().UnixMilli()
	for _, payload := range processing {
		// A worker died between the pop and the in-flight write.
		if _, ok := inflight[payload]; !ok {
			if err := b.client.HSetNX(ctx, b.inflightKey, payload, nowMs).Err(); err != nil {
				return 0, fmt.Errorf("failed to track orphaned job: %w", err)
			}
		}
	}

	cutoff := nowMs - b.visibilityTimeout.Milliseconds()
	requeued := 0
	for payload, startedRaw := range inflight {
		started, err := strconv.ParseInt(startedRaw, 10, 64)
		if err != nil || started > cutoff {
			continue
		}

		removed, err := requeueScript.Run(ctx, b.client,
			[]string{b.processingKey, b.inflightKey, b.readyKey}, payload).Int64()
		if err != nil {
			return requeued, fmt.Errorf("failed to requeue expired job: %w", err)
		}
		requeued += int(removed)
	}

	if requeued > 0 {
		b.logger.Warn("Requeued expired in-flight jobs", zap.Int("count", requeued))
	}
	return requeued, nil
}

func (b *RedisBroker) Close() error {
	return nil
}

func (b *RedisBroker) promote(ctx context.Context) (int64, error) {
	now := strconv.FormatInt(b.now().UnixMilli(), 10)
	return promoteScript.Run(ctx, b.client, []string{b.delayedKey, b.readyKey}, now, promoteBatch).Int64()
}

func (b *RedisBroker) remove(ctx context.Context, payload string) error {
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, b.processingKey, 1, payload)
		pipe.HDel(ctx, b.inflightKey, payload)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to ack job: %w", err)
	}
	return nil
}

// RedisResultBackend stores job states as JSON strings that expire after ttl.
type RedisResultBackend struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisResultBackend(client *redis.Client, ttl time.Duration) *RedisResultBackend {
	return &RedisResultBackend{client: client, ttl: ttl}
}

func (r *RedisResultBackend) SetState(ctx context.Context, state *models.JobState) error {
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = time.Now()
	}
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal job state: %w", err)
	}
	if err := r.client.Set(ctx, resultKeyPrefix+state.JobID, data, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store job state: %w", err)
	}
	return nil
}

func (r *RedisResultBackend) GetState(ctx context.Context, jobID string) (*models.JobState, error) {
	data, err := r.client.Get(ctx, resultKeyPrefix+jobID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job state: %w", err)
	}

	var state models.JobState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job state: %w", err)
	}
	return &state, nil
}
