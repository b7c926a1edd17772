package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/ifuryst/crosspost/internal/models"
)

const notBeforeHeader = "not_before"

type KafkaBrokerOptions struct {
	Brokers    []string
	Topic      string
	RetryTopic string
	GroupID    string
}

// KafkaBroker publishes jobs to a main topic. Delayed jobs go to a retry
// topic first and are relayed to the main topic by Run once they are due.
type KafkaBroker struct {
	writer      *kafka.Writer
	retryWriter *kafka.Writer
	reader      *kafka.Reader
	retryReader *kafka.Reader
	offsets     *offsetTracker
	commitMu    sync.Mutex
	logger      *zap.Logger
	now         func() time.Time
}

func NewKafkaBroker(opts KafkaBrokerOptions, logger *zap.Logger) *KafkaBroker {
	newWriter := func(topic string) *kafka.Writer {
		return &kafka.Writer{
			Addr:         kafka.TCP(opts.Brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			BatchSize:    1,
			BatchTimeout: 10 * time.Millisecond,
		}
	}
	newReader := func(topic, groupID string) *kafka.Reader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:  opts.Brokers,
			Topic:    topic,
			GroupID:  groupID,
			MinBytes: 1,
			MaxBytes: 10e6, // 10MB
		})
	}

	return &KafkaBroker{
		writer:      newWriter(opts.Topic),
		retryWriter: newWriter(opts.RetryTopic),
		reader:      newReader(opts.Topic, opts.GroupID),
		retryReader: newReader(opts.RetryTopic, opts.GroupID+"-retry"),
		offsets:     newOffsetTracker(),
		logger:      logger,
		now:         time.Now,
	}
}

func (b *KafkaBroker) Enqueue(ctx context.Context, job *models.Job, delay time.Duration) (string, error) {
	prepare(job, b.now())
	payload, err := encodeJob(job)
	if err != nil {
		return "", err
	}

	if delay <= 0 {
		err = b.writer.WriteMessages(ctx, kafka.Message{Key: []byte(job.ID), Value: payload})
	} else {
		err = b.retryWriter.WriteMessages(ctx, retryMessage(job.ID, payload, b.now().Add(delay)))
	}
	if err != nil {
		return "", unavailable(err)
	}
	return job.ID, nil
}

func (b *KafkaBroker) Dequeue(ctx context.Context) (*Delivery, error) {
	for {
		msg, err := b.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				return nil, ErrClosed
			}
			return nil, fmt.Errorf("failed to fetch job: %w", err)
		}

		b.offsets.fetched(msg.Partition, msg.Offset)

		job, err := decodeJob(msg.Value)
		if err != nil {
			b.logger.Error("Dropping undecodable job",
				zap.Error(err),
				zap.Int64("offset", msg.Offset))
			if err := b.commit(ctx, msg); err != nil {
				b.logger.Warn("Failed to commit undecodable job", zap.Error(err))
			}
			continue
		}

		return NewDelivery(job, func(ctx context.Context) error {
			return b.commit(ctx, msg)
		}), nil
	}
}

// commit acks msg and commits its partition up to the oldest message still
// in flight. Workers share one reader, so a message acked ahead of an
// unacked one only moves the offset once the older one is acked too.
func (b *KafkaBroker) commit(ctx context.Context, msg kafka.Message) error {
	b.commitMu.Lock()
	defer b.commitMu.Unlock()

	offset, ok := b.offsets.acked(msg.Partition, msg.Offset)
	if !ok {
		return nil
	}
	mark := kafka.Message{Topic: msg.Topic, Partition: msg.Partition, Offset: offset}
	if err := b.reader.CommitMessages(ctx, mark); err != nil {
		return fmt.Errorf("failed to commit job: %w", err)
	}
	return nil
}

// Run relays due messages from the retry topic to the main topic until ctx is done.
func (b *KafkaBroker) Run(ctx context.Context) error {
	for {
		msg, err := b.retryReader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			b.logger.Error("Failed to fetch retry message", zap.Error(err))
			continue
		}

		if wait := dueTime(msg).Sub(b.now()); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-timer.C:
			}
		}

		if err := b.writer.WriteMessages(ctx, kafka.Message{Key: msg.Key, Value: msg.Value}); err != nil {
			// Not committed, so the message is fetched again after a rebalance or restart.
			b.logger.Error("Failed to relay retry message", zap.Error(err), zap.ByteString("job_id", msg.Key))
			if ctx.Err() != nil {
				return nil
			}
			continue
		}
		if err := b.retryReader.CommitMessages(ctx, msg); err != nil {
			b.logger.Warn("Failed to commit relayed retry message", zap.Error(err))
		}
	}
}

func (b *KafkaBroker) Close() error {
	return errors.Join(
		b.writer.Close(),
		b.retryWriter.Close(),
		b.reader.Close(),
		b.retryReader.Close(),
	)
}

func retryMessage(jobID string, payload []byte, due time.Time) kafka.Message {
	return kafka.Message{
		Key:   []byte(jobID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: notBeforeHeader, Value: []byte(strconv.FormatInt(due.UnixMilli(), 10))},
		},
	}
}

// dueTime reads the not_before header. Messages without one are due immediately.
func dueTime(msg kafka.Message) time.Time {
	for _, h := range msg.Headers {
		if h.Key != notBeforeHeader {
			continue
		}
		if ms, err := strconv.ParseInt(string(h.Value), 10, 64); err == nil {
			return time.UnixMilli(ms)
		}
	}
	return time.Time{}
}

// offsetTracker remembers, per partition, the fetched offsets that are not
// yet committable.
type offsetTracker struct {
	mu         sync.Mutex
	partitions map[int]*partitionOffsets
}

type partitionOffsets struct {
	pending []int64 // fetch order, ascending
	acked   map[int64]bool
}

func newOffsetTracker() *offsetTracker {
	return &offsetTracker{partitions: make(map[int]*partitionOffsets)}
}

// fetched registers a delivered offset. An offset at or below the last one
// seen means the partition was rewound by a rebalance, so its state restarts.
func (t *offsetTracker) fetched(partition int, offset int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p := t.partitions[partition]
	if p == nil || (len(p.pending) > 0 && offset <= p.pending[len(p.pending)-1]) {
		p = &partitionOffsets{acked: make(map[int64]bool)}
		t.partitions[partition] = p
	}
	p.pending = append(p.pending, offset)
}

// acked marks offset done and returns the last offset of the acked prefix
// of the partition. ok is false when the prefix did not grow.
func (t *offsetTracker) acked(partition int, offset int64) (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p := t.partitions[partition]
	if p == nil {
		return 0, false
	}
	p.acked[offset] = true

	var (
		last  int64
		moved bool
	)
	for len(p.pending) > 0 && p.acked[p.pending[0]] {
		last = p.pending[0]
		delete(p.acked, last)
		p.pending = p.pending[1:]
		moved = true
	}
	return last, moved
}
