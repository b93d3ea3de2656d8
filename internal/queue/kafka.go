package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
	"go.uber.org/zap"
)

// KafkaBroker maps each queue to a topic. Every polled queue gets its own
// consumer group client; offsets are committed before a record is handed
// to the caller, so delivery is at-most-once from the gateway's side.
type KafkaBroker struct {
	cfg      *Config
	logger   *zap.Logger
	producer *kgo.Client

	mu        sync.Mutex
	consumers map[string]*kgo.Client

	produceCount int64
	pollCount    int64
	errorCount   int64
	done         chan struct{}
	closeOnce    sync.Once
}

// NewKafkaBroker creates the producer client; consumer clients are created
// on first poll of each queue
func NewKafkaBroker(cfg *Config, logger *zap.Logger) (*KafkaBroker, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(cfg.ClientID),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.DisableIdempotentWrite(),
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	b := &KafkaBroker{
		cfg:       cfg,
		logger:    logger,
		producer:  client,
		consumers: make(map[string]*kgo.Client),
		done:      make(chan struct{}),
	}

	logger.Info("kafka broker initialized",
		zap.Strings("brokers", cfg.Brokers),
		zap.String("client_id", cfg.ClientID),
	)

	go b.logStats()

	return b, nil
}

// Declare creates the topic; an existing topic is not an error
func (b *KafkaBroker) Declare(ctx context.Context, queue string) error {
	req := kmsg.NewPtrCreateTopicsRequest()
	req.TimeoutMillis = 5000
	topic := kmsg.NewCreateTopicsRequestTopic()
	topic.Topic = queue
	topic.NumPartitions = b.cfg.Partitions
	topic.ReplicationFactor = b.cfg.ReplicationFactor
	req.Topics = append(req.Topics, topic)

	resp, err := req.RequestWith(ctx, b.producer)
	if err != nil {
		return fmt.Errorf("%w: create topic %s: %v", ErrBrokerUnavailable, queue, err)
	}
	for _, t := range resp.Topics {
		if err := kerr.ErrorForCode(t.ErrorCode); err != nil && !errors.Is(err, kerr.TopicAlreadyExists) {
			return fmt.Errorf("%w: create topic %s: %v", ErrBrokerUnavailable, t.Topic, err)
		}
	}

	b.logger.Debug("topic declared", zap.String("topic", queue))
	return nil
}

// Publish produces synchronously so that the record is with the broker on return
func (b *KafkaBroker) Publish(ctx context.Context, queue, key string, value []byte) error {
	record := &kgo.Record{
		Topic: queue,
		Value: value,
	}
	if key != "" {
		record.Key = []byte(key)
	}

	produceCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := b.producer.ProduceSync(produceCtx, record).FirstErr(); err != nil {
		atomic.AddInt64(&b.errorCount, 1)
		return fmt.Errorf("%w: produce to %s: %v", ErrBrokerUnavailable, queue, err)
	}

	atomic.AddInt64(&b.produceCount, 1)
	return nil
}

// Poll waits at most the configured poll timeout for one record
func (b *KafkaBroker) Poll(ctx context.Context, queue string) (*Record, error) {
	client, err := b.consumerFor(queue)
	if err != nil {
		return nil, err
	}

	pollCtx, cancel := context.WithTimeout(ctx, b.cfg.PollTimeout)
	defer cancel()

	fetches := client.PollRecords(pollCtx, 1)
	if fetches.IsClientClosed() {
		return nil, fmt.Errorf("%w: kafka client closed", ErrBrokerUnavailable)
	}
	for _, fe := range fetches.Errors() {
		if errors.Is(fe.Err, context.DeadlineExceeded) || errors.Is(fe.Err, context.Canceled) {
			continue
		}
		atomic.AddInt64(&b.errorCount, 1)
		return nil, fmt.Errorf("%w: fetch %s[%d]: %v", ErrBrokerUnavailable, fe.Topic, fe.Partition, fe.Err)
	}

	records := fetches.Records()
	if len(records) == 0 {
		return nil, nil
	}
	record := records[0]

	if err := client.CommitRecords(ctx, record); err != nil {
		b.logger.Warn("failed to commit record, it may be redelivered",
			zap.String("topic", record.Topic),
			zap.Int32("partition", record.Partition),
			zap.Int64("offset", record.Offset),
			zap.Error(err),
		)
	}

	atomic.AddInt64(&b.pollCount, 1)
	return &Record{
		Queue:     record.Topic,
		Key:       string(record.Key),
		Value:     record.Value,
		Partition: record.Partition,
		Offset:    record.Offset,
		Timestamp: record.Timestamp.UnixMilli(),
	}, nil
}

func (b *KafkaBroker) consumerFor(queue string) (*kgo.Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if client, ok := b.consumers[queue]; ok {
		return client, nil
	}

	group := b.cfg.GroupPrefix + "-" + queue
	client, err := kgo.NewClient(
		kgo.SeedBrokers(b.cfg.Brokers...),
		kgo.ClientID(b.cfg.ClientID),
		kgo.ConsumerGroup(group),
		kgo.ConsumeTopics(queue),
		kgo.DisableAutoCommit(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: create consumer for %s: %v", ErrBrokerUnavailable, queue, err)
	}
	b.consumers[queue] = client

	b.logger.Info("consumer initialized",
		zap.String("group", group),
		zap.String("topic", queue),
	)
	return client, nil
}

// Ping checks connectivity to any seed broker
func (b *KafkaBroker) Ping(ctx context.Context) error {
	if err := b.producer.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
	}
	return nil
}

// Close closes all clients
func (b *KafkaBroker) Close() error {
	b.closeOnce.Do(func() {
		close(b.done)

		b.mu.Lock()
		for _, client := range b.consumers {
			client.Close()
		}
		b.consumers = map[string]*kgo.Client{}
		b.mu.Unlock()

		b.producer.Close()
	})
	return nil
}

// logStats logs broker statistics periodically
func (b *KafkaBroker) logStats() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
			b.logger.Info("kafka broker stats",
				zap.Int64("produced", atomic.LoadInt64(&b.produceCount)),
				zap.Int64("polled", atomic.LoadInt64(&b.pollCount)),
				zap.Int64("errors", atomic.LoadInt64(&b.errorCount)),
			)
		}
	}
}
