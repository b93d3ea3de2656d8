package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisBroker keeps each queue in a Redis list: LPUSH to publish, RPOP to
// poll, which gives FIFO order and removes a message once polled
type RedisBroker struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
}

// NewRedisBroker connects to Redis and verifies the connection
func NewRedisBroker(ctx context.Context, cfg *Config, logger *zap.Logger) (*RedisBroker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: redis ping %s: %v", ErrBrokerUnavailable, cfg.RedisAddr, err)
	}

	logger.Info("redis broker initialized",
		zap.String("addr", cfg.RedisAddr),
		zap.Int("db", cfg.RedisDB),
		zap.String("key_prefix", cfg.RedisKeyPrefix),
	)

	return &RedisBroker{
		client: client,
		prefix: cfg.RedisKeyPrefix,
		logger: logger,
	}, nil
}

func (b *RedisBroker) key(queue string) string {
	return b.prefix + queue
}

// Declare records the queue name in the registry set
func (b *RedisBroker) Declare(ctx context.Context, queue string) error {
	if err := b.client.SAdd(ctx, b.prefix+"queues", queue).Err(); err != nil {
		return fmt.Errorf("%w: declare %s: %v", ErrBrokerUnavailable, queue, err)
	}
	return nil
}

func (b *RedisBroker) Publish(ctx context.Context, queue, key string, value []byte) error {
	if err := b.client.LPush(ctx, b.key(queue), value).Err(); err != nil {
		return fmt.Errorf("%w: lpush %s: %v", ErrBrokerUnavailable, queue, err)
	}
	return nil
}

func (b *RedisBroker) Poll(ctx context.Context, queue string) (*Record, error) {
	value, err := b.client.RPop(ctx, b.key(queue)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: rpop %s: %v", ErrBrokerUnavailable, queue, err)
	}
	return &Record{
		Queue:     queue,
		Value:     value,
		Timestamp: time.Now().UnixMilli(),
	}, nil
}

func (b *RedisBroker) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
	}
	return nil
}

func (b *RedisBroker) Close() error {
	return b.client.Close()
}
