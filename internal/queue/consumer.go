package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/ismaiel54/order-gateway/internal/msg"
	"go.uber.org/zap"
)

// ErrUndecodable is returned when a polled message cannot be decoded. The
// message has already been removed from the queue.
var ErrUndecodable = errors.New("undecodable message")

// Consumer polls messages of type T from T's queue
type Consumer[T msg.Payload] struct {
	broker Broker
	queue  string
	logger *zap.Logger
}

// NewConsumer declares T's queue and returns a consumer bound to it
func NewConsumer[T msg.Payload](ctx context.Context, broker Broker, logger *zap.Logger) (*Consumer[T], error) {
	queue := msg.ClassOf[T]().String()
	if err := broker.Declare(ctx, queue); err != nil {
		return nil, fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}

	logger.Info("consumer initialized", zap.String("queue", queue))

	return &Consumer[T]{
		broker: broker,
		queue:  queue,
		logger: logger,
	}, nil
}

// Queue returns the queue name
func (c *Consumer[T]) Queue() string {
	return c.queue
}

// TryNext polls once. It reports false when the queue is empty.
func (c *Consumer[T]) TryNext(ctx context.Context) (T, bool, error) {
	var zero T

	rec, err := c.broker.Poll(ctx, c.queue)
	if err != nil {
		return zero, false, fmt.Errorf("failed to poll %s: %w", c.queue, err)
	}
	if rec == nil {
		return zero, false, nil
	}

	m, err := msg.Unmarshal[T](rec.Value)
	if err != nil {
		c.logger.Warn("dropping undecodable message",
			zap.String("queue", c.queue),
			zap.Int32("partition", rec.Partition),
			zap.Int64("offset", rec.Offset),
			zap.Error(err),
		)
		return zero, false, fmt.Errorf("%w: %v", ErrUndecodable, err)
	}
	return m, true, nil
}

// DrainAll polls until the queue is empty and returns messages in broker
// delivery order. On error it returns what was drained so far.
func (c *Consumer[T]) DrainAll(ctx context.Context) ([]T, error) {
	var out []T
	for {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		m, ok, err := c.TryNext(ctx)
		if err != nil {
			return out, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, m)
	}
}
