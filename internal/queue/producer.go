package queue

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/ismaiel54/order-gateway/internal/ident"
	"github.com/ismaiel54/order-gateway/internal/msg"
	"go.uber.org/zap"
)

// Producer publishes messages of type T to T's queue
type Producer[T msg.Payload] struct {
	broker       Broker
	queue        string
	logger       *zap.Logger
	produceCount int64
	errorCount   int64
}

// NewProducer declares T's queue and returns a producer bound to it
func NewProducer[T msg.Payload](ctx context.Context, broker Broker, logger *zap.Logger) (*Producer[T], error) {
	queue := msg.ClassOf[T]().String()
	if err := broker.Declare(ctx, queue); err != nil {
		return nil, fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}

	logger.Info("producer initialized", zap.String("queue", queue))

	return &Producer[T]{
		broker: broker,
		queue:  queue,
		logger: logger,
	}, nil
}

// Queue returns the queue name
func (p *Producer[T]) Queue() string {
	return p.queue
}

// Publish hands m to the broker. It does not wait for delivery.
func (p *Producer[T]) Publish(ctx context.Context, m T) error {
	data, err := m.MarshalBinary()
	if err != nil {
		atomic.AddInt64(&p.errorCount, 1)
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if err := p.broker.Publish(ctx, p.queue, partitionKey(m), data); err != nil {
		atomic.AddInt64(&p.errorCount, 1)
		return fmt.Errorf("failed to publish to %s: %w", p.queue, err)
	}

	atomic.AddInt64(&p.produceCount, 1)
	return nil
}

// BatchError reports a batch that stopped partway. Messages before the
// failed one are already published and are not rolled back; the failed one
// and those after it are not retried.
type BatchError struct {
	Published int
	Total     int
	Err       error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("batch stopped after %d of %d messages: %v", e.Published, e.Total, e.Err)
}

func (e *BatchError) Unwrap() error {
	return e.Err
}

// PublishBatch publishes msgs in order and stops at the first failure,
// returning a *BatchError. There is no atomicity across the batch.
func (p *Producer[T]) PublishBatch(ctx context.Context, msgs []T) error {
	for i, m := range msgs {
		if err := p.Publish(ctx, m); err != nil {
			return &BatchError{Published: i, Total: len(msgs), Err: err}
		}
	}
	return nil
}

// Stats returns the number of published and failed messages
func (p *Producer[T]) Stats() (produced, errors int64) {
	return atomic.LoadInt64(&p.produceCount), atomic.LoadInt64(&p.errorCount)
}

// partitionKey keys a message by the client id in its composite order id,
// keeping one client's messages on one partition
func partitionKey(m msg.Payload) string {
	var composite string
	switch v := any(m).(type) {
	case msg.CreateOrder:
		composite = v.ClientOrderID
	case msg.CancelOrder:
		composite = v.ClientOrderID
	case msg.CancelConfirm:
		composite = v.ClientOrderID
	case msg.OrderConfirm:
		if v.ClientOrderID != nil {
			composite = *v.ClientOrderID
		}
	case msg.Fill:
		if v.ClientOrderID != nil {
			composite = *v.ClientOrderID
		}
	}
	clientID, err := ident.ClientID(composite)
	if err != nil {
		return ""
	}
	return clientID
}
