package chaos

import (
	"context"
	"fmt"

	"github.com/ismaiel54/order-gateway/internal/queue"
)

// Broker wraps a queue.Broker and injects publish drops and delays
type Broker struct {
	queue.Broker
	chaos *Chaos
}

// Wrap returns b unchanged when chaos is disabled
func Wrap(b queue.Broker, c *Chaos) queue.Broker {
	if c == nil || !c.cfg.Enabled {
		return b
	}
	return &Broker{Broker: b, chaos: c}
}

// Publish may be delayed or rejected before reaching the wrapped broker
func (b *Broker) Publish(ctx context.Context, queueName, key string, value []byte) error {
	if err := b.chaos.MaybeDelay(ctx, queueName, OpPublish); err != nil {
		return err
	}
	if b.chaos.MaybeDrop(queueName, OpPublish) {
		return fmt.Errorf("%w: chaos dropped publish to %s", queue.ErrBrokerUnavailable, queueName)
	}
	return b.Broker.Publish(ctx, queueName, key, value)
}

// Poll may be delayed before reaching the wrapped broker
func (b *Broker) Poll(ctx context.Context, queueName string) (*queue.Record, error) {
	if err := b.chaos.MaybeDelay(ctx, queueName, OpPoll); err != nil {
		return nil, err
	}
	return b.Broker.Poll(ctx, queueName)
}
