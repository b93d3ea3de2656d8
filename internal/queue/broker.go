package queue

import (
	"context"
	"errors"
)

// ErrBrokerUnavailable wraps every publish, poll and declare failure
// caused by the broker
var ErrBrokerUnavailable = errors.New("broker unavailable")

// Record represents one message taken off a queue
type Record struct {
	Queue     string
	Key       string
	Value     []byte
	Partition int32
	Offset    int64
	Timestamp int64
}

// Broker is the minimal contract the gateway needs from a message broker.
// Publish hands a message to the broker without waiting for delivery.
// Poll returns a nil record when the queue is empty and never blocks
// longer than the backend's poll timeout; a polled message is removed.
type Broker interface {
	Declare(ctx context.Context, queue string) error
	Publish(ctx context.Context, queue, key string, value []byte) error
	Poll(ctx context.Context, queue string) (*Record, error)
	Ping(ctx context.Context) error
	Close() error
}
