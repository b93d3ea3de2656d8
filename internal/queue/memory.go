package queue

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryBroker is an in-process broker with FIFO queues
type MemoryBroker struct {
	mu           sync.Mutex
	queues       map[string][]Record
	declarations map[string]int
	offsets      map[string]int64
	closed       bool
}

// NewMemoryBroker creates an empty broker
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		queues:       make(map[string][]Record),
		declarations: make(map[string]int),
		offsets:      make(map[string]int64),
	}
}

func (b *MemoryBroker) Declare(ctx context.Context, queue string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("%w: memory broker closed", ErrBrokerUnavailable)
	}
	if _, ok := b.queues[queue]; !ok {
		b.queues[queue] = nil
	}
	b.declarations[queue]++
	return nil
}

func (b *MemoryBroker) Publish(ctx context.Context, queue, key string, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("%w: memory broker closed", ErrBrokerUnavailable)
	}
	rec := Record{
		Queue:     queue,
		Key:       key,
		Value:     append([]byte(nil), value...),
		Offset:    b.offsets[queue],
		Timestamp: time.Now().UnixMilli(),
	}
	b.offsets[queue]++
	b.queues[queue] = append(b.queues[queue], rec)
	return nil
}

func (b *MemoryBroker) Poll(ctx context.Context, queue string) (*Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("%w: memory broker closed", ErrBrokerUnavailable)
	}
	pending := b.queues[queue]
	if len(pending) == 0 {
		return nil, nil
	}
	rec := pending[0]
	b.queues[queue] = pending[1:]
	return &rec, nil
}

func (b *MemoryBroker) Ping(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("%w: memory broker closed", ErrBrokerUnavailable)
	}
	return nil
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// Len returns the number of messages waiting on queue
func (b *MemoryBroker) Len(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queues[queue])
}

// Declarations returns how many times queue was declared
func (b *MemoryBroker) Declarations(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.declarations[queue]
}
