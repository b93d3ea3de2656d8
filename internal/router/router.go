package router

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/ismaiel54/order-gateway/internal/ident"
	"github.com/ismaiel54/order-gateway/internal/msg"
	"github.com/ismaiel54/order-gateway/internal/observability"
	"github.com/ismaiel54/order-gateway/internal/protocol"
	"github.com/ismaiel54/order-gateway/internal/queue"
	"github.com/ismaiel54/order-gateway/internal/session"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"
)

// ErrUnknownClient is returned when a response names a client with no live
// session
var ErrUnknownClient = errors.New("unknown client")

// Drop reasons recorded in metrics and the dead-letter journal
const (
	ReasonUnknownClient = "unknown_client"
	ReasonMalformedID   = "malformed_id"
	ReasonMissingID     = "missing_id"
	ReasonUndecodable   = "undecodable"
	ReasonWriteFailed   = "write_failed"
)

const (
	defaultMaxBackoff = 250 * time.Millisecond
	initialBackoff    = 5 * time.Millisecond
	statsInterval     = 30 * time.Second
)

// Journal records responses that could not be delivered
type Journal interface {
	Record(ctx context.Context, queue, clientID, clientOrderID, reason string, payload any) error
}

// Options configures a Router. Zero values are usable.
type Options struct {
	MaxBackoff time.Duration
	Index      *OrderIndex
	Journal    Journal
	Metrics    *observability.Metrics
}

// Router drains the response queues and writes each message to the socket
// of the client that owns it
type Router struct {
	registry       *session.Registry
	orderConfirms  *queue.Consumer[msg.OrderConfirm]
	cancelConfirms *queue.Consumer[msg.CancelConfirm]
	fills          *queue.Consumer[msg.Fill]
	index          *OrderIndex
	journal        Journal
	metrics        *observability.Metrics
	maxBackoff     time.Duration
	logger         *zap.Logger

	routedCount  int64
	droppedCount int64
}

// New declares the response queues and returns a router over them
func New(ctx context.Context, broker queue.Broker, registry *session.Registry, opts Options, logger *zap.Logger) (*Router, error) {
	orderConfirms, err := queue.NewConsumer[msg.OrderConfirm](ctx, broker, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create order-confirm consumer: %w", err)
	}
	cancelConfirms, err := queue.NewConsumer[msg.CancelConfirm](ctx, broker, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create cancel-confirm consumer: %w", err)
	}
	fills, err := queue.NewConsumer[msg.Fill](ctx, broker, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create fill consumer: %w", err)
	}

	maxBackoff := opts.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = defaultMaxBackoff
	}

	return &Router{
		registry:       registry,
		orderConfirms:  orderConfirms,
		cancelConfirms: cancelConfirms,
		fills:          fills,
		index:          opts.Index,
		journal:        opts.Journal,
		metrics:        opts.Metrics,
		maxBackoff:     maxBackoff,
		logger:         logger,
	}, nil
}

// Run services the three response queues until ctx is cancelled
func (r *Router) Run(ctx context.Context) {
	r.logger.Info("router started", zap.Duration("max_backoff", r.maxBackoff))

	var wg conc.WaitGroup
	wg.Go(func() { drain(ctx, r, r.orderConfirms, r.HandleOrderConfirm) })
	wg.Go(func() { drain(ctx, r, r.cancelConfirms, r.HandleCancelConfirm) })
	wg.Go(func() { drain(ctx, r, r.fills, r.HandleFill) })
	wg.Go(func() { r.logStats(ctx) })
	wg.Wait()

	r.logger.Info("router stopped")
}

// drain polls c until ctx is cancelled. Empty polls and broker errors back
// off exponentially up to the router's cap; a delivered message resets it.
func drain[T msg.Payload](ctx context.Context, r *Router, c *queue.Consumer[T], handle func(context.Context, T) error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initialBackoff
	b.MaxInterval = r.maxBackoff

	for {
		if ctx.Err() != nil {
			return
		}

		m, ok, err := c.TryNext(ctx)
		switch {
		case err != nil && errors.Is(err, queue.ErrUndecodable):
			r.dropped(c.Queue(), ReasonUndecodable)
			continue
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			r.logger.Warn("poll failed",
				zap.String("queue", c.Queue()),
				zap.Error(err),
			)
		case ok:
			b.Reset()
			// Failures are logged and counted inside handle
			_ = handle(ctx, m)
			continue
		}

		sleep := b.NextBackOff()
		if sleep == backoff.Stop {
			sleep = r.maxBackoff
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
		}
	}
}

// HandleOrderConfirm routes one order confirmation
func (r *Router) HandleOrderConfirm(ctx context.Context, m msg.OrderConfirm) error {
	queueName := m.Class().String()
	if m.ClientOrderID == nil {
		r.drop(ctx, queueName, "", "", ReasonMissingID, m)
		return fmt.Errorf("%w: order confirm %s has no client order id", ident.ErrMalformedIdentifier, m.OrderID)
	}

	composite := *m.ClientOrderID
	clientID, localID, err := ident.Decode(composite)
	if err != nil {
		r.drop(ctx, queueName, "", composite, ReasonMalformedID, m)
		return err
	}
	r.index.Remember(m.OrderID, composite)

	m.ClientOrderID = msg.Ptr(localID)
	return r.deliver(ctx, clientID, composite, m)
}

// HandleCancelConfirm routes one cancel confirmation
func (r *Router) HandleCancelConfirm(ctx context.Context, m msg.CancelConfirm) error {
	queueName := m.Class().String()
	composite := m.ClientOrderID
	clientID, localID, err := ident.Decode(composite)
	if err != nil {
		r.drop(ctx, queueName, "", composite, ReasonMalformedID, m)
		return err
	}
	r.index.Forget(m.OrderID)

	m.ClientOrderID = localID
	return r.deliver(ctx, clientID, composite, m)
}

// HandleFill routes one fill. A fill without a client order id is resolved
// through the order index.
func (r *Router) HandleFill(ctx context.Context, m msg.Fill) error {
	queueName := m.Class().String()

	var composite string
	if m.ClientOrderID != nil {
		composite = *m.ClientOrderID
	} else if c, ok := r.index.Lookup(m.OrderID); ok {
		composite = c
	} else {
		r.drop(ctx, queueName, "", "", ReasonMissingID, m)
		return fmt.Errorf("%w: fill %s for order %s has no client order id", ident.ErrMalformedIdentifier, m.TradeID, m.OrderID)
	}

	clientID, localID, err := ident.Decode(composite)
	if err != nil {
		r.drop(ctx, queueName, "", composite, ReasonMalformedID, m)
		return err
	}

	m.ClientOrderID = msg.Ptr(localID)
	return r.deliver(ctx, clientID, composite, m)
}

// deliver writes m to clientID's session. The payload already carries the
// client's local order id.
func (r *Router) deliver(ctx context.Context, clientID, composite string, m msg.Payload) error {
	queueName := m.Class().String()

	s, ok := r.registry.Lookup(clientID)
	if !ok {
		r.drop(ctx, queueName, clientID, composite, ReasonUnknownClient, m)
		return fmt.Errorf("%w: %s", ErrUnknownClient, clientID)
	}

	frame, err := protocol.EncodeMessage(m)
	if err != nil {
		r.drop(ctx, queueName, clientID, composite, ReasonUndecodable, m)
		return fmt.Errorf("failed to frame %s: %w", queueName, err)
	}

	if err := s.Write(frame); err != nil {
		r.logger.Warn("write to client failed, removing session",
			zap.String("queue", queueName),
			zap.String("client_id", clientID),
			zap.String("session_id", s.ID),
			zap.Error(err),
		)
		r.registry.RemoveSession(s)
		s.Close()
		if r.metrics != nil {
			r.metrics.WriteFailures.WithLabelValues(queueName).Inc()
		}
		r.drop(ctx, queueName, clientID, composite, ReasonWriteFailed, m)
		return err
	}

	atomic.AddInt64(&r.routedCount, 1)
	if r.metrics != nil {
		r.metrics.Routed.WithLabelValues(queueName).Inc()
	}
	r.logger.Debug("response routed",
		zap.String("queue", queueName),
		zap.String("client_id", clientID),
		zap.String("client_order_id", composite),
	)
	return nil
}

func (r *Router) drop(ctx context.Context, queueName, clientID, composite, reason string, m msg.Payload) {
	r.logger.Warn("dropping response",
		zap.String("queue", queueName),
		zap.String("client_id", clientID),
		zap.String("client_order_id", composite),
		zap.String("reason", reason),
	)
	r.dropped(queueName, reason)

	if r.journal != nil {
		if err := r.journal.Record(ctx, queueName, clientID, composite, reason, m); err != nil {
			r.logger.Error("failed to record dead letter",
				zap.String("queue", queueName),
				zap.Error(err),
			)
		}
	}
}

func (r *Router) dropped(queueName, reason string) {
	atomic.AddInt64(&r.droppedCount, 1)
	if r.metrics != nil {
		r.metrics.Dropped.WithLabelValues(queueName, reason).Inc()
	}
}

// Stats returns the number of routed and dropped responses
func (r *Router) Stats() (routed, dropped int64) {
	return atomic.LoadInt64(&r.routedCount), atomic.LoadInt64(&r.droppedCount)
}

func (r *Router) logStats(ctx context.Context) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			routed, dropped := r.Stats()
			r.logger.Info("router stats",
				zap.Int64("routed", routed),
				zap.Int64("dropped", dropped),
				zap.Int("sessions", r.registry.Len()),
				zap.Int("indexed_orders", r.index.Len()),
			)
		}
	}
}
