package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/ismaiel54/order-gateway/internal/ident"
	"github.com/ismaiel54/order-gateway/internal/msg"
	"github.com/ismaiel54/order-gateway/internal/observability"
	"github.com/ismaiel54/order-gateway/internal/protocol"
	"github.com/ismaiel54/order-gateway/internal/queue"
	"github.com/ismaiel54/order-gateway/internal/session"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config holds the listener settings. Zero timeouts are disabled.
type Config struct {
	Addr           string
	LoginTimeout   time.Duration
	IdleTimeout    time.Duration
	WriteTimeout   time.Duration
	OrderRateLimit float64
}

// Server is the client-facing TCP endpoint
type Server struct {
	cfg      Config
	registry *session.Registry
	orders   *queue.Producer[msg.CreateOrder]
	cancels  *queue.Producer[msg.CancelOrder]
	metrics  *observability.Metrics
	logger   *zap.Logger

	mu        sync.Mutex
	listener  net.Listener
	ready     chan struct{}
	readyOnce sync.Once
}

// NewServer declares the request queues and returns a server publishing to
// them. metrics may be nil.
func NewServer(ctx context.Context, cfg Config, broker queue.Broker, registry *session.Registry, metrics *observability.Metrics, logger *zap.Logger) (*Server, error) {
	orders, err := queue.NewProducer[msg.CreateOrder](ctx, broker, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create order producer: %w", err)
	}
	cancels, err := queue.NewProducer[msg.CancelOrder](ctx, broker, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create cancel producer: %w", err)
	}

	return &Server{
		cfg:      cfg,
		registry: registry,
		orders:   orders,
		cancels:  cancels,
		metrics:  metrics,
		logger:   logger,
		ready:    make(chan struct{}),
	}, nil
}

// ListenAndServe listens on the configured address and serves until ctx is
// cancelled
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled, then closes every
// session and waits for the connection tasks to finish. Addr reports the
// listener of the first call.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.readyOnce.Do(func() {
		s.mu.Lock()
		s.listener = ln
		s.mu.Unlock()
		close(s.ready)
	})

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	s.logger.Info("gateway listening", zap.String("addr", ln.Addr().String()))

	var conns conc.WaitGroup
	defer conns.Wait()
	defer s.registry.CloseAll()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.logger.Info("gateway listener closed")
				return nil
			}
			s.logger.Warn("accept failed", zap.Error(err))
			continue
		}
		conns.Go(func() { s.handleConn(ctx, conn) })
	}
}

// Addr blocks until the server is listening and returns its address
func (s *Server) Addr() net.Addr {
	<-s.ready
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listener.Addr()
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	remote := conn.RemoteAddr().String()
	reader := protocol.NewReader(conn)

	sess, err := s.login(conn, reader)
	if err != nil {
		s.connError("login failed", remote, "", err)
		return
	}
	defer func() {
		s.registry.RemoveSession(sess)
		sess.Close()
	}()

	var limiter *rate.Limiter
	if s.cfg.OrderRateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.cfg.OrderRateLimit), 1)
	}

	for {
		if s.cfg.IdleTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		}
		f, err := reader.ReadFrame()
		if err != nil {
			s.connError("connection closed", remote, sess.ClientID, err)
			return
		}
		if s.metrics != nil {
			s.metrics.FramesReceived.WithLabelValues(f.Type.String()).Inc()
		}

		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return
			}
		}

		if err := s.dispatch(ctx, sess, f); err != nil {
			s.connError("closing connection", remote, sess.ClientID, err)
			return
		}
	}
}

// login reads the first frame, which must be a valid login, and registers
// the session
func (s *Server) login(conn net.Conn, reader *protocol.Reader) (*session.Session, error) {
	if s.cfg.LoginTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(s.cfg.LoginTimeout))
	}
	f, err := reader.ReadFrame()
	if err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.FramesReceived.WithLabelValues(f.Type.String()).Inc()
	}
	clientID, err := protocol.ParseLogin(f)
	if err != nil {
		return nil, err
	}
	conn.SetReadDeadline(time.Time{})

	sess := session.New(clientID, conn, s.cfg.WriteTimeout)
	outcome := s.registry.Register(sess)
	if s.metrics != nil {
		s.metrics.Logins.WithLabelValues(outcome.String()).Inc()
	}
	return sess, nil
}

// dispatch handles one post-login frame. Only a protocol violation is
// returned; rejected identifiers and publish failures drop the message.
func (s *Server) dispatch(ctx context.Context, sess *session.Session, f protocol.Frame) error {
	if f.Type != protocol.FrameCreateOrder && f.Type != protocol.FrameCancelOrder {
		return fmt.Errorf("%w: %s frame not accepted from clients", protocol.ErrProtocolViolation, f.Type)
	}
	m, err := protocol.Decode(f)
	if err != nil {
		return err
	}

	switch v := m.(type) {
	case msg.CreateOrder:
		localID := v.ClientOrderID
		composite, err := ident.Encode(sess.ClientID, localID)
		if err != nil {
			s.rejectID(sess, f.Type, localID, err)
			return nil
		}
		v.ClientOrderID = composite
		publish(ctx, s, s.orders, sess, v, composite)
	case msg.CancelOrder:
		localID := v.ClientOrderID
		composite, err := ident.Encode(sess.ClientID, localID)
		if err != nil {
			s.rejectID(sess, f.Type, localID, err)
			return nil
		}
		v.ClientOrderID = composite
		publish(ctx, s, s.cancels, sess, v, composite)
	}
	return nil
}

func publish[T msg.Payload](ctx context.Context, s *Server, p *queue.Producer[T], sess *session.Session, m T, composite string) {
	if err := p.Publish(ctx, m); err != nil {
		s.logger.Error("failed to publish client request",
			zap.String("queue", p.Queue()),
			zap.String("client_id", sess.ClientID),
			zap.String("client_order_id", composite),
			zap.Error(err),
		)
		if s.metrics != nil {
			s.metrics.PublishFailures.WithLabelValues(p.Queue()).Inc()
		}
		return
	}
	if s.metrics != nil {
		s.metrics.Published.WithLabelValues(p.Queue()).Inc()
	}
	s.logger.Debug("client request published",
		zap.String("queue", p.Queue()),
		zap.String("client_id", sess.ClientID),
		zap.String("client_order_id", composite),
	)
}

func (s *Server) rejectID(sess *session.Session, t protocol.FrameType, localID string, err error) {
	s.logger.Warn("dropping request with invalid order id",
		zap.String("client_id", sess.ClientID),
		zap.String("frame", t.String()),
		zap.String("local_order_id", localID),
		zap.Error(err),
	)
}

func (s *Server) connError(message, remote, clientID string, err error) {
	fields := []zap.Field{
		zap.String("remote_addr", remote),
		zap.String("client_id", clientID),
	}
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		s.logger.Info(message, fields...)
	case errors.Is(err, protocol.ErrProtocolViolation):
		if s.metrics != nil {
			s.metrics.ProtocolViolations.Inc()
		}
		s.logger.Warn(message, append(fields, zap.Error(err))...)
	default:
		s.logger.Info(message, append(fields, zap.Error(err))...)
	}
}

// Stats returns the request producer counters
func (s *Server) Stats() (published, failed int64) {
	op, of := s.orders.Stats()
	cp, cf := s.cancels.Stats()
	return op + cp, of + cf
}
