package gateway

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/ismaiel54/order-gateway/internal/msg"
	"github.com/ismaiel54/order-gateway/internal/observability"
	"github.com/ismaiel54/order-gateway/internal/protocol"
	"github.com/ismaiel54/order-gateway/internal/queue"
	"github.com/ismaiel54/order-gateway/internal/router"
	"github.com/ismaiel54/order-gateway/internal/session"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type harness struct {
	broker   *queue.MemoryBroker
	registry *session.Registry
	server   *Server
	metrics  *observability.Metrics
	cancel   context.CancelFunc
	done     chan error
}

// rejectingBroker fails the publish attempts listed in rejects (1-based)
type rejectingBroker struct {
	*queue.MemoryBroker
	mu       sync.Mutex
	rejects  map[int]bool
	attempts int
}

func (b *rejectingBroker) Publish(ctx context.Context, queueName, key string, value []byte) error {
	b.mu.Lock()
	b.attempts++
	reject := b.rejects[b.attempts]
	b.mu.Unlock()
	if reject {
		return fmt.Errorf("%w: rejected", queue.ErrBrokerUnavailable)
	}
	return b.MemoryBroker.Publish(ctx, queueName, key, value)
}

func startGateway(t *testing.T, cfg Config) *harness {
	t.Helper()
	return startGatewayWith(t, cfg, func(b *queue.MemoryBroker) queue.Broker { return b })
}

// startGatewayWith lets wrap decorate the memory broker the server publishes to
func startGatewayWith(t *testing.T, cfg Config, wrap func(*queue.MemoryBroker) queue.Broker) *harness {
	t.Helper()
	logger := zap.NewNop()
	broker := queue.NewMemoryBroker()
	registry := session.NewRegistry(logger)
	metrics := observability.NewMetrics(prometheus.NewRegistry(), registry.Len)

	ctx, cancel := context.WithCancel(context.Background())
	server, err := NewServer(ctx, cfg, wrap(broker), registry, metrics, logger)
	require.NoError(t, err)

	r, err := router.New(ctx, broker, registry, router.Options{MaxBackoff: 5 * time.Millisecond, Metrics: metrics}, logger)
	require.NoError(t, err)
	go r.Run(ctx)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	h := &harness{broker: broker, registry: registry, server: server, metrics: metrics, cancel: cancel, done: make(chan error, 1)}
	go func() { h.done <- server.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		<-h.done
	})
	return h
}

func (h *harness) dial(t *testing.T) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", h.server.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn net.Conn, frame []byte, err error) {
	t.Helper()
	require.NoError(t, err)
	_, err = conn.Write(frame)
	require.NoError(t, err)
}

func login(t *testing.T, conn net.Conn, clientID string) {
	t.Helper()
	frame, err := protocol.EncodeLogin(clientID)
	send(t, conn, frame, err)
}

func createOrder(localID string) msg.CreateOrder {
	return msg.CreateOrder{
		Action:        msg.ActionBuy,
		ClientOrderID: localID,
		Count:         10,
		Side:          msg.SideYes,
		Ticker:        "PRES-2028",
		OrderType:     msg.OrderTypeLimit,
		YesPrice:      msg.Ptr(int64(55)),
	}
}

// expectClosed waits for the peer to close conn
func expectClosed(t *testing.T, conn net.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err := conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func TestServer_AliceEndToEnd(t *testing.T) {
	h := startGateway(t, Config{LoginTimeout: time.Second, WriteTimeout: time.Second})
	ctx := context.Background()
	conn := h.dial(t)

	login(t, conn, "alice")
	frame, err := protocol.EncodeMessage(createOrder("1"))
	send(t, conn, frame, err)

	require.Eventually(t, func() bool { return h.broker.Len("order") == 1 }, 2*time.Second, 5*time.Millisecond)

	orders, err := queue.NewConsumer[msg.CreateOrder](ctx, h.broker, zap.NewNop())
	require.NoError(t, err)
	published, ok, err := orders.TryNext(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "alice§1", published.ClientOrderID)
	assert.Equal(t, "PRES-2028", published.Ticker)
	assert.Equal(t, int64(55), *published.YesPrice)

	confirms, err := queue.NewProducer[msg.OrderConfirm](ctx, h.broker, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, confirms.Publish(ctx, msg.OrderConfirm{OrderID: "EX99", ClientOrderID: msg.Ptr("alice§1")}))

	expected, err := protocol.EncodeMessage(msg.OrderConfirm{OrderID: "EX99", ClientOrderID: msg.Ptr("1")})
	require.NoError(t, err)
	got := make([]byte, len(expected))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = io.ReadFull(conn, got)
	require.NoError(t, err)
	assert.Equal(t, expected, got)

	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.Published.WithLabelValues("order")))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.Logins.WithLabelValues("inserted")))
}

func TestServer_CancelIsRewritten(t *testing.T) {
	h := startGateway(t, Config{})
	ctx := context.Background()
	conn := h.dial(t)

	login(t, conn, "bob")
	frame, err := protocol.EncodeMessage(msg.CancelOrder{OrderID: "EX5", ClientOrderID: "5"})
	send(t, conn, frame, err)

	require.Eventually(t, func() bool { return h.broker.Len("cancel") == 1 }, 2*time.Second, 5*time.Millisecond)
	cancels, err := queue.NewConsumer[msg.CancelOrder](ctx, h.broker, zap.NewNop())
	require.NoError(t, err)
	m, ok, err := cancels.TryNext(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, msg.CancelOrder{OrderID: "EX5", ClientOrderID: "bob§5"}, m)
}

func TestServer_FrameBeforeLoginClosesConnection(t *testing.T) {
	h := startGateway(t, Config{})
	conn := h.dial(t)

	frame, err := protocol.EncodeMessage(createOrder("1"))
	send(t, conn, frame, err)

	expectClosed(t, conn)
	assert.Equal(t, 0, h.registry.Len())
	assert.Equal(t, 0, h.broker.Len("order"))
}

func TestServer_ClientBoundFrameClosesConnection(t *testing.T) {
	h := startGateway(t, Config{})
	conn := h.dial(t)

	login(t, conn, "alice")
	require.Eventually(t, func() bool { _, ok := h.registry.Lookup("alice"); return ok }, 2*time.Second, 5*time.Millisecond)

	frame, err := protocol.EncodeMessage(msg.OrderConfirm{OrderID: "EX1", ClientOrderID: msg.Ptr("1")})
	send(t, conn, frame, err)

	expectClosed(t, conn)
	require.Eventually(t, func() bool { return h.registry.Len() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.ProtocolViolations))
}

func TestServer_DuplicateLoginKeepsNewest(t *testing.T) {
	h := startGateway(t, Config{})
	first := h.dial(t)
	login(t, first, "alice")
	require.Eventually(t, func() bool { _, ok := h.registry.Lookup("alice"); return ok }, 2*time.Second, 5*time.Millisecond)
	original, _ := h.registry.Lookup("alice")

	second := h.dial(t)
	login(t, second, "alice")

	expectClosed(t, first)
	require.Eventually(t, func() bool {
		s, ok := h.registry.Lookup("alice")
		return ok && s != original
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, h.registry.Len())

	current, _ := h.registry.Lookup("alice")
	assert.Equal(t, second.LocalAddr().String(), current.RemoteAddr())
}

func TestServer_SessionRemovedAfterDisconnect(t *testing.T) {
	h := startGateway(t, Config{})
	conn := h.dial(t)
	login(t, conn, "alice")
	require.Eventually(t, func() bool { _, ok := h.registry.Lookup("alice"); return ok }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { _, ok := h.registry.Lookup("alice"); return !ok }, 2*time.Second, 5*time.Millisecond)
}

func TestServer_InvalidLocalIDIsDropped(t *testing.T) {
	h := startGateway(t, Config{})
	ctx := context.Background()
	conn := h.dial(t)
	login(t, conn, "alice")

	frame, err := protocol.EncodeMessage(createOrder("bad§id"))
	send(t, conn, frame, err)
	frame, err = protocol.EncodeMessage(createOrder("2"))
	send(t, conn, frame, err)

	require.Eventually(t, func() bool { return h.broker.Len("order") == 1 }, 2*time.Second, 5*time.Millisecond)
	orders, err := queue.NewConsumer[msg.CreateOrder](ctx, h.broker, zap.NewNop())
	require.NoError(t, err)
	m, ok, err := orders.TryNext(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "alice§2", m.ClientOrderID)

	_, ok = h.registry.Lookup("alice")
	assert.True(t, ok, "connection should survive an invalid order id")
}

func TestServer_LoginTimeout(t *testing.T) {
	h := startGateway(t, Config{LoginTimeout: 50 * time.Millisecond})
	conn := h.dial(t)

	expectClosed(t, conn)
	assert.Equal(t, 0, h.registry.Len())
}

func TestServer_ShutdownClosesSessions(t *testing.T) {
	h := startGateway(t, Config{})
	conn := h.dial(t)
	login(t, conn, "alice")
	require.Eventually(t, func() bool { return h.registry.Len() == 1 }, 2*time.Second, 5*time.Millisecond)

	h.cancel()
	select {
	case err := <-h.done:
		require.NoError(t, err)
		h.done <- err
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}

	expectClosed(t, conn)
	assert.Equal(t, 0, h.registry.Len())
}

func TestServer_PublishFailureKeepsConnection(t *testing.T) {
	h := startGatewayWith(t, Config{}, func(b *queue.MemoryBroker) queue.Broker {
		return &rejectingBroker{MemoryBroker: b, rejects: map[int]bool{1: true}}
	})
	ctx := context.Background()
	conn := h.dial(t)
	login(t, conn, "alice")

	frame, err := protocol.EncodeMessage(createOrder("1"))
	send(t, conn, frame, err)
	frame, err = protocol.EncodeMessage(createOrder("2"))
	send(t, conn, frame, err)

	require.Eventually(t, func() bool { return h.broker.Len("order") == 1 }, 2*time.Second, 5*time.Millisecond)
	orders, err := queue.NewConsumer[msg.CreateOrder](ctx, h.broker, zap.NewNop())
	require.NoError(t, err)
	m, ok, err := orders.TryNext(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "alice§2", m.ClientOrderID)

	_, ok = h.registry.Lookup("alice")
	assert.True(t, ok, "a failed publish must not close the connection")
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.PublishFailures.WithLabelValues("order")))
	published, failed := h.server.Stats()
	assert.Equal(t, int64(1), published)
	assert.Equal(t, int64(1), failed)
}

func TestServer_ServeTwiceDoesNotPanic(t *testing.T) {
	h := startGateway(t, Config{})
	first := h.server.Addr()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.NotPanics(t, func() {
		assert.NoError(t, h.server.Serve(ctx, ln))
	})
	assert.Equal(t, first.String(), h.server.Addr().String())
}
