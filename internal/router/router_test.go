package router

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ismaiel54/order-gateway/internal/msg"
	"github.com/ismaiel54/order-gateway/internal/observability"
	"github.com/ismaiel54/order-gateway/internal/protocol"
	"github.com/ismaiel54/order-gateway/internal/queue"
	"github.com/ismaiel54/order-gateway/internal/session"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type journalEntry struct {
	queue, clientID, clientOrderID, reason string
}

type fakeJournal struct {
	mu      sync.Mutex
	entries []journalEntry
}

func (j *fakeJournal) Record(ctx context.Context, queue, clientID, clientOrderID, reason string, payload any) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, journalEntry{queue, clientID, clientOrderID, reason})
	return nil
}

func (j *fakeJournal) snapshot() []journalEntry {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]journalEntry(nil), j.entries...)
}

type fixture struct {
	broker   *queue.MemoryBroker
	registry *session.Registry
	router   *Router
	journal  *fakeJournal
	metrics  *observability.Metrics
}

// failingPollBroker fails the first failures polls of one queue
type failingPollBroker struct {
	*queue.MemoryBroker
	queue    string
	failures int32
	polls    int32
}

func (b *failingPollBroker) Poll(ctx context.Context, queueName string) (*queue.Record, error) {
	if queueName == b.queue {
		atomic.AddInt32(&b.polls, 1)
		if atomic.AddInt32(&b.failures, -1) >= 0 {
			return nil, fmt.Errorf("%w: poll refused", queue.ErrBrokerUnavailable)
		}
	}
	return b.MemoryBroker.Poll(ctx, queueName)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWith(t, func(b *queue.MemoryBroker) queue.Broker { return b })
}

func newFixtureWith(t *testing.T, wrap func(*queue.MemoryBroker) queue.Broker) *fixture {
	t.Helper()
	logger := zap.NewNop()
	broker := queue.NewMemoryBroker()
	registry := session.NewRegistry(logger)
	index, err := NewOrderIndex(16)
	require.NoError(t, err)
	journal := &fakeJournal{}
	metrics := observability.NewMetrics(prometheus.NewRegistry(), registry.Len)

	r, err := New(context.Background(), wrap(broker), registry, Options{
		MaxBackoff: 10 * time.Millisecond,
		Index:      index,
		Journal:    journal,
		Metrics:    metrics,
	}, logger)
	require.NoError(t, err)

	return &fixture{broker: broker, registry: registry, router: r, journal: journal, metrics: metrics}
}

// login registers clientID on one end of a pipe and returns the other end
func (f *fixture) login(t *testing.T, clientID string) net.Conn {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() { client.Close() })
	f.registry.Register(session.New(clientID, server, time.Second))
	return client
}

func readFrames(conn net.Conn, n int) <-chan []protocol.Frame {
	out := make(chan []protocol.Frame, 1)
	go func() {
		reader := protocol.NewReader(conn)
		var frames []protocol.Frame
		for i := 0; i < n; i++ {
			f, err := reader.ReadFrame()
			if err != nil {
				break
			}
			frames = append(frames, f)
		}
		out <- frames
	}()
	return out
}

func TestRouter_OrderConfirmExactBytes(t *testing.T) {
	f := newFixture(t)
	client := f.login(t, "alice")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		f.router.Run(ctx)
		close(done)
	}()

	producer, err := queue.NewProducer[msg.OrderConfirm](ctx, f.broker, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, producer.Publish(ctx, msg.OrderConfirm{OrderID: "EX99", ClientOrderID: msg.Ptr("alice§1")}))

	expected := []byte{
		0x04, 0x00, 0x00, 0x00, 0x09,
		0x0a, 0x04, 'E', 'X', '9', '9',
		0x12, 0x01, '1',
	}
	got := make([]byte, len(expected))
	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = io.ReadFull(client, got)
	require.NoError(t, err)
	assert.Equal(t, expected, got)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("router did not stop after cancel")
	}
}

func TestRouter_UnknownClientIsDroppedAndLoopContinues(t *testing.T) {
	f := newFixture(t)
	client := f.login(t, "alice")
	frames := readFrames(client, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.router.Run(ctx)

	producer, err := queue.NewProducer[msg.Fill](ctx, f.broker, zap.NewNop())
	require.NoError(t, err)
	fill := func(composite string) msg.Fill {
		return msg.Fill{
			TradeID:       "T1",
			OrderID:       "EX1",
			MarketTicker:  "X",
			Side:          msg.SideYes,
			YesPrice:      40,
			NoPrice:       60,
			Count:         1,
			Action:        msg.ActionBuy,
			Ts:            1700000000,
			ClientOrderID: msg.Ptr(composite),
		}
	}
	require.NoError(t, producer.Publish(ctx, fill("bob§9")))
	require.NoError(t, producer.Publish(ctx, fill("alice§2")))

	select {
	case got := <-frames:
		require.Len(t, got, 1)
		assert.Equal(t, protocol.FrameFill, got[0].Type)
		m, err := protocol.Decode(got[0])
		require.NoError(t, err)
		assert.Equal(t, "2", *m.(msg.Fill).ClientOrderID)
	case <-time.After(2 * time.Second):
		t.Fatal("alice never received her fill")
	}

	entries := f.journal.snapshot()
	require.Len(t, entries, 1)
	assert.Equal(t, journalEntry{"fill", "bob", "bob§9", ReasonUnknownClient}, entries[0])
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.Dropped.WithLabelValues("fill", ReasonUnknownClient)))
}

func TestRouter_HandleUnknownClient(t *testing.T) {
	f := newFixture(t)
	err := f.router.HandleCancelConfirm(context.Background(), msg.CancelConfirm{OrderID: "EX1", ClientOrderID: "carol§5"})
	assert.ErrorIs(t, err, ErrUnknownClient)

	routed, dropped := f.router.Stats()
	assert.Equal(t, int64(0), routed)
	assert.Equal(t, int64(1), dropped)
}

func TestRouter_WriteFailureRemovesSession(t *testing.T) {
	f := newFixture(t)
	client := f.login(t, "alice")
	require.NoError(t, client.Close())

	err := f.router.HandleCancelConfirm(context.Background(), msg.CancelConfirm{OrderID: "EX1", ClientOrderID: "alice§1"})
	assert.ErrorIs(t, err, session.ErrSocketFailure)

	_, ok := f.registry.Lookup("alice")
	assert.False(t, ok)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.WriteFailures.WithLabelValues("cancel-confirm")))
}

func TestRouter_FillWithoutClientOrderIDUsesIndex(t *testing.T) {
	f := newFixture(t)
	client := f.login(t, "alice")
	frames := readFrames(client, 2)
	ctx := context.Background()

	require.NoError(t, f.router.HandleOrderConfirm(ctx, msg.OrderConfirm{OrderID: "EX7", ClientOrderID: msg.Ptr("alice§7")}))
	require.NoError(t, f.router.HandleFill(ctx, msg.Fill{
		TradeID:      "T7",
		OrderID:      "EX7",
		MarketTicker: "X",
		Side:         msg.SideNo,
		YesPrice:     30,
		NoPrice:      70,
		Count:        2,
		Action:       msg.ActionSell,
		Ts:           1700000001,
	}))

	got := <-frames
	require.Len(t, got, 2)
	m, err := protocol.Decode(got[1])
	require.NoError(t, err)
	fill := m.(msg.Fill)
	require.NotNil(t, fill.ClientOrderID)
	assert.Equal(t, "7", *fill.ClientOrderID)
	assert.Equal(t, int32(2), fill.Count)
}

func TestRouter_FillWithoutAnyIDIsDropped(t *testing.T) {
	f := newFixture(t)
	err := f.router.HandleFill(context.Background(), msg.Fill{TradeID: "T1", OrderID: "unknown", Side: msg.SideYes, Action: msg.ActionBuy})
	require.Error(t, err)

	entries := f.journal.snapshot()
	require.Len(t, entries, 1)
	assert.Equal(t, ReasonMissingID, entries[0].reason)
}

func TestRouter_MalformedCompositeIsDropped(t *testing.T) {
	f := newFixture(t)
	err := f.router.HandleOrderConfirm(context.Background(), msg.OrderConfirm{OrderID: "EX1", ClientOrderID: msg.Ptr("no-delimiter")})
	require.Error(t, err)

	entries := f.journal.snapshot()
	require.Len(t, entries, 1)
	assert.Equal(t, ReasonMalformedID, entries[0].reason)
}

func TestOrderIndex(t *testing.T) {
	disabled, err := NewOrderIndex(0)
	require.NoError(t, err)
	disabled.Remember("EX1", "alice§1")
	_, ok := disabled.Lookup("EX1")
	assert.False(t, ok)

	index, err := NewOrderIndex(1)
	require.NoError(t, err)
	index.Remember("EX1", "alice§1")
	index.Remember("EX2", "alice§2")
	_, ok = index.Lookup("EX1")
	assert.False(t, ok, "oldest entry should be evicted")
	c, ok := index.Lookup("EX2")
	require.True(t, ok)
	assert.Equal(t, "alice§2", c)

	index.Forget("EX2")
	assert.Equal(t, 0, index.Len())
}

func TestRouter_PollFailuresAreRetried(t *testing.T) {
	var failing *failingPollBroker
	f := newFixtureWith(t, func(b *queue.MemoryBroker) queue.Broker {
		failing = &failingPollBroker{MemoryBroker: b, queue: "cancel-confirm", failures: 20}
		return failing
	})
	client := f.login(t, "alice")
	frames := readFrames(client, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.router.Run(ctx)

	producer, err := queue.NewProducer[msg.CancelConfirm](ctx, f.broker, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, producer.Publish(ctx, msg.CancelConfirm{OrderID: "EX3", ClientOrderID: "alice§3"}))

	select {
	case got := <-frames:
		require.Len(t, got, 1)
		m, err := protocol.Decode(got[0])
		require.NoError(t, err)
		assert.Equal(t, msg.CancelConfirm{OrderID: "EX3", ClientOrderID: "3"}, m)
	case <-time.After(5 * time.Second):
		t.Fatal("cancel confirm never delivered after poll failures")
	}

	assert.Greater(t, atomic.LoadInt32(&failing.polls), int32(20))
	routed, _ := f.router.Stats()
	assert.Equal(t, int64(1), routed)
}
