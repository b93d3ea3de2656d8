//go:build integration
// +build integration

package it

import (
	"context"
	"io"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/ismaiel54/order-gateway/internal/gateway"
	"github.com/ismaiel54/order-gateway/internal/msg"
	"github.com/ismaiel54/order-gateway/internal/protocol"
	"github.com/ismaiel54/order-gateway/internal/queue"
	"github.com/ismaiel54/order-gateway/internal/router"
	"github.com/ismaiel54/order-gateway/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestIntegration_KafkaRoundTrip(t *testing.T) {
	if os.Getenv("INTEGRATION") == "" {
		t.Skip("skipping integration test; set INTEGRATION=1 to run")
	}

	cfg := queue.LoadConfig()
	cfg.Backend = queue.BackendKafka
	cfg.GroupPrefix = "it-" + uuid.New().String()
	cfg.PollTimeout = 200 * time.Millisecond
	roundTrip(t, cfg)
}

func TestIntegration_RedisRoundTrip(t *testing.T) {
	if os.Getenv("INTEGRATION") == "" {
		t.Skip("skipping integration test; set INTEGRATION=1 to run")
	}

	cfg := queue.LoadConfig()
	cfg.Backend = queue.BackendRedis
	cfg.RedisKeyPrefix = "it-" + uuid.New().String() + ":"
	roundTrip(t, cfg)
}

// roundTrip logs a client in, sends one order and answers it as the
// connector would, then checks the confirm reaches the client
func roundTrip(t *testing.T, cfg *queue.Config) {
	logger, _ := zap.NewDevelopment()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broker, err := queue.Open(ctx, cfg, logger)
	require.NoError(t, err)
	defer broker.Close()

	registry := session.NewRegistry(logger)
	server, err := gateway.NewServer(ctx, gateway.Config{LoginTimeout: 5 * time.Second, WriteTimeout: 5 * time.Second}, broker, registry, nil, logger)
	require.NoError(t, err)
	r, err := router.New(ctx, broker, registry, router.Options{}, logger)
	require.NoError(t, err)
	go r.Run(ctx)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go server.Serve(ctx, ln)

	// Unique client id so records from earlier runs are ignored
	clientID := "it-" + strings.ReplaceAll(uuid.New().String(), "-", "")[:12]

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	login, err := protocol.EncodeLogin(clientID)
	require.NoError(t, err)
	_, err = conn.Write(login)
	require.NoError(t, err)

	order, err := protocol.EncodeMessage(msg.CreateOrder{
		Action:        msg.ActionSell,
		ClientOrderID: "1",
		Count:         3,
		Side:          msg.SideNo,
		Ticker:        "IT-MKT",
		OrderType:     msg.OrderTypeMarket,
	})
	require.NoError(t, err)
	_, err = conn.Write(order)
	require.NoError(t, err)

	// Act as the connector
	orders, err := queue.NewConsumer[msg.CreateOrder](ctx, broker, logger)
	require.NoError(t, err)
	var got msg.CreateOrder
	require.Eventually(t, func() bool {
		m, ok, err := orders.TryNext(ctx)
		if err != nil || !ok {
			return false
		}
		if m.ClientOrderID != clientID+"§1" {
			return false
		}
		got = m
		return true
	}, 30*time.Second, 50*time.Millisecond)
	assert.Equal(t, int32(3), got.Count)

	confirms, err := queue.NewProducer[msg.OrderConfirm](ctx, broker, logger)
	require.NoError(t, err)
	require.NoError(t, confirms.Publish(ctx, msg.OrderConfirm{OrderID: "EX-IT", ClientOrderID: msg.Ptr(got.ClientOrderID)}))

	expected, err := protocol.EncodeMessage(msg.OrderConfirm{OrderID: "EX-IT", ClientOrderID: msg.Ptr("1")})
	require.NoError(t, err)
	buf := make([]byte, len(expected))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(30*time.Second)))
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, expected, buf)
}
