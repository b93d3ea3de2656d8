package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/ismaiel54/order-gateway/internal/logging"
	"github.com/ismaiel54/order-gateway/internal/msg"
	"github.com/ismaiel54/order-gateway/internal/protocol"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

func main() {
	var (
		addr     = flag.String("addr", "127.0.0.1:7070", "Gateway address")
		clientID = flag.String("client-id", "alice", "Login name")
		count    = flag.Int("count", 10, "Number of orders to send")
		ticker   = flag.String("ticker", "DEMO-MKT", "Market ticker")
		sideStr  = flag.String("side", "yes", "Order side: yes or no")
		actStr   = flag.String("action", "buy", "Order action: buy or sell")
		typeStr  = flag.String("type", "limit", "Order type: market or limit")
		cancel   = flag.Bool("cancel", false, "Cancel every order after it is confirmed")
		perSec   = flag.Float64("rate", 20, "Orders per second")
		seed     = flag.Int64("seed", 42, "Random seed for prices")
		wait     = flag.Duration("wait", 5*time.Second, "How long to wait for responses")
	)
	flag.Parse()

	logger, err := logging.NewLogger("client", "info")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	side, err := msg.ParseSide(*sideStr)
	if err != nil {
		logger.Fatal("invalid -side", zap.Error(err))
	}
	action, err := msg.ParseAction(*actStr)
	if err != nil {
		logger.Fatal("invalid -action", zap.Error(err))
	}
	orderType, err := msg.ParseOrderType(*typeStr)
	if err != nil {
		logger.Fatal("invalid -type", zap.Error(err))
	}

	conn, err := net.Dial("tcp", *addr)
	if err != nil {
		logger.Fatal("failed to dial gateway", zap.String("addr", *addr), zap.Error(err))
	}
	defer conn.Close()

	login, err := protocol.EncodeLogin(*clientID)
	if err != nil {
		logger.Fatal("invalid client id", zap.Error(err))
	}
	if _, err := conn.Write(login); err != nil {
		logger.Fatal("failed to send login", zap.Error(err))
	}

	logger.Info("logged in",
		zap.String("addr", *addr),
		zap.String("client_id", *clientID),
	)

	responses := make(chan msg.Payload, 64)
	go readResponses(conn, responses, logger)

	rng := rand.New(rand.NewSource(*seed))
	limiter := rate.NewLimiter(rate.Limit(*perSec), 1)
	ctx := context.Background()

	sent := 0
	for i := 1; i <= *count; i++ {
		if err := limiter.Wait(ctx); err != nil {
			break
		}
		order := msg.CreateOrder{
			Action:        action,
			ClientOrderID: strconv.Itoa(i),
			Count:         int32(1 + rng.Intn(10)),
			Side:          side,
			Ticker:        *ticker,
			OrderType:     orderType,
		}
		if orderType == msg.OrderTypeLimit {
			price := int64(1 + rng.Intn(99))
			if side == msg.SideYes {
				order.YesPrice = msg.Ptr(price)
			} else {
				order.NoPrice = msg.Ptr(price)
			}
		}
		if err := send(conn, order); err != nil {
			logger.Fatal("failed to send order", zap.Error(err))
		}
		sent++
	}

	counts := make(map[string]int)
	deadline := time.After(*wait)
loop:
	for {
		select {
		case m, ok := <-responses:
			if !ok {
				break loop
			}
			counts[m.Class().String()]++
			out, _ := json.Marshal(m)
			fmt.Printf("%s %s\n", m.Class(), out)

			if c, ok := m.(msg.OrderConfirm); ok && *cancel && c.ClientOrderID != nil {
				if err := send(conn, msg.CancelOrder{OrderID: c.OrderID, ClientOrderID: *c.ClientOrderID}); err != nil {
					logger.Error("failed to send cancel", zap.Error(err))
				}
			}
		case <-deadline:
			break loop
		}
	}

	fmt.Printf("\n=== Client Summary ===\n")
	fmt.Printf("Orders sent: %d\n", sent)
	for _, class := range msg.QueueClasses {
		if n := counts[class.String()]; n > 0 {
			fmt.Printf("%s received: %d\n", class, n)
		}
	}
}

func send(conn net.Conn, m msg.Payload) error {
	frame, err := protocol.EncodeMessage(m)
	if err != nil {
		return err
	}
	_, err = conn.Write(frame)
	return err
}

func readResponses(conn net.Conn, out chan<- msg.Payload, logger *zap.Logger) {
	defer close(out)
	reader := protocol.NewReader(conn)
	for {
		f, err := reader.ReadFrame()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				logger.Warn("connection error", zap.Error(err))
			}
			return
		}
		m, err := protocol.Decode(f)
		if err != nil {
			logger.Warn("undecodable response", zap.Error(err))
			return
		}
		out <- m
	}
}
