package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/ismaiel54/order-gateway/internal/logging"
	"github.com/ismaiel54/order-gateway/internal/msg"
	"github.com/ismaiel54/order-gateway/internal/queue"
	"github.com/joho/godotenv"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"
)

// sim stands in for the exchange connector: it confirms every order and
// cancel it consumes and optionally fills orders
type sim struct {
	orders         *queue.Consumer[msg.CreateOrder]
	cancels        *queue.Consumer[msg.CancelOrder]
	orderConfirms  *queue.Producer[msg.OrderConfirm]
	cancelConfirms *queue.Producer[msg.CancelConfirm]
	fills          *queue.Producer[msg.Fill]
	fillPct        int
	omitFillID     bool
	rng            *rand.Rand
	logger         *zap.Logger
}

func main() {
	var (
		fillPct    = flag.Int("fill-pct", 50, "Percentage of orders that receive a fill (0-100)")
		omitFillID = flag.Bool("omit-fill-id", false, "Send fills without client_order_id")
		seed       = flag.Int64("seed", 42, "Random seed for fills")
		interval   = flag.Duration("poll-interval", 20*time.Millisecond, "Delay between empty polls")
	)
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, using environment variables")
	}

	logger, err := logging.NewLogger("connector-sim", os.Getenv("LOG_LEVEL"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	broker, err := queue.Open(ctx, queue.LoadConfig(), logger)
	if err != nil {
		logger.Fatal("failed to connect to broker", zap.Error(err))
	}
	defer broker.Close()

	s := &sim{
		fillPct:    *fillPct,
		omitFillID: *omitFillID,
		rng:        rand.New(rand.NewSource(*seed)),
		logger:     logger,
	}
	if s.orders, err = queue.NewConsumer[msg.CreateOrder](ctx, broker, logger); err != nil {
		logger.Fatal("failed to create order consumer", zap.Error(err))
	}
	if s.cancels, err = queue.NewConsumer[msg.CancelOrder](ctx, broker, logger); err != nil {
		logger.Fatal("failed to create cancel consumer", zap.Error(err))
	}
	if s.orderConfirms, err = queue.NewProducer[msg.OrderConfirm](ctx, broker, logger); err != nil {
		logger.Fatal("failed to create order-confirm producer", zap.Error(err))
	}
	if s.cancelConfirms, err = queue.NewProducer[msg.CancelConfirm](ctx, broker, logger); err != nil {
		logger.Fatal("failed to create cancel-confirm producer", zap.Error(err))
	}
	if s.fills, err = queue.NewProducer[msg.Fill](ctx, broker, logger); err != nil {
		logger.Fatal("failed to create fill producer", zap.Error(err))
	}

	logger.Info("connector simulator started",
		zap.Int("fill_pct", *fillPct),
		zap.Bool("omit_fill_id", *omitFillID),
	)

	var wg conc.WaitGroup
	wg.Go(func() { poll(ctx, s.orders, *interval, logger, s.confirmOrder) })
	wg.Go(func() { poll(ctx, s.cancels, *interval, logger, s.confirmCancel) })
	wg.Wait()

	logger.Info("connector simulator stopped")
}

func poll[T msg.Payload](ctx context.Context, c *queue.Consumer[T], interval time.Duration, logger *zap.Logger, handle func(context.Context, T) error) {
	for ctx.Err() == nil {
		m, ok, err := c.TryNext(ctx)
		if err != nil {
			logger.Warn("poll failed", zap.String("queue", c.Queue()), zap.Error(err))
		}
		if !ok {
			select {
			case <-ctx.Done():
			case <-time.After(interval):
			}
			continue
		}
		if err := handle(ctx, m); err != nil {
			logger.Error("failed to answer request", zap.String("queue", c.Queue()), zap.Error(err))
		}
	}
}

func (s *sim) confirmOrder(ctx context.Context, order msg.CreateOrder) error {
	orderID := uuid.New().String()
	if err := s.orderConfirms.Publish(ctx, msg.OrderConfirm{
		OrderID:       orderID,
		ClientOrderID: msg.Ptr(order.ClientOrderID),
	}); err != nil {
		return err
	}

	s.logger.Info("order confirmed",
		zap.String("order_id", orderID),
		zap.String("client_order_id", order.ClientOrderID),
		zap.String("ticker", order.Ticker),
	)

	if s.rng.Intn(100) >= s.fillPct {
		return nil
	}

	price := int32(50)
	if order.YesPrice != nil {
		price = int32(*order.YesPrice)
	}
	fill := msg.Fill{
		TradeID:      uuid.New().String(),
		OrderID:      orderID,
		MarketTicker: order.Ticker,
		IsTaker:      order.OrderType == msg.OrderTypeMarket,
		Side:         order.Side,
		YesPrice:     price,
		NoPrice:      100 - price,
		Count:        order.Count,
		Action:       order.Action,
		Ts:           time.Now().Unix(),
	}
	if !s.omitFillID {
		fill.ClientOrderID = msg.Ptr(order.ClientOrderID)
	}
	return s.fills.Publish(ctx, fill)
}

func (s *sim) confirmCancel(ctx context.Context, cancel msg.CancelOrder) error {
	if err := s.cancelConfirms.Publish(ctx, msg.CancelConfirm{
		OrderID:       cancel.OrderID,
		ClientOrderID: cancel.ClientOrderID,
	}); err != nil {
		return err
	}
	s.logger.Info("cancel confirmed",
		zap.String("order_id", cancel.OrderID),
		zap.String("client_order_id", cancel.ClientOrderID),
	)
	return nil
}
