package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-json"
	"github.com/ismaiel54/order-gateway/internal/ident"
	"github.com/ismaiel54/order-gateway/internal/logging"
	"github.com/ismaiel54/order-gateway/internal/msg"
	"github.com/ismaiel54/order-gateway/internal/queue"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// report summarizes one drained queue
type report struct {
	Queue      string         `json:"queue"`
	Messages   int            `json:"messages"`
	PerClient  map[string]int `json:"per_client"`
	Malformed  []string       `json:"malformed,omitempty"`
	Duplicates map[string]int `json:"duplicates,omitempty"`
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "Usage: %s <queue> [duration_seconds]\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Example: %s order 10\n", os.Args[0])
		os.Exit(1)
	}

	class, err := msg.ParseQueueClass(os.Args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid queue: %v\n", err)
		os.Exit(1)
	}

	durationSeconds := 5
	if len(os.Args) >= 3 {
		if _, err := fmt.Sscanf(os.Args[2], "%d", &durationSeconds); err != nil {
			fmt.Fprintf(os.Stderr, "Invalid duration: %v\n", err)
			os.Exit(1)
		}
	}

	_ = godotenv.Load()

	logger, err := logging.NewLogger("verifier", "info")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting verifier",
		zap.String("queue", class.String()),
		zap.Int("duration_seconds", durationSeconds),
	)

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(durationSeconds)*time.Second)
	defer cancel()

	broker, err := queue.Open(ctx, queue.LoadConfig(), logger)
	if err != nil {
		logger.Fatal("failed to connect to broker", zap.Error(err))
	}
	defer broker.Close()

	var r *report
	switch class {
	case msg.QueueOrder:
		r, err = verify(ctx, broker, logger, func(m msg.CreateOrder) *string { return &m.ClientOrderID })
	case msg.QueueCancel:
		r, err = verify(ctx, broker, logger, func(m msg.CancelOrder) *string { return &m.ClientOrderID })
	case msg.QueueOrderConfirm:
		r, err = verify(ctx, broker, logger, func(m msg.OrderConfirm) *string { return m.ClientOrderID })
	case msg.QueueCancelConfirm:
		r, err = verify(ctx, broker, logger, func(m msg.CancelConfirm) *string { return &m.ClientOrderID })
	case msg.QueueFill:
		r, err = verify(ctx, broker, logger, func(m msg.Fill) *string { return m.ClientOrderID })
	}
	if err != nil {
		logger.Fatal("verifier error", zap.Error(err))
	}

	out, _ := json.MarshalIndent(r, "", "  ")
	fmt.Println("\n=== Verification Results ===")
	fmt.Println(string(out))

	if len(r.Malformed) > 0 {
		fmt.Println("\n❌ VERIFICATION FAILED: malformed composite ids detected!")
		os.Exit(1)
	}
	fmt.Println("\n✅ VERIFICATION PASSED: every composite id decodes")
}

// verify polls T's queue until ctx expires and checks that every client
// order id is a well-formed composite id
func verify[T msg.Payload](ctx context.Context, broker queue.Broker, logger *zap.Logger, idOf func(T) *string) (*report, error) {
	consumer, err := queue.NewConsumer[T](ctx, broker, logger)
	if err != nil {
		return nil, err
	}

	r := &report{
		Queue:      consumer.Queue(),
		PerClient:  make(map[string]int),
		Duplicates: make(map[string]int),
	}
	seen := make(map[string]int)

	for ctx.Err() == nil {
		msgs, err := consumer.DrainAll(ctx)
		for _, m := range msgs {
			r.Messages++
			id := idOf(m)
			if id == nil {
				continue
			}
			clientID, _, derr := ident.Decode(*id)
			if derr != nil {
				r.Malformed = append(r.Malformed, *id)
				continue
			}
			r.PerClient[clientID]++
			seen[*id]++
		}
		if err != nil && ctx.Err() == nil {
			logger.Warn("drain failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
		case <-time.After(100 * time.Millisecond):
		}
	}

	for id, n := range seen {
		if n > 1 {
			r.Duplicates[id] = n
		}
	}
	return r, nil
}
