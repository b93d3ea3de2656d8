package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ismaiel54/order-gateway/internal/chaos"
	"github.com/ismaiel54/order-gateway/internal/config"
	"github.com/ismaiel54/order-gateway/internal/deadletter"
	"github.com/ismaiel54/order-gateway/internal/gateway"
	"github.com/ismaiel54/order-gateway/internal/logging"
	"github.com/ismaiel54/order-gateway/internal/observability"
	"github.com/ismaiel54/order-gateway/internal/queue"
	"github.com/ismaiel54/order-gateway/internal/router"
	"github.com/ismaiel54/order-gateway/internal/session"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, using environment variables")
	}

	// Load configuration
	cfg := config.LoadConfig("order-gateway")
	queueCfg := queue.LoadConfig()
	chaosCfg := chaos.LoadConfig()

	// Initialize logger
	logger, err := logging.NewLogger(cfg.ServiceName, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting order-gateway service",
		zap.String("gateway_addr", cfg.GatewayAddr),
		zap.Int("grpc_port", cfg.GRPCPort),
		zap.Int("http_port", cfg.HTTPPort),
		zap.String("broker", queueCfg.Backend),
		zap.Bool("chaos_enabled", chaosCfg.Enabled),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Connect to the broker; failure here is fatal
	broker, err := queue.Open(ctx, queueCfg, logger)
	if err != nil {
		logger.Fatal("failed to connect to broker", zap.Error(err))
	}
	defer broker.Close()
	broker = chaos.Wrap(broker, chaos.New(chaosCfg, logger))

	registry := session.NewRegistry(logger)

	// Metrics and health
	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(promRegistry, registry.Len)
	healthChecker := observability.NewHealthChecker(logger, promRegistry)

	// Optional dead-letter journal
	opts := router.Options{
		MaxBackoff: cfg.RouterMaxBackoff,
		Metrics:    metrics,
	}
	var pruner *deadletter.Pruner
	if cfg.DeadLetterDBPath != "" {
		store, err := deadletter.Open(cfg.DeadLetterDBPath)
		if err != nil {
			logger.Fatal("failed to open dead-letter journal", zap.Error(err))
		}
		defer store.Close()
		opts.Journal = store
		healthChecker.SetDeadLetters(store)
		pruner = deadletter.NewPruner(store, cfg.DeadLetterRetention, logger)
		logger.Info("dead-letter journal opened", zap.String("path", cfg.DeadLetterDBPath))
	}

	opts.Index, err = router.NewOrderIndex(cfg.OrderIndexSize)
	if err != nil {
		logger.Fatal("failed to create order index", zap.Error(err))
	}

	r, err := router.New(ctx, broker, registry, opts, logger)
	if err != nil {
		logger.Fatal("failed to create router", zap.Error(err))
	}

	server, err := gateway.NewServer(ctx, gateway.Config{
		Addr:           cfg.GatewayAddr,
		LoginTimeout:   cfg.LoginTimeout,
		IdleTimeout:    cfg.IdleTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		OrderRateLimit: cfg.OrderRateLimit,
	}, broker, registry, metrics, logger)
	if err != nil {
		logger.Fatal("failed to create gateway server", zap.Error(err))
	}

	// Create gRPC server
	grpcServer := grpc.NewServer()
	healthChecker.RegisterGRPC(grpcServer)

	// Start gRPC server
	grpcListener, err := net.Listen("tcp", cfg.GRPCAddr())
	if err != nil {
		logger.Fatal("failed to listen on gRPC port", zap.Error(err))
	}

	grpcErrCh := make(chan error, 1)
	go func() {
		logger.Info("gRPC server listening", zap.String("addr", cfg.GRPCAddr()))
		if err := grpcServer.Serve(grpcListener); err != nil {
			grpcErrCh <- err
		}
	}()

	// Start HTTP health server
	httpErrCh := make(chan error, 1)
	go func() {
		if err := healthChecker.StartHTTPServer(cfg.HTTPAddr()); err != nil && err != http.ErrServerClosed {
			httpErrCh <- err
		}
	}()

	// Start routing loops
	routerDone := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(routerDone)
	}()

	// Start client listener
	gatewayErrCh := make(chan error, 1)
	gatewayDone := make(chan struct{})
	go func() {
		defer close(gatewayDone)
		if err := server.ListenAndServe(ctx); err != nil {
			gatewayErrCh <- err
		}
	}()

	if pruner != nil {
		go pruner.Run(ctx)
	}

	// Broker readiness tracks periodic pings
	go watchBroker(ctx, broker, healthChecker, logger)

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case err := <-grpcErrCh:
		logger.Error("gRPC server error", zap.Error(err))
	case err := <-httpErrCh:
		logger.Error("HTTP server error", zap.Error(err))
	case err := <-gatewayErrCh:
		logger.Error("gateway server error", zap.Error(err))
	}

	// Graceful shutdown
	logger.Info("shutting down gracefully...")

	// Closes the listener and every session, then stops the routing loops
	cancel()
	<-gatewayDone
	<-routerDone

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	// Shutdown health checker
	if err := healthChecker.Shutdown(shutdownCtx); err != nil {
		logger.Error("error shutting down health checker", zap.Error(err))
	}

	// Shutdown gRPC server
	grpcServer.GracefulStop()

	published, failed := server.Stats()
	routed, dropped := r.Stats()
	logger.Info("order-gateway service stopped",
		zap.Int64("published", published),
		zap.Int64("publish_failures", failed),
		zap.Int64("routed", routed),
		zap.Int64("dropped", dropped),
	)
}

func watchBroker(ctx context.Context, broker queue.Broker, health *observability.HealthChecker, logger *zap.Logger) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	ready := true
	health.SetBrokerReady(true)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			err := broker.Ping(pingCtx)
			cancel()

			if (err == nil) != ready {
				ready = err == nil
				if ready {
					logger.Info("broker reachable again")
				} else {
					logger.Warn("broker ping failed", zap.Error(err))
				}
			}
			health.SetBrokerReady(ready)
		}
	}
}
