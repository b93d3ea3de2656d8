package observability

import (
	"context"
	"net/http"
	"strconv"
	"sync"

	"github.com/goccy/go-json"
	"github.com/ismaiel54/order-gateway/internal/deadletter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// HealthChecker manages health checks for both gRPC and HTTP
type HealthChecker struct {
	grpcHealth  *health.Server
	httpServer  *http.Server
	gatherer    prometheus.Gatherer
	deadLetters DeadLetterSource
	logger      *zap.Logger
	mu          sync.RWMutex
	ready       bool
	brokerReady bool
}

// DeadLetterSource is the read side of the dead-letter journal
type DeadLetterSource interface {
	ListRecent(ctx context.Context, limit int) ([]deadletter.Entry, error)
	Count(ctx context.Context) (int64, error)
}

const (
	defaultDeadLetterLimit = 50
	maxDeadLetterLimit     = 1000
)

// NewHealthChecker creates a new health checker. gatherer may be nil, in
// which case /metrics is not served.
func NewHealthChecker(logger *zap.Logger, gatherer prometheus.Gatherer) *HealthChecker {
	return &HealthChecker{
		grpcHealth: health.NewServer(),
		gatherer:   gatherer,
		logger:     logger,
		ready:      true,
	}
}

// RegisterGRPC registers the health service with the gRPC server
func (h *HealthChecker) RegisterGRPC(s *grpc.Server) {
	grpc_health_v1.RegisterHealthServer(s, h.grpcHealth)
	h.grpcHealth.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
}

// Handler returns the HTTP handler serving /healthz and /metrics
func (h *HealthChecker) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealthz)
	mux.HandleFunc("/deadletters", h.handleDeadLetters)
	if h.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

// StartHTTPServer starts the HTTP health check server
func (h *HealthChecker) StartHTTPServer(addr string) error {
	h.mu.Lock()
	h.httpServer = &http.Server{
		Addr:    addr,
		Handler: h.Handler(),
	}
	srv := h.httpServer
	h.mu.Unlock()

	h.logger.Info("starting HTTP health server", zap.String("addr", addr))
	return srv.ListenAndServe()
}

// Shutdown gracefully shuts down the health checker
func (h *HealthChecker) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.ready = false
	h.grpcHealth.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	srv := h.httpServer
	h.mu.Unlock()

	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

// SetDeadLetters exposes the journal on /deadletters
func (h *HealthChecker) SetDeadLetters(src DeadLetterSource) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.deadLetters = src
}

// SetBrokerReady sets the broker readiness status
func (h *HealthChecker) SetBrokerReady(ready bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.brokerReady = ready

	status := grpc_health_v1.HealthCheckResponse_NOT_SERVING
	if ready && h.ready {
		status = grpc_health_v1.HealthCheckResponse_SERVING
	}
	h.grpcHealth.SetServingStatus("", status)
}

func (h *HealthChecker) handleHealthz(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	ready := h.ready
	brokerReady := h.brokerReady
	h.mu.RUnlock()

	if ready && brokerReady {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("NOT_READY"))
	}
}

type deadLettersResponse struct {
	Count   int64              `json:"count"`
	Entries []deadletter.Entry `json:"entries"`
}

func (h *HealthChecker) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	src := h.deadLetters
	h.mu.RUnlock()

	if src == nil {
		http.Error(w, "dead-letter journal disabled", http.StatusNotFound)
		return
	}

	limit := defaultDeadLetterLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = min(n, maxDeadLetterLimit)
	}

	count, err := src.Count(r.Context())
	if err != nil {
		h.logger.Error("failed to count dead letters", zap.Error(err))
		http.Error(w, "journal unavailable", http.StatusInternalServerError)
		return
	}
	entries, err := src.ListRecent(r.Context(), limit)
	if err != nil {
		h.logger.Error("failed to list dead letters", zap.Error(err))
		http.Error(w, "journal unavailable", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []deadletter.Entry{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(deadLettersResponse{Count: count, Entries: entries})
}
