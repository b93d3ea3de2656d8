package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the gateway's Prometheus collectors
type Metrics struct {
	Logins             *prometheus.CounterVec
	FramesReceived     *prometheus.CounterVec
	ProtocolViolations prometheus.Counter
	Published          *prometheus.CounterVec
	PublishFailures    *prometheus.CounterVec
	Routed             *prometheus.CounterVec
	Dropped            *prometheus.CounterVec
	WriteFailures      *prometheus.CounterVec
}

// NewMetrics creates and registers the collectors. sessions reports the
// number of live sessions.
func NewMetrics(reg prometheus.Registerer, sessions func() int) *Metrics {
	m := &Metrics{
		Logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_logins_total",
			Help: "Successful logins by registration outcome.",
		}, []string{"outcome"}),
		FramesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_frames_received_total",
			Help: "Frames received from clients by type.",
		}, []string{"type"}),
		ProtocolViolations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_protocol_violations_total",
			Help: "Connections closed for protocol violations.",
		}),
		Published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_published_total",
			Help: "Client requests published to the broker.",
		}, []string{"queue"}),
		PublishFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_publish_failures_total",
			Help: "Client requests the broker did not accept.",
		}, []string{"queue"}),
		Routed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_routed_total",
			Help: "Broker responses written to a client socket.",
		}, []string{"queue"}),
		Dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_dropped_total",
			Help: "Messages dropped without delivery.",
		}, []string{"queue", "reason"}),
		WriteFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_write_failures_total",
			Help: "Socket writes that failed and removed the session.",
		}, []string{"queue"}),
	}

	reg.MustRegister(
		m.Logins,
		m.FramesReceived,
		m.ProtocolViolations,
		m.Published,
		m.PublishFailures,
		m.Routed,
		m.Dropped,
		m.WriteFailures,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "gateway_sessions",
			Help: "Live client sessions.",
		}, func() float64 { return float64(sessions()) }),
	)

	return m
}
