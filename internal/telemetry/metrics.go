package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects gateway metrics. All fields are safe for concurrent use.
type Metrics struct {
	registry *prometheus.Registry

	SandboxOperations *prometheus.CounterVec
	ProbeAttempts     prometheus.Counter
	ProxySessions     prometheus.Gauge
	ProxyFrames       *prometheus.CounterVec
	ReclaimSweeps     *prometheus.CounterVec
	ReclaimStopped    prometheus.Counter
	ReclaimRemoved    prometheus.Counter
}

// NewMetrics creates and registers all gateway metrics on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		SandboxOperations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sandbox_gateway_operations_total",
			Help: "Sandbox lifecycle operations by operation and outcome.",
		}, []string{"operation", "outcome"}),
		ProbeAttempts: factory.NewCounter(prometheus.CounterOpts{
			Name: "sandbox_gateway_probe_attempts_total",
			Help: "Readiness probe attempts issued against containers.",
		}),
		ProxySessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sandbox_gateway_proxy_sessions",
			Help: "Currently open WebSocket proxy sessions.",
		}),
		ProxyFrames: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sandbox_gateway_proxy_frames_total",
			Help: "Frames relayed through the proxy by direction.",
		}, []string{"direction"}),
		ReclaimSweeps: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sandbox_gateway_reclaim_sweeps_total",
			Help: "Reclamation sweeps by outcome.",
		}, []string{"outcome"}),
		ReclaimStopped: factory.NewCounter(prometheus.CounterOpts{
			Name: "sandbox_gateway_reclaim_stopped_total",
			Help: "Running containers stopped for exceeding the expiry threshold.",
		}),
		ReclaimRemoved: factory.NewCounter(prometheus.CounterOpts{
			Name: "sandbox_gateway_reclaim_removed_total",
			Help: "Exited containers removed by the retention sweep.",
		}),
	}
}

// Handler returns the HTTP handler serving the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Operation records a lifecycle operation outcome ("ok" or "error").
func (m *Metrics) Operation(op string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.SandboxOperations.WithLabelValues(op, outcome).Inc()
}
