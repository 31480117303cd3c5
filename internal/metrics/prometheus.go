// Package metrics provides Prometheus metrics for capgate.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/devrev/capgate/internal/breaker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Recorder receives the named events emitted by the consistency core
type Recorder interface {
	RecordRequest(mode, operation, status string, duration time.Duration)
	RecordReplicaFailure(replica string)
	RecordReplicaWrite(replica, status string)
	SetBreakerState(target string, state breaker.State)
	SetStaleness(node string, stalenessMs int64)
}

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Request metrics
	RequestsTotal    *prometheus.CounterVec
	RequestLatency   *prometheus.HistogramVec
	HTTPRequests     *prometheus.CounterVec
	HTTPDuration     *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Replica metrics
	ReplicaFailures *prometheus.CounterVec
	ReplicaWrites   *prometheus.CounterVec

	// Consistency metrics
	CircuitBreakerState *prometheus.GaugeVec
	Staleness           *prometheus.GaugeVec

	healthStatus prometheus.Gauge
	registry     prometheus.Gatherer
}

// NewMetrics creates metrics registered with reg. A nil reg uses a fresh
// registry, which keeps repeated construction in tests safe.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "capgate_requests_total",
				Help: "Total number of write and read requests",
			},
			[]string{"mode", "operation", "status"},
		),

		RequestLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "capgate_request_latency_seconds",
				Help:    "Latency of write and read requests",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"mode", "operation"},
		),

		HTTPRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "capgate_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),

		HTTPDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "capgate_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),

		RequestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "capgate_http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed",
			},
		),

		ReplicaFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "capgate_db_connection_failures_total",
				Help: "Replica calls that failed or timed out",
			},
			[]string{"replica"},
		),

		ReplicaWrites: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "capgate_replica_writes_total",
				Help: "Replica write attempts by outcome",
			},
			[]string{"replica", "status"},
		),

		CircuitBreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "capgate_circuit_breaker_state",
				Help: "Circuit breaker state (0=CLOSED, 1=HALF_OPEN, 2=OPEN)",
			},
			[]string{"target"},
		),

		Staleness: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "capgate_data_staleness_ms",
				Help: "Staleness of the last value read from each replica in milliseconds",
			},
			[]string{"node"},
		),

		healthStatus: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "capgate_health_status",
				Help: "Health status of capgate (1 = primary reachable, 0 = not)",
			},
		),

		registry: reg,
	}
}

// RecordRequest records a write or read request
func (m *Metrics) RecordRequest(mode, operation, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(mode, operation, status).Inc()
	m.RequestLatency.WithLabelValues(mode, operation).Observe(duration.Seconds())
}

// RecordReplicaFailure records a failed replica call
func (m *Metrics) RecordReplicaFailure(replica string) {
	m.ReplicaFailures.WithLabelValues(replica).Inc()
}

// RecordReplicaWrite records a replica write outcome
func (m *Metrics) RecordReplicaWrite(replica, status string) {
	m.ReplicaWrites.WithLabelValues(replica, status).Inc()
}

// SetBreakerState exports the breaker state as a number
func (m *Metrics) SetBreakerState(target string, state breaker.State) {
	m.CircuitBreakerState.WithLabelValues(target).Set(float64(state))
}

// SetStaleness exports the staleness observed on a read
func (m *Metrics) SetStaleness(node string, stalenessMs int64) {
	m.Staleness.WithLabelValues(node).Set(float64(stalenessMs))
}

// RecordHTTPRequest records metrics for an HTTP request
func (m *Metrics) RecordHTTPRequest(method, route string, statusCode int, duration time.Duration) {
	m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(statusCode)).Inc()
	m.HTTPDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// SetHealthStatus sets the health status
func (m *Metrics) SetHealthStatus(healthy bool) {
	if healthy {
		m.healthStatus.Set(1)
	} else {
		m.healthStatus.Set(0)
	}
}

// Handler returns the scrape handler for this registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Nop discards every event
type Nop struct{}

func (Nop) RecordRequest(string, string, string, time.Duration) {}
func (Nop) RecordReplicaFailure(string)                         {}
func (Nop) RecordReplicaWrite(string, string)                   {}
func (Nop) SetBreakerState(string, breaker.State)               {}
func (Nop) SetStaleness(string, int64)                          {}

var (
	_ Recorder = (*Metrics)(nil)
	_ Recorder = Nop{}
)

// MetricsServer provides a separate HTTP server for Prometheus metrics
type MetricsServer struct {
	server *http.Server
	logger *zap.Logger
}

// NewMetricsServer creates a new metrics server
func NewMetricsServer(m *Metrics, port int, path string, logger *zap.Logger) *MetricsServer {
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	return &MetricsServer{
		server: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// Start starts the metrics server
func (ms *MetricsServer) Start() error {
	ms.logger.Info("starting metrics server", zap.String("addr", ms.server.Addr))
	if err := ms.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the metrics server
func (ms *MetricsServer) Shutdown(ctx context.Context) error {
	return ms.server.Shutdown(ctx)
}
