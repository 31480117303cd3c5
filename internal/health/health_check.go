// Package health reports whether capgate can reach its primary replica, over
// HTTP and the standard gRPC health service.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the gRPC health service name reported alongside ""
const ServiceName = "capgate"

// Pinger is anything that can be probed
type Pinger interface {
	Ping(ctx context.Context) error
}

// StatusSink receives the probe outcome
type StatusSink interface {
	SetHealthStatus(healthy bool)
}

// HealthChecker probes the primary replica
type HealthChecker struct {
	primary     Pinger
	primaryName string
	markers     Pinger
	timeout     time.Duration
	sink        StatusSink
	grpc        *grpchealth.Server
	logger      *zap.Logger

	mu        sync.RWMutex
	healthy   bool
	lastCheck time.Time
}

// HealthStatus represents the health status response
type HealthStatus struct {
	Status  string            `json:"status"`
	DBCheck string            `json:"db_check"`
	Checks  map[string]string `json:"checks,omitempty"`
}

// NewHealthChecker creates a health checker. markers and sink may be nil.
func NewHealthChecker(primary Pinger, primaryName string, markers Pinger, timeout time.Duration, sink StatusSink, logger *zap.Logger) *HealthChecker {
	hc := &HealthChecker{
		primary:     primary,
		primaryName: primaryName,
		markers:     markers,
		timeout:     timeout,
		sink:        sink,
		grpc:        grpchealth.NewServer(),
		logger:      logger,
	}
	hc.publish(false)
	return hc
}

// Handler handles GET /health. 200 when the primary answers a ping within
// the replica timeout, 500 otherwise.
func (hc *HealthChecker) Handler(w http.ResponseWriter, r *http.Request) {
	err := hc.Check(r.Context())

	status := HealthStatus{
		Status:  "UP",
		DBCheck: hc.primaryName + " OK",
		Checks:  map[string]string{hc.primaryName: "healthy"},
	}
	code := http.StatusOK
	if err != nil {
		status.Status = "DOWN"
		status.DBCheck = hc.primaryName + " FAILED"
		status.Checks[hc.primaryName] = "unhealthy: " + err.Error()
		code = http.StatusInternalServerError
	}

	if hc.markers != nil {
		ctx, cancel := context.WithTimeout(r.Context(), hc.timeout)
		if err := hc.markers.Ping(ctx); err != nil {
			status.Checks["write_markers"] = "unhealthy: " + err.Error()
		} else {
			status.Checks["write_markers"] = "healthy"
		}
		cancel()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(status); err != nil {
		hc.logger.Error("failed to encode health response", zap.Error(err))
	}
}

// Check pings the primary and publishes the outcome
func (hc *HealthChecker) Check(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, hc.timeout)
	defer cancel()

	err := hc.primary.Ping(ctx)
	hc.publish(err == nil)
	return err
}

// Run probes the primary every interval until ctx is done
func (hc *HealthChecker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := hc.Check(ctx); err != nil && ctx.Err() == nil {
			hc.logger.Warn("health check failed",
				zap.String("replica", hc.primaryName),
				zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// IsHealthy returns the outcome of the last probe
func (hc *HealthChecker) IsHealthy() bool {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return hc.healthy
}

// GRPCHealthServer returns the grpc.health.v1 implementation kept in sync
// with the probes
func (hc *HealthChecker) GRPCHealthServer() *grpchealth.Server {
	return hc.grpc
}

// Shutdown marks every service as not serving
func (hc *HealthChecker) Shutdown() {
	hc.grpc.Shutdown()
}

func (hc *HealthChecker) publish(healthy bool) {
	hc.mu.Lock()
	changed := hc.healthy != healthy || hc.lastCheck.IsZero()
	hc.healthy = healthy
	hc.lastCheck = time.Now()
	hc.mu.Unlock()

	if hc.sink != nil {
		hc.sink.SetHealthStatus(healthy)
	}
	if !changed {
		return
	}

	status := healthpb.HealthCheckResponse_NOT_SERVING
	if healthy {
		status = healthpb.HealthCheckResponse_SERVING
	}
	hc.grpc.SetServingStatus("", status)
	hc.grpc.SetServingStatus(ServiceName, status)
}
