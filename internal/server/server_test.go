package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/devrev/capgate/internal/breaker"
	"github.com/devrev/capgate/internal/client"
	"github.com/devrev/capgate/internal/config"
	apierrors "github.com/devrev/capgate/internal/errors"
	"github.com/devrev/capgate/internal/handler"
	"github.com/devrev/capgate/internal/health"
	"github.com/devrev/capgate/internal/metrics"
	"github.com/devrev/capgate/internal/middleware"
	"github.com/devrev/capgate/internal/service"
	"github.com/devrev/capgate/internal/store"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type testServer struct {
	*Server
	primary   *client.MemoryReplica
	secondary *client.MemoryReplica
	metrics   *metrics.Metrics
}

func newTestServer(t *testing.T, mutate func(*config.Config)) *testServer {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Replicas.Backend = config.ReplicaBackendMemory
	cfg.Consistency.Timeout = 50 * time.Millisecond
	if mutate != nil {
		mutate(cfg)
	}

	logger := zap.NewNop()
	m := metrics.NewMetrics(nil)
	primary := client.NewMemoryReplica(cfg.Replicas.Primary.Name)
	secondary := client.NewMemoryReplica(cfg.Replicas.Secondary.Name)
	markers := store.NewInMemoryMarkerStore(cfg.Markers.SessionTTL, cfg.Markers.MaxSessions, logger)
	t.Cleanup(func() { _ = markers.Close() })

	cb := breaker.NewCircuitBreaker(secondary.Name(), breaker.Config{
		Threshold:    cfg.CircuitBreaker.Threshold,
		OpenDuration: cfg.CircuitBreaker.OpenDuration,
	}, logger)

	controller := service.NewConsistencyController(primary, secondary, cb, markers, cfg.Consistency.Timeout, logger, service.WithRecorder(m))
	evaluator := service.NewConsistencyEvaluator(primary, secondary, markers, cfg.Consistency.Timeout, cfg.Consistency.StalenessBound, logger, service.WithRecorder(m))
	errorHandler := apierrors.NewHandler(logger)
	handlers := handler.NewHandlers(controller, evaluator, []*breaker.CircuitBreaker{cb}, cfg.WriteMode(), errorHandler, logger)
	hc := health.NewHealthChecker(primary, primary.Name(), markers, cfg.Consistency.Timeout, m, logger)

	return &testServer{
		Server:    NewServer(cfg, handlers, hc, m, errorHandler, logger),
		primary:   primary,
		secondary: secondary,
		metrics:   m,
	}
}

func (s *testServer) serve(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestServer_WriteThenReadWithSessionCookie(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.serve(httptest.NewRequest(http.MethodPost, "/write/a/1", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	var session *http.Cookie
	for _, c := range w.Result().Cookies() {
		if c.Name == middleware.SessionCookie {
			session = c
		}
	}
	require.NotNil(t, session)

	req := httptest.NewRequest(http.MethodGet, "/read/a", nil)
	req.AddCookie(session)
	w = s.serve(req)
	require.Equal(t, http.StatusOK, w.Code)

	var read handler.ReadResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &read))
	assert.True(t, read.Consistent)
	assert.True(t, read.ReadYourWritesOK)

	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.HTTPRequests.WithLabelValues(http.MethodPost, "/write/{key}/{value}", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.RequestsTotal.WithLabelValues("CP", "write", "success")))
}

func TestServer_Health(t *testing.T) {
	s := newTestServer(t, nil)

	assert.Equal(t, http.StatusOK, s.serve(httptest.NewRequest(http.MethodGet, "/health", nil)).Code)

	s.primary.SetDown(true)
	assert.Equal(t, http.StatusInternalServerError, s.serve(httptest.NewRequest(http.MethodGet, "/health", nil)).Code)
}

func TestServer_CircuitBreaker(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.serve(httptest.NewRequest(http.MethodGet, "/circuit-breaker", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]handler.BreakerResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "CLOSED", resp["db_g2"].State)
}

func TestServer_NotFoundAndMethodNotAllowed(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.serve(httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	var resp apierrors.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, apierrors.ErrorCodeNotFound, resp.ErrorCode)

	w = s.serve(httptest.NewRequest(http.MethodGet, "/write/a/1", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, apierrors.ErrorCodeMethodNotAllowed, resp.ErrorCode)
}

func TestServer_RateLimited(t *testing.T) {
	s := newTestServer(t, func(cfg *config.Config) {
		cfg.RateLimiter.Enabled = true
		cfg.RateLimiter.RequestsPerSecond = 1
		cfg.RateLimiter.BurstSize = 1
	})

	assert.Equal(t, http.StatusOK, s.serve(httptest.NewRequest(http.MethodGet, "/circuit-breaker", nil)).Code)
	assert.Equal(t, http.StatusTooManyRequests, s.serve(httptest.NewRequest(http.MethodGet, "/circuit-breaker", nil)).Code)
}
