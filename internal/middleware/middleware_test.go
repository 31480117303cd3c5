package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	apierrors "github.com/devrev/capgate/internal/errors"
	"github.com/devrev/capgate/internal/metrics"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func okHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func TestRequestID(t *testing.T) {
	t.Run("generates request ID if not present", func(t *testing.T) {
		handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.NotEmpty(t, r.Header.Get("X-Request-ID"))
			assert.Equal(t, r.Header.Get("X-Request-ID"), r.Context().Value(RequestIDKey))
			w.WriteHeader(http.StatusOK)
		}))

		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

		assert.Equal(t, http.StatusOK, w.Code)
		assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
	})

	t.Run("preserves existing request ID", func(t *testing.T) {
		handler := RequestID(http.HandlerFunc(okHandler))

		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.Header.Set("X-Request-ID", "my-custom-id-123")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		assert.Equal(t, "my-custom-id-123", w.Header().Get("X-Request-ID"))
	})
}

func TestLogging(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)

	handler := Logging(zap.New(core))(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/write/a/1", nil))

	entries := logs.FilterMessage("HTTP request").All()
	require.Len(t, entries, 1)
	assert.Equal(t, int64(http.StatusServiceUnavailable), entries[0].ContextMap()["status"])
	assert.Equal(t, "/write/a/1", entries[0].ContextMap()["path"])
}

func TestRecovery(t *testing.T) {
	handler := Recovery(apierrors.NewHandler(zap.NewNop()), zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/read/a", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "INTERNAL_ERROR")
}

func TestMetrics_UsesRouteTemplate(t *testing.T) {
	m := metrics.NewMetrics(nil)

	router := mux.NewRouter()
	router.Use(Metrics(m))
	router.HandleFunc("/read/{key}", okHandler).Methods(http.MethodGet)

	for _, key := range []string{"a", "b", "c"} {
		router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/read/"+key, nil))
	}

	assert.Equal(t, 3.0, testutil.ToFloat64(m.HTTPRequests.WithLabelValues(http.MethodGet, "/read/{key}", "200")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.RequestsInFlight))
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(1, 2, apierrors.NewHandler(zap.NewNop()))
	handler := rl.Limit(http.HandlerFunc(okHandler))

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/read/a", nil))
		codes = append(codes, w.Code)
	}

	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/read/a", nil))
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), "RATE_LIMITED")
}

func TestChain_Order(t *testing.T) {
	var order []string
	mark := func(name string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	handler := Chain(mark("first"), mark("second"))(http.HandlerFunc(okHandler))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, []string{"first", "second"}, order)
}

func TestSession(t *testing.T) {
	var seen string
	handler := Session(time.Hour)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = SessionID(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	t.Run("issues a cookie when missing", func(t *testing.T) {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/read/a", nil))

		require.NotEmpty(t, seen)
		cookies := w.Result().Cookies()
		require.Len(t, cookies, 1)
		assert.Equal(t, SessionCookie, cookies[0].Name)
		assert.Equal(t, seen, cookies[0].Value)
		assert.True(t, cookies[0].HttpOnly)
		assert.Equal(t, http.SameSiteLaxMode, cookies[0].SameSite)
	})

	t.Run("reuses the cookie", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/read/a", nil)
		req.AddCookie(&http.Cookie{Name: SessionCookie, Value: "from-cookie"})
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		assert.Equal(t, "from-cookie", seen)
		assert.Empty(t, w.Result().Cookies())
	})

	t.Run("header overrides the cookie", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/read/a", nil)
		req.AddCookie(&http.Cookie{Name: SessionCookie, Value: "from-cookie"})
		req.Header.Set(SessionHeader, "from-header")
		handler.ServeHTTP(httptest.NewRecorder(), req)

		assert.Equal(t, "from-header", seen)
	})
}

func TestSessionID_Missing(t *testing.T) {
	assert.Empty(t, SessionID(httptest.NewRequest(http.MethodGet, "/", nil).Context()))
}
