// Package server provides the HTTP server for capgate.
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/devrev/capgate/internal/config"
	apierrors "github.com/devrev/capgate/internal/errors"
	"github.com/devrev/capgate/internal/handler"
	"github.com/devrev/capgate/internal/health"
	"github.com/devrev/capgate/internal/metrics"
	"github.com/devrev/capgate/internal/middleware"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Server represents the HTTP server.
type Server struct {
	router       *mux.Router
	httpServer   *http.Server
	handlers     *handler.Handlers
	healthCheck  *health.HealthChecker
	metrics      *metrics.Metrics
	errorHandler *apierrors.Handler
	logger       *zap.Logger
	cfg          *config.Config
}

// NewServer creates a new HTTP server with its routes installed. m may be nil.
func NewServer(
	cfg *config.Config,
	handlers *handler.Handlers,
	healthCheck *health.HealthChecker,
	m *metrics.Metrics,
	errorHandler *apierrors.Handler,
	logger *zap.Logger,
) *Server {
	router := mux.NewRouter()

	s := &Server{
		router:       router,
		handlers:     handlers,
		healthCheck:  healthCheck,
		metrics:      m,
		errorHandler: errorHandler,
		logger:       logger,
		cfg:          cfg,
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:      router,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
			IdleTimeout:  cfg.Server.IdleTimeout,
		},
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	middlewareChain := []func(http.Handler) http.Handler{
		middleware.Recovery(s.errorHandler, s.logger),
		middleware.RequestID,
		middleware.Logging(s.logger),
	}
	if s.metrics != nil {
		middlewareChain = append(middlewareChain, middleware.Metrics(s.metrics))
	}
	middlewareChain = append(middlewareChain, middleware.Session(s.cfg.Markers.SessionTTL))

	if s.cfg.RateLimiter.Enabled {
		rateLimiter := middleware.NewRateLimiter(
			s.cfg.RateLimiter.RequestsPerSecond,
			s.cfg.RateLimiter.BurstSize,
			s.errorHandler,
		)
		middlewareChain = append(middlewareChain, rateLimiter.Limit)
	}

	chain := middleware.Chain(middlewareChain...)
	s.router.Use(func(next http.Handler) http.Handler {
		return chain(next)
	})

	s.router.HandleFunc("/write/{key}/{value}", s.handlers.Write).Methods(http.MethodPost)
	s.router.HandleFunc("/read/{key}", s.handlers.Read).Methods(http.MethodGet)
	s.router.HandleFunc("/circuit-breaker", s.handlers.CircuitBreakers).Methods(http.MethodGet)
	s.router.HandleFunc("/health", s.healthCheck.Handler).Methods(http.MethodGet)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.errorHandler.WriteErrorResponse(w, http.StatusNotFound, apierrors.ErrorCodeNotFound, "endpoint not found", r.Header.Get("X-Request-ID"))
	})

	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.errorHandler.WriteErrorResponse(w, http.StatusMethodNotAllowed, apierrors.ErrorCodeMethodNotAllowed, "method not allowed", r.Header.Get("X-Request-ID"))
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", zap.Int("port", s.cfg.Server.Port))

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the http.Handler for the server.
func (s *Server) Handler() http.Handler {
	return s.router
}
