package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/devrev/capgate/internal/breaker"
	"github.com/devrev/capgate/internal/client"
	"github.com/devrev/capgate/internal/config"
	apierrors "github.com/devrev/capgate/internal/errors"
	"github.com/devrev/capgate/internal/handler"
	"github.com/devrev/capgate/internal/health"
	"github.com/devrev/capgate/internal/logging"
	"github.com/devrev/capgate/internal/metrics"
	"github.com/devrev/capgate/internal/server"
	"github.com/devrev/capgate/internal/service"
	"github.com/devrev/capgate/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("capgate exited with error", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mode := cfg.WriteMode()
	logger.Info("starting capgate",
		zap.String("event", "SERVICE_STARTUP"),
		zap.String("mode", mode.String()),
		zap.Int("port", cfg.Server.Port),
		zap.Duration("timeout", cfg.Consistency.Timeout),
		zap.Duration("staleness_bound", cfg.Consistency.StalenessBound),
		zap.String("primary", cfg.Replicas.Primary.Host),
		zap.String("secondary", cfg.Replicas.Secondary.Host),
		zap.String("markers", cfg.Markers.Backend))

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewMetrics(registry)

	// Replicas
	primary, secondary := newReplicas(cfg, logger)
	defer primary.Close()
	defer secondary.Close()

	// Write markers
	markers, err := newMarkerStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize write marker store: %w", err)
	}
	defer markers.Close()

	// Circuit breaker guarding the secondary
	cb := breaker.NewCircuitBreaker(
		secondary.Name(),
		breaker.Config{
			Threshold:    cfg.CircuitBreaker.Threshold,
			OpenDuration: cfg.CircuitBreaker.OpenDuration,
		},
		logger,
		breaker.WithObserver(func(target string, _, to breaker.State) {
			m.SetBreakerState(target, to)
		}),
	)
	m.SetBreakerState(cb.Target(), cb.State())

	controller := service.NewConsistencyController(
		primary, secondary, cb, markers,
		cfg.Consistency.Timeout,
		logger,
		service.WithRecorder(m),
	)
	evaluator := service.NewConsistencyEvaluator(
		primary, secondary, markers,
		cfg.Consistency.Timeout,
		cfg.Consistency.StalenessBound,
		logger,
		service.WithRecorder(m),
	)

	healthChecker := health.NewHealthChecker(primary, primary.Name(), markers, cfg.Consistency.Timeout, m, logger)
	go healthChecker.Run(ctx, cfg.Health.CheckInterval)

	errorHandler := apierrors.NewHandler(logger)
	handlers := handler.NewHandlers(controller, evaluator, []*breaker.CircuitBreaker{cb}, mode, errorHandler, logger)
	httpServer := server.NewServer(cfg, handlers, healthChecker, m, errorHandler, logger)

	serverErrors := make(chan error, 3)
	go func() {
		serverErrors <- httpServer.Start()
	}()

	var metricsServer *metrics.MetricsServer
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewMetricsServer(m, cfg.Metrics.Port, cfg.Metrics.Path, logger)
		go func() {
			if err := metricsServer.Start(); err != nil {
				serverErrors <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	var grpcServer *health.GRPCServer
	if cfg.GRPC.Enabled {
		grpcServer = health.NewGRPCServer(healthChecker, cfg.GRPC.Port, logger)
		go func() {
			if err := grpcServer.Start(); err != nil {
				serverErrors <- err
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	var runErr error
	select {
	case err := <-serverErrors:
		if err != nil {
			logger.Error("server error", zap.Error(err))
			runErr = err
		}
	case sig := <-sigChan:
		logger.Warn("received shutdown signal, exiting gracefully",
			zap.String("event", "SHUTDOWN_EVENT"),
			zap.String("signal", sig.String()))
	}

	// Stop probing before the listeners go away
	cancel()
	healthChecker.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", zap.Error(err))
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics server shutdown failed", zap.Error(err))
		}
	}
	if grpcServer != nil {
		grpcServer.Stop()
	}

	logger.Info("capgate stopped")
	return runErr
}

func newReplicas(cfg *config.Config, logger *zap.Logger) (client.ReplicaPort, client.ReplicaPort) {
	if cfg.Replicas.Backend == config.ReplicaBackendMemory {
		logger.Warn("using in-memory replicas; data is not shared between processes")
		return client.NewMemoryReplica(cfg.Replicas.Primary.Name), client.NewMemoryReplica(cfg.Replicas.Secondary.Name)
	}

	newReplica := func(r config.ReplicaConfig) client.ReplicaPort {
		return client.NewRedisReplica(client.RedisReplicaConfig{
			Name:         r.Name,
			Host:         r.Host,
			Port:         r.Port,
			Password:     r.Password,
			DB:           r.DB,
			Timeout:      cfg.Consistency.Timeout,
			PoolSize:     cfg.Replicas.PoolSize,
			MinIdleConns: cfg.Replicas.MinIdleConns,
		}, logger)
	}
	return newReplica(cfg.Replicas.Primary), newReplica(cfg.Replicas.Secondary)
}

func newMarkerStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store.WriteMarkerStore, error) {
	mc := cfg.Markers

	switch mc.Backend {
	case store.BackendRedis:
		return store.NewRedisMarkerStore(mc.Redis.Host, mc.Redis.Port, mc.Redis.Password, mc.Redis.DB, mc.SessionTTL, logger)

	case store.BackendPostgres:
		s, err := store.NewPostgresMarkerStore(ctx, store.PostgresConfig{
			Host:           mc.Postgres.Host,
			Port:           mc.Postgres.Port,
			Database:       mc.Postgres.Database,
			User:           mc.Postgres.User,
			Password:       mc.Postgres.Password,
			MaxConnections: mc.Postgres.MaxConnections,
			MinConnections: mc.Postgres.MinConnections,
		}, logger)
		if err != nil {
			return nil, err
		}
		go s.RunCleanup(ctx, mc.SessionTTL, mc.CleanupInterval)
		return s, nil

	default:
		return store.NewInMemoryMarkerStore(mc.SessionTTL, mc.MaxSessions, logger), nil
	}
}
