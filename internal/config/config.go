package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/devrev/capgate/internal/model"
	"github.com/devrev/capgate/internal/store"
	"go.uber.org/zap/zapcore"
)

// Config represents the capgate service configuration
type Config struct {
	Server         ServerConfig         `mapstructure:"server"`
	GRPC           GRPCConfig           `mapstructure:"grpc"`
	Replicas       ReplicasConfig       `mapstructure:"replicas"`
	Consistency    ConsistencyConfig    `mapstructure:"consistency"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	Markers        MarkersConfig        `mapstructure:"markers"`
	RateLimiter    RateLimiterConfig    `mapstructure:"rate_limiter"`
	Health         HealthConfig         `mapstructure:"health"`
	Metrics        MetricsConfig        `mapstructure:"metrics"`
	Logging        LoggingConfig        `mapstructure:"logging"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// GRPCConfig represents the gRPC health server configuration
type GRPCConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// ReplicasConfig describes the primary and secondary replicas
type ReplicasConfig struct {
	Backend      string        `mapstructure:"backend"`
	Primary      ReplicaConfig `mapstructure:"primary"`
	Secondary    ReplicaConfig `mapstructure:"secondary"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
}

// ReplicaConfig represents a single Redis replica
type ReplicaConfig struct {
	Name     string `mapstructure:"name"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// ConsistencyConfig represents write mode and read check configuration
type ConsistencyConfig struct {
	Mode           string        `mapstructure:"mode"`
	Timeout        time.Duration `mapstructure:"timeout"`
	StalenessBound time.Duration `mapstructure:"staleness_bound"`
}

// CircuitBreakerConfig represents the secondary replica breaker
type CircuitBreakerConfig struct {
	Threshold    uint          `mapstructure:"threshold"`
	OpenDuration time.Duration `mapstructure:"open_duration"`
}

// MarkersConfig represents the write marker store configuration
type MarkersConfig struct {
	Backend         string         `mapstructure:"backend"`
	SessionTTL      time.Duration  `mapstructure:"session_ttl"`
	MaxSessions     int            `mapstructure:"max_sessions"`
	CleanupInterval time.Duration  `mapstructure:"cleanup_interval"`
	Redis           RedisConfig    `mapstructure:"redis"`
	Postgres        DatabaseConfig `mapstructure:"postgres"`
}

// RedisConfig represents Redis marker store configuration
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// DatabaseConfig represents PostgreSQL marker store configuration
type DatabaseConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
	MinConnections int    `mapstructure:"min_connections"`
}

// RateLimiterConfig holds rate limiting configuration
type RateLimiterConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	BurstSize         int     `mapstructure:"burst_size"`
}

// HealthConfig represents background health probing
type HealthConfig struct {
	CheckInterval time.Duration `mapstructure:"check_interval"`
}

// MetricsConfig represents Prometheus metrics configuration
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Backends accepted for replicas
const (
	ReplicaBackendRedis  = "redis"
	ReplicaBackendMemory = "memory"
)

// WriteMode returns the parsed consistency mode
func (c *Config) WriteMode() model.Mode {
	mode, err := model.ParseMode(c.Consistency.Mode)
	if err != nil {
		return model.ModeCP
	}
	return mode
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.GRPC.Enabled && (c.GRPC.Port <= 0 || c.GRPC.Port > 65535) {
		return fmt.Errorf("invalid grpc port: %d", c.GRPC.Port)
	}

	switch c.Replicas.Backend {
	case ReplicaBackendRedis:
		if c.Replicas.Primary.Host == "" || c.Replicas.Secondary.Host == "" {
			return errors.New("replicas.primary.host and replicas.secondary.host are required")
		}
	case ReplicaBackendMemory:
	default:
		return fmt.Errorf("replicas.backend must be one of: redis, memory (got %q)", c.Replicas.Backend)
	}
	if c.Replicas.Primary.Name == "" || c.Replicas.Secondary.Name == "" {
		return errors.New("replica names are required")
	}
	if c.Replicas.Primary.Name == c.Replicas.Secondary.Name {
		return errors.New("primary and secondary replica names must differ")
	}

	if _, err := model.ParseMode(c.Consistency.Mode); err != nil {
		return fmt.Errorf("consistency.mode: %w", err)
	}
	if c.Consistency.Timeout <= 0 {
		return errors.New("consistency.timeout must be positive")
	}
	if c.Consistency.StalenessBound < 0 {
		return errors.New("consistency.staleness_bound must not be negative")
	}

	if c.CircuitBreaker.Threshold == 0 {
		return errors.New("circuit_breaker.threshold must be at least 1")
	}
	if c.CircuitBreaker.OpenDuration <= 0 {
		return errors.New("circuit_breaker.open_duration must be positive")
	}

	switch c.Markers.Backend {
	case store.BackendMemory, store.BackendRedis, store.BackendPostgres:
	default:
		return fmt.Errorf("markers.backend must be one of: memory, redis, postgres (got %q)", c.Markers.Backend)
	}
	if c.Markers.SessionTTL <= 0 {
		return errors.New("markers.session_ttl must be positive")
	}
	if c.Markers.CleanupInterval <= 0 {
		return errors.New("markers.cleanup_interval must be positive")
	}

	if c.Health.CheckInterval <= 0 {
		return errors.New("health.check_interval must be positive")
	}

	if c.RateLimiter.Enabled {
		if c.RateLimiter.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate limiter requests per second must be positive")
		}
		if c.RateLimiter.BurstSize <= 0 {
			return fmt.Errorf("rate limiter burst size must be positive")
		}
	}

	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		return fmt.Errorf("invalid metrics port: %d", c.Metrics.Port)
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	return nil
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            5000,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		GRPC: GRPCConfig{
			Enabled: true,
			Port:    50051,
		},
		Replicas: ReplicasConfig{
			Backend: ReplicaBackendRedis,
			Primary: ReplicaConfig{
				Name: "db_g1",
				Host: "localhost",
				Port: 6379,
			},
			Secondary: ReplicaConfig{
				Name: "db_g2",
				Host: "localhost",
				Port: 6379,
			},
			PoolSize:     10,
			MinIdleConns: 2,
		},
		Consistency: ConsistencyConfig{
			Mode:           string(model.ModeCP),
			Timeout:        200 * time.Millisecond,
			StalenessBound: 500 * time.Millisecond,
		},
		CircuitBreaker: CircuitBreakerConfig{
			Threshold:    3,
			OpenDuration: 10 * time.Second,
		},
		Markers: MarkersConfig{
			Backend:         store.BackendMemory,
			SessionTTL:      24 * time.Hour,
			MaxSessions:     10000,
			CleanupInterval: 10 * time.Minute,
			Redis: RedisConfig{
				Host: "localhost",
				Port: 6379,
			},
			Postgres: DatabaseConfig{
				Host:           "localhost",
				Port:           5432,
				Database:       "capgate",
				User:           "capgate",
				MaxConnections: 10,
				MinConnections: 2,
			},
		},
		RateLimiter: RateLimiterConfig{
			Enabled:           false,
			RequestsPerSecond: 1000,
			BurstSize:         100,
		},
		Health: HealthConfig{
			CheckInterval: 5 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
