package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable that maps onto a config key,
// e.g. CAPGATE_CONSISTENCY_MODE for consistency.mode
const EnvPrefix = "CAPGATE"

// Load loads configuration from an optional YAML file and the environment.
// An empty configPath searches ./config.yaml and /etc/capgate/config.yaml.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/capgate/")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// The file is optional; defaults and environment are enough to run
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := applyEnvironmentOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can resolve it
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("server.idle_timeout", d.Server.IdleTimeout)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)

	v.SetDefault("grpc.enabled", d.GRPC.Enabled)
	v.SetDefault("grpc.port", d.GRPC.Port)

	v.SetDefault("replicas.backend", d.Replicas.Backend)
	v.SetDefault("replicas.pool_size", d.Replicas.PoolSize)
	v.SetDefault("replicas.min_idle_conns", d.Replicas.MinIdleConns)
	for name, r := range map[string]ReplicaConfig{"primary": d.Replicas.Primary, "secondary": d.Replicas.Secondary} {
		v.SetDefault("replicas."+name+".name", r.Name)
		v.SetDefault("replicas."+name+".host", r.Host)
		v.SetDefault("replicas."+name+".port", r.Port)
		v.SetDefault("replicas."+name+".password", r.Password)
		v.SetDefault("replicas."+name+".db", r.DB)
	}

	v.SetDefault("consistency.mode", d.Consistency.Mode)
	v.SetDefault("consistency.timeout", d.Consistency.Timeout)
	v.SetDefault("consistency.staleness_bound", d.Consistency.StalenessBound)

	v.SetDefault("circuit_breaker.threshold", d.CircuitBreaker.Threshold)
	v.SetDefault("circuit_breaker.open_duration", d.CircuitBreaker.OpenDuration)

	v.SetDefault("markers.backend", d.Markers.Backend)
	v.SetDefault("markers.session_ttl", d.Markers.SessionTTL)
	v.SetDefault("markers.max_sessions", d.Markers.MaxSessions)
	v.SetDefault("markers.cleanup_interval", d.Markers.CleanupInterval)
	v.SetDefault("markers.redis.host", d.Markers.Redis.Host)
	v.SetDefault("markers.redis.port", d.Markers.Redis.Port)
	v.SetDefault("markers.redis.password", d.Markers.Redis.Password)
	v.SetDefault("markers.redis.db", d.Markers.Redis.DB)
	v.SetDefault("markers.postgres.host", d.Markers.Postgres.Host)
	v.SetDefault("markers.postgres.port", d.Markers.Postgres.Port)
	v.SetDefault("markers.postgres.database", d.Markers.Postgres.Database)
	v.SetDefault("markers.postgres.user", d.Markers.Postgres.User)
	v.SetDefault("markers.postgres.password", d.Markers.Postgres.Password)
	v.SetDefault("markers.postgres.max_connections", d.Markers.Postgres.MaxConnections)
	v.SetDefault("markers.postgres.min_connections", d.Markers.Postgres.MinConnections)

	v.SetDefault("rate_limiter.enabled", d.RateLimiter.Enabled)
	v.SetDefault("rate_limiter.requests_per_second", d.RateLimiter.RequestsPerSecond)
	v.SetDefault("rate_limiter.burst_size", d.RateLimiter.BurstSize)

	v.SetDefault("health.check_interval", d.Health.CheckInterval)

	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.port", d.Metrics.Port)
	v.SetDefault("metrics.path", d.Metrics.Path)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
}

// applyEnvironmentOverrides applies the unprefixed variables used by existing
// deployments. They take precedence over file and CAPGATE_ values.
func applyEnvironmentOverrides(cfg *Config) error {
	if host := os.Getenv("DB_G1_HOST"); host != "" {
		cfg.Replicas.Primary.Host = host
	}
	if host := os.Getenv("DB_G2_HOST"); host != "" {
		cfg.Replicas.Secondary.Host = host
	}
	if mode := os.Getenv("APP_MODE"); mode != "" {
		cfg.Consistency.Mode = mode
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Logging.Level = zapLevelName(level)
	}

	if v := os.Getenv("NETWORK_TIMEOUT_SEC"); v != "" {
		secs, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid NETWORK_TIMEOUT_SEC %q: %w", v, err)
		}
		cfg.Consistency.Timeout = time.Duration(secs * float64(time.Second))
	}
	if v := os.Getenv("MAX_STALENESS_MS"); v != "" {
		ms, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid MAX_STALENESS_MS %q: %w", v, err)
		}
		cfg.Consistency.StalenessBound = time.Duration(ms * float64(time.Millisecond))
	}
	if v := os.Getenv("CIRCUIT_BREAKER_THRESHOLD"); v != "" {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return fmt.Errorf("invalid CIRCUIT_BREAKER_THRESHOLD %q: %w", v, err)
		}
		cfg.CircuitBreaker.Threshold = uint(n)
	}
	if v := os.Getenv("CIRCUIT_BREAKER_TIMEOUT"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid CIRCUIT_BREAKER_TIMEOUT %q: %w", v, err)
		}
		cfg.CircuitBreaker.OpenDuration = time.Duration(secs) * time.Second
	}

	// SERVER_PORT wins over FLASK_RUN_PORT when both are set
	for _, name := range []string{"FLASK_RUN_PORT", "SERVER_PORT"} {
		if v := os.Getenv(name); v != "" {
			p, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid %s %q: %w", name, v, err)
			}
			cfg.Server.Port = p
		}
	}

	return nil
}

// zapLevelName accepts the Python style names LOG_LEVEL historically used
func zapLevelName(level string) string {
	level = strings.ToLower(strings.TrimSpace(level))
	switch level {
	case "warning":
		return "warn"
	case "critical":
		return "error"
	default:
		return level
	}
}
