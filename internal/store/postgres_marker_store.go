package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const createWriteMarkersTable = `
	CREATE TABLE IF NOT EXISTS write_markers (
		session_id    TEXT        NOT NULL,
		key           TEXT        NOT NULL,
		last_write_ts BIGINT      NOT NULL,
		updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (session_id, key)
	)
`

// PostgresMarkerStore implements WriteMarkerStore using PostgreSQL
type PostgresMarkerStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// PostgresConfig holds connection settings for the marker store
type PostgresConfig struct {
	Host           string
	Port           int
	Database       string
	User           string
	Password       string
	MaxConnections int
	MinConnections int
}

// NewPostgresMarkerStore connects to PostgreSQL and ensures the schema exists
func NewPostgresMarkerStore(ctx context.Context, cfg PostgresConfig, logger *zap.Logger) (*PostgresMarkerStore, error) {
	connString := fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s pool_max_conns=%d pool_min_conns=%d",
		cfg.Host, cfg.Port, cfg.Database, cfg.User, cfg.Password, cfg.MaxConnections, cfg.MinConnections,
	)

	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, createWriteMarkersTable); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create write_markers table: %w", err)
	}

	return NewPostgresMarkerStoreWithPool(pool, logger), nil
}

// NewPostgresMarkerStoreWithPool wraps an existing pool
func NewPostgresMarkerStoreWithPool(pool *pgxpool.Pool, logger *zap.Logger) *PostgresMarkerStore {
	return &PostgresMarkerStore{
		pool:   pool,
		logger: logger,
	}
}

// LastWrite returns the marker for key, or 0
func (s *PostgresMarkerStore) LastWrite(ctx context.Context, sessionID, key string) (int64, error) {
	query := `SELECT last_write_ts FROM write_markers WHERE session_id = $1 AND key = $2`

	var ts int64
	err := s.pool.QueryRow(ctx, query, sessionID, key).Scan(&ts)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get write marker: %w", err)
	}
	return ts, nil
}

// RecordWrite upserts the marker for key
func (s *PostgresMarkerStore) RecordWrite(ctx context.Context, sessionID, key string, timestamp int64) error {
	query := `
		INSERT INTO write_markers (session_id, key, last_write_ts, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (session_id, key)
		DO UPDATE SET last_write_ts = EXCLUDED.last_write_ts, updated_at = now()
	`

	if _, err := s.pool.Exec(ctx, query, sessionID, key, timestamp); err != nil {
		return fmt.Errorf("failed to record write marker: %w", err)
	}
	return nil
}

// CleanupExpired deletes markers not updated within ttl
func (s *PostgresMarkerStore) CleanupExpired(ctx context.Context, ttl time.Duration) (int64, error) {
	query := `DELETE FROM write_markers WHERE updated_at < $1`

	cutoffTime := time.Now().Add(-ttl)
	result, err := s.pool.Exec(ctx, query, cutoffTime)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup write markers: %w", err)
	}

	return result.RowsAffected(), nil
}

// RunCleanup removes expired markers every interval until ctx is done
func (s *PostgresMarkerStore) RunCleanup(ctx context.Context, ttl, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := s.CleanupExpired(ctx, ttl)
			if err != nil {
				s.logger.Warn("Write marker cleanup failed", zap.Error(err))
				continue
			}
			if deleted > 0 {
				s.logger.Info("Cleaned up expired write markers", zap.Int64("deleted", deleted))
			}
		}
	}
}

// Ping checks the database connection
func (s *PostgresMarkerStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the connection pool
func (s *PostgresMarkerStore) Close() error {
	s.pool.Close()
	return nil
}
