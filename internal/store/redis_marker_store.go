package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisMarkerStore implements WriteMarkerStore with one Redis hash per session
type RedisMarkerStore struct {
	client     *redis.Client
	sessionTTL time.Duration
	logger     *zap.Logger
}

// NewRedisMarkerStore creates a new Redis marker store and checks the connection
func NewRedisMarkerStore(host string, port int, password string, db int, sessionTTL time.Duration, logger *zap.Logger) (*RedisMarkerStore, error) {
	addr := fmt.Sprintf("%s:%d", host, port)
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisMarkerStore{
		client:     client,
		sessionTTL: sessionTTL,
		logger:     logger,
	}, nil
}

// LastWrite returns the marker for key, or 0
func (s *RedisMarkerStore) LastWrite(ctx context.Context, sessionID, key string) (int64, error) {
	ts, err := s.client.HGet(ctx, markerKey(sessionID), key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read write marker: %w", err)
	}
	return ts, nil
}

// RecordWrite overwrites the marker and refreshes the session TTL
func (s *RedisMarkerStore) RecordWrite(ctx context.Context, sessionID, key string, timestamp int64) error {
	redisKey := markerKey(sessionID)

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, redisKey, key, timestamp)
	if s.sessionTTL > 0 {
		pipe.Expire(ctx, redisKey, s.sessionTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record write marker: %w", err)
	}
	return nil
}

// Ping checks the Redis connection
func (s *RedisMarkerStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis client
func (s *RedisMarkerStore) Close() error {
	return s.client.Close()
}
