package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/devrev/capgate/internal/model"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisReplicaConfig configures a Redis backed replica
type RedisReplicaConfig struct {
	Name         string
	Host         string
	Port         int
	Password     string
	DB           int
	Timeout      time.Duration
	PoolSize     int
	MinIdleConns int
}

// RedisReplica implements ReplicaPort on top of a single Redis node
type RedisReplica struct {
	name   string
	client *redis.Client
	logger *zap.Logger
}

// NewRedisReplica creates a Redis replica client. No connection is made until
// the first call, so a replica that is down at startup does not prevent boot.
func NewRedisReplica(cfg RedisReplicaConfig, logger *zap.Logger) *RedisReplica {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.Timeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
		// Retries are a caller policy; a failed call fails immediately.
		MaxRetries:   -1,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
	})

	name := cfg.Name
	if name == "" {
		name = addr
	}

	return &RedisReplica{
		name:   name,
		client: client,
		logger: logger.With(zap.String("replica", name), zap.String("addr", addr)),
	}
}

// Name returns the replica name
func (r *RedisReplica) Name() string {
	return r.name
}

// Ping checks the Redis connection
func (r *RedisReplica) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return unreachable(r.name, "ping", err)
	}
	return nil
}

// Get retrieves the record stored under key
func (r *RedisReplica) Get(ctx context.Context, key string) (model.ReadResult, error) {
	data, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.Absent(), nil
	}
	if err != nil {
		return model.Absent(), unreachable(r.name, "get", err)
	}
	return DecodeRecord(data), nil
}

// Set stores the record as JSON
func (r *RedisReplica) Set(ctx context.Context, rec model.WriteRecord) error {
	data, err := EncodeRecord(rec)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, rec.Key, data, 0).Err(); err != nil {
		return unreachable(r.name, "set", err)
	}
	return nil
}

// revertScript compares and swaps in one round trip. An empty replacement
// deletes the key.
var revertScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) ~= ARGV[1] then
	return 0
end
if ARGV[2] == "" then
	redis.call("DEL", KEYS[1])
else
	redis.call("SET", KEYS[1], ARGV[2])
end
return 1
`)

// Revert restores previous if written is still the stored document
func (r *RedisReplica) Revert(ctx context.Context, written model.WriteRecord, previous model.ReadResult) (bool, error) {
	current, err := EncodeRecord(written)
	if err != nil {
		return false, err
	}

	var restore []byte
	if previous.Found {
		restore, err = EncodeRecord(model.WriteRecord{Key: written.Key, Value: previous.Value, Timestamp: previous.Timestamp})
		if err != nil {
			return false, err
		}
	}

	n, err := revertScript.Run(ctx, r.client, []string{written.Key}, string(current), string(restore)).Int()
	if err != nil {
		return false, unreachable(r.name, "revert", err)
	}
	if n == 0 {
		r.logger.Debug("revert skipped, key holds a newer record", zap.String("key", written.Key))
	}
	return n == 1, nil
}

// Close closes the Redis client
func (r *RedisReplica) Close() error {
	return r.client.Close()
}

// storedRecord is the JSON document kept in a replica
type storedRecord struct {
	Value     *string `json:"value"`
	Timestamp int64   `json:"timestamp"`
}

// EncodeRecord serializes a record for storage
func EncodeRecord(rec model.WriteRecord) ([]byte, error) {
	v := rec.Value
	data, err := json.Marshal(storedRecord{Value: &v, Timestamp: rec.Timestamp})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal record: %w", err)
	}
	return data, nil
}

// DecodeRecord parses a stored record. Values written by other tools are
// returned as-is with a zero timestamp.
func DecodeRecord(data []byte) model.ReadResult {
	var sr storedRecord
	if err := json.Unmarshal(data, &sr); err != nil || sr.Value == nil {
		return model.ReadResult{Value: string(data), Found: true}
	}
	return model.ReadResult{Value: *sr.Value, Found: true, Timestamp: sr.Timestamp}
}
