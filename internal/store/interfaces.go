package store

import (
	"context"
	"fmt"
)

// WriteMarkerStore records, per caller session, the timestamp of the last
// write issued for each key. It backs read-your-writes checks.
type WriteMarkerStore interface {
	// LastWrite returns the last write timestamp for key in the session,
	// or 0 when the session never wrote it
	LastWrite(ctx context.Context, sessionID, key string) (int64, error)

	// RecordWrite overwrites the marker for key in the session
	RecordWrite(ctx context.Context, sessionID, key string, timestamp int64) error

	// Ping checks the backing store
	Ping(ctx context.Context) error

	// Close releases resources
	Close() error
}

// Backend names accepted by configuration
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// markerKey builds the namespaced key for a session
func markerKey(sessionID string) string {
	return fmt.Sprintf("capgate:session:%s", sessionID)
}

var (
	_ WriteMarkerStore = (*InMemoryMarkerStore)(nil)
	_ WriteMarkerStore = (*RedisMarkerStore)(nil)
	_ WriteMarkerStore = (*PostgresMarkerStore)(nil)
)
