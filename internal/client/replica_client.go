package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/devrev/capgate/internal/model"
)

// ErrReplicaUnreachable is returned when a replica does not answer within the
// call timeout. A refused connection and a slow replica look the same.
var ErrReplicaUnreachable = errors.New("replica unreachable")

// ErrCircuitOpen is returned when the breaker refuses a call without
// touching the network
var ErrCircuitOpen = errors.New("circuit open")

// ReplicaPort is the storage port for a single replica. Callers bound every
// call with a context deadline.
type ReplicaPort interface {
	// Name identifies the replica in logs and metrics
	Name() string

	// Ping checks that the replica accepts connections
	Ping(ctx context.Context) error

	// Get returns the record stored under key. A missing key is not an error.
	Get(ctx context.Context, key string) (model.ReadResult, error)

	// Set stores the record under rec.Key
	Set(ctx context.Context, rec model.WriteRecord) error

	// Revert undoes written while it is still the stored record: previous is
	// put back, or the key removed when previous is absent. A record replaced
	// by a later write is left alone. It reports whether anything changed.
	Revert(ctx context.Context, written model.WriteRecord, previous model.ReadResult) (bool, error)

	// Close releases the underlying connection
	Close() error
}

// unreachable wraps err so that errors.Is(err, ErrReplicaUnreachable) holds
func unreachable(replica, op string, err error) error {
	if errors.Is(err, ErrReplicaUnreachable) {
		return err
	}
	return fmt.Errorf("%w: %s %s: %v", ErrReplicaUnreachable, replica, op, err)
}

var (
	_ ReplicaPort = (*RedisReplica)(nil)
	_ ReplicaPort = (*MemoryReplica)(nil)
)
