package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/devrev/capgate/internal/model"
)

var errReplicaDown = errors.New("connection refused")

// MemoryReplica implements ReplicaPort using an in-memory map. Outages and
// latency can be injected, which makes it usable for local runs and tests.
type MemoryReplica struct {
	name string

	mu      sync.RWMutex
	data    map[string]model.WriteRecord
	down    bool
	latency time.Duration
	calls   int
}

// NewMemoryReplica creates an empty in-memory replica
func NewMemoryReplica(name string) *MemoryReplica {
	return &MemoryReplica{
		name: name,
		data: make(map[string]model.WriteRecord),
	}
}

// Name returns the replica name
func (r *MemoryReplica) Name() string {
	return r.name
}

// SetDown simulates a partition: every call fails until cleared
func (r *MemoryReplica) SetDown(down bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.down = down
}

// SetLatency delays every call by d
func (r *MemoryReplica) SetLatency(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.latency = d
}

// Calls returns the number of calls that reached the replica
func (r *MemoryReplica) Calls() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.calls
}

// Ping checks that the replica is up
func (r *MemoryReplica) Ping(ctx context.Context) error {
	return r.enter(ctx, "ping")
}

// Get retrieves the record stored under key
func (r *MemoryReplica) Get(ctx context.Context, key string) (model.ReadResult, error) {
	if err := r.enter(ctx, "get"); err != nil {
		return model.Absent(), err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.data[key]
	if !ok {
		return model.Absent(), nil
	}
	return model.ReadResult{Value: rec.Value, Found: true, Timestamp: rec.Timestamp}, nil
}

// Set stores the record
func (r *MemoryReplica) Set(ctx context.Context, rec model.WriteRecord) error {
	if err := r.enter(ctx, "set"); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.data[rec.Key] = rec
	return nil
}

// Revert restores previous if written is still the stored record
func (r *MemoryReplica) Revert(ctx context.Context, written model.WriteRecord, previous model.ReadResult) (bool, error) {
	if err := r.enter(ctx, "revert"); err != nil {
		return false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.data[written.Key]; !ok || current != written {
		return false, nil
	}
	if previous.Found {
		r.data[written.Key] = model.WriteRecord{Key: written.Key, Value: previous.Value, Timestamp: previous.Timestamp}
	} else {
		delete(r.data, written.Key)
	}
	return true, nil
}

// Close is a no-op
func (r *MemoryReplica) Close() error {
	return nil
}

// Put seeds a record directly, bypassing outage simulation
func (r *MemoryReplica) Put(rec model.WriteRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data[rec.Key] = rec
}

// Lookup reads a record directly, bypassing outage simulation
func (r *MemoryReplica) Lookup(key string) (model.WriteRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.data[key]
	return rec, ok
}

// enter applies the injected latency and outage before an operation
func (r *MemoryReplica) enter(ctx context.Context, op string) error {
	r.mu.Lock()
	r.calls++
	down := r.down
	latency := r.latency
	r.mu.Unlock()

	if latency > 0 {
		timer := time.NewTimer(latency)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return unreachable(r.name, op, ctx.Err())
		}
	}

	if down {
		return unreachable(r.name, op, errReplicaDown)
	}
	if err := ctx.Err(); err != nil {
		return unreachable(r.name, op, err)
	}
	return nil
}
