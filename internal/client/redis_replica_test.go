package client

import (
	"context"
	"testing"
	"time"

	"github.com/devrev/capgate/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestEncodeDecodeRecord(t *testing.T) {
	data, err := EncodeRecord(model.WriteRecord{Key: "a", Value: "1", Timestamp: 1700000000123})
	require.NoError(t, err)
	assert.JSONEq(t, `{"value":"1","timestamp":1700000000123}`, string(data))

	res := DecodeRecord(data)
	assert.Equal(t, model.ReadResult{Value: "1", Found: true, Timestamp: 1700000000123}, res)
}

func TestDecodeRecord_RawValues(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"plain string", "hello"},
		{"json number", "42"},
		{"json without value", `{"timestamp":5}`},
		{"json null", "null"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := DecodeRecord([]byte(tt.raw))
			assert.True(t, res.Found)
			assert.Equal(t, tt.raw, res.Value)
			assert.Equal(t, int64(0), res.Timestamp)
		})
	}
}

func TestRedisReplica_UnreachableHost(t *testing.T) {
	// Port 1 on loopback refuses connections on any sane host.
	r := NewRedisReplica(RedisReplicaConfig{
		Name:    "db_g2",
		Host:    "127.0.0.1",
		Port:    1,
		Timeout: 100 * time.Millisecond,
	}, zap.NewNop())
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	assert.Equal(t, "db_g2", r.Name())
	assert.ErrorIs(t, r.Ping(ctx), ErrReplicaUnreachable)

	_, err := r.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrReplicaUnreachable)
	assert.ErrorIs(t, r.Set(ctx, model.WriteRecord{Key: "a", Value: "1"}), ErrReplicaUnreachable)

	reverted, err := r.Revert(ctx, model.WriteRecord{Key: "a", Value: "1"}, model.Absent())
	assert.ErrorIs(t, err, ErrReplicaUnreachable)
	assert.False(t, reverted)
}
