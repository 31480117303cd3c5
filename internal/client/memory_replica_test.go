package client

import (
	"context"
	"testing"
	"time"

	"github.com/devrev/capgate/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryReplica_SetGet(t *testing.T) {
	r := NewMemoryReplica("primary")
	ctx := context.Background()

	res, err := r.Get(ctx, "a")
	require.NoError(t, err)
	assert.False(t, res.Found)

	require.NoError(t, r.Set(ctx, model.WriteRecord{Key: "a", Value: "1", Timestamp: 42}))

	res, err = r.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, model.ReadResult{Value: "1", Found: true, Timestamp: 42}, res)

	assert.Equal(t, 3, r.Calls())
}

func TestMemoryReplica_Revert(t *testing.T) {
	ctx := context.Background()
	written := model.WriteRecord{Key: "a", Value: "new", Timestamp: 20}
	previous := model.ReadResult{Value: "old", Found: true, Timestamp: 10}

	tests := []struct {
		name     string
		stored   *model.WriteRecord
		previous model.ReadResult
		reverted bool
		want     *model.WriteRecord
	}{
		{
			name:     "restores previous",
			stored:   &written,
			previous: previous,
			reverted: true,
			want:     &model.WriteRecord{Key: "a", Value: "old", Timestamp: 10},
		},
		{
			name:     "removes key without previous",
			stored:   &written,
			previous: model.Absent(),
			reverted: true,
		},
		{
			name:     "keeps a newer record",
			stored:   &model.WriteRecord{Key: "a", Value: "newer", Timestamp: 30},
			previous: previous,
			want:     &model.WriteRecord{Key: "a", Value: "newer", Timestamp: 30},
		},
		{
			name:     "same value with another timestamp is not ours",
			stored:   &model.WriteRecord{Key: "a", Value: "new", Timestamp: 21},
			previous: model.Absent(),
			want:     &model.WriteRecord{Key: "a", Value: "new", Timestamp: 21},
		},
		{
			name:     "missing key stays missing",
			previous: previous,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewMemoryReplica("primary")
			if tt.stored != nil {
				r.Put(*tt.stored)
			}

			reverted, err := r.Revert(ctx, written, tt.previous)
			require.NoError(t, err)
			assert.Equal(t, tt.reverted, reverted)

			rec, ok := r.Lookup("a")
			if tt.want == nil {
				assert.False(t, ok)
				return
			}
			require.True(t, ok)
			assert.Equal(t, *tt.want, rec)
		})
	}
}

func TestMemoryReplica_Down(t *testing.T) {
	r := NewMemoryReplica("secondary")
	r.Put(model.WriteRecord{Key: "a", Value: "1"})
	r.SetDown(true)
	ctx := context.Background()

	assert.ErrorIs(t, r.Ping(ctx), ErrReplicaUnreachable)
	_, err := r.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrReplicaUnreachable)
	assert.ErrorIs(t, r.Set(ctx, model.WriteRecord{Key: "b", Value: "2"}), ErrReplicaUnreachable)
	_, err = r.Revert(ctx, model.WriteRecord{Key: "a", Value: "1"}, model.Absent())
	assert.ErrorIs(t, err, ErrReplicaUnreachable)

	_, ok := r.Lookup("b")
	assert.False(t, ok)

	r.SetDown(false)
	assert.NoError(t, r.Ping(ctx))
}

func TestMemoryReplica_LatencyExceedsDeadline(t *testing.T) {
	r := NewMemoryReplica("secondary")
	r.SetLatency(time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := r.Ping(ctx)

	assert.ErrorIs(t, err, ErrReplicaUnreachable)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestMemoryReplica_LatencyWithinDeadline(t *testing.T) {
	r := NewMemoryReplica("secondary")
	r.SetLatency(5 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	assert.NoError(t, r.Ping(ctx))
}
