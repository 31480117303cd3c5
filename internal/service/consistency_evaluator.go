package service

import (
	"context"
	"time"

	"github.com/devrev/capgate/internal/client"
	"github.com/devrev/capgate/internal/metrics"
	"github.com/devrev/capgate/internal/model"
	"github.com/devrev/capgate/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ConsistencyEvaluator reads both replicas and reports agreement, staleness
// and read-your-writes for a key. It never mutates replicas or markers.
type ConsistencyEvaluator struct {
	primary        client.ReplicaPort
	secondary      client.ReplicaPort
	markers        store.WriteMarkerStore
	timeout        time.Duration
	stalenessBound time.Duration
	now            func() time.Time
	metrics        metrics.Recorder
	logger         *zap.Logger
}

// NewConsistencyEvaluator creates a new consistency evaluator
func NewConsistencyEvaluator(
	primary, secondary client.ReplicaPort,
	markers store.WriteMarkerStore,
	timeout, stalenessBound time.Duration,
	logger *zap.Logger,
	opts ...Option,
) *ConsistencyEvaluator {
	s := newSettings(opts)
	return &ConsistencyEvaluator{
		primary:        primary,
		secondary:      secondary,
		markers:        markers,
		timeout:        timeout,
		stalenessBound: stalenessBound,
		now:            s.now,
		metrics:        s.recorder,
		logger:         logger,
	}
}

// Evaluate reads key from both replicas and computes the verdict. An
// unreachable replica reads as absent.
func (e *ConsistencyEvaluator) Evaluate(ctx context.Context, sessionID, key string, mode model.Mode) *model.ConsistencyVerdict {
	start := time.Now()

	var primary, secondary model.ReadResult

	// Reads never fail the group, so one slow replica does not cancel the other
	var g errgroup.Group
	g.Go(func() error {
		primary = e.read(ctx, e.primary, key)
		return nil
	})
	g.Go(func() error {
		secondary = e.read(ctx, e.secondary, key)
		return nil
	})
	_ = g.Wait()

	now := e.now().UnixMilli()
	lastWrite := e.lastWrite(ctx, sessionID, key)
	bound := e.stalenessBound.Milliseconds()

	verdict := &model.ConsistencyVerdict{
		Key:                  key,
		Mode:                 mode,
		PrimaryValue:         primary.ValuePtr(),
		SecondaryValue:       secondary.ValuePtr(),
		PrimaryTimestamp:     primary.Timestamp,
		SecondaryTimestamp:   secondary.Timestamp,
		PrimaryStalenessMs:   staleness(now, primary.Timestamp),
		SecondaryStalenessMs: staleness(now, secondary.Timestamp),
		Consistent:           primary.Found && secondary.Found && primary.Value == secondary.Value,
		ReadYourWritesOK:     lastWrite == 0 || primary.Timestamp >= lastWrite,
		LastWriteTimestamp:   lastWrite,
	}
	verdict.WithinStalenessBound = verdict.PrimaryStalenessMs <= bound &&
		verdict.SecondaryStalenessMs <= bound

	e.metrics.SetStaleness(e.primary.Name(), verdict.PrimaryStalenessMs)
	e.metrics.SetStaleness(e.secondary.Name(), verdict.SecondaryStalenessMs)
	e.metrics.RecordRequest(mode.String(), "read", "success", time.Since(start))

	e.logger.Info("read evaluated",
		zap.String("event", "READ_CHECK"),
		zap.String("key", key),
		zap.String("status", verdict.Status()),
		zap.Int64("primary_staleness_ms", verdict.PrimaryStalenessMs),
		zap.Int64("secondary_staleness_ms", verdict.SecondaryStalenessMs),
		zap.Bool("ryw_ok", verdict.ReadYourWritesOK))

	return verdict
}

func (e *ConsistencyEvaluator) read(ctx context.Context, r client.ReplicaPort, key string) model.ReadResult {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	res, err := r.Get(ctx, key)
	if err != nil {
		e.metrics.RecordReplicaFailure(r.Name())
		e.logger.Warn("replica read failed",
			zap.String("replica", r.Name()),
			zap.String("key", key),
			zap.Error(err))
		return model.Absent()
	}
	return res
}

// lastWrite returns 0 when the session has no marker or the store fails
func (e *ConsistencyEvaluator) lastWrite(ctx context.Context, sessionID, key string) int64 {
	if sessionID == "" {
		return 0
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	ts, err := e.markers.LastWrite(ctx, sessionID, key)
	if err != nil {
		e.logger.Warn("failed to load write marker",
			zap.String("session_id", sessionID),
			zap.String("key", key),
			zap.Error(err))
		return 0
	}
	return ts
}

// staleness is the age of a record in ms. Records without a timestamp and
// records stamped ahead of the local clock report 0.
func staleness(now, ts int64) int64 {
	if ts <= 0 || ts > now {
		return 0
	}
	return now - ts
}
