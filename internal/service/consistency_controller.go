package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/devrev/capgate/internal/breaker"
	"github.com/devrev/capgate/internal/client"
	"github.com/devrev/capgate/internal/metrics"
	"github.com/devrev/capgate/internal/model"
	"github.com/devrev/capgate/internal/store"
	"go.uber.org/zap"
)

const (
	msgCPSuccess     = "CP Success: Strong Consistency maintained."
	msgCPAbort       = "Consistency Failure: Cannot reach all Quorum nodes. Sacrificing Availability (A)."
	msgPrimaryDown   = "Critical Failure: Primary node is down."
	msgAPSuccessFmt  = "AP Success: High Availability maintained. Secondary Status: %s"
	msgInvalidFormat = "Invalid request: %s"
)

// ConsistencyController executes CP and AP writes against the primary and
// the breaker guarded secondary
type ConsistencyController struct {
	primary   client.ReplicaPort
	secondary client.ReplicaPort
	breaker   *breaker.CircuitBreaker
	markers   store.WriteMarkerStore
	timeout   time.Duration
	now       func() time.Time
	metrics   metrics.Recorder
	logger    *zap.Logger

	// CP writes to one key run one at a time
	cpLocks keyLocks
}

// NewConsistencyController creates a new consistency controller. Every replica
// call is bounded by timeout.
func NewConsistencyController(
	primary, secondary client.ReplicaPort,
	cb *breaker.CircuitBreaker,
	markers store.WriteMarkerStore,
	timeout time.Duration,
	logger *zap.Logger,
	opts ...Option,
) *ConsistencyController {
	s := newSettings(opts)
	return &ConsistencyController{
		primary:   primary,
		secondary: secondary,
		breaker:   cb,
		markers:   markers,
		timeout:   timeout,
		now:       s.now,
		metrics:   s.recorder,
		logger:    logger,
	}
}

// Write stores key=value using the strategy selected by mode
func (c *ConsistencyController) Write(ctx context.Context, sessionID, key, value string, mode model.Mode) *WriteResult {
	start := time.Now()

	var result *WriteResult
	if err := validateWrite(key, value, mode); err != nil {
		result = &WriteResult{
			Mode:    mode,
			Message: fmt.Sprintf(msgInvalidFormat, err),
			Reason:  ReasonInvalidRequest,
		}
	} else {
		rec := model.WriteRecord{Key: key, Value: value}
		if mode == model.ModeCP {
			result = c.writeCP(ctx, sessionID, rec)
		} else {
			result = c.writeAP(ctx, sessionID, rec)
		}
	}

	status := "success"
	if !result.Success {
		status = "failure"
	}
	c.metrics.RecordRequest(mode.String(), "write", status, time.Since(start))

	return result
}

func validateWrite(key, value string, mode model.Mode) error {
	if key == "" {
		return fmt.Errorf("key is required")
	}
	if value == "" {
		return fmt.Errorf("value is required")
	}
	if mode != model.ModeCP && mode != model.ModeAP {
		return fmt.Errorf("unsupported mode %q", mode)
	}
	return nil
}

// writeCP writes to both replicas or to neither
func (c *ConsistencyController) writeCP(ctx context.Context, sessionID string, rec model.WriteRecord) *WriteResult {
	unlock := c.cpLocks.lock(rec.Key)
	defer unlock()

	if err := c.ping(ctx, c.primary); err != nil {
		return c.abortCP(rec.Key, c.primary.Name(), err)
	}
	if err := c.pingSecondary(ctx); err != nil {
		return c.abortCP(rec.Key, c.secondary.Name(), err)
	}

	// Kept so a failed secondary write can be undone on the primary
	previous, err := c.get(ctx, c.primary, rec.Key)
	if err != nil {
		return c.abortCP(rec.Key, c.primary.Name(), err)
	}

	rec.Timestamp = c.now().UnixMilli()

	if err := c.set(ctx, c.primary, rec); err != nil {
		c.logger.Error("CP write failed on primary",
			zap.String("event", "CP_ABORTED"),
			zap.String("key", rec.Key),
			zap.String("replica", c.primary.Name()),
			zap.Error(err))
		return &WriteResult{
			Mode:    model.ModeCP,
			Message: msgPrimaryDown,
			Reason:  ReasonPrimaryDown,
		}
	}

	if err := c.set(ctx, c.secondary, rec); err != nil {
		c.breaker.RecordFailure()
		c.rollback(ctx, rec, previous)
		return c.abortCP(rec.Key, c.secondary.Name(), err)
	}
	c.breaker.RecordSuccess()

	c.recordMarker(ctx, sessionID, rec)

	c.logger.Info("CP write committed",
		zap.String("event", "CP_COMMIT"),
		zap.String("key", rec.Key),
		zap.Int64("timestamp", rec.Timestamp))

	return &WriteResult{
		Success:         true,
		Mode:            model.ModeCP,
		Message:         msgCPSuccess,
		Timestamp:       rec.Timestamp,
		SecondaryStatus: SecondaryReplicated,
	}
}

func (c *ConsistencyController) abortCP(key, replica string, err error) *WriteResult {
	message := msgCPAbort
	if reasonFor(err) == ReasonCircuitOpen {
		message += " (secondary circuit open)"
	}

	c.logger.Error("CP write aborted",
		zap.String("event", "CP_ABORTED"),
		zap.String("reason", "Partition or node failure"),
		zap.String("key", key),
		zap.String("replica", replica),
		zap.Error(err))

	return &WriteResult{
		Mode:    model.ModeCP,
		Message: message,
		Reason:  ReasonPartitionAbort,
	}
}

// rollback undoes rec on the primary unless a later write already replaced it
func (c *ConsistencyController) rollback(ctx context.Context, rec model.WriteRecord, previous model.ReadResult) {
	// The request context may already be done; the undo still gets its own budget.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	defer cancel()

	reverted, err := c.primary.Revert(ctx, rec, previous)
	if err != nil {
		c.replicaFailure(c.primary, "revert", err)
		c.logger.Error("failed to roll back primary after CP abort",
			zap.String("event", "CP_ROLLBACK_FAILED"),
			zap.String("key", rec.Key),
			zap.Error(err))
		return
	}
	if !reverted {
		c.logger.Warn("primary already holds a newer write, nothing to roll back",
			zap.String("event", "CP_ROLLBACK_SKIPPED"),
			zap.String("key", rec.Key),
			zap.Int64("timestamp", rec.Timestamp))
		return
	}
	c.logger.Warn("rolled back primary after CP abort",
		zap.String("event", "CP_ROLLBACK"),
		zap.String("key", rec.Key),
		zap.Bool("restored", previous.Found))
}

// writeAP writes to the primary and replicates to the secondary on a best
// effort basis
func (c *ConsistencyController) writeAP(ctx context.Context, sessionID string, rec model.WriteRecord) *WriteResult {
	if err := c.ping(ctx, c.primary); err != nil {
		return c.primaryDown(rec.Key, err)
	}

	rec.Timestamp = c.now().UnixMilli()
	if err := c.set(ctx, c.primary, rec); err != nil {
		return c.primaryDown(rec.Key, err)
	}

	c.recordMarker(ctx, sessionID, rec)

	secondaryStatus := c.replicate(ctx, rec)

	return &WriteResult{
		Success:         true,
		Mode:            model.ModeAP,
		Message:         fmt.Sprintf(msgAPSuccessFmt, secondaryStatus),
		Timestamp:       rec.Timestamp,
		SecondaryStatus: secondaryStatus,
	}
}

func (c *ConsistencyController) primaryDown(key string, err error) *WriteResult {
	c.logger.Error("primary unreachable",
		zap.String("event", "AP_CRITICAL_FAILURE"),
		zap.String("reason", "Primary node is down"),
		zap.String("key", key),
		zap.String("replica", c.primary.Name()),
		zap.Error(err))

	return &WriteResult{
		Mode:    model.ModeAP,
		Message: msgPrimaryDown,
		Reason:  ReasonPrimaryDown,
	}
}

// replicate copies rec to the secondary. Its outcome never fails the write.
func (c *ConsistencyController) replicate(ctx context.Context, rec model.WriteRecord) string {
	err := c.pingSecondary(ctx)
	if err == nil {
		err = c.set(ctx, c.secondary, rec)
		if err != nil {
			c.breaker.RecordFailure()
		} else {
			c.breaker.RecordSuccess()
		}
	}
	if err == nil {
		return SecondaryReplicated
	}

	c.logger.Warn("secondary not replicated",
		zap.String("event", "AP_STALE_RISK"),
		zap.String("key", rec.Key),
		zap.String("target", c.secondary.Name()),
		zap.Error(err))

	if reasonFor(err) == ReasonCircuitOpen {
		return SecondaryCircuitOpen
	}
	return SecondaryUnreachable
}

// pingSecondary checks the breaker and probes the secondary. A failed probe
// counts against the breaker.
func (c *ConsistencyController) pingSecondary(ctx context.Context) error {
	if !c.breaker.Allow() {
		c.logger.Warn("secondary call blocked by circuit breaker",
			zap.String("event", "CIRCUIT_BREAKER_BLOCK"),
			zap.String("target", c.secondary.Name()))
		return fmt.Errorf("%w: %s", client.ErrCircuitOpen, c.secondary.Name())
	}

	if err := c.ping(ctx, c.secondary); err != nil {
		c.breaker.RecordFailure()
		return err
	}
	return nil
}

func (c *ConsistencyController) ping(ctx context.Context, r client.ReplicaPort) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := r.Ping(ctx); err != nil {
		c.replicaFailure(r, "ping", err)
		return err
	}
	return nil
}

func (c *ConsistencyController) get(ctx context.Context, r client.ReplicaPort, key string) (model.ReadResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	res, err := r.Get(ctx, key)
	if err != nil {
		c.replicaFailure(r, "get", err)
		return model.Absent(), err
	}
	return res, nil
}

func (c *ConsistencyController) set(ctx context.Context, r client.ReplicaPort, rec model.WriteRecord) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := r.Set(ctx, rec); err != nil {
		c.replicaFailure(r, "set", err)
		c.metrics.RecordReplicaWrite(r.Name(), "failure")
		return err
	}
	c.metrics.RecordReplicaWrite(r.Name(), "success")
	return nil
}

func (c *ConsistencyController) replicaFailure(r client.ReplicaPort, op string, err error) {
	c.metrics.RecordReplicaFailure(r.Name())
	c.logger.Error("replica call failed",
		zap.String("event", "DB_CONNECT_FAILURE"),
		zap.String("replica", r.Name()),
		zap.String("op", op),
		zap.Duration("timeout", c.timeout),
		zap.Error(err))
}

// recordMarker updates the session's write marker. A marker store failure is
// logged and does not fail the write.
func (c *ConsistencyController) recordMarker(ctx context.Context, sessionID string, rec model.WriteRecord) {
	if sessionID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.markers.RecordWrite(ctx, sessionID, rec.Key, rec.Timestamp); err != nil {
		c.logger.Warn("failed to record write marker",
			zap.String("session_id", sessionID),
			zap.String("key", rec.Key),
			zap.Error(err))
	}
}

// keyLocks hands out one mutex per key and drops it once unused
type keyLocks struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	sync.Mutex
	refs int
}

func (l *keyLocks) lock(key string) (unlock func()) {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*keyLock)
	}
	kl, ok := l.locks[key]
	if !ok {
		kl = &keyLock{}
		l.locks[key] = kl
	}
	kl.refs++
	l.mu.Unlock()

	kl.Lock()
	return func() {
		kl.Unlock()

		l.mu.Lock()
		defer l.mu.Unlock()
		kl.refs--
		if kl.refs == 0 {
			delete(l.locks, key)
		}
	}
}
