package service

import (
	"errors"
	"time"

	"github.com/devrev/capgate/internal/client"
	"github.com/devrev/capgate/internal/metrics"
	"github.com/devrev/capgate/internal/model"
)

// Reason is the machine readable cause of a failed write
type Reason string

const (
	ReasonNone               Reason = ""
	ReasonInvalidRequest     Reason = "INVALID_REQUEST"
	ReasonPartitionAbort     Reason = "PARTITION_ABORT"
	ReasonPrimaryDown        Reason = "PRIMARY_DOWN"
	ReasonReplicaUnreachable Reason = "REPLICA_UNREACHABLE"
	ReasonCircuitOpen        Reason = "CIRCUIT_OPEN"
)

// Secondary replication outcomes reported by AP writes
const (
	SecondaryReplicated  = "replicated"
	SecondaryUnreachable = "unreachable/stale"
	SecondaryCircuitOpen = "circuit open"
)

// Write outcome labels used in responses and metrics
const (
	StatusSuccess = "SUCCESS"
	StatusFailure = "FAILURE"
)

// WriteResult is the outcome of a write. Failures are reported here rather
// than as errors.
type WriteResult struct {
	Success         bool
	Mode            model.Mode
	Message         string
	Reason          Reason
	Timestamp       int64
	SecondaryStatus string
}

// Status returns SUCCESS or FAILURE
func (r *WriteResult) Status() string {
	if r.Success {
		return StatusSuccess
	}
	return StatusFailure
}

// reasonFor classifies a replica call error
func reasonFor(err error) Reason {
	switch {
	case err == nil:
		return ReasonNone
	case errors.Is(err, client.ErrCircuitOpen):
		return ReasonCircuitOpen
	default:
		return ReasonReplicaUnreachable
	}
}

// Option configures the controller and the evaluator
type Option func(*settings)

type settings struct {
	now      func() time.Time
	recorder metrics.Recorder
}

func newSettings(opts []Option) settings {
	s := settings{
		now:      time.Now,
		recorder: metrics.Nop{},
	}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// WithClock overrides the time source used for timestamps and staleness
func WithClock(now func() time.Time) Option {
	return func(s *settings) {
		s.now = now
	}
}

// WithRecorder sends metric events to r
func WithRecorder(r metrics.Recorder) Option {
	return func(s *settings) {
		if r != nil {
			s.recorder = r
		}
	}
}
