package model

// Consistency status strings reported on reads
const (
	StatusConsistent         = "CONSISTENT"
	StatusInconsistent       = "INCONSISTENT/STALE"
	StatusExceedsBoundSuffix = " (EXCEEDS_STALENESS_BOUND)"
	StatusRYWViolationSuffix = " (RYW_VIOLATION)"
)

// ConsistencyVerdict is computed from the current replica state on every read.
// It is never persisted.
type ConsistencyVerdict struct {
	Key                  string
	Mode                 Mode
	PrimaryValue         *string
	SecondaryValue       *string
	PrimaryTimestamp     int64
	SecondaryTimestamp   int64
	PrimaryStalenessMs   int64
	SecondaryStalenessMs int64
	Consistent           bool
	WithinStalenessBound bool
	ReadYourWritesOK     bool
	LastWriteTimestamp   int64
}

// Status renders the verdict as a single human readable status
func (v *ConsistencyVerdict) Status() string {
	status := StatusInconsistent
	if v.Consistent {
		status = StatusConsistent
	}
	if !v.WithinStalenessBound && v.PrimaryValue != nil {
		status += StatusExceedsBoundSuffix
	}
	if !v.ReadYourWritesOK {
		status += StatusRYWViolationSuffix
	}
	return status
}
