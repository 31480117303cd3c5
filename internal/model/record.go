package model

import (
	"fmt"
	"strings"
)

// Mode represents the write strategy applied by the consistency controller
type Mode string

const (
	// ModeCP favours consistency: both replicas or nothing
	ModeCP Mode = "CP"
	// ModeAP favours availability: the primary alone is enough
	ModeAP Mode = "AP"
)

// ParseMode parses a mode string case-insensitively
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToUpper(strings.TrimSpace(s))) {
	case ModeCP:
		return ModeCP, nil
	case ModeAP:
		return ModeAP, nil
	default:
		return "", fmt.Errorf("invalid mode %q: must be one of: CP, AP", s)
	}
}

// String returns the mode name
func (m Mode) String() string {
	return string(m)
}

// WriteRecord is the unit written to a replica. Timestamp is unix milliseconds
// and is assigned once by the controller.
type WriteRecord struct {
	Key       string `json:"-"`
	Value     string `json:"value"`
	Timestamp int64  `json:"timestamp"`
}

// ReadResult represents what a single replica returned for a key
type ReadResult struct {
	Value     string
	Found     bool
	Timestamp int64
}

// Absent returns a read result for a missing or unreachable value
func Absent() ReadResult {
	return ReadResult{}
}

// ValuePtr returns the value or nil when absent
func (r ReadResult) ValuePtr() *string {
	if !r.Found {
		return nil
	}
	v := r.Value
	return &v
}
