package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMode(t *testing.T) {
	m, err := ParseMode("cp")
	require.NoError(t, err)
	assert.Equal(t, ModeCP, m)

	m, err = ParseMode(" AP ")
	require.NoError(t, err)
	assert.Equal(t, ModeAP, m)

	_, err = ParseMode("quorum")
	assert.Error(t, err)

	_, err = ParseMode("")
	assert.Error(t, err)
}

func TestReadResult_ValuePtr(t *testing.T) {
	assert.Nil(t, Absent().ValuePtr())

	r := ReadResult{Value: "1", Found: true, Timestamp: 10}
	require.NotNil(t, r.ValuePtr())
	assert.Equal(t, "1", *r.ValuePtr())

	// Found with an empty value is still a value
	empty := ReadResult{Found: true}
	require.NotNil(t, empty.ValuePtr())
	assert.Equal(t, "", *empty.ValuePtr())
}

func TestConsistencyVerdict_Status(t *testing.T) {
	one := "1"

	tests := []struct {
		name    string
		verdict ConsistencyVerdict
		want    string
	}{
		{
			name:    "consistent",
			verdict: ConsistencyVerdict{PrimaryValue: &one, SecondaryValue: &one, Consistent: true, WithinStalenessBound: true, ReadYourWritesOK: true},
			want:    "CONSISTENT",
		},
		{
			name:    "stale secondary",
			verdict: ConsistencyVerdict{PrimaryValue: &one, WithinStalenessBound: true, ReadYourWritesOK: true},
			want:    "INCONSISTENT/STALE",
		},
		{
			name:    "exceeds bound",
			verdict: ConsistencyVerdict{PrimaryValue: &one, SecondaryValue: &one, Consistent: true, ReadYourWritesOK: true},
			want:    "CONSISTENT (EXCEEDS_STALENESS_BOUND)",
		},
		{
			name:    "bound ignored without primary value",
			verdict: ConsistencyVerdict{ReadYourWritesOK: true},
			want:    "INCONSISTENT/STALE",
		},
		{
			name:    "ryw violation",
			verdict: ConsistencyVerdict{PrimaryValue: &one, WithinStalenessBound: true},
			want:    "INCONSISTENT/STALE (RYW_VIOLATION)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.verdict.Status())
		})
	}
}
