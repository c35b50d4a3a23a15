package tfutils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTimeframe(t *testing.T) {
	tests := []struct {
		timeframe string
		expected  time.Duration
		wantErr   bool
	}{
		{"1m", time.Minute, false},
		{"15m", 15 * time.Minute, false},
		{"4h", 4 * time.Hour, false},
		{"1d", 24 * time.Hour, false},
		{"2d", 0, true},
		{"", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.timeframe, func(t *testing.T) {
			d, err := ParseTimeframe(tt.timeframe)
			if tt.wantErr {
				assert.Error(t, err)
				assert.False(t, IsValidTimeframe(tt.timeframe))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, d)
			assert.Equal(t, tt.expected, GetTimeframeDuration(tt.timeframe))
		})
	}
}

func TestPeriodsPerYear(t *testing.T) {
	ppy, err := PeriodsPerYear("1d")
	require.NoError(t, err)
	assert.InDelta(t, 365.0, ppy, 1e-9)

	ppy, err = PeriodsPerYear("1h")
	require.NoError(t, err)
	assert.InDelta(t, 365.0*24, ppy, 1e-9)

	_, err = PeriodsPerYear("7m")
	assert.Error(t, err)
}

func TestGetSupportedTimeframesAreOrdered(t *testing.T) {
	tfs := GetSupportedTimeframes()
	for i := 1; i < len(tfs); i++ {
		assert.Less(t, GetTimeframeDuration(tfs[i-1]), GetTimeframeDuration(tfs[i]))
	}
}
