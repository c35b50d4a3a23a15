// Package tfutils
package tfutils

import (
	"fmt"
	"time"
)

const year = 365 * 24 * time.Hour

var durations = map[string]time.Duration{
	"1m":  time.Minute,
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"30m": 30 * time.Minute,
	"1h":  time.Hour,
	"4h":  4 * time.Hour,
	"1d":  24 * time.Hour,
	"1w":  7 * 24 * time.Hour,
}

// ParseTimeframe parses timeframe string (e.g., "5m", "1h") to time.Duration
func ParseTimeframe(timeframe string) (time.Duration, error) {
	d, ok := durations[timeframe]
	if !ok {
		return 0, fmt.Errorf("unsupported timeframe: %q", timeframe)
	}
	return d, nil
}

// GetTimeframeDuration returns the duration for a given timeframe, 0 if unknown
func GetTimeframeDuration(timeframe string) time.Duration {
	return durations[timeframe]
}

// IsValidTimeframe checks if a timeframe is supported
func IsValidTimeframe(timeframe string) bool {
	return GetTimeframeDuration(timeframe) > 0
}

// GetSupportedTimeframes returns all supported timeframes, shortest first
func GetSupportedTimeframes() []string {
	return []string{"1m", "5m", "15m", "30m", "1h", "4h", "1d", "1w"}
}

// PeriodsPerYear returns how many bars of the timeframe fit in a 365-day year.
// Crypto markets trade around the clock, so no session calendar applies.
func PeriodsPerYear(timeframe string) (float64, error) {
	d, err := ParseTimeframe(timeframe)
	if err != nil {
		return 0, err
	}
	return float64(year) / float64(d), nil
}
