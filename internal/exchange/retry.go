package exchange

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/amirphl/simple-backtester/internal/utils"
)

// RetryConfig controls exponential backoff for exchange calls
type RetryConfig struct {
	MaxAttempts   int           `yaml:"max_attempts"`
	BaseDelay     time.Duration `yaml:"base_delay"`
	MaxDelay      time.Duration `yaml:"max_delay"`
	BackoffFactor float64       `yaml:"backoff_factor"`
	JitterRange   float64       `yaml:"jitter_range"`
}

// DefaultRetryConfig returns 3 attempts starting at 2s
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		BaseDelay:     2 * time.Second,
		MaxDelay:      5 * time.Minute,
		BackoffFactor: 2.0,
		JitterRange:   0.1,
	}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// retry calls fn until it succeeds, returns a permanent error, the attempts
// run out or ctx is done.
func retry(ctx context.Context, name string, cfg RetryConfig, fn func() error) error {
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if IsPermanent(lastErr) {
			return lastErr
		}
		if attempt == attempts-1 {
			break
		}

		delay := calculateRetryDelay(attempt, cfg.BaseDelay, cfg.MaxDelay, cfg.BackoffFactor, cfg.JitterRange)
		utils.GetLogger().Printf("Exchange | %s retry attempt %d/%d failed: %v. Backing off for %v", name, attempt+1, attempts, lastErr, delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return fmt.Errorf("all %d retry attempts failed: %w", attempts, lastErr)
}

// calculateRetryDelay calculates the delay for the next retry attempt with exponential backoff and jitter
func calculateRetryDelay(attempt int, baseDelay, maxDelay time.Duration, backoffFactor, jitterRange float64) time.Duration {
	if backoffFactor < 1 {
		backoffFactor = 1
	}
	delay := float64(baseDelay) * math.Pow(backoffFactor, float64(attempt))

	if maxDelay > 0 && delay > float64(maxDelay) {
		delay = float64(maxDelay)
	}

	// ±jitterRange of the delay
	jitter := delay * jitterRange * (2*rand.Float64() - 1)
	delay += jitter

	if delay < 0 {
		delay = float64(baseDelay)
	}

	return time.Duration(delay)
}
