// Package notifier
package notifier

import (
	"context"
	"fmt"
	"time"

	"github.com/amirphl/simple-backtester/internal/utils"
)

// Notifier sends short text reports, e.g. fills and P&L summaries.
type Notifier interface {
	Send(ctx context.Context, msg string) error
}

// Nop drops every message
type Nop struct{}

func (Nop) Send(context.Context, string) error { return nil }

// SendWithRetry tries n.Send up to attempts times, waiting delay between tries
func SendWithRetry(ctx context.Context, n Notifier, msg string, attempts int, delay time.Duration) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 1; i <= attempts; i++ {
		if err = n.Send(ctx, msg); err == nil {
			return nil
		}
		utils.GetLogger().Printf("SendWithRetry | Attempt %d/%d failed: %v", i, attempts, err)
		if i == attempts {
			break
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return fmt.Errorf("notification failed after %d attempts: %w", attempts, err)
}
