// Package journal
package journal

import (
	"context"
	"time"
)

// Event types written by the live session
const (
	TypeOrder = "order"
	TypeError = "error"
)

// Event represents a journaled event.
type Event struct {
	Time        time.Time      `json:"time"`
	Type        string         `json:"type"` // e.g., "order", "signal", "stop_loss", "error"
	Description string         `json:"description"`
	Data        map[string]any `json:"data"`
}

// Journaler records events and reads them back by type and [start, end).
type Journaler interface {
	LogEvent(ctx context.Context, event Event) error
	GetEvents(ctx context.Context, eventType string, start, end time.Time) ([]Event, error)
}
