// Package notifications delivers informational alerts about engine state.
// Delivery is fire-and-forget: nothing here can change engine state.
package notifications

import (
	"context"
	"time"
)

// Severity orders notifications by urgency
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// rank returns the ordering of a severity; unknown values sort as info
func (s Severity) rank() int {
	switch s {
	case SeverityCritical:
		return 2
	case SeverityWarning:
		return 1
	default:
		return 0
	}
}

// AtLeast reports whether s is as urgent as min
func (s Severity) AtLeast(min Severity) bool {
	return s.rank() >= min.rank()
}

// Notification is one alert
type Notification struct {
	Severity Severity          `json:"severity"`
	Message  string            `json:"message"`
	Context  map[string]string `json:"context,omitempty"`
	Time     time.Time         `json:"time"`
}

// Notifier defines the interface for notification services
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Sink is what the engine talks to. It never blocks and never fails.
type Sink interface {
	Publish(n Notification)
}

// NopSink discards everything
type NopSink struct{}

func (NopSink) Publish(Notification) {}
