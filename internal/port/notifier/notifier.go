// Package notifier defines the port for paging operators about kernel events
// that need a human: reviews, budget denials and failed goals.
package notifier

import (
	"context"
	"errors"
)

// ErrNotConfigured is returned when a notifier has no destination.
var ErrNotConfigured = errors.New("notifier: not configured")

// Level grades a notification.
type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Notification is the payload sent through a Notifier.
type Notification struct {
	Title   string `json:"title"`
	Message string `json:"message"`
	Level   Level  `json:"level"`
	Source  string `json:"source"` // bus subject that triggered it, e.g. "hitl.added"
}

// Notifier delivers notifications to one channel.
type Notifier interface {
	// Name returns the unique identifier for this notifier (e.g. "slack").
	Name() string

	// Send delivers a notification.
	Send(ctx context.Context, n Notification) error
}
