// Package notifier defines the notification port (interface) and capabilities.
package notifier

import (
	"context"
	"errors"
)

// ErrNotConfigured is returned when a notifier is not properly configured.
var ErrNotConfigured = errors.New("notifier: not configured")

// ErrUserNotFound is returned when no messaging identity maps to the user.
var ErrUserNotFound = errors.New("notifier: user not found")

// Notification is the payload sent through a Notifier.
type Notification struct {
	Title   string `json:"title"`
	Message string `json:"message"`
	Level   string `json:"level"`  // "info", "success", "warning", "error"
	Source  string `json:"source"` // e.g. "run.validation", "run.timeout"
}

// Capabilities declares which features a notifier supports.
type Capabilities struct {
	RichFormatting bool `json:"rich_formatting"`
	DirectMessages bool `json:"direct_messages"`
}

// Notifier is the port interface for sending notifications. Notifications
// are informational only, never a control channel.
type Notifier interface {
	// Name returns the unique identifier for this notifier (e.g. "slack").
	Name() string

	// Capabilities returns what this notifier supports.
	Capabilities() Capabilities

	// Send delivers a notification to the default channel.
	Send(ctx context.Context, notification Notification) error

	// SendDirect delivers a notification to the user identified by email.
	// Returns ErrUserNotFound when no identity can be mapped.
	SendDirect(ctx context.Context, email string, notification Notification) error
}
