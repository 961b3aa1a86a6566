// Package messagequeue defines the message queue port (interface).
package messagequeue

import "context"

// Handler processes a message received from the queue.
// The context carries request-scoped values such as the webhook event ID.
type Handler func(ctx context.Context, subject string, data []byte) error

// Queue is the port interface for publishing and subscribing to messages.
type Queue interface {
	// Publish sends a message to the given subject.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe registers a handler for messages on the given subject.
	// The returned function cancels the subscription.
	Subscribe(ctx context.Context, subject string, handler Handler) (cancel func(), err error)

	// Drain gracefully drains all subscriptions before closing.
	Drain() error

	// Close shuts down the queue connection immediately.
	Close() error

	// IsConnected reports whether the queue is currently connected.
	IsConnected() bool
}

// Subject constants for the JetStream subjects used by TicketPilot.
const (
	SubjectRunStart   = "runs.start"   // work item: drive a run through the workflow
	SubjectRunCancel  = "runs.cancel"  // revoke signal addressed to a worker id
	SubjectRunResume  = "runs.resume"  // resume a suspended run after validation
	SubjectRunExpired = "runs.expired" // validation deadline sweeper output
)

// RunStartMsg is the payload published on SubjectRunStart and SubjectRunResume.
type RunStartMsg struct {
	RunID  string `json:"run_id"`
	TaskID int64  `json:"task_id"`
}

// RunCancelMsg is the revoke signal payload.
type RunCancelMsg struct {
	RunID    string `json:"run_id"`
	WorkerID string `json:"worker_id"`
	Reason   string `json:"reason,omitempty"`
}

// ValidationExpiredMsg is published on SubjectRunExpired when a validation
// request lapses without a reply.
type ValidationExpiredMsg struct {
	ValidationID string `json:"validation_id"`
	RunID        string `json:"run_id"`
	TaskID       int64  `json:"task_id"`
}
