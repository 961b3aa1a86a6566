// Package validation defines the ValidationRequest domain entity: a pending
// human decision on a run awaiting approval.
package validation

import "time"

// Status represents the state of a validation request. Transitions from
// pending are monotonic; there are no back-transitions.
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusAbandoned Status = "abandoned"
	StatusTimedOut  Status = "timed_out"
)

// CanTransition reports whether a request in status s may move to next.
// A timed_out request can still be resolved by a late reply.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusApproved || next == StatusRejected ||
			next == StatusAbandoned || next == StatusTimedOut
	case StatusTimedOut:
		return next == StatusApproved || next == StatusRejected || next == StatusAbandoned
	default:
		return false
	}
}

// Request is a pending human decision tied to a run. At most one pending
// request exists per run; expires_at is always after created_at.
type Request struct {
	ID                    string     `json:"id"`
	RunID                 string     `json:"run_id"`
	TaskID                int64      `json:"task_id"`
	Status                Status     `json:"status"`
	RejectionInstructions string     `json:"rejection_instructions,omitempty"`
	AnalysisConfidence    float64    `json:"analysis_confidence"`
	TimeoutNotified       bool       `json:"timeout_notified"`
	ClarificationSent     bool       `json:"clarification_sent"`
	CreatedAt             time.Time  `json:"created_at"`
	ExpiresAt             time.Time  `json:"expires_at"`
	ResolvedAt            *time.Time `json:"resolved_at,omitempty"`
}

// Expired reports whether the request deadline has lapsed. The deadline
// instant itself counts as expired.
func (r *Request) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}
