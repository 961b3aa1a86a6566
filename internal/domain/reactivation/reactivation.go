// Package reactivation defines the append-only audit record of
// reactivation attempts.
package reactivation

import "time"

// TriggerType identifies what initiated a reactivation attempt.
type TriggerType string

const (
	TriggerUpdate    TriggerType = "update"
	TriggerManual    TriggerType = "manual"
	TriggerAutomatic TriggerType = "automatic"
)

// Status represents the state of a reactivation attempt.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Record audits one reactivation attempt. Records are append-only and
// linked to at most one run.
type Record struct {
	ID           string      `json:"id"`
	TaskID       int64       `json:"task_id"`
	TriggerType  TriggerType `json:"trigger_type"`
	Status       Status      `json:"status"`
	Payload      []byte      `json:"payload,omitempty"`
	RunID        string      `json:"run_id,omitempty"`
	ErrorMessage string      `json:"error_message,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	CompletedAt  *time.Time  `json:"completed_at,omitempty"`
}

// RejectReason explains why the gate refused a reactivation.
type RejectReason string

const (
	ReasonInvalidState    RejectReason = "invalid_state"
	ReasonInCooldown      RejectReason = "in_cooldown"
	ReasonTooManyAttempts RejectReason = "too_many_attempts"
	ReasonAlreadyLocked   RejectReason = "already_locked"
	ReasonRunCapReached   RejectReason = "run_cap_reached"
)

// GateDecision is the outcome of a reactivation gate check.
type GateDecision struct {
	Allowed           bool          `json:"allowed"`
	Reason            RejectReason  `json:"reason,omitempty"`
	CooldownRemaining time.Duration `json:"cooldown_remaining,omitempty"`
}
