// Package run defines the Run and Step domain entities for workflow
// execution attempts.
package run

import "time"

// Status represents the current state of a run.
type Status string

const (
	StatusStarted           Status = "started"
	StatusRunning           Status = "running"
	StatusValidationPending Status = "validation_pending"
	StatusCompleted         Status = "completed"
	StatusFailed            Status = "failed"
	StatusCancelled         Status = "cancelled"
)

// Terminal reports whether no further step writes are accepted.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Active reports whether the run counts against the one-active-run-per-task
// invariant.
func (s Status) Active() bool {
	switch s {
	case StatusStarted, StatusRunning, StatusValidationPending:
		return true
	default:
		return false
	}
}

// Run represents one attempt at executing the workflow for a task.
// Each run starts from a fresh branch off the task's resolved base branch;
// runs are append-only with respect to identity.
type Run struct {
	ID                string     `json:"id"`
	TaskID            int64      `json:"task_id"`
	RunNumber         int        `json:"run_number"`
	Status            Status     `json:"status"`
	IsReactivation    bool       `json:"is_reactivation"`
	ReactivationCount int        `json:"reactivation_count"`
	ParentRunID       string     `json:"parent_run_id,omitempty"`
	BaseBranch        string     `json:"base_branch"`
	Instructions      string     `json:"instructions,omitempty"` // rejection instructions surfaced to implement
	CurrentNode       Node       `json:"current_node,omitempty"`
	ActiveWorkerIDs   []string   `json:"active_worker_ids"`
	LastWorkerID      string     `json:"last_worker_id,omitempty"`
	HeartbeatAt       *time.Time `json:"heartbeat_at,omitempty"`
	StartedAt         time.Time  `json:"started_at"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	Version           int        `json:"version"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// StepStatus represents the state of a single node execution.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// Step is one workflow node's execution within a run. Steps of a run form
// a gapless prefix of the node order; at most one step is running at a time.
type Step struct {
	ID             string        `json:"id"`
	RunID          string        `json:"run_id"`
	Node           Node          `json:"node"`
	StepOrder      int           `json:"step_order"`
	Status         StepStatus    `json:"status"`
	RetryCount     int           `json:"retry_count"`
	InputSnapshot  []byte        `json:"input_snapshot,omitempty"`
	OutputSnapshot []byte        `json:"output_snapshot,omitempty"`
	ErrorDetails   string        `json:"error_details,omitempty"`
	Duration       time.Duration `json:"duration"`
	StartedAt      time.Time     `json:"started_at"`
	CompletedAt    *time.Time    `json:"completed_at,omitempty"`
}

// StartRequest holds the fields needed to create a new run for a task.
// ID is assigned by the caller before the task lock is acquired: the run
// id doubles as the lock owner for the lifetime of the run.
type StartRequest struct {
	ID             string `json:"id,omitempty"`
	TaskID         int64  `json:"task_id"`
	BaseBranch     string `json:"base_branch"`
	IsReactivation bool   `json:"is_reactivation"`
	ParentRunID    string `json:"parent_run_id,omitempty"`
	Instructions   string `json:"instructions,omitempty"`
	ReactivationID string `json:"reactivation_id,omitempty"`
}
