// Package database defines the database store port (interface).
package database

import (
	"context"
	"time"

	"github.com/ticketpilot/ticketpilot/internal/domain/reactivation"
	"github.com/ticketpilot/ticketpilot/internal/domain/run"
	"github.com/ticketpilot/ticketpilot/internal/domain/task"
	"github.com/ticketpilot/ticketpilot/internal/domain/usage"
	"github.com/ticketpilot/ticketpilot/internal/domain/validation"
	"github.com/ticketpilot/ticketpilot/internal/domain/webhook"
)

// Store is the port interface for database operations. Task rows are the
// single source of truth for lock, cooldown, and status; every mutation is
// a transactional compare-and-set.
type Store interface {
	// Tasks
	CreateTask(ctx context.Context, req task.CreateRequest) (*task.Task, error)
	GetTask(ctx context.Context, id int64) (*task.Task, error)
	GetTaskByExternalItem(ctx context.Context, externalItemID string) (*task.Task, error)
	UpdateTaskStatus(ctx context.Context, id int64, status task.Status) error
	UpdateTaskDescription(ctx context.Context, id int64, description string) error
	UpdateTaskBaseBranch(ctx context.Context, id int64, branch string) error

	// Task lock + gate bookkeeping
	AcquireTaskLock(ctx context.Context, taskID int64, lockID string, at time.Time) error
	ReleaseTaskLock(ctx context.Context, taskID int64, lockID string) error
	ReclaimStaleLocks(ctx context.Context, olderThan time.Time) (int, error)
	CommitReactivation(ctx context.Context, taskID int64, cooldownUntil time.Time) error
	RollbackReactivation(ctx context.Context, taskID int64, cooldownUntil time.Time) error

	// Runs
	CreateRun(ctx context.Context, req run.StartRequest) (*run.Run, error)
	GetRun(ctx context.Context, id string) (*run.Run, error)
	GetActiveRun(ctx context.Context, taskID int64) (*run.Run, error)
	ListRuns(ctx context.Context, taskID int64) ([]run.Run, error)
	UpdateRunStatus(ctx context.Context, id string, status run.Status, at time.Time) error
	SetRunNode(ctx context.Context, id string, node run.Node) error
	SetRunWorkers(ctx context.Context, id string, workerIDs []string, lastWorkerID string) error
	RecordHeartbeat(ctx context.Context, runID, workerID string, at time.Time) error
	ListDeadRuns(ctx context.Context, heartbeatOlderThan time.Time) ([]run.Run, error)

	// Steps
	CreateStep(ctx context.Context, step *run.Step) error
	FinishStep(ctx context.Context, step *run.Step) error
	ListSteps(ctx context.Context, runID string) ([]run.Step, error)

	// Validation requests
	CreateValidation(ctx context.Context, req *validation.Request) error
	GetValidation(ctx context.Context, id string) (*validation.Request, error)
	GetOpenValidationByTask(ctx context.Context, taskID int64) (*validation.Request, error)
	TransitionValidation(ctx context.Context, id string, from, to validation.Status, instructions string, at time.Time) error
	ListExpiredValidations(ctx context.Context, now time.Time) ([]validation.Request, error)
	MarkValidationNotified(ctx context.Context, id string) error
	MarkClarificationSent(ctx context.Context, id string) error

	// Reactivation records
	CreateReactivation(ctx context.Context, rec *reactivation.Record) error
	FinishReactivation(ctx context.Context, id string, status reactivation.Status, runID, errMsg string, at time.Time) error
	ListReactivations(ctx context.Context, taskID int64) ([]reactivation.Record, error)

	// AI usage ledger (append-only)
	InsertUsage(ctx context.Context, rec *usage.Record) error
	RunUsage(ctx context.Context, runID string) (*usage.Summary, error)
	TaskUsage(ctx context.Context, taskID int64) (*usage.Summary, error)
	DailyUsage(ctx context.Context, from, to time.Time) ([]usage.DailySummary, error)
	MonthlyUsage(ctx context.Context, from, to time.Time) ([]usage.MonthlySummary, error)
	ProviderUsage(ctx context.Context, runID string) ([]usage.ProviderSummary, error)

	// Webhook events
	InsertWebhookEvent(ctx context.Context, ev *webhook.Event) error
	FinishWebhookEvent(ctx context.Context, id string, status webhook.ProcessingStatus, relatedTaskID int64, errMsg string) error
	CountWebhookEvents(ctx context.Context, status webhook.ProcessingStatus) (int, error)
}
