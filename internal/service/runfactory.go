package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	tpotel "github.com/ticketpilot/ticketpilot/internal/adapter/otel"
	"github.com/ticketpilot/ticketpilot/internal/adapter/ws"
	"github.com/ticketpilot/ticketpilot/internal/domain"
	"github.com/ticketpilot/ticketpilot/internal/domain/branch"
	"github.com/ticketpilot/ticketpilot/internal/domain/run"
	"github.com/ticketpilot/ticketpilot/internal/domain/task"
	"github.com/ticketpilot/ticketpilot/internal/port/broadcast"
	"github.com/ticketpilot/ticketpilot/internal/port/database"
	"github.com/ticketpilot/ticketpilot/internal/port/messagequeue"
)

// RunFactory creates runs: it supersedes the previous active run, enriches
// the task description with update text, resolves the base branch, creates
// the run row, and publishes the work item. The run id doubles as the task
// lock owner, so every entry point either acquires the lock under the new
// run id or requires the caller to have done so.
type RunFactory struct {
	store   database.Store
	queue   messagequeue.Queue
	hub     broadcast.Broadcaster
	rules   branch.Rules
	metrics *tpotel.Metrics
	now     func() time.Time
}

// NewRunFactory creates a RunFactory.
func NewRunFactory(store database.Store, queue messagequeue.Queue, hub broadcast.Broadcaster, rules branch.Rules) *RunFactory {
	return &RunFactory{
		store: store,
		queue: queue,
		hub:   hub,
		rules: rules,
		now:   time.Now,
	}
}

// SetMetrics attaches metric instruments.
func (s *RunFactory) SetMetrics(m *tpotel.Metrics) {
	s.metrics = m
}

// StartInitial creates the first run for a freshly created task. It
// acquires the task lock itself; domain.ErrLocked means another delivery
// of the same ticket is already being processed.
func (s *RunFactory) StartInitial(ctx context.Context, t *task.Task, eventBranch string) (*run.Run, error) {
	runID := uuid.NewString()
	if err := s.store.AcquireTaskLock(ctx, t.ID, runID, s.now()); err != nil {
		return nil, err
	}

	r, err := s.Launch(ctx, t, run.StartRequest{
		ID:         runID,
		TaskID:     t.ID,
		BaseBranch: eventBranch,
	}, "")
	if err != nil {
		if rerr := s.store.ReleaseTaskLock(ctx, t.ID, runID); rerr != nil {
			slog.Warn("release lock after failed start", "task_id", t.ID, "error", rerr)
		}
		return nil, err
	}
	return r, nil
}

// Launch creates a run for a task whose lock is already held under req.ID.
// updateText, when non-empty, is appended to the task description's
// UPDATES section before the run snapshot is taken.
func (s *RunFactory) Launch(ctx context.Context, t *task.Task, req run.StartRequest, updateText string) (*run.Run, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	if err := s.cancelActive(ctx, t.ID, "superseded by new run"); err != nil {
		return nil, fmt.Errorf("supersede active run: %w", err)
	}

	if updateText != "" {
		enriched := task.AppendUpdate(t.Description, updateText, s.now())
		if enriched != t.Description {
			if err := s.store.UpdateTaskDescription(ctx, t.ID, enriched); err != nil {
				slog.Warn("description enrichment failed", "task_id", t.ID, "error", err)
			} else {
				t.Description = enriched
			}
		}
	}

	resolved := s.resolveBranch(t, req.BaseBranch)
	req.BaseBranch = resolved
	if t.BaseBranch != resolved {
		if err := s.store.UpdateTaskBaseBranch(ctx, t.ID, resolved); err != nil {
			slog.Warn("persist base branch failed", "task_id", t.ID, "error", err)
		}
	}

	r, err := s.store.CreateRun(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}

	if err := s.publishJSON(ctx, messagequeue.SubjectRunStart, messagequeue.RunStartMsg{
		RunID:  r.ID,
		TaskID: r.TaskID,
	}); err != nil {
		// Without a work item no worker will ever pick the run up.
		if ferr := s.store.UpdateRunStatus(ctx, r.ID, run.StatusFailed, s.now()); ferr != nil {
			slog.Error("fail run after publish error", "run_id", r.ID, "error", ferr)
		}
		return nil, fmt.Errorf("publish run start: %w", err)
	}

	if s.metrics != nil {
		s.metrics.RunsStarted.Add(ctx, 1, metric.WithAttributes(
			attribute.Bool("reactivation", r.IsReactivation),
		))
	}
	s.hub.BroadcastEvent(ctx, ws.EventRunStatus, ws.RunStatusEvent{
		RunID:          r.ID,
		TaskID:         r.TaskID,
		RunNumber:      r.RunNumber,
		Status:         string(r.Status),
		IsReactivation: r.IsReactivation,
	})
	slog.Info("run created",
		"run_id", r.ID,
		"task_id", r.TaskID,
		"run_number", r.RunNumber,
		"base_branch", r.BaseBranch,
		"reactivation", r.IsReactivation,
	)
	return r, nil
}

// CancelRun revokes the run's workers, clears them, and marks the run
// cancelled. Cancelling an already terminal run is a no-op.
func (s *RunFactory) CancelRun(ctx context.Context, r *run.Run, reason string) error {
	for _, workerID := range r.ActiveWorkerIDs {
		msg := messagequeue.RunCancelMsg{RunID: r.ID, WorkerID: workerID, Reason: reason}
		if err := s.publishJSON(ctx, messagequeue.SubjectRunCancel, msg); err != nil {
			slog.Warn("revoke publish failed", "run_id", r.ID, "worker_id", workerID, "error", err)
		}
	}
	if err := s.store.SetRunWorkers(ctx, r.ID, nil, ""); err != nil && !errors.Is(err, domain.ErrNotFound) {
		slog.Warn("clear run workers failed", "run_id", r.ID, "error", err)
	}

	err := s.store.UpdateRunStatus(ctx, r.ID, run.StatusCancelled, s.now())
	if errors.Is(err, domain.ErrTerminal) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("cancel run %s: %w", r.ID, err)
	}

	if s.metrics != nil {
		s.metrics.RunsFailed.Add(ctx, 1, metric.WithAttributes(
			attribute.String("status", string(run.StatusCancelled)),
		))
	}
	s.hub.BroadcastEvent(ctx, ws.EventRunStatus, ws.RunStatusEvent{
		RunID:     r.ID,
		TaskID:    r.TaskID,
		RunNumber: r.RunNumber,
		Status:    string(run.StatusCancelled),
	})
	slog.Info("run cancelled", "run_id", r.ID, "task_id", r.TaskID, "reason", reason)
	return nil
}

// cancelActive supersedes whatever run is still active on the task.
func (s *RunFactory) cancelActive(ctx context.Context, taskID int64, reason string) error {
	r, err := s.store.GetActiveRun(ctx, taskID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return s.CancelRun(ctx, r, reason)
}

// resolveBranch runs the resolution chain with the event (or stored task)
// value as the highest-priority candidate.
func (s *RunFactory) resolveBranch(t *task.Task, eventValue string) string {
	if eventValue == "" {
		eventValue = t.BaseBranch
	}
	return s.rules.Resolve(branch.Candidate{
		EventValue:  eventValue,
		Repository:  t.RepositoryURL,
		Title:       t.Title,
		Description: t.Description,
		Priority:    t.Priority,
	})
}

func (s *RunFactory) publishJSON(ctx context.Context, subject string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", subject, err)
	}
	return s.queue.Publish(ctx, subject, data)
}
