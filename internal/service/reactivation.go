package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	tpotel "github.com/ticketpilot/ticketpilot/internal/adapter/otel"
	"github.com/ticketpilot/ticketpilot/internal/config"
	"github.com/ticketpilot/ticketpilot/internal/domain"
	"github.com/ticketpilot/ticketpilot/internal/domain/reactivation"
	"github.com/ticketpilot/ticketpilot/internal/domain/run"
	"github.com/ticketpilot/ticketpilot/internal/domain/task"
	"github.com/ticketpilot/ticketpilot/internal/port/database"
)

// ReactivationGate is the exclusive gatekeeper for spawning new runs on
// existing tasks. The check order is fixed: state, cooldown, failed-attempt
// cap, then the transactional lock CAS. Which checks are armed depends on
// the trigger: updates pass the full ladder, coordinator respawns skip the
// cooldown (they answer our own validation question) but are bounded by the
// rerun cap, operator commands only need state and lock.
type ReactivationGate struct {
	store    database.Store
	factory  *RunFactory
	comments *NotificationService
	cfg      config.Reactivation
	metrics  *tpotel.Metrics
	now      func() time.Time
}

// NewReactivationGate creates a ReactivationGate.
func NewReactivationGate(store database.Store, factory *RunFactory, comments *NotificationService, cfg config.Reactivation) *ReactivationGate {
	return &ReactivationGate{
		store:    store,
		factory:  factory,
		comments: comments,
		cfg:      cfg,
		now:      time.Now,
	}
}

// SetMetrics attaches metric instruments.
func (s *ReactivationGate) SetMetrics(m *tpotel.Metrics) {
	s.metrics = m
}

// ReactivateRequest carries one reactivation attempt into the gate.
type ReactivateRequest struct {
	Trigger      reactivation.TriggerType
	UpdateText   string // triggering comment, appended to the task description
	Instructions string // rejection instructions surfaced to the implement node
	Payload      []byte // raw trigger payload kept on the audit record
	ItemID       string // ticket item for policy comments, empty disables them
}

// Check runs the policy checks for a task in its current state. It never
// touches the lock; lock acquisition happens inside Reactivate so the CAS
// and the run creation share one owner id.
func (s *ReactivationGate) Check(t *task.Task, trigger reactivation.TriggerType) reactivation.GateDecision {
	if !t.Status.Reactivatable() {
		return reactivation.GateDecision{Reason: reactivation.ReasonInvalidState}
	}

	if trigger == reactivation.TriggerUpdate {
		if remaining := t.CooldownRemaining(s.now()); remaining > 0 {
			return reactivation.GateDecision{
				Reason:            reactivation.ReasonInCooldown,
				CooldownRemaining: remaining,
			}
		}
		if s.cfg.MaxFailedAttempts > 0 && t.FailedReactivation >= s.cfg.MaxFailedAttempts {
			return reactivation.GateDecision{Reason: reactivation.ReasonTooManyAttempts}
		}
	}

	return reactivation.GateDecision{Allowed: true}
}

// Reactivate attempts to spawn a new run for the task. Policy rejections
// are not errors: they come back as a disallowed decision with an audit
// record and a posted comment, and the caller moves on. A non-nil error
// means the attempt itself broke (store or queue failure).
func (s *ReactivationGate) Reactivate(ctx context.Context, t *task.Task, req ReactivateRequest) (*run.Run, reactivation.GateDecision, error) {
	decision := s.Check(t, req.Trigger)
	if !decision.Allowed {
		s.reject(ctx, t, req, decision)
		return nil, decision, nil
	}

	if req.Trigger == reactivation.TriggerAutomatic {
		capped, err := s.rerunCapReached(ctx, t.ID)
		if err != nil {
			return nil, reactivation.GateDecision{}, err
		}
		if capped {
			decision = reactivation.GateDecision{Reason: reactivation.ReasonRunCapReached}
			s.reject(ctx, t, req, decision)
			s.forceAbandon(ctx, t)
			return nil, decision, nil
		}
	}

	// The run id becomes the lock owner before the run row exists, so a
	// crash between here and CreateRun leaves a lock the sweep reclaims.
	runID := uuid.NewString()
	if err := s.store.AcquireTaskLock(ctx, t.ID, runID, s.now()); err != nil {
		if errors.Is(err, domain.ErrLocked) {
			decision = reactivation.GateDecision{Reason: reactivation.ReasonAlreadyLocked}
			s.reject(ctx, t, req, decision)
			return nil, decision, nil
		}
		return nil, reactivation.GateDecision{}, fmt.Errorf("acquire lock for reactivation: %w", err)
	}

	rec := &reactivation.Record{
		TaskID:      t.ID,
		TriggerType: req.Trigger,
		Payload:     req.Payload,
	}
	if err := s.store.CreateReactivation(ctx, rec); err != nil {
		if rerr := s.store.ReleaseTaskLock(ctx, t.ID, runID); rerr != nil {
			slog.Warn("release lock after record create failure", "task_id", t.ID, "error", rerr)
		}
		return nil, reactivation.GateDecision{}, fmt.Errorf("create reactivation record: %w", err)
	}

	r, err := s.factory.Launch(ctx, t, run.StartRequest{
		ID:             runID,
		TaskID:         t.ID,
		IsReactivation: true,
		ParentRunID:    t.LastRunID,
		Instructions:   req.Instructions,
		ReactivationID: rec.ID,
	}, req.UpdateText)
	if err != nil {
		s.rollback(ctx, t, rec.ID, runID, err)
		return nil, reactivation.GateDecision{}, fmt.Errorf("launch reactivation run: %w", err)
	}

	s.commit(ctx, t, req.Trigger, rec.ID, r)
	return r, reactivation.GateDecision{Allowed: true}, nil
}

// SweepStaleLocks force-releases locks older than the configured maximum
// age. Returns the number of locks reclaimed.
func (s *ReactivationGate) SweepStaleLocks(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.cfg.LockMaxAge)
	n, err := s.store.ReclaimStaleLocks(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sweep stale locks: %w", err)
	}
	if n > 0 {
		slog.Warn("reclaimed stale task locks", "count", n, "older_than", cutoff)
	}
	return n, nil
}

// commit finalises a successful attempt: the failure counter resets and
// the normal cooldown is armed.
func (s *ReactivationGate) commit(ctx context.Context, t *task.Task, trigger reactivation.TriggerType, recID string, r *run.Run) {
	now := s.now()
	var cooldownUntil time.Time
	if s.cfg.CooldownNormal > 0 {
		cooldownUntil = now.Add(s.cfg.CooldownNormal)
	}
	if err := s.store.CommitReactivation(ctx, t.ID, cooldownUntil); err != nil {
		slog.Error("commit reactivation bookkeeping failed", "task_id", t.ID, "error", err)
	}
	if err := s.store.FinishReactivation(ctx, recID, reactivation.StatusCompleted, r.ID, "", now); err != nil {
		slog.Error("finish reactivation record failed", "reactivation_id", recID, "error", err)
	}

	if t.ExternalItemID != "" && s.comments != nil {
		body := fmt.Sprintf("Reactivation accepted: run %d started on branch `%s`.", r.RunNumber, r.BaseBranch)
		if err := s.comments.PostComment(ctx, t.ExternalItemID, body); err != nil {
			slog.Warn("reactivation ack comment failed", "task_id", t.ID, "error", err)
		}
	}
	if s.metrics != nil {
		s.metrics.Reactivations.Add(ctx, 1, metric.WithAttributes(
			attribute.Bool("allowed", true),
			attribute.String("trigger", string(trigger)),
		))
	}
	slog.Info("reactivation committed",
		"task_id", t.ID,
		"run_id", r.ID,
		"run_number", r.RunNumber,
		"reactivation_count", r.ReactivationCount,
	)
}

// rollback unwinds a failed attempt: the failure counter increments, the
// escalated cooldown is armed, and the lock the gate took is released.
func (s *ReactivationGate) rollback(ctx context.Context, t *task.Task, recID, runID string, cause error) {
	now := s.now()
	if err := s.store.FinishReactivation(ctx, recID, reactivation.StatusFailed, "", cause.Error(), now); err != nil {
		slog.Error("finish reactivation record failed", "reactivation_id", recID, "error", err)
	}

	var cooldownUntil time.Time
	if d := s.escalatedCooldown(t.FailedReactivation + 1); d > 0 {
		cooldownUntil = now.Add(d)
	}
	if err := s.store.RollbackReactivation(ctx, t.ID, cooldownUntil); err != nil {
		slog.Error("rollback reactivation bookkeeping failed", "task_id", t.ID, "error", err)
	}
	if err := s.store.ReleaseTaskLock(ctx, t.ID, runID); err != nil && !errors.Is(err, domain.ErrConflict) {
		slog.Warn("release lock after rollback failed", "task_id", t.ID, "error", err)
	}
	slog.Error("reactivation rolled back",
		"task_id", t.ID,
		"failed_attempts", t.FailedReactivation+1,
		"error", cause,
	)
}

// reject audits a policy rejection and posts the explanation comment.
func (s *ReactivationGate) reject(ctx context.Context, t *task.Task, req ReactivateRequest, decision reactivation.GateDecision) {
	rec := &reactivation.Record{
		TaskID:      t.ID,
		TriggerType: req.Trigger,
		Payload:     req.Payload,
	}
	if err := s.store.CreateReactivation(ctx, rec); err != nil {
		slog.Error("audit rejected reactivation failed", "task_id", t.ID, "error", err)
	} else if err := s.store.FinishReactivation(ctx, rec.ID, reactivation.StatusFailed, "", string(decision.Reason), s.now()); err != nil {
		slog.Error("finish rejected reactivation failed", "reactivation_id", rec.ID, "error", err)
	}

	if req.ItemID != "" && s.comments != nil {
		if err := s.comments.PostComment(ctx, req.ItemID, rejectionComment(decision)); err != nil {
			slog.Warn("policy rejection comment failed", "task_id", t.ID, "error", err)
		}
	}
	if s.metrics != nil {
		s.metrics.Reactivations.Add(ctx, 1, metric.WithAttributes(
			attribute.Bool("allowed", false),
			attribute.String("reason", string(decision.Reason)),
		))
	}
	slog.Info("reactivation rejected",
		"task_id", t.ID,
		"trigger", string(req.Trigger),
		"reason", string(decision.Reason),
		"cooldown_remaining", decision.CooldownRemaining,
	)
}

// rerunCapReached counts coordinator-driven respawns for the task against
// the configured cap.
func (s *ReactivationGate) rerunCapReached(ctx context.Context, taskID int64) (bool, error) {
	if s.cfg.MaxPerRun <= 0 {
		return false, nil
	}
	recs, err := s.store.ListReactivations(ctx, taskID)
	if err != nil {
		return false, fmt.Errorf("count reject reruns: %w", err)
	}
	n := 0
	for _, rec := range recs {
		if rec.TriggerType == reactivation.TriggerAutomatic && rec.Status == reactivation.StatusCompleted {
			n++
		}
	}
	return n >= s.cfg.MaxPerRun, nil
}

// forceAbandon freezes the task after the rerun cap is hit.
func (s *ReactivationGate) forceAbandon(ctx context.Context, t *task.Task) {
	if err := s.store.UpdateTaskStatus(ctx, t.ID, task.StatusAbandoned); err != nil {
		slog.Error("force abandon failed", "task_id", t.ID, "error", err)
		return
	}
	if t.ExternalItemID != "" && s.comments != nil {
		body := "Task abandoned: the rework limit was reached. Reopen manually if more changes are needed."
		if err := s.comments.PostComment(ctx, t.ExternalItemID, body); err != nil {
			slog.Warn("abandon comment failed", "task_id", t.ID, "error", err)
		}
	}
	slog.Warn("task force-abandoned after rerun cap", "task_id", t.ID)
}

// escalatedCooldown returns the ladder duration for the given failure
// count: first failure normal, second aggressive, third and beyond
// emergency. A zero configured duration disables that rung.
func (s *ReactivationGate) escalatedCooldown(failures int) time.Duration {
	switch {
	case failures <= 1:
		return s.cfg.CooldownNormal
	case failures == 2:
		return s.cfg.CooldownAggressive
	default:
		return s.cfg.CooldownEmergency
	}
}

// rejectionComment renders the policy explanation posted on the ticket.
func rejectionComment(d reactivation.GateDecision) string {
	switch d.Reason {
	case reactivation.ReasonInCooldown:
		return fmt.Sprintf("Reactivation is on cooldown for another %d seconds. The update was recorded and can be resubmitted after the window.", int(d.CooldownRemaining.Seconds()))
	case reactivation.ReasonTooManyAttempts:
		return "Reactivation blocked: too many failed attempts. An operator needs to reset the task before it can run again."
	case reactivation.ReasonAlreadyLocked:
		return "A run is already being prepared for this task. The update was recorded."
	case reactivation.ReasonRunCapReached:
		return "Rework limit reached for this task."
	default:
		return "The task is not in a state that accepts new runs right now."
	}
}
