package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	tpotel "github.com/ticketpilot/ticketpilot/internal/adapter/otel"
	"github.com/ticketpilot/ticketpilot/internal/adapter/ws"
	"github.com/ticketpilot/ticketpilot/internal/config"
	"github.com/ticketpilot/ticketpilot/internal/domain"
	"github.com/ticketpilot/ticketpilot/internal/domain/intent"
	"github.com/ticketpilot/ticketpilot/internal/domain/reactivation"
	"github.com/ticketpilot/ticketpilot/internal/domain/run"
	"github.com/ticketpilot/ticketpilot/internal/domain/task"
	"github.com/ticketpilot/ticketpilot/internal/domain/validation"
	"github.com/ticketpilot/ticketpilot/internal/port/broadcast"
	"github.com/ticketpilot/ticketpilot/internal/port/database"
	"github.com/ticketpilot/ticketpilot/internal/port/messagequeue"
	"github.com/ticketpilot/ticketpilot/internal/port/notifier"
	"github.com/ticketpilot/ticketpilot/internal/port/scm"
	"github.com/ticketpilot/ticketpilot/internal/port/ticket"
)

// ValidationCoordinator turns human replies into run decisions. It owns the
// validation request lifecycle: opening on suspension, resolving on intent,
// and expiring on the persisted deadline. A timed_out request stays
// resolvable until a decision lands.
type ValidationCoordinator struct {
	store    database.Store
	factory  *RunFactory
	gate     *ReactivationGate
	intents  *IntentAnalyzer
	comments *NotificationService
	tickets  ticket.Client
	queue    messagequeue.Queue
	hub      broadcast.Broadcaster
	cfg      config.Validation
	scm      scm.Client
	metrics  *tpotel.Metrics
	now      func() time.Time
}

// NewValidationCoordinator creates a ValidationCoordinator.
func NewValidationCoordinator(
	store database.Store,
	factory *RunFactory,
	gate *ReactivationGate,
	intents *IntentAnalyzer,
	comments *NotificationService,
	tickets ticket.Client,
	queue messagequeue.Queue,
	hub broadcast.Broadcaster,
	cfg config.Validation,
) *ValidationCoordinator {
	return &ValidationCoordinator{
		store:    store,
		factory:  factory,
		gate:     gate,
		intents:  intents,
		comments: comments,
		tickets:  tickets,
		queue:    queue,
		hub:      hub,
		cfg:      cfg,
		now:      time.Now,
	}
}

// SetMetrics attaches metric instruments.
func (s *ValidationCoordinator) SetMetrics(m *tpotel.Metrics) {
	s.metrics = m
}

// SetSCM attaches a source-hosting client. When set, the review request
// comment carries the run's open pull request and its change size.
func (s *ValidationCoordinator) SetSCM(c scm.Client) {
	s.scm = c
}

// Open creates a pending validation request for a suspended run, posts the
// awaiting-validation comment, and sends a best-effort DM to the ticket
// creator. Re-opening for the same run returns the existing request.
func (s *ValidationCoordinator) Open(ctx context.Context, r *run.Run, t *task.Task, confidence float64) (*validation.Request, error) {
	if existing, err := s.store.GetOpenValidationByTask(ctx, t.ID); err == nil && existing.RunID == r.ID {
		return existing, nil
	}

	now := s.now()
	req := &validation.Request{
		RunID:              r.ID,
		TaskID:             t.ID,
		AnalysisConfidence: confidence,
		ExpiresAt:          now.Add(s.cfg.TimeoutQuestion),
	}
	if err := s.store.CreateValidation(ctx, req); err != nil {
		return nil, fmt.Errorf("open validation for run %s: %w", r.ID, err)
	}

	body := fmt.Sprintf(
		"Run %d is ready for review. Reply on this item to approve, request changes, or abandon.\n"+
			"The request expires in %d minutes; a late reply is still honoured.",
		r.RunNumber, int(s.cfg.TimeoutQuestion.Minutes()))
	if summary := s.changeSummary(ctx, r, t); summary != "" {
		body += "\n" + summary
	}
	if err := s.comments.PostComment(ctx, t.ExternalItemID, body); err != nil {
		slog.Warn("awaiting-validation comment failed", "task_id", t.ID, "run_id", r.ID, "error", err)
	}
	s.notifyRequester(ctx, t, notifier.Notification{
		Title:   "Validation requested",
		Message: fmt.Sprintf("%q finished run %d and is waiting for your review.", t.Title, r.RunNumber),
		Level:   "info",
		Source:  "validation",
	})

	s.broadcast(ctx, req)
	if s.metrics != nil {
		s.metrics.Validations.Add(ctx, 1, metric.WithAttributes(
			attribute.String("status", string(validation.StatusPending)),
		))
	}
	slog.Info("validation opened",
		"validation_id", req.ID,
		"run_id", r.ID,
		"task_id", t.ID,
		"expires_at", req.ExpiresAt,
	)
	return req, nil
}

// changeSummary describes the run's open pull request for the review
// comment. Best-effort: no SCM client, no repository, or any lookup error
// just drops the line.
func (s *ValidationCoordinator) changeSummary(ctx context.Context, r *run.Run, t *task.Task) string {
	if s.scm == nil || t.RepositoryURL == "" {
		return ""
	}
	head := WorkBranch(t.ID, r.RunNumber)
	open, err := s.scm.ListPullRequests(ctx, t.RepositoryURL, "open")
	if err != nil {
		slog.Warn("review pull request lookup failed", "task_id", t.ID, "error", err)
		return ""
	}
	for i := range open {
		if open[i].HeadBranch != head {
			continue
		}
		summary := fmt.Sprintf("Pull request: %s", open[i].URL)
		if files, err := s.scm.ListPullRequestFiles(ctx, t.RepositoryURL, open[i].Number); err == nil && len(files) > 0 {
			adds, dels := 0, 0
			for _, f := range files {
				adds += f.Additions
				dels += f.Deletions
			}
			summary += fmt.Sprintf(" — %d files changed (+%d/-%d)", len(files), adds, dels)
		}
		return summary
	}
	return ""
}

// HandleReply resolves an open validation request from a human comment.
// Replays against an already-resolved request are no-ops.
func (s *ValidationCoordinator) HandleReply(ctx context.Context, v *validation.Request, t *task.Task, text string) (intent.Result, error) {
	tctx, err := s.taskContext(ctx, v, t)
	if err != nil {
		slog.Warn("assemble validation context failed", "validation_id", v.ID, "error", err)
	}

	// Classification must answer promptly; past the deadline the analyzer
	// degrades to its pattern result instead of blocking the reply.
	actx := ctx
	if s.cfg.TimeoutCommand > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, s.cfg.TimeoutCommand)
		defer cancel()
	}
	res := s.intents.AnalyzeComment(actx, text, tctx, UsageRef{RunID: v.RunID})

	switch {
	case res.Decision == intent.DecisionApprove && res.Confidence >= intent.ConfidenceMedium:
		return res, s.approve(ctx, v, res)
	case res.Decision == intent.DecisionReject && res.Confidence >= intent.ConfidenceMedium:
		return res, s.reject(ctx, v, t, text, res)
	case res.Decision == intent.DecisionAbandon && res.Confidence >= intent.ConfidenceMedium:
		return res, s.abandon(ctx, v, t, res)
	default:
		return res, s.clarify(ctx, v, t, res)
	}
}

// SweepExpired transitions lapsed pending requests to timed_out and sends
// the single timeout DM. The run stays in validation_pending: the deadline
// expires the request, not the work.
func (s *ValidationCoordinator) SweepExpired(ctx context.Context) (int, error) {
	expired, err := s.store.ListExpiredValidations(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("list expired validations: %w", err)
	}

	swept := 0
	for i := range expired {
		v := &expired[i]
		err := s.store.TransitionValidation(ctx, v.ID, validation.StatusPending, validation.StatusTimedOut, "", s.now())
		if errors.Is(err, domain.ErrConflict) {
			continue // a reply won the race
		}
		if err != nil {
			slog.Error("expire validation failed", "validation_id", v.ID, "error", err)
			continue
		}
		swept++
		v.Status = validation.StatusTimedOut
		s.broadcast(ctx, v)
		if s.metrics != nil {
			s.metrics.Validations.Add(ctx, 1, metric.WithAttributes(
				attribute.String("status", string(validation.StatusTimedOut)),
			))
		}

		if err := s.store.MarkValidationNotified(ctx, v.ID); err != nil {
			if !errors.Is(err, domain.ErrConflict) {
				slog.Warn("mark timeout notified failed", "validation_id", v.ID, "error", err)
			}
			continue // DM already sent
		}
		s.notifyTimeout(ctx, v)
		s.publishExpired(ctx, v)
	}
	return swept, nil
}

// StartSweeper runs the deadline sweep on the configured interval until
// ctx is cancelled.
func (s *ValidationCoordinator) StartSweeper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.cfg.SweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.SweepExpired(ctx); err != nil {
					slog.Error("validation sweep failed", "error", err)
				}
			}
		}
	}()
	slog.Info("validation deadline sweeper started", "interval", s.cfg.SweepInterval)
}

func (s *ValidationCoordinator) approve(ctx context.Context, v *validation.Request, res intent.Result) error {
	err := s.store.TransitionValidation(ctx, v.ID, v.Status, validation.StatusApproved, "", s.now())
	if errors.Is(err, domain.ErrConflict) {
		slog.Info("validation already resolved", "validation_id", v.ID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("approve validation %s: %w", v.ID, err)
	}
	s.recordDecision(ctx, v, res)

	if err := s.publishJSON(ctx, messagequeue.SubjectRunResume, messagequeue.RunStartMsg{
		RunID:  v.RunID,
		TaskID: v.TaskID,
	}); err != nil {
		return fmt.Errorf("publish resume for run %s: %w", v.RunID, err)
	}

	v.Status = validation.StatusApproved
	s.broadcast(ctx, v)
	s.count(ctx, validation.StatusApproved)
	slog.Info("validation approved",
		"validation_id", v.ID,
		"run_id", v.RunID,
		"confidence", res.Confidence,
		"method", string(res.Method),
	)
	return nil
}

func (s *ValidationCoordinator) reject(ctx context.Context, v *validation.Request, t *task.Task, text string, res intent.Result) error {
	instructions := strings.TrimSpace(res.ExtractedRequirements)
	if instructions == "" {
		instructions = intent.CleanText(text)
	}

	err := s.store.TransitionValidation(ctx, v.ID, v.Status, validation.StatusRejected, instructions, s.now())
	if errors.Is(err, domain.ErrConflict) {
		slog.Info("validation already resolved", "validation_id", v.ID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("reject validation %s: %w", v.ID, err)
	}
	s.recordDecision(ctx, v, res)
	s.stopRun(ctx, v, t, "changes requested")

	v.Status = validation.StatusRejected
	s.broadcast(ctx, v)
	s.count(ctx, validation.StatusRejected)

	fresh, err := s.store.GetTask(ctx, t.ID)
	if err != nil {
		return fmt.Errorf("reload task %d for respawn: %w", t.ID, err)
	}
	newRun, decision, err := s.gate.Reactivate(ctx, fresh, ReactivateRequest{
		Trigger:      reactivation.TriggerAutomatic,
		Instructions: instructions,
		UpdateText:   instructions,
		ItemID:       fresh.ExternalItemID,
	})
	if err != nil {
		return fmt.Errorf("respawn after rejection: %w", err)
	}
	if newRun != nil {
		slog.Info("rework run spawned",
			"task_id", t.ID,
			"run_id", newRun.ID,
			"run_number", newRun.RunNumber,
			"parent_run_id", newRun.ParentRunID,
		)
	} else {
		slog.Warn("rework respawn refused", "task_id", t.ID, "reason", string(decision.Reason))
	}
	return nil
}

func (s *ValidationCoordinator) abandon(ctx context.Context, v *validation.Request, t *task.Task, res intent.Result) error {
	err := s.store.TransitionValidation(ctx, v.ID, v.Status, validation.StatusAbandoned, "", s.now())
	if errors.Is(err, domain.ErrConflict) {
		slog.Info("validation already resolved", "validation_id", v.ID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("abandon validation %s: %w", v.ID, err)
	}
	s.recordDecision(ctx, v, res)
	s.stopRun(ctx, v, t, "abandoned by requester")

	if err := s.store.UpdateTaskStatus(ctx, t.ID, task.StatusAbandoned); err != nil {
		slog.Error("abandon task failed", "task_id", t.ID, "error", err)
	}
	if err := s.comments.PostComment(ctx, t.ExternalItemID, "Task abandoned. No further runs will be started."); err != nil {
		slog.Warn("abandon comment failed", "task_id", t.ID, "error", err)
	}

	v.Status = validation.StatusAbandoned
	s.broadcast(ctx, v)
	s.count(ctx, validation.StatusAbandoned)
	slog.Info("validation abandoned", "validation_id", v.ID, "task_id", t.ID)
	return nil
}

// clarify keeps the request pending and posts at most one clarification
// prompt for its lifetime.
func (s *ValidationCoordinator) clarify(ctx context.Context, v *validation.Request, t *task.Task, res intent.Result) error {
	if err := s.store.MarkClarificationSent(ctx, v.ID); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return nil // already prompted once
		}
		return fmt.Errorf("mark clarification sent %s: %w", v.ID, err)
	}

	body := "I could not tell whether that was an approval or a change request. " +
		"Please reply with an explicit decision: approve, request changes (describe them), or abandon."
	if err := s.comments.PostComment(ctx, t.ExternalItemID, body); err != nil {
		slog.Warn("clarification comment failed", "task_id", t.ID, "error", err)
	}
	slog.Info("clarification requested",
		"validation_id", v.ID,
		"decision", string(res.Decision),
		"confidence", res.Confidence,
	)
	return nil
}

// stopRun cancels the suspended run and hands its task lock back. The lock
// owner is the run id, so release must happen before a respawn can acquire.
func (s *ValidationCoordinator) stopRun(ctx context.Context, v *validation.Request, t *task.Task, reason string) {
	r, err := s.store.GetRun(ctx, v.RunID)
	if err != nil {
		slog.Error("load run for stop failed", "run_id", v.RunID, "error", err)
		return
	}
	if err := s.factory.CancelRun(ctx, r, reason); err != nil {
		slog.Error("cancel suspended run failed", "run_id", v.RunID, "error", err)
	}
	if err := s.store.ReleaseTaskLock(ctx, t.ID, r.ID); err != nil && !errors.Is(err, domain.ErrConflict) {
		slog.Warn("release lock after stop failed", "task_id", t.ID, "error", err)
	}
}

// recordDecision appends the validation step to the run so the step
// timeline stays a gapless prefix of the node order.
func (s *ValidationCoordinator) recordDecision(ctx context.Context, v *validation.Request, res intent.Result) {
	now := s.now()
	output, err := json.Marshal(res)
	if err != nil {
		output = nil
	}
	step := &run.Step{
		RunID:          v.RunID,
		Node:           run.NodeValidation,
		StepOrder:      run.NodeIndex(run.NodeValidation) + 1,
		Status:         run.StepRunning,
		StartedAt:      v.CreatedAt,
		OutputSnapshot: output,
	}
	if err := s.store.CreateStep(ctx, step); err != nil {
		slog.Warn("create validation step failed", "run_id", v.RunID, "error", err)
		return
	}
	step.Status = run.StepCompleted
	step.Duration = now.Sub(v.CreatedAt)
	step.CompletedAt = &now
	if err := s.store.FinishStep(ctx, step); err != nil {
		slog.Warn("finish validation step failed", "run_id", v.RunID, "error", err)
	}
}

// taskContext assembles the intent context from persisted run state.
func (s *ValidationCoordinator) taskContext(ctx context.Context, v *validation.Request, t *task.Task) (intent.Context, error) {
	var tctx intent.Context
	tctx.Urgent = strings.EqualFold(t.Priority, "urgent") || strings.EqualFold(t.Priority, "critical")

	steps, err := s.store.ListSteps(ctx, v.RunID)
	if err != nil {
		return tctx, err
	}
	for _, st := range steps {
		if st.Node == run.NodeTest && (st.Status == run.StepFailed || st.RetryCount > 0) {
			tctx.TestsFailed = true
			break
		}
	}

	recs, err := s.store.ListReactivations(ctx, t.ID)
	if err != nil {
		return tctx, err
	}
	for _, rec := range recs {
		if rec.TriggerType == reactivation.TriggerAutomatic && rec.Status == reactivation.StatusCompleted {
			tctx.PriorRejections++
		}
	}
	return tctx, nil
}

// notifyTimeout sends the single timeout DM to the ticket creator.
func (s *ValidationCoordinator) notifyTimeout(ctx context.Context, v *validation.Request) {
	t, err := s.store.GetTask(ctx, v.TaskID)
	if err != nil {
		slog.Warn("load task for timeout notice failed", "task_id", v.TaskID, "error", err)
		return
	}
	s.notifyRequester(ctx, t, notifier.Notification{
		Title: "Validation timed out",
		Message: fmt.Sprintf("%q run is still waiting for review after %d minutes. Reply on the ticket to approve, request changes, or abandon.",
			t.Title, int(s.cfg.TimeoutQuestion.Minutes())),
		Level:  "warn",
		Source: "validation",
	})
}

// notifyRequester resolves the ticket creator's email and DMs them.
func (s *ValidationCoordinator) notifyRequester(ctx context.Context, t *task.Task, n notifier.Notification) {
	item, err := s.tickets.GetItemInfo(ctx, t.ExternalItemID)
	if err != nil {
		slog.Debug("ticket creator lookup failed", "item_id", t.ExternalItemID, "error", err)
		return
	}
	s.comments.DirectMessage(ctx, item.CreatorEmail, n)
}

func (s *ValidationCoordinator) publishExpired(ctx context.Context, v *validation.Request) {
	if err := s.publishJSON(ctx, messagequeue.SubjectRunExpired, messagequeue.ValidationExpiredMsg{
		ValidationID: v.ID,
		RunID:        v.RunID,
		TaskID:       v.TaskID,
	}); err != nil {
		slog.Warn("publish validation expiry failed", "validation_id", v.ID, "error", err)
	}
}

func (s *ValidationCoordinator) publishJSON(ctx context.Context, subject string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", subject, err)
	}
	return s.queue.Publish(ctx, subject, data)
}

func (s *ValidationCoordinator) broadcast(ctx context.Context, v *validation.Request) {
	s.hub.BroadcastEvent(ctx, ws.EventValidationStatus, ws.ValidationStatusEvent{
		ValidationID: v.ID,
		RunID:        v.RunID,
		TaskID:       v.TaskID,
		Status:       string(v.Status),
	})
}

func (s *ValidationCoordinator) count(ctx context.Context, status validation.Status) {
	if s.metrics == nil {
		return
	}
	s.metrics.Validations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", string(status)),
	))
}
