package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	tpotel "github.com/ticketpilot/ticketpilot/internal/adapter/otel"
	"github.com/ticketpilot/ticketpilot/internal/adapter/ws"
	"github.com/ticketpilot/ticketpilot/internal/config"
	"github.com/ticketpilot/ticketpilot/internal/domain"
	"github.com/ticketpilot/ticketpilot/internal/domain/run"
	"github.com/ticketpilot/ticketpilot/internal/domain/task"
	"github.com/ticketpilot/ticketpilot/internal/port/broadcast"
	"github.com/ticketpilot/ticketpilot/internal/port/database"
	"github.com/ticketpilot/ticketpilot/internal/port/notifier"
	"github.com/ticketpilot/ticketpilot/internal/port/scm"
	"github.com/ticketpilot/ticketpilot/internal/port/ticket"
	"github.com/ticketpilot/ticketpilot/internal/port/workflow"
)

// Ticket status labels written by the update node.
const (
	statusLabelDone  = "Done"
	statusLabelStuck = "Stuck"
)

// errRunStopped signals that the walk ended because the run left the
// active state underneath us, which is a normal outcome, not a failure.
var errRunStopped = errors.New("run no longer active")

// WorkflowDriver walks a run through the fixed node order. The walk is
// idempotent: the next node is derived from the persisted step prefix, so
// a redelivered work item continues instead of re-executing. AI nodes are
// dispatched to the execution plane; validation suspends the run; merge
// and update are executed in-process against the SCM and ticket APIs.
type WorkflowDriver struct {
	store     database.Store
	executor  workflow.Executor
	ledger    *LedgerService
	validator *ValidationCoordinator
	scm       scm.Client
	tickets   ticket.Client
	comments  *NotificationService
	hub       broadcast.Broadcaster
	cfg       config.Driver
	metrics   *tpotel.Metrics
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
}

// NewWorkflowDriver creates a WorkflowDriver.
func NewWorkflowDriver(
	store database.Store,
	executor workflow.Executor,
	ledger *LedgerService,
	validator *ValidationCoordinator,
	scmClient scm.Client,
	tickets ticket.Client,
	comments *NotificationService,
	hub broadcast.Broadcaster,
	cfg config.Driver,
) *WorkflowDriver {
	return &WorkflowDriver{
		store:     store,
		executor:  executor,
		ledger:    ledger,
		validator: validator,
		scm:       scmClient,
		tickets:   tickets,
		comments:  comments,
		hub:       hub,
		cfg:       cfg,
		now:       time.Now,
		sleep:     sleepCtx,
	}
}

// SetMetrics attaches metric instruments.
func (s *WorkflowDriver) SetMetrics(m *tpotel.Metrics) {
	s.metrics = m
}

// Execute drives a run from its persisted position to the next stopping
// point: validation suspension, terminal failure, or completion. It is
// safe to call again for the same run; already-walked nodes are skipped.
func (s *WorkflowDriver) Execute(ctx context.Context, runID string) error {
	r, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("load run %s: %w", runID, err)
	}
	if r.Status.Terminal() {
		slog.Info("run already terminal, nothing to drive", "run_id", r.ID, "status", string(r.Status))
		return nil
	}
	t, err := s.store.GetTask(ctx, r.TaskID)
	if err != nil {
		return fmt.Errorf("load task %d: %w", r.TaskID, err)
	}

	prior, nextIdx, err := s.resumePoint(ctx, r.ID)
	if err != nil {
		if errors.Is(err, errInterruptedStep) {
			s.fail(ctx, r, t, "", err)
			return nil
		}
		return err
	}
	if r.Status == run.StatusValidationPending && nextIdx <= run.NodeIndex(run.NodeValidation) {
		// Still waiting on a human; the coordinator resumes us.
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.TaskTimeout)
	defer cancel()
	ctx, span := tpotel.StartRunSpan(ctx, r.ID, r.TaskID, r.IsReactivation)
	defer span.End()

	if r.Status != run.StatusRunning {
		if err := s.store.UpdateRunStatus(ctx, r.ID, run.StatusRunning, s.now()); err != nil {
			if errors.Is(err, domain.ErrTerminal) {
				return nil
			}
			return fmt.Errorf("mark run %s running: %w", r.ID, err)
		}
	}

	nodes := run.Nodes()
	for i := nextIdx; i < len(nodes); i++ {
		if stopped, err := s.cancelled(ctx, r.ID); err != nil {
			return err
		} else if stopped {
			return nil
		}

		node := nodes[i]
		if node == run.NodeValidation {
			return s.suspend(ctx, r, t, prior)
		}

		out, err := s.runStep(ctx, r, t, node, i+1, prior)
		if err != nil {
			if errors.Is(err, errRunStopped) {
				return nil
			}
			s.fail(ctx, r, t, node, err)
			return nil
		}
		prior = out
	}

	s.complete(ctx, r, t)
	return nil
}

// errInterruptedStep marks a run whose last step never finished, left
// behind by a worker that died mid-node. Such runs are not re-walked.
var errInterruptedStep = errors.New("previous step was interrupted")

// resumePoint derives the next node index and the prior step output from
// the persisted step prefix.
func (s *WorkflowDriver) resumePoint(ctx context.Context, runID string) (prior []byte, nextIdx int, err error) {
	steps, err := s.store.ListSteps(ctx, runID)
	if err != nil {
		return nil, 0, fmt.Errorf("list steps for %s: %w", runID, err)
	}
	for i := range steps {
		st := &steps[i]
		if st.Status == run.StepCompleted {
			if st.StepOrder > nextIdx {
				nextIdx = st.StepOrder
				prior = st.OutputSnapshot
			}
			continue
		}
		// A non-completed persisted step means a worker died inside it.
		now := s.now()
		st.Status = run.StepFailed
		st.ErrorDetails = "interrupted: worker did not finish this step"
		st.CompletedAt = &now
		if ferr := s.store.FinishStep(ctx, st); ferr != nil {
			slog.Warn("close interrupted step failed", "step_id", st.ID, "error", ferr)
		}
		return nil, 0, errInterruptedStep
	}
	return prior, nextIdx, nil
}

// cancelled reports whether the run has been revoked since the last step.
func (s *WorkflowDriver) cancelled(ctx context.Context, runID string) (bool, error) {
	fresh, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return false, fmt.Errorf("recheck run %s: %w", runID, err)
	}
	if fresh.Status == run.StatusCancelled {
		slog.Info("run revoked, stopping walk", "run_id", runID)
		return true, nil
	}
	return false, nil
}

// runStep executes one node with its retry budget and owns the step row,
// usage forwarding, metric emission, and progress broadcast.
func (s *WorkflowDriver) runStep(ctx context.Context, r *run.Run, t *task.Task, node run.Node, order int, prior []byte) ([]byte, error) {
	if err := s.store.SetRunNode(ctx, r.ID, node); err != nil {
		if errors.Is(err, domain.ErrTerminal) {
			return nil, errRunStopped
		}
		return nil, fmt.Errorf("set run node: %w", err)
	}

	budget := 0
	if node == run.NodeTest {
		budget = s.cfg.MaxTestRetries
	}

	input := s.nodeInput(r, t, node, order, prior)
	inputRaw, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("marshal step input: %w", err)
	}

	step := &run.Step{
		RunID:         r.ID,
		Node:          node,
		StepOrder:     order,
		Status:        run.StepRunning,
		InputSnapshot: inputRaw,
		StartedAt:     s.now(),
	}
	if err := s.store.CreateStep(ctx, step); err != nil {
		return nil, fmt.Errorf("create step: %w", err)
	}

	stepCtx, span := tpotel.StartStepSpan(ctx, r.ID, string(node), order)
	defer span.End()

	var out *workflow.NodeOutput
	var execErr error
	start := time.Now()
	for attempt := 0; ; attempt++ {
		input.RetryCount = attempt
		out, execErr = s.executeNode(stepCtx, r, t, input)
		if out != nil && len(out.AIUsage) > 0 {
			s.ledger.RecordAll(stepCtx, r.ID, step.ID, out.AIUsage)
		}
		if execErr == nil || attempt >= budget || stepCtx.Err() != nil {
			step.RetryCount = attempt
			break
		}
		delay := s.backoff(attempt)
		slog.Warn("step failed, retrying",
			"run_id", r.ID,
			"node", string(node),
			"attempt", attempt+1,
			"delay", delay,
			"error", execErr,
		)
		if err := s.sleep(stepCtx, delay); err != nil {
			step.RetryCount = attempt
			break
		}
	}

	completed := s.now()
	step.Duration = time.Since(start)
	step.CompletedAt = &completed
	if execErr != nil {
		step.Status = run.StepFailed
		step.ErrorDetails = execErr.Error()
	} else {
		step.Status = run.StepCompleted
		if out != nil {
			step.OutputSnapshot = out.Output
		}
	}
	if err := s.store.FinishStep(ctx, step); err != nil {
		slog.Error("finish step failed", "step_id", step.ID, "node", string(node), "error", err)
	}
	s.observeStep(ctx, r, step)

	if execErr != nil {
		return nil, fmt.Errorf("node %s: %w", node, execErr)
	}
	return step.OutputSnapshot, nil
}

// executeNode dispatches one attempt. Merge and update run in-process;
// everything else goes to the execution plane.
func (s *WorkflowDriver) executeNode(ctx context.Context, r *run.Run, t *task.Task, in workflow.NodeInput) (*workflow.NodeOutput, error) {
	switch in.Node {
	case run.NodeMerge:
		return s.executeMerge(ctx, r, t)
	case run.NodeUpdate:
		return s.executeUpdate(ctx, r, t)
	case run.NodeTest:
		ctx, cancel := context.WithTimeout(ctx, s.cfg.TestStepTimeout)
		defer cancel()
		return s.executor.ExecuteNode(ctx, in)
	default:
		return s.executor.ExecuteNode(ctx, in)
	}
}

// suspend parks the run in validation_pending and opens the validation
// request. The coordinator owns the deadline from here.
func (s *WorkflowDriver) suspend(ctx context.Context, r *run.Run, t *task.Task, prior []byte) error {
	if err := s.store.SetRunNode(ctx, r.ID, run.NodeValidation); err != nil {
		if errors.Is(err, domain.ErrTerminal) {
			return nil
		}
		return fmt.Errorf("set validation node: %w", err)
	}
	if err := s.store.UpdateRunStatus(ctx, r.ID, run.StatusValidationPending, s.now()); err != nil {
		if errors.Is(err, domain.ErrTerminal) {
			return nil
		}
		return fmt.Errorf("suspend run %s: %w", r.ID, err)
	}
	if err := s.store.UpdateTaskStatus(ctx, t.ID, task.StatusQualityCheck); err != nil {
		slog.Error("mark task quality_check failed", "task_id", t.ID, "error", err)
	}

	if _, err := s.validator.Open(ctx, r, t, reportedConfidence(prior)); err != nil {
		// Without a request nobody will ever resume this run.
		s.fail(ctx, r, t, run.NodeValidation, err)
		return nil
	}

	s.hub.BroadcastEvent(ctx, ws.EventRunProgress, ws.RunProgressEvent{
		RunID:      r.ID,
		TaskID:     r.TaskID,
		Node:       string(run.NodeValidation),
		StepOrder:  run.NodeIndex(run.NodeValidation) + 1,
		StepStatus: string(run.StepPending),
		Progress:   run.Progress(run.NodeIndex(run.NodeValidation)),
	})
	slog.Info("run suspended for validation", "run_id", r.ID, "task_id", t.ID)
	return nil
}

// executeMerge merges the run's pull request at most once. The open-PR
// lookup doubles as the idempotence guard: a branch whose PR is already
// merged reports success without a second merge call.
func (s *WorkflowDriver) executeMerge(ctx context.Context, r *run.Run, t *task.Task) (*workflow.NodeOutput, error) {
	if t.RepositoryURL == "" {
		return nil, errors.New("task has no repository url")
	}
	head := WorkBranch(t.ID, r.RunNumber)

	open, err := s.scm.ListPullRequests(ctx, t.RepositoryURL, "open")
	if err != nil {
		return nil, fmt.Errorf("list open pull requests: %w", err)
	}
	for i := range open {
		if open[i].HeadBranch != head {
			continue
		}
		// The list can be stale; a fresh read catches a merge that landed
		// between the lookup and now.
		if fresh, err := s.scm.GetPullRequest(ctx, t.RepositoryURL, open[i].Number); err == nil && fresh.State == "merged" {
			slog.Info("pull request already merged", "run_id", r.ID, "pr", fresh.Number)
			return mergeOutput(fresh.Number, fresh.URL, true), nil
		}
		if err := s.scm.MergePullRequest(ctx, t.RepositoryURL, open[i].Number); err != nil {
			return nil, fmt.Errorf("merge pull request #%d: %w", open[i].Number, err)
		}
		note := fmt.Sprintf("Approved and merged by run %d.", r.RunNumber)
		if err := s.scm.AddPullRequestComment(ctx, t.RepositoryURL, open[i].Number, note); err != nil {
			slog.Warn("merge note failed", "run_id", r.ID, "pr", open[i].Number, "error", err)
		}
		slog.Info("pull request merged", "run_id", r.ID, "pr", open[i].Number, "base", open[i].BaseBranch)
		return mergeOutput(open[i].Number, open[i].URL, false), nil
	}

	all, err := s.scm.ListPullRequests(ctx, t.RepositoryURL, "all")
	if err != nil {
		return nil, fmt.Errorf("list pull requests: %w", err)
	}
	for i := range all {
		if all[i].HeadBranch == head && all[i].State == "merged" {
			slog.Info("pull request already merged", "run_id", r.ID, "pr", all[i].Number)
			return mergeOutput(all[i].Number, all[i].URL, true), nil
		}
	}
	return nil, fmt.Errorf("no pull request found for branch %s", head)
}

// executeUpdate closes the loop on the ticket: status label, summary
// comment with the run's cost, and a completion DM to the creator.
func (s *WorkflowDriver) executeUpdate(ctx context.Context, r *run.Run, t *task.Task) (*workflow.NodeOutput, error) {
	if err := s.tickets.UpdateItemStatus(ctx, t.ExternalItemID, statusLabelDone); err != nil {
		return nil, fmt.Errorf("update ticket status: %w", err)
	}

	body := fmt.Sprintf("Run %d complete. Changes merged into `%s`.", r.RunNumber, r.BaseBranch)
	if summary, err := s.ledger.RunSummary(ctx, r.ID); err == nil && summary.CallCount > 0 {
		body += fmt.Sprintf("\nAI usage: %d calls, %d tokens, $%.4f estimated.",
			summary.CallCount, summary.TotalTokensIn+summary.TotalTokensOut, summary.TotalCostUSD)
	}
	if t.RepositoryURL != "" {
		if commits, err := s.scm.ListRecentCommits(ctx, t.RepositoryURL, r.BaseBranch, 1); err == nil && len(commits) > 0 {
			body += fmt.Sprintf("\n`%s` is now at %.7s.", r.BaseBranch, commits[0].SHA)
		}
	}
	if err := s.comments.PostComment(ctx, t.ExternalItemID, body); err != nil {
		slog.Warn("completion comment failed", "task_id", t.ID, "error", err)
	}
	s.notifyCreator(ctx, t, r)

	out, err := json.Marshal(map[string]string{"status_label": statusLabelDone})
	if err != nil {
		return nil, fmt.Errorf("marshal update output: %w", err)
	}
	return &workflow.NodeOutput{Output: out}, nil
}

// complete finalises a fully walked run.
func (s *WorkflowDriver) complete(ctx context.Context, r *run.Run, t *task.Task) {
	if err := s.store.UpdateRunStatus(ctx, r.ID, run.StatusCompleted, s.now()); err != nil && !errors.Is(err, domain.ErrTerminal) {
		slog.Error("mark run completed failed", "run_id", r.ID, "error", err)
	}
	if err := s.store.UpdateTaskStatus(ctx, t.ID, task.StatusCompleted); err != nil {
		slog.Error("mark task completed failed", "task_id", t.ID, "error", err)
	}
	s.releaseLock(ctx, r, t)

	if s.metrics != nil {
		s.metrics.RunsCompleted.Add(ctx, 1, metric.WithAttributes(
			attribute.Bool("reactivation", r.IsReactivation),
		))
	}
	s.hub.BroadcastEvent(ctx, ws.EventRunStatus, ws.RunStatusEvent{
		RunID:     r.ID,
		TaskID:    r.TaskID,
		RunNumber: r.RunNumber,
		Status:    string(run.StatusCompleted),
	})
	slog.Info("run completed", "run_id", r.ID, "task_id", t.ID, "run_number", r.RunNumber)
}

// fail finalises a run after an unrecoverable step error and leaves the
// failure note on the ticket.
func (s *WorkflowDriver) fail(ctx context.Context, r *run.Run, t *task.Task, node run.Node, cause error) {
	if err := s.store.UpdateRunStatus(ctx, r.ID, run.StatusFailed, s.now()); err != nil && !errors.Is(err, domain.ErrTerminal) {
		slog.Error("mark run failed failed", "run_id", r.ID, "error", err)
	}
	if err := s.store.UpdateTaskStatus(ctx, t.ID, task.StatusFailed); err != nil {
		slog.Error("mark task failed failed", "task_id", t.ID, "error", err)
	}
	s.releaseLock(ctx, r, t)

	if err := s.tickets.UpdateItemStatus(ctx, t.ExternalItemID, statusLabelStuck); err != nil {
		slog.Warn("ticket failure status failed", "task_id", t.ID, "error", err)
	}
	note := fmt.Sprintf("Run %d failed", r.RunNumber)
	if node != "" {
		note += fmt.Sprintf(" at %s", node)
	}
	note += fmt.Sprintf(": %v", cause)
	if err := s.comments.PostComment(ctx, t.ExternalItemID, note); err != nil {
		slog.Warn("failure comment failed", "task_id", t.ID, "error", err)
	}

	if s.metrics != nil {
		s.metrics.RunsFailed.Add(ctx, 1, metric.WithAttributes(
			attribute.String("status", string(run.StatusFailed)),
		))
	}
	s.hub.BroadcastEvent(ctx, ws.EventRunStatus, ws.RunStatusEvent{
		RunID:     r.ID,
		TaskID:    r.TaskID,
		RunNumber: r.RunNumber,
		Status:    string(run.StatusFailed),
	})
	slog.Error("run failed", "run_id", r.ID, "task_id", t.ID, "node", string(node), "error", cause)
}

// releaseLock frees the task lock held under the run id. An owner
// mismatch means a newer run already took over, which is fine.
func (s *WorkflowDriver) releaseLock(ctx context.Context, r *run.Run, t *task.Task) {
	err := s.store.ReleaseTaskLock(ctx, t.ID, r.ID)
	if err != nil && !errors.Is(err, domain.ErrConflict) {
		slog.Warn("release task lock failed", "task_id", t.ID, "run_id", r.ID, "error", err)
	}
}

func (s *WorkflowDriver) nodeInput(r *run.Run, t *task.Task, node run.Node, order int, prior []byte) workflow.NodeInput {
	return workflow.NodeInput{
		RunID:          r.ID,
		TaskID:         t.ID,
		Node:           node,
		StepOrder:      order,
		Title:          t.Title,
		Description:    t.Description,
		RepositoryURL:  t.RepositoryURL,
		BaseBranch:     r.BaseBranch,
		WorkBranch:     WorkBranch(t.ID, r.RunNumber),
		Instructions:   r.Instructions,
		IsReactivation: r.IsReactivation,
		PriorOutput:    prior,
	}
}

// observeStep emits the step metric and the progress broadcast.
func (s *WorkflowDriver) observeStep(ctx context.Context, r *run.Run, step *run.Step) {
	if s.metrics != nil {
		s.metrics.StepDuration.Record(ctx, step.Duration.Seconds(), metric.WithAttributes(
			attribute.String("node", string(step.Node)),
			attribute.String("status", string(step.Status)),
		))
	}
	s.hub.BroadcastEvent(ctx, ws.EventRunProgress, ws.RunProgressEvent{
		RunID:      r.ID,
		TaskID:     r.TaskID,
		Node:       string(step.Node),
		StepOrder:  step.StepOrder,
		StepStatus: string(step.Status),
		Progress:   run.Progress(step.StepOrder),
	})
}

// notifyCreator DMs the ticket creator that the run finished.
func (s *WorkflowDriver) notifyCreator(ctx context.Context, t *task.Task, r *run.Run) {
	item, err := s.tickets.GetItemInfo(ctx, t.ExternalItemID)
	if err != nil {
		slog.Debug("ticket creator lookup failed", "item_id", t.ExternalItemID, "error", err)
		return
	}
	s.comments.DirectMessage(ctx, item.CreatorEmail, notifier.Notification{
		Title:   "Run complete",
		Message: fmt.Sprintf("%q run %d finished and was merged into %s.", t.Title, r.RunNumber, r.BaseBranch),
		Level:   "info",
		Source:  "driver",
	})
}

// backoff returns the exponential delay with jitter for a retry attempt.
func (s *WorkflowDriver) backoff(attempt int) time.Duration {
	base := s.cfg.BackoffBase
	if base <= 0 {
		base = time.Second
	}
	delay := base << uint(attempt)
	jitter := time.Duration(rand.Int63n(int64(base)/2 + 1))
	return delay + jitter
}

// WorkBranch is the deterministic branch name the prepare node creates and
// the merge node looks up.
func WorkBranch(taskID int64, runNumber int) string {
	return fmt.Sprintf("ticketpilot/task-%d-run-%d", taskID, runNumber)
}

// reportedConfidence pulls a confidence field out of a node output, when
// the node reported one.
func reportedConfidence(output []byte) float64 {
	if len(output) == 0 {
		return 0
	}
	var v struct {
		Confidence float64 `json:"confidence"`
	}
	if err := json.Unmarshal(output, &v); err != nil {
		return 0
	}
	return v.Confidence
}

func mergeOutput(number int, url string, already bool) *workflow.NodeOutput {
	out, err := json.Marshal(map[string]any{
		"pr_number":      number,
		"pr_url":         url,
		"already_merged": already,
	})
	if err != nil {
		out = nil
	}
	return &workflow.NodeOutput{Output: out}
}

// sleepCtx waits for d unless ctx ends first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
