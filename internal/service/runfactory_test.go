package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ticketpilot/ticketpilot/internal/domain"
	"github.com/ticketpilot/ticketpilot/internal/domain/branch"
	"github.com/ticketpilot/ticketpilot/internal/domain/run"
	"github.com/ticketpilot/ticketpilot/internal/domain/task"
	"github.com/ticketpilot/ticketpilot/internal/port/messagequeue"
)

func newFactoryEnv(rules branch.Rules) (*mockStore, *mockQueue, *RunFactory) {
	store := &mockStore{}
	queue := &mockQueue{}
	return store, queue, NewRunFactory(store, queue, &mockHub{}, rules)
}

func TestFactoryStartInitial(t *testing.T) {
	store, queue, factory := newFactoryEnv(branch.Rules{Default: "main"})
	ctx := context.Background()
	store.nextTaskID = 1
	store.tasks = append(store.tasks, task.Task{
		ID: 1, ExternalItemID: "501", Title: "Export usage metrics", Status: task.StatusPending,
	})
	tk, _ := store.GetTask(ctx, 1)

	r, err := factory.StartInitial(ctx, tk, "develop")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.RunNumber != 1 || r.IsReactivation {
		t.Fatalf("unexpected first run: %+v", r)
	}
	if r.BaseBranch != "develop" {
		t.Fatalf("expected the event branch, got %q", r.BaseBranch)
	}

	fresh, _ := store.GetTask(ctx, 1)
	if !fresh.IsLocked || fresh.LockedBy != r.ID {
		t.Fatalf("expected lock held by %s, got locked=%t by=%q", r.ID, fresh.IsLocked, fresh.LockedBy)
	}
	if fresh.Status != task.StatusProcessing || fresh.LastRunID != r.ID {
		t.Fatalf("expected processing task pointing at the run, got %+v", fresh)
	}
	if fresh.BaseBranch != "develop" {
		t.Fatalf("expected the resolved branch persisted, got %q", fresh.BaseBranch)
	}

	if n := queue.countSubject(messagequeue.SubjectRunStart); n != 1 {
		t.Fatalf("expected 1 work item, got %d", n)
	}
	var msg messagequeue.RunStartMsg
	if err := json.Unmarshal(queue.lastPayload(messagequeue.SubjectRunStart), &msg); err != nil {
		t.Fatalf("decode work item: %v", err)
	}
	if msg.RunID != r.ID || msg.TaskID != 1 {
		t.Fatalf("unexpected work item: %+v", msg)
	}
}

func TestFactoryStartInitialLocked(t *testing.T) {
	store, _, factory := newFactoryEnv(branch.Rules{Default: "main"})
	ctx := context.Background()
	store.nextTaskID = 1
	store.tasks = append(store.tasks, task.Task{
		ID: 1, ExternalItemID: "501", Title: "Export usage metrics",
		Status: task.StatusProcessing, IsLocked: true, LockedBy: "other-run",
	})
	tk, _ := store.GetTask(ctx, 1)

	_, err := factory.StartInitial(ctx, tk, "")
	if !errors.Is(err, domain.ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
	if len(store.runs) != 0 {
		t.Fatalf("expected no run, got %d", len(store.runs))
	}
}

func TestFactoryPublishFailureReleasesLock(t *testing.T) {
	store, queue, factory := newFactoryEnv(branch.Rules{Default: "main"})
	queue.publishErr = errors.New("nats unavailable")
	ctx := context.Background()
	store.nextTaskID = 1
	store.tasks = append(store.tasks, task.Task{
		ID: 1, ExternalItemID: "501", Title: "Export usage metrics", Status: task.StatusPending,
	})
	tk, _ := store.GetTask(ctx, 1)

	if _, err := factory.StartInitial(ctx, tk, ""); err == nil {
		t.Fatal("expected the publish failure to surface")
	}

	fresh, _ := store.GetTask(ctx, 1)
	if fresh.IsLocked {
		t.Fatal("expected the lock released")
	}
	// The orphaned run row must not stay active for GetActiveRun.
	if len(store.runs) != 1 || store.runs[0].Status != run.StatusFailed {
		t.Fatalf("expected the unpublished run failed, got %+v", store.runs)
	}
}

func TestFactoryLaunchSupersedesActiveRun(t *testing.T) {
	store, queue, factory := newFactoryEnv(branch.Rules{Default: "main"})
	ctx := context.Background()
	store.nextTaskID = 1
	store.tasks = append(store.tasks, task.Task{
		ID: 1, ExternalItemID: "501", Title: "Export usage metrics",
		Status: task.StatusProcessing, IsLocked: true, LockedBy: "new-run", LastRunID: "run-1",
	})
	store.runs = append(store.runs, run.Run{
		ID: "run-1", TaskID: 1, RunNumber: 1, Status: run.StatusStarted,
		ActiveWorkerIDs: []string{"w-1"}, StartedAt: time.Now(),
	})
	tk, _ := store.GetTask(ctx, 1)

	r, err := factory.Launch(ctx, tk, run.StartRequest{ID: "new-run", TaskID: 1}, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.ID != "new-run" || r.RunNumber != 2 {
		t.Fatalf("unexpected run: %+v", r)
	}

	old, _ := store.GetRun(ctx, "run-1")
	if old.Status != run.StatusCancelled {
		t.Fatalf("expected the old run cancelled, got %q", old.Status)
	}
	if len(old.ActiveWorkerIDs) != 0 {
		t.Fatalf("expected workers cleared, got %v", old.ActiveWorkerIDs)
	}

	if n := queue.countSubject(messagequeue.SubjectRunCancel); n != 1 {
		t.Fatalf("expected 1 revoke message, got %d", n)
	}
	var revoke messagequeue.RunCancelMsg
	if err := json.Unmarshal(queue.lastPayload(messagequeue.SubjectRunCancel), &revoke); err != nil {
		t.Fatalf("decode revoke: %v", err)
	}
	if revoke.RunID != "run-1" || revoke.WorkerID != "w-1" {
		t.Fatalf("unexpected revoke message: %+v", revoke)
	}
	if n := queue.countSubject(messagequeue.SubjectRunStart); n != 1 {
		t.Fatalf("expected 1 work item for the new run, got %d", n)
	}
}

func TestFactoryLaunchEnrichesDescription(t *testing.T) {
	store, _, factory := newFactoryEnv(branch.Rules{Default: "main"})
	ctx := context.Background()
	store.nextTaskID = 1
	store.tasks = append(store.tasks, task.Task{
		ID: 1, ExternalItemID: "501", Title: "Export usage metrics",
		Description: "Expose the daily cost aggregates.",
		Status:      task.StatusCompleted, IsLocked: true, LockedBy: "new-run",
	})
	tk, _ := store.GetTask(ctx, 1)

	if _, err := factory.Launch(ctx, tk, run.StartRequest{ID: "new-run", TaskID: 1}, "Please also cover monthly aggregates"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	fresh, _ := store.GetTask(ctx, 1)
	if !strings.Contains(fresh.Description, "## UPDATES") {
		t.Fatal("expected the updates section added")
	}
	if !strings.Contains(fresh.Description, "Please also cover monthly aggregates") {
		t.Fatalf("expected the update text appended, got %q", fresh.Description)
	}
	if !strings.HasPrefix(fresh.Description, "Expose the daily cost aggregates.") {
		t.Fatalf("expected the original description kept, got %q", fresh.Description)
	}
}

func TestFactoryBranchResolutionFallsThrough(t *testing.T) {
	store, _, factory := newFactoryEnv(branch.Rules{
		Default:   "main",
		TypeRules: map[string]string{"bug": "develop"},
	})
	ctx := context.Background()
	store.nextTaskID = 1
	store.tasks = append(store.tasks, task.Task{
		ID: 1, ExternalItemID: "501", Title: "Fix crash in the parser",
		Status: task.StatusPending, IsLocked: true, LockedBy: "new-run",
	})
	tk, _ := store.GetTask(ctx, 1)

	// "en" is a language code, not a branch; resolution falls through to
	// the type rule inferred from the title.
	r, err := factory.Launch(ctx, tk, run.StartRequest{ID: "new-run", TaskID: 1, BaseBranch: "en"}, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.BaseBranch != "develop" {
		t.Fatalf("expected the bug type rule branch, got %q", r.BaseBranch)
	}
	fresh, _ := store.GetTask(ctx, 1)
	if fresh.BaseBranch != "develop" {
		t.Fatalf("expected the resolved branch persisted, got %q", fresh.BaseBranch)
	}
}

func TestFactoryCancelTerminalRunIsNoop(t *testing.T) {
	store, queue, factory := newFactoryEnv(branch.Rules{Default: "main"})
	ctx := context.Background()
	store.nextTaskID = 1
	store.tasks = append(store.tasks, task.Task{ID: 1, Status: task.StatusCompleted})
	now := time.Now()
	store.runs = append(store.runs, run.Run{
		ID: "run-1", TaskID: 1, RunNumber: 1, Status: run.StatusCompleted,
		StartedAt: now, CompletedAt: &now,
	})
	r, _ := store.GetRun(ctx, "run-1")

	if err := factory.CancelRun(ctx, r, "operator request"); err != nil {
		t.Fatalf("expected terminal cancel to be a no-op, got %v", err)
	}
	fresh, _ := store.GetRun(ctx, "run-1")
	if fresh.Status != run.StatusCompleted {
		t.Fatalf("expected the run to stay completed, got %q", fresh.Status)
	}
	if n := queue.countSubject(messagequeue.SubjectRunCancel); n != 0 {
		t.Fatalf("expected no revoke messages, got %d", n)
	}
}
