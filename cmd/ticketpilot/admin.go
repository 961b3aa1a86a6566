package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	tpnats "github.com/ticketpilot/ticketpilot/internal/adapter/nats"
	"github.com/ticketpilot/ticketpilot/internal/adapter/postgres"
	"github.com/ticketpilot/ticketpilot/internal/config"
	"github.com/ticketpilot/ticketpilot/internal/domain"
	domainrun "github.com/ticketpilot/ticketpilot/internal/domain/run"
	"github.com/ticketpilot/ticketpilot/internal/domain/task"
	"github.com/ticketpilot/ticketpilot/internal/port/messagequeue"
)

// runAdmin dispatches admin subcommands (migrate-status, sweep-locks, abandon-task).
func runAdmin(args []string) error {
	if len(args) == 0 || args[0] == "help" || args[0] == "--help" {
		printAdminHelp()
		return nil
	}

	switch args[0] {
	case "migrate-status":
		return runAdminMigrateStatus(args[1:])
	case "sweep-locks":
		return runAdminSweepLocks(args[1:])
	case "abandon-task":
		return runAdminAbandonTask(args[1:])
	case "runs":
		return runAdminListRuns(args[1:])
	default:
		printAdminHelp()
		return fmt.Errorf("unknown admin command: %s", args[0])
	}
}

func printAdminHelp() {
	fmt.Fprintf(os.Stderr, `Usage: ticketpilot admin <command> [options]

Commands:
  migrate-status   Show the current database migration version
  sweep-locks      Release task locks older than the configured maximum
  abandon-task     Cancel a task's active run and mark it abandoned
  runs             List runs for a task
  help             Show this help message

Examples:
  ticketpilot admin migrate-status
  ticketpilot admin sweep-locks --older-than 15m
  ticketpilot admin abandon-task --task 42
  ticketpilot admin runs --task 42
`)
}

func loadAdminDeps() (*config.Config, *postgres.Store, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connect to database: %w", err)
	}

	store := postgres.NewStore(pool)
	cleanup := func() {
		pool.Close()
	}
	return cfg, store, cleanup, nil
}

func runAdminMigrateStatus(args []string) error {
	fs := flag.NewFlagSet("migrate-status", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	version, err := postgres.MigrationVersion(context.Background(), cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("migration version: %w", err)
	}
	fmt.Printf("migration version: %d\n", version)
	return nil
}

func runAdminSweepLocks(args []string) error {
	fs := flag.NewFlagSet("sweep-locks", flag.ContinueOnError)
	olderThan := fs.Duration("older-than", 0, "release locks held longer than this (default: configured lock_max_age)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, store, cleanup, err := loadAdminDeps()
	if err != nil {
		return err
	}
	defer cleanup()

	age := *olderThan
	if age <= 0 {
		age = cfg.Reactivation.LockMaxAge
	}

	n, err := store.ReclaimStaleLocks(context.Background(), time.Now().UTC().Add(-age))
	if err != nil {
		return fmt.Errorf("sweep locks: %w", err)
	}
	fmt.Printf("released %d stale task lock(s) older than %s\n", n, age)
	return nil
}

func runAdminAbandonTask(args []string) error {
	fs := flag.NewFlagSet("abandon-task", flag.ContinueOnError)
	taskID := fs.Int64("task", 0, "task id (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *taskID <= 0 {
		return fmt.Errorf("--task is required")
	}

	cfg, store, cleanup, err := loadAdminDeps()
	if err != nil {
		return err
	}
	defer cleanup()

	ctx := context.Background()
	t, err := store.GetTask(ctx, *taskID)
	if err != nil {
		return fmt.Errorf("get task %d: %w", *taskID, err)
	}

	active, err := store.GetActiveRun(ctx, t.ID)
	switch {
	case err == nil:
		if err := store.UpdateRunStatus(ctx, active.ID, domainrun.StatusCancelled, time.Now().UTC()); err != nil &&
			!errors.Is(err, domain.ErrTerminal) {
			return fmt.Errorf("cancel run %s: %w", active.ID, err)
		}
		if err := store.ReleaseTaskLock(ctx, t.ID, active.ID); err != nil &&
			!errors.Is(err, domain.ErrConflict) {
			return fmt.Errorf("release lock: %w", err)
		}
		// Best effort: tell a live worker to stop driving the run.
		if queue, qerr := tpnats.Connect(ctx, cfg.NATS.URL); qerr == nil {
			msg, _ := json.Marshal(messagequeue.RunCancelMsg{RunID: active.ID, Reason: "abandoned by operator"})
			_ = queue.Publish(ctx, messagequeue.SubjectRunCancel, msg)
			_ = queue.Drain()
		}
		fmt.Printf("cancelled active run %s\n", active.ID)
	case errors.Is(err, domain.ErrNotFound):
		// No active run, nothing to cancel.
	default:
		return fmt.Errorf("get active run: %w", err)
	}

	if err := store.UpdateTaskStatus(ctx, t.ID, task.StatusAbandoned); err != nil {
		return fmt.Errorf("abandon task: %w", err)
	}
	fmt.Printf("task %d abandoned\n", t.ID)
	return nil
}

func runAdminListRuns(args []string) error {
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	taskID := fs.Int64("task", 0, "task id (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *taskID <= 0 {
		return fmt.Errorf("--task is required")
	}

	_, store, cleanup, err := loadAdminDeps()
	if err != nil {
		return err
	}
	defer cleanup()

	runs, err := store.ListRuns(context.Background(), *taskID)
	if err != nil {
		return fmt.Errorf("list runs: %w", err)
	}
	if len(runs) == 0 {
		fmt.Println("No runs found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "RUN\tNUMBER\tSTATUS\tNODE\tREACTIVATION\tSTARTED\tCOMPLETED")
	for i := range runs {
		r := &runs[i]
		completed := ""
		if r.CompletedAt != nil {
			completed = r.CompletedAt.Format(time.RFC3339)
		}
		_, _ = fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%t\t%s\t%s\n",
			r.ID, r.RunNumber, r.Status, r.CurrentNode, r.IsReactivation,
			r.StartedAt.Format(time.RFC3339), completed)
	}
	return w.Flush()
}
