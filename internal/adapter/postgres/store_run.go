package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ticketpilot/ticketpilot/internal/domain"
	"github.com/ticketpilot/ticketpilot/internal/domain/run"
)

const runColumns = `id, task_id, run_number, status, is_reactivation, reactivation_count,
	parent_run_id, base_branch, instructions, current_node, active_worker_ids,
	last_worker_id, heartbeat_at, started_at, completed_at, version, created_at, updated_at`

func scanRun(row scannable) (run.Run, error) {
	var (
		r          run.Run
		parent     *string
		lastWorker *string
		workersRaw []byte
	)
	err := row.Scan(&r.ID, &r.TaskID, &r.RunNumber, &r.Status, &r.IsReactivation, &r.ReactivationCount,
		&parent, &r.BaseBranch, &r.Instructions, &r.CurrentNode, &workersRaw,
		&lastWorker, &r.HeartbeatAt, &r.StartedAt, &r.CompletedAt, &r.Version, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return run.Run{}, err
	}
	r.ParentRunID = strOrEmpty(parent)
	r.LastWorkerID = strOrEmpty(lastWorker)
	if len(workersRaw) > 0 {
		if err := json.Unmarshal(workersRaw, &r.ActiveWorkerIDs); err != nil {
			return run.Run{}, fmt.Errorf("unmarshal active_worker_ids: %w", err)
		}
	}
	return r, nil
}

// CreateRun creates a run inside a transaction: the task row is locked,
// run_number is assigned gaplessly, and the task's last_run_id (and
// reactivation_count for reactivations) is updated atomically.
func (s *Store) CreateRun(ctx context.Context, req run.StartRequest) (*run.Run, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin create run: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// The task row lock serialises run creation per task, which keeps
	// run_number assignment gapless.
	var reactCount int
	err = tx.QueryRow(ctx,
		`SELECT reactivation_count FROM tasks WHERE id = $1 FOR UPDATE`, req.TaskID).Scan(&reactCount)
	if err != nil {
		return nil, notFoundWrap(err, "lock task %d for run create", req.TaskID)
	}
	if req.IsReactivation {
		reactCount++
	}

	var nextNumber int
	err = tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(run_number), 0) + 1 FROM task_runs WHERE task_id = $1`,
		req.TaskID).Scan(&nextNumber)
	if err != nil {
		return nil, fmt.Errorf("next run number for task %d: %w", req.TaskID, err)
	}

	row := tx.QueryRow(ctx,
		`INSERT INTO task_runs (id, task_id, run_number, is_reactivation, reactivation_count,
		                        parent_run_id, base_branch, instructions)
		 VALUES (COALESCE($1::uuid, gen_random_uuid()), $2, $3, $4, $5, $6, $7, $8)
		 RETURNING `+runColumns,
		nullIfEmpty(req.ID), req.TaskID, nextNumber, req.IsReactivation, reactCount,
		nullIfEmpty(req.ParentRunID), req.BaseBranch, req.Instructions)

	r, err := scanRun(row)
	if err != nil {
		return nil, fmt.Errorf("create run for task %d: %w", req.TaskID, err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE tasks SET last_run_id = $2, reactivation_count = $3, status = 'processing', updated_at = now()
		 WHERE id = $1`, req.TaskID, r.ID, reactCount)
	if err != nil {
		return nil, fmt.Errorf("update task %d after run create: %w", req.TaskID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit create run: %w", err)
	}
	return &r, nil
}

func (s *Store) GetRun(ctx context.Context, id string) (*run.Run, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM task_runs WHERE id = $1`, id)
	r, err := scanRun(row)
	if err != nil {
		return nil, notFoundWrap(err, "get run %s", id)
	}
	return &r, nil
}

// GetActiveRun returns the single non-terminal run of a task, if any.
func (s *Store) GetActiveRun(ctx context.Context, taskID int64) (*run.Run, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM task_runs
		 WHERE task_id = $1 AND status IN ('started', 'running', 'validation_pending')
		 ORDER BY run_number DESC LIMIT 1`, taskID)
	r, err := scanRun(row)
	if err != nil {
		return nil, notFoundWrap(err, "get active run for task %d", taskID)
	}
	return &r, nil
}

func (s *Store) ListRuns(ctx context.Context, taskID int64) ([]run.Run, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+runColumns+` FROM task_runs WHERE task_id = $1 ORDER BY run_number`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list runs for task %d: %w", taskID, err)
	}
	defer rows.Close()

	var runs []run.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// UpdateRunStatus transitions a run. Terminal runs accept no further
// writes; an attempted write returns domain.ErrTerminal.
func (s *Store) UpdateRunStatus(ctx context.Context, id string, status run.Status, at time.Time) error {
	var completedAt any
	if status.Terminal() {
		completedAt = at
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE task_runs SET status = $2, completed_at = COALESCE($3, completed_at), updated_at = now()
		 WHERE id = $1 AND status NOT IN ('completed', 'failed', 'cancelled')`,
		id, string(status), completedAt)
	if err != nil {
		return fmt.Errorf("update run status %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.GetRun(ctx, id); getErr != nil {
			return getErr
		}
		return fmt.Errorf("update run status %s: %w", id, domain.ErrTerminal)
	}
	return nil
}

func (s *Store) SetRunNode(ctx context.Context, id string, node run.Node) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE task_runs SET current_node = $2, updated_at = now()
		 WHERE id = $1 AND status NOT IN ('completed', 'failed', 'cancelled')`,
		id, string(node))
	return execExpectOne(tag, err, domain.ErrTerminal, "set run node %s", id)
}

func (s *Store) SetRunWorkers(ctx context.Context, id string, workerIDs []string, lastWorkerID string) error {
	if workerIDs == nil {
		workerIDs = []string{}
	}
	raw, err := json.Marshal(workerIDs)
	if err != nil {
		return fmt.Errorf("marshal worker ids: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE task_runs SET active_worker_ids = $2, last_worker_id = COALESCE($3, last_worker_id), updated_at = now()
		 WHERE id = $1`, id, raw, nullIfEmpty(lastWorkerID))
	return execExpectOne(tag, err, domain.ErrNotFound, "set run workers %s", id)
}

func (s *Store) RecordHeartbeat(ctx context.Context, runID, workerID string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE task_runs SET heartbeat_at = $3, last_worker_id = $2, updated_at = now()
		 WHERE id = $1 AND status NOT IN ('completed', 'failed', 'cancelled')`,
		runID, workerID, at)
	return execExpectOne(tag, err, domain.ErrTerminal, "heartbeat run %s", runID)
}

// ListDeadRuns returns active runs whose worker heartbeat is older than
// the cutoff. Such runs are reclaimable.
func (s *Store) ListDeadRuns(ctx context.Context, heartbeatOlderThan time.Time) ([]run.Run, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+runColumns+` FROM task_runs
		 WHERE status IN ('started', 'running') AND heartbeat_at IS NOT NULL AND heartbeat_at < $1`,
		heartbeatOlderThan)
	if err != nil {
		return nil, fmt.Errorf("list dead runs: %w", err)
	}
	defer rows.Close()

	var runs []run.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// --- Steps ---

const stepColumns = `id, run_id, node, step_order, status, retry_count,
	input_snapshot, output_snapshot, error_details, duration_ms, started_at, completed_at`

func scanStep(row scannable) (run.Step, error) {
	var (
		st         run.Step
		durationMS int64
	)
	err := row.Scan(&st.ID, &st.RunID, &st.Node, &st.StepOrder, &st.Status, &st.RetryCount,
		&st.InputSnapshot, &st.OutputSnapshot, &st.ErrorDetails, &durationMS, &st.StartedAt, &st.CompletedAt)
	if err != nil {
		return run.Step{}, err
	}
	st.Duration = time.Duration(durationMS) * time.Millisecond
	return st, nil
}

// CreateStep inserts a step in running state. The unique (run_id,
// step_order) index enforces the gapless-prefix invariant.
func (s *Store) CreateStep(ctx context.Context, step *run.Step) error {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO run_steps (run_id, node, step_order, status, retry_count, input_snapshot, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id`,
		step.RunID, string(step.Node), step.StepOrder, string(step.Status),
		step.RetryCount, step.InputSnapshot, step.StartedAt)
	if err := row.Scan(&step.ID); err != nil {
		return fmt.Errorf("create step %s/%s: %w", step.RunID, step.Node, err)
	}
	return nil
}

func (s *Store) FinishStep(ctx context.Context, step *run.Step) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE run_steps
		 SET status = $2, retry_count = $3, output_snapshot = $4, error_details = $5,
		     duration_ms = $6, completed_at = $7
		 WHERE id = $1`,
		step.ID, string(step.Status), step.RetryCount, step.OutputSnapshot,
		step.ErrorDetails, step.Duration.Milliseconds(), step.CompletedAt)
	return execExpectOne(tag, err, domain.ErrNotFound, "finish step %s", step.ID)
}

func (s *Store) ListSteps(ctx context.Context, runID string) ([]run.Step, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+stepColumns+` FROM run_steps WHERE run_id = $1 ORDER BY step_order`, runID)
	if err != nil {
		return nil, fmt.Errorf("list steps for run %s: %w", runID, err)
	}
	defer rows.Close()

	var steps []run.Step
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}
