package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ticketpilot/ticketpilot/internal/domain"
	"github.com/ticketpilot/ticketpilot/internal/domain/task"
)

const taskColumns = `id, external_item_id, title, description, repository_url, base_branch, priority,
	status, is_locked, locked_by, locked_at, cooldown_until,
	reactivation_count, failed_reactivation_attempts, last_run_id, version, created_at, updated_at`

func scanTask(row scannable) (task.Task, error) {
	var (
		t          task.Task
		baseBranch *string
		lockedBy   *string
		lastRunID  *string
		lockedAt   *time.Time
		cooldown   *time.Time
	)
	err := row.Scan(&t.ID, &t.ExternalItemID, &t.Title, &t.Description, &t.RepositoryURL,
		&baseBranch, &t.Priority, &t.Status, &t.IsLocked, &lockedBy, &lockedAt, &cooldown,
		&t.ReactivationCount, &t.FailedReactivation, &lastRunID, &t.Version, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return task.Task{}, err
	}
	t.BaseBranch = strOrEmpty(baseBranch)
	t.LockedBy = strOrEmpty(lockedBy)
	t.LastRunID = strOrEmpty(lastRunID)
	t.LockedAt = lockedAt
	t.CooldownUntil = cooldown
	return t, nil
}

// CreateTask inserts a task for the external item, or returns the existing
// one. Creating a task from the same ticket twice yields the same task id.
func (s *Store) CreateTask(ctx context.Context, req task.CreateRequest) (*task.Task, error) {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO tasks (external_item_id, title, description, repository_url, base_branch, priority)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (external_item_id) DO NOTHING
		 RETURNING `+taskColumns,
		req.ExternalItemID, req.Title, req.Description, req.RepositoryURL,
		nullIfEmpty(req.BaseBranch), req.Priority)

	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return s.GetTaskByExternalItem(ctx, req.ExternalItemID)
		}
		return nil, fmt.Errorf("create task: %w", err)
	}
	return &t, nil
}

func (s *Store) GetTask(ctx context.Context, id int64) (*task.Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	t, err := scanTask(row)
	if err != nil {
		return nil, notFoundWrap(err, "get task %d", id)
	}
	return &t, nil
}

func (s *Store) GetTaskByExternalItem(ctx context.Context, externalItemID string) (*task.Task, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE external_item_id = $1`, externalItemID)
	t, err := scanTask(row)
	if err != nil {
		return nil, notFoundWrap(err, "get task by item %s", externalItemID)
	}
	return &t, nil
}

func (s *Store) UpdateTaskStatus(ctx context.Context, id int64, status task.Status) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET status = $2, updated_at = now() WHERE id = $1`, id, string(status))
	return execExpectOne(tag, err, domain.ErrNotFound, "update task status %d", id)
}

// UpdateTaskDescription writes the enriched description. A strictly
// shorter description never overwrites the stored one.
func (s *Store) UpdateTaskDescription(ctx context.Context, id int64, description string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET description = $2, updated_at = now()
		 WHERE id = $1 AND length($2) >= length(description)`, id, description)
	if err != nil {
		return fmt.Errorf("update task description %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		// Either unknown id or a shorter body; the latter is a no-op.
		if _, getErr := s.GetTask(ctx, id); getErr != nil {
			return getErr
		}
	}
	return nil
}

func (s *Store) UpdateTaskBaseBranch(ctx context.Context, id int64, branch string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET base_branch = $2, updated_at = now() WHERE id = $1`, id, branch)
	return execExpectOne(tag, err, domain.ErrNotFound, "update task base branch %d", id)
}

// AcquireTaskLock sets the lock through a compare-and-set on is_locked.
// Returns domain.ErrLocked when another writer holds the lock.
func (s *Store) AcquireTaskLock(ctx context.Context, taskID int64, lockID string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET is_locked = TRUE, locked_by = $2, locked_at = $3, updated_at = now()
		 WHERE id = $1 AND is_locked = FALSE`, taskID, lockID, at)
	return execExpectOne(tag, err, domain.ErrLocked, "acquire lock on task %d", taskID)
}

// ReleaseTaskLock clears the lock only for its current owner.
func (s *Store) ReleaseTaskLock(ctx context.Context, taskID int64, lockID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET is_locked = FALSE, locked_by = NULL, locked_at = NULL, updated_at = now()
		 WHERE id = $1 AND locked_by = $2`, taskID, lockID)
	return execExpectOne(tag, err, domain.ErrConflict, "release lock on task %d", taskID)
}

// ReclaimStaleLocks force-releases locks acquired before the cutoff.
// Used by the operator sweep for locks older than LOCK_MAX_AGE.
func (s *Store) ReclaimStaleLocks(ctx context.Context, olderThan time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET is_locked = FALSE, locked_by = NULL, locked_at = NULL, updated_at = now()
		 WHERE is_locked = TRUE AND locked_at < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("reclaim stale locks: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// CommitReactivation records gate success: the failure counter resets and
// the normal cooldown is armed.
func (s *Store) CommitReactivation(ctx context.Context, taskID int64, cooldownUntil time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET failed_reactivation_attempts = 0, cooldown_until = $2, updated_at = now()
		 WHERE id = $1`, taskID, nullTime(cooldownUntil))
	return execExpectOne(tag, err, domain.ErrNotFound, "commit reactivation on task %d", taskID)
}

// RollbackReactivation records gate failure: the failure counter increments
// and the escalated cooldown is armed.
func (s *Store) RollbackReactivation(ctx context.Context, taskID int64, cooldownUntil time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks
		 SET failed_reactivation_attempts = failed_reactivation_attempts + 1,
		     cooldown_until = $2, updated_at = now()
		 WHERE id = $1`, taskID, nullTime(cooldownUntil))
	return execExpectOne(tag, err, domain.ErrNotFound, "rollback reactivation on task %d", taskID)
}
