package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/ticketpilot/ticketpilot/internal/domain"
	"github.com/ticketpilot/ticketpilot/internal/domain/reactivation"
)

const reactivationColumns = `id, task_id, trigger_type, status, payload, run_id,
	error_message, created_at, completed_at`

func scanReactivation(row scannable) (reactivation.Record, error) {
	var (
		rec   reactivation.Record
		runID *string
	)
	err := row.Scan(&rec.ID, &rec.TaskID, &rec.TriggerType, &rec.Status, &rec.Payload,
		&runID, &rec.ErrorMessage, &rec.CreatedAt, &rec.CompletedAt)
	if err != nil {
		return reactivation.Record{}, err
	}
	rec.RunID = strOrEmpty(runID)
	return rec, nil
}

// CreateReactivation appends a pending audit record for a gate attempt.
func (s *Store) CreateReactivation(ctx context.Context, rec *reactivation.Record) error {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO reactivations (task_id, trigger_type, status, payload)
		 VALUES ($1, $2, 'pending', $3)
		 RETURNING id, created_at`,
		rec.TaskID, string(rec.TriggerType), rec.Payload)
	if err := row.Scan(&rec.ID, &rec.CreatedAt); err != nil {
		return fmt.Errorf("create reactivation for task %d: %w", rec.TaskID, err)
	}
	rec.Status = reactivation.StatusPending
	return nil
}

// FinishReactivation closes the audit record with its outcome and, on
// success, the run it produced.
func (s *Store) FinishReactivation(ctx context.Context, id string, status reactivation.Status, runID, errMsg string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE reactivations
		 SET status = $2, run_id = $3, error_message = $4, completed_at = $5
		 WHERE id = $1`,
		id, string(status), nullIfEmpty(runID), errMsg, at)
	return execExpectOne(tag, err, domain.ErrNotFound, "finish reactivation %s", id)
}

func (s *Store) ListReactivations(ctx context.Context, taskID int64) ([]reactivation.Record, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+reactivationColumns+` FROM reactivations
		 WHERE task_id = $1 ORDER BY created_at DESC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list reactivations for task %d: %w", taskID, err)
	}
	defer rows.Close()

	var recs []reactivation.Record
	for rows.Next() {
		rec, err := scanReactivation(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}
