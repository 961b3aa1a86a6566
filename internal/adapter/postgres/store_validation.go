package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/ticketpilot/ticketpilot/internal/domain"
	"github.com/ticketpilot/ticketpilot/internal/domain/validation"
)

const validationColumns = `id, run_id, task_id, status, rejection_instructions, analysis_confidence,
	timeout_notified, clarification_sent, created_at, expires_at, resolved_at`

func scanValidation(row scannable) (validation.Request, error) {
	var v validation.Request
	err := row.Scan(&v.ID, &v.RunID, &v.TaskID, &v.Status, &v.RejectionInstructions,
		&v.AnalysisConfidence, &v.TimeoutNotified, &v.ClarificationSent,
		&v.CreatedAt, &v.ExpiresAt, &v.ResolvedAt)
	if err != nil {
		return validation.Request{}, err
	}
	return v, nil
}

// CreateValidation inserts a pending request. The partial unique index on
// (run_id) WHERE status = 'pending' rejects a second open request per run.
func (s *Store) CreateValidation(ctx context.Context, req *validation.Request) error {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO validation_requests (run_id, task_id, status, analysis_confidence, expires_at)
		 VALUES ($1, $2, 'pending', $3, $4)
		 RETURNING id, created_at`,
		req.RunID, req.TaskID, req.AnalysisConfidence, req.ExpiresAt)
	if err := row.Scan(&req.ID, &req.CreatedAt); err != nil {
		return fmt.Errorf("create validation for run %s: %w", req.RunID, err)
	}
	req.Status = validation.StatusPending
	return nil
}

func (s *Store) GetValidation(ctx context.Context, id string) (*validation.Request, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+validationColumns+` FROM validation_requests WHERE id = $1`, id)
	v, err := scanValidation(row)
	if err != nil {
		return nil, notFoundWrap(err, "get validation %s", id)
	}
	return &v, nil
}

// GetOpenValidationByTask returns the newest request still awaiting a
// decision. A timed_out request counts as open: a late reply may still
// resolve it.
func (s *Store) GetOpenValidationByTask(ctx context.Context, taskID int64) (*validation.Request, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+validationColumns+` FROM validation_requests
		 WHERE task_id = $1 AND status IN ('pending', 'timed_out')
		 ORDER BY created_at DESC LIMIT 1`, taskID)
	v, err := scanValidation(row)
	if err != nil {
		return nil, notFoundWrap(err, "get open validation for task %d", taskID)
	}
	return &v, nil
}

// TransitionValidation moves a request from one status to another with a
// compare-and-set on the current status. A losing writer gets
// domain.ErrConflict; resolved_at is stamped for every terminal decision
// but not for timed_out, which stays open for late replies.
func (s *Store) TransitionValidation(ctx context.Context, id string, from, to validation.Status, instructions string, at time.Time) error {
	var resolvedAt any
	if to != validation.StatusTimedOut {
		resolvedAt = at
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE validation_requests
		 SET status = $3,
		     rejection_instructions = CASE WHEN $4 = '' THEN rejection_instructions ELSE $4 END,
		     resolved_at = COALESCE($5, resolved_at)
		 WHERE id = $1 AND status = $2`,
		id, string(from), string(to), instructions, resolvedAt)
	if err != nil {
		return fmt.Errorf("transition validation %s to %s: %w", id, to, err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.GetValidation(ctx, id); getErr != nil {
			return getErr
		}
		return fmt.Errorf("transition validation %s from %s to %s: %w", id, from, to, domain.ErrConflict)
	}
	return nil
}

func (s *Store) ListExpiredValidations(ctx context.Context, now time.Time) ([]validation.Request, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+validationColumns+` FROM validation_requests
		 WHERE status = 'pending' AND expires_at <= $1
		 ORDER BY expires_at`, now)
	if err != nil {
		return nil, fmt.Errorf("list expired validations: %w", err)
	}
	defer rows.Close()

	var reqs []validation.Request
	for rows.Next() {
		v, err := scanValidation(rows)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, v)
	}
	return reqs, rows.Err()
}

// MarkValidationNotified flips timeout_notified once. A second caller gets
// domain.ErrConflict, which keeps the timeout DM single-shot.
func (s *Store) MarkValidationNotified(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE validation_requests SET timeout_notified = TRUE
		 WHERE id = $1 AND timeout_notified = FALSE`, id)
	return execExpectOne(tag, err, domain.ErrConflict, "mark validation %s notified", id)
}

// MarkClarificationSent flips clarification_sent once per request, bounding
// clarification prompts to one per validation.
func (s *Store) MarkClarificationSent(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE validation_requests SET clarification_sent = TRUE
		 WHERE id = $1 AND clarification_sent = FALSE`, id)
	return execExpectOne(tag, err, domain.ErrConflict, "mark validation %s clarified", id)
}
