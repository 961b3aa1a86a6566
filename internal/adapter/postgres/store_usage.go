package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/ticketpilot/ticketpilot/internal/domain/usage"
)

// InsertUsage appends one ledger row. Rows are never updated; corrections
// are compensating records.
func (s *Store) InsertUsage(ctx context.Context, rec *usage.Record) error {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO ai_usage (run_id, step_id, provider, model, operation,
		                       input_tokens, output_tokens, estimated_cost,
		                       duration_ms, success, error, ts)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, COALESCE($12, now()))
		 RETURNING id, ts`,
		rec.RunID, nullIfEmpty(rec.StepID), rec.Provider, rec.Model, rec.Operation,
		rec.InputTokens, rec.OutputTokens, rec.EstimatedCost,
		rec.Duration.Milliseconds(), rec.Success, rec.Error, nullTime(rec.Timestamp))
	if err := row.Scan(&rec.ID, &rec.Timestamp); err != nil {
		return fmt.Errorf("insert usage for run %s: %w", rec.RunID, err)
	}
	return nil
}

func scanSummary(row scannable, sum *usage.Summary) error {
	return row.Scan(&sum.TotalCostUSD, &sum.TotalTokensIn, &sum.TotalTokensOut, &sum.CallCount)
}

const summarySelect = `COALESCE(SUM(estimated_cost), 0), COALESCE(SUM(input_tokens), 0),
	COALESCE(SUM(output_tokens), 0), COUNT(*)`

func (s *Store) RunUsage(ctx context.Context, runID string) (*usage.Summary, error) {
	var sum usage.Summary
	row := s.pool.QueryRow(ctx,
		`SELECT `+summarySelect+` FROM ai_usage WHERE run_id = $1`, runID)
	if err := scanSummary(row, &sum); err != nil {
		return nil, fmt.Errorf("run usage %s: %w", runID, err)
	}
	return &sum, nil
}

// TaskUsage aggregates across every run of the task, so the task total is
// always the sum of its run totals.
func (s *Store) TaskUsage(ctx context.Context, taskID int64) (*usage.Summary, error) {
	var sum usage.Summary
	row := s.pool.QueryRow(ctx,
		`SELECT `+summarySelect+` FROM ai_usage
		 WHERE run_id IN (SELECT id FROM task_runs WHERE task_id = $1)`, taskID)
	if err := scanSummary(row, &sum); err != nil {
		return nil, fmt.Errorf("task usage %d: %w", taskID, err)
	}
	return &sum, nil
}

// DailyUsage buckets the ledger by UTC calendar day over [from, to).
func (s *Store) DailyUsage(ctx context.Context, from, to time.Time) ([]usage.DailySummary, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT to_char(ts AT TIME ZONE 'UTC', 'YYYY-MM-DD') AS day, `+summarySelect+`
		 FROM ai_usage
		 WHERE ts >= $1 AND ts < $2
		 GROUP BY day ORDER BY day`, from, to)
	if err != nil {
		return nil, fmt.Errorf("daily usage: %w", err)
	}
	defer rows.Close()

	var out []usage.DailySummary
	for rows.Next() {
		var d usage.DailySummary
		if err := rows.Scan(&d.Date, &d.TotalCostUSD, &d.TotalTokensIn, &d.TotalTokensOut, &d.CallCount); err != nil {
			return nil, fmt.Errorf("scan daily usage: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// MonthlyUsage buckets the ledger by UTC calendar month over [from, to).
func (s *Store) MonthlyUsage(ctx context.Context, from, to time.Time) ([]usage.MonthlySummary, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT to_char(ts AT TIME ZONE 'UTC', 'YYYY-MM') AS month, `+summarySelect+`
		 FROM ai_usage
		 WHERE ts >= $1 AND ts < $2
		 GROUP BY month ORDER BY month`, from, to)
	if err != nil {
		return nil, fmt.Errorf("monthly usage: %w", err)
	}
	defer rows.Close()

	var out []usage.MonthlySummary
	for rows.Next() {
		var m usage.MonthlySummary
		if err := rows.Scan(&m.Month, &m.TotalCostUSD, &m.TotalTokensIn, &m.TotalTokensOut, &m.CallCount); err != nil {
			return nil, fmt.Errorf("scan monthly usage: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) ProviderUsage(ctx context.Context, runID string) ([]usage.ProviderSummary, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT provider, `+summarySelect+`
		 FROM ai_usage WHERE run_id = $1
		 GROUP BY provider ORDER BY provider`, runID)
	if err != nil {
		return nil, fmt.Errorf("provider usage %s: %w", runID, err)
	}
	defer rows.Close()

	var out []usage.ProviderSummary
	for rows.Next() {
		var p usage.ProviderSummary
		if err := rows.Scan(&p.Provider, &p.TotalCostUSD, &p.TotalTokensIn, &p.TotalTokensOut, &p.CallCount); err != nil {
			return nil, fmt.Errorf("scan provider usage: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
