package postgres

import (
	"context"
	"fmt"

	"github.com/ticketpilot/ticketpilot/internal/domain"
	"github.com/ticketpilot/ticketpilot/internal/domain/webhook"
)

// InsertWebhookEvent records a raw delivery. A replayed event id returns
// domain.ErrDuplicate; the distributed dedup normally catches replays
// first, this is the durable backstop.
func (s *Store) InsertWebhookEvent(ctx context.Context, ev *webhook.Event) error {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO webhook_events (id, source, type, payload, payload_hash, signature, received_at, processing_status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO NOTHING`,
		ev.ID, ev.Source, string(ev.Type), ev.Payload, ev.PayloadHash,
		ev.Signature, ev.ReceivedAt, string(ev.Processing))
	if err != nil {
		return fmt.Errorf("insert webhook event %s: %w", ev.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("insert webhook event %s: %w", ev.ID, domain.ErrDuplicate)
	}
	return nil
}

// FinishWebhookEvent stamps the delivery with its final disposition.
func (s *Store) FinishWebhookEvent(ctx context.Context, id string, status webhook.ProcessingStatus, relatedTaskID int64, errMsg string) error {
	var taskID any
	if relatedTaskID != 0 {
		taskID = relatedTaskID
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE webhook_events
		 SET processing_status = $2, related_task_id = COALESCE($3, related_task_id), error_message = $4
		 WHERE id = $1`,
		id, string(status), taskID, errMsg)
	return execExpectOne(tag, err, domain.ErrNotFound, "finish webhook event %s", id)
}

func (s *Store) CountWebhookEvents(ctx context.Context, status webhook.ProcessingStatus) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM webhook_events WHERE processing_status = $1`, string(status)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count webhook events: %w", err)
	}
	return n, nil
}
