// Package webhook defines domain types for ticket-system webhook deliveries.
package webhook

import "time"

// EventType classifies an accepted webhook delivery.
type EventType string

const (
	EventTaskCreate        EventType = "task_create"
	EventTaskStatusChange  EventType = "task_status_change"
	EventItemUpdate        EventType = "item_update"
	EventColumnValueChange EventType = "column_value_change"
	EventIgnored           EventType = "ignored"
)

// ProcessingStatus is the final disposition of a raw delivery.
type ProcessingStatus string

const (
	ProcessingPending   ProcessingStatus = "pending"
	ProcessingProcessed ProcessingStatus = "processed"
	ProcessingIgnored   ProcessingStatus = "ignored"
	ProcessingFailed    ProcessingStatus = "failed"
	ProcessingDuplicate ProcessingStatus = "duplicate"
)

// Event is a raw webhook delivery. (source, payload_hash) is unique within
// the dedup window; received_at defines canonical arrival order.
type Event struct {
	ID            string           `json:"id"`
	Source        string           `json:"source"`
	Type          EventType        `json:"type"`
	Payload       []byte           `json:"payload"`
	PayloadHash   string           `json:"payload_hash"`
	Signature     string           `json:"signature,omitempty"`
	ReceivedAt    time.Time        `json:"received_at"`
	Processing    ProcessingStatus `json:"processing_status"`
	RelatedTaskID int64            `json:"related_task_id,omitempty"`
	ErrorMessage  string           `json:"error_message,omitempty"`
}

// IntakeEvent is the normalised event handed to the event router after
// authentication, dedup, and classification.
type IntakeEvent struct {
	EventID     string    `json:"event_id"`
	TaskID      int64     `json:"task_id,omitempty"`
	ItemID      string    `json:"item_id"`
	Name        string    `json:"name,omitempty"`
	Type        EventType `json:"type"`
	Text        string    `json:"text,omitempty"`
	Column      string    `json:"column,omitempty"`
	NewValue    string    `json:"new_value,omitempty"`
	TriggererID string    `json:"triggerer_id,omitempty"`
	ReceivedAt  time.Time `json:"received_at"`
}
