package ws

import (
	"context"
	"encoding/json"
	"log/slog"
)

// Event type constants for WebSocket messages.
const (
	EventRunStatus        = "run.status"
	EventRunProgress      = "run.progress"
	EventTaskStatus       = "task.status"
	EventValidationStatus = "validation.status"
	EventWebhookReceived  = "webhook.received"
)

// RunStatusEvent is broadcast when a run starts or reaches a new status.
type RunStatusEvent struct {
	RunID          string `json:"run_id"`
	TaskID         int64  `json:"task_id"`
	RunNumber      int    `json:"run_number"`
	Status         string `json:"status"`
	IsReactivation bool   `json:"is_reactivation,omitempty"`
}

// RunProgressEvent is broadcast after each workflow step.
type RunProgressEvent struct {
	RunID      string `json:"run_id"`
	TaskID     int64  `json:"task_id"`
	Node       string `json:"node"`
	StepOrder  int    `json:"step_order"`
	StepStatus string `json:"step_status"`
	Progress   int    `json:"progress"` // percent of the node order walked
}

// TaskStatusEvent is broadcast when a task's status changes.
type TaskStatusEvent struct {
	TaskID int64  `json:"task_id"`
	ItemID string `json:"item_id"`
	Status string `json:"status"`
}

// ValidationStatusEvent is broadcast when a validation request opens or resolves.
type ValidationStatusEvent struct {
	ValidationID string `json:"validation_id"`
	RunID        string `json:"run_id"`
	TaskID       int64  `json:"task_id"`
	Status       string `json:"status"`
}

// WebhookReceivedEvent is broadcast for each accepted (non-duplicate) delivery.
type WebhookReceivedEvent struct {
	EventID string `json:"event_id"`
	Type    string `json:"type"`
	ItemID  string `json:"item_id,omitempty"`
}

// BroadcastEvent is a convenience method that marshals a typed event and broadcasts it.
func (h *Hub) BroadcastEvent(ctx context.Context, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshal ws event payload", "type", eventType, "error", err)
		return
	}

	h.Broadcast(ctx, Message{
		Type:    eventType,
		Payload: json.RawMessage(data),
	})
}
