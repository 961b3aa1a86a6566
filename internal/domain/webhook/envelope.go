package webhook

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Envelope is the JSON body of a ticket-system webhook delivery.
type Envelope struct {
	Event     *EnvelopeEvent `json:"event,omitempty"`
	Challenge string         `json:"challenge,omitempty"`
}

// EnvelopeEvent is the wire shape of the inner event object.
type EnvelopeEvent struct {
	Type        string          `json:"type"`
	PulseID     json.Number     `json:"pulseId"`
	PulseName   string          `json:"pulseName,omitempty"`
	BoardID     json.Number     `json:"boardId,omitempty"`
	TriggerUUID string          `json:"triggerUuid,omitempty"`
	TextBody    string          `json:"textBody,omitempty"`
	ColumnID    string          `json:"columnId,omitempty"`
	Value       json.RawMessage `json:"value,omitempty"`
	UserID      json.Number     `json:"userId,omitempty"`
}

// ParseEnvelope decodes a raw delivery body.
func ParseEnvelope(body []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("parse webhook envelope: %w", err)
	}
	return &env, nil
}

// Canonicalize re-encodes a JSON payload with object keys sorted and no
// insignificant whitespace. Signature verification and payload hashing both
// operate on this canonical form.
func Canonicalize(body []byte) ([]byte, error) {
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	// encoding/json sorts map keys and emits no whitespace.
	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	return out, nil
}

// PayloadHash returns the hex SHA-256 of the canonical payload.
func PayloadHash(canonical []byte) string {
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// Classify maps a wire event type to the internal classification.
func Classify(wireType string) EventType {
	switch wireType {
	case "create_pulse", "create_item":
		return EventTaskCreate
	case "change_status", "change_column_value":
		return EventColumnValueChange
	case "update_column_value":
		return EventColumnValueChange
	case "create_update", "edit_update":
		return EventItemUpdate
	case "change_specific_column_value":
		return EventTaskStatusChange
	default:
		return EventIgnored
	}
}
