// Package llm defines the LLM provider port. The primary/fallback ladder
// lives in a composite implementation, not at call sites.
package llm

import (
	"context"
	"encoding/json"
	"time"
)

// CompletionRequest asks for a text completion with a JSON-only response
// contract described by Schema.
type CompletionRequest struct {
	System    string          `json:"system,omitempty"`
	Prompt    string          `json:"prompt"`
	Schema    json.RawMessage `json:"schema,omitempty"`
	MaxTokens int             `json:"max_tokens,omitempty"`
}

// CompletionResult carries the raw JSON content plus the accounting fields
// the ledger needs.
type CompletionResult struct {
	Content      json.RawMessage `json:"content"`
	Provider     string          `json:"provider"`
	Model        string          `json:"model"`
	InputTokens  int64           `json:"input_tokens"`
	OutputTokens int64           `json:"output_tokens"`
	Duration     time.Duration   `json:"duration"`
}

// ModerationResult is the safety verdict on inbound text.
type ModerationResult struct {
	Flagged    bool     `json:"flagged"`
	Categories []string `json:"categories,omitempty"`
}

// Client is the port interface for LLM providers.
type Client interface {
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResult, error)
	Moderate(ctx context.Context, text string) (*ModerationResult, error)
}
