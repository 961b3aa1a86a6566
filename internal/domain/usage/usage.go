// Package usage defines the append-only ledger of LLM calls and their cost.
package usage

import "time"

// Record is one LLM call pinned to a run step. Records are immutable once
// written; corrections are new compensating records.
type Record struct {
	ID            string        `json:"id"`
	RunID         string        `json:"run_id"`
	StepID        string        `json:"step_id,omitempty"`
	Provider      string        `json:"provider"`
	Model         string        `json:"model"`
	Operation     string        `json:"operation"`
	InputTokens   int64         `json:"input_tokens"`
	OutputTokens  int64         `json:"output_tokens"`
	EstimatedCost float64       `json:"estimated_cost"`
	Duration      time.Duration `json:"duration"`
	Success       bool          `json:"success"`
	Error         string        `json:"error,omitempty"`
	Timestamp     time.Time     `json:"timestamp"`
}

// Summary holds aggregate token and cost metrics.
type Summary struct {
	TotalCostUSD   float64 `json:"total_cost_usd"`
	TotalTokensIn  int64   `json:"total_tokens_in"`
	TotalTokensOut int64   `json:"total_tokens_out"`
	CallCount      int     `json:"call_count"`
}

// ProviderSummary breaks down usage by provider.
type ProviderSummary struct {
	Provider string `json:"provider"`
	Summary
}

// DailySummary holds aggregated usage for a single day.
type DailySummary struct {
	Date string `json:"date"`
	Summary
}

// MonthlySummary holds aggregated usage for a calendar month.
type MonthlySummary struct {
	Month string `json:"month"` // "2026-08"
	Summary
}
