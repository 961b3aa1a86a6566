// Package workflow defines the port to the execution plane that runs the
// AI workflow nodes. The control plane treats every node as a black box:
// it hands over an input envelope and waits for the output envelope.
package workflow

import (
	"context"
	"encoding/json"

	"github.com/ticketpilot/ticketpilot/internal/domain/run"
	"github.com/ticketpilot/ticketpilot/internal/domain/usage"
)

// NodeInput is the envelope handed to the execution plane for one step.
type NodeInput struct {
	RunID          string          `json:"run_id"`
	TaskID         int64           `json:"task_id"`
	Node           run.Node        `json:"node"`
	StepOrder      int             `json:"step_order"`
	RetryCount     int             `json:"retry_count"`
	Title          string          `json:"title"`
	Description    string          `json:"description"`
	RepositoryURL  string          `json:"repository_url"`
	BaseBranch     string          `json:"base_branch"`
	WorkBranch     string          `json:"work_branch"`
	Instructions   string          `json:"instructions,omitempty"`
	IsReactivation bool            `json:"is_reactivation"`
	PriorOutput    json.RawMessage `json:"prior_output,omitempty"`
}

// NodeOutput is the execution plane's reply for one step. AIUsage carries
// the LLM calls the node made so the ledger can book them against the step.
type NodeOutput struct {
	Output  json.RawMessage `json:"output,omitempty"`
	AIUsage []usage.Record  `json:"ai_usage,omitempty"`
}

// Executor runs a single node to completion. Implementations block until
// the node finishes or ctx is done; a non-nil error marks the step failed.
type Executor interface {
	ExecuteNode(ctx context.Context, in NodeInput) (*NodeOutput, error)
}
