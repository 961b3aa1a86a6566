package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ticketpilot/ticketpilot/internal/port/workflow"
)

// nodeSubjectPrefix routes node requests to the execution plane. Each node
// listens on nodes.<name>.
const nodeSubjectPrefix = "nodes."

// nodeReply is the wire envelope the execution plane answers with. A
// non-empty Error marks the node as failed.
type nodeReply struct {
	workflow.NodeOutput
	Error string `json:"error,omitempty"`
}

// Executor implements workflow.Executor over NATS request-reply. The
// execution plane subscribes to nodes.<name> subjects and answers with a
// nodeReply envelope.
type Executor struct {
	queue   *Queue
	timeout time.Duration
}

// NewExecutor creates an Executor. timeout bounds a single node execution
// when the caller's context carries no earlier deadline.
func NewExecutor(queue *Queue, timeout time.Duration) *Executor {
	return &Executor{queue: queue, timeout: timeout}
}

// ExecuteNode sends the input envelope to nodes.<name> and blocks for the
// reply.
func (e *Executor) ExecuteNode(ctx context.Context, in workflow.NodeInput) (*workflow.NodeOutput, error) {
	if _, ok := ctx.Deadline(); !ok && e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	payload, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("marshal node input: %w", err)
	}

	data, err := e.queue.Request(ctx, nodeSubjectPrefix+string(in.Node), payload)
	if err != nil {
		return nil, fmt.Errorf("execute node %s: %w", in.Node, err)
	}

	var reply nodeReply
	if err := json.Unmarshal(data, &reply); err != nil {
		return nil, fmt.Errorf("decode node %s reply: %w", in.Node, err)
	}
	if reply.Error != "" {
		return nil, fmt.Errorf("node %s: %s", in.Node, reply.Error)
	}
	return &reply.NodeOutput, nil
}
