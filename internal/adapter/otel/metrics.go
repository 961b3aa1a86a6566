package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "ticketpilot"

// Metrics holds all TicketPilot metric instruments.
type Metrics struct {
	WebhooksReceived metric.Int64Counter
	WebhooksDeduped  metric.Int64Counter
	RunsStarted      metric.Int64Counter
	RunsCompleted    metric.Int64Counter
	RunsFailed       metric.Int64Counter
	Reactivations    metric.Int64Counter
	Validations      metric.Int64Counter
	StepDuration     metric.Float64Histogram
	LLMCost          metric.Float64Histogram
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.WebhooksReceived, err = meter.Int64Counter("ticketpilot.webhooks.received",
		metric.WithDescription("Number of webhook deliveries received"))
	if err != nil {
		return nil, err
	}

	m.WebhooksDeduped, err = meter.Int64Counter("ticketpilot.webhooks.deduplicated",
		metric.WithDescription("Number of webhook deliveries dropped as duplicates"))
	if err != nil {
		return nil, err
	}

	m.RunsStarted, err = meter.Int64Counter("ticketpilot.runs.started",
		metric.WithDescription("Number of runs started"))
	if err != nil {
		return nil, err
	}

	m.RunsCompleted, err = meter.Int64Counter("ticketpilot.runs.completed",
		metric.WithDescription("Number of runs completed"))
	if err != nil {
		return nil, err
	}

	m.RunsFailed, err = meter.Int64Counter("ticketpilot.runs.failed",
		metric.WithDescription("Number of runs failed or cancelled"))
	if err != nil {
		return nil, err
	}

	m.Reactivations, err = meter.Int64Counter("ticketpilot.reactivations",
		metric.WithDescription("Number of reactivation gate decisions"))
	if err != nil {
		return nil, err
	}

	m.Validations, err = meter.Int64Counter("ticketpilot.validations",
		metric.WithDescription("Number of validation requests opened and resolved"))
	if err != nil {
		return nil, err
	}

	m.StepDuration, err = meter.Float64Histogram("ticketpilot.step.duration_seconds",
		metric.WithDescription("Workflow step duration in seconds"))
	if err != nil {
		return nil, err
	}

	m.LLMCost, err = meter.Float64Histogram("ticketpilot.llm.cost_usd",
		metric.WithDescription("Estimated cost per LLM call in USD"))
	if err != nil {
		return nil, err
	}

	return m, nil
}
