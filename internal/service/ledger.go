// Package service contains the application services of TicketPilot.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	tpotel "github.com/ticketpilot/ticketpilot/internal/adapter/otel"
	"github.com/ticketpilot/ticketpilot/internal/domain/usage"
	"github.com/ticketpilot/ticketpilot/internal/port/database"
)

// LedgerService books every LLM call into the append-only ai_usage table.
// Cost is estimated at write time from the pricing table; an unknown model
// books at zero cost so token counts are never lost.
type LedgerService struct {
	store   database.Store
	metrics *tpotel.Metrics
	now     func() time.Time
}

// NewLedgerService creates a LedgerService.
func NewLedgerService(store database.Store) *LedgerService {
	return &LedgerService{
		store: store,
		now:   time.Now,
	}
}

// SetMetrics attaches metric instruments.
func (s *LedgerService) SetMetrics(m *tpotel.Metrics) {
	s.metrics = m
}

// Record books one LLM call against its run and step.
func (s *LedgerService) Record(ctx context.Context, rec *usage.Record) error {
	cost, known := usage.EstimateCost(rec.Provider, rec.Model, rec.InputTokens, rec.OutputTokens)
	if !known {
		slog.Warn("no pricing for model, booking zero cost",
			"provider", rec.Provider,
			"model", rec.Model,
			"run_id", rec.RunID,
		)
	}
	rec.EstimatedCost = cost
	if rec.Timestamp.IsZero() {
		rec.Timestamp = s.now()
	}

	if err := s.store.InsertUsage(ctx, rec); err != nil {
		return fmt.Errorf("record usage: %w", err)
	}

	if s.metrics != nil {
		s.metrics.LLMCost.Record(ctx, cost, metric.WithAttributes(
			attribute.String("provider", rec.Provider),
			attribute.String("model", rec.Model),
			attribute.String("operation", rec.Operation),
		))
	}
	return nil
}

// RecordAll books a batch of records (a node's reported calls) against the
// given run and step. Individual failures are logged, not fatal: losing
// one accounting row must not fail the step that produced it.
func (s *LedgerService) RecordAll(ctx context.Context, runID, stepID string, recs []usage.Record) {
	for i := range recs {
		recs[i].RunID = runID
		recs[i].StepID = stepID
		if err := s.Record(ctx, &recs[i]); err != nil {
			slog.Error("usage record dropped",
				"run_id", runID,
				"step_id", stepID,
				"provider", recs[i].Provider,
				"model", recs[i].Model,
				"error", err,
			)
		}
	}
}

// RunSummary returns the aggregate for one run. The task/daily/monthly and
// per-provider aggregates are served straight off the store by the HTTP
// handlers.
func (s *LedgerService) RunSummary(ctx context.Context, runID string) (*usage.Summary, error) {
	return s.store.RunUsage(ctx, runID)
}
