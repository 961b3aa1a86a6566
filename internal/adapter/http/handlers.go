package http

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ticketpilot/ticketpilot/internal/adapter/ws"
	"github.com/ticketpilot/ticketpilot/internal/domain"
	"github.com/ticketpilot/ticketpilot/internal/domain/run"
	"github.com/ticketpilot/ticketpilot/internal/domain/usage"
	"github.com/ticketpilot/ticketpilot/internal/domain/webhook"
	"github.com/ticketpilot/ticketpilot/internal/port/database"
	"github.com/ticketpilot/ticketpilot/internal/port/messagequeue"
	"github.com/ticketpilot/ticketpilot/internal/resilience"
	"github.com/ticketpilot/ticketpilot/internal/service"
)

const maxWebhookBodySize = 1 << 20 // 1 MB

// signatureHeader carries the ticket system's HMAC of the delivery body.
const signatureHeader = "X-Monday-Signature"

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	Intake   *service.IntakeService
	Store    database.Store
	Queue    messagequeue.Queue
	Hub      *ws.Hub
	Breakers map[string]*resilience.Breaker
	Version  string
	Started  time.Time
}

// HandleWebhook handles POST /webhook, the single ticket-system entry point.
// Routing failures are reported in the 200 body so the provider does not
// endlessly redeliver a payload we already recorded.
func (h *Handlers) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBodySize))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	res, err := h.Intake.Process(r.Context(), body, r.Header.Get(signatureHeader))
	switch {
	case errors.Is(err, domain.ErrBadSignature):
		writeError(w, http.StatusUnauthorized, "signature verification failed")
		return
	case errors.Is(err, domain.ErrMalformed):
		writeError(w, http.StatusBadRequest, "malformed payload")
		return
	case err != nil:
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// HealthCheck handles GET /api/health
func (h *Handlers) HealthCheck(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": h.Version,
	})
}

type statusResponse struct {
	Status         string                      `json:"status"`
	Version        string                      `json:"version"`
	UptimeSeconds  int64                       `json:"uptime_seconds"`
	QueueConnected bool                        `json:"queue_connected"`
	WSConnections  int                         `json:"ws_connections"`
	WebhooksQueued int                         `json:"webhooks_pending"`
	Breakers       map[string]resilience.State `json:"breakers,omitempty"`
}

// GetStatus handles GET /api/status
func (h *Handlers) GetStatus(w http.ResponseWriter, r *http.Request) {
	pending, err := h.Store.CountWebhookEvents(r.Context(), webhook.ProcessingPending)
	if err != nil {
		writeInternalError(w, err)
		return
	}

	resp := statusResponse{
		Status:         "ok",
		Version:        h.Version,
		UptimeSeconds:  int64(time.Since(h.Started).Seconds()),
		QueueConnected: h.Queue.IsConnected(),
		WSConnections:  h.Hub.ConnectionCount(),
		WebhooksQueued: pending,
	}
	if !resp.QueueConnected {
		resp.Status = "degraded"
	}
	if len(h.Breakers) > 0 {
		resp.Breakers = make(map[string]resilience.State, len(h.Breakers))
		for name, b := range h.Breakers {
			resp.Breakers[name] = b.State()
			if b.State() == resilience.StateOpen {
				resp.Status = "degraded"
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetTask handles GET /api/tasks/{id}
func (h *Handlers) GetTask(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	t, err := h.Store.GetTask(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// ListTaskRuns handles GET /api/tasks/{id}/runs
func (h *Handlers) ListTaskRuns(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	runs, err := h.Store.ListRuns(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	if runs == nil {
		runs = []run.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

// ListTaskReactivations handles GET /api/tasks/{id}/reactivations
func (h *Handlers) ListTaskReactivations(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	recs, err := h.Store.ListReactivations(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

// GetTaskCosts handles GET /api/tasks/{id}/costs
func (h *Handlers) GetTaskCosts(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	summary, err := h.Store.TaskUsage(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// GetRun handles GET /api/runs/{id}
func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	rn, err := h.Store.GetRun(r.Context(), runID)
	if err != nil {
		writeDomainError(w, err, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, rn)
}

// ListRunSteps handles GET /api/runs/{id}/steps
func (h *Handlers) ListRunSteps(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	steps, err := h.Store.ListSteps(r.Context(), runID)
	if err != nil {
		writeDomainError(w, err, "run not found")
		return
	}
	if steps == nil {
		steps = []run.Step{}
	}
	writeJSON(w, http.StatusOK, steps)
}

type runCostsResponse struct {
	Summary   *usage.Summary          `json:"summary"`
	Providers []usage.ProviderSummary `json:"providers"`
}

// GetRunCosts handles GET /api/runs/{id}/costs
func (h *Handlers) GetRunCosts(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	summary, err := h.Store.RunUsage(r.Context(), runID)
	if err != nil {
		writeDomainError(w, err, "run not found")
		return
	}
	providers, err := h.Store.ProviderUsage(r.Context(), runID)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runCostsResponse{Summary: summary, Providers: providers})
}

// GetDailyCosts handles GET /api/costs/daily?from=YYYY-MM-DD&to=YYYY-MM-DD
func (h *Handlers) GetDailyCosts(w http.ResponseWriter, r *http.Request) {
	from, to, ok := costRange(w, r, 30*24*time.Hour)
	if !ok {
		return
	}
	rows, err := h.Store.DailyUsage(r.Context(), from, to)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	if rows == nil {
		rows = []usage.DailySummary{}
	}
	writeJSON(w, http.StatusOK, rows)
}

// GetMonthlyCosts handles GET /api/costs/monthly?from=YYYY-MM-DD&to=YYYY-MM-DD
func (h *Handlers) GetMonthlyCosts(w http.ResponseWriter, r *http.Request) {
	from, to, ok := costRange(w, r, 365*24*time.Hour)
	if !ok {
		return
	}
	rows, err := h.Store.MonthlyUsage(r.Context(), from, to)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	if rows == nil {
		rows = []usage.MonthlySummary{}
	}
	writeJSON(w, http.StatusOK, rows)
}

// costRange parses the from/to query window, defaulting to the trailing span.
func costRange(w http.ResponseWriter, r *http.Request, span time.Duration) (from, to time.Time, ok bool) {
	to = time.Now().UTC()
	from = to.Add(-span)
	if raw := r.URL.Query().Get("from"); raw != "" {
		t, err := time.Parse("2006-01-02", raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid from date, expected YYYY-MM-DD")
			return from, to, false
		}
		from = t
	}
	if raw := r.URL.Query().Get("to"); raw != "" {
		t, err := time.Parse("2006-01-02", raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid to date, expected YYYY-MM-DD")
			return from, to, false
		}
		// Include the whole final day.
		to = t.Add(24*time.Hour - time.Nanosecond)
	}
	if to.Before(from) {
		writeError(w, http.StatusBadRequest, "to must not precede from")
		return from, to, false
	}
	return from, to, true
}
