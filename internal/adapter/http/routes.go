package http

import (
	"github.com/go-chi/chi/v5"
)

// MountRoutes registers all routes on the given chi router. The webhook
// endpoint authenticates itself via HMAC inside the intake service; the
// /api group is read-only observability over the store.
func MountRoutes(r chi.Router, h *Handlers) {
	r.Post("/webhook", h.HandleWebhook)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.HealthCheck)
		r.Get("/status", h.GetStatus)

		r.Get("/tasks/{id}", h.GetTask)
		r.Get("/tasks/{id}/runs", h.ListTaskRuns)
		r.Get("/tasks/{id}/reactivations", h.ListTaskReactivations)
		r.Get("/tasks/{id}/costs", h.GetTaskCosts)

		r.Get("/runs/{id}", h.GetRun)
		r.Get("/runs/{id}/steps", h.ListRunSteps)
		r.Get("/runs/{id}/costs", h.GetRunCosts)

		r.Get("/costs/daily", h.GetDailyCosts)
		r.Get("/costs/monthly", h.GetMonthlyCosts)
	})

	r.Get("/ws", h.Hub.HandleWS)
}
