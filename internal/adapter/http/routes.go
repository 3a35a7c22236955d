package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// MountRoutes registers all API routes on the given chi router.
func MountRoutes(r chi.Router, h *Handlers) {
	r.Route("/api/v1", func(r chi.Router) {
		// Version
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"version":"0.1.0"}`))
		})

		// Goals
		r.Post("/goals", h.SubmitGoal)
		r.Get("/goals/{id}", h.GetGoal)
		r.Get("/goals/{id}/tasks", h.ListGoalTasks)

		// Tasks
		r.Get("/tasks/{id}", h.GetTask)
		r.Post("/tasks/{id}/adjudicate", h.AdjudicateTask)

		// Human review
		r.Get("/hitl/queue", h.ListHITLQueue)

		// Budget
		r.Get("/budget/{agentID}", h.GetBudgetUsage)

		// Work queue
		r.Get("/queue/depth", h.GetQueueDepth)
	})
}
