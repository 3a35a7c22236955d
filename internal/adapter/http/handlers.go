package http

import (
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/Strob0t/Chimera/internal/domain/adjudication"
	"github.com/Strob0t/Chimera/internal/domain/goal"
	"github.com/Strob0t/Chimera/internal/port/workqueue"
	"github.com/Strob0t/Chimera/internal/service"
)

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	Orchestrator *service.OrchestratorService
	HITL         *service.HITLService
	Budget       *service.BudgetService
	Queue        workqueue.Queue
}

// SubmitGoal handles POST /api/v1/goals. A goal whose decomposition
// failed is still created and answered with 201 and a FAILED status.
func (h *Handlers) SubmitGoal(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[goal.CreateRequest](w, r, maxRequestBodySize)
	if !ok {
		return
	}
	sub, err := h.Orchestrator.SubmitGoal(r.Context(), &req)
	if err != nil {
		writeDomainError(w, err, "goal not found")
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

// GetGoal handles GET /api/v1/goals/{id}
func (h *Handlers) GetGoal(w http.ResponseWriter, r *http.Request) {
	g, err := h.Orchestrator.GetGoal(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "goal not found")
		return
	}
	writeJSON(w, http.StatusOK, g)
}

// ListGoalTasks handles GET /api/v1/goals/{id}/tasks
func (h *Handlers) ListGoalTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.Orchestrator.ListGoalTasks(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "goal not found")
		return
	}
	writeJSON(w, http.StatusOK, nonNil(tasks))
}

// GetTask handles GET /api/v1/tasks/{id}
func (h *Handlers) GetTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.Orchestrator.GetTask(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// AdjudicateTask handles POST /api/v1/tasks/{id}/adjudicate
func (h *Handlers) AdjudicateTask(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	req, ok := readJSON[adjudication.Request](w, r, maxRequestBodySize)
	if !ok {
		return
	}
	t, err := h.Orchestrator.Adjudicate(r.Context(), id, req)
	if err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// ListHITLQueue handles GET /api/v1/hitl/queue
func (h *Handlers) ListHITLQueue(w http.ResponseWriter, r *http.Request) {
	items, err := h.HITL.Queue(r.Context())
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(items))
}

// GetBudgetUsage handles GET /api/v1/budget/{agentID}. An optional
// ?amount= projects the warning over a spend that is not yet authorized.
func (h *Handlers) GetBudgetUsage(w http.ResponseWriter, r *http.Request) {
	agentID := urlParam(r, "agentID")
	if !requireField(w, agentID, "agent id") {
		return
	}
	pending := decimal.Zero
	if raw := r.URL.Query().Get("amount"); raw != "" {
		amount, err := decimal.NewFromString(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "amount must be a decimal")
			return
		}
		pending = amount
	}
	u, err := h.Budget.ProjectedUsage(r.Context(), agentID, pending)
	if err != nil {
		writeDomainError(w, err, "agent not found")
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// GetQueueDepth handles GET /api/v1/queue/depth
func (h *Handlers) GetQueueDepth(w http.ResponseWriter, r *http.Request) {
	d, err := h.Queue.Depth(r.Context())
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// nonNil keeps empty lists encoded as [] instead of null.
func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
