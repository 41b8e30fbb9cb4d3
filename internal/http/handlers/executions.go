package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/shimimasa/game-asset-manager/internal/domain"
)

func (a *App) ListExecutions(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	q := r.URL.Query()
	filter := domain.ExecutionFilter{
		PromptID: q.Get("prompt_id"),
		Status:   domain.ExecutionStatus(q.Get("status")),
	}
	page := pageFromQuery(r)
	execs, total, err := a.Executions.List(r.Context(), userID, filter, page)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusOK, listEnvelope(viewExecutions(execs), total, page.Limit, page.Offset))
}

// GetExecution is the polling endpoint: clients watch status flip from
// PENDING through PROCESSING to a terminal state.
func (a *App) GetExecution(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	exec, err := a.Executions.Get(r.Context(), chi.URLParam(r, "id"), userID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusOK, viewExecution(exec))
}

func (a *App) CancelExecution(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	if err := a.Executions.Cancel(r.Context(), chi.URLParam(r, "id"), userID); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
