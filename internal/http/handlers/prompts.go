package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/shimimasa/game-asset-manager/internal/domain"
	"github.com/shimimasa/game-asset-manager/internal/service"
)

type createPromptRequest struct {
	Title      string         `json:"title"`
	Content    string         `json:"content"`
	Type       string         `json:"type"`
	Parameters map[string]any `json:"parameters"`
	Category   string         `json:"category"`
}

func (a *App) CreatePrompt(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	var req createPromptRequest
	if err := decodeBody(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	prompt, err := a.Prompts.Create(r.Context(), userID, service.CreatePromptInput{
		Title:      req.Title,
		Content:    req.Content,
		Type:       domain.MediaKind(req.Type),
		Parameters: req.Parameters,
		Category:   req.Category,
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusCreated, viewPrompt(prompt))
}

func (a *App) ListPrompts(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	q := r.URL.Query()
	filter := domain.PromptFilter{
		Type:    domain.MediaKind(q.Get("type")),
		Search:  q.Get("search"),
		OrderBy: q.Get("order_by"),
		Desc:    q.Get("order") != "asc",
	}
	page := pageFromQuery(r)
	prompts, total, err := a.Prompts.List(r.Context(), userID, filter, page)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusOK, listEnvelope(viewPrompts(prompts), total, page.Limit, page.Offset))
}

func (a *App) GetPrompt(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	prompt, err := a.Prompts.Get(r.Context(), chi.URLParam(r, "id"), userID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusOK, viewPrompt(prompt))
}

type updatePromptRequest struct {
	Title      *string        `json:"title"`
	Content    *string        `json:"content"`
	Parameters map[string]any `json:"parameters"`
	Category   *string        `json:"category"`
}

func (a *App) UpdatePrompt(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	var req updatePromptRequest
	if err := decodeBody(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	prompt, err := a.Prompts.Update(r.Context(), chi.URLParam(r, "id"), userID, service.UpdatePromptInput{
		Title:      req.Title,
		Content:    req.Content,
		Parameters: req.Parameters,
		Category:   req.Category,
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusOK, viewPrompt(prompt))
}

func (a *App) DeletePrompt(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	if err := a.Prompts.Delete(r.Context(), chi.URLParam(r, "id"), userID); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) ClonePrompt(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	clone, err := a.Prompts.Clone(r.Context(), chi.URLParam(r, "id"), userID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusCreated, viewPrompt(clone))
}

type executeRequest struct {
	Parameters map[string]any `json:"parameters"`
}

// ExecutePrompt dispatches a generation job for the prompt and returns the
// pending execution for polling.
func (a *App) ExecutePrompt(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	var req executeRequest
	if r.ContentLength != 0 {
		if err := decodeBody(r, &req); err != nil {
			a.fail(w, r, err)
			return
		}
	}
	exec, err := a.Executions.Execute(r.Context(), chi.URLParam(r, "id"), userID, req.Parameters)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusCreated, viewExecution(exec))
}
