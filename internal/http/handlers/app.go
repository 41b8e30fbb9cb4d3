// Package handlers implements the HTTP surface over the application
// services.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/shimimasa/game-asset-manager/internal/domain"
	"github.com/shimimasa/game-asset-manager/internal/infra"
	"github.com/shimimasa/game-asset-manager/internal/middleware"
	"github.com/shimimasa/game-asset-manager/internal/service"
)

type App struct {
	Prompts    *service.PromptService
	Executions *service.ExecutionService
	Assets     *service.AssetService
	Users      domain.UserRepository
	Logger     infra.Logger
}

func NewApp(prompts *service.PromptService, executions *service.ExecutionService, assets *service.AssetService, logger infra.Logger) *App {
	return &App{Prompts: prompts, Executions: executions, Assets: assets, Logger: logger}
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, code int, errCode, message string) {
	a.json(w, code, map[string]any{
		"error":   errCode,
		"message": message,
	})
}

// fail maps domain sentinels onto HTTP statuses.
func (a *App) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		a.error(w, http.StatusNotFound, "not_found", "resource not found")
	case errors.Is(err, domain.ErrUnauthorized):
		a.error(w, http.StatusUnauthorized, "unauthorized", "unauthorized")
	case errors.Is(err, domain.ErrInvalidParameters):
		a.error(w, http.StatusBadRequest, "validation_error", userMessage(err))
	case errors.Is(err, domain.ErrConflict):
		a.error(w, http.StatusConflict, "conflict", userMessage(err))
	case errors.Is(err, domain.ErrRateLimited):
		var rle *domain.RateLimitedError
		if errors.As(err, &rle) {
			seconds := int(rle.RetryAfter.Seconds())
			if seconds < 1 {
				seconds = 1
			}
			w.Header().Set("Retry-After", fmt.Sprintf("%d", seconds))
		}
		a.error(w, http.StatusTooManyRequests, "rate_limited", "too many requests, please try again later")
	default:
		a.Logger.Error().Err(err).Str("path", r.URL.Path).Msg("handlers: request failed")
		a.error(w, http.StatusInternalServerError, "internal", "internal server error")
	}
}

// userMessage strips a leading sentinel so the client sees only the
// human-readable part.
func userMessage(err error) string {
	msg := err.Error()
	for _, sentinel := range []error{domain.ErrInvalidParameters, domain.ErrConflict} {
		prefix := sentinel.Error() + ": "
		if len(msg) > len(prefix) && msg[:len(prefix)] == prefix {
			return msg[len(prefix):]
		}
	}
	return msg
}

func (a *App) currentUserID(r *http.Request) string {
	return middleware.UserIDFromContext(r.Context())
}

func pageFromQuery(r *http.Request) domain.Page {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	return domain.Page{Limit: limit, Offset: offset}.Normalize()
}

func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: invalid JSON body", domain.ErrInvalidParameters)
	}
	return nil
}

func listEnvelope(items any, total, limit, offset int) map[string]any {
	return map[string]any{
		"items":  items,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	}
}
