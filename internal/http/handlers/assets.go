package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/shimimasa/game-asset-manager/internal/domain"
	"github.com/shimimasa/game-asset-manager/internal/service"
)

// UploadAsset accepts one multipart file plus optional metadata fields
// (tags as a JSON array, category, prompt_id) and creates the asset.
func (a *App) UploadAsset(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}

	if err := r.ParseMultipartForm(domain.MaxUploadBytes); err != nil {
		a.error(w, http.StatusBadRequest, "validation_error", "invalid multipart body")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		a.error(w, http.StatusBadRequest, "validation_error", "No file provided")
		return
	}
	defer file.Close()
	data, err := io.ReadAll(io.LimitReader(file, domain.MaxUploadBytes+1))
	if err != nil {
		a.fail(w, r, err)
		return
	}

	var tags []string
	if raw := r.FormValue("tags"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &tags); err != nil {
			a.error(w, http.StatusBadRequest, "validation_error", "tags must be a JSON array of strings")
			return
		}
	}

	asset, err := a.Assets.Upload(r.Context(), userID, service.UploadInput{
		Filename: header.Filename,
		MimeType: header.Header.Get("Content-Type"),
		Data:     data,
		Tags:     tags,
		Category: r.FormValue("category"),
		PromptID: r.FormValue("prompt_id"),
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusCreated, viewAsset(asset))
}

func (a *App) ListAssets(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	q := r.URL.Query()
	filter := domain.AssetFilter{
		FileType: domain.AssetType(q.Get("file_type")),
		Tag:      q.Get("tag"),
		PromptID: q.Get("prompt_id"),
	}
	page := pageFromQuery(r)
	assets, total, err := a.Assets.List(r.Context(), userID, filter, page)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusOK, listEnvelope(viewAssets(assets), total, page.Limit, page.Offset))
}

func (a *App) GetAsset(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	asset, err := a.Assets.Get(r.Context(), chi.URLParam(r, "id"), userID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusOK, viewAsset(asset))
}

// DownloadAsset streams the stored bytes with a content-disposition header.
func (a *App) DownloadAsset(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	asset, data, err := a.Assets.Open(r.Context(), chi.URLParam(r, "id"), userID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", asset.MimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", asset.Filename))
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (a *App) DeleteAsset(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	if err := a.Assets.Delete(r.Context(), chi.URLParam(r, "id"), userID); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
