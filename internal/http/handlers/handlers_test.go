package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/shimimasa/game-asset-manager/internal/domain"
	"github.com/shimimasa/game-asset-manager/internal/middleware"
	"github.com/shimimasa/game-asset-manager/internal/ratelimit"
	"github.com/shimimasa/game-asset-manager/internal/service"
	"github.com/shimimasa/game-asset-manager/internal/storage"
)

type stubPromptRepo struct {
	prompts map[string]*domain.Prompt
}

func (r *stubPromptRepo) Create(_ context.Context, p *domain.Prompt) error {
	r.prompts[p.ID] = p
	return nil
}

func (r *stubPromptRepo) GetForUser(_ context.Context, id, userID string) (*domain.Prompt, error) {
	p, ok := r.prompts[id]
	if !ok || p.UserID != userID {
		return nil, domain.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (r *stubPromptRepo) List(_ context.Context, userID string, _ domain.PromptFilter, _ domain.Page) ([]domain.Prompt, int, error) {
	var out []domain.Prompt
	for _, p := range r.prompts {
		if p.UserID == userID {
			out = append(out, *p)
		}
	}
	return out, len(out), nil
}

func (r *stubPromptRepo) Update(_ context.Context, p *domain.Prompt) error {
	r.prompts[p.ID] = p
	return nil
}

func (r *stubPromptRepo) Delete(_ context.Context, id, userID string) error {
	p, ok := r.prompts[id]
	if !ok || p.UserID != userID {
		return domain.ErrNotFound
	}
	delete(r.prompts, id)
	return nil
}

func (r *stubPromptRepo) IncrementUsage(context.Context, string) error { return nil }
func (r *stubPromptRepo) UpdateSuccessRate(context.Context, string, int) error {
	return nil
}

type stubExecutionRepo struct {
	executions map[string]*domain.Execution
}

func (r *stubExecutionRepo) Create(_ context.Context, e *domain.Execution) error {
	cp := *e
	r.executions[e.ID] = &cp
	return nil
}

func (r *stubExecutionRepo) GetByID(_ context.Context, id string) (*domain.Execution, error) {
	e, ok := r.executions[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (r *stubExecutionRepo) GetForUser(_ context.Context, id, userID string) (*domain.Execution, error) {
	e, ok := r.executions[id]
	if !ok || e.UserID != userID {
		return nil, domain.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (r *stubExecutionRepo) List(_ context.Context, userID string, _ domain.ExecutionFilter, _ domain.Page) ([]domain.Execution, int, error) {
	var out []domain.Execution
	for _, e := range r.executions {
		if e.UserID == userID {
			out = append(out, *e)
		}
	}
	return out, len(out), nil
}

func (r *stubExecutionRepo) TransitionStatus(_ context.Context, id string, from []domain.ExecutionStatus, to domain.ExecutionStatus, errMsg string, result *domain.ExecutionResult) (bool, error) {
	e, ok := r.executions[id]
	if !ok {
		return false, nil
	}
	for _, f := range from {
		if e.Status == f {
			e.Status = to
			if errMsg != "" {
				e.ErrorMessage = errMsg
			}
			if result != nil {
				e.Result = result
			}
			return true, nil
		}
	}
	return false, nil
}

func (r *stubExecutionRepo) Complete(_ context.Context, id string, result *domain.ExecutionResult, assetID string) (bool, error) {
	e, ok := r.executions[id]
	if !ok || e.Status != domain.ExecutionStatusProcessing {
		return false, nil
	}
	e.Status = domain.ExecutionStatusCompleted
	e.Result = result
	e.AssetID = assetID
	return true, nil
}

func (r *stubExecutionRepo) CountTerminalByPrompt(context.Context, string) (int, int, error) {
	return 0, 0, nil
}

type stubQueue struct {
	enqueued []domain.JobDescriptor
}

func (q *stubQueue) Enqueue(_ context.Context, _ string, d domain.JobDescriptor) error {
	q.enqueued = append(q.enqueued, d)
	return nil
}

func (q *stubQueue) RemoveByExecutionID(context.Context, string, string) (bool, error) {
	return true, nil
}

type testEnv struct {
	app   *App
	execs *stubExecutionRepo
	queue *stubQueue
}

func newTestEnv(t *testing.T, userPoints int) *testEnv {
	t.Helper()
	logger := zerolog.Nop()
	prompts := &stubPromptRepo{prompts: map[string]*domain.Prompt{
		"p1": {
			ID:      "p1",
			UserID:  "u1",
			Title:   "Dungeon tiles",
			Content: "stone dungeon tiles, pixel art",
			Type:    domain.MediaKindImage,
		},
	}}
	execs := &stubExecutionRepo{executions: map[string]*domain.Execution{}}
	q := &stubQueue{}
	reg := ratelimit.NewRegistry(true)
	reg.Register(service.UserGenerationLimiter, ratelimit.Config{Points: userPoints, Window: time.Hour})

	execSvc := service.NewExecutionService(execs, prompts, q, reg, logger)
	promptSvc := service.NewPromptService(prompts, logger)
	return &testEnv{
		app:   NewApp(promptSvc, execSvc, nil, logger),
		execs: execs,
		queue: q,
	}
}

func asUser(r *http.Request, userID string) *http.Request {
	return r.WithContext(middleware.ContextWithUserID(r.Context(), userID))
}

func withURLParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func TestExecutePromptCreatesPendingExecution(t *testing.T) {
	env := newTestEnv(t, 10)

	body := bytes.NewBufferString(`{"parameters":{"size":"512x512"}}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/prompts/p1/execute", body)
	req = asUser(req, "u1")
	req = withURLParam(req, "id", "p1")
	rec := httptest.NewRecorder()

	env.app.ExecutePrompt(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp executionView
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != string(domain.ExecutionStatusPending) {
		t.Errorf("status = %s, want PENDING", resp.Status)
	}
	if len(env.queue.enqueued) != 1 {
		t.Errorf("enqueued = %d jobs, want 1", len(env.queue.enqueued))
	}
}

func TestExecutePromptNotFound(t *testing.T) {
	env := newTestEnv(t, 10)

	req := httptest.NewRequest(http.MethodPost, "/v1/prompts/nope/execute", nil)
	req = asUser(req, "u1")
	req = withURLParam(req, "id", "nope")
	rec := httptest.NewRecorder()

	env.app.ExecutePrompt(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestExecutePromptRateLimited(t *testing.T) {
	env := newTestEnv(t, 1)

	run := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/prompts/p1/execute", nil)
		req = asUser(req, "u1")
		req = withURLParam(req, "id", "p1")
		rec := httptest.NewRecorder()
		env.app.ExecutePrompt(rec, req)
		return rec
	}

	if rec := run(); rec.Code != http.StatusCreated {
		t.Fatalf("first request status = %d", rec.Code)
	}
	rec := run()
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("Retry-After header missing")
	}
}

func TestCancelTerminalExecutionConflicts(t *testing.T) {
	env := newTestEnv(t, 10)
	env.execs.executions["e1"] = &domain.Execution{
		ID:       "e1",
		PromptID: "p1",
		UserID:   "u1",
		Status:   domain.ExecutionStatusCompleted,
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/executions/e1/cancel", nil)
	req = asUser(req, "u1")
	req = withURLParam(req, "id", "e1")
	rec := httptest.NewRecorder()

	env.app.CancelExecution(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

func TestCancelPendingExecution(t *testing.T) {
	env := newTestEnv(t, 10)
	env.execs.executions["e1"] = &domain.Execution{
		ID:       "e1",
		PromptID: "p1",
		UserID:   "u1",
		Status:   domain.ExecutionStatusPending,
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/executions/e1/cancel", nil)
	req = asUser(req, "u1")
	req = withURLParam(req, "id", "e1")
	rec := httptest.NewRecorder()

	env.app.CancelExecution(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if env.execs.executions["e1"].ErrorMessage != domain.CancelledByUserMessage {
		t.Errorf("error message = %q", env.execs.executions["e1"].ErrorMessage)
	}
}

func TestCreatePromptValidationError(t *testing.T) {
	env := newTestEnv(t, 10)

	body := bytes.NewBufferString(`{"title":"t","content":"","type":"IMAGE"}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/prompts", body)
	req = asUser(req, "u1")
	rec := httptest.NewRecorder()

	env.app.CreatePrompt(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Prompt is required") {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestGetExecutionOwnedByOtherUser(t *testing.T) {
	env := newTestEnv(t, 10)
	env.execs.executions["e1"] = &domain.Execution{ID: "e1", UserID: "someone-else", Status: domain.ExecutionStatusPending}

	req := httptest.NewRequest(http.MethodGet, "/v1/executions/e1", nil)
	req = asUser(req, "u1")
	req = withURLParam(req, "id", "e1")
	rec := httptest.NewRecorder()

	env.app.GetExecution(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestMissingUserContextUnauthorized(t *testing.T) {
	env := newTestEnv(t, 10)

	req := httptest.NewRequest(http.MethodGet, "/v1/prompts", nil)
	rec := httptest.NewRecorder()

	env.app.ListPrompts(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

type stubAssetRepo struct {
	assets map[string]*domain.Asset
}

func (r *stubAssetRepo) Create(_ context.Context, a *domain.Asset) error {
	r.assets[a.ID] = a
	return nil
}

func (r *stubAssetRepo) GetForUser(_ context.Context, id, userID string) (*domain.Asset, error) {
	a, ok := r.assets[id]
	if !ok || a.UserID != userID {
		return nil, domain.ErrNotFound
	}
	return a, nil
}

func (r *stubAssetRepo) List(_ context.Context, userID string, _ domain.AssetFilter, _ domain.Page) ([]domain.Asset, int, error) {
	var out []domain.Asset
	for _, a := range r.assets {
		if a.UserID == userID {
			out = append(out, *a)
		}
	}
	return out, len(out), nil
}

func (r *stubAssetRepo) Delete(_ context.Context, id, userID string) error {
	a, ok := r.assets[id]
	if !ok || a.UserID != userID {
		return domain.ErrNotFound
	}
	delete(r.assets, id)
	return nil
}

func newUploadApp(t *testing.T) (*App, *stubAssetRepo) {
	t.Helper()
	logger := zerolog.Nop()
	store, err := storage.NewFileStore(t.TempDir(), "http://localhost:8080/files")
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	reg := ratelimit.NewRegistry(true)
	reg.Register(service.UserUploadLimiter, ratelimit.Config{Points: 5, Window: time.Hour})
	assets := &stubAssetRepo{assets: map[string]*domain.Asset{}}
	assetSvc := service.NewAssetService(assets, store, reg, logger)
	return &App{Assets: assetSvc, Logger: logger}, assets
}

func multipartUpload(t *testing.T, filename, mimeType string, data []byte, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	header := textproto.MIMEHeader{}
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	header.Set("Content-Type", mimeType)
	part, err := mw.CreatePart(header)
	if err != nil {
		t.Fatalf("CreatePart: %v", err)
	}
	if _, err := part.Write(data); err != nil {
		t.Fatalf("write part: %v", err)
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("WriteField(%s): %v", k, err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return &body, mw.FormDataContentType()
}

func TestUploadAssetCreatesRecord(t *testing.T) {
	app, assets := newUploadApp(t)

	body, contentType := multipartUpload(t, "hero.png", "image/png", []byte("png-bytes"), map[string]string{
		"tags":     `["sprites"]`,
		"category": "characters",
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/assets/upload", body)
	req.Header.Set("Content-Type", contentType)
	req = asUser(req, "u1")
	rec := httptest.NewRecorder()

	app.UploadAsset(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp assetView
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.FileType != string(domain.AssetTypeImage) {
		t.Errorf("file type = %s, want IMAGE", resp.FileType)
	}
	if len(assets.assets) != 1 {
		t.Errorf("assets created = %d, want 1", len(assets.assets))
	}
}

func TestUploadAssetRejectsUnsupportedType(t *testing.T) {
	app, assets := newUploadApp(t)

	body, contentType := multipartUpload(t, "tool.exe", "application/octet-stream", []byte("bin"), nil)
	req := httptest.NewRequest(http.MethodPost, "/v1/assets/upload", body)
	req.Header.Set("Content-Type", contentType)
	req = asUser(req, "u1")
	rec := httptest.NewRecorder()

	app.UploadAsset(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if len(assets.assets) != 0 {
		t.Errorf("asset created from rejected upload: %v", assets.assets)
	}
}

func TestUploadAssetRateLimited(t *testing.T) {
	app, _ := newUploadApp(t)

	send := func() *httptest.ResponseRecorder {
		body, contentType := multipartUpload(t, "a.png", "image/png", []byte("x"), nil)
		req := httptest.NewRequest(http.MethodPost, "/v1/assets/upload", body)
		req.Header.Set("Content-Type", contentType)
		req = asUser(req, "u1")
		rec := httptest.NewRecorder()
		app.UploadAsset(rec, req)
		return rec
	}

	for i := 0; i < 5; i++ {
		if rec := send(); rec.Code != http.StatusCreated {
			t.Fatalf("upload %d: status = %d", i+1, rec.Code)
		}
	}
	rec := send()
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("Retry-After header missing")
	}
}
