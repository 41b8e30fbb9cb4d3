package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/shimimasa/game-asset-manager/internal/domain"
	"github.com/shimimasa/game-asset-manager/internal/queue"
	"github.com/shimimasa/game-asset-manager/internal/ratelimit"
)

type memExecutionRepo struct {
	executions  map[string]*domain.Execution
	linked      map[string]string
	completed   int
	failed      int
	completeErr error
}

func newMemExecutionRepo(execs ...*domain.Execution) *memExecutionRepo {
	r := &memExecutionRepo{executions: map[string]*domain.Execution{}, linked: map[string]string{}}
	for _, e := range execs {
		r.executions[e.ID] = e
	}
	return r
}

func (r *memExecutionRepo) Create(_ context.Context, e *domain.Execution) error {
	r.executions[e.ID] = e
	return nil
}

func (r *memExecutionRepo) GetByID(_ context.Context, id string) (*domain.Execution, error) {
	e, ok := r.executions[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return e, nil
}

func (r *memExecutionRepo) GetForUser(_ context.Context, id, userID string) (*domain.Execution, error) {
	e, ok := r.executions[id]
	if !ok || e.UserID != userID {
		return nil, domain.ErrNotFound
	}
	return e, nil
}

func (r *memExecutionRepo) List(_ context.Context, _ string, _ domain.ExecutionFilter, _ domain.Page) ([]domain.Execution, int, error) {
	return nil, 0, nil
}

func (r *memExecutionRepo) TransitionStatus(_ context.Context, id string, from []domain.ExecutionStatus, to domain.ExecutionStatus, errMsg string, result *domain.ExecutionResult) (bool, error) {
	e, ok := r.executions[id]
	if !ok {
		return false, nil
	}
	match := false
	for _, f := range from {
		if e.Status == f {
			match = true
			break
		}
	}
	if !match {
		return false, nil
	}
	e.Status = to
	if errMsg != "" {
		e.ErrorMessage = errMsg
	}
	if result != nil {
		e.Result = result
	}
	return true, nil
}

func (r *memExecutionRepo) Complete(_ context.Context, id string, result *domain.ExecutionResult, assetID string) (bool, error) {
	if r.completeErr != nil {
		return false, r.completeErr
	}
	e, ok := r.executions[id]
	if !ok || e.Status != domain.ExecutionStatusProcessing {
		return false, nil
	}
	e.Status = domain.ExecutionStatusCompleted
	e.Result = result
	e.AssetID = assetID
	r.linked[id] = assetID
	return true, nil
}

func (r *memExecutionRepo) CountTerminalByPrompt(_ context.Context, _ string) (int, int, error) {
	return r.completed, r.failed, nil
}

type memPromptRepo struct {
	rates map[string]int
}

func (r *memPromptRepo) Create(context.Context, *domain.Prompt) error { return nil }
func (r *memPromptRepo) GetForUser(context.Context, string, string) (*domain.Prompt, error) {
	return nil, domain.ErrNotFound
}
func (r *memPromptRepo) List(context.Context, string, domain.PromptFilter, domain.Page) ([]domain.Prompt, int, error) {
	return nil, 0, nil
}
func (r *memPromptRepo) Update(context.Context, *domain.Prompt) error { return nil }
func (r *memPromptRepo) Delete(context.Context, string, string) error { return nil }
func (r *memPromptRepo) IncrementUsage(context.Context, string) error { return nil }
func (r *memPromptRepo) UpdateSuccessRate(_ context.Context, id string, rate int) error {
	if r.rates == nil {
		r.rates = map[string]int{}
	}
	r.rates[id] = rate
	return nil
}

type fakeSource struct {
	maxAttempts int
	acked       []string
	failed      []string
	nacked      []string
	delays      []time.Duration
}

func (s *fakeSource) Dequeue(context.Context, string) (*queue.Delivery, error) {
	return nil, queue.ErrNoJob
}

func (s *fakeSource) Ack(_ context.Context, d *queue.Delivery) error {
	s.acked = append(s.acked, d.JobID)
	return nil
}

func (s *fakeSource) Fail(_ context.Context, d *queue.Delivery, reason string) error {
	s.failed = append(s.failed, reason)
	return nil
}

func (s *fakeSource) Nack(_ context.Context, d *queue.Delivery, reason string) error {
	return s.NackAfter(context.Background(), d, reason, time.Second)
}

func (s *fakeSource) NackAfter(_ context.Context, d *queue.Delivery, reason string, delay time.Duration) error {
	if d.Attempt >= s.maxAttempts {
		s.failed = append(s.failed, reason)
		return queue.ErrRetriesExhausted
	}
	s.nacked = append(s.nacked, reason)
	s.delays = append(s.delays, delay)
	return nil
}

type fakeAdapter struct {
	asset    *domain.Asset
	err      error
	calls    int
	oninvoke func()
}

func (a *fakeAdapter) Generate(context.Context, domain.JobDescriptor) (*domain.Asset, error) {
	a.calls++
	if a.oninvoke != nil {
		a.oninvoke()
	}
	if a.err != nil {
		return nil, a.err
	}
	return a.asset, nil
}

func providerRegistry(points int) *ratelimit.Registry {
	reg := ratelimit.NewRegistry(true)
	reg.Register(ImageProviderLimiter, ratelimit.Config{Points: points, Window: time.Minute})
	reg.Register(AudioProviderLimiter, ratelimit.Config{Points: points, Window: time.Minute})
	return reg
}

func imageDelivery(executionID string, attempt int) *queue.Delivery {
	return &queue.Delivery{
		JobID:   "job-" + executionID,
		Queue:   "image-generation",
		Attempt: attempt,
		Descriptor: domain.JobDescriptor{
			ExecutionID: executionID,
			PromptID:    "p1",
			UserID:      "u1",
			MediaKind:   domain.MediaKindImage,
			Prompt:      "a castle on a hill",
			Parameters:  map[string]any{"size": "512x512"},
		},
	}
}

func pendingExecution(id string) *domain.Execution {
	return &domain.Execution{
		ID:       id,
		PromptID: "p1",
		UserID:   "u1",
		Status:   domain.ExecutionStatusPending,
	}
}

func newTestHandler(execs *memExecutionRepo, prompts *memPromptRepo, adapter *fakeAdapter, limits *ratelimit.Registry, source *fakeSource) *Handler {
	logger := zerolog.Nop()
	return NewHandler(execs, prompts, adapter, limits, source, logger)
}

func TestHandleCompletesExecution(t *testing.T) {
	execs := newMemExecutionRepo(pendingExecution("e1"))
	prompts := &memPromptRepo{}
	source := &fakeSource{maxAttempts: 3}
	adapter := &fakeAdapter{asset: &domain.Asset{ID: "a1", StorageURL: "/files/generated/a1.png"}}
	h := newTestHandler(execs, prompts, adapter, providerRegistry(10), source)

	if err := h.Handle(context.Background(), imageDelivery("e1", 1)); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	e := execs.executions["e1"]
	if e.Status != domain.ExecutionStatusCompleted {
		t.Fatalf("status = %s, want COMPLETED", e.Status)
	}
	if e.Result == nil || e.Result.AssetID != "a1" || e.Result.AssetURL != "/files/generated/a1.png" {
		t.Errorf("result payload = %+v", e.Result)
	}
	if e.Result.Prompt != "a castle on a hill" {
		t.Errorf("result prompt = %q", e.Result.Prompt)
	}
	if e.AssetID != "a1" {
		t.Errorf("asset reference = %q, want a1 written with the completion", e.AssetID)
	}
	if execs.linked["e1"] != "a1" {
		t.Errorf("asset not linked: %v", execs.linked)
	}
	if len(source.acked) != 1 {
		t.Errorf("acked = %v, want one ack", source.acked)
	}
	if _, ok := prompts.rates["p1"]; !ok {
		t.Error("success rate not recomputed")
	}
}

func TestHandleCompleteWriteFailureLeavesJobActive(t *testing.T) {
	execs := newMemExecutionRepo(pendingExecution("e1"))
	execs.completeErr = errors.New("connection reset")
	source := &fakeSource{maxAttempts: 3}
	adapter := &fakeAdapter{asset: &domain.Asset{ID: "a1"}}
	h := newTestHandler(execs, &memPromptRepo{}, adapter, providerRegistry(10), source)

	if err := h.Handle(context.Background(), imageDelivery("e1", 1)); err == nil {
		t.Fatal("Handle returned nil, want the completion write error")
	}

	e := execs.executions["e1"]
	if e.Status == domain.ExecutionStatusCompleted {
		t.Fatalf("status = %s, must not be COMPLETED when the write failed", e.Status)
	}
	if e.AssetID != "" {
		t.Errorf("asset reference = %q, want none", e.AssetID)
	}
	if len(source.acked) != 0 {
		t.Errorf("job acked despite failed completion: %v", source.acked)
	}
}

func TestHandleDropsTerminalExecution(t *testing.T) {
	exec := pendingExecution("e1")
	exec.Status = domain.ExecutionStatusFailed
	exec.ErrorMessage = domain.CancelledByUserMessage
	execs := newMemExecutionRepo(exec)
	source := &fakeSource{maxAttempts: 3}
	adapter := &fakeAdapter{asset: &domain.Asset{ID: "a1"}}
	h := newTestHandler(execs, &memPromptRepo{}, adapter, providerRegistry(10), source)

	if err := h.Handle(context.Background(), imageDelivery("e1", 1)); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if adapter.calls != 0 {
		t.Error("provider invoked for a terminal execution")
	}
	if len(source.acked) != 1 {
		t.Errorf("job not acked: %v", source.acked)
	}
	if exec.Status != domain.ExecutionStatusFailed || exec.ErrorMessage != domain.CancelledByUserMessage {
		t.Errorf("terminal state mutated: %+v", exec)
	}
}

func TestHandleCancellationDuringGeneration(t *testing.T) {
	execs := newMemExecutionRepo(pendingExecution("e1"))
	source := &fakeSource{maxAttempts: 3}
	adapter := &fakeAdapter{asset: &domain.Asset{ID: "a1"}}
	// Cancel lands while the provider call is in flight.
	adapter.oninvoke = func() {
		execs.executions["e1"].Status = domain.ExecutionStatusFailed
		execs.executions["e1"].ErrorMessage = domain.CancelledByUserMessage
	}
	h := newTestHandler(execs, &memPromptRepo{}, adapter, providerRegistry(10), source)

	if err := h.Handle(context.Background(), imageDelivery("e1", 1)); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	e := execs.executions["e1"]
	if e.Status != domain.ExecutionStatusFailed || e.ErrorMessage != domain.CancelledByUserMessage {
		t.Errorf("cancellation overwritten: %+v", e)
	}
	if _, linked := execs.linked["e1"]; linked {
		t.Error("asset linked to a cancelled execution")
	}
	if len(source.acked) != 1 {
		t.Errorf("job not acked after losing the race: %v", source.acked)
	}
}

func TestHandleInvalidParametersFailPermanently(t *testing.T) {
	exec := pendingExecution("e1")
	execs := newMemExecutionRepo(exec)
	source := &fakeSource{maxAttempts: 3}
	adapter := &fakeAdapter{asset: &domain.Asset{ID: "a1"}}
	h := newTestHandler(execs, &memPromptRepo{}, adapter, providerRegistry(10), source)

	d := &queue.Delivery{
		JobID:   "job-e1",
		Queue:   "audio-generation",
		Attempt: 1,
		Descriptor: domain.JobDescriptor{
			ExecutionID: "e1",
			PromptID:    "p1",
			UserID:      "u1",
			MediaKind:   domain.MediaKindAudio,
			Prompt:      "boss battle theme",
			Parameters:  map[string]any{"duration": 400},
		},
	}
	if err := h.Handle(context.Background(), d); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	if exec.Status != domain.ExecutionStatusFailed {
		t.Fatalf("status = %s, want FAILED", exec.Status)
	}
	if exec.ErrorMessage != "Duration must be between 5 and 300 seconds" {
		t.Errorf("error message = %q", exec.ErrorMessage)
	}
	if adapter.calls != 0 {
		t.Error("provider invoked with invalid parameters")
	}
	if len(source.failed) != 1 {
		t.Errorf("job not buried: failed=%v nacked=%v", source.failed, source.nacked)
	}
}

func TestHandleProviderQuotaDenialReschedules(t *testing.T) {
	exec := pendingExecution("e1")
	execs := newMemExecutionRepo(exec)
	source := &fakeSource{maxAttempts: 3}
	adapter := &fakeAdapter{asset: &domain.Asset{ID: "a1"}}
	limits := providerRegistry(1)
	limits.Get(ImageProviderLimiter).Allow(providerSubject) // burn the budget
	h := newTestHandler(execs, &memPromptRepo{}, adapter, limits, source)

	if err := h.Handle(context.Background(), imageDelivery("e1", 1)); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	if adapter.calls != 0 {
		t.Error("provider invoked while quota exhausted")
	}
	if len(source.nacked) != 1 {
		t.Fatalf("job not rescheduled: %v", source.failed)
	}
	if source.delays[0] <= 0 || source.delays[0] > time.Minute {
		t.Errorf("retry-after delay = %s", source.delays[0])
	}
	if exec.Status != domain.ExecutionStatusProcessing {
		t.Errorf("status = %s, want PROCESSING (no terminal write on quota wait)", exec.Status)
	}
}

func TestHandleProviderQuotaExhaustedRetriesFailExecution(t *testing.T) {
	exec := pendingExecution("e1")
	execs := newMemExecutionRepo(exec)
	source := &fakeSource{maxAttempts: 3}
	limits := providerRegistry(1)
	limits.Get(ImageProviderLimiter).Allow(providerSubject)
	h := newTestHandler(execs, &memPromptRepo{}, &fakeAdapter{}, limits, source)

	// Final attempt: the nack has no budget left.
	if err := h.Handle(context.Background(), imageDelivery("e1", 3)); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if exec.Status != domain.ExecutionStatusFailed {
		t.Fatalf("status = %s, want FAILED", exec.Status)
	}
	if exec.ErrorMessage != "Generation rate limit exceeded, please try again later" {
		t.Errorf("error message = %q", exec.ErrorMessage)
	}
}

func TestHandleTransientProviderErrorRetries(t *testing.T) {
	exec := pendingExecution("e1")
	execs := newMemExecutionRepo(exec)
	source := &fakeSource{maxAttempts: 3}
	adapter := &fakeAdapter{err: domain.NewTransientProviderError("openai-images", "status 502")}
	h := newTestHandler(execs, &memPromptRepo{}, adapter, providerRegistry(10), source)

	if err := h.Handle(context.Background(), imageDelivery("e1", 1)); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	if len(source.nacked) != 1 {
		t.Fatalf("transient failure not nacked: failed=%v", source.failed)
	}
	if exec.Status != domain.ExecutionStatusProcessing {
		t.Errorf("status = %s, want PROCESSING while retrying", exec.Status)
	}
}

func TestHandleTransientErrorExhaustsRetries(t *testing.T) {
	exec := pendingExecution("e1")
	execs := newMemExecutionRepo(exec)
	source := &fakeSource{maxAttempts: 3}
	adapter := &fakeAdapter{err: domain.NewTransientProviderError("openai-images", "status 502")}
	h := newTestHandler(execs, &memPromptRepo{}, adapter, providerRegistry(10), source)

	if err := h.Handle(context.Background(), imageDelivery("e1", 3)); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if exec.Status != domain.ExecutionStatusFailed {
		t.Fatalf("status = %s, want FAILED after final attempt", exec.Status)
	}
	if exec.ErrorMessage == "" {
		t.Error("provider error not recorded")
	}
}

func TestHandlePermanentProviderErrorFailsImmediately(t *testing.T) {
	exec := pendingExecution("e1")
	execs := newMemExecutionRepo(exec)
	source := &fakeSource{maxAttempts: 3}
	adapter := &fakeAdapter{err: domain.NewPermanentProviderError("openai-images", "content policy violation")}
	h := newTestHandler(execs, &memPromptRepo{}, adapter, providerRegistry(10), source)

	if err := h.Handle(context.Background(), imageDelivery("e1", 1)); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	if exec.Status != domain.ExecutionStatusFailed {
		t.Fatalf("status = %s, want FAILED", exec.Status)
	}
	if len(source.nacked) != 0 {
		t.Error("permanent failure was retried")
	}
	if len(source.failed) != 1 {
		t.Errorf("job not buried: %v", source.failed)
	}
}

func TestHandleRedeliveryOfProcessingExecution(t *testing.T) {
	exec := pendingExecution("e1")
	exec.Status = domain.ExecutionStatusProcessing
	execs := newMemExecutionRepo(exec)
	source := &fakeSource{maxAttempts: 3}
	adapter := &fakeAdapter{asset: &domain.Asset{ID: "a1"}}
	h := newTestHandler(execs, &memPromptRepo{}, adapter, providerRegistry(10), source)

	if err := h.Handle(context.Background(), imageDelivery("e1", 2)); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if exec.Status != domain.ExecutionStatusCompleted {
		t.Errorf("redelivered job did not complete: %s", exec.Status)
	}
	if adapter.calls != 1 {
		t.Errorf("adapter calls = %d, want 1", adapter.calls)
	}
}
