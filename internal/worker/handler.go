// Package worker consumes generation queues and drives executions to a
// terminal state.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shimimasa/game-asset-manager/internal/domain"
	"github.com/shimimasa/game-asset-manager/internal/generation"
	"github.com/shimimasa/game-asset-manager/internal/infra"
	"github.com/shimimasa/game-asset-manager/internal/metrics"
	"github.com/shimimasa/game-asset-manager/internal/queue"
	"github.com/shimimasa/game-asset-manager/internal/ratelimit"
	"github.com/shimimasa/game-asset-manager/internal/service"
)

// Provider-scope limiter names in the registry.
const (
	ImageProviderLimiter = "image-provider"
	AudioProviderLimiter = "audio-provider"

	// providerSubject keys provider limiters: the quota is shared across all
	// users of the provider, not per user.
	providerSubject = "provider"
)

// JobSource is the queue surface a handler settles deliveries against.
type JobSource interface {
	Dequeue(ctx context.Context, queueName string) (*queue.Delivery, error)
	Ack(ctx context.Context, d *queue.Delivery) error
	Fail(ctx context.Context, d *queue.Delivery, reason string) error
	Nack(ctx context.Context, d *queue.Delivery, reason string) error
	NackAfter(ctx context.Context, d *queue.Delivery, reason string, delay time.Duration) error
}

var _ JobSource = (*queue.Queue)(nil)

// Handler processes one delivery at a time. Deliveries are at-least-once, so
// every effect is guarded by conditional status transitions.
type Handler struct {
	executions domain.ExecutionRepository
	prompts    domain.PromptRepository
	adapter    generation.Adapter
	limits     *ratelimit.Registry
	source     JobSource
	logger     infra.Logger
}

func NewHandler(executions domain.ExecutionRepository, prompts domain.PromptRepository, adapter generation.Adapter, limits *ratelimit.Registry, source JobSource, logger infra.Logger) *Handler {
	return &Handler{
		executions: executions,
		prompts:    prompts,
		adapter:    adapter,
		limits:     limits,
		source:     source,
		logger:     logger,
	}
}

// Handle settles one delivery. Errors returned here are infrastructure
// failures only; domain outcomes (validation failure, provider failure,
// cancellation) resolve the execution and return nil.
func (h *Handler) Handle(ctx context.Context, d *queue.Delivery) error {
	job := d.Descriptor
	log := h.logger.With().
		Str("execution_id", job.ExecutionID).
		Str("queue", d.Queue).
		Int("attempt", d.Attempt).
		Logger()

	// Claim the execution. A redelivery of an already-running attempt passes
	// through; a terminal execution (completed earlier, or cancelled while
	// queued) means the job is done, drop it.
	claimed, err := h.executions.TransitionStatus(ctx, job.ExecutionID,
		[]domain.ExecutionStatus{domain.ExecutionStatusPending, domain.ExecutionStatusProcessing},
		domain.ExecutionStatusProcessing, "", nil)
	if err != nil {
		return fmt.Errorf("worker: claim execution: %w", err)
	}
	if !claimed {
		log.Info().Msg("worker: execution already terminal, dropping job")
		metrics.JobsProcessed.WithLabelValues(d.Queue, "dropped").Inc()
		return h.source.Ack(ctx, d)
	}

	// Provider quota gate. A denial reschedules the job for the limiter's
	// retry-after without touching the execution; when the attempt budget is
	// spent the execution fails with the quota message.
	limiterName := providerLimiterFor(job.MediaKind)
	decision, err := h.limits.Allow(limiterName, providerSubject)
	if err != nil {
		return fmt.Errorf("worker: rate limiter: %w", err)
	}
	if !decision.OK {
		metrics.RateLimitDenials.WithLabelValues(limiterName).Inc()
		reason := fmt.Sprintf("provider quota exhausted, retry after %s", decision.RetryAfter)
		nackErr := h.source.NackAfter(ctx, d, reason, decision.RetryAfter)
		if errors.Is(nackErr, queue.ErrRetriesExhausted) {
			return h.failExecutionSettled(ctx, job, "Generation rate limit exceeded, please try again later", d.Queue, log)
		}
		if nackErr != nil {
			return fmt.Errorf("worker: nack rate-limited job: %w", nackErr)
		}
		log.Info().Dur("retry_after", decision.RetryAfter).Msg("worker: provider quota exhausted, rescheduled")
		return nil
	}

	// Parameter validation. Invalid input can never succeed, so it fails the
	// execution permanently with the user-facing message and burns the job.
	if err := validateJob(job); err != nil {
		return h.failExecution(ctx, d, job, validationMessage(err), log)
	}

	asset, err := h.adapter.Generate(ctx, job)
	if err != nil {
		return h.settleGenerationFailure(ctx, d, job, err, log)
	}

	result := &domain.ExecutionResult{
		Message:    "Generation completed successfully",
		AssetID:    asset.ID,
		AssetURL:   asset.StorageURL,
		Prompt:     job.Prompt,
		Parameters: job.Parameters,
		Timestamp:  time.Now().UTC(),
	}
	// Status, result and asset reference land in one conditional write, so a
	// completed execution can never be observed without its asset. An error
	// here leaves the job active for redelivery.
	completed, err := h.executions.Complete(ctx, job.ExecutionID, result, asset.ID)
	if err != nil {
		return fmt.Errorf("worker: complete execution: %w", err)
	}
	if !completed {
		// Cancelled mid-generation. The execution stays FAILED; the produced
		// asset remains owned by the user but is not linked.
		log.Warn().Str("asset_id", asset.ID).Msg("worker: execution cancelled during generation, asset left unlinked")
		metrics.JobsProcessed.WithLabelValues(d.Queue, "cancelled").Inc()
		h.recomputeRate(ctx, job.PromptID, log)
		return h.source.Ack(ctx, d)
	}

	metrics.JobsProcessed.WithLabelValues(d.Queue, "completed").Inc()
	h.recomputeRate(ctx, job.PromptID, log)
	log.Info().Str("asset_id", asset.ID).Msg("worker: execution completed")
	return h.source.Ack(ctx, d)
}

// settleGenerationFailure routes a provider error: transient failures go
// back on the queue with backoff until the budget runs out, permanent ones
// fail the execution immediately.
func (h *Handler) settleGenerationFailure(ctx context.Context, d *queue.Delivery, job domain.JobDescriptor, genErr error, log infra.Logger) error {
	var pe *domain.ProviderError
	permanent := errors.As(genErr, &pe) && !pe.Transient

	if permanent {
		log.Warn().Err(genErr).Msg("worker: permanent provider failure")
		return h.failExecution(ctx, d, job, genErr.Error(), log)
	}

	nackErr := h.source.Nack(ctx, d, genErr.Error())
	if errors.Is(nackErr, queue.ErrRetriesExhausted) {
		log.Warn().Err(genErr).Msg("worker: retries exhausted")
		return h.failExecutionSettled(ctx, job, genErr.Error(), d.Queue, log)
	}
	if nackErr != nil {
		return fmt.Errorf("worker: nack job: %w", nackErr)
	}
	log.Info().Err(genErr).Msg("worker: transient failure, job rescheduled")
	return nil
}

// failExecution buries the job and marks the execution FAILED.
func (h *Handler) failExecution(ctx context.Context, d *queue.Delivery, job domain.JobDescriptor, message string, log infra.Logger) error {
	if err := h.source.Fail(ctx, d, message); err != nil {
		return fmt.Errorf("worker: bury job: %w", err)
	}
	return h.failExecutionSettled(ctx, job, message, d.Queue, log)
}

// failExecutionSettled marks the execution FAILED when the job itself is
// already settled (buried by Fail, or failed inside Nack).
func (h *Handler) failExecutionSettled(ctx context.Context, job domain.JobDescriptor, message, queueName string, log infra.Logger) error {
	ok, err := h.executions.TransitionStatus(ctx, job.ExecutionID,
		[]domain.ExecutionStatus{domain.ExecutionStatusPending, domain.ExecutionStatusProcessing},
		domain.ExecutionStatusFailed, message, nil)
	if err != nil {
		return fmt.Errorf("worker: fail execution: %w", err)
	}
	if !ok {
		log.Info().Msg("worker: execution already terminal while failing")
	}
	metrics.JobsProcessed.WithLabelValues(queueName, "failed").Inc()
	h.recomputeRate(ctx, job.PromptID, log)
	return nil
}

func (h *Handler) recomputeRate(ctx context.Context, promptID string, log infra.Logger) {
	if err := service.RecomputeSuccessRate(ctx, h.executions, h.prompts, promptID); err != nil {
		log.Warn().Err(err).Str("prompt_id", promptID).Msg("worker: success rate recompute failed")
	}
}

func providerLimiterFor(kind domain.MediaKind) string {
	if kind == domain.MediaKindAudio {
		return AudioProviderLimiter
	}
	return ImageProviderLimiter
}

// validateJob checks the descriptor against its modality's constraints.
func validateJob(job domain.JobDescriptor) error {
	if !job.MediaKind.Valid() {
		return fmt.Errorf("%w: unsupported media kind %q", domain.ErrInvalidParameters, job.MediaKind)
	}
	if err := domain.ValidatePrompt(job.MediaKind, job.Prompt); err != nil {
		return err
	}
	switch job.MediaKind {
	case domain.MediaKindAudio:
		return domain.AudioParamsFromMap(job.Parameters).Validate()
	default:
		return domain.ImageParamsFromMap(job.Parameters).Validate()
	}
}

// validationMessage strips the sentinel prefix so the execution records only
// the user-facing text.
func validationMessage(err error) string {
	msg := err.Error()
	if prefix := domain.ErrInvalidParameters.Error() + ": "; strings.HasPrefix(msg, prefix) {
		return strings.TrimPrefix(msg, prefix)
	}
	return msg
}
