// Package service holds the application layer between HTTP handlers, the
// worker pool and persistence.
package service

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/shimimasa/game-asset-manager/internal/domain"
	"github.com/shimimasa/game-asset-manager/internal/infra"
	"github.com/shimimasa/game-asset-manager/internal/queue"
	"github.com/shimimasa/game-asset-manager/internal/ratelimit"
)

// UserGenerationLimiter names the per-user dispatch budget in the registry.
const UserGenerationLimiter = "per-user-generation"

// JobQueue is the slice of the queue the dispatcher needs.
type JobQueue interface {
	Enqueue(ctx context.Context, queueName string, descriptor domain.JobDescriptor) error
	RemoveByExecutionID(ctx context.Context, queueName, executionID string) (bool, error)
}

var _ JobQueue = (*queue.Queue)(nil)

// ExecutionService dispatches generation jobs and manages execution records.
type ExecutionService struct {
	executions domain.ExecutionRepository
	prompts    domain.PromptRepository
	jobs       JobQueue
	limits     *ratelimit.Registry
	logger     infra.Logger
}

func NewExecutionService(executions domain.ExecutionRepository, prompts domain.PromptRepository, jobs JobQueue, limits *ratelimit.Registry, logger infra.Logger) *ExecutionService {
	return &ExecutionService{
		executions: executions,
		prompts:    prompts,
		jobs:       jobs,
		limits:     limits,
		logger:     logger,
	}
}

// Execute creates a PENDING execution for the prompt and enqueues its job
// descriptor. Prompt text and parameters are snapshotted here; later prompt
// edits do not reach the worker. An enqueue failure marks the execution
// FAILED so no record is ever stranded in PENDING with no job behind it.
func (s *ExecutionService) Execute(ctx context.Context, promptID, userID string, overrides map[string]any) (*domain.Execution, error) {
	decision, err := s.limits.Allow(UserGenerationLimiter, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: rate limiter unavailable", domain.ErrInternal)
	}
	if !decision.OK {
		return nil, &domain.RateLimitedError{Scope: UserGenerationLimiter, RetryAfter: decision.RetryAfter}
	}

	prompt, err := s.prompts.GetForUser(ctx, promptID, userID)
	if err != nil {
		return nil, err
	}
	if !prompt.Type.Valid() {
		return nil, fmt.Errorf("%w: prompt %s has unsupported type %q", domain.ErrInvalidParameters, prompt.ID, prompt.Type)
	}

	merged := prompt.MergeParameters(overrides)
	exec := &domain.Execution{
		ID:         uuid.NewString(),
		PromptID:   prompt.ID,
		UserID:     userID,
		Status:     domain.ExecutionStatusPending,
		Parameters: merged,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.executions.Create(ctx, exec); err != nil {
		return nil, fmt.Errorf("%w: create execution: %v", domain.ErrInternal, err)
	}

	if err := s.prompts.IncrementUsage(ctx, prompt.ID); err != nil {
		s.logger.Warn().Err(err).Str("prompt_id", prompt.ID).Msg("execution: usage increment failed")
	}

	descriptor := domain.JobDescriptor{
		ExecutionID: exec.ID,
		PromptID:    prompt.ID,
		UserID:      userID,
		MediaKind:   prompt.Type,
		Prompt:      prompt.Content,
		Parameters:  merged,
	}
	if err := s.jobs.Enqueue(ctx, prompt.Type.QueueName(), descriptor); err != nil {
		msg := fmt.Sprintf("failed to enqueue generation job: %v", err)
		if _, ferr := s.executions.TransitionStatus(ctx, exec.ID,
			[]domain.ExecutionStatus{domain.ExecutionStatusPending},
			domain.ExecutionStatusFailed, msg, nil); ferr != nil {
			s.logger.Error().Err(ferr).Str("execution_id", exec.ID).Msg("execution: failed to mark enqueue failure")
		}
		return nil, fmt.Errorf("%w: %s", domain.ErrInternal, msg)
	}

	s.logger.Info().
		Str("execution_id", exec.ID).
		Str("prompt_id", prompt.ID).
		Str("queue", prompt.Type.QueueName()).
		Msg("execution: job dispatched")
	return exec, nil
}

// Get returns an execution owned by the user.
func (s *ExecutionService) Get(ctx context.Context, id, userID string) (*domain.Execution, error) {
	return s.executions.GetForUser(ctx, id, userID)
}

// List returns the user's executions, newest first, with the total count.
func (s *ExecutionService) List(ctx context.Context, userID string, filter domain.ExecutionFilter, page domain.Page) ([]domain.Execution, int, error) {
	return s.executions.List(ctx, userID, filter, page.Normalize())
}

// Cancel terminates a PENDING or PROCESSING execution. The status write is
// conditional, so a worker that has already finished wins and the caller
// gets ErrConflict. A still-queued job is removed best effort; a job already
// claimed by a worker is dropped by the worker when it observes the terminal
// status.
func (s *ExecutionService) Cancel(ctx context.Context, id, userID string) error {
	exec, err := s.executions.GetForUser(ctx, id, userID)
	if err != nil {
		return err
	}
	if exec.Status.Terminal() {
		return fmt.Errorf("%w: execution %s already %s", domain.ErrConflict, id, exec.Status)
	}

	ok, err := s.executions.TransitionStatus(ctx, id,
		[]domain.ExecutionStatus{domain.ExecutionStatusPending, domain.ExecutionStatusProcessing},
		domain.ExecutionStatusFailed, domain.CancelledByUserMessage, nil)
	if err != nil {
		return fmt.Errorf("%w: cancel execution: %v", domain.ErrInternal, err)
	}
	if !ok {
		return fmt.Errorf("%w: execution %s finished before cancellation", domain.ErrConflict, id)
	}

	prompt, perr := s.prompts.GetForUser(ctx, exec.PromptID, userID)
	if perr == nil {
		if removed, rerr := s.jobs.RemoveByExecutionID(ctx, prompt.Type.QueueName(), id); rerr != nil {
			s.logger.Warn().Err(rerr).Str("execution_id", id).Msg("execution: queued job removal failed")
		} else if removed {
			s.logger.Info().Str("execution_id", id).Msg("execution: queued job removed after cancel")
		}
	}

	if err := RecomputeSuccessRate(ctx, s.executions, s.prompts, exec.PromptID); err != nil {
		s.logger.Warn().Err(err).Str("prompt_id", exec.PromptID).Msg("execution: success rate recompute failed")
	}
	return nil
}

// RecomputeSuccessRate refreshes a prompt's success rate from its terminal
// executions: round(100 * completed / (completed + failed)). Prompts with no
// terminal executions keep a rate of zero.
func RecomputeSuccessRate(ctx context.Context, executions domain.ExecutionRepository, prompts domain.PromptRepository, promptID string) error {
	completed, failed, err := executions.CountTerminalByPrompt(ctx, promptID)
	if err != nil {
		return err
	}
	total := completed + failed
	rate := 0
	if total > 0 {
		rate = int(math.Round(100 * float64(completed) / float64(total)))
	}
	return prompts.UpdateSuccessRate(ctx, promptID, rate)
}
