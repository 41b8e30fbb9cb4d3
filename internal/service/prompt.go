package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/shimimasa/game-asset-manager/internal/domain"
	"github.com/shimimasa/game-asset-manager/internal/infra"
)

// PromptService manages reusable generation prompts.
type PromptService struct {
	prompts domain.PromptRepository
	logger  infra.Logger
}

func NewPromptService(prompts domain.PromptRepository, logger infra.Logger) *PromptService {
	return &PromptService{prompts: prompts, logger: logger}
}

// CreatePromptInput carries the caller-provided fields for a new prompt.
type CreatePromptInput struct {
	Title      string
	Content    string
	Type       domain.MediaKind
	Parameters map[string]any
	Category   string
}

func (s *PromptService) Create(ctx context.Context, userID string, in CreatePromptInput) (*domain.Prompt, error) {
	if !in.Type.Valid() {
		return nil, fmt.Errorf("%w: unsupported prompt type %q", domain.ErrInvalidParameters, in.Type)
	}
	if err := domain.ValidatePrompt(in.Type, in.Content); err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.Title) == "" {
		return nil, fmt.Errorf("%w: Title is required", domain.ErrInvalidParameters)
	}

	now := time.Now().UTC()
	prompt := &domain.Prompt{
		ID:         uuid.NewString(),
		UserID:     userID,
		Title:      strings.TrimSpace(in.Title),
		Content:    in.Content,
		Type:       in.Type,
		Parameters: in.Parameters,
		Category:   in.Category,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.prompts.Create(ctx, prompt); err != nil {
		return nil, fmt.Errorf("%w: create prompt: %v", domain.ErrInternal, err)
	}
	return prompt, nil
}

func (s *PromptService) Get(ctx context.Context, id, userID string) (*domain.Prompt, error) {
	return s.prompts.GetForUser(ctx, id, userID)
}

func (s *PromptService) List(ctx context.Context, userID string, filter domain.PromptFilter, page domain.Page) ([]domain.Prompt, int, error) {
	return s.prompts.List(ctx, userID, filter, page.Normalize())
}

// UpdatePromptInput uses pointers so absent fields stay untouched.
type UpdatePromptInput struct {
	Title      *string
	Content    *string
	Parameters map[string]any
	Category   *string
}

func (s *PromptService) Update(ctx context.Context, id, userID string, in UpdatePromptInput) (*domain.Prompt, error) {
	prompt, err := s.prompts.GetForUser(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	if in.Title != nil {
		if strings.TrimSpace(*in.Title) == "" {
			return nil, fmt.Errorf("%w: Title is required", domain.ErrInvalidParameters)
		}
		prompt.Title = strings.TrimSpace(*in.Title)
	}
	if in.Content != nil {
		if err := domain.ValidatePrompt(prompt.Type, *in.Content); err != nil {
			return nil, err
		}
		prompt.Content = *in.Content
	}
	if in.Parameters != nil {
		prompt.Parameters = in.Parameters
	}
	if in.Category != nil {
		prompt.Category = *in.Category
	}
	prompt.UpdatedAt = time.Now().UTC()
	if err := s.prompts.Update(ctx, prompt); err != nil {
		return nil, err
	}
	return prompt, nil
}

func (s *PromptService) Delete(ctx context.Context, id, userID string) error {
	return s.prompts.Delete(ctx, id, userID)
}

// Clone copies a prompt under the same owner with a " (Copy)" title suffix.
// Usage and success counters start fresh on the copy.
func (s *PromptService) Clone(ctx context.Context, id, userID string) (*domain.Prompt, error) {
	src, err := s.prompts.GetForUser(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	copyParams := make(map[string]any, len(src.Parameters))
	for k, v := range src.Parameters {
		copyParams[k] = v
	}
	clone := &domain.Prompt{
		ID:         uuid.NewString(),
		UserID:     userID,
		Title:      src.Title + " (Copy)",
		Content:    src.Content,
		Type:       src.Type,
		Parameters: copyParams,
		Category:   src.Category,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.prompts.Create(ctx, clone); err != nil {
		return nil, fmt.Errorf("%w: clone prompt: %v", domain.ErrInternal, err)
	}
	s.logger.Info().Str("prompt_id", src.ID).Str("clone_id", clone.ID).Msg("prompt: cloned")
	return clone, nil
}
