package handlers

import (
	"time"

	"github.com/shimimasa/game-asset-manager/internal/domain"
)

type promptView struct {
	ID          string         `json:"id"`
	Title       string         `json:"title"`
	Content     string         `json:"content"`
	Type        string         `json:"type"`
	Parameters  map[string]any `json:"parameters"`
	Category    string         `json:"category,omitempty"`
	UsageCount  int            `json:"usage_count"`
	SuccessRate int            `json:"success_rate"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

func viewPrompt(p *domain.Prompt) promptView {
	return promptView{
		ID:          p.ID,
		Title:       p.Title,
		Content:     p.Content,
		Type:        string(p.Type),
		Parameters:  p.Parameters,
		Category:    p.Category,
		UsageCount:  p.UsageCount,
		SuccessRate: p.SuccessRate,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}
}

func viewPrompts(prompts []domain.Prompt) []promptView {
	out := make([]promptView, 0, len(prompts))
	for i := range prompts {
		out = append(out, viewPrompt(&prompts[i]))
	}
	return out
}

type executionView struct {
	ID           string                  `json:"id"`
	PromptID     string                  `json:"prompt_id"`
	Status       string                  `json:"status"`
	Parameters   map[string]any          `json:"parameters"`
	Result       *domain.ExecutionResult `json:"result,omitempty"`
	ErrorMessage string                  `json:"error_message,omitempty"`
	AssetID      string                  `json:"asset_id,omitempty"`
	CreatedAt    time.Time               `json:"created_at"`
	CompletedAt  *time.Time              `json:"completed_at,omitempty"`
}

func viewExecution(e *domain.Execution) executionView {
	return executionView{
		ID:           e.ID,
		PromptID:     e.PromptID,
		Status:       string(e.Status),
		Parameters:   e.Parameters,
		Result:       e.Result,
		ErrorMessage: e.ErrorMessage,
		AssetID:      e.AssetID,
		CreatedAt:    e.CreatedAt,
		CompletedAt:  e.CompletedAt,
	}
}

func viewExecutions(execs []domain.Execution) []executionView {
	out := make([]executionView, 0, len(execs))
	for i := range execs {
		out = append(out, viewExecution(&execs[i]))
	}
	return out
}

type assetView struct {
	ID        string         `json:"id"`
	PromptID  string         `json:"prompt_id,omitempty"`
	Filename  string         `json:"filename"`
	FileType  string         `json:"file_type"`
	MimeType  string         `json:"mime_type"`
	FileSize  int64          `json:"file_size"`
	URL       string         `json:"url"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Tags      []string       `json:"tags,omitempty"`
	Category  string         `json:"category,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

func viewAsset(a *domain.Asset) assetView {
	return assetView{
		ID:        a.ID,
		PromptID:  a.PromptID,
		Filename:  a.Filename,
		FileType:  string(a.FileType),
		MimeType:  a.MimeType,
		FileSize:  a.FileSize,
		URL:       a.StorageURL,
		Metadata:  a.Metadata,
		Tags:      a.Tags,
		Category:  a.Category,
		CreatedAt: a.CreatedAt,
	}
}

func viewAssets(assets []domain.Asset) []assetView {
	out := make([]assetView, 0, len(assets))
	for i := range assets {
		out = append(out, viewAsset(&assets[i]))
	}
	return out
}
