package domain

import "context"

// Page bounds list queries.
type Page struct {
	Limit  int
	Offset int
}

// Normalize clamps paging values into a sane range.
func (p Page) Normalize() Page {
	if p.Limit <= 0 {
		p.Limit = 20
	}
	if p.Limit > 100 {
		p.Limit = 100
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// ExecutionFilter narrows execution listings.
type ExecutionFilter struct {
	PromptID string
	Status   ExecutionStatus
}

// PromptFilter narrows prompt listings.
type PromptFilter struct {
	Type    MediaKind
	Search  string
	OrderBy string
	Desc    bool
}

// AssetFilter narrows asset listings.
type AssetFilter struct {
	FileType AssetType
	Tag      string
	PromptID string
}

// PromptRepository defines persistence for prompts.
type PromptRepository interface {
	Create(ctx context.Context, prompt *Prompt) error
	GetForUser(ctx context.Context, id, userID string) (*Prompt, error)
	List(ctx context.Context, userID string, filter PromptFilter, page Page) ([]Prompt, int, error)
	Update(ctx context.Context, prompt *Prompt) error
	Delete(ctx context.Context, id, userID string) error
	IncrementUsage(ctx context.Context, id string) error
	UpdateSuccessRate(ctx context.Context, id string, rate int) error
}

// ExecutionRepository defines persistence for executions. TransitionStatus
// is the single mutation point for status: it writes only when the current
// status is one of the allowed source states, so a worker completion and a
// concurrent cancellation cannot overwrite a terminal record. Complete is
// the COMPLETED special case: it writes status, result and the asset
// reference in one statement, so a completed row always carries its asset.
type ExecutionRepository interface {
	Create(ctx context.Context, exec *Execution) error
	GetByID(ctx context.Context, id string) (*Execution, error)
	GetForUser(ctx context.Context, id, userID string) (*Execution, error)
	List(ctx context.Context, userID string, filter ExecutionFilter, page Page) ([]Execution, int, error)
	TransitionStatus(ctx context.Context, id string, from []ExecutionStatus, to ExecutionStatus, errMsg string, result *ExecutionResult) (bool, error)
	Complete(ctx context.Context, id string, result *ExecutionResult, assetID string) (bool, error)
	CountTerminalByPrompt(ctx context.Context, promptID string) (completed, failed int, err error)
}

// AssetRepository handles persistence for assets.
type AssetRepository interface {
	Create(ctx context.Context, asset *Asset) error
	GetForUser(ctx context.Context, id, userID string) (*Asset, error)
	List(ctx context.Context, userID string, filter AssetFilter, page Page) ([]Asset, int, error)
	Delete(ctx context.Context, id, userID string) error
}

// UserRepository provides read access to accounts.
type UserRepository interface {
	GetByID(ctx context.Context, id string) (*User, error)
}
