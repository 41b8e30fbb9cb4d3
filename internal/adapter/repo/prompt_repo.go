package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shimimasa/game-asset-manager/internal/domain"
)

// PromptRepositoryPG implements domain.PromptRepository.
type PromptRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewPromptRepository creates a prompt repository backed by PostgreSQL.
func NewPromptRepository(pool *pgxpool.Pool) *PromptRepositoryPG {
	return &PromptRepositoryPG{pool: pool}
}

const promptColumns = `id, user_id, title, content, type, parameters, category, usage_count, success_rate, created_at, updated_at`

// Create inserts a new prompt.
func (r *PromptRepositoryPG) Create(ctx context.Context, prompt *domain.Prompt) error {
	params, err := json.Marshal(prompt.Parameters)
	if err != nil {
		return fmt.Errorf("encode parameters: %w", err)
	}
	query := `
INSERT INTO prompts (id, user_id, title, content, type, parameters, category)
VALUES ($1, $2, $3, $4, $5, $6, $7);
`
	_, err = r.pool.Exec(ctx, query,
		prompt.ID, prompt.UserID, prompt.Title, prompt.Content, prompt.Type, params, prompt.Category)
	return err
}

// GetForUser fetches a prompt owned by the given user.
func (r *PromptRepositoryPG) GetForUser(ctx context.Context, id, userID string) (*domain.Prompt, error) {
	query := `SELECT ` + promptColumns + ` FROM prompts WHERE id = $1 AND user_id = $2;`
	return scanPrompt(r.pool.QueryRow(ctx, query, id, userID))
}

// List returns the user's prompts with the total count for the filter.
func (r *PromptRepositoryPG) List(ctx context.Context, userID string, filter domain.PromptFilter, page domain.Page) ([]domain.Prompt, int, error) {
	page = page.Normalize()
	where := `
WHERE user_id = $1
  AND ($2 = '' OR type = $2)
  AND ($3 = '' OR title ILIKE '%' || $3 || '%' OR content ILIKE '%' || $3 || '%')`

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM prompts `+where+`;`,
		userID, string(filter.Type), filter.Search).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + promptColumns + ` FROM prompts ` + where +
		` ORDER BY ` + promptOrderColumn(filter) + ` LIMIT $4 OFFSET $5;`
	rows, err := r.pool.Query(ctx, query, userID, string(filter.Type), filter.Search, page.Limit, page.Offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var prompts []domain.Prompt
	for rows.Next() {
		p, err := scanPrompt(rows)
		if err != nil {
			return nil, 0, err
		}
		prompts = append(prompts, *p)
	}
	return prompts, total, rows.Err()
}

// Update rewrites the prompt's mutable fields.
func (r *PromptRepositoryPG) Update(ctx context.Context, prompt *domain.Prompt) error {
	params, err := json.Marshal(prompt.Parameters)
	if err != nil {
		return fmt.Errorf("encode parameters: %w", err)
	}
	query := `
UPDATE prompts
SET title = $3, content = $4, parameters = $5, category = $6, updated_at = NOW()
WHERE id = $1 AND user_id = $2;
`
	tag, err := r.pool.Exec(ctx, query, prompt.ID, prompt.UserID, prompt.Title, prompt.Content, params, prompt.Category)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Delete removes a prompt owned by the user.
func (r *PromptRepositoryPG) Delete(ctx context.Context, id, userID string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM prompts WHERE id = $1 AND user_id = $2;`, id, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// IncrementUsage bumps the prompt's usage counter.
func (r *PromptRepositoryPG) IncrementUsage(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, `UPDATE prompts SET usage_count = usage_count + 1 WHERE id = $1;`, id)
	return err
}

// UpdateSuccessRate persists the recomputed aggregate.
func (r *PromptRepositoryPG) UpdateSuccessRate(ctx context.Context, id string, rate int) error {
	_, err := r.pool.Exec(ctx, `UPDATE prompts SET success_rate = $2 WHERE id = $1;`, id, rate)
	return err
}

// promptOrderColumn whitelists sortable columns; anything else falls back to
// creation time.
func promptOrderColumn(filter domain.PromptFilter) string {
	col := "created_at"
	switch filter.OrderBy {
	case "updated_at", "usage_count", "title":
		col = filter.OrderBy
	}
	if filter.Desc {
		return col + " DESC"
	}
	return col + " ASC"
}

func scanPrompt(row rowScanner) (*domain.Prompt, error) {
	var (
		p      domain.Prompt
		params []byte
	)
	if err := row.Scan(
		&p.ID,
		&p.UserID,
		&p.Title,
		&p.Content,
		&p.Type,
		&params,
		&p.Category,
		&p.UsageCount,
		&p.SuccessRate,
		&p.CreatedAt,
		&p.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p.Parameters); err != nil {
			return nil, fmt.Errorf("decode parameters: %w", err)
		}
	}
	return &p, nil
}
