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

// AssetRepositoryPG implements domain.AssetRepository.
type AssetRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewAssetRepository creates an asset repository backed by PostgreSQL.
func NewAssetRepository(pool *pgxpool.Pool) *AssetRepositoryPG {
	return &AssetRepositoryPG{pool: pool}
}

const assetColumns = `id, user_id, prompt_id, filename, file_type, mime_type, file_size, storage_key, storage_url, metadata, tags, category, created_at, updated_at`

// Create inserts a new asset record.
func (r *AssetRepositoryPG) Create(ctx context.Context, asset *domain.Asset) error {
	metadata, err := json.Marshal(asset.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	query := `
INSERT INTO assets (id, user_id, prompt_id, filename, file_type, mime_type, file_size, storage_key, storage_url, metadata, tags, category)
VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $9, $10, $11, $12);
`
	_, err = r.pool.Exec(ctx, query,
		asset.ID,
		asset.UserID,
		asset.PromptID,
		asset.Filename,
		asset.FileType,
		asset.MimeType,
		asset.FileSize,
		asset.StorageKey,
		asset.StorageURL,
		metadata,
		asset.Tags,
		asset.Category,
	)
	return err
}

// GetForUser fetches an asset owned by the given user.
func (r *AssetRepositoryPG) GetForUser(ctx context.Context, id, userID string) (*domain.Asset, error) {
	query := `SELECT ` + assetColumns + ` FROM assets WHERE id = $1 AND user_id = $2;`
	return scanAsset(r.pool.QueryRow(ctx, query, id, userID))
}

// List returns the user's assets, newest first, with the total count.
func (r *AssetRepositoryPG) List(ctx context.Context, userID string, filter domain.AssetFilter, page domain.Page) ([]domain.Asset, int, error) {
	page = page.Normalize()
	where := `
WHERE user_id = $1
  AND ($2 = '' OR file_type = $2)
  AND ($3 = '' OR $3 = ANY(tags))
  AND ($4 = '' OR prompt_id = $4)`

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM assets `+where+`;`,
		userID, string(filter.FileType), filter.Tag, filter.PromptID).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + assetColumns + ` FROM assets ` + where + `
ORDER BY created_at DESC
LIMIT $5 OFFSET $6;`
	rows, err := r.pool.Query(ctx, query, userID, string(filter.FileType), filter.Tag, filter.PromptID, page.Limit, page.Offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var assets []domain.Asset
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, 0, err
		}
		assets = append(assets, *a)
	}
	return assets, total, rows.Err()
}

// Delete removes an asset owned by the user.
func (r *AssetRepositoryPG) Delete(ctx context.Context, id, userID string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM assets WHERE id = $1 AND user_id = $2;`, id, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func scanAsset(row rowScanner) (*domain.Asset, error) {
	var (
		a        domain.Asset
		promptID *string
		metadata []byte
	)
	if err := row.Scan(
		&a.ID,
		&a.UserID,
		&promptID,
		&a.Filename,
		&a.FileType,
		&a.MimeType,
		&a.FileSize,
		&a.StorageKey,
		&a.StorageURL,
		&metadata,
		&a.Tags,
		&a.Category,
		&a.CreatedAt,
		&a.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	if promptID != nil {
		a.PromptID = *promptID
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &a.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return &a, nil
}
