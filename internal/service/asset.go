package service

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/shimimasa/game-asset-manager/internal/domain"
	"github.com/shimimasa/game-asset-manager/internal/infra"
	"github.com/shimimasa/game-asset-manager/internal/ratelimit"
	"github.com/shimimasa/game-asset-manager/internal/storage"
)

// UserUploadLimiter names the per-user manual upload budget in the registry.
const UserUploadLimiter = "per-user-upload"

// AssetService reads, uploads and deletes stored assets. Generated assets
// are created inside the generation adapter on successful jobs.
type AssetService struct {
	assets domain.AssetRepository
	store  *storage.FileStore
	limits *ratelimit.Registry
	logger infra.Logger
}

func NewAssetService(assets domain.AssetRepository, store *storage.FileStore, limits *ratelimit.Registry, logger infra.Logger) *AssetService {
	return &AssetService{assets: assets, store: store, limits: limits, logger: logger}
}

// UploadInput carries one manually uploaded file plus its metadata.
type UploadInput struct {
	Filename string
	MimeType string
	Data     []byte
	Tags     []string
	Category string
	PromptID string
}

// Upload stores a user-provided file and creates its asset record. Admission
// runs against the per-user upload budget before any bytes are written.
func (s *AssetService) Upload(ctx context.Context, userID string, in UploadInput) (*domain.Asset, error) {
	decision, err := s.limits.Allow(UserUploadLimiter, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: rate limiter unavailable", domain.ErrInternal)
	}
	if !decision.OK {
		return nil, &domain.RateLimitedError{Scope: UserUploadLimiter, RetryAfter: decision.RetryAfter}
	}

	if len(in.Data) == 0 {
		return nil, fmt.Errorf("%w: No file provided", domain.ErrInvalidParameters)
	}
	if len(in.Data) > domain.MaxUploadBytes {
		return nil, fmt.Errorf("%w: File too large (max 50MB)", domain.ErrInvalidParameters)
	}
	fileType, ok := domain.AssetTypeForMime(in.MimeType)
	if !ok {
		return nil, fmt.Errorf("%w: Invalid file type %q", domain.ErrInvalidParameters, in.MimeType)
	}

	assetID := uuid.NewString()
	key := fmt.Sprintf("uploads/%s/%s%s", userID, assetID, filepath.Ext(in.Filename))
	storedKey, err := s.store.Write(ctx, key, in.Data)
	if err != nil {
		return nil, fmt.Errorf("store upload: %w", err)
	}

	asset := &domain.Asset{
		ID:         assetID,
		UserID:     userID,
		PromptID:   in.PromptID,
		Filename:   in.Filename,
		FileType:   fileType,
		MimeType:   in.MimeType,
		FileSize:   int64(len(in.Data)),
		StorageKey: storedKey,
		StorageURL: s.store.URL(storedKey),
		Tags:       in.Tags,
		Category:   in.Category,
	}
	if err := s.assets.Create(ctx, asset); err != nil {
		if cleanupErr := s.store.Delete(ctx, storedKey); cleanupErr != nil {
			s.logger.Warn().Err(cleanupErr).Str("key", storedKey).Msg("asset: orphan upload cleanup failed")
		}
		return nil, fmt.Errorf("create asset record: %w", err)
	}

	s.logger.Info().
		Str("asset_id", asset.ID).
		Str("user_id", userID).
		Int64("bytes", asset.FileSize).
		Msg("asset: file uploaded")
	return asset, nil
}

func (s *AssetService) Get(ctx context.Context, id, userID string) (*domain.Asset, error) {
	return s.assets.GetForUser(ctx, id, userID)
}

func (s *AssetService) List(ctx context.Context, userID string, filter domain.AssetFilter, page domain.Page) ([]domain.Asset, int, error) {
	return s.assets.List(ctx, userID, filter, page.Normalize())
}

// Open returns the asset record plus its raw bytes for download.
func (s *AssetService) Open(ctx context.Context, id, userID string) (*domain.Asset, []byte, error) {
	asset, err := s.assets.GetForUser(ctx, id, userID)
	if err != nil {
		return nil, nil, err
	}
	data, err := s.store.Read(ctx, asset.StorageKey)
	if err != nil {
		return nil, nil, err
	}
	return asset, data, nil
}

// Delete removes the asset row first, then the stored object. A missing
// object is not an error; a failed object delete only logs, the row is gone.
func (s *AssetService) Delete(ctx context.Context, id, userID string) error {
	asset, err := s.assets.GetForUser(ctx, id, userID)
	if err != nil {
		return err
	}
	if err := s.assets.Delete(ctx, id, userID); err != nil {
		return err
	}
	if err := s.store.Delete(ctx, asset.StorageKey); err != nil {
		s.logger.Warn().Err(err).Str("asset_id", id).Str("key", asset.StorageKey).Msg("asset: stored object delete failed")
	}
	return nil
}
