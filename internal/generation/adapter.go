// Package generation adapts external provider calls into stored assets.
package generation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/shimimasa/game-asset-manager/internal/domain"
	"github.com/shimimasa/game-asset-manager/internal/infra"
	"github.com/shimimasa/game-asset-manager/internal/metrics"
	"github.com/shimimasa/game-asset-manager/internal/providers/audio"
	"github.com/shimimasa/game-asset-manager/internal/providers/image"
	"github.com/shimimasa/game-asset-manager/internal/storage"
)

// Adapter turns a job descriptor into a durable asset: provider call,
// artifact upload, asset row. Provider failures come back classified as
// transient or permanent for the worker's retry decision.
type Adapter interface {
	Generate(ctx context.Context, job domain.JobDescriptor) (*domain.Asset, error)
}

// Service is the provider-backed Adapter implementation.
type Service struct {
	images image.Generator
	audio  audio.Generator
	store  *storage.FileStore
	assets domain.AssetRepository
	logger infra.Logger
}

// NewService wires the adapter from its collaborators.
func NewService(images image.Generator, audioGen audio.Generator, store *storage.FileStore, assets domain.AssetRepository, logger infra.Logger) *Service {
	return &Service{images: images, audio: audioGen, store: store, assets: assets, logger: logger}
}

// Generate runs the provider for the job's media kind, stores the artifact
// and creates the asset record linked to the job's prompt and owner.
func (s *Service) Generate(ctx context.Context, job domain.JobDescriptor) (*domain.Asset, error) {
	start := time.Now()
	artifact, providerTag, err := s.invoke(ctx, job)
	metrics.GenerationDuration.WithLabelValues(job.MediaKind.QueueName()).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}

	ext := ".png"
	fileType := domain.AssetTypeImage
	if job.MediaKind == domain.MediaKindAudio {
		ext = ".mp3"
		fileType = domain.AssetTypeAudio
	}

	assetID := uuid.NewString()
	key := fmt.Sprintf("generated/%s/%s/%s%s", job.MediaKind.QueueName(), job.ExecutionID, assetID, ext)
	storedKey, err := s.store.Write(ctx, key, artifact.Data)
	if err != nil {
		return nil, fmt.Errorf("store artifact: %w", err)
	}

	metadata := map[string]any{}
	for k, v := range artifact.Metadata {
		metadata[k] = v
	}
	if artifact.Width > 0 {
		metadata["width"] = artifact.Width
		metadata["height"] = artifact.Height
	}
	if artifact.Duration > 0 {
		metadata["duration"] = artifact.Duration
	}

	asset := &domain.Asset{
		ID:         assetID,
		UserID:     job.UserID,
		PromptID:   job.PromptID,
		Filename:   fmt.Sprintf("generated_%d%s", time.Now().Unix(), ext),
		FileType:   fileType,
		MimeType:   artifact.MimeType,
		FileSize:   int64(len(artifact.Data)),
		StorageKey: storedKey,
		StorageURL: s.store.URL(storedKey),
		Metadata:   metadata,
		Tags:       []string{"ai-generated", providerTag},
		Category:   "generated",
	}
	if err := s.assets.Create(ctx, asset); err != nil {
		// The artifact bytes are already durable; an orphaned object is
		// preferable to a dangling asset row, so remove it.
		if cleanupErr := s.store.Delete(ctx, storedKey); cleanupErr != nil {
			s.logger.Warn().Err(cleanupErr).Str("key", storedKey).Msg("generation: orphan artifact cleanup failed")
		}
		return nil, fmt.Errorf("create asset record: %w", err)
	}

	s.logger.Info().
		Str("execution_id", job.ExecutionID).
		Str("asset_id", asset.ID).
		Str("queue", job.MediaKind.QueueName()).
		Int64("bytes", asset.FileSize).
		Msg("generation: asset created")
	return asset, nil
}

func (s *Service) invoke(ctx context.Context, job domain.JobDescriptor) (*domain.GeneratedArtifact, string, error) {
	switch job.MediaKind {
	case domain.MediaKindImage:
		params := domain.ImageParamsFromMap(job.Parameters)
		artifact, err := s.images.Generate(ctx, image.GenerateRequest{
			Prompt:    job.Prompt,
			Size:      params.Size,
			Quality:   params.Quality,
			Style:     params.Style,
			RequestID: job.ExecutionID,
		})
		return artifact, "dall-e-3", err
	case domain.MediaKindAudio:
		params := domain.AudioParamsFromMap(job.Parameters)
		artifact, err := s.audio.Generate(ctx, audio.GenerateRequest{
			Prompt:      job.Prompt,
			Duration:    params.Duration,
			Genre:       params.Genre,
			Mood:        params.Mood,
			Instruments: params.Instruments,
			RequestID:   job.ExecutionID,
		})
		return artifact, "suno", err
	default:
		return nil, "", domain.NewPermanentProviderError("generation", fmt.Sprintf("unsupported media kind %q", job.MediaKind))
	}
}

var _ Adapter = (*Service)(nil)
