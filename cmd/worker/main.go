package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/shimimasa/game-asset-manager/internal/adapter/repo"
	"github.com/shimimasa/game-asset-manager/internal/domain"
	"github.com/shimimasa/game-asset-manager/internal/generation"
	"github.com/shimimasa/game-asset-manager/internal/infra"
	"github.com/shimimasa/game-asset-manager/internal/metrics"
	audioprovider "github.com/shimimasa/game-asset-manager/internal/providers/audio"
	imageprovider "github.com/shimimasa/game-asset-manager/internal/providers/image"
	"github.com/shimimasa/game-asset-manager/internal/queue"
	"github.com/shimimasa/game-asset-manager/internal/ratelimit"
	"github.com/shimimasa/game-asset-manager/internal/storage"
	"github.com/shimimasa/game-asset-manager/internal/worker"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv, "worker")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: db connection failed")
	}
	defer pool.Close()

	storagePath := cfg.StoragePath
	if !filepath.IsAbs(storagePath) {
		if abs, err := filepath.Abs(storagePath); err == nil {
			storagePath = abs
		}
	}
	fileStore, err := storage.NewFileStore(storagePath, cfg.StorageBaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: failed to configure storage")
	}

	promptRepo := repo.NewPromptRepository(pool)
	executionRepo := repo.NewExecutionRepository(pool)
	assetRepo := repo.NewAssetRepository(pool)

	jobs := queue.New(pool, queue.Options{
		Retry: queue.RetryPolicy{
			MaxAttempts: cfg.JobMaxAttempts,
			BaseDelay:   2 * time.Second,
			MaxDelay:    time.Minute,
		},
	}, logger)

	limits := ratelimit.NewRegistry(cfg.RateLimitFailOpen)
	limits.Register(worker.ImageProviderLimiter, ratelimit.Config{
		Points: cfg.ImageProviderLimit,
		Window: time.Minute,
	})
	limits.Register(worker.AudioProviderLimiter, ratelimit.Config{
		Points: cfg.AudioProviderLimit,
		Window: time.Minute,
	})

	httpClient := &http.Client{Timeout: cfg.ProviderTimeout}
	imageGen := imageprovider.NewOpenAIGenerator(imageprovider.Options{
		APIKey:     cfg.OpenAIAPIKey,
		BaseURL:    cfg.OpenAIBaseURL,
		Model:      cfg.OpenAIModel,
		HTTPClient: httpClient,
		Logger:     &logger,
	})
	if strings.TrimSpace(cfg.OpenAIAPIKey) == "" {
		logger.Warn().Msg("worker: openai api key missing, using synthetic image generation")
	}
	audioGen := audioprovider.NewSunoGenerator(audioprovider.Options{
		APIKey:     cfg.SunoAPIKey,
		BaseURL:    cfg.SunoBaseURL,
		HTTPClient: httpClient,
		Logger:     &logger,
	})
	if strings.TrimSpace(cfg.SunoAPIKey) == "" {
		logger.Warn().Msg("worker: suno api key missing, using synthetic audio generation")
	}

	adapter := generation.NewService(imageGen, audioGen, fileStore, assetRepo, logger)
	handler := worker.NewHandler(executionRepo, promptRepo, adapter, limits, jobs, logger)

	imagePool := worker.NewPool(domain.MediaKindImage.QueueName(), cfg.ImageWorkers, cfg.WorkerPollInterval, jobs, handler, logger)
	audioPool := worker.NewPool(domain.MediaKindAudio.QueueName(), cfg.AudioWorkers, cfg.WorkerPollInterval, jobs, handler, logger)

	maintenance := cron.New()
	_, err = maintenance.AddFunc("@every 1m", func() {
		if _, err := jobs.ReleaseStuck(ctx, cfg.JobStuckAfter); err != nil {
			logger.Error().Err(err).Msg("worker: release stuck jobs failed")
		}
		if n, err := executionRepo.FailAbandoned(ctx, 2*cfg.JobStuckAfter); err != nil {
			logger.Error().Err(err).Msg("worker: abandoned execution sweep failed")
		} else if n > 0 {
			logger.Warn().Int("count", n).Msg("worker: failed abandoned executions")
		}
		for _, name := range []string{domain.MediaKindImage.QueueName(), domain.MediaKindAudio.QueueName()} {
			depth, err := jobs.Depth(ctx, name)
			if err != nil {
				continue
			}
			metrics.QueueDepth.WithLabelValues(name).Set(float64(depth))
		}
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: cron wiring failed")
	}
	_, err = maintenance.AddFunc("@every 10m", func() {
		if err := jobs.PruneTerminal(ctx); err != nil {
			logger.Error().Err(err).Msg("worker: prune terminal jobs failed")
		}
		limits.Sweep()
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: cron wiring failed")
	}
	maintenance.Start()
	defer maintenance.Stop()

	metricsServer := infra.NewMetricsServer(cfg, promhttp.Handler())
	go func() {
		logger.Info().Msgf("worker: metrics listening on :%s", cfg.MetricsPort)
		if err := metricsServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("worker: metrics server failed")
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return imagePool.Run(gctx) })
	g.Go(func() error { return audioPool.Run(gctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("worker: stopped with error")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsServer.Shutdown(shutdownCtx)
	logger.Info().Msg("worker: stopped")
}
