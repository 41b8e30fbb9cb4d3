package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/shimimasa/game-asset-manager/internal/adapter/repo"
	"github.com/shimimasa/game-asset-manager/internal/http/handlers"
	httpapi "github.com/shimimasa/game-asset-manager/internal/http/httpapi"
	"github.com/shimimasa/game-asset-manager/internal/infra"
	"github.com/shimimasa/game-asset-manager/internal/queue"
	"github.com/shimimasa/game-asset-manager/internal/ratelimit"
	"github.com/shimimasa/game-asset-manager/internal/service"
	"github.com/shimimasa/game-asset-manager/internal/storage"
	"github.com/shimimasa/game-asset-manager/internal/worker"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv, "api")

	ctx := context.Background()
	dbpool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect database")
	}
	defer dbpool.Close()

	storagePath := cfg.StoragePath
	if !filepath.IsAbs(storagePath) {
		if abs, err := filepath.Abs(storagePath); err == nil {
			storagePath = abs
		}
	}
	fileStore, err := storage.NewFileStore(storagePath, cfg.StorageBaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure storage")
	}

	promptRepo := repo.NewPromptRepository(dbpool)
	executionRepo := repo.NewExecutionRepository(dbpool)
	assetRepo := repo.NewAssetRepository(dbpool)

	jobs := queue.New(dbpool, queue.Options{
		Retry: queue.RetryPolicy{
			MaxAttempts: cfg.JobMaxAttempts,
			BaseDelay:   2 * time.Second,
			MaxDelay:    time.Minute,
		},
	}, logger)

	limits := ratelimit.NewRegistry(cfg.RateLimitFailOpen)
	limits.Register(service.UserGenerationLimiter, ratelimit.Config{
		Points: cfg.UserGenerationLimit,
		Window: time.Hour,
	})
	limits.Register(service.UserUploadLimiter, ratelimit.Config{
		Points:   cfg.UserUploadLimit,
		Window:   time.Hour,
		BlockFor: 10 * time.Minute,
	})
	limits.Register(worker.ImageProviderLimiter, ratelimit.Config{
		Points: cfg.ImageProviderLimit,
		Window: time.Minute,
	})
	limits.Register(worker.AudioProviderLimiter, ratelimit.Config{
		Points: cfg.AudioProviderLimit,
		Window: time.Minute,
	})

	promptSvc := service.NewPromptService(promptRepo, logger)
	executionSvc := service.NewExecutionService(executionRepo, promptRepo, jobs, limits, logger)
	assetSvc := service.NewAssetService(assetRepo, fileStore, limits, logger)

	app := handlers.NewApp(promptSvc, executionSvc, assetSvc, logger)
	app.Users = repo.NewUserRepository(dbpool)
	apiLimiter := ratelimit.New(ratelimit.Config{
		Points: cfg.RateLimitPerMin,
		Window: time.Minute,
	})
	router := httpapi.NewRouter(app, httpapi.Options{
		JWTSecret:      cfg.JWTSecret,
		APILimiter:     apiLimiter,
		AllowedOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		StaticDir:      fileStore.BasePath(),
		Logger:         logger,
	})

	server := infra.NewHTTPServer(cfg, router)

	go func() {
		logger.Info().Msgf("API listening on :%s", cfg.Port)
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPIdleTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}
	logger.Info().Msg("server stopped")
}
