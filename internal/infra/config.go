package infra

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv         string
	Port           string
	MetricsPort    string
	DatabaseURL    string
	DBMaxConns     int
	DBMinConns     int
	JWTSecret      string
	StoragePath    string
	StorageBaseURL string

	OpenAIAPIKey  string
	OpenAIModel   string
	OpenAIBaseURL string
	SunoAPIKey    string
	SunoBaseURL   string

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	ProviderTimeout  time.Duration

	ImageWorkers       int
	AudioWorkers       int
	WorkerPollInterval time.Duration
	JobStuckAfter      time.Duration
	JobMaxAttempts     int

	// Requests per window for each limiter scope. Image and audio budgets
	// are per minute, the user generation and upload budgets are per hour.
	ImageProviderLimit  int
	AudioProviderLimit  int
	UserGenerationLimit int
	UserUploadLimit     int
	RateLimitPerMin     int
	RateLimitFailOpen   bool
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		AppEnv:         getEnv("APP_ENV", "development"),
		Port:           getEnv("PORT", "8080"),
		MetricsPort:    getEnv("METRICS_PORT", "9090"),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		DBMaxConns:     getEnvInt("DB_MAX_CONNS", 10),
		DBMinConns:     getEnvInt("DB_MIN_CONNS", 1),
		JWTSecret:      os.Getenv("JWT_SECRET"),
		StoragePath:    getEnv("STORAGE_PATH", "./storage"),
		StorageBaseURL: os.Getenv("STORAGE_BASE_URL"),

		OpenAIAPIKey:  os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:   getEnv("OPENAI_MODEL", "dall-e-3"),
		OpenAIBaseURL: getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		SunoAPIKey:    os.Getenv("SUNO_API_KEY"),
		SunoBaseURL:   getEnv("SUNO_BASE_URL", "https://api.suno.ai/v1"),

		HTTPReadTimeout:  time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout: time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 30)),
		HTTPIdleTimeout:  time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
		ProviderTimeout:  time.Second * time.Duration(getEnvInt("PROVIDER_TIMEOUT_SECONDS", 120)),

		ImageWorkers:       getEnvInt("IMAGE_WORKERS", 2),
		AudioWorkers:       getEnvInt("AUDIO_WORKERS", 1),
		WorkerPollInterval: time.Second * time.Duration(getEnvInt("WORKER_POLL_SECONDS", 2)),
		JobStuckAfter:      time.Minute * time.Duration(getEnvInt("JOB_STUCK_AFTER_MINUTES", 5)),
		JobMaxAttempts:     getEnvInt("JOB_MAX_ATTEMPTS", 3),

		ImageProviderLimit:  getEnvInt("IMAGE_PROVIDER_LIMIT_PER_MINUTE", 50),
		AudioProviderLimit:  getEnvInt("AUDIO_PROVIDER_LIMIT_PER_MINUTE", 10),
		UserGenerationLimit: getEnvInt("USER_GENERATION_LIMIT_PER_HOUR", 10),
		UserUploadLimit:     getEnvInt("USER_UPLOAD_LIMIT_PER_HOUR", 50),
		RateLimitPerMin:     getEnvInt("RATE_LIMIT_PER_MINUTE", 60),
		RateLimitFailOpen:   getEnvBool("RATE_LIMIT_FAIL_OPEN", true),
	}

	if cfg.StorageBaseURL == "" {
		cfg.StorageBaseURL = fmt.Sprintf("http://localhost:%s/files", cfg.Port)
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
