package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Port string
	Env  string

	// Storage: "postgres" or "memory"
	StoreType   string
	DatabaseURL string
	RedisURL    string

	// JWT
	JWTSecret string

	// Text generation: "gemini" or "openai"
	TextProvider         string
	GeminiAPIKey         string
	GeminiModel          string
	GeminiConcurrentReqs int

	// OpenAI (moderation, images, optional text)
	OpenAIAPIKey     string
	OpenAITextModel  string
	OpenAIImageModel string
	OpenAIImageSize  string

	// Quota
	QuotaLimits   map[string]int
	QuotaTimezone *time.Location

	// Cost accounting
	CostTextPer1KTokens float64
	CostPerImage        float64

	// Pipeline
	WorkerCount           int
	SceneImageConcurrency int
	StaleSessionAfter     time.Duration
	ReaperSchedule        string
	IdempotencyTTL        time.Duration

	// Frontend
	FrontendURL     string
	DownloadBaseURL string
}

func Load() *Config {
	// Load .env file if it exists
	godotenv.Load()

	storeType := getEnvOrDefault("STORE_TYPE", "postgres")
	textProvider := getEnvOrDefault("TEXT_PROVIDER", "gemini")

	cfg := &Config{
		Port:                 getEnvOrDefault("PORT", "8080"),
		Env:                  getEnvOrDefault("ENV", "development"),
		StoreType:            storeType,
		JWTSecret:            mustGetEnv("JWT_SECRET"),
		TextProvider:         textProvider,
		GeminiModel:          getEnvOrDefault("GEMINI_MODEL", "gemini-2.0-flash"),
		GeminiConcurrentReqs: getEnvAsIntOrDefault("GEMINI_CONCURRENT_REQUESTS", 5),
		OpenAIAPIKey:         mustGetEnv("OPENAI_API_KEY"),
		OpenAITextModel:      getEnvOrDefault("OPENAI_TEXT_MODEL", "gpt-4o-mini"),
		OpenAIImageModel:     getEnvOrDefault("OPENAI_IMAGE_MODEL", "dall-e-3"),
		OpenAIImageSize:      getEnvOrDefault("OPENAI_IMAGE_SIZE", "1024x1024"),
		QuotaLimits: map[string]int{
			"free":     getEnvAsIntOrDefault("QUOTA_FREE", 5),
			"educator": getEnvAsIntOrDefault("QUOTA_EDUCATOR", 50),
			"premium":  getEnvAsIntOrDefault("QUOTA_PREMIUM", 200),
		},
		QuotaTimezone:         getEnvAsLocationOrDefault("QUOTA_TIMEZONE", time.UTC),
		CostTextPer1KTokens:   getEnvAsFloatOrDefault("COST_TEXT_PER_1K_TOKENS", 0.002),
		CostPerImage:          getEnvAsFloatOrDefault("COST_PER_IMAGE", 0.04),
		WorkerCount:           getEnvAsIntOrDefault("WORKER_COUNT", 5),
		SceneImageConcurrency: getEnvAsIntOrDefault("SCENE_IMAGE_CONCURRENCY", 1),
		StaleSessionAfter:     getEnvAsDurationOrDefault("STALE_SESSION_AFTER", 15*time.Minute),
		ReaperSchedule:        getEnvOrDefault("REAPER_SCHEDULE", "@every 1m"),
		IdempotencyTTL:        getEnvAsDurationOrDefault("IDEMPOTENCY_TTL", 10*time.Minute),
		FrontendURL:           getEnvOrDefault("FRONTEND_URL", "http://localhost:3000"),
	}
	cfg.DownloadBaseURL = getEnvOrDefault("DOWNLOAD_BASE_URL", cfg.FrontendURL)

	if storeType == "postgres" {
		cfg.DatabaseURL = mustGetEnv("DATABASE_URL")
		cfg.RedisURL = mustGetEnv("REDIS_URL")
	}
	if textProvider == "gemini" {
		cfg.GeminiAPIKey = mustGetEnv("GEMINI_API_KEY")
	}

	return cfg
}

func mustGetEnv(key string) string {
	val := os.Getenv(key)
	if val == "" {
		panic(fmt.Sprintf("required environment variable %s is not set", key))
	}
	return val
}

func getEnvOrDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

func getEnvAsIntOrDefault(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}

func getEnvAsFloatOrDefault(key string, defaultVal float64) float64 {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func getEnvAsDurationOrDefault(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(val)
	if err != nil || d <= 0 {
		return defaultVal
	}
	return d
}

func getEnvAsLocationOrDefault(key string, defaultVal *time.Location) *time.Location {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	loc, err := time.LoadLocation(val)
	if err != nil {
		return defaultVal
	}
	return loc
}
