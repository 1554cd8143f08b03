// Package config centralizes every knob the nine components read at
// startup, merged from a root config/config.go
// (godotenv.Load()+GetEnv) and internal/config/config.go (the Config
// struct + Load()) into the one place botcore's supervisor wires
// from. Settings fields follow a DB/Server/LLM/Workspace
// grouping, narrowed to what C1–C9 actually consume: no JWT/Gin/Solace
// knobs (no authenticated HTTP API is in scope), provider URLs kept for
// C6, a postgres DSN kept optional for the Learning Store's and audit
// logger's gorm mirrors.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

func init() {
	_ = godotenv.Load()
}

// Settings is the process-wide configuration loaded once at startup.
type Settings struct {
	// Store (C1)
	StoreDir string

	// Instance Lock Manager (C2)
	LockDir string
	LockTTL time.Duration

	// Event Bus (C3) — optional redis relay for multi-process fan-out
	RedisAddr string

	// Learning Store (C4)
	LearningDir         string
	LearningAlpha       float64
	LearningPostgresDSN string // empty disables the optional gorm index

	// Circuit Breaker (C5)
	BreakerFailureThreshold int
	BreakerCooldown         time.Duration

	// AI Router (C6)
	OllamaBaseURL string
	OllamaModel   string
	OpenAIAPIKey  string
	OpenAIBaseURL string
	OpenAIModel   string

	// Trade Engine (C7)
	VenueBaseURL    string
	MaxOpenPositions int

	// Chat/social control surface
	HTTPAddr string

	// Ambient
	LogLevel string
}

// Load reads every setting from the environment (after an optional
// .env file), applying sensible defaults where a real default
// exists and this module's own where the inherited default doesn't translate
// (no more "C:/ARES_Workspace", no more a hardcoded Postgres password).
func Load() (*Settings, error) {
	return &Settings{
		StoreDir: getEnv("BOTCORE_STORE_DIR", "./data/store"),

		LockDir: getEnv("BOTCORE_LOCK_DIR", "./data/locks"),
		LockTTL: getEnvDuration("BOTCORE_LOCK_TTL", 30*time.Second),

		RedisAddr: getEnv("REDIS_ADDR", ""),

		LearningDir:         getEnv("BOTCORE_LEARNING_DIR", "./data/learning"),
		LearningAlpha:       getEnvFloat("BOTCORE_LEARNING_ALPHA", 0.7),
		LearningPostgresDSN: getEnv("LEARNING_POSTGRES_DSN", ""),

		BreakerFailureThreshold: getEnvInt("BOTCORE_BREAKER_FAILURE_THRESHOLD", 5),
		BreakerCooldown:         getEnvDuration("BOTCORE_BREAKER_COOLDOWN", 30*time.Second),

		OllamaBaseURL: getEnv("OLLAMA_BASE_URL", "http://127.0.0.1:11434/api"),
		OllamaModel:   getEnv("OLLAMA_MODEL", "deepseek-r1:14b"),
		OpenAIAPIKey:  getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL: getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		OpenAIModel:   getEnv("OPENAI_MODEL", "gpt-4o-mini"),

		VenueBaseURL:     getEnv("VENUE_BASE_URL", ""),
		MaxOpenPositions: getEnvInt("MAX_OPEN_POSITIONS", 10),

		HTTPAddr: getEnv("BOTCORE_HTTP_ADDR", ":8080"),

		LogLevel: getEnv("LOG_LEVEL", "INFO"),
	}, nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}
