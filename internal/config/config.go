package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	SerpAPIKeyEnv = "SERPAPI_API_KEY"

	StoreMemory   = "memory"
	StoreRedis    = "redis"
	StorePostgres = "postgres"

	LogFormatText = "text"
	LogFormatJSON = "json"
)

type Config struct {
	Port              string
	OllamaHost        string
	YFinanceBaseURL   string
	SerpAPIBaseURL    string
	SessionStore      string
	RedisURL          string
	PostgresURL       string
	SessionTTL        time.Duration
	SessionSecretsKey string
	LogLevel          string
	LogFormat         string
	HTTPTimeout       time.Duration
}

func Load() Config {
	postgresURL := getEnv("POSTGRES_URL", "")
	if postgresURL == "" {
		postgresURL = buildPostgresURL()
	}
	return Config{
		Port:              getEnv("TOOL_CHAT_PORT", "8501"),
		OllamaHost:        normalizeOllamaHost(getEnv("OLLAMA_HOST", "http://localhost:11434")),
		YFinanceBaseURL:   getEnv("YFINANCE_BASE_URL", "https://query1.finance.yahoo.com"),
		SerpAPIBaseURL:    getEnv("SERPAPI_BASE_URL", "https://serpapi.com"),
		SessionStore:      getEnv("SESSION_STORE", StoreMemory),
		RedisURL:          getEnv("REDIS_URL", "redis://localhost:6379/0"),
		PostgresURL:       postgresURL,
		SessionTTL:        time.Duration(getEnvInt("SESSION_TTL_MINUTES", 720)) * time.Minute,
		SessionSecretsKey: getEnv("SESSION_SECRETS_KEY", ""),
		LogLevel:          getEnv("LOG_LEVEL", "debug"),
		LogFormat:         getEnv("LOG_FORMAT", LogFormatText),
		HTTPTimeout:       time.Duration(getEnvInt("HTTP_TIMEOUT_SECONDS", 120)) * time.Second,
	}
}

// SerpAPIKey reads the search credential at call time so that the page gate and the
// search tool both observe the current process environment.
func SerpAPIKey() string {
	return os.Getenv(SerpAPIKeyEnv)
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.Atoi(value)
		if err == nil && parsed > 0 {
			return parsed
		}
	}
	return fallback
}

// OLLAMA_HOST is commonly set as a bare host:port.
func normalizeOllamaHost(value string) string {
	if strings.HasPrefix(value, "http://") || strings.HasPrefix(value, "https://") {
		return value
	}
	return "http://" + value
}

func buildPostgresURL() string {
	user := getEnv("POSTGRES_USER", "toolchat")
	password := getEnv("POSTGRES_PASSWORD", "toolchat")
	host := getEnv("POSTGRES_HOST", "localhost")
	port := getEnv("POSTGRES_PORT", "5432")
	database := getEnv("POSTGRES_DB", "toolchat")
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", user, password, host, port, database)
}
