package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	ProviderGemini    = "gemini"
	ProviderGeminiSDK = "gemini-sdk"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"

	StoreMemory   = "memory"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
)

type Config struct {
	// Server
	Port string
	Env  string

	// Logging
	LogLevel  string
	LogFormat string

	// Upstream
	Provider              string
	GeminiAPIKey          string
	OpenAIAPIKey          string
	AnthropicAPIKey       string
	UpstreamModel         string
	UpstreamBaseURL       string
	UpstreamTemperature   float64
	UpstreamTimeout       time.Duration
	UpstreamQueueTimeout  time.Duration
	UpstreamConcurrency   int
	SystemPrompt          string
	RecordFallbackReplies bool

	// Transcript storage
	TranscriptStore string
	RedisURL        string
	DatabaseURL     string
	MigrationsDir   string
	SessionIdleTTL  time.Duration
}

func Load() *Config {
	// Load .env file if it exists
	godotenv.Load()

	return &Config{
		Port:                  getEnvOrDefault("PORT", "8080"),
		Env:                   getEnvOrDefault("ENV", "development"),
		LogLevel:              getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:             getEnvOrDefault("LOG_FORMAT", "console"),
		Provider:              strings.ToLower(getEnvOrDefault("UPSTREAM_PROVIDER", ProviderGemini)),
		GeminiAPIKey:          os.Getenv("GEMINI_API_KEY"),
		OpenAIAPIKey:          os.Getenv("OPENAI_API_KEY"),
		AnthropicAPIKey:       os.Getenv("ANTHROPIC_API_KEY"),
		UpstreamModel:         os.Getenv("UPSTREAM_MODEL"),
		UpstreamBaseURL:       os.Getenv("UPSTREAM_BASE_URL"),
		UpstreamTemperature:   getEnvAsFloatOrDefault("UPSTREAM_TEMPERATURE", 0.7),
		UpstreamTimeout:       getEnvAsDurationOrDefault("UPSTREAM_TIMEOUT", 60*time.Second),
		UpstreamQueueTimeout:  getEnvAsDurationOrDefault("UPSTREAM_QUEUE_TIMEOUT", 30*time.Second),
		UpstreamConcurrency:   getEnvAsIntOrDefault("UPSTREAM_CONCURRENT_REQUESTS", 5),
		SystemPrompt:          os.Getenv("SYSTEM_PROMPT"),
		RecordFallbackReplies: getEnvAsBoolOrDefault("RECORD_FALLBACK_REPLIES", true),
		TranscriptStore:       strings.ToLower(getEnvOrDefault("TRANSCRIPT_STORE", StoreMemory)),
		RedisURL:              os.Getenv("REDIS_URL"),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		MigrationsDir:         getEnvOrDefault("MIGRATIONS_DIR", "migrations"),
		SessionIdleTTL:        getEnvAsDurationOrDefault("SESSION_IDLE_TTL", 0),
	}
}

// APIKey returns the key of the selected provider.
func (c *Config) APIKey() string {
	switch c.Provider {
	case ProviderOpenAI:
		return c.OpenAIAPIKey
	case ProviderAnthropic:
		return c.AnthropicAPIKey
	default:
		return c.GeminiAPIKey
	}
}

// Validate reports the first missing or inconsistent setting.
func (c *Config) Validate() error {
	switch c.Provider {
	case ProviderGemini, ProviderGeminiSDK:
		if c.GeminiAPIKey == "" {
			return missing("GEMINI_API_KEY")
		}
	case ProviderOpenAI:
		if c.OpenAIAPIKey == "" {
			return missing("OPENAI_API_KEY")
		}
	case ProviderAnthropic:
		if c.AnthropicAPIKey == "" {
			return missing("ANTHROPIC_API_KEY")
		}
	default:
		return fmt.Errorf("unsupported UPSTREAM_PROVIDER %q", c.Provider)
	}

	switch c.TranscriptStore {
	case StoreMemory:
	case StoreRedis:
		if c.RedisURL == "" {
			return missing("REDIS_URL")
		}
	case StorePostgres:
		if c.DatabaseURL == "" {
			return missing("DATABASE_URL")
		}
	default:
		return fmt.Errorf("unsupported TRANSCRIPT_STORE %q", c.TranscriptStore)
	}

	if c.UpstreamConcurrency < 1 {
		return fmt.Errorf("UPSTREAM_CONCURRENT_REQUESTS must be at least 1")
	}
	if c.UpstreamTimeout <= 0 || c.UpstreamQueueTimeout <= 0 {
		return fmt.Errorf("UPSTREAM_TIMEOUT and UPSTREAM_QUEUE_TIMEOUT must be positive")
	}
	return nil
}

// responseWriteMargin covers the store round trips and response encoding
// around the upstream call.
const responseWriteMargin = 15 * time.Second

// WriteTimeout is the longest a /chat response may take: the queue wait, one
// upstream attempt and the margin.
func (c *Config) WriteTimeout() time.Duration {
	return c.UpstreamQueueTimeout + c.UpstreamTimeout + responseWriteMargin
}

func missing(key string) error {
	return fmt.Errorf("required environment variable %s is not set", key)
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

func getEnvAsBoolOrDefault(key string, defaultVal bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvAsDurationOrDefault(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return defaultVal
	}
	return d
}
