package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"

	"github.com/vnmchuo/llm-relay/internal/provider"
	"github.com/vnmchuo/llm-relay/internal/provider/openai"
)

const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
	BackendDynamoDB = "dynamodb"

	RetryExponential = "exponential"
	RetryConstant    = "constant"
)

type Config struct {
	// Server
	Port string // default: 8080

	// Providers
	Providers         string // label=model[@upstream], comma separated
	OpenRouterAPIKey  string
	OpenRouterBaseURL string
	GeminiAPIKey      string
	AnthropicAPIKey   string
	// ParamPrefix, when set, resolves the API keys from SSM instead of env.
	ParamPrefix string

	// Pipeline
	SystemPrompt         string
	MaxHistoryMessages   int
	MaxOutputTokens      int
	ProviderTimeout      time.Duration
	RetryMaxAttempts     int
	RetryBackoff         time.Duration
	RetryStrategy        string // "exponential" or "constant"
	StopOnFirstRateLimit bool
	ReferenceTimezone    *time.Location

	// History
	HistoryBackend string
	RedisAddr      string
	PostgresDSN    string
	SQLitePath     string
	DynamoDBTable  string
	HistoryTTL     time.Duration

	// Rate Limiting
	RateLimitPerMinute int

	// Telegram
	TelegramBotToken      string
	TelegramWebhookSecret string
	TelegramTriggerWord   string
	TelegramAPIBase       string

	// Observability
	OTELExporterType     string // "stdout", "otlp" or "none"
	OTELExporterEndpoint string // default: "localhost:4317"
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                  getEnv("PORT", "8080"),
		Providers:             getEnv("PROVIDERS", provider.DefaultRegistry),
		OpenRouterAPIKey:      os.Getenv("OPENROUTER_API_KEY"),
		OpenRouterBaseURL:     getEnv("OPENROUTER_BASE_URL", openai.DefaultBaseURL),
		GeminiAPIKey:          os.Getenv("GEMINI_API_KEY"),
		AnthropicAPIKey:       os.Getenv("ANTHROPIC_API_KEY"),
		ParamPrefix:           strings.TrimRight(os.Getenv("PARAM_PREFIX"), "/"),
		SystemPrompt:          os.Getenv("SYSTEM_PROMPT"),
		RetryStrategy:         strings.ToLower(getEnv("RETRY_STRATEGY", RetryExponential)),
		HistoryBackend:        strings.ToLower(getEnv("HISTORY_BACKEND", BackendMemory)),
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		PostgresDSN:           os.Getenv("POSTGRES_DSN"),
		SQLitePath:            getEnv("SQLITE_PATH", "data/history.db"),
		DynamoDBTable:         os.Getenv("DYNAMODB_TABLE"),
		TelegramBotToken:      os.Getenv("TELEGRAM_BOT_TOKEN"),
		TelegramWebhookSecret: os.Getenv("TELEGRAM_WEBHOOK_SECRET"),
		TelegramTriggerWord:   os.Getenv("TELEGRAM_TRIGGER_WORD"),
		TelegramAPIBase:       os.Getenv("TELEGRAM_API_BASE"),
		OTELExporterType:      getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint:  getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
	}

	var err error
	if cfg.MaxHistoryMessages, err = getInt("MAX_HISTORY_MESSAGES", 10); err != nil {
		return nil, err
	}
	if cfg.MaxOutputTokens, err = getInt("MAX_OUTPUT_TOKENS", 1024); err != nil {
		return nil, err
	}
	if cfg.RetryMaxAttempts, err = getInt("RETRY_MAX_ATTEMPTS", 2); err != nil {
		return nil, err
	}
	if cfg.RateLimitPerMinute, err = getInt("RATE_LIMIT_PER_MINUTE", 20); err != nil {
		return nil, err
	}
	if cfg.ProviderTimeout, err = getDuration("PROVIDER_TIMEOUT", 60*time.Second); err != nil {
		return nil, err
	}
	if cfg.RetryBackoff, err = getDuration("RETRY_BACKOFF", time.Second); err != nil {
		return nil, err
	}
	if cfg.HistoryTTL, err = getDuration("HISTORY_TTL", 0); err != nil {
		return nil, err
	}
	if cfg.StopOnFirstRateLimit, err = getBool("STOP_ON_FIRST_RATE_LIMIT", true); err != nil {
		return nil, err
	}

	tz := getEnv("REFERENCE_TIMEZONE", "Europe/Moscow")
	if cfg.ReferenceTimezone, err = time.LoadLocation(tz); err != nil {
		return nil, fmt.Errorf("invalid REFERENCE_TIMEZONE %q: %w", tz, err)
	}

	// Validation
	if cfg.ProviderTimeout <= 0 {
		return nil, fmt.Errorf("PROVIDER_TIMEOUT must be positive")
	}
	if cfg.RetryMaxAttempts < 1 {
		return nil, fmt.Errorf("RETRY_MAX_ATTEMPTS must be at least 1")
	}
	if cfg.RetryStrategy != RetryExponential && cfg.RetryStrategy != RetryConstant {
		return nil, fmt.Errorf("invalid RETRY_STRATEGY %q", cfg.RetryStrategy)
	}
	if cfg.MaxOutputTokens <= 0 {
		return nil, fmt.Errorf("MAX_OUTPUT_TOKENS must be positive")
	}
	if cfg.OpenRouterAPIKey == "" && cfg.ParamPrefix == "" {
		return nil, fmt.Errorf("OPENROUTER_API_KEY is required")
	}
	if err := cfg.validateBackend(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validateBackend() error {
	switch c.HistoryBackend {
	case BackendMemory:
	case BackendRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR is required for HISTORY_BACKEND=redis")
		}
	case BackendPostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("POSTGRES_DSN is required for HISTORY_BACKEND=postgres")
		}
	case BackendSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required for HISTORY_BACKEND=sqlite")
		}
	case BackendDynamoDB:
		if c.DynamoDBTable == "" {
			return fmt.Errorf("DYNAMODB_TABLE is required for HISTORY_BACKEND=dynamodb")
		}
	default:
		return fmt.Errorf("invalid HISTORY_BACKEND %q", c.HistoryBackend)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func getBool(key string, fallback bool) (bool, error) {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}
