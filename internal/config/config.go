package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"
)

// MemoryStorePath selects the in-memory store instead of a SQLite file.
const MemoryStorePath = "memory"

// Config centralizes runtime settings for the API and the enrichment worker.
type Config struct {
	Port string

	AuthToken          string
	CORSAllowedOrigins []string
	MaxBodyBytes       int64

	DatabaseURL string
	DBPath      string

	InboundRPS    float64
	InboundBurst  int
	OutboundRPS   float64
	OutboundBurst int

	BatchSize         int
	BatchFlushSeconds float64
	MaxRetries        int
	BackoffSeconds    float64
	MaxInputTokens    int

	EnrichmentAPIKey    string
	EnrichmentBaseURL   string
	EnrichmentModel     string
	EnrichmentTimeoutMS int

	RedisAddr          string
	RedisPassword      string
	RedisDB            int
	RedisOutcomeStream string

	ShutdownTimeoutSeconds int
}

func Load() Config {
	inboundRPS := getEnvFloat("INBOUND_RPS", 100)
	outboundRPS := getEnvFloat("OUTBOUND_RPS", 10)

	return Config{
		Port: getEnv("PORT", "8000"),

		AuthToken:          getEnv("API_AUTH_TOKEN", ""),
		CORSAllowedOrigins: getEnvList("CORS_ALLOWED_ORIGINS"),
		MaxBodyBytes:       int64(getEnvInt("MAX_BODY_BYTES", 1<<20)),

		DatabaseURL: getEnv("DATABASE_URL", ""),
		DBPath:      getEnv("DB_PATH", "data/conversations.db"),

		InboundRPS:    inboundRPS,
		InboundBurst:  getEnvInt("INBOUND_BURST", burstFor(inboundRPS)),
		OutboundRPS:   outboundRPS,
		OutboundBurst: getEnvInt("OUTBOUND_BURST", burstFor(outboundRPS)),

		BatchSize:         getEnvInt("BATCH_SIZE", 10),
		BatchFlushSeconds: getEnvFloat("BATCH_FLUSH_SECONDS", 0.75),
		MaxRetries:        getEnvInt("MAX_RETRIES", 3),
		BackoffSeconds:    getEnvFloat("BACKOFF_SECONDS", 1.5),
		MaxInputTokens:    getEnvInt("MAX_INPUT_TOKENS", 3000),

		EnrichmentAPIKey:    getEnv("ENRICHMENT_API_KEY", ""),
		EnrichmentBaseURL:   getEnv("ENRICHMENT_BASE_URL", "https://api.x.ai/v1"),
		EnrichmentModel:     getEnv("ENRICHMENT_MODEL", "grok-3"),
		EnrichmentTimeoutMS: getEnvInt("ENRICHMENT_TIMEOUT_MS", 30000),

		RedisAddr:          getEnv("REDIS_ADDR", ""),
		RedisPassword:      getEnv("REDIS_PASSWORD", ""),
		RedisDB:            getEnvInt("REDIS_DB", 0),
		RedisOutcomeStream: getEnv("REDIS_OUTCOME_STREAM", "conversation_outcomes"),

		ShutdownTimeoutSeconds: getEnvInt("SHUTDOWN_TIMEOUT_SECONDS", 15),
	}
}

// Validate rejects settings the pipeline cannot run with.
func (c Config) Validate() error {
	var problems []error
	if c.InboundRPS <= 0 || c.InboundBurst <= 0 {
		problems = append(problems, errors.New("INBOUND_RPS and INBOUND_BURST must be positive"))
	}
	if c.OutboundRPS <= 0 || c.OutboundBurst <= 0 {
		problems = append(problems, errors.New("OUTBOUND_RPS and OUTBOUND_BURST must be positive"))
	}
	if c.BatchSize <= 0 {
		problems = append(problems, errors.New("BATCH_SIZE must be positive"))
	}
	if c.BatchFlushSeconds <= 0 {
		problems = append(problems, errors.New("BATCH_FLUSH_SECONDS must be positive"))
	}
	if c.MaxRetries <= 0 {
		problems = append(problems, errors.New("MAX_RETRIES must be at least 1"))
	}
	if c.BackoffSeconds <= 0 {
		problems = append(problems, errors.New("BACKOFF_SECONDS must be positive"))
	}
	if c.EnrichmentTimeoutMS <= 0 {
		problems = append(problems, errors.New("ENRICHMENT_TIMEOUT_MS must be positive"))
	}
	if c.MaxBodyBytes <= 0 {
		problems = append(problems, errors.New("MAX_BODY_BYTES must be positive"))
	}
	if strings.TrimSpace(c.DatabaseURL) == "" && strings.TrimSpace(c.DBPath) == "" {
		problems = append(problems, errors.New("either DATABASE_URL or DB_PATH is required"))
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(problems...))
	}
	return nil
}

func (c Config) BatchFlushInterval() time.Duration {
	return secondsToDuration(c.BatchFlushSeconds)
}

func (c Config) Backoff() time.Duration {
	return secondsToDuration(c.BackoffSeconds)
}

func (c Config) EnrichmentTimeout() time.Duration {
	return time.Duration(c.EnrichmentTimeoutMS) * time.Millisecond
}

func (c Config) ShutdownTimeout() time.Duration {
	if c.ShutdownTimeoutSeconds <= 0 {
		return 15 * time.Second
	}
	return time.Duration(c.ShutdownTimeoutSeconds) * time.Second
}

func secondsToDuration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}

func burstFor(rps float64) int {
	burst := int(math.Ceil(rps))
	if burst < 1 {
		return 1
	}
	return burst
}

func getEnv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getEnvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvFloat(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	items := make([]string, 0)
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}
