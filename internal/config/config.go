package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// RetentionPolicy bounds how much history a conversation keeps and how much
// of it a window looks at by default.
type RetentionPolicy struct {
	// MaxMessages caps retained non-system messages per conversation.
	MaxMessages int
	// AnalysisWindowSize is the default window size when callers pass 0.
	AnalysisWindowSize int
}

// DefaultRetentionPolicy returns the out-of-the-box retention limits.
func DefaultRetentionPolicy() RetentionPolicy {
	return RetentionPolicy{MaxMessages: 200, AnalysisWindowSize: 20}
}

// Config contains all runtime settings for the recall service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool

	LogLevel  string
	LogPretty bool

	ConfigFile string

	StoreBackend         string
	DatabaseURL          string
	SQLitePath           string
	ConversationCacheTTL time.Duration

	Retention              RetentionPolicy
	SimilarityThreshold    float64
	KeywordOverfetchFactor int

	ExtractorMode         string
	ExtractorHTTPURL      string
	OpenAIAPIKey          string
	OpenAIModel           string
	OpenAIBaseURL         string
	ExtractionTimeout     time.Duration
	ExtractionConcurrency int
	ExtractionRedactPII   bool
}

func defaults() Config {
	return Config{
		BindAddr:               ":8080",
		ShutdownTimeout:        15 * time.Second,
		MetricsNamespace:       "recall",
		LogLevel:               "info",
		StoreBackend:           "auto",
		ConversationCacheTTL:   30 * time.Second,
		Retention:              DefaultRetentionPolicy(),
		SimilarityThreshold:    0.3,
		KeywordOverfetchFactor: 4,
		ExtractorMode:          "auto",
		OpenAIModel:            "gpt-4o-mini",
		ExtractionTimeout:      20 * time.Second,
		ExtractionConcurrency:  4,
		ExtractionRedactPII:    true,
	}
}

// Load applies defaults, then the optional YAML file named by
// APP_CONFIG_FILE, then environment variables, and validates the result.
func Load() (Config, error) {
	cfg := defaults()

	cfg.ConfigFile = stringsTrimSpace("APP_CONFIG_FILE")
	if cfg.ConfigFile != "" {
		if err := applyFile(&cfg, cfg.ConfigFile); err != nil {
			return Config{}, err
		}
	}

	cfg.BindAddr = envOrDefault("APP_BIND_ADDR", cfg.BindAddr)
	cfg.MetricsNamespace = envOrDefault("APP_METRICS_NAMESPACE", cfg.MetricsNamespace)
	cfg.LogLevel = envOrDefault("APP_LOG_LEVEL", cfg.LogLevel)
	cfg.StoreBackend = envOrDefault("STORE_BACKEND", cfg.StoreBackend)
	cfg.DatabaseURL = envOrDefault("DATABASE_URL", cfg.DatabaseURL)
	cfg.SQLitePath = envOrDefault("SQLITE_PATH", cfg.SQLitePath)
	cfg.ExtractorMode = envOrDefault("EXTRACTOR_MODE", cfg.ExtractorMode)
	cfg.ExtractorHTTPURL = envOrDefault("EXTRACTOR_HTTP_URL", cfg.ExtractorHTTPURL)
	cfg.OpenAIAPIKey = envOrDefault("OPENAI_API_KEY", cfg.OpenAIAPIKey)
	cfg.OpenAIModel = envOrDefault("OPENAI_MODEL", cfg.OpenAIModel)
	cfg.OpenAIBaseURL = envOrDefault("OPENAI_BASE_URL", cfg.OpenAIBaseURL)

	var err error
	if cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout); err != nil {
		return Config{}, err
	}
	if cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin); err != nil {
		return Config{}, err
	}
	if cfg.LogPretty, err = boolFromEnv("APP_LOG_PRETTY", cfg.LogPretty); err != nil {
		return Config{}, err
	}
	if cfg.ConversationCacheTTL, err = durationFromEnv("CONVERSATION_CACHE_TTL", cfg.ConversationCacheTTL); err != nil {
		return Config{}, err
	}
	if cfg.Retention.MaxMessages, err = intFromEnv("RETENTION_MAX_MESSAGES", cfg.Retention.MaxMessages); err != nil {
		return Config{}, err
	}
	if cfg.Retention.AnalysisWindowSize, err = intFromEnv("ANALYSIS_WINDOW_SIZE", cfg.Retention.AnalysisWindowSize); err != nil {
		return Config{}, err
	}
	if cfg.SimilarityThreshold, err = floatFromEnv("SIMILARITY_THRESHOLD", cfg.SimilarityThreshold); err != nil {
		return Config{}, err
	}
	if cfg.KeywordOverfetchFactor, err = intFromEnv("KEYWORD_OVERFETCH_FACTOR", cfg.KeywordOverfetchFactor); err != nil {
		return Config{}, err
	}
	if cfg.ExtractionTimeout, err = durationFromEnv("EXTRACTION_TIMEOUT", cfg.ExtractionTimeout); err != nil {
		return Config{}, err
	}
	if cfg.ExtractionConcurrency, err = intFromEnv("EXTRACTION_CONCURRENCY", cfg.ExtractionConcurrency); err != nil {
		return Config{}, err
	}
	if cfg.ExtractionRedactPII, err = boolFromEnv("EXTRACTION_REDACT_PII", cfg.ExtractionRedactPII); err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	c.StoreBackend = strings.ToLower(strings.TrimSpace(c.StoreBackend))
	c.ExtractorMode = strings.ToLower(strings.TrimSpace(c.ExtractorMode))
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))

	if strings.TrimSpace(c.BindAddr) == "" {
		return fmt.Errorf("APP_BIND_ADDR must not be empty")
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("APP_SHUTDOWN_TIMEOUT must be positive")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error", "off":
	default:
		return fmt.Errorf("APP_LOG_LEVEL must be one of debug, info, warn, error, off")
	}
	switch c.StoreBackend {
	case "auto", "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("STORE_BACKEND must be one of auto, memory, sqlite, postgres")
	}
	if c.StoreBackend == "postgres" && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required when STORE_BACKEND=postgres")
	}
	if c.StoreBackend == "sqlite" && c.SQLitePath == "" {
		return fmt.Errorf("SQLITE_PATH is required when STORE_BACKEND=sqlite")
	}
	if c.ConversationCacheTTL < 0 {
		return fmt.Errorf("CONVERSATION_CACHE_TTL must be >= 0")
	}
	if c.Retention.MaxMessages <= 0 {
		return fmt.Errorf("RETENTION_MAX_MESSAGES must be positive")
	}
	if c.Retention.AnalysisWindowSize <= 0 {
		return fmt.Errorf("ANALYSIS_WINDOW_SIZE must be positive")
	}
	if c.SimilarityThreshold < 0 || c.SimilarityThreshold > 1 {
		return fmt.Errorf("SIMILARITY_THRESHOLD must be within [0, 1]")
	}
	if c.KeywordOverfetchFactor < 1 {
		return fmt.Errorf("KEYWORD_OVERFETCH_FACTOR must be at least 1")
	}
	switch c.ExtractorMode {
	case "auto", "openai", "http", "heuristic", "off":
	default:
		return fmt.Errorf("EXTRACTOR_MODE must be one of auto, openai, http, heuristic, off")
	}
	if c.ExtractorMode == "openai" && c.OpenAIAPIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required when EXTRACTOR_MODE=openai")
	}
	if c.ExtractorMode == "http" && c.ExtractorHTTPURL == "" {
		return fmt.Errorf("EXTRACTOR_HTTP_URL is required when EXTRACTOR_MODE=http")
	}
	if c.ExtractionTimeout <= 0 {
		return fmt.Errorf("EXTRACTION_TIMEOUT must be positive")
	}
	if c.ExtractionConcurrency <= 0 {
		return fmt.Errorf("EXTRACTION_CONCURRENCY must be positive")
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
