package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// fileConfig mirrors Config for the optional YAML file. Pointer fields let
// an explicit zero or false override a default.
type fileConfig struct {
	Server struct {
		BindAddr         string `yaml:"bind_addr"`
		ShutdownTimeout  string `yaml:"shutdown_timeout"`
		MetricsNamespace string `yaml:"metrics_namespace"`
		AllowAnyOrigin   *bool  `yaml:"allow_any_origin"`
	} `yaml:"server"`
	Log struct {
		Level  string `yaml:"level"`
		Pretty *bool  `yaml:"pretty"`
	} `yaml:"log"`
	Store struct {
		Backend     string `yaml:"backend"`
		DatabaseURL string `yaml:"database_url"`
		SQLitePath  string `yaml:"sqlite_path"`
		CacheTTL    string `yaml:"cache_ttl"`
	} `yaml:"store"`
	Retention struct {
		MaxMessages        *int `yaml:"max_messages"`
		AnalysisWindowSize *int `yaml:"analysis_window_size"`
	} `yaml:"retention"`
	Retrieval struct {
		SimilarityThreshold *float64 `yaml:"similarity_threshold"`
		OverfetchFactor     *int     `yaml:"keyword_overfetch_factor"`
	} `yaml:"retrieval"`
	Extraction struct {
		Mode          string `yaml:"mode"`
		HTTPURL       string `yaml:"http_url"`
		OpenAIAPIKey  string `yaml:"openai_api_key"`
		OpenAIModel   string `yaml:"openai_model"`
		OpenAIBaseURL string `yaml:"openai_base_url"`
		Timeout       string `yaml:"timeout"`
		Concurrency   *int   `yaml:"concurrency"`
		RedactPII     *bool  `yaml:"redact_pii"`
	} `yaml:"extraction"`
}

func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("APP_CONFIG_FILE read error: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("APP_CONFIG_FILE parse error: %w", err)
	}

	setString(&cfg.BindAddr, fc.Server.BindAddr)
	setString(&cfg.MetricsNamespace, fc.Server.MetricsNamespace)
	setBool(&cfg.AllowAnyOrigin, fc.Server.AllowAnyOrigin)
	setString(&cfg.LogLevel, fc.Log.Level)
	setBool(&cfg.LogPretty, fc.Log.Pretty)
	setString(&cfg.StoreBackend, fc.Store.Backend)
	setString(&cfg.DatabaseURL, fc.Store.DatabaseURL)
	setString(&cfg.SQLitePath, fc.Store.SQLitePath)
	setInt(&cfg.Retention.MaxMessages, fc.Retention.MaxMessages)
	setInt(&cfg.Retention.AnalysisWindowSize, fc.Retention.AnalysisWindowSize)
	if fc.Retrieval.SimilarityThreshold != nil {
		cfg.SimilarityThreshold = *fc.Retrieval.SimilarityThreshold
	}
	setInt(&cfg.KeywordOverfetchFactor, fc.Retrieval.OverfetchFactor)
	setString(&cfg.ExtractorMode, fc.Extraction.Mode)
	setString(&cfg.ExtractorHTTPURL, fc.Extraction.HTTPURL)
	setString(&cfg.OpenAIAPIKey, fc.Extraction.OpenAIAPIKey)
	setString(&cfg.OpenAIModel, fc.Extraction.OpenAIModel)
	setString(&cfg.OpenAIBaseURL, fc.Extraction.OpenAIBaseURL)
	setInt(&cfg.ExtractionConcurrency, fc.Extraction.Concurrency)
	setBool(&cfg.ExtractionRedactPII, fc.Extraction.RedactPII)

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"server.shutdown_timeout", fc.Server.ShutdownTimeout, &cfg.ShutdownTimeout},
		{"store.cache_ttl", fc.Store.CacheTTL, &cfg.ConversationCacheTTL},
		{"extraction.timeout", fc.Extraction.Timeout, &cfg.ExtractionTimeout},
	}
	for _, d := range durations {
		raw := strings.TrimSpace(d.raw)
		if raw == "" {
			continue
		}
		v, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("APP_CONFIG_FILE %s parse error: %w", d.key, err)
		}
		*d.dst = v
	}
	return nil
}

func setString(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}
