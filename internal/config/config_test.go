package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":8080" {
		t.Fatalf("BindAddr = %q, want :8080", cfg.BindAddr)
	}
	if cfg.Retention != DefaultRetentionPolicy() {
		t.Fatalf("Retention = %+v, want %+v", cfg.Retention, DefaultRetentionPolicy())
	}
	if cfg.SimilarityThreshold != 0.3 {
		t.Fatalf("SimilarityThreshold = %v, want 0.3", cfg.SimilarityThreshold)
	}
	if cfg.StoreBackend != "auto" || cfg.ExtractorMode != "auto" {
		t.Fatalf("StoreBackend/ExtractorMode = %q/%q, want auto/auto", cfg.StoreBackend, cfg.ExtractorMode)
	}
	if !cfg.ExtractionRedactPII {
		t.Fatalf("ExtractionRedactPII = false, want true by default")
	}
	if cfg.ConversationCacheTTL != 30*time.Second {
		t.Fatalf("ConversationCacheTTL = %v, want 30s", cfg.ConversationCacheTTL)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_BIND_ADDR", ":9090")
	t.Setenv("RETENTION_MAX_MESSAGES", "50")
	t.Setenv("ANALYSIS_WINDOW_SIZE", "8")
	t.Setenv("SIMILARITY_THRESHOLD", "0.5")
	t.Setenv("STORE_BACKEND", "SQLite")
	t.Setenv("SQLITE_PATH", "/tmp/recall.db")
	t.Setenv("EXTRACTION_REDACT_PII", "off")
	t.Setenv("APP_LOG_LEVEL", "OFF")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":9090" {
		t.Fatalf("BindAddr = %q, want :9090", cfg.BindAddr)
	}
	if cfg.Retention.MaxMessages != 50 || cfg.Retention.AnalysisWindowSize != 8 {
		t.Fatalf("Retention = %+v, want {50 8}", cfg.Retention)
	}
	if cfg.SimilarityThreshold != 0.5 {
		t.Fatalf("SimilarityThreshold = %v, want 0.5", cfg.SimilarityThreshold)
	}
	if cfg.StoreBackend != "sqlite" {
		t.Fatalf("StoreBackend = %q, want sqlite", cfg.StoreBackend)
	}
	if cfg.ExtractionRedactPII {
		t.Fatalf("ExtractionRedactPII = true, want false")
	}
	if cfg.LogLevel != "off" {
		t.Fatalf("LogLevel = %q, want off", cfg.LogLevel)
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	setCoreEnvEmpty(t)
	path := filepath.Join(t.TempDir(), "recall.yaml")
	content := `
server:
  bind_addr: ":7070"
  shutdown_timeout: 3s
retention:
  max_messages: 40
retrieval:
  similarity_threshold: 0
extraction:
  mode: heuristic
  redact_pii: false
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	t.Setenv("APP_CONFIG_FILE", path)
	t.Setenv("RETENTION_MAX_MESSAGES", "60")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":7070" {
		t.Fatalf("BindAddr = %q, want file value :7070", cfg.BindAddr)
	}
	if cfg.ShutdownTimeout != 3*time.Second {
		t.Fatalf("ShutdownTimeout = %v, want 3s", cfg.ShutdownTimeout)
	}
	if cfg.Retention.MaxMessages != 60 {
		t.Fatalf("MaxMessages = %d, want env override 60", cfg.Retention.MaxMessages)
	}
	if cfg.SimilarityThreshold != 0 {
		t.Fatalf("SimilarityThreshold = %v, want explicit 0 from file", cfg.SimilarityThreshold)
	}
	if cfg.ExtractorMode != "heuristic" || cfg.ExtractionRedactPII {
		t.Fatalf("extraction = %q/%v, want heuristic/false", cfg.ExtractorMode, cfg.ExtractionRedactPII)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		key, value, wantKey string
	}{
		{"RETENTION_MAX_MESSAGES", "0", "RETENTION_MAX_MESSAGES"},
		{"ANALYSIS_WINDOW_SIZE", "-1", "ANALYSIS_WINDOW_SIZE"},
		{"SIMILARITY_THRESHOLD", "1.5", "SIMILARITY_THRESHOLD"},
		{"SIMILARITY_THRESHOLD", "abc", "SIMILARITY_THRESHOLD"},
		{"KEYWORD_OVERFETCH_FACTOR", "0", "KEYWORD_OVERFETCH_FACTOR"},
		{"STORE_BACKEND", "mongo", "STORE_BACKEND"},
		{"STORE_BACKEND", "postgres", "DATABASE_URL"},
		{"EXTRACTOR_MODE", "openai", "OPENAI_API_KEY"},
		{"EXTRACTOR_MODE", "http", "EXTRACTOR_HTTP_URL"},
		{"EXTRACTION_CONCURRENCY", "0", "EXTRACTION_CONCURRENCY"},
		{"APP_ALLOW_ANY_ORIGIN", "maybe", "APP_ALLOW_ANY_ORIGIN"},
		{"APP_LOG_LEVEL", "loud", "APP_LOG_LEVEL"},
	}
	for _, tc := range tests {
		t.Run(tc.key+"="+tc.value, func(t *testing.T) {
			setCoreEnvEmpty(t)
			t.Setenv(tc.key, tc.value)
			_, err := Load()
			if err == nil {
				t.Fatalf("Load() error = nil, want error naming %s", tc.wantKey)
			}
			if !strings.Contains(err.Error(), tc.wantKey) {
				t.Fatalf("Load() error = %v, want it to name %s", err, tc.wantKey)
			}
		})
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOW_ANY_ORIGIN",
		"APP_LOG_LEVEL",
		"APP_LOG_PRETTY",
		"APP_CONFIG_FILE",
		"STORE_BACKEND",
		"DATABASE_URL",
		"SQLITE_PATH",
		"CONVERSATION_CACHE_TTL",
		"RETENTION_MAX_MESSAGES",
		"ANALYSIS_WINDOW_SIZE",
		"SIMILARITY_THRESHOLD",
		"KEYWORD_OVERFETCH_FACTOR",
		"EXTRACTOR_MODE",
		"EXTRACTOR_HTTP_URL",
		"OPENAI_API_KEY",
		"OPENAI_MODEL",
		"OPENAI_BASE_URL",
		"EXTRACTION_TIMEOUT",
		"EXTRACTION_CONCURRENCY",
		"EXTRACTION_REDACT_PII",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
