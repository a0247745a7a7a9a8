package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/ent0n29/recall/internal/config"
	"github.com/ent0n29/recall/internal/history"
	"github.com/ent0n29/recall/internal/keywords"
	"github.com/ent0n29/recall/internal/logging"
)

func testConfig(ns string) config.Config {
	return config.Config{
		BindAddr:               ":0",
		ShutdownTimeout:        time.Second,
		MetricsNamespace:       ns,
		LogLevel:               "info",
		StoreBackend:           "memory",
		ConversationCacheTTL:   time.Minute,
		Retention:              config.DefaultRetentionPolicy(),
		SimilarityThreshold:    0.3,
		KeywordOverfetchFactor: 4,
		ExtractorMode:          "heuristic",
		ExtractionTimeout:      time.Second,
		ExtractionConcurrency:  2,
	}
}

func TestBuildWiresAnnotationIntoRetrieval(t *testing.T) {
	ctx := context.Background()
	res, err := Build(ctx, testConfig(fmt.Sprintf("test_app_%d", time.Now().UnixNano()%1e6)), logging.Nop())
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if res.StoreBackend != "memory" {
		t.Fatalf("StoreBackend = %q, want memory", res.StoreBackend)
	}
	if res.ExtractorMode != "heuristic" {
		t.Fatalf("ExtractorMode = %q, want heuristic", res.ExtractorMode)
	}

	conv, err := res.Store.CreateConversation(ctx, history.Conversation{UserID: "u1"})
	if err != nil {
		t.Fatalf("CreateConversation() error = %v", err)
	}
	for _, content := range []string{"hello there", "tell me about bananas", "weather today"} {
		if _, err := res.Recorder.Append(ctx, conv.ID, history.RoleUser, content, nil); err != nil {
			t.Fatalf("Append(%q) error = %v", content, err)
		}
	}

	// Close drains the background annotations.
	if err := res.Recorder.Close(ctx); err != nil {
		t.Fatalf("Recorder.Close() error = %v", err)
	}

	items, err := res.Engine.KeywordWindow(ctx, conv.ID, []string{"bananas"}, false, 1, history.MatchAny)
	if err != nil {
		t.Fatalf("KeywordWindow() error = %v", err)
	}
	if len(items) != 1 || items[0].Content != "tell me about bananas" {
		t.Fatalf("KeywordWindow() = %+v, want the bananas message", items)
	}

	if err := res.Cleanup(ctx); err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
}

func TestBuildRejectsUnknownBackend(t *testing.T) {
	cfg := testConfig(fmt.Sprintf("test_app_bad_%d", time.Now().UnixNano()%1e6))
	cfg.StoreBackend = "cassandra"
	if _, err := Build(context.Background(), cfg, logging.Nop()); err == nil {
		t.Fatalf("Build() error = nil, want unsupported backend")
	}
}

func TestBuildExtractorOff(t *testing.T) {
	cfg := testConfig(fmt.Sprintf("test_app_off_%d", time.Now().UnixNano()%1e6))
	cfg.ExtractorMode = "off"
	res, err := Build(context.Background(), cfg, logging.Nop())
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	defer res.Cleanup(context.Background())
	if res.ExtractorMode != "" {
		t.Fatalf("ExtractorMode = %q, want empty", res.ExtractorMode)
	}
}

func TestBuildLogsWiring(t *testing.T) {
	var buf bytes.Buffer
	log := logging.New(logging.Config{Level: "info", Output: &buf})
	res, err := Build(context.Background(), testConfig(fmt.Sprintf("test_app_log_%d", time.Now().UnixNano()%1e6)), log)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	defer res.Cleanup(context.Background())

	out := buf.String()
	if !strings.Contains(out, `"component":"app"`) || !strings.Contains(out, `"message":"service wired"`) {
		t.Fatalf("log output = %q, want app wiring line", out)
	}
	if !strings.Contains(out, `"store_backend":"memory"`) {
		t.Fatalf("log output = %q, want store backend field", out)
	}
}

func TestBuildCountsAnnotationErrors(t *testing.T) {
	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer gateway.Close()

	ctx := context.Background()
	cfg := testConfig(fmt.Sprintf("test_app_annerr_%d", time.Now().UnixNano()%1e6))
	cfg.ExtractorMode = "http"
	cfg.ExtractorHTTPURL = gateway.URL
	res, err := Build(ctx, cfg, logging.Nop())
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	conv, err := res.Store.CreateConversation(ctx, history.Conversation{UserID: "u1"})
	if err != nil {
		t.Fatalf("CreateConversation() error = %v", err)
	}
	if _, err := res.Recorder.Append(ctx, conv.ID, history.RoleUser, "tell me about bananas", nil); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := res.Cleanup(ctx); err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}

	if got := testutil.ToFloat64(res.Metrics.AnnotationErrors.WithLabelValues("extractor")); got != 1 {
		t.Fatalf("annotation_errors_total{extractor} = %v, want 1", got)
	}
}

func TestAnnotationErrorCause(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("%w: %w", keywords.ErrExtractionFailed, context.DeadlineExceeded), "timeout"},
		{fmt.Errorf("%w: status 400", keywords.ErrExtractionFailed), "extractor"},
		{fmt.Errorf("store annotation: %w", errors.New("disk full")), "store"},
	}
	for _, tt := range tests {
		if got := annotationErrorCause(tt.err); got != tt.want {
			t.Fatalf("annotationErrorCause(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
