package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ent0n29/recall/internal/config"
	"github.com/ent0n29/recall/internal/history"
	"github.com/ent0n29/recall/internal/httpapi"
	"github.com/ent0n29/recall/internal/keywords"
	"github.com/ent0n29/recall/internal/logging"
	"github.com/ent0n29/recall/internal/observability"
	"github.com/ent0n29/recall/internal/recorder"
	"github.com/ent0n29/recall/internal/retrieval"
)

type BuildResult struct {
	Config       config.Config
	API          *httpapi.Server
	Store        history.Store
	StoreBackend string
	Engine       *retrieval.Engine
	Recorder     *recorder.Recorder
	Metrics      *observability.Metrics
	// ExtractorMode is empty when annotation is disabled.
	ExtractorMode string

	// Cleanup drains in-flight annotations until ctx ends, then closes the store.
	Cleanup func(ctx context.Context) error
}

func Build(ctx context.Context, cfg config.Config, log zerolog.Logger) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	store, backend, err := history.NewStore(ctx, history.StoreConfig{
		Backend:     cfg.StoreBackend,
		DatabaseURL: cfg.DatabaseURL,
		SQLitePath:  cfg.SQLitePath,
		CacheTTL:    cfg.ConversationCacheTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("message store init failed: %w", err)
	}

	extractor, err := keywords.NewExtractor(keywords.Config{
		Mode:          cfg.ExtractorMode,
		HTTPURL:       cfg.ExtractorHTTPURL,
		OpenAIAPIKey:  cfg.OpenAIAPIKey,
		OpenAIModel:   cfg.OpenAIModel,
		OpenAIBaseURL: cfg.OpenAIBaseURL,
		RedactPII:     cfg.ExtractionRedactPII,
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("keyword extractor init failed: %w", err)
	}
	extractorMode := cfg.ExtractorMode
	if extractor == nil {
		extractorMode = ""
	}

	engine := retrieval.New(store, retrieval.Options{
		Retention:           cfg.Retention,
		SimilarityThreshold: cfg.SimilarityThreshold,
		OverfetchFactor:     cfg.KeywordOverfetchFactor,
		Observer:            metrics,
	}, log)

	rec := recorder.New(store, extractor, recorder.Options{
		Retention:         cfg.Retention,
		ExtractionTimeout: cfg.ExtractionTimeout,
		Concurrency:       cfg.ExtractionConcurrency,
		Observer:          metrics,
		OnError: func(_ history.Message, err error) {
			metrics.ObserveAnnotationError(annotationErrorCause(err))
		},
	}, log)

	api := httpapi.New(cfg, httpapi.Deps{
		Store:        store,
		StoreBackend: backend,
		Windows:      engine,
		Recorder:     rec,
		Metrics:      metrics,
		Log:          log,
	})

	appLog := logging.Component(log, "app")
	appLog.Info().
		Str("store_backend", backend).
		Str("extractor_mode", extractorMode).
		Int("max_messages", cfg.Retention.MaxMessages).
		Int("analysis_window_size", cfg.Retention.AnalysisWindowSize).
		Msg("service wired")

	cleanup := func(ctx context.Context) error {
		var errs []error
		if err := rec.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("drain annotations: %w", err))
		}
		if err := store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
		return errors.Join(errs...)
	}

	return &BuildResult{
		Config:        cfg,
		API:           api,
		Store:         store,
		StoreBackend:  backend,
		Engine:        engine,
		Recorder:      rec,
		Metrics:       metrics,
		ExtractorMode: extractorMode,
		Cleanup:       cleanup,
	}, nil
}

// annotationErrorCause labels a failed annotation for metrics.
func annotationErrorCause(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "timeout"
	case errors.Is(err, keywords.ErrExtractionFailed):
		return "extractor"
	default:
		return "store"
	}
}
