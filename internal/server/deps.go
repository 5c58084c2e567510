package server

import (
	"context"
	"fmt"
	"strings"

	"github.com/haasonsaas/ragmetrics/internal/config"
	"github.com/haasonsaas/ragmetrics/internal/dataset"
	"github.com/haasonsaas/ragmetrics/internal/embeddings"
	embeddingsopenai "github.com/haasonsaas/ragmetrics/internal/embeddings/openai"
	"github.com/haasonsaas/ragmetrics/internal/export"
	"github.com/haasonsaas/ragmetrics/internal/llm"
	"github.com/haasonsaas/ragmetrics/internal/metrics"
	"github.com/haasonsaas/ragmetrics/internal/observability"
	"github.com/haasonsaas/ragmetrics/internal/storage"
)

// NewParser builds a dataset parser from the configured limits.
func NewParser(cfg *config.Config) *dataset.Parser {
	return dataset.NewParser(dataset.Limits{
		MaxFileBytes:  cfg.Limits.MaxFileBytes,
		MaxRows:       cfg.Limits.MaxRows,
		MaxFieldChars: cfg.Limits.MaxFieldChars,
		PreviewRows:   cfg.Limits.PreviewRows,
	})
}

// OpenStore opens the configured analysis store. It does not migrate.
func OpenStore(ctx context.Context, cfg *config.Config, m *observability.Metrics, tracer *observability.Tracer) (storage.AnalysisStore, error) {
	store, err := storage.Open(ctx, storage.Config{
		Driver:          cfg.Database.Driver,
		URL:             cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
		ConnectTimeout:  cfg.Database.ConnectTimeout,
		Metrics:         m,
		Tracer:          tracer,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Database.Driver, err)
	}
	return store, nil
}

// NewCalculator builds the metrics calculator, attaching the embedding
// provider and LLM judge when they are enabled.
func NewCalculator(cfg *config.Config, logger *observability.Logger, m *observability.Metrics, tracer *observability.Tracer) (*metrics.Calculator, error) {
	opts := metrics.Options{
		Workers:        cfg.Metrics.Workers,
		LowF1Threshold: cfg.Metrics.LowF1Threshold,
		Tracer:         tracer,
		Logger:         logger.Slog(),
	}

	if cfg.Embeddings.Enabled {
		provider, err := embeddingsopenai.New(embeddingsopenai.Config{
			APIKey:  cfg.Embeddings.APIKey,
			BaseURL: cfg.Embeddings.BaseURL,
			Model:   cfg.Embeddings.Model,
			Timeout: cfg.Embeddings.Timeout,
			Metrics: m,
			Tracer:  tracer,
		})
		if err != nil {
			return nil, fmt.Errorf("embeddings: %w", err)
		}
		opts.Embedder = embeddings.NewBatcher(provider)
	}

	if cfg.Judge.Enabled {
		client, err := llm.NewOpenAI(llm.Config{
			APIKey:  cfg.Judge.APIKey,
			BaseURL: cfg.Judge.BaseURL,
			Model:   cfg.Judge.Model,
			Timeout: cfg.Judge.Timeout,
		}, llm.WithMetrics(m), llm.WithTracer(tracer))
		if err != nil {
			return nil, fmt.Errorf("judge: %w", err)
		}
		opts.Judge = metrics.NewLLMJudge(client)
	}

	return metrics.NewCalculator(opts), nil
}

// NewSink returns the S3 report sink, or nil when no bucket is configured.
func NewSink(ctx context.Context, cfg *config.Config) (*export.S3Sink, error) {
	s3cfg := cfg.Export.S3
	if strings.TrimSpace(s3cfg.Bucket) == "" {
		return nil, nil
	}
	sink, err := export.NewS3Sink(ctx, export.S3Config{
		Bucket:          s3cfg.Bucket,
		Region:          s3cfg.Region,
		Endpoint:        s3cfg.Endpoint,
		Prefix:          s3cfg.Prefix,
		AccessKeyID:     s3cfg.AccessKeyID,
		SecretAccessKey: s3cfg.SecretAccessKey,
		UsePathStyle:    s3cfg.UsePathStyle,
	})
	if err != nil {
		return nil, fmt.Errorf("report sink: %w", err)
	}
	return sink, nil
}

// DefaultMetricTypes parses the configured default metric names.
func DefaultMetricTypes(cfg *config.Config) ([]metrics.MetricType, error) {
	types, err := metrics.ParseTypes(cfg.Metrics.DefaultTypes)
	if err != nil {
		return nil, fmt.Errorf("metrics.default_types: %w", err)
	}
	return types, nil
}

// NewLogger builds the structured logger from the logging section.
func NewLogger(cfg *config.Config) *observability.Logger {
	return observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
}

// NewTracer builds the tracer. The returned shutdown is always non-nil.
func NewTracer(cfg *config.Config, version string) (*observability.Tracer, func(context.Context) error) {
	tc := cfg.Observability.Tracing
	if !tc.Enabled {
		return nil, func(context.Context) error { return nil }
	}
	return observability.NewTracer(observability.TraceConfig{
		ServiceName:    tc.ServiceName,
		ServiceVersion: version,
		Environment:    tc.Environment,
		Endpoint:       tc.Endpoint,
		SamplingRate:   tc.SamplingRate,
		EnableInsecure: tc.Insecure,
	})
}
