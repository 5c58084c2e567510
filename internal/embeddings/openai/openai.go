// Package openai provides an embedding provider using OpenAI's embedding models.
package openai

import (
	"context"
	"fmt"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/ragmetrics/internal/embeddings"
	"github.com/haasonsaas/ragmetrics/internal/llm"
	"github.com/haasonsaas/ragmetrics/internal/observability"
	"github.com/haasonsaas/ragmetrics/internal/retry"
)

// Provider implements embeddings.Provider using OpenAI.
type Provider struct {
	client  *openai.Client
	model   string
	timeout time.Duration
	retry   retry.Policy
	metrics *observability.Metrics
	tracer  *observability.Tracer
}

var _ embeddings.Provider = (*Provider)(nil)

// Config contains configuration for the OpenAI provider.
type Config struct {
	APIKey  string
	BaseURL string // Optional custom base URL
	Model   string // text-embedding-3-small or text-embedding-3-large
	Timeout time.Duration
	Retry   retry.Policy

	Metrics *observability.Metrics
	Tracer  *observability.Tracer
}

// New creates a new OpenAI embedding provider.
func New(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OpenAI API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "text-embedding-3-small"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultPolicy()
	}

	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}

	return &Provider{
		client:  openai.NewClientWithConfig(config),
		model:   cfg.Model,
		timeout: cfg.Timeout,
		retry:   cfg.Retry,
		metrics: cfg.Metrics,
		tracer:  cfg.Tracer,
	}, nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "openai"
}

// Dimension returns the embedding dimension for the configured model.
func (p *Provider) Dimension() int {
	switch p.model {
	case "text-embedding-3-large":
		return 3072
	default:
		return 1536
	}
}

// MaxBatchSize returns the maximum number of texts per batch.
func (p *Provider) MaxBatchSize() int {
	return 2048
}

// EmbedBatch generates embeddings for multiple texts.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	ctx, span := p.tracer.TraceProviderRequest(ctx, p.Name(), "embedding", p.model)
	defer span.End()

	var resp openai.EmbeddingResponse
	_, err := retry.Do(ctx, p.retry, func(ctx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(ctx, p.timeout)
		defer cancel()

		var err error
		resp, err = p.client.CreateEmbeddings(attemptCtx, openai.EmbeddingRequest{
			Input: texts,
			Model: openai.EmbeddingModel(p.model),
		})
		if err != nil && !llm.IsRetryable(err) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		p.metrics.RecordProviderRequest(p.Name(), "embedding", "error")
		p.tracer.RecordError(span, err)
		return nil, fmt.Errorf("failed to create embeddings: %w", err)
	}
	p.metrics.RecordProviderRequest(p.Name(), "embedding", "success")

	results := make([][]float32, len(texts))
	for _, data := range resp.Data {
		if data.Index < 0 || data.Index >= len(results) {
			return nil, fmt.Errorf("embedding index %d out of range", data.Index)
		}
		results[data.Index] = data.Embedding
	}
	for i, vec := range results {
		if vec == nil {
			return nil, fmt.Errorf("missing embedding for input %d", i)
		}
	}
	return results, nil
}
