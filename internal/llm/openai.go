// Package llm provides the chat completion client behind the LLM judge.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/ragmetrics/internal/observability"
	"github.com/haasonsaas/ragmetrics/internal/retry"
)

const (
	providerName     = "openai"
	defaultModel     = "gpt-4o-mini"
	defaultMaxTokens = 16
	defaultTimeout   = 60 * time.Second
)

// Config configures an OpenAI-compatible chat client.
type Config struct {
	APIKey  string
	BaseURL string // Optional; any OpenAI-compatible endpoint
	Model   string

	// Timeout bounds each attempt, not the whole call.
	Timeout time.Duration

	// MaxTokens caps the reply. Judge replies are a single number.
	MaxTokens int

	Retry retry.Policy
}

// Client sends single-turn chat completions.
// It is safe for concurrent use.
type Client struct {
	client    *openai.Client
	model     string
	timeout   time.Duration
	maxTokens int
	retry     retry.Policy
	metrics   *observability.Metrics
	tracer    *observability.Tracer
}

// Option customizes a Client.
type Option func(*Client)

// WithMetrics records request outcomes on m.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithTracer wraps each completion in a span.
func WithTracer(t *observability.Tracer) Option {
	return func(c *Client) { c.tracer = t }
}

// NewOpenAI creates a chat client. An API key is required.
func NewOpenAI(cfg Config, opts ...Option) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("OpenAI API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultPolicy()
	}

	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}

	c := &Client{
		client:    openai.NewClientWithConfig(config),
		model:     cfg.Model,
		timeout:   cfg.Timeout,
		maxTokens: cfg.MaxTokens,
		retry:     cfg.Retry,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Model returns the configured model name.
func (c *Client) Model() string {
	return c.model
}

// Complete sends system and prompt as a two-message conversation and
// returns the first choice's text. Rate limits, server errors and timeouts
// are retried.
func (c *Client) Complete(ctx context.Context, system, prompt string) (string, error) {
	ctx, span := c.tracer.TraceProviderRequest(ctx, providerName, "chat", c.model)
	defer span.End()

	req := openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		MaxTokens:   c.maxTokens,
		Temperature: 0,
	}

	var text string
	_, err := retry.Do(ctx, c.retry, func(ctx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		resp, err := c.client.CreateChatCompletion(attemptCtx, req)
		if err != nil {
			if !IsRetryable(err) {
				return retry.Permanent(err)
			}
			return err
		}
		if len(resp.Choices) == 0 {
			return retry.Permanent(errors.New("no choices in response"))
		}
		text = resp.Choices[0].Message.Content
		return nil
	})
	if err != nil {
		c.metrics.RecordProviderRequest(providerName, "chat", "error")
		c.tracer.RecordError(span, err)
		return "", fmt.Errorf("chat completion: %w", err)
	}
	c.metrics.RecordProviderRequest(providerName, "chat", "success")
	return text, nil
}

// IsRetryable reports whether a provider error is worth retrying:
// rate limits, server errors, timeouts and network failures.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return retryableStatus(apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return retryableStatus(reqErr.HTTPStatusCode)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500
}
