// Package provider wraps the OpenAI API for embeddings and chat
// completions.
//
// Every outbound call goes through the shared resilience layer: one circuit
// breaker per remote dependency (embeddings, chat), jittered exponential
// backoff on transient failures, and a rate limiter applied per attempt.
// The embedding path never fails indexing: when no credential is configured
// or the provider is unrecoverable it degrades to a deterministic fallback
// vector.
package provider

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/ficous/sage/internal/resilience"
)

const (
	// DefaultChatModel is the completion model used for answers and
	// summaries.
	DefaultChatModel = "gpt-4o-mini"

	// DefaultEmbeddingModel produces 1536-dimensional vectors.
	DefaultEmbeddingModel = string(openai.SmallEmbedding3)

	// DefaultDimension is the system-wide vector width. Mixing widths is a
	// configuration error, not a runtime branch.
	DefaultDimension = 1536

	// maxEmbedInput is the provider's input limit; longer texts are
	// truncated before sending.
	maxEmbedInput = 8000

	// DefaultTemperature keeps structured answers stable.
	DefaultTemperature = 0.2

	embedTimeout = 30 * time.Second
	chatTimeout  = 40 * time.Second
)

// FallbackFunc produces an embedding vector when the provider cannot.
// Implementations must be deterministic per input so "no provider" mode is
// testable and repeated indexing stays stable.
type FallbackFunc func(text string, dim int) []float32

// DeterministicFallback seeds a PRNG from the text itself, so the same text
// always maps to the same vector. The values carry no semantic meaning;
// similarity scores computed from them are only self-consistent.
func DeterministicFallback(text string, dim int) []float32 {
	var seed int64
	for _, r := range text {
		seed = seed*31 + int64(r)
	}
	rng := rand.New(rand.NewSource(seed))
	vec := make([]float32, dim)
	for i := range vec {
		vec[i] = rng.Float32()
	}
	return vec
}

// Config configures the provider client.
type Config struct {
	APIKey         string
	ChatModel      string
	EmbeddingModel string
	Dimension      int
	Temperature    float32

	Retry    resilience.RetryPolicy
	Breaker  resilience.CircuitBreakerConfig
	Fallback FallbackFunc

	// RequestsPerSecond bounds outbound attempts. Zero disables limiting.
	RequestsPerSecond float64
}

// DefaultConfig returns production defaults for the given API key. An empty
// key selects fallback-only mode.
func DefaultConfig(apiKey string) Config {
	return Config{
		APIKey:            apiKey,
		ChatModel:         DefaultChatModel,
		EmbeddingModel:    DefaultEmbeddingModel,
		Dimension:         DefaultDimension,
		Temperature:       DefaultTemperature,
		Retry:             resilience.DefaultRetryPolicy(),
		Breaker:           resilience.DefaultCircuitBreakerConfig(),
		Fallback:          DeterministicFallback,
		RequestsPerSecond: 10,
	}
}

// completionAPI is the slice of the OpenAI client we consume; narrowed for
// testability.
type completionAPI interface {
	CreateEmbeddings(ctx context.Context, req openai.EmbeddingRequestConverter) (openai.EmbeddingResponse, error)
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Client talks to the OpenAI API. Safe for concurrent use.
type Client struct {
	api            completionAPI
	chatModel      string
	embeddingModel string
	dimension      int
	temperature    float32

	retry        resilience.RetryPolicy
	embedBreaker *resilience.CircuitBreaker
	chatBreaker  *resilience.CircuitBreaker
	limiter      *rate.Limiter
	fallback     FallbackFunc
	logger       *slog.Logger
}

// New creates a provider client. With an empty API key the client runs in
// fallback-only mode: embeddings are deterministic local vectors and
// completions report resilience.ErrProviderUnavailable for callers to
// degrade on.
func New(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ChatModel == "" {
		cfg.ChatModel = DefaultChatModel
	}
	if cfg.EmbeddingModel == "" {
		cfg.EmbeddingModel = DefaultEmbeddingModel
	}
	if cfg.Dimension <= 0 {
		cfg.Dimension = DefaultDimension
	}
	if cfg.Fallback == nil {
		cfg.Fallback = DeterministicFallback
	}

	var api completionAPI
	if cfg.APIKey != "" {
		api = openai.NewClient(cfg.APIKey)
	} else {
		logger.Warn("no provider credential configured, embeddings degrade to deterministic fallback vectors")
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}

	return &Client{
		api:            api,
		chatModel:      cfg.ChatModel,
		embeddingModel: cfg.EmbeddingModel,
		dimension:      cfg.Dimension,
		temperature:    cfg.Temperature,
		retry:          cfg.Retry,
		embedBreaker:   resilience.NewCircuitBreaker(cfg.Breaker),
		chatBreaker:    resilience.NewCircuitBreaker(cfg.Breaker),
		limiter:        limiter,
		fallback:       cfg.Fallback,
		logger:         logger,
	}
}

// Dimension returns the system-wide vector width.
func (c *Client) Dimension() int {
	return c.dimension
}

// ChatModel returns the configured completion model identifier. Used as
// part of response-cache keys.
func (c *Client) ChatModel() string {
	return c.chatModel
}

// Embed converts text into a fixed-length vector. Input is truncated to the
// provider limit. Transient failures are retried under the breaker; when
// the provider is unavailable or unconfigured the deterministic fallback
// vector is returned instead of an error, so indexing never blocks on
// provider health.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	if runes := []rune(text); len(runes) > maxEmbedInput {
		text = string(runes[:maxEmbedInput])
	}

	if c.api == nil {
		return c.fallback(text, c.dimension), nil
	}

	vec, err := resilience.Do(ctx, c.embedBreaker, c.retry, func(ctx context.Context) ([]float32, error) {
		if err := c.wait(ctx); err != nil {
			return nil, err
		}

		callCtx, cancel := context.WithTimeout(ctx, embedTimeout)
		defer cancel()

		resp, err := c.api.CreateEmbeddings(callCtx, openai.EmbeddingRequestStrings{
			Input: []string{text},
			Model: openai.EmbeddingModel(c.embeddingModel),
		})
		if err != nil {
			return nil, fmt.Errorf("create embeddings: %w", err)
		}
		if len(resp.Data) == 0 {
			return nil, fmt.Errorf("no embeddings returned")
		}
		return resp.Data[0].Embedding, nil
	})
	if err != nil {
		c.logger.Warn("embedding degraded to fallback vector", "error", err)
		return c.fallback(text, c.dimension), nil
	}

	if len(vec) != c.dimension {
		// A width mismatch means the configured model and schema disagree.
		// Do not silently index vectors of the wrong shape.
		return nil, fmt.Errorf("embedding dimension mismatch: provider returned %d, system expects %d", len(vec), c.dimension)
	}
	return vec, nil
}

// Complete sends a (system, user) prompt pair to the chat model and returns
// the raw text of the first choice. Unlike Embed there is no silent
// fallback: callers own their degraded output, so breaker-open and
// retries-exhausted surface as resilience.ErrProviderUnavailable.
func (c *Client) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	if c.api == nil {
		return "", fmt.Errorf("no credential configured: %w", resilience.ErrProviderUnavailable)
	}

	return resilience.Do(ctx, c.chatBreaker, c.retry, func(ctx context.Context) (string, error) {
		if err := c.wait(ctx); err != nil {
			return "", err
		}

		callCtx, cancel := context.WithTimeout(ctx, chatTimeout)
		defer cancel()

		resp, err := c.api.CreateChatCompletion(callCtx, openai.ChatCompletionRequest{
			Model: c.chatModel,
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
				{Role: openai.ChatMessageRoleUser, Content: userPrompt},
			},
			Temperature: c.temperature,
		})
		if err != nil {
			return "", fmt.Errorf("chat completion: %w", err)
		}
		if len(resp.Choices) == 0 {
			return "", fmt.Errorf("no completion choices returned")
		}
		return resp.Choices[0].Message.Content, nil
	})
}

// wait applies the rate limit to a single attempt.
func (c *Client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	return nil
}
