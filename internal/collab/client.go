package collab

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/sony/gobreaker"

	"selftune/internal/logging"
)

// LLMClient is the narrow surface the collaborator needs from a language
// model backend.
type LLMClient interface {
	// Complete sends one system+user exchange and returns the assistant
	// text plus the total tokens consumed.
	Complete(ctx context.Context, system, user string) (string, int, error)
}

// ClientConfig tunes the OpenAI-backed client.
type ClientConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float32
	MaxTokens   int
	MaxRetries  int
	RetryDelay  time.Duration
	// BreakerTimeout is how long the remote-call breaker stays open after
	// tripping.
	BreakerTimeout time.Duration
}

// DefaultClientConfig returns the default client tuning. The API key is read
// from OPENAI_API_KEY.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		APIKey:         os.Getenv("OPENAI_API_KEY"),
		Model:          openai.GPT4oMini,
		Temperature:    0.2,
		MaxTokens:      2048,
		MaxRetries:     3,
		RetryDelay:     2 * time.Second,
		BreakerTimeout: 60 * time.Second,
	}
}

// OpenAIClient is the production LLM backend. Calls go through a circuit
// breaker so a failing API does not stall the loop, and transient errors are
// retried with linear backoff.
type OpenAIClient struct {
	client *openai.Client
	cfg    ClientConfig
	cb     *gobreaker.CircuitBreaker
}

// NewOpenAIClient creates the production client.
func NewOpenAIClient(cfg ClientConfig) (*OpenAIClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("no API key: set OPENAI_API_KEY or collaborator.api_key")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultClientConfig().Model
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultClientConfig().MaxRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultClientConfig().RetryDelay
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = DefaultClientConfig().BreakerTimeout
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "collaborator",
		Timeout: cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.API("breaker %s: %s -> %s", name, from, to)
		},
	})

	return &OpenAIClient{
		client: openai.NewClientWithConfig(clientCfg),
		cfg:    cfg,
		cb:     cb,
	}, nil
}

// Complete implements LLMClient.
func (c *OpenAIClient) Complete(ctx context.Context, system, user string) (string, int, error) {
	req := openai.ChatCompletionRequest{
		Model:       c.cfg.Model,
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
	}

	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", 0, ctx.Err()
			case <-time.After(time.Duration(attempt) * c.cfg.RetryDelay):
			}
		}

		result, err := c.cb.Execute(func() (interface{}, error) {
			return c.client.CreateChatCompletion(ctx, req)
		})
		if err != nil {
			lastErr = err
			if err == gobreaker.ErrOpenState || ctx.Err() != nil {
				break
			}
			logging.APIError("completion attempt %d/%d failed: %v", attempt+1, c.cfg.MaxRetries, err)
			continue
		}

		resp := result.(openai.ChatCompletionResponse)
		if len(resp.Choices) == 0 {
			lastErr = fmt.Errorf("backend returned no choices")
			continue
		}
		content := strings.TrimSpace(resp.Choices[0].Message.Content)
		return content, resp.Usage.TotalTokens, nil
	}
	return "", 0, fmt.Errorf("completion failed after %d attempts: %w", c.cfg.MaxRetries, lastErr)
}
