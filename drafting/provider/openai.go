// Package provider implements the model-facing side of the pipeline against a
// local OpenAI-compatible runtime (Ollama, llama.cpp server, and friends).
// Everything model-shaped lives here so the rest of the pipeline can be tested
// against stubs.
package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"

	"github.com/theimaginaryfoundation/draft-o-matic/drafting"
)

// Config points the provider at the local runtime. BaseURL is the runtime's
// OpenAI-compatible endpoint, e.g. http://localhost:11434/v1 for Ollama.
type Config struct {
	BaseURL string
	APIKey  string

	Model          string
	EmbeddingModel string

	MaxOutputTokens int64
	Timeout         time.Duration
}

func (c Config) Validate() error {
	if c.BaseURL == "" {
		return errors.New("missing base URL")
	}
	if c.Model == "" {
		return errors.New("missing model")
	}
	return nil
}

func defaulted(c Config) Config {
	if c.MaxOutputTokens <= 0 {
		c.MaxOutputTokens = 2048
	}
	if c.Timeout <= 0 {
		c.Timeout = 120 * time.Second
	}
	if c.APIKey == "" {
		// Local runtimes accept any key; the client requires one.
		c.APIKey = "local"
	}
	return c
}

// Gateway is the drafting.ModelGateway implementation. Calls carry the
// configured timeout; a timed-out call reports drafting.ErrTimeout and commits
// nothing.
type Gateway struct {
	client  *openai.Client
	model   string
	maxOut  int64
	timeout time.Duration
}

func NewGateway(cfg Config) (*Gateway, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("NewGateway: %w", err)
	}
	cfg = defaulted(cfg)
	client := openai.NewClient(
		option.WithBaseURL(cfg.BaseURL),
		option.WithAPIKey(cfg.APIKey),
	)
	return &Gateway{
		client:  &client,
		model:   cfg.Model,
		maxOut:  cfg.MaxOutputTokens,
		timeout: cfg.Timeout,
	}, nil
}

// Complete sends one assembled prompt to the runtime and returns the
// completion text.
func (g *Gateway) Complete(ctx context.Context, p drafting.Prompt) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	params := responses.ResponseNewParams{
		Model:           g.model,
		MaxOutputTokens: openai.Int(g.maxOut),
		Instructions:    openai.String(p.Instructions),
		Input: responses.ResponseNewParamsInputUnion{
			OfInputItemList: []responses.ResponseInputItemUnionParam{
				responses.ResponseInputItemParamOfMessage(p.Input, responses.EasyInputMessageRoleUser),
			},
		},
	}

	resp, err := callWithRetry(ctx, g.client, params)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("Complete: %w", drafting.ErrTimeout)
		}
		return "", fmt.Errorf("Complete: %w", err)
	}
	return resp.OutputText(), nil
}

// callWithRetry retries overload and transient server errors with short waits;
// the runtime is local, so long backoffs only hold the user's draft hostage.
func callWithRetry(ctx context.Context, client *openai.Client, params responses.ResponseNewParams) (*responses.Response, error) {
	const maxRetries = 3
	waitTimes := []time.Duration{1 * time.Second, 3 * time.Second, 9 * time.Second}

	for attempt := 0; attempt < maxRetries; attempt++ {
		resp, err := client.Responses.New(ctx, params)
		if err != nil {
			if isRetryable(err) && attempt < maxRetries-1 {
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(waitTimes[attempt]):
				}
				continue
			}
			return nil, err
		}
		return resp, nil
	}
	return nil, fmt.Errorf("failed after %d attempts against the model runtime", maxRetries)
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "429") ||
		strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "too many requests") ||
		strings.Contains(errStr, "500") ||
		strings.Contains(errStr, "502") ||
		strings.Contains(errStr, "503") ||
		strings.Contains(errStr, "internal server error") ||
		strings.Contains(errStr, "server_error") ||
		strings.Contains(errStr, "loading model")
}
