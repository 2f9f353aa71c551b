// Package openaicompat is a universal adapter for OpenAI-compatible
// chat completion APIs. Works with OpenAI, DeepSeek, Grok/xAI, Together,
// Ollama, and others exposing the same wire format.
package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hapivet/modelgate"
)

// Provider is an OpenAI-compatible API adapter.
type Provider struct {
	name       string
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

var _ modelgate.Provider = (*Provider)(nil)

// Option configures the provider.
type Option func(*Provider)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// New creates a new OpenAI-compatible provider.
func New(name, baseURL, apiKey string, opts ...Option) *Provider {
	p := &Provider{
		name:       name,
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// NewOpenAI creates a provider for OpenAI.
func NewOpenAI(apiKey string, opts ...Option) *Provider {
	return New("openai", "https://api.openai.com/v1", apiKey, opts...)
}

// NewDeepSeek creates a provider for DeepSeek.
func NewDeepSeek(apiKey string, opts ...Option) *Provider {
	return New("deepseek", "https://api.deepseek.com/v1", apiKey, opts...)
}

func (p *Provider) Name() string { return p.name }

type apiRequest struct {
	Model     string       `json:"model"`
	Messages  []apiMessage `json:"messages"`
	MaxTokens *int         `json:"max_tokens,omitempty"`
}

type apiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type apiResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message      apiMessage `json:"message"`
		FinishReason string     `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
		TotalTokens      int64 `json:"total_tokens"`
	} `json:"usage"`
}

func (p *Provider) Send(ctx context.Context, req modelgate.ProviderRequest) (modelgate.ProviderResult, error) {
	body := apiRequest{
		Model:    req.Model,
		Messages: []apiMessage{{Role: "user", Content: req.Prompt}},
	}
	if req.MaxTokens > 0 {
		body.MaxTokens = &req.MaxTokens
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return modelgate.ProviderResult{}, fmt.Errorf("modelgate: marshal request: %w", err)
	}

	url := p.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return modelgate.ProviderResult{}, fmt.Errorf("modelgate: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	start := time.Now()
	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return modelgate.ProviderResult{}, modelgate.ErrProviderUnavailable
	}
	defer httpResp.Body.Close()

	if err := mapHTTPError(httpResp); err != nil {
		return modelgate.ProviderResult{}, err
	}

	var resp apiResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return modelgate.ProviderResult{}, fmt.Errorf("modelgate: decode response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return modelgate.ProviderResult{}, fmt.Errorf("modelgate: empty choices in response")
	}

	return modelgate.ProviderResult{
		Text:       resp.Choices[0].Message.Content,
		TokensUsed: resp.Usage.TotalTokens,
		Latency:    time.Since(start),
	}, nil
}

func mapHTTPError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	// Read body for error context, but don't fail if we can't.
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		return modelgate.ErrRateLimited
	case http.StatusUnauthorized, http.StatusForbidden:
		return modelgate.ErrAuthFailed
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", modelgate.ErrInvalidRequest, string(body))
	default:
		return modelgate.ErrProviderUnavailable
	}
}
