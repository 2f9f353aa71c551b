// Package anthropic adapts the Anthropic Messages API to the
// modelgate provider contract.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hapivet/modelgate"
)

const (
	defaultBaseURL = "https://api.anthropic.com/v1"
	apiVersion     = "2023-06-01"

	// The Messages API requires max_tokens; used when the request
	// does not set one.
	defaultMaxTokens = 1024
)

// Provider is the Anthropic Messages API adapter.
type Provider struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

var _ modelgate.Provider = (*Provider)(nil)

// Option configures the provider.
type Option func(*Provider)

// WithBaseURL sets a custom base URL.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = strings.TrimRight(url, "/") }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// New creates a new Anthropic provider.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		baseURL:    defaultBaseURL,
		apiKey:     apiKey,
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) Name() string { return "anthropic" }

type apiRequest struct {
	Model     string       `json:"model"`
	MaxTokens int          `json:"max_tokens"`
	Messages  []apiMessage `json:"messages"`
}

type apiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type apiResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
}

func (p *Provider) Send(ctx context.Context, req modelgate.ProviderRequest) (modelgate.ProviderResult, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	body := apiRequest{
		Model:     req.Model,
		MaxTokens: maxTokens,
		Messages:  []apiMessage{{Role: "user", Content: req.Prompt}},
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return modelgate.ProviderResult{}, fmt.Errorf("modelgate: marshal anthropic request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/messages", bytes.NewReader(jsonBody))
	if err != nil {
		return modelgate.ProviderResult{}, fmt.Errorf("modelgate: create anthropic request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", apiVersion)

	start := time.Now()
	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return modelgate.ProviderResult{}, modelgate.ErrProviderUnavailable
	}
	defer httpResp.Body.Close()

	switch {
	case httpResp.StatusCode == http.StatusTooManyRequests:
		return modelgate.ProviderResult{}, modelgate.ErrRateLimited
	case httpResp.StatusCode == http.StatusUnauthorized || httpResp.StatusCode == http.StatusForbidden:
		return modelgate.ProviderResult{}, modelgate.ErrAuthFailed
	case httpResp.StatusCode == http.StatusBadRequest:
		return modelgate.ProviderResult{}, modelgate.ErrInvalidRequest
	case httpResp.StatusCode < 200 || httpResp.StatusCode >= 300:
		return modelgate.ProviderResult{}, modelgate.ErrProviderUnavailable
	}

	var resp apiResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return modelgate.ProviderResult{}, fmt.Errorf("modelgate: decode anthropic response: %w", err)
	}

	text := ""
	for _, c := range resp.Content {
		if c.Type == "text" {
			text = c.Text
			break
		}
	}

	return modelgate.ProviderResult{
		Text:       text,
		TokensUsed: resp.Usage.InputTokens + resp.Usage.OutputTokens,
		Latency:    time.Since(start),
	}, nil
}
