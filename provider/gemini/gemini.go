// Package gemini adapts the Google Gemini generateContent API to the
// modelgate provider contract.
package gemini

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

const defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// Provider is the Gemini API adapter.
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

// New creates a new Gemini provider.
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

func (p *Provider) Name() string { return "google" }

type geminiRequest struct {
	Contents         []geminiContent         `json:"contents"`
	GenerationConfig *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiGenerationConfig struct {
	MaxOutputTokens *int `json:"maxOutputTokens,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int64 `json:"promptTokenCount"`
		CandidatesTokenCount int64 `json:"candidatesTokenCount"`
		TotalTokenCount      int64 `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

func (p *Provider) Send(ctx context.Context, req modelgate.ProviderRequest) (modelgate.ProviderResult, error) {
	body := geminiRequest{
		Contents: []geminiContent{
			{Role: "user", Parts: []geminiPart{{Text: req.Prompt}}},
		},
	}
	if req.MaxTokens > 0 {
		body.GenerationConfig = &geminiGenerationConfig{MaxOutputTokens: &req.MaxTokens}
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return modelgate.ProviderResult{}, fmt.Errorf("modelgate: marshal gemini request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", p.baseURL, req.Model, p.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return modelgate.ProviderResult{}, fmt.Errorf("modelgate: create gemini request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

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

	var resp geminiResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return modelgate.ProviderResult{}, fmt.Errorf("modelgate: decode gemini response: %w", err)
	}
	if len(resp.Candidates) == 0 {
		return modelgate.ProviderResult{}, fmt.Errorf("modelgate: empty candidates in gemini response")
	}

	text := ""
	if len(resp.Candidates[0].Content.Parts) > 0 {
		text = resp.Candidates[0].Content.Parts[0].Text
	}

	return modelgate.ProviderResult{
		Text:       text,
		TokensUsed: resp.UsageMetadata.TotalTokenCount,
		Latency:    time.Since(start),
	}, nil
}
