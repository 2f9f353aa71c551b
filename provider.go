package modelgate

import (
	"context"
	"time"
)

// Provider is the collaborator interface a network adapter must
// implement. The engine never constructs one itself; adapters are
// registered on the Manager keyed by provider identity.
type Provider interface {
	// Name returns the provider identifier (e.g. "openai", "gemini").
	Name() string

	// Send executes the prompt against the given model and returns
	// the result. Adapter errors should wrap ErrRateLimited,
	// ErrAuthFailed or ErrProviderUnavailable so the manager can tell
	// retryable failures from fatal ones.
	Send(ctx context.Context, req ProviderRequest) (ProviderResult, error)
}

// ProviderRequest is the uniform request handed to an adapter.
type ProviderRequest struct {
	Model     string
	Prompt    string
	MaxTokens int
}

// ProviderResult is the uniform result of a provider call.
type ProviderResult struct {
	Text       string
	TokensUsed int64
	Latency    time.Duration
}
