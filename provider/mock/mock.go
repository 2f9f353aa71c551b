// Package mock provides a configurable fake provider adapter for
// tests and examples.
package mock

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/hapivet/modelgate"
)

// Provider is a mock adapter.
type Provider struct {
	name      string
	text      string
	tokens    int64
	latency   time.Duration
	staticErr error
	failFirst int64 // fail the first N calls, then succeed
	calls     atomic.Int64

	sendFunc func(modelgate.ProviderRequest) (modelgate.ProviderResult, error)
}

var _ modelgate.Provider = (*Provider)(nil)

// Option configures a mock Provider.
type Option func(*Provider)

// New creates a mock provider with the given options.
func New(opts ...Option) *Provider {
	p := &Provider{
		name:   "mock",
		text:   "Hello from mock provider",
		tokens: 30,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WithName sets the provider name.
func WithName(name string) Option {
	return func(p *Provider) { p.name = name }
}

// WithText sets the response text.
func WithText(text string) Option {
	return func(p *Provider) { p.text = text }
}

// WithTokens sets the reported token usage per call.
func WithTokens(n int64) Option {
	return func(p *Provider) { p.tokens = n }
}

// WithLatency adds simulated latency to each call.
func WithLatency(d time.Duration) Option {
	return func(p *Provider) { p.latency = d }
}

// WithError makes every call fail with the given error.
func WithError(err error) Option {
	return func(p *Provider) { p.staticErr = err }
}

// WithFailFirst makes the first n calls fail with ErrProviderUnavailable.
func WithFailFirst(n int) Option {
	return func(p *Provider) { p.failFirst = int64(n) }
}

// WithSendFunc replaces the response logic entirely.
func WithSendFunc(f func(modelgate.ProviderRequest) (modelgate.ProviderResult, error)) Option {
	return func(p *Provider) { p.sendFunc = f }
}

func (p *Provider) Name() string { return p.name }

// Calls returns how many times Send was invoked.
func (p *Provider) Calls() int64 { return p.calls.Load() }

func (p *Provider) Send(ctx context.Context, req modelgate.ProviderRequest) (modelgate.ProviderResult, error) {
	n := p.calls.Add(1)

	if p.latency > 0 {
		select {
		case <-time.After(p.latency):
		case <-ctx.Done():
			return modelgate.ProviderResult{}, ctx.Err()
		}
	}

	if p.staticErr != nil {
		return modelgate.ProviderResult{}, p.staticErr
	}
	if n <= p.failFirst {
		return modelgate.ProviderResult{}, modelgate.ErrProviderUnavailable
	}
	if p.sendFunc != nil {
		return p.sendFunc(req)
	}

	return modelgate.ProviderResult{
		Text:       p.text,
		TokensUsed: p.tokens,
		Latency:    p.latency,
	}, nil
}
