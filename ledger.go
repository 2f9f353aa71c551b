package modelgate

import (
	"context"
	"time"
)

// Ledger is the single mutable shared resource in the engine: it owns
// UsageEvent, WindowAggregate and FreeTierBudget state. All mutation
// funnels through Record; every other component only reads snapshots.
//
// Record must be safe under unbounded concurrent callers and must
// serialize per (userID, provider) rather than globally. Reads may be
// served from slightly stale aggregates; within a single process
// instance Usage must still reflect every event recorded before the
// call returned.
type Ledger interface {
	// Record appends the event atomically, updating all matching
	// window aggregates and the provider's free-tier budget in the
	// same logical transaction. Idempotent by event ID: a duplicate
	// returns ErrDuplicateEvent and changes nothing. Returns
	// ErrStoreUnavailable when the backing store is unreachable.
	Record(ctx context.Context, e UsageEvent) error

	// Usage returns the aggregate for (userID, provider, window).
	// provider may be "*" for all providers.
	Usage(ctx context.Context, userID, provider string, w Window) (WindowAggregate, error)

	// RemainingFreeTier returns the provider's free-tier tokens left
	// this billing cycle. Negative values signal overshoot.
	RemainingFreeTier(ctx context.Context, provider string) (int64, error)

	// ProviderUsage returns the month-to-date consumption snapshot
	// for a provider.
	ProviderUsage(ctx context.Context, provider string) (ProviderUsage, error)

	// Events returns the user's raw events with Timestamp >= since,
	// oldest first. Feeds the fraud detector's windowed signals;
	// bounded by the retention policy.
	Events(ctx context.Context, userID string, since time.Time) ([]UsageEvent, error)
}

// FreeTierInitializer is implemented by ledgers that accept allowance
// configuration at startup.
type FreeTierInitializer interface {
	SetFreeTier(provider string, monthlyTokens int64)
}
