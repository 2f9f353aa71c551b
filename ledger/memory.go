// Package ledger provides the in-memory Ledger used in single-process
// deployments and tests. Redis, Postgres and SQLite backed stores live
// in submodules under this directory.
package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/hapivet/modelgate"
)

// Memory is an in-memory Ledger. Mutation is serialized per user and
// per provider rather than behind one global lock, so concurrent
// Record calls for unrelated keys never contend.
type Memory struct {
	retention time.Duration
	now       func() time.Time

	mu        sync.RWMutex
	users     map[string]*userState
	providers map[string]*providerState
}

type userState struct {
	mu     sync.Mutex
	events []modelgate.UsageEvent
	seen   map[string]bool
	months map[string]*monthAgg // provider -> month-to-date
}

type monthAgg struct {
	year     int
	month    time.Month
	tokens   int64
	requests int64
	cost     float64
}

type providerState struct {
	mu        sync.Mutex
	allowance int64
	year      int
	month     time.Month
	tokens    int64
	requests  int64
	cost      float64
}

var (
	_ modelgate.Ledger              = (*Memory)(nil)
	_ modelgate.FreeTierInitializer = (*Memory)(nil)
)

// Option configures a Memory ledger.
type Option func(*Memory)

// WithRetention bounds how long raw events are kept (default 24h, the
// longest window the fraud signals read).
func WithRetention(d time.Duration) Option {
	return func(m *Memory) { m.retention = d }
}

// WithClock overrides the ledger's clock. Test hook.
func WithClock(now func() time.Time) Option {
	return func(m *Memory) { m.now = now }
}

// NewMemory creates an in-memory ledger.
func NewMemory(opts ...Option) *Memory {
	m := &Memory{
		retention: 24 * time.Hour,
		now:       time.Now,
		users:     make(map[string]*userState),
		providers: make(map[string]*providerState),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetFreeTier configures the monthly token allowance for a provider.
func (m *Memory) SetFreeTier(provider string, monthlyTokens int64) {
	ps := m.provider(provider)
	ps.mu.Lock()
	ps.allowance = monthlyTokens
	ps.mu.Unlock()
}

// Record appends the event, updating the user's window state and the
// provider's free-tier budget. Idempotent by event ID.
func (m *Memory) Record(_ context.Context, e modelgate.UsageEvent) error {
	now := m.now().UTC()
	if e.Timestamp.IsZero() {
		e.Timestamp = now
	}
	e.Timestamp = e.Timestamp.UTC()

	us := m.user(e.UserID)

	us.mu.Lock()
	if e.ID != "" && us.seen[e.ID] {
		us.mu.Unlock()
		return modelgate.ErrDuplicateEvent
	}
	if e.ID != "" {
		us.seen[e.ID] = true
	}
	us.events = append(us.events, e)
	us.prune(now, m.retention)

	ma, ok := us.months[e.Provider]
	if !ok {
		ma = &monthAgg{}
		us.months[e.Provider] = ma
	}
	ma.roll(e.Timestamp)
	ma.tokens += e.TokensUsed
	ma.requests++
	ma.cost += e.Cost
	us.mu.Unlock()

	ps := m.provider(e.Provider)
	ps.mu.Lock()
	ps.roll(e.Timestamp)
	ps.tokens += e.TokensUsed
	ps.requests++
	ps.cost += e.Cost
	ps.mu.Unlock()

	return nil
}

// Usage returns the aggregate for (userID, provider, window). provider
// "*" spans all providers. Hour and day are computed from the raw
// event log; month comes from the incremental counters so it survives
// event retention.
func (m *Memory) Usage(_ context.Context, userID, provider string, w modelgate.Window) (modelgate.WindowAggregate, error) {
	us := m.user(userID)
	now := m.now().UTC()

	us.mu.Lock()
	defer us.mu.Unlock()

	if w == modelgate.WindowMonth {
		var agg modelgate.WindowAggregate
		for p, ma := range us.months {
			if provider != "*" && provider != p {
				continue
			}
			ma.roll(now)
			agg.Tokens += ma.tokens
			agg.Requests += ma.requests
			agg.Cost += ma.cost
		}
		return agg, nil
	}

	start := w.Start(now)
	var agg modelgate.WindowAggregate
	for _, e := range us.events {
		if e.Timestamp.Before(start) {
			continue
		}
		if provider != "*" && e.Provider != provider {
			continue
		}
		agg.Tokens += e.TokensUsed
		agg.Requests++
		agg.Cost += e.Cost
	}
	return agg, nil
}

// RemainingFreeTier returns the provider's free-tier tokens left this
// calendar month. Can go negative on overshoot.
func (m *Memory) RemainingFreeTier(_ context.Context, provider string) (int64, error) {
	ps := m.provider(provider)
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.roll(m.now().UTC())
	return ps.allowance - ps.tokens, nil
}

// ProviderUsage returns the month-to-date snapshot for a provider.
func (m *Memory) ProviderUsage(_ context.Context, provider string) (modelgate.ProviderUsage, error) {
	ps := m.provider(provider)
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.roll(m.now().UTC())

	pu := modelgate.ProviderUsage{
		Provider:   provider,
		TokensUsed: ps.tokens,
		Requests:   ps.requests,
		Cost:       ps.cost,
		Allowance:  ps.allowance,
	}
	if ps.allowance > 0 {
		pu.PercentUsed = float64(ps.tokens) / float64(ps.allowance) * 100
	} else if ps.tokens > 0 {
		pu.PercentUsed = 100
	}
	return pu, nil
}

// Events returns the user's events with Timestamp >= since, oldest
// first, bounded by retention.
func (m *Memory) Events(_ context.Context, userID string, since time.Time) ([]modelgate.UsageEvent, error) {
	us := m.user(userID)

	us.mu.Lock()
	defer us.mu.Unlock()

	var out []modelgate.UsageEvent
	for _, e := range us.events {
		if !e.Timestamp.Before(since) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *Memory) user(userID string) *userState {
	m.mu.RLock()
	us, ok := m.users[userID]
	m.mu.RUnlock()
	if ok {
		return us
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if us, ok = m.users[userID]; ok {
		return us
	}
	us = &userState{
		seen:   make(map[string]bool),
		months: make(map[string]*monthAgg),
	}
	m.users[userID] = us
	return us
}

func (m *Memory) provider(provider string) *providerState {
	m.mu.RLock()
	ps, ok := m.providers[provider]
	m.mu.RUnlock()
	if ok {
		return ps
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if ps, ok = m.providers[provider]; ok {
		return ps
	}
	ps = &providerState{}
	m.providers[provider] = ps
	return ps
}

// prune drops events past retention. Must be called with us.mu held.
func (us *userState) prune(now time.Time, retention time.Duration) {
	cutoff := now.Add(-retention)
	i := 0
	for i < len(us.events) && us.events[i].Timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		us.events = append(us.events[:0:0], us.events[i:]...)
	}
}

// roll resets counters on calendar-month rollover.
func (a *monthAgg) roll(now time.Time) {
	if a.year != now.Year() || a.month != now.Month() {
		*a = monthAgg{year: now.Year(), month: now.Month()}
	}
}

func (p *providerState) roll(now time.Time) {
	if p.year != now.Year() || p.month != now.Month() {
		p.year = now.Year()
		p.month = now.Month()
		p.tokens = 0
		p.requests = 0
		p.cost = 0
	}
}
