package modelgate

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const defaultMaxAttempts = 3

// Manager orchestrates the decision pipeline: classify the prompt,
// rank candidates by effective cost, apply the fraud gate, select the
// final model, and record actual usage once the caller reports back.
type Manager struct {
	cfg       Config
	catalog   *Catalog
	ledger    Ledger
	recorder  *RetryRecorder
	optimizer *Optimizer
	monitor   *Monitor
	detector  *Detector
	alerts    *AlertBook
	health    *HealthTracker
	meter     Meter
	providers map[string]Provider

	maxAttempts int
	now         func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithMeter sets the meter. Defaults to a no-op.
func WithMeter(m Meter) Option {
	return func(mgr *Manager) { mgr.meter = m }
}

// WithProviders registers provider adapters for Execute.
func WithProviders(providers ...Provider) Option {
	return func(mgr *Manager) {
		for _, p := range providers {
			mgr.providers[p.Name()] = p
		}
	}
}

// WithMaxAttempts bounds Execute's fallback attempts.
func WithMaxAttempts(n int) Option {
	return func(mgr *Manager) { mgr.maxAttempts = n }
}

// WithClock overrides the manager's clock. Test hook; it propagates
// to the monitor and detector built by NewManager.
func WithClock(now func() time.Time) Option {
	return func(mgr *Manager) { mgr.now = now }
}

// NewManager builds the engine from validated config and an injected
// ledger. The catalog is loaded once here and never mutated; a bad
// catalog entry fails fast with a ConfigError.
func NewManager(cfg Config, ledger Ledger, opts ...Option) (*Manager, error) {
	// Validate here, not just inside NewCatalog: the manager keeps its
	// own copy of the config and needs the threshold defaults filled.
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	catalog, err := NewCatalog(cfg)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:         cfg,
		catalog:     catalog,
		ledger:      ledger,
		providers:   make(map[string]Provider),
		maxAttempts: defaultMaxAttempts,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.meter == nil {
		m.meter = noopMeter{}
	}

	if init, ok := ledger.(FreeTierInitializer); ok {
		for provider, limit := range cfg.CostOpt.FreeTierLimits {
			init.SetFreeTier(provider, limit)
		}
	}

	m.recorder = NewRetryRecorder(ledger)
	m.health = NewHealthTracker()
	m.alerts = NewAlertBook(cfg.Monitoring.AlertCooldown(), m.meter)
	m.monitor = NewMonitor(ledger, m.alerts, cfg.Monitoring, WithMonitorClock(m.now))
	m.detector = NewDetector(ledger, m.monitor, m.alerts, cfg.Monitoring, WithDetectorClock(m.now))
	m.optimizer = NewOptimizer(catalog, ledger)

	return m, nil
}

// Close stops the background accounting retry loop.
func (m *Manager) Close() { m.recorder.Close() }

// Catalog returns the immutable model catalog.
func (m *Manager) Catalog() *Catalog { return m.catalog }

// Optimizer returns the cost optimizer.
func (m *Manager) Optimizer() *Optimizer { return m.optimizer }

// Monitor returns the usage monitor.
func (m *Manager) Monitor() *Monitor { return m.monitor }

// Detector returns the fraud detector.
func (m *Manager) Detector() *Detector { return m.detector }

// Alerts returns the alert book (read-only view for sinks).
func (m *Manager) Alerts() *AlertBook { return m.alerts }

// Health returns the per-provider circuit breaker.
func (m *Manager) Health() *HealthTracker { return m.health }

// RouteRequest is the request boundary for a routing decision.
type RouteRequest struct {
	Prompt          string
	UserID          string
	ModelPreference string // "auto" or "<provider>-<model>"
	MaxTokens       int
	Meta            RequestMeta

	// ExcludeProviders removes providers a prior attempt failed
	// against. Used by Execute for fallback.
	ExcludeProviders []string
}

// Route makes a routing decision without touching the network. The
// returned decision carries an obligation: once the provider call
// completes, the caller must invoke Report with actual usage.
//
// The fraud gate is a hard veto and applies before selection, even
// when ModelPreference names a specific model.
func (m *Manager) Route(ctx context.Context, req RouteRequest) (RoutingDecision, error) {
	capability := Classify(req.Prompt)
	estimated := EstimateTokens(req.Prompt)

	fraud, err := m.detector.IsFraud(ctx, req.UserID, req.Meta)
	if err != nil {
		return RoutingDecision{}, err
	}
	if fraud {
		return RoutingDecision{}, &RouteError{
			Err:    ErrFraudBlocked,
			UserID: req.UserID,
		}
	}

	exclude := make(map[string]bool, len(req.ExcludeProviders))
	for _, p := range req.ExcludeProviders {
		exclude[p] = true
	}
	// Open circuits drop out of auto selection; half-open lets a probe
	// through. An explicit preference bypasses the breaker.
	for _, provider := range m.catalog.Providers() {
		if m.health.GetHealth(provider) == HealthUnhealthy {
			exclude[provider] = true
		}
	}

	var (
		chosen     RankedModel
		candidates int
		reason     string
	)

	if req.ModelPreference != "" && req.ModelPreference != "auto" {
		spec, err := m.optimizer.Resolve(req.ModelPreference)
		if err != nil {
			return RoutingDecision{}, &RouteError{Err: err, UserID: req.UserID, Model: req.ModelPreference}
		}
		remaining, err := m.optimizer.remainingFreeTier(ctx, spec.Provider)
		if err != nil {
			return RoutingDecision{}, err
		}
		cost := spec.CostPer1kTokens
		if remaining > estimated {
			cost = 0
		}
		chosen = RankedModel{Spec: spec, EffectiveCost: cost}
		candidates = 1
		reason = "explicit model preference"
	} else {
		ranked, err := m.optimizer.Rank(ctx, capability, estimated, exclude)
		if err != nil {
			return RoutingDecision{}, err
		}
		ranked = fitContext(ranked, req.MaxTokens)
		if len(ranked) == 0 {
			return RoutingDecision{}, ErrNoCandidate
		}
		chosen = ranked[0]
		candidates = len(ranked)
		if chosen.EffectiveCost == 0 {
			reason = "cheapest candidate (free tier)"
		} else {
			reason = "cheapest candidate"
		}
	}

	decision := RoutingDecision{
		UserID:               req.UserID,
		Capability:           capability,
		Chosen:               chosen.Spec,
		CandidatesConsidered: candidates,
		EstimatedTokens:      estimated,
		EffectiveCostPer1k:   chosen.EffectiveCost,
		EstimatedCost:        EstimateCost(chosen, estimated),
		Reason:               reason,
		State:                StateSelected,
	}

	m.meter.OnRoute(RouteEvent{
		UserID:          req.UserID,
		Provider:        decision.Chosen.Provider,
		Model:           decision.Chosen.Model,
		Capability:      capability,
		Free:            chosen.EffectiveCost == 0,
		Candidates:      candidates,
		EstimatedTokens: estimated,
		EstimatedCost:   decision.EstimatedCost,
	})

	return decision, nil
}

// fitContext drops candidates whose context window cannot hold the
// requested completion budget.
func fitContext(ranked []RankedModel, maxTokens int) []RankedModel {
	if maxTokens <= 0 {
		return ranked
	}
	out := ranked[:0]
	for _, r := range ranked {
		if r.Spec.MaxTokens >= maxTokens {
			out = append(out, r)
		}
	}
	return out
}

// Report records the actual usage of a completed (or cancelled) call
// against the ledger. Recording zero tokens on a failed or cancelled
// call is valid and expected; accounting is never silently dropped.
// A ledger outage queues the event for background retry and does not
// surface here. The duration is the provider call's wall time; zero
// when the caller did not measure one.
func (m *Manager) Report(ctx context.Context, decision RoutingDecision, tokensUsed int64, duration time.Duration, meta RequestMeta, callErr error) error {
	ts := meta.Timestamp
	if ts.IsZero() {
		ts = m.now()
	}

	cost := decision.EffectiveCostPer1k * float64(tokensUsed) / 1000

	err := m.recorder.Record(ctx, UsageEvent{
		ID:         uuid.New().String(),
		UserID:     decision.UserID,
		Provider:   decision.Chosen.Provider,
		Model:      decision.Chosen.Model,
		TokensUsed: tokensUsed,
		Cost:       cost,
		Timestamp:  ts.UTC(),
		SourceIP:   meta.SourceIP,
	})
	if err != nil {
		return err
	}

	m.meter.OnResult(ResultEvent{
		UserID:     decision.UserID,
		Provider:   decision.Chosen.Provider,
		Model:      decision.Chosen.Model,
		Success:    callErr == nil,
		TokensUsed: tokensUsed,
		Cost:       cost,
		Duration:   duration,
		Error:      callErr,
	})

	if remaining, lerr := m.ledger.RemainingFreeTier(ctx, decision.Chosen.Provider); lerr == nil {
		if limit := m.cfg.CostOpt.FreeTierLimits[decision.Chosen.Provider]; limit > 0 && remaining <= 0 {
			m.alerts.Raise(AlertFreeTier, decision.UserID,
				fmt.Sprintf("free tier for %s exhausted (%d tokens remaining)", decision.Chosen.Provider, remaining),
				SeverityLow, m.now().UTC())
		}
	}

	return nil
}

// ExecuteResult is the response boundary for a completed request.
type ExecuteResult struct {
	Decision   RoutingDecision
	ModelUsed  string
	Text       string
	TokensUsed int64
	Cost       float64
	Duration   time.Duration
}

// Execute runs the full loop: route, call the registered provider
// adapter, report usage, and fall back to the next-ranked candidate
// (excluding the failed provider) on retryable errors, up to the
// attempt bound. Failed attempts still get a zero-token report so the
// accounting trail stays complete.
func (m *Manager) Execute(ctx context.Context, req RouteRequest) (ExecuteResult, error) {
	var lastErr error

	for attempt := 0; attempt < m.maxAttempts; attempt++ {
		decision, err := m.Route(ctx, req)
		if err != nil {
			return ExecuteResult{}, err
		}

		prov, ok := m.providers[decision.Chosen.Provider]
		if !ok {
			lastErr = fmt.Errorf("%w: no adapter registered for %q", ErrProviderUnavailable, decision.Chosen.Provider)
			req.ExcludeProviders = append(req.ExcludeProviders, decision.Chosen.Provider)
			req.ModelPreference = "auto"
			continue
		}

		start := m.now()
		result, callErr := prov.Send(ctx, ProviderRequest{
			Model:     decision.Chosen.Model,
			Prompt:    req.Prompt,
			MaxTokens: req.MaxTokens,
		})
		duration := m.now().Sub(start)

		if callErr != nil {
			m.health.RecordFailure(decision.Chosen.Provider)
			// Partial billing on timeouts is reconciled by whatever
			// token count the adapter could salvage (usually zero).
			_ = m.Report(ctx, decision, result.TokensUsed, duration, req.Meta, callErr)

			if IsFatal(callErr) {
				return ExecuteResult{}, &RouteError{
					Err:      callErr,
					Provider: decision.Chosen.Provider,
					Model:    decision.Chosen.Model,
					UserID:   req.UserID,
					Attempts: attempt + 1,
				}
			}
			lastErr = callErr
			req.ExcludeProviders = append(req.ExcludeProviders, decision.Chosen.Provider)
			// An explicit preference that failed falls back to the
			// ranked list, like any other candidate.
			req.ModelPreference = "auto"
			continue
		}

		m.health.RecordSuccess(decision.Chosen.Provider)

		decision.State = StateRecorded
		if err := m.Report(ctx, decision, result.TokensUsed, duration, req.Meta, nil); err != nil {
			return ExecuteResult{}, err
		}

		return ExecuteResult{
			Decision:   decision,
			ModelUsed:  decision.Chosen.ID(),
			Text:       result.Text,
			TokensUsed: result.TokensUsed,
			Cost:       decision.EffectiveCostPer1k * float64(result.TokensUsed) / 1000,
			Duration:   duration,
		}, nil
	}

	return ExecuteResult{}, &RouteError{
		Err:      fmt.Errorf("%w: %v", ErrAllFailed, lastErr),
		UserID:   req.UserID,
		Attempts: m.maxAttempts,
	}
}

// noopMeter is the default meter.
type noopMeter struct{}

func (noopMeter) OnRoute(RouteEvent)   {}
func (noopMeter) OnResult(ResultEvent) {}
func (noopMeter) OnAlert(Alert)        {}
