package modelgate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Optimizer ranks eligible models by effective cost, honoring
// remaining free-tier budget. Ranking itself is pure computation over
// catalog and ledger snapshots and runs in parallel across requests;
// the only shared state is a last-known free-tier cache that keeps
// decisions flowing through a store outage.
type Optimizer struct {
	catalog *Catalog
	ledger  Ledger

	mu            sync.Mutex
	lastRemaining map[string]int64
}

// NewOptimizer creates an Optimizer over the given catalog and ledger.
func NewOptimizer(catalog *Catalog, ledger Ledger) *Optimizer {
	return &Optimizer{
		catalog:       catalog,
		ledger:        ledger,
		lastRemaining: make(map[string]int64),
	}
}

// remainingFreeTier reads the provider's free-tier balance, falling
// back to the last successful read when the store is unreachable so
// routing proceeds on last-known state. A provider never read before
// an outage ranks at list price.
func (o *Optimizer) remainingFreeTier(ctx context.Context, provider string) (int64, error) {
	r, err := o.ledger.RemainingFreeTier(ctx, provider)
	if err == nil {
		o.mu.Lock()
		o.lastRemaining[provider] = r
		o.mu.Unlock()
		return r, nil
	}
	if !errors.Is(err, ErrStoreUnavailable) {
		return 0, err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastRemaining[provider], nil
}

// Rank returns candidates for the capability ordered by effective
// cost. A provider whose remaining free tier covers estimatedTokens
// costs zero regardless of list price. Ties break by ascending list
// price, then by catalog declaration order, so the ranking is
// deterministic and stable for identical catalog + ledger state.
//
// If no model declares the capability, the full catalog is used
// instead: rank never returns zero candidates while any model exists
// outside excludeProviders.
func (o *Optimizer) Rank(ctx context.Context, capability CapabilityTag, estimatedTokens int64, excludeProviders map[string]bool) ([]RankedModel, error) {
	specs := o.catalog.ByCapability(capability)
	if len(specs) == 0 {
		specs = o.catalog.All()
	}

	// One free-tier read per provider per ranking pass. A stale value
	// here is tolerated; the next decision corrects any overshoot.
	remaining := make(map[string]int64)
	for _, s := range specs {
		if _, ok := remaining[s.Provider]; ok {
			continue
		}
		r, err := o.remainingFreeTier(ctx, s.Provider)
		if err != nil {
			return nil, err
		}
		remaining[s.Provider] = r
	}

	ranked := make([]RankedModel, 0, len(specs))
	for _, s := range specs {
		if excludeProviders[s.Provider] {
			continue
		}
		cost := s.CostPer1kTokens
		if remaining[s.Provider] > estimatedTokens {
			cost = 0
		}
		ranked = append(ranked, RankedModel{Spec: s, EffectiveCost: cost})
	}

	if len(ranked) == 0 {
		return nil, ErrNoCandidate
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		ri, rj := ranked[i], ranked[j]
		if ri.EffectiveCost != rj.EffectiveCost {
			return ri.EffectiveCost < rj.EffectiveCost
		}
		return ri.Spec.CostPer1kTokens < rj.Spec.CostPer1kTokens
	})

	return ranked, nil
}

// Resolve validates an explicit "<provider>-<model>" preference
// against the catalog, bypassing ranking. Fails with ErrUnknownModel.
func (o *Optimizer) Resolve(preference string) (ModelSpec, error) {
	return o.catalog.LookupID(preference)
}

// EstimateCost returns the expected dollar cost of estimatedTokens
// against the ranked candidate.
func EstimateCost(r RankedModel, estimatedTokens int64) float64 {
	return r.EffectiveCost * float64(estimatedTokens) / 1000
}

// CostAnalysis summarizes month-to-date spend and free-tier status
// across providers.
type CostAnalysis struct {
	Providers       []ProviderUsage
	TotalCost       float64
	TotalTokens     int64
	Recommendations []string
}

// Analysis builds a cost analysis snapshot over every provider in the
// catalog. Providers past 80% of their free tier get a recommendation
// to plan for paid models.
func (o *Optimizer) Analysis(ctx context.Context) (CostAnalysis, error) {
	var out CostAnalysis
	for _, provider := range o.catalog.Providers() {
		pu, err := o.ledger.ProviderUsage(ctx, provider)
		if err != nil {
			return CostAnalysis{}, err
		}
		out.Providers = append(out.Providers, pu)
		out.TotalCost += pu.Cost
		out.TotalTokens += pu.TokensUsed

		if pu.Allowance > 0 && pu.PercentUsed > 80 {
			out.Recommendations = append(out.Recommendations, fmt.Sprintf(
				"free tier for %s is %.1f%% used; paid models will take over soon",
				provider, pu.PercentUsed))
		}
	}
	return out, nil
}
