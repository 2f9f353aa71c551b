package modelgate

import "context"

// ModelStats pairs a catalog entry with its provider's month-to-date
// consumption and circuit state. Dashboard snapshot; values may lag
// in-flight requests.
type ModelStats struct {
	Spec   ModelSpec
	Usage  ProviderUsage
	Health HealthState
}

// Stats returns a snapshot for every model in the catalog, in
// declaration order.
func (m *Manager) Stats(ctx context.Context) ([]ModelStats, error) {
	usage := make(map[string]ProviderUsage)
	for _, provider := range m.catalog.Providers() {
		pu, err := m.ledger.ProviderUsage(ctx, provider)
		if err != nil {
			return nil, err
		}
		usage[provider] = pu
	}

	specs := m.catalog.All()
	out := make([]ModelStats, 0, len(specs))
	for _, s := range specs {
		out = append(out, ModelStats{
			Spec:   s,
			Usage:  usage[s.Provider],
			Health: m.health.GetHealth(s.Provider),
		})
	}
	return out, nil
}
