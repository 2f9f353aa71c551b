package modelgate_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mg "github.com/hapivet/modelgate"
	"github.com/hapivet/modelgate/ledger"
)

func TestStats_SnapshotPerModel(t *testing.T) {
	store := ledger.NewMemory()
	m := newTestManager(t, testConfig(), store)

	seedUsage(t, store, "u1", "google", 500, time.Now().UTC())

	stats, err := m.Stats(context.Background())
	require.NoError(t, err)
	require.Len(t, stats, 3)

	assert.Equal(t, "google-gemini-flash", stats[0].Spec.ID())
	assert.Equal(t, int64(500), stats[0].Usage.TokensUsed)
	assert.Equal(t, int64(1_000_000), stats[0].Usage.Allowance)
	assert.Equal(t, mg.HealthHealthy, stats[0].Health)

	assert.Equal(t, "openai-gpt-4o-mini", stats[1].Spec.ID())
	assert.Equal(t, int64(0), stats[1].Usage.TokensUsed)
}

func TestStats_ReflectsBreakerState(t *testing.T) {
	store := ledger.NewMemory()
	m := newTestManager(t, testConfig(), store)

	for n := 0; n < 3; n++ {
		m.Health().RecordFailure("openai")
	}

	stats, err := m.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, mg.HealthUnhealthy, stats[1].Health)
}
