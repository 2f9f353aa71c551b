package modelgate_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mg "github.com/hapivet/modelgate"
	"github.com/hapivet/modelgate/ledger"
)

func newDetector(t *testing.T, now time.Time, cfg mg.MonitoringConfig) (*mg.Detector, *ledger.Memory, *mg.AlertBook) {
	t.Helper()
	clock := func() time.Time { return now }
	store := ledger.NewMemory(ledger.WithClock(clock))
	alerts := mg.NewAlertBook(time.Hour, nil)
	monitor := mg.NewMonitor(store, alerts, cfg, mg.WithMonitorClock(clock))
	d := mg.NewDetector(store, monitor, alerts, cfg, mg.WithDetectorClock(clock))
	return d, store, alerts
}

func record(t *testing.T, store *ledger.Memory, userID, ip string, tokens int64, ts time.Time) {
	t.Helper()
	err := store.Record(context.Background(), mg.UsageEvent{
		ID:         uuid.NewString(),
		UserID:     userID,
		Provider:   "google",
		Model:      "seed",
		TokensUsed: tokens,
		Timestamp:  ts,
		SourceIP:   ip,
	})
	require.NoError(t, err)
}

// Test 1: Five distinct IPs in 24h saturate the IP signal at 0.4
func TestScore_DistinctIPs(t *testing.T) {
	noon := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	d, store, _ := newDetector(t, noon, monitoringCfg())

	// Outside the last hour so the burst signal stays zero.
	for i := 0; i < 5; i++ {
		record(t, store, "u1", fmt.Sprintf("10.0.0.%d", i), 100, noon.Add(-2*time.Hour))
	}

	score, err := d.Score(context.Background(), "u1", mg.RequestMeta{SourceIP: "10.0.0.0"})
	require.NoError(t, err)
	assert.Equal(t, 5, score.DistinctIPs)
	assert.InDelta(t, 0.4, score.Score, 1e-9)
}

// Test 2: All traffic at night drives the off-hours signal to 0.3
func TestScore_OffHours(t *testing.T) {
	threeAM := time.Date(2026, 3, 15, 3, 0, 0, 0, time.UTC)
	d, store, _ := newDetector(t, threeAM, monitoringCfg())

	record(t, store, "u1", "10.0.0.1", 100, threeAM.Add(-90*time.Minute))
	record(t, store, "u1", "10.0.0.1", 100, threeAM.Add(-70*time.Minute))

	score, err := d.Score(context.Background(), "u1", mg.RequestMeta{SourceIP: "10.0.0.1"})
	require.NoError(t, err)
	assert.Equal(t, 1.0, score.OffHours)
	assert.InDelta(t, 0.3, score.Score, 1e-9)
}

// Test 3: Tokens packed into one 5-minute bucket max out the burst signal
func TestScore_Burst(t *testing.T) {
	noon := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	d, store, _ := newDetector(t, noon, monitoringCfg())

	// Same bucket, single IP, daytime.
	record(t, store, "u1", "10.0.0.1", 500, noon.Add(-3*time.Minute))
	record(t, store, "u1", "10.0.0.1", 500, noon.Add(-3*time.Minute).Add(10*time.Second))

	score, err := d.Score(context.Background(), "u1", mg.RequestMeta{SourceIP: "10.0.0.1"})
	require.NoError(t, err)
	assert.Equal(t, 1.0, score.Burst)
	assert.InDelta(t, 0.3, score.Score, 1e-9)
}

// Test 4: Spread-out usage from one IP scores near zero
func TestScore_BenignUser(t *testing.T) {
	noon := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	d, store, _ := newDetector(t, noon, monitoringCfg())

	for i := 1; i <= 4; i++ {
		record(t, store, "u1", "10.0.0.1", 100, noon.Add(-time.Duration(i)*2*time.Hour))
	}

	score, err := d.Score(context.Background(), "u1", mg.RequestMeta{SourceIP: "10.0.0.1"})
	require.NoError(t, err)
	assert.Equal(t, 1, score.DistinctIPs)
	assert.Equal(t, 0.0, score.OffHours)
	assert.Equal(t, 0.0, score.Burst)
	assert.Equal(t, 0.0, score.Score)
}

// Test 5: Combined signals at or above the cutoff trip the gate
func TestIsFraud_ScoreCutoff(t *testing.T) {
	threeAM := time.Date(2026, 3, 15, 3, 0, 0, 0, time.UTC)
	d, store, alerts := newDetector(t, threeAM, monitoringCfg())

	// Five IPs, night traffic, one tight burst: 0.4 + 0.3 + 0.3.
	for i := 0; i < 5; i++ {
		record(t, store, "u1", fmt.Sprintf("10.0.0.%d", i), 100, threeAM.Add(-3*time.Minute))
	}

	fraud, err := d.IsFraud(context.Background(), "u1", mg.RequestMeta{SourceIP: "10.0.0.0"})
	require.NoError(t, err)
	assert.True(t, fraud)

	var found bool
	for _, a := range alerts.AlertsFor("u1") {
		if a.Kind == mg.AlertFraud {
			found = true
			assert.Equal(t, mg.SeverityHigh, a.Severity)
		}
	}
	assert.True(t, found)
}

// Test 6: Hourly tokens over the fraud threshold trip the gate alone
func TestIsFraud_TokenThreshold(t *testing.T) {
	noon := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	d, store, _ := newDetector(t, noon, monitoringCfg())

	record(t, store, "u1", "10.0.0.1", 10_001, noon.Add(-30*time.Minute))

	fraud, err := d.IsFraud(context.Background(), "u1", mg.RequestMeta{SourceIP: "10.0.0.1"})
	require.NoError(t, err)
	assert.True(t, fraud)
}

// Test 7: A quiet user passes the gate
func TestIsFraud_CleanUser(t *testing.T) {
	noon := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	d, store, _ := newDetector(t, noon, monitoringCfg())

	record(t, store, "u1", "10.0.0.1", 100, noon.Add(-30*time.Minute))

	fraud, err := d.IsFraud(context.Background(), "u1", mg.RequestMeta{SourceIP: "10.0.0.1"})
	require.NoError(t, err)
	assert.False(t, fraud)
}

// Test 8: The incoming request itself feeds the off-hours signal
func TestScore_IncomingRequestCountsOffHours(t *testing.T) {
	threeAM := time.Date(2026, 3, 15, 3, 0, 0, 0, time.UTC)
	d, _, _ := newDetector(t, threeAM, monitoringCfg())

	// No recorded history at all; a first-time night caller still scores.
	score, err := d.Score(context.Background(), "fresh", mg.RequestMeta{SourceIP: "10.0.0.1"})
	require.NoError(t, err)
	assert.Equal(t, 1.0, score.OffHours)
	assert.InDelta(t, 0.3, score.Score, 1e-9)
}

// Test 9: A manual block trips the gate regardless of usage
func TestIsFraud_ManualBlock(t *testing.T) {
	noon := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	d, _, alerts := newDetector(t, noon, monitoringCfg())

	d.Block("u1")

	fraud, err := d.IsFraud(context.Background(), "u1", mg.RequestMeta{SourceIP: "10.0.0.1"})
	require.NoError(t, err)
	assert.True(t, fraud)
	require.NotEmpty(t, alerts.AlertsFor("u1"))

	d.Unblock("u1")
	fraud, err = d.IsFraud(context.Background(), "u1", mg.RequestMeta{SourceIP: "10.0.0.1"})
	require.NoError(t, err)
	assert.False(t, fraud)
}

// Test 10: A manual block expires after 24h
func TestIsFraud_BlockExpires(t *testing.T) {
	start := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	now := start
	clock := func() time.Time { return now }
	store := ledger.NewMemory(ledger.WithClock(clock))
	alerts := mg.NewAlertBook(time.Hour, nil)
	monitor := mg.NewMonitor(store, alerts, monitoringCfg(), mg.WithMonitorClock(clock))
	d := mg.NewDetector(store, monitor, alerts, monitoringCfg(), mg.WithDetectorClock(clock))

	d.Block("u1")
	fraud, err := d.IsFraud(context.Background(), "u1", mg.RequestMeta{})
	require.NoError(t, err)
	require.True(t, fraud)

	now = start.Add(25 * time.Hour)
	fraud, err = d.IsFraud(context.Background(), "u1", mg.RequestMeta{})
	require.NoError(t, err)
	assert.False(t, fraud)
}

// Test 11: SuspiciousUsers lists active blocks with their expiry
func TestSuspiciousUsers(t *testing.T) {
	noon := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	d, _, _ := newDetector(t, noon, monitoringCfg())

	d.Block("u1")
	d.Block("u2")
	d.Unblock("u2")

	got := d.SuspiciousUsers()
	require.Len(t, got, 1)
	assert.Equal(t, noon.Add(24*time.Hour), got["u1"])
}

// Test 12: A store outage does not fail the gate; blocks still apply
func TestIsFraud_StoreOutageDoesNotFailGate(t *testing.T) {
	noon := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return noon }
	store := newFlakyLedger()
	store.setDown(true)
	alerts := mg.NewAlertBook(time.Hour, nil)
	monitor := mg.NewMonitor(store, alerts, monitoringCfg(), mg.WithMonitorClock(clock))
	d := mg.NewDetector(store, monitor, alerts, monitoringCfg(), mg.WithDetectorClock(clock))

	fraud, err := d.IsFraud(context.Background(), "u1", mg.RequestMeta{SourceIP: "10.0.0.1"})
	require.NoError(t, err)
	assert.False(t, fraud)

	d.Block("u1")
	fraud, err = d.IsFraud(context.Background(), "u1", mg.RequestMeta{SourceIP: "10.0.0.1"})
	require.NoError(t, err)
	assert.True(t, fraud)
}
