package modelgate

import (
	"context"
	"fmt"
	"time"
)

// Monitor consumes ledger aggregates, computes per-user rate of use
// and raises spike alerts.
type Monitor struct {
	ledger Ledger
	alerts *AlertBook
	cfg    MonitoringConfig
	now    func() time.Time
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithMonitorClock overrides the monitor's clock. Test hook.
func WithMonitorClock(now func() time.Time) MonitorOption {
	return func(m *Monitor) { m.now = now }
}

// NewMonitor creates a Monitor over the given ledger and alert book.
func NewMonitor(ledger Ledger, alerts *AlertBook, cfg MonitoringConfig, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		ledger: ledger,
		alerts: alerts,
		cfg:    cfg,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Evaluation is the monitor's view of one user's recent usage.
type Evaluation struct {
	UserID        string
	HourlyTokens  int64
	DailyTokens   int64
	SpikeDetected bool
}

// Evaluate computes the user's hourly and daily token totals across
// all providers and raises a spike alert when the hourly total
// exceeds the spike threshold. At most one spike alert is created per
// user per cooldown period.
func (m *Monitor) Evaluate(ctx context.Context, userID string) (Evaluation, error) {
	hourly, err := m.ledger.Usage(ctx, userID, "*", WindowHour)
	if err != nil {
		return Evaluation{}, err
	}
	daily, err := m.ledger.Usage(ctx, userID, "*", WindowDay)
	if err != nil {
		return Evaluation{}, err
	}

	ev := Evaluation{
		UserID:       userID,
		HourlyTokens: hourly.Tokens,
		DailyTokens:  daily.Tokens,
	}

	now := m.now().UTC()

	if hourly.Tokens > m.cfg.SpikeThreshold {
		ev.SpikeDetected = true
		m.alerts.Raise(AlertSpike, userID,
			fmt.Sprintf("token usage spike: %d tokens in the last hour", hourly.Tokens),
			SeverityMedium, now)
	}

	// Abnormal pattern: the last hour alone runs at more than 3x the
	// trailing 24h hourly average.
	if avg := daily.Tokens / 24; avg > 0 && hourly.Tokens > 3*avg {
		m.alerts.Raise(AlertAbnormal, userID,
			fmt.Sprintf("abnormal usage pattern: %d tokens this hour vs %d hourly average", hourly.Tokens, avg),
			SeverityMedium, now)
	}

	return ev, nil
}
