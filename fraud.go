package modelgate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Fixed risk-score weights. They sum to 1.0 so the combined score
// stays in [0, 1].
const (
	weightDistinctIPs = 0.4
	weightOffHours    = 0.3
	weightBurst       = 0.3

	// Five distinct IPs in 24h saturates the IP signal.
	ipSaturation = 5

	// Off-hours means 00:00-05:00 UTC, half-open.
	offHoursEnd = 5

	burstBucket = 5 * time.Minute

	// Manual blocks expire on their own.
	blockTTL = 24 * time.Hour
)

// Detector computes per-user risk scores from the usage stream plus
// request metadata, and gates requests that look abusive.
type Detector struct {
	ledger  Ledger
	monitor *Monitor
	alerts  *AlertBook
	cfg     MonitoringConfig
	now     func() time.Time

	mu      sync.Mutex
	blocked map[string]time.Time // userID -> block expiry
}

// DetectorOption configures a Detector.
type DetectorOption func(*Detector)

// WithDetectorClock overrides the detector's clock. Test hook.
func WithDetectorClock(now func() time.Time) DetectorOption {
	return func(d *Detector) { d.now = now }
}

// NewDetector creates a Detector. The monitor supplies the windowed
// aggregates; the ledger supplies the raw event stream for signals.
func NewDetector(ledger Ledger, monitor *Monitor, alerts *AlertBook, cfg MonitoringConfig, opts ...DetectorOption) *Detector {
	d := &Detector{
		ledger:  ledger,
		monitor: monitor,
		alerts:  alerts,
		cfg:     cfg,
		now:     time.Now,
		blocked: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Block marks the user as fraudulent for the next 24h regardless of
// score. Manual intervention hook; the block expires on its own.
func (d *Detector) Block(userID string) {
	d.mu.Lock()
	d.blocked[userID] = d.now().UTC().Add(blockTTL)
	d.mu.Unlock()
}

// Unblock lifts a manual block before it expires.
func (d *Detector) Unblock(userID string) {
	d.mu.Lock()
	delete(d.blocked, userID)
	d.mu.Unlock()
}

// SuspiciousUsers returns the users currently under a manual block and
// when each block expires.
func (d *Detector) SuspiciousUsers() map[string]time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now().UTC()
	out := make(map[string]time.Time)
	for u, until := range d.blocked {
		if now.Before(until) {
			out[u] = until
		}
	}
	return out
}

func (d *Detector) isBlocked(userID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	until, ok := d.blocked[userID]
	if !ok {
		return false
	}
	if !d.now().UTC().Before(until) {
		delete(d.blocked, userID)
		return false
	}
	return true
}

// Score computes the user's risk score from the last 24h of events
// plus the incoming request itself, which counts toward the off-hours
// ratio. Bounded to [0, 1]. An unreachable store scores on the
// incoming request alone.
func (d *Detector) Score(ctx context.Context, userID string, meta RequestMeta) (RiskScore, error) {
	now := d.now().UTC()
	events, err := d.ledger.Events(ctx, userID, now.Add(-24*time.Hour))
	if err != nil {
		if !errors.Is(err, ErrStoreUnavailable) {
			return RiskScore{}, err
		}
		events = nil
	}

	ips := make(map[string]bool)
	if meta.SourceIP != "" {
		ips[meta.SourceIP] = true
	}
	var offHours, total int
	var hourlyTokens int64
	buckets := make(map[int64]int64) // 5-minute bucket -> tokens, last hour only
	hourStart := WindowHour.Start(now)

	ts := meta.Timestamp
	if ts.IsZero() {
		ts = now
	}
	total++
	if ts.UTC().Hour() < offHoursEnd {
		offHours++
	}

	for _, e := range events {
		total++
		if e.SourceIP != "" {
			ips[e.SourceIP] = true
		}
		if e.Timestamp.UTC().Hour() < offHoursEnd {
			offHours++
		}
		if !e.Timestamp.Before(hourStart) {
			hourlyTokens += e.TokensUsed
			buckets[e.Timestamp.Unix()/int64(burstBucket.Seconds())] += e.TokensUsed
		}
	}

	score := RiskScore{UserID: userID, DistinctIPs: len(ips)}

	if len(ips) > 1 {
		ratio := float64(len(ips)-1) / float64(ipSaturation-1)
		if ratio > 1 {
			ratio = 1
		}
		score.Score += weightDistinctIPs * ratio
	}

	if total > 0 {
		score.OffHours = float64(offHours) / float64(total)
		score.Score += weightOffHours * score.OffHours
	}

	if hourlyTokens > 0 {
		var maxBucket int64
		for _, t := range buckets {
			if t > maxBucket {
				maxBucket = t
			}
		}
		score.Burst = float64(maxBucket) / float64(hourlyTokens)
		score.Score += weightBurst * score.Burst
	}

	return score, nil
}

// IsFraud reports whether the user should be refused routing: manually
// blocked, hourly tokens above the fraud threshold, or risk score at
// or above the cutoff. A positive result raises a fraud alert
// (cooldown-deduped). An unreachable store leaves only the block list
// and the incoming request to judge by; routing is not failed for it.
func (d *Detector) IsFraud(ctx context.Context, userID string, meta RequestMeta) (bool, error) {
	if d.isBlocked(userID) {
		d.alerts.Raise(AlertFraud, userID, "user is manually blocked",
			SeverityHigh, d.now().UTC())
		return true, nil
	}

	ev, err := d.monitor.Evaluate(ctx, userID)
	if err != nil {
		if !errors.Is(err, ErrStoreUnavailable) {
			return false, err
		}
		ev = Evaluation{UserID: userID}
	}

	if ev.HourlyTokens > d.cfg.FraudThreshold {
		d.alerts.Raise(AlertFraud, userID,
			fmt.Sprintf("hourly token usage %d exceeds fraud threshold %d", ev.HourlyTokens, d.cfg.FraudThreshold),
			SeverityHigh, d.now().UTC())
		return true, nil
	}

	score, err := d.Score(ctx, userID, meta)
	if err != nil {
		return false, err
	}
	if score.Score >= d.cfg.FraudScoreCutoff {
		d.alerts.Raise(AlertFraud, userID,
			fmt.Sprintf("risk score %.2f at or above cutoff %.2f", score.Score, d.cfg.FraudScoreCutoff),
			SeverityHigh, d.now().UTC())
		return true, nil
	}

	return false, nil
}
