package modelgate

import (
	"sync"
	"time"
)

// AlertBook owns raised alerts and enforces cooldown dedup. A second
// alert for the same (user, kind) pair while the first one's cooldown
// runs is suppressed, making alert creation idempotent under
// concurrent evaluation. Serialization is per (user, kind), same
// discipline as the ledger's per-key locking.
type AlertBook struct {
	cooldown time.Duration
	meter    Meter

	mu     sync.Mutex
	active map[alertKey]time.Time // cooldownUntil per (user, kind)
	raised []Alert
}

type alertKey struct {
	userID string
	kind   AlertKind
}

// NewAlertBook creates an AlertBook with the given cooldown. Alerts
// that survive dedup are forwarded to the meter.
func NewAlertBook(cooldown time.Duration, meter Meter) *AlertBook {
	return &AlertBook{
		cooldown: cooldown,
		meter:    meter,
		active:   make(map[alertKey]time.Time),
	}
}

// Raise records an alert unless one for the same (user, kind) is
// still cooling down. Returns true if the alert was recorded.
func (b *AlertBook) Raise(kind AlertKind, userID, message string, severity Severity, now time.Time) bool {
	key := alertKey{userID: userID, kind: kind}

	b.mu.Lock()
	if until, ok := b.active[key]; ok && now.Before(until) {
		b.mu.Unlock()
		return false
	}

	alert := Alert{
		Kind:          kind,
		UserID:        userID,
		Message:       message,
		Severity:      severity,
		TriggeredAt:   now,
		CooldownUntil: now.Add(b.cooldown),
	}
	b.active[key] = alert.CooldownUntil
	b.raised = append(b.raised, alert)
	b.mu.Unlock()

	if b.meter != nil {
		b.meter.OnAlert(alert)
	}
	return true
}

// Alerts returns a snapshot of every alert raised so far, oldest
// first. Read-only view for notification sinks.
func (b *AlertBook) Alerts() []Alert {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Alert, len(b.raised))
	copy(out, b.raised)
	return out
}

// AlertsFor returns the raised alerts for one user, oldest first.
func (b *AlertBook) AlertsFor(userID string) []Alert {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Alert
	for _, a := range b.raised {
		if a.UserID == userID {
			out = append(out, a)
		}
	}
	return out
}
