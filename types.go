package modelgate

import (
	"fmt"
	"time"
)

// CapabilityTag labels the kind of task a model is suited for.
type CapabilityTag string

const (
	CapCoding    CapabilityTag = "coding"
	CapReasoning CapabilityTag = "reasoning"
	CapCreative  CapabilityTag = "creative"
	CapGeneric   CapabilityTag = "generic"
)

// ModelSpec describes a single model known to the catalog.
// Immutable after load.
type ModelSpec struct {
	Provider        string          `yaml:"provider"`
	Model           string          `yaml:"model"`
	CostPer1kTokens float64         `yaml:"cost_per_1k_tokens"`
	MaxTokens       int             `yaml:"max_tokens"`
	Capabilities    []CapabilityTag `yaml:"capabilities"`
}

// ID returns the canonical "<provider>-<model>" identifier.
func (s ModelSpec) ID() string {
	return s.Provider + "-" + s.Model
}

// HasCapability reports whether the spec declares the given tag.
func (s ModelSpec) HasCapability(tag CapabilityTag) bool {
	for _, c := range s.Capabilities {
		if c == tag {
			return true
		}
	}
	return false
}

// UsageEvent is an append-only record of one completed provider call.
// Identity is the ID field; recording the same ID twice is a no-op.
type UsageEvent struct {
	ID         string
	UserID     string
	Provider   string
	Model      string
	TokensUsed int64
	Cost       float64
	Timestamp  time.Time // UTC
	SourceIP   string
}

// Window is an aggregation window. Windows are half-open [start, end):
// an event exactly at a boundary belongs to the window it starts.
type Window string

const (
	WindowHour  Window = "hour"
	WindowDay   Window = "day"
	WindowMonth Window = "month"
)

// Start returns the inclusive lower bound of the window ending at now.
// Hour and day are rolling; month is the UTC calendar month to date,
// matching the free-tier billing cycle.
func (w Window) Start(now time.Time) time.Time {
	now = now.UTC()
	switch w {
	case WindowHour:
		return now.Add(-time.Hour)
	case WindowDay:
		return now.Add(-24 * time.Hour)
	case WindowMonth:
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return now
	}
}

// WindowAggregate is the derived usage total for one (user, provider, window).
type WindowAggregate struct {
	Tokens   int64
	Requests int64
	Cost     float64
}

// ProviderUsage is the month-to-date consumption snapshot for a provider.
type ProviderUsage struct {
	Provider    string
	TokensUsed  int64
	Requests    int64
	Cost        float64
	Allowance   int64 // monthly free-tier token allowance, 0 = none
	PercentUsed float64
}

// Remaining returns the free-tier tokens left. Negative values signal
// transient overshoot and are reported as-is.
func (p ProviderUsage) Remaining() int64 {
	return p.Allowance - p.TokensUsed
}

// AlertKind classifies an alert.
type AlertKind string

const (
	AlertSpike    AlertKind = "spike"
	AlertFraud    AlertKind = "fraud"
	AlertAbnormal AlertKind = "abnormal_pattern"
	AlertFreeTier AlertKind = "free_tier_limit"
)

// Severity grades an alert.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Alert is raised by the usage monitor or fraud detector. While
// now < CooldownUntil, further alerts for the same (user, kind) pair
// are suppressed.
type Alert struct {
	Kind          AlertKind
	UserID        string
	Message       string
	Severity      Severity
	TriggeredAt   time.Time
	CooldownUntil time.Time
}

// RiskScore is a bounded heuristic abuse estimate for a user.
// Recomputed per decision; only the latest value is meaningful.
type RiskScore struct {
	UserID      string
	Score       float64 // in [0, 1]
	DistinctIPs int
	OffHours    float64 // share of last-24h requests made 00:00-05:00 UTC
	Burst       float64 // densest 5-minute bucket's share of hourly tokens
}

// RequestMeta carries per-request context used for fraud scoring.
type RequestMeta struct {
	SourceIP  string
	Timestamp time.Time
}

// DecisionState tracks a request through the routing state machine.
type DecisionState string

const (
	StateClassified DecisionState = "classified"
	StateRanked     DecisionState = "ranked"
	StateGated      DecisionState = "gated"
	StateSelected   DecisionState = "selected"
	StateRecorded   DecisionState = "recorded"
)

// RoutingDecision is the manager's output for one request. It is
// logged but is not a source of truth for quotas; the caller owes a
// Report call with actual usage once the provider call completes.
type RoutingDecision struct {
	UserID               string
	Capability           CapabilityTag
	Chosen               ModelSpec
	CandidatesConsidered int
	EstimatedTokens      int64
	EffectiveCostPer1k   float64
	EstimatedCost        float64
	Reason               string
	State                DecisionState
}

// RankedModel pairs a candidate spec with its effective cost for this
// request. EffectiveCost is zero while the provider's free tier covers
// the estimate.
type RankedModel struct {
	Spec          ModelSpec
	EffectiveCost float64
}

func (r RankedModel) String() string {
	return fmt.Sprintf("%s@%.4f", r.Spec.ID(), r.EffectiveCost)
}
