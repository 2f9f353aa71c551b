package modelgate

import "time"

// Meter observes routing events for monitoring and logging.
type Meter interface {
	// OnRoute is called when a routing decision is made.
	OnRoute(event RouteEvent)

	// OnResult is called when actual usage is reported back.
	OnResult(event ResultEvent)

	// OnAlert is called when the monitor or fraud detector raises an
	// alert that survived cooldown dedup.
	OnAlert(alert Alert)
}

// RouteEvent describes a routing decision.
type RouteEvent struct {
	UserID          string
	Provider        string
	Model           string
	Capability      CapabilityTag
	Free            bool
	Candidates      int
	EstimatedTokens int64
	EstimatedCost   float64
}

// ResultEvent describes the reported outcome of a provider call.
type ResultEvent struct {
	UserID     string
	Provider   string
	Model      string
	Success    bool
	TokensUsed int64
	Cost       float64
	Duration   time.Duration
	Error      error
}
