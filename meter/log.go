// Package meter provides Meter implementations for modelgate.
package meter

import (
	"log/slog"

	"github.com/hapivet/modelgate"
)

// LogMeter logs routing events and alerts using slog.
type LogMeter struct {
	Logger *slog.Logger
}

var _ modelgate.Meter = (*LogMeter)(nil)

// NewLogMeter creates a LogMeter with the given logger.
// If logger is nil, slog.Default() is used.
func NewLogMeter(logger *slog.Logger) *LogMeter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMeter{Logger: logger}
}

func (m *LogMeter) OnRoute(e modelgate.RouteEvent) {
	m.Logger.Info("route",
		"user", e.UserID,
		"provider", e.Provider,
		"model", e.Model,
		"capability", string(e.Capability),
		"free", e.Free,
		"candidates", e.Candidates,
		"estimated_tokens", e.EstimatedTokens,
		"estimated_cost", e.EstimatedCost,
	)
}

func (m *LogMeter) OnResult(e modelgate.ResultEvent) {
	if e.Success {
		m.Logger.Info("result",
			"user", e.UserID,
			"provider", e.Provider,
			"model", e.Model,
			"tokens", e.TokensUsed,
			"cost", e.Cost,
			"duration_ms", e.Duration.Milliseconds(),
		)
	} else {
		m.Logger.Warn("result_error",
			"user", e.UserID,
			"provider", e.Provider,
			"model", e.Model,
			"tokens", e.TokensUsed,
			"duration_ms", e.Duration.Milliseconds(),
			"error", e.Error,
		)
	}
}

func (m *LogMeter) OnAlert(a modelgate.Alert) {
	m.Logger.Warn("alert",
		"kind", string(a.Kind),
		"user", a.UserID,
		"severity", string(a.Severity),
		"message", a.Message,
		"cooldown_until", a.CooldownUntil,
	)
}
