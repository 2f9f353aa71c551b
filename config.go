package modelgate

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level engine configuration.
type Config struct {
	Models     []ModelSpec      `yaml:"models"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	CostOpt    CostOptConfig    `yaml:"cost_optimization"`
	Retention  RetentionConfig  `yaml:"retention"`
}

// MonitoringConfig holds spike/fraud thresholds and alert cooldown.
type MonitoringConfig struct {
	SpikeThreshold       int64   `yaml:"spike_threshold"`
	FraudThreshold       int64   `yaml:"fraud_threshold"`
	FraudScoreCutoff     float64 `yaml:"fraud_score_cutoff"`
	AlertCooldownSeconds int     `yaml:"alert_cooldown_seconds"`
}

// AlertCooldown returns the cooldown as a duration.
func (m MonitoringConfig) AlertCooldown() time.Duration {
	return time.Duration(m.AlertCooldownSeconds) * time.Second
}

// CostOptConfig holds per-provider monthly free-tier token allowances.
type CostOptConfig struct {
	FreeTierLimits map[string]int64 `yaml:"free_tier_limits"`
}

// RetentionConfig bounds how long raw usage events are kept.
type RetentionConfig struct {
	EventTTLHours int `yaml:"event_ttl_hours"`
}

// EventTTL returns the retention period; defaults to 24h, the longest
// rolling window the fraud signals read.
func (r RetentionConfig) EventTTL() time.Duration {
	if r.EventTTLHours <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(r.EventTTLHours) * time.Hour
}

// Defaults applied by Validate when fields are zero.
const (
	DefaultSpikeThreshold   = 1000
	DefaultFraudThreshold   = 10000
	DefaultFraudScoreCutoff = 0.7
	DefaultAlertCooldown    = 3600
)

// LoadConfig reads and parses a YAML config file. Environment
// variables in the format ${VAR} are expanded before parsing.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("modelgate: read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("modelgate: parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks the config and fills threshold defaults.
func (c *Config) Validate() error {
	if len(c.Models) == 0 {
		return &ConfigError{Field: "models", Msg: "at least one model is required"}
	}

	seen := make(map[string]bool, len(c.Models))
	for i, m := range c.Models {
		field := fmt.Sprintf("models[%d]", i)
		if m.Provider == "" {
			return &ConfigError{Field: field, Msg: "provider is required"}
		}
		if m.Model == "" {
			return &ConfigError{Field: field, Msg: "model name is required"}
		}
		if seen[m.ID()] {
			return &ConfigError{Field: field, Msg: fmt.Sprintf("duplicate model %q", m.ID())}
		}
		seen[m.ID()] = true

		if m.CostPer1kTokens < 0 {
			return &ConfigError{Field: field + " (" + m.ID() + ")", Msg: "cost_per_1k_tokens must be non-negative"}
		}
		if m.MaxTokens <= 0 {
			return &ConfigError{Field: field + " (" + m.ID() + ")", Msg: "max_tokens must be positive"}
		}
		if len(m.Capabilities) == 0 {
			return &ConfigError{Field: field + " (" + m.ID() + ")", Msg: "at least one capability is required"}
		}
	}

	for provider, limit := range c.CostOpt.FreeTierLimits {
		if limit < 0 {
			return &ConfigError{
				Field: "cost_optimization.free_tier_limits." + provider,
				Msg:   "allowance must be non-negative",
			}
		}
	}

	if c.Monitoring.SpikeThreshold <= 0 {
		c.Monitoring.SpikeThreshold = DefaultSpikeThreshold
	}
	if c.Monitoring.FraudThreshold <= 0 {
		c.Monitoring.FraudThreshold = DefaultFraudThreshold
	}
	if c.Monitoring.FraudScoreCutoff <= 0 || c.Monitoring.FraudScoreCutoff > 1 {
		c.Monitoring.FraudScoreCutoff = DefaultFraudScoreCutoff
	}
	if c.Monitoring.AlertCooldownSeconds <= 0 {
		c.Monitoring.AlertCooldownSeconds = DefaultAlertCooldown
	}

	return nil
}
