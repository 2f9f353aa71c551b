package modelgate_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mg "github.com/hapivet/modelgate"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
models:
  - provider: google
    model: gemini-flash
    cost_per_1k_tokens: 0.003
    max_tokens: 8192
    capabilities: [generic, coding]
  - provider: openai
    model: gpt-4o-mini
    cost_per_1k_tokens: 0.002
    max_tokens: 16384
    capabilities: [generic, reasoning]

monitoring:
  spike_threshold: 2000

cost_optimization:
  free_tier_limits:
    google: 1000000
`)

	cfg, err := mg.LoadConfig(path)
	require.NoError(t, err)

	assert.Len(t, cfg.Models, 2)
	assert.Equal(t, "google-gemini-flash", cfg.Models[0].ID())
	assert.Equal(t, int64(1_000_000), cfg.CostOpt.FreeTierLimits["google"])

	// Explicit value kept, untouched fields defaulted.
	assert.Equal(t, int64(2000), cfg.Monitoring.SpikeThreshold)
	assert.Equal(t, int64(mg.DefaultFraudThreshold), cfg.Monitoring.FraudThreshold)
	assert.Equal(t, mg.DefaultFraudScoreCutoff, cfg.Monitoring.FraudScoreCutoff)
}

func TestLoadConfig_EnvExpansion(t *testing.T) {
	t.Setenv("TEST_PROVIDER", "google")
	path := writeConfig(t, `
models:
  - provider: ${TEST_PROVIDER}
    model: gemini-flash
    cost_per_1k_tokens: 0.003
    max_tokens: 8192
    capabilities: [generic]
`)

	cfg, err := mg.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "google", cfg.Models[0].Provider)
}

func TestValidate_Errors(t *testing.T) {
	base := func() mg.Config { return testConfig() }

	cases := []struct {
		name   string
		mutate func(*mg.Config)
	}{
		{"no models", func(c *mg.Config) { c.Models = nil }},
		{"missing provider", func(c *mg.Config) { c.Models[0].Provider = "" }},
		{"missing model", func(c *mg.Config) { c.Models[0].Model = "" }},
		{"negative cost", func(c *mg.Config) { c.Models[0].CostPer1kTokens = -0.1 }},
		{"zero max tokens", func(c *mg.Config) { c.Models[0].MaxTokens = 0 }},
		{"no capabilities", func(c *mg.Config) { c.Models[0].Capabilities = nil }},
		{"duplicate model", func(c *mg.Config) { c.Models[1] = c.Models[0] }},
		{"negative allowance", func(c *mg.Config) { c.CostOpt.FreeTierLimits["google"] = -1 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			var cerr *mg.ConfigError
			assert.ErrorAs(t, err, &cerr)
		})
	}
}

func TestValidate_ZeroCostIsAllowed(t *testing.T) {
	cfg := testConfig()
	cfg.Models[0].CostPer1kTokens = 0
	assert.NoError(t, cfg.Validate())
}
