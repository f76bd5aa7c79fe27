package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 2500.0, cfg.Thresholds.GlobalUSDThreshold)
	assert.Equal(t, 0.80, cfg.Thresholds.Classification.HighConfidence)
	assert.Equal(t, 7200, cfg.Store.RetentionSeconds)
	assert.True(t, cfg.StablecoinSet()["USDT"])
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
thresholds:
  global_usd_threshold: 5000
sentiment:
  window_hours: 4
adapters:
  ethereum:
    enabled: true
    endpoint: "https://api.etherscan.io/api"
    api_key_env: "TEST_SCAN_KEY"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 5000.0, cfg.Thresholds.GlobalUSDThreshold)
	assert.Equal(t, 4, cfg.Sentiment.WindowHours)
	// Untouched sections keep their defaults.
	assert.Equal(t, 10000, cfg.Store.MaxEntries)
	assert.Equal(t, 0.45, cfg.Engine.PhaseWeights["cex"])
}

func TestLoad_RejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"descending whale bands": `
thresholds:
  whale:
    mega_whale_usd: 1000
    whale_usd: 1000000
`,
		"confidence out of range": `
thresholds:
  classification:
    high_confidence: 1.5
`,
		"enabled poller without endpoint": `
adapters:
  ethereum:
    enabled: true
`,
		"enabled websocket without urls": `
adapters:
  xrp_ws:
    enabled: true
`,
	}

	for name, yaml := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, yaml))
			assert.Error(t, err)
		})
	}
}

func TestSecretsResolveFromEnvironment(t *testing.T) {
	t.Setenv("TEST_SCAN_KEY", "sekrit")
	t.Setenv("TEST_PG_DSN", "postgres://localhost/whaletide")

	a := AdapterConfig{APIKeyEnv: "TEST_SCAN_KEY"}
	assert.Equal(t, "sekrit", a.APIKey())

	p := PostgresConfig{DSNEnv: "TEST_PG_DSN"}
	assert.Equal(t, "postgres://localhost/whaletide", p.DSN())

	assert.Empty(t, AdapterConfig{}.APIKey(), "no env name means no secret")
}

func TestDurationHelpers(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "2h0m0s", cfg.Retention().String())
	assert.Equal(t, "2h0m0s", cfg.SentimentWindow().String())
	assert.Equal(t, "1m0s", AdapterConfig{PollIntervalSec: 60}.PollInterval().String())
	assert.Equal(t, "20s", AdapterConfig{}.Timeout().String())
}
