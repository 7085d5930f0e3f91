package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "triarb.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
mode = "live"

[exchange]
api_key = "k"
api_secret = "s"
api_passphrase = "p"

[engine]
strategy = "genetic"
loop_delay = "250ms"
max_plausible_profit = 0.5

[execution]
order_type = "limit"
time_in_force = "IOC"
`), 0o600))

	t.Setenv("TRIARB_ENGINE_BASE", "BTC")
	t.Setenv("TRIARB_SESSION_PAPER_BALANCES", "usdt:500, btc:0.25, junk")
	t.Setenv("TRIARB_EXECUTION_MAJORS", "USDT, BTC ,")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "live", cfg.Mode)
	assert.Equal(t, "genetic", cfg.Engine.Strategy)
	assert.Equal(t, 250*time.Millisecond, cfg.Engine.LoopDelay.Duration)
	assert.Equal(t, 0.5, cfg.Engine.MaxPlausibleProfit)
	assert.Equal(t, "BTC", cfg.Engine.Base)
	assert.Equal(t, map[string]float64{"USDT": 500, "BTC": 0.25}, cfg.Session.PaperBalances)
	assert.Equal(t, []string{"USDT", "BTC"}, cfg.Execution.Majors)
	// Untouched sections keep their defaults.
	assert.Equal(t, 0.6, cfg.Engine.VolumeScale)
}

func TestValidate_CollectsEveryProblem(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "live"
	cfg.Engine.Strategy = "bogus"
	cfg.Execution.OrderType = "stop"
	cfg.Exchange.APIKey = "only-key"
	cfg.Archive.Enabled = true

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{
		"unknown strategy",
		"unknown order_type",
		"must all be set together",
		"archive: requires postgres.enabled",
	} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestValidate_MonitorNeedsRedis(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "monitor"
	assert.ErrorContains(t, cfg.Validate(), "redis: must be enabled")
	cfg.Redis.Enabled = true
	assert.NoError(t, cfg.Validate())
	cfg.Server.Enabled = false
	assert.ErrorContains(t, cfg.Validate(), "server: must be enabled")
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Exchange.APISecret = "secret"
	cfg.Notify.TelegramToken = "tok"

	red := RedactedConfig(&cfg)
	assert.Equal(t, "***", red.Exchange.APISecret)
	assert.Equal(t, "***", red.Notify.TelegramToken)
	assert.Empty(t, red.Exchange.APIKey)

	red.Session.PaperBalances["USDT"] = 1
	assert.Equal(t, 1000.0, cfg.Session.PaperBalances["USDT"])
	assert.Equal(t, "secret", cfg.Exchange.APISecret)
}
