package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ducminhle1904/strategy-engine/internal/notifications"
	"github.com/ducminhle1904/strategy-engine/internal/strategy"
	"github.com/ducminhle1904/strategy-engine/internal/trigger"
)

const sampleYAML = `
venues:
  - name: bybit-main
    type: bybit
    account: main
    rate_limit: 10
    refill_per_second: 5
    bybit:
      demo: true
  - name: sim
    type: paper
    paper:
      equity: 5000
      prices:
        BTCUSDT: 60000
engine:
  risk_ceiling: 3
  reconcile_interval: 10s
  contracts:
    BTCUSDT:
      contract_value: 1
      min_size: 0.001
      size_step: 0.001
reconcile:
  ack_timeout: 15s
  max_attempts: 5
feed:
  poll_interval: 2s
store:
  path: data/engine.db
strategies:
  - kind: grid
    symbol: BTCUSDT
    venue: sim
    grid:
      levels: [58000, 59000, 60000]
      direction: below
      side: Buy
      size: 0.01
      take_profit_step: 500
  - kind: scheduled
    symbol: BTCUSDT
    venue: bybit-main
    scheduled:
      trigger:
        kind: schedule
        every: 1h
      max_runs: 3
      order:
        side: Buy
        size: 0.001
`

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadEngineConfigYAML(t *testing.T) {
	t.Setenv(EnvBybitAPIKey, "key")
	t.Setenv(EnvBybitAPISecret, "secret")
	t.Setenv(EnvTelegramToken, "")
	t.Setenv(EnvTelegramChat, "")

	cfg, err := LoadEngineConfig(writeConfig(t, "engine.yaml", sampleYAML))
	require.NoError(t, err)

	require.Len(t, cfg.Venues, 2)
	assert.Equal(t, "key", cfg.Venues[0].Bybit.APIKey)
	assert.Equal(t, "linear", cfg.Venues[0].Bybit.Category)
	assert.Equal(t, "default", cfg.Venues[1].Account)
	assert.Equal(t, 10*time.Second, cfg.Venues[1].CallTimeout)
	assert.Equal(t, 60000.0, cfg.Venues[1].Paper.Prices["BTCUSDT"])

	assert.Equal(t, 3.0, cfg.Engine.RiskCeiling)
	assert.Equal(t, 10*time.Second, cfg.Engine.ReconcileInterval)
	assert.Equal(t, 4, cfg.Engine.SubmitWorkers)
	assert.Equal(t, 0.001, cfg.Engine.Contracts["BTCUSDT"].SizeStep)
	assert.Equal(t, 15*time.Second, cfg.Reconcile.AckTimeout)
	assert.Equal(t, 5, cfg.Reconcile.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Feed.PollInterval)
	assert.Equal(t, 30*time.Second, cfg.Feed.StaleAfter)
	assert.Equal(t, notifications.SeverityWarning, cfg.Notifications.MinSeverity)
	assert.Equal(t, "info", cfg.Logging.Level)

	require.Len(t, cfg.Strategies, 2)
	grid := cfg.Strategies[0]
	assert.Equal(t, strategy.KindGrid, grid.Kind)
	assert.Equal(t, "default", grid.Account)
	assert.Equal(t, trigger.CrossBelow, grid.Grid.Direction)
	assert.Equal(t, []float64{58000, 59000, 60000}, grid.Grid.Levels)

	sched := cfg.Strategies[1]
	assert.Equal(t, "main", sched.Account)
	assert.Equal(t, time.Hour, sched.Scheduled.Trigger.Every)

	assert.Equal(t, map[string]string{"main": "bybit-main", "default": "sim"}, cfg.Accounts())
	assert.Equal(t, []string{"BTCUSDT"}, cfg.Symbols("sim"))
}

func TestLoadEngineConfigJSON(t *testing.T) {
	body := `{
  "venues": [{"name": "sim", "type": "paper", "account": "acct"}],
  "engine": {"submit_workers": 2, "call_timeout": "3s"},
  "notifications": {"min_severity": "critical"}
}`
	cfg, err := LoadEngineConfig(writeConfig(t, "engine.json", body))
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Engine.SubmitWorkers)
	assert.Equal(t, 3*time.Second, cfg.Engine.CallTimeout)
	assert.Equal(t, notifications.SeverityCritical, cfg.Notifications.MinSeverity)
	assert.Equal(t, 3, cfg.Reconcile.MaxAttempts)
	assert.False(t, cfg.Reconcile.AllowExcess)
}

func TestLoadEngineConfigErrors(t *testing.T) {
	t.Setenv(EnvBybitAPIKey, "")
	t.Setenv(EnvBybitAPISecret, "")
	t.Setenv(EnvTelegramToken, "")
	t.Setenv(EnvTelegramChat, "")

	tests := []struct {
		name    string
		file    string
		body    string
		wantErr string
	}{
		{
			name:    "unsupported extension",
			file:    "engine.toml",
			body:    "",
			wantErr: "unsupported config format",
		},
		{
			name:    "unknown key",
			file:    "engine.yaml",
			body:    "venues: []\nverbose: true\n",
			wantErr: "failed to parse",
		},
		{
			name:    "no venues",
			file:    "engine.yaml",
			body:    "engine:\n  submit_workers: 1\n",
			wantErr: "at least one venue",
		},
		{
			name:    "bybit without credentials",
			file:    "engine.yaml",
			body:    "venues:\n  - name: b\n    type: bybit\n",
			wantErr: "BYBIT_API_KEY",
		},
		{
			name:    "duplicate venue",
			file:    "engine.yaml",
			body:    "venues:\n  - {name: a, type: paper}\n  - {name: a, type: paper}\n",
			wantErr: "duplicate venue",
		},
		{
			name:    "duplicate default account",
			file:    "engine.yaml",
			body:    "venues:\n  - {name: a, type: paper}\n  - {name: b, type: paper}\n",
			wantErr: `duplicate account "default" on venues "a" and "b"`,
		},
		{
			name:    "duplicate named account",
			file:    "engine.yaml",
			body:    "venues:\n  - {name: a, type: paper, account: main}\n  - {name: b, type: paper, account: main}\n",
			wantErr: `duplicate account "main"`,
		},
		{
			name:    "negative max attempts",
			file:    "engine.yaml",
			body:    "venues:\n  - {name: a, type: paper}\nreconcile:\n  max_attempts: -1\n",
			wantErr: "max attempts cannot be negative",
		},
		{
			name:    "negative ceiling",
			file:    "engine.yaml",
			body:    "venues:\n  - {name: a, type: paper}\nengine:\n  risk_ceiling: -1\n",
			wantErr: "risk ceiling",
		},
		{
			name:    "telegram without token",
			file:    "engine.yaml",
			body:    "venues:\n  - {name: a, type: paper}\nnotifications:\n  telegram: true\n",
			wantErr: EnvTelegramToken,
		},
		{
			name:    "strategy on unknown venue",
			file:    "engine.yaml",
			body:    "venues:\n  - {name: a, type: paper}\nstrategies:\n  - {kind: grid, symbol: BTCUSDT, venue: b}\n",
			wantErr: "unknown venue",
		},
		{
			name:    "invalid strategy",
			file:    "engine.yaml",
			body:    "venues:\n  - {name: a, type: paper}\nstrategies:\n  - {kind: grid, symbol: BTCUSDT, venue: a}\n",
			wantErr: "grid strategy requires grid parameters",
		},
		{
			name:    "signals without listener",
			file:    "engine.yaml",
			body:    "venues:\n  - {name: a, type: paper}\nmetrics:\n  signals: true\n",
			wantErr: "signal intake needs metrics.listen",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadEngineConfig(writeConfig(t, tt.file, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestShippedConfigLoads(t *testing.T) {
	t.Setenv(EnvTelegramToken, "")
	t.Setenv(EnvTelegramChat, "")

	cfg, err := LoadEngineConfig(filepath.Join("..", "..", "configs", "engine.yaml"))
	require.NoError(t, err)
	assert.Len(t, cfg.Strategies, 3)
	assert.True(t, cfg.Metrics.Signals)
	assert.True(t, cfg.Reconcile.AllowExcess)
	for _, s := range cfg.Strategies {
		assert.Equal(t, "demo", s.Account)
	}
}

func TestApplyEnvKeepsFileCredentials(t *testing.T) {
	cfg, err := Parse([]byte("venues:\n  - name: b\n    type: bybit\n    bybit: {api_key: from-file}\n  - name: m\n    type: mt5\n    mt5: {bridge_url: 'http://localhost:8228'}\n"))
	require.NoError(t, err)

	env := map[string]string{
		EnvBybitAPIKey:    "from-env",
		EnvBybitAPISecret: "secret",
		EnvMT5Token:       "token",
		EnvTelegramChat:   "42",
	}
	cfg.ApplyEnv(func(k string) string { return env[k] })

	assert.Equal(t, "from-file", cfg.Venues[0].Bybit.APIKey)
	assert.Equal(t, "secret", cfg.Venues[0].Bybit.APISecret)
	assert.Equal(t, "token", cfg.Venues[1].MT5.Token)
	assert.Equal(t, "42", cfg.Notifications.TelegramChat)
}

func TestLoadEnv(t *testing.T) {
	assert.NoError(t, LoadEnv(filepath.Join(t.TempDir(), "missing.env")))

	path := writeConfig(t, ".env", "STRATEGY_ENGINE_TEST_VAR=loaded\n")
	t.Cleanup(func() { os.Unsetenv("STRATEGY_ENGINE_TEST_VAR") })
	require.NoError(t, LoadEnv(path))
	assert.Equal(t, "loaded", os.Getenv("STRATEGY_ENGINE_TEST_VAR"))
}
