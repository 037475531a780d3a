package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	yamlContent := []byte(`
storage:
  data_dir: "/tmp/trader/data"
  repository: pebble
  repository_path: "/tmp/trader/repo"
  tick_format: parquet
server:
  grpc_port: 9090
logging:
  level: "debug"
  format: "console"
trading:
  sync_timeout_seconds: 10
  confirm_empty_settlement: false
  max_order_volume: 20
  accounts:
    - id: sim1
      broker_id: "9999"
      user_id: "000001"
      password: "secret"
      front_url: "tcp://127.0.0.1:10001"
tradlets:
  groups:
    - id: g1
      account: sim1
      instruments: ["SHFE.au1906"]
      templates: |
        t1=stopLoss:274.4,takeProfit:275
      tradlets:
        - name: sma-cross
          params:
            fast: "5"
simulator:
  initial_balance: "500000"
feed:
  replay_day: "20190304"
  speed: 10
`)

	tmpFile, err := os.CreateTemp("", "trader-config-*.yaml")
	require.NoError(t, err)
	defer os.Remove(tmpFile.Name())
	_, err = tmpFile.Write(yamlContent)
	require.NoError(t, err)
	require.NoError(t, tmpFile.Close())

	t.Setenv("TRADER_DATA_DIR", "")
	t.Setenv("TRADER_REPLAY_DAY", "")
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("CTP_PASSWORD_SIM1", "from-env")

	cfg, err := Load(tmpFile.Name())
	require.NoError(t, err)

	assert.Equal(t, "pebble", cfg.Storage.Repository)
	assert.Equal(t, "parquet", cfg.Storage.TickFormat)
	assert.Equal(t, float64(10), cfg.Trading.SyncTimeout().Seconds())
	assert.False(t, cfg.Trading.ConfirmEmpty())
	assert.Equal(t, "reinstate", cfg.Trading.ReconcilePolicy, "default policy")
	a, ok := cfg.Account("sim1")
	require.True(t, ok, "account sim1 missing")
	assert.Equal(t, "from-env", a.Password)
	assert.Equal(t, "ctp", a.Provider, "default provider")
	g := cfg.Tradlets.Groups[0]
	assert.Equal(t, "Enabled", g.State)
	assert.Equal(t, "5", g.Tradlets[0].Params["fast"])
	assert.Equal(t, "500000", cfg.Simulator.InitialBalance)
	assert.Equal(t, FeedConfig{ReplayDay: "20190304", Speed: 10}, cfg.Feed)
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 30, cfg.Trading.SyncTimeoutSeconds)
	assert.True(t, cfg.Trading.ConfirmEmpty())
	assert.Equal(t, "sqlite", cfg.Storage.Repository)
	assert.Equal(t, 50051, cfg.Server.GRPCPort)
	assert.Empty(t, cfg.Feed.ReplayDay)
}

func TestReplayDayFromEnvironment(t *testing.T) {
	t.Setenv("TRADER_REPLAY_DAY", "20190305")
	cfg, err := Parse([]byte("feed:\n  replay_day: \"20190304\"\n"))
	require.NoError(t, err)
	assert.Equal(t, "20190305", cfg.Feed.ReplayDay)
}

func TestParseRejectsBadConfig(t *testing.T) {
	t.Setenv("TRADER_REPLAY_DAY", "")
	cases := map[string]string{
		"bad yaml":    "storage: [",
		"bad backend": "storage:\n  repository: mongo\n",
		"dup account": "trading:\n  accounts:\n    - id: a\n    - id: a\n",
		"no instr":    "tradlets:\n  groups:\n    - id: g\n",
		"bad replay":  "feed:\n  replay_day: 2019-03-04\n",
	}
	for name, doc := range cases {
		_, err := Parse([]byte(doc))
		assert.Error(t, err, name)
	}
}
