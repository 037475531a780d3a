package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the trader.
type Config struct {
	Storage   Storage         `yaml:"storage"`
	Server    Server          `yaml:"server"`
	Logging   Logging         `yaml:"logging"`
	Trading   TradingConfig   `yaml:"trading"`
	Tradlets  TradletsConfig  `yaml:"tradlets"`
	Simulator SimulatorConfig `yaml:"simulator"`
	Feed      FeedConfig      `yaml:"feed"`
}

// Storage holds paths for data persistence.
type Storage struct {
	DataDir string `yaml:"data_dir"`
	// Repository selects the object repository backend: memory, sqlite or
	// pebble.
	Repository     string `yaml:"repository"`
	RepositoryPath string `yaml:"repository_path"`
	// TickFormat is the on-disk market data format: csv or parquet.
	TickFormat string `yaml:"tick_format"`
}

// Server holds network listener configuration.
type Server struct {
	Host     string `yaml:"host"`
	GRPCPort int    `yaml:"grpc_port"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TradingConfig defines broker session and risk parameters.
type TradingConfig struct {
	SyncTimeoutSeconds     int    `yaml:"sync_timeout_seconds"`
	ConfirmEmptySettlement *bool  `yaml:"confirm_empty_settlement"`
	ReconcilePolicy        string `yaml:"reconcile_policy"`
	MaxOrderVolume         int64  `yaml:"max_order_volume"`
	// MaxMarginRatio caps margin in use after an opening order as a fraction
	// of balance; zero disables.
	MaxMarginRatio float64 `yaml:"max_margin_ratio"`
	// MaxDailyLossRatio stops new openings once the day's loss reaches this
	// fraction of the opening balance; zero disables.
	MaxDailyLossRatio    float64         `yaml:"max_daily_loss_ratio"`
	FlowControlPerSecond int             `yaml:"flow_control_per_second"`
	Holidays             []string        `yaml:"holidays"`
	Accounts             []AccountConfig `yaml:"accounts"`
}

// SyncTimeout returns the timeout applied to synchronous broker queries.
func (t TradingConfig) SyncTimeout() time.Duration {
	return time.Duration(t.SyncTimeoutSeconds) * time.Second
}

// ConfirmEmpty reports whether settlement is confirmed when the broker
// returned no settlement text.
func (t TradingConfig) ConfirmEmpty() bool {
	return t.ConfirmEmptySettlement == nil || *t.ConfirmEmptySettlement
}

// AccountConfig describes one broker account.
type AccountConfig struct {
	ID       string `yaml:"id"`
	Provider string `yaml:"provider"`
	BrokerID string `yaml:"broker_id"`
	UserID   string `yaml:"user_id"`
	Password string `yaml:"password"`
	AppID    string `yaml:"app_id"`
	AuthCode string `yaml:"auth_code"`
	FrontURL string `yaml:"front_url"`
}

// TradletsConfig lists the tradlet groups.
type TradletsConfig struct {
	Groups []GroupConfig `yaml:"groups"`
}

// GroupConfig describes one tradlet group.
type GroupConfig struct {
	ID          string          `yaml:"id"`
	Account     string          `yaml:"account"`
	State       string          `yaml:"state"`
	Instruments []string        `yaml:"instruments"`
	Templates   string          `yaml:"templates"`
	Tradlets    []TradletConfig `yaml:"tradlets"`
}

// TradletConfig names a registered tradlet and its parameters.
type TradletConfig struct {
	Name   string            `yaml:"name"`
	Params map[string]string `yaml:"params"`
}

// SimulatorConfig controls back-testing.
type SimulatorConfig struct {
	InitialBalance string      `yaml:"initial_balance"`
	Fees           []FeeConfig `yaml:"fees"`
}

// FeeConfig sets contract terms for one product or instrument in
// simulation.
type FeeConfig struct {
	Instrument         string  `yaml:"instrument"`
	PriceTick          string  `yaml:"price_tick"`
	VolumeMultiple     int64   `yaml:"volume_multiple"`
	MarginRatio        float64 `yaml:"margin_ratio"`
	CommissionByVolume float64 `yaml:"commission_by_volume"`
	CommissionByMoney  float64 `yaml:"commission_by_money"`
}

// FeedConfig sets where serve mode gets market data. With ReplayDay set the
// recorded ticks of that trading day are replayed from the tick store.
type FeedConfig struct {
	ReplayDay string `yaml:"replay_day"`
	// Speed divides the recorded gaps between ticks; zero or less replays
	// without pauses.
	Speed float64 `yaml:"speed"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path, parses it into a
// Config struct, applies environment variable overrides and fills defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes YAML configuration bytes.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every default filled in.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TRADER_DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}

	if v := os.Getenv("TRADER_REPOSITORY"); v != "" {
		cfg.Storage.Repository = v
	}

	if v := os.Getenv("TRADER_REPLAY_DAY"); v != "" {
		cfg.Feed.ReplayDay = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	// Account secrets: CTP_PASSWORD_<ID> and CTP_AUTH_CODE_<ID>.
	for i := range cfg.Trading.Accounts {
		a := &cfg.Trading.Accounts[i]
		suffix := strings.ToUpper(a.ID)
		if v := os.Getenv("CTP_PASSWORD_" + suffix); v != "" {
			a.Password = v
		}
		if v := os.Getenv("CTP_AUTH_CODE_" + suffix); v != "" {
			a.AuthCode = v
		}
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "data"
	}
	if cfg.Storage.Repository == "" {
		cfg.Storage.Repository = "sqlite"
	}
	if cfg.Storage.TickFormat == "" {
		cfg.Storage.TickFormat = "csv"
	}
	if cfg.Server.GRPCPort == 0 {
		cfg.Server.GRPCPort = 50051
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Trading.SyncTimeoutSeconds <= 0 {
		cfg.Trading.SyncTimeoutSeconds = 30
	}
	if cfg.Trading.ReconcilePolicy == "" {
		cfg.Trading.ReconcilePolicy = "reinstate"
	}
	if cfg.Trading.FlowControlPerSecond <= 0 {
		cfg.Trading.FlowControlPerSecond = 6
	}
	for i := range cfg.Trading.Accounts {
		if cfg.Trading.Accounts[i].Provider == "" {
			cfg.Trading.Accounts[i].Provider = "ctp"
		}
	}
	for i := range cfg.Tradlets.Groups {
		if cfg.Tradlets.Groups[i].State == "" {
			cfg.Tradlets.Groups[i].State = "Enabled"
		}
	}
	if cfg.Simulator.InitialBalance == "" {
		cfg.Simulator.InitialBalance = "1000000"
	}
}

func (cfg *Config) validate() error {
	switch cfg.Storage.Repository {
	case "memory", "sqlite", "pebble":
	default:
		return fmt.Errorf("config: unknown repository backend %q", cfg.Storage.Repository)
	}
	switch cfg.Storage.TickFormat {
	case "csv", "parquet":
	default:
		return fmt.Errorf("config: unknown tick format %q", cfg.Storage.TickFormat)
	}
	if d := cfg.Feed.ReplayDay; d != "" {
		if _, err := time.Parse("20060102", d); err != nil {
			return fmt.Errorf("config: replay day %q is not YYYYMMDD", d)
		}
	}
	switch cfg.Trading.ReconcilePolicy {
	case "reinstate", "lost":
	default:
		return fmt.Errorf("config: unknown reconcile policy %q", cfg.Trading.ReconcilePolicy)
	}
	seen := make(map[string]bool)
	for _, a := range cfg.Trading.Accounts {
		if a.ID == "" {
			return fmt.Errorf("config: account without id")
		}
		if seen[a.ID] {
			return fmt.Errorf("config: duplicate account %q", a.ID)
		}
		seen[a.ID] = true
	}
	for _, g := range cfg.Tradlets.Groups {
		if g.ID == "" {
			return fmt.Errorf("config: tradlet group without id")
		}
		if len(g.Instruments) == 0 {
			return fmt.Errorf("config: tradlet group %q has no instruments", g.ID)
		}
	}
	return nil
}

// Account returns the account configuration by id.
func (cfg *Config) Account(id string) (AccountConfig, bool) {
	for _, a := range cfg.Trading.Accounts {
		if a.ID == id {
			return a, true
		}
	}
	return AccountConfig{}, false
}
