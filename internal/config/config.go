package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalid marks configuration that must stop the process before any cycle runs.
var ErrInvalid = errors.New("invalid config")

const (
	SpotExecutionSynthetic = "synthetic"
	SpotExecutionSpot      = "spot"
)

type Config struct {
	Log       LoggingConfig   `yaml:"log"`
	REST      RESTConfig      `yaml:"rest"`
	WS        WSConfig        `yaml:"ws"`
	State     StateConfig     `yaml:"state"`
	History   HistoryConfig   `yaml:"history"`
	Wallet    WalletConfig    `yaml:"wallet"`
	Strategy  StrategyConfig  `yaml:"strategy"`
	Risk      RiskConfig      `yaml:"risk"`
	Exec      ExecConfig      `yaml:"exec"`
	Backtest  BacktestConfig  `yaml:"backtest"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Timescale TimescaleConfig `yaml:"timescale"`
	Telegram  TelegramConfig  `yaml:"telegram"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type RESTConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

type WSConfig struct {
	Enabled        *bool         `yaml:"enabled"`
	URL            string        `yaml:"url"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	// MidMaxAge bounds how old a streamed mid may be before REST marks are used instead.
	MidMaxAge time.Duration `yaml:"mid_max_age"`
}

type StateConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

type HistoryConfig struct {
	SQLitePath     string `yaml:"sqlite_path"`
	CandleInterval string `yaml:"candle_interval"`
	Days           int    `yaml:"days"`
}

type WalletConfig struct {
	Address    string `yaml:"address"`
	PrivateKey string `yaml:"private_key"`
	Mainnet    *bool  `yaml:"mainnet"`
}

type StrategyConfig struct {
	Assets               []string      `yaml:"assets"`
	FundingRateThreshold float64       `yaml:"funding_rate_threshold"`
	RebalanceThreshold   float64       `yaml:"rebalance_threshold"`
	MaxPositionUSD       float64       `yaml:"max_position_usd"`
	MinPositionUSD       float64       `yaml:"min_position_usd"`
	Leverage             float64       `yaml:"leverage"`
	SpotExecution        string        `yaml:"spot_execution"`
	PollInterval         time.Duration `yaml:"poll_interval"`
	CloseOnShutdown      bool          `yaml:"close_on_shutdown"`
}

type RiskConfig struct {
	LiquidationBuffer     float64 `yaml:"liquidation_buffer"`
	MaxSlippage           float64 `yaml:"max_slippage"`
	MaxEquityFraction     float64 `yaml:"max_equity_fraction"`
	MaintenanceMarginRate float64 `yaml:"maintenance_margin_rate"`
	MarginWarnUtilization float64 `yaml:"margin_warn_utilization"`
	MaxAccountFailures    int     `yaml:"max_account_failures"`
}

type ExecConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
	OrderTimeout time.Duration `yaml:"order_timeout"`
}

type BacktestConfig struct {
	InitialCapital float64 `yaml:"initial_capital"`
	FeeRate        float64 `yaml:"fee_rate"`
	OutputDir      string  `yaml:"output_dir"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
}

type TimescaleConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DSN             string        `yaml:"dsn"`
	Schema          string        `yaml:"schema"`
	QueueSize       int           `yaml:"queue_size"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	ChatID  string `yaml:"chat_id"`
	// Operator commands are read from the same chat.
	OperatorEnabled        bool          `yaml:"operator_enabled"`
	OperatorPollInterval   time.Duration `yaml:"operator_poll_interval"`
	OperatorAllowedUserIDs []int64       `yaml:"operator_allowed_user_ids"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: config path is required", ErrInvalid)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("HL_ACCOUNT_ADDRESS")); v != "" {
		cfg.Wallet.Address = v
	}
	if v := strings.TrimSpace(os.Getenv("HL_PRIVATE_KEY")); v != "" {
		cfg.Wallet.PrivateKey = v
	}
	if v := strings.TrimSpace(os.Getenv("HL_TELEGRAM_TOKEN")); v != "" {
		cfg.Telegram.Token = v
	}
	if v := strings.TrimSpace(os.Getenv("HL_TELEGRAM_CHAT_ID")); v != "" {
		cfg.Telegram.ChatID = v
	}
	if v := strings.TrimSpace(os.Getenv("HL_TIMESCALE_DSN")); v != "" {
		cfg.Timescale.DSN = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.REST.BaseURL == "" {
		cfg.REST.BaseURL = "https://api.hyperliquid.xyz"
	}
	if cfg.REST.Timeout == 0 {
		cfg.REST.Timeout = 10 * time.Second
	}
	if cfg.WS.Enabled == nil {
		enabled := true
		cfg.WS.Enabled = &enabled
	}
	if cfg.WS.URL == "" {
		cfg.WS.URL = "wss://api.hyperliquid.xyz/ws"
	}
	if cfg.WS.ReconnectDelay == 0 {
		cfg.WS.ReconnectDelay = 3 * time.Second
	}
	if cfg.WS.PingInterval == 0 {
		cfg.WS.PingInterval = 30 * time.Second
	}
	if cfg.WS.MidMaxAge == 0 {
		cfg.WS.MidMaxAge = 15 * time.Second
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/hl-funding-arb.db"
	}
	if cfg.History.SQLitePath == "" {
		cfg.History.SQLitePath = "data/history.db"
	}
	if cfg.History.CandleInterval == "" {
		cfg.History.CandleInterval = "1h"
	}
	if cfg.History.Days == 0 {
		cfg.History.Days = 30
	}
	if cfg.Wallet.Mainnet == nil {
		mainnet := true
		cfg.Wallet.Mainnet = &mainnet
	}
	if len(cfg.Strategy.Assets) == 0 {
		cfg.Strategy.Assets = []string{"HYPE", "BTC", "ETH"}
	}
	for i, asset := range cfg.Strategy.Assets {
		cfg.Strategy.Assets[i] = strings.ToUpper(strings.TrimSpace(asset))
	}
	if cfg.Strategy.FundingRateThreshold == 0 {
		cfg.Strategy.FundingRateThreshold = 0.0001
	}
	if cfg.Strategy.RebalanceThreshold == 0 {
		cfg.Strategy.RebalanceThreshold = 0.05
	}
	if cfg.Strategy.MaxPositionUSD == 0 {
		cfg.Strategy.MaxPositionUSD = 10000
	}
	if cfg.Strategy.MinPositionUSD == 0 {
		cfg.Strategy.MinPositionUSD = 100
	}
	if cfg.Strategy.Leverage == 0 {
		cfg.Strategy.Leverage = 2
	}
	if cfg.Strategy.SpotExecution == "" {
		cfg.Strategy.SpotExecution = SpotExecutionSynthetic
	}
	if cfg.Strategy.PollInterval == 0 {
		cfg.Strategy.PollInterval = 5 * time.Minute
	}
	if cfg.Risk.LiquidationBuffer == 0 {
		cfg.Risk.LiquidationBuffer = 0.3
	}
	if cfg.Risk.MaxSlippage == 0 {
		cfg.Risk.MaxSlippage = 0.001
	}
	if cfg.Risk.MaxEquityFraction == 0 {
		cfg.Risk.MaxEquityFraction = 0.8
	}
	if cfg.Risk.MarginWarnUtilization == 0 {
		cfg.Risk.MarginWarnUtilization = 0.8
	}
	if cfg.Risk.MaxAccountFailures == 0 {
		cfg.Risk.MaxAccountFailures = 3
	}
	if cfg.Exec.MaxAttempts == 0 {
		cfg.Exec.MaxAttempts = 3
	}
	if cfg.Exec.RetryBackoff == 0 {
		cfg.Exec.RetryBackoff = 200 * time.Millisecond
	}
	if cfg.Exec.OrderTimeout == 0 {
		cfg.Exec.OrderTimeout = 10 * time.Second
	}
	if cfg.Backtest.InitialCapital == 0 {
		cfg.Backtest.InitialCapital = 10000
	}
	if cfg.Backtest.FeeRate == 0 {
		cfg.Backtest.FeeRate = 0.0002
	}
	if cfg.Backtest.OutputDir == "" {
		cfg.Backtest.OutputDir = "data/backtest"
	}
	if cfg.Metrics.Address == "" {
		cfg.Metrics.Address = ":9108"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Timescale.Schema == "" {
		cfg.Timescale.Schema = "public"
	}
	if cfg.Timescale.QueueSize == 0 {
		cfg.Timescale.QueueSize = 1024
	}
	if cfg.Timescale.WriteTimeout == 0 {
		cfg.Timescale.WriteTimeout = 3 * time.Second
	}
}

func validate(cfg *Config) error {
	if len(cfg.Strategy.Assets) == 0 {
		return errors.New("strategy.assets is required")
	}
	seen := make(map[string]struct{}, len(cfg.Strategy.Assets))
	for _, asset := range cfg.Strategy.Assets {
		if asset == "" {
			return errors.New("strategy.assets contains an empty symbol")
		}
		if _, ok := seen[asset]; ok {
			return fmt.Errorf("strategy.assets contains duplicate %s", asset)
		}
		seen[asset] = struct{}{}
	}
	if cfg.Strategy.FundingRateThreshold <= 0 {
		return errors.New("strategy.funding_rate_threshold must be > 0")
	}
	if cfg.Strategy.RebalanceThreshold <= 0 || cfg.Strategy.RebalanceThreshold >= 1 {
		return errors.New("strategy.rebalance_threshold must be in (0, 1)")
	}
	if cfg.Strategy.MaxPositionUSD <= 0 {
		return errors.New("strategy.max_position_usd must be > 0")
	}
	if cfg.Strategy.MinPositionUSD < 0 {
		return errors.New("strategy.min_position_usd must be >= 0")
	}
	if cfg.Strategy.MinPositionUSD > cfg.Strategy.MaxPositionUSD {
		return errors.New("strategy.min_position_usd exceeds strategy.max_position_usd")
	}
	if cfg.Strategy.Leverage < 1 {
		return errors.New("strategy.leverage must be >= 1")
	}
	switch cfg.Strategy.SpotExecution {
	case SpotExecutionSynthetic, SpotExecutionSpot:
	default:
		return fmt.Errorf("strategy.spot_execution must be %q or %q", SpotExecutionSynthetic, SpotExecutionSpot)
	}
	if cfg.Strategy.PollInterval < time.Second {
		return errors.New("strategy.poll_interval must be >= 1s")
	}
	if cfg.Risk.LiquidationBuffer <= 0 || cfg.Risk.LiquidationBuffer >= 1 {
		return errors.New("risk.liquidation_buffer must be in (0, 1)")
	}
	if cfg.Risk.MaxSlippage < 0 {
		return errors.New("risk.max_slippage must be >= 0")
	}
	if cfg.Risk.MaxEquityFraction <= 0 || cfg.Risk.MaxEquityFraction > 1 {
		return errors.New("risk.max_equity_fraction must be in (0, 1]")
	}
	if cfg.Risk.MaintenanceMarginRate < 0 || cfg.Risk.MaintenanceMarginRate >= 1/cfg.Strategy.Leverage {
		return errors.New("risk.maintenance_margin_rate must be in [0, 1/leverage)")
	}
	if cfg.Exec.MaxAttempts < 1 {
		return errors.New("exec.max_attempts must be >= 1")
	}
	if cfg.Exec.RetryBackoff < 0 {
		return errors.New("exec.retry_backoff must be >= 0")
	}
	if cfg.Backtest.InitialCapital <= 0 {
		return errors.New("backtest.initial_capital must be > 0")
	}
	if cfg.Backtest.FeeRate < 0 {
		return errors.New("backtest.fee_rate must be >= 0")
	}
	if cfg.Timescale.Enabled && cfg.Timescale.DSN == "" {
		return errors.New("timescale.dsn is required when timescale is enabled")
	}
	if cfg.Telegram.Enabled && (cfg.Telegram.Token == "" || cfg.Telegram.ChatID == "") {
		return errors.New("telegram.token and telegram.chat_id are required when telegram is enabled")
	}
	if cfg.Telegram.OperatorEnabled && !cfg.Telegram.Enabled {
		return errors.New("telegram.operator_enabled requires telegram.enabled")
	}
	return nil
}

// Validate runs the same checks as Load on an in-memory config after filling defaults.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: config is nil", ErrInvalid)
	}
	applyDefaults(cfg)
	if err := validate(cfg); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// OverrideAssets replaces strategy.assets with a comma separated list from the
// command line and revalidates, so an override obeys the same rules as the file.
func OverrideAssets(cfg *Config, raw string) error {
	var assets []string
	for _, asset := range strings.Split(raw, ",") {
		if asset = strings.TrimSpace(asset); asset != "" {
			assets = append(assets, asset)
		}
	}
	cfg.Strategy.Assets = assets
	return Validate(cfg)
}

func (c WalletConfig) IsMainnet() bool {
	return c.Mainnet == nil || *c.Mainnet
}

func (c WSConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}
