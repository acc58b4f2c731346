// Package config defines the top-level configuration for the trading engine
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/alanyoungcy/polyhft/internal/domain"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by POLYHFT_* environment variables.
type Config struct {
	Mode       string           `toml:"mode"`
	LogLevel   string           `toml:"log_level"`
	Strategy   StrategyConfig   `toml:"strategy"`
	Risk       RiskConfig       `toml:"risk"`
	Execution  ExecutionConfig  `toml:"execution"`
	Aggregator AggregatorConfig `toml:"aggregator"`
	Engine     EngineConfig     `toml:"engine"`
	Markets    []MarketConfig   `toml:"markets"`
	Feeds      FeedsConfig      `toml:"feeds"`
	Wallet     WalletConfig     `toml:"wallet"`
	Polymarket PolymarketConfig `toml:"polymarket"`
	Postgres   PostgresConfig   `toml:"postgres"`
	Redis      RedisConfig      `toml:"redis"`
	S3         S3Config         `toml:"s3"`
	Kafka      KafkaConfig      `toml:"kafka"`
	Recorder   RecorderConfig   `toml:"recorder"`
	Notify     NotifyConfig     `toml:"notify"`
	Server     ServerConfig     `toml:"server"`
}

// StrategyConfig selects the strategy and holds the early-entry parameters.
type StrategyConfig struct {
	Name              string                 `toml:"name"`
	EntryDelayMinutes float64                `toml:"entry_delay_minutes"`
	ExitBufferMinutes float64                `toml:"exit_buffer_minutes"`
	MinEntryPrice     float64                `toml:"min_entry_price"`
	MaxEntryPrice     float64                `toml:"max_entry_price"`
	PositionSize      float64                `toml:"position_size"`
	SideSelection     string                 `toml:"side_selection"`
	ProfitTargetPct   float64                `toml:"profit_target_pct"`
	StopLossPct       float64                `toml:"stop_loss_pct"`
	TimeExitMinutes   float64                `toml:"time_exit_minutes"`
	StopTightening    []StopTighteningConfig `toml:"stop_tightening"`
}

// StopTighteningConfig is one step of the dynamic stop-loss schedule.
type StopTighteningConfig struct {
	Minutes     float64 `toml:"minutes"`
	StopLossPct float64 `toml:"stop_loss_pct"`
}

// RiskConfig holds the risk manager's limits.
type RiskConfig struct {
	InitialCapital         float64  `toml:"initial_capital"`
	MaxPositionSize        float64  `toml:"max_position_size"`
	MaxTotalExposure       float64  `toml:"max_total_exposure"`
	MaxConcurrentPositions int      `toml:"max_concurrent_positions"`
	MaxDrawdownPct         float64  `toml:"max_drawdown_pct"`
	Cooldown               duration `toml:"cooldown"`
	MaxTradesPerMinute     int      `toml:"max_trades_per_minute"`
	MaxSlippagePct         float64  `toml:"max_slippage_pct"`
	KillSwitch             bool     `toml:"kill_switch"`
	ExitExemptChecks       []string `toml:"exit_exempt_checks"`
}

// ExecutionConfig controls order submission.
type ExecutionConfig struct {
	DryRun        bool     `toml:"dry_run"`
	Mock          bool     `toml:"mock"`
	AckTimeout    duration `toml:"ack_timeout"`
	FillTimeout   duration `toml:"fill_timeout"`
	CancelTimeout duration `toml:"cancel_timeout"`
	PollInterval  duration `toml:"poll_interval"`
}

// AggregatorConfig holds snapshot construction parameters.
type AggregatorConfig struct {
	Staleness          duration `toml:"staleness"`
	PendingLimit       int      `toml:"pending_limit"`
	FairValueSteepness float64  `toml:"fair_value_steepness"`
}

// EngineConfig holds the decision loop parameters.
type EngineConfig struct {
	QueueSize        int      `toml:"queue_size"`
	TickInterval     duration `toml:"tick_interval"`
	KillSwitchFile   string   `toml:"kill_switch_file"`
	ShutdownTimeout  duration `toml:"shutdown_timeout"`
	SnapshotInterval duration `toml:"snapshot_interval"`
}

// MarketConfig registers one tradable token.
type MarketConfig struct {
	TokenID           string    `toml:"token_id"`
	ComplementTokenID string    `toml:"complement_token_id"`
	Slug              string    `toml:"slug"`
	Asset             string    `toml:"asset"`
	Outcome           string    `toml:"outcome"`
	Strike            float64   `toml:"strike"`
	OpenAt            time.Time `toml:"open_at"`
	Duration          duration  `toml:"duration"`
}

// FeedsConfig holds market and oracle feed endpoints.
type FeedsConfig struct {
	PolymarketWSURL string   `toml:"polymarket_ws_url"`
	BinanceWSURL    string   `toml:"binance_ws_url"`
	MockInterval    duration `toml:"mock_interval"`
	MockVolatility  float64  `toml:"mock_volatility"`
}

// WalletConfig holds Ethereum wallet credentials.
type WalletConfig struct {
	PrivateKey       string `toml:"private_key"`
	SafeAddress      string `toml:"safe_address"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// PolymarketConfig holds CLOB endpoints and chain parameters.
type PolymarketConfig struct {
	ClobHost        string   `toml:"clob_host"`
	ChainID         int      `toml:"chain_id"`
	SignatureType   int      `toml:"signature_type"`
	ExchangeAddress string   `toml:"exchange_address"`
	OrdersPerWindow int      `toml:"orders_per_window"`
	OrderWindow     duration `toml:"order_window"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled"`
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled       bool   `toml:"enabled"`
	Addr          string `toml:"addr"`
	Password      string `toml:"password"`
	DB            int    `toml:"db"`
	PoolSize      int    `toml:"pool_size"`
	MaxRetries    int    `toml:"max_retries"`
	TLSEnabled    bool   `toml:"tls_enabled"`
	KillKey       string `toml:"kill_key"`
	ChannelPrefix string `toml:"channel_prefix"`
	StreamMaxLen  int64  `toml:"stream_max_len"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	Prefix         string `toml:"prefix"`
	BatchSize      int    `toml:"batch_size"`
}

// KafkaConfig holds the event export parameters.
type KafkaConfig struct {
	Enabled bool     `toml:"enabled"`
	Brokers []string `toml:"brokers"`
	Topic   string   `toml:"topic"`
}

// RecorderConfig sizes the asynchronous persistence pipeline.
type RecorderConfig struct {
	BufferSize    int      `toml:"buffer_size"`
	BatchSize     int      `toml:"batch_size"`
	FlushInterval duration `toml:"flush_interval"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// ServerConfig holds the operator API parameters.
type ServerConfig struct {
	Enabled           bool   `toml:"enabled"`
	Port              int    `toml:"port"`
	APIKey            string `toml:"api_key"`
	RequestsPerMinute int    `toml:"requests_per_minute"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with the shipped default values.
// Trading is paper-only against mock feeds until explicitly switched off.
func Defaults() Config {
	return Config{
		Mode:     "trade",
		LogLevel: "info",
		Strategy: StrategyConfig{
			Name:              "early_entry",
			EntryDelayMinutes: 5,
			ExitBufferMinutes: 5,
			MinEntryPrice:     0.05,
			MaxEntryPrice:     0.50,
			PositionSize:      50,
			SideSelection:     "cheapest",
			ProfitTargetPct:   10,
			StopLossPct:       20,
			TimeExitMinutes:   5,
			StopTightening: []StopTighteningConfig{
				{Minutes: 30, StopLossPct: 15},
				{Minutes: 15, StopLossPct: 10},
				{Minutes: 5, StopLossPct: 5},
			},
		},
		Risk: RiskConfig{
			InitialCapital:         1000,
			MaxPositionSize:        50,
			MaxTotalExposure:       200,
			MaxConcurrentPositions: 1,
			MaxDrawdownPct:         25,
			Cooldown:               duration{10 * time.Second},
			MaxTradesPerMinute:     6,
			MaxSlippagePct:         2,
			ExitExemptChecks:       []string{"kill_switch", "market_timing"},
		},
		Execution: ExecutionConfig{
			DryRun:        true,
			Mock:          true,
			AckTimeout:    duration{10 * time.Second},
			FillTimeout:   duration{30 * time.Second},
			CancelTimeout: duration{5 * time.Second},
			PollInterval:  duration{time.Second},
		},
		Aggregator: AggregatorConfig{
			Staleness:          duration{30 * time.Second},
			PendingLimit:       1024,
			FairValueSteepness: 8,
		},
		Engine: EngineConfig{
			QueueSize:        4096,
			TickInterval:     duration{time.Second},
			ShutdownTimeout:  duration{15 * time.Second},
			SnapshotInterval: duration{5 * time.Second},
		},
		Feeds: FeedsConfig{
			PolymarketWSURL: "wss://ws-subscriptions-clob.polymarket.com/ws/market",
			BinanceWSURL:    "wss://stream.binance.com:9443/stream",
			MockInterval:    duration{time.Second},
			MockVolatility:  0.01,
		},
		Polymarket: PolymarketConfig{
			ClobHost:        "https://clob.polymarket.com",
			ChainID:         137,
			SignatureType:   2,
			ExchangeAddress: "0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E",
			OrdersPerWindow: 10,
			OrderWindow:     duration{time.Second},
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "polyhft",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:          "localhost:6379",
			PoolSize:      20,
			MaxRetries:    3,
			KillKey:       "polyhft:kill",
			ChannelPrefix: "polyhft",
			StreamMaxLen:  10000,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "polyhft-data",
			ForcePathStyle: true,
			Prefix:         "snapshots",
			BatchSize:      500,
		},
		Kafka: KafkaConfig{
			Topic: "polyhft.executions",
		},
		Recorder: RecorderConfig{
			BufferSize:    4096,
			BatchSize:     100,
			FlushInterval: duration{2 * time.Second},
		},
		Notify: NotifyConfig{
			Events: []string{"kill_switch", "order_filled", "order_rejected", "token_halted"},
		},
		Server: ServerConfig{
			Enabled:           true,
			Port:              8000,
			RequestsPerMinute: 120,
		},
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"trade":   true,
	"monitor": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validSides = map[string]bool{
	"cheapest": true,
	"yes_only": true,
	"no_only":  true,
}

var validNotifyEvents = map[string]bool{
	"kill_switch":    true,
	"order_filled":   true,
	"order_rejected": true,
	"token_halted":   true,
}

// LiveTrading reports whether orders will reach the exchange.
func (c *Config) LiveTrading() bool {
	return strings.EqualFold(c.Mode, "trade") && !c.Execution.DryRun
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: trade, monitor)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Strategy
	s := c.Strategy
	if s.Name == "" {
		errs = append(errs, "strategy: name must not be empty")
	}
	if s.MinEntryPrice <= 0 || s.MaxEntryPrice >= 1 || s.MinEntryPrice > s.MaxEntryPrice {
		errs = append(errs, fmt.Sprintf("strategy: entry band must satisfy 0 < min <= max < 1, got [%g, %g]", s.MinEntryPrice, s.MaxEntryPrice))
	}
	if s.PositionSize <= 0 {
		errs = append(errs, "strategy: position_size must be > 0")
	}
	if !validSides[strings.ToLower(s.SideSelection)] {
		errs = append(errs, fmt.Sprintf("strategy: unknown side_selection %q (valid: cheapest, yes_only, no_only)", s.SideSelection))
	}
	if s.ProfitTargetPct <= 0 || s.StopLossPct <= 0 {
		errs = append(errs, "strategy: profit_target_pct and stop_loss_pct must be > 0")
	}
	if s.EntryDelayMinutes < 0 || s.ExitBufferMinutes < 0 || s.TimeExitMinutes < 0 {
		errs = append(errs, "strategy: minute thresholds must be >= 0")
	}
	for i, st := range s.StopTightening {
		if st.Minutes <= 0 || st.StopLossPct <= 0 {
			errs = append(errs, fmt.Sprintf("strategy: stop_tightening[%d] needs positive minutes and stop_loss_pct", i))
		}
	}

	// Risk
	r := c.Risk
	if r.InitialCapital <= 0 {
		errs = append(errs, "risk: initial_capital must be > 0")
	}
	if r.MaxPositionSize <= 0 || r.MaxTotalExposure <= 0 {
		errs = append(errs, "risk: max_position_size and max_total_exposure must be > 0")
	}
	if r.MaxPositionSize > r.MaxTotalExposure {
		errs = append(errs, "risk: max_position_size must not exceed max_total_exposure")
	}
	if r.MaxConcurrentPositions < 1 {
		errs = append(errs, "risk: max_concurrent_positions must be >= 1")
	}
	if r.MaxDrawdownPct <= 0 || r.MaxDrawdownPct > 100 {
		errs = append(errs, "risk: max_drawdown_pct must be in (0, 100]")
	}
	if r.Cooldown.Duration < 0 {
		errs = append(errs, "risk: cooldown must be >= 0")
	}
	if r.MaxTradesPerMinute < 1 {
		errs = append(errs, "risk: max_trades_per_minute must be >= 1")
	}
	if r.MaxSlippagePct < 0 {
		errs = append(errs, "risk: max_slippage_pct must be >= 0")
	}
	for _, name := range r.ExitExemptChecks {
		if _, err := domain.ParseRiskCheck(name); err != nil {
			errs = append(errs, fmt.Sprintf("risk: exit_exempt_checks: %v", err))
		}
	}

	// Execution
	e := c.Execution
	if e.AckTimeout.Duration <= 0 || e.FillTimeout.Duration <= 0 || e.CancelTimeout.Duration <= 0 {
		errs = append(errs, "execution: ack_timeout, fill_timeout and cancel_timeout must be > 0")
	}
	if e.PollInterval.Duration <= 0 {
		errs = append(errs, "execution: poll_interval must be > 0")
	}
	if c.LiveTrading() && e.Mock {
		errs = append(errs, "execution: live trading (dry_run = false) cannot run against mock feeds")
	}

	// Wallet, only needed when orders reach the exchange.
	if c.LiveTrading() {
		if c.Wallet.PrivateKey == "" && c.Wallet.EncryptedKeyPath == "" {
			errs = append(errs, "wallet: either private_key or encrypted_key_path must be set for live trading")
		}
		if c.Wallet.EncryptedKeyPath != "" && c.Wallet.KeyPassword == "" {
			errs = append(errs, "wallet: key_password is required when encrypted_key_path is set")
		}
		if c.Polymarket.ClobHost == "" {
			errs = append(errs, "polymarket: clob_host must not be empty")
		}
	}
	if c.Polymarket.ChainID <= 0 {
		errs = append(errs, "polymarket: chain_id must be positive")
	}
	if c.Polymarket.SignatureType < 0 || c.Polymarket.SignatureType > 2 {
		errs = append(errs, fmt.Sprintf("polymarket: signature_type must be 0 (EOA), 1 (proxy) or 2 (Safe), got %d", c.Polymarket.SignatureType))
	}

	// Aggregator / engine
	if c.Aggregator.Staleness.Duration < 0 {
		errs = append(errs, "aggregator: staleness must be >= 0")
	}
	if c.Engine.QueueSize < 1 {
		errs = append(errs, "engine: queue_size must be >= 1")
	}
	if c.Engine.TickInterval.Duration <= 0 {
		errs = append(errs, "engine: tick_interval must be > 0")
	}

	// Markets
	if len(c.Markets) == 0 {
		errs = append(errs, "markets: at least one market must be configured")
	}
	seen := make(map[string]bool, len(c.Markets))
	for i, m := range c.Markets {
		info, err := m.Info()
		if err == nil {
			err = info.Validate()
		}
		if err != nil {
			errs = append(errs, fmt.Sprintf("markets[%d]: %v", i, err))
			continue
		}
		if seen[m.TokenID] {
			errs = append(errs, fmt.Sprintf("markets[%d]: duplicate token_id %s", i, m.TokenID))
		}
		seen[m.TokenID] = true
	}

	// Feeds
	if !c.Execution.Mock {
		if c.Feeds.PolymarketWSURL == "" || c.Feeds.BinanceWSURL == "" {
			errs = append(errs, "feeds: polymarket_ws_url and binance_ws_url are required when execution.mock = false")
		}
	} else if c.Feeds.MockInterval.Duration <= 0 {
		errs = append(errs, "feeds: mock_interval must be > 0")
	}

	// Postgres
	if c.Postgres.Enabled {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if c.S3.BatchSize < 1 {
			errs = append(errs, "s3: batch_size must be >= 1")
		}
	}

	// Kafka
	if c.Kafka.Enabled && (len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "") {
		errs = append(errs, "kafka: brokers and topic are required when enabled")
	}

	if c.Recorder.BufferSize < 1 || c.Recorder.BatchSize < 1 {
		errs = append(errs, "recorder: buffer_size and batch_size must be >= 1")
	}

	for _, ev := range c.Notify.Events {
		if !validNotifyEvents[ev] {
			errs = append(errs, fmt.Sprintf("notify: unknown event %q", ev))
		}
	}

	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// Info converts the market entry into domain metadata.
func (m MarketConfig) Info() (domain.MarketInfo, error) {
	outcome, err := domain.ParseOutcome(m.Outcome)
	if err != nil {
		return domain.MarketInfo{}, err
	}
	return domain.MarketInfo{
		TokenID:           m.TokenID,
		ComplementTokenID: m.ComplementTokenID,
		MarketID:          m.Slug,
		Asset:             strings.ToUpper(m.Asset),
		Outcome:           outcome,
		Strike:            m.Strike,
		OpenAt:            m.OpenAt,
		Duration:          m.Duration.Duration,
	}, nil
}

// MarketInfos converts every configured market.
func (c *Config) MarketInfos() ([]domain.MarketInfo, error) {
	out := make([]domain.MarketInfo, 0, len(c.Markets))
	for i, m := range c.Markets {
		info, err := m.Info()
		if err != nil {
			return nil, fmt.Errorf("config: markets[%d]: %w", i, err)
		}
		out = append(out, info)
	}
	return out, nil
}

// Assets returns the distinct oracle assets referenced by the markets, in
// configuration order.
func (c *Config) Assets() []string {
	seen := make(map[string]bool)
	var out []string
	for _, m := range c.Markets {
		a := strings.ToUpper(m.Asset)
		if a != "" && !seen[a] {
			seen[a] = true
			out = append(out, a)
		}
	}
	return out
}
