package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "POLYHFT_"

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies POLYHFT_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides overwrites Config fields from well-known POLYHFT_*
// variables. Secrets are expected to arrive this way rather than through the
// TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Top-level ──
	setStr(&cfg.Mode, EnvPrefix+"MODE")
	setStr(&cfg.LogLevel, EnvPrefix+"LOG_LEVEL")

	// ── Strategy ──
	setStr(&cfg.Strategy.Name, EnvPrefix+"STRATEGY_NAME")
	setFloat64(&cfg.Strategy.EntryDelayMinutes, EnvPrefix+"STRATEGY_ENTRY_DELAY_MINUTES")
	setFloat64(&cfg.Strategy.ExitBufferMinutes, EnvPrefix+"STRATEGY_EXIT_BUFFER_MINUTES")
	setFloat64(&cfg.Strategy.MinEntryPrice, EnvPrefix+"STRATEGY_MIN_ENTRY_PRICE")
	setFloat64(&cfg.Strategy.MaxEntryPrice, EnvPrefix+"STRATEGY_MAX_ENTRY_PRICE")
	setFloat64(&cfg.Strategy.PositionSize, EnvPrefix+"STRATEGY_POSITION_SIZE")
	setStr(&cfg.Strategy.SideSelection, EnvPrefix+"STRATEGY_SIDE_SELECTION")
	setFloat64(&cfg.Strategy.ProfitTargetPct, EnvPrefix+"STRATEGY_PROFIT_TARGET_PCT")
	setFloat64(&cfg.Strategy.StopLossPct, EnvPrefix+"STRATEGY_STOP_LOSS_PCT")
	setFloat64(&cfg.Strategy.TimeExitMinutes, EnvPrefix+"STRATEGY_TIME_EXIT_MINUTES")

	// ── Risk ──
	setFloat64(&cfg.Risk.InitialCapital, EnvPrefix+"RISK_INITIAL_CAPITAL")
	setFloat64(&cfg.Risk.MaxPositionSize, EnvPrefix+"RISK_MAX_POSITION_SIZE")
	setFloat64(&cfg.Risk.MaxTotalExposure, EnvPrefix+"RISK_MAX_TOTAL_EXPOSURE")
	setInt(&cfg.Risk.MaxConcurrentPositions, EnvPrefix+"RISK_MAX_CONCURRENT_POSITIONS")
	setFloat64(&cfg.Risk.MaxDrawdownPct, EnvPrefix+"RISK_MAX_DRAWDOWN_PCT")
	setDuration(&cfg.Risk.Cooldown, EnvPrefix+"RISK_COOLDOWN")
	setInt(&cfg.Risk.MaxTradesPerMinute, EnvPrefix+"RISK_MAX_TRADES_PER_MINUTE")
	setFloat64(&cfg.Risk.MaxSlippagePct, EnvPrefix+"RISK_MAX_SLIPPAGE_PCT")
	setBool(&cfg.Risk.KillSwitch, EnvPrefix+"RISK_KILL_SWITCH")
	setStringSlice(&cfg.Risk.ExitExemptChecks, EnvPrefix+"RISK_EXIT_EXEMPT_CHECKS")

	// ── Execution ──
	setBool(&cfg.Execution.DryRun, EnvPrefix+"EXECUTION_DRY_RUN")
	setBool(&cfg.Execution.Mock, EnvPrefix+"EXECUTION_MOCK")
	setDuration(&cfg.Execution.AckTimeout, EnvPrefix+"EXECUTION_ACK_TIMEOUT")
	setDuration(&cfg.Execution.FillTimeout, EnvPrefix+"EXECUTION_FILL_TIMEOUT")
	setDuration(&cfg.Execution.CancelTimeout, EnvPrefix+"EXECUTION_CANCEL_TIMEOUT")
	setDuration(&cfg.Execution.PollInterval, EnvPrefix+"EXECUTION_POLL_INTERVAL")

	// ── Aggregator / engine ──
	setDuration(&cfg.Aggregator.Staleness, EnvPrefix+"AGGREGATOR_STALENESS")
	setFloat64(&cfg.Aggregator.FairValueSteepness, EnvPrefix+"AGGREGATOR_FAIR_VALUE_STEEPNESS")
	setInt(&cfg.Engine.QueueSize, EnvPrefix+"ENGINE_QUEUE_SIZE")
	setDuration(&cfg.Engine.TickInterval, EnvPrefix+"ENGINE_TICK_INTERVAL")
	setStr(&cfg.Engine.KillSwitchFile, EnvPrefix+"ENGINE_KILL_SWITCH_FILE")
	setDuration(&cfg.Engine.ShutdownTimeout, EnvPrefix+"ENGINE_SHUTDOWN_TIMEOUT")

	// ── Feeds ──
	setStr(&cfg.Feeds.PolymarketWSURL, EnvPrefix+"FEEDS_POLYMARKET_WS_URL")
	setStr(&cfg.Feeds.BinanceWSURL, EnvPrefix+"FEEDS_BINANCE_WS_URL")

	// ── Wallet ──
	setStr(&cfg.Wallet.PrivateKey, EnvPrefix+"WALLET_PRIVATE_KEY")
	setStr(&cfg.Wallet.SafeAddress, EnvPrefix+"WALLET_SAFE_ADDRESS")
	setStr(&cfg.Wallet.EncryptedKeyPath, EnvPrefix+"WALLET_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Wallet.KeyPassword, EnvPrefix+"WALLET_KEY_PASSWORD")

	// ── Polymarket ──
	setStr(&cfg.Polymarket.ClobHost, EnvPrefix+"POLYMARKET_CLOB_HOST")
	setInt(&cfg.Polymarket.ChainID, EnvPrefix+"POLYMARKET_CHAIN_ID")
	setInt(&cfg.Polymarket.SignatureType, EnvPrefix+"POLYMARKET_SIGNATURE_TYPE")
	setStr(&cfg.Polymarket.ExchangeAddress, EnvPrefix+"POLYMARKET_EXCHANGE_ADDRESS")

	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, EnvPrefix+"POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, EnvPrefix+"POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, EnvPrefix+"POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, EnvPrefix+"POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, EnvPrefix+"POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, EnvPrefix+"POSTGRES_USER")
	setStr(&cfg.Postgres.Password, EnvPrefix+"POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, EnvPrefix+"POSTGRES_SSL_MODE")
	setBool(&cfg.Postgres.RunMigrations, EnvPrefix+"POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, EnvPrefix+"REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, EnvPrefix+"REDIS_ADDR")
	setStr(&cfg.Redis.Password, EnvPrefix+"REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, EnvPrefix+"REDIS_DB")
	setBool(&cfg.Redis.TLSEnabled, EnvPrefix+"REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KillKey, EnvPrefix+"REDIS_KILL_KEY")
	setInt64(&cfg.Redis.StreamMaxLen, EnvPrefix+"REDIS_STREAM_MAX_LEN")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, EnvPrefix+"S3_ENABLED")
	setStr(&cfg.S3.Endpoint, EnvPrefix+"S3_ENDPOINT")
	setStr(&cfg.S3.Region, EnvPrefix+"S3_REGION")
	setStr(&cfg.S3.Bucket, EnvPrefix+"S3_BUCKET")
	setStr(&cfg.S3.AccessKey, EnvPrefix+"S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, EnvPrefix+"S3_SECRET_KEY")
	setBool(&cfg.S3.ForcePathStyle, EnvPrefix+"S3_FORCE_PATH_STYLE")

	// ── Kafka ──
	setBool(&cfg.Kafka.Enabled, EnvPrefix+"KAFKA_ENABLED")
	setStringSlice(&cfg.Kafka.Brokers, EnvPrefix+"KAFKA_BROKERS")
	setStr(&cfg.Kafka.Topic, EnvPrefix+"KAFKA_TOPIC")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, EnvPrefix+"NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, EnvPrefix+"NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, EnvPrefix+"NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, EnvPrefix+"NOTIFY_EVENTS")

	// ── Server ──
	setBool(&cfg.Server.Enabled, EnvPrefix+"SERVER_ENABLED")
	setInt(&cfg.Server.Port, EnvPrefix+"SERVER_PORT")
	setStr(&cfg.Server.APIKey, EnvPrefix+"SERVER_API_KEY")
	setInt(&cfg.Server.RequestsPerMinute, EnvPrefix+"SERVER_REQUESTS_PER_MINUTE")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and parses.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
