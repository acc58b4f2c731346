package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/polyhft/internal/aggregator"
	"github.com/alanyoungcy/polyhft/internal/config"
	"github.com/alanyoungcy/polyhft/internal/crypto"
	"github.com/alanyoungcy/polyhft/internal/domain"
	"github.com/alanyoungcy/polyhft/internal/engine"
	"github.com/alanyoungcy/polyhft/internal/execution"
	"github.com/alanyoungcy/polyhft/internal/feed"
	"github.com/alanyoungcy/polyhft/internal/platform/binance"
	"github.com/alanyoungcy/polyhft/internal/platform/polymarket"
	"github.com/alanyoungcy/polyhft/internal/recorder"
	"github.com/alanyoungcy/polyhft/internal/risk"
	"github.com/alanyoungcy/polyhft/internal/strategy"
)

func aggregatorConfig(c config.AggregatorConfig) aggregator.Config {
	return aggregator.Config{
		Staleness:          c.Staleness.Duration,
		PendingLimit:       c.PendingLimit,
		FairValueSteepness: c.FairValueSteepness,
	}
}

func strategyConfig(c config.StrategyConfig) strategy.Config {
	steps := make([]strategy.StopTightening, 0, len(c.StopTightening))
	for _, s := range c.StopTightening {
		steps = append(steps, strategy.StopTightening{Minutes: s.Minutes, StopLossPct: s.StopLossPct})
	}
	return strategy.Config{
		Name: c.Name,
		EarlyEntry: strategy.EarlyEntryConfig{
			EntryDelayMinutes: c.EntryDelayMinutes,
			ExitBufferMinutes: c.ExitBufferMinutes,
			MinEntryPrice:     c.MinEntryPrice,
			MaxEntryPrice:     c.MaxEntryPrice,
			PositionSize:      c.PositionSize,
			SideSelection:     c.SideSelection,
			ProfitTargetPct:   c.ProfitTargetPct,
			StopLossPct:       c.StopLossPct,
			TimeExitMinutes:   c.TimeExitMinutes,
			StopTightening:    steps,
		},
	}
}

// riskConfig shares the strategy's exit buffer so the market-timing check
// and the strategy agree on when entries stop.
func riskConfig(c config.RiskConfig, exitBufferMinutes float64) (risk.Config, error) {
	exempt := make([]domain.RiskCheck, 0, len(c.ExitExemptChecks))
	for _, name := range c.ExitExemptChecks {
		check, err := domain.ParseRiskCheck(name)
		if err != nil {
			return risk.Config{}, fmt.Errorf("app: risk.exit_exempt_checks: %w", err)
		}
		exempt = append(exempt, check)
	}
	return risk.Config{
		InitialCapital:         c.InitialCapital,
		MaxPositionSize:        c.MaxPositionSize,
		MaxTotalExposure:       c.MaxTotalExposure,
		MaxConcurrentPositions: c.MaxConcurrentPositions,
		MaxDrawdownPct:         c.MaxDrawdownPct,
		Cooldown:               c.Cooldown.Duration,
		MaxTradesPerMinute:     c.MaxTradesPerMinute,
		MaxSlippagePct:         c.MaxSlippagePct,
		ExitBufferMinutes:      exitBufferMinutes,
		KillSwitch:             c.KillSwitch,
		ExitExempt:             exempt,
	}, nil
}

func executionConfig(c config.ExecutionConfig) execution.Config {
	return execution.Config{
		DryRun:        c.DryRun,
		AckTimeout:    c.AckTimeout.Duration,
		FillTimeout:   c.FillTimeout.Duration,
		CancelTimeout: c.CancelTimeout.Duration,
	}
}

func engineConfig(c config.EngineConfig, monitorOnly bool) engine.Config {
	return engine.Config{
		QueueSize:        c.QueueSize,
		TickInterval:     c.TickInterval.Duration,
		ShutdownTimeout:  c.ShutdownTimeout.Duration,
		SnapshotInterval: c.SnapshotInterval.Duration,
		MonitorOnly:      monitorOnly,
	}
}

func recorderConfig(c config.RecorderConfig, archiveBatch int) recorder.Config {
	return recorder.Config{
		BufferSize:       c.BufferSize,
		BatchSize:        c.BatchSize,
		FlushInterval:    c.FlushInterval.Duration,
		ArchiveBatchSize: archiveBatch,
	}
}

// subscribedTokens lists every token whose book is needed, including the
// complement legs, without duplicates.
func subscribedTokens(markets []domain.MarketInfo) []string {
	seen := make(map[string]bool, 2*len(markets))
	var out []string
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for _, m := range markets {
		add(m.TokenID)
		add(m.ComplementTokenID)
	}
	return out
}

// feedSources builds the market and oracle sources: seeded random walks in
// mock mode, the Polymarket and Binance streams otherwise.
func feedSources(cfg *config.Config, markets []domain.MarketInfo, logger *slog.Logger) []feed.Source {
	assets := cfg.Assets()
	if cfg.Execution.Mock {
		seed := uint64(time.Now().UnixNano())
		interval := cfg.Feeds.MockInterval.Duration
		return []feed.Source{
			feed.MarketSource("mock_market", feed.NewMockMarketStream(markets, interval, cfg.Feeds.MockVolatility, seed)),
			feed.OracleSource("mock_oracle", feed.NewMockOracleStream(assets, interval, cfg.Feeds.MockVolatility, seed+1)),
		}
	}
	return []feed.Source{
		feed.MarketSource("polymarket", polymarket.NewMarketStream(cfg.Feeds.PolymarketWSURL, subscribedTokens(markets), logger)),
		feed.OracleSource("binance", binance.NewTickerStream(cfg.Feeds.BinanceWSURL, assets, logger)),
	}
}

// killSignal combines the sentinel file and the Redis flag, whichever are
// configured. It returns nil when neither is.
func killSignal(path string, flag domain.KillSignal) domain.KillSignal {
	var signals engine.AnyKillSignal
	if path != "" {
		signals = append(signals, engine.FileKillSignal{Path: path})
	}
	if flag != nil {
		signals = append(signals, flag)
	}
	if len(signals) == 0 {
		return nil
	}
	return signals
}

// liveGateway loads the wallet key, derives the CLOB API credentials and
// builds the order gateway. Close stops its order pollers.
func liveGateway(ctx context.Context, cfg *config.Config, limiter domain.RateLimiter, logger *slog.Logger) (*polymarket.Gateway, error) {
	key, err := crypto.LoadKey(crypto.KeySource{
		RawPrivateKey:    cfg.Wallet.PrivateKey,
		EncryptedKeyPath: cfg.Wallet.EncryptedKeyPath,
		KeyPassword:      cfg.Wallet.KeyPassword,
	})
	if err != nil {
		return nil, fmt.Errorf("app: load wallet key: %w", err)
	}
	signer, err := crypto.NewSigner(key, cfg.Polymarket.ChainID, cfg.Polymarket.ExchangeAddress)
	if err != nil {
		return nil, fmt.Errorf("app: signer: %w", err)
	}

	clob := polymarket.NewClobClient(cfg.Polymarket.ClobHost, signer, nil)
	if err := clob.DeriveAPIKey(ctx); err != nil {
		return nil, fmt.Errorf("app: derive clob api key: %w", err)
	}
	logger.InfoContext(ctx, "clob credentials derived",
		slog.String("address", signer.Address().Hex()),
	)

	var opts []polymarket.GatewayOption
	if limiter != nil {
		opts = append(opts, polymarket.WithRateLimiter(limiter))
	}
	return polymarket.NewGateway(clob, signer, polymarket.GatewayConfig{
		SafeAddress:     cfg.Wallet.SafeAddress,
		SignatureType:   cfg.Polymarket.SignatureType,
		PollInterval:    cfg.Execution.PollInterval.Duration,
		OrdersPerWindow: cfg.Polymarket.OrdersPerWindow,
		OrderWindow:     cfg.Polymarket.OrderWindow.Duration,
	}, logger, opts...), nil
}
