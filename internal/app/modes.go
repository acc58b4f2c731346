package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/polyhft/internal/aggregator"
	"github.com/alanyoungcy/polyhft/internal/domain"
	"github.com/alanyoungcy/polyhft/internal/engine"
	"github.com/alanyoungcy/polyhft/internal/execution"
	"github.com/alanyoungcy/polyhft/internal/feed"
	"github.com/alanyoungcy/polyhft/internal/recorder"
	"github.com/alanyoungcy/polyhft/internal/risk"
	"github.com/alanyoungcy/polyhft/internal/server"
	"github.com/alanyoungcy/polyhft/internal/server/handler"
	"github.com/alanyoungcy/polyhft/internal/strategy"
)

// TradeMode runs the full pipeline: feeds, decision loop, risk-gated
// execution (paper or live), persistence, notifications and the operator API.
func (a *App) TradeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting trade mode", slog.Bool("live", a.cfg.LiveTrading()))
	return a.runEngine(ctx, deps, false)
}

// MonitorMode runs the feeds and strategy but only logs intents.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")
	return a.runEngine(ctx, deps, true)
}

// engineParts holds the components of one engine instance.
type engineParts struct {
	strat   strategy.Strategy
	risk    *risk.Manager
	exec    *execution.Service
	rec     *recorder.Recorder
	loop    *engine.Loop
	sources []feed.Source
}

func (a *App) runEngine(ctx context.Context, deps *Dependencies, monitorOnly bool) error {
	parts, err := a.buildEngine(ctx, deps, monitorOnly)
	if err != nil {
		return err
	}

	// The recorder and notifier outlive the loop so reports produced while
	// the loop cancels open orders are still written and sent.
	bgCtx, stopBackground := context.WithCancel(context.WithoutCancel(ctx))
	var bg errgroup.Group
	bg.Go(func() error { return parts.rec.Run(bgCtx) })
	if deps.Notifier.Enabled() {
		bg.Go(func() error { return deps.Notifier.Run(bgCtx) })
	}

	g, gctx := errgroup.WithContext(ctx)
	events := make(chan domain.Event, parts.loop.QueueSize())
	g.Go(func() error {
		return feed.NewMerger(a.logger).Run(gctx, events, parts.sources...)
	})
	g.Go(func() error {
		return parts.loop.Run(gctx, events)
	})
	if a.cfg.Server.Enabled {
		srv := a.buildServer(deps, parts, monitorOnly)
		g.Go(func() error { return srv.Run(gctx) })
	}

	err = g.Wait()
	stopBackground()
	_ = bg.Wait()

	a.logger.Info("engine stopped",
		slog.Any("loop", parts.loop.Stats()),
		slog.Any("execution", parts.exec.Stats()),
		slog.Any("recorder", parts.rec.Stats()),
	)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *App) buildEngine(ctx context.Context, deps *Dependencies, monitorOnly bool) (*engineParts, error) {
	cfg := a.cfg
	markets, err := cfg.MarketInfos()
	if err != nil {
		return nil, err
	}

	agg := aggregator.New(aggregatorConfig(cfg.Aggregator), a.logger)
	for _, m := range markets {
		if err := agg.RegisterMarket(m); err != nil {
			return nil, fmt.Errorf("app: register market %s: %w", m.TokenID, err)
		}
	}

	strat, err := strategy.NewRegistry().New(strategyConfig(cfg.Strategy))
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	recOpts := []recorder.Option{}
	if deps.ExecutionStore != nil {
		recOpts = append(recOpts, recorder.WithExecutionStore(deps.ExecutionStore))
	}
	if deps.SnapshotStore != nil {
		recOpts = append(recOpts, recorder.WithSnapshotStore(deps.SnapshotStore))
	}
	if deps.PositionStore != nil {
		recOpts = append(recOpts, recorder.WithPositionStore(deps.PositionStore))
	}
	if deps.Archiver != nil {
		recOpts = append(recOpts, recorder.WithArchiver(deps.Archiver))
	}
	for _, p := range deps.Publishers {
		recOpts = append(recOpts, recorder.WithPublisher(p))
	}
	rec := recorder.New(recorderConfig(cfg.Recorder, cfg.S3.BatchSize), a.logger, recOpts...)

	riskCfg, err := riskConfig(cfg.Risk, cfg.Strategy.ExitBufferMinutes)
	if err != nil {
		return nil, err
	}
	rm := risk.NewManager(riskCfg, a.logger, risk.WithKillSwitchHook(func(st domain.KillSwitchState) {
		rec.RecordKillSwitch(st)
		deps.Notifier.OnKillSwitch(st)
		deps.Metrics.SetKillSwitch(st)
	}))
	deps.Metrics.SetKillSwitch(rm.KillSwitch())

	var gw execution.OrderGateway
	execCfg := executionConfig(cfg.Execution)
	if monitorOnly {
		execCfg.DryRun = true
	}
	if !execCfg.DryRun {
		live, err := liveGateway(ctx, cfg, deps.RateLimiter, a.logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, live.Close)
		gw = live
	}
	exec := execution.NewService(execCfg, gw, a.logger,
		execution.WithReportHook(deps.Notifier.OnReport),
		execution.WithHaltHook(deps.Notifier.OnHalt),
		execution.WithInventoryObserver(rm.OnInventoryUpdate),
		execution.WithInventoryObserver(rec.ObserveInventory),
		execution.WithInventoryObserver(deps.Metrics.ObserveInventory),
	)
	rm.SetInventorySource(exec)

	if deps.PositionStore != nil {
		if err := a.restorePositions(ctx, deps.PositionStore, exec); err != nil {
			return nil, err
		}
	}

	loopOpts := []engine.Option{
		engine.WithSink(rec),
		engine.WithMetrics(deps.Metrics),
	}
	if ks := killSignal(cfg.Engine.KillSwitchFile, deps.KillFlag); ks != nil {
		loopOpts = append(loopOpts, engine.WithKillSignal(ks))
	}
	loop := engine.New(engineConfig(cfg.Engine, monitorOnly), agg, strat, rm, exec, a.logger, loopOpts...)

	return &engineParts{
		strat:   strat,
		risk:    rm,
		exec:    exec,
		rec:     rec,
		loop:    loop,
		sources: feedSources(cfg, markets, a.logger),
	}, nil
}

// restorePositions reloads open positions persisted by a previous run so
// exposure limits and exits account for them.
func (a *App) restorePositions(ctx context.Context, store domain.PositionStore, exec *execution.Service) error {
	loadCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	positions, err := store.LoadOpen(loadCtx)
	if err != nil {
		return fmt.Errorf("app: load open positions: %w", err)
	}
	if len(positions) == 0 {
		return nil
	}
	exec.Restore(positions)
	inv := exec.Inventory()
	a.logger.InfoContext(ctx, "restored open positions",
		slog.Int("count", len(positions)),
		slog.Float64("exposure", inv.TotalExposure),
	)
	return nil
}

func (a *App) buildServer(deps *Dependencies, parts *engineParts, monitorOnly bool) *server.Server {
	mode := "trade"
	if monitorOnly {
		mode = "monitor"
	}
	h := server.Handlers{
		Health:     handler.NewHealthHandler(time.Now()),
		Status:     handler.NewStatusHandler(mode, parts.strat.Name(), parts.risk, parts.exec, parts.loop),
		KillSwitch: handler.NewKillSwitchHandler(parts.risk, a.logger),
		Metrics:    deps.Metrics.Handler(),
	}
	if deps.ExecutionStore != nil {
		h.Executions = handler.NewExecutionHandler(deps.ExecutionStore, a.logger)
	}
	return server.NewServer(server.Config{
		Port:              a.cfg.Server.Port,
		APIKey:            a.cfg.Server.APIKey,
		RequestsPerMinute: a.cfg.Server.RequestsPerMinute,
	}, h, deps.RateLimiter, a.logger)
}
