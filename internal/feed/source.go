// Package feed merges market and oracle streams into the single bounded
// event channel consumed by the decision loop.
package feed

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/polyhft/internal/domain"
)

const (
	// reconnectDelay is the base delay before restarting a failed source.
	reconnectDelay = 2 * time.Second

	// maxReconnectDelay caps the exponential backoff.
	maxReconnectDelay = 60 * time.Second

	// healthySession resets the backoff when a session lasted this long.
	healthySession = 30 * time.Second
)

// Source produces events until ctx is cancelled or it fails. A nil return
// means the source is exhausted and is not restarted.
type Source interface {
	Name() string
	Run(ctx context.Context, emit func(domain.Event) error) error
}

// MarketStream is anything that emits top-of-book updates.
type MarketStream interface {
	Run(ctx context.Context, emit func(domain.MarketUpdate) error) error
}

// OracleStream is anything that emits reference price updates.
type OracleStream interface {
	Run(ctx context.Context, emit func(domain.OracleUpdate) error) error
}

type marketSource struct {
	name   string
	stream MarketStream
}

// MarketSource adapts a MarketStream into a Source.
func MarketSource(name string, s MarketStream) Source {
	return marketSource{name: name, stream: s}
}

func (m marketSource) Name() string { return m.name }

func (m marketSource) Run(ctx context.Context, emit func(domain.Event) error) error {
	return m.stream.Run(ctx, func(u domain.MarketUpdate) error {
		return emit(domain.NewMarketEvent(u))
	})
}

type oracleSource struct {
	name   string
	stream OracleStream
}

// OracleSource adapts an OracleStream into a Source.
func OracleSource(name string, s OracleStream) Source {
	return oracleSource{name: name, stream: s}
}

func (o oracleSource) Name() string { return o.name }

func (o oracleSource) Run(ctx context.Context, emit func(domain.Event) error) error {
	return o.stream.Run(ctx, func(u domain.OracleUpdate) error {
		return emit(domain.NewOracleEvent(u))
	})
}

// Merger runs sources into one channel, restarting failed sources with
// exponential backoff.
type Merger struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	logger         *slog.Logger
}

// NewMerger creates a Merger with the default backoff.
func NewMerger(logger *slog.Logger) *Merger {
	return &Merger{
		InitialBackoff: reconnectDelay,
		MaxBackoff:     maxReconnectDelay,
		logger:         logger.With(slog.String("component", "feed")),
	}
}

// Merge runs sources into out with the default backoff. See Merger.Run.
func Merge(ctx context.Context, out chan<- domain.Event, logger *slog.Logger, sources ...Source) error {
	return NewMerger(logger).Run(ctx, out, sources...)
}

// Run blocks until every source is exhausted or ctx is cancelled, then
// closes out. Sends block when out is full, so a slow consumer applies
// backpressure to the feeds instead of losing updates.
func (m *Merger) Run(ctx context.Context, out chan<- domain.Event, sources ...Source) error {
	defer close(out)

	emit := func(ev domain.Event) error {
		select {
		case out <- ev:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, src := range sources {
		g.Go(func() error {
			return m.supervise(gctx, src, emit)
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}

func (m *Merger) supervise(ctx context.Context, src Source, emit func(domain.Event) error) error {
	delay := m.InitialBackoff
	logger := m.logger.With(slog.String("source", src.Name()))

	for {
		started := time.Now()
		err := src.Run(ctx, emit)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil {
			logger.InfoContext(ctx, "source finished")
			return nil
		}

		if time.Since(started) >= healthySession {
			delay = m.InitialBackoff
		}
		logger.WarnContext(ctx, "source failed, restarting",
			slog.String("error", err.Error()),
			slog.Duration("backoff", delay),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		delay *= 2
		if delay > m.MaxBackoff {
			delay = m.MaxBackoff
		}
	}
}
