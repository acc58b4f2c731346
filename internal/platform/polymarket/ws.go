package polymarket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/polyhft/internal/domain"
	"github.com/alanyoungcy/polyhft/internal/platform/wsconn"
)

// MarketStream is a subscription to the CLOB market channel for a fixed set
// of tokens. One Run call is one connection.
type MarketStream struct {
	url      string
	tokenIDs []string
	logger   *slog.Logger
	now      func() time.Time
}

// NewMarketStream creates a stream for the given tokens.
//
// url is the market channel endpoint, e.g.
// "wss://ws-subscriptions-clob.polymarket.com/ws/market".
func NewMarketStream(url string, tokenIDs []string, logger *slog.Logger) *MarketStream {
	return &MarketStream{
		url:      url,
		tokenIDs: tokenIDs,
		logger:   logger.With(slog.String("component", "polymarket_ws")),
		now:      time.Now,
	}
}

// Run connects, subscribes and emits top-of-book updates until ctx is
// cancelled or the connection drops.
func (s *MarketStream) Run(ctx context.Context, emit func(domain.MarketUpdate) error) error {
	sub, err := json.Marshal(subscribeCommand{AssetsIDs: s.tokenIDs, Type: "market"})
	if err != nil {
		return fmt.Errorf("polymarket/ws: marshal subscribe: %w", err)
	}

	s.logger.InfoContext(ctx, "connecting market channel",
		slog.String("url", s.url),
		slog.Int("tokens", len(s.tokenIDs)),
	)
	return wsconn.Run(ctx, wsconn.Session{URL: s.url, Subscribe: [][]byte{sub}}, func(raw []byte) error {
		updates, err := ParseMarketMessage(raw, s.now())
		if err != nil {
			s.logger.DebugContext(ctx, "dropping malformed frame", slog.String("error", err.Error()))
			return nil
		}
		for _, u := range updates {
			if err := emit(u); err != nil {
				return err
			}
		}
		return nil
	})
}
