// Package binance streams reference spot prices from the Binance combined
// ticker stream.
package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/polyhft/internal/domain"
	"github.com/alanyoungcy/polyhft/internal/platform/wsconn"
)

const quoteAsset = "USDT"

// tickerFrame is one message of a combined stream.
type tickerFrame struct {
	Stream string `json:"stream"`
	Data   struct {
		Event  string `json:"e"`
		Time   int64  `json:"E"`
		Symbol string `json:"s"`
		Close  string `json:"c"`
	} `json:"data"`
}

// StreamURL builds the combined-stream URL subscribing <asset>usdt@ticker
// for every asset.
func StreamURL(base string, assets []string) string {
	streams := make([]string, 0, len(assets))
	for _, a := range assets {
		streams = append(streams, strings.ToLower(a)+strings.ToLower(quoteAsset)+"@ticker")
	}
	return strings.TrimRight(base, "/") + "?streams=" + strings.Join(streams, "/")
}

// ParseTicker decodes one combined-stream frame. ok is false for frames that
// carry no usable price.
func ParseTicker(raw []byte, now time.Time) (domain.OracleUpdate, bool, error) {
	var f tickerFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return domain.OracleUpdate{}, false, fmt.Errorf("binance: decode ticker: %w", err)
	}
	price, err := strconv.ParseFloat(f.Data.Close, 64)
	if err != nil || price <= 0 || f.Data.Symbol == "" {
		return domain.OracleUpdate{}, false, nil
	}

	ts := now
	if f.Data.Time > 0 {
		ts = time.UnixMilli(f.Data.Time).UTC()
	}
	return domain.OracleUpdate{
		Asset:     strings.TrimSuffix(strings.ToUpper(f.Data.Symbol), quoteAsset),
		Price:     price,
		Timestamp: ts,
	}, true, nil
}

// TickerStream follows the ticker of a fixed set of assets. One Run call is
// one connection.
type TickerStream struct {
	url    string
	logger *slog.Logger
	now    func() time.Time
}

// NewTickerStream creates a stream against base, e.g.
// "wss://stream.binance.com:9443/stream".
func NewTickerStream(base string, assets []string, logger *slog.Logger) *TickerStream {
	return &TickerStream{
		url:    StreamURL(base, assets),
		logger: logger.With(slog.String("component", "binance_ws")),
		now:    time.Now,
	}
}

// Run connects and emits oracle updates until ctx is cancelled or the
// connection drops.
func (s *TickerStream) Run(ctx context.Context, emit func(domain.OracleUpdate) error) error {
	s.logger.InfoContext(ctx, "connecting ticker stream", slog.String("url", s.url))
	return wsconn.Run(ctx, wsconn.Session{URL: s.url}, func(raw []byte) error {
		u, ok, err := ParseTicker(raw, s.now())
		if err != nil {
			s.logger.DebugContext(ctx, "dropping malformed frame", slog.String("error", err.Error()))
			return nil
		}
		if !ok {
			return nil
		}
		return emit(u)
	})
}
