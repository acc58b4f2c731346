package polymarket

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/polyhft/internal/domain"
)

// --------------------------------------------------------------------------
// CLOB API DTOs
// --------------------------------------------------------------------------

// APIOrder is an order as returned by GET /data/order/{id}.
type APIOrder struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	Market       string `json:"market"`
	AssetID      string `json:"asset_id"`
	Side         string `json:"side"`
	OriginalSize string `json:"original_size"`
	SizeMatched  string `json:"size_matched"`
	Price        string `json:"price"`
	OrderType    string `json:"order_type"`
	CreatedAt    int64  `json:"created_at"`
}

// MatchedShares is size_matched, capped at original_size when known.
func (a APIOrder) MatchedShares() float64 {
	matched := parseFloat(a.SizeMatched)
	if orig := parseFloat(a.OriginalSize); orig > 0 && matched > orig {
		return orig
	}
	if matched < 0 {
		return 0
	}
	return matched
}

// Lifecycle collapses the exchange status vocabulary into three states.
func (a APIOrder) Lifecycle() OrderLifecycle {
	switch strings.ToLower(a.Status) {
	case "matched", "filled":
		return LifecycleMatched
	case "canceled", "cancelled", "canceled_market_resolved", "unmatched", "expired":
		return LifecycleCancelled
	default:
		return LifecycleOpen
	}
}

// OrderLifecycle is the gateway-level view of an exchange order status.
type OrderLifecycle int

const (
	LifecycleOpen OrderLifecycle = iota
	LifecycleMatched
	LifecycleCancelled
)

// APIOrderResult is the response from POST /order.
type APIOrderResult struct {
	Success     bool   `json:"success"`
	ErrorMsg    string `json:"errorMsg,omitempty"`
	OrderID     string `json:"orderID,omitempty"`
	Status      string `json:"status,omitempty"`
	ShouldRetry bool   `json:"shouldRetry,omitempty"`
}

// SignedOrder is the order body posted to the CLOB.
type SignedOrder struct {
	Salt          int64  `json:"salt"`
	Maker         string `json:"maker"`
	Signer        string `json:"signer"`
	Taker         string `json:"taker"`
	TokenID       string `json:"tokenId"`
	MakerAmount   string `json:"makerAmount"`
	TakerAmount   string `json:"takerAmount"`
	Expiration    string `json:"expiration"`
	Nonce         string `json:"nonce"`
	FeeRateBps    string `json:"feeRateBps"`
	Side          string `json:"side"`
	SignatureType int    `json:"signatureType"`
	Signature     string `json:"signature"`
}

// --------------------------------------------------------------------------
// WebSocket DTOs (market channel)
// --------------------------------------------------------------------------

// subscribeCommand is the first frame sent on the market channel.
type subscribeCommand struct {
	AssetsIDs []string `json:"assets_ids"`
	Type      string   `json:"type"`
}

// wsEvent is the union of the market channel messages we consume.
type wsEvent struct {
	EventType    string          `json:"event_type"`
	AssetID      string          `json:"asset_id"`
	Timestamp    string          `json:"timestamp"`
	Bids         []wsPriceLevel  `json:"bids"`
	Asks         []wsPriceLevel  `json:"asks"`
	BestBid      string          `json:"best_bid"`
	BestAsk      string          `json:"best_ask"`
	PriceChanges []wsPriceChange `json:"price_changes"`
}

type wsPriceLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

type wsPriceChange struct {
	AssetID string `json:"asset_id"`
	BestBid string `json:"best_bid"`
	BestAsk string `json:"best_ask"`
}

// ParseMarketMessage decodes one market channel frame into top-of-book
// updates. Frames may carry a single event or an array of events. Non-JSON
// keep-alive frames yield no updates and no error. Updates missing either
// side of the book are dropped.
func ParseMarketMessage(raw []byte, now time.Time) ([]domain.MarketUpdate, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || (raw[0] != '{' && raw[0] != '[') {
		return nil, nil
	}

	var events []wsEvent
	if raw[0] == '[' {
		if err := json.Unmarshal(raw, &events); err != nil {
			return nil, fmt.Errorf("polymarket/ws: decode batch: %w", err)
		}
	} else {
		var ev wsEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, fmt.Errorf("polymarket/ws: decode event: %w", err)
		}
		events = []wsEvent{ev}
	}

	var out []domain.MarketUpdate
	for _, ev := range events {
		ts := parseMillis(ev.Timestamp, now)
		switch ev.EventType {
		case "book":
			bid, ask := bestLevels(ev.Bids, ev.Asks)
			out = appendUpdate(out, ev.AssetID, bid, ask, ts)
		case "best_bid_ask":
			out = appendUpdate(out, ev.AssetID, parseFloat(ev.BestBid), parseFloat(ev.BestAsk), ts)
		case "price_change":
			for _, pc := range ev.PriceChanges {
				out = appendUpdate(out, pc.AssetID, parseFloat(pc.BestBid), parseFloat(pc.BestAsk), ts)
			}
		}
	}
	return out, nil
}

func appendUpdate(out []domain.MarketUpdate, tokenID string, bid, ask float64, ts time.Time) []domain.MarketUpdate {
	if tokenID == "" || bid <= 0 || ask <= 0 {
		return out
	}
	return append(out, domain.MarketUpdate{
		TokenID:   tokenID,
		BestBid:   bid,
		BestAsk:   ask,
		Timestamp: ts,
	})
}

// bestLevels returns the highest bid and lowest ask with non-zero size.
func bestLevels(bids, asks []wsPriceLevel) (bid, ask float64) {
	for _, l := range bids {
		if p := parseFloat(l.Price); p > bid && parseFloat(l.Size) > 0 {
			bid = p
		}
	}
	for _, l := range asks {
		if p := parseFloat(l.Price); p > 0 && parseFloat(l.Size) > 0 && (ask == 0 || p < ask) {
			ask = p
		}
	}
	return bid, ask
}

func parseFloat(s string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return f
}

// parseMillis reads a Unix millisecond string, falling back to now.
func parseMillis(s string, now time.Time) time.Time {
	ms, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || ms <= 0 {
		return now
	}
	return time.UnixMilli(ms).UTC()
}
