package polymarket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyhft/internal/domain"
)

func TestMarketStreamSubscribesAndEmits(t *testing.T) {
	subs := make(chan subscribeCommand, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var cmd subscribeCommand
		if err := conn.ReadJSON(&cmd); err != nil {
			return
		}
		subs <- cmd
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"event_type":"best_bid_ask","asset_id":"tok-yes","best_bid":"0.44","best_ask":"0.46","timestamp":"1760702400000"}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`PONG`))
	}))
	defer srv.Close()

	s := NewMarketStream("ws"+strings.TrimPrefix(srv.URL, "http"), []string{"tok-yes", "tok-no"}, discardLogger())
	var got []domain.MarketUpdate
	err := s.Run(context.Background(), func(u domain.MarketUpdate) error {
		got = append(got, u)
		return nil
	})
	assert.ErrorIs(t, err, domain.ErrWSDisconnect)

	cmd := <-subs
	assert.Equal(t, "market", cmd.Type)
	assert.Equal(t, []string{"tok-yes", "tok-no"}, cmd.AssetsIDs)

	require.Len(t, got, 1)
	assert.InDelta(t, 0.44, got[0].BestBid, 1e-9)

	raw, err := json.Marshal(subscribeCommand{AssetsIDs: []string{"a"}, Type: "market"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"assets_ids":["a"],"type":"market"}`, string(raw))
}
