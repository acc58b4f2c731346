package polymarket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyhft/internal/crypto"
	"github.com/alanyoungcy/polyhft/internal/domain"
)

func newTestClob(t *testing.T, h http.HandlerFunc, auth *crypto.HMACAuth) *ClobClient {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	signer, err := crypto.NewSigner(testKey, 137, "")
	require.NoError(t, err)
	return NewClobClient(srv.URL, signer, auth)
}

func TestPostOrderSendsL2Headers(t *testing.T) {
	auth := &crypto.HMACAuth{Key: "api-key", Secret: "c2VjcmV0", Passphrase: "pp"}
	var got struct {
		Order     SignedOrder `json:"order"`
		Owner     string      `json:"owner"`
		OrderType string      `json:"orderType"`
	}
	c := newTestClob(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/order", r.URL.Path)
		assert.Equal(t, "api-key", r.Header.Get("POLY_API_KEY"))
		assert.NotEmpty(t, r.Header.Get("POLY_SIGNATURE"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"success":true,"orderID":"0xabc","status":"live"}`))
	}, auth)

	res, err := c.PostOrder(context.Background(), SignedOrder{TokenID: "tok", Side: "BUY"}, orderTypeGTC)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "0xabc", res.OrderID)
	assert.Equal(t, "api-key", got.Owner)
	assert.Equal(t, "GTC", got.OrderType)
	assert.Equal(t, "tok", got.Order.TokenID)
}

func TestGetOrderDecodes(t *testing.T) {
	c := newTestClob(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/data/order/0xabc", r.URL.Path)
		_, _ = w.Write([]byte(`{"id":"0xabc","status":"LIVE","original_size":"50","size_matched":"5","price":"0.35"}`))
	}, nil)

	o, err := c.GetOrder(context.Background(), "0xabc")
	require.NoError(t, err)
	assert.Equal(t, LifecycleOpen, o.Lifecycle())
	assert.InDelta(t, 5, o.MatchedShares(), 1e-9)
}

func TestCancelOrderRefused(t *testing.T) {
	c := newTestClob(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		_, _ = w.Write([]byte(`{"canceled":[],"not_canceled":{"0xabc":"order already matched"}}`))
	}, nil)
	err := c.CancelOrder(context.Background(), "0xabc")
	assert.ErrorContains(t, err, "already matched")
}

func TestDeriveAPIKey(t *testing.T) {
	c := newTestClob(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/auth/derive-api-key", r.URL.Path)
		assert.NotEmpty(t, r.Header.Get("POLY_SIGNATURE"))
		assert.Equal(t, "0", r.Header.Get("POLY_NONCE"))
		_, _ = w.Write([]byte(`{"apiKey":"k","secret":"s","passphrase":"p"}`))
	}, nil)

	require.NoError(t, c.DeriveAPIKey(context.Background()))
	require.NotNil(t, c.hmacAuth)
	assert.Equal(t, "k", c.hmacAuth.Key)
}

func TestCheckHTTPStatus(t *testing.T) {
	assert.NoError(t, checkHTTPStatus(http.StatusOK, nil))
	assert.ErrorIs(t, checkHTTPStatus(http.StatusNotFound, nil), domain.ErrNotFound)
	assert.ErrorIs(t, checkHTTPStatus(http.StatusForbidden, nil), domain.ErrUnauthorized)
	assert.ErrorIs(t, checkHTTPStatus(http.StatusTooManyRequests, nil), domain.ErrRateLimited)
	assert.ErrorIs(t, checkHTTPStatus(http.StatusBadRequest, nil), domain.ErrInvalidOrder)
	assert.True(t, domain.IsTransient(checkHTTPStatus(http.StatusBadGateway, nil)))
}
