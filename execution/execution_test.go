package execution

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type capturedRequest struct {
	Action    map[string]interface{} `json:"action"`
	Nonce     int64                  `json:"nonce"`
	Signature string                 `json:"signature"`
	Type      string                 `json:"type"`
}

func newTestREST(t *testing.T, handler http.HandlerFunc) (*RESTExchange, string) {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.BaseURL = server.URL
	cfg.PrivateKeyHex = "0x" + hex.EncodeToString(crypto.FromECDSA(key))

	ex, err := NewRESTExchange(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	return ex, crypto.PubkeyToAddress(key.PublicKey).Hex()
}

func TestNewRESTExchange_RequiresKey(t *testing.T) {
	_, err := NewRESTExchange(DefaultConfig(), zaptest.NewLogger(t))
	assert.ErrorIs(t, err, ErrMissingAccount)

	cfg := DefaultConfig()
	cfg.PrivateKeyHex = "zz"
	_, err = NewRESTExchange(cfg, zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestRESTExchange_PlaceOrderSignsAction(t *testing.T) {
	var captured capturedRequest
	var rawAction json.RawMessage

	ex, address := newTestREST(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/exchange", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &captured))

		var envelope struct {
			Action json.RawMessage `json:"action"`
		}
		require.NoError(t, json.Unmarshal(body, &envelope))
		rawAction = envelope.Action

		_, _ = w.Write([]byte(`{"status":"ok","response":{"type":"order","data":{"statuses":[{"resting":{"oid":77}}]}}}`))
	})
	assert.Equal(t, address, ex.Address())

	order, err := ex.PlaceOrder(context.Background(), OrderRequest{
		Symbol: "ETH", Side: OrderSideBuy, Type: OrderTypeLimit,
		Amount: d("0.5"), Price: d("1999.3"), PostOnly: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "77", order.ID)
	assert.Equal(t, OrderStatusOpen, order.Status)
	assert.Equal(t, "order", captured.Action["type"])
	assert.NotZero(t, captured.Nonce)

	orders := captured.Action["orders"].([]interface{})
	wire := orders[0].(map[string]interface{})
	assert.Equal(t, "1999.3", wire["limit_px"])
	assert.Equal(t, "0.5", wire["sz"])
	assert.Equal(t, "Alo", wire["order_type"].(map[string]interface{})["limit"].(map[string]interface{})["tif"])

	// signature recovers to the account address
	sig, err := hex.DecodeString(captured.Signature)
	require.NoError(t, err)
	pub, err := crypto.SigToPub(crypto.Keccak256(rawAction), sig)
	require.NoError(t, err)
	assert.Equal(t, address, crypto.PubkeyToAddress(*pub).Hex())
}

func TestRESTExchange_PlaceOrderRejected(t *testing.T) {
	ex, _ := newTestREST(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"ok","response":{"type":"order","data":{"statuses":[{"error":"Post only order would have immediately matched"}]}}}`))
	})

	_, err := ex.PlaceOrder(context.Background(), OrderRequest{
		Symbol: "ETH", Side: OrderSideSell, Type: OrderTypeLimit, Amount: d("1"), Price: d("2000"), PostOnly: true,
	})
	assert.ErrorContains(t, err, "order rejected")
	assert.Equal(t, int64(1), ex.GetLatencyMetrics().OrderPlacement.SampleSize, "rejections are timed too")

	_, err = ex.PlaceOrder(context.Background(), OrderRequest{
		Symbol: "ETH", Side: OrderSideSell, Type: OrderTypeLimit, Amount: d("-1"), Price: d("2000"),
	})
	require.Error(t, err)
	assert.Equal(t, int64(1), ex.GetLatencyMetrics().OrderPlacement.SampleSize, "requests rejected locally never reach the venue")
}

func TestRESTExchange_CancelOrder(t *testing.T) {
	responses := []string{
		`{"status":"ok","response":{"type":"cancel","data":{"statuses":["success"]}}}`,
		`{"status":"ok","response":{"type":"cancel","data":{"statuses":[{"error":"Order was never placed, already canceled, or filled."}]}}}`,
		`{"status":"err","response":"bad nonce"}`,
	}
	call := 0
	ex, _ := newTestREST(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(responses[call]))
		call++
	})
	ctx := context.Background()

	ok, err := ex.CancelOrder(ctx, "77", "ETH")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = ex.CancelOrder(ctx, "77", "ETH")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = ex.CancelOrder(ctx, "77", "ETH")
	assert.Error(t, err)

	_, err = ex.CancelOrder(ctx, "not-a-number", "ETH")
	assert.Error(t, err)
}

func TestRESTExchange_InfoQueries(t *testing.T) {
	ex, _ := newTestREST(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/info", r.URL.Path)
		var req capturedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		switch req.Type {
		case "clearinghouseState":
			_, _ = w.Write([]byte(`{"assetPositions":[
				{"position":{"coin":"ETH","szi":"-0.5","entryPx":"1900"}},
				{"position":{"coin":"BTC","szi":"0","entryPx":"0"}}]}`))
		case "openOrders":
			_, _ = w.Write([]byte(`[
				{"coin":"ETH","side":"B","limitPx":"1999.3","sz":"0.4","origSz":"0.5","oid":11,"timestamp":1700000000000},
				{"coin":"BTC","side":"A","limitPx":"40000","sz":"0.1","oid":12,"timestamp":1700000000000}]`))
		case "orderStatus":
			_, _ = w.Write([]byte(`{"status":"order","order":{"order":{"coin":"ETH","side":"A","limitPx":"2001","sz":"0","origSz":"1","oid":13,"timestamp":1700000000000},"status":"filled"}}`))
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	})
	ctx := context.Background()

	positions, err := ex.GetPositions(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, PositionSideShort, positions[0].Side)
	assert.True(t, positions[0].Size.Equal(d("0.5")))

	orders, err := ex.GetOpenOrders(ctx, "ETH")
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, "11", orders[0].ID)
	assert.Equal(t, OrderStatusPartiallyFilled, orders[0].Status)
	assert.True(t, orders[0].FilledSize.Equal(d("0.1")))

	order, err := ex.GetOrder(ctx, "13", "ETH")
	require.NoError(t, err)
	assert.Equal(t, OrderStatusFilled, order.Status)
	assert.Equal(t, OrderSideSell, order.Side)
	assert.True(t, order.FilledSize.Equal(d("1")))

	assert.EqualValues(t, 1, ex.GetLatencyMetrics().OrderQuery.SampleSize)
}

func TestRESTExchange_HTTPError(t *testing.T) {
	ex, _ := newTestREST(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	})

	_, err := ex.GetPositions(context.Background())
	assert.ErrorContains(t, err, "API error 500")
}

func TestRateLimiter_Refill(t *testing.T) {
	rl := NewRateLimiter(2)
	now := time.Now()
	rl.now = func() time.Time { return now }
	rl.lastRefill = now

	assert.True(t, rl.Allow())
	assert.True(t, rl.Allow())
	assert.False(t, rl.Allow())

	now = now.Add(600 * time.Millisecond)
	assert.True(t, rl.Allow())
	assert.False(t, rl.Allow())
}

func TestRESTExchange_NonceMonotonic(t *testing.T) {
	ex, _ := newTestREST(t, func(w http.ResponseWriter, r *http.Request) {})
	a := ex.nextNonce()
	b := ex.nextNonce()
	assert.Greater(t, b, a)
}
