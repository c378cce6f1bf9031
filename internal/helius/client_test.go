package helius

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"solana-token-tracker/internal/domain"
	"solana-token-tracker/internal/solana"
	"solana-token-tracker/internal/upstream"
)

const bonk = "DezXAZ8z7PnrnRJjz3wXBoRgixCa6xjnB7YaB1pPB263"

type rpcCall struct {
	Method string                 `json:"method"`
	Params map[string]interface{} `json:"params"`
	Key    string                 `json:"-"`
}

// fakeRPC answers JSON-RPC requests with respond; a nil result with status 0 writes an rpc error.
type fakeRPC struct {
	server *httptest.Server
	hits   atomic.Int32

	mu    sync.Mutex
	calls []rpcCall
}

type rpcReply struct {
	status int
	result interface{}
	code   int
	msg    string
}

func newFakeRPC(t *testing.T, respond func(call rpcCall) rpcReply) *fakeRPC {
	t.Helper()
	f := &fakeRPC{}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.hits.Add(1)
		var req struct {
			ID uint64 `json:"id"`
			rpcCall
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
			return
		}
		req.rpcCall.Key = r.URL.Query().Get("api-key")
		f.mu.Lock()
		f.calls = append(f.calls, req.rpcCall)
		f.mu.Unlock()

		reply := respond(req.rpcCall)
		if reply.status != 0 && reply.status != http.StatusOK {
			w.WriteHeader(reply.status)
			w.Write([]byte(reply.msg))
			return
		}
		body := map[string]interface{}{"jsonrpc": "2.0", "id": req.ID}
		if reply.code != 0 {
			body["error"] = map[string]interface{}{"code": reply.code, "message": reply.msg}
		} else {
			body["result"] = reply.result
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeRPC) lastCall() rpcCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

func testConfig(rpcURL string) Config {
	return Config{
		RPCURL:             rpcURL,
		APIKey:             "key-0000-1111",
		MetadataMethod:     "getAsset",
		PriceMethod:        "getAsset",
		SubscribeMethod:    "transactionSubscribe",
		NotificationMethod: "transactionNotification",
		JSONRPCVersion:     "2.0",
		Commitment:         "confirmed",
		Encoding:           "jsonParsed",
		MinAddressLength:   32,
		MaxAddressLength:   44,
		CacheTTL:           time.Minute,
	}
}

func newTestClient(t *testing.T, cfg Config, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{WithRPCOptions(solana.WithMaxRetries(0))}, opts...)
	c, err := New(cfg, nil, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func bonkAsset() map[string]interface{} {
	return map[string]interface{}{
		"id": bonk,
		"content": map[string]interface{}{
			"metadata": map[string]interface{}{"name": "Bonk", "symbol": "Bonk", "description": "dog coin"},
			"links":    map[string]interface{}{"image": "https://img.example/bonk.png"},
		},
		"token_info": map[string]interface{}{
			"decimals":   5,
			"price_info": map[string]interface{}{"price_per_token": 0.0000231, "currency": "USDC"},
		},
	}
}

func TestGetTokenMetadata(t *testing.T) {
	rpc := newFakeRPC(t, func(call rpcCall) rpcReply {
		return rpcReply{result: bonkAsset()}
	})
	c := newTestClient(t, testConfig(rpc.server.URL))

	meta, err := c.GetTokenMetadata(context.Background(), bonk)
	require.NoError(t, err)
	assert.Equal(t, "Bonk", meta.Name)
	assert.Equal(t, "Bonk", meta.Symbol)
	assert.Equal(t, "https://img.example/bonk.png", meta.Image)
	assert.Equal(t, 5, meta.Decimals)
	assert.False(t, meta.IsFallback)

	call := rpc.lastCall()
	assert.Equal(t, "getAsset", call.Method)
	assert.Equal(t, bonk, call.Params["id"])
	assert.Equal(t, "key-0000-1111", call.Key)
}

func TestGetTokenMetadata_Cached(t *testing.T) {
	rpc := newFakeRPC(t, func(call rpcCall) rpcReply {
		return rpcReply{result: bonkAsset()}
	})
	c := newTestClient(t, testConfig(rpc.server.URL))

	for i := 0; i < 3; i++ {
		_, err := c.GetTokenMetadata(context.Background(), bonk)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), rpc.hits.Load())
}

func TestGetTokenMetadata_Unauthorized(t *testing.T) {
	rpc := newFakeRPC(t, func(call rpcCall) rpcReply {
		return rpcReply{status: http.StatusUnauthorized, msg: "unauthorized"}
	})
	c := newTestClient(t, testConfig(rpc.server.URL))

	meta, err := c.GetTokenMetadata(context.Background(), bonk)
	require.NoError(t, err)
	assert.Equal(t, upstream.FallbackMetadata(bonk), *meta)
}

func TestGetTokenMetadata_InvalidAPIKeyMessage(t *testing.T) {
	rpc := newFakeRPC(t, func(call rpcCall) rpcReply {
		return rpcReply{code: -32000, msg: "Invalid API key provided"}
	})
	c := newTestClient(t, testConfig(rpc.server.URL))

	meta, err := c.GetTokenMetadata(context.Background(), bonk)
	require.NoError(t, err)
	assert.True(t, meta.IsFallback)
}

func TestGetTokenMetadata_ServerErrorPropagates(t *testing.T) {
	rpc := newFakeRPC(t, func(call rpcCall) rpcReply {
		return rpcReply{status: http.StatusBadGateway, msg: "bad gateway"}
	})
	c := newTestClient(t, testConfig(rpc.server.URL))

	_, err := c.GetTokenMetadata(context.Background(), bonk)
	require.Error(t, err)
	assert.Equal(t, upstream.KindTransient, upstream.KindOf(err))
}

func TestGetTokenPrice(t *testing.T) {
	rpc := newFakeRPC(t, func(call rpcCall) rpcReply {
		return rpcReply{result: bonkAsset()}
	})
	c := newTestClient(t, testConfig(rpc.server.URL))

	price, err := c.GetTokenPrice(context.Background(), bonk)
	require.NoError(t, err)
	assert.InDelta(t, 0.0000231, price.Price, 1e-12)
	assert.Equal(t, "USD", price.Currency)
	assert.Nil(t, price.PriceChange24h)
	assert.False(t, price.IsFallback)
}

func TestGetTokenPrice_FallbackOnAuthAndMethod(t *testing.T) {
	tests := []struct {
		name  string
		reply rpcReply
	}{
		{"http 401", rpcReply{status: http.StatusUnauthorized, msg: "no"}},
		{"invalid api key", rpcReply{code: -32001, msg: "invalid api key"}},
		{"method not found code", rpcReply{code: -32601, msg: "unknown"}},
		{"method not found message", rpcReply{code: -32000, msg: "Method not found"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rpc := newFakeRPC(t, func(call rpcCall) rpcReply { return tt.reply })
			c := newTestClient(t, testConfig(rpc.server.URL))

			price, err := c.GetTokenPrice(context.Background(), bonk)
			require.NoError(t, err)
			assert.True(t, price.IsFallback)
			assert.Equal(t, 0.001, price.Price)
			assert.Equal(t, "USD", price.Currency)
		})
	}
}

func TestGetTokenPrice_RateLimitedPropagates(t *testing.T) {
	rpc := newFakeRPC(t, func(call rpcCall) rpcReply {
		return rpcReply{status: http.StatusTooManyRequests, msg: "slow down"}
	})
	c := newTestClient(t, testConfig(rpc.server.URL))

	_, err := c.GetTokenPrice(context.Background(), bonk)
	require.Error(t, err)
	assert.Equal(t, upstream.KindRateLimited, upstream.KindOf(err))
}

func TestGetTokenPrice_InvalidAddressMakesNoRequest(t *testing.T) {
	rpc := newFakeRPC(t, func(call rpcCall) rpcReply {
		return rpcReply{result: bonkAsset()}
	})
	c := newTestClient(t, testConfig(rpc.server.URL))

	for _, addr := range []string{"", "short", strings.Repeat("A", 45)} {
		_, err := c.GetTokenPrice(context.Background(), addr)
		require.Error(t, err)
		assert.Equal(t, upstream.KindInvalidInput, upstream.KindOf(err))
		assert.Contains(t, err.Error(), upstream.InvalidAddressMessage)
	}
	assert.Equal(t, int32(0), rpc.hits.Load())
}

func TestGetTokenPrice_NoPriceInfo(t *testing.T) {
	rpc := newFakeRPC(t, func(call rpcCall) rpcReply {
		asset := bonkAsset()
		delete(asset["token_info"].(map[string]interface{}), "price_info")
		return rpcReply{result: asset}
	})
	c := newTestClient(t, testConfig(rpc.server.URL))

	_, err := c.GetTokenPrice(context.Background(), bonk)
	assert.Equal(t, upstream.KindNotFound, upstream.KindOf(err))
}

func TestUpdateAPIKey(t *testing.T) {
	rpc := newFakeRPC(t, func(call rpcCall) rpcReply {
		return rpcReply{result: bonkAsset()}
	})
	c := newTestClient(t, testConfig(rpc.server.URL))

	err := c.UpdateAPIKey("   ")
	assert.Equal(t, upstream.KindInvalidInput, upstream.KindOf(err))

	require.NoError(t, c.UpdateAPIKey("new-key-abcdef"))
	_, err = c.GetTokenPrice(context.Background(), bonk)
	require.NoError(t, err)
	assert.Equal(t, "new-key-abcdef", rpc.lastCall().Key)
}

func TestTestAPIKey(t *testing.T) {
	var reject atomic.Bool
	rpc := newFakeRPC(t, func(call rpcCall) rpcReply {
		if reject.Load() {
			return rpcReply{status: http.StatusUnauthorized, msg: "401 Unauthorized"}
		}
		assert.Equal(t, ReferenceMint, call.Params["id"])
		return rpcReply{result: bonkAsset()}
	})
	c := newTestClient(t, testConfig(rpc.server.URL))

	status := c.TestAPIKey(context.Background())
	assert.True(t, status.Valid)

	reject.Store(true)
	status = c.TestAPIKey(context.Background())
	assert.False(t, status.Valid)
	assert.Contains(t, status.Message, "rejected")
}

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

// pushServer confirms every subscribe request with id 42 and then pushes one notification.
func pushServer(t *testing.T, notification map[string]interface{}, seen chan<- map[string]interface{}) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var req map[string]interface{}
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			seen <- req
			if !strings.HasSuffix(req["method"].(string), "Subscribe") {
				continue
			}
			conn.WriteJSON(map[string]interface{}{"jsonrpc": "2.0", "id": req["id"], "result": 42})
			conn.WriteJSON(map[string]interface{}{
				"jsonrpc": "2.0",
				"method":  "ignoredNotification",
				"params":  map[string]interface{}{"subscription": 42, "result": notification},
			})
			conn.WriteJSON(map[string]interface{}{
				"jsonrpc": "2.0",
				"method":  "transactionNotification",
				"params":  map[string]interface{}{"subscription": 42, "result": notification},
			})
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func TestSubscribeToTokenTransactions(t *testing.T) {
	notification := map[string]interface{}{
		"signature": "5sig",
		"slot":      321,
		"transaction": map[string]interface{}{
			"blockTime": 1700000000,
			"meta": map[string]interface{}{
				"logMessages": []string{"Program log: Instruction: Transfer"},
				"preTokenBalances": []map[string]interface{}{
					{"mint": bonk, "owner": "alice", "uiTokenAmount": map[string]interface{}{"uiAmountString": "100"}},
					{"mint": bonk, "owner": "bob", "uiTokenAmount": map[string]interface{}{"uiAmountString": "5"}},
				},
				"postTokenBalances": []map[string]interface{}{
					{"mint": bonk, "owner": "alice", "uiTokenAmount": map[string]interface{}{"uiAmountString": "60"}},
					{"mint": bonk, "owner": "bob", "uiTokenAmount": map[string]interface{}{"uiAmountString": "45"}},
				},
			},
		},
	}
	seen := make(chan map[string]interface{}, 8)
	ws := pushServer(t, notification, seen)

	cfg := testConfig("http://127.0.0.1:1")
	cfg.WSURL = "ws" + strings.TrimPrefix(ws.URL, "http")
	c := newTestClient(t, cfg)

	got := make(chan domain.Transaction, 4)
	sub, err := c.SubscribeToTokenTransactions(context.Background(), bonk, func(tx domain.Transaction) {
		got <- tx
	})
	require.NoError(t, err)

	req := <-seen
	assert.Equal(t, "transactionSubscribe", req["method"])

	select {
	case tx := <-got:
		assert.Equal(t, "5sig", tx.Signature)
		assert.Equal(t, bonk, tx.MintAddress)
		assert.Equal(t, "transfer", tx.Type)
		assert.Equal(t, "alice", tx.From)
		assert.Equal(t, "bob", tx.To)
		assert.Equal(t, 40.0, tx.Amount)
		assert.Equal(t, int64(321), tx.Slot)
		assert.Equal(t, time.Unix(1700000000, 0).UTC(), tx.Timestamp)
	case <-time.After(5 * time.Second):
		t.Fatal("no transaction delivered")
	}

	require.NoError(t, sub.Close())
	select {
	case req := <-seen:
		assert.Equal(t, "transactionUnsubscribe", req["method"])
	case <-time.After(5 * time.Second):
		t.Fatal("no unsubscribe sent")
	}
	assert.Len(t, got, 0, "notification with another method must be ignored")
}

func TestSubscribeToTokenTransactions_OpenErrorReturned(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1")
	cfg.WSURL = "ws://127.0.0.1:1/ws"
	c := newTestClient(t, cfg, WithDialer(func(ctx context.Context, endpoint string) (solana.WSClient, error) {
		assert.Contains(t, endpoint, "api-key=key-0000-1111")
		return nil, upstream.NewError(providerName, http.StatusUnauthorized, 0, "unauthorized")
	}))

	_, err := c.SubscribeToTokenTransactions(context.Background(), bonk, func(domain.Transaction) {})
	require.Error(t, err)
	assert.True(t, upstream.IsAuthFailure(err))
}

func TestDecodeTransaction_Logs(t *testing.T) {
	value, _ := json.Marshal(map[string]interface{}{
		"signature": "abc",
		"err":       nil,
		"logs":      []string{"Program log: Instruction: Swap"},
	})
	tx, ok := decodeTransaction(bonk, solana.Notification{Method: "logsNotification", Slot: 9, Value: value})
	require.True(t, ok)
	assert.Equal(t, "swap", tx.Type)
	assert.Equal(t, int64(9), tx.Slot)
	assert.Equal(t, 0.0, tx.Amount)

	_, ok = decodeTransaction(bonk, solana.Notification{Value: json.RawMessage(`{"slot":1}`)})
	assert.False(t, ok)
}

func TestSubscribeRequest(t *testing.T) {
	cfg := testConfig("http://x")
	cfg.SubscribeMethod = "logsSubscribe"
	cfg.NotificationMethod = "logsNotification"
	c := newTestClient(t, cfg)

	req := c.subscribeRequest(bonk)
	assert.Equal(t, "logsSubscribe", req.Method)
	assert.Equal(t, "logsNotification", req.Notification)
	assert.Equal(t, "logsUnsubscribe", req.Unsubscribe)
	filter := req.Params[0].(map[string]interface{})
	assert.Equal(t, []string{bonk}, filter["mentions"])
}

type closedWS struct {
	err    error
	closed atomic.Bool
}

func (w *closedWS) Subscribe(context.Context, solana.SubscribeRequest) (*solana.Subscription, error) {
	return nil, w.err
}

func (w *closedWS) Close() error {
	w.closed.Store(true)
	return nil
}

func TestSubscribeToTokenTransactions_RedialsClosedConnection(t *testing.T) {
	first := &closedWS{err: solana.ErrClientClosed}
	second := &closedWS{err: upstream.NewError(providerName, 0, -32602, "invalid params")}
	var dials atomic.Int32

	cfg := testConfig("http://127.0.0.1:1")
	cfg.WSURL = "ws://127.0.0.1:1/ws"
	c := newTestClient(t, cfg, WithDialer(func(ctx context.Context, endpoint string) (solana.WSClient, error) {
		if dials.Add(1) == 1 {
			return first, nil
		}
		return second, nil
	}))

	_, err := c.SubscribeToTokenTransactions(context.Background(), bonk, func(domain.Transaction) {})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid params", "the error comes from the fresh connection")
	assert.Equal(t, int32(2), dials.Load())
	assert.True(t, first.closed.Load())

	// the fresh connection is now the shared one
	_, err = c.SubscribeToTokenTransactions(context.Background(), bonk, func(domain.Transaction) {})
	require.Error(t, err)
	assert.Equal(t, int32(2), dials.Load())
}
