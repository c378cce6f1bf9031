package helius

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"solana-token-tracker/internal/domain"
	"solana-token-tracker/internal/observability"
	"solana-token-tracker/internal/solana"
	"solana-token-tracker/internal/upstream"
)

// SubscribeToTokenTransactions opens a push subscription for addr and calls handler
// for every notification carrying the configured notification method.
// Errors while opening are returned to the caller.
func (c *Client) SubscribeToTokenTransactions(ctx context.Context, addr string, handler upstream.TransactionHandler) (upstream.Subscription, error) {
	if err := c.validate(addr); err != nil {
		return nil, err
	}
	ws, err := c.pubsub(ctx)
	if err != nil {
		return nil, err
	}

	sub, err := ws.Subscribe(ctx, c.subscribeRequest(addr))
	if errors.Is(err, solana.ErrClientClosed) {
		// the shared connection was shut down; dial a fresh one and try once more
		c.dropPubsub(ws)
		if ws, err = c.pubsub(ctx); err != nil {
			return nil, err
		}
		sub, err = ws.Subscribe(ctx, c.subscribeRequest(addr))
	}
	if err != nil {
		return nil, err
	}

	s := &subscription{sub: sub, done: make(chan struct{})}
	go s.pump(addr, handler, c.log)
	return s, nil
}

// pubsub returns the shared push connection, dialing it on first use.
func (c *Client) pubsub(ctx context.Context) (solana.WSClient, error) {
	c.wsMu.Lock()
	defer c.wsMu.Unlock()
	if c.ws != nil {
		return c.ws, nil
	}
	if c.cfg.WSURL == "" {
		return nil, &upstream.Error{Provider: providerName, Kind: upstream.KindInvalidInput, Message: "websocket url not configured"}
	}
	endpoint, err := withAPIKey(c.cfg.WSURL, c.key())
	if err != nil {
		return nil, &upstream.Error{Provider: providerName, Kind: upstream.KindInvalidInput, Message: "invalid websocket url", Err: err}
	}
	ws, err := c.dial(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	c.ws = ws
	return ws, nil
}

// dropPubsub forgets ws if it is still the shared connection.
func (c *Client) dropPubsub(ws solana.WSClient) {
	c.wsMu.Lock()
	if c.ws != ws {
		c.wsMu.Unlock()
		return
	}
	c.ws = nil
	c.wsMu.Unlock()
	ws.Close()
}

func (c *Client) subscribeRequest(addr string) solana.SubscribeRequest {
	opts := solana.SubscriptionOptions{Commitment: c.cfg.Commitment, Encoding: c.cfg.Encoding}

	var req solana.SubscribeRequest
	switch c.cfg.SubscribeMethod {
	case "logsSubscribe":
		req = solana.LogsSubscribe([]string{addr}, opts)
	case "accountSubscribe":
		req = solana.AccountSubscribe(addr, opts)
	default:
		// Enhanced transaction stream filtered on accounts touching the mint.
		params := map[string]interface{}{
			"transactionDetails":             "full",
			"showRewards":                    false,
			"maxSupportedTransactionVersion": 0,
		}
		if opts.Commitment != "" {
			params["commitment"] = opts.Commitment
		}
		if opts.Encoding != "" {
			params["encoding"] = opts.Encoding
		}
		req = solana.SubscribeRequest{
			Method: c.cfg.SubscribeMethod,
			Params: []interface{}{map[string]interface{}{"accountInclude": []string{addr}}, params},
		}
	}
	req.Method = c.cfg.SubscribeMethod
	req.Notification = c.cfg.NotificationMethod
	req.Unsubscribe = strings.Replace(c.cfg.SubscribeMethod, "Subscribe", "Unsubscribe", 1)
	return req
}

// subscription forwards pushed notifications to a handler until closed.
type subscription struct {
	sub       *solana.Subscription
	done      chan struct{}
	closeOnce sync.Once
}

func (s *subscription) pump(addr string, handler upstream.TransactionHandler, log *zap.Logger) {
	defer close(s.done)
	for notif := range s.sub.C() {
		tx, ok := decodeTransaction(addr, notif)
		if !ok {
			log.Debug("undecodable notification", zap.String("mint", addr), zap.String("method", notif.Method))
			continue
		}
		observability.RecordTransaction()
		handler(tx)
	}
}

// Close cancels the upstream subscription and waits for the handler to drain.
func (s *subscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.sub.Close()
		<-s.done
	})
	return err
}

type txPayload struct {
	Signature   string          `json:"signature"`
	Slot        int64           `json:"slot"`
	Err         json.RawMessage `json:"err"`
	Logs        []string        `json:"logs"`
	Transaction *struct {
		Meta *struct {
			LogMessages       []string       `json:"logMessages"`
			PreTokenBalances  []tokenBalance `json:"preTokenBalances"`
			PostTokenBalances []tokenBalance `json:"postTokenBalances"`
		} `json:"meta"`
		BlockTime *int64 `json:"blockTime"`
	} `json:"transaction"`
	BlockTime *int64 `json:"blockTime"`
}

type tokenBalance struct {
	Mint          string `json:"mint"`
	Owner         string `json:"owner"`
	UITokenAmount struct {
		UIAmountString string `json:"uiAmountString"`
	} `json:"uiTokenAmount"`
}

// decodeTransaction turns a pushed payload into a Transaction for mint.
func decodeTransaction(mint string, n solana.Notification) (domain.Transaction, bool) {
	var p txPayload
	if len(n.Value) == 0 || json.Unmarshal(n.Value, &p) != nil || p.Signature == "" {
		return domain.Transaction{}, false
	}

	tx := domain.Transaction{
		MintAddress: mint,
		Signature:   p.Signature,
		Slot:        p.Slot,
		Timestamp:   time.Now().UTC(),
	}
	if tx.Slot == 0 {
		tx.Slot = n.Slot
	}

	logs := p.Logs
	blockTime := p.BlockTime
	if p.Transaction != nil {
		if p.Transaction.BlockTime != nil {
			blockTime = p.Transaction.BlockTime
		}
		if m := p.Transaction.Meta; m != nil {
			if len(logs) == 0 {
				logs = m.LogMessages
			}
			tx.From, tx.To, tx.Amount = balanceMovement(mint, m.PreTokenBalances, m.PostTokenBalances)
		}
	}
	if blockTime != nil {
		tx.Timestamp = time.Unix(*blockTime, 0).UTC()
	}
	tx.Type = classify(logs)
	return tx, true
}

// balanceMovement finds the owner that lost the most of mint and the one that gained the most.
func balanceMovement(mint string, pre, post []tokenBalance) (from, to string, amount float64) {
	deltas := make(map[string]decimal.Decimal)
	add := func(balances []tokenBalance, sign int64) {
		for _, b := range balances {
			if b.Mint != mint || b.Owner == "" {
				continue
			}
			v, err := decimal.NewFromString(b.UITokenAmount.UIAmountString)
			if err != nil {
				continue
			}
			deltas[b.Owner] = deltas[b.Owner].Add(v.Mul(decimal.NewFromInt(sign)))
		}
	}
	add(pre, -1)
	add(post, 1)

	var gain, loss decimal.Decimal
	for owner, d := range deltas {
		if d.GreaterThan(gain) {
			gain, to = d, owner
		}
		if d.LessThan(loss) {
			loss, from = d, owner
		}
	}
	moved := decimal.Max(gain, loss.Neg())
	return from, to, moved.InexactFloat64()
}

func classify(logs []string) string {
	joined := strings.ToLower(strings.Join(logs, "\n"))
	switch {
	case strings.Contains(joined, "instruction: swap"):
		return "swap"
	case strings.Contains(joined, "instruction: mintto"):
		return "mint"
	case strings.Contains(joined, "instruction: burn"):
		return "burn"
	case strings.Contains(joined, "instruction: transfer"):
		return "transfer"
	default:
		return "unknown"
	}
}
