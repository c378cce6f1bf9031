package solana

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"solana-token-tracker/internal/upstream"
)

// ErrClientClosed is returned by operations on a closed client.
var ErrClientClosed = errors.New("client closed")

// WSClientConfig configures WebSocket client behavior.
type WSClientConfig struct {
	// ReconnectDelay is initial delay before reconnect attempt.
	ReconnectDelay time.Duration
	// MaxReconnectDelay is maximum delay between reconnect attempts.
	MaxReconnectDelay time.Duration
	// PingInterval is interval for sending ping frames.
	PingInterval time.Duration
	// ReadTimeout is timeout for reading messages.
	ReadTimeout time.Duration
	// WriteTimeout is timeout for writing messages.
	WriteTimeout time.Duration
	// HandshakeTimeout bounds the dial.
	HandshakeTimeout time.Duration
	// SubscribeTimeout bounds the wait for a subscription confirmation.
	SubscribeTimeout time.Duration
	// JSONRPCVersion is sent in every request.
	JSONRPCVersion string
	// FirstRequestID is the id of the first request; later requests count up from it.
	FirstRequestID uint64
	// Provider names the endpoint in errors.
	Provider string
	// Logger receives connection events. Nil disables logging.
	Logger *zap.Logger
}

// DefaultWSConfig returns default WebSocket configuration.
func DefaultWSConfig() WSClientConfig {
	return WSClientConfig{
		ReconnectDelay:    1 * time.Second,
		MaxReconnectDelay: 30 * time.Second,
		PingInterval:      30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		HandshakeTimeout:  10 * time.Second,
		SubscribeTimeout:  30 * time.Second,
		JSONRPCVersion:    "2.0",
		FirstRequestID:    1,
		Provider:          "solana-ws",
	}
}

// Subscription is a live pubsub subscription.
type Subscription struct {
	client *WSClientImpl
	req    SubscribeRequest
	id     atomic.Int64
	ch     chan Notification
	done   chan struct{}
	once   sync.Once
}

// C returns the notification channel. It is closed when the subscription ends.
func (s *Subscription) C() <-chan Notification {
	return s.ch
}

// ID returns the current server-side subscription id. It changes after a reconnect.
func (s *Subscription) ID() int64 {
	return s.id.Load()
}

// Close cancels the subscription. Safe to call more than once.
func (s *Subscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.client.unsubscribe(s)
	})
	return err
}

type subscribeResult struct {
	id  int64
	err error
}

// pendingSub is a subscribe request waiting for its confirmation.
// The read loop registers sub before signalling, so no notification is missed.
type pendingSub struct {
	ch  chan subscribeResult
	sub *Subscription
}

// WSClientImpl implements WSClient using gorilla/websocket.
type WSClientImpl struct {
	endpoint string
	config   WSClientConfig
	log      *zap.Logger

	conn      *websocket.Conn
	connMu    sync.Mutex
	closed    atomic.Bool
	requestID atomic.Uint64

	// subs maps server subscription id to subscription
	subs   map[int64]*Subscription
	subsMu sync.RWMutex

	// pendingSubs maps request id to the caller waiting for its confirmation
	pendingSubs   map[uint64]pendingSub
	pendingSubsMu sync.Mutex

	done chan struct{}
	wg   sync.WaitGroup

	reconnecting atomic.Bool
}

// NewWSClient creates a new WebSocket client and connects to the endpoint.
func NewWSClient(ctx context.Context, endpoint string, config *WSClientConfig) (*WSClientImpl, error) {
	cfg := DefaultWSConfig()
	if config != nil {
		cfg = *config
	}
	if cfg.JSONRPCVersion == "" {
		cfg.JSONRPCVersion = "2.0"
	}
	if cfg.SubscribeTimeout <= 0 {
		cfg.SubscribeTimeout = 30 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = time.Second
	}
	if cfg.MaxReconnectDelay < cfg.ReconnectDelay {
		cfg.MaxReconnectDelay = 30 * time.Second
	}

	c := &WSClientImpl{
		endpoint:    endpoint,
		config:      cfg,
		log:         cfg.Logger,
		subs:        make(map[int64]*Subscription),
		pendingSubs: make(map[uint64]pendingSub),
		done:        make(chan struct{}),
	}
	if c.log == nil {
		c.log = zap.NewNop()
	}
	if cfg.FirstRequestID > 0 {
		c.requestID.Store(cfg.FirstRequestID - 1)
	}

	if err := c.connect(ctx); err != nil {
		return nil, err
	}

	c.wg.Add(1)
	go c.readLoop()

	c.wg.Add(1)
	go c.pingLoop()

	return c, nil
}

// connect establishes WebSocket connection.
func (c *WSClientImpl) connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	dialer := websocket.Dialer{
		HandshakeTimeout: c.config.HandshakeTimeout,
	}

	conn, resp, err := dialer.DialContext(ctx, c.endpoint, nil)
	if err != nil {
		if resp != nil {
			return upstream.NewError(c.config.Provider, resp.StatusCode, 0, fmt.Sprintf("websocket dial: %v", err))
		}
		return upstream.Transient(c.config.Provider, fmt.Errorf("websocket dial: %w", err))
	}

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
	})
	c.conn = conn
	return nil
}

// Subscribe opens a subscription and waits for the server to confirm it.
func (c *WSClientImpl) Subscribe(ctx context.Context, req SubscribeRequest) (*Subscription, error) {
	sub := &Subscription{
		client: c,
		req:    req,
		ch:     make(chan Notification, 256),
		done:   make(chan struct{}),
	}
	sub.id.Store(-1)

	if _, err := c.subscribeInternal(ctx, sub); err != nil {
		c.discard(sub)
		return nil, err
	}
	return sub, nil
}

// subscribeInternal sends the subscribe request for sub and waits for the confirmation.
// On success the read loop has already registered sub under the returned id.
func (c *WSClientImpl) subscribeInternal(ctx context.Context, sub *Subscription) (int64, error) {
	if c.closed.Load() {
		return 0, ErrClientClosed
	}
	req := sub.req

	reqID := c.requestID.Add(1)
	confirmCh := make(chan subscribeResult, 1)
	c.pendingSubsMu.Lock()
	c.pendingSubs[reqID] = pendingSub{ch: confirmCh, sub: sub}
	c.pendingSubsMu.Unlock()

	dropPending := func() {
		c.pendingSubsMu.Lock()
		delete(c.pendingSubs, reqID)
		c.pendingSubsMu.Unlock()
	}

	if err := c.write(wsRequest{
		JSONRPC: c.config.JSONRPCVersion,
		ID:      reqID,
		Method:  req.Method,
		Params:  req.Params,
	}); err != nil {
		dropPending()
		return 0, err
	}

	timer := time.NewTimer(c.config.SubscribeTimeout)
	defer timer.Stop()

	select {
	case res, ok := <-confirmCh:
		if !ok {
			return 0, ErrClientClosed
		}
		return res.id, res.err
	case <-timer.C:
		dropPending()
		return 0, upstream.Transient(c.config.Provider,
			fmt.Errorf("%s timeout after %s", req.Method, c.config.SubscribeTimeout))
	case <-c.done:
		return 0, ErrClientClosed
	case <-ctx.Done():
		dropPending()
		return 0, ctx.Err()
	}
}

// register stores sub under id, replacing its previous id. Closed subscriptions are skipped.
func (c *WSClientImpl) register(sub *Subscription, id int64) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	select {
	case <-sub.done:
		return
	default:
	}
	if old := sub.id.Load(); c.subs[old] == sub {
		delete(c.subs, old)
	}
	sub.id.Store(id)
	c.subs[id] = sub
}

// discard drops a subscription whose request failed without telling the server.
func (c *WSClientImpl) discard(sub *Subscription) {
	sub.once.Do(func() {
		close(sub.done)
		c.subsMu.Lock()
		if id := sub.id.Load(); c.subs[id] == sub {
			delete(c.subs, id)
		}
		close(sub.ch)
		c.subsMu.Unlock()
	})
}

// unsubscribe removes sub and tells the server, best effort.
func (c *WSClientImpl) unsubscribe(sub *Subscription) error {
	c.subsMu.Lock()
	id := sub.id.Load()
	if c.subs[id] == sub {
		delete(c.subs, id)
	}
	close(sub.ch)
	c.subsMu.Unlock()

	if sub.req.Unsubscribe == "" || c.closed.Load() {
		return nil
	}
	return c.write(wsRequest{
		JSONRPC: c.config.JSONRPCVersion,
		ID:      c.requestID.Add(1),
		Method:  sub.req.Unsubscribe,
		Params:  []interface{}{id},
	})
}

func (c *WSClientImpl) write(v interface{}) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.conn == nil {
		return upstream.Transient(c.config.Provider, errors.New("not connected"))
	}

	c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	if err := c.conn.WriteJSON(v); err != nil {
		return upstream.Transient(c.config.Provider, fmt.Errorf("write: %w", err))
	}
	return nil
}

// Close closes the WebSocket connection.
func (c *WSClientImpl) Close() error {
	if c.closed.Swap(true) {
		return nil // Already closed
	}

	close(c.done)

	c.connMu.Lock()
	if c.conn != nil {
		c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.conn.Close()
	}
	c.connMu.Unlock()

	c.wg.Wait()

	c.subsMu.Lock()
	subs := make([]*Subscription, 0, len(c.subs))
	for _, sub := range c.subs {
		subs = append(subs, sub)
	}
	c.subsMu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}

	c.pendingSubsMu.Lock()
	for id, p := range c.pendingSubs {
		close(p.ch)
		delete(c.pendingSubs, id)
	}
	c.pendingSubsMu.Unlock()

	return nil
}

// readLoop reads messages from WebSocket and dispatches to subscribers.
func (c *WSClientImpl) readLoop() {
	defer c.wg.Done()

	for !c.closed.Load() {
		c.connMu.Lock()
		conn := c.conn
		c.connMu.Unlock()

		if conn == nil {
			select {
			case <-c.done:
				return
			case <-time.After(100 * time.Millisecond):
				continue
			}
		}

		conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))

		_, message, err := conn.ReadMessage()
		if err != nil {
			if c.closed.Load() {
				return
			}

			if !c.reconnecting.Swap(true) {
				c.log.Warn("websocket read failed, reconnecting", zap.Error(err))
				c.wg.Add(1)
				go c.reconnect()
			}

			select {
			case <-c.done:
				return
			case <-time.After(100 * time.Millisecond):
				continue
			}
		}

		c.handleMessage(message)
	}
}

// reconnect redials with exponential backoff until it succeeds or the client is closed,
// then resubscribes every active subscription.
func (c *WSClientImpl) reconnect() {
	defer c.wg.Done()
	defer c.reconnecting.Store(false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-c.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	c.connMu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connMu.Unlock()

	select {
	case <-ctx.Done():
		return
	case <-time.After(c.config.ReconnectDelay):
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.config.ReconnectDelay
	b.MaxInterval = c.config.MaxReconnectDelay
	b.MaxElapsedTime = 0 // until closed

	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		dialCtx, dialCancel := context.WithTimeout(ctx, 30*time.Second)
		defer dialCancel()
		return c.connect(dialCtx)
	}, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		c.log.Warn("websocket reconnect failed",
			zap.Int("attempt", attempt), zap.Duration("retry_in", next), zap.Error(err))
	})
	if err != nil {
		return
	}

	if c.closed.Load() {
		c.connMu.Lock()
		if c.conn != nil {
			c.conn.Close()
			c.conn = nil
		}
		c.connMu.Unlock()
		return
	}

	c.log.Info("websocket reconnected", zap.Int("attempts", attempt))
	go c.resubscribeAll()
}

// resubscribeAll re-sends every active subscription after a reconnect.
// It runs outside the read loop, which has to deliver the confirmations.
func (c *WSClientImpl) resubscribeAll() {
	c.subsMu.RLock()
	subs := make([]*Subscription, 0, len(c.subs))
	for _, sub := range c.subs {
		subs = append(subs, sub)
	}
	c.subsMu.RUnlock()

	for _, sub := range subs {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		_, err := c.subscribeInternal(ctx, sub)
		cancel()

		if err != nil {
			c.log.Warn("resubscribe failed", zap.String("method", sub.req.Method), zap.Error(err))
		}
	}
}

// handleMessage processes incoming WebSocket message.
func (c *WSClientImpl) handleMessage(message []byte) {
	var env wsEnvelope
	if err := json.Unmarshal(message, &env); err != nil {
		c.log.Debug("dropping malformed websocket message", zap.Error(err))
		return
	}

	if env.Method != "" {
		c.handleNotification(&env)
		return
	}

	if env.ID == 0 {
		return
	}

	c.pendingSubsMu.Lock()
	pending, ok := c.pendingSubs[env.ID]
	if ok {
		delete(c.pendingSubs, env.ID)
	}
	c.pendingSubsMu.Unlock()
	if !ok {
		return
	}

	var res subscribeResult
	if env.Error != nil {
		res.err = upstream.NewError(c.config.Provider, 0, env.Error.Code, env.Error.Message)
	} else if err := json.Unmarshal(env.Result, &res.id); err != nil {
		res.err = upstream.Transient(c.config.Provider, fmt.Errorf("decode subscription id: %w", err))
	}

	if res.err == nil {
		c.register(pending.sub, res.id)
	}

	select {
	case pending.ch <- res:
	default:
	}
}

// handleNotification dispatches a notification to its subscriber.
// Notifications whose method does not match the subscription are ignored.
func (c *WSClientImpl) handleNotification(env *wsEnvelope) {
	if env.Params == nil {
		return
	}

	notif := Notification{
		Method:       env.Method,
		Subscription: env.Params.Subscription,
	}

	var withContext struct {
		Context *wsContext      `json:"context"`
		Value   json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(env.Params.Result, &withContext); err == nil && withContext.Context != nil {
		notif.Slot = withContext.Context.Slot
		notif.Value = withContext.Value
	} else {
		notif.Value = env.Params.Result
	}

	c.subsMu.RLock()
	defer c.subsMu.RUnlock()

	sub, ok := c.subs[notif.Subscription]
	if !ok || sub.req.Notification != env.Method {
		return
	}

	// Block until delivered; never drop events
	select {
	case sub.ch <- notif:
	case <-sub.done:
	case <-c.done:
	}
}

// pingLoop sends periodic ping frames to keep connection alive.
func (c *WSClientImpl) pingLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.connMu.Lock()
			if c.conn != nil {
				c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
				// A dead connection is picked up by the read loop.
				_ = c.conn.WriteMessage(websocket.PingMessage, nil)
			}
			c.connMu.Unlock()
		}
	}
}

var _ WSClient = (*WSClientImpl)(nil)

// WebSocket message types

type wsRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params,omitempty"`
}

// wsEnvelope covers responses and notifications.
type wsEnvelope struct {
	JSONRPC string                `json:"jsonrpc"`
	ID      uint64                `json:"id,omitempty"`
	Result  json.RawMessage       `json:"result,omitempty"`
	Error   *rpcError             `json:"error,omitempty"`
	Method  string                `json:"method,omitempty"`
	Params  *wsNotificationParams `json:"params,omitempty"`
}

type wsNotificationParams struct {
	Subscription int64           `json:"subscription"`
	Result       json.RawMessage `json:"result"`
}

type wsContext struct {
	Slot int64 `json:"slot"`
}
