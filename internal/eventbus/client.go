package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"solana-token-tracker/internal/logger"
	"solana-token-tracker/internal/observability"
)

// State is the connection state of a Client.
type State string

const (
	StateDisconnected State = "DISCONNECTED"
	StateConnecting   State = "CONNECTING"
	StateConnected    State = "CONNECTED"
	StateReconnecting State = "RECONNECTING"
	StateFallback     State = "FALLBACK_MODE"
)

// ErrNotConnected is returned when a frame is sent without a live socket.
var ErrNotConnected = errors.New("event bus not connected")

// ClientConfig configures a Client.
type ClientConfig struct {
	URL string

	HandshakeTimeout time.Duration // Default: 3s
	ReconnectDelay   time.Duration // Default: 5s, fixed between attempts
	MaxReconnects    int           // Default: 5
	WriteTimeout     time.Duration // Default: 10s

	Logger *zap.Logger
}

func (c *ClientConfig) applyDefaults() {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 3 * time.Second
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 5 * time.Second
	}
	if c.MaxReconnects <= 0 {
		c.MaxReconnects = 5
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
}

// Client is a multiplexed event socket client. Inbound frames are published on its
// Registry; account and program channels are mirrored as server-side subscriptions.
//
// A dropped connection is retried MaxReconnects times, ReconnectDelay apart. When
// the first connect or every retry fails the client enters FALLBACK_MODE, publishes
// a single status "stopped" event and stays there until Connect is called again.
type Client struct {
	cfg ClientConfig
	log *zap.Logger
	reg *Registry

	mu     sync.Mutex
	state  State
	conn   *websocket.Conn
	gen    uint64 // bumped whenever conn is replaced or dropped
	cancel context.CancelFunc

	writeMu sync.Mutex
	wg      sync.WaitGroup
}

// NewClient creates a disconnected client.
func NewClient(cfg ClientConfig) *Client {
	cfg.applyDefaults()
	log := logger.OrNop(cfg.Logger).Named("eventbus.client")
	return &Client{
		cfg:   cfg,
		log:   log,
		reg:   NewRegistry(log),
		state: StateDisconnected,
	}
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect dials the server. A failed dial puts the client in FALLBACK_MODE
// without retrying. Connecting an already connected client is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateConnecting, StateConnected, StateReconnecting:
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.mu.Unlock()

	conn, err := c.dial(ctx)
	if err != nil {
		c.log.Warn("event bus connect failed", zap.String("url", c.cfg.URL), zap.Error(err))
		c.enterFallback("connect failed")
		return err
	}
	if !c.attach(runCtx, conn) {
		conn.Close()
		return ErrNotConnected
	}
	c.log.Info("event bus connected", zap.String("url", c.cfg.URL))
	return nil
}

// Disconnect closes the socket. The client does not reconnect afterwards.
// It must not be called from a handler.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.state = StateDisconnected
	conn := c.conn
	c.conn = nil
	c.gen++
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(c.cfg.WriteTimeout))
		c.writeMu.Unlock()
		conn.Close()
	}
	c.wg.Wait()
}

// Subscribe registers fn on channel. The first handler of an account or program
// channel subscribes the address on the server.
func (c *Client) Subscribe(channel string, fn Handler) Handle {
	h := c.reg.Subscribe(channel, fn)
	if kind, addr, ok := AddressChannel(channel); ok && c.reg.Count(channel) == 1 {
		c.sendSubscription(FrameSubscribe, kind, addr)
	}
	return h
}

// Unsubscribe removes a handler. Removing the last handler of an account or
// program channel unsubscribes the address on the server.
func (c *Client) Unsubscribe(h Handle) {
	if !c.reg.Unsubscribe(h) {
		return
	}
	if kind, addr, ok := AddressChannel(h.Channel); ok {
		c.sendSubscription(FrameUnsubscribe, kind, addr)
	}
}

// SendCommand sends a start or stop command to the server.
func (c *Client) SendCommand(command string) error {
	if command != CommandStart && command != CommandStop {
		return fmt.Errorf("unknown command %q", command)
	}
	return c.send(Frame{Type: FrameCommand, Command: command})
}

func (c *Client) sendSubscription(frameType, kind, addr string) {
	err := c.send(Frame{Type: frameType, Subscription: &SubscriptionRef{Type: kind, Address: addr}})
	if err != nil {
		// Sent again on the next successful connect.
		c.log.Debug("subscription frame not sent",
			zap.String("type", frameType), zap.String("address", addr), zap.Error(err))
	}
}

func (c *Client) send(f Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	if err := conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(f)
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}
	return conn, nil
}

// attach installs conn as the live connection, starts its read loop and
// re-sends address subscriptions. Returns false if the client was stopped meanwhile.
func (c *Client) attach(ctx context.Context, conn *websocket.Conn) bool {
	c.mu.Lock()
	if c.state != StateConnecting && c.state != StateReconnecting {
		c.mu.Unlock()
		return false
	}
	c.state = StateConnected
	c.conn = conn
	c.gen++
	gen := c.gen
	c.wg.Add(1)
	c.mu.Unlock()

	go c.readLoop(ctx, conn, gen)
	c.resubscribe()
	return true
}

// resubscribe sends a subscribe frame for every account and program channel.
// Generic channels need no server-side subscription.
func (c *Client) resubscribe() {
	channels := c.reg.Channels()
	sort.Strings(channels)
	for _, ch := range channels {
		if kind, addr, ok := AddressChannel(ch); ok {
			c.sendSubscription(FrameSubscribe, kind, addr)
		}
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn, gen uint64) {
	defer c.wg.Done()

	var readErr error
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			readErr = err
			break
		}
		c.handleFrame(msg)
	}
	conn.Close()

	c.mu.Lock()
	stale := c.gen != gen || c.state != StateConnected
	if !stale {
		c.state = StateReconnecting
		c.conn = nil
	}
	c.mu.Unlock()
	if stale {
		return
	}

	c.log.Warn("event bus connection lost", zap.Error(readErr))
	c.reconnect(ctx)
}

// reconnect retries the dial at a fixed delay and enters FALLBACK_MODE once
// MaxReconnects attempts have failed.
func (c *Client) reconnect(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(c.cfg.ReconnectDelay):
	}

	attempt := 0
	var conn *websocket.Conn
	op := func() error {
		attempt++
		observability.RecordBusReconnect()
		cn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			c.log.Warn("event bus reconnect failed",
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", c.cfg.MaxReconnects),
				zap.Error(err))
			return err
		}
		conn = cn
		return nil
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.cfg.ReconnectDelay), uint64(c.cfg.MaxReconnects-1)),
		ctx)
	if err := backoff.Retry(op, b); err != nil {
		if ctx.Err() != nil {
			return
		}
		c.enterFallback(fmt.Sprintf("reconnect failed after %d attempts", attempt))
		return
	}

	if !c.attach(ctx, conn) {
		conn.Close()
		return
	}
	c.log.Info("event bus reconnected", zap.Int("attempt", attempt))
}

// enterFallback drops the connection and publishes one status "stopped" event.
func (c *Client) enterFallback(reason string) {
	c.mu.Lock()
	if c.state == StateFallback || c.state == StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.state = StateFallback
	conn := c.conn
	c.conn = nil
	c.gen++
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}

	observability.RecordBusFallback()
	c.log.Warn("event bus in fallback mode", zap.String("reason", reason))

	data, _ := json.Marshal(StatusEvent{Status: StatusStopped, Message: reason})
	c.reg.Publish(ChannelStatus, json.RawMessage(data))
}

func (c *Client) handleFrame(msg []byte) {
	var f Frame
	if err := json.Unmarshal(msg, &f); err != nil {
		c.log.Debug("dropping malformed frame", zap.Error(err))
		return
	}
	channel := channelFor(&f)
	if channel == "" {
		c.log.Debug("dropping frame without channel", zap.String("type", f.Type))
		return
	}
	c.reg.Publish(channel, f.Data)
}
