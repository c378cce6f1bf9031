package eventbus

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"solana-token-tracker/internal/logger"
	"solana-token-tracker/internal/observability"
	"solana-token-tracker/internal/solana"
	"solana-token-tracker/internal/upstream"
)

// HubConfig configures a Hub.
type HubConfig struct {
	WriteTimeout time.Duration // Default: 10s
	PingInterval time.Duration // Default: 30s
	SendBuffer   int           // Default: 64 frames per connection

	// Options applied to proxied account and program subscriptions.
	Subscription solana.SubscriptionOptions

	Logger *zap.Logger
}

// broadcastChannels are forwarded from the registry to every connection.
var broadcastChannels = []string{
	ChannelTokenUpdate,
	ChannelTokenAdded,
	ChannelTokenRemoved,
	ChannelMarketActivity,
	ChannelTransaction,
	ChannelAlert,
	ChannelStatus,
	ChannelSlot,
}

// Hub serves the event socket. It broadcasts registry events as frames and
// proxies per-connection account and program subscriptions to Solana.
type Hub struct {
	cfg      HubConfig
	log      *zap.Logger
	reg      *Registry
	solana   solana.WSClient // optional
	upgrader websocket.Upgrader

	mu      sync.Mutex
	conns   map[*hubConn]struct{}
	handles []Handle
	closed  bool
}

// NewHub creates a hub broadcasting reg's events. ws may be nil, in which case
// address subscriptions are answered with an error status.
func NewHub(reg *Registry, ws solana.WSClient, cfg HubConfig) *Hub {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 64
	}

	h := &Hub{
		cfg:    cfg,
		log:    logger.OrNop(cfg.Logger).Named("eventbus.hub"),
		reg:    reg,
		solana: ws,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: make(map[*hubConn]struct{}),
	}
	for _, ch := range broadcastChannels {
		frameType := channelToFrame[ch]
		h.handles = append(h.handles, reg.Subscribe(ch, func(data any) {
			h.broadcast(frameType, data)
		}))
	}
	return h
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &hubConn{
		id:   uuid.NewString(),
		hub:  h,
		ws:   ws,
		send: make(chan []byte, h.cfg.SendBuffer),
		done: make(chan struct{}),
		subs: make(map[string]*solana.Subscription),
	}
	c.active.Store(true)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		ws.Close()
		return
	}
	h.conns[c] = struct{}{}
	h.mu.Unlock()

	observability.AddWSClients(1)
	h.log.Info("client connected", zap.String("conn_id", c.id), zap.String("remote", r.RemoteAddr))

	go c.writePump()
	c.enqueueFrame(FrameStatus, StatusEvent{Status: StatusConnected})
	c.readPump()
}

// Clients returns the number of open connections.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Close stops broadcasting and closes every connection.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	conns := make([]*hubConn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	handles := h.handles
	h.handles = nil
	h.mu.Unlock()

	for _, hd := range handles {
		h.reg.Unsubscribe(hd)
	}
	for _, c := range conns {
		c.close()
	}
	return nil
}

func (h *Hub) broadcast(frameType string, data any) {
	msg, err := encodeFrame(frameType, "", data)
	if err != nil {
		h.log.Warn("encode frame failed", zap.String("type", frameType), zap.Error(err))
		return
	}

	h.mu.Lock()
	conns := make([]*hubConn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		if c.active.Load() {
			c.enqueue(frameType, msg)
		}
	}
}

func (h *Hub) remove(c *hubConn) {
	h.mu.Lock()
	_, ok := h.conns[c]
	delete(h.conns, c)
	h.mu.Unlock()
	if ok {
		observability.AddWSClients(-1)
	}
}

func encodeFrame(frameType, address string, data any) ([]byte, error) {
	var raw json.RawMessage
	switch v := data.(type) {
	case nil:
	case json.RawMessage:
		raw = v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return json.Marshal(Frame{Type: frameType, Address: address, Data: raw})
}

// hubConn is one browser connection.
type hubConn struct {
	id     string
	hub    *Hub
	ws     *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	active atomic.Bool // command stop pauses every outbound data frame

	mu   sync.Mutex
	subs map[string]*solana.Subscription // keyed by channel name
}

func (c *hubConn) enqueueFrame(frameType string, data any) {
	msg, err := encodeFrame(frameType, "", data)
	if err != nil {
		return
	}
	c.enqueue(frameType, msg)
}

// enqueue never blocks: a connection whose buffer is full is dropped.
func (c *hubConn) enqueue(frameType string, msg []byte) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- msg:
		observability.RecordFrameSent(frameType)
	case <-c.done:
	default:
		c.hub.log.Warn("client too slow, dropping connection", zap.String("conn_id", c.id))
		c.close()
	}
}

func (c *hubConn) close() {
	c.once.Do(func() {
		close(c.done)
		c.ws.Close()

		c.mu.Lock()
		subs := c.subs
		c.subs = make(map[string]*solana.Subscription)
		c.mu.Unlock()
		for _, sub := range subs {
			_ = sub.Close()
		}

		c.hub.remove(c)
		c.hub.log.Info("client disconnected", zap.String("conn_id", c.id))
	})
}

func (c *hubConn) writePump() {
	ticker := time.NewTicker(c.hub.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}

func (c *hubConn) readPump() {
	defer c.close()

	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		var f Frame
		if err := json.Unmarshal(msg, &f); err != nil {
			c.enqueueFrame(FrameStatus, StatusEvent{Status: StatusError, Message: "malformed frame"})
			continue
		}
		c.handle(&f)
	}
}

func (c *hubConn) handle(f *Frame) {
	switch f.Type {
	case FrameSubscribe:
		c.subscribe(f.Subscription)
	case FrameUnsubscribe:
		c.unsubscribe(f.Subscription)
	case FrameCommand:
		switch f.Command {
		case CommandStart:
			c.active.Store(true)
			c.enqueueFrame(FrameStatus, StatusEvent{Status: StatusStarted})
		case CommandStop:
			c.active.Store(false)
			c.enqueueFrame(FrameStatus, StatusEvent{Status: StatusStopped})
		default:
			c.enqueueFrame(FrameStatus, StatusEvent{Status: StatusError, Message: "unknown command " + f.Command})
		}
	default:
		c.hub.log.Debug("ignoring frame", zap.String("conn_id", c.id), zap.String("type", f.Type))
	}
}

func subscriptionChannel(ref *SubscriptionRef) (string, bool) {
	if ref == nil || ref.Address == "" {
		return "", false
	}
	switch ref.Type {
	case "account":
		return AccountChannel(ref.Address), true
	case "program":
		return ProgramChannel(ref.Address), true
	}
	return "", false
}

func (c *hubConn) subscribe(ref *SubscriptionRef) {
	channel, ok := subscriptionChannel(ref)
	if !ok {
		c.enqueueFrame(FrameStatus, StatusEvent{Status: StatusError, Message: "invalid subscription"})
		return
	}
	if _, err := upstream.DecodeMint(ref.Address); err != nil {
		c.enqueueFrame(FrameStatus, StatusEvent{Status: StatusError, Message: upstream.InvalidAddressMessage})
		return
	}
	if c.hub.solana == nil {
		c.enqueueFrame(FrameStatus, StatusEvent{Status: StatusError, Message: "on-chain subscriptions unavailable"})
		return
	}

	c.mu.Lock()
	_, exists := c.subs[channel]
	c.mu.Unlock()
	if exists {
		return
	}

	req := solana.AccountSubscribe(ref.Address, c.hub.cfg.Subscription)
	frameType := FrameAccountUpdate
	if ref.Type == "program" {
		req = solana.ProgramSubscribe(ref.Address, c.hub.cfg.Subscription)
		frameType = FrameProgramUpdate
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	sub, err := c.hub.solana.Subscribe(ctx, req)
	if err != nil {
		c.hub.log.Warn("proxy subscription failed",
			zap.String("conn_id", c.id), zap.String("channel", channel), zap.Error(err))
		c.enqueueFrame(FrameStatus, StatusEvent{Status: StatusError, Message: "subscription failed"})
		return
	}

	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		_ = sub.Close()
		return
	default:
	}
	c.subs[channel] = sub
	c.mu.Unlock()
	observability.AddSubscriptions(1)

	go c.forward(sub, frameType, ref.Address)
}

func (c *hubConn) unsubscribe(ref *SubscriptionRef) {
	channel, ok := subscriptionChannel(ref)
	if !ok {
		return
	}
	c.mu.Lock()
	sub, exists := c.subs[channel]
	delete(c.subs, channel)
	c.mu.Unlock()
	if exists {
		_ = sub.Close()
	}
}

// addressUpdate is the data of account_update and program_update frames.
type addressUpdate struct {
	Slot  int64           `json:"slot"`
	Value json.RawMessage `json:"value"`
}

func (c *hubConn) forward(sub *solana.Subscription, frameType, address string) {
	defer observability.AddSubscriptions(-1)
	for n := range sub.C() {
		if !c.active.Load() {
			continue
		}
		msg, err := encodeFrame(frameType, address, addressUpdate{Slot: n.Slot, Value: n.Value})
		if err != nil {
			continue
		}
		c.enqueue(frameType, msg)
	}
}
