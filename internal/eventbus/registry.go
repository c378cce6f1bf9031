// Package eventbus fans push events out to subscriber callbacks, both in process
// (Registry), over a client WebSocket (Client) and to browser connections (Hub).
package eventbus

import (
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"solana-token-tracker/internal/logger"
	"solana-token-tracker/internal/observability"
)

// Channel names.
const (
	ChannelStatus         = "status"
	ChannelTokenUpdate    = "tokenUpdate"
	ChannelTokenAdded     = "tokenAdded"
	ChannelTokenRemoved   = "tokenRemoved"
	ChannelMarketActivity = "marketActivity"
	ChannelTransaction    = "transaction"
	ChannelAlert          = "alert"
	ChannelSlot           = "slot"

	accountPrefix = "account:"
	programPrefix = "program:"
)

// AccountChannel is the channel carrying updates for one account address.
func AccountChannel(address string) string { return accountPrefix + address }

// ProgramChannel is the channel carrying updates for one program id.
func ProgramChannel(address string) string { return programPrefix + address }

// AddressChannel splits an address-keyed channel into its subscription type ("account" or "program")
// and address. ok is false for generic channels.
func AddressChannel(channel string) (kind, address string, ok bool) {
	switch {
	case strings.HasPrefix(channel, accountPrefix):
		return "account", strings.TrimPrefix(channel, accountPrefix), true
	case strings.HasPrefix(channel, programPrefix):
		return "program", strings.TrimPrefix(channel, programPrefix), true
	}
	return "", "", false
}

// Handler receives the payload published on a channel.
type Handler func(data any)

// Handle identifies one registered handler.
type Handle struct {
	Channel string
	id      uint64
}

type registration struct {
	id uint64
	fn Handler
}

// Registry maps channel names to ordered handler lists.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string][]registration
	nextID   uint64
	log      *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(log *zap.Logger) *Registry {
	return &Registry{
		handlers: make(map[string][]registration),
		log:      logger.OrNop(log).Named("eventbus"),
	}
}

// Subscribe appends fn to channel's handlers.
func (r *Registry) Subscribe(channel string, fn Handler) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	r.handlers[channel] = append(r.handlers[channel], registration{id: r.nextID, fn: fn})
	return Handle{Channel: channel, id: r.nextID}
}

// Unsubscribe removes the handler. last reports whether the channel has no handlers left.
// Unknown handles are ignored.
func (r *Registry) Unsubscribe(h Handle) (last bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.handlers[h.Channel]
	for i, reg := range list {
		if reg.id != h.id {
			continue
		}
		list = append(list[:i:i], list[i+1:]...)
		if len(list) == 0 {
			delete(r.handlers, h.Channel)
			return true
		}
		r.handlers[h.Channel] = list
		return false
	}
	return false
}

// Count returns the number of handlers on channel.
func (r *Registry) Count(channel string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers[channel])
}

// Channels returns every channel with at least one handler.
func (r *Registry) Channels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for ch := range r.handlers {
		out = append(out, ch)
	}
	return out
}

// Publish calls every handler of channel in subscription order.
// A panicking handler is logged and the remaining handlers still run.
func (r *Registry) Publish(channel string, data any) {
	r.mu.RLock()
	list := r.handlers[channel]
	r.mu.RUnlock()

	for _, reg := range list {
		r.dispatch(channel, reg.fn, data)
	}
}

func (r *Registry) dispatch(channel string, fn Handler, data any) {
	defer func() {
		if p := recover(); p != nil {
			observability.RecordHandlerPanic(channel)
			r.log.Error("event handler panicked",
				zap.String("channel", channel),
				zap.String("panic", fmt.Sprint(p)),
				zap.Stack("stack"))
		}
	}()
	fn(data)
}
