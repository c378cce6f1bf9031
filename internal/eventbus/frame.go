package eventbus

import "encoding/json"

// Wire frame types.
const (
	FrameTokenUpdate    = "token_update"
	FrameTokenAdded     = "token_added"
	FrameTokenRemoved   = "token_removed"
	FrameMarketActivity = "market_activity"
	FrameTransaction    = "transaction"
	FrameAlert          = "alert"
	FrameStatus         = "status"
	FrameSlot           = "slot"
	FrameAccountUpdate  = "account_update"
	FrameProgramUpdate  = "program_update"

	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
	FrameCommand     = "command"
)

// Commands accepted in a command frame.
const (
	CommandStart = "start"
	CommandStop  = "stop"
)

// Status values carried by status events.
const (
	StatusConnected = "connected"
	StatusStarted   = "started"
	StatusStopped   = "stopped"
	StatusError     = "error"
)

// Frame is one JSON message on the event socket.
type Frame struct {
	Type         string           `json:"type"`
	Data         json.RawMessage  `json:"data,omitempty"`
	Address      string           `json:"address,omitempty"`
	Subscription *SubscriptionRef `json:"subscription,omitempty"`
	Command      string           `json:"command,omitempty"`
}

// SubscriptionRef names an address subscription: Type is "account" or "program".
type SubscriptionRef struct {
	Type    string `json:"type"`
	Address string `json:"address"`
}

// StatusEvent is the payload of the status channel.
type StatusEvent struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

var frameToChannel = map[string]string{
	FrameTokenUpdate:    ChannelTokenUpdate,
	FrameTokenAdded:     ChannelTokenAdded,
	FrameTokenRemoved:   ChannelTokenRemoved,
	FrameMarketActivity: ChannelMarketActivity,
	FrameTransaction:    ChannelTransaction,
	FrameAlert:          ChannelAlert,
	FrameStatus:         ChannelStatus,
	FrameSlot:           ChannelSlot,
}

// channelToFrame is the inverse of frameToChannel, used when broadcasting.
var channelToFrame = func() map[string]string {
	m := make(map[string]string, len(frameToChannel))
	for f, ch := range frameToChannel {
		m[ch] = f
	}
	return m
}()

// channelFor maps an inbound frame to the channel it is published on.
// Returns "" for frames that carry no event.
func channelFor(f *Frame) string {
	switch f.Type {
	case FrameAccountUpdate, FrameProgramUpdate:
		addr := f.Address
		if addr == "" && f.Subscription != nil {
			addr = f.Subscription.Address
		}
		if addr == "" {
			return ""
		}
		if f.Type == FrameAccountUpdate {
			return AccountChannel(addr)
		}
		return ProgramChannel(addr)
	}
	return frameToChannel[f.Type]
}
