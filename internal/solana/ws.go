package solana

import (
	"context"
	"encoding/json"
)

// WSClient defines the Solana WebSocket subscription interface.
type WSClient interface {
	// Subscribe opens a JSON-RPC subscription and waits for its confirmation.
	Subscribe(ctx context.Context, req SubscribeRequest) (*Subscription, error)

	// Close closes the WebSocket connection and every subscription.
	Close() error
}

// SubscribeRequest describes one pubsub subscription.
type SubscribeRequest struct {
	Method       string        // e.g. accountSubscribe
	Params       []interface{} // method parameters
	Notification string        // notification method delivered for this subscription
	Unsubscribe  string        // method used to cancel it, optional
}

// Notification is one pushed message for a subscription.
type Notification struct {
	Method       string
	Subscription int64
	Slot         int64
	Value        json.RawMessage // result.value, or result when the payload has no context
}

// Commitment and encoding applied to subscription requests.
type SubscriptionOptions struct {
	Commitment string
	Encoding   string
}

func (o SubscriptionOptions) params() map[string]interface{} {
	p := make(map[string]interface{})
	if o.Commitment != "" {
		p["commitment"] = o.Commitment
	}
	if o.Encoding != "" {
		p["encoding"] = o.Encoding
	}
	return p
}

// AccountSubscribe builds an accountSubscribe request for address.
func AccountSubscribe(address string, opts SubscriptionOptions) SubscribeRequest {
	return SubscribeRequest{
		Method:       "accountSubscribe",
		Params:       []interface{}{address, opts.params()},
		Notification: "accountNotification",
		Unsubscribe:  "accountUnsubscribe",
	}
}

// ProgramSubscribe builds a programSubscribe request for a program id.
func ProgramSubscribe(programID string, opts SubscriptionOptions) SubscribeRequest {
	return SubscribeRequest{
		Method:       "programSubscribe",
		Params:       []interface{}{programID, opts.params()},
		Notification: "programNotification",
		Unsubscribe:  "programUnsubscribe",
	}
}

// LogsSubscribe builds a logsSubscribe request for transactions mentioning any of the addresses.
func LogsSubscribe(mentions []string, opts SubscriptionOptions) SubscribeRequest {
	filter := make(map[string]interface{})
	if len(mentions) > 0 {
		filter["mentions"] = mentions
	} else {
		filter["all"] = nil
	}
	return SubscribeRequest{
		Method:       "logsSubscribe",
		Params:       []interface{}{filter, SubscriptionOptions{Commitment: opts.Commitment}.params()},
		Notification: "logsNotification",
		Unsubscribe:  "logsUnsubscribe",
	}
}
