package domain

import "time"

// Transaction is a push-only observation delivered by a provider subscription.
type Transaction struct {
	MintAddress string    `json:"mintAddress"`
	Signature   string    `json:"signature,omitempty"`
	Type        string    `json:"type"`
	Amount      float64   `json:"amount"`
	From        string    `json:"from"`
	To          string    `json:"to"`
	Slot        int64     `json:"slot,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}
