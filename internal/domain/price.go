package domain

import "time"

// TokenPrice is a point-in-time market quote for a token.
// Optional numeric fields are nil when the provider did not report them.
type TokenPrice struct {
	Price          float64   `json:"price"`
	PriceChange24h *float64  `json:"priceChange24h"`
	Volume24h      *float64  `json:"volume24h"`
	MarketCap      *float64  `json:"marketCap"`
	Currency       string    `json:"currency"`
	IsFallback     bool      `json:"isFallback"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Float returns a pointer to v.
func Float(v float64) *float64 {
	return &v
}
