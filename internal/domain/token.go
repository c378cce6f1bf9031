package domain

import "time"

// TokenState is the lifecycle state of a tracked token.
type TokenState string

const (
	// TokenStateLive is a token backed by real upstream data.
	TokenStateLive TokenState = "LIVE"
	// TokenStateFallback is a token running on synthetic data. It never recovers on its own.
	TokenStateFallback TokenState = "FALLBACK"
)

// Thresholds are the percent moves that raise price alerts.
// Up and Down are independent.
type Thresholds struct {
	Up   float64 `json:"up"`
	Down float64 `json:"down"`
}

// DefaultThresholds returns the 5%/5% alert thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{Up: 5, Down: 5}
}

// TrackedToken is the per-token view owned by the tracker.
type TrackedToken struct {
	Address    string        `json:"address"`
	Metadata   TokenMetadata `json:"metadata"`
	Price      TokenPrice    `json:"price"`
	Thresholds Thresholds    `json:"alertThresholds"`
	State      TokenState    `json:"state"`
	Subscribed bool          `json:"subscribed"`
	TrackedAt  time.Time     `json:"trackedAt"`
}

// IsFallback reports whether the token runs on fallback data.
func (t *TrackedToken) IsFallback() bool {
	return t.State == TokenStateFallback
}

// TrackedTokenRecord is the persisted part of a tracked token.
// Corresponds to tracked_tokens table in PostgreSQL.
type TrackedTokenRecord struct {
	Address       string  // mint address (PK)
	ThresholdUp   float64 // percent
	ThresholdDown float64 // percent
	CreatedAt     int64   // ms
	UpdatedAt     int64   // ms
}

// TokenSummary is the display row returned by the token list.
// Unknown numeric values are rendered as "N/A".
type TokenSummary struct {
	Address    string `json:"address"`
	Name       string `json:"name"`
	Symbol     string `json:"symbol"`
	Price      string `json:"price"`
	Change24h  string `json:"priceChange24h"`
	Volume24h  string `json:"volume24h"`
	MarketCap  string `json:"marketCap"`
	IsFallback bool   `json:"isFallback"`
}
