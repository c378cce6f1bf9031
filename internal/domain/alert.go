package domain

import "time"

// AlertType is the direction of a price alert.
type AlertType string

const (
	AlertIncrease AlertType = "increase"
	AlertDecrease AlertType = "decrease"
)

// Alert is raised when a poll observes a move beyond the token's thresholds.
type Alert struct {
	ID            string    `json:"id"`
	MintAddress   string    `json:"mintAddress"`
	Symbol        string    `json:"symbol,omitempty"`
	Type          AlertType `json:"type"`
	ChangePercent float64   `json:"changePercent"`
	Change        string    `json:"change"` // ChangePercent with 2 decimals
	OldPrice      float64   `json:"oldPrice"`
	NewPrice      float64   `json:"newPrice"`
	Timestamp     time.Time `json:"timestamp"`
}
