package tracker

import (
	"github.com/shopspring/decimal"

	"solana-token-tracker/internal/domain"
)

// NotAvailable is displayed for unknown numeric fields.
const NotAvailable = "N/A"

// FormatPrice renders a price with 6 decimal places.
func FormatPrice(v float64) string {
	return decimal.NewFromFloat(v).StringFixed(6)
}

// FormatOptional renders v with places decimals, or N/A when unknown.
func FormatOptional(v *float64, places int32) string {
	if v == nil {
		return NotAvailable
	}
	return decimal.NewFromFloat(*v).StringFixed(places)
}

// Summarize builds the display row for a tracked token.
func Summarize(t *domain.TrackedToken) domain.TokenSummary {
	return domain.TokenSummary{
		Address:    t.Address,
		Name:       t.Metadata.Name,
		Symbol:     t.Metadata.Symbol,
		Price:      FormatPrice(t.Price.Price),
		Change24h:  FormatOptional(t.Price.PriceChange24h, 2),
		Volume24h:  FormatOptional(t.Price.Volume24h, 2),
		MarketCap:  FormatOptional(t.Price.MarketCap, 2),
		IsFallback: t.IsFallback(),
	}
}
