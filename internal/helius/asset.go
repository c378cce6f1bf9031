package helius

import (
	"strings"
	"time"

	"solana-token-tracker/internal/domain"
	"solana-token-tracker/internal/upstream"
)

// assetResult is the subset of a DAS asset the tracker reads.
type assetResult struct {
	ID      string `json:"id"`
	Content struct {
		Metadata struct {
			Name        string `json:"name"`
			Symbol      string `json:"symbol"`
			Description string `json:"description"`
		} `json:"metadata"`
		Links struct {
			Image string `json:"image"`
		} `json:"links"`
		Files []struct {
			URI string `json:"uri"`
		} `json:"files"`
	} `json:"content"`
	TokenInfo struct {
		Symbol    string `json:"symbol"`
		Decimals  int    `json:"decimals"`
		PriceInfo *struct {
			PricePerToken float64  `json:"price_per_token"`
			TotalPrice    *float64 `json:"total_price"`
			Currency      string   `json:"currency"`
		} `json:"price_info"`
	} `json:"token_info"`
}

func (a *assetResult) metadata() *domain.TokenMetadata {
	meta := &domain.TokenMetadata{
		Name:        strings.TrimSpace(a.Content.Metadata.Name),
		Symbol:      strings.TrimSpace(a.Content.Metadata.Symbol),
		Description: a.Content.Metadata.Description,
		Image:       a.Content.Links.Image,
		Decimals:    a.TokenInfo.Decimals,
	}
	if meta.Symbol == "" {
		meta.Symbol = a.TokenInfo.Symbol
	}
	if meta.Image == "" && len(a.Content.Files) > 0 {
		meta.Image = a.Content.Files[0].URI
	}
	if meta.Image == "" {
		meta.Image = upstream.PlaceholderImage
	}
	return meta
}

// price converts price_info. DAS carries no 24h change or volume, so those stay unknown.
func (a *assetResult) price() (*domain.TokenPrice, bool) {
	info := a.TokenInfo.PriceInfo
	if info == nil || info.PricePerToken <= 0 {
		return nil, false
	}
	currency := info.Currency
	if currency == "" || strings.HasPrefix(currency, "USD") {
		currency = "USD"
	}
	return &domain.TokenPrice{
		Price:     info.PricePerToken,
		Currency:  currency,
		UpdatedAt: time.Now(),
	}, true
}
