package domain

// TokenMetadata describes a token as reported by an upstream provider.
// IsFallback marks a synthetic record produced when the provider rejected our credentials.
type TokenMetadata struct {
	Name        string `json:"name"`
	Symbol      string `json:"symbol"`
	Image       string `json:"image"`
	Description string `json:"description,omitempty"`
	Decimals    int    `json:"decimals"`
	IsFallback  bool   `json:"isFallback"`
}
