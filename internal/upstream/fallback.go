package upstream

import (
	"fmt"
	"strings"
	"time"

	"github.com/mr-tron/base58"

	"solana-token-tracker/internal/domain"
)

// PlaceholderImage is shown for tokens without provider metadata.
const PlaceholderImage = "/img/token-placeholder.png"

// FallbackSymbol marks synthetic metadata.
const FallbackSymbol = "FALLBACK"

// FallbackMetadata synthesizes metadata for addr when the provider rejected our credentials.
func FallbackMetadata(addr string) domain.TokenMetadata {
	return domain.TokenMetadata{
		Name:       "Token " + shortAddress(addr),
		Symbol:     FallbackSymbol,
		Image:      PlaceholderImage,
		Decimals:   9,
		IsFallback: true,
	}
}

// FallbackPrice synthesizes the sentinel price used when the provider rejected the request.
func FallbackPrice() domain.TokenPrice {
	return domain.TokenPrice{
		Price:          0.001,
		PriceChange24h: domain.Float(0),
		Volume24h:      domain.Float(0),
		MarketCap:      domain.Float(0),
		Currency:       "USD",
		IsFallback:     true,
		UpdatedAt:      time.Now(),
	}
}

func shortAddress(addr string) string {
	if len(addr) <= 10 {
		return addr
	}
	return addr[:6] + "..." + addr[len(addr)-4:]
}

// InvalidAddressMessage is the message returned for addresses outside the configured bounds.
const InvalidAddressMessage = "Invalid Solana address format"

// ValidateAddress checks the address length against [min, max].
func ValidateAddress(provider, addr string, min, max int) error {
	n := len(strings.TrimSpace(addr))
	if n == 0 || n < min || n > max {
		return &Error{Provider: provider, Kind: KindInvalidInput, Message: InvalidAddressMessage}
	}
	return nil
}

// DecodeMint decodes a base58 mint address and checks it is a 32-byte public key.
func DecodeMint(addr string) ([]byte, error) {
	raw, err := base58.Decode(addr)
	if err != nil {
		return nil, fmt.Errorf("decode mint %q: %w", addr, err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("mint %q decodes to %d bytes, want 32", addr, len(raw))
	}
	return raw, nil
}

// MaskKey keeps the first and last four characters of a credential.
func MaskKey(key string) string {
	if len(key) <= 8 {
		return strings.Repeat("*", len(key))
	}
	return key[:4] + "..." + key[len(key)-4:]
}
