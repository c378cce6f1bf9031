package upstream

import (
	"context"

	"solana-token-tracker/internal/domain"
)

// MetadataProvider resolves token metadata.
// Implementations return fallback metadata instead of an auth failure.
type MetadataProvider interface {
	GetTokenMetadata(ctx context.Context, addr string) (*domain.TokenMetadata, error)
}

// PriceProvider resolves the current token price.
// Implementations return the fallback price instead of an auth or method failure.
type PriceProvider interface {
	GetTokenPrice(ctx context.Context, addr string) (*domain.TokenPrice, error)
}

// Subscription is a live push channel.
type Subscription interface {
	Close() error
}

// TransactionHandler receives decoded push notifications.
type TransactionHandler func(tx domain.Transaction)

// TransactionSubscriber opens push channels for token activity.
type TransactionSubscriber interface {
	SubscribeToTokenTransactions(ctx context.Context, addr string, handler TransactionHandler) (Subscription, error)
}

// KeyStatus is the outcome of a credential check.
type KeyStatus struct {
	Valid   bool   `json:"valid"`
	Message string `json:"message"`
}

// KeyManager rotates and verifies provider credentials.
type KeyManager interface {
	UpdateAPIKey(key string) error
	TestAPIKey(ctx context.Context) KeyStatus
}
