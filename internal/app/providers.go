package app

import (
	"fmt"

	"go.uber.org/zap"

	"solana-token-tracker/internal/config"
	"solana-token-tracker/internal/dexscreener"
	"solana-token-tracker/internal/domain"
	"solana-token-tracker/internal/helius"
	"solana-token-tracker/internal/onchain"
	"solana-token-tracker/internal/solana"
	"solana-token-tracker/internal/upstream"
)

type providers struct {
	helius   *helius.Client
	metadata upstream.MetadataProvider
	prices   upstream.PriceProvider
	keys     upstream.KeyManager
}

// buildProviders creates the upstream clients and picks the configured metadata and price sources.
// Helius always backs push subscriptions and key management.
func buildProviders(cfg *config.Config, log *zap.Logger) (*providers, error) {
	h, err := helius.New(helius.Config{
		RPCURL:             cfg.HeliusRPCURL,
		WSURL:              cfg.HeliusWSURL,
		APIKey:             cfg.HeliusAPIKey,
		MetadataMethod:     cfg.MetadataMethod,
		PriceMethod:        cfg.PriceMethod,
		SubscribeMethod:    cfg.SubscribeMethod,
		NotificationMethod: cfg.NotificationMethod,
		JSONRPCVersion:     cfg.WS.JSONRPCVersion,
		Commitment:         cfg.WS.Commitment,
		Encoding:           cfg.WS.Encoding,
		FirstRequestID:     uint64(cfg.WS.DefaultRequestID),
		MinAddressLength:   cfg.MinAddressLength,
		MaxAddressLength:   cfg.MaxAddressLength,
		CacheTTL:           cfg.MetadataCacheTTL,
	}, log)
	if err != nil {
		return nil, err
	}

	p := &providers{helius: h, keys: h}

	var dex *dexscreener.Client
	if cfg.PriceProvider == "dexscreener" || cfg.MetadataProvider == "dexscreener" {
		dex = dexscreener.New(dexscreener.Config{
			BaseURL:          cfg.DexScreenerURL,
			MinAddressLength: cfg.MinAddressLength,
			MaxAddressLength: cfg.MaxAddressLength,
			CacheTTL:         cfg.MetadataCacheTTL,
		}, log)
	}

	switch cfg.PriceProvider {
	case "helius":
		p.prices = h
	case "dexscreener":
		p.prices = dex
	default:
		h.Close()
		return nil, fmt.Errorf("unknown price provider %q", cfg.PriceProvider)
	}

	switch cfg.MetadataProvider {
	case "helius":
		p.metadata = h
	case "dexscreener":
		p.metadata = dex
	case "onchain":
		rpc := solana.NewHTTPClient(cfg.SolanaRPCURL,
			solana.WithProvider("solana-rpc"),
			solana.WithJSONRPCVersion(cfg.WS.JSONRPCVersion),
		)
		p.metadata = onchain.NewMetadataSource(rpc, upstream.NewCache[domain.TokenMetadata](cfg.MetadataCacheTTL), log)
	default:
		h.Close()
		return nil, fmt.Errorf("unknown metadata provider %q", cfg.MetadataProvider)
	}

	log.Info("upstream providers ready",
		zap.String("price", cfg.PriceProvider),
		zap.String("metadata", cfg.MetadataProvider))
	return p, nil
}
