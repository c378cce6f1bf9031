// Package helius implements the Helius JSON-RPC and WebSocket provider.
package helius

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"solana-token-tracker/internal/domain"
	"solana-token-tracker/internal/logger"
	"solana-token-tracker/internal/observability"
	"solana-token-tracker/internal/solana"
	"solana-token-tracker/internal/upstream"
)

const providerName = "helius"

// ReferenceMint is the USDC mint used to verify credentials.
const ReferenceMint = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"

// Config configures the Helius client.
type Config struct {
	RPCURL string
	WSURL  string
	APIKey string

	MetadataMethod     string
	PriceMethod        string
	SubscribeMethod    string
	NotificationMethod string

	JSONRPCVersion string
	Commitment     string
	Encoding       string
	FirstRequestID uint64

	MinAddressLength int
	MaxAddressLength int
	CacheTTL         time.Duration
}

// Dialer opens a pubsub connection to endpoint.
type Dialer func(ctx context.Context, endpoint string) (solana.WSClient, error)

// Client talks to Helius over JSON-RPC for metadata and price, and over WebSocket for pushes.
type Client struct {
	cfg     Config
	rpc     *solana.HTTPClient
	cache   *upstream.Cache[domain.TokenMetadata]
	breaker *gobreaker.CircuitBreaker
	dial    Dialer
	log     *zap.Logger

	keyMu  sync.RWMutex
	apiKey string

	wsMu sync.Mutex
	ws   solana.WSClient
}

// Option customizes a Client.
type Option func(*Client)

// WithDialer replaces the WebSocket dialer.
func WithDialer(d Dialer) Option {
	return func(c *Client) {
		c.dial = d
	}
}

// WithRPCOptions passes options to the JSON-RPC transport.
func WithRPCOptions(opts ...solana.ClientOption) Option {
	return func(c *Client) {
		for _, opt := range opts {
			opt(c.rpc)
		}
	}
}

// New creates a Helius client.
func New(cfg Config, log *zap.Logger, opts ...Option) (*Client, error) {
	if cfg.RPCURL == "" {
		return nil, errors.New("helius: rpc url is required")
	}
	if cfg.JSONRPCVersion == "" {
		cfg.JSONRPCVersion = "2.0"
	}
	log = logger.OrNop(log).Named("helius")

	endpoint, err := withAPIKey(cfg.RPCURL, cfg.APIKey)
	if err != nil {
		return nil, fmt.Errorf("helius rpc url: %w", err)
	}

	c := &Client{
		cfg: cfg,
		rpc: solana.NewHTTPClient(endpoint,
			solana.WithProvider(providerName),
			solana.WithJSONRPCVersion(cfg.JSONRPCVersion),
		),
		cache:   upstream.NewCache[domain.TokenMetadata](cfg.CacheTTL),
		breaker: upstream.NewBreaker(providerName, log),
		log:     log,
		apiKey:  cfg.APIKey,
	}
	c.dial = c.defaultDial
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) defaultDial(ctx context.Context, endpoint string) (solana.WSClient, error) {
	wsCfg := solana.DefaultWSConfig()
	wsCfg.JSONRPCVersion = c.cfg.JSONRPCVersion
	wsCfg.Provider = providerName
	wsCfg.Logger = c.log
	if c.cfg.FirstRequestID > 0 {
		wsCfg.FirstRequestID = c.cfg.FirstRequestID
	}
	return solana.NewWSClient(ctx, endpoint, &wsCfg)
}

// withAPIKey sets the api-key query parameter on raw.
func withAPIKey(raw, key string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if key != "" {
		q := u.Query()
		q.Set("api-key", key)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (c *Client) key() string {
	c.keyMu.RLock()
	defer c.keyMu.RUnlock()
	return c.apiKey
}

func (c *Client) validate(addr string) error {
	return upstream.ValidateAddress(providerName, addr, c.cfg.MinAddressLength, c.cfg.MaxAddressLength)
}

// call runs one JSON-RPC request through the circuit breaker.
func (c *Client) call(ctx context.Context, method, addr string, out interface{}) error {
	_, err := upstream.Guard(c.breaker, providerName, func() (struct{}, error) {
		return struct{}{}, c.rpc.Call(ctx, method, map[string]interface{}{"id": addr}, out)
	})
	return err
}

// GetTokenMetadata returns metadata for addr, cached for the configured TTL.
// A rejected API key yields fallback metadata.
func (c *Client) GetTokenMetadata(ctx context.Context, addr string) (*domain.TokenMetadata, error) {
	if err := c.validate(addr); err != nil {
		return nil, err
	}
	if meta, ok := c.cache.Get(addr); ok {
		observability.RecordCacheHit()
		return &meta, nil
	}

	meta, err := c.fetchMetadata(ctx, addr)
	if err != nil {
		if upstream.KindOf(err) == upstream.KindAuthFailure {
			c.log.Warn("metadata request rejected, using fallback", zap.String("mint", addr), zap.Error(err))
			observability.RecordFallback(providerName, string(upstream.KindAuthFailure))
			fb := upstream.FallbackMetadata(addr)
			return &fb, nil
		}
		return nil, err
	}

	c.cache.Put(addr, *meta)
	return meta, nil
}

func (c *Client) fetchMetadata(ctx context.Context, addr string) (*domain.TokenMetadata, error) {
	var asset assetResult
	if err := c.call(ctx, c.cfg.MetadataMethod, addr, &asset); err != nil {
		return nil, err
	}
	meta := asset.metadata()
	if meta.Name == "" && meta.Symbol == "" {
		return nil, &upstream.Error{Provider: providerName, Kind: upstream.KindNotFound, Message: "asset has no metadata"}
	}
	return meta, nil
}

// GetTokenPrice returns the current price for addr.
// A rejected API key or an unsupported price method yields the fallback price.
func (c *Client) GetTokenPrice(ctx context.Context, addr string) (*domain.TokenPrice, error) {
	if err := c.validate(addr); err != nil {
		return nil, err
	}

	var asset assetResult
	err := c.call(ctx, c.cfg.PriceMethod, addr, &asset)
	if err != nil {
		if upstream.IsAuthFailure(err) {
			kind := upstream.KindOf(err)
			c.log.Warn("price request rejected, using fallback",
				zap.String("mint", addr), zap.String("kind", string(kind)), zap.Error(err))
			observability.RecordFallback(providerName, string(kind))
			fb := upstream.FallbackPrice()
			return &fb, nil
		}
		return nil, err
	}

	price, ok := asset.price()
	if !ok {
		return nil, &upstream.Error{Provider: providerName, Kind: upstream.KindNotFound, Message: "no price for asset"}
	}
	return price, nil
}

// UpdateAPIKey swaps the credential used by later requests.
// Existing push connections keep the key they were opened with.
func (c *Client) UpdateAPIKey(key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return &upstream.Error{Provider: providerName, Kind: upstream.KindInvalidInput, Message: "API key must not be empty"}
	}
	endpoint, err := withAPIKey(c.cfg.RPCURL, key)
	if err != nil {
		return fmt.Errorf("helius rpc url: %w", err)
	}

	c.keyMu.Lock()
	c.apiKey = key
	c.rpc.SetEndpoint(endpoint)
	c.keyMu.Unlock()

	c.cache.Purge()
	c.log.Info("api key updated", zap.Bool("audit", true), zap.String("key", upstream.MaskKey(key)))
	return nil
}

// TestAPIKey performs one uncached metadata lookup for the reference mint.
func (c *Client) TestAPIKey(ctx context.Context) upstream.KeyStatus {
	_, err := c.fetchMetadata(ctx, ReferenceMint)
	switch {
	case err == nil:
		return upstream.KeyStatus{Valid: true, Message: "API key is valid"}
	case upstream.KindOf(err) == upstream.KindAuthFailure:
		return upstream.KeyStatus{Valid: false, Message: "API key was rejected by Helius"}
	default:
		return upstream.KeyStatus{Valid: false, Message: fmt.Sprintf("API key check failed: %v", err)}
	}
}

// Close shuts down the push connection, if any.
func (c *Client) Close() error {
	c.wsMu.Lock()
	defer c.wsMu.Unlock()
	if c.ws == nil {
		return nil
	}
	err := c.ws.Close()
	c.ws = nil
	return err
}

var (
	_ upstream.MetadataProvider      = (*Client)(nil)
	_ upstream.PriceProvider         = (*Client)(nil)
	_ upstream.TransactionSubscriber = (*Client)(nil)
	_ upstream.KeyManager            = (*Client)(nil)
)
