// Package dexscreener reads token pairs from the public DexScreener API.
package dexscreener

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"solana-token-tracker/internal/domain"
	"solana-token-tracker/internal/logger"
	"solana-token-tracker/internal/observability"
	"solana-token-tracker/internal/upstream"
)

const providerName = "dexscreener"

// DefaultBaseURL is the public API root.
const DefaultBaseURL = "https://api.dexscreener.com"

const chainSolana = "solana"

// Config configures the DexScreener client.
type Config struct {
	BaseURL          string
	MinAddressLength int
	MaxAddressLength int
	CacheTTL         time.Duration
	Timeout          time.Duration
}

// Client resolves metadata and prices from the most liquid Solana pair of a token.
type Client struct {
	cfg     Config
	http    *http.Client
	cache   *upstream.Cache[domain.TokenMetadata]
	breaker *gobreaker.CircuitBreaker
	log     *zap.Logger
}

// New creates a DexScreener client.
func New(cfg Config, log *zap.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	log = logger.OrNop(log).Named("dexscreener")
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		cache:   upstream.NewCache[domain.TokenMetadata](cfg.CacheTTL),
		breaker: upstream.NewBreaker(providerName, log),
		log:     log,
	}
}

type pairsResponse struct {
	Pairs []pair `json:"pairs"`
}

type pair struct {
	ChainID   string `json:"chainId"`
	DexID     string `json:"dexId"`
	BaseToken struct {
		Address string `json:"address"`
		Name    string `json:"name"`
		Symbol  string `json:"symbol"`
	} `json:"baseToken"`
	PriceUSD    string             `json:"priceUsd"`
	PriceChange map[string]float64 `json:"priceChange"`
	Volume      map[string]float64 `json:"volume"`
	Liquidity   struct {
		USD float64 `json:"usd"`
	} `json:"liquidity"`
	FDV       *float64 `json:"fdv"`
	MarketCap *float64 `json:"marketCap"`
	Info      *struct {
		ImageURL string `json:"imageUrl"`
	} `json:"info"`
}

func (p *pair) priceUSD() float64 {
	v, err := strconv.ParseFloat(p.PriceUSD, 64)
	if err != nil {
		return 0
	}
	return v
}

// bestPair picks the Solana pair with the highest USD liquidity and a usable price.
func bestPair(pairs []pair) (*pair, bool) {
	var best *pair
	for i := range pairs {
		p := &pairs[i]
		if p.ChainID != "" && p.ChainID != chainSolana {
			continue
		}
		if p.priceUSD() <= 0 {
			continue
		}
		if best == nil || p.Liquidity.USD > best.Liquidity.USD {
			best = p
		}
	}
	return best, best != nil
}

func (c *Client) pairs(ctx context.Context, addr string) (*pair, error) {
	return upstream.Guard(c.breaker, providerName, func() (*pair, error) {
		start := time.Now()
		p, err := c.fetchPairs(ctx, addr)
		outcome := "ok"
		if err != nil {
			outcome = string(upstream.KindOf(err))
		}
		observability.RecordUpstream(providerName, "tokens", outcome, time.Since(start))
		return p, err
	})
}

func (c *Client) fetchPairs(ctx context.Context, addr string) (*pair, error) {
	endpoint := fmt.Sprintf("%s/latest/dex/tokens/%s", c.cfg.BaseURL, url.PathEscape(addr))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, upstream.Transient(providerName, fmt.Errorf("http request: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, upstream.Transient(providerName, fmt.Errorf("read body: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, upstream.NewError(providerName, resp.StatusCode, 0, strings.TrimSpace(string(body)))
	}

	var out pairsResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, upstream.Transient(providerName, fmt.Errorf("decode response: %w", err))
	}
	best, ok := bestPair(out.Pairs)
	if !ok {
		return nil, &upstream.Error{Provider: providerName, Kind: upstream.KindNotFound, Message: "no priced solana pair"}
	}
	return best, nil
}

// GetTokenMetadata returns the base token name and symbol of the most liquid pair.
// A rejected request yields fallback metadata.
func (c *Client) GetTokenMetadata(ctx context.Context, addr string) (*domain.TokenMetadata, error) {
	if err := upstream.ValidateAddress(providerName, addr, c.cfg.MinAddressLength, c.cfg.MaxAddressLength); err != nil {
		return nil, err
	}
	if meta, ok := c.cache.Get(addr); ok {
		observability.RecordCacheHit()
		return &meta, nil
	}

	p, err := c.pairs(ctx, addr)
	if err != nil {
		if upstream.KindOf(err) == upstream.KindAuthFailure {
			c.log.Warn("metadata request rejected, using fallback", zap.String("mint", addr), zap.Error(err))
			observability.RecordFallback(providerName, string(upstream.KindAuthFailure))
			fb := upstream.FallbackMetadata(addr)
			return &fb, nil
		}
		return nil, err
	}

	meta := domain.TokenMetadata{
		Name:     p.BaseToken.Name,
		Symbol:   p.BaseToken.Symbol,
		Image:    upstream.PlaceholderImage,
		Decimals: 9, // not exposed by the API
	}
	if p.Info != nil && p.Info.ImageURL != "" {
		meta.Image = p.Info.ImageURL
	}
	c.cache.Put(addr, meta)
	return &meta, nil
}

// GetTokenPrice returns the USD price and 24h figures of the most liquid pair.
// A rejected request yields the fallback price.
func (c *Client) GetTokenPrice(ctx context.Context, addr string) (*domain.TokenPrice, error) {
	if err := upstream.ValidateAddress(providerName, addr, c.cfg.MinAddressLength, c.cfg.MaxAddressLength); err != nil {
		return nil, err
	}

	p, err := c.pairs(ctx, addr)
	if err != nil {
		if upstream.IsAuthFailure(err) {
			kind := upstream.KindOf(err)
			c.log.Warn("price request rejected, using fallback", zap.String("mint", addr), zap.String("kind", string(kind)))
			observability.RecordFallback(providerName, string(kind))
			fb := upstream.FallbackPrice()
			return &fb, nil
		}
		return nil, err
	}

	price := &domain.TokenPrice{
		Price:     p.priceUSD(),
		Currency:  "USD",
		UpdatedAt: time.Now(),
	}
	if v, ok := p.PriceChange["h24"]; ok {
		price.PriceChange24h = domain.Float(v)
	}
	if v, ok := p.Volume["h24"]; ok {
		price.Volume24h = domain.Float(v)
	}
	switch {
	case p.MarketCap != nil:
		price.MarketCap = domain.Float(*p.MarketCap)
	case p.FDV != nil:
		price.MarketCap = domain.Float(*p.FDV)
	}
	return price, nil
}

var (
	_ upstream.MetadataProvider = (*Client)(nil)
	_ upstream.PriceProvider    = (*Client)(nil)
)
