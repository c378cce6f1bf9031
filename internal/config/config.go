// Package config loads the service configuration from a flat key=value file.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Config holds all runtime configuration for the service.
type Config struct {
	// Required
	Port               int
	AdminToken         string
	HeliusAPIKey       string
	HeliusRPCURL       string
	HeliusWSURL        string
	DexScreenerURL     string
	SolanaRPCURL       string
	WS                 WSProtocol
	MetadataMethod     string
	PriceMethod        string
	SubscribeMethod    string
	NotificationMethod string
	MinAddressLength   int
	MaxAddressLength   int

	// Optional (with defaults)
	PollInterval       time.Duration // default: 60s
	MetadataCacheTTL   time.Duration // default: 30s
	AlertHistory       int           // default: 100
	TransactionHistory int           // default: 200
	WSPath             string        // default: /ws
	LogLevel           string        // default: info
	LogFormat          string        // default: json
	LogFile            string
	ClientLogFile      string // default: client.log
	PriceProvider      string // helius | dexscreener
	MetadataProvider   string // helius | dexscreener | onchain
	StoreDriver        string // memory | bolt | postgres
	BoltPath           string
	PostgresDSN        string
	ClickHouseDSN      string
	TelegramBotToken   string
	TelegramChatID     string
}

// WSProtocol holds the JSON-RPC parameters used for provider WebSocket subscriptions.
type WSProtocol struct {
	JSONRPCVersion   string
	Commitment       string
	Encoding         string
	DefaultRequestID int
}

var (
	priceProviders    = []string{"helius", "dexscreener"}
	metadataProviders = []string{"helius", "dexscreener", "onchain"}
	storeDrivers      = []string{"memory", "bolt", "postgres"}
)

// Load reads path and validates every required key. All problems are reported together.
func Load(path string) (*Config, error) {
	src, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromSource(src)
}

// FromSource builds a Config from an already parsed source.
func FromSource(src *Source) (*Config, error) {
	cfg := &Config{
		Port:               src.Int("PORT"),
		AdminToken:         src.String("ADMIN_TOKEN"),
		HeliusAPIKey:       src.String("HELIUS_API_KEY"),
		HeliusRPCURL:       src.String("HELIUS_RPC_URL"),
		HeliusWSURL:        src.String("HELIUS_WS_URL"),
		DexScreenerURL:     src.String("DEXSCREENER_BASE_URL"),
		SolanaRPCURL:       src.String("SOLANA_RPC_URL"),
		MetadataMethod:     src.String("METADATA_METHOD"),
		PriceMethod:        src.String("PRICE_METHOD"),
		SubscribeMethod:    src.String("SUBSCRIBE_METHOD"),
		NotificationMethod: src.String("NOTIFICATION_METHOD"),
		MinAddressLength:   src.Int("MIN_ADDRESS_LENGTH"),
		MaxAddressLength:   src.Int("MAX_ADDRESS_LENGTH"),
		WS: WSProtocol{
			JSONRPCVersion:   src.String("WS_JSONRPC_VERSION"),
			Commitment:       src.String("WS_COMMITMENT"),
			Encoding:         src.String("WS_ENCODING"),
			DefaultRequestID: src.Int("WS_DEFAULT_REQUEST_ID"),
		},

		PollInterval:       src.OptionalDuration("POLL_INTERVAL", 60*time.Second),
		MetadataCacheTTL:   src.OptionalDuration("METADATA_CACHE_TTL", 30*time.Second),
		AlertHistory:       src.OptionalInt("ALERT_HISTORY", 100),
		TransactionHistory: src.OptionalInt("TRANSACTION_HISTORY", 200),
		WSPath:             src.OptionalString("WS_PATH", "/ws"),
		LogLevel:           strings.ToLower(src.OptionalString("LOG_LEVEL", "info")),
		LogFormat:          strings.ToLower(src.OptionalString("LOG_FORMAT", "json")),
		LogFile:            src.OptionalString("LOG_FILE", ""),
		ClientLogFile:      src.OptionalString("CLIENT_LOG_FILE", "client.log"),
		PriceProvider:      strings.ToLower(src.OptionalString("PRICE_PROVIDER", "helius")),
		MetadataProvider:   strings.ToLower(src.OptionalString("METADATA_PROVIDER", "helius")),
		StoreDriver:        strings.ToLower(src.OptionalString("STORE_DRIVER", "memory")),
		BoltPath:           src.OptionalString("BOLT_PATH", "tracker.db"),
		PostgresDSN:        src.OptionalString("POSTGRES_DSN", ""),
		ClickHouseDSN:      src.OptionalString("CLICKHOUSE_DSN", ""),
		TelegramBotToken:   src.OptionalString("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:     src.OptionalString("TELEGRAM_CHAT_ID", ""),
	}

	if err := src.Err(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var errs []string
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Sprintf("PORT must be in 1..65535, got %d", c.Port))
	}
	if c.MinAddressLength <= 0 || c.MaxAddressLength < c.MinAddressLength {
		errs = append(errs, fmt.Sprintf("address length bounds invalid: min=%d max=%d", c.MinAddressLength, c.MaxAddressLength))
	}
	if !oneOf(c.PriceProvider, priceProviders) {
		errs = append(errs, fmt.Sprintf("PRICE_PROVIDER must be one of %s, got %q", strings.Join(priceProviders, "|"), c.PriceProvider))
	}
	if !oneOf(c.MetadataProvider, metadataProviders) {
		errs = append(errs, fmt.Sprintf("METADATA_PROVIDER must be one of %s, got %q", strings.Join(metadataProviders, "|"), c.MetadataProvider))
	}
	if !oneOf(c.StoreDriver, storeDrivers) {
		errs = append(errs, fmt.Sprintf("STORE_DRIVER must be one of %s, got %q", strings.Join(storeDrivers, "|"), c.StoreDriver))
	}
	if c.StoreDriver == "postgres" && c.PostgresDSN == "" {
		errs = append(errs, "POSTGRES_DSN is required when STORE_DRIVER=postgres")
	}
	if !strings.HasPrefix(c.WSPath, "/") {
		errs = append(errs, fmt.Sprintf("WS_PATH must start with /, got %q", c.WSPath))
	}
	if (c.TelegramBotToken == "") != (c.TelegramChatID == "") {
		errs = append(errs, "TELEGRAM_BOT_TOKEN and TELEGRAM_CHAT_ID must be set together")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config validation error:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// MustLoad loads path or exits with a readable error.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "\nFATAL: %v\n\n", err)
		os.Exit(1)
	}
	return cfg
}

// RedactedSummary returns a snapshot of the config safe to log.
func (c *Config) RedactedSummary() string {
	return fmt.Sprintf(
		"config{ port=%d, admin_token=%s, helius_key=%s, helius_rpc=%s, helius_ws=%s, dexscreener=%s, solana_rpc=%s, price=%s, metadata=%s, store=%s, poll=%s, telegram=%s }",
		c.Port,
		redactToken(c.AdminToken),
		redactToken(c.HeliusAPIKey),
		redactURL(c.HeliusRPCURL),
		redactURL(c.HeliusWSURL),
		c.DexScreenerURL,
		redactURL(c.SolanaRPCURL),
		c.PriceProvider,
		c.MetadataProvider,
		c.StoreDriver,
		c.PollInterval,
		redactToken(c.TelegramBotToken),
	)
}

func oneOf(v string, allowed []string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}

func redactToken(s string) string {
	if s == "" {
		return "<empty>"
	}
	if len(s) <= 8 {
		return "****"
	}
	return s[:4] + "..." + s[len(s)-4:]
}

// redactURL hides query strings, where providers put api keys.
func redactURL(u string) string {
	if i := strings.IndexByte(u, '?'); i >= 0 {
		return u[:i] + "?<redacted>"
	}
	return u
}
