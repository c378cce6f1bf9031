package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validConfig = `# tracker config
PORT=3000
ADMIN_TOKEN=super-secret-admin
HELIUS_API_KEY=abcd1234efgh5678
HELIUS_RPC_URL=https://mainnet.helius-rpc.com/?api-key=abcd1234efgh5678
HELIUS_WS_URL=wss://mainnet.helius-rpc.com/?api-key=abcd1234efgh5678
DEXSCREENER_BASE_URL=https://api.dexscreener.com
SOLANA_RPC_URL=https://api.mainnet-beta.solana.com
WS_JSONRPC_VERSION=2.0
WS_COMMITMENT=confirmed
WS_ENCODING=jsonParsed
WS_DEFAULT_REQUEST_ID=1
METADATA_METHOD=getAsset
PRICE_METHOD=getTokenPrice
SUBSCRIBE_METHOD=accountSubscribe
NOTIFICATION_METHOD=accountNotification
MIN_ADDRESS_LENGTH=32
MAX_ADDRESS_LENGTH=44
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tracker.conf")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Valid(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	require.NoError(t, err)

	assert.Equal(t, 3000, cfg.Port)
	assert.Equal(t, "getAsset", cfg.MetadataMethod)
	assert.Equal(t, "accountNotification", cfg.NotificationMethod)
	assert.Equal(t, 32, cfg.MinAddressLength)
	assert.Equal(t, 44, cfg.MaxAddressLength)
	assert.Equal(t, "2.0", cfg.WS.JSONRPCVersion)
	assert.Equal(t, 1, cfg.WS.DefaultRequestID)

	// defaults
	assert.Equal(t, 60*time.Second, cfg.PollInterval)
	assert.Equal(t, 30*time.Second, cfg.MetadataCacheTTL)
	assert.Equal(t, "/ws", cfg.WSPath)
	assert.Equal(t, "memory", cfg.StoreDriver)
	assert.Equal(t, "helius", cfg.PriceProvider)
}

func TestLoad_MissingKeysReportedTogether(t *testing.T) {
	_, err := Load(writeConfig(t, "PORT=3000\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ADMIN_TOKEN is required")
	assert.Contains(t, err.Error(), "MAX_ADDRESS_LENGTH is required")
	assert.Contains(t, err.Error(), "WS_COMMITMENT is required")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.conf"))
	assert.Error(t, err)
}

func TestLoad_InvalidValues(t *testing.T) {
	body := validConfig + "POLL_INTERVAL=soon\nSTORE_DRIVER=redis\n"
	_, err := Load(writeConfig(t, body))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "POLL_INTERVAL")
}

func TestLoad_InvalidProvider(t *testing.T) {
	_, err := Load(writeConfig(t, validConfig+"PRICE_PROVIDER=coingecko\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PRICE_PROVIDER")
}

func TestLoad_PostgresNeedsDSN(t *testing.T) {
	_, err := Load(writeConfig(t, validConfig+"STORE_DRIVER=postgres\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "POSTGRES_DSN")
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	t.Setenv("PORT", "8081")
	cfg, err := Load(writeConfig(t, validConfig))
	require.NoError(t, err)
	assert.Equal(t, 8081, cfg.Port)
}

func TestSource_TypedGetters(t *testing.T) {
	src := NewSource(map[string]string{
		"A_INT":   "7",
		"A_FLOAT": "2.5",
		"A_BOOL":  "true",
		"A_DUR":   "90",
		"BAD_INT": "x",
	})

	assert.Equal(t, 7, src.Int("A_INT"))
	assert.Equal(t, 2.5, src.Float("A_FLOAT"))
	assert.True(t, src.Bool("A_BOOL"))
	assert.Equal(t, 90*time.Second, src.Duration("A_DUR"))
	require.NoError(t, src.Err())

	src.Int("BAD_INT")
	src.String("MISSING")
	err := src.Err()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BAD_INT must be an integer")
	assert.Contains(t, err.Error(), "MISSING is required")
}

func TestRedactedSummary_HidesSecrets(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	require.NoError(t, err)

	s := cfg.RedactedSummary()
	assert.NotContains(t, s, "abcd1234efgh5678")
	assert.NotContains(t, s, "super-secret-admin")
	assert.Contains(t, s, "abcd...5678")
}
