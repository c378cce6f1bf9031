package onchain

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"solana-token-tracker/internal/domain"
	"solana-token-tracker/internal/solana"
	"solana-token-tracker/internal/solana/stub"
	"solana-token-tracker/internal/upstream"
)

const usdcMint = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"

func mintData(decimals byte) string {
	buf := make([]byte, 82)
	buf[44] = decimals
	buf[45] = 1
	return base64.StdEncoding.EncodeToString(buf)
}

func borsh(s string, width int) []byte {
	out := make([]byte, 4+width)
	binary.LittleEndian.PutUint32(out, uint32(width))
	copy(out[4:], s)
	return out
}

func metaplexData(name, symbol string) string {
	buf := make([]byte, 65)
	buf[0] = 4
	buf = append(buf, borsh(name, 32)...)
	buf = append(buf, borsh(symbol, 10)...)
	buf = append(buf, borsh("https://example.invalid/meta.json", 40)...)
	return base64.StdEncoding.EncodeToString(buf)
}

func pdaFor(t *testing.T, mint string) string {
	t.Helper()
	mintBytes, err := upstream.DecodeMint(mint)
	require.NoError(t, err)
	pda := metadataPDA(mintBytes)
	require.NotEmpty(t, pda)
	return pda
}

func TestGetTokenMetadata_MintAndMetaplex(t *testing.T) {
	rpc := stub.NewRPCClient()
	rpc.AddAccount(usdcMint, &solana.AccountInfo{Data: mintData(6)})
	rpc.AddAccount(pdaFor(t, usdcMint), &solana.AccountInfo{Data: metaplexData("USD Coin", "USDC")})

	src := NewMetadataSource(rpc, nil, nil)
	meta, err := src.GetTokenMetadata(context.Background(), usdcMint)
	require.NoError(t, err)

	assert.Equal(t, "USD Coin", meta.Name)
	assert.Equal(t, "USDC", meta.Symbol)
	assert.Equal(t, 6, meta.Decimals)
	assert.Equal(t, upstream.PlaceholderImage, meta.Image)
	assert.False(t, meta.IsFallback)
}

func TestGetTokenMetadata_NoMetaplexAccount(t *testing.T) {
	rpc := stub.NewRPCClient()
	rpc.AddAccount(usdcMint, &solana.AccountInfo{Data: mintData(9)})

	meta, err := NewMetadataSource(rpc, nil, nil).GetTokenMetadata(context.Background(), usdcMint)
	require.NoError(t, err)
	assert.Equal(t, "Token EPjFWd...Dt1v", meta.Name)
	assert.Equal(t, 9, meta.Decimals)
}

func TestGetTokenMetadata_MintMissing(t *testing.T) {
	rpc := stub.NewRPCClient()

	_, err := NewMetadataSource(rpc, nil, nil).GetTokenMetadata(context.Background(), usdcMint)
	require.Error(t, err)
	assert.Equal(t, upstream.KindNotFound, upstream.KindOf(err))
}

func TestGetTokenMetadata_NotAMint(t *testing.T) {
	rpc := stub.NewRPCClient()
	rpc.AddAccount(usdcMint, &solana.AccountInfo{Data: base64.StdEncoding.EncodeToString([]byte{1, 2, 3})})

	_, err := NewMetadataSource(rpc, nil, nil).GetTokenMetadata(context.Background(), usdcMint)
	assert.Equal(t, upstream.KindInvalidInput, upstream.KindOf(err))
}

func TestGetTokenMetadata_InvalidAddressSkipsRPC(t *testing.T) {
	rpc := stub.NewRPCClient()

	_, err := NewMetadataSource(rpc, nil, nil).GetTokenMetadata(context.Background(), "not-base58-0OIl")
	assert.Equal(t, upstream.KindInvalidInput, upstream.KindOf(err))
	assert.Equal(t, 0, rpc.CallCount())
}

func TestGetTokenMetadata_AuthFailureFallsBack(t *testing.T) {
	rpc := stub.NewRPCClient()
	rpc.Err = upstream.NewError("solana-rpc", 401, 0, "Unauthorized")

	meta, err := NewMetadataSource(rpc, nil, nil).GetTokenMetadata(context.Background(), usdcMint)
	require.NoError(t, err)
	assert.True(t, meta.IsFallback)
	assert.Equal(t, upstream.FallbackMetadata(usdcMint), *meta)
}

func TestGetTokenMetadata_TransientPropagates(t *testing.T) {
	rpc := stub.NewRPCClient()
	rpc.Err = upstream.NewError("solana-rpc", 503, 0, "unavailable")

	_, err := NewMetadataSource(rpc, nil, nil).GetTokenMetadata(context.Background(), usdcMint)
	assert.Equal(t, upstream.KindTransient, upstream.KindOf(err))
}

func TestGetTokenMetadata_Cached(t *testing.T) {
	rpc := stub.NewRPCClient()
	rpc.AddAccount(usdcMint, &solana.AccountInfo{Data: mintData(6)})

	src := NewMetadataSource(rpc, upstream.NewCache[domain.TokenMetadata](time.Minute), nil)
	_, err := src.GetTokenMetadata(context.Background(), usdcMint)
	require.NoError(t, err)
	calls := rpc.CallCount()

	_, err = src.GetTokenMetadata(context.Background(), usdcMint)
	require.NoError(t, err)
	assert.Equal(t, calls, rpc.CallCount())
}

func TestReadBorshString_Bounds(t *testing.T) {
	buf := borsh("abc", 3)
	off := 0
	s, ok := readBorshString(buf, &off, 10)
	require.True(t, ok)
	assert.Equal(t, "abc", s)

	off = 0
	_, ok = readBorshString(buf, &off, 2)
	assert.False(t, ok)

	off = 5
	_, ok = readBorshString(buf, &off, 10)
	assert.False(t, ok)
}
