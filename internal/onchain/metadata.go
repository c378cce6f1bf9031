// Package onchain reads token metadata straight from Solana accounts:
// the SPL mint for decimals and the Metaplex metadata PDA for name and symbol.
package onchain

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"strings"

	"filippo.io/edwards25519"
	"github.com/mr-tron/base58"
	"go.uber.org/zap"

	"solana-token-tracker/internal/domain"
	"solana-token-tracker/internal/logger"
	"solana-token-tracker/internal/observability"
	"solana-token-tracker/internal/solana"
	"solana-token-tracker/internal/upstream"
)

const providerName = "solana-rpc"

// Metaplex Token Metadata program ID
const metaplexProgramID = "metaqbxxUerdq28cj1RbAWkYQm3ybzjb6a8bt518x1s"

// MetadataSource resolves token metadata through plain Solana RPC.
type MetadataSource struct {
	rpc   solana.RPCClient
	cache *upstream.Cache[domain.TokenMetadata]
	log   *zap.Logger
}

// NewMetadataSource creates an RPC-backed metadata source. cache may be nil.
func NewMetadataSource(rpc solana.RPCClient, cache *upstream.Cache[domain.TokenMetadata], log *zap.Logger) *MetadataSource {
	if cache == nil {
		cache = upstream.NewCache[domain.TokenMetadata](0)
	}
	return &MetadataSource{rpc: rpc, cache: cache, log: logger.OrNop(log).Named("onchain")}
}

// GetTokenMetadata returns metadata for mint.
// Auth failures from the RPC endpoint produce fallback metadata.
func (s *MetadataSource) GetTokenMetadata(ctx context.Context, mint string) (*domain.TokenMetadata, error) {
	if meta, ok := s.cache.Get(mint); ok {
		observability.RecordCacheHit()
		return &meta, nil
	}

	meta, err := s.fetch(ctx, mint)
	if err != nil {
		if upstream.KindOf(err) == upstream.KindAuthFailure {
			s.log.Warn("rpc rejected credentials, using fallback metadata", zap.String("mint", mint), zap.Error(err))
			observability.RecordFallback(providerName, string(upstream.KindAuthFailure))
			fb := upstream.FallbackMetadata(mint)
			return &fb, nil
		}
		return nil, err
	}

	s.cache.Put(mint, *meta)
	return meta, nil
}

func (s *MetadataSource) fetch(ctx context.Context, mint string) (*domain.TokenMetadata, error) {
	mintBytes, err := upstream.DecodeMint(mint)
	if err != nil {
		return nil, &upstream.Error{Provider: providerName, Kind: upstream.KindInvalidInput, Message: upstream.InvalidAddressMessage, Err: err}
	}

	mintInfo, err := s.rpc.GetAccountInfo(ctx, mint)
	if err != nil {
		return nil, fmt.Errorf("get mint account info: %w", err)
	}
	if mintInfo == nil {
		return nil, &upstream.Error{Provider: providerName, Kind: upstream.KindNotFound, Message: "mint account not found"}
	}

	meta := &domain.TokenMetadata{
		Image: upstream.PlaceholderImage,
	}

	decimals, err := parseMintDecimals(mintInfo.Data)
	if err != nil {
		return nil, &upstream.Error{Provider: providerName, Kind: upstream.KindInvalidInput, Message: "account is not an SPL mint", Err: err}
	}
	meta.Decimals = decimals

	// Name and symbol are optional; a mint without Metaplex metadata keeps a short address name.
	if pda := metadataPDA(mintBytes); pda != "" {
		metaInfo, err := s.rpc.GetAccountInfo(ctx, pda)
		if err != nil {
			s.log.Debug("metaplex lookup failed", zap.String("mint", mint), zap.Error(err))
		} else if metaInfo != nil {
			parseMetaplexData(metaInfo.Data, meta)
		}
	}
	if meta.Name == "" {
		meta.Name = shortName(mint)
	}
	return meta, nil
}

// parseMintDecimals reads decimals from SPL Token Mint account data.
// SPL Token Mint layout (82 bytes):
// - mintAuthority: Option<Pubkey> (36 bytes: 4 + 32)
// - supply: u64 (8 bytes)
// - decimals: u8 (1 byte)
// - isInitialized: bool (1 byte)
// - freezeAuthority: Option<Pubkey> (36 bytes: 4 + 32)
func parseMintDecimals(data string) (int, error) {
	decoded, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return 0, fmt.Errorf("decode mint data: %w", err)
	}
	if len(decoded) < 82 {
		return 0, fmt.Errorf("mint data too short: %d", len(decoded))
	}
	return int(decoded[44]), nil
}

// metadataPDA derives the Metaplex metadata PDA for a mint.
// Seeds: ["metadata", metaplex_program_id, mint]
func metadataPDA(mintBytes []byte) string {
	programBytes, err := base58.Decode(metaplexProgramID)
	if err != nil || len(programBytes) != 32 {
		return ""
	}
	return derivePDA([][]byte{[]byte("metadata"), programBytes, mintBytes}, programBytes)
}

// parseMetaplexData reads name and symbol from a Metaplex metadata account.
// Layout: key u8 (4 = MetadataV1), updateAuthority (32), mint (32), then borsh strings name, symbol, uri.
func parseMetaplexData(data string, meta *domain.TokenMetadata) {
	decoded, err := base64.StdEncoding.DecodeString(data)
	if err != nil || len(decoded) < 69 || decoded[0] != 4 {
		return
	}

	offset := 65
	name, ok := readBorshString(decoded, &offset, 100)
	if !ok {
		return
	}
	meta.Name = name

	symbol, ok := readBorshString(decoded, &offset, 20)
	if !ok {
		return
	}
	meta.Symbol = symbol
}

// readBorshString reads a u32 length-prefixed string and trims NUL padding.
func readBorshString(buf []byte, offset *int, maxLen uint32) (string, bool) {
	if *offset+4 > len(buf) {
		return "", false
	}
	n := binary.LittleEndian.Uint32(buf[*offset:])
	*offset += 4
	if n > maxLen || *offset+int(n) > len(buf) {
		return "", false
	}
	s := strings.TrimRight(string(buf[*offset:*offset+int(n)]), "\x00")
	*offset += int(n)
	return s, true
}

// derivePDA finds the first bump (255 down) whose hash is off the ed25519 curve.
func derivePDA(seeds [][]byte, programID []byte) string {
	for bump := byte(255); bump > 0; bump-- {
		data := make([]byte, 0, 128)
		for _, seed := range seeds {
			data = append(data, seed...)
		}
		data = append(data, bump)
		data = append(data, programID...)
		data = append(data, []byte("ProgramDerivedAddress")...)

		hash := sha256.Sum256(data)
		if !isOnCurve(hash[:]) {
			return base58.Encode(hash[:])
		}
	}
	return ""
}

func isOnCurve(point []byte) bool {
	if len(point) != 32 {
		return false
	}
	_, err := new(edwards25519.Point).SetBytes(point)
	return err == nil
}

func shortName(mint string) string {
	if len(mint) <= 10 {
		return mint
	}
	return "Token " + mint[:6] + "..." + mint[len(mint)-4:]
}

var _ upstream.MetadataProvider = (*MetadataSource)(nil)
