// Package chains holds per-network configuration for the paymaster engine:
// bundler RPC endpoints, entry-point contract addresses, the sponsor's
// paymaster deployments and the oracle backend used to price tokens on
// that chain. Configuration is immutable once loaded; the engine treats a
// lookup miss as a hard, non-retried rejection.
package chains

import (
	"fmt"
	"math/big"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/goccy/go-json"
)

// OracleKind identifies the pricing backend wired for a chain's
// multi-token paymaster.
type OracleKind string

const (
	OracleChainlink          OracleKind = "chainlink"
	OracleOrochi             OracleKind = "orochi"
	OracleEtherspotChainlink OracleKind = "etherspotChainlink"
)

// TokenConfig describes one ERC-20 supported by a chain's multi-token
// paymaster: where the paymaster sits, which feed prices the token and how
// many decimals the token uses.
type TokenConfig struct {
	Paymaster common.Address `json:"paymaster"`
	Oracle    common.Address `json:"oracle"`
	Decimals  uint8          `json:"decimals"`
	Symbol    string         `json:"symbol"`
}

// Config is the per-chain configuration record. Entry-point addresses are
// keyed by wire version because deployments differ per version, not per
// chain family.
type Config struct {
	ChainID          *big.Int                       `json:"chainId"`
	Name             string                         `json:"name"`
	BundlerURL       string                         `json:"bundlerUrl"`
	EntryPoints      map[string]common.Address      `json:"entryPoints"`
	SponsorPaymaster common.Address                 `json:"sponsorPaymaster"`
	MultiToken       map[common.Address]TokenConfig `json:"multiToken"`
	OracleKind       OracleKind                     `json:"oracleKind"`
	// NativeOracle prices the chain's gas asset; used by CommonERC20 mode
	// and the native-price diagnostic cache.
	NativeOracle common.Address `json:"nativeOracle"`
	// CoinGeckoID is the aggregator identifier for the native asset,
	// consulted only as an off-chain fallback.
	CoinGeckoID string `json:"coinGeckoId"`
	// StalenessBound is the oracle-reported max age in seconds; quotes
	// older than this are refetched, never served.
	StalenessBound uint64 `json:"stalenessBound"`
}

// Registry resolves chain IDs to configuration. It is read-only after
// construction and safe for concurrent use.
type Registry struct {
	configs map[uint64]Config
}

// NewRegistry builds a registry from explicit configs, overlaid on the
// built-in defaults. An explicit config for a known chain replaces the
// default wholesale.
func NewRegistry(overrides ...Config) *Registry {
	configs := make(map[uint64]Config, len(defaultConfigs)+len(overrides))
	for id, cfg := range defaultConfigs {
		configs[id] = cfg
	}
	for _, cfg := range overrides {
		if cfg.ChainID != nil {
			configs[cfg.ChainID.Uint64()] = cfg
		}
	}
	return &Registry{configs: configs}
}

// LoadFile reads additional chain configs from a JSON document and returns
// a registry with them applied over the defaults.
func LoadFile(path string) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read chain config: %w", err)
	}
	var overrides []Config
	if err := json.Unmarshal(raw, &overrides); err != nil {
		return nil, fmt.Errorf("parse chain config: %w", err)
	}
	return NewRegistry(overrides...), nil
}

// Lookup returns the configuration for a chain ID.
func (r *Registry) Lookup(chainID uint64) (Config, bool) {
	cfg, ok := r.configs[chainID]
	return cfg, ok
}

// All returns a copy of every configured chain, keyed by chain ID.
func (r *Registry) All() map[uint64]Config {
	out := make(map[uint64]Config, len(r.configs))
	for id, cfg := range r.configs {
		out[id] = cfg
	}
	return out
}

// EntryPoint returns the entry-point contract address deployed on the
// chain for the given wire version string (e.g. "v0.6").
func (c Config) EntryPoint(version string) (common.Address, bool) {
	addr, ok := c.EntryPoints[version]
	return addr, ok
}

// Token returns the multi-token paymaster entry for an ERC-20 address.
func (c Config) Token(token common.Address) (TokenConfig, bool) {
	tc, ok := c.MultiToken[token]
	return tc, ok
}

var (
	// Canonical entry-point deployments, identical across EVM chains via
	// deterministic deployment.
	EntryPointV06 = common.HexToAddress("0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789")
	EntryPointV07 = common.HexToAddress("0x0000000071727De22E5E9d8BAf0edAc6f37da032")
	EntryPointV08 = common.HexToAddress("0x4337084D9E255Ff0702461CF8895CE9E3b5Ff108")
)

func canonicalEntryPoints() map[string]common.Address {
	return map[string]common.Address{
		"v0.6": EntryPointV06,
		"v0.7": EntryPointV07,
		"v0.8": EntryPointV08,
	}
}

// defaultConfigs seeds the registry with the networks the sponsor operates
// on out of the box. Deployments without a multi-token paymaster leave
// MultiToken empty; token-denominated modes are rejected there with
// UnsupportedNetworkToken.
var defaultConfigs = map[uint64]Config{
	1: {
		ChainID:        big.NewInt(1),
		Name:           "ethereum",
		EntryPoints:    canonicalEntryPoints(),
		OracleKind:     OracleChainlink,
		NativeOracle:   common.HexToAddress("0x5f4eC3Df9cbd43714FE2740f5E3616155c5b8419"),
		CoinGeckoID:    "ethereum",
		StalenessBound: 3600,
	},
	137: {
		ChainID:        big.NewInt(137),
		Name:           "polygon",
		EntryPoints:    canonicalEntryPoints(),
		OracleKind:     OracleChainlink,
		NativeOracle:   common.HexToAddress("0xAB594600376Ec9fD91F8e885dADF0CE036862dE0"),
		CoinGeckoID:    "matic-network",
		StalenessBound: 3600,
	},
	8453: {
		ChainID:        big.NewInt(8453),
		Name:           "base",
		EntryPoints:    canonicalEntryPoints(),
		OracleKind:     OracleEtherspotChainlink,
		NativeOracle:   common.HexToAddress("0x71041dddad3595F9CEd3DcCFBe3D1F4b0a16Bb70"),
		CoinGeckoID:    "ethereum",
		StalenessBound: 3600,
	},
	42161: {
		ChainID:        big.NewInt(42161),
		Name:           "arbitrum",
		EntryPoints:    canonicalEntryPoints(),
		OracleKind:     OracleChainlink,
		NativeOracle:   common.HexToAddress("0x639Fe6ab55C921f74e7fac1ee960C0B6293ba612"),
		CoinGeckoID:    "ethereum",
		StalenessBound: 3600,
	},
	56: {
		ChainID:        big.NewInt(56),
		Name:           "bsc",
		EntryPoints:    canonicalEntryPoints(),
		OracleKind:     OracleOrochi,
		NativeOracle:   common.HexToAddress("0x0567F2323251f0Aab15c8dFb1967E4e8A7D42aeE"),
		CoinGeckoID:    "binancecoin",
		StalenessBound: 3600,
	},
}
