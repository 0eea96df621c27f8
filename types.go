package paymaster

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/sponsorlab/paymaster/oracle"
	"github.com/sponsorlab/paymaster/userop"
)

// Mode selects the authorization and payload-construction path for a
// request. It is the central dispatch point; every switch over Mode has an
// explicit rejection arm for values outside the enum.
type Mode int

const (
	// ModeSponsor pays from the sponsor's deposit, gated by a
	// sponsorship policy.
	ModeSponsor Mode = iota
	// ModeVerifyingPolicy ("vps") pays from the sponsor's deposit, gated
	// by sender whitelists.
	ModeVerifyingPolicy
	// ModeMultiToken charges the user in an ERC-20 priced by the chain's
	// configured oracle, via a per-token paymaster deployment.
	ModeMultiToken
	// ModeCommonERC20 charges the user in an ERC-20 through the
	// sponsor-global paymaster.
	ModeCommonERC20
)

// ParseMode maps the wire mode string to its enum value. An explicit
// useVp flag forces VerifyingPolicy over Sponsor. Unrecognized strings
// are a hard rejection, never a default.
func ParseMode(s string, useVp bool) (Mode, error) {
	switch strings.ToLower(s) {
	case "sponsor":
		if useVp {
			return ModeVerifyingPolicy, nil
		}
		return ModeSponsor, nil
	case "vps":
		return ModeVerifyingPolicy, nil
	case "multitoken":
		return ModeMultiToken, nil
	case "commonerc20":
		return ModeCommonERC20, nil
	}
	return 0, fmt.Errorf("unrecognized paymaster mode %q", s)
}

func (m Mode) String() string {
	switch m {
	case ModeSponsor:
		return "sponsor"
	case ModeVerifyingPolicy:
		return "vps"
	case ModeMultiToken:
		return "multitoken"
	case ModeCommonERC20:
		return "commonerc20"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// tokenDenominated reports whether the mode charges the user in an ERC-20
// and therefore needs a price quote before building the payload.
func (m Mode) tokenDenominated() bool {
	return m == ModeMultiToken || m == ModeCommonERC20
}

// SponsorRequest is one decoded co-signing request. Exactly one of OpV06
// and OpV07 is set, matching Version.
type SponsorRequest struct {
	ChainID    uint64
	Version    userop.Version
	EntryPoint common.Address
	Mode       Mode

	OpV06 *userop.UserOperationV06
	OpV07 *userop.UserOperationV07

	// APIKey scopes whitelist lookups; WalletAddress is the sponsor
	// identity whose policy, paymaster deployments and signing key apply.
	APIKey        string
	WalletAddress common.Address

	// Token is required for token-denominated modes.
	Token *common.Address

	// ValidUntil and ValidAfter override the default validity window when
	// non-zero. Wall-clock seconds.
	ValidUntil uint64
	ValidAfter uint64
}

// SponsorResponse is the per-version output contract. The v0.6 fields and
// the v0.7/v0.8 fields are mutually exclusive.
type SponsorResponse struct {
	// v0.6: the monolithic field plus the gas estimates echoed back.
	PaymasterAndData     hexutil.Bytes `json:"paymasterAndData,omitempty"`
	VerificationGasLimit *hexutil.Big  `json:"verificationGasLimit,omitempty"`
	PreVerificationGas   *hexutil.Big  `json:"preVerificationGas,omitempty"`
	CallGasLimit         *hexutil.Big  `json:"callGasLimit,omitempty"`

	// v0.7/v0.8: split paymaster fields.
	Paymaster                     *common.Address `json:"paymaster,omitempty"`
	PaymasterVerificationGasLimit *hexutil.Big    `json:"paymasterVerificationGasLimit,omitempty"`
	PaymasterPostOpGasLimit       *hexutil.Big    `json:"paymasterPostOpGasLimit,omitempty"`
	PaymasterData                 hexutil.Bytes   `json:"paymasterData,omitempty"`
}

// TokenQuote is one entry of the quote-only surface: the amount the
// multi-token paymaster would charge, unsigned.
type TokenQuote struct {
	Token  common.Address `json:"token"`
	Symbol string         `json:"symbol,omitempty"`
	Amount *hexutil.Big   `json:"amount"`
}

// QuoteRequest asks for token quotes without producing a signature. An
// empty Tokens slice quotes every token configured for the chain.
type QuoteRequest struct {
	ChainID uint64
	Version userop.Version
	OpV06   *userop.UserOperationV06
	OpV07   *userop.UserOperationV07
	Tokens  []common.Address
}

// GasEstimates mirrors the bundler's eth_estimateUserOperationGas result.
type GasEstimates struct {
	PreVerificationGas   *big.Int
	VerificationGasLimit *big.Int
	CallGasLimit         *big.Int
}

// CacheSnapshot is the diagnostic pass-through view of the engine's
// caches.
type CacheSnapshot struct {
	NativePrices map[string]oracle.Quote       `json:"nativePrices"`
	TokenPrices  map[string]oracle.Quote       `json:"tokenPrices"`
	Metadata     map[string]TokenMetadataEntry `json:"metadata"`
}

// TokenMetadataEntry is the static token metadata exposed alongside the
// price caches.
type TokenMetadataEntry struct {
	Symbol    string         `json:"symbol"`
	Decimals  uint8          `json:"decimals"`
	Paymaster common.Address `json:"paymaster"`
	Oracle    common.Address `json:"oracle"`
}
