// Package paymaster is the co-signing engine for ERC-4337 sponsored user
// operations. Given a decoded request it decides whether the sponsor
// authorizes the operation, prices it when the user pays in an ERC-20,
// and produces the signed paymaster payload the entry-point contract
// verifies on-chain.
//
// The engine is transport-agnostic: the rpc package adapts it to the
// JSON-RPC surface, and persistence, spend accounting and key storage
// arrive through the interfaces in interfaces.go.
package paymaster

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"

	"github.com/sponsorlab/paymaster/chains"
	"github.com/sponsorlab/paymaster/errs"
	"github.com/sponsorlab/paymaster/fees"
	"github.com/sponsorlab/paymaster/oracle"
	"github.com/sponsorlab/paymaster/policy"
	"github.com/sponsorlab/paymaster/signer"
	"github.com/sponsorlab/paymaster/userop"
	"github.com/sponsorlab/paymaster/whitelist"
)

const (
	// DefaultWindowLifetime is how far into the future validUntil is set
	// when the request does not pin its own window.
	DefaultWindowLifetime = 10 * time.Minute
	// DefaultWindowBackdate moves validAfter slightly into the past to
	// absorb clock skew between this service and block producers.
	DefaultWindowBackdate = 60 * time.Second

	// DefaultMarkupBps is the fee markup applied in token modes.
	DefaultMarkupBps = 1000
)

var (
	// defaultPaymasterVerificationGas bounds the paymaster validation
	// call in the v0.7/v0.8 split fields when the operation does not
	// carry its own limit.
	defaultPaymasterVerificationGas = big.NewInt(200_000)
	// defaultPaymasterPostOpGas must cover the refund path
	// (fees.DefaultRefundPostOpCost) with headroom.
	defaultPaymasterPostOpGas = big.NewInt(60_000)
)

// Config assembles an Engine.
type Config struct {
	Chains     *chains.Registry
	Policies   PolicyStore
	Whitelists WhitelistStore
	Ledger     SpendLedger
	Keys       signer.KeyStore

	// Callers provide read access to each chain, used for oracle reads.
	// *ethclient.Client satisfies oracle.ContractCaller.
	Callers map[uint64]oracle.ContractCaller

	// Estimator is optional; without it the operation's own gas fields
	// are used unmodified.
	Estimator GasEstimator

	// CoinGecko is the native-price fallback; nil disables the fallback.
	CoinGecko *oracle.CoinGecko

	// MarkupBps and RefundPostOpCost tune the fee formula; zero values
	// select the defaults.
	MarkupBps        int64
	RefundPostOpCost int64

	WindowLifetime time.Duration
	WindowBackdate time.Duration
}

// Engine composes the gates, caches and signing into the per-request
// pipeline. It is safe for concurrent use; the price caches are its only
// shared mutable state.
type Engine struct {
	chains     *chains.Registry
	policies   PolicyStore
	whitelists WhitelistStore
	ledger     SpendLedger
	keys       signer.KeyStore
	estimator  GasEstimator
	callers    map[uint64]oracle.ContractCaller
	coingecko  *oracle.CoinGecko

	native *PriceCache
	tokens *PriceCache

	markupBps        int64
	refundPostOpCost int64
	windowLifetime   time.Duration
	windowBackdate   time.Duration
	now              func() time.Time
}

// New constructs an Engine and its caches.
func New(cfg Config) *Engine {
	e := &Engine{
		chains:           cfg.Chains,
		policies:         cfg.Policies,
		whitelists:       cfg.Whitelists,
		ledger:           cfg.Ledger,
		keys:             cfg.Keys,
		estimator:        cfg.Estimator,
		callers:          cfg.Callers,
		coingecko:        cfg.CoinGecko,
		markupBps:        cfg.MarkupBps,
		refundPostOpCost: cfg.RefundPostOpCost,
		windowLifetime:   cfg.WindowLifetime,
		windowBackdate:   cfg.WindowBackdate,
		now:              time.Now,
	}
	if e.markupBps == 0 {
		e.markupBps = DefaultMarkupBps
	}
	if e.refundPostOpCost == 0 {
		e.refundPostOpCost = fees.DefaultRefundPostOpCost
	}
	if e.windowLifetime == 0 {
		e.windowLifetime = DefaultWindowLifetime
	}
	if e.windowBackdate == 0 {
		e.windowBackdate = DefaultWindowBackdate
	}

	ttlByChain := make(map[uint64]time.Duration)
	for id, c := range cfg.Chains.All() {
		if c.StalenessBound > 0 {
			ttlByChain[id] = time.Duration(c.StalenessBound) * time.Second
		}
	}
	cacheCfg := PriceCacheConfig{TTL: time.Hour, TTLByChain: ttlByChain}
	e.native = NewPriceCache(cacheCfg, e.fetchNativePrice)
	e.tokens = NewPriceCache(cacheCfg, e.fetchTokenPrice)
	return e
}

// SponsorUserOperation runs the full pipeline: mode gates, pricing for
// token modes, gas estimation, payload build and co-signing. Failures
// short-circuit with a typed error and never yield a partial payload.
func (e *Engine) SponsorUserOperation(ctx context.Context, req *SponsorRequest) (*SponsorResponse, error) {
	cfg, ok := e.chains.Lookup(req.ChainID)
	if !ok {
		return nil, errs.Newf(errs.KindUnsupportedNetwork, "chain %d is not configured", req.ChainID).
			WithDetail("chainId", req.ChainID)
	}
	entryPoint, ok := cfg.EntryPoint(req.Version.String())
	if !ok {
		return nil, errs.Newf(errs.KindUnsupportedEntryPoint, "no %s entry point on chain %d", req.Version, req.ChainID)
	}
	if (req.EntryPoint != common.Address{}) && req.EntryPoint != entryPoint {
		return nil, errs.Newf(errs.KindUnsupportedEntryPoint, "entry point %s is not the %s deployment on chain %d",
			req.EntryPoint.Hex(), req.Version, req.ChainID)
	}

	op, err := e.normalizeOp(req)
	if err != nil {
		return nil, err
	}

	// Gates run to completion before any oracle fetch, bundler call or
	// signing: rejecting early avoids external load and keeps price data
	// out of error paths.
	tokenCfg, err := e.runGates(ctx, cfg, req, op)
	if err != nil {
		return nil, err
	}

	var binding *userop.TokenBinding
	if req.Mode.tokenDenominated() {
		quote, err := e.tokens.GetPrice(ctx, req.ChainID, *req.Token)
		if err != nil {
			return nil, err
		}
		amount, err := fees.TokenAmount(op, quote, tokenCfg.Decimals, e.markupBps, e.refundPostOpCost)
		if err != nil {
			return nil, errs.Wrap(errs.KindUnsupportedTokenDecimals, err, "token fee computation failed").
				WithDetail("token", req.Token.Hex())
		}
		log.Debugf("chain %d %s fee: %s %s", req.ChainID, req.Mode, amount, tokenCfg.Symbol)
		binding = &userop.TokenBinding{Token: *req.Token, Oracle: tokenCfg.Oracle}
	}

	if err := e.estimateGas(ctx, req, entryPoint, op); err != nil {
		return nil, err
	}

	// The split formats sign over the paymaster gas limits, so any
	// default must land on the op before hashing; the response then
	// echoes exactly what was signed.
	if req.Version == userop.V07 || req.Version == userop.V08 {
		if op.PaymasterVerificationGasLimit.Sign() == 0 {
			op.PaymasterVerificationGasLimit = defaultPaymasterVerificationGas
		}
		if op.PaymasterPostOpGasLimit.Sign() == 0 {
			op.PaymasterPostOpGasLimit = defaultPaymasterPostOpGas
		}
	}

	validUntil, validAfter := e.window(req)

	paymasterAddr := cfg.SponsorPaymaster
	if req.Mode == ModeMultiToken {
		paymasterAddr = tokenCfg.Paymaster
	}

	hash, err := userop.AuthHash(op, cfg.ChainID, paymasterAddr, validUntil, validAfter, binding)
	if err != nil {
		return nil, errs.Wrap(errs.KindInvalidUserOperation, err, "authorization hash")
	}

	handle, err := e.keys.SignerFor(ctx, req.WalletAddress)
	if err != nil {
		return nil, err
	}
	// A cancelled request must not proceed into signing; a half-finished
	// signature is discarded, never retried or cached.
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	sig, err := handle.SignMessage(ctx, hash.Bytes())
	if err != nil {
		return nil, err
	}

	resp, err := e.buildResponse(req, op, paymasterAddr, validUntil, validAfter, sig)
	if err != nil {
		return nil, err
	}
	log.Tracef("signed %s %s op for sender %s on chain %d", req.Mode, req.Version, op.Sender.Hex(), req.ChainID)
	return resp, nil
}

// TokenQuotes prices an operation in each requested token without
// producing a signature. Tokens outside the chain's multi-token paymaster
// map are rejected before any oracle call.
func (e *Engine) TokenQuotes(ctx context.Context, req *QuoteRequest) ([]TokenQuote, error) {
	cfg, ok := e.chains.Lookup(req.ChainID)
	if !ok {
		return nil, errs.Newf(errs.KindUnsupportedNetwork, "chain %d is not configured", req.ChainID).
			WithDetail("chainId", req.ChainID)
	}

	op, err := e.normalizeOp(&SponsorRequest{
		ChainID: req.ChainID, Version: req.Version, OpV06: req.OpV06, OpV07: req.OpV07,
	})
	if err != nil {
		return nil, err
	}

	tokens := req.Tokens
	if len(tokens) == 0 {
		for addr := range cfg.MultiToken {
			tokens = append(tokens, addr)
		}
	}

	quotes := make([]TokenQuote, 0, len(tokens))
	for _, token := range tokens {
		tc, ok := cfg.Token(token)
		if !ok {
			return nil, errs.Newf(errs.KindUnsupportedNetworkToken, "token %s has no paymaster on chain %d",
				token.Hex(), req.ChainID).
				WithDetail("token", token.Hex()).
				WithDetail("chainId", req.ChainID)
		}
		quote, err := e.tokens.GetPrice(ctx, req.ChainID, token)
		if err != nil {
			return nil, err
		}
		amount, err := fees.TokenAmount(op, quote, tc.Decimals, e.markupBps, e.refundPostOpCost)
		if err != nil {
			return nil, errs.Wrap(errs.KindUnsupportedTokenDecimals, err, "token fee computation failed").
				WithDetail("token", token.Hex())
		}
		quotes = append(quotes, TokenQuote{
			Token:  token,
			Symbol: tc.Symbol,
			Amount: (*hexutil.Big)(amount),
		})
	}
	return quotes, nil
}

// Snapshot exposes the cache contents for the diagnostic surface.
func (e *Engine) Snapshot() CacheSnapshot {
	metadata := make(map[string]TokenMetadataEntry)
	for id, cfg := range e.chains.All() {
		for token, tc := range cfg.MultiToken {
			metadata[priceKey(id, token)] = TokenMetadataEntry{
				Symbol:    tc.Symbol,
				Decimals:  tc.Decimals,
				Paymaster: tc.Paymaster,
				Oracle:    tc.Oracle,
			}
		}
	}
	return CacheSnapshot{
		NativePrices: e.native.Snapshot(),
		TokenPrices:  e.tokens.Snapshot(),
		Metadata:     metadata,
	}
}

// NativePrice resolves the chain's gas-asset price through the native
// cache, falling back to the off-chain aggregator when the on-chain feed
// is unusable.
func (e *Engine) NativePrice(ctx context.Context, chainID uint64) (oracle.Quote, error) {
	return e.native.GetPrice(ctx, chainID, common.Address{})
}

func (e *Engine) normalizeOp(req *SponsorRequest) (*userop.Normalized, error) {
	var (
		op  *userop.Normalized
		err error
	)
	switch req.Version {
	case userop.V06:
		if req.OpV06 == nil {
			err = fmt.Errorf("v0.6 request without a v0.6 operation")
		} else {
			op, err = userop.NormalizeV06(req.OpV06)
		}
	case userop.V07, userop.V08:
		if req.OpV07 == nil {
			err = fmt.Errorf("%s request without a split-field operation", req.Version)
		} else {
			op, err = userop.NormalizeV07(req.OpV07, req.Version)
		}
	default:
		err = fmt.Errorf("unknown entry point version")
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindInvalidUserOperation, err, "invalid user operation").
			WithDetail("epVersion", req.Version.String())
	}
	return op, nil
}

// runGates dispatches the mode's authorization path. For token modes it
// also resolves the token's paymaster configuration, which the pricing
// and payload stages reuse.
func (e *Engine) runGates(ctx context.Context, cfg chains.Config, req *SponsorRequest, op *userop.Normalized) (chains.TokenConfig, error) {
	var tokenCfg chains.TokenConfig

	switch req.Mode {
	case ModeSponsor:
		if err := e.gateSponsorship(ctx, req, op); err != nil {
			return tokenCfg, err
		}

	case ModeVerifyingPolicy:
		if err := e.gateWhitelist(ctx, req, op); err != nil {
			return tokenCfg, err
		}

	case ModeMultiToken, ModeCommonERC20:
		if req.Token == nil {
			return tokenCfg, errs.New(errs.KindInvalidRequest, "token mode without a token")
		}
		tc, ok := cfg.Token(*req.Token)
		if !ok {
			return tokenCfg, errs.Newf(errs.KindUnsupportedNetworkToken, "token %s has no paymaster on chain %d",
				req.Token.Hex(), req.ChainID).
				WithDetail("token", req.Token.Hex()).
				WithDetail("chainId", req.ChainID)
		}
		tokenCfg = tc
		if err := e.gateContracts(ctx, req, op); err != nil {
			return tokenCfg, err
		}

	default:
		return tokenCfg, errs.Newf(errs.KindInvalidRequest, "unrecognized mode %d", int(req.Mode))
	}
	return tokenCfg, nil
}

// gateSponsorship enforces the sponsorship policy and its spend ceilings.
func (e *Engine) gateSponsorship(ctx context.Context, req *SponsorRequest, op *userop.Normalized) error {
	pol, err := e.policies.PolicyForWallet(ctx, req.WalletAddress)
	if err != nil {
		return errs.Wrap(errs.KindPolicyNotApplicable, err, "policy lookup failed").
			WithDetail("wallet", req.WalletAddress.Hex())
	}
	if err := policy.Evaluate(pol, req.ChainID, req.Version, e.now()); err != nil {
		log.Debugf("policy gate rejected sender %s on chain %d: %v", op.Sender.Hex(), req.ChainID, err)
		return err
	}
	totals, err := e.ledger.Totals(ctx, pol.ID, op.Sender)
	if err != nil {
		return errs.Wrap(errs.KindQuotaExceeded, err, "spend ledger unavailable").
			WithDetail("policyId", pol.ID.String())
	}
	return policy.CheckLimits(pol, totals)
}

// gateWhitelist enforces sender whitelisting for VerifyingPolicy mode,
// unioning the global record with the policy-scoped one when the sponsor
// has a policy configured.
func (e *Engine) gateWhitelist(ctx context.Context, req *SponsorRequest, op *userop.Normalized) error {
	var policyID *uuid.UUID
	pol, err := e.policies.PolicyForWallet(ctx, req.WalletAddress)
	if err != nil {
		// An unavailable store is not the same as no policy configured;
		// authorizing against global records alone here would widen scope.
		return errs.Wrap(errs.KindPolicyNotApplicable, err, "policy lookup failed").
			WithDetail("wallet", req.WalletAddress.Hex())
	}
	if pol != nil {
		if err := policy.Evaluate(pol, req.ChainID, req.Version, e.now()); err != nil {
			return err
		}
		policyID = &pol.ID
	}

	records, err := e.whitelists.SenderRecords(ctx, req.APIKey)
	if err != nil {
		return errs.Wrap(errs.KindNotWhitelisted, err, "whitelist lookup failed")
	}
	return whitelist.CheckSender(records, req.APIKey, policyID, req.Version, op.Sender)
}

// gateContracts enforces per-contract, per-function allowances over the
// decoded call batch. Sponsors without contract records leave token modes
// unrestricted; once any record exists for the chain and wallet, every
// sub-call must match one.
func (e *Engine) gateContracts(ctx context.Context, req *SponsorRequest, op *userop.Normalized) error {
	records, err := e.whitelists.ContractRecords(ctx, req.ChainID, req.WalletAddress)
	if err != nil {
		return errs.Wrap(errs.KindContractNotWhitelisted, err, "contract whitelist lookup failed")
	}
	if len(records) == 0 {
		return nil
	}
	return whitelist.CheckCalls(op.CallData, req.ChainID, req.WalletAddress, records)
}

// estimateGas fills the gas envelope from the bundler when an estimator
// is wired, mutating the normalized op so the estimates are covered by
// the authorization hash and echoed in the response.
func (e *Engine) estimateGas(ctx context.Context, req *SponsorRequest, entryPoint common.Address, op *userop.Normalized) error {
	if e.estimator == nil {
		return nil
	}
	var wireOp interface{}
	if req.OpV06 != nil {
		wireOp = req.OpV06
	} else {
		wireOp = req.OpV07
	}
	est, err := e.estimator.EstimateGas(ctx, req.ChainID, req.Version.String(), wireOp, entryPoint)
	if err != nil {
		return errs.Wrap(errs.KindInvalidUserOperation, err, "bundler gas estimation failed").
			WithDetail("chainId", req.ChainID)
	}
	if est == nil {
		return nil
	}
	if est.PreVerificationGas != nil {
		op.PreVerificationGas = est.PreVerificationGas
	}
	if est.VerificationGasLimit != nil {
		op.VerificationGasLimit = est.VerificationGasLimit
	}
	if est.CallGasLimit != nil {
		op.CallGasLimit = est.CallGasLimit
	}
	return nil
}

// window resolves the validity window: request-pinned bounds win,
// otherwise now ± the configured offsets. Wall-clock seconds, not block
// time.
func (e *Engine) window(req *SponsorRequest) (validUntil, validAfter uint64) {
	now := e.now()
	validUntil = req.ValidUntil
	validAfter = req.ValidAfter
	if validUntil == 0 {
		validUntil = uint64(now.Add(e.windowLifetime).Unix())
	}
	if validAfter == 0 {
		validAfter = uint64(now.Add(-e.windowBackdate).Unix())
	}
	return validUntil, validAfter
}

// buildResponse assembles the per-version output contract.
func (e *Engine) buildResponse(req *SponsorRequest, op *userop.Normalized, paymasterAddr common.Address, validUntil, validAfter uint64, sig []byte) (*SponsorResponse, error) {
	switch req.Version {
	case userop.V06:
		pmd, err := userop.PackPaymasterAndData(paymasterAddr, validUntil, validAfter, sig)
		if err != nil {
			return nil, errs.Wrap(errs.KindSigningFailure, err, "pack paymasterAndData")
		}
		return &SponsorResponse{
			PaymasterAndData:     pmd,
			VerificationGasLimit: (*hexutil.Big)(op.VerificationGasLimit),
			PreVerificationGas:   (*hexutil.Big)(op.PreVerificationGas),
			CallGasLimit:         (*hexutil.Big)(op.CallGasLimit),
		}, nil

	case userop.V07, userop.V08:
		pmData, err := userop.PackPaymasterData(validUntil, validAfter, sig)
		if err != nil {
			return nil, errs.Wrap(errs.KindSigningFailure, err, "pack paymasterData")
		}
		pm := paymasterAddr
		return &SponsorResponse{
			Paymaster:                     &pm,
			PaymasterVerificationGasLimit: (*hexutil.Big)(op.PaymasterVerificationGasLimit),
			PaymasterPostOpGasLimit:       (*hexutil.Big)(op.PaymasterPostOpGasLimit),
			PaymasterData:                 pmData,
		}, nil
	}
	return nil, errs.Newf(errs.KindInvalidUserOperation, "unknown entry point version")
}

// fetchTokenPrice is the token cache's read-through fetcher: it selects
// the chain's oracle backend and reads the token's feed.
func (e *Engine) fetchTokenPrice(ctx context.Context, chainID uint64, token common.Address) (oracle.Quote, error) {
	cfg, ok := e.chains.Lookup(chainID)
	if !ok {
		return oracle.Quote{}, fmt.Errorf("chain %d is not configured", chainID)
	}
	tc, ok := cfg.Token(token)
	if !ok {
		return oracle.Quote{}, fmt.Errorf("token %s has no oracle on chain %d", token.Hex(), chainID)
	}
	caller, ok := e.callers[chainID]
	if !ok {
		return oracle.Quote{}, fmt.Errorf("no chain client for chain %d", chainID)
	}
	bound := time.Duration(cfg.StalenessBound) * time.Second

	var backend oracle.Backend
	switch cfg.OracleKind {
	case chains.OracleChainlink:
		backend = oracle.NewChainlink(caller, bound)
	case chains.OracleEtherspotChainlink:
		backend = oracle.NewEtherspotChainlink(caller, bound)
	case chains.OracleOrochi:
		backend = oracle.NewOrochi(caller, tc.Symbol)
	default:
		return oracle.Quote{}, fmt.Errorf("chain %d has unknown oracle kind %q", chainID, cfg.OracleKind)
	}
	return backend.LatestPrice(ctx, tc.Oracle)
}

// fetchNativePrice reads the chain's native feed, with the off-chain
// aggregator as a non-fee-critical fallback.
func (e *Engine) fetchNativePrice(ctx context.Context, chainID uint64, _ common.Address) (oracle.Quote, error) {
	cfg, ok := e.chains.Lookup(chainID)
	if !ok {
		return oracle.Quote{}, fmt.Errorf("chain %d is not configured", chainID)
	}
	if caller, ok := e.callers[chainID]; ok && (cfg.NativeOracle != common.Address{}) {
		bound := time.Duration(cfg.StalenessBound) * time.Second
		quote, err := oracle.NewChainlink(caller, bound).LatestPrice(ctx, cfg.NativeOracle)
		if err == nil {
			return quote, nil
		}
		log.Debugf("native feed read failed on chain %d, trying aggregator: %v", chainID, err)
	}
	if e.coingecko != nil && cfg.CoinGeckoID != "" {
		return e.coingecko.NativePrice(ctx, cfg.CoinGeckoID)
	}
	return oracle.Quote{}, fmt.Errorf("no native price source for chain %d", chainID)
}
