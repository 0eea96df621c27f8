package rpc

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/goccy/go-json"
	"github.com/xeipuuv/gojsonschema"

	"github.com/sponsorlab/paymaster"
	"github.com/sponsorlab/paymaster/errs"
	"github.com/sponsorlab/paymaster/userop"
)

// Request is one JSON-RPC 2.0 envelope.
type Request struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      json.RawMessage   `json:"id"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
}

// Response is the JSON-RPC 2.0 reply envelope. Exactly one of Result and
// Error is set.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is the JSON-RPC error object. Data carries the structured detail
// map from the engine's typed errors when one is available.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// userOpSchemaV06 constrains the monolithic v0.6 shape: every field is a
// quantity or data hex string and nothing may be omitted. Gas values are
// validated structurally here and numerically by the engine.
const userOpSchemaV06 = `{
	"type": "object",
	"required": [
		"sender", "nonce", "initCode", "callData",
		"callGasLimit", "verificationGasLimit", "preVerificationGas",
		"maxFeePerGas", "maxPriorityFeePerGas"
	],
	"properties": {
		"sender":               {"type": "string", "pattern": "^0x[0-9a-fA-F]{40}$"},
		"nonce":                {"type": "string", "pattern": "^0x[0-9a-fA-F]+$"},
		"initCode":             {"type": "string", "pattern": "^0x[0-9a-fA-F]*$"},
		"callData":             {"type": "string", "pattern": "^0x[0-9a-fA-F]*$"},
		"callGasLimit":         {"type": "string", "pattern": "^0x[0-9a-fA-F]+$"},
		"verificationGasLimit": {"type": "string", "pattern": "^0x[0-9a-fA-F]+$"},
		"preVerificationGas":   {"type": "string", "pattern": "^0x[0-9a-fA-F]+$"},
		"maxFeePerGas":         {"type": "string", "pattern": "^0x[0-9a-fA-F]+$"},
		"maxPriorityFeePerGas": {"type": "string", "pattern": "^0x[0-9a-fA-F]+$"},
		"paymasterAndData":     {"type": "string", "pattern": "^0x[0-9a-fA-F]*$"},
		"signature":            {"type": "string", "pattern": "^0x[0-9a-fA-F]*$"}
	}
}`

// userOpSchemaV07 constrains the split v0.7/v0.8 shape. factory and
// factoryData are optional but the engine rejects one without the other.
const userOpSchemaV07 = `{
	"type": "object",
	"required": [
		"sender", "nonce", "callData",
		"callGasLimit", "verificationGasLimit", "preVerificationGas",
		"maxFeePerGas", "maxPriorityFeePerGas"
	],
	"properties": {
		"sender":               {"type": "string", "pattern": "^0x[0-9a-fA-F]{40}$"},
		"nonce":                {"type": "string", "pattern": "^0x[0-9a-fA-F]+$"},
		"factory":              {"type": "string", "pattern": "^0x[0-9a-fA-F]{40}$"},
		"factoryData":          {"type": "string", "pattern": "^0x[0-9a-fA-F]*$"},
		"callData":             {"type": "string", "pattern": "^0x[0-9a-fA-F]*$"},
		"callGasLimit":         {"type": "string", "pattern": "^0x[0-9a-fA-F]+$"},
		"verificationGasLimit": {"type": "string", "pattern": "^0x[0-9a-fA-F]+$"},
		"preVerificationGas":   {"type": "string", "pattern": "^0x[0-9a-fA-F]+$"},
		"maxFeePerGas":         {"type": "string", "pattern": "^0x[0-9a-fA-F]+$"},
		"maxPriorityFeePerGas": {"type": "string", "pattern": "^0x[0-9a-fA-F]+$"},
		"signature":            {"type": "string", "pattern": "^0x[0-9a-fA-F]*$"}
	}
}`

var (
	schemaV06 = gojsonschema.NewStringLoader(userOpSchemaV06)
	schemaV07 = gojsonschema.NewStringLoader(userOpSchemaV07)
)

// validateUserOp runs the version-appropriate schema over the raw user
// operation JSON before any typed decode touches it.
func validateUserOp(raw json.RawMessage, version userop.Version) error {
	schema := schemaV06
	if version != userop.V06 {
		schema = schemaV07
	}
	result, err := gojsonschema.Validate(schema, gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return errs.Wrap(errs.KindInvalidUserOperation, err, "user operation is not valid JSON")
	}
	if result.Valid() {
		return nil
	}
	var descs []string
	for _, desc := range result.Errors() {
		descs = append(descs, fmt.Sprintf("%s: %s", desc.Field(), desc.Description()))
	}
	return errs.New(errs.KindInvalidUserOperation, strings.Join(descs, "; ")).
		WithDetail("violations", descs)
}

// sponsorContext is the third positional parameter of
// pm_sponsorUserOperation: everything about the request that is not the
// user operation or the entry point.
type sponsorContext struct {
	ChainID       uint64 `json:"chainId"`
	EPVersion     string `json:"epVersion"`
	Mode          string `json:"mode"`
	UseVp         bool   `json:"useVp,omitempty"`
	APIKey        string `json:"apiKey,omitempty"`
	WalletAddress string `json:"walletAddress"`
	Token         string `json:"token,omitempty"`
	ValidUntil    uint64 `json:"validUntil,omitempty"`
	ValidAfter    uint64 `json:"validAfter,omitempty"`
}

// quoteContext is the third positional parameter of
// pm_getERC20TokenQuotes. An empty tokens list quotes everything
// configured for the chain.
type quoteContext struct {
	ChainID   uint64   `json:"chainId"`
	EPVersion string   `json:"epVersion"`
	Tokens    []string `json:"tokens,omitempty"`
}

// decodeSponsorRequest turns the positional params of
// pm_sponsorUserOperation into the engine's request type. Params are
// [userOp, entryPoint, context].
func decodeSponsorRequest(params []json.RawMessage) (*paymaster.SponsorRequest, error) {
	if len(params) != 3 {
		return nil, errs.Newf(errs.KindInvalidRequest, "expected 3 params, got %d", len(params))
	}

	var entryPointHex string
	if err := json.Unmarshal(params[1], &entryPointHex); err != nil {
		return nil, errs.Wrap(errs.KindInvalidRequest, err, "entryPoint is not a string")
	}
	if !common.IsHexAddress(entryPointHex) {
		return nil, errs.Newf(errs.KindInvalidRequest, "entryPoint %q is not an address", entryPointHex)
	}

	var sctx sponsorContext
	if err := json.Unmarshal(params[2], &sctx); err != nil {
		return nil, errs.Wrap(errs.KindInvalidRequest, err, "context is not an object")
	}
	if sctx.ChainID == 0 {
		return nil, errs.New(errs.KindInvalidRequest, "context.chainId is required")
	}
	if !common.IsHexAddress(sctx.WalletAddress) {
		return nil, errs.Newf(errs.KindInvalidRequest, "context.walletAddress %q is not an address", sctx.WalletAddress)
	}

	version, err := userop.ParseVersion(sctx.EPVersion)
	if err != nil {
		return nil, errs.Wrap(errs.KindUnsupportedEntryPoint, err, "unrecognized entry-point version")
	}
	mode, err := paymaster.ParseMode(sctx.Mode, sctx.UseVp)
	if err != nil {
		return nil, errs.Wrap(errs.KindInvalidRequest, err, "unrecognized mode")
	}
	if err := validateUserOp(params[0], version); err != nil {
		return nil, err
	}

	req := &paymaster.SponsorRequest{
		ChainID:       sctx.ChainID,
		Version:       version,
		EntryPoint:    common.HexToAddress(entryPointHex),
		Mode:          mode,
		APIKey:        sctx.APIKey,
		WalletAddress: common.HexToAddress(sctx.WalletAddress),
		ValidUntil:    sctx.ValidUntil,
		ValidAfter:    sctx.ValidAfter,
	}
	if sctx.Token != "" {
		if !common.IsHexAddress(sctx.Token) {
			return nil, errs.Newf(errs.KindInvalidRequest, "context.token %q is not an address", sctx.Token)
		}
		token := common.HexToAddress(sctx.Token)
		req.Token = &token
	}

	switch version {
	case userop.V06:
		var op userop.UserOperationV06
		if err := json.Unmarshal(params[0], &op); err != nil {
			return nil, errs.Wrap(errs.KindInvalidUserOperation, err, "decoding v0.6 user operation")
		}
		req.OpV06 = &op
	default:
		var op userop.UserOperationV07
		if err := json.Unmarshal(params[0], &op); err != nil {
			return nil, errs.Wrap(errs.KindInvalidUserOperation, err, "decoding v0.7 user operation")
		}
		req.OpV07 = &op
	}
	return req, nil
}

// decodeQuoteRequest turns the positional params of
// pm_getERC20TokenQuotes into the engine's request type. Params are
// [userOp, entryPoint, context]; the entry point is accepted for symmetry
// but quotes do not sign against it.
func decodeQuoteRequest(params []json.RawMessage) (*paymaster.QuoteRequest, error) {
	if len(params) != 3 {
		return nil, errs.Newf(errs.KindInvalidRequest, "expected 3 params, got %d", len(params))
	}

	var qctx quoteContext
	if err := json.Unmarshal(params[2], &qctx); err != nil {
		return nil, errs.Wrap(errs.KindInvalidRequest, err, "context is not an object")
	}
	if qctx.ChainID == 0 {
		return nil, errs.New(errs.KindInvalidRequest, "context.chainId is required")
	}
	version, err := userop.ParseVersion(qctx.EPVersion)
	if err != nil {
		return nil, errs.Wrap(errs.KindUnsupportedEntryPoint, err, "unrecognized entry-point version")
	}
	if err := validateUserOp(params[0], version); err != nil {
		return nil, err
	}

	req := &paymaster.QuoteRequest{
		ChainID: qctx.ChainID,
		Version: version,
	}
	for _, t := range qctx.Tokens {
		if !common.IsHexAddress(t) {
			return nil, errs.Newf(errs.KindInvalidRequest, "token %q is not an address", t)
		}
		req.Tokens = append(req.Tokens, common.HexToAddress(t))
	}

	switch version {
	case userop.V06:
		var op userop.UserOperationV06
		if err := json.Unmarshal(params[0], &op); err != nil {
			return nil, errs.Wrap(errs.KindInvalidUserOperation, err, "decoding v0.6 user operation")
		}
		req.OpV06 = &op
	default:
		var op userop.UserOperationV07
		if err := json.Unmarshal(params[0], &op); err != nil {
			return nil, errs.Wrap(errs.KindInvalidUserOperation, err, "decoding v0.7 user operation")
		}
		req.OpV07 = &op
	}
	return req, nil
}
