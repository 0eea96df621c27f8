package userop

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// TokenBinding is the token side of an authorization hash. Token modes
// bind the fee token and the oracle that priced it into the signature so a
// substituted token or feed invalidates the co-signature on-chain.
type TokenBinding struct {
	Token  common.Address
	Oracle common.Address
}

var (
	typAddress, _ = abi.NewType("address", "", nil)
	typUint256, _ = abi.NewType("uint256", "", nil)
	typUint48, _  = abi.NewType("uint48", "", nil)
	typBytes32, _ = abi.NewType("bytes32", "", nil)
)

// AuthHash computes the paymaster authorization hash the entry-point
// contract recomputes during validation. It covers the sender, nonce,
// init/call data hashes, every gas field, the chain, the paymaster address
// and the validity window; token modes additionally cover the fee token
// and its oracle. Any change to a covered field invalidates a previously
// produced signature.
func AuthHash(op *Normalized, chainID *big.Int, paymaster common.Address, validUntil, validAfter uint64, binding *TokenBinding) (common.Hash, error) {
	if op == nil {
		return common.Hash{}, fmt.Errorf("nil operation")
	}
	if chainID == nil {
		return common.Hash{}, fmt.Errorf("nil chain id")
	}
	if validUntil > MaxUint48 || validAfter > MaxUint48 {
		return common.Hash{}, fmt.Errorf("validity bound exceeds uint48")
	}

	args := abi.Arguments{
		{Name: "sender", Type: typAddress},
		{Name: "nonce", Type: typUint256},
		{Name: "hashInitCode", Type: typBytes32},
		{Name: "hashCallData", Type: typBytes32},
		{Name: "callGasLimit", Type: typUint256},
		{Name: "verificationGasLimit", Type: typUint256},
		{Name: "preVerificationGas", Type: typUint256},
		{Name: "maxFeePerGas", Type: typUint256},
		{Name: "maxPriorityFeePerGas", Type: typUint256},
		{Name: "chainId", Type: typUint256},
		{Name: "paymaster", Type: typAddress},
		{Name: "validUntil", Type: typUint48},
		{Name: "validAfter", Type: typUint48},
	}
	vals := []interface{}{
		op.Sender,
		op.Nonce,
		crypto.Keccak256Hash(op.InitCode),
		crypto.Keccak256Hash(op.CallData),
		op.CallGasLimit,
		op.VerificationGasLimit,
		op.PreVerificationGas,
		op.MaxFeePerGas,
		op.MaxPriorityFeePerGas,
		chainID,
		paymaster,
		new(big.Int).SetUint64(validUntil),
		new(big.Int).SetUint64(validAfter),
	}

	// The split formats sign over the paymaster gas limits as well; they
	// are independent wire fields there, not part of paymasterAndData.
	if op.Version == V07 || op.Version == V08 {
		args = append(args,
			abi.Argument{Name: "paymasterVerificationGasLimit", Type: typUint256},
			abi.Argument{Name: "paymasterPostOpGasLimit", Type: typUint256},
		)
		vals = append(vals, op.PaymasterVerificationGasLimit, op.PaymasterPostOpGasLimit)
	}

	if binding != nil {
		args = append(args,
			abi.Argument{Name: "token", Type: typAddress},
			abi.Argument{Name: "oracle", Type: typAddress},
		)
		vals = append(vals, binding.Token, binding.Oracle)
	}

	packed, err := args.Pack(vals...)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pack authorization hash: %w", err)
	}
	return crypto.Keccak256Hash(packed), nil
}
