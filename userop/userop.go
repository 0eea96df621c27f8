// Package userop models ERC-4337 user operations across the three
// entry-point wire formats the engine co-signs for. Each version keeps its
// own struct; conversion into the engine's normalized gas envelope is an
// explicit, fallible step rather than a superset struct with guessed
// fields.
package userop

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Version identifies an entry-point wire format.
type Version int

const (
	// V06 is the monolithic paymasterAndData format.
	V06 Version = iota
	// V07 splits the paymaster fields out of paymasterAndData.
	V07
	// V08 shares the V07 field layout with a different hash domain.
	V08
)

// ParseVersion maps a wire version string to its enum value. Unknown
// strings are rejected; there is no default version.
func ParseVersion(s string) (Version, error) {
	switch s {
	case "v0.6", "0.6":
		return V06, nil
	case "v0.7", "0.7":
		return V07, nil
	case "v0.8", "0.8":
		return V08, nil
	}
	return 0, fmt.Errorf("unsupported entry point version %q", s)
}

func (v Version) String() string {
	switch v {
	case V06:
		return "v0.6"
	case V07:
		return "v0.7"
	case V08:
		return "v0.8"
	}
	return fmt.Sprintf("Version(%d)", int(v))
}

// UserOperationV06 is the entry-point v0.6 user operation.
type UserOperationV06 struct {
	Sender               common.Address `json:"sender"`
	Nonce                *hexutil.Big   `json:"nonce"`
	InitCode             hexutil.Bytes  `json:"initCode"`
	CallData             hexutil.Bytes  `json:"callData"`
	CallGasLimit         *hexutil.Big   `json:"callGasLimit"`
	VerificationGasLimit *hexutil.Big   `json:"verificationGasLimit"`
	PreVerificationGas   *hexutil.Big   `json:"preVerificationGas"`
	MaxFeePerGas         *hexutil.Big   `json:"maxFeePerGas"`
	MaxPriorityFeePerGas *hexutil.Big   `json:"maxPriorityFeePerGas"`
	PaymasterAndData     hexutil.Bytes  `json:"paymasterAndData"`
	Signature            hexutil.Bytes  `json:"signature"`
}

// UserOperationV07 is the entry-point v0.7 (and v0.8) user operation with
// split factory and paymaster fields.
type UserOperationV07 struct {
	Sender                        common.Address  `json:"sender"`
	Nonce                         *hexutil.Big    `json:"nonce"`
	Factory                       *common.Address `json:"factory,omitempty"`
	FactoryData                   hexutil.Bytes   `json:"factoryData,omitempty"`
	CallData                      hexutil.Bytes   `json:"callData"`
	CallGasLimit                  *hexutil.Big    `json:"callGasLimit"`
	VerificationGasLimit          *hexutil.Big    `json:"verificationGasLimit"`
	PreVerificationGas            *hexutil.Big    `json:"preVerificationGas"`
	MaxFeePerGas                  *hexutil.Big    `json:"maxFeePerGas"`
	MaxPriorityFeePerGas          *hexutil.Big    `json:"maxPriorityFeePerGas"`
	Paymaster                     *common.Address `json:"paymaster,omitempty"`
	PaymasterVerificationGasLimit *hexutil.Big    `json:"paymasterVerificationGasLimit,omitempty"`
	PaymasterPostOpGasLimit       *hexutil.Big    `json:"paymasterPostOpGasLimit,omitempty"`
	PaymasterData                 hexutil.Bytes   `json:"paymasterData,omitempty"`
	Signature                     hexutil.Bytes   `json:"signature"`
}

// Normalized is the version-tagged gas envelope the fee calculator and
// hashers consume. All integer fields are non-nil after a successful
// Normalize call.
type Normalized struct {
	Version  Version
	Sender   common.Address
	Nonce    *big.Int
	InitCode []byte
	CallData []byte

	CallGasLimit         *big.Int
	VerificationGasLimit *big.Int
	PreVerificationGas   *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int

	// Paymaster gas limits participate in the v0.7/v0.8 hash; zero for
	// v0.6.
	PaymasterVerificationGasLimit *big.Int
	PaymasterPostOpGasLimit       *big.Int
}

// NormalizeV06 validates and converts a v0.6 operation.
func NormalizeV06(op *UserOperationV06) (*Normalized, error) {
	if err := requireBig("nonce", op.Nonce); err != nil {
		return nil, err
	}
	for name, f := range map[string]*hexutil.Big{
		"callGasLimit":         op.CallGasLimit,
		"verificationGasLimit": op.VerificationGasLimit,
		"preVerificationGas":   op.PreVerificationGas,
		"maxFeePerGas":         op.MaxFeePerGas,
		"maxPriorityFeePerGas": op.MaxPriorityFeePerGas,
	} {
		if err := requireBig(name, f); err != nil {
			return nil, err
		}
	}
	return &Normalized{
		Version:                       V06,
		Sender:                        op.Sender,
		Nonce:                         op.Nonce.ToInt(),
		InitCode:                      op.InitCode,
		CallData:                      op.CallData,
		CallGasLimit:                  op.CallGasLimit.ToInt(),
		VerificationGasLimit:          op.VerificationGasLimit.ToInt(),
		PreVerificationGas:            op.PreVerificationGas.ToInt(),
		MaxFeePerGas:                  op.MaxFeePerGas.ToInt(),
		MaxPriorityFeePerGas:          op.MaxPriorityFeePerGas.ToInt(),
		PaymasterVerificationGasLimit: new(big.Int),
		PaymasterPostOpGasLimit:       new(big.Int),
	}, nil
}

// NormalizeV07 validates and converts a v0.7 or v0.8 operation. The
// factory and factoryData fields must be paired: data without a factory
// address cannot be deployed and is rejected before hashing.
func NormalizeV07(op *UserOperationV07, version Version) (*Normalized, error) {
	if version != V07 && version != V08 {
		return nil, fmt.Errorf("version %s does not use the split field layout", version)
	}
	if op.Factory == nil && len(op.FactoryData) > 0 {
		return nil, fmt.Errorf("factoryData present without factory")
	}
	if op.Factory != nil && len(op.FactoryData) == 0 {
		return nil, fmt.Errorf("factory present without factoryData")
	}
	if err := requireBig("nonce", op.Nonce); err != nil {
		return nil, err
	}
	for name, f := range map[string]*hexutil.Big{
		"callGasLimit":         op.CallGasLimit,
		"verificationGasLimit": op.VerificationGasLimit,
		"preVerificationGas":   op.PreVerificationGas,
		"maxFeePerGas":         op.MaxFeePerGas,
		"maxPriorityFeePerGas": op.MaxPriorityFeePerGas,
	} {
		if err := requireBig(name, f); err != nil {
			return nil, err
		}
	}

	// The v0.6 initCode equivalent, used only for hashing.
	var initCode []byte
	if op.Factory != nil {
		initCode = append(op.Factory.Bytes(), op.FactoryData...)
	}

	return &Normalized{
		Version:                       version,
		Sender:                        op.Sender,
		Nonce:                         op.Nonce.ToInt(),
		InitCode:                      initCode,
		CallData:                      op.CallData,
		CallGasLimit:                  op.CallGasLimit.ToInt(),
		VerificationGasLimit:          op.VerificationGasLimit.ToInt(),
		PreVerificationGas:            op.PreVerificationGas.ToInt(),
		MaxFeePerGas:                  op.MaxFeePerGas.ToInt(),
		MaxPriorityFeePerGas:          op.MaxPriorityFeePerGas.ToInt(),
		PaymasterVerificationGasLimit: bigOrZero(op.PaymasterVerificationGasLimit),
		PaymasterPostOpGasLimit:       bigOrZero(op.PaymasterPostOpGasLimit),
	}, nil
}

func requireBig(name string, v *hexutil.Big) error {
	if v == nil {
		return fmt.Errorf("missing required field %s", name)
	}
	return nil
}

func bigOrZero(v *hexutil.Big) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v.ToInt()
}
