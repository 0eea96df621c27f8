package whitelist

import (
	"bytes"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/sponsorlab/paymaster/errs"
)

// ContractRecord authorizes specific functions on one target contract for
// a sponsor wallet on one chain. The ABI fragment covers at least the
// allowed functions; names not present in the fragment are ignored.
type ContractRecord struct {
	ChainID       uint64         `json:"chainId"`
	WalletAddress common.Address `json:"walletAddress"`
	Contract      common.Address `json:"contract"`
	ABI           string         `json:"abi"`
	Functions     []string       `json:"functions"`
}

// Selectors resolves the allowed function names into 4-byte selectors.
func (r *ContractRecord) Selectors() (map[[4]byte]bool, error) {
	parsed, err := abi.JSON(strings.NewReader(r.ABI))
	if err != nil {
		return nil, fmt.Errorf("parse whitelist ABI for %s: %w", r.Contract.Hex(), err)
	}
	out := make(map[[4]byte]bool, len(r.Functions))
	for _, name := range r.Functions {
		method, ok := parsed.Methods[name]
		if !ok {
			continue
		}
		var sel [4]byte
		copy(sel[:], method.ID)
		out[sel] = true
	}
	return out, nil
}

// SubCall is one (target, callData) tuple extracted from a batched
// execution.
type SubCall struct {
	Target common.Address
	Data   []byte
}

var (
	// executeBatch(address[],uint256[],bytes[]) — v0.6 account batching.
	selectorExecuteBatch = [4]byte{0x47, 0xe1, 0xda, 0x2a}
	// execute(address,uint256,bytes) — v0.7 account single call.
	selectorExecute = [4]byte{0xb6, 0x1d, 0x27, 0xf6}

	typAddressArr, _ = abi.NewType("address[]", "", nil)
	typUint256Arr, _ = abi.NewType("uint256[]", "", nil)
	typBytesArr, _   = abi.NewType("bytes[]", "", nil)
	typAddress, _    = abi.NewType("address", "", nil)
	typUint256, _    = abi.NewType("uint256", "", nil)
	typBytes, _      = abi.NewType("bytes", "", nil)

	executeBatchArgs = abi.Arguments{
		{Name: "dest", Type: typAddressArr},
		{Name: "value", Type: typUint256Arr},
		{Name: "func", Type: typBytesArr},
	}
	executeArgs = abi.Arguments{
		{Name: "dest", Type: typAddress},
		{Name: "value", Type: typUint256},
		{Name: "func", Type: typBytes},
	}
)

// DecodeCalls extracts the (target, callData) tuples from account call
// data. Only the two known batching encodings are accepted; anything else
// is an error so the gate fails closed.
func DecodeCalls(callData []byte) ([]SubCall, error) {
	if len(callData) < 4 {
		return nil, fmt.Errorf("call data shorter than a selector")
	}
	var sel [4]byte
	copy(sel[:], callData[:4])

	switch sel {
	case selectorExecuteBatch:
		vals, err := executeBatchArgs.Unpack(callData[4:])
		if err != nil {
			return nil, fmt.Errorf("decode executeBatch: %w", err)
		}
		dests := vals[0].([]common.Address)
		datas := vals[2].([][]byte)
		if len(dests) != len(datas) {
			return nil, fmt.Errorf("executeBatch arity mismatch: %d targets, %d payloads", len(dests), len(datas))
		}
		calls := make([]SubCall, len(dests))
		for i := range dests {
			calls[i] = SubCall{Target: dests[i], Data: datas[i]}
		}
		return calls, nil

	case selectorExecute:
		vals, err := executeArgs.Unpack(callData[4:])
		if err != nil {
			return nil, fmt.Errorf("decode execute: %w", err)
		}
		_ = vals[1].(*big.Int)
		return []SubCall{{Target: vals[0].(common.Address), Data: vals[2].([]byte)}}, nil
	}
	return nil, fmt.Errorf("unrecognized execution selector %x", sel)
}

// CheckCalls authorizes every sub-call of a batch against the sponsor's
// contract records for the chain. A sub-call passes if it is a pure value
// transfer (empty call data) or its (target, selector) pair is allowed.
// Decode failures and unknown selectors reject the whole batch.
func CheckCalls(callData []byte, chainID uint64, wallet common.Address, records []ContractRecord) error {
	calls, err := DecodeCalls(callData)
	if err != nil {
		return errs.Wrap(errs.KindContractNotWhitelisted, err, "call data not authorized").
			WithDetail("chainId", chainID)
	}

	allowed := make(map[common.Address]map[[4]byte]bool)
	for i := range records {
		r := &records[i]
		if r.ChainID != chainID || !bytes.Equal(r.WalletAddress.Bytes(), wallet.Bytes()) {
			continue
		}
		sels, err := r.Selectors()
		if err != nil {
			return errs.Wrap(errs.KindContractNotWhitelisted, err, "unusable contract whitelist record")
		}
		if allowed[r.Contract] == nil {
			allowed[r.Contract] = make(map[[4]byte]bool)
		}
		for sel := range sels {
			allowed[r.Contract][sel] = true
		}
	}

	for _, call := range calls {
		if len(call.Data) == 0 {
			continue // plain value transfer
		}
		if len(call.Data) < 4 {
			return errs.Newf(errs.KindContractNotWhitelisted, "malformed sub-call to %s", call.Target.Hex())
		}
		var sel [4]byte
		copy(sel[:], call.Data[:4])
		if !allowed[call.Target][sel] {
			return errs.Newf(errs.KindContractNotWhitelisted, "call to %s selector %x not whitelisted", call.Target.Hex(), sel).
				WithDetail("target", call.Target.Hex()).
				WithDetail("selector", fmt.Sprintf("%x", sel)).
				WithDetail("chainId", chainID)
		}
	}
	return nil
}
