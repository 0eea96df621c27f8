package whitelist

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/sponsorlab/paymaster/errs"
)

const erc20ABI = `[
	{"inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],
		"name":"transfer","outputs":[{"name":"","type":"bool"}],
		"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],
		"name":"approve","outputs":[{"name":"","type":"bool"}],
		"stateMutability":"nonpayable","type":"function"}
]`

var (
	usdc   = common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913")
	wallet = common.HexToAddress("0x1111111111111111111111111111111111111111")
	// transfer(address,uint256)
	transferData = common.Hex2Bytes("a9059cbb" +
		"000000000000000000000000bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb" +
		"0000000000000000000000000000000000000000000000000000000000000064")
	// transferFrom(address,address,uint256), not in the record's Functions
	transferFromData = common.Hex2Bytes("23b872dd" +
		"000000000000000000000000aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa" +
		"000000000000000000000000bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb" +
		"0000000000000000000000000000000000000000000000000000000000000064")
)

func encodeExecute(t *testing.T, target common.Address, data []byte) []byte {
	t.Helper()
	packed, err := executeArgs.Pack(target, big.NewInt(0), data)
	if err != nil {
		t.Fatalf("pack execute: %v", err)
	}
	return append(selectorExecute[:], packed...)
}

func encodeExecuteBatch(t *testing.T, targets []common.Address, datas [][]byte) []byte {
	t.Helper()
	values := make([]*big.Int, len(targets))
	for i := range values {
		values[i] = big.NewInt(0)
	}
	packed, err := executeBatchArgs.Pack(targets, values, datas)
	if err != nil {
		t.Fatalf("pack executeBatch: %v", err)
	}
	return append(selectorExecuteBatch[:], packed...)
}

func TestDecodeCallsExecute(t *testing.T) {
	calls, err := DecodeCalls(encodeExecute(t, usdc, transferData))
	if err != nil {
		t.Fatalf("DecodeCalls: %v", err)
	}
	if len(calls) != 1 {
		t.Fatalf("got %d calls, want 1", len(calls))
	}
	if calls[0].Target != usdc {
		t.Errorf("target = %s, want %s", calls[0].Target.Hex(), usdc.Hex())
	}
}

func TestDecodeCallsExecuteBatch(t *testing.T) {
	calls, err := DecodeCalls(encodeExecuteBatch(t,
		[]common.Address{usdc, bob},
		[][]byte{transferData, nil},
	))
	if err != nil {
		t.Fatalf("DecodeCalls: %v", err)
	}
	if len(calls) != 2 {
		t.Fatalf("got %d calls, want 2", len(calls))
	}
	if calls[1].Target != bob || len(calls[1].Data) != 0 {
		t.Error("second sub-call should be a bare value transfer to bob")
	}
}

func TestDecodeCallsFailsClosed(t *testing.T) {
	if _, err := DecodeCalls(nil); err == nil {
		t.Error("expected error for empty call data")
	}
	if _, err := DecodeCalls([]byte{0x01, 0x02}); err == nil {
		t.Error("expected error for truncated selector")
	}
	// Unknown selector.
	if _, err := DecodeCalls(common.Hex2Bytes("deadbeef00")); err == nil {
		t.Error("expected error for unrecognized selector")
	}
	// Known selector with garbage arguments.
	if _, err := DecodeCalls(append(selectorExecute[:], 0xff)); err == nil {
		t.Error("expected error for undecodable arguments")
	}
}

func TestCheckCalls(t *testing.T) {
	records := []ContractRecord{{
		ChainID:       8453,
		WalletAddress: wallet,
		Contract:      usdc,
		ABI:           erc20ABI,
		Functions:     []string{"transfer"},
	}}

	// Whitelisted (target, selector) pair passes.
	err := CheckCalls(encodeExecute(t, usdc, transferData), 8453, wallet, records)
	if err != nil {
		t.Errorf("whitelisted transfer should pass, got %v", err)
	}

	// Same contract, selector not in Functions.
	err = CheckCalls(encodeExecute(t, usdc, transferFromData), 8453, wallet, records)
	if !errs.IsKind(err, errs.KindContractNotWhitelisted) {
		t.Errorf("transferFrom should reject with contract_not_whitelisted, got %v", err)
	}

	// Whitelisted selector on an unlisted contract.
	err = CheckCalls(encodeExecute(t, bob, transferData), 8453, wallet, records)
	if !errs.IsKind(err, errs.KindContractNotWhitelisted) {
		t.Errorf("unlisted target should reject, got %v", err)
	}

	// Records on another chain or wallet do not apply.
	err = CheckCalls(encodeExecute(t, usdc, transferData), 1, wallet, records)
	if !errs.IsKind(err, errs.KindContractNotWhitelisted) {
		t.Errorf("record from another chain should not admit the call, got %v", err)
	}

	// A batch fails if any sub-call is unauthorized; plain value
	// transfers are always allowed.
	err = CheckCalls(encodeExecuteBatch(t,
		[]common.Address{usdc, carol, usdc},
		[][]byte{transferData, nil, transferFromData},
	), 8453, wallet, records)
	if !errs.IsKind(err, errs.KindContractNotWhitelisted) {
		t.Errorf("batch with one bad sub-call should reject, got %v", err)
	}

	err = CheckCalls(encodeExecuteBatch(t,
		[]common.Address{usdc, carol},
		[][]byte{transferData, nil},
	), 8453, wallet, records)
	if err != nil {
		t.Errorf("batch of whitelisted call plus value transfer should pass, got %v", err)
	}
}
