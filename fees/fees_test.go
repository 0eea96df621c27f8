package fees

import (
	"math/big"
	"testing"
	"time"

	"github.com/sponsorlab/paymaster/oracle"
	"github.com/sponsorlab/paymaster/userop"
)

func feeOp() *userop.Normalized {
	return &userop.Normalized{
		Version:              userop.V06,
		Nonce:                big.NewInt(1),
		CallGasLimit:         big.NewInt(150_000),
		VerificationGasLimit: big.NewInt(100_000),
		PreVerificationGas:   big.NewInt(50_000),
		MaxFeePerGas:         big.NewInt(1_000_000_000_000),
		MaxPriorityFeePerGas: big.NewInt(1_000_000_000),
	}
}

func feeQuote(price int64) oracle.Quote {
	return oracle.Quote{
		Price:     big.NewInt(price),
		Decimals:  oracle.QuoteDecimals,
		FetchedAt: time.Now(),
	}
}

func TestTokenAmountKnownValues(t *testing.T) {
	// gas      = 50_000 + 100_000*3 + 150_000          = 500_000
	// prefund  = 500_000 * 1e12*2                      = 1e18
	// postOp   = 1e12 * 40_000                         = 4e16
	// amount   = 1.04e18 * 11000/10000 * 2e6/1e6       = 2.288e18
	quote := feeQuote(2_000_000) // $2 per token in 1e6 fixed point

	amount, err := TokenAmount(feeOp(), quote, 18, 1000, DefaultRefundPostOpCost)
	if err != nil {
		t.Fatalf("TokenAmount: %v", err)
	}
	want, _ := new(big.Int).SetString("2288000000000000000", 10)
	if amount.Cmp(want) != 0 {
		t.Errorf("18-decimal amount = %s, want %s", amount, want)
	}

	// 6-decimal tokens get the extra 1e18 division the deployed
	// contracts invert on-chain.
	amount6, err := TokenAmount(feeOp(), quote, 6, 1000, DefaultRefundPostOpCost)
	if err != nil {
		t.Fatalf("TokenAmount: %v", err)
	}
	if amount6.Int64() != 2 {
		t.Errorf("6-decimal amount = %s, want 2", amount6)
	}
}

func TestTokenAmountMonotonic(t *testing.T) {
	base, err := TokenAmount(feeOp(), feeQuote(2_000_000), 18, 1000, DefaultRefundPostOpCost)
	if err != nil {
		t.Fatalf("TokenAmount: %v", err)
	}

	pricier, err := TokenAmount(feeOp(), feeQuote(3_000_000), 18, 1000, DefaultRefundPostOpCost)
	if err != nil {
		t.Fatalf("TokenAmount: %v", err)
	}
	if pricier.Cmp(base) <= 0 {
		t.Error("higher price should charge more tokens")
	}

	markedUp, err := TokenAmount(feeOp(), feeQuote(2_000_000), 18, 2000, DefaultRefundPostOpCost)
	if err != nil {
		t.Fatalf("TokenAmount: %v", err)
	}
	if markedUp.Cmp(base) <= 0 {
		t.Error("higher markup should charge more tokens")
	}

	op := feeOp()
	op.CallGasLimit = big.NewInt(300_000)
	gassier, err := TokenAmount(op, feeQuote(2_000_000), 18, 1000, DefaultRefundPostOpCost)
	if err != nil {
		t.Fatalf("TokenAmount: %v", err)
	}
	if gassier.Cmp(base) <= 0 {
		t.Error("a larger gas envelope should charge more tokens")
	}

	// maxFeePerGas scales both the prefund and the post-op term.
	op = feeOp()
	op.MaxFeePerGas = new(big.Int).Mul(op.MaxFeePerGas, big.NewInt(2))
	steeper, err := TokenAmount(op, feeQuote(2_000_000), 18, 1000, DefaultRefundPostOpCost)
	if err != nil {
		t.Fatalf("TokenAmount: %v", err)
	}
	if steeper.Cmp(base) <= 0 {
		t.Error("a higher maxFeePerGas should charge more tokens")
	}
}

func TestTokenAmountRejections(t *testing.T) {
	if _, err := TokenAmount(nil, feeQuote(1), 18, 0, DefaultRefundPostOpCost); err == nil {
		t.Error("expected error for nil op")
	}
	if _, err := TokenAmount(feeOp(), oracle.Quote{}, 18, 0, DefaultRefundPostOpCost); err == nil {
		t.Error("expected error for empty quote")
	}
	if _, err := TokenAmount(feeOp(), feeQuote(-5), 18, 0, DefaultRefundPostOpCost); err == nil {
		t.Error("expected error for negative price")
	}
	if _, err := TokenAmount(feeOp(), feeQuote(1), 18, -1, DefaultRefundPostOpCost); err == nil {
		t.Error("expected error for negative markup")
	}
	for _, decimals := range []uint8{0, 8, 12, 24} {
		if _, err := TokenAmount(feeOp(), feeQuote(1), decimals, 0, DefaultRefundPostOpCost); err == nil {
			t.Errorf("expected error for %d token decimals", decimals)
		}
	}
}
