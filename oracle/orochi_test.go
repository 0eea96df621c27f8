package oracle

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
)

// orochiCaller returns each queued answer in turn, modeling the
// request/fulfill latency: empty until the fulfillment lands.
type orochiCaller struct {
	answers []*big.Int
	calls   int
}

func (o *orochiCaller) CallContract(_ context.Context, _ ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	i := o.calls
	o.calls++
	if i >= len(o.answers) {
		i = len(o.answers) - 1
	}
	var out [32]byte
	o.answers[i].FillBytes(out[:])
	return out[:], nil
}

var orocleAddr = common.HexToAddress("0x70523434ee6a9870410960E2615406f8F9850676")

func TestOrochiImmediateFulfillment(t *testing.T) {
	// 612.3 USD in the oracle's 18-decimal fixed point.
	answer, _ := new(big.Int).SetString("612300000000000000000", 10)
	caller := &orochiCaller{answers: []*big.Int{answer}}

	o := NewOrochi(caller, "BNB")
	quote, err := o.LatestPrice(context.Background(), orocleAddr)
	if err != nil {
		t.Fatalf("LatestPrice: %v", err)
	}
	if want := big.NewInt(612_300_000); quote.Price.Cmp(want) != 0 {
		t.Errorf("price = %s, want %s", quote.Price, want)
	}
	if caller.calls != 1 {
		t.Errorf("made %d calls, want 1", caller.calls)
	}
}

func TestOrochiPollsUntilFulfilled(t *testing.T) {
	answer, _ := new(big.Int).SetString("612300000000000000000", 10)
	caller := &orochiCaller{answers: []*big.Int{
		big.NewInt(0), big.NewInt(0), answer,
	}}

	o := NewOrochi(caller, "BNB")
	o.pollEvery = time.Millisecond
	quote, err := o.LatestPrice(context.Background(), orocleAddr)
	if err != nil {
		t.Fatalf("LatestPrice: %v", err)
	}
	if quote.Price.Sign() <= 0 {
		t.Error("expected a positive price after polling")
	}
	if caller.calls != 3 {
		t.Errorf("made %d calls, want 3", caller.calls)
	}
}

func TestOrochiGivesUpAfterMaxPolls(t *testing.T) {
	caller := &orochiCaller{answers: []*big.Int{big.NewInt(0)}}

	o := NewOrochi(caller, "BNB")
	o.pollEvery = time.Millisecond
	if _, err := o.LatestPrice(context.Background(), orocleAddr); err == nil {
		t.Error("expected error when no fulfillment ever lands")
	}
	if caller.calls != o.maxPolls {
		t.Errorf("made %d calls, want %d", caller.calls, o.maxPolls)
	}
}

func TestOrochiHonorsContext(t *testing.T) {
	caller := &orochiCaller{answers: []*big.Int{big.NewInt(0)}}

	o := NewOrochi(caller, "BNB")
	o.pollEvery = time.Hour
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := o.LatestPrice(ctx, orocleAddr); err != context.DeadlineExceeded {
		t.Errorf("expected DeadlineExceeded, got %v", err)
	}
}
