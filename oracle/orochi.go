package oracle

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// orocleABI is the Orochi oracle read surface. Prices are requested by
// (application, identifier) pair and fulfilled asynchronously by the
// Orochi network, so a read immediately after a request can come back
// empty.
const orocleABI = `[
	{"inputs":[
		{"name":"appId","type":"uint32"},
		{"name":"identifier","type":"bytes20"}],
		"name":"getLatestData",
		"outputs":[{"name":"","type":"bytes32"}],
		"stateMutability":"view","type":"function"}
]`

// OrochiAssetPriceApp is the Orochi application id for asset prices.
const OrochiAssetPriceApp = uint32(1)

// orochiPriceDecimals is the fixed point Orochi fulfills prices in.
const orochiPriceDecimals uint8 = 18

// Orochi reads the Orochi request/fulfill oracle. When a fulfillment has
// not landed yet the backend polls until one does or the context expires;
// callers bound the wait through ctx.
type Orochi struct {
	caller ContractCaller
	abi    abi.ABI
	// identifier selects the priced asset, e.g. the token symbol padded
	// into bytes20.
	identifier [20]byte
	pollEvery  time.Duration
	maxPolls   int
	now        func() time.Time
}

// NewOrochi builds a reader for one asset identifier (typically the token
// symbol, left-aligned into 20 bytes).
func NewOrochi(caller ContractCaller, symbol string) *Orochi {
	parsed, _ := abi.JSON(strings.NewReader(orocleABI))
	var id [20]byte
	copy(id[:], symbol)
	return &Orochi{
		caller:     caller,
		abi:        parsed,
		identifier: id,
		pollEvery:  2 * time.Second,
		maxPolls:   5,
		now:        time.Now,
	}
}

// LatestPrice reads the latest fulfilled price, polling through the
// fulfillment round-trip when the oracle has no data yet.
func (o *Orochi) LatestPrice(ctx context.Context, feed common.Address) (Quote, error) {
	data, err := o.abi.Pack("getLatestData", OrochiAssetPriceApp, o.identifier)
	if err != nil {
		return Quote{}, err
	}

	for attempt := 0; ; attempt++ {
		out, err := o.caller.CallContract(ctx, ethereum.CallMsg{To: &feed, Data: data}, nil)
		if err != nil {
			return Quote{}, fmt.Errorf("call getLatestData on %s: %w", feed.Hex(), err)
		}
		res, err := o.abi.Unpack("getLatestData", out)
		if err != nil {
			return Quote{}, fmt.Errorf("decode getLatestData from %s: %w", feed.Hex(), err)
		}
		raw := res[0].([32]byte)
		price := new(big.Int).SetBytes(raw[:])
		if price.Sign() > 0 {
			return Quote{
				Price:     normalize(price, orochiPriceDecimals),
				Decimals:  QuoteDecimals,
				FetchedAt: o.now(),
			}, nil
		}

		if attempt+1 >= o.maxPolls {
			return Quote{}, fmt.Errorf("orocle %s has no fulfilled price for %q", feed.Hex(), strings.TrimRight(string(o.identifier[:]), "\x00"))
		}
		select {
		case <-ctx.Done():
			return Quote{}, ctx.Err()
		case <-time.After(o.pollEvery):
		}
	}
}
