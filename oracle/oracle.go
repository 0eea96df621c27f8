// Package oracle implements the pricing backends the engine quotes ERC-20
// fee tokens and native assets from: Chainlink-style push feeds read
// directly, Etherspot's on-paymaster Chainlink wrapper, the Orochi
// request/fulfill oracle, and a CoinGecko REST fallback for native assets.
//
// All backends normalize prices into PriceDenominator (1e6) fixed point so
// the fee calculator works from a single base regardless of feed decimals.
package oracle

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
)

// PriceDenominator is the fixed-point base every backend normalizes to.
var PriceDenominator = big.NewInt(1_000_000)

// QuoteDecimals is the decimal count of the normalized fixed point.
const QuoteDecimals uint8 = 6

// Quote is one resolved price observation.
type Quote struct {
	// Price in PriceDenominator fixed point.
	Price *big.Int `json:"price"`
	// Decimals of the fixed point; always QuoteDecimals after
	// normalization.
	Decimals uint8 `json:"decimals"`
	// FetchedAt is when the backend produced the observation. Staleness
	// is judged against this, not against any on-chain round timestamp.
	FetchedAt time.Time `json:"fetchedAt"`
}

// ContractCaller is the read-only chain access a backend needs.
// *ethclient.Client satisfies it.
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Backend resolves the current price from one feed address.
type Backend interface {
	// LatestPrice reads the feed and returns a normalized quote. A
	// non-positive answer or a round older than the backend's staleness
	// bound is an error, never a zero quote.
	LatestPrice(ctx context.Context, feed common.Address) (Quote, error)
}

// normalize rescales a raw feed answer with the given decimal count into
// PriceDenominator fixed point.
func normalize(answer *big.Int, feedDecimals uint8) *big.Int {
	if feedDecimals == QuoteDecimals {
		return new(big.Int).Set(answer)
	}
	if feedDecimals > QuoteDecimals {
		div := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(feedDecimals-QuoteDecimals)), nil)
		return new(big.Int).Quo(answer, div)
	}
	mul := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(QuoteDecimals-feedDecimals)), nil)
	return new(big.Int).Mul(answer, mul)
}

func checkAnswer(answer *big.Int, feed common.Address) error {
	if answer == nil || answer.Sign() <= 0 {
		return fmt.Errorf("oracle %s reported non-positive answer", feed.Hex())
	}
	return nil
}
