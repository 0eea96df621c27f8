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

// aggregatorV3ABI covers the subset of the Chainlink AggregatorV3
// interface the engine reads.
const aggregatorV3ABI = `[
	{"inputs":[],"name":"latestRoundData","outputs":[
		{"name":"roundId","type":"uint80"},
		{"name":"answer","type":"int256"},
		{"name":"startedAt","type":"uint256"},
		{"name":"updatedAt","type":"uint256"},
		{"name":"answeredInRound","type":"uint80"}],
		"stateMutability":"view","type":"function"},
	{"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],
		"stateMutability":"view","type":"function"}
]`

// etherspotWrapperABI is the read surface of Etherspot's multi-token
// paymaster, which caches a markup-adjusted Chainlink price on-chain.
const etherspotWrapperABI = `[
	{"inputs":[],"name":"cachedPrice","outputs":[{"name":"","type":"uint256"}],
		"stateMutability":"view","type":"function"},
	{"inputs":[],"name":"cachedPriceTimestamp","outputs":[{"name":"","type":"uint256"}],
		"stateMutability":"view","type":"function"}
]`

// Chainlink reads AggregatorV3 push feeds.
type Chainlink struct {
	caller ContractCaller
	abi    abi.ABI
	// maxAge bounds how old the feed's updatedAt may be before the round
	// is treated as unusable.
	maxAge time.Duration
	now    func() time.Time
}

// defaultMaxAge is used when no heartbeat bound is configured. A zero
// bound would reject every round.
const defaultMaxAge = time.Hour

// NewChainlink builds a feed reader. maxAge is the feed's heartbeat bound;
// zero selects the default.
func NewChainlink(caller ContractCaller, maxAge time.Duration) *Chainlink {
	parsed, _ := abi.JSON(strings.NewReader(aggregatorV3ABI))
	if maxAge <= 0 {
		maxAge = defaultMaxAge
	}
	return &Chainlink{caller: caller, abi: parsed, maxAge: maxAge, now: time.Now}
}

// LatestPrice reads latestRoundData and decimals, rejecting non-positive
// answers and rounds past the heartbeat bound.
func (c *Chainlink) LatestPrice(ctx context.Context, feed common.Address) (Quote, error) {
	out, err := c.call(ctx, feed, "latestRoundData")
	if err != nil {
		return Quote{}, err
	}
	res, err := c.abi.Unpack("latestRoundData", out)
	if err != nil {
		return Quote{}, fmt.Errorf("decode latestRoundData from %s: %w", feed.Hex(), err)
	}
	answer := res[1].(*big.Int)
	updatedAt := res[3].(*big.Int)
	if err := checkAnswer(answer, feed); err != nil {
		return Quote{}, err
	}
	now := c.now()
	if age := now.Unix() - int64(updatedAt.Uint64()); age > int64(c.maxAge/time.Second) {
		return Quote{}, fmt.Errorf("oracle %s round is %ds old, bound %s", feed.Hex(), age, c.maxAge)
	}

	decOut, err := c.call(ctx, feed, "decimals")
	if err != nil {
		return Quote{}, err
	}
	decRes, err := c.abi.Unpack("decimals", decOut)
	if err != nil {
		return Quote{}, fmt.Errorf("decode decimals from %s: %w", feed.Hex(), err)
	}

	return Quote{
		Price:     normalize(answer, decRes[0].(uint8)),
		Decimals:  QuoteDecimals,
		FetchedAt: now,
	}, nil
}

func (c *Chainlink) call(ctx context.Context, feed common.Address, method string) ([]byte, error) {
	data, err := c.abi.Pack(method)
	if err != nil {
		return nil, err
	}
	out, err := c.caller.CallContract(ctx, ethereum.CallMsg{To: &feed, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s on %s: %w", method, feed.Hex(), err)
	}
	return out, nil
}

// EtherspotChainlink reads the price Etherspot's paymaster wrapper caches
// on-chain. The wrapper already applies the feed normalization, so the
// cached value is consumed as-is in PriceDenominator fixed point.
type EtherspotChainlink struct {
	caller ContractCaller
	abi    abi.ABI
	maxAge time.Duration
	now    func() time.Time
}

func NewEtherspotChainlink(caller ContractCaller, maxAge time.Duration) *EtherspotChainlink {
	parsed, _ := abi.JSON(strings.NewReader(etherspotWrapperABI))
	if maxAge <= 0 {
		maxAge = defaultMaxAge
	}
	return &EtherspotChainlink{caller: caller, abi: parsed, maxAge: maxAge, now: time.Now}
}

func (e *EtherspotChainlink) LatestPrice(ctx context.Context, feed common.Address) (Quote, error) {
	price, err := e.readUint(ctx, feed, "cachedPrice")
	if err != nil {
		return Quote{}, err
	}
	if err := checkAnswer(price, feed); err != nil {
		return Quote{}, err
	}
	ts, err := e.readUint(ctx, feed, "cachedPriceTimestamp")
	if err != nil {
		return Quote{}, err
	}
	now := e.now()
	if age := now.Unix() - int64(ts.Uint64()); age > int64(e.maxAge/time.Second) {
		return Quote{}, fmt.Errorf("wrapper %s cached price is %ds old, bound %s", feed.Hex(), age, e.maxAge)
	}
	return Quote{Price: price, Decimals: QuoteDecimals, FetchedAt: now}, nil
}

func (e *EtherspotChainlink) readUint(ctx context.Context, feed common.Address, method string) (*big.Int, error) {
	data, err := e.abi.Pack(method)
	if err != nil {
		return nil, err
	}
	out, err := e.caller.CallContract(ctx, ethereum.CallMsg{To: &feed, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s on %s: %w", method, feed.Hex(), err)
	}
	res, err := e.abi.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("decode %s from %s: %w", method, feed.Hex(), err)
	}
	return res[0].(*big.Int), nil
}
