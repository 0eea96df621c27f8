// Package bundler is the outbound JSON-RPC client for ERC-4337 bundlers,
// used to estimate an operation's gas envelope before the engine hashes
// and co-signs it.
package bundler

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/sponsorlab/paymaster"
	"github.com/sponsorlab/paymaster/chains"
)

// Client implements paymaster.GasEstimator over per-chain bundler
// endpoints. Connections are dialed lazily and reused.
type Client struct {
	chains *chains.Registry

	mu    sync.Mutex
	conns map[uint64]*rpc.Client
}

// New creates a bundler client over the chain registry's bundler URLs.
func New(registry *chains.Registry) *Client {
	return &Client{
		chains: registry,
		conns:  make(map[uint64]*rpc.Client),
	}
}

// Close releases every dialed connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, conn := range c.conns {
		conn.Close()
	}
	c.conns = make(map[uint64]*rpc.Client)
}

func (c *Client) conn(ctx context.Context, chainID uint64) (*rpc.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if conn, ok := c.conns[chainID]; ok {
		return conn, nil
	}
	cfg, ok := c.chains.Lookup(chainID)
	if !ok || cfg.BundlerURL == "" {
		return nil, fmt.Errorf("no bundler configured for chain %d", chainID)
	}
	conn, err := rpc.DialContext(ctx, cfg.BundlerURL)
	if err != nil {
		return nil, fmt.Errorf("dial bundler for chain %d: %w", chainID, err)
	}
	c.conns[chainID] = conn
	return conn, nil
}

// wireEstimates is the bundler's eth_estimateUserOperationGas result.
// Bundlers answer in hex quantities.
type wireEstimates struct {
	PreVerificationGas   *hexutil.Big `json:"preVerificationGas"`
	VerificationGasLimit *hexutil.Big `json:"verificationGasLimit"`
	CallGasLimit         *hexutil.Big `json:"callGasLimit"`
}

// EstimateGas calls eth_estimateUserOperationGas on the chain's bundler.
func (c *Client) EstimateGas(ctx context.Context, chainID uint64, _ string, op interface{}, entryPoint common.Address) (*paymaster.GasEstimates, error) {
	conn, err := c.conn(ctx, chainID)
	if err != nil {
		return nil, err
	}
	var result wireEstimates
	if err := conn.CallContext(ctx, &result, "eth_estimateUserOperationGas", op, entryPoint); err != nil {
		return nil, fmt.Errorf("eth_estimateUserOperationGas: %w", err)
	}
	out := &paymaster.GasEstimates{}
	if result.PreVerificationGas != nil {
		out.PreVerificationGas = result.PreVerificationGas.ToInt()
	}
	if result.VerificationGasLimit != nil {
		out.VerificationGasLimit = result.VerificationGasLimit.ToInt()
	}
	if result.CallGasLimit != nil {
		out.CallGasLimit = result.CallGasLimit.ToInt()
	}
	return out, nil
}
