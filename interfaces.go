package paymaster

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/sponsorlab/paymaster/policy"
	"github.com/sponsorlab/paymaster/whitelist"
)

// The engine consumes its persistence and chain collaborators as typed
// interfaces. CRUD for policies, whitelists and API keys, spend
// aggregation and bundler access all live outside this module.

// PolicyStore resolves the sponsorship policy configured for a sponsor
// wallet. A nil policy with a nil error means none is configured.
type PolicyStore interface {
	PolicyForWallet(ctx context.Context, wallet common.Address) (*policy.SponsorshipPolicy, error)
}

// WhitelistStore serves the sender and contract whitelist records the
// gates evaluate.
type WhitelistStore interface {
	// SenderRecords returns every record for the API key, global and
	// scoped alike; the gate applies the scope matching.
	SenderRecords(ctx context.Context, apiKey string) ([]whitelist.Record, error)
	// ContractRecords returns the contract allowances for a chain and
	// sponsor wallet.
	ContractRecords(ctx context.Context, chainID uint64, wallet common.Address) ([]whitelist.ContractRecord, error)
}

// SpendLedger reports pre-aggregated spend totals from the external
// chain indexer, denominated per the policy's configured limit units.
type SpendLedger interface {
	Totals(ctx context.Context, policyID uuid.UUID, sender common.Address) (policy.SpendTotals, error)
}

// GasEstimator asks a bundler to estimate the gas envelope of an
// operation. Implementations wrap eth_estimateUserOperationGas.
type GasEstimator interface {
	EstimateGas(ctx context.Context, chainID uint64, version string, op interface{}, entryPoint common.Address) (*GasEstimates, error)
}
