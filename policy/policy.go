// Package policy implements sponsorship policies: the rule set a sponsor
// wallet configures to bound which user operations it pays for and how
// much. The gate here evaluates applicability and limit ceilings; spend
// aggregation itself lives in the external ledger.
package policy

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/sponsorlab/paymaster/errs"
	"github.com/sponsorlab/paymaster/userop"
)

// LimitUnit denominates a spend ceiling.
type LimitUnit string

const (
	LimitUSD    LimitUnit = "usd"
	LimitNative LimitUnit = "native"
	LimitOps    LimitUnit = "ops"
)

// Limit is one optional spend ceiling.
type Limit struct {
	Unit  LimitUnit `json:"unit"`
	Value *big.Int  `json:"value"`
}

// LimitScope names which ceiling a policy bound applies to.
type LimitScope string

const (
	ScopeGlobal  LimitScope = "global"
	ScopePerUser LimitScope = "perUser"
	ScopePerOp   LimitScope = "perOp"
)

// SponsorshipPolicy bounds a sponsor wallet's spending. A policy belongs
// to exactly one wallet; it is soft-disabled rather than deleted while
// anything references it.
type SponsorshipPolicy struct {
	ID            uuid.UUID      `json:"id"`
	WalletAddress common.Address `json:"walletAddress"`
	Name          string         `json:"name"`
	Enabled       bool           `json:"enabled"`

	// IsPerpetual skips the time-bound states entirely.
	IsPerpetual bool       `json:"isPerpetual"`
	StartTime   *time.Time `json:"startTime,omitempty"`
	EndTime     *time.Time `json:"endTime,omitempty"`

	// ApplicableToAllNetworks short-circuits EnabledChains.
	ApplicableToAllNetworks bool     `json:"applicableToAllNetworks"`
	EnabledChains           []uint64 `json:"enabledChains,omitempty"`

	SupportedEPVersions []userop.Version `json:"supportedEPVersions"`

	GlobalLimit  *Limit `json:"globalLimit,omitempty"`
	PerUserLimit *Limit `json:"perUserLimit,omitempty"`
	PerOpLimit   *Limit `json:"perOpLimit,omitempty"`
}

// IsCurrent reports whether the policy's validity window covers now. A
// perpetual policy is always current; a windowed one is current from
// StartTime (inclusive) to EndTime (exclusive).
func (p *SponsorshipPolicy) IsCurrent(now time.Time) bool {
	if p.IsPerpetual {
		return true
	}
	if p.StartTime != nil && now.Before(*p.StartTime) {
		return false
	}
	return !p.IsExpired(now)
}

// IsExpired reports whether the window has closed. Perpetual policies
// never expire.
func (p *SponsorshipPolicy) IsExpired(now time.Time) bool {
	if p.IsPerpetual || p.EndTime == nil {
		return false
	}
	return !now.Before(*p.EndTime)
}

// IsApplicable is the master switch: enabled, current, not expired. A
// disabled policy is never applicable regardless of its window.
func (p *SponsorshipPolicy) IsApplicable(now time.Time) bool {
	return p.Enabled && p.IsCurrent(now) && !p.IsExpired(now)
}

func (p *SponsorshipPolicy) coversChain(chainID uint64) bool {
	if p.ApplicableToAllNetworks {
		return true
	}
	for _, id := range p.EnabledChains {
		if id == chainID {
			return true
		}
	}
	return false
}

func (p *SponsorshipPolicy) coversVersion(v userop.Version) bool {
	for _, sv := range p.SupportedEPVersions {
		if sv == v {
			return true
		}
	}
	return false
}

// Evaluate authorizes a request against the policy. It returns nil only
// from the enabled-and-current state with the chain and entry-point
// version in scope; every rejection carries the evaluated wallet, chain
// and version for diagnostics.
func Evaluate(p *SponsorshipPolicy, chainID uint64, version userop.Version, now time.Time) error {
	if p == nil {
		return errs.New(errs.KindPolicyNotApplicable, "no sponsorship policy configured")
	}
	detail := func(e *errs.Error) *errs.Error {
		return e.WithDetail("wallet", p.WalletAddress.Hex()).
			WithDetail("chainId", chainID).
			WithDetail("epVersion", version.String())
	}
	if !p.Enabled {
		return detail(errs.Newf(errs.KindPolicyNotApplicable, "policy %s is disabled", p.ID))
	}
	if p.IsExpired(now) {
		return detail(errs.Newf(errs.KindPolicyExpired, "policy %s expired", p.ID))
	}
	if !p.IsCurrent(now) {
		return detail(errs.Newf(errs.KindPolicyNotApplicable, "policy %s has not started", p.ID))
	}
	if !p.coversChain(chainID) {
		return detail(errs.Newf(errs.KindPolicyNotApplicable, "policy %s does not cover chain %d", p.ID, chainID))
	}
	if !p.coversVersion(version) {
		return detail(errs.Newf(errs.KindPolicyNotApplicable, "policy %s does not cover entry point %s", p.ID, version))
	}
	return nil
}

// SpendTotals are the pre-aggregated amounts the external ledger reports,
// denominated in the same unit as the corresponding policy limit.
type SpendTotals struct {
	Global  *big.Int
	PerUser *big.Int
	PerOp   *big.Int
}

// CheckLimits compares ledger totals against the policy's configured
// ceilings and rejects on the first violated scope. Scopes without a
// configured limit are unbounded.
func CheckLimits(p *SponsorshipPolicy, totals SpendTotals) error {
	type check struct {
		scope LimitScope
		limit *Limit
		spent *big.Int
	}
	for _, c := range []check{
		{ScopeGlobal, p.GlobalLimit, totals.Global},
		{ScopePerUser, p.PerUserLimit, totals.PerUser},
		{ScopePerOp, p.PerOpLimit, totals.PerOp},
	} {
		if c.limit == nil || c.limit.Value == nil || c.spent == nil {
			continue
		}
		if c.spent.Cmp(c.limit.Value) >= 0 {
			return errs.Newf(errs.KindQuotaExceeded, "%s limit reached", c.scope).
				WithDetail("scope", string(c.scope)).
				WithDetail("unit", string(c.limit.Unit)).
				WithDetail("limit", c.limit.Value.String()).
				WithDetail("spent", c.spent.String())
		}
	}
	return nil
}
