// Package whitelist validates who may use a sponsor's paymaster and what
// a sponsored call may do. Sender records answer the "who": per API key,
// optionally scoped to a policy and entry-point version, with a policy-less
// record acting as a global allow-list. Contract records answer the
// "what": per chain and sponsor wallet, which target contracts and which
// of their functions a sponsored batch may touch.
package whitelist

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/sponsorlab/paymaster/errs"
	"github.com/sponsorlab/paymaster/userop"
)

// Record is one sender allow-list. A nil PolicyID makes the record global
// for its API key; a nil EPVersion applies it to every entry-point
// version.
type Record struct {
	ID        uuid.UUID        `json:"id"`
	APIKey    string           `json:"apiKey"`
	PolicyID  *uuid.UUID       `json:"policyId,omitempty"`
	EPVersion *userop.Version  `json:"epVersion,omitempty"`
	Addresses []common.Address `json:"addresses"`
	CreatedAt time.Time        `json:"createdAt"`
}

func (r *Record) contains(sender common.Address) bool {
	for _, a := range r.Addresses {
		if a == sender {
			return true
		}
	}
	return false
}

// matches reports whether the record is in scope for the lookup. Global
// records (no policy scope) always participate alongside policy-scoped
// ones; presence in any matching record unions to an allow.
func (r *Record) matches(apiKey string, policyID *uuid.UUID, version userop.Version) bool {
	if r.APIKey != apiKey {
		return false
	}
	if r.PolicyID != nil && (policyID == nil || *r.PolicyID != *policyID) {
		return false
	}
	if r.EPVersion != nil && *r.EPVersion != version {
		return false
	}
	return true
}

// SenderAllowed checks the sender against the union of the global and
// scoped records for the API key.
func SenderAllowed(records []Record, apiKey string, policyID *uuid.UUID, version userop.Version, sender common.Address) bool {
	for i := range records {
		if records[i].matches(apiKey, policyID, version) && records[i].contains(sender) {
			return true
		}
	}
	return false
}

// CheckSender wraps SenderAllowed into the typed rejection the pipeline
// propagates.
func CheckSender(records []Record, apiKey string, policyID *uuid.UUID, version userop.Version, sender common.Address) error {
	if SenderAllowed(records, apiKey, policyID, version, sender) {
		return nil
	}
	return errs.Newf(errs.KindNotWhitelisted, "sender %s is not whitelisted", sender.Hex()).
		WithDetail("sender", sender.Hex()).
		WithDetail("epVersion", version.String())
}
