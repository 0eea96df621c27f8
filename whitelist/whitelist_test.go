package whitelist

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/sponsorlab/paymaster/errs"
	"github.com/sponsorlab/paymaster/userop"
)

var (
	alice = common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	bob   = common.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	carol = common.HexToAddress("0xcccccccccccccccccccccccccccccccccccccccc")
)

func TestSenderAllowedUnion(t *testing.T) {
	policyID := uuid.New()
	v07 := userop.V07
	records := []Record{
		// Global record for the key: no policy scope, any version.
		{ID: uuid.New(), APIKey: "key-1", Addresses: []common.Address{alice}},
		// Scoped to one policy and one version.
		{ID: uuid.New(), APIKey: "key-1", PolicyID: &policyID, EPVersion: &v07, Addresses: []common.Address{bob}},
		// Different key entirely.
		{ID: uuid.New(), APIKey: "key-2", Addresses: []common.Address{carol}},
	}

	// The global record admits alice regardless of policy or version.
	if !SenderAllowed(records, "key-1", nil, userop.V06, alice) {
		t.Error("global record should admit alice without a policy")
	}
	if !SenderAllowed(records, "key-1", &policyID, userop.V08, alice) {
		t.Error("global record should admit alice under any policy and version")
	}

	// The scoped record admits bob only with a matching policy and version.
	if !SenderAllowed(records, "key-1", &policyID, userop.V07, bob) {
		t.Error("scoped record should admit bob with matching policy and version")
	}
	if SenderAllowed(records, "key-1", nil, userop.V07, bob) {
		t.Error("scoped record should not admit bob without a policy")
	}
	if SenderAllowed(records, "key-1", &policyID, userop.V06, bob) {
		t.Error("scoped record should not admit bob on the wrong version")
	}
	otherPolicy := uuid.New()
	if SenderAllowed(records, "key-1", &otherPolicy, userop.V07, bob) {
		t.Error("scoped record should not admit bob under a different policy")
	}

	// Records never leak across API keys.
	if SenderAllowed(records, "key-1", nil, userop.V06, carol) {
		t.Error("key-2's record should not admit carol on key-1")
	}
}

func TestCheckSenderTyped(t *testing.T) {
	err := CheckSender(nil, "key-1", nil, userop.V06, alice)
	if !errs.IsKind(err, errs.KindNotWhitelisted) {
		t.Errorf("expected not_whitelisted, got %v", err)
	}
}
