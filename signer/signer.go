// Package signer wraps the sponsor signing keys behind handles. A handle
// signs entry-point authorization hashes with the personal-message prefix;
// the engine never sees, logs or serializes the raw key. One handle exists
// per sponsor wallet and the same EOA sponsors on every supported chain.
package signer

import (
	"context"
	"crypto/ecdsa"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/sponsorlab/paymaster/errs"
)

// Handle is an opaque signing capability for one sponsor wallet.
type Handle interface {
	// Address is the EOA the entry point will recover.
	Address() common.Address
	// SignMessage signs keccak(prefix ‖ msg) with the Ethereum personal
	// message prefix and returns a 65-byte (r, s, v) signature with
	// v ∈ {27, 28}.
	SignMessage(ctx context.Context, msg []byte) ([]byte, error)
}

// KeyStore resolves sponsor wallets to signing handles. Implementations
// live outside the engine (managed secret store, encrypted column); the
// engine only requires that a handle comes back or an error does.
type KeyStore interface {
	SignerFor(ctx context.Context, wallet common.Address) (Handle, error)
}

// ecdsaHandle signs with an in-memory secp256k1 key.
type ecdsaHandle struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewFromHex builds a handle from a hex-encoded private key, with or
// without the 0x prefix.
func NewFromHex(privateKeyHex string) (Handle, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, errs.Wrap(errs.KindSigningFailure, err, "invalid signing key")
	}
	return &ecdsaHandle{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
	}, nil
}

func (h *ecdsaHandle) Address() common.Address {
	return h.address
}

func (h *ecdsaHandle) SignMessage(ctx context.Context, msg []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(accounts.TextHash(msg), h.key)
	if err != nil {
		return nil, errs.Wrap(errs.KindSigningFailure, err, "sign authorization hash")
	}
	// Contracts expect the legacy recovery id.
	sig[64] += 27
	return sig, nil
}

// StaticKeyStore is a fixed wallet → handle map, used for configuration
// loaded at startup and for tests.
type StaticKeyStore struct {
	mu      sync.RWMutex
	handles map[common.Address]Handle
}

func NewStaticKeyStore() *StaticKeyStore {
	return &StaticKeyStore{handles: make(map[common.Address]Handle)}
}

// Add registers a handle under its own address.
func (s *StaticKeyStore) Add(h Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handles[h.Address()] = h
}

func (s *StaticKeyStore) SignerFor(_ context.Context, wallet common.Address) (Handle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.handles[wallet]
	if !ok {
		return nil, errs.Newf(errs.KindSigningFailure, "no signing key for wallet %s", wallet.Hex())
	}
	return h, nil
}
