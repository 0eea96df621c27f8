package userop

import (
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

const (
	// windowFieldLen is the byte width of one uint48 validity bound.
	windowFieldLen = 6
	// WindowLen is the packed validity window: validUntil then validAfter.
	WindowLen = 2 * windowFieldLen
	// SignatureLen is a 65-byte ECDSA signature (r, s, v).
	SignatureLen = 65
	// PaymasterAndDataLen is the full v0.6 field length.
	PaymasterAndDataLen = common.AddressLength + WindowLen + SignatureLen

	// MaxUint48 bounds a validity timestamp. now ± offset in seconds fits
	// comfortably; anything larger is a caller bug.
	MaxUint48 = 1<<48 - 1
)

// PackWindow encodes the validity window as two big-endian 6-byte fields,
// validUntil first. Timestamps are wall-clock seconds, not block time.
func PackWindow(validUntil, validAfter uint64) ([]byte, error) {
	if validUntil > MaxUint48 || validAfter > MaxUint48 {
		return nil, fmt.Errorf("validity bound exceeds uint48")
	}
	out := make([]byte, WindowLen)
	putUint48(out[:windowFieldLen], validUntil)
	putUint48(out[windowFieldLen:], validAfter)
	return out, nil
}

// ParseWindow decodes a packed validity window.
func ParseWindow(b []byte) (validUntil, validAfter uint64, err error) {
	if len(b) != WindowLen {
		return 0, 0, fmt.Errorf("validity window must be %d bytes, got %d", WindowLen, len(b))
	}
	return uint48(b[:windowFieldLen]), uint48(b[windowFieldLen:]), nil
}

// PackPaymasterAndData assembles the v0.6 monolithic field:
// 20-byte paymaster address, 12-byte window, 65-byte signature.
func PackPaymasterAndData(paymaster common.Address, validUntil, validAfter uint64, sig []byte) ([]byte, error) {
	if len(sig) != SignatureLen {
		return nil, fmt.Errorf("signature must be %d bytes, got %d", SignatureLen, len(sig))
	}
	window, err := PackWindow(validUntil, validAfter)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, PaymasterAndDataLen)
	out = append(out, paymaster.Bytes()...)
	out = append(out, window...)
	out = append(out, sig...)
	return out, nil
}

// ParsePaymasterAndData is the inverse of PackPaymasterAndData.
func ParsePaymasterAndData(b []byte) (paymaster common.Address, validUntil, validAfter uint64, sig []byte, err error) {
	if len(b) != PaymasterAndDataLen {
		err = fmt.Errorf("paymasterAndData must be %d bytes, got %d", PaymasterAndDataLen, len(b))
		return
	}
	paymaster = common.BytesToAddress(b[:common.AddressLength])
	validUntil, validAfter, err = ParseWindow(b[common.AddressLength : common.AddressLength+WindowLen])
	if err != nil {
		return
	}
	sig = b[common.AddressLength+WindowLen:]
	return
}

// PackPaymasterData assembles the v0.7/v0.8 paymasterData field: the same
// window-plus-signature payload without the leading address, which the
// split format carries separately.
func PackPaymasterData(validUntil, validAfter uint64, sig []byte) ([]byte, error) {
	if len(sig) != SignatureLen {
		return nil, fmt.Errorf("signature must be %d bytes, got %d", SignatureLen, len(sig))
	}
	window, err := PackWindow(validUntil, validAfter)
	if err != nil {
		return nil, err
	}
	return append(window, sig...), nil
}

// DummySignature is a well-formed but meaningless 65-byte signature used
// when asking a bundler to estimate gas for an unsigned operation.
var DummySignature = func() []byte {
	sig := make([]byte, SignatureLen)
	for i := range sig {
		sig[i] = 0x01
	}
	sig[SignatureLen-1] = 0x1b
	return sig
}()

func putUint48(dst []byte, v uint64) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	copy(dst, buf[2:])
}

func uint48(b []byte) uint64 {
	var buf [8]byte
	copy(buf[2:], b)
	return binary.BigEndian.Uint64(buf[:])
}
