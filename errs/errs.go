// Package errs defines the typed error taxonomy every engine component
// reports through. Each component raises the precise kind at the point of
// failure; nothing upstream reclassifies generic errors into kinds. The
// RPC layer maps kinds to stable wire codes and passes the structured
// details through untouched.
package errs

import (
	"errors"
	"fmt"
)

// Kind is a stable error category.
type Kind string

const (
	KindUnsupportedNetwork       Kind = "unsupported_network"
	KindUnsupportedEntryPoint    Kind = "unsupported_entry_point"
	KindUnsupportedNetworkToken  Kind = "unsupported_network_token"
	KindUnsupportedTokenDecimals Kind = "unsupported_token_decimals"
	KindInvalidUserOperation     Kind = "invalid_user_operation"
	KindInvalidRequest           Kind = "invalid_request"
	KindOracleUnavailable        Kind = "oracle_unavailable"
	KindStalePrice               Kind = "stale_price"
	KindPolicyNotApplicable      Kind = "policy_not_applicable"
	KindPolicyExpired            Kind = "policy_expired"
	KindNotWhitelisted           Kind = "not_whitelisted"
	KindContractNotWhitelisted   Kind = "contract_not_whitelisted"
	KindQuotaExceeded            Kind = "quota_exceeded"
	KindSigningFailure           Kind = "signing_failure"
)

// Error carries a kind, a human-readable message and structured context
// for diagnostics. The message is for operators; user-facing text is owned
// by the transport layer.
type Error struct {
	Kind    Kind                   `json:"kind"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	cause   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// New creates an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying cause.
func Wrap(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// WithDetail adds one structured context field and returns the error for
// chaining.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// KindOf extracts the kind from an error chain, or "" when the chain
// carries no typed error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether the error chain carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
