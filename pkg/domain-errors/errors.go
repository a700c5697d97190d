// Package domainerrors carries the error vocabulary shared across the
// anchoring core. Every failure a public operation can surface maps to one of
// the codes below, so callers can branch on CodeOf without digging into wrapped
// transport errors, and the retry layer can decide retryability uniformly.
package domainerrors

import (
	"errors"
	"fmt"
)

// Code classifies a failure.
type Code string

const (
	// CodeConfiguration marks missing or unusable configuration (absent
	// salt, undersized key material). Never retried.
	CodeConfiguration Code = "configuration"

	// CodeValidation marks malformed caller input (empty secret, bad
	// address, missing signer). Never retried.
	CodeValidation Code = "validation"

	// CodeNetworkTransient marks transport-level failures (timeouts,
	// connection resets, overloaded nodes). Retryable.
	CodeNetworkTransient Code = "network_transient"

	// CodeLedgerRejected marks an explicit transaction error reported by
	// the ledger. Fatal; it carries the ledger error payload.
	CodeLedgerRejected Code = "ledger_rejected"

	// CodeConfirmationExpired marks a submission whose reference blockhash
	// aged out (or whose confirmation window elapsed) before the ledger
	// acknowledged it. Retryable with a fresh blockhash.
	CodeConfirmationExpired Code = "confirmation_expired"

	// CodeSessionExpired marks a session that can no longer be refreshed.
	CodeSessionExpired Code = "session_expired"

	// CodeRateLimited marks a caller that exhausted its token bucket.
	// Fails closed, never silently queued.
	CodeRateLimited Code = "rate_limited"

	// CodeUnavailable marks a dependency that is temporarily unable to
	// answer (empty fee response, half-open cache backend). Retryable.
	CodeUnavailable Code = "unavailable"
)

// Error is a coded domain error, optionally wrapping a cause.
type Error struct {
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New builds a coded error.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf builds a coded error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds a coded error around a cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// CodeOf extracts the code from err, walking the wrap chain.
// Returns "" when err carries no domain code.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}

// Retryable reports whether err is worth another attempt. Uncoded errors are
// treated as fatal: the submitter only retries what the ledger layer has
// explicitly classified as transient.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case CodeNetworkTransient, CodeConfirmationExpired, CodeUnavailable:
		return true
	default:
		return false
	}
}
