package domain

import "errors"

// Error kinds surfaced by the engine. Handlers map these to HTTP statuses;
// everything else is treated as internal.
var (
	// ErrValidation rejects a request before any transaction is created.
	ErrValidation = errors.New("validation failed")

	// ErrUntrustedCallback marks a callback that failed authentication. It is
	// audited and dropped, never forwarded to the ledger.
	ErrUntrustedCallback = errors.New("untrusted callback")

	// ErrMalformedCallback marks a callback payload the adapter cannot parse.
	ErrMalformedCallback = errors.New("malformed callback")

	// ErrUnknownTransaction means a callback references a transaction the
	// ledger never created.
	ErrUnknownTransaction = errors.New("unknown transaction")

	// ErrAmountMismatch means update evidence disagrees with the stored
	// amount; the transaction stays in its prior state pending manual review.
	ErrAmountMismatch = errors.New("amount mismatch")

	// ErrProviderUnavailable is a transient provider failure, eligible for
	// the retry scheduler.
	ErrProviderUnavailable = errors.New("provider unavailable")

	// ErrProviderNotFound means the provider has no record of the
	// transaction when actively queried.
	ErrProviderNotFound = errors.New("provider has no record of transaction")

	// ErrForbiddenRawData rejects any payload carrying raw card or account
	// numbers. Hard boundary, not best-effort masking.
	ErrForbiddenRawData = errors.New("raw payment data forbidden")

	// ErrTokenExpired marks a vault token past its TTL.
	ErrTokenExpired = errors.New("token expired")
)
