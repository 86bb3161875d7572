/*
errors.go - Centralized error types for the exchange engine

PURPOSE:
  All exchange-domain failures share a single typed error carrying a
  machine-readable code and a human message. Callers branch on the code,
  never on message text.

ERROR CATEGORIES:
  1. Validation errors - business rule violations (typed Error with Code)
  2. Store errors      - persistence-level failures (sentinels)

USAGE:
  if exchange.CodeOf(err) == exchange.CodeExchangeUnavailable {
      // listing was superseded by a concurrent trade
  }

SEE ALSO:
  - validate.go: Producers of most validation errors
  - store.go:    Producers of the store sentinels
*/
package exchange

import (
	"errors"
	"fmt"
)

// =============================================================================
// ERROR CODES
// =============================================================================

type Code string

const (
	CodeGuardNotFound        Code = "GUARD_NOT_FOUND"
	CodeGuardAlreadyExchanged Code = "GUARD_ALREADY_EXCHANGED"
	CodeUserHasGuard         Code = "USER_HAS_GUARD"
	CodeInvalidExchange      Code = "INVALID_EXCHANGE"
	CodeExchangeUnavailable  Code = "EXCHANGE_UNAVAILABLE"
	CodeUserAlreadyHasShift  Code = "USER_ALREADY_HAS_SHIFT"
	CodeUserAlreadyGaveShift Code = "USER_ALREADY_GAVE_SHIFT"
)

// Error is the single typed validation error of the exchange domain.
type Error struct {
	Code    Code
	Message string
	Details map[string]any
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError builds a typed exchange error.
func NewError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewErrorf builds a typed exchange error with a formatted message.
func NewErrorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithDetail attaches one structured detail and returns the error.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// CodeOf extracts the exchange error code, or "" for non-domain errors.
func CodeOf(err error) Code {
	var ee *Error
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ""
}

// IsValidation reports whether err is a domain validation failure that the
// calling layer should surface verbatim (as opposed to an unexpected fault).
func IsValidation(err error) bool {
	var ee *Error
	return errors.As(err, &ee)
}

// =============================================================================
// STORE SENTINELS - Use with errors.Is()
// =============================================================================

var (
	// ErrIndexNotReady is returned by a store when a filtered/sorted query
	// cannot be served because its composite index is not built yet. Callers
	// downgrade to an unindexed query plus client-side filtering; this error
	// is never surfaced to API consumers.
	ErrIndexNotReady = errors.New("composite index not ready")

	// ErrNotFound is returned when a referenced document does not exist.
	ErrNotFound = errors.New("document not found")

	// ErrReadAfterWrite is returned when a transaction issues a read after
	// its first write. The backing store statically forbids interleaving;
	// every operation is written as "read everything, then write everything".
	ErrReadAfterWrite = errors.New("transaction read issued after write")
)
