package adapter

import (
	"errors"
	"fmt"

	"swaprelay/core/swap"
)

// Code is the stable failure code carried by every adapter error.
type Code string

const (
	CodeInsufficientFunds Code = "insufficient_funds"
	CodeRejected          Code = "rejected"
	CodeTimeout           Code = "timeout"
	CodeInvalidSecret     Code = "invalid_secret"
	CodeExpired           Code = "expired"
	CodeAlreadyProcessed  Code = "already_processed"
	CodeNotExpired        Code = "not_expired"
	CodeUnauthorized      Code = "unauthorized"
	CodeNotFound          Code = "not_found"
	CodeUnavailable       Code = "unavailable"
	CodeDisconnected      Code = "disconnected"
	CodeReorg             Code = "reorg"
)

// retryableCodes lists the failures a caller may retry with backoff. The
// rest are either success-in-disguise (AlreadyProcessed), scheduling hints
// (NotExpired), or hard stops.
var retryableCodes = map[Code]bool{
	CodeTimeout:      true,
	CodeUnavailable:  true,
	CodeDisconnected: true,
	CodeRejected:     false,
	CodeReorg:        false,
}

// Error is the typed failure value every adapter operation returns on the
// unhappy path.
type Error struct {
	Ledger swap.Ledger
	Op     string
	Code   Code
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %s: %v", e.Ledger, e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("%s %s: %s", e.Ledger, e.Op, e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the failure is worth a backed-off retry.
func (e *Error) Retryable() bool { return retryableCodes[e.Code] }

// NewError builds a typed adapter failure.
func NewError(ledger swap.Ledger, op string, code Code, err error) *Error {
	return &Error{Ledger: ledger, Op: op, Code: code, Err: err}
}

// CodeOf extracts the failure code, or empty when err is not an adapter
// error.
func CodeOf(err error) Code {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return ""
}

// IsCode reports whether err carries the given adapter code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// Retryable reports whether err is a retryable adapter failure. Non-adapter
// errors are treated as non-retryable so unknown conditions surface fast.
func Retryable(err error) bool {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Retryable()
	}
	return false
}
