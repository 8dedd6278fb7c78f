// Package apperr defines the machine-readable error codes surfaced by the
// payment ledger. Handlers map codes to HTTP statuses; services and the
// allocation engine wrap lower-level errors with a code so callers see a
// single stable code plus a human-readable message.
package apperr

import (
	"errors"
	"fmt"
)

type Code string

const (
	CodeValidation          Code = "VALIDATION"
	CodeDuplicatePayment    Code = "DUPLICATE_PAYMENT"
	CodeOverpaymentRejected Code = "OVERPAYMENT_REJECTED"
	CodeItemNotEligible     Code = "ITEM_NOT_ELIGIBLE"
	CodeThresholdNotMet     Code = "THRESHOLD_NOT_MET"
	CodeAllocationConflict  Code = "ALLOCATION_CONFLICT"
	CodeNotFound            Code = "NOT_FOUND"
)

// Error carries a taxonomy code alongside the message. It supports
// errors.Is/As so callers can branch on the code without string matching.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a coded error with a formatted message.
func New(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(code Code, err error, message string) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// CodeOf extracts the taxonomy code from an error chain.
func CodeOf(err error) (Code, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, true
	}
	return "", false
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code Code) bool {
	c, ok := CodeOf(err)
	return ok && c == code
}
