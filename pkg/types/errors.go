// Package types holds the wire- and store-level data model shared by every
// core component: transactions, observations, peers, and party state.
package types

import "fmt"

// ErrorKind enumerates the error taxonomy surfaced through the
// response-metadata error field (see the external interface design).
type ErrorKind string

const (
	ErrDuplicate          ErrorKind = "Duplicate"
	ErrDuplicateInProgress ErrorKind = "DuplicateInProgress"
	ErrValidationSchema   ErrorKind = "ValidationSchema"
	ErrBalanceMismatch    ErrorKind = "BalanceMismatch"
	ErrBadProof           ErrorKind = "BadProof"
	ErrInsufficientFee    ErrorKind = "InsufficientFee"
	ErrUnknownUtxo        ErrorKind = "UnknownUtxo"
	ErrMissingParent      ErrorKind = "MissingParent"
	ErrParentRejected     ErrorKind = "ParentRejected"
	ErrUtxoInvalid        ErrorKind = "UtxoConsideredInvalid"
	ErrRejectedDoubleSpend ErrorKind = "RejectedDoubleSpend"
	ErrNoAttestations     ErrorKind = "NoAttestations"
	ErrMempoolFull        ErrorKind = "MempoolFull"
	ErrOverloaded         ErrorKind = "Overloaded"
	ErrTimeout            ErrorKind = "Timeout"
	ErrAuthorization      ErrorKind = "Authorization"
	ErrInternal           ErrorKind = "Internal"
)

// Error is a typed node error carrying one of the ErrorKind values. It
// implements the standard error interface so it composes with fmt.Errorf's
// %w verb and errors.Is/As.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is implements errors.Is against another *Error by Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// NewError constructs an Error of the given kind.
func NewError(kind ErrorKind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap constructs an Error of the given kind wrapping a lower-level cause.
func Wrap(kind ErrorKind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}
