package types

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures so callers can decide whether to retry,
// reject or correct state.
type ErrorKind string

const (
	KindValidation      ErrorKind = "VALIDATION"
	KindIdempotency     ErrorKind = "IDEMPOTENCY_CONFLICT"
	KindTransient       ErrorKind = "EXCHANGE_TRANSIENT"
	KindRejection       ErrorKind = "EXCHANGE_REJECTION"
	KindReconciliation  ErrorKind = "RECONCILIATION_MISMATCH"
	KindDecisionTimeout ErrorKind = "DECISION_TIMEOUT"
)

// Error carries a machine-readable code and a plain-language message.
type Error struct {
	Kind    ErrorKind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, and the same code when the target sets one.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Code == "" || t.Code == e.Code
}

// Sentinels for errors.Is checks by kind.
var (
	ErrValidation      = &Error{Kind: KindValidation}
	ErrIdempotency     = &Error{Kind: KindIdempotency}
	ErrTransient       = &Error{Kind: KindTransient}
	ErrRejection       = &Error{Kind: KindRejection}
	ErrReconciliation  = &Error{Kind: KindReconciliation}
	ErrDecisionTimeout = &Error{Kind: KindDecisionTimeout}
)

func NewValidationError(code, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Code: code, Message: fmt.Sprintf(format, args...)}
}

func NewIdempotencyConflict(intentID string) *Error {
	return &Error{
		Kind:    KindIdempotency,
		Code:    "duplicate_intent",
		Message: fmt.Sprintf("intent %s is already registered", intentID),
	}
}

func NewTransientError(op string, err error) *Error {
	return &Error{Kind: KindTransient, Code: "exchange_unavailable", Message: op, Err: err}
}

func NewRejection(code, format string, args ...any) *Error {
	return &Error{Kind: KindRejection, Code: code, Message: fmt.Sprintf(format, args...)}
}

func NewReconciliationMismatch(code, format string, args ...any) *Error {
	return &Error{Kind: KindReconciliation, Code: code, Message: fmt.Sprintf(format, args...)}
}

func NewDecisionTimeout(err error) *Error {
	return &Error{Kind: KindDecisionTimeout, Code: "decision_timeout", Message: "decision collaborator missed its deadline", Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// CodeOf returns the machine-readable code of err, or "internal_error".
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "internal_error"
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}
