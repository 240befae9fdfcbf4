package library

import (
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"
)

// Kind classifies why an operation failed.
type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindConflict
	KindForbidden
	KindUnavailable
	KindInvalid
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindForbidden:
		return "forbidden"
	case KindUnavailable:
		return "unavailable"
	case KindInvalid:
		return "invalid"
	}
	return "unknown"
}

// Error is a circulation failure carrying the broken rule. Business rule
// errors are the package sentinels below; storage faults are wrapped with
// KindUnavailable.
type Error struct {
	Kind    Kind
	Reason  string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error with the same kind and reason, so wrapped
// copies of a sentinel still satisfy errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Reason == t.Reason && t.Reason != ""
}

func newError(kind Kind, reason, msg string) *Error {
	return &Error{Kind: kind, Reason: reason, Message: msg}
}

var (
	ErrBookNotFound        = newError(KindNotFound, "book_not_found", "book not found")
	ErrTransactionNotFound = newError(KindNotFound, "transaction_not_found", "transaction not found")
	ErrFineNotFound        = newError(KindNotFound, "fine_not_found", "fine not found")
	ErrMemberNotFound      = newError(KindNotFound, "member_not_found", "member not found")

	ErrBookUnavailable     = newError(KindConflict, "unavailable", "book is not available")
	ErrAlreadyBorrowed     = newError(KindConflict, "already_borrowed", "you already have this book")
	ErrBorrowLimitExceeded = newError(KindConflict, "limit_exceeded", "borrowing limit exceeded")
	ErrAlreadyReturned     = newError(KindConflict, "already_returned", "book already returned")
	ErrMaxRenewalsReached  = newError(KindConflict, "max_renewals_reached", "maximum renewals reached")
	ErrNotBorrowed         = newError(KindConflict, "not_borrowed", "book is not currently borrowed")
	ErrFineSettled         = newError(KindConflict, "fine_settled", "fine is already settled")
	ErrCopyBounds          = newError(KindConflict, "copy_bounds", "copy counters out of range")

	ErrForbidden          = newError(KindForbidden, "forbidden", "not authorized")
	ErrInvalidCredentials = newError(KindForbidden, "invalid_credentials", "invalid member id or password")

	ErrInvalidCopies = newError(KindInvalid, "invalid_copies", "copies must not be negative")
	ErrInvalidInput  = newError(KindInvalid, "invalid_input", "invalid input")
)

// withDetail returns a copy of a sentinel with a more specific message.
func withDetail(base *Error, format string, args ...any) *Error {
	return &Error{Kind: base.Kind, Reason: base.Reason, Message: fmt.Sprintf(format, args...)}
}

// unavailable wraps a storage fault.
func unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Kind: KindUnavailable, Reason: "storage", Message: op, Err: err}
}

// KindOf classifies err. Errors that are not *Error are treated as
// infrastructure faults.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnavailable
}

// ReasonOf returns the rule name of err, or "" if it has none.
func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}

// IsBusy reports whether err is SQLite lock contention. Busy errors are
// safe for callers to retry.
func IsBusy(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}
