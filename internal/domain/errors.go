package domain

import (
	"errors"
	"fmt"
)

// Kind classifies an error the way the core surfaces it to callers and to
// the settlement retry sweeper. Never rely on string matching outside of
// settlement.ClassifyError's fallback path; switch on Kind instead (see
// Retryable).
type Kind int

const (
	KindInternal Kind = iota
	KindNotFound
	KindValidation
	KindDatabase
	KindCache
	KindLedgerRetryable
	KindLedgerPermanent
	KindInvariantViolation
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindValidation:
		return "validation"
	case KindDatabase:
		return "database"
	case KindCache:
		return "cache"
	case KindLedgerRetryable:
		return "ledger_retryable"
	case KindLedgerPermanent:
		return "ledger_permanent"
	case KindInvariantViolation:
		return "invariant_violation"
	default:
		return "internal"
	}
}

// Error wraps an underlying cause with a Kind so callers can classify
// failures without parsing messages.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether an error of this Kind should be retried by the
// settlement sweeper (§4.6.4) rather than treated as terminal. This is the
// canonical classification; string matching only covers errors that escape
// without ever being wrapped as a *Error.
func (k Kind) Retryable() bool {
	switch k {
	case KindLedgerRetryable, KindDatabase, KindCache:
		return true
	case KindNotFound, KindValidation, KindLedgerPermanent, KindInvariantViolation:
		return false
	default:
		return true
	}
}

func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is lets errors.Is(err, ErrNotFound) work by comparing Kind, since the
// wrapped cause usually differs per call site.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

var (
	ErrNotFound            = &Error{Kind: KindNotFound}
	ErrValidation          = &Error{Kind: KindValidation}
	ErrDatabase            = &Error{Kind: KindDatabase}
	ErrCache               = &Error{Kind: KindCache}
	ErrLedgerRetryable     = &Error{Kind: KindLedgerRetryable}
	ErrLedgerPermanent     = &Error{Kind: KindLedgerPermanent}
	ErrInvariantViolation  = &Error{Kind: KindInvariantViolation}
)

func NotFound(op string, err error) *Error           { return NewError(KindNotFound, op, err) }
func Validation(op string, err error) *Error         { return NewError(KindValidation, op, err) }
func Database(op string, err error) *Error           { return NewError(KindDatabase, op, err) }
func Cache(op string, err error) *Error               { return NewError(KindCache, op, err) }
func LedgerRetryable(op string, err error) *Error    { return NewError(KindLedgerRetryable, op, err) }
func LedgerPermanent(op string, err error) *Error    { return NewError(KindLedgerPermanent, op, err) }
func InvariantViolation(op string, err error) *Error { return NewError(KindInvariantViolation, op, err) }
