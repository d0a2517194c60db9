package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"
)

// Validation errors.
var (
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrSameAccount         = errors.New("cannot transfer to the same account")
	ErrSameCurrency        = errors.New("accounts share a currency, use a transfer instead")
	ErrCurrencyMismatch    = errors.New("currency mismatch, use an exchange instead")
	ErrInvalidRate         = errors.New("exchange rate must be positive")
	ErrUnsupportedCurrency = errors.New("unsupported currency")
	ErrInvalidType         = errors.New("unknown transaction type")
)

// State errors.
var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrAccountNotFound     = errors.New("account not found")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrUnauthorized        = errors.New("account does not belong to user")
)

// Conflict errors. Callers may retry the whole call on ErrRetryableConflict;
// ErrIdempotencyConflict needs a new idempotency key.
var (
	ErrRetryableConflict   = errors.New("conflicting concurrent operation, please retry")
	ErrIdempotencyConflict = errors.New("idempotency key is in an ambiguous state, please use a new idempotency key")
)

// Ledger writer errors. These indicate a programming error in the caller.
var (
	ErrPrecondition           = errors.New("ledger entries must be written inside a transaction")
	ErrUnbalancedEntries      = errors.New("ledger entries do not balance")
	ErrInvalidExchangeEntries = errors.New("exchange requires exactly one debit and one credit entry")
	ErrInvalidLedgerEntry     = errors.New("invalid ledger entry")
)

// Kind groups errors by how a caller should react to them.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindState
	KindConflict
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindState:
		return "state"
	case KindConflict:
		return "conflict"
	}
	return "internal"
}

// ErrorKind classifies err against the sentinel errors above.
func ErrorKind(err error) Kind {
	switch {
	case err == nil:
		return KindInternal
	case errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrSameAccount),
		errors.Is(err, ErrSameCurrency),
		errors.Is(err, ErrCurrencyMismatch),
		errors.Is(err, ErrInvalidRate),
		errors.Is(err, ErrUnsupportedCurrency),
		errors.Is(err, ErrInvalidType):
		return KindValidation
	case errors.Is(err, ErrInsufficientBalance),
		errors.Is(err, ErrAccountNotFound),
		errors.Is(err, ErrTransactionNotFound),
		errors.Is(err, ErrUnauthorized):
		return KindState
	case errors.Is(err, ErrRetryableConflict),
		errors.Is(err, ErrIdempotencyConflict):
		return KindConflict
	}
	return KindInternal
}

// SQLSTATE codes the engine reacts to.
const (
	codeUniqueViolation      pq.ErrorCode = "23505"
	codeSerializationFailure pq.ErrorCode = "40001"
	codeDeadlockDetected     pq.ErrorCode = "40P01"
	codeLockNotAvailable     pq.ErrorCode = "55P03"
)

// classifyDBError turns lock contention reported by Postgres, or a deadline
// hit while waiting for a connection, into ErrRetryableConflict. Other errors
// pass through unchanged.
func classifyDBError(err error) error {
	if err == nil {
		return nil
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case codeDeadlockDetected, codeSerializationFailure, codeLockNotAvailable:
			return fmt.Errorf("%w: %s (%s)", ErrRetryableConflict, pqErr.Message, pqErr.Code)
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrRetryableConflict, err)
	}
	return err
}

// isIdempotencyViolation reports whether err is a unique violation on the
// transactions idempotency key index.
func isIdempotencyViolation(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Code != codeUniqueViolation {
		return false
	}
	return pqErr.Constraint == "" || strings.Contains(pqErr.Constraint, "idempotency_key")
}
