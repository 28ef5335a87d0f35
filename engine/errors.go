/*
errors.go - Centralized error types for the engine

PURPOSE:
  All error types in one place. Callers match sentinels with errors.Is and
  pull details out of the structured errors with errors.As.

ERROR CATEGORIES:
  1. Ledger errors - InsufficientCredit (recoverable), InvariantViolation (bug)
  2. Package errors - PauseQuotaExceeded, PackageUnavailable
  3. Approval errors - AlreadyResolved, ApprovalPending
  4. Store errors - NotFound, ConcurrentModification, DuplicateIdempotencyKey

SEE ALSO:
  - api/handlers.go: Maps these errors to HTTP status codes
*/
package engine

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInsufficientCredit is returned when a reservation exceeds the
	// uncommitted hours. The caller should prompt a top-up.
	ErrInsufficientCredit = errors.New("insufficient credit")

	// ErrInvariantViolation means a release/settle asked for more than the
	// committed bucket holds, or the buckets no longer add up. Always a bug.
	ErrInvariantViolation = errors.New("ledger invariant violation")

	// ErrPauseQuotaExceeded is returned when a package has used all pauses.
	ErrPauseQuotaExceeded = errors.New("pause quota exceeded")

	// ErrAlreadyResolved is returned when resolving a non-pending approval.
	ErrAlreadyResolved = errors.New("approval already resolved")

	// ErrApprovalPending is returned when the subject already has a pending approval.
	ErrApprovalPending = errors.New("approval already pending")

	// ErrPackageUnavailable is returned when no active package can fund or
	// accept the action (paused, expired or completed).
	ErrPackageUnavailable = errors.New("package unavailable")

	// ErrInvalidState is returned when an entity is not in a state that
	// allows the action (e.g. cancelling a completed session).
	ErrInvalidState = errors.New("invalid state")

	// ErrInvalidInput is returned for malformed requests.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound is returned when a referenced entity doesn't exist.
	ErrNotFound = errors.New("not found")

	// ErrConcurrentModification is returned when optimistic locking detects a conflict.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrDuplicateIdempotencyKey is returned when a ledger entry with the same
	// idempotency key already exists. Expected for payment retries.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientCreditError provides details about a credit shortage.
type InsufficientCreditError struct {
	LedgerID  LedgerID
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientCreditError) Shortfall() decimal.Decimal {
	return e.Requested.Sub(e.Available)
}

func (e *InsufficientCreditError) Error() string {
	return fmt.Sprintf("insufficient credit on %s: available %s, requested %s, shortfall %s",
		e.LedgerID, e.Available, e.Requested, e.Shortfall())
}

func (e *InsufficientCreditError) Unwrap() error { return ErrInsufficientCredit }

// InvariantViolationError describes the bucket state that broke the invariant.
type InvariantViolationError struct {
	LedgerID LedgerID
	Kind     TransferKind
	Hours    decimal.Decimal
	Ledger   CreditLedger
	Reason   string
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("ledger %s: %s of %s rejected: %s (total=%s uncommitted=%s committed=%s completed=%s)",
		e.LedgerID, e.Kind, e.Hours, e.Reason,
		e.Ledger.Total, e.Ledger.Uncommitted, e.Ledger.Committed, e.Ledger.Completed)
}

func (e *InvariantViolationError) Unwrap() error { return ErrInvariantViolation }

// PauseQuotaError reports how many pauses a package has used.
type PauseQuotaError struct {
	PackageID PackageID
	Used      int
	Max       int
}

func (e *PauseQuotaError) Remaining() int {
	if e.Max <= e.Used {
		return 0
	}
	return e.Max - e.Used
}

func (e *PauseQuotaError) Error() string {
	return fmt.Sprintf("package %s has used %d of %d pauses", e.PackageID, e.Used, e.Max)
}

func (e *PauseQuotaError) Unwrap() error { return ErrPauseQuotaExceeded }

// AlreadyResolvedError carries the final status of the request.
type AlreadyResolvedError struct {
	RequestID RequestID
	Status    ApprovalStatus
}

func (e *AlreadyResolvedError) Error() string {
	return fmt.Sprintf("approval %s already %s", e.RequestID, e.Status)
}

func (e *AlreadyResolvedError) Unwrap() error { return ErrAlreadyResolved }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is due to the request, not the system.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInsufficientCredit) ||
		errors.Is(err, ErrPauseQuotaExceeded) ||
		errors.Is(err, ErrAlreadyResolved) ||
		errors.Is(err, ErrApprovalPending) ||
		errors.Is(err, ErrPackageUnavailable) ||
		errors.Is(err, ErrInvalidState) ||
		errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrDuplicateIdempotencyKey)
}

// IsNotFound returns true if the error indicates a missing entity.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// NotFoundError builds an ErrNotFound-wrapping error. Store implementations use it.
func NotFoundError(what string, id any) error {
	return fmt.Errorf("%s %v: %w", what, id, ErrNotFound)
}
