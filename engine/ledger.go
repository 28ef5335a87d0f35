/*
ledger.go - Three-bucket credit ledger

PURPOSE:
  The Ledger is the only code allowed to move hours between buckets. Callers
  never read-modify-write ledger fields; they call Grant, Reserve, Release or
  Settle and get back the committed state.

CRITICAL INVARIANTS:
  1. CONSERVATION: uncommitted + committed + completed == total after every transfer
  2. NON-NEGATIVE: no bucket ever drops below zero
  3. NO OVERDRAW: reserve fails when uncommitted < requested
  4. NO CLAMPING: release/settle beyond committed is an InvariantViolation

ATOMICITY:
  Each transfer runs as read → apply → versioned write → entry append inside
  one Store transaction. A version conflict aborts the attempt and the whole
  transfer is re-evaluated against the current row, so two concurrent
  reservations against an under-funded ledger can never both commit.

  Gate actions call transferIn with their own Tx so that the transfer and the
  session write commit together.

SEE ALSO:
  - store.go: UpdateLedger version contract
  - gate.go: Reserve on booking, Release on cancel, Settle on completion
*/
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/shopspring/decimal"
	"github.com/tutorly/credit-engine/observability"
)

// =============================================================================
// PURE TRANSFER
// =============================================================================

// Apply returns the ledger after moving hours according to kind.
// The receiver is not modified.
func (l CreditLedger) Apply(kind TransferKind, hours decimal.Decimal) (CreditLedger, error) {
	if !hours.IsPositive() {
		return l, fmt.Errorf("%s of %s hours: %w", kind, hours, ErrInvalidInput)
	}

	next := l
	switch kind {
	case TransferGrant:
		next.Total = l.Total.Add(hours)
		next.Uncommitted = l.Uncommitted.Add(hours)
	case TransferReserve:
		if l.Uncommitted.LessThan(hours) {
			return l, &InsufficientCreditError{LedgerID: l.ID, Available: l.Uncommitted, Requested: hours}
		}
		next.Uncommitted = l.Uncommitted.Sub(hours)
		next.Committed = l.Committed.Add(hours)
	case TransferRelease:
		if l.Committed.LessThan(hours) {
			return l, &InvariantViolationError{LedgerID: l.ID, Kind: kind, Hours: hours, Ledger: l, Reason: "exceeds committed hours"}
		}
		next.Committed = l.Committed.Sub(hours)
		next.Uncommitted = l.Uncommitted.Add(hours)
	case TransferSettle:
		if l.Committed.LessThan(hours) {
			return l, &InvariantViolationError{LedgerID: l.ID, Kind: kind, Hours: hours, Ledger: l, Reason: "exceeds committed hours"}
		}
		next.Committed = l.Committed.Sub(hours)
		next.Completed = l.Completed.Add(hours)
	default:
		return l, fmt.Errorf("unknown transfer kind %q: %w", kind, ErrInvalidInput)
	}

	if !next.Balanced() {
		return l, &InvariantViolationError{LedgerID: l.ID, Kind: kind, Hours: hours, Ledger: next, Reason: "buckets do not sum to total"}
	}
	return next, nil
}

// =============================================================================
// LEDGER SERVICE
// =============================================================================

type Ledger struct {
	Store      Store
	Clock      Clock
	MaxRetries int
}

func NewLedger(store Store, clock Clock) *Ledger {
	return &Ledger{Store: store, Clock: clock, MaxRetries: 3}
}

// GrantRequest adds purchased or gifted hours to a learner's course ledger.
// The ledger is opened on first grant.
type GrantRequest struct {
	LearnerID LearnerID
	CourseID  CourseID
	Hours     decimal.Decimal
	Currency  string
	Ref       Ref
}

// Get returns the current ledger state.
func (l *Ledger) Get(ctx context.Context, id LedgerID) (*CreditLedger, error) {
	return l.Store.GetLedger(ctx, id)
}

// Entries returns the audit trail of a ledger, oldest first.
func (l *Ledger) Entries(ctx context.Context, id LedgerID) ([]LedgerEntry, error) {
	return l.Store.ListLedgerEntries(ctx, id)
}

// Grant increases total and uncommitted hours together.
func (l *Ledger) Grant(ctx context.Context, req GrantRequest) (*CreditLedger, error) {
	var out *CreditLedger
	err := withRetry(ctx, l.Store, l.MaxRetries, func(tx Tx) error {
		var err error
		out, err = l.grantIn(ctx, tx, req)
		return err
	})
	observe(TransferGrant, err)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Reserve moves hours from uncommitted to committed.
func (l *Ledger) Reserve(ctx context.Context, id LedgerID, hours decimal.Decimal, ref Ref) (*CreditLedger, error) {
	return l.transfer(ctx, id, TransferReserve, hours, ref)
}

// Release moves hours from committed back to uncommitted.
func (l *Ledger) Release(ctx context.Context, id LedgerID, hours decimal.Decimal, ref Ref) (*CreditLedger, error) {
	return l.transfer(ctx, id, TransferRelease, hours, ref)
}

// Settle moves hours from committed to completed.
func (l *Ledger) Settle(ctx context.Context, id LedgerID, hours decimal.Decimal, ref Ref) (*CreditLedger, error) {
	return l.transfer(ctx, id, TransferSettle, hours, ref)
}

func (l *Ledger) transfer(ctx context.Context, id LedgerID, kind TransferKind, hours decimal.Decimal, ref Ref) (*CreditLedger, error) {
	var out *CreditLedger
	err := withRetry(ctx, l.Store, l.MaxRetries, func(tx Tx) error {
		var err error
		out, err = l.transferIn(ctx, tx, id, kind, hours, ref)
		return err
	})
	observe(kind, err)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// grantIn opens the ledger if needed and grants hours within tx.
func (l *Ledger) grantIn(ctx context.Context, tx Tx, req GrantRequest) (*CreditLedger, error) {
	if req.LearnerID == "" || req.CourseID == "" {
		return nil, fmt.Errorf("grant requires learner and course: %w", ErrInvalidInput)
	}
	id := LedgerIDFor(req.LearnerID, req.CourseID)

	current, err := tx.GetLedger(ctx, id)
	switch {
	case errors.Is(err, ErrNotFound):
		now := l.Clock.Now()
		fresh := CreditLedger{
			ID:          id,
			LearnerID:   req.LearnerID,
			CourseID:    req.CourseID,
			Total:       decimal.Zero,
			Uncommitted: decimal.Zero,
			Committed:   decimal.Zero,
			Completed:   decimal.Zero,
			Currency:    req.Currency,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := tx.InsertLedger(ctx, fresh); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	case req.Currency != "" && current.Currency != "" && current.Currency != req.Currency:
		return nil, fmt.Errorf("ledger %s is in %s, grant is in %s: %w", id, current.Currency, req.Currency, ErrInvalidInput)
	}

	return l.transferIn(ctx, tx, id, TransferGrant, req.Hours, req.Ref)
}

// transferIn applies one transfer within tx.
func (l *Ledger) transferIn(ctx context.Context, tx Tx, id LedgerID, kind TransferKind, hours decimal.Decimal, ref Ref) (*CreditLedger, error) {
	current, err := tx.GetLedger(ctx, id)
	if err != nil {
		return nil, err
	}

	next, err := current.Apply(kind, hours)
	if err != nil {
		var inv *InvariantViolationError
		if errors.As(err, &inv) {
			log.Printf("[Ledger] INVARIANT VIOLATION: %v (ref=%s actor=%s)", inv, ref.ReferenceID, ref.Actor)
		}
		return nil, err
	}

	now := l.Clock.Now()
	next.Version = current.Version + 1
	next.UpdatedAt = now
	if err := tx.UpdateLedger(ctx, next, current.Version); err != nil {
		return nil, err
	}

	entry := LedgerEntry{
		ID:             NewID("le"),
		LedgerID:       id,
		Kind:           kind,
		Hours:          hours,
		ReferenceID:    ref.ReferenceID,
		Actor:          ref.Actor,
		IdempotencyKey: ref.IdempotencyKey,
		Total:          next.Total,
		Uncommitted:    next.Uncommitted,
		Committed:      next.Committed,
		Completed:      next.Completed,
		CreatedAt:      now,
	}
	if err := tx.AppendLedgerEntry(ctx, entry); err != nil {
		return nil, err
	}
	return &next, nil
}

func observe(kind TransferKind, err error) {
	observability.LedgerTransfers.WithLabelValues(string(kind), outcome(err)).Inc()
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInsufficientCredit):
		return "insufficient_credit"
	case errors.Is(err, ErrInvariantViolation):
		return "invariant_violation"
	case errors.Is(err, ErrConcurrentModification):
		return "conflict"
	default:
		return "error"
	}
}
