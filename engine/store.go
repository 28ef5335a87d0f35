/*
store.go - Persistence interface for ledgers, packages, sessions and approvals

PURPOSE:
  Defines the boundary between the engine and the database. Every mutation
  the engine performs happens inside Store.WithTx, so a gate action either
  fully applies or leaves no trace.

KEY INTERFACES:
  Reader: Point lookups usable inside and outside a transaction
  Writer: Mutations, only reachable through a Tx
  Tx:     Reader + Writer bound to one transaction
  Store:  Reader + list queries + WithTx

LEDGER ROWS:
  UpdateLedger takes the version the caller read. Implementations must fail
  with ErrConcurrentModification when the stored version differs, so two
  writers can never both commit a transfer computed from the same read.

APPROVAL ROWS:
  ResolveApproval only succeeds on a pending row. A second resolution of the
  same ID fails with ErrAlreadyResolved inside the store, not just in the
  engine's pre-check.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite (production)
  - store/memory/memory.go: In-memory (tests, dev)
*/
package engine

import (
	"context"
	"errors"
)

// =============================================================================
// STORE INTERFACES
// =============================================================================

// Reader holds point lookups. Missing entities return an ErrNotFound error.
type Reader interface {
	GetLedger(ctx context.Context, id LedgerID) (*CreditLedger, error)
	GetPackage(ctx context.Context, id PackageID) (*Package, error)
	GetSession(ctx context.Context, id SessionID) (*SessionInstance, error)
	GetApproval(ctx context.Context, id RequestID) (*ApprovalRequest, error)
	GetLearner(ctx context.Context, id LearnerID) (*Learner, error)

	// PackagesByLedger returns the packages funding a ledger, oldest purchase first.
	PackagesByLedger(ctx context.Context, id LedgerID) ([]Package, error)

	// PendingApprovalFor returns the pending approval for a subject, or nil.
	PendingApprovalFor(ctx context.Context, subject string) (*ApprovalRequest, error)
}

// Writer holds mutations.
type Writer interface {
	InsertLedger(ctx context.Context, l CreditLedger) error
	// UpdateLedger writes l if the stored version equals expectedVersion.
	UpdateLedger(ctx context.Context, l CreditLedger, expectedVersion int64) error
	// AppendLedgerEntry is append-only. Duplicate idempotency keys fail.
	AppendLedgerEntry(ctx context.Context, e LedgerEntry) error

	SavePackage(ctx context.Context, p Package) error
	SaveSession(ctx context.Context, s SessionInstance) error
	InsertApproval(ctx context.Context, r ApprovalRequest) error
	// ResolveApproval persists a resolved request; the stored row must be pending.
	ResolveApproval(ctx context.Context, r ApprovalRequest) error

	SaveLearner(ctx context.Context, l Learner) error
	AppendProgress(ctx context.Context, p ProgressRecord) error
}

// Tx is a unit of work.
type Tx interface {
	Reader
	Writer
}

// SessionFilter narrows ListSessions. Zero fields match everything.
type SessionFilter struct {
	LearnerID LearnerID
	TeacherID TeacherID
	Status    SessionStatus
}

// ApprovalFilter narrows ListApprovals. Zero fields match everything.
type ApprovalFilter struct {
	Status    ApprovalStatus
	LearnerID LearnerID
	TeacherID TeacherID
}

// Store is the full persistence surface.
type Store interface {
	Reader

	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back.
	WithTx(ctx context.Context, fn func(Tx) error) error

	ListLedgers(ctx context.Context, learner LearnerID) ([]CreditLedger, error)
	ListLedgerEntries(ctx context.Context, id LedgerID) ([]LedgerEntry, error)
	ListPackages(ctx context.Context, learner LearnerID) ([]Package, error)
	ListSessions(ctx context.Context, f SessionFilter) ([]SessionInstance, error)
	ListApprovals(ctx context.Context, f ApprovalFilter) ([]ApprovalRequest, error)
	ListLearners(ctx context.Context) ([]Learner, error)
	SaveLearner(ctx context.Context, l Learner) error
	// ProgressCounts returns the number of progress records per learner.
	ProgressCounts(ctx context.Context) (map[LearnerID]int, error)
}

// =============================================================================
// RETRY
// =============================================================================

// withRetry runs fn in a transaction, retrying on optimistic-lock conflicts.
// Each attempt re-reads current state; nothing from a failed attempt leaks.
func withRetry(ctx context.Context, store Store, retries int, fn func(Tx) error) error {
	for attempt := 0; ; attempt++ {
		err := store.WithTx(ctx, fn)
		if err == nil || !IsRetryable(err) || attempt >= retries {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return errors.Join(err, ctxErr)
		}
	}
}
