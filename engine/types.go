/*
Package engine provides the credit reservation and approval-gated scheduling core.

PURPOSE:
  This package turns purchased bundles of tutoring hours into a three-bucket
  credit ledger, gates every schedule-changing action behind either immediate
  execution or a deferred human approval, and keeps packages, sessions and
  approval requests consistent with the ledger.

KEY CONCEPTS IN THIS FILE (types.go):
  - Identifiers: type-safe IDs for learners, teachers, courses, ledgers, ...
  - CreditLedger: hours split into uncommitted, committed and completed buckets
  - LedgerEntry: immutable audit record of one bucket transfer
  - Learner / ProgressRecord: read-mostly profile data consumed by alerts
  - SessionInstance / Slot: a booked lesson and its time window

BUCKET MODEL:
  ┌──────────────┐  reserve   ┌────────────┐  settle   ┌────────────┐
  │ uncommitted  │ ─────────▶ │ committed  │ ────────▶ │ completed  │
  │              │ ◀───────── │            │           │            │
  └──────────────┘  release   └────────────┘           └────────────┘
        ▲
        │ grant (also raises total)

  uncommitted + committed + completed == total, always.

DESIGN PRINCIPLES:
  1. Precision: hours use decimal.Decimal, never float64
  2. Atomicity: buckets only move inside a Store transaction
  3. Type Safety: distinct ID types so a session ID is never used as a ledger ID
  4. Auditability: every transfer leaves a LedgerEntry

SEE ALSO:
  - ledger.go: Bucket transfers
  - packages.go: Package lifecycle and pause quota
  - gate.go: Scheduling gate (book, cancel, reschedule, complete)
  - approvals.go: Approval queue
*/
package engine

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type LearnerID string
type TeacherID string
type CourseID string
type LedgerID string
type PackageID string
type SessionID string
type RequestID string

// LedgerIDFor returns the ledger identifier for a learner×course pair.
func LedgerIDFor(learner LearnerID, course CourseID) LedgerID {
	return LedgerID(string(learner) + ":" + string(course))
}

// Split returns the learner and course encoded in a ledger ID.
func (id LedgerID) Split() (LearnerID, CourseID) {
	learner, course, _ := strings.Cut(string(id), ":")
	return LearnerID(learner), CourseID(course)
}

// NewID returns a random identifier with a readable prefix.
func NewID(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

// =============================================================================
// HOURS
// =============================================================================

// Hours converts a float to a decimal hour amount.
func Hours(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

// HoursIn converts a duration to hours, at minute precision.
func HoursIn(d time.Duration) decimal.Decimal {
	return decimal.NewFromInt(int64(d / time.Minute)).Div(decimal.NewFromInt(60))
}

// =============================================================================
// CREDIT LEDGER
// =============================================================================

// CreditLedger holds the hour buckets for one learner on one course.
// Fields must only change through the transfers in ledger.go.
type CreditLedger struct {
	ID          LedgerID
	LearnerID   LearnerID
	CourseID    CourseID
	Total       decimal.Decimal
	Uncommitted decimal.Decimal
	Committed   decimal.Decimal
	Completed   decimal.Decimal
	Currency    string

	// Version is bumped on every write (optimistic concurrency).
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Balanced reports whether the bucket invariant holds.
func (l CreditLedger) Balanced() bool {
	if l.Total.IsNegative() || l.Uncommitted.IsNegative() || l.Committed.IsNegative() || l.Completed.IsNegative() {
		return false
	}
	return l.Uncommitted.Add(l.Committed).Add(l.Completed).Equal(l.Total)
}

type TransferKind string

const (
	TransferGrant   TransferKind = "grant"   // new hours: total and uncommitted
	TransferReserve TransferKind = "reserve" // uncommitted -> committed
	TransferRelease TransferKind = "release" // committed -> uncommitted
	TransferSettle  TransferKind = "settle"  // committed -> completed
)

// LedgerEntry is the audit record of one transfer. Bucket values are the
// state after the transfer was applied.
type LedgerEntry struct {
	ID             string
	LedgerID       LedgerID
	Kind           TransferKind
	Hours          decimal.Decimal
	ReferenceID    string
	Actor          string
	IdempotencyKey string

	Total       decimal.Decimal
	Uncommitted decimal.Decimal
	Committed   decimal.Decimal
	Completed   decimal.Decimal
	CreatedAt   time.Time
}

// Ref describes who and what caused a transfer.
type Ref struct {
	ReferenceID    string
	Actor          string
	IdempotencyKey string
}

// =============================================================================
// LEARNERS
// =============================================================================

type LearnerStatus string

const (
	LearnerTrial   LearnerStatus = "trial"
	LearnerActive  LearnerStatus = "active"
	LearnerPaused  LearnerStatus = "paused"
	LearnerChurned LearnerStatus = "churned"
)

// Learner is the slice of a learner profile the engine reads. Profiles are
// owned by the surrounding application.
type Learner struct {
	ID            LearnerID
	Name          string
	Email         string
	Birthday      *time.Time
	Gender        string
	GuardianName  string
	GuardianEmail string
	GuardianPhone string
	Status        LearnerStatus
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ProgressRecord marks a completed lesson in a learner's progress history.
type ProgressRecord struct {
	ID         string
	LearnerID  LearnerID
	SessionID  SessionID
	CourseID   CourseID
	RecordedAt time.Time
}

// =============================================================================
// SESSIONS
// =============================================================================

type BillingType string

const (
	BillingTrial  BillingType = "trial"
	BillingCredit BillingType = "credit"
	BillingOneOff BillingType = "one_off"
)

func (b BillingType) Valid() bool {
	return b == BillingTrial || b == BillingCredit || b == BillingOneOff
}

type SessionStatus string

const (
	SessionScheduled   SessionStatus = "scheduled"
	SessionCompleted   SessionStatus = "completed"
	SessionCancelled   SessionStatus = "cancelled"
	SessionRescheduled SessionStatus = "rescheduled"
)

// Slot is a lesson time window. EndsAt may be zero in a booking request, in
// which case the catalog estimate decides the duration.
type Slot struct {
	StartsAt time.Time `json:"starts_at"`
	EndsAt   time.Time `json:"ends_at"`
}

func (s Slot) Duration() time.Duration {
	if s.EndsAt.IsZero() {
		return 0
	}
	return s.EndsAt.Sub(s.StartsAt)
}

// SessionInstance is one booked lesson.
type SessionInstance struct {
	ID               SessionID
	LearnerID        LearnerID
	TeacherID        TeacherID
	CourseID         CourseID
	UnitID           string
	CatalogSessionID string
	StartsAt         time.Time
	EndsAt           time.Time
	DurationHours    decimal.Decimal
	BillingType      BillingType
	Status           SessionStatus

	// LedgerID and ReservedHours are set for credit sessions. ReservedHours is
	// what the session holds in the committed bucket; it does not follow later
	// duration changes.
	LedgerID      LedgerID
	ReservedHours decimal.Decimal

	RescheduleCount int
	CancelledAt     *time.Time
	CompletedAt     *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// IsActive reports whether the session is still upcoming.
func (s SessionInstance) IsActive() bool {
	return s.Status == SessionScheduled || s.Status == SessionRescheduled
}

// LessonDate is the UTC calendar date of the lesson.
func (s SessionInstance) LessonDate() string {
	return s.StartsAt.UTC().Format("2006-01-02")
}

func (s SessionInstance) Slot() Slot {
	return Slot{StartsAt: s.StartsAt, EndsAt: s.EndsAt}
}
