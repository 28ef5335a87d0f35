/*
gate.go - Scheduling gate

PURPOSE:
  Every schedule-changing action goes through the gate, which decides from
  the clock and the learner's standing whether it executes now or becomes an
  approval request.

DECISION TABLE:
  ┌────────────────────────────┬─────────────────────┬──────────────────────────┐
  │ Action                     │ Immediate if        │ Deferred otherwise       │
  ├────────────────────────────┼─────────────────────┼──────────────────────────┤
  │ Book (new learner)         │ never               │ new_student_booking      │
  │ Book (returning learner)   │ always              │ -                        │
  │ Cancel                     │ until start >= 24h  │ cancellation             │
  │ Reschedule                 │ until start >= 12h  │ reschedule               │
  │ Pause (packages.go)        │ never               │ pause_request            │
  └────────────────────────────┴─────────────────────┴──────────────────────────┘

  "Until start" is session.StartsAt minus Clock.Now(), both absolute instants,
  so the windows do not depend on the teacher's or learner's time zone.

ALL OR NOTHING:
  Each action runs in one Store transaction. A credit booking reserves hours
  and writes the session together; if the reservation fails nothing is
  written. A deferred action writes only the approval request.

SEE ALSO:
  - ledger.go: transferIn
  - approvals.go: enqueue / Resolve
*/
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tutorly/credit-engine/observability"
)

// =============================================================================
// REQUESTS & OUTCOMES
// =============================================================================

// Windows are the minimum lead times for acting without approval.
type Windows struct {
	Cancel     time.Duration
	Reschedule time.Duration
}

func DefaultWindows() Windows {
	return Windows{Cancel: 24 * time.Hour, Reschedule: 12 * time.Hour}
}

type BookingRequest struct {
	LearnerID        LearnerID   `json:"learner_id"`
	TeacherID        TeacherID   `json:"teacher_id"`
	CourseID         CourseID    `json:"course_id"`
	UnitID           string      `json:"unit_id,omitempty"`
	CatalogSessionID string      `json:"catalog_session_id,omitempty"`
	Slot             Slot        `json:"slot"`
	BillingType      BillingType `json:"billing_type"`
	Actor            string      `json:"actor,omitempty"`
}

type CancelRequest struct {
	Actor  string
	Reason string
}

type RescheduleRequest struct {
	NewSlot Slot
	Actor   string
	Reason  string
}

// Outcome reports what the gate did. Exactly one of Session (immediate) or
// Approval (deferred) is set.
type Outcome struct {
	Immediate bool
	Session   *SessionInstance
	Approval  *ApprovalRequest
}

// =============================================================================
// GATE
// =============================================================================

type Gate struct {
	Store     Store
	Ledger    *Ledger
	Packages  *Packages
	Approvals *Approvals
	Identity  Identity
	Catalog   Catalog
	Clock     Clock
	Windows   Windows
}

// BookSession books a lesson. New learners always go to approval and nothing
// is reserved until then; returning learners book directly, reserving credit
// first for credit-billed lessons.
func (g *Gate) BookSession(ctx context.Context, req BookingRequest) (*Outcome, error) {
	hours, err := g.bookingHours(ctx, &req)
	if err != nil {
		return nil, err
	}

	isNew, err := g.Identity.IsNewLearner(ctx, req.LearnerID)
	if err != nil {
		return nil, fmt.Errorf("identity lookup for %s: %w", req.LearnerID, err)
	}

	var out Outcome
	err = withRetry(ctx, g.Store, g.Ledger.MaxRetries, func(tx Tx) error {
		out = Outcome{}
		if isNew {
			apr, err := g.Approvals.enqueue(ctx, tx, BookingApproval{Booking: req, Hours: hours}, req.LearnerID, req.TeacherID, req.Actor)
			out.Approval = apr
			return err
		}
		sess, err := g.createSession(ctx, tx, req, hours, g.Clock.Now())
		out.Session = sess
		out.Immediate = true
		return err
	})
	g.record("book", &out, err)
	if err != nil {
		return nil, err
	}
	if out.Approval != nil {
		g.Approvals.announce(ctx, out.Approval)
	}
	return &out, nil
}

// CancelSession cancels now when the lesson is at least the cancel window
// away, otherwise queues a cancellation and leaves the session scheduled.
func (g *Gate) CancelSession(ctx context.Context, id SessionID, req CancelRequest) (*Outcome, error) {
	var out Outcome
	err := withRetry(ctx, g.Store, g.Ledger.MaxRetries, func(tx Tx) error {
		out = Outcome{}
		sess, err := tx.GetSession(ctx, id)
		if err != nil {
			return err
		}
		if !sess.IsActive() {
			return fmt.Errorf("session %s is %s: %w", sess.ID, sess.Status, ErrInvalidState)
		}

		now := g.Clock.Now()
		if sess.StartsAt.Sub(now) >= g.Windows.Cancel {
			if err := g.cancelIn(ctx, tx, sess, req.Actor, now); err != nil {
				return err
			}
			out.Session = sess
			out.Immediate = true
			return nil
		}

		apr, err := g.Approvals.enqueue(ctx, tx, CancellationApproval{SessionID: sess.ID, Reason: req.Reason}, sess.LearnerID, sess.TeacherID, req.Actor)
		out.Approval = apr
		out.Session = sess
		return err
	})
	g.record("cancel", &out, err)
	if err != nil {
		return nil, err
	}
	if out.Approval != nil {
		g.Approvals.announce(ctx, out.Approval)
	}
	return &out, nil
}

// RescheduleSession moves a lesson in place when it is at least the
// reschedule window away, otherwise queues the move. The ledger is untouched:
// the hours are already committed.
func (g *Gate) RescheduleSession(ctx context.Context, id SessionID, req RescheduleRequest) (*Outcome, error) {
	if req.NewSlot.StartsAt.IsZero() {
		return nil, fmt.Errorf("reschedule requires a start time: %w", ErrInvalidInput)
	}
	if !req.NewSlot.EndsAt.IsZero() && req.NewSlot.Duration() <= 0 {
		return nil, fmt.Errorf("slot ends before it starts: %w", ErrInvalidInput)
	}

	var out Outcome
	err := withRetry(ctx, g.Store, g.Ledger.MaxRetries, func(tx Tx) error {
		out = Outcome{}
		sess, err := tx.GetSession(ctx, id)
		if err != nil {
			return err
		}
		if !sess.IsActive() {
			return fmt.Errorf("session %s is %s: %w", sess.ID, sess.Status, ErrInvalidState)
		}

		now := g.Clock.Now()
		if sess.StartsAt.Sub(now) >= g.Windows.Reschedule {
			if err := g.rescheduleIn(ctx, tx, sess, req.NewSlot, now); err != nil {
				return err
			}
			out.Session = sess
			out.Immediate = true
			return nil
		}

		payload := RescheduleApproval{SessionID: sess.ID, NewSlot: req.NewSlot, Reason: req.Reason}
		apr, err := g.Approvals.enqueue(ctx, tx, payload, sess.LearnerID, sess.TeacherID, req.Actor)
		out.Approval = apr
		out.Session = sess
		return err
	})
	g.record("reschedule", &out, err)
	if err != nil {
		return nil, err
	}
	if out.Approval != nil {
		g.Approvals.announce(ctx, out.Approval)
	}
	return &out, nil
}

// CompleteSession marks a lesson done. Credit lessons settle their reserved
// hours and charge them to the learner's packages; every completion adds a
// progress record.
func (g *Gate) CompleteSession(ctx context.Context, id SessionID, actor string) (*SessionInstance, error) {
	var out *SessionInstance
	err := withRetry(ctx, g.Store, g.Ledger.MaxRetries, func(tx Tx) error {
		sess, err := tx.GetSession(ctx, id)
		if err != nil {
			return err
		}
		if !sess.IsActive() {
			return fmt.Errorf("session %s is %s: %w", sess.ID, sess.Status, ErrInvalidState)
		}

		now := g.Clock.Now()
		if sess.BillingType == BillingCredit && sess.ReservedHours.IsPositive() {
			ref := Ref{ReferenceID: string(sess.ID), Actor: actor}
			if _, err := g.Ledger.transferIn(ctx, tx, sess.LedgerID, TransferSettle, sess.ReservedHours, ref); err != nil {
				return err
			}
			if err := chargePackages(ctx, tx, sess.LedgerID, sess.ReservedHours, now); err != nil {
				return err
			}
		}

		sess.Status = SessionCompleted
		sess.CompletedAt = &now
		sess.UpdatedAt = now
		if err := tx.SaveSession(ctx, *sess); err != nil {
			return err
		}
		out = sess
		return tx.AppendProgress(ctx, ProgressRecord{
			ID:         NewID("prog"),
			LearnerID:  sess.LearnerID,
			SessionID:  sess.ID,
			CourseID:   sess.CourseID,
			RecordedAt: now,
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ResolveApproval resolves a queued request, applying approved changes.
func (g *Gate) ResolveApproval(ctx context.Context, id RequestID, decision Decision, actor, note string) (*ApprovalRequest, error) {
	return g.Approvals.Resolve(ctx, id, decision, actor, note, g)
}

// ApplyApproval implements Applier. Dispatch is exhaustive over the payload union.
func (g *Gate) ApplyApproval(ctx context.Context, tx Tx, req *ApprovalRequest, now time.Time) (string, error) {
	switch p := req.Payload.(type) {
	case BookingApproval:
		sess, err := g.createSession(ctx, tx, p.Booking, p.Hours, now)
		if err != nil {
			return "", err
		}
		return string(sess.ID), nil

	case PauseApproval:
		return string(p.PackageID), g.Packages.applyPauseIn(ctx, tx, p, now)

	case CancellationApproval:
		sess, err := tx.GetSession(ctx, p.SessionID)
		if err != nil {
			return "", err
		}
		if !sess.IsActive() {
			return "", fmt.Errorf("session %s is %s: %w", sess.ID, sess.Status, ErrInvalidState)
		}
		return string(sess.ID), g.cancelIn(ctx, tx, sess, req.RequestedBy, now)

	case RescheduleApproval:
		sess, err := tx.GetSession(ctx, p.SessionID)
		if err != nil {
			return "", err
		}
		if !sess.IsActive() {
			return "", fmt.Errorf("session %s is %s: %w", sess.ID, sess.Status, ErrInvalidState)
		}
		return string(sess.ID), g.rescheduleIn(ctx, tx, sess, p.NewSlot, now)

	default:
		return "", fmt.Errorf("approval %s has no applicable payload (%T): %w", req.ID, req.Payload, ErrInvalidState)
	}
}

// =============================================================================
// MUTATIONS (within a Tx)
// =============================================================================

// bookingHours validates the request and resolves the lesson length, filling
// in the slot end from the catalog estimate when it is missing.
func (g *Gate) bookingHours(ctx context.Context, req *BookingRequest) (decimal.Decimal, error) {
	switch {
	case req.LearnerID == "" || req.TeacherID == "" || req.CourseID == "":
		return decimal.Zero, fmt.Errorf("booking requires learner, teacher and course: %w", ErrInvalidInput)
	case !req.BillingType.Valid():
		return decimal.Zero, fmt.Errorf("billing type %q: %w", req.BillingType, ErrInvalidInput)
	case req.Slot.StartsAt.IsZero():
		return decimal.Zero, fmt.Errorf("booking requires a start time: %w", ErrInvalidInput)
	}

	if req.Slot.EndsAt.IsZero() {
		if g.Catalog == nil {
			return decimal.Zero, fmt.Errorf("booking has no end time and no catalog: %w", ErrInvalidInput)
		}
		entry, err := g.Catalog.Lookup(ctx, CatalogRef{CourseID: req.CourseID, UnitID: req.UnitID, SessionID: req.CatalogSessionID})
		if err != nil {
			return decimal.Zero, fmt.Errorf("catalog estimate: %w", err)
		}
		minutes := entry.EstimatedHours.Mul(decimal.NewFromInt(60)).IntPart()
		req.Slot.EndsAt = req.Slot.StartsAt.Add(time.Duration(minutes) * time.Minute)
	}

	if req.Slot.Duration() <= 0 {
		return decimal.Zero, fmt.Errorf("slot ends before it starts: %w", ErrInvalidInput)
	}
	return HoursIn(req.Slot.Duration()), nil
}

// createSession reserves credit if needed and writes a scheduled session.
func (g *Gate) createSession(ctx context.Context, tx Tx, req BookingRequest, hours decimal.Decimal, now time.Time) (*SessionInstance, error) {
	sess := SessionInstance{
		ID:               SessionID(NewID("ses")),
		LearnerID:        req.LearnerID,
		TeacherID:        req.TeacherID,
		CourseID:         req.CourseID,
		UnitID:           req.UnitID,
		CatalogSessionID: req.CatalogSessionID,
		StartsAt:         req.Slot.StartsAt,
		EndsAt:           req.Slot.EndsAt,
		DurationHours:    hours,
		BillingType:      req.BillingType,
		Status:           SessionScheduled,
		ReservedHours:    decimal.Zero,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if req.BillingType == BillingCredit {
		ledgerID := LedgerIDFor(req.LearnerID, req.CourseID)
		led, err := tx.GetLedger(ctx, ledgerID)
		if errors.Is(err, ErrNotFound) {
			return nil, &InsufficientCreditError{LedgerID: ledgerID, Available: decimal.Zero, Requested: hours}
		} else if err != nil {
			return nil, err
		}

		funding, err := fundingFor(ctx, tx, *led, now)
		if err != nil {
			return nil, err
		}
		if funding.Tracked {
			if funding.Active == 0 {
				return nil, fmt.Errorf("no active package funds %s: %w", ledgerID, ErrPackageUnavailable)
			}
			if avail := funding.Available(led.Committed); hours.GreaterThan(avail) {
				return nil, &InsufficientCreditError{LedgerID: ledgerID, Available: avail, Requested: hours}
			}
		}

		ref := Ref{ReferenceID: string(sess.ID), Actor: req.Actor}
		if _, err := g.Ledger.transferIn(ctx, tx, ledgerID, TransferReserve, hours, ref); err != nil {
			return nil, err
		}
		sess.LedgerID = ledgerID
		sess.ReservedHours = hours
	}

	if err := tx.SaveSession(ctx, sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// cancelIn cancels sess and releases its reserved hours.
func (g *Gate) cancelIn(ctx context.Context, tx Tx, sess *SessionInstance, actor string, now time.Time) error {
	if sess.BillingType == BillingCredit && sess.ReservedHours.IsPositive() {
		ref := Ref{ReferenceID: string(sess.ID), Actor: actor}
		if _, err := g.Ledger.transferIn(ctx, tx, sess.LedgerID, TransferRelease, sess.ReservedHours, ref); err != nil {
			return err
		}
	}
	sess.Status = SessionCancelled
	sess.CancelledAt = &now
	sess.UpdatedAt = now
	return tx.SaveSession(ctx, *sess)
}

// rescheduleIn moves sess to slot. A slot without an end keeps the duration.
func (g *Gate) rescheduleIn(ctx context.Context, tx Tx, sess *SessionInstance, slot Slot, now time.Time) error {
	if slot.EndsAt.IsZero() {
		slot.EndsAt = slot.StartsAt.Add(sess.EndsAt.Sub(sess.StartsAt))
	}
	sess.StartsAt = slot.StartsAt
	sess.EndsAt = slot.EndsAt
	sess.DurationHours = HoursIn(slot.Duration())
	sess.Status = SessionRescheduled
	sess.RescheduleCount++
	sess.UpdatedAt = now
	return tx.SaveSession(ctx, *sess)
}

func (g *Gate) record(action string, out *Outcome, err error) {
	mode := "immediate"
	switch {
	case err != nil:
		mode = "failed"
	case out.Approval != nil:
		mode = "deferred"
	}
	observability.GateDecisions.WithLabelValues(action, mode).Inc()
	if err != nil && errors.Is(err, ErrInvariantViolation) {
		log.Printf("[Gate] %s aborted on invariant violation: %v", action, err)
	}
}
