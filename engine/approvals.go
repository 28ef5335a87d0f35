/*
approvals.go - Approval queue for deferred schedule changes

PURPOSE:
  Holds the human decisions the gate could not make on its own:
  new-learner first bookings, package pauses, and late cancellations or
  reschedules. A request is resolved exactly once.

REQUEST FLOW:
  ┌──────────┐  approve   ┌──────────┐
  │ pending  │ ─────────▶ │ approved │──▶ deferred mutation applied
  │          │            └──────────┘    (same transaction)
  │          │  reject    ┌──────────┐
  │          │ ─────────▶ │ rejected │──▶ nothing happens, payload dropped
  └──────────┘            └──────────┘

PAYLOADS:
  ApprovalPayload is a closed union: BookingApproval, PauseApproval,
  CancellationApproval, RescheduleApproval. Each carries only what its
  resolution needs; dispatch is a type switch in gate.go.

IDEMPOTENCY:
  Resolution reads the request, applies the side effect and flips the status
  inside one transaction, and the store refuses to resolve a non-pending row.
  The second resolve of an ID returns AlreadyResolvedError and re-runs nothing.

EXPIRY:
  None. Pending requests stay pending until someone acts; the alert feed
  keeps showing them.

SEE ALSO:
  - gate.go: Enqueues requests and applies approved ones
  - notify.go: Intents sent on creation and resolution
*/
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tutorly/credit-engine/observability"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

type ApprovalKind string

const (
	KindNewStudentBooking ApprovalKind = "new_student_booking"
	KindPauseRequest      ApprovalKind = "pause_request"
	KindReschedule        ApprovalKind = "reschedule"
	KindCancellation      ApprovalKind = "cancellation"
)

type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// ApprovalPayload is the deferred change. Subject identifies what the change
// targets; only one pending request may exist per subject.
type ApprovalPayload interface {
	Kind() ApprovalKind
	Subject() string
}

// BookingApproval defers a new learner's booking. Nothing is reserved until approval.
type BookingApproval struct {
	Booking BookingRequest  `json:"booking"`
	Hours   decimal.Decimal `json:"hours"`
}

type PauseApproval struct {
	PackageID PackageID `json:"package_id"`
	Reason    string    `json:"reason"`
	Override  bool      `json:"override,omitempty"`
}

type CancellationApproval struct {
	SessionID SessionID `json:"session_id"`
	Reason    string    `json:"reason"`
}

type RescheduleApproval struct {
	SessionID SessionID `json:"session_id"`
	NewSlot   Slot      `json:"new_slot"`
	Reason    string    `json:"reason"`
}

func (BookingApproval) Kind() ApprovalKind      { return KindNewStudentBooking }
func (PauseApproval) Kind() ApprovalKind        { return KindPauseRequest }
func (CancellationApproval) Kind() ApprovalKind { return KindCancellation }
func (RescheduleApproval) Kind() ApprovalKind   { return KindReschedule }

func (p BookingApproval) Subject() string {
	return fmt.Sprintf("booking:%s:%s:%d", p.Booking.LearnerID, p.Booking.TeacherID, p.Booking.Slot.StartsAt.Unix())
}
func (p PauseApproval) Subject() string        { return "package:" + string(p.PackageID) }
func (p CancellationApproval) Subject() string { return "session:" + string(p.SessionID) }
func (p RescheduleApproval) Subject() string   { return "session:" + string(p.SessionID) }

// ApprovalRequest is one queued decision.
type ApprovalRequest struct {
	ID          RequestID
	Kind        ApprovalKind
	Status      ApprovalStatus
	Subject     string
	LearnerID   LearnerID
	TeacherID   TeacherID
	RequestedBy string
	// Payload is nil once a request is rejected.
	Payload ApprovalPayload

	// ResultRef points at what approval produced (the session of a booking).
	ResultRef  string
	ResolvedBy string
	Note       string
	CreatedAt  time.Time
	ResolvedAt *time.Time
}

func (r ApprovalRequest) IsPending() bool { return r.Status == ApprovalPending }

// EncodePayload serializes a payload for storage.
func EncodePayload(p ApprovalPayload) ([]byte, error) {
	if p == nil {
		return nil, nil
	}
	return json.Marshal(p)
}

// DecodePayload restores a payload stored by EncodePayload.
func DecodePayload(kind ApprovalKind, data []byte) (ApprovalPayload, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var (
		payload ApprovalPayload
		err     error
	)
	switch kind {
	case KindNewStudentBooking:
		var p BookingApproval
		err = json.Unmarshal(data, &p)
		payload = p
	case KindPauseRequest:
		var p PauseApproval
		err = json.Unmarshal(data, &p)
		payload = p
	case KindCancellation:
		var p CancellationApproval
		err = json.Unmarshal(data, &p)
		payload = p
	case KindReschedule:
		var p RescheduleApproval
		err = json.Unmarshal(data, &p)
		payload = p
	default:
		return nil, fmt.Errorf("unknown approval kind %q: %w", kind, ErrInvalidInput)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", kind, err)
	}
	return payload, nil
}

// =============================================================================
// QUEUE
// =============================================================================

// Applier performs the deferred mutation of an approved request within tx
// and returns a reference to what it produced, if anything.
type Applier interface {
	ApplyApproval(ctx context.Context, tx Tx, req *ApprovalRequest, now time.Time) (string, error)
}

type Approvals struct {
	Store    Store
	Clock    Clock
	Notifier Notifier
	// MaxRetries bounds retries of Resolve on ledger version conflicts.
	MaxRetries int
}

func (q *Approvals) Get(ctx context.Context, id RequestID) (*ApprovalRequest, error) {
	return q.Store.GetApproval(ctx, id)
}

// Pending lists unresolved requests, oldest first.
func (q *Approvals) Pending(ctx context.Context) ([]ApprovalRequest, error) {
	reqs, err := q.Store.ListApprovals(ctx, ApprovalFilter{Status: ApprovalPending})
	if err != nil {
		return nil, err
	}
	observability.ApprovalsPending.Set(float64(len(reqs)))
	return reqs, nil
}

// enqueue records a pending request within tx. Fails with ErrApprovalPending
// if the subject already has one.
func (q *Approvals) enqueue(ctx context.Context, tx Tx, payload ApprovalPayload, learner LearnerID, teacher TeacherID, actor string) (*ApprovalRequest, error) {
	subject := payload.Subject()
	existing, err := tx.PendingApprovalFor(ctx, subject)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf("%s already has pending %s request %s: %w", subject, existing.Kind, existing.ID, ErrApprovalPending)
	}

	req := ApprovalRequest{
		ID:          RequestID(NewID("apr")),
		Kind:        payload.Kind(),
		Status:      ApprovalPending,
		Subject:     subject,
		LearnerID:   learner,
		TeacherID:   teacher,
		RequestedBy: actor,
		Payload:     payload,
		CreatedAt:   q.Clock.Now(),
	}
	if err := tx.InsertApproval(ctx, req); err != nil {
		return nil, err
	}
	return &req, nil
}

// Resolve approves or rejects a pending request. On approve, apply runs in
// the same transaction as the status change; if it fails the request stays
// pending and the error is returned.
func (q *Approvals) Resolve(ctx context.Context, id RequestID, decision Decision, actor, note string, apply Applier) (*ApprovalRequest, error) {
	if decision != DecisionApprove && decision != DecisionReject {
		return nil, fmt.Errorf("decision %q: %w", decision, ErrInvalidInput)
	}

	var out *ApprovalRequest
	err := withRetry(ctx, q.Store, q.MaxRetries, func(tx Tx) error {
		req, err := tx.GetApproval(ctx, id)
		if err != nil {
			return err
		}
		if !req.IsPending() {
			return &AlreadyResolvedError{RequestID: req.ID, Status: req.Status}
		}

		now := q.Clock.Now()
		if decision == DecisionApprove {
			ref, err := apply.ApplyApproval(ctx, tx, req, now)
			if err != nil {
				return err
			}
			req.Status = ApprovalApproved
			req.ResultRef = ref
		} else {
			req.Status = ApprovalRejected
			req.Payload = nil
		}
		req.ResolvedBy = actor
		req.Note = note
		req.ResolvedAt = &now

		if err := tx.ResolveApproval(ctx, *req); err != nil {
			return err
		}
		out = req
		return nil
	})
	if err != nil {
		return nil, err
	}

	observability.ApprovalsResolved.WithLabelValues(string(out.Kind), string(out.Status)).Inc()
	log.Printf("[Approvals] %s %s (%s) by %s", out.ID, out.Status, out.Kind, actor)
	q.trackPending(ctx)
	q.notifyResolved(ctx, out)
	return out, nil
}

// trackPending refreshes the pending gauge from committed state.
func (q *Approvals) trackPending(ctx context.Context) {
	reqs, err := q.Store.ListApprovals(ctx, ApprovalFilter{Status: ApprovalPending})
	if err != nil {
		log.Printf("[Approvals] pending gauge not refreshed: %v", err)
		return
	}
	observability.ApprovalsPending.Set(float64(len(reqs)))
}

// announce tells the counter-party a request is waiting. Called after the
// enqueueing transaction commits.
func (q *Approvals) announce(ctx context.Context, req *ApprovalRequest) {
	q.trackPending(ctx)
	recipient := string(req.TeacherID)
	if recipient == "" {
		recipient = string(req.LearnerID)
	}
	send(ctx, q.Notifier, Intent{
		RecipientID: recipient,
		Kind:        "approval_created",
		Message:     fmt.Sprintf("Approval needed: %s for learner %s", describeKind(req.Kind), req.LearnerID),
		Link:        "/approvals/" + string(req.ID),
		CreatedAt:   req.CreatedAt,
	})
}

func (q *Approvals) notifyResolved(ctx context.Context, req *ApprovalRequest) {
	msg := fmt.Sprintf("Your %s was %s", describeKind(req.Kind), req.Status)
	at := q.Clock.Now()
	if req.ResolvedAt != nil {
		at = *req.ResolvedAt
	}
	recipients := []string{string(req.LearnerID)}
	if req.TeacherID != "" {
		recipients = append(recipients, string(req.TeacherID))
	}
	for _, r := range recipients {
		send(ctx, q.Notifier, Intent{
			RecipientID: r,
			Kind:        "approval_resolved",
			Message:     msg,
			Link:        "/approvals/" + string(req.ID),
			CreatedAt:   at,
		})
	}
}

func describeKind(k ApprovalKind) string {
	switch k {
	case KindNewStudentBooking:
		return "first booking"
	case KindPauseRequest:
		return "package pause"
	case KindCancellation:
		return "late cancellation"
	case KindReschedule:
		return "late reschedule"
	default:
		return string(k)
	}
}
