/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the engine's model from the external API contract:
  - Field renaming without breaking clients
  - API-specific validation
  - Hours rendered as decimal strings, never floats

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

TYPES:
  Ledgers:    LedgerDTO, LedgerEntryDTO, GrantRequest
  Payments:   RecordPaymentRequest
  Packages:   PackageDTO, PauseRequest, ActorRequest
  Sessions:   SessionDTO, BookSessionRequest, CancelSessionRequest, RescheduleSessionRequest
  Approvals:  ApprovalDTO, ResolveRequest, OutcomeDTO
  Learners:   LearnerDTO, LearnerRequest

VALIDATION:
  Request types carry go-playground/validator tags, checked by the handler
  before anything reaches the engine. Rules the tags cannot express (positive
  hours, end after start) are checked by the engine itself.

SEE ALSO:
  - handlers.go: Uses these types
  - engine/types.go: Domain types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/tutorly/credit-engine/engine"
)

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string            `json:"error"`
	Details string            `json:"details,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// =============================================================================
// LEDGERS
// =============================================================================

type LedgerDTO struct {
	ID          string          `json:"id"`
	LearnerID   string          `json:"learner_id"`
	CourseID    string          `json:"course_id"`
	Total       decimal.Decimal `json:"total"`
	Uncommitted decimal.Decimal `json:"uncommitted"`
	Committed   decimal.Decimal `json:"committed"`
	Completed   decimal.Decimal `json:"completed"`
	Currency    string          `json:"currency,omitempty"`
	Version     int64           `json:"version"`
	UpdatedAt   string          `json:"updated_at"`
}

type LedgerEntryDTO struct {
	ID             string          `json:"id"`
	Kind           string          `json:"kind"`
	Hours          decimal.Decimal `json:"hours"`
	ReferenceID    string          `json:"reference_id,omitempty"`
	Actor          string          `json:"actor,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Total          decimal.Decimal `json:"total"`
	Uncommitted    decimal.Decimal `json:"uncommitted"`
	Committed      decimal.Decimal `json:"committed"`
	Completed      decimal.Decimal `json:"completed"`
	CreatedAt      string          `json:"created_at"`
}

// GrantRequest adds hours to a ledger without a package (manual adjustment).
type GrantRequest struct {
	LearnerID      string          `json:"learner_id" validate:"required"`
	CourseID       string          `json:"course_id" validate:"required"`
	Hours          decimal.Decimal `json:"hours"`
	Currency       string          `json:"currency"`
	Actor          string          `json:"actor" validate:"required"`
	Reason         string          `json:"reason"`
	IdempotencyKey string          `json:"idempotency_key"`
}

func toLedgerDTO(l engine.CreditLedger) LedgerDTO {
	return LedgerDTO{
		ID:          string(l.ID),
		LearnerID:   string(l.LearnerID),
		CourseID:    string(l.CourseID),
		Total:       l.Total,
		Uncommitted: l.Uncommitted,
		Committed:   l.Committed,
		Completed:   l.Completed,
		Currency:    l.Currency,
		Version:     l.Version,
		UpdatedAt:   l.UpdatedAt.Format(time.RFC3339),
	}
}

func toLedgerEntryDTO(e engine.LedgerEntry) LedgerEntryDTO {
	return LedgerEntryDTO{
		ID:             e.ID,
		Kind:           string(e.Kind),
		Hours:          e.Hours,
		ReferenceID:    e.ReferenceID,
		Actor:          e.Actor,
		IdempotencyKey: e.IdempotencyKey,
		Total:          e.Total,
		Uncommitted:    e.Uncommitted,
		Committed:      e.Committed,
		Completed:      e.Completed,
		CreatedAt:      e.CreatedAt.Format(time.RFC3339),
	}
}

// =============================================================================
// PAYMENTS & PACKAGES
// =============================================================================

// RecordPaymentRequest is delivered by the payment collaborator.
type RecordPaymentRequest struct {
	PaymentID string          `json:"payment_id" validate:"required"`
	LearnerID string          `json:"learner_id" validate:"required"`
	CourseID  string          `json:"course_id" validate:"required"`
	Hours     decimal.Decimal `json:"hours"`
	Currency  string          `json:"currency" validate:"omitempty,len=3"`
	PaidAt    *time.Time      `json:"paid_at"`
	ExpiresAt *time.Time      `json:"expires_at"`
	Actor     string          `json:"actor"`
}

type PackageDTO struct {
	ID              string          `json:"id"`
	LearnerID       string          `json:"learner_id"`
	CourseID        string          `json:"course_id"`
	LedgerID        string          `json:"ledger_id"`
	PaymentID       string          `json:"payment_id,omitempty"`
	Status          string          `json:"status"`
	TotalHours      decimal.Decimal `json:"total_hours"`
	UsedHours       decimal.Decimal `json:"used_hours"`
	HoursRemaining  decimal.Decimal `json:"hours_remaining"`
	PurchaseDate    string          `json:"purchase_date"`
	ExpiresAt       string          `json:"expires_at,omitempty"`
	DaysLeft        int             `json:"days_left"`
	PausedAt        string          `json:"paused_at,omitempty"`
	PauseReason     string          `json:"pause_reason,omitempty"`
	PauseCount      int             `json:"pause_count"`
	MaxPauses       int             `json:"max_pauses"`
	RemainingPauses int             `json:"remaining_pauses"`
	TotalDaysPaused int             `json:"total_days_paused"`
}

type PauseRequest struct {
	Reason    string `json:"reason" validate:"required"`
	Actor     string `json:"actor" validate:"required"`
	TeacherID string `json:"teacher_id"`
	Override  bool   `json:"override"`
}

// ActorRequest is the body of actions that only need to know who acts.
type ActorRequest struct {
	Actor string `json:"actor" validate:"required"`
}

func toPackageDTO(p engine.Package, now time.Time) PackageDTO {
	dto := PackageDTO{
		ID:              string(p.ID),
		LearnerID:       string(p.LearnerID),
		CourseID:        string(p.CourseID),
		LedgerID:        string(p.LedgerID),
		PaymentID:       p.PaymentID,
		Status:          string(p.Status()),
		TotalHours:      p.TotalHours,
		UsedHours:       p.UsedHours,
		HoursRemaining:  p.HoursRemaining(),
		PurchaseDate:    p.PurchaseDate.Format("2006-01-02"),
		PauseReason:     p.PauseReason(),
		PauseCount:      p.PauseCount,
		MaxPauses:       p.MaxPauses(),
		RemainingPauses: p.RemainingPauses(),
		TotalDaysPaused: p.TotalDaysPaused,
	}
	if !p.ExpiresAt.IsZero() {
		dto.ExpiresAt = p.ExpiresAt.Format("2006-01-02")
		dto.DaysLeft = p.DaysLeft(now)
	}
	if since, ok := p.PausedAt(); ok {
		dto.PausedAt = since.Format(time.RFC3339)
	}
	return dto
}

// =============================================================================
// SESSIONS
// =============================================================================

type BookSessionRequest struct {
	LearnerID        string     `json:"learner_id" validate:"required"`
	TeacherID        string     `json:"teacher_id" validate:"required"`
	CourseID         string     `json:"course_id" validate:"required"`
	UnitID           string     `json:"unit_id"`
	CatalogSessionID string     `json:"catalog_session_id"`
	StartsAt         time.Time  `json:"starts_at" validate:"required"`
	EndsAt           *time.Time `json:"ends_at"`
	BillingType      string     `json:"billing_type" validate:"required,oneof=trial credit one_off"`
	Actor            string     `json:"actor"`
}

func (r BookSessionRequest) toEngine() engine.BookingRequest {
	slot := engine.Slot{StartsAt: r.StartsAt}
	if r.EndsAt != nil {
		slot.EndsAt = *r.EndsAt
	}
	actor := r.Actor
	if actor == "" {
		actor = r.LearnerID
	}
	return engine.BookingRequest{
		LearnerID:        engine.LearnerID(r.LearnerID),
		TeacherID:        engine.TeacherID(r.TeacherID),
		CourseID:         engine.CourseID(r.CourseID),
		UnitID:           r.UnitID,
		CatalogSessionID: r.CatalogSessionID,
		Slot:             slot,
		BillingType:      engine.BillingType(r.BillingType),
		Actor:            actor,
	}
}

type CancelSessionRequest struct {
	Actor  string `json:"actor" validate:"required"`
	Reason string `json:"reason"`
}

type RescheduleSessionRequest struct {
	StartsAt time.Time  `json:"starts_at" validate:"required"`
	EndsAt   *time.Time `json:"ends_at"`
	Actor    string     `json:"actor" validate:"required"`
	Reason   string     `json:"reason"`
}

type SessionDTO struct {
	ID               string          `json:"id"`
	LearnerID        string          `json:"learner_id"`
	TeacherID        string          `json:"teacher_id"`
	CourseID         string          `json:"course_id"`
	UnitID           string          `json:"unit_id,omitempty"`
	CatalogSessionID string          `json:"catalog_session_id,omitempty"`
	StartsAt         string          `json:"starts_at"`
	EndsAt           string          `json:"ends_at"`
	LessonDate       string          `json:"lesson_date"`
	DurationHours    decimal.Decimal `json:"duration_hours"`
	BillingType      string          `json:"billing_type"`
	Status           string          `json:"status"`
	LedgerID         string          `json:"ledger_id,omitempty"`
	ReservedHours    decimal.Decimal `json:"reserved_hours"`
	RescheduleCount  int             `json:"reschedule_count"`
	CancelledAt      string          `json:"cancelled_at,omitempty"`
	CompletedAt      string          `json:"completed_at,omitempty"`
}

func toSessionDTO(s engine.SessionInstance) SessionDTO {
	dto := SessionDTO{
		ID:               string(s.ID),
		LearnerID:        string(s.LearnerID),
		TeacherID:        string(s.TeacherID),
		CourseID:         string(s.CourseID),
		UnitID:           s.UnitID,
		CatalogSessionID: s.CatalogSessionID,
		StartsAt:         s.StartsAt.Format(time.RFC3339),
		EndsAt:           s.EndsAt.Format(time.RFC3339),
		LessonDate:       s.LessonDate(),
		DurationHours:    s.DurationHours,
		BillingType:      string(s.BillingType),
		Status:           string(s.Status),
		LedgerID:         string(s.LedgerID),
		ReservedHours:    s.ReservedHours,
		RescheduleCount:  s.RescheduleCount,
	}
	if s.CancelledAt != nil {
		dto.CancelledAt = s.CancelledAt.Format(time.RFC3339)
	}
	if s.CompletedAt != nil {
		dto.CompletedAt = s.CompletedAt.Format(time.RFC3339)
	}
	return dto
}

// =============================================================================
// APPROVALS
// =============================================================================

type ResolveRequest struct {
	Actor string `json:"actor" validate:"required"`
	Note  string `json:"note"`
}

type ApprovalDTO struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Status      string `json:"status"`
	LearnerID   string `json:"learner_id"`
	TeacherID   string `json:"teacher_id,omitempty"`
	RequestedBy string `json:"requested_by,omitempty"`
	Payload     any    `json:"payload,omitempty"`
	ResultRef   string `json:"result_ref,omitempty"`
	ResolvedBy  string `json:"resolved_by,omitempty"`
	Note        string `json:"note,omitempty"`
	CreatedAt   string `json:"created_at"`
	ResolvedAt  string `json:"resolved_at,omitempty"`
}

func toApprovalDTO(r engine.ApprovalRequest) ApprovalDTO {
	dto := ApprovalDTO{
		ID:          string(r.ID),
		Kind:        string(r.Kind),
		Status:      string(r.Status),
		LearnerID:   string(r.LearnerID),
		TeacherID:   string(r.TeacherID),
		RequestedBy: r.RequestedBy,
		ResultRef:   r.ResultRef,
		ResolvedBy:  r.ResolvedBy,
		Note:        r.Note,
		CreatedAt:   r.CreatedAt.Format(time.RFC3339),
	}
	if r.Payload != nil {
		dto.Payload = r.Payload
	}
	if r.ResolvedAt != nil {
		dto.ResolvedAt = r.ResolvedAt.Format(time.RFC3339)
	}
	return dto
}

// OutcomeDTO is the response of a gate action.
type OutcomeDTO struct {
	// Mode is "immediate" or "deferred".
	Mode     string       `json:"mode"`
	Session  *SessionDTO  `json:"session,omitempty"`
	Approval *ApprovalDTO `json:"approval,omitempty"`
}

func toOutcomeDTO(out *engine.Outcome) OutcomeDTO {
	dto := OutcomeDTO{Mode: "deferred"}
	if out.Immediate {
		dto.Mode = "immediate"
	}
	if out.Session != nil {
		s := toSessionDTO(*out.Session)
		dto.Session = &s
	}
	if out.Approval != nil {
		a := toApprovalDTO(*out.Approval)
		dto.Approval = &a
	}
	return dto
}

// =============================================================================
// LEARNERS
// =============================================================================

type LearnerRequest struct {
	ID            string `json:"id" validate:"required"`
	Name          string `json:"name"`
	Email         string `json:"email" validate:"omitempty,email"`
	Birthday      string `json:"birthday" validate:"omitempty,datetime=2006-01-02"`
	Gender        string `json:"gender"`
	GuardianName  string `json:"guardian_name"`
	GuardianEmail string `json:"guardian_email" validate:"omitempty,email"`
	GuardianPhone string `json:"guardian_phone"`
	Status        string `json:"status" validate:"required,oneof=trial active paused churned"`
}

type LearnerDTO struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Email         string `json:"email,omitempty"`
	Birthday      string `json:"birthday,omitempty"`
	Gender        string `json:"gender,omitempty"`
	GuardianName  string `json:"guardian_name,omitempty"`
	GuardianEmail string `json:"guardian_email,omitempty"`
	GuardianPhone string `json:"guardian_phone,omitempty"`
	Status        string `json:"status"`
	Progress      int    `json:"progress"`
}

func toLearnerDTO(l engine.Learner, progress int) LearnerDTO {
	dto := LearnerDTO{
		ID:            string(l.ID),
		Name:          l.Name,
		Email:         l.Email,
		Gender:        l.Gender,
		GuardianName:  l.GuardianName,
		GuardianEmail: l.GuardianEmail,
		GuardianPhone: l.GuardianPhone,
		Status:        string(l.Status),
		Progress:      progress,
	}
	if l.Birthday != nil {
		dto.Birthday = l.Birthday.Format("2006-01-02")
	}
	return dto
}
