/*
handlers.go - HTTP API handlers for the tutoring credit engine

PURPOSE:
  Exposes the engine via REST API. Handles HTTP request/response, JSON
  serialization and validation, and delegates to the engine services.

ENDPOINTS:
  Ledgers:
    GET    /api/ledgers?learner_id=        List ledgers
    POST   /api/ledgers/grant              Manual grant (no package)
    GET    /api/ledgers/{id}               Ledger buckets
    GET    /api/ledgers/{id}/entries       Audit trail

  Payments & Packages:
    POST   /api/payments                   Record a payment (grant + package)
    GET    /api/packages?learner_id=       List packages
    GET    /api/packages/{id}              Package details
    POST   /api/packages/{id}/pause        Request a pause (always deferred)
    POST   /api/packages/{id}/unpause      Resume a paused package

  Sessions:
    GET    /api/sessions                   List (learner_id, teacher_id, status)
    POST   /api/sessions                   Book
    GET    /api/sessions/{id}              Session details
    POST   /api/sessions/{id}/cancel       Cancel (immediate or deferred)
    POST   /api/sessions/{id}/reschedule   Reschedule (immediate or deferred)
    POST   /api/sessions/{id}/complete     Complete and settle

  Approvals:
    GET    /api/approvals/pending          Pending queue, oldest first
    GET    /api/approvals/{id}             Request details
    POST   /api/approvals/{id}/approve     Approve and apply
    POST   /api/approvals/{id}/reject      Reject

  Alerts:
    GET    /api/alerts/teacher             Teacher feed
    GET    /api/alerts/learners/{id}       Learner feed

  Learners:
    GET    /api/learners                   List with progress counts
    PUT    /api/learners                   Create or update a profile

REQUEST FLOW:
  1. Parse HTTP request
  2. Validate input (validator tags on the *Request types)
  3. Call the engine
  4. Serialize response
  5. Map errors to status codes (statusFor)

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Resource not found
  - 409: Already resolved, already pending, duplicate payment, write conflict
  - 422: Insufficient credit, pause quota, package unavailable, invalid state
  - 500: Invariant violations and internal errors

SECURITY NOTE:
  No authentication. Actor fields are trusted as sent; identity is owned by
  the surrounding application.

SEE ALSO:
  - dto.go: Request/response data structures
  - snapshot.go: Alert snapshot loading
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/tutorly/credit-engine/alerts"
	"github.com/tutorly/credit-engine/engine"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine   *engine.Engine
	validate *validator.Validate

	// Digest is optional; when set, POST /api/admin/digest runs it.
	Digest *DigestScheduler
}

// NewHandler creates a new handler over the engine.
func NewHandler(eng *engine.Engine) *Handler {
	return &Handler{
		Engine:   eng,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// =============================================================================
// LEDGER HANDLERS
// =============================================================================

// ListLedgers returns ledgers, optionally for one learner.
// GET /api/ledgers?learner_id=
func (h *Handler) ListLedgers(w http.ResponseWriter, r *http.Request) {
	learner := engine.LearnerID(r.URL.Query().Get("learner_id"))
	ledgers, err := h.Engine.Store.ListLedgers(r.Context(), learner)
	if err != nil {
		writeEngineError(w, "Failed to list ledgers", err)
		return
	}

	dtos := make([]LedgerDTO, len(ledgers))
	for i, l := range ledgers {
		dtos[i] = toLedgerDTO(l)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetLedger returns one ledger's buckets.
// GET /api/ledgers/{id}
func (h *Handler) GetLedger(w http.ResponseWriter, r *http.Request) {
	l, err := h.Engine.Ledger.Get(r.Context(), engine.LedgerID(chi.URLParam(r, "id")))
	if err != nil {
		writeEngineError(w, "Failed to get ledger", err)
		return
	}
	writeJSON(w, http.StatusOK, toLedgerDTO(*l))
}

// GetLedgerEntries returns the audit trail of a ledger.
// GET /api/ledgers/{id}/entries
func (h *Handler) GetLedgerEntries(w http.ResponseWriter, r *http.Request) {
	id := engine.LedgerID(chi.URLParam(r, "id"))
	if _, err := h.Engine.Ledger.Get(r.Context(), id); err != nil {
		writeEngineError(w, "Failed to get ledger", err)
		return
	}
	entries, err := h.Engine.Ledger.Entries(r.Context(), id)
	if err != nil {
		writeEngineError(w, "Failed to list entries", err)
		return
	}

	dtos := make([]LedgerEntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toLedgerEntryDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GrantHours adds hours to a ledger outside the payment flow.
// POST /api/ledgers/grant
func (h *Handler) GrantHours(w http.ResponseWriter, r *http.Request) {
	var req GrantRequest
	if !h.decode(w, r, &req) {
		return
	}

	l, err := h.Engine.Ledger.Grant(r.Context(), engine.GrantRequest{
		LearnerID: engine.LearnerID(req.LearnerID),
		CourseID:  engine.CourseID(req.CourseID),
		Hours:     req.Hours,
		Currency:  req.Currency,
		Ref: engine.Ref{
			ReferenceID:    req.Reason,
			Actor:          req.Actor,
			IdempotencyKey: req.IdempotencyKey,
		},
	})
	if err != nil {
		writeEngineError(w, "Failed to grant hours", err)
		return
	}
	writeJSON(w, http.StatusCreated, toLedgerDTO(*l))
}

// =============================================================================
// PAYMENT & PACKAGE HANDLERS
// =============================================================================

// RecordPayment turns a confirmed payment into hours and a package.
// POST /api/payments
func (h *Handler) RecordPayment(w http.ResponseWriter, r *http.Request) {
	var req RecordPaymentRequest
	if !h.decode(w, r, &req) {
		return
	}

	ev := engine.PaymentEvent{
		PaymentID: req.PaymentID,
		LearnerID: engine.LearnerID(req.LearnerID),
		CourseID:  engine.CourseID(req.CourseID),
		Hours:     req.Hours,
		Currency:  req.Currency,
		Actor:     req.Actor,
	}
	if req.PaidAt != nil {
		ev.PaidAt = *req.PaidAt
	}
	if req.ExpiresAt != nil {
		ev.ExpiresAt = *req.ExpiresAt
	}

	pkg, err := h.Engine.Payments.RecordPayment(r.Context(), ev)
	if err != nil {
		writeEngineError(w, "Failed to record payment", err)
		return
	}
	writeJSON(w, http.StatusCreated, toPackageDTO(*pkg, h.Engine.Clock.Now()))
}

// ListPackages returns packages, optionally for one learner.
// GET /api/packages?learner_id=
func (h *Handler) ListPackages(w http.ResponseWriter, r *http.Request) {
	pkgs, err := h.Engine.Store.ListPackages(r.Context(), engine.LearnerID(r.URL.Query().Get("learner_id")))
	if err != nil {
		writeEngineError(w, "Failed to list packages", err)
		return
	}

	now := h.Engine.Clock.Now()
	dtos := make([]PackageDTO, len(pkgs))
	for i, p := range pkgs {
		dtos[i] = toPackageDTO(p, now)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetPackage returns one package.
// GET /api/packages/{id}
func (h *Handler) GetPackage(w http.ResponseWriter, r *http.Request) {
	pkg, err := h.Engine.Packages.Get(r.Context(), engine.PackageID(chi.URLParam(r, "id")))
	if err != nil {
		writeEngineError(w, "Failed to get package", err)
		return
	}
	writeJSON(w, http.StatusOK, toPackageDTO(*pkg, h.Engine.Clock.Now()))
}

// RequestPause queues a pause request for the counter-party.
// POST /api/packages/{id}/pause
func (h *Handler) RequestPause(w http.ResponseWriter, r *http.Request) {
	var req PauseRequest
	if !h.decode(w, r, &req) {
		return
	}

	apr, err := h.Engine.Packages.RequestPause(r.Context(), engine.PackageID(chi.URLParam(r, "id")), engine.PauseRequest{
		Reason:    req.Reason,
		Actor:     req.Actor,
		TeacherID: engine.TeacherID(req.TeacherID),
		Override:  req.Override,
	})
	if err != nil {
		writeEngineError(w, "Failed to request pause", err)
		return
	}
	writeJSON(w, http.StatusAccepted, toApprovalDTO(*apr))
}

// UnpausePackage resumes a paused package and extends its expiry.
// POST /api/packages/{id}/unpause
func (h *Handler) UnpausePackage(w http.ResponseWriter, r *http.Request) {
	var req ActorRequest
	if !h.decode(w, r, &req) {
		return
	}

	pkg, err := h.Engine.Packages.Unpause(r.Context(), engine.PackageID(chi.URLParam(r, "id")), req.Actor)
	if err != nil {
		writeEngineError(w, "Failed to unpause package", err)
		return
	}
	writeJSON(w, http.StatusOK, toPackageDTO(*pkg, h.Engine.Clock.Now()))
}

// =============================================================================
// SESSION HANDLERS
// =============================================================================

// ListSessions returns sessions matching the query filters.
// GET /api/sessions?learner_id=&teacher_id=&status=
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sessions, err := h.Engine.Store.ListSessions(r.Context(), engine.SessionFilter{
		LearnerID: engine.LearnerID(q.Get("learner_id")),
		TeacherID: engine.TeacherID(q.Get("teacher_id")),
		Status:    engine.SessionStatus(q.Get("status")),
	})
	if err != nil {
		writeEngineError(w, "Failed to list sessions", err)
		return
	}

	dtos := make([]SessionDTO, len(sessions))
	for i, s := range sessions {
		dtos[i] = toSessionDTO(s)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetSession returns one session.
// GET /api/sessions/{id}
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.Engine.Store.GetSession(r.Context(), engine.SessionID(chi.URLParam(r, "id")))
	if err != nil {
		writeEngineError(w, "Failed to get session", err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionDTO(*sess))
}

// BookSession books a lesson, or queues it when the learner is new.
// POST /api/sessions
func (h *Handler) BookSession(w http.ResponseWriter, r *http.Request) {
	var req BookSessionRequest
	if !h.decode(w, r, &req) {
		return
	}

	out, err := h.Engine.Gate.BookSession(r.Context(), req.toEngine())
	if err != nil {
		writeEngineError(w, "Failed to book session", err)
		return
	}
	writeOutcome(w, out, http.StatusCreated)
}

// CancelSession cancels a lesson, or queues the cancellation inside the window.
// POST /api/sessions/{id}/cancel
func (h *Handler) CancelSession(w http.ResponseWriter, r *http.Request) {
	var req CancelSessionRequest
	if !h.decode(w, r, &req) {
		return
	}

	out, err := h.Engine.Gate.CancelSession(r.Context(), engine.SessionID(chi.URLParam(r, "id")), engine.CancelRequest{
		Actor:  req.Actor,
		Reason: req.Reason,
	})
	if err != nil {
		writeEngineError(w, "Failed to cancel session", err)
		return
	}
	writeOutcome(w, out, http.StatusOK)
}

// RescheduleSession moves a lesson, or queues the move inside the window.
// POST /api/sessions/{id}/reschedule
func (h *Handler) RescheduleSession(w http.ResponseWriter, r *http.Request) {
	var req RescheduleSessionRequest
	if !h.decode(w, r, &req) {
		return
	}

	slot := engine.Slot{StartsAt: req.StartsAt}
	if req.EndsAt != nil {
		slot.EndsAt = *req.EndsAt
	}
	out, err := h.Engine.Gate.RescheduleSession(r.Context(), engine.SessionID(chi.URLParam(r, "id")), engine.RescheduleRequest{
		NewSlot: slot,
		Actor:   req.Actor,
		Reason:  req.Reason,
	})
	if err != nil {
		writeEngineError(w, "Failed to reschedule session", err)
		return
	}
	writeOutcome(w, out, http.StatusOK)
}

// CompleteSession marks a lesson as taught and settles its hours.
// POST /api/sessions/{id}/complete
func (h *Handler) CompleteSession(w http.ResponseWriter, r *http.Request) {
	var req ActorRequest
	if !h.decode(w, r, &req) {
		return
	}

	sess, err := h.Engine.Gate.CompleteSession(r.Context(), engine.SessionID(chi.URLParam(r, "id")), req.Actor)
	if err != nil {
		writeEngineError(w, "Failed to complete session", err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionDTO(*sess))
}

// =============================================================================
// APPROVAL HANDLERS
// =============================================================================

// ListPendingApprovals returns the pending queue, oldest first.
// GET /api/approvals/pending
func (h *Handler) ListPendingApprovals(w http.ResponseWriter, r *http.Request) {
	reqs, err := h.Engine.Approvals.Pending(r.Context())
	if err != nil {
		writeEngineError(w, "Failed to list approvals", err)
		return
	}

	dtos := make([]ApprovalDTO, len(reqs))
	for i, req := range reqs {
		dtos[i] = toApprovalDTO(req)
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": dtos})
}

// GetApproval returns one approval request.
// GET /api/approvals/{id}
func (h *Handler) GetApproval(w http.ResponseWriter, r *http.Request) {
	req, err := h.Engine.Approvals.Get(r.Context(), engine.RequestID(chi.URLParam(r, "id")))
	if err != nil {
		writeEngineError(w, "Failed to get approval", err)
		return
	}
	writeJSON(w, http.StatusOK, toApprovalDTO(*req))
}

// ApproveRequest approves a pending request and applies its change.
// POST /api/approvals/{id}/approve
func (h *Handler) ApproveRequest(w http.ResponseWriter, r *http.Request) {
	h.resolve(w, r, engine.DecisionApprove)
}

// RejectRequest rejects a pending request.
// POST /api/approvals/{id}/reject
func (h *Handler) RejectRequest(w http.ResponseWriter, r *http.Request) {
	h.resolve(w, r, engine.DecisionReject)
}

func (h *Handler) resolve(w http.ResponseWriter, r *http.Request, decision engine.Decision) {
	var req ResolveRequest
	if !h.decode(w, r, &req) {
		return
	}

	resolved, err := h.Engine.Gate.ResolveApproval(r.Context(), engine.RequestID(chi.URLParam(r, "id")), decision, req.Actor, req.Note)
	if err != nil {
		writeEngineError(w, fmt.Sprintf("Failed to %s request", decision), err)
		return
	}
	writeJSON(w, http.StatusOK, toApprovalDTO(*resolved))
}

// =============================================================================
// ALERT HANDLERS
// =============================================================================

// TeacherAlerts returns the teacher's alert feed.
// GET /api/alerts/teacher
func (h *Handler) TeacherAlerts(w http.ResponseWriter, r *http.Request) {
	snap, err := LoadSnapshot(r.Context(), h.Engine.Store, h.Engine.Clock.Now())
	if err != nil {
		writeEngineError(w, "Failed to load alert state", err)
		return
	}
	writeJSON(w, http.StatusOK, alerts.Generate(snap, alerts.AudienceTeacher, ""))
}

// LearnerAlerts returns one learner's alert feed.
// GET /api/alerts/learners/{id}
func (h *Handler) LearnerAlerts(w http.ResponseWriter, r *http.Request) {
	snap, err := LoadSnapshot(r.Context(), h.Engine.Store, h.Engine.Clock.Now())
	if err != nil {
		writeEngineError(w, "Failed to load alert state", err)
		return
	}
	writeJSON(w, http.StatusOK, alerts.Generate(snap, alerts.AudienceLearner, engine.LearnerID(chi.URLParam(r, "id"))))
}

// =============================================================================
// LEARNER HANDLERS
// =============================================================================

// ListLearners returns learner profiles with their progress counts.
// GET /api/learners
func (h *Handler) ListLearners(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	learners, err := h.Engine.Store.ListLearners(ctx)
	if err != nil {
		writeEngineError(w, "Failed to list learners", err)
		return
	}
	progress, err := h.Engine.Store.ProgressCounts(ctx)
	if err != nil {
		writeEngineError(w, "Failed to count progress", err)
		return
	}

	dtos := make([]LearnerDTO, len(learners))
	for i, l := range learners {
		dtos[i] = toLearnerDTO(l, progress[l.ID])
	}
	writeJSON(w, http.StatusOK, dtos)
}

// UpsertLearner creates or updates a learner profile.
// PUT /api/learners
func (h *Handler) UpsertLearner(w http.ResponseWriter, r *http.Request) {
	var req LearnerRequest
	if !h.decode(w, r, &req) {
		return
	}
	ctx := r.Context()
	now := h.Engine.Clock.Now()

	learner := engine.Learner{
		ID:            engine.LearnerID(req.ID),
		Name:          req.Name,
		Email:         req.Email,
		Gender:        req.Gender,
		GuardianName:  req.GuardianName,
		GuardianEmail: req.GuardianEmail,
		GuardianPhone: req.GuardianPhone,
		Status:        engine.LearnerStatus(req.Status),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if req.Birthday != "" {
		birthday, err := time.Parse("2006-01-02", req.Birthday)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid birthday", err)
			return
		}
		learner.Birthday = &birthday
	}

	status := http.StatusCreated
	existing, err := h.Engine.Store.GetLearner(ctx, learner.ID)
	switch {
	case err == nil:
		learner.CreatedAt = existing.CreatedAt
		status = http.StatusOK
	case !engine.IsNotFound(err):
		writeEngineError(w, "Failed to load learner", err)
		return
	}

	if err := h.Engine.Store.SaveLearner(ctx, learner); err != nil {
		writeEngineError(w, "Failed to save learner", err)
		return
	}
	writeJSON(w, status, toLearnerDTO(learner, 0))
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// RunDigest runs the expiry sweep and daily digest now.
// POST /api/admin/digest
func (h *Handler) RunDigest(w http.ResponseWriter, r *http.Request) {
	if h.Digest == nil {
		writeError(w, http.StatusServiceUnavailable, "Digest scheduler not configured", nil)
		return
	}
	report, err := h.Digest.Run(r.Context())
	if err != nil {
		writeEngineError(w, "Digest failed", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// =============================================================================
// HELPERS
// =============================================================================

// decode reads and validates a JSON body. It writes the error response and
// returns false when the request is unusable.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON", err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeValidationError(w, err)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeOutcome(w http.ResponseWriter, out *engine.Outcome, immediateStatus int) {
	status := immediateStatus
	if !out.Immediate {
		status = http.StatusAccepted
	}
	writeJSON(w, status, toOutcomeDTO(out))
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

func writeValidationError(w http.ResponseWriter, err error) {
	resp := ErrorResponse{Error: "Validation failed", Details: err.Error()}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		resp.Fields = make(map[string]string, len(verrs))
		for _, fe := range verrs {
			resp.Fields[fe.Field()] = fmt.Sprintf("failed on '%s'", fe.Tag())
		}
	}
	writeJSON(w, http.StatusBadRequest, resp)
}

// writeEngineError maps an engine error to its status code.
func writeEngineError(w http.ResponseWriter, message string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		log.Printf("[API] %s: %v", message, err)
	}
	writeError(w, status, message, err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrInvalidInput):
		return http.StatusBadRequest
	case engine.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrAlreadyResolved),
		errors.Is(err, engine.ErrApprovalPending),
		errors.Is(err, engine.ErrDuplicateIdempotencyKey),
		errors.Is(err, engine.ErrConcurrentModification):
		return http.StatusConflict
	case errors.Is(err, engine.ErrInsufficientCredit),
		errors.Is(err, engine.ErrPauseQuotaExceeded),
		errors.Is(err, engine.ErrPackageUnavailable),
		errors.Is(err, engine.ErrInvalidState):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
