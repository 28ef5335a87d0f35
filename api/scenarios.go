/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the store with realistic
	data for demos of the dashboard and the alert feeds. Each scenario goes
	through the engine (payments, bookings, gate actions), never around it.

AVAILABLE SCENARIOS:

	first-booking:     Trial learner's first booking waits for approval
	late-cancellation: Cancellation inside the 24h window waits for approval
	paused-package:    Package paused after an approved pause request
	running-low:       Package close to expiry with under 2 hours left

HOW SCENARIOS WORK:
 1. Create a learner with a fresh demo ID (loading twice never collides)
 2. Record a payment (grant + package)
 3. Drive the gate the way a client would
 4. Leave any approval pending so the queue has something to show

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "late-cancellation"}

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description
 2. Create loader function: loadXxxScenario(ctx, learner)
 3. Add it to the loaders map

NOTE:

	Scenarios only add data. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Handlers the scenarios mirror
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tutorly/credit-engine/engine"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

// ScenarioDTO describes a loadable demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

var scenarios = []ScenarioDTO{
	{
		ID:          "first-booking",
		Name:        "First Booking",
		Description: "Trial learner books a first lesson; the teacher must approve it",
	},
	{
		ID:          "late-cancellation",
		Name:        "Late Cancellation",
		Description: "Learner cancels 6 hours before the lesson; hours stay committed until the teacher decides",
	},
	{
		ID:          "paused-package",
		Name:        "Paused Package",
		Description: "Learner travels; an approved pause freezes the package and blocks new bookings",
	},
	{
		ID:          "running-low",
		Name:        "Running Low",
		Description: "Package expires in 10 days with 1.5 hours left",
	},
}

type scenarioLoader func(h *Handler, ctx context.Context, learner engine.LearnerID) error

var loaders = map[string]scenarioLoader{
	"first-booking":     (*Handler).loadFirstBookingScenario,
	"late-cancellation": (*Handler).loadLateCancellationScenario,
	"paused-package":    (*Handler).loadPausedPackageScenario,
	"running-low":       (*Handler).loadRunningLowScenario,
}

const (
	demoTeacher engine.TeacherID = "teacher-demo"
	demoCourse  engine.CourseID  = "piano"
)

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// LoadScenario loads one scenario for a new demo learner.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ScenarioID string `json:"scenario_id" validate:"required"`
	}
	if !h.decode(w, r, &req) {
		return
	}

	load, ok := loaders[req.ScenarioID]
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	learner := engine.LearnerID(engine.NewID("demo"))
	if err := load(h, r.Context(), learner); err != nil {
		writeEngineError(w, fmt.Sprintf("Failed to load scenario %s", req.ScenarioID), err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":     "loaded",
		"scenario":   req.ScenarioID,
		"learner_id": string(learner),
	})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadFirstBookingScenario(ctx context.Context, learner engine.LearnerID) error {
	if err := h.seedLearner(ctx, learner, engine.LearnerTrial); err != nil {
		return err
	}
	if _, err := h.seedPayment(ctx, learner, 4, time.Time{}); err != nil {
		return err
	}
	_, err := h.Engine.Gate.BookSession(ctx, h.demoBooking(learner, 72*time.Hour))
	return err
}

func (h *Handler) loadLateCancellationScenario(ctx context.Context, learner engine.LearnerID) error {
	if err := h.seedLearner(ctx, learner, engine.LearnerActive); err != nil {
		return err
	}
	if _, err := h.seedPayment(ctx, learner, 10, time.Time{}); err != nil {
		return err
	}
	out, err := h.Engine.Gate.BookSession(ctx, h.demoBooking(learner, 6*time.Hour))
	if err != nil {
		return err
	}
	if out.Session == nil {
		return fmt.Errorf("booking for %s was deferred", learner)
	}
	_, err = h.Engine.Gate.CancelSession(ctx, out.Session.ID, engine.CancelRequest{
		Actor:  string(learner),
		Reason: "Feeling unwell",
	})
	return err
}

func (h *Handler) loadPausedPackageScenario(ctx context.Context, learner engine.LearnerID) error {
	if err := h.seedLearner(ctx, learner, engine.LearnerActive); err != nil {
		return err
	}
	pkg, err := h.seedPayment(ctx, learner, 20, time.Time{})
	if err != nil {
		return err
	}
	apr, err := h.Engine.Packages.RequestPause(ctx, pkg.ID, engine.PauseRequest{
		Reason:    "Family trip",
		Actor:     string(learner),
		TeacherID: demoTeacher,
	})
	if err != nil {
		return err
	}
	_, err = h.Engine.Gate.ResolveApproval(ctx, apr.ID, engine.DecisionApprove, string(demoTeacher), "Enjoy the trip")
	return err
}

func (h *Handler) loadRunningLowScenario(ctx context.Context, learner engine.LearnerID) error {
	if err := h.seedLearner(ctx, learner, engine.LearnerActive); err != nil {
		return err
	}
	expires := engine.DateOf(h.Engine.Clock.Now()).AddDate(0, 0, 10)
	if _, err := h.seedPayment(ctx, learner, 3, expires); err != nil {
		return err
	}
	book := h.demoBooking(learner, 48*time.Hour)
	book.Slot.EndsAt = book.Slot.StartsAt.Add(90 * time.Minute)
	out, err := h.Engine.Gate.BookSession(ctx, book)
	if err != nil {
		return err
	}
	if out.Session == nil {
		return fmt.Errorf("booking for %s was deferred", learner)
	}
	_, err = h.Engine.Gate.CompleteSession(ctx, out.Session.ID, string(demoTeacher))
	return err
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) seedLearner(ctx context.Context, id engine.LearnerID, status engine.LearnerStatus) error {
	now := h.Engine.Clock.Now()
	birthday := time.Date(2010, time.September, 1, 0, 0, 0, 0, time.UTC)
	return h.Engine.Store.SaveLearner(ctx, engine.Learner{
		ID:           id,
		Name:         "Demo Learner",
		Email:        string(id) + "@example.com",
		Birthday:     &birthday,
		Gender:       "unspecified",
		GuardianName: "Demo Guardian",
		Status:       status,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
}

func (h *Handler) seedPayment(ctx context.Context, learner engine.LearnerID, hours int64, expires time.Time) (*engine.Package, error) {
	return h.Engine.Payments.RecordPayment(ctx, engine.PaymentEvent{
		PaymentID: engine.NewID("demo-pay"),
		LearnerID: learner,
		CourseID:  demoCourse,
		Hours:     decimal.NewFromInt(hours),
		Currency:  "USD",
		ExpiresAt: expires,
		Actor:     "demo",
	})
}

func (h *Handler) demoBooking(learner engine.LearnerID, in time.Duration) engine.BookingRequest {
	start := h.Engine.Clock.Now().Add(in).Truncate(time.Hour)
	return engine.BookingRequest{
		LearnerID:   learner,
		TeacherID:   demoTeacher,
		CourseID:    demoCourse,
		Slot:        engine.Slot{StartsAt: start, EndsAt: start.Add(time.Hour)},
		BillingType: engine.BillingCredit,
		Actor:       string(learner),
	}
}
