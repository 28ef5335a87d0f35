package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tutorly/credit-engine/engine"
)

func creditBooking(learner engine.LearnerID, startsAt time.Time, length time.Duration) engine.BookingRequest {
	return engine.BookingRequest{
		LearnerID:   learner,
		TeacherID:   "t1",
		CourseID:    "piano",
		Slot:        engine.Slot{StartsAt: startsAt, EndsAt: startsAt.Add(length)},
		BillingType: engine.BillingCredit,
		Actor:       string(learner),
	}
}

func (f *fixture) book(t *testing.T, req engine.BookingRequest) *engine.SessionInstance {
	t.Helper()
	out, err := f.eng.Gate.BookSession(context.Background(), req)
	require.NoError(t, err)
	require.True(t, out.Immediate)
	require.NotNil(t, out.Session)
	return out.Session
}

// =============================================================================
// END-TO-END SCENARIO
// =============================================================================

func TestGate_ReservationScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.grant(t, "l1", "piano", 10)

	// GIVEN: A returning learner books a 1h credit lesson 48h ahead
	sess := f.book(t, creditBooking("l1", t0.Add(48*time.Hour), time.Hour))
	assertBuckets(t, f.ledger(t, id), 10, 9, 1, 0)

	// WHEN: They cancel 30h before the lesson
	f.clock.Advance(18 * time.Hour)
	out, err := f.eng.Gate.CancelSession(ctx, sess.ID, engine.CancelRequest{Actor: "l1"})
	require.NoError(t, err)

	// THEN: Cancellation is immediate and the hour is released
	assert.True(t, out.Immediate)
	assert.Nil(t, out.Approval)
	assert.Equal(t, engine.SessionCancelled, out.Session.Status)
	assertBuckets(t, f.ledger(t, id), 10, 10, 0, 0)
	pending, err := f.eng.Approvals.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// GIVEN: A second booking
	second := f.book(t, creditBooking("l1", f.clock.Now().Add(20*time.Hour), time.Hour))
	assertBuckets(t, f.ledger(t, id), 10, 9, 1, 0)

	// WHEN: They cancel 3h before it
	f.clock.Advance(17 * time.Hour)
	out, err = f.eng.Gate.CancelSession(ctx, second.ID, engine.CancelRequest{Actor: "l1", Reason: "sick"})
	require.NoError(t, err)

	// THEN: A cancellation request is pending and nothing else moved
	assert.False(t, out.Immediate)
	require.NotNil(t, out.Approval)
	assert.Equal(t, engine.KindCancellation, out.Approval.Kind)
	assert.Equal(t, engine.ApprovalPending, out.Approval.Status)
	assertBuckets(t, f.ledger(t, id), 10, 9, 1, 0)

	stored, err := f.store.GetSession(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.SessionScheduled, stored.Status)

	// WHEN: The teacher approves
	_, err = f.eng.Gate.ResolveApproval(ctx, out.Approval.ID, engine.DecisionApprove, "t1", "")
	require.NoError(t, err)

	// THEN: The late cancellation is applied
	stored, err = f.store.GetSession(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.SessionCancelled, stored.Status)
	assertBuckets(t, f.ledger(t, id), 10, 10, 0, 0)
}

// =============================================================================
// WINDOW BOUNDARIES
// =============================================================================

func TestGate_CancelWindowBoundary(t *testing.T) {
	tests := []struct {
		name      string
		until     time.Duration
		immediate bool
	}{
		{"exactly 24h", 24 * time.Hour, true},
		{"23.99h", 24*time.Hour - 36*time.Second, false},
		{"one week", 7 * 24 * time.Hour, true},
		{"already started", -time.Minute, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.grant(t, "l1", "piano", 10)
			sess := f.book(t, creditBooking("l1", t0.Add(tt.until), time.Hour))

			out, err := f.eng.Gate.CancelSession(context.Background(), sess.ID, engine.CancelRequest{Actor: "l1"})

			require.NoError(t, err)
			assert.Equal(t, tt.immediate, out.Immediate)
			assert.Equal(t, !tt.immediate, out.Approval != nil)
		})
	}
}

func TestGate_RescheduleWindowBoundary(t *testing.T) {
	tests := []struct {
		name      string
		until     time.Duration
		immediate bool
	}{
		{"exactly 12h", 12 * time.Hour, true},
		{"11.99h", 12*time.Hour - 36*time.Second, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			id := f.grant(t, "l1", "piano", 10)
			sess := f.book(t, creditBooking("l1", t0.Add(tt.until), time.Hour))
			newStart := t0.Add(72 * time.Hour)

			out, err := f.eng.Gate.RescheduleSession(context.Background(), sess.ID, engine.RescheduleRequest{
				NewSlot: engine.Slot{StartsAt: newStart, EndsAt: newStart.Add(90 * time.Minute)},
				Actor:   "l1",
			})

			require.NoError(t, err)
			assert.Equal(t, tt.immediate, out.Immediate)
			if tt.immediate {
				assert.Equal(t, engine.SessionRescheduled, out.Session.Status)
				assert.True(t, out.Session.StartsAt.Equal(newStart))
				assert.True(t, out.Session.DurationHours.Equal(decimal.NewFromFloat(1.5)))
				assert.Equal(t, 1, out.Session.RescheduleCount)
			} else {
				require.NotNil(t, out.Approval)
				assert.Equal(t, engine.KindReschedule, out.Approval.Kind)
			}
			// Either way the ledger does not move.
			assertBuckets(t, f.ledger(t, id), 10, 9, 1, 0)
		})
	}
}

// =============================================================================
// BOOKING
// =============================================================================

func TestGate_BookInsufficientCreditCreatesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.grant(t, "l1", "piano", 1)

	_, err := f.eng.Gate.BookSession(ctx, creditBooking("l1", t0.Add(48*time.Hour), 2*time.Hour))

	var credit *engine.InsufficientCreditError
	require.ErrorAs(t, err, &credit)
	assertBuckets(t, f.ledger(t, id), 1, 1, 0, 0)
	sessions, err := f.store.ListSessions(ctx, engine.SessionFilter{LearnerID: "l1"})
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestGate_BookWithoutLedger(t *testing.T) {
	f := newFixture(t)

	_, err := f.eng.Gate.BookSession(context.Background(), creditBooking("l1", t0.Add(48*time.Hour), time.Hour))

	assert.ErrorIs(t, err, engine.ErrInsufficientCredit)
}

func TestGate_TrialBookingReservesNothing(t *testing.T) {
	f := newFixture(t)
	req := creditBooking("l1", t0.Add(48*time.Hour), time.Hour)
	req.BillingType = engine.BillingTrial

	sess := f.book(t, req)

	assert.Empty(t, sess.LedgerID)
	assert.True(t, sess.ReservedHours.IsZero())
}

func TestGate_NewLearnerBookingIsDeferred(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.grant(t, "newbie", "piano", 5)
	f.newLearners["newbie"] = true

	out, err := f.eng.Gate.BookSession(ctx, creditBooking("newbie", t0.Add(48*time.Hour), time.Hour))
	require.NoError(t, err)

	// Nothing reserved until approval
	assert.False(t, out.Immediate)
	require.NotNil(t, out.Approval)
	assert.Equal(t, engine.KindNewStudentBooking, out.Approval.Kind)
	assertBuckets(t, f.ledger(t, id), 5, 5, 0, 0)

	resolved, err := f.eng.Gate.ResolveApproval(ctx, out.Approval.ID, engine.DecisionApprove, "t1", "welcome")
	require.NoError(t, err)

	assert.Equal(t, engine.ApprovalApproved, resolved.Status)
	require.NotEmpty(t, resolved.ResultRef)
	sess, err := f.store.GetSession(ctx, engine.SessionID(resolved.ResultRef))
	require.NoError(t, err)
	assert.Equal(t, engine.SessionScheduled, sess.Status)
	assertBuckets(t, f.ledger(t, id), 5, 4, 1, 0)
}

func TestGate_CatalogEstimateFillsMissingEnd(t *testing.T) {
	f := newFixture(t)
	f.grant(t, "l1", "piano", 10)
	start := t0.Add(48 * time.Hour)

	sess := f.book(t, engine.BookingRequest{
		LearnerID:        "l1",
		TeacherID:        "t1",
		CourseID:         "piano",
		UnitID:           "u1",
		CatalogSessionID: "scales",
		Slot:             engine.Slot{StartsAt: start},
		BillingType:      engine.BillingCredit,
	})

	assert.True(t, sess.EndsAt.Equal(start.Add(90*time.Minute)))
	assert.True(t, sess.ReservedHours.Equal(decimal.NewFromFloat(1.5)))
}

func TestGate_BookRejectsBadInput(t *testing.T) {
	f := newFixture(t)
	start := t0.Add(48 * time.Hour)

	bad := []engine.BookingRequest{
		{TeacherID: "t1", CourseID: "piano", Slot: engine.Slot{StartsAt: start, EndsAt: start.Add(time.Hour)}, BillingType: engine.BillingCredit},
		{LearnerID: "l1", TeacherID: "t1", CourseID: "piano", Slot: engine.Slot{StartsAt: start, EndsAt: start.Add(time.Hour)}, BillingType: "gift"},
		{LearnerID: "l1", TeacherID: "t1", CourseID: "piano", Slot: engine.Slot{StartsAt: start, EndsAt: start.Add(-time.Hour)}, BillingType: engine.BillingCredit},
		{LearnerID: "l1", TeacherID: "t1", CourseID: "piano", Slot: engine.Slot{StartsAt: start}, BillingType: engine.BillingCredit},
	}
	for i, req := range bad {
		_, err := f.eng.Gate.BookSession(context.Background(), req)
		assert.Error(t, err, "request %d", i)
	}
}

// =============================================================================
// LIFECYCLE
// =============================================================================

func TestGate_ReleaseUsesReservedHoursAfterReschedule(t *testing.T) {
	// GIVEN: A 1h lesson rescheduled to 2h
	// WHEN: It is cancelled
	// THEN: Exactly the reserved 1h is released
	f := newFixture(t)
	ctx := context.Background()
	id := f.grant(t, "l1", "piano", 10)
	sess := f.book(t, creditBooking("l1", t0.Add(72*time.Hour), time.Hour))

	newStart := t0.Add(96 * time.Hour)
	_, err := f.eng.Gate.RescheduleSession(ctx, sess.ID, engine.RescheduleRequest{
		NewSlot: engine.Slot{StartsAt: newStart, EndsAt: newStart.Add(2 * time.Hour)},
	})
	require.NoError(t, err)

	_, err = f.eng.Gate.CancelSession(ctx, sess.ID, engine.CancelRequest{Actor: "l1"})
	require.NoError(t, err)

	assertBuckets(t, f.ledger(t, id), 10, 10, 0, 0)
}

func TestGate_CompleteSessionSettlesAndRecordsProgress(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.grant(t, "l1", "piano", 10)
	sess := f.book(t, creditBooking("l1", t0.Add(2*time.Hour), time.Hour))

	f.clock.Advance(3 * time.Hour)
	done, err := f.eng.Gate.CompleteSession(ctx, sess.ID, "t1")
	require.NoError(t, err)

	assert.Equal(t, engine.SessionCompleted, done.Status)
	require.NotNil(t, done.CompletedAt)
	assertBuckets(t, f.ledger(t, id), 10, 9, 0, 1)
	counts, err := f.store.ProgressCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts["l1"])

	// Completed sessions cannot be cancelled or completed again.
	_, err = f.eng.Gate.CancelSession(ctx, sess.ID, engine.CancelRequest{})
	assert.ErrorIs(t, err, engine.ErrInvalidState)
	_, err = f.eng.Gate.CompleteSession(ctx, sess.ID, "t1")
	assert.ErrorIs(t, err, engine.ErrInvalidState)
	assertBuckets(t, f.ledger(t, id), 10, 9, 0, 1)
}

func TestGate_SecondLateCancelIsRejectedWhilePending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.grant(t, "l1", "piano", 10)
	sess := f.book(t, creditBooking("l1", t0.Add(2*time.Hour), time.Hour))

	_, err := f.eng.Gate.CancelSession(ctx, sess.ID, engine.CancelRequest{Actor: "l1"})
	require.NoError(t, err)
	_, err = f.eng.Gate.RescheduleSession(ctx, sess.ID, engine.RescheduleRequest{NewSlot: engine.Slot{StartsAt: t0.Add(50 * time.Hour)}})

	assert.ErrorIs(t, err, engine.ErrApprovalPending)
	pending, err := f.eng.Approvals.Pending(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}
