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

func (f *fixture) pay(t *testing.T, paymentID string, learner engine.LearnerID, hours int64) *engine.Package {
	t.Helper()
	pkg, err := f.eng.Payments.RecordPayment(context.Background(), engine.PaymentEvent{
		PaymentID: paymentID,
		LearnerID: learner,
		CourseID:  "piano",
		Hours:     decimal.NewFromInt(hours),
		Currency:  "USD",
	})
	require.NoError(t, err)
	return pkg
}

func (f *fixture) pauseApproved(t *testing.T, id engine.PackageID) {
	t.Helper()
	ctx := context.Background()
	apr, err := f.eng.Packages.RequestPause(ctx, id, engine.PauseRequest{Reason: "travel", Actor: "l1", TeacherID: "t1"})
	require.NoError(t, err)
	_, err = f.eng.Gate.ResolveApproval(ctx, apr.ID, engine.DecisionApprove, "t1", "")
	require.NoError(t, err)
}

// =============================================================================
// PAUSE QUOTA
// =============================================================================

func TestMaxPauses(t *testing.T) {
	tests := []struct {
		hours int64
		want  int
	}{
		{0, 0},
		{10, 1},
		{20, 1},
		{21, 2},
		{40, 2},
		{60, 3},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, engine.MaxPauses(decimal.NewFromInt(tt.hours)), "%dh", tt.hours)
	}
}

func TestPackages_PauseIsAlwaysDeferred(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pkg := f.pay(t, "pay-1", "l1", 10)

	apr, err := f.eng.Packages.RequestPause(ctx, pkg.ID, engine.PauseRequest{Reason: "exams", Actor: "l1", TeacherID: "t1"})
	require.NoError(t, err)

	assert.Equal(t, engine.KindPauseRequest, apr.Kind)
	stored, err := f.eng.Packages.Get(ctx, pkg.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.PackageStatusActive, stored.Status(), "nothing changes before approval")

	_, err = f.eng.Gate.ResolveApproval(ctx, apr.ID, engine.DecisionApprove, "t1", "")
	require.NoError(t, err)

	stored, err = f.eng.Packages.Get(ctx, pkg.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsPaused())
	assert.Equal(t, "exams", stored.PauseReason())
	assert.Equal(t, 1, stored.PauseCount)
	since, ok := stored.PausedAt()
	assert.True(t, ok)
	assert.True(t, since.Equal(t0))
}

func TestPackages_QuotaExceeded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pkg := f.pay(t, "pay-1", "l1", 10)
	f.pauseApproved(t, pkg.ID)
	_, err := f.eng.Packages.Unpause(ctx, pkg.ID, "l1")
	require.NoError(t, err)

	_, err = f.eng.Packages.RequestPause(ctx, pkg.ID, engine.PauseRequest{Reason: "again"})

	var quota *engine.PauseQuotaError
	require.ErrorAs(t, err, &quota)
	assert.Equal(t, 1, quota.Used)
	assert.Equal(t, 1, quota.Max)
	assert.Equal(t, 0, quota.Remaining())

	// Override bypasses the quota
	apr, err := f.eng.Packages.RequestPause(ctx, pkg.ID, engine.PauseRequest{Reason: "medical", Override: true})
	require.NoError(t, err)
	_, err = f.eng.Gate.ResolveApproval(ctx, apr.ID, engine.DecisionApprove, "admin", "")
	require.NoError(t, err)
}

func TestPackages_UnpauseExtendsExpiryByDaysPaused(t *testing.T) {
	// GIVEN: A package paused on day D
	// WHEN: Unpaused on day D+5
	// THEN: Expiry moves out 5 days; the learner loses no validity
	f := newFixture(t)
	ctx := context.Background()
	pkg := f.pay(t, "pay-1", "l1", 40)
	originalExpiry := pkg.ExpiresAt
	f.pauseApproved(t, pkg.ID)

	f.clock.Advance(5*24*time.Hour - time.Hour)
	resumed, err := f.eng.Packages.Unpause(ctx, pkg.ID, "l1")
	require.NoError(t, err)

	assert.Equal(t, engine.PackageStatusActive, resumed.Status())
	assert.Equal(t, 5, resumed.TotalDaysPaused)
	assert.True(t, resumed.ExpiresAt.Equal(originalExpiry.AddDate(0, 0, 5)))
	assert.Equal(t, 1, resumed.RemainingPauses())
}

func TestPackages_UnpauseActiveFails(t *testing.T) {
	f := newFixture(t)
	pkg := f.pay(t, "pay-1", "l1", 10)

	_, err := f.eng.Packages.Unpause(context.Background(), pkg.ID, "l1")

	assert.ErrorIs(t, err, engine.ErrInvalidState)
}

func TestPackages_PausedPackageBlocksCreditBooking(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pkg := f.pay(t, "pay-1", "l1", 10)
	f.pauseApproved(t, pkg.ID)

	_, err := f.eng.Gate.BookSession(ctx, creditBooking("l1", t0.Add(48*time.Hour), time.Hour))
	assert.ErrorIs(t, err, engine.ErrPackageUnavailable)
	assertBuckets(t, f.ledger(t, pkg.LedgerID), 10, 10, 0, 0)

	_, err = f.eng.Packages.Unpause(ctx, pkg.ID, "l1")
	require.NoError(t, err)
	f.book(t, creditBooking("l1", t0.Add(48*time.Hour), time.Hour))
}

func TestPackages_ExpireDue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pkg, err := f.eng.Payments.RecordPayment(ctx, engine.PaymentEvent{
		PaymentID: "pay-short",
		LearnerID: "l1",
		CourseID:  "piano",
		Hours:     decimal.NewFromInt(5),
		ExpiresAt: engine.DateOf(t0).AddDate(0, 0, 1),
	})
	require.NoError(t, err)
	paused := f.pay(t, "pay-paused", "l2", 5)
	f.pauseApproved(t, paused.ID)

	f.clock.Advance(3 * 24 * time.Hour)
	n, err := f.eng.Packages.ExpireDue(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, n)
	stored, err := f.eng.Packages.Get(ctx, pkg.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.PackageStatusExpired, stored.Status())
	stillPaused, err := f.eng.Packages.Get(ctx, paused.ID)
	require.NoError(t, err)
	assert.True(t, stillPaused.IsPaused(), "paused packages do not expire")

	_, err = f.eng.Gate.BookSession(ctx, creditBooking("l1", f.clock.Now().Add(48*time.Hour), time.Hour))
	assert.ErrorIs(t, err, engine.ErrPackageUnavailable)
}

func TestPackages_CompletionChargesOldestFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.pay(t, "pay-1", "l1", 1)
	f.clock.Advance(time.Hour)
	second := f.pay(t, "pay-2", "l1", 5)

	sess := f.book(t, creditBooking("l1", f.clock.Now().Add(time.Hour), 2*time.Hour))
	_, err := f.eng.Gate.CompleteSession(ctx, sess.ID, "t1")
	require.NoError(t, err)

	got1, err := f.eng.Packages.Get(ctx, first.ID)
	require.NoError(t, err)
	got2, err := f.eng.Packages.Get(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.PackageStatusCompleted, got1.Status())
	assert.True(t, got2.UsedHours.Equal(decimal.NewFromInt(1)))
	assert.Equal(t, engine.PackageStatusActive, got2.Status())
	assertBuckets(t, f.ledger(t, first.LedgerID), 6, 4, 0, 2)
}

func TestPackages_CompletionSkipsPausedPackage(t *testing.T) {
	// GIVEN: An older paused package and a newer active one
	f := newFixture(t)
	ctx := context.Background()
	paused := f.pay(t, "pay-1", "l1", 10)
	f.pauseApproved(t, paused.ID)
	f.clock.Advance(time.Hour)
	active := f.pay(t, "pay-2", "l1", 10)

	// WHEN: A 2h lesson is booked and completed
	sess := f.book(t, creditBooking("l1", f.clock.Now().Add(48*time.Hour), 2*time.Hour))
	_, err := f.eng.Gate.CompleteSession(ctx, sess.ID, "t1")
	require.NoError(t, err)

	// THEN: The active package pays; the paused one is untouched
	gotPaused, err := f.eng.Packages.Get(ctx, paused.ID)
	require.NoError(t, err)
	gotActive, err := f.eng.Packages.Get(ctx, active.ID)
	require.NoError(t, err)
	assert.True(t, gotPaused.IsPaused())
	assert.True(t, gotPaused.UsedHours.IsZero(), "paused used %s", gotPaused.UsedHours)
	assert.True(t, gotActive.UsedHours.Equal(decimal.NewFromInt(2)), "active used %s", gotActive.UsedHours)
}

func TestPackages_PausedPackageChargedOnlyForOverflow(t *testing.T) {
	// GIVEN: A lesson booked before its only package was paused
	f := newFixture(t)
	ctx := context.Background()
	pkg := f.pay(t, "pay-1", "l1", 10)
	sess := f.book(t, creditBooking("l1", t0.Add(48*time.Hour), time.Hour))
	f.pauseApproved(t, pkg.ID)

	// WHEN: The lesson is completed
	_, err := f.eng.Gate.CompleteSession(ctx, sess.ID, "t1")
	require.NoError(t, err)

	// THEN: The paused package is the only one left to charge
	got, err := f.eng.Packages.Get(ctx, pkg.ID)
	require.NoError(t, err)
	assert.True(t, got.UsedHours.Equal(decimal.NewFromInt(1)))
	assert.True(t, got.IsPaused())
}

func TestPackages_ExpiredHoursDoNotFundBookings(t *testing.T) {
	// GIVEN: A 10h package that expired unused, then a 1h top-up
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.eng.Payments.RecordPayment(ctx, engine.PaymentEvent{
		PaymentID: "pay-old",
		LearnerID: "l1",
		CourseID:  "piano",
		Hours:     decimal.NewFromInt(10),
		Currency:  "USD",
		ExpiresAt: engine.DateOf(t0).AddDate(0, 0, 1),
	})
	require.NoError(t, err)
	f.clock.Advance(3 * 24 * time.Hour)
	top := f.pay(t, "pay-new", "l1", 1)

	// WHEN: A 5h lesson is booked
	_, err = f.eng.Gate.BookSession(ctx, creditBooking("l1", f.clock.Now().Add(48*time.Hour), 5*time.Hour))

	// THEN: Only the top-up's hour is bookable
	var insufficient *engine.InsufficientCreditError
	require.ErrorAs(t, err, &insufficient)
	assert.True(t, insufficient.Available.Equal(decimal.NewFromInt(1)), "available %s", insufficient.Available)
	assertBuckets(t, f.ledger(t, top.LedgerID), 11, 11, 0, 0)

	f.book(t, creditBooking("l1", f.clock.Now().Add(48*time.Hour), time.Hour))
	_, err = f.eng.Gate.BookSession(ctx, creditBooking("l1", f.clock.Now().Add(72*time.Hour), time.Hour))
	assert.ErrorIs(t, err, engine.ErrInsufficientCredit, "committed hours count against the active package")
}

func TestPackages_ManualGrantAddsToPackageFunding(t *testing.T) {
	f := newFixture(t)
	pkg := f.pay(t, "pay-1", "l1", 1)
	f.grant(t, "l1", "piano", 3)

	f.book(t, creditBooking("l1", t0.Add(48*time.Hour), 4*time.Hour))

	assertBuckets(t, f.ledger(t, pkg.LedgerID), 4, 0, 4, 0)
}
