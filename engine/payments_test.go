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

func TestRecordPayment_GrantsAndCreatesPackage(t *testing.T) {
	f := newFixture(t)

	pkg := f.pay(t, "pay-1", "l1", 10)

	assert.Equal(t, engine.PackageStatusActive, pkg.Status())
	assert.Equal(t, engine.LedgerIDFor("l1", "piano"), pkg.LedgerID)
	assert.True(t, pkg.ExpiresAt.Equal(engine.DateOf(t0).AddDate(0, 0, 180)))
	assert.Equal(t, 1, pkg.MaxPauses())
	assertBuckets(t, f.ledger(t, pkg.LedgerID), 10, 10, 0, 0)

	entries, err := f.eng.Ledger.Entries(context.Background(), pkg.LedgerID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "payment:pay-1", entries[0].IdempotencyKey)
}

func TestRecordPayment_ReplayIsRejected(t *testing.T) {
	// GIVEN: A recorded payment
	// WHEN: The payment collaborator delivers it again
	// THEN: Duplicate, with no extra hours and no extra package
	f := newFixture(t)
	ctx := context.Background()
	pkg := f.pay(t, "pay-1", "l1", 10)

	_, err := f.eng.Payments.RecordPayment(ctx, engine.PaymentEvent{
		PaymentID: "pay-1", LearnerID: "l1", CourseID: "piano", Hours: decimal.NewFromInt(10), Currency: "USD",
	})

	assert.ErrorIs(t, err, engine.ErrDuplicateIdempotencyKey)
	assertBuckets(t, f.ledger(t, pkg.LedgerID), 10, 10, 0, 0)
	pkgs, err := f.store.ListPackages(ctx, "l1")
	require.NoError(t, err)
	assert.Len(t, pkgs, 1)
}

func TestRecordPayment_TopUpAddsSecondPackage(t *testing.T) {
	f := newFixture(t)
	first := f.pay(t, "pay-1", "l1", 10)
	f.clock.Advance(24 * time.Hour)
	second := f.pay(t, "pay-2", "l1", 20)

	assert.Equal(t, first.LedgerID, second.LedgerID)
	assertBuckets(t, f.ledger(t, first.LedgerID), 30, 30, 0, 0)
}

func TestRecordPayment_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.eng.Payments.RecordPayment(ctx, engine.PaymentEvent{LearnerID: "l1", CourseID: "piano", Hours: decimal.NewFromInt(1)})
	assert.ErrorIs(t, err, engine.ErrInvalidInput)

	_, err = f.eng.Payments.RecordPayment(ctx, engine.PaymentEvent{PaymentID: "p", LearnerID: "l1", CourseID: "piano", Hours: decimal.Zero})
	assert.ErrorIs(t, err, engine.ErrInvalidInput)
}
