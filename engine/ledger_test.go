package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tutorly/credit-engine/engine"
	"github.com/tutorly/credit-engine/store/memory"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var t0 = time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)

type fixture struct {
	eng   *engine.Engine
	store *memory.Store
	clock *engine.ManualClock
	// newLearners drives the identity collaborator.
	newLearners map[engine.LearnerID]bool
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:       memory.New(),
		clock:       engine.NewManualClock(t0),
		newLearners: make(map[engine.LearnerID]bool),
	}
	f.eng = engine.New(f.store, engine.Options{
		Clock: f.clock,
		Identity: engine.IdentityFunc(func(_ context.Context, id engine.LearnerID) (bool, error) {
			return f.newLearners[id], nil
		}),
		Catalog: engine.StaticCatalog{
			{CourseID: "piano", UnitID: "u1", SessionID: "scales"}: {Title: "Scales", EstimatedHours: decimal.NewFromFloat(1.5)},
		},
	})
	return f
}

func (f *fixture) grant(t *testing.T, learner engine.LearnerID, course engine.CourseID, hours int64) engine.LedgerID {
	t.Helper()
	l, err := f.eng.Ledger.Grant(context.Background(), engine.GrantRequest{
		LearnerID: learner,
		CourseID:  course,
		Hours:     decimal.NewFromInt(hours),
		Currency:  "USD",
	})
	require.NoError(t, err)
	return l.ID
}

func (f *fixture) ledger(t *testing.T, id engine.LedgerID) *engine.CreditLedger {
	t.Helper()
	l, err := f.eng.Ledger.Get(context.Background(), id)
	require.NoError(t, err)
	return l
}

func assertBuckets(t *testing.T, l *engine.CreditLedger, total, uncommitted, committed, completed float64) {
	t.Helper()
	assert.True(t, l.Total.Equal(decimal.NewFromFloat(total)), "total: got %s want %v", l.Total, total)
	assert.True(t, l.Uncommitted.Equal(decimal.NewFromFloat(uncommitted)), "uncommitted: got %s want %v", l.Uncommitted, uncommitted)
	assert.True(t, l.Committed.Equal(decimal.NewFromFloat(committed)), "committed: got %s want %v", l.Committed, committed)
	assert.True(t, l.Completed.Equal(decimal.NewFromFloat(completed)), "completed: got %s want %v", l.Completed, completed)
	assert.True(t, l.Balanced(), "buckets must sum to total")
}

// =============================================================================
// PURE TRANSFER TESTS
// =============================================================================

func TestApply_TransfersConserveTotal(t *testing.T) {
	l := engine.CreditLedger{ID: "l:c", Total: decimal.Zero, Uncommitted: decimal.Zero, Committed: decimal.Zero, Completed: decimal.Zero}
	steps := []struct {
		kind  engine.TransferKind
		hours float64
	}{
		{engine.TransferGrant, 10},
		{engine.TransferReserve, 3},
		{engine.TransferReserve, 2.5},
		{engine.TransferRelease, 1},
		{engine.TransferSettle, 2},
		{engine.TransferGrant, 0.5},
	}

	var err error
	for _, s := range steps {
		l, err = l.Apply(s.kind, decimal.NewFromFloat(s.hours))
		require.NoError(t, err)
		require.True(t, l.Balanced())
	}

	assertBuckets(t, &l, 10.5, 6, 2.5, 2)
}

func TestApply_ReserveBeyondUncommitted(t *testing.T) {
	l := engine.CreditLedger{ID: "l:c", Total: decimal.NewFromInt(2), Uncommitted: decimal.NewFromInt(2), Committed: decimal.Zero, Completed: decimal.Zero}

	_, err := l.Apply(engine.TransferReserve, decimal.NewFromInt(3))

	var credit *engine.InsufficientCreditError
	require.ErrorAs(t, err, &credit)
	assert.True(t, credit.Shortfall().Equal(decimal.NewFromInt(1)))
	assert.True(t, engine.IsClientError(err))
}

func TestApply_ReleaseAndSettleNeverClamp(t *testing.T) {
	l := engine.CreditLedger{ID: "l:c", Total: decimal.NewFromInt(5), Uncommitted: decimal.NewFromInt(4), Committed: decimal.NewFromInt(1), Completed: decimal.Zero}

	for _, kind := range []engine.TransferKind{engine.TransferRelease, engine.TransferSettle} {
		_, err := l.Apply(kind, decimal.NewFromInt(2))
		assert.ErrorIs(t, err, engine.ErrInvariantViolation, kind)
	}
}

func TestApply_RejectsNonPositiveHours(t *testing.T) {
	l := engine.CreditLedger{Total: decimal.Zero, Uncommitted: decimal.Zero, Committed: decimal.Zero, Completed: decimal.Zero}

	_, err := l.Apply(engine.TransferGrant, decimal.Zero)
	assert.ErrorIs(t, err, engine.ErrInvalidInput)

	_, err = l.Apply(engine.TransferGrant, decimal.NewFromInt(-1))
	assert.ErrorIs(t, err, engine.ErrInvalidInput)
}

// =============================================================================
// LEDGER SERVICE TESTS
// =============================================================================

func TestLedger_GrantOpensLedgerAndRecordsEntries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id := f.grant(t, "l1", "piano", 10)
	_, err := f.eng.Ledger.Reserve(ctx, id, decimal.NewFromInt(2), engine.Ref{ReferenceID: "s1", Actor: "test"})
	require.NoError(t, err)

	assert.Equal(t, engine.LedgerIDFor("l1", "piano"), id)
	l := f.ledger(t, id)
	assertBuckets(t, l, 10, 8, 2, 0)
	assert.Equal(t, int64(2), l.Version)

	entries, err := f.eng.Ledger.Entries(ctx, id)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, engine.TransferGrant, entries[0].Kind)
	assert.Equal(t, engine.TransferReserve, entries[1].Kind)
	assert.Equal(t, "s1", entries[1].ReferenceID)
	assert.True(t, entries[1].Committed.Equal(decimal.NewFromInt(2)))
}

func TestLedger_GrantCurrencyMismatch(t *testing.T) {
	f := newFixture(t)
	f.grant(t, "l1", "piano", 10)

	_, err := f.eng.Ledger.Grant(context.Background(), engine.GrantRequest{
		LearnerID: "l1", CourseID: "piano", Hours: decimal.NewFromInt(1), Currency: "EUR",
	})

	assert.ErrorIs(t, err, engine.ErrInvalidInput)
	assertBuckets(t, f.ledger(t, engine.LedgerIDFor("l1", "piano")), 10, 10, 0, 0)
}

func TestLedger_FailedTransferLeavesNoTrace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.grant(t, "l1", "piano", 1)

	_, err := f.eng.Ledger.Settle(ctx, id, decimal.NewFromInt(1), engine.Ref{})
	require.ErrorIs(t, err, engine.ErrInvariantViolation)

	entries, err := f.eng.Ledger.Entries(ctx, id)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "only the grant")
	assertBuckets(t, f.ledger(t, id), 1, 1, 0, 0)
}

func TestLedger_ConcurrentReservesNeverOverdraw(t *testing.T) {
	// GIVEN: A ledger with 5 uncommitted hours
	// WHEN: 20 goroutines each reserve 1 hour
	// THEN: Exactly 5 succeed, the rest fail with InsufficientCredit
	f := newFixture(t)
	ctx := context.Background()
	id := f.grant(t, "l1", "piano", 5)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		short     int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.eng.Ledger.Reserve(ctx, id, decimal.NewFromInt(1), engine.Ref{})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, engine.ErrInsufficientCredit):
				short++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, succeeded)
	assert.Equal(t, 15, short)
	assertBuckets(t, f.ledger(t, id), 5, 0, 5, 0)
}

func TestLedger_ReserveUnknownLedger(t *testing.T) {
	f := newFixture(t)

	_, err := f.eng.Ledger.Reserve(context.Background(), "nobody:nothing", decimal.NewFromInt(1), engine.Ref{})

	assert.True(t, engine.IsNotFound(err))
}
