package sqlite_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tutorly/credit-engine/engine"
	"github.com/tutorly/credit-engine/store/sqlite"
)

var t0 = time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)

func newEngine(t *testing.T) (*engine.Engine, *sqlite.Store, *engine.ManualClock) {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clock := engine.NewManualClock(t0)
	eng := engine.New(store, engine.Options{
		Clock: clock,
		Identity: engine.IdentityFunc(func(context.Context, engine.LearnerID) (bool, error) {
			return false, nil
		}),
	})
	return eng, store, clock
}

func booking(start time.Time) engine.BookingRequest {
	return engine.BookingRequest{
		LearnerID:   "l1",
		TeacherID:   "t1",
		CourseID:    "piano",
		Slot:        engine.Slot{StartsAt: start, EndsAt: start.Add(time.Hour)},
		BillingType: engine.BillingCredit,
		Actor:       "l1",
	}
}

func TestSQLite_PaymentBookCancelRoundTrip(t *testing.T) {
	// GIVEN: A 10h payment and a booking inside the cancellation window
	// WHEN: The late cancellation is approved
	// THEN: Every row survives the database round trip and the hour is released
	eng, store, _ := newEngine(t)
	ctx := context.Background()

	pkg, err := eng.Payments.RecordPayment(ctx, engine.PaymentEvent{
		PaymentID: "pay-1", LearnerID: "l1", CourseID: "piano", Hours: decimal.NewFromInt(10), Currency: "USD",
	})
	require.NoError(t, err)

	out, err := eng.Gate.BookSession(ctx, booking(t0.Add(3*time.Hour)))
	require.NoError(t, err)
	require.True(t, out.Immediate)
	sess := out.Session

	out, err = eng.Gate.CancelSession(ctx, sess.ID, engine.CancelRequest{Actor: "l1", Reason: "sick"})
	require.NoError(t, err)
	require.NotNil(t, out.Approval)

	stored, err := store.GetApproval(ctx, out.Approval.ID)
	require.NoError(t, err)
	payload, ok := stored.Payload.(engine.CancellationApproval)
	require.True(t, ok)
	assert.Equal(t, sess.ID, payload.SessionID)
	assert.True(t, stored.CreatedAt.Equal(t0))

	_, err = eng.Gate.ResolveApproval(ctx, out.Approval.ID, engine.DecisionApprove, "t1", "ok")
	require.NoError(t, err)

	l, err := store.GetLedger(ctx, pkg.LedgerID)
	require.NoError(t, err)
	assert.True(t, l.Total.Equal(decimal.NewFromInt(10)))
	assert.True(t, l.Uncommitted.Equal(decimal.NewFromInt(10)))
	assert.True(t, l.Committed.IsZero())
	assert.True(t, l.Balanced())

	cancelled, err := store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.SessionCancelled, cancelled.Status)
	require.NotNil(t, cancelled.CancelledAt)
	assert.True(t, cancelled.StartsAt.Equal(sess.StartsAt))

	entries, err := store.ListLedgerEntries(ctx, pkg.LedgerID)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, engine.TransferGrant, entries[0].Kind)
	assert.Equal(t, engine.TransferReserve, entries[1].Kind)
	assert.Equal(t, engine.TransferRelease, entries[2].Kind)
}

func TestSQLite_PackageStateRoundTrip(t *testing.T) {
	eng, store, clock := newEngine(t)
	ctx := context.Background()
	pkg, err := eng.Payments.RecordPayment(ctx, engine.PaymentEvent{
		PaymentID: "pay-1", LearnerID: "l1", CourseID: "piano", Hours: decimal.NewFromInt(10),
	})
	require.NoError(t, err)

	apr, err := eng.Packages.RequestPause(ctx, pkg.ID, engine.PauseRequest{Reason: "travel", Actor: "l1", TeacherID: "t1"})
	require.NoError(t, err)
	clock.Advance(time.Minute)
	_, err = eng.Gate.ResolveApproval(ctx, apr.ID, engine.DecisionApprove, "t1", "")
	require.NoError(t, err)

	got, err := store.GetPackage(ctx, pkg.ID)
	require.NoError(t, err)
	assert.True(t, got.IsPaused())
	assert.Equal(t, "travel", got.PauseReason())
	since, _ := got.PausedAt()
	assert.True(t, since.Equal(t0.Add(time.Minute)))
	assert.True(t, got.ExpiresAt.Equal(pkg.ExpiresAt))
}

func TestSQLite_DuplicatePaymentRejected(t *testing.T) {
	eng, store, _ := newEngine(t)
	ctx := context.Background()
	ev := engine.PaymentEvent{PaymentID: "pay-1", LearnerID: "l1", CourseID: "piano", Hours: decimal.NewFromInt(5)}

	_, err := eng.Payments.RecordPayment(ctx, ev)
	require.NoError(t, err)
	_, err = eng.Payments.RecordPayment(ctx, ev)

	assert.ErrorIs(t, err, engine.ErrDuplicateIdempotencyKey)
	pkgs, err := store.ListPackages(ctx, "l1")
	require.NoError(t, err)
	assert.Len(t, pkgs, 1, "the failed grant rolls back its package")
}

func TestSQLite_ConcurrentReservesNeverOverdraw(t *testing.T) {
	eng, store, _ := newEngine(t)
	ctx := context.Background()
	pkg, err := eng.Payments.RecordPayment(ctx, engine.PaymentEvent{
		PaymentID: "pay-1", LearnerID: "l1", CourseID: "piano", Hours: decimal.NewFromInt(3),
	})
	require.NoError(t, err)

	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := eng.Gate.BookSession(ctx, booking(t0.Add(time.Duration(48+i)*time.Hour)))
			if err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 3, ok)
	l, err := store.GetLedger(ctx, pkg.LedgerID)
	require.NoError(t, err)
	assert.True(t, l.Uncommitted.IsZero())
	assert.True(t, l.Committed.Equal(decimal.NewFromInt(3)))
}

func TestSQLite_ListFilters(t *testing.T) {
	eng, store, _ := newEngine(t)
	ctx := context.Background()
	_, err := eng.Ledger.Grant(ctx, engine.GrantRequest{LearnerID: "l1", CourseID: "piano", Hours: decimal.NewFromInt(4)})
	require.NoError(t, err)
	_, err = eng.Gate.BookSession(ctx, booking(t0.Add(72*time.Hour)))
	require.NoError(t, err)
	_, err = eng.Gate.BookSession(ctx, booking(t0.Add(48*time.Hour)))
	require.NoError(t, err)

	sessions, err := store.ListSessions(ctx, engine.SessionFilter{LearnerID: "l1", Status: engine.SessionScheduled})
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.True(t, sessions[0].StartsAt.Before(sessions[1].StartsAt))

	none, err := store.ListSessions(ctx, engine.SessionFilter{TeacherID: "someone-else"})
	require.NoError(t, err)
	assert.Empty(t, none)

	ledgers, err := store.ListLedgers(ctx, "l1")
	require.NoError(t, err)
	assert.Len(t, ledgers, 1)
}

func TestSQLite_LearnerAndProgress(t *testing.T) {
	_, store, _ := newEngine(t)
	ctx := context.Background()
	birthday := time.Date(2012, time.June, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, store.SaveLearner(ctx, engine.Learner{
		ID: "l1", Name: "Ada", Birthday: &birthday, Status: engine.LearnerActive, CreatedAt: t0, UpdatedAt: t0,
	}))
	require.NoError(t, store.WithTx(ctx, func(tx engine.Tx) error {
		return tx.AppendProgress(ctx, engine.ProgressRecord{ID: "p1", LearnerID: "l1", SessionID: "s1", CourseID: "piano", RecordedAt: t0})
	}))

	l, err := store.GetLearner(ctx, "l1")
	require.NoError(t, err)
	require.NotNil(t, l.Birthday)
	assert.True(t, l.Birthday.Equal(birthday))
	assert.Equal(t, engine.LearnerActive, l.Status)

	counts, err := store.ProgressCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts["l1"])

	_, err = store.GetLearner(ctx, "missing")
	assert.True(t, engine.IsNotFound(err))
}

// =============================================================================
// SQL-LEVEL BEHAVIOUR (sqlmock)
// =============================================================================

func TestUpdateLedger_StaleVersionIsConcurrentModification(t *testing.T) {
	// GIVEN: The versioned UPDATE matches no row but the ledger exists
	// THEN: ErrConcurrentModification, and the transaction rolls back
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := sqlite.NewFromDB(db)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE ledgers").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT COUNT").WithArgs("l1:piano").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectRollback()

	err = store.WithTx(context.Background(), func(tx engine.Tx) error {
		return tx.UpdateLedger(context.Background(), engine.CreditLedger{ID: "l1:piano", Version: 4}, 3)
	})

	assert.ErrorIs(t, err, engine.ErrConcurrentModification)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateLedger_MissingLedgerIsNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := sqlite.NewFromDB(db)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE ledgers").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT COUNT").WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectRollback()

	err = store.WithTx(context.Background(), func(tx engine.Tx) error {
		return tx.UpdateLedger(context.Background(), engine.CreditLedger{ID: "nope"}, 0)
	})

	assert.True(t, engine.IsNotFound(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResolveApproval_SecondResolutionFails(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := sqlite.NewFromDB(db)

	cols := []string{"id", "kind", "status", "subject", "learner_id", "teacher_id", "requested_by", "payload_json",
		"result_ref", "resolved_by", "note", "created_at", "resolved_at"}
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE approvals").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("FROM approvals").WithArgs("apr-1").WillReturnRows(sqlmock.NewRows(cols).AddRow(
		"apr-1", "cancellation", "approved", "session:s1", "l1", "t1", "l1", `{"session_id":"s1","reason":""}`,
		nil, "t1", nil, "2025-03-10T09:00:00.000000000Z", "2025-03-10T10:00:00.000000000Z",
	))
	mock.ExpectRollback()

	err = store.WithTx(context.Background(), func(tx engine.Tx) error {
		return tx.ResolveApproval(context.Background(), engine.ApprovalRequest{ID: "apr-1", Status: engine.ApprovalRejected})
	})

	var resolved *engine.AlreadyResolvedError
	require.ErrorAs(t, err, &resolved)
	assert.Equal(t, engine.ApprovalApproved, resolved.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}
