package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tutorly/credit-engine/engine"
	"github.com/tutorly/credit-engine/store/memory"
)

func seedLedger(t *testing.T, s *memory.Store, id engine.LedgerID) {
	t.Helper()
	err := s.WithTx(context.Background(), func(tx engine.Tx) error {
		return tx.InsertLedger(context.Background(), engine.CreditLedger{
			ID:          id,
			Total:       decimal.NewFromInt(10),
			Uncommitted: decimal.NewFromInt(10),
			Committed:   decimal.Zero,
			Completed:   decimal.Zero,
		})
	})
	require.NoError(t, err)
}

func TestWithTx_RollbackOnError(t *testing.T) {
	// GIVEN: A transaction that writes a session and then fails
	// THEN: The session is not visible afterwards
	s := memory.New()
	ctx := context.Background()

	err := s.WithTx(ctx, func(tx engine.Tx) error {
		require.NoError(t, tx.SaveSession(ctx, engine.SessionInstance{ID: "s1"}))
		return errors.New("boom")
	})
	require.Error(t, err)

	_, err = s.GetSession(ctx, "s1")
	assert.True(t, engine.IsNotFound(err))
}

func TestUpdateLedger_VersionConflict(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	seedLedger(t, s, "l:c")

	err := s.WithTx(ctx, func(tx engine.Tx) error {
		l, err := tx.GetLedger(ctx, "l:c")
		require.NoError(t, err)
		l.Version = 2
		return tx.UpdateLedger(ctx, *l, 1)
	})

	assert.ErrorIs(t, err, engine.ErrConcurrentModification)
	assert.True(t, engine.IsRetryable(err))
}

func TestAppendLedgerEntry_DuplicateKey(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	entry := engine.LedgerEntry{ID: "e1", LedgerID: "l:c", Kind: engine.TransferGrant, IdempotencyKey: "payment:1", CreatedAt: time.Now()}

	require.NoError(t, s.WithTx(ctx, func(tx engine.Tx) error { return tx.AppendLedgerEntry(ctx, entry) }))
	entry.ID = "e2"
	err := s.WithTx(ctx, func(tx engine.Tx) error { return tx.AppendLedgerEntry(ctx, entry) })

	assert.ErrorIs(t, err, engine.ErrDuplicateIdempotencyKey)
	entries, err := s.ListLedgerEntries(ctx, "l:c")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestResolveApproval_OnlyOnce(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	req := engine.ApprovalRequest{ID: "apr-1", Kind: engine.KindCancellation, Status: engine.ApprovalPending, Subject: "session:s1"}
	require.NoError(t, s.WithTx(ctx, func(tx engine.Tx) error { return tx.InsertApproval(ctx, req) }))

	pending, err := s.PendingApprovalFor(ctx, "session:s1")
	require.NoError(t, err)
	require.NotNil(t, pending)

	resolved := req
	resolved.Status = engine.ApprovalApproved
	require.NoError(t, s.WithTx(ctx, func(tx engine.Tx) error { return tx.ResolveApproval(ctx, resolved) }))

	resolved.Status = engine.ApprovalRejected
	err = s.WithTx(ctx, func(tx engine.Tx) error { return tx.ResolveApproval(ctx, resolved) })
	assert.ErrorIs(t, err, engine.ErrAlreadyResolved)

	got, err := s.GetApproval(ctx, "apr-1")
	require.NoError(t, err)
	assert.Equal(t, engine.ApprovalApproved, got.Status)

	pending, err = s.PendingApprovalFor(ctx, "session:s1")
	require.NoError(t, err)
	assert.Nil(t, pending)
}

func TestPackagesByLedger_OldestPurchaseFirst(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	base := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.WithTx(ctx, func(tx engine.Tx) error {
		for i, id := range []engine.PackageID{"newer", "older"} {
			err := tx.SavePackage(ctx, engine.Package{ID: id, LedgerID: "l:c", PurchaseDate: base.AddDate(0, 0, 10-i*5)})
			if err != nil {
				return err
			}
		}
		return nil
	}))

	pkgs, err := s.PackagesByLedger(ctx, "l:c")
	require.NoError(t, err)
	require.Len(t, pkgs, 2)
	assert.Equal(t, engine.PackageID("older"), pkgs[0].ID)
}
