package api

import (
	"context"
	"fmt"
	"time"

	"github.com/tutorly/credit-engine/alerts"
	"github.com/tutorly/credit-engine/engine"
)

// LoadSnapshot reads everything the alert rules need. The rules themselves
// never touch the store.
func LoadSnapshot(ctx context.Context, store engine.Store, now time.Time) (alerts.Snapshot, error) {
	snap := alerts.Snapshot{Now: now}

	var err error
	if snap.Learners, err = store.ListLearners(ctx); err != nil {
		return snap, fmt.Errorf("load learners: %w", err)
	}
	if snap.Packages, err = store.ListPackages(ctx, ""); err != nil {
		return snap, fmt.Errorf("load packages: %w", err)
	}
	if snap.Ledgers, err = store.ListLedgers(ctx, ""); err != nil {
		return snap, fmt.Errorf("load ledgers: %w", err)
	}
	if snap.Sessions, err = store.ListSessions(ctx, engine.SessionFilter{}); err != nil {
		return snap, fmt.Errorf("load sessions: %w", err)
	}
	if snap.Approvals, err = store.ListApprovals(ctx, engine.ApprovalFilter{Status: engine.ApprovalPending}); err != nil {
		return snap, fmt.Errorf("load approvals: %w", err)
	}
	if snap.Progress, err = store.ProgressCounts(ctx); err != nil {
		return snap, fmt.Errorf("load progress: %w", err)
	}
	return snap, nil
}
