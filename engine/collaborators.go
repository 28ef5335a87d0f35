package engine

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTITY
// =============================================================================

// Identity tells the gate whether a learner is new (unverified) or returning.
type Identity interface {
	IsNewLearner(ctx context.Context, id LearnerID) (bool, error)
}

// IdentityFunc adapts a function to Identity.
type IdentityFunc func(ctx context.Context, id LearnerID) (bool, error)

func (f IdentityFunc) IsNewLearner(ctx context.Context, id LearnerID) (bool, error) {
	return f(ctx, id)
}

// StoreIdentity derives newness from local data: a learner is new when they
// have no profile, or when they are still on trial and have never had a
// session that was not cancelled.
type StoreIdentity struct {
	Store Store
}

func (s StoreIdentity) IsNewLearner(ctx context.Context, id LearnerID) (bool, error) {
	learner, err := s.Store.GetLearner(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	if learner.Status != LearnerTrial {
		return false, nil
	}
	sessions, err := s.Store.ListSessions(ctx, SessionFilter{LearnerID: id})
	if err != nil {
		return false, err
	}
	for _, sess := range sessions {
		if sess.Status != SessionCancelled {
			return false, nil
		}
	}
	return true, nil
}

// =============================================================================
// CATALOG
// =============================================================================

// CatalogRef addresses one catalog session.
type CatalogRef struct {
	CourseID  CourseID
	UnitID    string
	SessionID string
}

// CatalogEntry is the read-only metadata the engine uses.
type CatalogEntry struct {
	Title          string
	EstimatedHours decimal.Decimal
}

// Catalog supplies course/unit/session metadata. The engine never writes it.
type Catalog interface {
	Lookup(ctx context.Context, ref CatalogRef) (CatalogEntry, error)
}

// StaticCatalog is an in-memory catalog.
type StaticCatalog map[CatalogRef]CatalogEntry

func (c StaticCatalog) Lookup(_ context.Context, ref CatalogRef) (CatalogEntry, error) {
	entry, ok := c[ref]
	if !ok {
		return CatalogEntry{}, NotFoundError("catalog session", ref)
	}
	return entry, nil
}
