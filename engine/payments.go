package engine

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"
)

// PaymentEvent is what the payment collaborator hands over once a purchase
// has been captured.
type PaymentEvent struct {
	PaymentID string
	LearnerID LearnerID
	CourseID  CourseID
	Hours     decimal.Decimal
	Currency  string
	PaidAt    time.Time
	// ExpiresAt overrides the default package validity when set.
	ExpiresAt time.Time
	Actor     string
}

// Payments turns completed payments into credit and packages.
type Payments struct {
	Store        Store
	Ledger       *Ledger
	Clock        Clock
	ValidityDays int
}

// RecordPayment grants the purchased hours and creates the matching package
// in one transaction. Replaying a payment fails with ErrDuplicateIdempotencyKey
// and changes nothing.
func (p *Payments) RecordPayment(ctx context.Context, ev PaymentEvent) (*Package, error) {
	if ev.PaymentID == "" {
		return nil, fmt.Errorf("payment id is required: %w", ErrInvalidInput)
	}
	if !ev.Hours.IsPositive() {
		return nil, fmt.Errorf("payment %s grants %s hours: %w", ev.PaymentID, ev.Hours, ErrInvalidInput)
	}

	var pkg *Package
	err := withRetry(ctx, p.Store, p.Ledger.MaxRetries, func(tx Tx) error {
		now := p.Clock.Now()
		ledger, err := p.Ledger.grantIn(ctx, tx, GrantRequest{
			LearnerID: ev.LearnerID,
			CourseID:  ev.CourseID,
			Hours:     ev.Hours,
			Currency:  ev.Currency,
			Ref: Ref{
				ReferenceID:    ev.PaymentID,
				Actor:          ev.Actor,
				IdempotencyKey: "payment:" + ev.PaymentID,
			},
		})
		if err != nil {
			return err
		}

		purchased := ev.PaidAt
		if purchased.IsZero() {
			purchased = now
		}
		expires := ev.ExpiresAt
		if expires.IsZero() {
			expires = DateOf(purchased).AddDate(0, 0, p.validityDays())
		}

		created := Package{
			ID:           PackageID(NewID("pkg")),
			LearnerID:    ev.LearnerID,
			CourseID:     ev.CourseID,
			LedgerID:     ledger.ID,
			PaymentID:    ev.PaymentID,
			TotalHours:   ev.Hours,
			UsedHours:    decimal.Zero,
			Currency:     ledger.Currency,
			PurchaseDate: purchased,
			ExpiresAt:    expires,
			State:        PackageActive{},
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := tx.SavePackage(ctx, created); err != nil {
			return err
		}
		pkg = &created
		return nil
	})
	observe(TransferGrant, err)
	if err != nil {
		return nil, err
	}

	log.Printf("[Payments] %s: %s hours for %s, package %s expires %s",
		ev.PaymentID, ev.Hours, pkg.LedgerID, pkg.ID, pkg.ExpiresAt.Format("2006-01-02"))
	return pkg, nil
}

func (p *Payments) validityDays() int {
	if p.ValidityDays <= 0 {
		return 180
	}
	return p.ValidityDays
}
