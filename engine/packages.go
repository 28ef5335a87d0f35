/*
packages.go - Purchased hour packages and the pause quota

PURPOSE:
  A Package is one purchase: a bundle of hours with its own expiry date and
  pause allowance. Its hours fund the course ledger; pausing a package never
  moves ledger buckets, it only stops the expiry clock and blocks new credit
  reservations while paused.

STATE:
  The lifecycle is a tagged variant, so "paused" cannot exist without the
  instant it started:

    PackageActive ──pause approved──▶ PackagePaused{Since, Reason}
          ▲                                  │
          └───────────── unpause ────────────┘
          │
          ├── clock passes ExpiresAt ──▶ PackageExpired{At}     (terminal)
          └── all hours consumed ─────▶ PackageCompleted{At}   (terminal)

PAUSE QUOTA:
  MaxPauses(total) = ceil(total / 20). A 10h package gets 1 pause, 40h gets 2.
  Pausing always goes through the approval queue; Unpause is immediate and
  pushes ExpiresAt out by the whole days spent paused.

SEE ALSO:
  - approvals.go: pause_request approvals
  - gate.go: credit bookings check for an active package
*/
package engine

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tutorly/credit-engine/observability"
)

// =============================================================================
// PACKAGE STATE
// =============================================================================

type PackageStatus string

const (
	PackageStatusActive    PackageStatus = "active"
	PackageStatusPaused    PackageStatus = "paused"
	PackageStatusExpired   PackageStatus = "expired"
	PackageStatusCompleted PackageStatus = "completed"
)

// PackageState is one of PackageActive, PackagePaused, PackageExpired, PackageCompleted.
type PackageState interface {
	Status() PackageStatus
	isPackageState()
}

type PackageActive struct{}

type PackagePaused struct {
	Since  time.Time
	Reason string
}

type PackageExpired struct{ At time.Time }

type PackageCompleted struct{ At time.Time }

func (PackageActive) Status() PackageStatus    { return PackageStatusActive }
func (PackagePaused) Status() PackageStatus    { return PackageStatusPaused }
func (PackageExpired) Status() PackageStatus   { return PackageStatusExpired }
func (PackageCompleted) Status() PackageStatus { return PackageStatusCompleted }

func (PackageActive) isPackageState()    {}
func (PackagePaused) isPackageState()    {}
func (PackageExpired) isPackageState()   {}
func (PackageCompleted) isPackageState() {}

// =============================================================================
// PACKAGE
// =============================================================================

type Package struct {
	ID        PackageID
	LearnerID LearnerID
	CourseID  CourseID
	LedgerID  LedgerID
	PaymentID string

	TotalHours decimal.Decimal
	// UsedHours counts settled hours charged to this package.
	UsedHours decimal.Decimal
	Currency  string

	PurchaseDate time.Time
	ExpiresAt    time.Time
	State        PackageState

	PauseCount      int
	TotalDaysPaused int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (p Package) Status() PackageStatus {
	if p.State == nil {
		return PackageStatusActive
	}
	return p.State.Status()
}

func (p Package) IsPaused() bool { return p.Status() == PackageStatusPaused }

// PausedAt returns when the current pause began.
func (p Package) PausedAt() (time.Time, bool) {
	if paused, ok := p.State.(PackagePaused); ok {
		return paused.Since, true
	}
	return time.Time{}, false
}

// PauseReason returns the reason of the current pause, if paused.
func (p Package) PauseReason() string {
	if paused, ok := p.State.(PackagePaused); ok {
		return paused.Reason
	}
	return ""
}

// IsTerminal reports expired or completed.
func (p Package) IsTerminal() bool {
	s := p.Status()
	return s == PackageStatusExpired || s == PackageStatusCompleted
}

func (p Package) HoursRemaining() decimal.Decimal {
	remaining := p.TotalHours.Sub(p.UsedHours)
	if remaining.IsNegative() {
		return decimal.Zero
	}
	return remaining
}

// DaysLeft counts whole UTC days until expiry; 0 on the expiry day itself.
func (p Package) DaysLeft(now time.Time) int {
	return DaysBetween(now, p.ExpiresAt)
}

// MaxPauses returns ceil(totalHours / 20).
func MaxPauses(totalHours decimal.Decimal) int {
	if !totalHours.IsPositive() {
		return 0
	}
	return int(totalHours.Div(decimal.NewFromInt(20)).Ceil().IntPart())
}

func (p Package) MaxPauses() int { return MaxPauses(p.TotalHours) }

func (p Package) RemainingPauses() int {
	if left := p.MaxPauses() - p.PauseCount; left > 0 {
		return left
	}
	return 0
}

// CanPause is status == active AND pauseCount < MaxPauses.
func (p Package) CanPause() bool {
	return p.Status() == PackageStatusActive && p.PauseCount < p.MaxPauses()
}

// refresh expires an active package whose expiry date has passed.
// Paused packages keep their clock stopped. Returns true if the state changed.
func (p *Package) refresh(now time.Time) bool {
	if p.Status() != PackageStatusActive || p.ExpiresAt.IsZero() {
		return false
	}
	if p.DaysLeft(now) < 0 {
		p.State = PackageExpired{At: now}
		p.UpdatedAt = now
		return true
	}
	return false
}

// applyPause moves an active package to paused. Without override the pause
// quota is enforced again, since other pauses may have landed since the
// request was queued.
func (p *Package) applyPause(now time.Time, reason string, override bool) error {
	if p.Status() != PackageStatusActive {
		return fmt.Errorf("package %s is %s: %w", p.ID, p.Status(), ErrPackageUnavailable)
	}
	if !override && !p.CanPause() {
		return &PauseQuotaError{PackageID: p.ID, Used: p.PauseCount, Max: p.MaxPauses()}
	}
	p.State = PackagePaused{Since: now, Reason: reason}
	p.PauseCount++
	p.UpdatedAt = now
	return nil
}

// unpause resumes a paused package and extends its expiry by the whole days
// it spent paused. Returns the number of days added.
func (p *Package) unpause(now time.Time) (int, error) {
	since, ok := p.PausedAt()
	if !ok {
		return 0, fmt.Errorf("package %s is %s, not paused: %w", p.ID, p.Status(), ErrInvalidState)
	}
	days := DaysBetween(since, now)
	if days < 0 {
		days = 0
	}
	p.State = PackageActive{}
	p.TotalDaysPaused += days
	p.ExpiresAt = p.ExpiresAt.AddDate(0, 0, days)
	p.UpdatedAt = now
	return days, nil
}

// charge records up to hours of settled usage; returns the amount charged.
// A package whose hours are used up is completed.
func (p *Package) charge(now time.Time, hours decimal.Decimal) decimal.Decimal {
	if p.IsTerminal() || !hours.IsPositive() {
		return decimal.Zero
	}
	charged := decimal.Min(hours, p.HoursRemaining())
	p.UsedHours = p.UsedHours.Add(charged)
	p.UpdatedAt = now
	if !p.HoursRemaining().IsPositive() {
		p.State = PackageCompleted{At: now}
	}
	return charged
}

// =============================================================================
// PACKAGE SERVICE
// =============================================================================

type Packages struct {
	Store     Store
	Clock     Clock
	Approvals *Approvals
}

// PauseRequest asks the counter-party to pause a package.
type PauseRequest struct {
	Reason string
	Actor  string
	// TeacherID is the counter-party who must agree, when known.
	TeacherID TeacherID
	// Override skips the pause quota (administrative pause).
	Override bool
}

func (s *Packages) Get(ctx context.Context, id PackageID) (*Package, error) {
	return s.Store.GetPackage(ctx, id)
}

// RequestPause validates the quota and queues a pause_request approval.
// Pausing is never immediate.
func (s *Packages) RequestPause(ctx context.Context, id PackageID, req PauseRequest) (*ApprovalRequest, error) {
	var created *ApprovalRequest
	err := s.Store.WithTx(ctx, func(tx Tx) error {
		pkg, err := tx.GetPackage(ctx, id)
		if err != nil {
			return err
		}
		now := s.Clock.Now()
		if pkg.refresh(now) {
			if err := tx.SavePackage(ctx, *pkg); err != nil {
				return err
			}
		}
		if pkg.Status() != PackageStatusActive {
			return fmt.Errorf("package %s is %s: %w", pkg.ID, pkg.Status(), ErrPackageUnavailable)
		}
		if !req.Override && !pkg.CanPause() {
			return &PauseQuotaError{PackageID: pkg.ID, Used: pkg.PauseCount, Max: pkg.MaxPauses()}
		}

		payload := PauseApproval{PackageID: pkg.ID, Reason: req.Reason, Override: req.Override}
		created, err = s.Approvals.enqueue(ctx, tx, payload, pkg.LearnerID, req.TeacherID, req.Actor)
		return err
	})
	if err != nil {
		return nil, err
	}
	observability.GateDecisions.WithLabelValues("pause", "deferred").Inc()
	s.Approvals.announce(ctx, created)
	return created, nil
}

// Unpause resumes a paused package immediately.
func (s *Packages) Unpause(ctx context.Context, id PackageID, actor string) (*Package, error) {
	var out *Package
	err := s.Store.WithTx(ctx, func(tx Tx) error {
		pkg, err := tx.GetPackage(ctx, id)
		if err != nil {
			return err
		}
		days, err := pkg.unpause(s.Clock.Now())
		if err != nil {
			return err
		}
		if err := tx.SavePackage(ctx, *pkg); err != nil {
			return err
		}
		log.Printf("[Packages] %s unpaused by %s, expiry extended by %d days", pkg.ID, actor, days)
		out = pkg
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// applyPauseIn is the pause_request approval side effect.
func (s *Packages) applyPauseIn(ctx context.Context, tx Tx, p PauseApproval, now time.Time) error {
	pkg, err := tx.GetPackage(ctx, p.PackageID)
	if err != nil {
		return err
	}
	pkg.refresh(now)
	if err := pkg.applyPause(now, p.Reason, p.Override); err != nil {
		return err
	}
	return tx.SavePackage(ctx, *pkg)
}

// ExpireDue moves every active package past its expiry date to expired.
// Returns the number of packages expired.
func (s *Packages) ExpireDue(ctx context.Context) (int, error) {
	pkgs, err := s.Store.ListPackages(ctx, "")
	if err != nil {
		return 0, err
	}
	now := s.Clock.Now()
	expired := 0
	for _, candidate := range pkgs {
		if candidate.Status() != PackageStatusActive || candidate.ExpiresAt.IsZero() || candidate.DaysLeft(now) >= 0 {
			continue
		}
		err := s.Store.WithTx(ctx, func(tx Tx) error {
			pkg, err := tx.GetPackage(ctx, candidate.ID)
			if err != nil {
				return err
			}
			if !pkg.refresh(now) {
				return nil
			}
			expired++
			return tx.SavePackage(ctx, *pkg)
		})
		if err != nil {
			return expired, fmt.Errorf("expire package %s: %w", candidate.ID, err)
		}
	}
	return expired, nil
}

// packageFunding is what a ledger's packages can still pay for.
type packageFunding struct {
	// Tracked is false for ledgers funded only by manual grants.
	Tracked bool
	Active  int
	// Remaining is the unused hours on active packages plus any hours
	// granted outside a package.
	Remaining decimal.Decimal
}

// Available returns the hours a new reservation may take, net of what is
// already committed against the ledger.
func (f packageFunding) Available(committed decimal.Decimal) decimal.Decimal {
	return decimal.Max(decimal.Zero, f.Remaining.Sub(committed))
}

// fundingFor refreshes expiry on the ledger's packages within tx and sums
// what the active ones can still fund. Expired and paused packages add
// nothing, so their unused hours cannot back a new booking.
func fundingFor(ctx context.Context, tx Tx, l CreditLedger, now time.Time) (packageFunding, error) {
	pkgs, err := tx.PackagesByLedger(ctx, l.ID)
	if err != nil {
		return packageFunding{}, err
	}
	if len(pkgs) == 0 {
		return packageFunding{}, nil
	}
	f := packageFunding{Tracked: true, Remaining: decimal.Zero}
	purchased := decimal.Zero
	for i := range pkgs {
		if pkgs[i].refresh(now) {
			if err := tx.SavePackage(ctx, pkgs[i]); err != nil {
				return packageFunding{}, err
			}
		}
		purchased = purchased.Add(pkgs[i].TotalHours)
		if pkgs[i].Status() == PackageStatusActive {
			f.Active++
			f.Remaining = f.Remaining.Add(pkgs[i].HoursRemaining())
		}
	}
	if loose := l.Total.Sub(purchased); loose.IsPositive() {
		f.Remaining = f.Remaining.Add(loose)
	}
	return f, nil
}

// chargePackages spreads settled hours over the ledger's packages, oldest
// active purchase first. Paused packages are only charged for what the
// active ones cannot absorb; terminal ones never are.
func chargePackages(ctx context.Context, tx Tx, id LedgerID, hours decimal.Decimal, now time.Time) error {
	pkgs, err := tx.PackagesByLedger(ctx, id)
	if err != nil {
		return err
	}
	left := hours
	for _, status := range []PackageStatus{PackageStatusActive, PackageStatusPaused} {
		for i := range pkgs {
			if !left.IsPositive() {
				return nil
			}
			if pkgs[i].Status() != status {
				continue
			}
			charged := pkgs[i].charge(now, left)
			if charged.IsZero() {
				continue
			}
			left = left.Sub(charged)
			if err := tx.SavePackage(ctx, pkgs[i]); err != nil {
				return err
			}
		}
	}
	return nil
}
