package alerts

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tutorly/credit-engine/engine"
)

const (
	ExpiringWithinDays  = 14
	CancelledWithinDays = 7
	AdultAge            = 18
)

// LowHoursThreshold is the remaining-hours level below which a package is flagged.
var LowHoursThreshold = decimal.NewFromInt(2)

func packageLink(id engine.PackageID) string { return "/packages/" + string(id) }
func learnerLink(id engine.LearnerID) string { return "/students/" + string(id) }

// =============================================================================
// RED
// =============================================================================

func PackageExpired(s *Snapshot) []Alert {
	var out []Alert
	for _, p := range s.Packages {
		if p.ID == "" || p.Status() != engine.PackageStatusExpired {
			continue
		}
		at := p.ExpiresAt
		if expired, ok := p.State.(engine.PackageExpired); ok && !expired.At.IsZero() {
			at = expired.At
		}
		a := newAlert(LevelRed, "package_expired", string(p.ID))
		a.Title = "Package expired"
		a.Description = fmt.Sprintf("%s's %s-hour package for %s expired with %s hours unused",
			s.learnerName(p.LearnerID), p.TotalHours, p.CourseID, p.HoursRemaining())
		a.Link = packageLink(p.ID)
		a.StudentID = p.LearnerID
		a.Timestamp = at
		out = append(out, a)
	}
	return out
}

func LearnerChurned(s *Snapshot) []Alert {
	var out []Alert
	for _, l := range s.Learners {
		if l.ID == "" || l.Status != engine.LearnerChurned {
			continue
		}
		a := newAlert(LevelRed, "learner_churned", string(l.ID))
		a.Title = "Learner churned"
		a.Description = fmt.Sprintf("%s is marked as churned", s.learnerName(l.ID))
		a.Link = learnerLink(l.ID)
		a.StudentID = l.ID
		a.Timestamp = l.UpdatedAt
		out = append(out, a)
	}
	return out
}

// =============================================================================
// YELLOW
// =============================================================================

// PackageExpiringSoon flags active packages with 0..14 days left.
func PackageExpiringSoon(s *Snapshot) []Alert {
	var out []Alert
	for _, p := range s.Packages {
		if p.ID == "" || p.ExpiresAt.IsZero() || p.Status() != engine.PackageStatusActive {
			continue
		}
		days := p.DaysLeft(s.Now)
		if days < 0 || days > ExpiringWithinDays {
			continue
		}
		a := newAlert(LevelYellow, "package_expiring", string(p.ID))
		a.Title = "Package expiring soon"
		switch days {
		case 0:
			a.Description = fmt.Sprintf("%s's package for %s expires today", s.learnerName(p.LearnerID), p.CourseID)
		case 1:
			a.Description = fmt.Sprintf("%s's package for %s expires tomorrow", s.learnerName(p.LearnerID), p.CourseID)
		default:
			a.Description = fmt.Sprintf("%s's package for %s expires in %d days", s.learnerName(p.LearnerID), p.CourseID, days)
		}
		a.Link = packageLink(p.ID)
		a.StudentID = p.LearnerID
		a.Timestamp = p.ExpiresAt
		out = append(out, a)
	}
	return out
}

// HoursRemaining is what a package can still fund: its own remainder, capped
// by the uncommitted hours of its ledger when the ledger is known.
func HoursRemaining(s *Snapshot, p engine.Package) decimal.Decimal {
	remaining := p.HoursRemaining()
	if l, ok := s.ledger(p.LedgerID); ok {
		remaining = decimal.Min(remaining, l.Uncommitted)
	}
	return remaining
}

func LowHours(s *Snapshot) []Alert {
	var out []Alert
	for _, p := range s.Packages {
		if p.ID == "" || p.IsTerminal() {
			continue
		}
		left := HoursRemaining(s, p)
		if !left.LessThan(LowHoursThreshold) {
			continue
		}
		a := newAlert(LevelYellow, "low_hours", string(p.ID))
		a.Title = "Low hours remaining"
		a.Description = fmt.Sprintf("%s has %s hours left on %s", s.learnerName(p.LearnerID), left, p.CourseID)
		a.Link = packageLink(p.ID)
		a.StudentID = p.LearnerID
		a.Timestamp = p.UpdatedAt
		out = append(out, a)
	}
	return out
}

func PackagePaused(s *Snapshot) []Alert {
	var out []Alert
	for _, p := range s.Packages {
		since, ok := p.PausedAt()
		if p.ID == "" || !ok {
			continue
		}
		a := newAlert(LevelYellow, "package_paused", string(p.ID))
		a.Title = "Package paused"
		a.Description = fmt.Sprintf("%s's package for %s is paused", s.learnerName(p.LearnerID), p.CourseID)
		if reason := p.PauseReason(); reason != "" {
			a.Description += ": " + reason
		}
		a.Link = packageLink(p.ID)
		a.StudentID = p.LearnerID
		a.Timestamp = since
		out = append(out, a)
	}
	return out
}

// MissingProfileFields lists the required profile fields a learner lacks.
// Learners under AdultAge also need a guardian email or phone; the guardian's
// name is optional.
func MissingProfileFields(l engine.Learner, now time.Time) []string {
	var missing []string
	if strings.TrimSpace(l.Name) == "" {
		missing = append(missing, "name")
	}
	if strings.TrimSpace(l.Email) == "" {
		missing = append(missing, "email")
	}
	if l.Birthday == nil || l.Birthday.IsZero() {
		missing = append(missing, "birthday")
	}
	if strings.TrimSpace(l.Gender) == "" {
		missing = append(missing, "gender")
	}
	if l.Birthday != nil && !l.Birthday.IsZero() && Age(*l.Birthday, now) < AdultAge &&
		strings.TrimSpace(l.GuardianEmail) == "" && strings.TrimSpace(l.GuardianPhone) == "" {
		missing = append(missing, "guardian contact")
	}
	return missing
}

// Age is the number of full years from birthday to now.
func Age(birthday, now time.Time) int {
	years := now.Year() - birthday.Year()
	if now.Month() < birthday.Month() || (now.Month() == birthday.Month() && now.Day() < birthday.Day()) {
		years--
	}
	return years
}

func ProfileIncomplete(s *Snapshot) []Alert {
	var out []Alert
	for _, l := range s.Learners {
		if l.ID == "" || l.Status == engine.LearnerChurned {
			continue
		}
		missing := MissingProfileFields(l, s.Now)
		if len(missing) == 0 {
			continue
		}
		a := newAlert(LevelYellow, "profile_incomplete", string(l.ID))
		a.Title = "Profile incomplete"
		a.Description = fmt.Sprintf("%s is missing %s", s.learnerName(l.ID), strings.Join(missing, ", "))
		a.Link = learnerLink(l.ID)
		a.StudentID = l.ID
		a.Timestamp = l.UpdatedAt
		out = append(out, a)
	}
	return out
}

func LearnerPaused(s *Snapshot) []Alert {
	var out []Alert
	for _, l := range s.Learners {
		if l.ID == "" || l.Status != engine.LearnerPaused {
			continue
		}
		a := newAlert(LevelYellow, "learner_paused", string(l.ID))
		a.Title = "Learner paused"
		a.Description = fmt.Sprintf("%s has paused their lessons", s.learnerName(l.ID))
		a.Link = learnerLink(l.ID)
		a.StudentID = l.ID
		a.Timestamp = l.UpdatedAt
		out = append(out, a)
	}
	return out
}

// =============================================================================
// BLUE
// =============================================================================

func PendingApproval(s *Snapshot) []Alert {
	var out []Alert
	for _, r := range s.Approvals {
		if r.ID == "" || !r.IsPending() || r.CreatedAt.IsZero() {
			continue
		}
		a := newAlert(LevelBlue, "pending_approval", string(r.ID))
		a.Title = "Approval pending"
		a.Description = fmt.Sprintf("%s request from %s is waiting for a decision",
			strings.ReplaceAll(string(r.Kind), "_", " "), s.learnerName(r.LearnerID))
		a.Link = "/approvals/" + string(r.ID)
		a.StudentID = r.LearnerID
		a.Timestamp = r.CreatedAt
		out = append(out, a)
	}
	return out
}

func RecentCancellation(s *Snapshot) []Alert {
	var out []Alert
	window := time.Duration(CancelledWithinDays) * 24 * time.Hour
	for _, sess := range s.Sessions {
		if sess.ID == "" || sess.Status != engine.SessionCancelled || sess.CancelledAt == nil {
			continue
		}
		age := s.Now.Sub(*sess.CancelledAt)
		if age < 0 || age > window {
			continue
		}
		a := newAlert(LevelBlue, "session_cancelled", string(sess.ID))
		a.Title = "Session cancelled"
		a.Description = fmt.Sprintf("%s's %s lesson on %s was cancelled", s.learnerName(sess.LearnerID), sess.CourseID, sess.LessonDate())
		a.Link = "/sessions/" + string(sess.ID)
		a.StudentID = sess.LearnerID
		a.Timestamp = *sess.CancelledAt
		out = append(out, a)
	}
	return out
}

func TrialWithoutSessions(s *Snapshot) []Alert {
	booked := make(map[engine.LearnerID]bool)
	for _, sess := range s.Sessions {
		booked[sess.LearnerID] = true
	}
	var out []Alert
	for _, l := range s.Learners {
		if l.ID == "" || l.Status != engine.LearnerTrial || booked[l.ID] {
			continue
		}
		a := newAlert(LevelBlue, "trial_no_sessions", string(l.ID))
		a.Title = "New learner without sessions"
		a.Description = fmt.Sprintf("%s is on trial and has not booked a lesson yet", s.learnerName(l.ID))
		a.Link = learnerLink(l.ID)
		a.StudentID = l.ID
		a.Timestamp = l.CreatedAt
		out = append(out, a)
	}
	return out
}

// PackageWithoutProgress flags learners who bought hours but have no
// progress records. One alert per learner, dated by their latest purchase.
func PackageWithoutProgress(s *Snapshot) []Alert {
	latest := make(map[engine.LearnerID]time.Time)
	for _, p := range s.Packages {
		if p.ID == "" || p.LearnerID == "" {
			continue
		}
		if at, ok := latest[p.LearnerID]; !ok || p.PurchaseDate.After(at) {
			latest[p.LearnerID] = p.PurchaseDate
		}
	}
	var out []Alert
	for id, purchased := range latest {
		if s.Progress[id] > 0 {
			continue
		}
		a := newAlert(LevelBlue, "no_progress", string(id))
		a.Title = "No progress recorded"
		a.Description = fmt.Sprintf("%s has a package but no recorded progress", s.learnerName(id))
		a.Link = learnerLink(id)
		a.StudentID = id
		a.Timestamp = purchased
		out = append(out, a)
	}
	return out
}
