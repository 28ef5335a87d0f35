/*
Package alerts derives the dashboard alert feed from engine state.

PURPOSE:
  Alerts are never stored. Generate is a pure function over a Snapshot: the
  same snapshot always yields the same alerts in the same order, so the feed
  can be recomputed on every dashboard render and in the daily digest.

LEVELS:
  red    act now      expired package, churned learner
  yellow watch        expiring soon, low hours, paused package,
                      incomplete profile, paused learner
  blue   informational pending approval, recent cancellation,
                      trial learner without sessions, package without progress

ORDERING:
  level rank (red, yellow, blue), then timestamp newest first, then id.
  Ids are "level-kind-entityID", so recomputation over unchanged state
  produces identical ids and duplicates collapse.

ROBUSTNESS:
  Each rule is a standalone predicate over the snapshot (rules.go). An entity
  missing a field a rule needs is skipped by that rule; the rest of the feed
  is still produced.
*/
package alerts

import (
	"sort"
	"time"

	"github.com/tutorly/credit-engine/engine"
)

// =============================================================================
// TYPES
// =============================================================================

type Level string

const (
	LevelRed    Level = "red"
	LevelYellow Level = "yellow"
	LevelBlue   Level = "blue"
)

// Rank orders levels, most urgent first.
func (l Level) Rank() int {
	switch l {
	case LevelRed:
		return 0
	case LevelYellow:
		return 1
	default:
		return 2
	}
}

type Alert struct {
	ID          string           `json:"id"`
	Level       Level            `json:"level"`
	Kind        string           `json:"kind"`
	Title       string           `json:"title"`
	Description string           `json:"description"`
	Link        string           `json:"link,omitempty"`
	StudentID   engine.LearnerID `json:"student_id,omitempty"`
	Timestamp   time.Time        `json:"timestamp"`
}

func newAlert(level Level, kind, entityID string) Alert {
	return Alert{ID: string(level) + "-" + kind + "-" + entityID, Level: level, Kind: kind}
}

// Snapshot is the read-only state the rules evaluate.
type Snapshot struct {
	Now       time.Time
	Learners  []engine.Learner
	Packages  []engine.Package
	Ledgers   []engine.CreditLedger
	Sessions  []engine.SessionInstance
	Approvals []engine.ApprovalRequest
	// Progress counts progress records per learner.
	Progress map[engine.LearnerID]int
}

// ForLearner returns the part of the snapshot that concerns one learner.
func (s Snapshot) ForLearner(id engine.LearnerID) Snapshot {
	out := Snapshot{Now: s.Now, Progress: map[engine.LearnerID]int{id: s.Progress[id]}}
	for _, l := range s.Learners {
		if l.ID == id {
			out.Learners = append(out.Learners, l)
		}
	}
	for _, p := range s.Packages {
		if p.LearnerID == id {
			out.Packages = append(out.Packages, p)
		}
	}
	for _, l := range s.Ledgers {
		if l.LearnerID == id {
			out.Ledgers = append(out.Ledgers, l)
		}
	}
	for _, sess := range s.Sessions {
		if sess.LearnerID == id {
			out.Sessions = append(out.Sessions, sess)
		}
	}
	for _, a := range s.Approvals {
		if a.LearnerID == id {
			out.Approvals = append(out.Approvals, a)
		}
	}
	return out
}

// ForTeacher returns the part of the snapshot that concerns one teacher:
// their sessions and approvals, plus the packages, ledgers and progress of
// the learners in them.
func (s Snapshot) ForTeacher(id engine.TeacherID) Snapshot {
	taught := make(map[engine.LearnerID]bool)
	out := Snapshot{Now: s.Now, Progress: make(map[engine.LearnerID]int)}
	for _, sess := range s.Sessions {
		if sess.TeacherID == id {
			taught[sess.LearnerID] = true
			out.Sessions = append(out.Sessions, sess)
		}
	}
	for _, a := range s.Approvals {
		if a.TeacherID == id {
			taught[a.LearnerID] = true
			out.Approvals = append(out.Approvals, a)
		}
	}
	for _, l := range s.Learners {
		if taught[l.ID] {
			out.Learners = append(out.Learners, l)
		}
	}
	for _, p := range s.Packages {
		if taught[p.LearnerID] {
			out.Packages = append(out.Packages, p)
		}
	}
	for _, l := range s.Ledgers {
		if taught[l.LearnerID] {
			out.Ledgers = append(out.Ledgers, l)
		}
	}
	for learner, n := range s.Progress {
		if taught[learner] {
			out.Progress[learner] = n
		}
	}
	return out
}

func (s *Snapshot) learnerName(id engine.LearnerID) string {
	for _, l := range s.Learners {
		if l.ID == id && l.Name != "" {
			return l.Name
		}
	}
	return string(id)
}

func (s *Snapshot) ledger(id engine.LedgerID) (engine.CreditLedger, bool) {
	for _, l := range s.Ledgers {
		if l.ID == id {
			return l, true
		}
	}
	return engine.CreditLedger{}, false
}

// =============================================================================
// GENERATION
// =============================================================================

// Audience selects the rule set.
type Audience string

const (
	AudienceTeacher Audience = "teacher"
	AudienceLearner Audience = "learner"
)

// Rule is one independently testable alert predicate.
type Rule func(s *Snapshot) []Alert

// TeacherRules is the teacher-facing rule set.
var TeacherRules = []Rule{
	PackageExpired,
	LearnerChurned,
	PackageExpiringSoon,
	LowHours,
	PackagePaused,
	ProfileIncomplete,
	LearnerPaused,
	PendingApproval,
	RecentCancellation,
	TrialWithoutSessions,
	PackageWithoutProgress,
}

// LearnerRules is the learner-facing rule set. Account-management signals
// (churn, trial follow-up, progress tracking) are teacher-only.
var LearnerRules = []Rule{
	PackageExpired,
	PackageExpiringSoon,
	LowHours,
	PackagePaused,
	ProfileIncomplete,
	PendingApproval,
	RecentCancellation,
}

// Generate evaluates the rules for an audience. For AudienceLearner the
// snapshot is first narrowed to learner.
func Generate(snap Snapshot, audience Audience, learner engine.LearnerID) []Alert {
	rules := TeacherRules
	if audience == AudienceLearner {
		snap = snap.ForLearner(learner)
		rules = LearnerRules
	}
	return Evaluate(&snap, rules...)
}

// Evaluate runs rules over snap and returns the deduplicated, sorted feed.
func Evaluate(snap *Snapshot, rules ...Rule) []Alert {
	seen := make(map[string]bool)
	out := make([]Alert, 0)
	for _, rule := range rules {
		for _, a := range rule(snap) {
			if seen[a.ID] {
				continue
			}
			seen[a.ID] = true
			out = append(out, a)
		}
	}
	Sort(out)
	return out
}

// Sort orders alerts by level rank, newest first, then id.
func Sort(alerts []Alert) {
	sort.SliceStable(alerts, func(i, j int) bool {
		a, b := alerts[i], alerts[j]
		if a.Level.Rank() != b.Level.Rank() {
			return a.Level.Rank() < b.Level.Rank()
		}
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.After(b.Timestamp)
		}
		return a.ID < b.ID
	})
}

// Urgent keeps red and yellow alerts, the ones included in daily digests.
func Urgent(alerts []Alert) []Alert {
	var out []Alert
	for _, a := range alerts {
		if a.Level != LevelBlue {
			out = append(out, a)
		}
	}
	return out
}
