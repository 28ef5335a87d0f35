/*
scheduler.go - Daily digest scheduler

PURPOSE:
  Periodically expires packages past their validity and sends each learner
  (and each teacher) a digest of their urgent alerts.

DESIGN:
  - Runs a background goroutine with configurable interval
  - Expiry sweep first, so the digest sees the post-sweep state
  - Only red and yellow alerts are sent; blue ones stay on the dashboard
  - Learners with nothing urgent get no message
  - Delivery goes through engine.Send: a failed notification is logged and
    counted, never retried here

CONFIGURATION:
  - Interval: How often to run (default: 24 hours)
  - Enabled: Whether the scheduler is active (default: true)

USAGE:
  scheduler := NewDigestScheduler(eng)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: RunDigest endpoint (manual run)
  - alerts/alerts.go: Rule sets
*/
package api

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/tutorly/credit-engine/alerts"
	"github.com/tutorly/credit-engine/engine"
	"github.com/tutorly/credit-engine/observability"
)

// DigestReport summarizes one run.
type DigestReport struct {
	RanAt          time.Time      `json:"ran_at"`
	Expired        int            `json:"expired_packages"`
	LearnerDigests int            `json:"learner_digests"`
	TeacherDigests int            `json:"teacher_digests"`
	Alerts         map[string]int `json:"alerts"`
}

// DigestScheduler runs the expiry sweep and the daily digest.
type DigestScheduler struct {
	Engine   *engine.Engine
	Interval time.Duration
	Enabled  bool

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
	// running serializes Run between the ticker and manual triggers.
	running sync.Mutex
}

// NewDigestScheduler creates a new scheduler.
func NewDigestScheduler(eng *engine.Engine) *DigestScheduler {
	return &DigestScheduler{
		Engine:   eng,
		Interval: 24 * time.Hour,
		Enabled:  true,
		stop:     make(chan struct{}),
	}
}

// Start begins the scheduler.
func (ds *DigestScheduler) Start() {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if !ds.Enabled {
		log.Println("[Digest] Disabled, not starting")
		return
	}
	if ds.ticker != nil {
		return
	}

	ds.ticker = time.NewTicker(ds.Interval)
	ds.wg.Add(1)

	go ds.loop()

	log.Printf("[Digest] Started with interval: %v", ds.Interval)
}

// Stop stops the scheduler and waits for an in-flight run.
func (ds *DigestScheduler) Stop() {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if ds.ticker != nil {
		ds.ticker.Stop()
		close(ds.stop)
		ds.wg.Wait()
		ds.ticker = nil
		log.Println("[Digest] Stopped")
	}
}

func (ds *DigestScheduler) loop() {
	defer ds.wg.Done()

	for {
		select {
		case <-ds.ticker.C:
			if _, err := ds.Run(context.Background()); err != nil {
				log.Printf("[Digest] Run failed: %v", err)
			}
		case <-ds.stop:
			return
		}
	}
}

// Run performs one sweep and digest immediately.
func (ds *DigestScheduler) Run(ctx context.Context) (*DigestReport, error) {
	ds.running.Lock()
	defer ds.running.Unlock()

	started := time.Now()
	report, err := ds.run(ctx)
	observability.DigestDuration.Observe(time.Since(started).Seconds())
	if err != nil {
		observability.DigestRuns.WithLabelValues("failed").Inc()
		return nil, err
	}
	observability.DigestRuns.WithLabelValues("ok").Inc()

	log.Printf("[Digest] Completed: %d expired, %d learner digests, %d teacher digests",
		report.Expired, report.LearnerDigests, report.TeacherDigests)
	return report, nil
}

func (ds *DigestScheduler) run(ctx context.Context) (*DigestReport, error) {
	eng := ds.Engine
	report := &DigestReport{RanAt: eng.Clock.Now(), Alerts: make(map[string]int)}

	expired, err := eng.Packages.ExpireDue(ctx)
	if err != nil {
		return nil, fmt.Errorf("expiry sweep: %w", err)
	}
	report.Expired = expired

	snap, err := LoadSnapshot(ctx, eng.Store, eng.Clock.Now())
	if err != nil {
		return nil, err
	}

	for _, l := range snap.Learners {
		urgent := alerts.Urgent(alerts.Generate(snap, alerts.AudienceLearner, l.ID))
		if len(urgent) == 0 {
			continue
		}
		countLevels(report, urgent)
		engine.Send(ctx, eng.Notifier, engine.Intent{
			RecipientID: string(l.ID),
			Kind:        "daily_digest",
			Message:     digestMessage(urgent),
			Link:        "/students/" + string(l.ID),
			CreatedAt:   report.RanAt,
		})
		report.LearnerDigests++
	}

	for _, teacher := range teachersIn(snap) {
		urgent := alerts.Urgent(alerts.Generate(snap.ForTeacher(teacher), alerts.AudienceTeacher, ""))
		if len(urgent) == 0 {
			continue
		}
		countLevels(report, urgent)
		engine.Send(ctx, eng.Notifier, engine.Intent{
			RecipientID: string(teacher),
			Kind:        "teacher_digest",
			Message:     digestMessage(urgent),
			Link:        "/alerts",
			CreatedAt:   report.RanAt,
		})
		report.TeacherDigests++
	}
	return report, nil
}

func countLevels(report *DigestReport, list []alerts.Alert) {
	for _, a := range list {
		report.Alerts[string(a.Level)]++
		observability.AlertsEmitted.WithLabelValues(string(a.Level)).Inc()
	}
}

// teachersIn returns the teachers with upcoming sessions or pending
// approvals, sorted.
func teachersIn(snap alerts.Snapshot) []engine.TeacherID {
	seen := make(map[engine.TeacherID]bool)
	for _, s := range snap.Sessions {
		if s.IsActive() && s.TeacherID != "" {
			seen[s.TeacherID] = true
		}
	}
	for _, a := range snap.Approvals {
		if a.TeacherID != "" {
			seen[a.TeacherID] = true
		}
	}
	out := make([]engine.TeacherID, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func digestMessage(list []alerts.Alert) string {
	red := 0
	for _, a := range list {
		if a.Level == alerts.LevelRed {
			red++
		}
	}
	msg := fmt.Sprintf("%d alerts need attention (%d urgent): %s", len(list), red, list[0].Title)
	if len(list) > 1 {
		msg += fmt.Sprintf(" and %d more", len(list)-1)
	}
	return msg
}
