// Package memory provides an in-memory engine.Store for tests and development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/tutorly/credit-engine/engine"
)

// =============================================================================
// MEMORY STORE
// =============================================================================

// Store keeps everything in maps guarded by one mutex. WithTx holds the
// write lock for the whole transaction, so transactions are serialized.
type Store struct {
	mu sync.RWMutex
	state
}

type state struct {
	ledgers     map[engine.LedgerID]engine.CreditLedger
	entries     map[engine.LedgerID][]engine.LedgerEntry
	idempotency map[string]bool
	packages    map[engine.PackageID]engine.Package
	sessions    map[engine.SessionID]engine.SessionInstance
	approvals   map[engine.RequestID]engine.ApprovalRequest
	learners    map[engine.LearnerID]engine.Learner
	progress    []engine.ProgressRecord
}

func New() *Store {
	return &Store{state: state{
		ledgers:     make(map[engine.LedgerID]engine.CreditLedger),
		entries:     make(map[engine.LedgerID][]engine.LedgerEntry),
		idempotency: make(map[string]bool),
		packages:    make(map[engine.PackageID]engine.Package),
		sessions:    make(map[engine.SessionID]engine.SessionInstance),
		approvals:   make(map[engine.RequestID]engine.ApprovalRequest),
		learners:    make(map[engine.LearnerID]engine.Learner),
	}}
}

// WithTx executes fn within a transaction.
// For the memory store this is simulated with a snapshot + rollback on error.
func (m *Store) WithTx(ctx context.Context, fn func(engine.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.state.clone()
	if err := fn(&txView{s: &m.state}); err != nil {
		m.state = snapshot
		return err
	}
	return nil
}

func (s *state) clone() state {
	c := state{
		ledgers:     make(map[engine.LedgerID]engine.CreditLedger, len(s.ledgers)),
		entries:     make(map[engine.LedgerID][]engine.LedgerEntry, len(s.entries)),
		idempotency: make(map[string]bool, len(s.idempotency)),
		packages:    make(map[engine.PackageID]engine.Package, len(s.packages)),
		sessions:    make(map[engine.SessionID]engine.SessionInstance, len(s.sessions)),
		approvals:   make(map[engine.RequestID]engine.ApprovalRequest, len(s.approvals)),
		learners:    make(map[engine.LearnerID]engine.Learner, len(s.learners)),
		progress:    append([]engine.ProgressRecord{}, s.progress...),
	}
	for k, v := range s.ledgers {
		c.ledgers[k] = v
	}
	for k, v := range s.entries {
		c.entries[k] = append([]engine.LedgerEntry{}, v...)
	}
	for k, v := range s.idempotency {
		c.idempotency[k] = v
	}
	for k, v := range s.packages {
		c.packages[k] = v
	}
	for k, v := range s.sessions {
		c.sessions[k] = v
	}
	for k, v := range s.approvals {
		c.approvals[k] = v
	}
	for k, v := range s.learners {
		c.learners[k] = v
	}
	return c
}

// =============================================================================
// READS (outside a transaction)
// =============================================================================

func (m *Store) GetLedger(ctx context.Context, id engine.LedgerID) (*engine.CreditLedger, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.getLedger(id)
}

func (m *Store) GetPackage(ctx context.Context, id engine.PackageID) (*engine.Package, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.getPackage(id)
}

func (m *Store) GetSession(ctx context.Context, id engine.SessionID) (*engine.SessionInstance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.getSession(id)
}

func (m *Store) GetApproval(ctx context.Context, id engine.RequestID) (*engine.ApprovalRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.getApproval(id)
}

func (m *Store) GetLearner(ctx context.Context, id engine.LearnerID) (*engine.Learner, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.getLearner(id)
}

func (m *Store) PackagesByLedger(ctx context.Context, id engine.LedgerID) ([]engine.Package, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.packagesByLedger(id), nil
}

func (m *Store) PendingApprovalFor(ctx context.Context, subject string) (*engine.ApprovalRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.pendingFor(subject), nil
}

func (m *Store) ListLedgers(ctx context.Context, learner engine.LearnerID) ([]engine.CreditLedger, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]engine.CreditLedger, 0)
	for _, l := range m.ledgers {
		if learner == "" || l.LearnerID == learner {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Store) ListLedgerEntries(ctx context.Context, id engine.LedgerID) ([]engine.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]engine.LedgerEntry{}, m.entries[id]...), nil
}

func (m *Store) ListPackages(ctx context.Context, learner engine.LearnerID) ([]engine.Package, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]engine.Package, 0)
	for _, p := range m.packages {
		if learner == "" || p.LearnerID == learner {
			out = append(out, p)
		}
	}
	sortPackages(out)
	return out, nil
}

func (m *Store) ListSessions(ctx context.Context, f engine.SessionFilter) ([]engine.SessionInstance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]engine.SessionInstance, 0)
	for _, s := range m.sessions {
		if f.LearnerID != "" && s.LearnerID != f.LearnerID {
			continue
		}
		if f.TeacherID != "" && s.TeacherID != f.TeacherID {
			continue
		}
		if f.Status != "" && s.Status != f.Status {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartsAt.Equal(out[j].StartsAt) {
			return out[i].StartsAt.Before(out[j].StartsAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Store) ListApprovals(ctx context.Context, f engine.ApprovalFilter) ([]engine.ApprovalRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]engine.ApprovalRequest, 0)
	for _, r := range m.approvals {
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		if f.LearnerID != "" && r.LearnerID != f.LearnerID {
			continue
		}
		if f.TeacherID != "" && r.TeacherID != f.TeacherID {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Store) ListLearners(ctx context.Context) ([]engine.Learner, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]engine.Learner, 0, len(m.learners))
	for _, l := range m.learners {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Store) SaveLearner(ctx context.Context, l engine.Learner) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.learners[l.ID] = l
	return nil
}

func (m *Store) ProgressCounts(ctx context.Context) (map[engine.LearnerID]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[engine.LearnerID]int)
	for _, p := range m.progress {
		out[p.LearnerID]++
	}
	return out, nil
}

// =============================================================================
// UNLOCKED STATE ACCESS (caller holds the lock)
// =============================================================================

func (s *state) getLedger(id engine.LedgerID) (*engine.CreditLedger, error) {
	l, ok := s.ledgers[id]
	if !ok {
		return nil, engine.NotFoundError("ledger", id)
	}
	return &l, nil
}

func (s *state) getPackage(id engine.PackageID) (*engine.Package, error) {
	p, ok := s.packages[id]
	if !ok {
		return nil, engine.NotFoundError("package", id)
	}
	return &p, nil
}

func (s *state) getSession(id engine.SessionID) (*engine.SessionInstance, error) {
	sess, ok := s.sessions[id]
	if !ok {
		return nil, engine.NotFoundError("session", id)
	}
	return &sess, nil
}

func (s *state) getApproval(id engine.RequestID) (*engine.ApprovalRequest, error) {
	r, ok := s.approvals[id]
	if !ok {
		return nil, engine.NotFoundError("approval", id)
	}
	return &r, nil
}

func (s *state) getLearner(id engine.LearnerID) (*engine.Learner, error) {
	l, ok := s.learners[id]
	if !ok {
		return nil, engine.NotFoundError("learner", id)
	}
	return &l, nil
}

func (s *state) packagesByLedger(id engine.LedgerID) []engine.Package {
	out := make([]engine.Package, 0)
	for _, p := range s.packages {
		if p.LedgerID == id {
			out = append(out, p)
		}
	}
	sortPackages(out)
	return out
}

func (s *state) pendingFor(subject string) *engine.ApprovalRequest {
	for _, r := range s.approvals {
		if r.Subject == subject && r.IsPending() {
			found := r
			return &found
		}
	}
	return nil
}

func sortPackages(pkgs []engine.Package) {
	sort.Slice(pkgs, func(i, j int) bool {
		if !pkgs[i].PurchaseDate.Equal(pkgs[j].PurchaseDate) {
			return pkgs[i].PurchaseDate.Before(pkgs[j].PurchaseDate)
		}
		if !pkgs[i].CreatedAt.Equal(pkgs[j].CreatedAt) {
			return pkgs[i].CreatedAt.Before(pkgs[j].CreatedAt)
		}
		return pkgs[i].ID < pkgs[j].ID
	})
}

// =============================================================================
// TRANSACTION VIEW
// =============================================================================

type txView struct {
	s *state
}

func (tv *txView) GetLedger(_ context.Context, id engine.LedgerID) (*engine.CreditLedger, error) {
	return tv.s.getLedger(id)
}

func (tv *txView) GetPackage(_ context.Context, id engine.PackageID) (*engine.Package, error) {
	return tv.s.getPackage(id)
}

func (tv *txView) GetSession(_ context.Context, id engine.SessionID) (*engine.SessionInstance, error) {
	return tv.s.getSession(id)
}

func (tv *txView) GetApproval(_ context.Context, id engine.RequestID) (*engine.ApprovalRequest, error) {
	return tv.s.getApproval(id)
}

func (tv *txView) GetLearner(_ context.Context, id engine.LearnerID) (*engine.Learner, error) {
	return tv.s.getLearner(id)
}

func (tv *txView) PackagesByLedger(_ context.Context, id engine.LedgerID) ([]engine.Package, error) {
	return tv.s.packagesByLedger(id), nil
}

func (tv *txView) PendingApprovalFor(_ context.Context, subject string) (*engine.ApprovalRequest, error) {
	return tv.s.pendingFor(subject), nil
}

func (tv *txView) InsertLedger(_ context.Context, l engine.CreditLedger) error {
	if _, exists := tv.s.ledgers[l.ID]; exists {
		return fmt.Errorf("ledger %s already exists: %w", l.ID, engine.ErrConcurrentModification)
	}
	tv.s.ledgers[l.ID] = l
	return nil
}

func (tv *txView) UpdateLedger(_ context.Context, l engine.CreditLedger, expectedVersion int64) error {
	current, ok := tv.s.ledgers[l.ID]
	if !ok {
		return engine.NotFoundError("ledger", l.ID)
	}
	if current.Version != expectedVersion {
		return fmt.Errorf("ledger %s at version %d, expected %d: %w", l.ID, current.Version, expectedVersion, engine.ErrConcurrentModification)
	}
	tv.s.ledgers[l.ID] = l
	return nil
}

func (tv *txView) AppendLedgerEntry(_ context.Context, e engine.LedgerEntry) error {
	if e.IdempotencyKey != "" {
		if tv.s.idempotency[e.IdempotencyKey] {
			return fmt.Errorf("ledger entry %q: %w", e.IdempotencyKey, engine.ErrDuplicateIdempotencyKey)
		}
		tv.s.idempotency[e.IdempotencyKey] = true
	}
	tv.s.entries[e.LedgerID] = append(tv.s.entries[e.LedgerID], e)
	return nil
}

func (tv *txView) SavePackage(_ context.Context, p engine.Package) error {
	tv.s.packages[p.ID] = p
	return nil
}

func (tv *txView) SaveSession(_ context.Context, sess engine.SessionInstance) error {
	tv.s.sessions[sess.ID] = sess
	return nil
}

func (tv *txView) InsertApproval(_ context.Context, r engine.ApprovalRequest) error {
	if _, exists := tv.s.approvals[r.ID]; exists {
		return fmt.Errorf("approval %s already exists: %w", r.ID, engine.ErrInvalidInput)
	}
	tv.s.approvals[r.ID] = r
	return nil
}

func (tv *txView) ResolveApproval(_ context.Context, r engine.ApprovalRequest) error {
	current, ok := tv.s.approvals[r.ID]
	if !ok {
		return engine.NotFoundError("approval", r.ID)
	}
	if !current.IsPending() {
		return &engine.AlreadyResolvedError{RequestID: r.ID, Status: current.Status}
	}
	tv.s.approvals[r.ID] = r
	return nil
}

func (tv *txView) SaveLearner(_ context.Context, l engine.Learner) error {
	tv.s.learners[l.ID] = l
	return nil
}

func (tv *txView) AppendProgress(_ context.Context, p engine.ProgressRecord) error {
	tv.s.progress = append(tv.s.progress, p)
	return nil
}
