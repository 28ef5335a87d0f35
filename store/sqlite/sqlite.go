/*
Package sqlite provides a SQLite-backed implementation of engine.Store.

PURPOSE:
  Durable storage for ledgers, ledger entries, packages, sessions, approval
  requests, learners and progress records. In production the same patterns
  apply to PostgreSQL with minor dialect changes.

KEY TABLES:
  ledgers:        One row per learner×course; version column for optimistic locking
  ledger_entries: Append-only audit trail of bucket transfers
  packages:       Purchased bundles; state columns encode the tagged variant
  sessions:       Booked lessons with their reserved hours
  approvals:      Queued decisions; payload stored as JSON by kind
  learners:       Profile slice consumed by the alert rules
  progress:       One row per completed lesson

APPEND-ONLY ENFORCEMENT:
  ledger_entries is never updated or deleted. idempotency_key is UNIQUE, so a
  replayed payment fails inside the same transaction that would have granted it.

CONCURRENCY:
  A single connection and a sync.RWMutex: WithTx holds the write lock for
  the whole transaction, reads share the read lock. The versioned UPDATE on
  ledgers still guards against lost updates if the store is shared.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging):
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/tutoring.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  eng := engine.New(store, engine.Options{})

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - engine/store.go: Interface definitions
  - store/memory: In-memory implementation for tests
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/tutorly/credit-engine/engine"
)

// timeLayout is fixed-width so that text columns sort chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements engine.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: ":memory:" databases are per connection, and SQLite
	// has a single writer anyway.
	db.SetMaxOpenConns(1)

	store := NewFromDB(db)
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// NewFromDB wraps an open database without migrating it.
func NewFromDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS ledgers (
		id TEXT PRIMARY KEY,
		learner_id TEXT NOT NULL,
		course_id TEXT NOT NULL,
		total_hours TEXT NOT NULL,
		uncommitted_hours TEXT NOT NULL,
		committed_hours TEXT NOT NULL,
		completed_hours TEXT NOT NULL,
		currency TEXT NOT NULL DEFAULT '',
		version INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE(learner_id, course_id)
	);

	CREATE INDEX IF NOT EXISTS idx_ledgers_learner
		ON ledgers(learner_id);

	-- Ledger entries (append-only audit trail)
	CREATE TABLE IF NOT EXISTS ledger_entries (
		id TEXT PRIMARY KEY,
		ledger_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		hours TEXT NOT NULL,
		reference_id TEXT,
		actor TEXT,
		idempotency_key TEXT UNIQUE,
		total_hours TEXT NOT NULL,
		uncommitted_hours TEXT NOT NULL,
		committed_hours TEXT NOT NULL,
		completed_hours TEXT NOT NULL,
		created_at TEXT NOT NULL,
		seq INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_ledger_entries_ledger
		ON ledger_entries(ledger_id, seq);
	CREATE INDEX IF NOT EXISTS idx_ledger_entries_reference
		ON ledger_entries(reference_id) WHERE reference_id IS NOT NULL;

	CREATE TABLE IF NOT EXISTS packages (
		id TEXT PRIMARY KEY,
		learner_id TEXT NOT NULL,
		course_id TEXT NOT NULL,
		ledger_id TEXT NOT NULL,
		payment_id TEXT,
		total_hours TEXT NOT NULL,
		used_hours TEXT NOT NULL,
		currency TEXT NOT NULL DEFAULT '',
		purchase_date TEXT NOT NULL,
		expires_at TEXT,
		status TEXT NOT NULL,
		state_at TEXT,
		pause_reason TEXT,
		pause_count INTEGER NOT NULL DEFAULT 0,
		total_days_paused INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_packages_ledger
		ON packages(ledger_id, purchase_date);
	CREATE INDEX IF NOT EXISTS idx_packages_learner
		ON packages(learner_id);

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		learner_id TEXT NOT NULL,
		teacher_id TEXT NOT NULL,
		course_id TEXT NOT NULL,
		unit_id TEXT,
		catalog_session_id TEXT,
		starts_at TEXT NOT NULL,
		ends_at TEXT NOT NULL,
		duration_hours TEXT NOT NULL,
		billing_type TEXT NOT NULL,
		status TEXT NOT NULL,
		ledger_id TEXT,
		reserved_hours TEXT NOT NULL,
		reschedule_count INTEGER NOT NULL DEFAULT 0,
		cancelled_at TEXT,
		completed_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_learner
		ON sessions(learner_id, starts_at);
	CREATE INDEX IF NOT EXISTS idx_sessions_teacher
		ON sessions(teacher_id, starts_at);

	-- Approval requests (deferred schedule changes)
	CREATE TABLE IF NOT EXISTS approvals (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		subject TEXT NOT NULL,
		learner_id TEXT NOT NULL,
		teacher_id TEXT,
		requested_by TEXT,
		payload_json TEXT,
		result_ref TEXT,
		resolved_by TEXT,
		note TEXT,
		created_at TEXT NOT NULL,
		resolved_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_approvals_status
		ON approvals(status, created_at);
	-- One pending request per subject
	CREATE UNIQUE INDEX IF NOT EXISTS idx_approvals_pending_subject
		ON approvals(subject) WHERE status = 'pending';

	CREATE TABLE IF NOT EXISTS learners (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		email TEXT NOT NULL DEFAULT '',
		birthday TEXT,
		gender TEXT NOT NULL DEFAULT '',
		guardian_name TEXT NOT NULL DEFAULT '',
		guardian_email TEXT NOT NULL DEFAULT '',
		guardian_phone TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS progress (
		id TEXT PRIMARY KEY,
		learner_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		course_id TEXT NOT NULL,
		recorded_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_progress_learner
		ON progress(learner_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(engine.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{q: sqlTx}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// txStore is the engine.Tx bound to one *sql.Tx. It never takes the mutex:
// WithTx already holds it.
type txStore struct {
	q querier
}

func (ts *txStore) GetLedger(ctx context.Context, id engine.LedgerID) (*engine.CreditLedger, error) {
	return getLedger(ctx, ts.q, id)
}

func (ts *txStore) GetPackage(ctx context.Context, id engine.PackageID) (*engine.Package, error) {
	return getPackage(ctx, ts.q, id)
}

func (ts *txStore) GetSession(ctx context.Context, id engine.SessionID) (*engine.SessionInstance, error) {
	return getSession(ctx, ts.q, id)
}

func (ts *txStore) GetApproval(ctx context.Context, id engine.RequestID) (*engine.ApprovalRequest, error) {
	return getApproval(ctx, ts.q, id)
}

func (ts *txStore) GetLearner(ctx context.Context, id engine.LearnerID) (*engine.Learner, error) {
	return getLearner(ctx, ts.q, id)
}

func (ts *txStore) PackagesByLedger(ctx context.Context, id engine.LedgerID) ([]engine.Package, error) {
	return queryPackages(ctx, ts.q, packageSelect+` WHERE ledger_id = ? ORDER BY purchase_date, created_at, id`, id)
}

func (ts *txStore) PendingApprovalFor(ctx context.Context, subject string) (*engine.ApprovalRequest, error) {
	return pendingFor(ctx, ts.q, subject)
}

func (ts *txStore) InsertLedger(ctx context.Context, l engine.CreditLedger) error {
	_, err := ts.q.ExecContext(ctx, `
		INSERT INTO ledgers
		(id, learner_id, course_id, total_hours, uncommitted_hours, committed_hours, completed_hours,
		 currency, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.LearnerID, l.CourseID, l.Total, l.Uncommitted, l.Committed, l.Completed,
		l.Currency, l.Version, formatTime(l.CreatedAt), formatTime(l.UpdatedAt),
	)
	if isUniqueConstraintError(err) {
		return fmt.Errorf("ledger %s already exists: %w", l.ID, engine.ErrConcurrentModification)
	}
	if err != nil {
		return fmt.Errorf("failed to insert ledger: %w", err)
	}
	return nil
}

func (ts *txStore) UpdateLedger(ctx context.Context, l engine.CreditLedger, expectedVersion int64) error {
	res, err := ts.q.ExecContext(ctx, `
		UPDATE ledgers
		SET total_hours = ?, uncommitted_hours = ?, committed_hours = ?, completed_hours = ?,
		    currency = ?, version = ?, updated_at = ?
		WHERE id = ? AND version = ?`,
		l.Total, l.Uncommitted, l.Committed, l.Completed,
		l.Currency, l.Version, formatTime(l.UpdatedAt),
		l.ID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to update ledger: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update ledger: %w", err)
	}
	if n == 1 {
		return nil
	}

	var count int
	if err := ts.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM ledgers WHERE id = ?`, l.ID).Scan(&count); err != nil {
		return fmt.Errorf("failed to check ledger: %w", err)
	}
	if count == 0 {
		return engine.NotFoundError("ledger", l.ID)
	}
	return fmt.Errorf("ledger %s changed since version %d: %w", l.ID, expectedVersion, engine.ErrConcurrentModification)
}

func (ts *txStore) AppendLedgerEntry(ctx context.Context, e engine.LedgerEntry) error {
	_, err := ts.q.ExecContext(ctx, `
		INSERT INTO ledger_entries
		(id, ledger_id, kind, hours, reference_id, actor, idempotency_key,
		 total_hours, uncommitted_hours, committed_hours, completed_hours, created_at, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?,
		        (SELECT COALESCE(MAX(seq), 0) + 1 FROM ledger_entries WHERE ledger_id = ?))`,
		e.ID, e.LedgerID, e.Kind, e.Hours, nullString(e.ReferenceID), nullString(e.Actor), nullString(e.IdempotencyKey),
		e.Total, e.Uncommitted, e.Committed, e.Completed, formatTime(e.CreatedAt),
		e.LedgerID,
	)
	if isUniqueConstraintError(err) {
		return fmt.Errorf("ledger entry %q: %w", e.IdempotencyKey, engine.ErrDuplicateIdempotencyKey)
	}
	if err != nil {
		return fmt.Errorf("failed to append ledger entry: %w", err)
	}
	return nil
}

func (ts *txStore) SavePackage(ctx context.Context, p engine.Package) error {
	status, stateAt, reason := encodePackageState(p)
	_, err := ts.q.ExecContext(ctx, `
		INSERT OR REPLACE INTO packages
		(id, learner_id, course_id, ledger_id, payment_id, total_hours, used_hours, currency,
		 purchase_date, expires_at, status, state_at, pause_reason, pause_count, total_days_paused,
		 created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.LearnerID, p.CourseID, p.LedgerID, nullString(p.PaymentID), p.TotalHours, p.UsedHours, p.Currency,
		formatTime(p.PurchaseDate), nullTime(p.ExpiresAt), status, stateAt, nullString(reason),
		p.PauseCount, p.TotalDaysPaused, formatTime(p.CreatedAt), formatTime(p.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save package: %w", err)
	}
	return nil
}

func (ts *txStore) SaveSession(ctx context.Context, sess engine.SessionInstance) error {
	_, err := ts.q.ExecContext(ctx, `
		INSERT OR REPLACE INTO sessions
		(id, learner_id, teacher_id, course_id, unit_id, catalog_session_id, starts_at, ends_at,
		 duration_hours, billing_type, status, ledger_id, reserved_hours, reschedule_count,
		 cancelled_at, completed_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.LearnerID, sess.TeacherID, sess.CourseID, nullString(sess.UnitID), nullString(sess.CatalogSessionID),
		formatTime(sess.StartsAt), formatTime(sess.EndsAt), sess.DurationHours, sess.BillingType, sess.Status,
		nullString(string(sess.LedgerID)), sess.ReservedHours, sess.RescheduleCount,
		nullTimePtr(sess.CancelledAt), nullTimePtr(sess.CompletedAt),
		formatTime(sess.CreatedAt), formatTime(sess.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

func (ts *txStore) InsertApproval(ctx context.Context, r engine.ApprovalRequest) error {
	payload, err := engine.EncodePayload(r.Payload)
	if err != nil {
		return err
	}
	_, err = ts.q.ExecContext(ctx, `
		INSERT INTO approvals
		(id, kind, status, subject, learner_id, teacher_id, requested_by, payload_json,
		 result_ref, resolved_by, note, created_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Kind, r.Status, r.Subject, r.LearnerID, nullString(string(r.TeacherID)), nullString(r.RequestedBy),
		nullBytes(payload), nullString(r.ResultRef), nullString(r.ResolvedBy), nullString(r.Note),
		formatTime(r.CreatedAt), nullTimePtr(r.ResolvedAt),
	)
	if isUniqueConstraintError(err) {
		return fmt.Errorf("%s: %w", r.Subject, engine.ErrApprovalPending)
	}
	if err != nil {
		return fmt.Errorf("failed to insert approval: %w", err)
	}
	return nil
}

func (ts *txStore) ResolveApproval(ctx context.Context, r engine.ApprovalRequest) error {
	payload, err := engine.EncodePayload(r.Payload)
	if err != nil {
		return err
	}
	res, err := ts.q.ExecContext(ctx, `
		UPDATE approvals
		SET status = ?, payload_json = ?, result_ref = ?, resolved_by = ?, note = ?, resolved_at = ?
		WHERE id = ? AND status = 'pending'`,
		r.Status, nullBytes(payload), nullString(r.ResultRef), nullString(r.ResolvedBy), nullString(r.Note),
		nullTimePtr(r.ResolvedAt), r.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to resolve approval: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("failed to resolve approval: %w", err)
	} else if n == 1 {
		return nil
	}

	current, err := getApproval(ctx, ts.q, r.ID)
	if err != nil {
		return err
	}
	return &engine.AlreadyResolvedError{RequestID: r.ID, Status: current.Status}
}

func (ts *txStore) SaveLearner(ctx context.Context, l engine.Learner) error {
	return saveLearner(ctx, ts.q, l)
}

func (ts *txStore) AppendProgress(ctx context.Context, p engine.ProgressRecord) error {
	_, err := ts.q.ExecContext(ctx, `
		INSERT INTO progress (id, learner_id, session_id, course_id, recorded_at)
		VALUES (?, ?, ?, ?, ?)`,
		p.ID, p.LearnerID, p.SessionID, p.CourseID, formatTime(p.RecordedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to append progress: %w", err)
	}
	return nil
}

// =============================================================================
// READS (outside a transaction)
// =============================================================================

func (s *Store) GetLedger(ctx context.Context, id engine.LedgerID) (*engine.CreditLedger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getLedger(ctx, s.db, id)
}

func (s *Store) GetPackage(ctx context.Context, id engine.PackageID) (*engine.Package, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getPackage(ctx, s.db, id)
}

func (s *Store) GetSession(ctx context.Context, id engine.SessionID) (*engine.SessionInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getSession(ctx, s.db, id)
}

func (s *Store) GetApproval(ctx context.Context, id engine.RequestID) (*engine.ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getApproval(ctx, s.db, id)
}

func (s *Store) GetLearner(ctx context.Context, id engine.LearnerID) (*engine.Learner, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getLearner(ctx, s.db, id)
}

func (s *Store) PackagesByLedger(ctx context.Context, id engine.LedgerID) ([]engine.Package, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queryPackages(ctx, s.db, packageSelect+` WHERE ledger_id = ? ORDER BY purchase_date, created_at, id`, id)
}

func (s *Store) PendingApprovalFor(ctx context.Context, subject string) (*engine.ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return pendingFor(ctx, s.db, subject)
}

func (s *Store) ListLedgers(ctx context.Context, learner engine.LearnerID) ([]engine.CreditLedger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := ledgerSelect
	var args []any
	if learner != "" {
		query += ` WHERE learner_id = ?`
		args = append(args, learner)
	}
	rows, err := s.db.QueryContext(ctx, query+` ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledgers: %w", err)
	}
	defer rows.Close()

	ledgers := make([]engine.CreditLedger, 0)
	for rows.Next() {
		l, err := scanLedger(rows)
		if err != nil {
			return nil, err
		}
		ledgers = append(ledgers, *l)
	}
	return ledgers, rows.Err()
}

func (s *Store) ListLedgerEntries(ctx context.Context, id engine.LedgerID) ([]engine.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ledger_id, kind, hours, reference_id, actor, idempotency_key,
		       total_hours, uncommitted_hours, committed_hours, completed_hours, created_at
		FROM ledger_entries
		WHERE ledger_id = ?
		ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger entries: %w", err)
	}
	defer rows.Close()

	entries := make([]engine.LedgerEntry, 0)
	for rows.Next() {
		var (
			e                      engine.LedgerEntry
			reference, actor, idem sql.NullString
			createdAt              string
		)
		if err := rows.Scan(&e.ID, &e.LedgerID, &e.Kind, &e.Hours, &reference, &actor, &idem,
			&e.Total, &e.Uncommitted, &e.Committed, &e.Completed, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		e.ReferenceID = reference.String
		e.Actor = actor.String
		e.IdempotencyKey = idem.String
		e.CreatedAt = parseTime(createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Store) ListPackages(ctx context.Context, learner engine.LearnerID) ([]engine.Package, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if learner == "" {
		return queryPackages(ctx, s.db, packageSelect+` ORDER BY purchase_date, created_at, id`)
	}
	return queryPackages(ctx, s.db, packageSelect+` WHERE learner_id = ? ORDER BY purchase_date, created_at, id`, learner)
}

func (s *Store) ListSessions(ctx context.Context, f engine.SessionFilter) ([]engine.SessionInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		where []string
		args  []any
	)
	if f.LearnerID != "" {
		where = append(where, "learner_id = ?")
		args = append(args, f.LearnerID)
	}
	if f.TeacherID != "" {
		where = append(where, "teacher_id = ?")
		args = append(args, f.TeacherID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	query := sessionSelect
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	rows, err := s.db.QueryContext(ctx, query+" ORDER BY starts_at, id", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	sessions := make([]engine.SessionInstance, 0)
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *sess)
	}
	return sessions, rows.Err()
}

func (s *Store) ListApprovals(ctx context.Context, f engine.ApprovalFilter) ([]engine.ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.LearnerID != "" {
		where = append(where, "learner_id = ?")
		args = append(args, f.LearnerID)
	}
	if f.TeacherID != "" {
		where = append(where, "teacher_id = ?")
		args = append(args, f.TeacherID)
	}
	query := approvalSelect
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	return queryApprovals(ctx, s.db, query+" ORDER BY created_at, id", args...)
}

func (s *Store) ListLearners(ctx context.Context) ([]engine.Learner, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, learnerSelect+` ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query learners: %w", err)
	}
	defer rows.Close()

	learners := make([]engine.Learner, 0)
	for rows.Next() {
		l, err := scanLearner(rows)
		if err != nil {
			return nil, err
		}
		learners = append(learners, *l)
	}
	return learners, rows.Err()
}

func (s *Store) SaveLearner(ctx context.Context, l engine.Learner) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveLearner(ctx, s.db, l)
}

func (s *Store) ProgressCounts(ctx context.Context) (map[engine.LearnerID]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT learner_id, COUNT(*) FROM progress GROUP BY learner_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to count progress: %w", err)
	}
	defer rows.Close()

	counts := make(map[engine.LearnerID]int)
	for rows.Next() {
		var (
			id engine.LearnerID
			n  int
		)
		if err := rows.Scan(&id, &n); err != nil {
			return nil, fmt.Errorf("failed to scan progress count: %w", err)
		}
		counts[id] = n
	}
	return counts, rows.Err()
}

// =============================================================================
// ROW MAPPING
// =============================================================================

const ledgerSelect = `
	SELECT id, learner_id, course_id, total_hours, uncommitted_hours, committed_hours, completed_hours,
	       currency, version, created_at, updated_at
	FROM ledgers`

func getLedger(ctx context.Context, q querier, id engine.LedgerID) (*engine.CreditLedger, error) {
	l, err := scanLedger(q.QueryRowContext(ctx, ledgerSelect+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NotFoundError("ledger", id)
	}
	return l, err
}

func scanLedger(row scanner) (*engine.CreditLedger, error) {
	var (
		l                    engine.CreditLedger
		createdAt, updatedAt string
	)
	err := row.Scan(&l.ID, &l.LearnerID, &l.CourseID, &l.Total, &l.Uncommitted, &l.Committed, &l.Completed,
		&l.Currency, &l.Version, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan ledger: %w", err)
	}
	l.CreatedAt = parseTime(createdAt)
	l.UpdatedAt = parseTime(updatedAt)
	return &l, nil
}

const packageSelect = `
	SELECT id, learner_id, course_id, ledger_id, payment_id, total_hours, used_hours, currency,
	       purchase_date, expires_at, status, state_at, pause_reason, pause_count, total_days_paused,
	       created_at, updated_at
	FROM packages`

func getPackage(ctx context.Context, q querier, id engine.PackageID) (*engine.Package, error) {
	pkgs, err := queryPackages(ctx, q, packageSelect+` WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(pkgs) == 0 {
		return nil, engine.NotFoundError("package", id)
	}
	return &pkgs[0], nil
}

func queryPackages(ctx context.Context, q querier, query string, args ...any) ([]engine.Package, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query packages: %w", err)
	}
	defer rows.Close()

	pkgs := make([]engine.Package, 0)
	for rows.Next() {
		var (
			p                                engine.Package
			paymentID, expiresAt, stateAt    sql.NullString
			reason                           sql.NullString
			status                           engine.PackageStatus
			purchaseDate, createdAt, updated string
		)
		if err := rows.Scan(&p.ID, &p.LearnerID, &p.CourseID, &p.LedgerID, &paymentID, &p.TotalHours, &p.UsedHours,
			&p.Currency, &purchaseDate, &expiresAt, &status, &stateAt, &reason, &p.PauseCount, &p.TotalDaysPaused,
			&createdAt, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan package: %w", err)
		}
		p.PaymentID = paymentID.String
		p.PurchaseDate = parseTime(purchaseDate)
		if expiresAt.Valid {
			p.ExpiresAt = parseTime(expiresAt.String)
		}
		p.State = decodePackageState(status, stateAt, reason.String)
		p.CreatedAt = parseTime(createdAt)
		p.UpdatedAt = parseTime(updated)
		pkgs = append(pkgs, p)
	}
	return pkgs, rows.Err()
}

func encodePackageState(p engine.Package) (engine.PackageStatus, sql.NullString, string) {
	switch st := p.State.(type) {
	case engine.PackagePaused:
		return engine.PackageStatusPaused, nullTime(st.Since), st.Reason
	case engine.PackageExpired:
		return engine.PackageStatusExpired, nullTime(st.At), ""
	case engine.PackageCompleted:
		return engine.PackageStatusCompleted, nullTime(st.At), ""
	default:
		return engine.PackageStatusActive, sql.NullString{}, ""
	}
}

func decodePackageState(status engine.PackageStatus, at sql.NullString, reason string) engine.PackageState {
	var when time.Time
	if at.Valid {
		when = parseTime(at.String)
	}
	switch status {
	case engine.PackageStatusPaused:
		return engine.PackagePaused{Since: when, Reason: reason}
	case engine.PackageStatusExpired:
		return engine.PackageExpired{At: when}
	case engine.PackageStatusCompleted:
		return engine.PackageCompleted{At: when}
	default:
		return engine.PackageActive{}
	}
}

const sessionSelect = `
	SELECT id, learner_id, teacher_id, course_id, unit_id, catalog_session_id, starts_at, ends_at,
	       duration_hours, billing_type, status, ledger_id, reserved_hours, reschedule_count,
	       cancelled_at, completed_at, created_at, updated_at
	FROM sessions`

func getSession(ctx context.Context, q querier, id engine.SessionID) (*engine.SessionInstance, error) {
	sess, err := scanSession(q.QueryRowContext(ctx, sessionSelect+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NotFoundError("session", id)
	}
	return sess, err
}

func scanSession(row scanner) (*engine.SessionInstance, error) {
	var (
		s                                    engine.SessionInstance
		unitID, catalogID, ledgerID          sql.NullString
		cancelledAt, completedAt             sql.NullString
		startsAt, endsAt, createdAt, updated string
	)
	err := row.Scan(&s.ID, &s.LearnerID, &s.TeacherID, &s.CourseID, &unitID, &catalogID, &startsAt, &endsAt,
		&s.DurationHours, &s.BillingType, &s.Status, &ledgerID, &s.ReservedHours, &s.RescheduleCount,
		&cancelledAt, &completedAt, &createdAt, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}
	s.UnitID = unitID.String
	s.CatalogSessionID = catalogID.String
	s.LedgerID = engine.LedgerID(ledgerID.String)
	s.StartsAt = parseTime(startsAt)
	s.EndsAt = parseTime(endsAt)
	s.CancelledAt = parseNullTime(cancelledAt)
	s.CompletedAt = parseNullTime(completedAt)
	s.CreatedAt = parseTime(createdAt)
	s.UpdatedAt = parseTime(updated)
	return &s, nil
}

const approvalSelect = `
	SELECT id, kind, status, subject, learner_id, teacher_id, requested_by, payload_json,
	       result_ref, resolved_by, note, created_at, resolved_at
	FROM approvals`

func getApproval(ctx context.Context, q querier, id engine.RequestID) (*engine.ApprovalRequest, error) {
	reqs, err := queryApprovals(ctx, q, approvalSelect+` WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(reqs) == 0 {
		return nil, engine.NotFoundError("approval", id)
	}
	return &reqs[0], nil
}

func pendingFor(ctx context.Context, q querier, subject string) (*engine.ApprovalRequest, error) {
	reqs, err := queryApprovals(ctx, q, approvalSelect+` WHERE subject = ? AND status = 'pending'`, subject)
	if err != nil || len(reqs) == 0 {
		return nil, err
	}
	return &reqs[0], nil
}

func queryApprovals(ctx context.Context, q querier, query string, args ...any) ([]engine.ApprovalRequest, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query approvals: %w", err)
	}
	defer rows.Close()

	reqs := make([]engine.ApprovalRequest, 0)
	for rows.Next() {
		var (
			r                               engine.ApprovalRequest
			teacherID, requestedBy, payload sql.NullString
			resultRef, resolvedBy, note     sql.NullString
			resolvedAt                      sql.NullString
			createdAt                       string
		)
		if err := rows.Scan(&r.ID, &r.Kind, &r.Status, &r.Subject, &r.LearnerID, &teacherID, &requestedBy, &payload,
			&resultRef, &resolvedBy, &note, &createdAt, &resolvedAt); err != nil {
			return nil, fmt.Errorf("failed to scan approval: %w", err)
		}
		r.TeacherID = engine.TeacherID(teacherID.String)
		r.RequestedBy = requestedBy.String
		r.ResultRef = resultRef.String
		r.ResolvedBy = resolvedBy.String
		r.Note = note.String
		r.CreatedAt = parseTime(createdAt)
		r.ResolvedAt = parseNullTime(resolvedAt)
		if payload.Valid {
			r.Payload, err = engine.DecodePayload(r.Kind, []byte(payload.String))
			if err != nil {
				return nil, fmt.Errorf("approval %s: %w", r.ID, err)
			}
		}
		reqs = append(reqs, r)
	}
	return reqs, rows.Err()
}

const learnerSelect = `
	SELECT id, name, email, birthday, gender, guardian_name, guardian_email, guardian_phone,
	       status, created_at, updated_at
	FROM learners`

func getLearner(ctx context.Context, q querier, id engine.LearnerID) (*engine.Learner, error) {
	l, err := scanLearner(q.QueryRowContext(ctx, learnerSelect+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NotFoundError("learner", id)
	}
	return l, err
}

func scanLearner(row scanner) (*engine.Learner, error) {
	var (
		l                  engine.Learner
		birthday           sql.NullString
		createdAt, updated string
	)
	err := row.Scan(&l.ID, &l.Name, &l.Email, &birthday, &l.Gender, &l.GuardianName, &l.GuardianEmail,
		&l.GuardianPhone, &l.Status, &createdAt, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan learner: %w", err)
	}
	l.Birthday = parseNullTime(birthday)
	l.CreatedAt = parseTime(createdAt)
	l.UpdatedAt = parseTime(updated)
	return &l, nil
}

func saveLearner(ctx context.Context, q querier, l engine.Learner) error {
	_, err := q.ExecContext(ctx, `
		INSERT OR REPLACE INTO learners
		(id, name, email, birthday, gender, guardian_name, guardian_email, guardian_phone,
		 status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.Name, l.Email, nullTimePtr(l.Birthday), l.Gender, l.GuardianName, l.GuardianEmail, l.GuardianPhone,
		l.Status, formatTime(l.CreatedAt), formatTime(l.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save learner: %w", err)
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

func nullTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(t), Valid: true}
}

func nullTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return nullTime(*t)
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullBytes(b []byte) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
