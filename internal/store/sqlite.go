package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/prismaqf/callblocker/internal/rules"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	codec  DateCodec
	logger *slog.Logger
	now    func() time.Time

	// runMu makes the latest-run lookup and the run mutations atomic units.
	runMu sync.Mutex
}

// NewSQLiteStore opens (or creates) the database at dbPath and migrates it.
// Timestamps are stored in loc; a nil loc means time.Local.
func NewSQLiteStore(dbPath string, loc *time.Location, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	// modernc.org/sqlite takes pragmas in the DSN
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Force a connection to ensure the file is created
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if dbPath != ":memory:" {
		if err := setSecureFilePermissions(dbPath); err != nil {
			logger.Warn("could not restrict database permissions", "path", dbPath, "error", err)
		}
	}

	db.SetMaxOpenConns(1) // SQLite is single-writer
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{
		db:     db,
		codec:  NewDateCodec(loc),
		logger: logger,
		now:    time.Now,
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// setSecureFilePermissions sets 0600 on the database and its WAL/SHM files.
// Windows uses ACLs instead, so it is skipped there.
func setSecureFilePermissions(path string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	if err := os.Chmod(path, 0600); err != nil {
		return fmt.Errorf("setting permissions on %s: %w", path, err)
	}
	os.Chmod(path+"-wal", 0600) // may not exist yet
	os.Chmod(path+"-shm", 0600)
	return nil
}

// migrate runs database migrations.
func (s *SQLiteStore) migrate() error {
	var version int
	err := s.db.QueryRow("SELECT version FROM schema_version WHERE id = 1").Scan(&version)
	if err != nil {
		if _, err := s.db.Exec(`
			CREATE TABLE IF NOT EXISTS schema_version (
				id INTEGER PRIMARY KEY CHECK (id = 1),
				version INTEGER NOT NULL,
				applied_at TEXT NOT NULL DEFAULT (datetime('now'))
			);
			INSERT OR IGNORE INTO schema_version (id, version) VALUES (1, 0);
		`); err != nil {
			return fmt.Errorf("creating schema_version: %w", err)
		}
		version = 0
	}

	migrations := []string{
		migrationV1, // runs and calls
		migrationV2, // calendar rules
	}

	for i := version; i < len(migrations); i++ {
		if _, err := s.db.Exec(migrations[i]); err != nil {
			return fmt.Errorf("running migration %d: %w", i+1, err)
		}
		if _, err := s.db.Exec("UPDATE schema_version SET version = ?, applied_at = datetime('now') WHERE id = 1", i+1); err != nil {
			return fmt.Errorf("updating version to %d: %w", i+1, err)
		}
	}

	return nil
}

const migrationV1 = `
-- Run ids are assigned by the store (previous max + 1), not by AUTOINCREMENT
CREATE TABLE IF NOT EXISTS service_runs (
	id INTEGER PRIMARY KEY,
	start TEXT,
	stop TEXT,
	total_received INTEGER NOT NULL DEFAULT 0,
	total_triggered INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS logged_calls (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id INTEGER NOT NULL,
	rule_id INTEGER,
	number TEXT NOT NULL,
	description TEXT,
	timestamp TEXT
);

CREATE INDEX IF NOT EXISTS idx_logged_calls_run ON logged_calls(run_id, id);
CREATE INDEX IF NOT EXISTS idx_logged_calls_rule ON logged_calls(rule_id) WHERE rule_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_logged_calls_number ON logged_calls(number);
`

const migrationV2 = `
CREATE TABLE IF NOT EXISTS calendar_rules (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	day_mask INTEGER NOT NULL DEFAULT 127,
	start_time TEXT NOT NULL DEFAULT '00:00',
	end_time TEXT NOT NULL DEFAULT '23:59'
);

CREATE INDEX IF NOT EXISTS idx_calendar_rules_name ON calendar_rules(name);
`

// --- Service runs ---

const runColumns = "id, start, stop, total_received, total_triggered"

// LatestRun returns the run with the highest id, or a zero run when none exist.
func (s *SQLiteStore) LatestRun(ctx context.Context) (*ServiceRun, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.latestRunLocked(ctx)
}

func (s *SQLiteStore) latestRunLocked(ctx context.Context) (*ServiceRun, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+runColumns+" FROM service_runs ORDER BY id DESC LIMIT 1")
	run, err := s.scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return &ServiceRun{Status: RunPending}, nil
	}
	return run, err
}

// InsertAtServiceStart opens a new run numbered after the latest one and
// carries its counters forward. Returns the new run id.
func (s *SQLiteStore) InsertAtServiceStart(ctx context.Context) (int64, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	latest, err := s.latestRunLocked(ctx)
	if err != nil {
		return 0, fmt.Errorf("reading latest run: %w", err)
	}

	id := latest.ID + 1
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO service_runs (id, start, stop, total_received, total_triggered)
		VALUES (?, ?, NULL, ?, ?)
	`, id, s.codec.Format(s.now()), latest.NumReceived, latest.NumTriggered)
	if err != nil {
		return 0, fmt.Errorf("inserting run %d: %w", id, err)
	}
	return id, nil
}

// UpdateWhileRunning sets the running marker and any non-negative counter.
func (s *SQLiteStore) UpdateWhileRunning(ctx context.Context, runID int64, numReceived, numTriggered int) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.markRunning(ctx, s.db, runID, numReceived, numTriggered)
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func (s *SQLiteStore) markRunning(ctx context.Context, ex execer, runID int64, numReceived, numTriggered int) error {
	set := []string{"stop = ?"}
	args := []interface{}{RunningMarker}
	if numReceived >= 0 {
		set = append(set, "total_received = ?")
		args = append(args, numReceived)
	}
	if numTriggered >= 0 {
		set = append(set, "total_triggered = ?")
		args = append(args, numTriggered)
	}
	args = append(args, runID)

	res, err := ex.ExecContext(ctx, "UPDATE service_runs SET "+strings.Join(set, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return fmt.Errorf("updating run %d: %w", runID, err)
	}
	return checkAffected(res, runID)
}

// UpdateAtServiceStop stamps the stop time and writes the final counters.
func (s *SQLiteStore) UpdateAtServiceStop(ctx context.Context, runID int64, numReceived, numTriggered int) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE service_runs SET stop = ?, total_received = ?, total_triggered = ?
		WHERE id = ?
	`, s.codec.Format(s.now()), numReceived, numTriggered, runID)
	if err != nil {
		return fmt.Errorf("stopping run %d: %w", runID, err)
	}
	return checkAffected(res, runID)
}

func checkAffected(res sql.Result, runID int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %d", ErrRunNotFound, runID)
	}
	return nil
}

// LatestRuns returns up to max runs ordered by id.
func (s *SQLiteStore) LatestRuns(ctx context.Context, max int, descending bool) ([]*ServiceRun, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	query, args := orderedQuery("SELECT "+runColumns+" FROM service_runs", max, descending)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*ServiceRun
	for rows.Next() {
		run, err := s.scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// GetRun returns a single run.
func (s *SQLiteStore) GetRun(ctx context.Context, runID int64) (*ServiceRun, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+runColumns+" FROM service_runs WHERE id = ?", runID)
	run, err := s.scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrRunNotFound, runID)
	}
	return run, err
}

// --- Logged calls ---

const callColumns = "id, run_id, rule_id, number, description, timestamp"

// InsertCall logs a call against runID, stamped with the current time. A nil
// description or rule id leaves the column out of the insert entirely.
func (s *SQLiteStore) InsertCall(ctx context.Context, runID int64, number string, description *string, ruleID *int64) (int64, error) {
	if number == "" {
		s.logger.Error("phone number required for a logged call", "run_id", runID)
		return 0, ErrNumberRequired
	}
	return s.insertCall(ctx, s.db, runID, number, description, ruleID)
}

// RecordCall logs a call and writes the run's new totals in one transaction,
// so the journal never holds a call the counters have not seen.
func (s *SQLiteStore) RecordCall(ctx context.Context, runID int64, number string, description *string, ruleID *int64, numReceived, numTriggered int) (int64, error) {
	if number == "" {
		s.logger.Error("phone number required for a logged call", "run_id", runID)
		return 0, ErrNumberRequired
	}

	s.runMu.Lock()
	defer s.runMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning call transaction: %w", err)
	}
	defer tx.Rollback()

	callID, err := s.insertCall(ctx, tx, runID, number, description, ruleID)
	if err != nil {
		return 0, err
	}
	if err := s.markRunning(ctx, tx, runID, numReceived, numTriggered); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing call for run %d: %w", runID, err)
	}
	return callID, nil
}

func (s *SQLiteStore) insertCall(ctx context.Context, ex execer, runID int64, number string, description *string, ruleID *int64) (int64, error) {
	cols := []string{"timestamp", "run_id", "number"}
	args := []interface{}{s.codec.Format(s.now()), runID, number}
	if description != nil {
		cols = append(cols, "description")
		args = append(args, *description)
	}
	if ruleID != nil {
		cols = append(cols, "rule_id")
		args = append(args, *ruleID)
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	res, err := ex.ExecContext(ctx,
		"INSERT INTO logged_calls ("+strings.Join(cols, ", ")+") VALUES ("+placeholders+")",
		args...,
	)
	if err != nil {
		return 0, fmt.Errorf("inserting call: %w", err)
	}
	return res.LastInsertId()
}

// LatestCalls returns up to max calls ordered by id.
func (s *SQLiteStore) LatestCalls(ctx context.Context, max int, descending bool) ([]*LoggedCall, error) {
	query, args := orderedQuery("SELECT "+callColumns+" FROM logged_calls", max, descending)
	return s.queryCalls(ctx, query, args...)
}

// CallsByRun returns the calls of one run in insertion order.
func (s *SQLiteStore) CallsByRun(ctx context.Context, runID int64) ([]*LoggedCall, error) {
	return s.queryCalls(ctx, "SELECT "+callColumns+" FROM logged_calls WHERE run_id = ? ORDER BY id ASC", runID)
}

// DeleteCallsBefore removes calls stamped before cutoff. Stamps are compared
// as text, which follows time order except across a DST fall-back, where the
// repeated hour's calls compare by wall clock.
func (s *SQLiteStore) DeleteCallsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM logged_calls WHERE timestamp IS NOT NULL AND timestamp < ?",
		s.codec.Format(cutoff),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) queryCalls(ctx context.Context, query string, args ...interface{}) ([]*LoggedCall, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var calls []*LoggedCall
	for rows.Next() {
		call, err := s.scanCall(rows)
		if err != nil {
			return nil, err
		}
		calls = append(calls, call)
	}
	return calls, rows.Err()
}

// --- Calendar rules ---

const ruleColumns = "id, name, day_mask, start_time, end_time"

// SaveRule inserts a rule and sets its ID.
func (s *SQLiteStore) SaveRule(ctx context.Context, rule *rules.CalendarRule) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO calendar_rules (name, day_mask, start_time, end_time) VALUES (?, ?, ?, ?)
	`, rule.Name, int(rule.Days), rule.From.String(), rule.To.String())
	if err != nil {
		return fmt.Errorf("inserting rule: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	rule.ID = id
	return nil
}

// UpdateRule overwrites the rule with rule.ID.
func (s *SQLiteStore) UpdateRule(ctx context.Context, rule *rules.CalendarRule) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE calendar_rules SET name = ?, day_mask = ?, start_time = ?, end_time = ?
		WHERE id = ?
	`, rule.Name, int(rule.Days), rule.From.String(), rule.To.String(), rule.ID)
	if err != nil {
		return fmt.Errorf("updating rule %d: %w", rule.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %d", ErrRuleNotFound, rule.ID)
	}
	return nil
}

// GetRule retrieves a rule by ID.
func (s *SQLiteStore) GetRule(ctx context.Context, id int64) (*rules.CalendarRule, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+ruleColumns+" FROM calendar_rules WHERE id = ?", id)
	rule, err := s.scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrRuleNotFound, id)
	}
	return rule, err
}

// ListRules returns all rules ordered by name.
func (s *SQLiteStore) ListRules(ctx context.Context) ([]*rules.CalendarRule, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+ruleColumns+" FROM calendar_rules ORDER BY name, id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*rules.CalendarRule
	for rows.Next() {
		rule, err := s.scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rule)
	}
	return out, rows.Err()
}

// DeleteRule removes a rule. Calls already logged keep their rule id.
func (s *SQLiteStore) DeleteRule(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM calendar_rules WHERE id = ?", id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %d", ErrRuleNotFound, id)
	}
	return nil
}

// RuleNames returns every rule name except the one belonging to except.
func (s *SQLiteStore) RuleNames(ctx context.Context, except int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM calendar_rules WHERE id != ? ORDER BY name", except)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection for analytics queries.
func (s *SQLiteStore) DB() interface{} {
	return s.db
}

// --- Scanning ---

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *SQLiteStore) scanRun(row rowScanner) (*ServiceRun, error) {
	var run ServiceRun
	var start, stop sql.NullString

	if err := row.Scan(&run.ID, &start, &stop, &run.NumReceived, &run.NumTriggered); err != nil {
		return nil, err
	}

	run.Start = s.decodeTime("service_runs", "start", start)
	switch {
	case !stop.Valid:
		run.Status = RunPending
	case stop.String == RunningMarker:
		run.Status = RunRunning
	default:
		run.Status = RunStopped
		run.Stop = s.decodeTime("service_runs", "stop", stop)
	}

	return &run, nil
}

func (s *SQLiteStore) scanCall(row rowScanner) (*LoggedCall, error) {
	var call LoggedCall
	var ruleID sql.NullInt64
	var description, ts sql.NullString

	if err := row.Scan(&call.ID, &call.RunID, &ruleID, &call.Number, &description, &ts); err != nil {
		return nil, err
	}

	if ruleID.Valid {
		call.RuleID = &ruleID.Int64
	}
	if description.Valid {
		call.Description = &description.String
	}
	call.Timestamp = s.decodeTime("logged_calls", "timestamp", ts)

	return &call, nil
}

func (s *SQLiteStore) scanRule(row rowScanner) (*rules.CalendarRule, error) {
	var r rules.CalendarRule
	var mask int
	var from, to string

	if err := row.Scan(&r.ID, &r.Name, &mask, &from, &to); err != nil {
		return nil, err
	}
	r.Days = rules.DaySet(mask) & rules.AllDays

	var err error
	if r.From, err = rules.ParseTimeOfDay(from); err != nil {
		s.logger.Warn("bad rule start time, using start of day", "error", &DecodeError{Table: "calendar_rules", Column: "start_time", Value: from, Err: err})
		r.From = rules.StartOfDay
	}
	if r.To, err = rules.ParseTimeOfDay(to); err != nil {
		s.logger.Warn("bad rule end time, using end of day", "error", &DecodeError{Table: "calendar_rules", Column: "end_time", Value: to, Err: err})
		r.To = rules.EndOfDay
	}
	return &r, nil
}

// decodeTime parses a nullable timestamp column. Failures are logged and
// yield nil rather than failing the whole row.
func (s *SQLiteStore) decodeTime(table, column string, v sql.NullString) *time.Time {
	if !v.Valid {
		return nil
	}
	t, err := s.codec.Parse(v.String)
	if err != nil {
		s.logger.Warn("unreadable timestamp", "error", &DecodeError{Table: table, Column: column, Value: v.String, Err: err})
		return nil
	}
	return &t
}

// orderedQuery appends the id ordering and optional limit shared by the
// "latest" queries.
func orderedQuery(base string, max int, descending bool) (string, []interface{}) {
	var b strings.Builder
	b.WriteString(base)
	if descending {
		b.WriteString(" ORDER BY id DESC")
	} else {
		b.WriteString(" ORDER BY id ASC")
	}
	var args []interface{}
	if max > 0 {
		b.WriteString(" LIMIT ?")
		args = append(args, max)
	}
	return b.String(), args
}
