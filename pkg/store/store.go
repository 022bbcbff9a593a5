// Package store persists runs, steps, evidence, policy decisions,
// deviations, approvals, checkpoints, patches, schedules, and the audit
// trail. One implementation serves both SQLite (default, CGO-free) and
// Postgres; the dialect only differs in placeholders and autoincrement
// syntax.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect selects SQL flavor details.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// Store is the run store. All writes are atomic per row; a step's final
// status row is written only after its evidence rows are in.
type Store struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

// Open connects by DSN and migrates. "file:..." and path DSNs open
// SQLite; "postgres://..." opens Postgres. ":memory:" works for tests.
func Open(dsn string) (*Store, error) {
	dialect := DialectSQLite
	driver := "sqlite"
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		dialect = DialectPostgres
		driver = "postgres"
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open store %q: %w", dsn, err)
	}
	if dialect == DialectSQLite {
		// Serialized writes; modernc sqlite needs a single writer.
		db.SetMaxOpenConns(1)
	}
	s := &Store{db: db, dialect: dialect, now: time.Now}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewWithDB wraps an existing handle; tests use this with sqlmock.
func NewWithDB(db *sql.DB, dialect Dialect) *Store {
	return &Store{db: db, dialect: dialect, now: time.Now}
}

// WithClock overrides the timestamp source for deterministic tests.
func (s *Store) WithClock(clock func() time.Time) *Store {
	s.now = clock
	return s
}

// Close releases the handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	serial := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.dialect == DialectPostgres {
		serial = "BIGSERIAL PRIMARY KEY"
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id ` + serial + `,
			public_id TEXT NOT NULL UNIQUE,
			plan_ref TEXT NOT NULL,
			plan_name TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL,
			queue TEXT NOT NULL DEFAULT 'default',
			priority INTEGER NOT NULL DEFAULT 5,
			variables_json TEXT NOT NULL DEFAULT '{}',
			manifest_json TEXT NOT NULL DEFAULT '',
			error_json TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			started_at TEXT,
			finished_at TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS run_steps (
			run_id INTEGER NOT NULL,
			step_index INTEGER NOT NULL,
			action TEXT NOT NULL,
			status TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 1,
			started_at TEXT NOT NULL,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			output_json TEXT NOT NULL DEFAULT '{}',
			recovery_json TEXT NOT NULL DEFAULT '[]',
			error_json TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (run_id, step_index)
		)`,
		`CREATE TABLE IF NOT EXISTS evidence (
			run_id INTEGER NOT NULL,
			step_index INTEGER NOT NULL,
			kind TEXT NOT NULL,
			artifact_key TEXT NOT NULL,
			created_at TEXT NOT NULL,
			PRIMARY KEY (run_id, step_index, kind)
		)`,
		`CREATE TABLE IF NOT EXISTS policy_decisions (
			run_id INTEGER NOT NULL,
			allowed INTEGER NOT NULL,
			autopilot INTEGER NOT NULL,
			checks_json TEXT NOT NULL,
			evaluated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS deviations (
			id ` + serial + `,
			run_id INTEGER NOT NULL,
			step_index INTEGER NOT NULL,
			kind TEXT NOT NULL,
			severity TEXT NOT NULL,
			score INTEGER NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS approvals (
			id TEXT PRIMARY KEY,
			run_id INTEGER NOT NULL,
			step_index INTEGER NOT NULL,
			message TEXT NOT NULL DEFAULT '',
			required_role TEXT NOT NULL DEFAULT '',
			auto_action TEXT NOT NULL DEFAULT 'deny',
			status TEXT NOT NULL,
			requested_at TEXT NOT NULL,
			expires_at TEXT NOT NULL,
			decided_at TEXT,
			actor TEXT NOT NULL DEFAULT '',
			comment TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			run_id INTEGER PRIMARY KEY,
			next_step_index INTEGER NOT NULL,
			snapshot_json TEXT NOT NULL,
			reason TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS pause_history (
			id ` + serial + `,
			run_id INTEGER NOT NULL,
			reason TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS patches (
			id ` + serial + `,
			run_id INTEGER NOT NULL,
			step_index INTEGER NOT NULL,
			patch_json TEXT NOT NULL,
			adopted INTEGER NOT NULL DEFAULT 0,
			auto INTEGER NOT NULL DEFAULT 0,
			reason TEXT NOT NULL DEFAULT '',
			applied_at TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS audit (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			action TEXT NOT NULL,
			resource TEXT NOT NULL DEFAULT '',
			actor TEXT NOT NULL DEFAULT '',
			metadata_json TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS schedules (
			id TEXT PRIMARY KEY,
			cron TEXT NOT NULL,
			template TEXT NOT NULL,
			queue TEXT NOT NULL DEFAULT 'default',
			priority INTEGER NOT NULL DEFAULT 5,
			variables_json TEXT NOT NULL DEFAULT '{}',
			enabled INTEGER NOT NULL DEFAULT 1,
			next_run TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS webhook_events (
			event_id TEXT PRIMARY KEY,
			seen_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS metrics_daily (
			day TEXT NOT NULL,
			name TEXT NOT NULL,
			value REAL NOT NULL,
			PRIMARY KEY (day, name)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_created ON runs (created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_deviations_run ON deviations (run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_created ON audit (created_at)`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(context.Background(), q); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// rebind converts ? placeholders to $n for Postgres.
func (s *Store) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *Store) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(query), args...)
}

func (s *Store) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

func fmtTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseTime(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t
	}
	return time.Time{}
}

func parseTimePtr(v sql.NullString) *time.Time {
	if !v.Valid || v.String == "" {
		return nil
	}
	t := parseTime(v.String)
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
