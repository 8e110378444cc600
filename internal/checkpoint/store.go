// Package checkpoint implements the embedded single-writer checkpoint store
// backing the extraction pipeline: file registry, per-run extraction records,
// run lifecycle, schedules, sync history, schedule audit, and key-value app
// state. All persistent state lives in one SQLite file (WAL mode).
package checkpoint

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Store is a SQLite-backed checkpoint store. SQLite serializes writes, so the
// connection pool is capped at one open connection; readers in WAL mode do
// not block the writer.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the checkpoint database at path, configures
// pragmas, and applies migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect database: %w", err)
	}

	s := &Store{db: db}
	if err := s.configurePragmas(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure pragmas: %w", err)
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks database liveness (used by the readiness endpoint).
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}
	return nil
}

// migrate applies schema migrations in order. Each statement is idempotent.
// The two trailing UPDATEs normalise relative paths left behind by legacy
// rows (backslashes, leading slashes).
func (s *Store) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS files (
			relative_path TEXT PRIMARY KEY,
			full_path TEXT NOT NULL,
			brand TEXT NOT NULL DEFAULT '',
			purchaser TEXT NOT NULL DEFAULT '',
			size INTEGER NOT NULL DEFAULT 0,
			etag TEXT NOT NULL DEFAULT '',
			sha256 TEXT NOT NULL DEFAULT '',
			synced_at TEXT,
			registered_at TEXT NOT NULL,
			extract_status TEXT NOT NULL DEFAULT 'pending',
			extracted_at TEXT,
			last_run_id TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_files_status ON files(extract_status)`,
		`CREATE INDEX IF NOT EXISTS idx_files_scope ON files(brand, purchaser)`,
		`CREATE TABLE IF NOT EXISTS records (
			run_id TEXT NOT NULL,
			relative_path TEXT NOT NULL,
			file_path TEXT NOT NULL DEFAULT '',
			brand TEXT NOT NULL DEFAULT '',
			purchaser TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			started_at TEXT,
			finished_at TEXT,
			latency_ms INTEGER NOT NULL DEFAULT 0,
			status_code INTEGER NOT NULL DEFAULT 0,
			error_message TEXT NOT NULL DEFAULT '',
			pattern_key TEXT NOT NULL DEFAULT '',
			full_response TEXT,
			PRIMARY KEY (run_id, relative_path)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_records_path ON records(relative_path)`,
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			started_at TEXT NOT NULL,
			finished_at TEXT,
			status TEXT NOT NULL,
			summary TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS schedules (
			id TEXT PRIMARY KEY,
			created_at TEXT NOT NULL,
			brands TEXT NOT NULL DEFAULT '[]',
			purchasers TEXT NOT NULL DEFAULT '[]',
			cron TEXT NOT NULL,
			timezone TEXT NOT NULL,
			UNIQUE (cron, timezone)
		)`,
		`CREATE TABLE IF NOT EXISTS sync_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp TEXT NOT NULL,
			synced INTEGER NOT NULL DEFAULT 0,
			skipped INTEGER NOT NULL DEFAULT 0,
			errors INTEGER NOT NULL DEFAULT 0,
			brands TEXT NOT NULL DEFAULT '[]',
			purchasers TEXT NOT NULL DEFAULT '[]'
		)`,
		`CREATE TABLE IF NOT EXISTS schedule_audit (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp TEXT NOT NULL,
			schedule_id TEXT NOT NULL DEFAULT '',
			outcome TEXT NOT NULL,
			level TEXT NOT NULL DEFAULT 'info',
			message TEXT NOT NULL DEFAULT '',
			data TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS app_config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`UPDATE files SET relative_path = REPLACE(relative_path, '\', '/')
			WHERE relative_path LIKE '%\%'`,
		`UPDATE files SET relative_path = LTRIM(relative_path, '/')
			WHERE relative_path LIKE '/%'`,
		`UPDATE records SET relative_path = REPLACE(relative_path, '\', '/')
			WHERE relative_path LIKE '%\%'`,
		`UPDATE records SET relative_path = LTRIM(relative_path, '/')
			WHERE relative_path LIKE '/%'`,
	}
	for _, m := range migrations {
		if _, err := s.db.ExecContext(ctx, m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// NormalizePath canonicalises a relative path: backslashes become forward
// slashes and leading slashes are stripped. Applied on every write.
func NormalizePath(p string) string {
	p = strings.ReplaceAll(p, `\`, "/")
	return strings.TrimLeft(p, "/")
}

// fmtTime formats a timestamp for storage. Timestamps are stored as RFC3339
// text in UTC so they sort lexicographically.
func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// fmtTimePtr formats an optional timestamp; nil maps to SQL NULL.
func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

// parseTime parses a stored timestamp; invalid or NULL input yields nil.
func parseTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil
	}
	return &t
}

// mustParseTime parses a NOT NULL stored timestamp, zero value on failure.
func mustParseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
