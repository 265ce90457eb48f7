// Package persistence is the SQLite store for supervisor runs, threads,
// the replayable event log, sealed connector credentials and the audit
// trail. Worker records live in the artifact store, not here.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersionV1  = 1
	schemaChecksumV1 = "ov-v1-2026-09-30-runs-threads-events"

	schemaVersionV2  = 2
	schemaChecksumV2 = "ov-v2-2026-10-06-credentials-audit"

	schemaVersionLatest  = schemaVersionV2
	schemaChecksumLatest = schemaChecksumV2
)

// ErrNotFound is returned for missing rows and for rows owned by another
// owner.
var ErrNotFound = errors.New("persistence: not found")

type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and migrates it.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("persistence: empty database path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using
// exponential backoff with bounded jitter on top of the driver's
// busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil || !isSQLiteBusy(err) || attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

func (s *Store) configurePragmas(ctx context.Context) error {
	for _, q := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	} {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

type migration struct {
	version    int
	checksum   string
	statements []string
}

var migrations = []migration{
	{
		version:  schemaVersionV1,
		checksum: schemaChecksumV1,
		statements: []string{
			`CREATE TABLE IF NOT EXISTS threads (
				thread_id TEXT PRIMARY KEY,
				owner_id TEXT NOT NULL,
				created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			);`,
			`CREATE TABLE IF NOT EXISTS thread_messages (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				thread_id TEXT NOT NULL REFERENCES threads(thread_id),
				run_id TEXT NOT NULL DEFAULT '',
				role TEXT NOT NULL CHECK(role IN ('user', 'assistant')),
				content TEXT NOT NULL,
				created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			);`,
			`CREATE INDEX IF NOT EXISTS idx_thread_messages_thread ON thread_messages(thread_id, id);`,
			`CREATE TABLE IF NOT EXISTS runs (
				run_id TEXT PRIMARY KEY,
				thread_id TEXT NOT NULL REFERENCES threads(thread_id),
				owner_id TEXT NOT NULL,
				task TEXT NOT NULL,
				status TEXT NOT NULL CHECK(status IN ('queued', 'running', 'success', 'failed', 'cancelled')),
				result TEXT NOT NULL DEFAULT '',
				error TEXT NOT NULL DEFAULT '',
				decision_telemetry TEXT NOT NULL DEFAULT '{}',
				created_at DATETIME NOT NULL,
				completed_at DATETIME
			);`,
			`CREATE INDEX IF NOT EXISTS idx_runs_owner_created ON runs(owner_id, created_at DESC);`,
			`CREATE TABLE IF NOT EXISTS run_workers (
				run_id TEXT NOT NULL REFERENCES runs(run_id),
				worker_id TEXT NOT NULL,
				position INTEGER NOT NULL,
				PRIMARY KEY (run_id, worker_id)
			);`,
			`CREATE TABLE IF NOT EXISTS events (
				run_id TEXT NOT NULL,
				seq INTEGER NOT NULL,
				type TEXT NOT NULL,
				worker_id TEXT NOT NULL DEFAULT '',
				payload TEXT NOT NULL DEFAULT '{}',
				created_at DATETIME NOT NULL,
				PRIMARY KEY (run_id, seq)
			);`,
		},
	},
	{
		version:  schemaVersionV2,
		checksum: schemaChecksumV2,
		statements: []string{
			`CREATE TABLE IF NOT EXISTS connector_credentials (
				owner_id TEXT NOT NULL,
				connector_type TEXT NOT NULL,
				sealed BLOB NOT NULL,
				updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				PRIMARY KEY (owner_id, connector_type)
			);`,
			`CREATE TABLE IF NOT EXISTS audit_log (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				trace_id TEXT NOT NULL DEFAULT '',
				owner_id TEXT NOT NULL DEFAULT '',
				action TEXT NOT NULL,
				subject TEXT NOT NULL DEFAULT '',
				outcome TEXT NOT NULL DEFAULT '',
				reason TEXT NOT NULL DEFAULT '',
				created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			);`,
			`CREATE INDEX IF NOT EXISTS idx_audit_log_created ON audit_log(created_at);`,
		},
	},
}

// initSchema applies pending migrations in one transaction. Each applied
// version is recorded with a checksum; a mismatch with a known version
// refuses to start.
func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}

	for _, m := range migrations {
		if m.version <= maxVersion {
			var existing string
			if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, m.version).Scan(&existing); err != nil {
				return fmt.Errorf("read schema migration checksum: %w", err)
			}
			if existing != m.checksum {
				return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", m.version, existing, m.checksum)
			}
			continue
		}
		for _, stmt := range m.statements {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("migration v%d: %w", m.version, err)
			}
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);`, m.version, m.checksum); err != nil {
			return fmt.Errorf("record migration v%d: %w", m.version, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

// Backup writes a consistent copy of the database to destPath.
func (s *Store) Backup(ctx context.Context, destPath string) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("create backup directory: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?;`, destPath); err != nil {
		return fmt.Errorf("backup: %w", err)
	}
	return nil
}

// RetentionResult counts rows removed by RunRetention.
type RetentionResult struct {
	PurgedEvents    int64 `json:"purged_events"`
	PurgedAuditLogs int64 `json:"purged_audit_logs"`
}

// RunRetention deletes event-log rows of completed runs and audit rows
// older than the given windows. Zero disables a category.
func (s *Store) RunRetention(ctx context.Context, eventDays, auditDays int) (RetentionResult, error) {
	var result RetentionResult
	now := time.Now().UTC()

	if eventDays > 0 {
		cutoff := now.AddDate(0, 0, -eventDays)
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM events
			WHERE created_at < ?
			  AND run_id NOT IN (SELECT run_id FROM runs WHERE completed_at IS NULL);
		`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge events: %w", err)
		}
		result.PurgedEvents, _ = res.RowsAffected()
	}
	if auditDays > 0 {
		cutoff := now.AddDate(0, 0, -auditDays)
		res, err := s.db.ExecContext(ctx, `DELETE FROM audit_log WHERE created_at < ?;`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge audit_log: %w", err)
		}
		result.PurgedAuditLogs, _ = res.RowsAffected()
	}
	return result, nil
}
