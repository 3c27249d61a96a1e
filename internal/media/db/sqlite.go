// Package db provides the local persistent store for media assets,
// owners and capture sessions.
//
// The store is an embedded SQLite database (ncruces/go-sqlite3) running in
// WAL mode so gallery reads proceed while a sync writes.
//
// Layout:
//   - assets: keyed by canonical id, indexed by owner, state and remote filename
//   - owners: keyed by local id, indexed by business code
//   - capture_sessions: shallow grouping of assets captured together
//
// Every write that must be atomic with another write runs through WithTx.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// timeLayout sorts lexicographically in the same order as the times it encodes.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries holds every statement; DB and Tx embed it.
type queries struct {
	ex execer
}

// DB wraps the SQLite connection pool.
type DB struct {
	queries
	conn *sql.DB
	path string
}

// Tx is a transaction exposing the same operations as DB.
type Tx struct {
	queries
	tx *sql.Tx
}

// Open creates a new database connection at the specified path.
//
// The caller MUST call Close() when done.
//
// Example:
//
//	store, err := db.Open("data/mediasync.db")
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
func Open(path string) (*DB, error) {
	path = strings.TrimPrefix(path, "file:")
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// Per-connection pragmas go in the DSN so every pooled connection gets them.
	dsn := "file:" + path +
		"?_pragma=busy_timeout(5000)" +
		"&_pragma=foreign_keys(1)" +
		"&_txlock=immediate"

	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(4)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{
		queries: queries{ex: conn},
		conn:    conn,
		path:    path,
	}

	if _, err := db.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	return db, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// RawDB returns the underlying sql.DB connection.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Close checkpoints the WAL and closes the connection.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// InitSchema creates the tables and indexes if they don't exist.
// It is idempotent.
func (db *DB) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS owners (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		business_code TEXT NOT NULL,
		name TEXT NOT NULL,
		age INTEGER NOT NULL DEFAULT 0,
		phone TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Not UNIQUE: duplicates are repaired by the reconciliation pass.
	CREATE INDEX IF NOT EXISTS idx_owners_business_code ON owners(business_code);

	CREATE TABLE IF NOT EXISTS capture_sessions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		owner_id INTEGER NOT NULL,
		name TEXT NOT NULL,
		created_at TEXT NOT NULL,
		FOREIGN KEY (owner_id) REFERENCES owners(id)
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_owner ON capture_sessions(owner_id);

	CREATE TABLE IF NOT EXISTS assets (
		id TEXT PRIMARY KEY,
		owner_id INTEGER NOT NULL,
		session_id INTEGER,
		state TEXT NOT NULL,
		file_path TEXT,
		file_size INTEGER NOT NULL DEFAULT 0,
		checksum TEXT,
		media_type TEXT NOT NULL,
		mode TEXT NOT NULL,

		remote_filename TEXT,
		remote_url TEXT,
		uploaded_at TEXT,

		arch TEXT,
		sequence INTEGER,
		guided_session_id TEXT,

		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		captured_at TEXT NOT NULL,

		FOREIGN KEY (owner_id) REFERENCES owners(id),
		FOREIGN KEY (session_id) REFERENCES capture_sessions(id) ON DELETE SET NULL,

		-- Remote linkage is all or nothing.
		CHECK (
			(remote_filename IS NULL AND remote_url IS NULL AND uploaded_at IS NULL) OR
			(remote_filename IS NOT NULL AND remote_url IS NOT NULL AND uploaded_at IS NOT NULL)
		)
	);

	CREATE INDEX IF NOT EXISTS idx_assets_owner ON assets(owner_id);
	CREATE INDEX IF NOT EXISTS idx_assets_state ON assets(state);
	CREATE INDEX IF NOT EXISTS idx_assets_owner_state ON assets(owner_id, state, created_at);
	CREATE INDEX IF NOT EXISTS idx_assets_remote_filename ON assets(remote_filename);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// WithTx runs fn inside a transaction. The transaction commits if fn
// returns nil and rolls back otherwise.
func (db *DB) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&Tx{queries: queries{ex: sqlTx}, tx: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// isConstraint reports whether err is a SQLite uniqueness violation.
func isConstraint(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, sqlite3.CONSTRAINT_PRIMARYKEY) || errors.Is(err, sqlite3.CONSTRAINT_UNIQUE) {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	if t, err := time.Parse(timeLayout, s); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC()
	}
	return time.Time{}
}

func timeToNullString(t *time.Time) sql.NullString {
	if t == nil || t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func stringToNull(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
