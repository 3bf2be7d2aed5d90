package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	_ "modernc.org/sqlite" // SQLite driver
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// DB wraps the SQLite handle and associated metadata.
type DB struct {
	sql  *sql.DB
	path string
}

// Tx is an open write transaction. Every helper in this package accepts a
// *DB or a *Tx through the Conn interface.
type Tx struct {
	tx *sql.Tx
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Conn is satisfied by *DB and *Tx.
type Conn interface {
	querier() (querier, error)
}

func (d *DB) querier() (querier, error) {
	if d == nil || d.sql == nil {
		return nil, fmt.Errorf("database handle is nil")
	}
	return d.sql, nil
}

func (t *Tx) querier() (querier, error) {
	if t == nil || t.tx == nil {
		return nil, fmt.Errorf("transaction is nil")
	}
	return t.tx, nil
}

// Open initialises a SQLite database at the given path and returns a DB wrapper.
//
// The pool is pinned to a single connection: SQLite serialises writers anyway,
// and one connection means a transaction never races a second writer into
// SQLITE_BUSY. Callers must not use the *DB while holding a *Tx from WithTx.
func Open(path string) (*DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate", path)
	handle, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	handle.SetMaxOpenConns(1)

	if err := handle.Ping(); err != nil {
		handle.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	if err := EnsurePerm0600(path); err != nil {
		handle.Close()
		return nil, err
	}

	return &DB{sql: handle, path: path}, nil
}

// Path reports the file the database was opened from.
func (d *DB) Path() string {
	if d == nil {
		return ""
	}
	return d.path
}

// Close releases the database resources.
func Close(d *DB) error {
	if d == nil || d.sql == nil {
		return nil
	}
	return d.sql.Close()
}

// EnsurePerm0600 sets the database file permissions to owner read/write on Unix systems.
func EnsurePerm0600(path string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	if err := os.Chmod(path, 0o600); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("chmod database: %w", err)
	}
	return nil
}

// WithTx runs fn inside a transaction. It commits when fn returns nil and
// rolls back otherwise, including when fn panics.
func WithTx(ctx context.Context, d *DB, fn func(tx *Tx) error) (err error) {
	if d == nil || d.sql == nil {
		return fmt.Errorf("database handle is nil")
	}

	sqlTx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = sqlTx.Rollback()
		}
	}()

	if err = fn(&Tx{tx: sqlTx}); err != nil {
		return err
	}
	if err = sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS vault_config (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS accounts (
	id                    TEXT PRIMARY KEY,
	email                 TEXT    NOT NULL,
	password_encrypted    BLOB    NOT NULL DEFAULT x'',
	totp_secret_encrypted BLOB    NOT NULL DEFAULT x'',
	note                  TEXT    NOT NULL DEFAULT '',
	source                TEXT    NOT NULL DEFAULT 'manual',
	is_deleted            INTEGER NOT NULL DEFAULT 0,
	created_at            TEXT    NOT NULL,
	updated_at            TEXT    NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS uniq_accounts_email_live ON accounts(email) WHERE is_deleted = 0;
`

// Migrate ensures the vault_config and accounts tables exist.
func Migrate(d *DB) error {
	if d == nil || d.sql == nil {
		return fmt.Errorf("database handle is nil")
	}
	if _, err := d.sql.Exec(schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}
