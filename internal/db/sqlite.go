package db

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/parleyhq/parley/internal/db/dialect"
)

const (
	sqliteBusyTimeout = 5 * time.Second

	// sqliteReaderConns is the number of concurrent read connections. WAL
	// mode allows many readers alongside the single writer.
	sqliteReaderConns = 4
)

// openSQLiteWriter opens a SQLite database configured for writes.
//
// Writer DSN settings:
//   - foreign_keys=on: enforce FK constraints consistently.
//   - busy_timeout: wait briefly on locks to reduce transient "database is locked".
//   - journal_mode=WAL: better read concurrency with a single writer.
//   - synchronous=NORMAL: reasonable durability/perf tradeoff for app workloads.
//   - cache=shared: allow multiple connections to share a page cache.
func openSQLiteWriter(dbPath string) (*sqlx.DB, error) {
	normalized := normalizeSQLitePath(dbPath)
	if err := ensureSQLiteDir(normalized); err != nil {
		return nil, fmt.Errorf("failed to prepare database path: %w", err)
	}
	if err := ensureSQLiteFile(normalized); err != nil {
		return nil, fmt.Errorf("failed to create database file: %w", err)
	}

	dsn := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=rwc&_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL&_cache=shared",
		normalized,
		int(sqliteBusyTimeout/time.Millisecond),
	)
	conn, err := sqlx.Open(dialect.SQLite3, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer connection: serializes writes and avoids SQLITE_BUSY.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	return conn, nil
}

// openSQLiteReader opens a read-only SQLite pool with multiple concurrent
// connections. journal_mode and synchronous are database-level settings
// already applied by the writer.
func openSQLiteReader(dbPath string) (*sqlx.DB, error) {
	normalized := normalizeSQLitePath(dbPath)

	dsn := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=ro&_busy_timeout=%d&_cache=shared",
		normalized,
		int(sqliteBusyTimeout/time.Millisecond),
	)
	conn, err := sqlx.Open(dialect.SQLite3, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open read-only database: %w", err)
	}

	conn.SetMaxOpenConns(sqliteReaderConns)
	conn.SetMaxIdleConns(sqliteReaderConns)

	return conn, nil
}

func ensureSQLiteDir(dbPath string) error {
	dir := filepath.Dir(dbPath)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func ensureSQLiteFile(dbPath string) error {
	file, err := os.OpenFile(dbPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	return file.Close()
}

func normalizeSQLitePath(dbPath string) string {
	if dbPath == "" {
		return dbPath
	}
	abs, err := filepath.Abs(dbPath)
	if err != nil {
		return dbPath
	}
	return abs
}
