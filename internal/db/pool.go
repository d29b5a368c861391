// Package db provides database connection management for SQLite and PostgreSQL.
package db

import (
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/parleyhq/parley/internal/db/dialect"
)

// Options configures the connection pool.
type Options struct {
	// Driver selects the backend: dialect.SQLite3 or dialect.PGX.
	Driver string
	// Path is the database file path (SQLite only).
	Path string
	// DSN is the connection string (PostgreSQL only).
	DSN string
	// MaxConns and MinConns bound the PostgreSQL pool. Zero values use defaults.
	MaxConns int
	MinConns int
}

// Pool provides separate read and write database connections.
//
// For SQLite with WAL mode this enables concurrent reads while serializing
// writes through a single connection. The writer pool uses MaxOpenConns(1) to
// avoid SQLITE_BUSY on write contention, while the reader pool allows multiple
// concurrent connections for SELECT queries.
//
// For PostgreSQL both Writer and Reader return the same *sqlx.DB since pgx
// handles connection pooling internally.
type Pool struct {
	writer *sqlx.DB
	reader *sqlx.DB
	driver string
}

// Open opens a connection pool for the configured driver.
func Open(opts Options) (*Pool, error) {
	switch opts.Driver {
	case dialect.SQLite3:
		writer, err := openSQLiteWriter(opts.Path)
		if err != nil {
			return nil, err
		}
		reader, err := openSQLiteReader(opts.Path)
		if err != nil {
			_ = writer.Close()
			return nil, err
		}
		return &Pool{writer: writer, reader: reader, driver: dialect.SQLite3}, nil
	case dialect.PGX:
		conn, err := openPostgres(opts.DSN, opts.MaxConns, opts.MinConns)
		if err != nil {
			return nil, err
		}
		return &Pool{writer: conn, reader: conn, driver: dialect.PGX}, nil
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", opts.Driver)
	}
}

// Writer returns the pool used for INSERT, UPDATE, DELETE, and transactions.
// For SQLite this is limited to a single connection.
func (p *Pool) Writer() *sqlx.DB { return p.writer }

// Reader returns the pool used for SELECT queries. For SQLite the readers
// operate concurrently with the writer via WAL snapshots.
func (p *Pool) Reader() *sqlx.DB { return p.reader }

// DriverName returns the sql driver name shared by both pools.
func (p *Pool) DriverName() string { return p.driver }

// Close closes both pools. For SQLite it runs PRAGMA optimize first, the
// SQLite-recommended way to refresh query planner statistics on shutdown.
func (p *Pool) Close() error {
	if p.driver == dialect.SQLite3 {
		_, _ = p.writer.Exec("PRAGMA optimize")
	}
	wErr := p.writer.Close()
	// Avoid double-close when both pools share the same *sqlx.DB (Postgres).
	if p.reader != p.writer {
		if rErr := p.reader.Close(); rErr != nil && wErr == nil {
			return rErr
		}
	}
	return wErr
}
