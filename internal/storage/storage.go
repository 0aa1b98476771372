// Package storage owns the node's single embedded SQLite database: schema
// migrations, the bounded connection pool, and the transaction helper every
// other package composes state through. Per §3/§4.1, the Storage Engine is
// the sole owner of persisted state; the in-memory Merkle registry is a
// mirror that must only observe a commit after it has actually happened.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/annex-node/annex/internal/apperr"
)

// Config configures the embedded store.
type Config struct {
	Path          string
	BusyTimeoutMs int
	PoolMaxSize   int
}

// Engine is the embedded single-writer transactional store.
type Engine struct {
	db *sql.DB
}

// Open opens (creating if necessary) the database at cfg.Path, applies WAL
// and busy-timeout pragmas, bounds the connection pool, and runs every
// pending migration inside its own transaction before returning.
func Open(ctx context.Context, cfg Config) (*Engine, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=synchronous(NORMAL)",
		cfg.Path, cfg.BusyTimeoutMs)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "open sqlite database")
	}

	// modernc.org/sqlite serializes writers internally; the pool is bounded
	// at PoolMaxSize open connections, and the busy_timeout pragma makes a
	// writer wait for the lock instead of failing at once with SQLITE_BUSY.
	db.SetMaxOpenConns(cfg.PoolMaxSize)
	db.SetMaxIdleConns(cfg.PoolMaxSize)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, apperr.Wrap(apperr.Internal, err, "ping sqlite database")
	}

	e := &Engine{db: db}
	if err := e.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return e, nil
}

// Close releases the underlying database handle.
func (e *Engine) Close() error {
	return e.db.Close()
}

// DB exposes the raw handle for packages that need read-only ad hoc queries.
// Write paths touching more than one table must go through WithTx instead.
func (e *Engine) DB() *sql.DB {
	return e.db
}

// WithTx runs fn inside a transaction, committing on a nil return and
// rolling back otherwise. Commit is the only source of durability: callers
// that mirror committed state into in-memory structures (the Merkle
// registry, presence graph) must perform that mutation only after WithTx
// returns successfully, never inside fn before commit.
func (e *Engine) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := e.beginWithTimeout(ctx)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return apperr.Wrap(apperr.Internal, err, "commit transaction")
	}
	return nil
}

// beginWithTimeout begins a transaction, translating a context deadline or
// pool exhaustion into the structured PoolTimeout contract: exhaustion must
// never present as a silent success.
func (e *Engine) beginWithTimeout(ctx context.Context) (*sql.Tx, error) {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		if ctx.Err() != nil {
			return nil, apperr.Wrap(apperr.Transient, err, "PoolTimeout: acquiring connection")
		}
		return nil, apperr.Wrap(apperr.Internal, err, "begin transaction")
	}
	return tx, nil
}

// AcquireTimeout is the default ceiling a caller should apply to
// ctx when acquiring a transaction for an interactive request path.
const AcquireTimeout = 5 * time.Second
