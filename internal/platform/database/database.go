// Package database opens the Postgres connection pool and provides the
// "nested or reuse" session helper : callers
// pass an explicit *Session (or nil) instead of relying on ambient
// thread-local transaction state.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// Open establishes the Postgres pool and verifies connectivity.
func Open(ctx context.Context, dsn string, maxOpen, maxIdle int, connMaxLifetime time.Duration) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		db.SetMaxIdleConns(maxIdle)
	}
	if connMaxLifetime > 0 {
		db.SetConnMaxLifetime(connMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// Querier is satisfied by both *sql.DB and *sql.Tx, letting store code write
// SQL once and run it either against a bare connection or inside a caller's
// transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Session wraps an open transaction. A nil *Session passed to WithSession
// means "no caller-supplied transaction"; the callee opens and commits its
// own. A non-nil *Session means the callee joins the caller's transaction
// and must not commit or roll it back itself.
type Session struct {
	Tx *sql.Tx
}

// Q returns the Querier this session should use.
func (s *Session) Q() Querier {
	if s == nil {
		return nil
	}
	return s.Tx
}

// WithSession runs fn inside a transaction. If session is non-nil, fn joins
// it (no new transaction is opened, and the caller remains responsible for
// commit/rollback). If session is nil, a fresh transaction is opened,
// committed on success, and rolled back on error or panic.
func WithSession(ctx context.Context, db *sql.DB, session *Session, fn func(q Querier) error) error {
	if session != nil {
		return fn(session.Q())
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}
	return tx.Commit()
}
