// Package recordstore implements the record store: persisted record
// rows, compute history, output streams, and the specification/molecule
// dedup tables records point at. Every mutation happens inside a
// transaction and status writes are validated through internal/statemachine
// before being written.
package recordstore

import (
	"context"
	"database/sql"

	"github.com/hjnpark/QCFractal/internal/platform/database"
	"github.com/hjnpark/QCFractal/pkg/logger"
)

// Store is the Postgres-backed implementation of the record store.
type Store struct {
	db  *sql.DB
	log *logger.Logger
}

// New constructs a Store over an open connection pool.
func New(db *sql.DB, log *logger.Logger) *Store {
	return &Store{db: db, log: log.With("recordstore")}
}

// Session re-exports database.Session so callers outside this package don't
// need to import internal/platform/database directly.
type Session = database.Session

func (s *Store) withSession(ctx context.Context, session *Session, fn func(q database.Querier) error) error {
	return database.WithSession(ctx, s.db, session, fn)
}
