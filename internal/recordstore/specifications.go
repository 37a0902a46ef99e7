package recordstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"hash/fnv"

	"github.com/hjnpark/QCFractal/internal/domain/specification"
	"github.com/hjnpark/QCFractal/internal/platform/database"
	"github.com/hjnpark/QCFractal/pkg/apperrors"
)

// AddSpecification canonicalises and inserts a specification, deduplicating
// on its content hash. An advisory lock on the hash serialises concurrent
// inserts of the same content so dedup holds under races.
func (s *Store) AddSpecification(ctx context.Context, session *Session, in specification.Specification) (specification.Specification, error) {
	canon := specification.Canonicalize(in)

	var out specification.Specification
	err := s.withSession(ctx, session, func(q database.Querier) error {
		if err := lockAdvisory(ctx, q, canon.Hash); err != nil {
			return err
		}

		row := q.QueryRowContext(ctx, `
			SELECT id, program, method, basis, keywords, protocols, hash
			FROM specifications WHERE hash = $1
		`, canon.Hash)
		existing, err := scanSpecification(row)
		if err == nil {
			out = existing
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return apperrors.Internal("lookup specification by hash", err)
		}

		keywordsJSON, err := json.Marshal(canon.Keywords)
		if err != nil {
			return apperrors.MalformedRequest("encode keywords")
		}
		protocolsJSON, err := json.Marshal(canon.Protocols)
		if err != nil {
			return apperrors.MalformedRequest("encode protocols")
		}

		row = q.QueryRowContext(ctx, `
			INSERT INTO specifications (program, method, basis, keywords, protocols, hash)
			VALUES ($1,$2,$3,$4,$5,$6)
			ON CONFLICT (hash) DO UPDATE SET hash = EXCLUDED.hash
			RETURNING id, program, method, basis, keywords, protocols, hash
		`, canon.Program, canon.Method, canon.Basis, keywordsJSON, protocolsJSON, canon.Hash)
		inserted, err := scanSpecification(row)
		if err != nil {
			return apperrors.Internal("insert specification", err)
		}
		out = inserted
		return nil
	})
	return out, err
}

// GetSpecification fetches a specification by id.
func (s *Store) GetSpecification(ctx context.Context, session *Session, id int64) (specification.Specification, error) {
	var out specification.Specification
	err := s.withSession(ctx, session, func(q database.Querier) error {
		row := q.QueryRowContext(ctx, `
			SELECT id, program, method, basis, keywords, protocols, hash
			FROM specifications WHERE id = $1
		`, id)
		found, err := scanSpecification(row)
		if errors.Is(err, sql.ErrNoRows) {
			return apperrors.MissingData("specification not found")
		}
		if err != nil {
			return apperrors.Internal("scan specification", err)
		}
		out = found
		return nil
	})
	return out, err
}

func scanSpecification(row *sql.Row) (specification.Specification, error) {
	var out specification.Specification
	var keywordsJSON, protocolsJSON []byte
	if err := row.Scan(&out.ID, &out.Program, &out.Method, &out.Basis, &keywordsJSON, &protocolsJSON, &out.Hash); err != nil {
		return specification.Specification{}, err
	}
	_ = json.Unmarshal(keywordsJSON, &out.Keywords)
	_ = json.Unmarshal(protocolsJSON, &out.Protocols)
	return out, nil
}

// lockAdvisory takes a transaction-scoped Postgres advisory lock keyed on a
// content hash, serialising concurrent insert-or-return races on the same
// canonical key.
func lockAdvisory(ctx context.Context, q database.Querier, key string) error {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	_, err := q.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(h.Sum64()))
	if err != nil {
		return apperrors.Internal("acquire advisory lock", err)
	}
	return nil
}
