package recordstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/hjnpark/QCFractal/internal/domain/molecule"
	"github.com/hjnpark/QCFractal/internal/platform/database"
	"github.com/hjnpark/QCFractal/pkg/apperrors"
	"github.com/lib/pq"
)

// AddMolecule inserts a molecule, deduplicating by canonical hash (the
// molecule dedup law: equal content yields the same id).
func (s *Store) AddMolecule(ctx context.Context, session *Session, in molecule.Molecule) (molecule.Molecule, error) {
	canon := molecule.Canonicalize(in)

	var out molecule.Molecule
	err := s.withSession(ctx, session, func(q database.Querier) error {
		if err := lockAdvisory(ctx, q, canon.Hash); err != nil {
			return err
		}

		row := q.QueryRowContext(ctx, `
			SELECT id, symbols, geometry, charge, multiplicity, identifiers, hash
			FROM molecules WHERE hash = $1
		`, canon.Hash)
		existing, err := scanMolecule(row)
		if err == nil {
			out = existing
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return apperrors.Internal("lookup molecule by hash", err)
		}

		identifiersJSON, err := json.Marshal(canon.Identifiers)
		if err != nil {
			return apperrors.MalformedRequest("encode identifiers")
		}

		row = q.QueryRowContext(ctx, `
			INSERT INTO molecules (symbols, geometry, charge, multiplicity, identifiers, hash)
			VALUES ($1,$2,$3,$4,$5,$6)
			ON CONFLICT (hash) DO UPDATE SET hash = EXCLUDED.hash
			RETURNING id, symbols, geometry, charge, multiplicity, identifiers, hash
		`, pq.Array(canon.Symbols), pq.Array(canon.Geometry), canon.Charge, canon.Multiplicity, identifiersJSON, canon.Hash)
		inserted, err := scanMolecule(row)
		if err != nil {
			return apperrors.Internal("insert molecule", err)
		}
		out = inserted
		return nil
	})
	return out, err
}

// GetMolecule fetches a molecule by id.
func (s *Store) GetMolecule(ctx context.Context, session *Session, id int64) (molecule.Molecule, error) {
	var out molecule.Molecule
	err := s.withSession(ctx, session, func(q database.Querier) error {
		row := q.QueryRowContext(ctx, `
			SELECT id, symbols, geometry, charge, multiplicity, identifiers, hash
			FROM molecules WHERE id = $1
		`, id)
		found, err := scanMolecule(row)
		if errors.Is(err, sql.ErrNoRows) {
			return apperrors.MissingData("molecule not found")
		}
		if err != nil {
			return apperrors.Internal("scan molecule", err)
		}
		out = found
		return nil
	})
	return out, err
}

func scanMolecule(row *sql.Row) (molecule.Molecule, error) {
	var out molecule.Molecule
	var identifiersJSON []byte
	if err := row.Scan(&out.ID, pq.Array(&out.Symbols), pq.Array(&out.Geometry), &out.Charge, &out.Multiplicity, &identifiersJSON, &out.Hash); err != nil {
		return molecule.Molecule{}, err
	}
	_ = json.Unmarshal(identifiersJSON, &out.Identifiers)
	return out, nil
}
