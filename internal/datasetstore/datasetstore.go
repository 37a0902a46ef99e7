// Package datasetstore implements the dataset composer: maps an
// entry x specification matrix to records, deduplicating across entries and
// across datasets via the record store's own content-addressed dedup.
package datasetstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"

	"github.com/lib/pq"

	"github.com/hjnpark/QCFractal/internal/domain/dataset"
	"github.com/hjnpark/QCFractal/internal/domain/molecule"
	"github.com/hjnpark/QCFractal/internal/domain/record"
	"github.com/hjnpark/QCFractal/internal/domain/specification"
	"github.com/hjnpark/QCFractal/internal/platform/database"
	"github.com/hjnpark/QCFractal/internal/recordstore"
	"github.com/hjnpark/QCFractal/internal/servicequeue"
	"github.com/hjnpark/QCFractal/internal/taskqueue"
	"github.com/hjnpark/QCFractal/pkg/apperrors"
	"github.com/hjnpark/QCFractal/pkg/logger"
)

// Store is the Postgres-backed dataset composer.
type Store struct {
	db       *sql.DB
	records  *recordstore.Store
	tasks    *taskqueue.Queue
	services *servicequeue.Queue
	log      *logger.Logger
}

// New constructs a Store over an open connection pool.
func New(db *sql.DB, records *recordstore.Store, tasks *taskqueue.Queue, services *servicequeue.Queue, log *logger.Logger) *Store {
	return &Store{db: db, records: records, tasks: tasks, services: services, log: log.With("datasetstore")}
}

// Session re-exports database.Session for callers that don't want to
// import internal/platform/database directly.
type Session = database.Session

func (s *Store) withSession(ctx context.Context, session *Session, fn func(q database.Querier) error) error {
	return database.WithSession(ctx, s.db, session, fn)
}

// Add registers a new dataset, unique on (kind, lower(name)).
func (s *Store) Add(ctx context.Context, session *Session, in dataset.Dataset) (dataset.Dataset, error) {
	var out dataset.Dataset
	err := s.withSession(ctx, session, func(q database.Querier) error {
		lower := strings.ToLower(in.Name)
		extrasJSON, err := json.Marshal(in.Extras)
		if err != nil {
			return apperrors.MalformedRequest("encode dataset extras")
		}
		defaultTag := in.DefaultTag
		if defaultTag == "" {
			defaultTag = "*"
		}
		row := q.QueryRowContext(ctx, `
			INSERT INTO datasets (kind, name, lower_name, description, tags, owner, default_tag, default_priority, extras, visibility, created_at, modified_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,now(),now())
			ON CONFLICT (kind, lower_name) DO NOTHING
			RETURNING id, kind, name, description, tags, owner, default_tag, default_priority, extras, visibility, created_at, modified_at
		`, in.Kind, in.Name, lower, in.Description, pq.Array(in.Tags), in.Owner, defaultTag, in.DefaultPriority, extrasJSON, in.Visibility)
		found, err := scanDataset(row)
		if errors.Is(err, sql.ErrNoRows) {
			return apperrors.AlreadyExists("dataset already exists")
		}
		if err != nil {
			return apperrors.Internal("insert dataset", err)
		}
		out = found
		return nil
	})
	return out, err
}

func scanDataset(row *sql.Row) (dataset.Dataset, error) {
	var out dataset.Dataset
	var tags []string
	var extrasJSON []byte
	if err := row.Scan(&out.ID, &out.Kind, &out.Name, &out.Description, pq.Array(&tags), &out.Owner,
		&out.DefaultTag, &out.DefaultPriority, &extrasJSON, &out.Visibility, &out.CreatedAt, &out.ModifiedAt); err != nil {
		return dataset.Dataset{}, err
	}
	out.Tags = tags
	_ = json.Unmarshal(extrasJSON, &out.Extras)
	return out, nil
}

// EntryOutcome reports whether a single requested entry was created or
// skipped because its name already existed.
type EntryOutcome struct {
	Name    string
	Created bool
}

// AddEntries inserts entries, skipping any whose name is already bound in
// this dataset.
func (s *Store) AddEntries(ctx context.Context, session *Session, datasetID int64, entries []dataset.Entry, mol func(name string) molecule.Molecule) ([]EntryOutcome, error) {
	var out []EntryOutcome
	err := s.withSession(ctx, session, func(q database.Querier) error {
		dbSession := &recordstore.Session{Tx: asTx(q)}
		for _, e := range entries {
			m, err := s.records.AddMolecule(ctx, dbSession, mol(e.Name))
			if err != nil {
				return err
			}
			extrasJSON, err := json.Marshal(e.Extras)
			if err != nil {
				return apperrors.MalformedRequest("encode entry extras")
			}
			res, err := q.ExecContext(ctx, `
				INSERT INTO dataset_entries (dataset_id, name, molecule_id, extras, created_at)
				VALUES ($1,$2,$3,$4,now())
				ON CONFLICT (dataset_id, name) DO NOTHING
			`, datasetID, e.Name, m.ID, extrasJSON)
			if err != nil {
				return apperrors.Internal("insert dataset entry", err)
			}
			n, _ := res.RowsAffected()
			out = append(out, EntryOutcome{Name: e.Name, Created: n > 0})
		}
		return nil
	})
	return out, err
}

// SpecificationOutcome reports the outcome of binding one named
// specification into a dataset (dedup against
// the global table, already-exists on dataset-local name conflict).
type SpecificationOutcome struct {
	Name            string
	SpecificationID int64
	Err             error
}

// AddSpecifications deduplicates each spec's content against the global
// specification table, then binds it under the given name; a name already
// bound in this dataset is reported as already-exists without touching
// other items in the batch.
func (s *Store) AddSpecifications(ctx context.Context, session *Session, datasetID int64, specs []dataset.SpecificationEntry, content func(name string) specification.Specification) ([]SpecificationOutcome, error) {
	var out []SpecificationOutcome
	err := s.withSession(ctx, session, func(q database.Querier) error {
		dbSession := &recordstore.Session{Tx: asTx(q)}
		for _, spec := range specs {
			canon, err := s.records.AddSpecification(ctx, dbSession, content(spec.Name))
			if err != nil {
				return err
			}
			res, err := q.ExecContext(ctx, `
				INSERT INTO dataset_specifications (dataset_id, name, description, specification_id)
				VALUES ($1,$2,$3,$4)
				ON CONFLICT (dataset_id, name) DO NOTHING
			`, datasetID, spec.Name, spec.Description, canon.ID)
			if err != nil {
				return apperrors.Internal("insert dataset specification", err)
			}
			n, _ := res.RowsAffected()
			if n == 0 {
				out = append(out, SpecificationOutcome{Name: spec.Name, Err: apperrors.AlreadyExists("specification name already bound in dataset")})
				continue
			}
			out = append(out, SpecificationOutcome{Name: spec.Name, SpecificationID: canon.ID})
		}
		return nil
	})
	return out, err
}

// Submit ensures a record-item exists for every (entry, spec) pair in the
// cartesian product of entryNames x specNames (full product if either is
// empty), going through the record store's dedup path so identical
// (molecule, specification) tuples across entries and across datasets
// share one record id.
// A second call with the same arguments creates no new records or items
func (s *Store) Submit(ctx context.Context, session *Session, datasetID int64, kind record.Kind, entryNames, specNames []string, tag string, priority int) ([]dataset.RecordMapping, error) {
	var out []dataset.RecordMapping
	err := s.withSession(ctx, session, func(q database.Querier) error {
		dbSession := &recordstore.Session{Tx: asTx(q)}

		entries, err := resolveEntries(ctx, q, datasetID, entryNames)
		if err != nil {
			return err
		}
		specs, err := resolveSpecs(ctx, q, datasetID, specNames)
		if err != nil {
			return err
		}

		for _, e := range entries {
			for _, sp := range specs {
				mapping, err := s.submitOne(ctx, q, dbSession, datasetID, kind, e, sp, tag, priority)
				if err != nil {
					return err
				}
				out = append(out, mapping)
			}
		}
		return nil
	})
	return out, err
}

type resolvedEntry struct {
	name       string
	moleculeID int64
}

type resolvedSpec struct {
	name              string
	specificationID   int64
}

func resolveEntries(ctx context.Context, q database.Querier, datasetID int64, names []string) ([]resolvedEntry, error) {
	query := `SELECT name, molecule_id FROM dataset_entries WHERE dataset_id = $1`
	args := []any{datasetID}
	if len(names) > 0 {
		query += ` AND name = ANY($2::text[])`
		args = append(args, pq.Array(names))
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Internal("resolve dataset entries", err)
	}
	defer rows.Close()
	var out []resolvedEntry
	for rows.Next() {
		var e resolvedEntry
		if err := rows.Scan(&e.name, &e.moleculeID); err != nil {
			return nil, apperrors.Internal("scan dataset entry", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func resolveSpecs(ctx context.Context, q database.Querier, datasetID int64, names []string) ([]resolvedSpec, error) {
	query := `SELECT name, specification_id FROM dataset_specifications WHERE dataset_id = $1`
	args := []any{datasetID}
	if len(names) > 0 {
		query += ` AND name = ANY($2::text[])`
		args = append(args, pq.Array(names))
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Internal("resolve dataset specifications", err)
	}
	defer rows.Close()
	var out []resolvedSpec
	for rows.Next() {
		var sp resolvedSpec
		if err := rows.Scan(&sp.name, &sp.specificationID); err != nil {
			return nil, apperrors.Internal("scan dataset specification", err)
		}
		out = append(out, sp)
	}
	return out, rows.Err()
}

func (s *Store) submitOne(ctx context.Context, q database.Querier, session *recordstore.Session, datasetID int64, kind record.Kind, e resolvedEntry, sp resolvedSpec, tag string, priority int) (dataset.RecordMapping, error) {
	var existingRecordID int64
	row := q.QueryRowContext(ctx, `
		SELECT record_id FROM dataset_record_items WHERE dataset_id = $1 AND entry_name = $2 AND specification_name = $3
	`, datasetID, e.name, sp.name)
	err := row.Scan(&existingRecordID)
	if err == nil {
		return dataset.RecordMapping{DatasetID: datasetID, EntryName: e.name, SpecificationName: sp.name, RecordID: existingRecordID}, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return dataset.RecordMapping{}, apperrors.Internal("lookup existing record item", err)
	}

	moleculeID := e.moleculeID
	base := record.NewBase(kind, sp.specificationID, "", tag, priority)
	base.MoleculeID = &moleculeID
	created, _, err := s.records.CreateRecord(ctx, session, base)
	if err != nil {
		return dataset.RecordMapping{}, err
	}

	if created.Status == record.StatusWaiting {
		if kind.IsAtomic() {
			specRow, err := s.records.GetSpecification(ctx, session, sp.specificationID)
			if err != nil {
				return dataset.RecordMapping{}, err
			}
			if _, err := s.tasks.Enqueue(ctx, session, created.ID, tag, priority, []string{specRow.Program}); err != nil {
				return dataset.RecordMapping{}, err
			}
		} else if err := s.services.Enqueue(ctx, session, created.ID); err != nil {
			return dataset.RecordMapping{}, err
		}
	}

	if _, err := q.ExecContext(ctx, `
		INSERT INTO dataset_record_items (dataset_id, entry_name, specification_name, record_id)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (dataset_id, entry_name, specification_name) DO NOTHING
	`, datasetID, e.name, sp.name, created.ID); err != nil {
		return dataset.RecordMapping{}, apperrors.Internal("insert dataset record item", err)
	}

	return dataset.RecordMapping{DatasetID: datasetID, EntryName: e.name, SpecificationName: sp.name, RecordID: created.ID}, nil
}

// DeleteEntries removes named entries (cascading to their record-items); if
// deleteRecords is set, records left with no remaining reference from any
// dataset-item or service-dependency are hard-deleted.
func (s *Store) DeleteEntries(ctx context.Context, session *Session, datasetID int64, names []string, deleteRecords bool) error {
	return s.withSession(ctx, session, func(q database.Querier) error {
		orphanCandidates, err := recordIDsForEntries(ctx, q, datasetID, names)
		if err != nil {
			return err
		}
		if _, err := q.ExecContext(ctx, `
			DELETE FROM dataset_entries WHERE dataset_id = $1 AND name = ANY($2::text[])
		`, datasetID, pq.Array(names)); err != nil {
			return apperrors.Internal("delete dataset entries", err)
		}
		if deleteRecords {
			return s.hardDeleteOrphans(ctx, q, orphanCandidates)
		}
		return nil
	})
}

// DeleteSpecifications removes named specifications (cascading to their
// record-items), with the same optional orphan-record cleanup as
// DeleteEntries.
func (s *Store) DeleteSpecifications(ctx context.Context, session *Session, datasetID int64, names []string, deleteRecords bool) error {
	return s.withSession(ctx, session, func(q database.Querier) error {
		orphanCandidates, err := recordIDsForSpecs(ctx, q, datasetID, names)
		if err != nil {
			return err
		}
		if _, err := q.ExecContext(ctx, `
			DELETE FROM dataset_specifications WHERE dataset_id = $1 AND name = ANY($2::text[])
		`, datasetID, pq.Array(names)); err != nil {
			return apperrors.Internal("delete dataset specifications", err)
		}
		if deleteRecords {
			return s.hardDeleteOrphans(ctx, q, orphanCandidates)
		}
		return nil
	})
}

// DeleteRecordItems removes specific (entry, spec) record-item bindings
// directly, without touching the entry or specification rows themselves.
func (s *Store) DeleteRecordItems(ctx context.Context, session *Session, datasetID int64, entryNames, specNames []string, deleteRecords bool) error {
	return s.withSession(ctx, session, func(q database.Querier) error {
		rows, err := q.QueryContext(ctx, `
			SELECT record_id FROM dataset_record_items
			WHERE dataset_id = $1 AND entry_name = ANY($2::text[]) AND specification_name = ANY($3::text[])
		`, datasetID, pq.Array(entryNames), pq.Array(specNames))
		if err != nil {
			return apperrors.Internal("select record items to delete", err)
		}
		var recordIDs []int64
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return apperrors.Internal("scan record item", err)
			}
			recordIDs = append(recordIDs, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return apperrors.Internal("iterate record items", err)
		}

		if _, err := q.ExecContext(ctx, `
			DELETE FROM dataset_record_items
			WHERE dataset_id = $1 AND entry_name = ANY($2::text[]) AND specification_name = ANY($3::text[])
		`, datasetID, pq.Array(entryNames), pq.Array(specNames)); err != nil {
			return apperrors.Internal("delete record items", err)
		}

		if deleteRecords {
			return s.hardDeleteOrphans(ctx, q, recordIDs)
		}
		return nil
	})
}

func (s *Store) hardDeleteOrphans(ctx context.Context, q database.Querier, recordIDs []int64) error {
	session := &recordstore.Session{Tx: asTx(q)}
	for _, id := range recordIDs {
		var itemRefs, depRefs int
		if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM dataset_record_items WHERE record_id = $1`, id).Scan(&itemRefs); err != nil {
			return apperrors.Internal("count dataset item references", err)
		}
		if err := q.QueryRowContext(ctx, `SELECT COUNT(DISTINCT service_record_id) FROM service_dependencies WHERE child_record_id = $1`, id).Scan(&depRefs); err != nil {
			return apperrors.Internal("count service dependency references", err)
		}
		if itemRefs == 0 && depRefs == 0 {
			if err := s.records.HardDelete(ctx, session, id); err != nil && !apperrors.Is(err, apperrors.CodeMissingData) {
				return err
			}
		}
	}
	return nil
}

func recordIDsForEntries(ctx context.Context, q database.Querier, datasetID int64, names []string) ([]int64, error) {
	return queryRecordIDs(ctx, q, `
		SELECT record_id FROM dataset_record_items WHERE dataset_id = $1 AND entry_name = ANY($2::text[])
	`, datasetID, pq.Array(names))
}

func recordIDsForSpecs(ctx context.Context, q database.Querier, datasetID int64, names []string) ([]int64, error) {
	return queryRecordIDs(ctx, q, `
		SELECT record_id FROM dataset_record_items WHERE dataset_id = $1 AND specification_name = ANY($2::text[])
	`, datasetID, pq.Array(names))
}

func queryRecordIDs(ctx context.Context, q database.Querier, query string, args ...any) ([]int64, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Internal("query record ids", err)
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, apperrors.Internal("scan record id", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// RenameEntries applies old-name -> new-name renames, rejecting the whole
// batch if any target name is already taken.
func (s *Store) RenameEntries(ctx context.Context, session *Session, datasetID int64, renames map[string]string) error {
	return s.withSession(ctx, session, func(q database.Querier) error {
		for _, newName := range renames {
			var exists bool
			if err := q.QueryRowContext(ctx, `
				SELECT EXISTS(SELECT 1 FROM dataset_entries WHERE dataset_id = $1 AND name = $2)
			`, datasetID, newName).Scan(&exists); err != nil {
				return apperrors.Internal("check entry name conflict", err)
			}
			if exists {
				return apperrors.AlreadyExists("entry name already taken: " + newName)
			}
		}
		for oldName, newName := range renames {
			if _, err := q.ExecContext(ctx, `
				UPDATE dataset_entries SET name = $3 WHERE dataset_id = $1 AND name = $2
			`, datasetID, oldName, newName); err != nil {
				return apperrors.Internal("rename dataset entry", err)
			}
		}
		return nil
	})
}

// RenameSpecifications applies old-name -> new-name renames for a
// dataset's specification bindings, with the same all-or-nothing
// conflict check as RenameEntries.
func (s *Store) RenameSpecifications(ctx context.Context, session *Session, datasetID int64, renames map[string]string) error {
	return s.withSession(ctx, session, func(q database.Querier) error {
		for _, newName := range renames {
			var exists bool
			if err := q.QueryRowContext(ctx, `
				SELECT EXISTS(SELECT 1 FROM dataset_specifications WHERE dataset_id = $1 AND name = $2)
			`, datasetID, newName).Scan(&exists); err != nil {
				return apperrors.Internal("check specification name conflict", err)
			}
			if exists {
				return apperrors.AlreadyExists("specification name already taken: " + newName)
			}
		}
		for oldName, newName := range renames {
			if _, err := q.ExecContext(ctx, `
				UPDATE dataset_specifications SET name = $3 WHERE dataset_id = $1 AND name = $2
			`, datasetID, oldName, newName); err != nil {
				return apperrors.Internal("rename dataset specification", err)
			}
		}
		return nil
	})
}

// Status returns, for each specification name, a count of record items by
// status.
func (s *Store) Status(ctx context.Context, session *Session, datasetID int64) ([]dataset.StatusCount, error) {
	var out []dataset.StatusCount
	err := s.withSession(ctx, session, func(q database.Querier) error {
		rows, err := q.QueryContext(ctx, `
			SELECT dri.specification_name, r.status, COUNT(*)
			FROM dataset_record_items dri
			JOIN records r ON r.id = dri.record_id
			WHERE dri.dataset_id = $1
			GROUP BY dri.specification_name, r.status
			ORDER BY dri.specification_name, r.status
		`, datasetID)
		if err != nil {
			return apperrors.Internal("query dataset status", err)
		}
		defer rows.Close()
		for rows.Next() {
			var sc dataset.StatusCount
			if err := rows.Scan(&sc.SpecificationName, &sc.Status, &sc.Count); err != nil {
				return apperrors.Internal("scan dataset status row", err)
			}
			out = append(out, sc)
		}
		return rows.Err()
	})
	return out, err
}

// QueryDatasetRecords returns, for each given record id, every
// (dataset_id, entry_name, specification_name) tuple that points to it —
// a record may belong to many datasets because of dedup
// across datasets.
func (s *Store) QueryDatasetRecords(ctx context.Context, session *Session, recordIDs []int64) ([]dataset.RecordMapping, error) {
	var out []dataset.RecordMapping
	err := s.withSession(ctx, session, func(q database.Querier) error {
		rows, err := q.QueryContext(ctx, `
			SELECT dataset_id, entry_name, specification_name, record_id
			FROM dataset_record_items WHERE record_id = ANY($1::bigint[])
			ORDER BY dataset_id, entry_name, specification_name
		`, pq.Array(recordIDs))
		if err != nil {
			return apperrors.Internal("query dataset records", err)
		}
		defer rows.Close()
		for rows.Next() {
			var m dataset.RecordMapping
			if err := rows.Scan(&m.DatasetID, &m.EntryName, &m.SpecificationName, &m.RecordID); err != nil {
				return apperrors.Internal("scan dataset record mapping", err)
			}
			out = append(out, m)
		}
		return rows.Err()
	})
	return out, err
}

func asTx(q database.Querier) *sql.Tx {
	tx, _ := q.(*sql.Tx)
	return tx
}
