package recordstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/hjnpark/QCFractal/internal/domain/record"
	"github.com/hjnpark/QCFractal/internal/platform/database"
	"github.com/hjnpark/QCFractal/internal/statemachine"
	"github.com/hjnpark/QCFractal/pkg/apperrors"
)

// CreateRecord inserts a new record in the waiting state, deduplicating
// against an existing row with the same (kind, specification, molecule)
// tuple. Returns the stored record and whether it
// was newly created (false means an existing record was returned).
func (s *Store) CreateRecord(ctx context.Context, session *Session, in record.Record) (record.Record, bool, error) {
	var out record.Record
	var created bool

	err := s.withSession(ctx, session, func(q database.Querier) error {
		dedupKey := dedupAdvisoryKey(in.Kind, in.SpecificationID, in.MoleculeID)
		if err := lockAdvisory(ctx, q, dedupKey); err != nil {
			return err
		}

		existing, err := findDuplicate(ctx, q, in.Kind, in.SpecificationID, in.MoleculeID)
		if err == nil {
			out = existing
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return apperrors.Internal("lookup duplicate record", err)
		}

		in.Status = statemachine.Create()
		now := time.Now().UTC()
		in.CreatedAt, in.ModifiedAt = now, now
		if in.RetryBudget == 0 {
			in.RetryBudget = record.DefaultRetryBudget
		}

		inserted, err := insertRecord(ctx, q, in)
		if err != nil {
			return apperrors.Internal("insert record", err)
		}
		out = inserted
		created = true
		return nil
	})
	return out, created, err
}

func dedupAdvisoryKey(kind record.Kind, specID int64, moleculeID *int64) string {
	mid := int64(-1)
	if moleculeID != nil {
		mid = *moleculeID
	}
	return string(kind) + ":" + strconv.FormatInt(specID, 10) + ":" + strconv.FormatInt(mid, 10)
}

func findDuplicate(ctx context.Context, q database.Querier, kind record.Kind, specID int64, moleculeID *int64) (record.Record, error) {
	var row *sql.Row
	if moleculeID == nil {
		row = q.QueryRowContext(ctx, recordSelectColumns+`
			FROM records WHERE kind = $1 AND specification_id = $2 AND molecule_id IS NULL
			AND status != 'deleted' ORDER BY id LIMIT 1
		`, kind, specID)
	} else {
		row = q.QueryRowContext(ctx, recordSelectColumns+`
			FROM records WHERE kind = $1 AND specification_id = $2 AND molecule_id = $3
			AND status != 'deleted' ORDER BY id LIMIT 1
		`, kind, specID, *moleculeID)
	}
	return scanRecord(row)
}

const recordSelectColumns = `
	SELECT id, kind, status, specification_id, molecule_id, owner_tag, tag, priority,
	       provenance, comment, properties, final_molecule_id, retry_count, retry_budget,
	       pre_delete_status, created_at, modified_at
`

func insertRecord(ctx context.Context, q database.Querier, in record.Record) (record.Record, error) {
	provenanceJSON, err := json.Marshal(in.Provenance)
	if err != nil {
		return record.Record{}, err
	}
	row := q.QueryRowContext(ctx, `
		INSERT INTO records
			(kind, status, specification_id, molecule_id, owner_tag, tag, priority,
			 provenance, comment, retry_budget, created_at, modified_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		RETURNING id, kind, status, specification_id, molecule_id, owner_tag, tag, priority,
		          provenance, comment, properties, final_molecule_id, retry_count, retry_budget,
		          pre_delete_status, created_at, modified_at
	`, in.Kind, in.Status, in.SpecificationID, in.MoleculeID, in.OwnerTag, in.Tag, in.Priority,
		provenanceJSON, in.Comment, in.RetryBudget, in.CreatedAt, in.ModifiedAt)
	return scanRecord(row)
}

func scanRecord(row *sql.Row) (record.Record, error) {
	var out record.Record
	var provenanceJSON, propertiesJSON []byte
	var preDelete sql.NullString
	if err := row.Scan(&out.ID, &out.Kind, &out.Status, &out.SpecificationID, &out.MoleculeID,
		&out.OwnerTag, &out.Tag, &out.Priority, &provenanceJSON, &out.Comment, &propertiesJSON,
		&out.FinalMoleculeID, &out.RetryCount, &out.RetryBudget, &preDelete,
		&out.CreatedAt, &out.ModifiedAt); err != nil {
		return record.Record{}, err
	}
	_ = json.Unmarshal(provenanceJSON, &out.Provenance)
	if len(propertiesJSON) > 0 {
		_ = json.Unmarshal(propertiesJSON, &out.Properties)
	}
	if preDelete.Valid {
		status := record.Status(preDelete.String)
		out.PreDeleteStatus = &status
	}
	return out, nil
}

// GetRecord fetches a record by id.
func (s *Store) GetRecord(ctx context.Context, session *Session, id int64) (record.Record, error) {
	var out record.Record
	err := s.withSession(ctx, session, func(q database.Querier) error {
		row := q.QueryRowContext(ctx, recordSelectColumns+`FROM records WHERE id = $1`, id)
		found, err := scanRecord(row)
		if errors.Is(err, sql.ErrNoRows) {
			return apperrors.MissingData("record not found")
		}
		if err != nil {
			return apperrors.Internal("scan record", err)
		}
		out = found
		return nil
	})
	return out, err
}

// ModifyMetadata updates tag, priority, and comment without touching status.
func (s *Store) ModifyMetadata(ctx context.Context, session *Session, id int64, tag *string, priority *int, comment *string) error {
	return s.withSession(ctx, session, func(q database.Querier) error {
		_, err := q.ExecContext(ctx, `
			UPDATE records SET
				tag = COALESCE($2, tag),
				priority = COALESCE($3, priority),
				comment = COALESCE($4, comment),
				modified_at = now()
			WHERE id = $1
		`, id, tag, priority, comment)
		if err != nil {
			return apperrors.Internal("modify record metadata", err)
		}
		return nil
	})
}

// TransitionStatus validates the move via internal/statemachine and writes
// the new status. When moving to deleted, the current status is snapshotted
// for later undelete; when undeleting, the snapshot is cleared.
func (s *Store) TransitionStatus(ctx context.Context, session *Session, id int64, to record.Status, trigger statemachine.Trigger) (record.Record, error) {
	var out record.Record
	err := s.withSession(ctx, session, func(q database.Querier) error {
		row := q.QueryRowContext(ctx, recordSelectColumns+`FROM records WHERE id = $1 FOR UPDATE`, id)
		current, err := scanRecord(row)
		if errors.Is(err, sql.ErrNoRows) {
			return apperrors.MissingData("record not found")
		}
		if err != nil {
			return apperrors.Internal("scan record", err)
		}

		if current.Status == record.StatusDeleted && to != record.StatusDeleted {
			restored, err := statemachine.Undelete(current.Status, current.PreDeleteStatus)
			if err != nil {
				return err
			}
			if to != restored {
				return apperrors.InvalidTransition("undelete target must match pre-delete snapshot")
			}
			if _, err := q.ExecContext(ctx, `
				UPDATE records SET status = $2, pre_delete_status = NULL, modified_at = now() WHERE id = $1
			`, id, to); err != nil {
				return apperrors.Internal("undelete record", err)
			}
			current.Status = to
			current.PreDeleteStatus = nil
			out = current
			return nil
		}

		if err := statemachine.Transition(current.Status, to, trigger); err != nil {
			return err
		}

		if to == record.StatusDeleted {
			snapshot := current.Status
			if _, err := q.ExecContext(ctx, `
				UPDATE records SET status = $2, pre_delete_status = $3, modified_at = now() WHERE id = $1
			`, id, to, snapshot); err != nil {
				return apperrors.Internal("soft delete record", err)
			}
			current.Status = to
			current.PreDeleteStatus = &snapshot
			out = current
			return nil
		}

		if _, err := q.ExecContext(ctx, `
			UPDATE records SET status = $2, modified_at = now() WHERE id = $1
		`, id, to); err != nil {
			return apperrors.Internal("update record status", err)
		}
		current.Status = to
		out = current
		return nil
	})
	return out, err
}

// AppendOutput appends to an output stream; streams serialise per
// (record, stream_kind) via the row's own UPDATE lock, so concurrent
// appends are totally ordered per stream.
func (s *Store) AppendOutput(ctx context.Context, session *Session, recordID int64, kind record.StreamKind, chunk string) error {
	return s.withSession(ctx, session, func(q database.Querier) error {
		_, err := q.ExecContext(ctx, `
			INSERT INTO record_output_streams (record_id, stream_kind, content)
			VALUES ($1, $2, $3)
			ON CONFLICT (record_id, stream_kind) DO UPDATE
			SET content = record_output_streams.content || EXCLUDED.content
		`, recordID, kind, chunk)
		if err != nil {
			return apperrors.Internal("append output stream", err)
		}
		return nil
	})
}

// OpenAttempt opens a new compute-history attempt for a record.
func (s *Store) OpenAttempt(ctx context.Context, session *Session, recordID int64, managerID string, provenance map[string]any) (record.Attempt, error) {
	var out record.Attempt
	err := s.withSession(ctx, session, func(q database.Querier) error {
		provenanceJSON, err := json.Marshal(provenance)
		if err != nil {
			return apperrors.MalformedRequest("encode provenance")
		}
		row := q.QueryRowContext(ctx, `
			INSERT INTO record_attempts (record_id, manager_id, started_at, provenance)
			VALUES ($1, $2, now(), $3)
			RETURNING id, record_id, manager_id, started_at, completed_at, provenance, error_type, error_message
		`, recordID, managerID, provenanceJSON)
		attempt, err := scanAttempt(row)
		if err != nil {
			return apperrors.Internal("open attempt", err)
		}
		out = attempt
		return nil
	})
	return out, err
}

// CloseAttempt closes the given attempt with either a success (errType/errMsg
// empty) or failure outcome.
func (s *Store) CloseAttempt(ctx context.Context, session *Session, attemptID int64, errType, errMsg string) error {
	return s.withSession(ctx, session, func(q database.Querier) error {
		_, err := q.ExecContext(ctx, `
			UPDATE record_attempts SET completed_at = now(), error_type = $2, error_message = $3
			WHERE id = $1
		`, attemptID, errType, errMsg)
		if err != nil {
			return apperrors.Internal("close attempt", err)
		}
		return nil
	})
}

func scanAttempt(row *sql.Row) (record.Attempt, error) {
	var out record.Attempt
	var provenanceJSON []byte
	if err := row.Scan(&out.ID, &out.RecordID, &out.ManagerID, &out.StartedAt, &out.CompletedAt,
		&provenanceJSON, &out.ErrorType, &out.ErrorMessage); err != nil {
		return record.Attempt{}, err
	}
	_ = json.Unmarshal(provenanceJSON, &out.Provenance)
	return out, nil
}

// SetResult writes the kind-specific result payload and optional final
// molecule id onto a record. Status transition is the caller's
// responsibility via TransitionStatus, kept separate so the task queue can
// interleave claim-token verification between the two.
func (s *Store) SetResult(ctx context.Context, session *Session, recordID int64, properties map[string]any, finalMoleculeID *int64) error {
	return s.withSession(ctx, session, func(q database.Querier) error {
		propertiesJSON, err := json.Marshal(properties)
		if err != nil {
			return apperrors.MalformedRequest("encode result properties")
		}
		_, err = q.ExecContext(ctx, `
			UPDATE records SET properties = $2, final_molecule_id = $3, modified_at = now() WHERE id = $1
		`, recordID, propertiesJSON, finalMoleculeID)
		if err != nil {
			return apperrors.Internal("set record result", err)
		}
		return nil
	})
}

// IncrementRetry bumps a record's retry counter and reports whether the
// retry budget has been exhausted.
func (s *Store) IncrementRetry(ctx context.Context, session *Session, recordID int64) (exhausted bool, err error) {
	err = s.withSession(ctx, session, func(q database.Querier) error {
		row := q.QueryRowContext(ctx, `
			UPDATE records SET retry_count = retry_count + 1, modified_at = now()
			WHERE id = $1
			RETURNING retry_count, retry_budget
		`, recordID)
		var count, budget int
		if scanErr := row.Scan(&count, &budget); scanErr != nil {
			return apperrors.Internal("increment retry count", scanErr)
		}
		exhausted = count >= budget
		return nil
	})
	return exhausted, err
}

// ResetRetryCount zeroes a record's retry counter, used by the cascade
// engine's Reset operation when the caller asks for attempts to be cleared
// rather than preserved.
func (s *Store) ResetRetryCount(ctx context.Context, session *Session, id int64) error {
	return s.withSession(ctx, session, func(q database.Querier) error {
		_, err := q.ExecContext(ctx, `UPDATE records SET retry_count = 0, modified_at = now() WHERE id = $1`, id)
		if err != nil {
			return apperrors.Internal("reset retry count", err)
		}
		return nil
	})
}

// Children returns every record that serviceRecordID lists as a service
// dependency, across every generation.
func (s *Store) Children(ctx context.Context, session *Session, serviceRecordID int64) ([]record.Record, error) {
	var out []record.Record
	err := s.withSession(ctx, session, func(q database.Querier) error {
		rows, err := q.QueryContext(ctx, recordSelectColumns+`
			FROM records r
			JOIN service_dependencies d ON d.child_record_id = r.id
			WHERE d.service_record_id = $1
			ORDER BY d.generation, d.position
		`, serviceRecordID)
		if err != nil {
			return apperrors.Internal("query children", err)
		}
		defer rows.Close()
		for rows.Next() {
			var buf record.Record
			var provenanceJSON, propertiesJSON []byte
			var preDelete sql.NullString
			if err := rows.Scan(&buf.ID, &buf.Kind, &buf.Status, &buf.SpecificationID, &buf.MoleculeID,
				&buf.OwnerTag, &buf.Tag, &buf.Priority, &provenanceJSON, &buf.Comment, &propertiesJSON,
				&buf.FinalMoleculeID, &buf.RetryCount, &buf.RetryBudget, &preDelete,
				&buf.CreatedAt, &buf.ModifiedAt); err != nil {
				return apperrors.Internal("scan child record", err)
			}
			_ = json.Unmarshal(provenanceJSON, &buf.Provenance)
			if len(propertiesJSON) > 0 {
				_ = json.Unmarshal(propertiesJSON, &buf.Properties)
			}
			if preDelete.Valid {
				status := record.Status(preDelete.String)
				buf.PreDeleteStatus = &status
			}
			out = append(out, buf)
		}
		return rows.Err()
	})
	return out, err
}

// HardDelete removes a record row along with its task/service rows
// (cascaded by foreign keys); children referenced by other parents are left
// untouched since only the junction row is removed.
func (s *Store) HardDelete(ctx context.Context, session *Session, id int64) error {
	return s.withSession(ctx, session, func(q database.Querier) error {
		res, err := q.ExecContext(ctx, `DELETE FROM records WHERE id = $1`, id)
		if err != nil {
			return apperrors.Internal("hard delete record", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return apperrors.MissingData("record not found")
		}
		return nil
	})
}

// ReferenceCount reports how many distinct service parents currently
// reference childRecordID as a dependency, used by the cascade engine's
// orphan detection before a with-children hard delete.
func (s *Store) ReferenceCount(ctx context.Context, session *Session, childRecordID int64) (int, error) {
	var count int
	err := s.withSession(ctx, session, func(q database.Querier) error {
		row := q.QueryRowContext(ctx, `
			SELECT COUNT(DISTINCT service_record_id) FROM service_dependencies WHERE child_record_id = $1
		`, childRecordID)
		return row.Scan(&count)
	})
	return count, err
}
