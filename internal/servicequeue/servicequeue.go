// Package servicequeue implements the service queue and iteration loop
// of service-kind records: admits waiting service records, drives their per-kind driver
// through initialise/iterate, and persists the spawned dependency graph.
package servicequeue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/hjnpark/QCFractal/internal/domain/record"
	"github.com/hjnpark/QCFractal/internal/domain/service"
	"github.com/hjnpark/QCFractal/internal/drivers"
	"github.com/hjnpark/QCFractal/internal/platform/database"
	"github.com/hjnpark/QCFractal/internal/recordstore"
	"github.com/hjnpark/QCFractal/internal/statemachine"
	"github.com/hjnpark/QCFractal/internal/taskqueue"
	"github.com/hjnpark/QCFractal/pkg/apperrors"
	"github.com/hjnpark/QCFractal/pkg/logger"
)

// Queue is the Postgres-backed service queue.
type Queue struct {
	db       *sql.DB
	records  *recordstore.Store
	tasks    *taskqueue.Queue
	registry *drivers.Registry
	log      *logger.Logger
}

// New constructs a Queue over an open connection pool.
func New(db *sql.DB, records *recordstore.Store, tasks *taskqueue.Queue, registry *drivers.Registry, log *logger.Logger) *Queue {
	return &Queue{db: db, records: records, tasks: tasks, registry: registry, log: log.With("servicequeue")}
}

func asTx(q database.Querier) *sql.Tx {
	tx, _ := q.(*sql.Tx)
	return tx
}

// Enqueue opens a service_records row (generation 0, empty state) for a
// freshly created service-kind record, called from the same session that
// created the record.
func (q *Queue) Enqueue(ctx context.Context, session *recordstore.Session, recordID int64) error {
	return database.WithSession(ctx, q.db, session, func(db database.Querier) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO service_records (record_id, generation, service_state, created_at)
			VALUES ($1, 0, '{}'::jsonb, now())
		`, recordID)
		if err != nil {
			return apperrors.Internal("enqueue service record", err)
		}
		return nil
	})
}

// AdmitReady moves up to slotCount `waiting` service records into `running`
// and calls driver.Initialise on each, admitted in (priority DESC,
// created_at ASC) order.
func (q *Queue) AdmitReady(ctx context.Context, slotCount int) (int, error) {
	if slotCount <= 0 {
		slotCount = 1
	}
	admitted := 0

	err := database.WithSession(ctx, q.db, nil, func(db database.Querier) error {
		rows, err := db.QueryContext(ctx, `
			SELECT sr.record_id, r.kind, r.specification_id
			FROM service_records sr
			JOIN records r ON r.id = sr.record_id
			WHERE r.status = 'waiting'
			ORDER BY r.priority DESC, r.created_at ASC, sr.record_id ASC
			LIMIT $1
			FOR UPDATE OF sr SKIP LOCKED
		`, slotCount)
		if err != nil {
			return apperrors.Internal("select admittable services", err)
		}
		type candidate struct {
			recordID int64
			kind     record.Kind
			specID   int64
		}
		var candidates []candidate
		for rows.Next() {
			var c candidate
			if err := rows.Scan(&c.recordID, &c.kind, &c.specID); err != nil {
				rows.Close()
				return apperrors.Internal("scan admittable service", err)
			}
			candidates = append(candidates, c)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return apperrors.Internal("iterate admittable services", err)
		}

		session := &recordstore.Session{Tx: asTx(db)}
		for _, c := range candidates {
			driver, ok := q.registry.Get(c.kind)
			if !ok {
				return apperrors.Internal("no driver registered for kind", errors.New(string(c.kind)))
			}
			spec, err := q.records.GetSpecification(ctx, session, c.specID)
			if err != nil {
				return err
			}
			initial, err := driver.Initialise(ctx, spec.Keywords)
			if err != nil {
				return apperrors.Internal("driver initialise", err)
			}
			stateJSON, err := json.Marshal(initial)
			if err != nil {
				return apperrors.Internal("encode initial service state", err)
			}
			if _, err := db.ExecContext(ctx, `
				UPDATE service_records SET service_state = $2 WHERE record_id = $1
			`, c.recordID, stateJSON); err != nil {
				return apperrors.Internal("persist initial service state", err)
			}
			if _, err := q.records.TransitionStatus(ctx, session, c.recordID, record.StatusRunning, statemachine.TriggerServiceAdmitted); err != nil {
				return err
			}
			admitted++
		}
		return nil
	})
	return admitted, err
}

// depResult is the SQL projection backing drivers.DependencyResult.
type depResult struct {
	childRecordID   int64
	position        int
	status          record.Status
	propertiesJSON  []byte
	finalMoleculeID *int64
}

// IterateReady runs one iteration step for every `running` service record
// whose current-generation dependencies are all terminal-for-iteration.
// Each service is iterated
// under its own exclusive row lock; different services may be iterated
// concurrently by separate callers of this method.
func (q *Queue) IterateReady(ctx context.Context) (int, error) {
	iterated := 0

	err := database.WithSession(ctx, q.db, nil, func(db database.Querier) error {
		rows, err := db.QueryContext(ctx, `
			SELECT sr.record_id
			FROM service_records sr
			JOIN records r ON r.id = sr.record_id
			WHERE r.status = 'running'
			  AND NOT EXISTS (
			      SELECT 1 FROM service_dependencies sd
			      JOIN records cr ON cr.id = sd.child_record_id
			      WHERE sd.service_record_id = sr.record_id
			        AND sd.generation = sr.generation
			        AND cr.status NOT IN ('complete', 'error', 'invalid', 'cancelled')
			  )
			ORDER BY r.priority DESC, r.created_at ASC, sr.record_id ASC
			FOR UPDATE OF sr SKIP LOCKED
		`)
		if err != nil {
			return apperrors.Internal("select iterable services", err)
		}
		var serviceIDs []int64
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return apperrors.Internal("scan iterable service", err)
			}
			serviceIDs = append(serviceIDs, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return apperrors.Internal("iterate iterable services", err)
		}

		for _, id := range serviceIDs {
			if err := q.iterateOne(ctx, db, id); err != nil {
				return err
			}
			iterated++
		}
		return nil
	})
	return iterated, err
}

func (q *Queue) iterateOne(ctx context.Context, db database.Querier, serviceRecordID int64) error {
	var kind record.Kind
	var specID int64
	var generation int
	var stateJSON []byte
	row := db.QueryRowContext(ctx, `
		SELECT r.kind, r.specification_id, sr.generation, sr.service_state
		FROM service_records sr JOIN records r ON r.id = sr.record_id
		WHERE sr.record_id = $1
	`, serviceRecordID)
	if err := row.Scan(&kind, &specID, &generation, &stateJSON); err != nil {
		return apperrors.Internal("load service state for iteration", err)
	}

	driver, ok := q.registry.Get(kind)
	if !ok {
		return apperrors.Internal("no driver registered for kind", errors.New(string(kind)))
	}

	var state map[string]any
	if err := json.Unmarshal(stateJSON, &state); err != nil {
		return apperrors.Internal("decode service state", err)
	}

	deps, err := loadDependencyResults(ctx, db, serviceRecordID, generation)
	if err != nil {
		return err
	}

	viewDeps := make([]drivers.DependencyResult, len(deps))
	for i, d := range deps {
		var props map[string]any
		if len(d.propertiesJSON) > 0 {
			_ = json.Unmarshal(d.propertiesJSON, &props)
		}
		viewDeps[i] = drivers.DependencyResult{
			ChildRecordID:   d.childRecordID,
			Position:        d.position,
			Status:          d.status,
			Properties:      props,
			FinalMoleculeID: d.finalMoleculeID,
		}
	}

	decision, err := driver.Iterate(ctx, state, viewDeps)
	if err != nil {
		decision = service.IterationDecision{Error: err}
	}

	// Engine-level default of the service aggregate rule: any error among
	// the generation's dependencies raises the parent. A driver that wants
	// a more specific failure raises its own Error, which takes precedence;
	// one that overlooks the check still gets the default.
	if decision.Error == nil {
		statuses := make([]record.Status, len(deps))
		for i, d := range deps {
			statuses[i] = d.status
		}
		if statemachine.ServiceAggregateOutcome(statuses) {
			decision = service.IterationDecision{Error: errors.New("one or more dependencies failed")}
		}
	}

	session := &recordstore.Session{Tx: asTx(db)}

	switch {
	case decision.Error != nil:
		if err := q.records.AppendOutput(ctx, session, serviceRecordID, record.StreamError, decision.Error.Error()); err != nil {
			return err
		}
		_, err := q.records.TransitionStatus(ctx, session, serviceRecordID, record.StatusError, statemachine.TriggerServiceRaised)
		return err

	case decision.Finished:
		if decision.State != nil {
			if err := persistServiceState(ctx, db, serviceRecordID, decision.State); err != nil {
				return err
			}
		}
		if _, err := q.records.TransitionStatus(ctx, session, serviceRecordID, record.StatusComplete, statemachine.TriggerServiceFinished); err != nil {
			return err
		}
		// The service row is cleared on terminal success; a null-safe pointer remains.
		if _, err := db.ExecContext(ctx, `DELETE FROM service_records WHERE record_id = $1`, serviceRecordID); err != nil {
			return apperrors.Internal("clear finished service row", err)
		}
		return nil

	default:
		return q.spawnGeneration(ctx, db, serviceRecordID, specID, generation, decision)
	}
}

func persistServiceState(ctx context.Context, db database.Querier, serviceRecordID int64, state map[string]any) error {
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return apperrors.Internal("encode service state", err)
	}
	if _, err := db.ExecContext(ctx, `
		UPDATE service_records SET service_state = $2 WHERE record_id = $1
	`, serviceRecordID, stateJSON); err != nil {
		return apperrors.Internal("persist service state", err)
	}
	return nil
}

// spawnGeneration creates the driver's requested children, advances the
// service record to a new generation, and records each child as a
// dependency of that generation. The previous
// generation's dependency rows are left in place as history; only the
// generation counter moves, so admissibility checks (scoped to the current
// generation) see only the new, not-yet-terminal set.
func (q *Queue) spawnGeneration(ctx context.Context, db database.Querier, serviceRecordID, parentSpecID int64, generation int, decision service.IterationDecision) error {
	nextGen := generation + 1
	session := &recordstore.Session{Tx: asTx(db)}

	for _, child := range decision.Spawn {
		specID := child.SpecificationID
		if specID == 0 {
			specID = parentSpecID
		}
		var moleculeID *int64
		if child.MoleculeID != 0 {
			id := child.MoleculeID
			moleculeID = &id
		}

		base := record.NewBase(record.Kind(child.Kind), specID, "", "*", 0)
		base.MoleculeID = moleculeID
		created, _, err := q.records.CreateRecord(ctx, session, base)
		if err != nil {
			return err
		}

		if _, err := db.ExecContext(ctx, `
			INSERT INTO service_dependencies (service_record_id, child_record_id, generation, position)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (service_record_id, child_record_id) DO NOTHING
		`, serviceRecordID, created.ID, nextGen, child.Position); err != nil {
			return apperrors.Internal("insert service dependency", err)
		}

		if created.Status != record.StatusWaiting {
			// Dedup matched an already-advanced record; nothing further to
			// dispatch for it this generation.
			continue
		}

		if record.Kind(child.Kind).IsAtomic() {
			spec, err := q.records.GetSpecification(ctx, session, specID)
			if err != nil {
				return err
			}
			if _, err := q.tasks.Enqueue(ctx, session, created.ID, "*", 0, []string{spec.Program}); err != nil {
				return err
			}
		} else if err := q.Enqueue(ctx, session, created.ID); err != nil {
			return err
		}
	}

	if decision.State == nil {
		decision.State = map[string]any{}
	}
	if err := persistServiceState(ctx, db, serviceRecordID, decision.State); err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, `
		UPDATE service_records SET generation = $2 WHERE record_id = $1
	`, serviceRecordID, nextGen); err != nil {
		return apperrors.Internal("advance service generation", err)
	}
	return nil
}

func loadDependencyResults(ctx context.Context, db database.Querier, serviceRecordID int64, generation int) ([]depResult, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT sd.child_record_id, sd.position, r.status, r.properties, r.final_molecule_id
		FROM service_dependencies sd
		JOIN records r ON r.id = sd.child_record_id
		WHERE sd.service_record_id = $1 AND sd.generation = $2
		ORDER BY sd.position
	`, serviceRecordID, generation)
	if err != nil {
		return nil, apperrors.Internal("load dependency results", err)
	}
	defer rows.Close()

	var out []depResult
	for rows.Next() {
		var d depResult
		if err := rows.Scan(&d.childRecordID, &d.position, &d.status, &d.propertiesJSON, &d.finalMoleculeID); err != nil {
			return nil, apperrors.Internal("scan dependency result", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Internal("iterate dependency results", err)
	}
	return out, nil
}

// CurrentGeneration reports a service record's active generation, used by
// the cascade engine when resetting a running service.
func (q *Queue) CurrentGeneration(ctx context.Context, session *recordstore.Session, serviceRecordID int64) (int, error) {
	var generation int
	err := database.WithSession(ctx, q.db, session, func(db database.Querier) error {
		row := db.QueryRowContext(ctx, `SELECT generation FROM service_records WHERE record_id = $1`, serviceRecordID)
		if err := row.Scan(&generation); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return apperrors.MissingData("service record not found")
			}
			return apperrors.Internal("load service generation", err)
		}
		return nil
	})
	return generation, err
}

// DependencyChildIDs returns the child record ids belonging to a service
// record's current generation, used by the cascade engine to find the set
// of "current dependencies" a cancel/reset must propagate to.
func (q *Queue) DependencyChildIDs(ctx context.Context, session *recordstore.Session, serviceRecordID int64) ([]int64, error) {
	var out []int64
	err := database.WithSession(ctx, q.db, session, func(db database.Querier) error {
		generation, err := currentGeneration(ctx, db, serviceRecordID)
		if err != nil {
			return err
		}
		rows, err := db.QueryContext(ctx, `
			SELECT child_record_id FROM service_dependencies
			WHERE service_record_id = $1 AND generation = $2
			ORDER BY position
		`, serviceRecordID, generation)
		if err != nil {
			return apperrors.Internal("load current dependency ids", err)
		}
		defer rows.Close()
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				return apperrors.Internal("scan dependency id", err)
			}
			out = append(out, id)
		}
		return rows.Err()
	})
	return out, err
}

func currentGeneration(ctx context.Context, db database.Querier, serviceRecordID int64) (int, error) {
	var generation int
	row := db.QueryRowContext(ctx, `SELECT generation FROM service_records WHERE record_id = $1`, serviceRecordID)
	if err := row.Scan(&generation); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, apperrors.MissingData("service record not found")
		}
		return 0, apperrors.Internal("load service generation", err)
	}
	return generation, nil
}

// Exists reports whether a service_records row is still present for a
// record id (it is cleared on successful completion).
func (q *Queue) Exists(ctx context.Context, session *recordstore.Session, recordID int64) (bool, error) {
	var exists bool
	err := database.WithSession(ctx, q.db, session, func(db database.Querier) error {
		row := db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM service_records WHERE record_id = $1)`, recordID)
		return row.Scan(&exists)
	})
	return exists, err
}

// ResetState rewinds a service record back to generation 0 with empty
// state, used by the cascade engine's Reset operation so the next
// admission cycle re-initialises the driver from scratch.
func (q *Queue) ResetState(ctx context.Context, session *recordstore.Session, serviceRecordID int64) error {
	return database.WithSession(ctx, q.db, session, func(db database.Querier) error {
		_, err := db.ExecContext(ctx, `
			UPDATE service_records SET generation = 0, service_state = '{}'::jsonb WHERE record_id = $1
		`, serviceRecordID)
		if err != nil {
			return apperrors.Internal("reset service state", err)
		}
		return nil
	})
}
