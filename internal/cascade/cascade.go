// Package cascade implements the cascade engine: transactional
// propagation of cancel/uncancel/reset/invalidate/delete across a record's
// parent/child subgraph.
package cascade

import (
	"context"
	"database/sql"

	"github.com/lib/pq"

	"github.com/hjnpark/QCFractal/internal/domain/record"
	"github.com/hjnpark/QCFractal/internal/platform/database"
	"github.com/hjnpark/QCFractal/internal/recordstore"
	"github.com/hjnpark/QCFractal/internal/servicequeue"
	"github.com/hjnpark/QCFractal/internal/statemachine"
	"github.com/hjnpark/QCFractal/internal/taskqueue"
	"github.com/hjnpark/QCFractal/pkg/apperrors"
	"github.com/hjnpark/QCFractal/pkg/logger"
)

// Engine is the Postgres-backed cascade engine.
type Engine struct {
	db       *sql.DB
	records  *recordstore.Store
	tasks    *taskqueue.Queue
	services *servicequeue.Queue
	log      *logger.Logger
}

// New constructs an Engine over an open connection pool.
func New(db *sql.DB, records *recordstore.Store, tasks *taskqueue.Queue, services *servicequeue.Queue, log *logger.Logger) *Engine {
	return &Engine{db: db, records: records, tasks: tasks, services: services, log: log.With("cascade")}
}

// collectSubgraph gathers ids, plus (if withChildren) every descendant
// reachable through service_dependencies, deduplicated (a record may be
// multi-parented by dedup). Returns ids in BFS discovery order; roots
// come first.
func (e *Engine) collectSubgraph(ctx context.Context, session *recordstore.Session, ids []int64, withChildren bool) ([]int64, error) {
	seen := make(map[int64]bool, len(ids))
	var order []int64
	queue := append([]int64(nil), ids...)
	for _, id := range queue {
		seen[id] = true
	}
	for i := 0; i < len(queue); i++ {
		id := queue[i]
		order = append(order, id)
		if !withChildren {
			continue
		}
		children, err := e.records.Children(ctx, session, id)
		if err != nil {
			return nil, err
		}
		for _, child := range children {
			if !seen[child.ID] {
				seen[child.ID] = true
				queue = append(queue, child.ID)
			}
		}
	}
	return order, nil
}

// attempt runs a status transition, treating an invalid-transition result as
// "not applicable to this record" rather than a hard failure, so a bulk
// with-children operation only touches the subset of the subgraph the
// transition legally applies to ("any non-terminal", "non-complete
// children", ...).
func attempt(ctx context.Context, records *recordstore.Store, session *recordstore.Session, id int64, to record.Status, trigger statemachine.Trigger) (record.Record, bool, error) {
	out, err := records.TransitionStatus(ctx, session, id, to, trigger)
	if apperrors.Is(err, apperrors.CodeInvalidTransition) {
		return record.Record{}, false, nil
	}
	if err != nil {
		return record.Record{}, false, err
	}
	return out, true, nil
}

func (e *Engine) destroyTask(ctx context.Context, db database.Querier, recordID int64) error {
	if _, err := db.ExecContext(ctx, `DELETE FROM tasks WHERE record_id = $1`, recordID); err != nil {
		return apperrors.Internal("destroy task on terminal transition", err)
	}
	return nil
}

// recreateTask re-opens a waiting task for an atomic record from its own
// tag/priority and its specification's program, the same derivation the
// service queue uses when spawning children (a task exists from the
// moment its record first enters waiting).
func (e *Engine) recreateTask(ctx context.Context, session *recordstore.Session, rec record.Record) error {
	spec, err := e.records.GetSpecification(ctx, session, rec.SpecificationID)
	if err != nil {
		return err
	}
	_, err = e.tasks.Enqueue(ctx, session, rec.ID, rec.Tag, rec.Priority, []string{spec.Program})
	return err
}

// Cancel transitions every non-terminal record in the (optionally expanded)
// subgraph to cancelled, destroying the task row of any atomic record it
// touches so an in-flight worker's eventual return is rejected as a stale
// claim rather than silently accepted (asynchronous
// cancellation propagation).
func (e *Engine) Cancel(ctx context.Context, ids []int64, withChildren bool) error {
	return database.WithSession(ctx, e.db, nil, func(db database.Querier) error {
		session := &recordstore.Session{Tx: db.(*sql.Tx)}
		subgraph, err := e.collectSubgraph(ctx, session, ids, withChildren)
		if err != nil {
			return err
		}
		for _, id := range subgraph {
			rec, ok, err := attempt(ctx, e.records, session, id, record.StatusCancelled, statemachine.TriggerCancel)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			if rec.Kind.IsAtomic() {
				if err := e.destroyTask(ctx, db, id); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// Uncancel restores cancelled records in the subgraph to waiting, the sole
// legal inverse of cancel, re-opening a task
// for any atomic record it touches and resetting the service_state of any
// service record so its next admission cycle starts clean.
func (e *Engine) Uncancel(ctx context.Context, ids []int64, withChildren bool) error {
	return database.WithSession(ctx, e.db, nil, func(db database.Querier) error {
		session := &recordstore.Session{Tx: db.(*sql.Tx)}
		subgraph, err := e.collectSubgraph(ctx, session, ids, withChildren)
		if err != nil {
			return err
		}
		for _, id := range subgraph {
			rec, ok, err := attempt(ctx, e.records, session, id, record.StatusWaiting, statemachine.TriggerUncancel)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			if rec.Kind.IsAtomic() {
				if err := e.recreateTask(ctx, session, rec); err != nil {
					return err
				}
			} else if err := e.services.ResetState(ctx, session, id); err != nil {
				return err
			}
		}
		return nil
	})
}

// Reset moves error/running records in the subgraph back to waiting. When
// clearAttempts is set the retry counter is zeroed; otherwise it is
// preserved.
func (e *Engine) Reset(ctx context.Context, ids []int64, withChildren, clearAttempts bool) error {
	return database.WithSession(ctx, e.db, nil, func(db database.Querier) error {
		session := &recordstore.Session{Tx: db.(*sql.Tx)}
		subgraph, err := e.collectSubgraph(ctx, session, ids, withChildren)
		if err != nil {
			return err
		}
		for _, id := range subgraph {
			rec, ok, err := attempt(ctx, e.records, session, id, record.StatusWaiting, statemachine.TriggerReset)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			if clearAttempts {
				if err := e.records.ResetRetryCount(ctx, session, id); err != nil {
					return err
				}
			}
			if rec.Kind.IsAtomic() {
				if err := e.destroyTask(ctx, db, id); err != nil {
					return err
				}
				if err := e.recreateTask(ctx, session, rec); err != nil {
					return err
				}
			} else if err := e.services.ResetState(ctx, session, id); err != nil {
				return err
			}
		}
		return nil
	})
}

// Invalidate moves complete records in the subgraph to invalid. With
// children, the same rule applies recursively: only complete descendants
// are touched.
func (e *Engine) Invalidate(ctx context.Context, ids []int64, withChildren bool) error {
	return database.WithSession(ctx, e.db, nil, func(db database.Querier) error {
		session := &recordstore.Session{Tx: db.(*sql.Tx)}
		subgraph, err := e.collectSubgraph(ctx, session, ids, withChildren)
		if err != nil {
			return err
		}
		for _, id := range subgraph {
			if _, _, err := attempt(ctx, e.records, session, id, record.StatusInvalid, statemachine.TriggerInvalidate); err != nil {
				return err
			}
		}
		return nil
	})
}

// Uninvalidate restores an invalid record to complete, but only when every
// one of its children is currently valid ("only permitted when all
// children are valid"). It does not recurse: callers uninvalidate children
// before parents if a whole subtree needs restoring.
func (e *Engine) Uninvalidate(ctx context.Context, ids []int64) error {
	return database.WithSession(ctx, e.db, nil, func(db database.Querier) error {
		session := &recordstore.Session{Tx: db.(*sql.Tx)}
		for _, id := range ids {
			children, err := e.records.Children(ctx, session, id)
			if err != nil {
				return err
			}
			for _, child := range children {
				if child.Status == record.StatusInvalid {
					return apperrors.InvalidTransition("cannot uninvalidate: a child is still invalid")
				}
			}
			if _, _, err := attempt(ctx, e.records, session, id, record.StatusComplete, statemachine.TriggerUninvalidate); err != nil {
				return err
			}
		}
		return nil
	})
}

// SoftDelete moves every record in the subgraph to deleted, snapshotting
// its prior status for a later Undelete. Atomic records touched this way
// have their task row destroyed, matching the "destroyed on terminal
// transition" rule.
func (e *Engine) SoftDelete(ctx context.Context, ids []int64, withChildren bool) error {
	return database.WithSession(ctx, e.db, nil, func(db database.Querier) error {
		session := &recordstore.Session{Tx: db.(*sql.Tx)}
		subgraph, err := e.collectSubgraph(ctx, session, ids, withChildren)
		if err != nil {
			return err
		}
		for _, id := range subgraph {
			rec, ok, err := attempt(ctx, e.records, session, id, record.StatusDeleted, statemachine.TriggerSoftDelete)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			if rec.Kind.IsAtomic() {
				if err := e.destroyTask(ctx, db, id); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// Undelete restores a soft-deleted record to exactly its pre-delete
// snapshot status. For a `waiting` snapshot the atomic record gets a fresh
// waiting task (or its service state reset). For a `running` snapshot the
// record is restored to `running` and its task row re-opened in the
// running claim state with no manager bound — the original claim died with
// the delete — and the heartbeat reaper reconciles it through the ordinary
// manager-lost path on its next pass.
func (e *Engine) Undelete(ctx context.Context, ids []int64) error {
	return database.WithSession(ctx, e.db, nil, func(db database.Querier) error {
		session := &recordstore.Session{Tx: db.(*sql.Tx)}
		for _, id := range ids {
			rec, err := e.records.GetRecord(ctx, session, id)
			if err != nil {
				return err
			}
			if rec.Status != record.StatusDeleted || rec.PreDeleteStatus == nil {
				continue
			}
			target := *rec.PreDeleteStatus

			restored, err := e.records.TransitionStatus(ctx, session, id, target, statemachine.TriggerUndelete)
			if err != nil {
				return err
			}

			switch target {
			case record.StatusWaiting:
				if restored.Kind.IsAtomic() {
					if err := e.recreateTask(ctx, session, restored); err != nil {
						return err
					}
				} else if err := e.services.ResetState(ctx, session, id); err != nil {
					return err
				}
			case record.StatusRunning:
				if restored.Kind.IsAtomic() {
					if err := e.recreateOrphanedClaim(ctx, session, restored); err != nil {
						return err
					}
				}
			}
		}
		return nil
	})
}

// recreateOrphanedClaim re-opens a task row for an undeleted record whose
// snapshot was `running`. The row carries the running claim state but no
// manager and no heartbeat, so the reaper's next pass treats it as a lost
// claim and requeues it.
func (e *Engine) recreateOrphanedClaim(ctx context.Context, session *recordstore.Session, rec record.Record) error {
	spec, err := e.records.GetSpecification(ctx, session, rec.SpecificationID)
	if err != nil {
		return err
	}
	_, err = session.Tx.ExecContext(ctx, `
		INSERT INTO tasks (record_id, tag, priority, required_programs, status, claimed_at, created_at)
		VALUES ($1, $2, $3, $4, 'running', now(), now())
	`, rec.ID, rec.Tag, rec.Priority, pq.Array([]string{spec.Program}))
	if err != nil {
		return apperrors.Internal("recreate orphaned claim on undelete", err)
	}
	return nil
}

// HardDelete removes every record in ids (and, if withChildren, every
// descendant left unreferenced by a surviving parent) along with its
// task/service rows, which the schema cascades on delete. Orphan detection
// runs as a fixed-point pass after the roots are gone, since deleting a
// shared parent can itself orphan a grandchild (reference-counted
// orphan detection).
func (e *Engine) HardDelete(ctx context.Context, ids []int64, withChildren bool) error {
	return database.WithSession(ctx, e.db, nil, func(db database.Querier) error {
		session := &recordstore.Session{Tx: db.(*sql.Tx)}

		var descendants []int64
		if withChildren {
			subgraph, err := e.collectSubgraph(ctx, session, ids, true)
			if err != nil {
				return err
			}
			rootSet := make(map[int64]bool, len(ids))
			for _, id := range ids {
				rootSet[id] = true
			}
			for _, id := range subgraph {
				if !rootSet[id] {
					descendants = append(descendants, id)
				}
			}
		}

		for _, id := range ids {
			if err := e.records.HardDelete(ctx, session, id); err != nil {
				return err
			}
		}

		deleted := make(map[int64]bool, len(descendants))
		for changed := true; changed; {
			changed = false
			for _, id := range descendants {
				if deleted[id] {
					continue
				}
				count, err := e.records.ReferenceCount(ctx, session, id)
				if err != nil {
					return err
				}
				if count == 0 {
					if err := e.records.HardDelete(ctx, session, id); err != nil {
						return err
					}
					deleted[id] = true
					changed = true
				}
			}
		}
		return nil
	})
}
