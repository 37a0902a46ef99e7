// Package taskqueue implements the task queue: holds ready atomic tasks
// and runs the claim/return cycle with compute managers over row-locking
// skip-locked selection.
package taskqueue

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/hjnpark/QCFractal/internal/domain/record"
	"github.com/hjnpark/QCFractal/internal/domain/task"
	"github.com/hjnpark/QCFractal/internal/platform/database"
	"github.com/hjnpark/QCFractal/internal/recordstore"
	"github.com/hjnpark/QCFractal/internal/statemachine"
	"github.com/hjnpark/QCFractal/pkg/apperrors"
	"github.com/hjnpark/QCFractal/pkg/logger"
	"github.com/lib/pq"
)

// Queue is the Postgres-backed task queue.
type Queue struct {
	db      *sql.DB
	records *recordstore.Store
	log     *logger.Logger
}

// New constructs a Queue over an open connection pool.
func New(db *sql.DB, records *recordstore.Store, log *logger.Logger) *Queue {
	return &Queue{db: db, records: records, log: log.With("taskqueue")}
}

// Enqueue opens a waiting task for a freshly created atomic record. Called
// from inside the same session that created the record, so the two rows
// become visible atomically.
func (q *Queue) Enqueue(ctx context.Context, session *recordstore.Session, recordID int64, tag string, priority int, requiredPrograms []string) (task.Task, error) {
	t := task.New(recordID, tag, priority, requiredPrograms)
	var out task.Task
	err := database.WithSession(ctx, q.db, session, func(db database.Querier) error {
		row := db.QueryRowContext(ctx, `
			INSERT INTO tasks (record_id, tag, priority, required_programs, status, available_after, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
			RETURNING id, record_id, tag, priority, required_programs, status, manager_id, claim_token,
			          claimed_at, last_heartbeat, available_after, created_at
		`, t.RecordID, t.Tag, t.Priority, pq.Array(t.RequiredPrograms), t.Status, t.AvailableAfter, t.CreatedAt)
		found, err := scanTask(row)
		if err != nil {
			return apperrors.Internal("enqueue task", err)
		}
		out = found
		return nil
	})
	return out, err
}

func scanTask(row *sql.Row) (task.Task, error) {
	var out task.Task
	var programs []string
	if err := row.Scan(&out.ID, &out.RecordID, &out.Tag, &out.Priority, pq.Array(&programs), &out.Status,
		&out.ManagerID, &out.ClaimToken, &out.ClaimedAt, &out.LastHeartbeat, &out.AvailableAfter, &out.CreatedAt); err != nil {
		return task.Task{}, err
	}
	out.RequiredPrograms = programs
	return out, nil
}

// Claim matches up to limit waiting tasks against a manager's offered
// programs and tag patterns, ordered (priority DESC, created_at ASC), and
// atomically flips them to running. Selection uses
// FOR UPDATE SKIP LOCKED so concurrent managers never block each other.
func (q *Queue) Claim(ctx context.Context, managerID string, programs []string, tagPatterns []string, limit int) ([]task.Task, error) {
	if limit <= 0 {
		limit = 1
	}
	var claimed []task.Task

	err := database.WithSession(ctx, q.db, nil, func(db database.Querier) error {
		rows, err := db.QueryContext(ctx, `
			SELECT id, record_id, tag, priority, required_programs, status, manager_id, claim_token,
			       claimed_at, last_heartbeat, available_after, created_at
			FROM tasks
			WHERE status = 'waiting'
			  AND available_after <= now()
			  AND required_programs <@ $1::text[]
			  AND (tag = ANY($2::text[]) OR '*' = ANY($2::text[]))
			ORDER BY priority DESC, created_at ASC, id ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		`, pq.Array(programs), pq.Array(tagPatterns), limit)
		if err != nil {
			return apperrors.Internal("select claimable tasks", err)
		}

		var candidates []task.Task
		for rows.Next() {
			t, err := scanTaskRows(rows)
			if err != nil {
				rows.Close()
				return apperrors.Internal("scan claimable task", err)
			}
			candidates = append(candidates, t)
		}
		closeErr := rows.Close()
		if err := rows.Err(); err != nil {
			return apperrors.Internal("iterate claimable tasks", err)
		}
		if closeErr != nil {
			return apperrors.Internal("close claimable rows", closeErr)
		}

		for _, t := range candidates {
			token := uuid.NewString()
			if _, err := db.ExecContext(ctx, `
				UPDATE tasks SET status = 'running', manager_id = $2, claim_token = $3,
				       claimed_at = now(), last_heartbeat = now()
				WHERE id = $1
			`, t.ID, managerID, token); err != nil {
				return apperrors.Internal("claim task", err)
			}
			t.Status = task.StatusRunning
			t.ManagerID = managerID
			t.ClaimToken = token

			if _, err := q.records.TransitionStatus(ctx, &recordstore.Session{Tx: asTx(db)}, t.RecordID, record.StatusRunning, statemachine.TriggerTaskClaimed); err != nil {
				return err
			}
			if _, err := q.records.OpenAttempt(ctx, &recordstore.Session{Tx: asTx(db)}, t.RecordID, managerID, nil); err != nil {
				return err
			}
			claimed = append(claimed, t)
		}
		return nil
	})
	return claimed, err
}

func scanTaskRows(rows *sql.Rows) (task.Task, error) {
	var out task.Task
	var programs []string
	if err := rows.Scan(&out.ID, &out.RecordID, &out.Tag, &out.Priority, pq.Array(&programs), &out.Status,
		&out.ManagerID, &out.ClaimToken, &out.ClaimedAt, &out.LastHeartbeat, &out.AvailableAfter, &out.CreatedAt); err != nil {
		return task.Task{}, err
	}
	out.RequiredPrograms = programs
	return out, nil
}

// asTx is only valid when db is a *sql.Tx, which WithSession guarantees for
// every call site in this file (the outer WithSession always opens one).
func asTx(db database.Querier) *sql.Tx {
	tx, _ := db.(*sql.Tx)
	return tx
}

// Result is the outcome a manager reports back for a claimed task.
type Result struct {
	Success         bool
	Properties      map[string]any
	FinalMoleculeID *int64
	ErrorType       string
	ErrorMessage    string
	Stdout          string
	Stderr          string
}

// Return verifies the manager and claim token, then ingests the result
// through the record store and destroys the task row on terminal outcomes.
// A mismatched token is rejected
// as stale-claim and discarded without mutating state.
func (q *Queue) Return(ctx context.Context, managerID string, recordID int64, claimToken string, result Result) error {
	return database.WithSession(ctx, q.db, nil, func(db database.Querier) error {
		var t task.Task
		row := db.QueryRowContext(ctx, `
			SELECT id, record_id, tag, priority, required_programs, status, manager_id, claim_token,
			       claimed_at, last_heartbeat, available_after, created_at
			FROM tasks WHERE record_id = $1 FOR UPDATE
		`, recordID)
		found, err := scanTask(row)
		if errors.Is(err, sql.ErrNoRows) {
			// The task was already destroyed by a terminal transition
			// (cancel, delete, ...) that raced this return; the claim the
			// manager is reporting against is definitionally stale.
			return apperrors.StaleClaim("task no longer exists for record")
		}
		if err != nil {
			return apperrors.Internal("scan task for return", err)
		}
		t = found

		if t.ManagerID != managerID || t.ClaimToken != claimToken || t.Status != task.StatusRunning {
			return apperrors.StaleClaim("claim token no longer current")
		}

		session := &recordstore.Session{Tx: asTx(db)}

		var attemptID int64
		if err := db.QueryRowContext(ctx, `
			SELECT id FROM record_attempts WHERE record_id = $1 AND completed_at IS NULL
			ORDER BY id DESC LIMIT 1
		`, recordID).Scan(&attemptID); err != nil && !errors.Is(err, sql.ErrNoRows) {
			return apperrors.Internal("find open attempt", err)
		}

		if result.Stdout != "" {
			if err := q.records.AppendOutput(ctx, session, recordID, record.StreamStdout, result.Stdout); err != nil {
				return err
			}
		}
		if result.Stderr != "" {
			if err := q.records.AppendOutput(ctx, session, recordID, record.StreamStderr, result.Stderr); err != nil {
				return err
			}
		}

		if result.Success {
			if attemptID != 0 {
				if err := q.records.CloseAttempt(ctx, session, attemptID, "", ""); err != nil {
					return err
				}
			}
			if err := q.records.SetResult(ctx, session, recordID, result.Properties, result.FinalMoleculeID); err != nil {
				return err
			}
			if _, err := q.records.TransitionStatus(ctx, session, recordID, record.StatusComplete, statemachine.TriggerResultSuccess); err != nil {
				return err
			}
			if _, err := db.ExecContext(ctx, `DELETE FROM tasks WHERE id = $1`, t.ID); err != nil {
				return apperrors.Internal("delete completed task", err)
			}
			return nil
		}

		if attemptID != 0 {
			if err := q.records.CloseAttempt(ctx, session, attemptID, result.ErrorType, result.ErrorMessage); err != nil {
				return err
			}
		}
		exhausted, err := q.records.IncrementRetry(ctx, session, recordID)
		if err != nil {
			return err
		}
		if exhausted {
			if _, err := q.records.TransitionStatus(ctx, session, recordID, record.StatusError, statemachine.TriggerResultFailure); err != nil {
				return err
			}
			if _, err := db.ExecContext(ctx, `DELETE FROM tasks WHERE id = $1`, t.ID); err != nil {
				return apperrors.Internal("delete errored task", err)
			}
			return nil
		}

		if _, err := q.records.TransitionStatus(ctx, session, recordID, record.StatusWaiting, statemachine.TriggerManagerLost); err != nil {
			return err
		}
		if _, err := db.ExecContext(ctx, `
			UPDATE tasks SET status = 'waiting', manager_id = '', claim_token = '', claimed_at = NULL
			WHERE id = $1
		`, t.ID); err != nil {
			return apperrors.Internal("requeue task after retryable failure", err)
		}
		return nil
	})
}

// Heartbeat records that a manager is still alive.
func (q *Queue) Heartbeat(ctx context.Context, managerID string) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO managers (id, last_seen, active) VALUES ($1, now(), true)
		ON CONFLICT (id) DO UPDATE SET last_seen = now(), active = true
	`, managerID)
	if err != nil {
		return apperrors.Internal("record heartbeat", err)
	}
	return nil
}

// ReapLostManagers re-queues every running task owned by a manager whose
// last heartbeat exceeds maxMissed*interval, closing its open attempt with a
// synthetic "manager lost" error and incrementing the record's retry count.
// A running task bound to no registered manager at all (a claim orphaned by
// undelete, or a manager that never heartbeated) is reaped on the same
// schedule, dated from the task's own heartbeat or claim time.
func (q *Queue) ReapLostManagers(ctx context.Context, interval time.Duration, maxMissed int) (int, error) {
	deadline := time.Now().UTC().Add(-interval * time.Duration(maxMissed))
	reaped := 0

	err := database.WithSession(ctx, q.db, nil, func(db database.Querier) error {
		rows, err := db.QueryContext(ctx, `
			SELECT t.id, t.record_id, t.manager_id
			FROM tasks t
			LEFT JOIN managers m ON m.id = t.manager_id
			WHERE t.status = 'running'
			  AND COALESCE(m.last_seen, t.last_heartbeat, t.claimed_at) < $1
			FOR UPDATE OF t SKIP LOCKED
		`, deadline)
		if err != nil {
			return apperrors.Internal("select lost tasks", err)
		}
		type lost struct {
			taskID, recordID int64
			managerID        string
		}
		var victims []lost
		for rows.Next() {
			var v lost
			if err := rows.Scan(&v.taskID, &v.recordID, &v.managerID); err != nil {
				rows.Close()
				return apperrors.Internal("scan lost task", err)
			}
			victims = append(victims, v)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return apperrors.Internal("iterate lost tasks", err)
		}

		session := &recordstore.Session{Tx: asTx(db)}
		for _, v := range victims {
			var attemptID int64
			if err := db.QueryRowContext(ctx, `
				SELECT id FROM record_attempts WHERE record_id = $1 AND completed_at IS NULL
				ORDER BY id DESC LIMIT 1
			`, v.recordID).Scan(&attemptID); err != nil && !errors.Is(err, sql.ErrNoRows) {
				return apperrors.Internal("find open attempt for lost task", err)
			}
			if attemptID != 0 {
				if err := q.records.CloseAttempt(ctx, session, attemptID, "manager-lost", "manager heartbeat exceeded deadline"); err != nil {
					return err
				}
			}
			exhausted, err := q.records.IncrementRetry(ctx, session, v.recordID)
			if err != nil {
				return err
			}
			if exhausted {
				if _, err := q.records.TransitionStatus(ctx, session, v.recordID, record.StatusError, statemachine.TriggerManagerLost); err != nil {
					return err
				}
				if _, err := db.ExecContext(ctx, `DELETE FROM tasks WHERE id = $1`, v.taskID); err != nil {
					return apperrors.Internal("delete exhausted lost task", err)
				}
				reaped++
				continue
			}
			if _, err := q.records.TransitionStatus(ctx, session, v.recordID, record.StatusWaiting, statemachine.TriggerManagerLost); err != nil {
				return err
			}
			if _, err := db.ExecContext(ctx, `
				UPDATE tasks SET status = 'waiting', manager_id = '', claim_token = '', claimed_at = NULL
				WHERE id = $1
			`, v.taskID); err != nil {
				return apperrors.Internal("requeue lost task", err)
			}
			reaped++
		}
		return nil
	})
	return reaped, err
}
