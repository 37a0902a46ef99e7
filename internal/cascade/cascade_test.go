package cascade

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/hjnpark/QCFractal/internal/drivers"
	"github.com/hjnpark/QCFractal/internal/recordstore"
	"github.com/hjnpark/QCFractal/internal/servicequeue"
	"github.com/hjnpark/QCFractal/internal/taskqueue"
	"github.com/hjnpark/QCFractal/pkg/apperrors"
	"github.com/hjnpark/QCFractal/pkg/logger"
)

var recordCols = []string{
	"id", "kind", "status", "specification_id", "molecule_id", "owner_tag", "tag", "priority",
	"provenance", "comment", "properties", "final_molecule_id", "retry_count", "retry_budget",
	"pre_delete_status", "created_at", "modified_at",
}

func newTestEngine(t *testing.T) (*Engine, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	log := logger.New("test", logger.Options{})
	records := recordstore.New(db, log)
	tasks := taskqueue.New(db, records, log)
	services := servicequeue.New(db, records, tasks, drivers.DefaultRegistry(), log)
	return New(db, records, tasks, services, log), mock
}

func TestCancelAtomicWaitingRecordDestroysTask(t *testing.T) {
	engine, mock := newTestEngine(t)

	mock.ExpectBegin()
	// collectSubgraph: no children requested, so only Children() is skipped.
	mock.ExpectQuery("FROM records WHERE id = \\$1 FOR UPDATE").
		WillReturnRows(sqlmock.NewRows(recordCols).
			AddRow(1, "singlepoint", "waiting", 3, nil, "", "*", 0, []byte("{}"), "", nil, nil, 0, 3, nil, time.Now(), time.Now()))
	mock.ExpectExec("UPDATE records SET status").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM tasks WHERE record_id").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := engine.Cancel(context.Background(), []int64{1}, false); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestCancelSkipsAlreadyTerminalRecord(t *testing.T) {
	engine, mock := newTestEngine(t)

	mock.ExpectBegin()
	mock.ExpectQuery("FROM records WHERE id = \\$1 FOR UPDATE").
		WillReturnRows(sqlmock.NewRows(recordCols).
			AddRow(1, "singlepoint", "complete", 3, nil, "", "*", 0, []byte("{}"), "", nil, nil, 0, 3, nil, time.Now(), time.Now()))
	mock.ExpectCommit()

	if err := engine.Cancel(context.Background(), []int64{1}, false); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestUndeleteRestoresRunningSnapshot(t *testing.T) {
	engine, mock := newTestEngine(t)

	specCols := []string{"id", "program", "method", "basis", "keywords", "protocols", "hash"}

	mock.ExpectBegin()
	// GetRecord: deleted with a running snapshot.
	mock.ExpectQuery("FROM records WHERE id = \\$1").
		WillReturnRows(sqlmock.NewRows(recordCols).
			AddRow(1, "singlepoint", "deleted", 3, nil, "", "*", 0, []byte("{}"), "", nil, nil, 0, 3, "running", time.Now(), time.Now()))
	// TransitionStatus re-reads under lock, then restores the exact snapshot.
	mock.ExpectQuery("FROM records WHERE id = \\$1 FOR UPDATE").
		WillReturnRows(sqlmock.NewRows(recordCols).
			AddRow(1, "singlepoint", "deleted", 3, nil, "", "*", 0, []byte("{}"), "", nil, nil, 0, 3, "running", time.Now(), time.Now()))
	mock.ExpectExec("UPDATE records SET status = \\$2, pre_delete_status = NULL").
		WithArgs(int64(1), "running").
		WillReturnResult(sqlmock.NewResult(0, 1))
	// The orphaned claim is re-opened in the running state; the reaper
	// reconciles it later.
	mock.ExpectQuery("FROM specifications WHERE id = \\$1").
		WillReturnRows(sqlmock.NewRows(specCols).
			AddRow(3, "prog1", "b3lyp", nil, []byte("{}"), []byte("{}"), "h"))
	mock.ExpectExec("INSERT INTO tasks .*'running'").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	if err := engine.Undelete(context.Background(), []int64{1}); err != nil {
		t.Fatalf("Undelete: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestUndeleteRestoresWaitingSnapshotWithFreshTask(t *testing.T) {
	engine, mock := newTestEngine(t)

	specCols := []string{"id", "program", "method", "basis", "keywords", "protocols", "hash"}
	taskCols := []string{
		"id", "record_id", "tag", "priority", "required_programs", "status", "manager_id",
		"claim_token", "claimed_at", "last_heartbeat", "available_after", "created_at",
	}

	mock.ExpectBegin()
	mock.ExpectQuery("FROM records WHERE id = \\$1").
		WillReturnRows(sqlmock.NewRows(recordCols).
			AddRow(1, "singlepoint", "deleted", 3, nil, "", "*", 0, []byte("{}"), "", nil, nil, 0, 3, "waiting", time.Now(), time.Now()))
	mock.ExpectQuery("FROM records WHERE id = \\$1 FOR UPDATE").
		WillReturnRows(sqlmock.NewRows(recordCols).
			AddRow(1, "singlepoint", "deleted", 3, nil, "", "*", 0, []byte("{}"), "", nil, nil, 0, 3, "waiting", time.Now(), time.Now()))
	mock.ExpectExec("UPDATE records SET status = \\$2, pre_delete_status = NULL").
		WithArgs(int64(1), "waiting").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("FROM specifications WHERE id = \\$1").
		WillReturnRows(sqlmock.NewRows(specCols).
			AddRow(3, "prog1", "b3lyp", nil, []byte("{}"), []byte("{}"), "h"))
	mock.ExpectQuery("INSERT INTO tasks").
		WillReturnRows(sqlmock.NewRows(taskCols).
			AddRow(7, 1, "*", 0, "{prog1}", "waiting", "", "", nil, nil, time.Now(), time.Now()))
	mock.ExpectCommit()

	if err := engine.Undelete(context.Background(), []int64{1}); err != nil {
		t.Fatalf("Undelete: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestUninvalidateRejectsWhenChildStillInvalid(t *testing.T) {
	engine, mock := newTestEngine(t)

	mock.ExpectBegin()
	mock.ExpectQuery("FROM records r\\s+JOIN service_dependencies").
		WillReturnRows(sqlmock.NewRows(recordCols).
			AddRow(2, "singlepoint", "invalid", 3, nil, "", "*", 0, []byte("{}"), "", nil, nil, 0, 3, nil, time.Now(), time.Now()))
	mock.ExpectRollback()

	err := engine.Uninvalidate(context.Background(), []int64{1})
	if !apperrors.Is(err, apperrors.CodeInvalidTransition) {
		t.Fatalf("expected invalid-transition, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
