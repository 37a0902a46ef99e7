package recordstore

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/hjnpark/QCFractal/internal/domain/record"
	"github.com/hjnpark/QCFractal/internal/statemachine"
	"github.com/hjnpark/QCFractal/pkg/apperrors"
	"github.com/hjnpark/QCFractal/pkg/logger"
)

func newTestStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db, logger.New("test", logger.Options{})), mock
}

func TestCreateRecordInsertsWhenNoDuplicate(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("FROM records WHERE kind").
		WillReturnError(sql.ErrNoRows)
	cols := []string{"id", "kind", "status", "specification_id", "molecule_id", "owner_tag", "tag",
		"priority", "provenance", "comment", "properties", "final_molecule_id", "retry_count",
		"retry_budget", "pre_delete_status", "created_at", "modified_at"}
	mock.ExpectQuery("INSERT INTO records").WillReturnRows(
		sqlmock.NewRows(cols).AddRow(1, "singlepoint", "waiting", 10, nil, "", "*", 0,
			[]byte(`{}`), "", nil, nil, 0, 3, nil, time.Now(), time.Now()),
	)
	mock.ExpectCommit()

	in := record.NewBase(record.KindSinglepoint, 10, "", "*", 0)
	out, created, err := store.CreateRecord(context.Background(), nil, in)
	if err != nil {
		t.Fatalf("CreateRecord: %v", err)
	}
	if !created {
		t.Error("expected created=true")
	}
	if out.ID != 1 {
		t.Errorf("expected id 1, got %d", out.ID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestTransitionStatusRejectsIllegalMove(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectBegin()
	cols := []string{"id", "kind", "status", "specification_id", "molecule_id", "owner_tag", "tag",
		"priority", "provenance", "comment", "properties", "final_molecule_id", "retry_count",
		"retry_budget", "pre_delete_status", "created_at", "modified_at"}
	mock.ExpectQuery("FROM records WHERE id").WillReturnRows(
		sqlmock.NewRows(cols).AddRow(1, "singlepoint", "complete", 10, nil, "", "*", 0,
			[]byte(`{}`), "", nil, nil, 0, 3, nil, time.Now(), time.Now()),
	)
	mock.ExpectRollback()

	_, err := store.TransitionStatus(context.Background(), nil, 1, record.StatusWaiting, statemachine.TriggerReset)
	if err == nil {
		t.Fatal("expected error for illegal transition")
	}
	if !apperrors.Is(err, apperrors.CodeInvalidTransition) {
		t.Errorf("expected invalid-transition error, got %v", err)
	}
}
