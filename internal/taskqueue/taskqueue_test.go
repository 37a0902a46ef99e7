package taskqueue

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/hjnpark/QCFractal/internal/recordstore"
	"github.com/hjnpark/QCFractal/pkg/apperrors"
	"github.com/hjnpark/QCFractal/pkg/logger"
)

func newTestQueue(t *testing.T) (*Queue, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	store := recordstore.New(db, logger.New("test", logger.Options{}))
	return New(db, store, logger.New("test", logger.Options{})), mock
}

func TestReturnRejectsStaleClaimToken(t *testing.T) {
	queue, mock := newTestQueue(t)

	mock.ExpectBegin()
	cols := []string{"id", "record_id", "tag", "priority", "required_programs", "status",
		"manager_id", "claim_token", "claimed_at", "last_heartbeat", "available_after", "created_at"}
	mock.ExpectQuery("FROM tasks WHERE record_id").WillReturnRows(
		sqlmock.NewRows(cols).AddRow(1, 42, "*", 0, []byte("{}"), "running",
			"manager-a", "token-current", time.Now(), time.Now(), time.Now(), time.Now()),
	)
	mock.ExpectRollback()

	err := queue.Return(context.Background(), "manager-a", 42, "token-stale", Result{Success: true})
	if err == nil {
		t.Fatal("expected stale-claim error")
	}
	if !apperrors.Is(err, apperrors.CodeStaleClaim) {
		t.Errorf("expected stale-claim error, got %v", err)
	}
}

func TestHeartbeatUpsertsManager(t *testing.T) {
	queue, mock := newTestQueue(t)

	mock.ExpectExec("INSERT INTO managers").
		WithArgs("manager-a").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := queue.Heartbeat(context.Background(), "manager-a"); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
