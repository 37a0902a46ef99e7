package servicequeue

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/hjnpark/QCFractal/internal/domain/record"
	"github.com/hjnpark/QCFractal/internal/domain/service"
	"github.com/hjnpark/QCFractal/internal/drivers"
	"github.com/hjnpark/QCFractal/internal/recordstore"
	"github.com/hjnpark/QCFractal/internal/taskqueue"
	"github.com/hjnpark/QCFractal/pkg/logger"
)

// stubDriver always reports finished, regardless of input, so iteration
// tests can assert on the Finished branch without modelling a real
// workflow's state machine.
type stubDriver struct {
	decision service.IterationDecision
}

func (d stubDriver) Initialise(ctx context.Context, keywords map[string]any) (map[string]any, error) {
	return map[string]any{}, nil
}

func (d stubDriver) Iterate(ctx context.Context, state map[string]any, deps []drivers.DependencyResult) (service.IterationDecision, error) {
	return d.decision, nil
}

func newTestQueue(t *testing.T, registry *drivers.Registry) (*Queue, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	log := logger.New("test", logger.Options{})
	records := recordstore.New(db, log)
	tasks := taskqueue.New(db, records, log)
	return New(db, records, tasks, registry, log), mock
}

func TestAdmitReadyInitialisesAndTransitionsToRunning(t *testing.T) {
	registry := drivers.NewRegistry()
	registry.Register(record.KindManyBody, drivers.NewManyBodyDriver())
	queue, mock := newTestQueue(t, registry)

	mock.ExpectBegin()
	mock.ExpectQuery("FROM service_records sr").
		WillReturnRows(sqlmock.NewRows([]string{"record_id", "kind", "specification_id"}).
			AddRow(7, "manybody", 3))
	mock.ExpectQuery("FROM specifications WHERE id").
		WillReturnRows(sqlmock.NewRows([]string{"id", "program", "method", "basis", "keywords", "protocols", "hash"}).
			AddRow(3, "prog1", "mp2", nil, []byte(`{"subsets":2}`), []byte(`{}`), "hash1"))
	mock.ExpectExec("UPDATE service_records SET service_state").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("FROM records WHERE id = \\$1 FOR UPDATE").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "kind", "status", "specification_id", "molecule_id", "owner_tag", "tag", "priority",
			"provenance", "comment", "properties", "final_molecule_id", "retry_count", "retry_budget",
			"pre_delete_status", "created_at", "modified_at",
		}).AddRow(7, "manybody", "waiting", 3, nil, "", "*", 0, []byte("{}"), "", nil, nil, 0, 3, nil, time.Now(), time.Now()))
	mock.ExpectExec("UPDATE records SET status").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	admitted, err := queue.AdmitReady(context.Background(), 5)
	if err != nil {
		t.Fatalf("AdmitReady: %v", err)
	}
	if admitted != 1 {
		t.Fatalf("expected 1 admitted, got %d", admitted)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestIterateOneAppliesAggregateDefaultOnDependencyError(t *testing.T) {
	// The stub driver reports finished even though a dependency errored;
	// the engine's aggregate-rule default must override it and raise the
	// parent to error.
	registry := drivers.NewRegistry()
	registry.Register(record.KindManyBody, stubDriver{decision: service.IterationDecision{Finished: true}})
	queue, mock := newTestQueue(t, registry)

	mock.ExpectBegin()
	mock.ExpectQuery("FROM service_records sr").
		WillReturnRows(sqlmock.NewRows([]string{"record_id"}).AddRow(7))
	mock.ExpectQuery("FROM service_records sr JOIN records r").
		WillReturnRows(sqlmock.NewRows([]string{"kind", "specification_id", "generation", "service_state"}).
			AddRow("manybody", 3, 1, []byte(`{}`)))
	mock.ExpectQuery("FROM service_dependencies sd").
		WillReturnRows(sqlmock.NewRows([]string{"child_record_id", "position", "status", "properties", "final_molecule_id"}).
			AddRow(8, 0, "complete", []byte(`{"energy":1.5}`), nil).
			AddRow(9, 1, "error", nil, nil))
	mock.ExpectExec("INSERT INTO record_output_streams").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("FROM records WHERE id = \\$1 FOR UPDATE").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "kind", "status", "specification_id", "molecule_id", "owner_tag", "tag", "priority",
			"provenance", "comment", "properties", "final_molecule_id", "retry_count", "retry_budget",
			"pre_delete_status", "created_at", "modified_at",
		}).AddRow(7, "manybody", "running", 3, nil, "", "*", 0, []byte("{}"), "", nil, nil, 0, 3, nil, time.Now(), time.Now()))
	mock.ExpectExec("UPDATE records SET status").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	iterated, err := queue.IterateReady(context.Background())
	if err != nil {
		t.Fatalf("IterateReady: %v", err)
	}
	if iterated != 1 {
		t.Fatalf("expected 1 iterated, got %d", iterated)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestIterateOneFinishedClearsServiceRow(t *testing.T) {
	registry := drivers.NewRegistry()
	registry.Register(record.KindManyBody, stubDriver{decision: service.IterationDecision{Finished: true}})
	queue, mock := newTestQueue(t, registry)

	mock.ExpectBegin()
	mock.ExpectQuery("FROM service_records sr").
		WillReturnRows(sqlmock.NewRows([]string{"record_id"}).AddRow(7))
	mock.ExpectQuery("FROM service_records sr JOIN records r").
		WillReturnRows(sqlmock.NewRows([]string{"kind", "specification_id", "generation", "service_state"}).
			AddRow("manybody", 3, 1, []byte(`{}`)))
	mock.ExpectQuery("FROM service_dependencies sd").
		WillReturnRows(sqlmock.NewRows([]string{"child_record_id", "position", "status", "properties", "final_molecule_id"}).
			AddRow(8, 0, "complete", []byte(`{"energy":1.5}`), nil))
	mock.ExpectQuery("FROM records WHERE id = \\$1 FOR UPDATE").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "kind", "status", "specification_id", "molecule_id", "owner_tag", "tag", "priority",
			"provenance", "comment", "properties", "final_molecule_id", "retry_count", "retry_budget",
			"pre_delete_status", "created_at", "modified_at",
		}).AddRow(7, "manybody", "running", 3, nil, "", "*", 0, []byte("{}"), "", nil, nil, 0, 3, nil, time.Now(), time.Now()))
	mock.ExpectExec("UPDATE records SET status").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM service_records WHERE record_id").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	iterated, err := queue.IterateReady(context.Background())
	if err != nil {
		t.Fatalf("IterateReady: %v", err)
	}
	if iterated != 1 {
		t.Fatalf("expected 1 iterated, got %d", iterated)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
