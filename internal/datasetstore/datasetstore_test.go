package datasetstore

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/hjnpark/QCFractal/internal/domain/dataset"
	"github.com/hjnpark/QCFractal/internal/domain/molecule"
	"github.com/hjnpark/QCFractal/internal/domain/record"
	"github.com/hjnpark/QCFractal/internal/domain/specification"
	"github.com/hjnpark/QCFractal/internal/drivers"
	"github.com/hjnpark/QCFractal/internal/recordstore"
	"github.com/hjnpark/QCFractal/internal/servicequeue"
	"github.com/hjnpark/QCFractal/internal/taskqueue"
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
	log := logger.New("test", logger.Options{})
	records := recordstore.New(db, log)
	tasks := taskqueue.New(db, records, log)
	services := servicequeue.New(db, records, tasks, drivers.DefaultRegistry(), log)
	return New(db, records, tasks, services, log), mock
}

func TestAddDatasetAlreadyExists(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO datasets").WillReturnRows(sqlmock.NewRows(nil))
	mock.ExpectRollback()

	_, err := store.Add(context.Background(), nil, dataset.Dataset{Kind: "singlepoint", Name: "water set"})
	if !apperrors.Is(err, apperrors.CodeAlreadyExists) {
		t.Fatalf("expected already-exists, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestAddEntriesSkipsExistingName(t *testing.T) {
	store, mock := newTestStore(t)

	mol := molecule.Molecule{Symbols: []string{"O", "H", "H"}, Geometry: []float64{0, 0, 0, 0, 0, 1, 0, 1, 0}}
	mol.Hash = "canonical-hash"

	mock.ExpectBegin()
	mock.ExpectExec("pg_advisory_xact_lock").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("FROM molecules WHERE hash").
		WillReturnRows(sqlmock.NewRows([]string{"id", "symbols", "geometry", "charge", "multiplicity", "identifiers", "hash"}).
			AddRow(9, "{O,H,H}", "{0,0,0,0,0,1,0,1,0}", 0, 1, []byte("{}"), "canonical-hash"))
	mock.ExpectExec("INSERT INTO dataset_entries").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	out, err := store.AddEntries(context.Background(), nil, 1, []dataset.Entry{{Name: "water"}}, func(name string) molecule.Molecule {
		return mol
	})
	if err != nil {
		t.Fatalf("AddEntries: %v", err)
	}
	if len(out) != 1 || out[0].Created {
		t.Fatalf("expected one skipped entry, got %+v", out)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestAddSpecificationsReportsAlreadyExistsOnNameConflict(t *testing.T) {
	store, mock := newTestStore(t)

	spec := specification.Specification{Program: "psi4", Method: "mp2"}
	spec.Hash = "spec-hash"

	mock.ExpectBegin()
	mock.ExpectExec("pg_advisory_xact_lock").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("FROM specifications WHERE hash").
		WillReturnRows(sqlmock.NewRows([]string{"id", "program", "method", "basis", "keywords", "protocols", "hash"}).
			AddRow(4, "psi4", "mp2", nil, []byte("{}"), []byte("{}"), "spec-hash"))
	mock.ExpectExec("INSERT INTO dataset_specifications").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	out, err := store.AddSpecifications(context.Background(), nil, 1, []dataset.SpecificationEntry{{Name: "default"}}, func(name string) specification.Specification {
		return spec
	})
	if err != nil {
		t.Fatalf("AddSpecifications: %v", err)
	}
	if len(out) != 1 || !apperrors.Is(out[0].Err, apperrors.CodeAlreadyExists) {
		t.Fatalf("expected already-exists outcome, got %+v", out)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSubmitReusesExistingRecordItem(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("FROM dataset_entries WHERE dataset_id").
		WillReturnRows(sqlmock.NewRows([]string{"name", "molecule_id"}).AddRow("water", 9))
	mock.ExpectQuery("FROM dataset_specifications WHERE dataset_id").
		WillReturnRows(sqlmock.NewRows([]string{"name", "specification_id"}).AddRow("default", 4))
	mock.ExpectQuery("FROM dataset_record_items WHERE dataset_id").
		WillReturnRows(sqlmock.NewRows([]string{"record_id"}).AddRow(42))
	mock.ExpectCommit()

	out, err := store.Submit(context.Background(), nil, 1, record.KindSinglepoint, []string{"water"}, []string{"default"}, "*", 0)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if len(out) != 1 || out[0].RecordID != 42 {
		t.Fatalf("expected reuse of record 42, got %+v", out)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestRenameEntriesRejectsNameCollision(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT EXISTS").WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectRollback()

	err := store.RenameEntries(context.Background(), nil, 1, map[string]string{"water-old": "water-new"})
	if !apperrors.Is(err, apperrors.CodeAlreadyExists) {
		t.Fatalf("expected already-exists, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestStatusGroupsBySpecificationAndStatus(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("FROM dataset_record_items dri").
		WillReturnRows(sqlmock.NewRows([]string{"specification_name", "status", "count"}).
			AddRow("default", "complete", 3).
			AddRow("default", "waiting", 1))
	mock.ExpectCommit()

	out, err := store.Status(context.Background(), nil, 1)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(out))
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestQueryDatasetRecordsReturnsAllDatasetMappings(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("FROM dataset_record_items").
		WillReturnRows(sqlmock.NewRows([]string{"dataset_id", "entry_name", "specification_name", "record_id"}).
			AddRow(1, "water", "default", 42).
			AddRow(2, "water", "default", 42))
	mock.ExpectCommit()

	out, err := store.QueryDatasetRecords(context.Background(), nil, []int64{42})
	if err != nil {
		t.Fatalf("QueryDatasetRecords: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected mappings from both datasets, got %d", len(out))
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

