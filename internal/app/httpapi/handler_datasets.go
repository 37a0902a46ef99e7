package httpapi

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/lib/pq"

	"github.com/hjnpark/QCFractal/internal/domain/dataset"
	"github.com/hjnpark/QCFractal/internal/domain/molecule"
	"github.com/hjnpark/QCFractal/internal/domain/record"
	"github.com/hjnpark/QCFractal/internal/domain/specification"
	"github.com/hjnpark/QCFractal/pkg/apperrors"
)

// datasetRow is the sqlx scan target for dataset read paths.
type datasetRow struct {
	ID              int64          `db:"id"`
	Kind            string         `db:"kind"`
	Name            string         `db:"name"`
	Description     string         `db:"description"`
	Tags            pq.StringArray `db:"tags"`
	Owner           string         `db:"owner"`
	DefaultTag      string         `db:"default_tag"`
	DefaultPriority int            `db:"default_priority"`
	Extras          []byte         `db:"extras"`
	Visibility      bool           `db:"visibility"`
	CreatedAt       time.Time      `db:"created_at"`
	ModifiedAt      time.Time      `db:"modified_at"`
}

func (r datasetRow) view() map[string]any {
	var extras map[string]any
	_ = json.Unmarshal(r.Extras, &extras)
	return map[string]any{
		"id":               r.ID,
		"kind":             r.Kind,
		"name":             r.Name,
		"description":      r.Description,
		"tags":             []string(r.Tags),
		"owner":            r.Owner,
		"default_tag":      r.DefaultTag,
		"default_priority": r.DefaultPriority,
		"extras":           extras,
		"visibility":       r.Visibility,
		"created_at":       r.CreatedAt,
		"modified_at":      r.ModifiedAt,
	}
}

const datasetColumns = `id, kind, name, description, tags, owner, default_tag, default_priority, extras, visibility, created_at, modified_at`

func (s *Server) handleListDatasets(w http.ResponseWriter, r *http.Request) {
	var rows []datasetRow
	err := s.readDB.SelectContext(r.Context(), &rows, `
		SELECT `+datasetColumns+` FROM datasets ORDER BY kind, lower_name`)
	if err != nil {
		s.writeError(w, r, apperrors.Internal("list datasets", err))
		return
	}
	out := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.view())
	}
	s.writeJSON(w, http.StatusOK, out)
}

type addDatasetRequest struct {
	Kind            string         `json:"kind"`
	Name            string         `json:"name"`
	Description     string         `json:"description"`
	Tags            []string       `json:"tags"`
	DefaultTag      string         `json:"default_tag"`
	DefaultPriority int            `json:"default_priority"`
	Extras          map[string]any `json:"extras"`
	Visibility      bool           `json:"visibility"`
}

func (s *Server) handleAddDataset(w http.ResponseWriter, r *http.Request) {
	var req addDatasetRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if !validKind(record.Kind(req.Kind)) {
		s.writeError(w, r, apperrors.MalformedRequest("unknown dataset kind "+req.Kind))
		return
	}
	if req.Name == "" {
		s.writeError(w, r, apperrors.MalformedRequest("dataset name is required"))
		return
	}

	created, err := s.datasets.Add(r.Context(), nil, dataset.Dataset{
		Kind:            req.Kind,
		Name:            req.Name,
		Description:     req.Description,
		Tags:            req.Tags,
		Owner:           principalFromCtx(r.Context()),
		DefaultTag:      req.DefaultTag,
		DefaultPriority: req.DefaultPriority,
		Extras:          req.Extras,
		Visibility:      req.Visibility,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{"id": created.ID, "name": created.Name})
}

type queryDatasetsRequest struct {
	Kind string `json:"kind"`
	Name string `json:"name"`
}

func (s *Server) handleQueryDatasets(w http.ResponseWriter, r *http.Request) {
	var req queryDatasetsRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	query := `SELECT ` + datasetColumns + ` FROM datasets WHERE ($1 = '' OR kind = $1) AND ($2 = '' OR lower_name = lower($2)) ORDER BY kind, lower_name`
	var rows []datasetRow
	if err := s.readDB.SelectContext(r.Context(), &rows, query, req.Kind, req.Name); err != nil {
		s.writeError(w, r, apperrors.Internal("query datasets", err))
		return
	}
	out := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.view())
	}
	s.writeJSON(w, http.StatusOK, out)
}

type queryDatasetRecordsRequest struct {
	RecordIDs []int64 `json:"record_ids"`
}

func (s *Server) handleQueryDatasetRecords(w http.ResponseWriter, r *http.Request) {
	var req queryDatasetRecordsRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	mappings, err := s.datasets.QueryDatasetRecords(r.Context(), nil, req.RecordIDs)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]map[string]any, 0, len(mappings))
	for _, m := range mappings {
		out = append(out, map[string]any{
			"dataset_id":         m.DatasetID,
			"entry_name":         m.EntryName,
			"specification_name": m.SpecificationName,
			"record_id":          m.RecordID,
		})
	}
	s.writeJSON(w, http.StatusOK, out)
}

// handleGetDatasetByID resolves a dataset by bare id, without the kind
// segment.
func (s *Server) handleGetDatasetByID(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var row datasetRow
	err = s.readDB.GetContext(r.Context(), &row, `
		SELECT `+datasetColumns+` FROM datasets WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		s.writeError(w, r, apperrors.MissingData("dataset not found"))
		return
	}
	if err != nil {
		s.writeError(w, r, apperrors.Internal("lookup dataset", err))
		return
	}
	s.writeJSON(w, http.StatusOK, row.view())
}

func (s *Server) handleDeleteDatasetByID(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.readDB.ExecContext(r.Context(), `DELETE FROM datasets WHERE id = $1`, id)
	if err != nil {
		s.writeError(w, r, apperrors.Internal("delete dataset", err))
		return
	}
	if n, _ := res.RowsAffected(); n == 0 {
		s.writeError(w, r, apperrors.MissingData("dataset not found"))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"deleted": id})
}

// datasetFromPath resolves the {kind}/{id} route pair, verifying the id
// actually belongs to a dataset of that kind.
func (s *Server) datasetFromPath(r *http.Request) (datasetRow, error) {
	id, err := pathID(r, "id")
	if err != nil {
		return datasetRow{}, err
	}
	kind := chi.URLParam(r, "kind")

	var row datasetRow
	err = s.readDB.GetContext(r.Context(), &row, `
		SELECT `+datasetColumns+` FROM datasets WHERE id = $1 AND kind = $2`, id, kind)
	if errors.Is(err, sql.ErrNoRows) {
		return datasetRow{}, apperrors.MissingData("dataset not found")
	}
	if err != nil {
		return datasetRow{}, apperrors.Internal("lookup dataset", err)
	}
	return row, nil
}

func (s *Server) handleGetDataset(w http.ResponseWriter, r *http.Request) {
	ds, err := s.datasetFromPath(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ds.view())
}

type patchDatasetRequest struct {
	Description     *string        `json:"description"`
	Tags            []string       `json:"tags"`
	DefaultTag      *string        `json:"default_tag"`
	DefaultPriority *int           `json:"default_priority"`
	Extras          map[string]any `json:"extras"`
	Visibility      *bool          `json:"visibility"`
}

func (s *Server) handlePatchDataset(w http.ResponseWriter, r *http.Request) {
	ds, err := s.datasetFromPath(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req patchDatasetRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	if req.Description != nil {
		ds.Description = *req.Description
	}
	if req.Tags != nil {
		ds.Tags = req.Tags
	}
	if req.DefaultTag != nil {
		ds.DefaultTag = *req.DefaultTag
	}
	if req.DefaultPriority != nil {
		ds.DefaultPriority = *req.DefaultPriority
	}
	if req.Extras != nil {
		encoded, err := json.Marshal(req.Extras)
		if err != nil {
			s.writeError(w, r, apperrors.MalformedRequest("encode extras"))
			return
		}
		ds.Extras = encoded
	}
	if req.Visibility != nil {
		ds.Visibility = *req.Visibility
	}

	_, err = s.readDB.ExecContext(r.Context(), `
		UPDATE datasets
		SET description = $2, tags = $3, default_tag = $4, default_priority = $5,
		    extras = $6, visibility = $7, modified_at = now()
		WHERE id = $1
	`, ds.ID, ds.Description, pq.Array(ds.Tags), ds.DefaultTag, ds.DefaultPriority, ds.Extras, ds.Visibility)
	if err != nil {
		s.writeError(w, r, apperrors.Internal("update dataset", err))
		return
	}
	s.writeJSON(w, http.StatusOK, ds.view())
}

func (s *Server) handleDeleteDataset(w http.ResponseWriter, r *http.Request) {
	ds, err := s.datasetFromPath(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	// Foreign keys cascade the entries, specifications, and record items;
	// the records themselves survive unless deleted explicitly.
	if _, err := s.readDB.ExecContext(r.Context(), `DELETE FROM datasets WHERE id = $1`, ds.ID); err != nil {
		s.writeError(w, r, apperrors.Internal("delete dataset", err))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"deleted": ds.ID})
}

func (s *Server) handleDatasetStatus(w http.ResponseWriter, r *http.Request) {
	ds, err := s.datasetFromPath(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	counts, err := s.datasets.Status(r.Context(), nil, ds.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	// Shaped as map(spec-name -> map(status -> count)).
	out := make(map[string]map[string]int)
	for _, c := range counts {
		if out[c.SpecificationName] == nil {
			out[c.SpecificationName] = make(map[string]int)
		}
		out[c.SpecificationName][c.Status] = c.Count
	}
	s.writeJSON(w, http.StatusOK, out)
}

type detailedStatusRow struct {
	EntryName         string `db:"entry_name" json:"entry_name"`
	SpecificationName string `db:"specification_name" json:"specification_name"`
	RecordID          int64  `db:"record_id" json:"record_id"`
	Status            string `db:"status" json:"status"`
}

func (s *Server) handleDatasetDetailedStatus(w http.ResponseWriter, r *http.Request) {
	ds, err := s.datasetFromPath(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var rows []detailedStatusRow
	err = s.readDB.SelectContext(r.Context(), &rows, `
		SELECT dri.entry_name, dri.specification_name, dri.record_id, r.status
		FROM dataset_record_items dri
		JOIN records r ON r.id = dri.record_id
		WHERE dri.dataset_id = $1
		ORDER BY dri.entry_name, dri.specification_name
	`, ds.ID)
	if err != nil {
		s.writeError(w, r, apperrors.Internal("query detailed status", err))
		return
	}
	s.writeJSON(w, http.StatusOK, rows)
}

type datasetSubmitRequest struct {
	EntryNames         []string `json:"entry_names"`
	SpecificationNames []string `json:"specification_names"`
	Tag                *string  `json:"tag"`
	Priority           *int     `json:"priority"`
}

func (s *Server) handleDatasetSubmit(w http.ResponseWriter, r *http.Request) {
	ds, err := s.datasetFromPath(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req datasetSubmitRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	tag := ds.DefaultTag
	if req.Tag != nil {
		tag = *req.Tag
	}
	priority := ds.DefaultPriority
	if req.Priority != nil {
		priority = *req.Priority
	}

	mappings, err := s.datasets.Submit(r.Context(), nil, ds.ID, record.Kind(ds.Kind),
		req.EntryNames, req.SpecificationNames, tag, priority)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"submitted": len(mappings)})
}

type entryRow struct {
	Name       string    `db:"name"`
	MoleculeID int64     `db:"molecule_id"`
	Extras     []byte    `db:"extras"`
	CreatedAt  time.Time `db:"created_at"`
}

func (s *Server) handleListEntries(w http.ResponseWriter, r *http.Request) {
	ds, err := s.datasetFromPath(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var rows []entryRow
	err = s.readDB.SelectContext(r.Context(), &rows, `
		SELECT name, molecule_id, extras, created_at FROM dataset_entries
		WHERE dataset_id = $1 ORDER BY name`, ds.ID)
	if err != nil {
		s.writeError(w, r, apperrors.Internal("list entries", err))
		return
	}
	out := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		var extras map[string]any
		_ = json.Unmarshal(row.Extras, &extras)
		out = append(out, map[string]any{
			"name":        row.Name,
			"molecule_id": row.MoleculeID,
			"extras":      extras,
			"created_at":  row.CreatedAt,
		})
	}
	s.writeJSON(w, http.StatusOK, out)
}

type addEntriesRequest struct {
	Entries []struct {
		Name     string         `json:"name"`
		Molecule moleculeBody   `json:"molecule"`
		Extras   map[string]any `json:"extras"`
	} `json:"entries"`
}

func (s *Server) handleAddEntries(w http.ResponseWriter, r *http.Request) {
	ds, err := s.datasetFromPath(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req addEntriesRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	entries := make([]dataset.Entry, 0, len(req.Entries))
	molecules := make(map[string]molecule.Molecule, len(req.Entries))
	for _, e := range req.Entries {
		if e.Name == "" {
			s.writeError(w, r, apperrors.MalformedRequest("entry name is required"))
			return
		}
		entries = append(entries, dataset.Entry{DatasetID: ds.ID, Name: e.Name, Extras: e.Extras})
		molecules[e.Name] = e.Molecule.toDomain()
	}

	outcomes, err := s.datasets.AddEntries(r.Context(), nil, ds.ID, entries, func(name string) molecule.Molecule {
		return molecules[name]
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]map[string]any, 0, len(outcomes))
	for _, o := range outcomes {
		out = append(out, map[string]any{"name": o.Name, "created": o.Created})
	}
	s.writeJSON(w, http.StatusOK, out)
}

type renameRequest struct {
	Renames map[string]string `json:"renames"`
}

func (s *Server) handleRenameEntries(w http.ResponseWriter, r *http.Request) {
	ds, err := s.datasetFromPath(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req renameRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.datasets.RenameEntries(r.Context(), nil, ds.ID, req.Renames); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"renamed": len(req.Renames)})
}

type bulkDeleteNamesRequest struct {
	Names         []string `json:"names"`
	DeleteRecords bool     `json:"delete_records"`
}

func (s *Server) handleDeleteEntries(w http.ResponseWriter, r *http.Request) {
	ds, err := s.datasetFromPath(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req bulkDeleteNamesRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.datasets.DeleteEntries(r.Context(), nil, ds.ID, req.Names, req.DeleteRecords); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"deleted": len(req.Names)})
}

type specEntryRow struct {
	Name            string  `db:"name" json:"name"`
	Description     string  `db:"description" json:"description"`
	SpecificationID int64   `db:"specification_id" json:"specification_id"`
	Program         string  `db:"program" json:"program"`
	Method          string  `db:"method" json:"method"`
	Basis           *string `db:"basis" json:"basis,omitempty"`
}

func (s *Server) handleListSpecifications(w http.ResponseWriter, r *http.Request) {
	ds, err := s.datasetFromPath(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var rows []specEntryRow
	err = s.readDB.SelectContext(r.Context(), &rows, `
		SELECT dsp.name, dsp.description, dsp.specification_id, sp.program, sp.method, sp.basis
		FROM dataset_specifications dsp
		JOIN specifications sp ON sp.id = dsp.specification_id
		WHERE dsp.dataset_id = $1 ORDER BY dsp.name`, ds.ID)
	if err != nil {
		s.writeError(w, r, apperrors.Internal("list specifications", err))
		return
	}
	s.writeJSON(w, http.StatusOK, rows)
}

type addSpecificationsRequest struct {
	Specifications []struct {
		Name          string            `json:"name"`
		Description   string            `json:"description"`
		Specification specificationBody `json:"specification"`
	} `json:"specifications"`
}

func (s *Server) handleAddSpecifications(w http.ResponseWriter, r *http.Request) {
	ds, err := s.datasetFromPath(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req addSpecificationsRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	entries := make([]dataset.SpecificationEntry, 0, len(req.Specifications))
	contents := make(map[string]specification.Specification, len(req.Specifications))
	for _, sp := range req.Specifications {
		if sp.Name == "" {
			s.writeError(w, r, apperrors.MalformedRequest("specification name is required"))
			return
		}
		entries = append(entries, dataset.SpecificationEntry{
			DatasetID:   ds.ID,
			Name:        sp.Name,
			Description: sp.Description,
		})
		contents[sp.Name] = sp.Specification.toDomain()
	}

	outcomes, err := s.datasets.AddSpecifications(r.Context(), nil, ds.ID, entries, func(name string) specification.Specification {
		return contents[name]
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]map[string]any, 0, len(outcomes))
	for _, o := range outcomes {
		item := map[string]any{"name": o.Name, "specification_id": o.SpecificationID}
		if o.Err != nil {
			item["error"] = o.Err.Error()
		}
		out = append(out, item)
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRenameSpecifications(w http.ResponseWriter, r *http.Request) {
	ds, err := s.datasetFromPath(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req renameRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.datasets.RenameSpecifications(r.Context(), nil, ds.ID, req.Renames); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"renamed": len(req.Renames)})
}

func (s *Server) handleDeleteSpecifications(w http.ResponseWriter, r *http.Request) {
	ds, err := s.datasetFromPath(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req bulkDeleteNamesRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.datasets.DeleteSpecifications(r.Context(), nil, ds.ID, req.Names, req.DeleteRecords); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"deleted": len(req.Names)})
}

type recordItemRow struct {
	EntryName         string `db:"entry_name" json:"entry_name"`
	SpecificationName string `db:"specification_name" json:"specification_name"`
	RecordID          int64  `db:"record_id" json:"record_id"`
}

func (s *Server) handleListRecordItems(w http.ResponseWriter, r *http.Request) {
	ds, err := s.datasetFromPath(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var rows []recordItemRow
	err = s.readDB.SelectContext(r.Context(), &rows, `
		SELECT entry_name, specification_name, record_id FROM dataset_record_items
		WHERE dataset_id = $1 ORDER BY entry_name, specification_name`, ds.ID)
	if err != nil {
		s.writeError(w, r, apperrors.Internal("list record items", err))
		return
	}
	s.writeJSON(w, http.StatusOK, rows)
}

type bulkFetchRecordItemsRequest struct {
	EntryNames         []string `json:"entry_names"`
	SpecificationNames []string `json:"specification_names"`
}

func (s *Server) handleBulkFetchRecordItems(w http.ResponseWriter, r *http.Request) {
	ds, err := s.datasetFromPath(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req bulkFetchRecordItemsRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	var rows []recordItemRow
	err = s.readDB.SelectContext(r.Context(), &rows, `
		SELECT entry_name, specification_name, record_id FROM dataset_record_items
		WHERE dataset_id = $1
		  AND (cardinality($2::text[]) = 0 OR entry_name = ANY($2::text[]))
		  AND (cardinality($3::text[]) = 0 OR specification_name = ANY($3::text[]))
		ORDER BY entry_name, specification_name
	`, ds.ID, pq.Array(req.EntryNames), pq.Array(req.SpecificationNames))
	if err != nil {
		s.writeError(w, r, apperrors.Internal("bulk fetch record items", err))
		return
	}
	s.writeJSON(w, http.StatusOK, rows)
}

type deleteRecordItemsRequest struct {
	EntryNames         []string `json:"entry_names"`
	SpecificationNames []string `json:"specification_names"`
	DeleteRecords      bool     `json:"delete_records"`
}

func (s *Server) handleDeleteRecordItems(w http.ResponseWriter, r *http.Request) {
	ds, err := s.datasetFromPath(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req deleteRecordItemsRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.datasets.DeleteRecordItems(r.Context(), nil, ds.ID, req.EntryNames, req.SpecificationNames, req.DeleteRecords); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

type datasetRecordsActionRequest struct {
	Action       string   `json:"action"` // cancel | uncancel | reset | invalidate | uninvalidate | delete | undelete
	EntryNames   []string `json:"entry_names"`
	SpecNames    []string `json:"specification_names"`
	WithChildren bool     `json:"with_children"`
}

// handleDatasetRecordsAction applies a bulk cascade operation to the subset
// of a dataset's records selected by entry/spec name filters.
func (s *Server) handleDatasetRecordsAction(w http.ResponseWriter, r *http.Request) {
	ds, err := s.datasetFromPath(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req datasetRecordsActionRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	ids, err := s.datasetRecordIDs(r, ds.ID, req.EntryNames, req.SpecNames)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if len(ids) == 0 {
		s.writeJSON(w, http.StatusOK, map[string]any{"updated": 0})
		return
	}

	ctx := r.Context()
	switch bulkAction(req.Action) {
	case actionCancel:
		err = s.cascade.Cancel(ctx, ids, req.WithChildren)
	case actionUncancel:
		err = s.cascade.Uncancel(ctx, ids, req.WithChildren)
	case actionReset:
		err = s.cascade.Reset(ctx, ids, req.WithChildren, false)
	case actionInvalidate:
		err = s.cascade.Invalidate(ctx, ids, req.WithChildren)
	case actionUninvalidate:
		err = s.cascade.Uninvalidate(ctx, ids)
	case actionSoftDelete:
		err = s.cascade.SoftDelete(ctx, ids, req.WithChildren)
	case actionUndelete:
		err = s.cascade.Undelete(ctx, ids)
	default:
		err = apperrors.MalformedRequest("unknown action " + req.Action)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"updated": len(ids)})
}

// handleDatasetRecordsRevert is the uncancel/undelete convenience: it
// restores every cancelled or soft-deleted record in the dataset selection.
func (s *Server) handleDatasetRecordsRevert(w http.ResponseWriter, r *http.Request) {
	ds, err := s.datasetFromPath(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req bulkFetchRecordItemsRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	ids, err := s.datasetRecordIDs(r, ds.ID, req.EntryNames, req.SpecificationNames)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var cancelled, deleted []int64
	for _, id := range ids {
		rec, err := s.records.GetRecord(r.Context(), nil, id)
		if err != nil {
			continue
		}
		switch rec.Status {
		case record.StatusCancelled:
			cancelled = append(cancelled, id)
		case record.StatusDeleted:
			deleted = append(deleted, id)
		}
	}
	if len(cancelled) > 0 {
		if err := s.cascade.Uncancel(r.Context(), cancelled, false); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	if len(deleted) > 0 {
		if err := s.cascade.Undelete(r.Context(), deleted); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"reverted": len(cancelled) + len(deleted)})
}

func (s *Server) datasetRecordIDs(r *http.Request, datasetID int64, entryNames, specNames []string) ([]int64, error) {
	var ids []int64
	err := s.readDB.SelectContext(r.Context(), &ids, `
		SELECT record_id FROM dataset_record_items
		WHERE dataset_id = $1
		  AND (cardinality($2::text[]) = 0 OR entry_name = ANY($2::text[]))
		  AND (cardinality($3::text[]) = 0 OR specification_name = ANY($3::text[]))
	`, datasetID, pq.Array(entryNames), pq.Array(specNames))
	if err != nil {
		return nil, apperrors.Internal("select dataset record ids", err)
	}
	return ids, nil
}
