package httpapi

import (
	"database/sql"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hjnpark/QCFractal/internal/app/events"
	"github.com/hjnpark/QCFractal/internal/domain/molecule"
	"github.com/hjnpark/QCFractal/internal/domain/record"
	"github.com/hjnpark/QCFractal/internal/domain/specification"
	"github.com/hjnpark/QCFractal/internal/platform/database"
	"github.com/hjnpark/QCFractal/internal/recordstore"
	"github.com/hjnpark/QCFractal/pkg/apperrors"
)

type specificationBody struct {
	Program   string         `json:"program"`
	Method    string         `json:"method"`
	Basis     *string        `json:"basis"`
	Keywords  map[string]any `json:"keywords"`
	Protocols map[string]any `json:"protocols"`
}

func (b specificationBody) toDomain() specification.Specification {
	return specification.Specification{
		Program:   b.Program,
		Method:    b.Method,
		Basis:     b.Basis,
		Keywords:  b.Keywords,
		Protocols: b.Protocols,
	}
}

type moleculeBody struct {
	Symbols      []string          `json:"symbols"`
	Geometry     []float64         `json:"geometry"`
	Charge       int               `json:"charge"`
	Multiplicity int               `json:"multiplicity"`
	Identifiers  map[string]string `json:"identifiers"`
}

func (b moleculeBody) toDomain() molecule.Molecule {
	return molecule.Molecule{
		Symbols:      b.Symbols,
		Geometry:     b.Geometry,
		Charge:       b.Charge,
		Multiplicity: b.Multiplicity,
		Identifiers:  b.Identifiers,
	}
}

type submitRecordRequest struct {
	Kind          string            `json:"kind"`
	Specification specificationBody `json:"specification"`
	Molecule      moleculeBody      `json:"molecule"`
	Tag           string            `json:"tag"`
	Priority      int               `json:"priority"`
}

type submitRecordResponse struct {
	RecordID int64  `json:"record_id"`
	Status   string `json:"status"`
	Existing bool   `json:"existing"`
}

// handleSubmitRecord is the direct (non-dataset) submission path: one
// transaction covers spec dedup, molecule dedup, record creation, and the
// task or service enqueue.
func (s *Server) handleSubmitRecord(w http.ResponseWriter, r *http.Request) {
	var req submitRecordRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	kind := record.Kind(req.Kind)
	if !validKind(kind) {
		s.writeError(w, r, apperrors.MalformedRequest("unknown record kind "+req.Kind))
		return
	}
	if req.Tag == "" {
		req.Tag = "*"
	}

	ctx := r.Context()
	var resp submitRecordResponse
	err := database.WithSession(ctx, s.readDB.DB, nil, func(q database.Querier) error {
		session := &recordstore.Session{Tx: q.(*sql.Tx)}

		spec, err := s.records.AddSpecification(ctx, session, req.Specification.toDomain())
		if err != nil {
			return err
		}
		mol, err := s.records.AddMolecule(ctx, session, req.Molecule.toDomain())
		if err != nil {
			return err
		}

		base := record.NewBase(kind, spec.ID, principalFromCtx(ctx), req.Tag, req.Priority)
		base.MoleculeID = &mol.ID
		created, existing, err := s.records.CreateRecord(ctx, session, base)
		if err != nil {
			return err
		}
		resp = submitRecordResponse{RecordID: created.ID, Status: string(created.Status), Existing: existing}
		if existing {
			return nil
		}

		if kind.IsAtomic() {
			_, err = s.tasks.Enqueue(ctx, session, created.ID, req.Tag, req.Priority, []string{spec.Program})
			return err
		}
		return s.services.Enqueue(ctx, session, created.ID)
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if !resp.Existing {
		s.hub.Publish(events.Event{
			RecordID: resp.RecordID,
			Kind:     req.Kind,
			To:       resp.Status,
			At:       time.Now().UTC(),
		})
	}
	status := http.StatusCreated
	if resp.Existing {
		status = http.StatusOK
	}
	s.writeJSON(w, status, resp)
}

func validKind(k record.Kind) bool {
	switch k {
	case record.KindSinglepoint, record.KindOptimization, record.KindGridOptimization,
		record.KindTorsionDrive, record.KindManyBody, record.KindReaction, record.KindNEB:
		return true
	}
	return false
}

type recordView struct {
	ID              int64          `json:"id"`
	Kind            string         `json:"kind"`
	Status          string         `json:"status"`
	SpecificationID int64          `json:"specification_id"`
	MoleculeID      *int64         `json:"molecule_id,omitempty"`
	Tag             string         `json:"tag"`
	Priority        int            `json:"priority"`
	Comment         string         `json:"comment,omitempty"`
	Properties      map[string]any `json:"properties,omitempty"`
	FinalMoleculeID *int64         `json:"final_molecule_id,omitempty"`
	RetryCount      int            `json:"retry_count"`
	CreatedAt       time.Time      `json:"created_at"`
	ModifiedAt      time.Time      `json:"modified_at"`
}

func toRecordView(rec record.Record) recordView {
	return recordView{
		ID:              rec.ID,
		Kind:            string(rec.Kind),
		Status:          string(rec.Status),
		SpecificationID: rec.SpecificationID,
		MoleculeID:      rec.MoleculeID,
		Tag:             rec.Tag,
		Priority:        rec.Priority,
		Comment:         rec.Comment,
		Properties:      rec.Properties,
		FinalMoleculeID: rec.FinalMoleculeID,
		RetryCount:      rec.RetryCount,
		CreatedAt:       rec.CreatedAt,
		ModifiedAt:      rec.ModifiedAt,
	}
}

func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rec, err := s.records.GetRecord(r.Context(), nil, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toRecordView(rec))
}

func (s *Server) handleGetRecordChildren(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	children, err := s.records.Children(r.Context(), nil, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]recordView, 0, len(children))
	for _, c := range children {
		out = append(out, toRecordView(c))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func pathID(r *http.Request, name string) (int64, error) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, apperrors.MalformedRequest("invalid " + name + " path parameter")
	}
	return id, nil
}

type bulkAction string

const (
	actionCancel       bulkAction = "cancel"
	actionUncancel     bulkAction = "uncancel"
	actionReset        bulkAction = "reset"
	actionInvalidate   bulkAction = "invalidate"
	actionUninvalidate bulkAction = "uninvalidate"
	actionSoftDelete   bulkAction = "delete"
	actionUndelete     bulkAction = "undelete"
	actionHardDelete   bulkAction = "harddelete"
)

type recordActionRequest struct {
	RecordIDs     []int64 `json:"record_ids"`
	WithChildren  bool    `json:"with_children"`
	ClearAttempts bool    `json:"clear_attempts"`
}

// recordAction dispatches a bulk status operation into the cascade engine
// and pushes one event per surviving record with its actual
// post-action status (uncancel and undelete restore snapshots the request
// cannot know ahead of time).
func (s *Server) recordAction(action bulkAction) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req recordActionRequest
		if err := decodeJSON(r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
		if len(req.RecordIDs) == 0 {
			s.writeError(w, r, apperrors.MalformedRequest("record_ids is required"))
			return
		}

		ctx := r.Context()
		var err error
		switch action {
		case actionCancel:
			err = s.cascade.Cancel(ctx, req.RecordIDs, req.WithChildren)
		case actionUncancel:
			err = s.cascade.Uncancel(ctx, req.RecordIDs, req.WithChildren)
		case actionReset:
			err = s.cascade.Reset(ctx, req.RecordIDs, req.WithChildren, req.ClearAttempts)
		case actionInvalidate:
			err = s.cascade.Invalidate(ctx, req.RecordIDs, req.WithChildren)
		case actionUninvalidate:
			err = s.cascade.Uninvalidate(ctx, req.RecordIDs)
		case actionSoftDelete:
			err = s.cascade.SoftDelete(ctx, req.RecordIDs, req.WithChildren)
		case actionUndelete:
			err = s.cascade.Undelete(ctx, req.RecordIDs)
		case actionHardDelete:
			err = s.cascade.HardDelete(ctx, req.RecordIDs, req.WithChildren)
		default:
			err = apperrors.MalformedRequest("unknown action")
		}
		if err != nil {
			s.writeError(w, r, err)
			return
		}

		if action != actionHardDelete {
			for _, id := range req.RecordIDs {
				if rec, err := s.records.GetRecord(ctx, nil, id); err == nil {
					s.hub.Publish(events.Event{
						RecordID: rec.ID,
						Kind:     string(rec.Kind),
						To:       string(rec.Status),
						At:       time.Now().UTC(),
					})
				}
			}
		}
		s.writeJSON(w, http.StatusOK, map[string]any{"updated": len(req.RecordIDs)})
	}
}
