package httpapi

import (
	"net/http"
	"time"

	"github.com/lib/pq"

	"github.com/hjnpark/QCFractal/internal/app/events"
	"github.com/hjnpark/QCFractal/internal/taskqueue"
	"github.com/hjnpark/QCFractal/pkg/apperrors"
)

type claimRequest struct {
	ManagerID string   `json:"manager_id"`
	Programs  []string `json:"programs"`
	Tags      []string `json:"tags"`
	Limit     int      `json:"limit"`
}

// taskEnvelope is the wire shape a manager receives per claimed task.
// FunctionKwargs carries the specification and molecule payload; the core
// treats its contents as opaque.
type taskEnvelope struct {
	ID               int64          `json:"id"`
	RecordID         int64          `json:"record_id"`
	RequiredPrograms []string       `json:"required_programs"`
	Tag              string         `json:"tag"`
	Priority         int            `json:"priority"`
	ClaimToken       string         `json:"claim_token"`
	Function         string         `json:"function"`
	FunctionKwargs   map[string]any `json:"function_kwargs"`
	CreatedOn        time.Time      `json:"created_on"`
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.ManagerID == "" {
		s.writeError(w, r, apperrors.MalformedRequest("manager_id is required"))
		return
	}
	if len(req.Tags) == 0 {
		req.Tags = []string{"*"}
	}

	start := time.Now()
	claimed, err := s.tasks.Claim(r.Context(), req.ManagerID, req.Programs, req.Tags, req.Limit)
	s.metrics.ClaimLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	envelopes := make([]taskEnvelope, 0, len(claimed))
	for _, t := range claimed {
		env := taskEnvelope{
			ID:               t.ID,
			RecordID:         t.RecordID,
			RequiredPrograms: t.RequiredPrograms,
			Tag:              t.Tag,
			Priority:         t.Priority,
			ClaimToken:       t.ClaimToken,
			Function:         "qcengine.compute",
			CreatedOn:        t.CreatedAt,
		}
		if kwargs, err := s.taskKwargs(r, t.RecordID); err == nil {
			env.FunctionKwargs = kwargs
		}
		envelopes = append(envelopes, env)

		s.metrics.TasksClaimedTotal.WithLabelValues(t.Tag).Inc()
		s.hub.Publish(events.Event{
			RecordID: t.RecordID,
			From:     "waiting",
			To:       "running",
			At:       time.Now().UTC(),
		})
	}
	s.writeJSON(w, http.StatusOK, envelopes)
}

// taskKwargs assembles the specification and molecule payload the worker
// needs to run the computation.
func (s *Server) taskKwargs(r *http.Request, recordID int64) (map[string]any, error) {
	rec, err := s.records.GetRecord(r.Context(), nil, recordID)
	if err != nil {
		return nil, err
	}
	spec, err := s.records.GetSpecification(r.Context(), nil, rec.SpecificationID)
	if err != nil {
		return nil, err
	}
	kwargs := map[string]any{
		"program":   spec.Program,
		"method":    spec.Method,
		"keywords":  spec.Keywords,
		"protocols": spec.Protocols,
	}
	if spec.Basis != nil {
		kwargs["basis"] = *spec.Basis
	}
	if rec.MoleculeID != nil {
		mol, err := s.records.GetMolecule(r.Context(), nil, *rec.MoleculeID)
		if err != nil {
			return nil, err
		}
		kwargs["molecule"] = map[string]any{
			"symbols":      mol.Symbols,
			"geometry":     mol.Geometry,
			"charge":       mol.Charge,
			"multiplicity": mol.Multiplicity,
		}
	}
	return kwargs, nil
}

type returnRequest struct {
	ManagerID       string         `json:"manager_id"`
	RecordID        int64          `json:"record_id"`
	ClaimToken      string         `json:"claim_token"`
	Success         bool           `json:"success"`
	Properties      map[string]any `json:"properties"`
	FinalMoleculeID *int64         `json:"final_molecule_id"`
	ErrorType       string         `json:"error_type"`
	ErrorMessage    string         `json:"error_message"`
	Stdout          string         `json:"stdout"`
	Stderr          string         `json:"stderr"`
}

func (s *Server) handleReturn(w http.ResponseWriter, r *http.Request) {
	var req returnRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	err := s.tasks.Return(r.Context(), req.ManagerID, req.RecordID, req.ClaimToken, taskqueue.Result{
		Success:         req.Success,
		Properties:      req.Properties,
		FinalMoleculeID: req.FinalMoleculeID,
		ErrorType:       req.ErrorType,
		ErrorMessage:    req.ErrorMessage,
		Stdout:          req.Stdout,
		Stderr:          req.Stderr,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	outcome := "error"
	if req.Success {
		outcome = "success"
	}
	s.metrics.TasksReturnedTotal.WithLabelValues(outcome).Inc()

	if rec, err := s.records.GetRecord(r.Context(), nil, req.RecordID); err == nil {
		s.hub.Publish(events.Event{
			RecordID: rec.ID,
			Kind:     string(rec.Kind),
			From:     "running",
			To:       string(rec.Status),
			At:       time.Now().UTC(),
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"accepted": true})
}

type registerManagerRequest struct {
	ManagerID string   `json:"manager_id"`
	Name      string   `json:"name"`
	Tags      []string `json:"tags"`
	Programs  []string `json:"programs"`
}

func (s *Server) handleRegisterManager(w http.ResponseWriter, r *http.Request) {
	var req registerManagerRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.ManagerID == "" {
		s.writeError(w, r, apperrors.MalformedRequest("manager_id is required"))
		return
	}
	_, err := s.readDB.ExecContext(r.Context(), `
		INSERT INTO managers (id, name, tags, programs, last_seen, active)
		VALUES ($1,$2,$3,$4,now(),true)
		ON CONFLICT (id) DO UPDATE SET name = $2, tags = $3, programs = $4, last_seen = now(), active = true
	`, req.ManagerID, req.Name, pq.Array(req.Tags), pq.Array(req.Programs))
	if err != nil {
		s.writeError(w, r, apperrors.Internal("register manager", err))
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{"registered": req.ManagerID})
}

type heartbeatRequest struct {
	ManagerID string `json:"manager_id"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.ManagerID == "" {
		s.writeError(w, r, apperrors.MalformedRequest("manager_id is required"))
		return
	}
	if err := s.tasks.Heartbeat(r.Context(), req.ManagerID); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}
