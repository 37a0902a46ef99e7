package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/hjnpark/QCFractal/pkg/apperrors"
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.WithError(err).Warn("encode response failed")
	}
}

// writeError maps the taxonomy onto HTTP statuses. Untyped errors are
// surfaced as opaque internal-error responses carrying a stable id that is
// also written to the server log, so operators can correlate without the
// client seeing internals.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var appErr *apperrors.Error
	if errors.As(err, &appErr) && appErr.Code != apperrors.CodeInternal {
		s.writeJSON(w, appErr.HTTPStatus(), errorBody{Code: string(appErr.Code), Message: appErr.Message})
		return
	}

	errorID := uuid.NewString()
	s.log.WithError(err).
		WithField("error_id", errorID).
		WithField("path", r.URL.Path).
		Error("internal error")
	s.writeJSON(w, http.StatusInternalServerError, errorBody{
		Code:    string(apperrors.CodeInternal),
		Message: "internal error " + errorID,
	})
}

// decodeJSON strictly decodes a request body into dst.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return apperrors.MalformedRequest("invalid request body: " + err.Error())
	}
	return nil
}
