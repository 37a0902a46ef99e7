package httpapi

import (
	"net/http"

	"github.com/hjnpark/QCFractal/pkg/apperrors"
)

// selfRegisterRoles are the roles a caller may claim at registration;
// admin is granted only by an operator editing the users table directly.
var selfRegisterRoles = map[string]bool{
	"read":    true,
	"submit":  true,
	"compute": true,
	"monitor": true,
}

type registerRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Role != "" && !selfRegisterRoles[req.Role] {
		s.writeError(w, r, apperrors.MalformedRequest("role "+req.Role+" cannot be self-assigned"))
		return
	}
	user, err := s.auth.Register(r.Context(), req.Username, req.Password, req.Role)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{
		"id":       user.ID,
		"username": user.Username,
		"role":     user.Role,
	})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	pair, err := s.auth.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, pair)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	pair, err := s.auth.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, pair)
}

type freshLoginRequest struct {
	Username         string         `json:"username"`
	Password         string         `json:"password"`
	AdditionalClaims map[string]any `json:"additional_claims"`
}

func (s *Server) handleFreshLogin(w http.ResponseWriter, r *http.Request) {
	var req freshLoginRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	pair, err := s.auth.FreshLogin(r.Context(), req.Username, req.Password, req.AdditionalClaims)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, pair)
}
