package httpapi

import "net/http"

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.readDB.PingContext(r.Context()); err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// handleInformation returns server metadata including the operator-settable
// message of the day.
func (s *Server) handleInformation(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"name":    "QCFractal",
		"api":     "v1",
		"motd":    s.cfg.MOTD,
		"env":     s.cfg.Env,
		"retries": s.cfg.DefaultRetryBudget,
		"heartbeat": map[string]any{
			"interval_seconds": s.cfg.HeartbeatInterval.Seconds(),
			"max_missed":       s.cfg.HeartbeatMaxMissed,
		},
	})
}
