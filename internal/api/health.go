package api

import (
	"net/http"
)

type healthResponse struct {
	Status   string `json:"status"`
	Analyzer string `json:"analyzer"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Analyzer: s.cfg.Analyzer})
}
