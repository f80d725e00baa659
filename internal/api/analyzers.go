package api

import (
	"net/http"

	"github.com/seantiz/vidscope/internal/pipeline"
)

// analyzerResponse lists the registered analyzers and the one serving
// submissions.
type analyzerResponse struct {
	Active    string                  `json:"active"`
	Analyzers []pipeline.AnalyzerInfo `json:"analyzers"`
}

func (s *Server) handleListAnalyzers(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, analyzerResponse{
		Active:    s.cfg.Analyzer,
		Analyzers: s.registry.List(),
	})
}
