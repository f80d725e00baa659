package api

import (
	"net/http"
)

// statsResponse is the JSON response for GET /api/stats.
type statsResponse struct {
	Total         int            `json:"total"`
	ByStatus      map[string]int `json:"by_status"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetJobStats(r.Context())
	if err != nil {
		s.logger.Error("get job stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	byStatus := stats.CountByStatus
	if byStatus == nil {
		byStatus = map[string]int{}
	}

	s.writeJSON(w, http.StatusOK, statsResponse{
		Total:         stats.Total,
		ByStatus:      byStatus,
		AvgDurationMS: stats.AvgDurationMS,
	})
}
