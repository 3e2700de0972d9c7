package api

import (
	"net/http"

	"github.com/seantiz/anvil/internal/store"
)

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	Total              int            `json:"total"`
	ByStatus           map[string]int `json:"by_status"`
	ByPlatform         map[string]int `json:"by_platform"`
	AvgDurationMS      float64        `json:"avg_duration_ms"`
	ProfileSamples     int            `json:"profile_samples"`
	CheckpointedValues int            `json:"checkpointed_values"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetTaskStats(r.Context())
	if err != nil {
		s.logger.Error("get task stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	s.writeJSON(w, http.StatusOK, statsResponse{
		Total:              stats.Total,
		ByStatus:           stats.CountByStatus,
		ByPlatform:         stats.CountByPlatform,
		AvgDurationMS:      stats.AvgDurationMS,
		ProfileSamples:     stats.ProfileSamples,
		CheckpointedValues: stats.CheckpointedValues,
	})
}

func (s *Server) handleListCheckpoints(w http.ResponseWriter, r *http.Request) {
	cps, err := s.store.ListCheckpoints(r.Context())
	if err != nil {
		s.logger.Error("list checkpoints", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list checkpoints")
		return
	}
	if cps == nil {
		cps = []store.Checkpoint{}
	}
	s.writeJSON(w, http.StatusOK, cps)
}
