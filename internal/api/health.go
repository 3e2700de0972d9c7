package api

import "net/http"

// healthResponse reports liveness plus what the runtime has registered, so a
// probe can tell a process with no usable platform from a healthy one.
type healthResponse struct {
	Status    string `json:"status"`
	Platforms int    `json:"platforms"`
	Cores     int    `json:"cores"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:    "ok",
		Platforms: len(s.runtime.Platforms()),
		Cores:     len(s.runtime.Cores()),
	}
	if resp.Platforms == 0 {
		resp.Status = "degraded"
		s.writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}
