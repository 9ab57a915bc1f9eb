package httpapi

import "net/http"

// handlePerfLatency serves the rolling per-stage latency window. Passing
// reset=1 clears the window after the snapshot, which lets load tools
// measure one run in isolation.
func (s *Server) handlePerfLatency(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		respondJSON(w, http.StatusOK, map[string]any{
			"generated_at": "",
			"window_size":  0,
			"stages":       []any{},
		})
		return
	}
	snap := s.metrics.SnapshotTurnStages()
	if r.URL.Query().Get("reset") == "1" {
		s.metrics.ResetTurnStages()
	}
	respondJSON(w, http.StatusOK, snap)
}
