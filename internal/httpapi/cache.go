package httpapi

import "net/http"

type cacheStatus struct {
	Entries  int      `json:"entries"`
	Capacity int      `json:"capacity"`
	Anchors  []string `json:"anchors"`
}

func (s *Server) handleCacheStatus(w http.ResponseWriter, _ *http.Request) {
	if s.cache == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "node cache not configured")
		return
	}
	respondJSON(w, http.StatusOK, cacheStatus{
		Entries:  s.cache.Len(),
		Capacity: s.cache.Capacity(),
		Anchors:  s.cache.Anchors(),
	})
}

func (s *Server) handleCacheSnapshot(w http.ResponseWriter, r *http.Request) {
	if s.persister == nil || s.cache == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "node cache persistence not configured")
		return
	}
	if err := s.persister.Save(r.Context()); err != nil {
		s.logger.Error().Err(err).Msg("manual snapshot failed")
		respondError(w, http.StatusInternalServerError, "snapshot_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"saved":   true,
		"entries": s.cache.Len(),
	})
}
