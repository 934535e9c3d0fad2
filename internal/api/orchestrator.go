package api

import "net/http"

func (s *Server) handleHeartbeats(w http.ResponseWriter, r *http.Request) {
	hbs, err := s.mgr.Heartbeats(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"heartbeats": hbs})
}

func (s *Server) handleBriefing(w http.ResponseWriter, r *http.Request) {
	text, err := s.mgr.Briefing(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"briefing": text})
}
