package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/halverson/courier/pkg/errors"
)

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	rec, err := s.pool.Create(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
	respondJSON(w, rec)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	records, err := s.pool.List()
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, map[string]any{"sessions": records})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	rec, err := s.pool.Get(sessionID)
	if err != nil {
		respondError(w, err)
		return
	}
	if rec == nil {
		respondError(w, apperrors.Newf(apperrors.ErrCodeResourceNotFound, "session %s not found", sessionID))
		return
	}
	respondJSON(w, rec)
}

func (s *Server) handlePoolStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.pool.Stats()
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, stats)
}

func (s *Server) handleReconnectSession(w http.ResponseWriter, r *http.Request) {
	rec, err := s.pool.Reconnect(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, rec)
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if err := s.pool.CloseSession(r.Context(), sessionID); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, map[string]string{"session_id": sessionID, "status": "closed"})
}

func (s *Server) handlePurgeSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if err := s.pool.PurgeSession(r.Context(), sessionID); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, map[string]string{"session_id": sessionID, "status": "deleted"})
}
