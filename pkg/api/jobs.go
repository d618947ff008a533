package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/halverson/courier/pkg/jobs"
	"github.com/halverson/courier/pkg/storage"
)

type submitSendRequest struct {
	SessionID  string   `json:"session_id"`
	Recipients []string `json:"recipients"`
	Message    string   `json:"message"`
	Priority   int      `json:"priority"`
	DelayMs    int      `json:"delay_ms"`
}

type submitFetchRequest struct {
	SessionID string `json:"session_id"`
	Priority  int    `json:"priority"`
	DelayMs   int    `json:"delay_ms"`
}

func (s *Server) handleSubmitSend(w http.ResponseWriter, r *http.Request) {
	var req submitSendRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, err)
		return
	}

	rec, err := s.jobs.SubmitSendMessage(r.Context(), jobs.SendPayload{
		SessionID:  req.SessionID,
		Recipients: req.Recipients,
		Message:    req.Message,
	}, jobs.SubmitOptions{
		Priority: req.Priority,
		Delay:    time.Duration(req.DelayMs) * time.Millisecond,
	})
	if err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
	respondJSON(w, rec)
}

func (s *Server) handleSubmitFetch(w http.ResponseWriter, r *http.Request) {
	var req submitFetchRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, err)
		return
	}

	rec, err := s.jobs.SubmitFetchContacts(r.Context(), jobs.FetchPayload{
		SessionID: req.SessionID,
	}, jobs.SubmitOptions{
		Priority: req.Priority,
		Delay:    time.Duration(req.DelayMs) * time.Millisecond,
	})
	if err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
	respondJSON(w, rec)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := storage.JobFilter{
		Status:    q.Get("status"),
		Kind:      q.Get("kind"),
		SessionID: q.Get("session_id"),
	}
	limit := queryInt(q.Get("limit"), 50)
	offset := queryInt(q.Get("offset"), 0)

	records, err := s.jobs.List(filter, limit, offset)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, map[string]any{"jobs": records})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	rec, err := s.jobs.Get(chi.URLParam(r, "jobID"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, rec)
}

func (s *Server) handlePauseJob(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, s.jobs.Pause)
}

func (s *Server) handleResumeJob(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, s.jobs.Resume)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, s.jobs.Cancel)
}

func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, s.jobs.Retry)
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if err := s.jobs.Delete(r.Context(), jobID); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, map[string]string{"job_id": jobID, "status": "deleted"})
}

func (s *Server) lifecycle(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, jobID string) (*storage.JobRecord, error)) {
	rec, err := op(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, rec)
}

func queryInt(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}
