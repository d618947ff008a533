// Package api exposes the session pool and job service over HTTP.
package api

import (
	"context"
	stderrors "errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	apperrors "github.com/halverson/courier/pkg/errors"
	"github.com/halverson/courier/pkg/jobs"
	"github.com/halverson/courier/pkg/logging"
	"github.com/halverson/courier/pkg/pool"
	"github.com/halverson/courier/pkg/storage"
)

// Config holds HTTP server settings.
type Config struct {
	BindAddress string
}

// Server wires the REST routes to the pool and job service.
type Server struct {
	cfg        Config
	store      *storage.Store
	pool       *pool.Pool
	jobs       *jobs.Service
	logger     *logging.Logger
	httpServer *http.Server
}

func NewServer(cfg Config, store *storage.Store, p *pool.Pool, svc *jobs.Service, logger *logging.Logger) *Server {
	if cfg.BindAddress == "" {
		cfg.BindAddress = "127.0.0.1:8900"
	}
	return &Server{cfg: cfg, store: store, pool: p, jobs: svc, logger: logger}
}

// Router builds the route table. Exposed separately from Start so tests
// can drive it through httptest without binding a port.
func (s *Server) Router() chi.Router {
	router := chi.NewRouter()

	router.Get("/healthz", s.handleHealthz)
	router.Get("/metrics", promhttp.Handler().ServeHTTP)

	router.Route("/api", func(r chi.Router) {
		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", s.handleCreateSession)
			r.Get("/", s.handleListSessions)
			r.Get("/stats", s.handlePoolStats)
			r.Get("/{sessionID}", s.handleGetSession)
			r.Post("/{sessionID}/reconnect", s.handleReconnectSession)
			r.Delete("/{sessionID}", s.handleCloseSession)
			r.Delete("/{sessionID}/record", s.handlePurgeSession)
		})
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/send", s.handleSubmitSend)
			r.Post("/fetch", s.handleSubmitFetch)
			r.Get("/", s.handleListJobs)
			r.Get("/{jobID}", s.handleGetJob)
			r.Post("/{jobID}/pause", s.handlePauseJob)
			r.Post("/{jobID}/resume", s.handleResumeJob)
			r.Post("/{jobID}/cancel", s.handleCancelJob)
			r.Post("/{jobID}/retry", s.handleRetryJob)
			r.Delete("/{jobID}", s.handleDeleteJob)
		})
	})

	return router
}

// Start runs the HTTP server until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.BindAddress,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
		MaxHeaderBytes:    1 << 20,
	}

	serverErr := make(chan error, 1)
	go func() {
		s.logger.Info(logging.CategoryAPI, "server_started", "serving API", map[string]any{
			"address": s.cfg.BindAddress,
		})
		if err := s.httpServer.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-serverErr:
		return err
	}
}

// handleHealthz doubles as a storage liveness probe: reading the schema
// version touches the database, so a wedged store fails the check.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	version, err := s.store.GetSchemaVersion()
	if err != nil {
		respondError(w, apperrors.Wrap(err, apperrors.ErrCodeStorage, "storage is not reachable"))
		return
	}
	respondJSON(w, map[string]any{"status": "ok", "schema_version": version})
}
